package imapserver

import (
	"testing"

	"github.com/aox/aox/store"
)

// tp returns a parser without a connection; tests only use productions
// that stay within the line.
func tp(s string) *parser {
	c := &conn{enabled: map[capability]bool{}}
	return newParser(s, c)
}

// parseCheck converts parser panics into test failures unless expectErr.
func parseCheck[T any](t *testing.T, expectErr bool, fn func() T) (v T, panicked bool) {
	t.Helper()
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if _, ok := x.(syntaxError); ok {
			panicked = true
			if !expectErr {
				t.Fatalf("unexpected syntax error: %v", x)
			}
			return
		}
		panic(x)
	}()
	v = fn()
	return
}

func TestParseTagCommand(t *testing.T) {
	p := tp("a1 UID FETCH 1:* (FLAGS)")
	tag := p.xtag()
	if tag != "a1" {
		t.Fatalf("tag: got %q", tag)
	}
	p.xspace()
	cmd := p.xcommand()
	if cmd != "UID FETCH" {
		t.Fatalf("command: got %q", cmd)
	}
}

func TestParseAstring(t *testing.T) {
	cases := []struct{ in, out string }{
		{`atom`, "atom"},
		{`"quoted string"`, "quoted string"},
		{`"with \"escapes\" inside"`, `with "escapes" inside`},
		{`"back\\slash"`, `back\slash`},
	}
	for _, tc := range cases {
		p := tp(tc.in)
		got, _ := parseCheck(t, false, p.xastring)
		if got != tc.out {
			t.Fatalf("astring %s: got %q, expected %q", tc.in, got, tc.out)
		}
		if !p.empty() {
			t.Fatalf("astring %s: leftover %q", tc.in, p.remainder())
		}
	}

	_, panicked := parseCheck(t, true, tp(`"unterminated`).xastring)
	if !panicked {
		t.Fatalf("unterminated string accepted")
	}
}

// Canonical forms round-trip through parse and pack.
func TestStringRoundTrip(t *testing.T) {
	c := &conn{enabled: map[capability]bool{}}
	cases := []string{"atom", "two words", `with "quotes"`, ""}
	for _, s := range cases {
		packed := astring(s).pack(c)
		p := newParser(packed, c)
		got, _ := parseCheck(t, false, p.xastring)
		if got != s {
			t.Fatalf("round trip %q: packed %q, parsed %q", s, packed, got)
		}
	}
}

func TestParseNumSet(t *testing.T) {
	p := tp("1,3:5,9:*")
	ns, _ := parseCheck(t, false, p.xnumSet)
	if len(ns.ranges) != 3 {
		t.Fatalf("ranges: got %d", len(ns.ranges))
	}
	if ns.ranges[0].first.number != 1 || ns.ranges[0].last != nil {
		t.Fatalf("first range: %+v", ns.ranges[0])
	}
	if ns.ranges[1].first.number != 3 || ns.ranges[1].last.number != 5 {
		t.Fatalf("second range: %+v", ns.ranges[1])
	}
	if !ns.ranges[2].last.star {
		t.Fatalf("third range: %+v", ns.ranges[2])
	}

	p = tp("$")
	ns, _ = parseCheck(t, false, p.xnumSet)
	if !ns.searchResult {
		t.Fatalf("searchResult not set for $")
	}

	_, panicked := parseCheck(t, true, tp("0").xnumSet)
	if !panicked {
		t.Fatalf("zero msgseq accepted")
	}
}

func TestParseFlags(t *testing.T) {
	p := tp(`(\Seen \Deleted $Forwarded custom)`)
	flags, _ := parseCheck(t, false, p.xflagList)
	if len(flags) != 4 || flags[0] != `\Seen` || flags[3] != "custom" {
		t.Fatalf("flags: %v", flags)
	}

	_, panicked := parseCheck(t, true, tp(`(\Bogus)`).xflagList)
	if !panicked {
		t.Fatalf("unknown system flag accepted")
	}
}

func TestParseFetchAtts(t *testing.T) {
	p := tp("(UID FLAGS BODY.PEEK[HEADER.FIELDS (From Subject)] RFC822.SIZE)")
	atts, _ := parseCheck(t, false, p.xfetchAtts)
	if len(atts) != 4 {
		t.Fatalf("atts: %+v", atts)
	}
	if atts[2].field != "BODY" || !atts[2].peek || atts[2].section == nil {
		t.Fatalf("body att: %+v", atts[2])
	}
	if len(atts[2].section.headers) != 2 || atts[2].section.headers[0] != "From" {
		t.Fatalf("section headers: %+v", atts[2].section)
	}

	p = tp("ALL")
	atts, _ = parseCheck(t, false, p.xfetchAtts)
	if len(atts) != 4 || atts[3].field != "ENVELOPE" {
		t.Fatalf("ALL macro: %+v", atts)
	}
}

func TestParseSearchKey(t *testing.T) {
	p := tp(`OR FROM "x" TO "x"`)
	sk, _ := parseCheck(t, false, p.xsearchKey)
	if sk.op != "OR" || sk.searchKey.op != "FROM" || sk.searchKey2.op != "TO" {
		t.Fatalf("or key: %+v", sk)
	}

	p = tp(`NOT KEYWORD $label`)
	sk, _ = parseCheck(t, false, p.xsearchKey)
	if sk.op != "NOT" || sk.searchKey.atom != "$label" {
		t.Fatalf("not keyword: %+v", sk)
	}

	p = tp(`MODSEQ 12345`)
	sk, _ = parseCheck(t, false, p.xsearchKey)
	if sk.clientModseq == nil || *sk.clientModseq != 12345 {
		t.Fatalf("modseq: %+v", sk)
	}
	if !sk.hasModseq() {
		t.Fatalf("hasModseq false")
	}

	p = tp(`SINCE 1-Feb-2024`)
	sk, _ = parseCheck(t, false, p.xsearchKey)
	if sk.date.Year() != 2024 || sk.date.Month() != 2 || sk.date.Day() != 1 {
		t.Fatalf("since date: %v", sk.date)
	}
}

func TestLiteralSizeTooBig(t *testing.T) {
	p := tp("{999999999}")
	_, panicked := parseCheck(t, true, func() int64 {
		size, _ := p.xliteralSize(1024, false)
		return size
	})
	if !panicked {
		t.Fatalf("oversized literal accepted")
	}
}

func TestUTF7(t *testing.T) {
	// Round trip of a name with non-ascii.
	name := "boîte"
	enc := utf7encode(name)
	dec, err := utf7decode(enc)
	if err != nil {
		t.Fatalf("decoding %q: %v", enc, err)
	}
	if dec != name {
		t.Fatalf("round trip: got %q, expected %q", dec, name)
	}

	// The & escape.
	if enc := utf7encode("a&b"); enc != "a&-b" {
		t.Fatalf("ampersand encoding: %q", enc)
	}
	if dec, err := utf7decode("a&-b"); err != nil || dec != "a&b" {
		t.Fatalf("ampersand decoding: %q, %v", dec, err)
	}
	if _, err := utf7decode("a&b"); err == nil {
		t.Fatalf("unfinished shift accepted")
	}
}

func TestCramMD5Digest(t *testing.T) {
	// The RFC 2195 example: key "tanstaaftanstaaf", challenge
	// "<1896.697170952@postoffice.reston.mci.net>".
	got := cramMD5Digest("tanstaaftanstaaf", "<1896.697170952@postoffice.reston.mci.net>")
	if got != "b913a602c7eda7a495b4e6e7334d3890" {
		t.Fatalf("cram-md5 digest: got %s", got)
	}
}

func TestUIDRangesString(t *testing.T) {
	cases := []struct {
		uids []store.UID
		out  string
	}{
		{[]store.UID{1}, "1"},
		{[]store.UID{1, 2, 3}, "1:3"},
		{[]store.UID{1, 3, 4, 8}, "1,3:4,8"},
	}
	for _, tc := range cases {
		if got := uidRangesString(tc.uids); got != tc.out {
			t.Fatalf("uid ranges %v: got %q, expected %q", tc.uids, got, tc.out)
		}
	}
}

func TestMailboxPatternMatcher(t *testing.T) {
	re := xmailboxPatternMatcher("", []string{"INBOX"})
	if !re.MatchString("INBOX") || re.MatchString("INBOX/sub") {
		t.Fatalf("INBOX pattern")
	}
	re = xmailboxPatternMatcher("", []string{"*"})
	if !re.MatchString("a/b/c") {
		t.Fatalf("star pattern should cross hierarchy")
	}
	re = xmailboxPatternMatcher("", []string{"%"})
	if re.MatchString("a/b") || !re.MatchString("a") {
		t.Fatalf("percent pattern should not cross hierarchy")
	}
	re = xmailboxPatternMatcher("archive", []string{"2024*"})
	if !re.MatchString("archive/2024-01") {
		t.Fatalf("reference should prefix pattern")
	}
}

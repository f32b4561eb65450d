package sieve

import (
	"strings"
	"testing"
)

func tparse(t *testing.T, script string) *Script {
	t.Helper()
	s, err := Parse(script)
	if err != nil {
		t.Fatalf("parsing script: %v\nscript: %s", err, script)
	}
	return s
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		`fileinto "x";`,                             // fileinto without require.
		`require ["fileinto"];`,                     // declared but unused.
		`require ["frobnicate"]; frobnicate;`,       // unsupported extension.
		`keep`,                                      // missing semicolon.
		`if true { keep; `,                          // unterminated block.
		`elsif true { keep; }`,                      // elsif without if.
		`else { keep; }`,                            // else without if.
		`keep; require ["fileinto"]; fileinto "x";`, // require after a command.
		`if size { keep; }`,                         // size without :over/:under.
		`if header :is :contains "Subject" "x" { discard; }`,       // two match types.
		`if header :comparator "i;wrong" "Subject" "x" { keep; }`,  // bad comparator.
	}
	for _, script := range bad {
		if _, err := Parse(script); err == nil {
			t.Fatalf("no parse error for: %s", script)
		}
	}

	// And some that must parse.
	good := []string{
		``,
		`keep;`,
		`# a comment
keep;`,
		`/* block comment */ keep;`,
		`if anyof (true, false) { keep; } else { discard; }`,
		`require ["fileinto", "reject"]; if true { fileinto "a"; } else { reject "no"; }`,
		`if size :over 100K { discard; } else { keep; }`,
		`require ["envelope"]; if envelope :domain :is "from" "example.org" { keep; } else { stop; }`,
		`require ["body"]; if body :contains "unsubscribe" { discard; } else { keep; }`,
		`require ["vacation"]; vacation :days 3 :subject "away" "I am away.";`,
	}
	for _, script := range good {
		tparse(t, script)
	}
}

// A parsed script's serialisation reparses to an isomorphic tree.
func TestSerializeIdempotent(t *testing.T) {
	scripts := []string{
		`require ["fileinto"]; if header :contains "Subject" "spam" { discard; } else { fileinto "saved"; }`,
		`if allof (exists "From", size :under 10000) { keep; } elsif anyof (true, not false) { discard; } else { stop; }`,
		`require ["envelope", "fileinto"]; if envelope :localpart :matches "to" "user+*" { fileinto "plus"; }`,
		`if header :is ["Subject", "Comments"] ["a \"quoted\" value", "b"] { keep; }`,
	}
	for _, script := range scripts {
		s1 := tparse(t, script)
		out1 := s1.String()
		s2 := tparse(t, out1)
		out2 := s2.String()
		if out1 != out2 {
			t.Fatalf("serialisation not idempotent:\nfirst:  %s\nsecond: %s", out1, out2)
		}
	}
}

func TestEvaluate(t *testing.T) {
	env := Envelope{
		From: "x@y",
		To:   "u@host",
		Home: "/users/u/",
	}
	script := tparse(t, `require ["fileinto"]; if header :contains "Subject" "spam" { discard; } else { fileinto "saved"; }`)

	msg := NewMessage([]byte("From: <x@y>\r\nSubject: this is spam\r\n\r\nbody\r\n"))
	actions := script.Evaluate(env, msg)
	if len(actions) != 1 || actions[0].Kind != Discard {
		t.Fatalf("spam message: got %v, expected [discard]", actions)
	}

	msg = NewMessage([]byte("From: <x@y>\r\nSubject: hi\r\n\r\nbody\r\n"))
	actions = script.Evaluate(env, msg)
	if len(actions) != 1 || actions[0].Kind != FileInto || actions[0].Mailbox != "/users/u/saved" {
		t.Fatalf("ham message: got %v, expected [fileinto /users/u/saved]", actions)
	}
}

func TestEvaluateImplicitKeep(t *testing.T) {
	env := Envelope{From: "x@y", To: "u@host", Home: "/users/u/"}
	msg := NewMessage([]byte("Subject: hello\r\n\r\nhi\r\n"))

	// No action reached: implicit keep into the inbox.
	script := tparse(t, `if false { discard; }`)
	actions := script.Evaluate(env, msg)
	if len(actions) != 1 || actions[0].Kind != FileInto || actions[0].Mailbox != "/users/u/INBOX" {
		t.Fatalf("implicit keep: got %v", actions)
	}

	// Stop before any action: implicit keep still applies.
	script = tparse(t, `if true { stop; } `)
	actions = script.Evaluate(env, msg)
	if len(actions) != 1 || actions[0].Kind != FileInto {
		t.Fatalf("stop then implicit keep: got %v", actions)
	}

	// Redirect is explicit, no keep.
	script = tparse(t, `redirect "other@example.org";`)
	actions = script.Evaluate(env, msg)
	if len(actions) != 1 || actions[0].Kind != Redirect || actions[0].Address != "other@example.org" {
		t.Fatalf("redirect: got %v", actions)
	}
}

func TestEvaluateTests(t *testing.T) {
	env := Envelope{From: "ann+lists@shop.example", To: "u@host", Home: "/users/u/"}
	msg := NewMessage([]byte("From: \"Ann\" <ann@shop.example>\r\nTo: <u@host>\r\nSubject: Deal\r\n\r\nBuy now or unsubscribe.\r\n"))

	cases := []struct {
		script string
		match  bool
	}{
		{`if exists "From" { discard; }`, true},
		{`if exists "X-Missing" { discard; }`, false},
		{`if header :is "Subject" "deal" { discard; }`, true},          // ascii-casemap default.
		{`if header :comparator "i;octet" :is "Subject" "deal" { discard; }`, false},
		{`if header :matches "Subject" "De?l" { discard; }`, true},
		{`if address :domain :is "From" "shop.example" { discard; }`, true},
		{`if address :localpart :is "From" "ann" { discard; }`, true},
		{`require ["envelope"]; if envelope :user :is "from" "ann" { discard; }`, true},
		{`require ["envelope"]; if envelope :detail :is "from" "lists" { discard; }`, true},
		{`require ["body"]; if body :contains "unsubscribe" { discard; }`, true},
		{`if size :over 10 { discard; }`, true},
		{`if size :under 10 { discard; }`, false},
		{`if allof (exists "From", exists "To") { discard; }`, true},
		{`if anyof (exists "X-Missing", exists "To") { discard; }`, true},
		{`if not exists "X-Missing" { discard; }`, true},
	}
	for _, tc := range cases {
		script := tparse(t, tc.script)
		actions := script.Evaluate(env, msg)
		got := len(actions) == 1 && actions[0].Kind == Discard
		if got != tc.match {
			t.Fatalf("script %q: match %v, expected %v (actions %v)", tc.script, got, tc.match, actions)
		}
	}
}

func TestFileIntoTargets(t *testing.T) {
	script := tparse(t, `require ["fileinto"]; if true { fileinto "a"; } else { fileinto "b"; fileinto "a"; }`)
	targets := script.FileIntoTargets()
	if strings.Join(targets, ",") != "a,b" {
		t.Fatalf("fileinto targets: got %v", targets)
	}
}

func TestGlobMatch(t *testing.T) {
	cases := []struct {
		pattern, s string
		match      bool
	}{
		{"*", "anything", true},
		{"a*c", "abc", true},
		{"a*c", "ac", true},
		{"a*c", "abd", false},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"*@example.org", "user@example.org", true},
		{"user+*", "user+detail", true},
		{"user+*", "user", false},
	}
	for _, tc := range cases {
		if got := globMatch(tc.pattern, tc.s); got != tc.match {
			t.Fatalf("globMatch(%q, %q): got %v, expected %v", tc.pattern, tc.s, got, tc.match)
		}
	}
}

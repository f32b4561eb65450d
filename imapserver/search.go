package imapserver

import (
	"strconv"
	"strings"

	"github.com/aox/aox/search"
	"github.com/aox/aox/store"
)

// Search runs a SEARCH command: the parsed keys become a selector tree,
// the selector compiles to SQL, and the row set maps back to sequence
// numbers (or uids for UID SEARCH).
func (c *conn) cmdSearch(tag, cmd string, p *parser) {
	c.cmdxSearch(false, tag, cmd, p)
}

func (c *conn) cmdUIDSearch(tag, cmd string, p *parser) {
	c.cmdxSearch(true, tag, cmd, p)
}

func (c *conn) cmdxSearch(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	// CHARSET specification; only us-ascii and utf-8 are accepted.
	if p.take("CHARSET ") {
		charset := strings.ToUpper(p.xastring())
		if charset != "US-ASCII" && charset != "UTF-8" {
			panic(syntaxError{"", "BADCHARSET", "only US-ASCII and UTF-8 supported", nil})
		}
		p.xspace()
	}
	sk := &searchKey{searchKeys: []searchKey{*p.xsearchKey()}}
	for !p.empty() {
		p.xspace()
		sk.searchKeys = append(sk.searchKeys, *p.xsearchKey())
	}
	hasModseq := sk.hasModseq()

	uids, highestModSeq := c.xrunSearch(sk, nil)

	var out []string
	if isUID {
		for _, uid := range uids {
			out = append(out, strconv.FormatUint(uint64(uid), 10))
		}
	} else {
		for _, uid := range uids {
			out = append(out, strconv.FormatUint(uint64(c.xsequence(uid)), 10))
		}
	}
	line := "* SEARCH"
	if len(out) > 0 {
		line += " " + strings.Join(out, " ")
	}
	if hasModseq && len(out) > 0 {
		line += " (MODSEQ " + strconv.FormatInt(int64(highestModSeq), 10) + ")"
	}
	c.bwritelinef("%s", line)
	c.ok(tag, cmd)
}

// xrunSearch compiles and executes a search, returning matching uids in
// ascending order (in sort order when sortKeys are given), restricted to
// the session's view, plus the highest modseq among the matches.
func (c *conn) xrunSearch(sk *searchKey, sortKeys []search.SortKey) ([]store.UID, store.ModSeq) {
	ctx := c.xcontext()

	sel := c.xselector(sk)
	sel.Simplify()

	compiler := search.Compiler{
		MailboxID:    c.sess.Mailbox.ID,
		UserID:       c.user.ID,
		Recent:       uint32s(c.sess.Recent()),
		FlagID:       store.Flags.ID,
		AnnotationID: store.AnnotationNames.ID,
		Sort:         sortKeys,
	}
	q, err := compiler.Compile(sel)
	xcheckf(err, "compiling search")
	err = store.DB.Exec(ctx, q)
	xcheckf(err, "executing search")

	known := map[store.UID]bool{}
	for _, uid := range c.sess.UIDs() {
		known[uid] = true
	}

	var uids []store.UID
	var highest store.ModSeq
	for _, row := range q.Rows() {
		uid := store.UID(row.UInt32("uid"))
		if !known[uid] {
			// Delivered but not yet announced to this session; skipped so
			// emitted uids stay within the client's view.
			continue
		}
		uids = append(uids, uid)
		if ms := store.ModSeq(row.Int64("modseq")); ms > highest {
			highest = ms
		}
	}
	return uids, highest
}

func uint32s(uids []store.UID) []uint32 {
	l := make([]uint32, len(uids))
	for i, uid := range uids {
		l[i] = uint32(uid)
	}
	return l
}

// xselector converts a parsed search key into a selector node.
func (c *conn) xselector(sk *searchKey) *search.Selector {
	if len(sk.searchKeys) > 0 {
		var kids []*search.Selector
		for i := range sk.searchKeys {
			kids = append(kids, c.xselector(&sk.searchKeys[i]))
		}
		return search.NewAnd(kids...)
	}

	if sk.seqSet != nil {
		return search.NewUIDSet(uint32s(c.xnumSetUIDs(false, *sk.seqSet)))
	}

	switch sk.op {
	case "ALL":
		return search.NewAll()
	case "ANSWERED":
		return search.NewFlag(`\answered`)
	case "DELETED":
		return search.NewFlag(`\deleted`)
	case "FLAGGED":
		return search.NewFlag(`\flagged`)
	case "SEEN":
		return search.NewFlag(`\seen`)
	case "DRAFT":
		return search.NewFlag(`\draft`)
	case "RECENT":
		return search.NewFlag(`\recent`)
	case "NEW":
		return search.NewAnd(search.NewFlag(`\recent`), search.NewNot(search.NewFlag(`\seen`)))
	case "OLD":
		return search.NewNot(search.NewFlag(`\recent`))
	case "UNANSWERED":
		return search.NewNot(search.NewFlag(`\answered`))
	case "UNDELETED":
		return search.NewNot(search.NewFlag(`\deleted`))
	case "UNFLAGGED":
		return search.NewNot(search.NewFlag(`\flagged`))
	case "UNSEEN":
		return search.NewNot(search.NewFlag(`\seen`))
	case "UNDRAFT":
		return search.NewNot(search.NewFlag(`\draft`))
	case "KEYWORD":
		return search.NewFlag(sk.atom)
	case "UNKEYWORD":
		return search.NewNot(search.NewFlag(sk.atom))
	case "BCC":
		return search.NewHeader("bcc", sk.astring)
	case "CC":
		return search.NewHeader("cc", sk.astring)
	case "FROM":
		return search.NewHeader("from", sk.astring)
	case "TO":
		return search.NewHeader("to", sk.astring)
	case "SUBJECT":
		return search.NewHeader("subject", sk.astring)
	case "HEADER":
		return search.NewHeader(sk.headerField, sk.astring)
	case "BODY":
		return search.NewBody(sk.astring)
	case "TEXT":
		return search.NewOr(search.NewHeader("", sk.astring), search.NewBody(sk.astring))
	case "BEFORE":
		return &search.Selector{Action: search.BeforeDate, Field: search.InternalDate, Date: sk.date}
	case "ON":
		return &search.Selector{Action: search.OnDate, Field: search.InternalDate, Date: sk.date}
	case "SINCE":
		return &search.Selector{Action: search.SinceDate, Field: search.InternalDate, Date: sk.date}
	case "SENTBEFORE":
		return &search.Selector{Action: search.BeforeDate, Field: search.Sent, Date: sk.date}
	case "SENTON":
		return &search.Selector{Action: search.OnDate, Field: search.Sent, Date: sk.date}
	case "SENTSINCE":
		return &search.Selector{Action: search.SinceDate, Field: search.Sent, Date: sk.date}
	case "LARGER":
		return &search.Selector{Action: search.Larger, Field: search.Rfc822Size, N: sk.number}
	case "SMALLER":
		return &search.Selector{Action: search.Smaller, Field: search.Rfc822Size, N: sk.number}
	case "MODSEQ":
		return &search.Selector{Action: search.Larger, Field: search.Modseq, N: *sk.clientModseq}
	case "NOT":
		return search.NewNot(c.xselector(sk.searchKey))
	case "OR":
		return search.NewOr(c.xselector(sk.searchKey), c.xselector(sk.searchKey2))
	case "UID":
		return search.NewUIDSet(uint32s(c.xnumSetUIDs(true, sk.uidSet)))
	}
	xserverErrorf("missing case for search op %q", sk.op)
	return nil
}

// Sort is SEARCH with an ordering program, RFC 5256.
func (c *conn) cmdSort(tag, cmd string, p *parser) {
	c.cmdxSort(false, tag, cmd, p)
}

func (c *conn) cmdUIDSort(tag, cmd string, p *parser) {
	c.cmdxSort(true, tag, cmd, p)
}

func (c *conn) cmdxSort(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	p.xtake("(")
	var words []string
	words = append(words, p.xatom())
	for !p.take(")") {
		p.xspace()
		words = append(words, p.xatom())
	}
	sortKeys, ok := search.ParseSortKeys(words)
	if !ok {
		xsyntaxErrorf("bad sort program %q", strings.Join(words, " "))
	}
	p.xspace()
	charset := strings.ToUpper(p.xastring())
	if charset != "US-ASCII" && charset != "UTF-8" {
		panic(syntaxError{"", "BADCHARSET", "only US-ASCII and UTF-8 supported", nil})
	}
	sk := &searchKey{}
	for !p.empty() {
		p.xspace()
		sk.searchKeys = append(sk.searchKeys, *p.xsearchKey())
	}
	if len(sk.searchKeys) == 0 {
		xsyntaxErrorf("missing search keys")
	}

	uids, _ := c.xrunSearch(sk, sortKeys)

	var out []string
	for _, uid := range uids {
		if isUID {
			out = append(out, strconv.FormatUint(uint64(uid), 10))
		} else {
			out = append(out, strconv.FormatUint(uint64(c.xsequence(uid)), 10))
		}
	}
	line := "* SORT"
	if len(out) > 0 {
		line += " " + strings.Join(out, " ")
	}
	c.bwritelinef("%s", line)
	c.ok(tag, cmd)
}

// Thread groups search results into threads, RFC 5256.
func (c *conn) cmdThread(tag, cmd string, p *parser) {
	c.cmdxThread(false, tag, cmd, p)
}

func (c *conn) cmdUIDThread(tag, cmd string, p *parser) {
	c.cmdxThread(true, tag, cmd, p)
}

func (c *conn) cmdxThread(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	alg := strings.ToUpper(p.xatom())
	if alg != "ORDEREDSUBJECT" && alg != "REFERENCES" {
		xsyntaxErrorf("unknown thread algorithm %q", alg)
	}
	p.xspace()
	charset := strings.ToUpper(p.xastring())
	if charset != "US-ASCII" && charset != "UTF-8" {
		panic(syntaxError{"", "BADCHARSET", "only US-ASCII and UTF-8 supported", nil})
	}
	sk := &searchKey{}
	for !p.empty() {
		p.xspace()
		sk.searchKeys = append(sk.searchKeys, *p.xsearchKey())
	}
	if len(sk.searchKeys) == 0 {
		xsyntaxErrorf("missing search keys")
	}

	ctx := c.xcontext()
	uids, _ := c.xrunSearch(sk, nil)

	msgs, err := store.ThreadMessages(ctx, c.sess.Mailbox.ID, uids)
	xcheckf(err, "loading thread data")

	var threads []*store.Thread
	if alg == "ORDEREDSUBJECT" {
		threads = store.ThreadBySubject(msgs)
	} else {
		threads = store.ThreadByReferences(msgs)
	}

	var b strings.Builder
	b.WriteString("* THREAD")
	if len(threads) > 0 {
		b.WriteString(" ")
		for _, t := range threads {
			c.writeThread(&b, t, isUID)
		}
	}
	c.bwritelinef("%s", b.String())
	c.ok(tag, cmd)
}

func (c *conn) writeThread(b *strings.Builder, t *store.Thread, isUID bool) {
	b.WriteString("(")
	c.writeThreadNode(b, t, isUID)
	b.WriteString(")")
}

func (c *conn) writeThreadNode(b *strings.Builder, t *store.Thread, isUID bool) {
	if isUID {
		b.WriteString(strconv.FormatUint(uint64(t.UID), 10))
	} else {
		b.WriteString(strconv.FormatUint(uint64(c.xsequence(t.UID)), 10))
	}
	for _, kid := range t.Children {
		b.WriteString(" ")
		if len(kid.Children) > 0 {
			b.WriteString("(")
			c.writeThreadNode(b, kid, isUID)
			b.WriteString(")")
		} else {
			c.writeThreadNode(b, kid, isUID)
		}
	}
}


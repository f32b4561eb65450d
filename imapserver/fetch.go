package imapserver

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/aox/aox/store"
)

// Fetch returns message data for a set of messages.
func (c *conn) cmdFetch(tag, cmd string, p *parser) {
	c.cmdxFetch(false, tag, cmd, p)
}

func (c *conn) cmdUIDFetch(tag, cmd string, p *parser) {
	c.cmdxFetch(true, tag, cmd, p)
}

func (c *conn) cmdxFetch(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	nums := p.xnumSet()
	p.xspace()
	atts := p.xfetchAtts()

	// CHANGEDSINCE fetch modifier, RFC 7162.
	var changedSince int64 = -1
	if p.space() {
		p.xtake("(")
		p.xtake("CHANGEDSINCE")
		p.xspace()
		changedSince = p.xnumber64()
		p.xtake(")")
		c.enabled[capCondstore] = true
	}
	p.xempty()

	ctx := c.xcontext()
	uids := c.xnumSetUIDs(isUID, nums)
	if len(uids) == 0 {
		c.ok(tag, cmd)
		return
	}

	infos, err := store.MessageInfos(ctx, c.sess.Mailbox.ID, uids)
	xcheckf(err, "loading message data")

	// A UID FETCH always includes the UID in the response.
	needUID := isUID
	var needFlags, setSeen bool
	for _, a := range atts {
		switch a.field {
		case "UID":
			needUID = true
		case "FLAGS":
			needFlags = true
		case "BODY", "RFC822", "RFC822.TEXT":
			if !a.peek {
				setSeen = true
			}
		}
	}

	recent := map[store.UID]bool{}
	for _, uid := range c.sess.Recent() {
		recent[uid] = true
	}

	for _, mi := range infos {
		if changedSince >= 0 && int64(mi.ModSeq) <= changedSince {
			continue
		}
		seq := c.xsequence(mi.UID)

		var raw []byte
		needRaw := false
		for _, a := range atts {
			switch a.field {
			case "BODY", "RFC822", "RFC822.HEADER", "RFC822.TEXT", "ENVELOPE", "BODYSTRUCTURE":
				needRaw = true
			}
		}
		if needRaw {
			raw, err = store.MessageRaw(ctx, mi.MessageID)
			xcheckf(err, "loading message")
		}

		var parts []string
		add := func(format string, args ...any) {
			parts = append(parts, fmt.Sprintf(format, args...))
		}

		for _, a := range atts {
			switch a.field {
			case "UID":
				// Added once below.
			case "FLAGS":
				add("FLAGS %s", flagsList(displayFlags(mi.Flags, recent[mi.UID])).pack(c))
			case "INTERNALDATE":
				add("INTERNALDATE %s", string0(mi.IDate.Format("02-Jan-2006 15:04:05 -0700")).pack(c))
			case "RFC822.SIZE":
				add("RFC822.SIZE %d", mi.Size)
			case "MODSEQ":
				add("MODSEQ (%d)", mi.ModSeq)
			case "ENVELOPE":
				add("ENVELOPE %s", envelopeToken(raw).pack(c))
			case "BODYSTRUCTURE":
				add("BODYSTRUCTURE %s", bodystructureToken(raw).pack(c))
			case "RFC822":
				add("RFC822 %s", syncliteral(raw).pack(c))
			case "RFC822.HEADER":
				add("RFC822.HEADER %s", syncliteral(messageHeader(raw)).pack(c))
			case "RFC822.TEXT":
				add("RFC822.TEXT %s", syncliteral(messageText(raw)).pack(c))
			case "BODY":
				if a.section == nil {
					add("BODY %s", bodystructureToken(raw).pack(c))
					continue
				}
				data := sectionData(raw, a.section)
				if a.partial != nil {
					o := int(a.partial.offset)
					if o > len(data) {
						o = len(data)
					}
					e := o + int(a.partial.count)
					if e > len(data) {
						e = len(data)
					}
					add("BODY[%s]<%d> %s", sectionName(a.section), a.partial.offset, syncliteral(data[o:e]).pack(c))
				} else {
					add("BODY[%s] %s", sectionName(a.section), syncliteral(data).pack(c))
				}
			}
		}

		if needUID {
			parts = append([]string{fmt.Sprintf("UID %d", mi.UID)}, parts...)
		}

		if setSeen && !c.sess.ReadOnly && !hasFlag(mi.Flags, `\Seen`) {
			changed, _, err := store.StoreFlags(ctx, c.sess.Mailbox, []store.UID{mi.UID}, store.FlagsAdd, []string{`\Seen`}, -1)
			xcheckf(err, "setting seen flag")
			if modseq, ok := changed[mi.UID]; ok {
				c.sess.Comm.Broadcast([]store.Change{store.ChangeFlags{MailboxID: c.sess.Mailbox.ID, UID: mi.UID, ModSeq: modseq, Flags: append(mi.Flags, `\Seen`)}})
				if !needFlags {
					parts = append(parts, fmt.Sprintf("FLAGS %s", flagsList(displayFlags(append(mi.Flags, `\Seen`), recent[mi.UID])).pack(c)))
				}
			}
		}

		c.bwritelinef("* %d FETCH (%s)", seq, strings.Join(parts, " "))
	}
	c.ok(tag, cmd)
}

func hasFlag(flags []string, name string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

func displayFlags(flags []string, recent bool) []string {
	if !recent {
		return flags
	}
	return append(append([]string{}, flags...), `\Recent`)
}

// messageHeader returns the header including the blank line.
func messageHeader(raw []byte) string {
	s := string(raw)
	if head, _, ok := strings.Cut(s, "\r\n\r\n"); ok {
		return head + "\r\n\r\n"
	}
	if head, _, ok := strings.Cut(s, "\n\n"); ok {
		return head + "\n\n"
	}
	return s
}

func messageText(raw []byte) string {
	s := string(raw)
	if _, body, ok := strings.Cut(s, "\r\n\r\n"); ok {
		return body
	}
	if _, body, ok := strings.Cut(s, "\n\n"); ok {
		return body
	}
	return ""
}

func sectionName(s *sectionSpec) string {
	var parts []string
	for _, n := range s.part {
		parts = append(parts, fmt.Sprintf("%d", n))
	}
	name := strings.Join(parts, ".")
	if s.text != "" {
		if name != "" {
			name += "."
		}
		name += s.text
		if strings.HasPrefix(s.text, "HEADER.FIELDS") {
			name += " (" + strings.Join(s.headers, " ") + ")"
		}
	}
	return name
}

// sectionData returns the bytes for a BODY[...] section. Messages are
// stored in wire form; only whole-message, HEADER, HEADER.FIELDS(.NOT) and
// TEXT sections (and part 1 as the whole body) are addressable.
func sectionData(raw []byte, s *sectionSpec) string {
	if len(s.part) > 0 && !(len(s.part) == 1 && s.part[0] == 1) {
		return ""
	}
	switch s.text {
	case "":
		if len(s.part) > 0 {
			return messageText(raw)
		}
		return string(raw)
	case "HEADER":
		return messageHeader(raw)
	case "TEXT":
		return messageText(raw)
	case "MIME":
		return ""
	case "HEADER.FIELDS", "HEADER.FIELDS.NOT":
		not := s.text == "HEADER.FIELDS.NOT"
		want := map[string]bool{}
		for _, h := range s.headers {
			want[strings.ToLower(h)] = true
		}
		var b strings.Builder
		for _, line := range headerLines(raw) {
			name, _, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			if want[strings.ToLower(strings.TrimSpace(name))] != not {
				b.WriteString(line + "\r\n")
			}
		}
		b.WriteString("\r\n")
		return b.String()
	}
	return ""
}

// headerLines returns unfolded header lines.
func headerLines(raw []byte) []string {
	head := messageHeader(raw)
	var lines []string
	for _, line := range strings.Split(head, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(lines) > 0 {
				lines[len(lines)-1] += " " + strings.TrimLeft(line, " \t")
			}
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func headerValue(raw []byte, name string) string {
	for _, line := range headerLines(raw) {
		n, v, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(n), name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// envelopeToken builds the ENVELOPE structure from the stored header.
func envelopeToken(raw []byte) token {
	addrList := func(value string) token {
		if value == "" {
			return nilt
		}
		addrs, err := mail.ParseAddressList(value)
		if err != nil || len(addrs) == 0 {
			return nilt
		}
		var l listspace
		for _, a := range addrs {
			lp, dom, _ := strings.Cut(a.Address, "@")
			l = append(l, listspace{nilOrString0(a.Name), nilt, string0(lp), string0(dom)})
		}
		return l
	}

	from := headerValue(raw, "From")
	sender := headerValue(raw, "Sender")
	replyTo := headerValue(raw, "Reply-To")
	if sender == "" {
		sender = from
	}
	if replyTo == "" {
		replyTo = from
	}

	return listspace{
		nilOrString0(headerValue(raw, "Date")),
		nilOrString0(headerValue(raw, "Subject")),
		addrList(from),
		addrList(sender),
		addrList(replyTo),
		addrList(headerValue(raw, "To")),
		addrList(headerValue(raw, "Cc")),
		addrList(headerValue(raw, "Bcc")),
		nilOrString0(headerValue(raw, "In-Reply-To")),
		nilOrString0(headerValue(raw, "Message-Id")),
	}
}

// bodystructureToken builds a single-part BODYSTRUCTURE: the store keeps
// the wire form and one text bodypart, full MIME decomposition is outside
// the server core.
func bodystructureToken(raw []byte) token {
	text := messageText(raw)
	lines := strings.Count(text, "\n")
	return listspace{
		string0("TEXT"), string0("PLAIN"),
		listspace{string0("CHARSET"), string0("US-ASCII")},
		nilt, nilt, string0("7BIT"),
		number(len(text)), number(lines),
	}
}

// Store updates flags on messages.
func (c *conn) cmdStore(tag, cmd string, p *parser) {
	c.cmdxStore(false, tag, cmd, p)
}

func (c *conn) cmdUIDStore(tag, cmd string, p *parser) {
	c.cmdxStore(true, tag, cmd, p)
}

func (c *conn) cmdxStore(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	nums := p.xnumSet()
	p.xspace()

	// UNCHANGEDSINCE store modifier, RFC 7162.
	var unchangedSince int64 = -1
	if p.take("(") {
		p.xtake("UNCHANGEDSINCE")
		p.xspace()
		unchangedSince = p.xnumber64()
		p.xtake(")")
		p.xspace()
		c.enabled[capCondstore] = true
	}

	var mode store.StoreFlagsMode
	if p.take("+") {
		mode = store.FlagsAdd
	} else if p.take("-") {
		mode = store.FlagsRemove
	} else {
		mode = store.FlagsReplace
	}
	p.xtake("FLAGS")
	silent := p.take(".SILENT")
	p.xspace()
	var flags []string
	if p.hasPrefix("(") {
		flags = p.xflagList()
	} else {
		flags = append(flags, p.xflag())
		for p.space() {
			flags = append(flags, p.xflag())
		}
	}
	p.xempty()

	if c.sess.ReadOnly {
		xuserErrorf("mailbox opened readonly")
	}

	ctx := c.xcontext()
	uids := c.xnumSetUIDs(isUID, nums)
	if len(uids) == 0 {
		c.ok(tag, cmd)
		return
	}

	changed, failed, err := store.StoreFlags(ctx, c.sess.Mailbox, uids, mode, flags, unchangedSince)
	xcheckf(err, "updating flags")

	if len(changed) > 0 {
		newFlags, err := store.MessageFlags(ctx, c.sess.Mailbox.ID, uids)
		xcheckf(err, "loading new flags")

		var changes []store.Change
		for _, uid := range uids {
			modseq, ok := changed[uid]
			if !ok {
				continue
			}
			changes = append(changes, store.ChangeFlags{MailboxID: c.sess.Mailbox.ID, UID: uid, ModSeq: modseq, Flags: newFlags[uid]})
			c.sess.AnnounceModSeq(modseq)
			if silent && !c.enabled[capCondstore] {
				continue
			}
			seq := c.xsequence(uid)
			if c.enabled[capCondstore] {
				c.bwritelinef("* %d FETCH (UID %d FLAGS %s MODSEQ (%d))", seq, uid, flagsList(newFlags[uid]).pack(c), modseq)
			} else {
				c.bwritelinef("* %d FETCH (UID %d FLAGS %s)", seq, uid, flagsList(newFlags[uid]).pack(c))
			}
		}
		c.sess.Comm.Broadcast(changes)
	}

	if len(failed) > 0 {
		c.bwriteresultf("%s OK [MODIFIED %s] conditional store did not modify all", tag, uidRangesString(failed))
		c.xflush()
		return
	}
	c.ok(tag, cmd)
}

func uidRangesString(uids []store.UID) string {
	var parts []string
	i := 0
	for i < len(uids) {
		j := i
		for j+1 < len(uids) && uids[j+1] == uids[j]+1 {
			j++
		}
		if i == j {
			parts = append(parts, fmt.Sprintf("%d", uids[i]))
		} else {
			parts = append(parts, fmt.Sprintf("%d:%d", uids[i], uids[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}

// Copy copies messages to another mailbox.
func (c *conn) cmdCopy(tag, cmd string, p *parser) {
	c.cmdxCopy(false, tag, cmd, p)
}

func (c *conn) cmdUIDCopy(tag, cmd string, p *parser) {
	c.cmdxCopy(true, tag, cmd, p)
}

func (c *conn) cmdxCopy(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	nums := p.xnumSet()
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	ctx := c.xcontext()
	uids := c.xnumSetUIDs(isUID, nums)
	dst := c.xmailbox(ctx, name, "TRYCREATE")
	if dst.ID == c.sess.Mailbox.ID {
		xuserErrorf("cannot copy to the same mailbox")
	}

	if len(uids) == 0 {
		c.ok(tag, cmd)
		return
	}

	mapping, err := store.Copy(ctx, c.sess.Mailbox, uids, dst)
	xcheckf(err, "copying messages")

	var changes []store.Change
	var srcUIDs, dstUIDs []store.UID
	for _, src := range uids {
		if newUID, ok := mapping[src]; ok {
			srcUIDs = append(srcUIDs, src)
			dstUIDs = append(dstUIDs, newUID)
			changes = append(changes, store.ChangeAddUID{MailboxID: dst.ID, UID: newUID, ModSeq: dst.NextModSeq - 1})
		}
	}
	store.BroadcastChanges(dst.ID, changes)

	// COPYUID response code, RFC 4315.
	c.writeresultf("%s OK [COPYUID %d %s %s] copy done", tag, dst.UIDValidity, uidRangesString(srcUIDs), uidRangesString(dstUIDs))
}

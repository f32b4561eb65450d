package imapserver

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/aox/aox/store"
)

// Select opens a mailbox read-write, Examine read-only.
func (c *conn) cmdSelect(tag, cmd string, p *parser) {
	c.cmdSelectExamine(true, tag, cmd, p)
}

func (c *conn) cmdExamine(tag, cmd string, p *parser) {
	c.cmdSelectExamine(false, tag, cmd, p)
}

func (c *conn) cmdSelectExamine(isselect bool, tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	// CONDSTORE select parameter.
	if p.space() {
		p.xtake("(")
		for {
			w := p.xtakelist("CONDSTORE")
			if w == "CONDSTORE" {
				c.enabled[capCondstore] = true
			}
			if !p.space() {
				break
			}
		}
		p.xtake(")")
	}
	p.xempty()

	ctx := c.xcontext()

	// Selecting another mailbox first deselects the current one.
	c.unselect()

	mb := c.xmailbox(ctx, name, "")
	sess, err := store.NewSession(ctx, mb, !isselect)
	xcheckf(err, "opening session")
	c.sess = sess
	c.state = stateSelected

	flagNames := store.Flags.Names()
	c.bwritelinef("* FLAGS %s", flagsList(flagNames).pack(c))
	c.bwritelinef("* OK [PERMANENTFLAGS %s] x", flagsList(append(flagNames, `\*`)).pack(c))
	c.bwritelinef("* %d EXISTS", sess.Count())
	c.bwritelinef("* %d RECENT", len(sess.Recent()))
	c.bwritelinef("* OK [UIDVALIDITY %d] x", mb.UIDValidity)
	c.bwritelinef("* OK [UIDNEXT %d] x", mb.UIDNext)
	c.bwritelinef("* OK [HIGHESTMODSEQ %d] x", mb.NextModSeq-1)

	if isselect {
		c.bwriteresultf("%s OK [READ-WRITE] %s done", tag, cmd)
	} else {
		c.bwriteresultf("%s OK [READ-ONLY] %s done", tag, cmd)
	}
	c.xflush()
}

func (c *conn) cmdCreate(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	ctx := c.xcontext()
	full := c.user.ResolveMailbox(name)
	if !c.user.Owns(full) {
		xusercodeErrorf("NOPERM", "mailbox not in your hierarchy")
	}
	if _, err := store.MailboxFind(ctx, full); err == nil {
		xusercodeErrorf("ALREADYEXISTS", "mailbox already exists")
	}

	tx := store.DB.Transaction()
	mb, err := store.MailboxCreate(ctx, tx, full, c.user.ID)
	if err != nil {
		tx.Rollback(ctx)
		xuserErrorf("creating mailbox: %v", err)
	}
	err = tx.Commit(ctx)
	xcheckf(err, "commit mailbox create")

	store.BroadcastChanges(mb.ID, []store.Change{store.ChangeAddMailbox{MailboxID: mb.ID, Name: mb.Name}})
	c.ok(tag, cmd)
}

func (c *conn) cmdDelete(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	ctx := c.xcontext()
	mb := c.xmailbox(ctx, name, "")
	if mb.ID == c.user.InboxID {
		xuserErrorf("cannot delete the inbox")
	}
	kids, err := mb.Children(ctx)
	xcheckf(err, "listing children")
	if len(kids) > 0 {
		xuserErrorf("mailbox has children")
	}

	err = store.MailboxDelete(ctx, mb)
	xcheckf(err, "deleting mailbox")
	c.ok(tag, cmd)
}

func (c *conn) cmdRename(tag, cmd string, p *parser) {
	p.xspace()
	src := p.xmailbox()
	p.xspace()
	dst := p.xmailbox()
	p.xempty()

	ctx := c.xcontext()
	mb := c.xmailbox(ctx, src, "")
	full := c.user.ResolveMailbox(dst)
	if !c.user.Owns(full) {
		xusercodeErrorf("NOPERM", "destination not in your hierarchy")
	}

	err := store.MailboxRename(ctx, mb, full)
	if err != nil {
		xuserErrorf("renaming mailbox: %v", err)
	}
	c.ok(tag, cmd)
}

func (c *conn) cmdSubscribe(tag, cmd string, p *parser) {
	c.cmdSubscribeUnsubscribe(true, tag, cmd, p)
}

func (c *conn) cmdUnsubscribe(tag, cmd string, p *parser) {
	c.cmdSubscribeUnsubscribe(false, tag, cmd, p)
}

func (c *conn) cmdSubscribeUnsubscribe(subscribe bool, tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	ctx := c.xcontext()
	full := c.user.ResolveMailbox(name)
	err := store.Subscribe(ctx, c.user.ID, full, subscribe)
	xcheckf(err, "updating subscription")
	c.ok(tag, cmd)
}

// listName renders a full mailbox name the way the client named it: inside
// the user's home names are relative, the inbox is INBOX.
func (c *conn) listName(full string) string {
	home := c.user.Home() + "/"
	if full == home+"INBOX" {
		return "INBOX"
	}
	if strings.HasPrefix(full, home) {
		return strings.TrimPrefix(full, home)
	}
	return full
}

// xmailboxPatternMatcher compiles reference + patterns into a matcher over
// the client-visible names. "%" matches within one hierarchy level, "*"
// across levels.
func xmailboxPatternMatcher(ref string, patterns []string) *regexp.Regexp {
	var subs []string
	for _, pat := range patterns {
		s := pat
		if ref != "" {
			s = path.Join(ref, pat)
		}
		var rs string
		for _, ch := range s {
			if ch == '%' {
				rs += "[^/]*"
			} else if ch == '*' {
				rs += ".*"
			} else {
				rs += regexp.QuoteMeta(string(ch))
			}
		}
		subs = append(subs, rs)
	}
	if len(subs) == 0 {
		return regexp.MustCompile("^$")
	}
	re, err := regexp.Compile("^(" + strings.Join(subs, "|") + ")$")
	xcheckf(err, "compiling regexp for mailbox patterns")
	return re
}

func (c *conn) cmdList(tag, cmd string, p *parser) {
	p.xspace()
	ref := p.xmailbox()
	p.xspace()
	pat := p.xlistMailbox()
	p.xempty()

	ctx := c.xcontext()

	if pat == "" {
		// An empty pattern requests the hierarchy delimiter and root.
		c.bwritelinef(`* LIST (\Noselect) "/" ""`)
		c.ok(tag, cmd)
		return
	}

	re := xmailboxPatternMatcher(ref, []string{pat})
	all, err := store.MailboxList(ctx)
	xcheckf(err, "listing mailboxes")
	for _, mb := range all {
		if !c.user.Owns(mb.Name) {
			continue
		}
		name := c.listName(mb.Name)
		if re.MatchString(name) {
			c.bwritelinef(`* LIST () "/" %s`, mailboxt(name).pack(c))
		}
	}
	c.ok(tag, cmd)
}

func (c *conn) cmdLsub(tag, cmd string, p *parser) {
	p.xspace()
	ref := p.xmailbox()
	p.xspace()
	pat := p.xlistMailbox()
	p.xempty()

	ctx := c.xcontext()
	re := xmailboxPatternMatcher(ref, []string{pat})
	subs, err := store.Subscriptions(ctx, c.user.ID)
	xcheckf(err, "listing subscriptions")
	for _, full := range subs {
		name := c.listName(full)
		if re.MatchString(name) {
			c.bwritelinef(`* LSUB () "/" %s`, mailboxt(name).pack(c))
		}
	}
	c.ok(tag, cmd)
}

func (c *conn) cmdNamespace(tag, cmd string, p *parser) {
	p.xempty()
	// Personal namespace only, RFC 2342.
	c.bwritelinef(`* NAMESPACE (("" "/")) NIL NIL`)
	c.ok(tag, cmd)
}

func (c *conn) cmdStatus(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xspace()
	p.xtake("(")
	atts := []string{p.xstatusAtt()}
	for !p.take(")") {
		p.xspace()
		atts = append(atts, p.xstatusAtt())
	}
	p.xempty()

	ctx := c.xcontext()
	mb := c.xmailbox(ctx, name, "TRYCREATE")
	err := mb.Refresh(ctx)
	xcheckf(err, "refreshing mailbox")

	uids, err := store.LoadUIDs(ctx, mb.ID)
	xcheckf(err, "loading uids")

	var parts []string
	for _, a := range atts {
		switch a {
		case "MESSAGES":
			parts = append(parts, fmt.Sprintf("MESSAGES %d", len(uids)))
		case "UIDNEXT":
			parts = append(parts, fmt.Sprintf("UIDNEXT %d", mb.UIDNext))
		case "UIDVALIDITY":
			parts = append(parts, fmt.Sprintf("UIDVALIDITY %d", mb.UIDValidity))
		case "UNSEEN":
			flags, err := store.MessageFlags(ctx, mb.ID, uids)
			xcheckf(err, "loading flags")
			n := 0
			for _, uid := range uids {
				seen := false
				for _, f := range flags[uid] {
					if strings.EqualFold(f, `\Seen`) {
						seen = true
					}
				}
				if !seen {
					n++
				}
			}
			parts = append(parts, fmt.Sprintf("UNSEEN %d", n))
		case "RECENT":
			// Recent is session state; a status inspection has none.
			parts = append(parts, "RECENT 0")
		case "HIGHESTMODSEQ":
			parts = append(parts, fmt.Sprintf("HIGHESTMODSEQ %d", mb.NextModSeq-1))
		}
	}
	c.bwritelinef("* STATUS %s (%s)", mailboxt(name).pack(c), strings.Join(parts, " "))
	c.ok(tag, cmd)
}

func (c *conn) cmdAppend(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xspace()
	var flags []string
	if p.hasPrefix("(") {
		flags = p.xflagList()
		p.xspace()
	}
	idate := time.Now()
	if p.hasPrefix(`"`) {
		idate = p.xdateTime()
		p.xspace()
	}
	size, sync := p.xliteralSize(64*1024*1024, true)

	ctx := c.xcontext()
	mb := c.xmailbox(ctx, name, "TRYCREATE")

	raw := c.xreadliteral(size, sync)
	line := c.readline(false)
	p = newParser(line, c)
	p.xempty()

	uid, _, err := store.Deliver(ctx, mb, []byte(raw), flags, idate)
	xcheckf(err, "delivering message")

	changes := []store.Change{store.ChangeAddUID{MailboxID: mb.ID, UID: uid, ModSeq: mb.NextModSeq - 1, Flags: flags}}
	if c.sess != nil && c.sess.Mailbox.ID == mb.ID {
		c.sess.Comm.Broadcast(changes)
		c.applyChanges([]store.Change{changes[0]}, false)
	} else {
		store.BroadcastChanges(mb.ID, changes)
	}

	c.writeresultf("%s OK [APPENDUID %d %d] append done", tag, mb.UIDValidity, uid)
}

// Check is a no-op, kept for older clients.
func (c *conn) cmdCheck(tag, cmd string, p *parser) {
	p.xempty()
	c.ok(tag, cmd)
}

// Close deselects the mailbox, expunging messages marked \Deleted without
// telling us about them.
func (c *conn) cmdClose(tag, cmd string, p *parser) {
	p.xempty()

	if !c.sess.ReadOnly {
		ctx := c.xcontext()
		uids, modseq, err := store.Expunge(ctx, c.sess.Mailbox, nil)
		xcheckf(err, "expunging")
		if len(uids) > 0 {
			c.sess.Comm.Broadcast([]store.Change{store.ChangeRemoveUIDs{MailboxID: c.sess.Mailbox.ID, UIDs: uids, ModSeq: modseq}})
		}
	}
	c.unselect()
	c.ok(tag, cmd)
}

// Unselect deselects without expunging, RFC 3691.
func (c *conn) cmdUnselect(tag, cmd string, p *parser) {
	p.xempty()
	c.unselect()
	c.ok(tag, cmd)
}

// Expunge removes the messages marked \Deleted and tells the client which
// sequence numbers disappeared.
func (c *conn) cmdExpunge(tag, cmd string, p *parser) {
	p.xempty()
	c.xexpunge(tag, cmd, nil)
}

// UID Expunge (UIDPLUS, RFC 4315) limits the expunge to the given uids.
func (c *conn) cmdUIDExpunge(tag, cmd string, p *parser) {
	p.xspace()
	nums := p.xnumSet()
	p.xempty()
	uids := c.xnumSetUIDs(true, nums)
	c.xexpunge(tag, cmd, uids)
}

func (c *conn) xexpunge(tag, cmd string, onlyUIDs []store.UID) {
	if c.sess.ReadOnly {
		xuserErrorf("mailbox opened readonly")
	}

	ctx := c.xcontext()
	uids, modseq, err := store.Expunge(ctx, c.sess.Mailbox, onlyUIDs)
	xcheckf(err, "expunging")

	// Our own view first: emit EXPUNGE in increasing uid order, msn
	// computed against the shrinking view.
	for _, uid := range uids {
		msn := c.sess.Remove(uid)
		if msn > 0 {
			c.bwritelinef("* %d EXPUNGE", msn)
		}
	}
	if len(uids) > 0 {
		c.sess.AnnounceModSeq(modseq)
		c.sess.Comm.Broadcast([]store.Change{store.ChangeRemoveUIDs{MailboxID: c.sess.Mailbox.ID, UIDs: uids, ModSeq: modseq}})
	}
	c.ok(tag, cmd)
}

// Package store holds the in-memory view of mailboxes and sessions, the
// process-wide flag and annotation name caches, and the switchboard that
// fans out change notifications to live sessions.
package store

import (
	"sync"
	"sync/atomic"
)

var (
	register   = make(chan *Comm)
	unregister = make(chan *Comm)
	broadcast  = make(chan changeReq)
)

type changeReq struct {
	mailboxID int64
	comm      *Comm // Can be nil, e.g. for deliveries from smtp.
	changes   []Change
	done      chan struct{}
}

// UID is a per-mailbox stable message identifier.
type UID uint32

// ModSeq is the per-message modification sequence used by CONDSTORE.
type ModSeq int64

// Change to messages in a mailbox, or to the mailbox tree. One of the
// Change* types below.
type Change any

// ChangeAddUID is sent for a new message in a mailbox.
type ChangeAddUID struct {
	MailboxID int64
	UID       UID
	ModSeq    ModSeq
	Flags     []string
}

// ChangeRemoveUIDs is sent when messages are expunged from a mailbox.
type ChangeRemoveUIDs struct {
	MailboxID int64
	UIDs      []UID // In increasing UID order, as sessions must emit them.
	ModSeq    ModSeq
}

// ChangeFlags is sent for a flag update on one message.
type ChangeFlags struct {
	MailboxID int64
	UID       UID
	ModSeq    ModSeq
	Flags     []string // New flag values, complete set.
}

// ChangeAddMailbox is sent for a newly created mailbox.
type ChangeAddMailbox struct {
	MailboxID int64
	Name      string
}

// ChangeRemoveMailbox is sent for a removed mailbox.
type ChangeRemoveMailbox struct {
	MailboxID int64
	Name      string
}

// ChangeRenameMailbox is sent for a renamed mailbox.
type ChangeRenameMailbox struct {
	MailboxID int64
	OldName   string
	NewName   string
}

// ChangeAnnotation is sent when an annotation changes.
type ChangeAnnotation struct {
	MailboxID int64
	UID       UID
	Name      string
	ModSeq    ModSeq
}

// switchboard distributes changes to sessions. Mailbox tree changes
// (add/remove/rename) go to every registered Comm; message changes only to
// Comms on the same mailbox.
func switchboard(stopc, donec chan struct{}) {
	regs := map[int64]map[*Comm]struct{}{}

	for {
		select {
		case c := <-register:
			if _, ok := regs[c.mailboxID]; !ok {
				regs[c.mailboxID] = map[*Comm]struct{}{}
			}
			regs[c.mailboxID][c] = struct{}{}

		case c := <-unregister:
			delete(regs[c.mailboxID], c)
			if len(regs[c.mailboxID]) == 0 {
				delete(regs, c.mailboxID)
			}

		case req := <-broadcast:
			var mailboxWide bool
			for _, ch := range req.changes {
				switch ch.(type) {
				case ChangeAddMailbox, ChangeRemoveMailbox, ChangeRenameMailbox:
					mailboxWide = true
				}
			}
			targets := map[*Comm]struct{}{}
			for c := range regs[req.mailboxID] {
				targets[c] = struct{}{}
			}
			if mailboxWide {
				for _, m := range regs {
					for c := range m {
						targets[c] = struct{}{}
					}
				}
			}
			for c := range targets {
				// The broadcaster does not get its own changes back.
				if c == req.comm {
					continue
				}
				c.Lock()
				c.changes = append(c.changes, req.changes...)
				c.Unlock()
				select {
				case c.Pending <- struct{}{}:
				default:
				}
			}
			req.done <- struct{}{}

		case <-stopc:
			donec <- struct{}{}
			return
		}
	}
}

var switchboardBusy atomic.Bool

// Switchboard starts the goroutine distributing changes to sessions. The
// returned function stops it again; only one may run per process.
func Switchboard() (stop func()) {
	if !switchboardBusy.CompareAndSwap(false, true) {
		panic("switchboard already busy")
	}

	stopc := make(chan struct{})
	donec := make(chan struct{})
	go switchboard(stopc, donec)

	return func() {
		stopc <- struct{}{}
		<-donec
		if !switchboardBusy.CompareAndSwap(true, false) {
			panic("switchboard already unregistered?")
		}
	}
}

// Comm is one session's subscription to changes on a mailbox. Pending
// receives a value when changes come in, e.g. for IMAP IDLE.
type Comm struct {
	Pending chan struct{}

	mailboxID int64

	sync.Mutex
	changes []Change
}

// RegisterComm subscribes to changes for a mailbox. Unregister must be
// called when the session ends.
func RegisterComm(mailboxID int64) *Comm {
	c := &Comm{
		Pending:   make(chan struct{}, 1), // Buffered so the switchboard can do a non-blocking send.
		mailboxID: mailboxID,
	}
	register <- c
	return c
}

// Unregister ends this subscription.
func (c *Comm) Unregister() {
	unregister <- c
}

// Broadcast sends changes to the other sessions on the mailbox.
func (c *Comm) Broadcast(ch []Change) {
	if len(ch) == 0 {
		return
	}
	done := make(chan struct{}, 1)
	broadcast <- changeReq{c.mailboxID, c, ch, done}
	<-done
}

// Get retrieves pending changes, or nil when none are queued.
func (c *Comm) Get() []Change {
	c.Lock()
	defer c.Unlock()
	l := c.changes
	c.changes = nil
	return l
}

// BroadcastChanges sends changes to all sessions on a mailbox, for callers
// without a Comm such as the lmtp delivery path.
func BroadcastChanges(mailboxID int64, ch []Change) {
	if len(ch) == 0 {
		return
	}
	done := make(chan struct{}, 1)
	broadcast <- changeReq{mailboxID, nil, ch, done}
	<-done
}

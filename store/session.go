package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// recentOwners tracks which mailbox already has a session owning the
// \Recent set. At most one session per mailbox sees messages as recent;
// later sessions see them as not-recent.
var recentOwners = struct {
	sync.Mutex
	owners map[int64]*Session
}{owners: map[int64]*Session{}}

// Session is one client's view of a mailbox: the uids the client knows
// about, the recent set if this session claimed it, and the last modseq
// announced. Sessions receive changes from other sessions (and deliveries)
// through their Comm; the owning server goroutine applies them at command
// boundaries where the protocol permits.
type Session struct {
	Mailbox  *Mailbox
	ReadOnly bool
	Comm     *Comm

	uids       []UID // Sorted ascending.
	recent     []UID // Sorted; non-nil only for the recent-owning session.
	ownsRecent bool

	lastModSeq ModSeq // Highest modseq announced to the client.
}

// NewSession opens a session on a mailbox, loading the current uid set and
// claiming the recent set if no other session owns it.
func NewSession(ctx context.Context, mb *Mailbox, readonly bool) (*Session, error) {
	if err := mb.Refresh(ctx); err != nil {
		return nil, err
	}
	uids, err := LoadUIDs(ctx, mb.ID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		Mailbox:    mb,
		ReadOnly:   readonly,
		Comm:       RegisterComm(mb.ID),
		uids:       uids,
		lastModSeq: mb.NextModSeq - 1,
	}

	recentOwners.Lock()
	if _, ok := recentOwners.owners[mb.ID]; !ok && !readonly {
		recentOwners.owners[mb.ID] = s
		s.ownsRecent = true
		// Everything from the first-unseen boundary is recent for us. The
		// recent set is per-session state, the database cannot track it.
		s.recent = append([]UID{}, uids...)
	}
	recentOwners.Unlock()

	return s, nil
}

// Close releases the session's subscriptions and the recent set.
func (s *Session) Close() {
	recentOwners.Lock()
	if recentOwners.owners[s.Mailbox.ID] == s {
		delete(recentOwners.owners, s.Mailbox.ID)
	}
	recentOwners.Unlock()
	s.Comm.Unregister()
}

// UIDs returns the uids the client knows about, sorted.
func (s *Session) UIDs() []UID {
	return s.uids
}

// Count returns the number of messages in the session's view.
func (s *Session) Count() int {
	return len(s.uids)
}

// Recent returns this session's recent set.
func (s *Session) Recent() []UID {
	return s.recent
}

// MSN returns the 1-based message sequence number of uid in this session's
// view, or 0 when the uid is not present.
func (s *Session) MSN(uid UID) uint32 {
	i := sort.Search(len(s.uids), func(i int) bool { return s.uids[i] >= uid })
	if i < len(s.uids) && s.uids[i] == uid {
		return uint32(i + 1)
	}
	return 0
}

// UIDForMSN returns the uid at the 1-based sequence number, or 0.
func (s *Session) UIDForMSN(msn uint32) UID {
	if msn < 1 || int(msn) > len(s.uids) {
		return 0
	}
	return s.uids[msn-1]
}

// Append adds a uid that appeared in the mailbox. Emitted uids must be
// strictly increasing, so out-of-order appends are an internal error.
func (s *Session) Append(uid UID) error {
	if len(s.uids) > 0 && uid <= s.uids[len(s.uids)-1] {
		return fmt.Errorf("new uid %d not greater than last known uid %d", uid, s.uids[len(s.uids)-1])
	}
	s.uids = append(s.uids, uid)
	if s.ownsRecent {
		s.recent = append(s.recent, uid)
	}
	return nil
}

// Remove drops an expunged uid from the view, returning the msn it had.
func (s *Session) Remove(uid UID) uint32 {
	msn := s.MSN(uid)
	if msn == 0 {
		return 0
	}
	i := msn - 1
	copy(s.uids[i:], s.uids[i+1:])
	s.uids = s.uids[:len(s.uids)-1]
	if s.ownsRecent {
		if j := sort.Search(len(s.recent), func(j int) bool { return s.recent[j] >= uid }); j < len(s.recent) && s.recent[j] == uid {
			s.recent = append(s.recent[:j], s.recent[j+1:]...)
		}
	}
	return msn
}

// AnnounceModSeq records that the client has been told about changes up to
// modseq. Announced modseqs never go backwards.
func (s *Session) AnnounceModSeq(modseq ModSeq) {
	if modseq > s.lastModSeq {
		s.lastModSeq = modseq
	}
}

// LastAnnouncedModSeq returns the highest modseq the client has seen.
func (s *Session) LastAnnouncedModSeq() ModSeq {
	return s.lastModSeq
}

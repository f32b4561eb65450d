package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/aox/aox/pgwire"
)

// ErrUnknownMailbox is returned when a mailbox name or id does not resolve.
var ErrUnknownMailbox = errors.New("no such mailbox")

// Mailbox is the in-memory view of one mailbox row. UIDNext and NextModSeq
// increase monotonically; UIDValidity changes only when a rename replaces an
// existing mailbox. The authoritative counters live in the database, the
// struct caches the values from the latest refresh.
type Mailbox struct {
	ID          int64
	Name        string // Slash-separated, with a leading slash, e.g. /users/alice/saved.
	OwnerID     int64  // 0 for system mailboxes.
	UIDValidity uint32
	UIDNext     UID
	NextModSeq  ModSeq
	Deleted     bool
}

var mailboxes struct {
	sync.Mutex
	byID   map[int64]*Mailbox
	byName map[string]*Mailbox
}

func init() {
	mailboxes.byID = map[int64]*Mailbox{}
	mailboxes.byName = map[string]*Mailbox{}
}

// invalidateMailboxes drops the cache, e.g. when another worker process
// changed the mailbox tree.
func invalidateMailboxes() {
	mailboxes.Lock()
	defer mailboxes.Unlock()
	mailboxes.byID = map[int64]*Mailbox{}
	mailboxes.byName = map[string]*Mailbox{}
}

func cacheMailbox(mb *Mailbox) *Mailbox {
	mailboxes.Lock()
	defer mailboxes.Unlock()
	if cur, ok := mailboxes.byID[mb.ID]; ok {
		*cur = *mb
		mailboxes.byName[cur.Name] = cur
		return cur
	}
	mailboxes.byID[mb.ID] = mb
	mailboxes.byName[mb.Name] = mb
	return mb
}

func mailboxFromRow(row *pgwire.Row) *Mailbox {
	mb := &Mailbox{
		ID:          row.Int64("id"),
		Name:        row.String("name"),
		UIDValidity: row.UInt32("uidvalidity"),
		UIDNext:     UID(row.UInt32("uidnext")),
		NextModSeq:  ModSeq(row.Int64("nextmodseq")),
		Deleted:     row.Bool("deleted"),
	}
	if !row.IsNull("owner") {
		mb.OwnerID = row.Int64("owner")
	}
	return mb
}

const mailboxColumns = "id, name, owner, uidnext, uidvalidity, nextmodseq, deleted"

// MailboxFind looks up a mailbox by name. Returns ErrUnknownMailbox when
// absent or deleted.
func MailboxFind(ctx context.Context, name string) (*Mailbox, error) {
	name = NormalizeMailboxName(name)
	mailboxes.Lock()
	if mb, ok := mailboxes.byName[name]; ok && !mb.Deleted {
		mailboxes.Unlock()
		return mb, nil
	}
	mailboxes.Unlock()

	q := pgwire.NewQuery("select " + mailboxColumns + " from mailboxes where name=$1 and not deleted")
	q.Bind(1, name)
	if err := DB.Exec(ctx, q); err != nil {
		return nil, err
	}
	row := q.NextRow()
	if row == nil {
		return nil, ErrUnknownMailbox
	}
	return cacheMailbox(mailboxFromRow(row)), nil
}

// MailboxByID looks up a mailbox by id.
func MailboxByID(ctx context.Context, id int64) (*Mailbox, error) {
	mailboxes.Lock()
	if mb, ok := mailboxes.byID[id]; ok {
		mailboxes.Unlock()
		return mb, nil
	}
	mailboxes.Unlock()

	q := pgwire.NewQuery("select " + mailboxColumns + " from mailboxes where id=$1")
	q.Bind(1, id)
	if err := DB.Exec(ctx, q); err != nil {
		return nil, err
	}
	row := q.NextRow()
	if row == nil {
		return nil, ErrUnknownMailbox
	}
	return cacheMailbox(mailboxFromRow(row)), nil
}

// Refresh reloads the counters from the database, e.g. before SELECT and
// after changes broadcast by other sessions.
func (mb *Mailbox) Refresh(ctx context.Context) error {
	q := pgwire.NewQuery("select " + mailboxColumns + " from mailboxes where id=$1")
	q.Bind(1, mb.ID)
	if err := DB.Exec(ctx, q); err != nil {
		return err
	}
	row := q.NextRow()
	if row == nil {
		return ErrUnknownMailbox
	}
	*mb = *mailboxFromRow(row)
	cacheMailbox(mb)
	return nil
}

// Children returns the direct and indirect children of the mailbox.
func (mb *Mailbox) Children(ctx context.Context) ([]*Mailbox, error) {
	q := pgwire.NewQuery("select " + mailboxColumns + " from mailboxes where name like $1 and not deleted order by name")
	q.Bind(1, likeEscape(mb.Name)+"/%")
	if err := DB.Exec(ctx, q); err != nil {
		return nil, err
	}
	var l []*Mailbox
	for _, row := range q.Rows() {
		l = append(l, cacheMailbox(mailboxFromRow(&row)))
	}
	return l, nil
}

// MailboxList returns all mailboxes, for LIST matching.
func MailboxList(ctx context.Context) ([]*Mailbox, error) {
	q := pgwire.NewQuery("select " + mailboxColumns + " from mailboxes where not deleted order by name")
	if err := DB.Exec(ctx, q); err != nil {
		return nil, err
	}
	var l []*Mailbox
	for _, row := range q.Rows() {
		l = append(l, cacheMailbox(mailboxFromRow(&row)))
	}
	return l, nil
}

func likeEscape(s string) string {
	r := strings.ReplaceAll(s, `\`, `\\`)
	r = strings.ReplaceAll(r, "%", `\%`)
	return strings.ReplaceAll(r, "_", `\_`)
}

// NormalizeMailboxName returns the canonical absolute form of a mailbox
// name: a leading slash, no trailing slash, and the final INBOX component
// upper-cased.
func NormalizeMailboxName(name string) string {
	name = "/" + strings.Trim(name, "/")
	if strings.EqualFold(path.Base(name), "INBOX") {
		name = path.Dir(name)
		if name == "/" {
			name = ""
		}
		name += "/INBOX"
	}
	return name
}

// CheckMailboxName validates a (normalized) mailbox name.
func CheckMailboxName(name string) error {
	if name == "" || name == "/" {
		return fmt.Errorf("empty mailbox name")
	}
	if strings.Contains(name, "//") {
		return fmt.Errorf("double slash in mailbox name")
	}
	for _, c := range name {
		if c < ' ' || c == 0x7f {
			return fmt.Errorf("control character in mailbox name")
		}
	}
	return nil
}

// MailboxCreate creates a mailbox (and any missing parents), or revives a
// previously deleted one. The creation is atomic with whatever else runs in
// tx; other processes learn of it through the notify.
func MailboxCreate(ctx context.Context, tx *pgwire.Transaction, name string, ownerID int64) (*Mailbox, error) {
	name = NormalizeMailboxName(name)
	if err := CheckMailboxName(name); err != nil {
		return nil, err
	}

	// Create missing parents first, so no child exists without its parent.
	parts := strings.Split(name, "/")
	for i := 1; i < len(parts); i++ {
		parent := strings.Join(parts[:i], "/")
		q := pgwire.NewQuery("insert into mailboxes (name, owner, uidnext, uidvalidity, nextmodseq, deleted) values ($1, $2, 1, 1, 1, false) on conflict (name) do nothing")
		q.Bind(1, parent).Bind(2, ownerNull(ownerID))
		tx.Enqueue(q)
	}

	q := pgwire.NewQuery("insert into mailboxes (name, owner, uidnext, uidvalidity, nextmodseq, deleted) values ($1, $2, 1, 1, 1, false) on conflict (name) do update set deleted=false returning " + mailboxColumns)
	q.Bind(1, name).Bind(2, ownerNull(ownerID))
	tx.Enqueue(q)
	tx.Execute()
	if err := q.WaitDone(ctx); err != nil {
		return nil, err
	}
	row := q.NextRow()
	if row == nil {
		return nil, fmt.Errorf("no row from mailbox insert")
	}
	notifyMailboxes(tx)
	return mailboxFromRow(row), nil
}

func ownerNull(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func notifyMailboxes(tx *pgwire.Transaction) {
	tx.Enqueue(pgwire.NewQuery("notify mailboxes_updated"))
	tx.Execute()
}

// MailboxDelete marks a mailbox deleted. Its messages move to
// deleted_messages like an expunge of everything.
func MailboxDelete(ctx context.Context, mb *Mailbox) error {
	tx := DB.Transaction()
	if _, _, err := expungeTx(ctx, tx, mb, nil, true); err != nil {
		tx.Rollback(ctx)
		return err
	}
	q := pgwire.NewQuery("update mailboxes set deleted=true where id=$1")
	q.Bind(1, mb.ID)
	tx.Enqueue(q)
	notifyMailboxes(tx)
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	invalidateMailboxes()
	BroadcastChanges(mb.ID, []Change{ChangeRemoveMailbox{mb.ID, mb.Name}})
	return nil
}

// MailboxRename renames a mailbox and its children. Renaming over an
// existing (deleted) mailbox bumps UIDVALIDITY, invalidating UIDs clients
// may have cached for the old name.
func MailboxRename(ctx context.Context, mb *Mailbox, newName string) error {
	newName = NormalizeMailboxName(newName)
	if err := CheckMailboxName(newName); err != nil {
		return err
	}

	tx := DB.Transaction()

	check := pgwire.NewQuery("select id, deleted from mailboxes where name=$1")
	check.Bind(1, newName)
	tx.Enqueue(check)
	tx.Execute()
	if err := check.WaitDone(ctx); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if row := check.NextRow(); row != nil {
		if !row.Bool("deleted") {
			tx.Rollback(ctx)
			return fmt.Errorf("mailbox %q already exists", newName)
		}
		// Rename over a previously deleted mailbox: remove the old row and
		// give the renamed mailbox a new uidvalidity.
		del := pgwire.NewQuery("delete from mailboxes where id=$1")
		del.Bind(1, row.Int64("id"))
		tx.Enqueue(del)
		bump := pgwire.NewQuery("update mailboxes set uidvalidity=uidvalidity+1 where id=$1")
		bump.Bind(1, mb.ID)
		tx.Enqueue(bump)
	}

	upd := pgwire.NewQuery("update mailboxes set name=$1 where id=$2")
	upd.Bind(1, newName).Bind(2, mb.ID)
	tx.Enqueue(upd)

	// Move children along.
	kids := pgwire.NewQuery("update mailboxes set name=$1||substring(name from $2) where name like $3")
	kids.Bind(1, newName).Bind(2, len(mb.Name)+1).Bind(3, likeEscape(mb.Name)+"/%")
	tx.Enqueue(kids)

	notifyMailboxes(tx)
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	oldName := mb.Name
	invalidateMailboxes()
	if err := mb.Refresh(ctx); err != nil {
		return err
	}
	BroadcastChanges(mb.ID, []Change{ChangeRenameMailbox{mb.ID, oldName, newName}})
	return nil
}

// Subscribe records a subscription of the user to a mailbox name.
func Subscribe(ctx context.Context, userID int64, name string, subscribed bool) error {
	var q *pgwire.Query
	if subscribed {
		q = pgwire.NewQuery("insert into subscriptions (owner, mailbox) values ($1, $2) on conflict do nothing")
	} else {
		q = pgwire.NewQuery("delete from subscriptions where owner=$1 and mailbox=$2")
	}
	q.Bind(1, userID).Bind(2, NormalizeMailboxName(name))
	return DB.Exec(ctx, q)
}

// Subscriptions returns the mailbox names the user subscribed to.
func Subscriptions(ctx context.Context, userID int64) ([]string, error) {
	q := pgwire.NewQuery("select mailbox from subscriptions where owner=$1 order by mailbox")
	q.Bind(1, userID)
	if err := DB.Exec(ctx, q); err != nil {
		return nil, err
	}
	var l []string
	for _, row := range q.Rows() {
		l = append(l, row.String("mailbox"))
	}
	return l, nil
}

package store

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/aox/aox/pgwire"
)

// Well-known header field ids, matching the fixed part of the field_names
// table. Address fields come first.
const (
	FieldFrom      = 1
	FieldTo        = 2
	FieldCc        = 3
	FieldBcc       = 4
	FieldReplyTo   = 5
	FieldSender    = 6
	LastAddressField = 6
	FieldSubject   = 7
	FieldDate      = 8
	FieldMessageID = 9
	FieldReferences = 10
	FieldInReplyTo = 11
)

// FieldID returns the fixed id for a well-known header field name, or 0.
func FieldID(name string) uint32 {
	switch strings.ToLower(name) {
	case "from":
		return FieldFrom
	case "to":
		return FieldTo
	case "cc":
		return FieldCc
	case "bcc":
		return FieldBcc
	case "reply-to":
		return FieldReplyTo
	case "sender":
		return FieldSender
	case "subject":
		return FieldSubject
	case "date":
		return FieldDate
	case "message-id":
		return FieldMessageID
	case "references":
		return FieldReferences
	case "in-reply-to":
		return FieldInReplyTo
	}
	return 0
}

// MessageInfo is one message as seen by a session: enough for FETCH of
// flags/internaldate/size and for POP3.
type MessageInfo struct {
	UID       UID
	ModSeq    ModSeq
	MessageID int64
	IDate     time.Time
	Size      int64
	Flags     []string
}

// LoadUIDs returns the sorted uids currently in the mailbox.
func LoadUIDs(ctx context.Context, mailboxID int64) ([]UID, error) {
	q := pgwire.NewQuery("select uid from mailbox_messages where mailbox=$1 order by uid")
	q.Bind(1, mailboxID)
	if err := DB.Exec(ctx, q); err != nil {
		return nil, err
	}
	var uids []UID
	for _, row := range q.Rows() {
		uids = append(uids, UID(row.UInt32("uid")))
	}
	return uids, nil
}

// MessageInfos returns per-message data for the given uids, in uid order.
func MessageInfos(ctx context.Context, mailboxID int64, uids []UID) ([]MessageInfo, error) {
	q := pgwire.NewQuery("select mm.uid, mm.modseq, mm.message, mm.idate, m.rfc822size from mailbox_messages mm join messages m on (mm.message=m.id) where mm.mailbox=$1 and mm.uid = ANY($2) order by mm.uid")
	q.Bind(1, mailboxID).Bind(2, uidInts(uids))
	if err := DB.Exec(ctx, q); err != nil {
		return nil, err
	}

	flags, err := MessageFlags(ctx, mailboxID, uids)
	if err != nil {
		return nil, err
	}

	var l []MessageInfo
	for _, row := range q.Rows() {
		mi := MessageInfo{
			UID:       UID(row.UInt32("uid")),
			ModSeq:    ModSeq(row.Int64("modseq")),
			MessageID: row.Int64("message"),
			IDate:     time.Unix(row.Int64("idate"), 0).UTC(),
			Size:      row.Int64("rfc822size"),
		}
		mi.Flags = flags[mi.UID]
		l = append(l, mi)
	}
	return l, nil
}

// MessageFlags returns the flag names set on each of the uids.
func MessageFlags(ctx context.Context, mailboxID int64, uids []UID) (map[UID][]string, error) {
	q := pgwire.NewQuery("select uid, flag from flags where mailbox=$1 and uid = ANY($2) order by uid, flag")
	q.Bind(1, mailboxID).Bind(2, uidInts(uids))
	if err := DB.Exec(ctx, q); err != nil {
		return nil, err
	}
	r := map[UID][]string{}
	for _, row := range q.Rows() {
		uid := UID(row.UInt32("uid"))
		name := Flags.Name(row.UInt32("flag"))
		if name != "" {
			r[uid] = append(r[uid], name)
		}
	}
	return r, nil
}

// MessageRaw returns the stored wire form of a message.
func MessageRaw(ctx context.Context, messageID int64) ([]byte, error) {
	q := pgwire.NewQuery("select raw from messages where id=$1")
	q.Bind(1, messageID)
	if err := DB.Exec(ctx, q); err != nil {
		return nil, err
	}
	row := q.NextRow()
	if row == nil {
		return nil, fmt.Errorf("no such message %d", messageID)
	}
	return row.Bytes("raw"), nil
}

func uidInts(uids []UID) []uint32 {
	l := make([]uint32, len(uids))
	for i, uid := range uids {
		l[i] = uint32(uid)
	}
	return l
}

// StoreFlagsMode says how StoreFlags combines the given flags with the
// existing set.
type StoreFlagsMode int

const (
	FlagsAdd StoreFlagsMode = iota
	FlagsRemove
	FlagsReplace
)

// StoreFlags updates flags on the uids, bumping each changed message's
// modseq from the mailbox's nextmodseq counter. Messages whose modseq is
// greater than unchangedSince are skipped and returned in failed
// (unchangedSince < 0 disables the check). The returned map holds the new
// modseq of each changed message.
func StoreFlags(ctx context.Context, mb *Mailbox, uids []UID, mode StoreFlagsMode, flagNames []string, unchangedSince int64) (changed map[UID]ModSeq, failed []UID, rerr error) {
	flagIDs := make([]uint32, 0, len(flagNames))
	for _, name := range flagNames {
		id, err := Flags.Ensure(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		flagIDs = append(flagIDs, id)
	}

	tx := DB.Transaction()
	defer func() {
		if rerr != nil {
			tx.Rollback(ctx)
		}
	}()

	// Claim a modseq for this change. All messages changed by one STORE get
	// the same modseq, and the mailbox's nextmodseq stays greater than every
	// modseq handed out.
	modseq, err := claimModSeq(ctx, tx, mb)
	if err != nil {
		return nil, nil, err
	}

	eligible := uids
	if unchangedSince >= 0 {
		q := pgwire.NewQuery("select uid from mailbox_messages where mailbox=$1 and uid = ANY($2) and modseq<=$3 order by uid")
		q.Bind(1, mb.ID).Bind(2, uidInts(uids)).Bind(3, unchangedSince)
		tx.Enqueue(q)
		tx.Execute()
		if err := q.WaitDone(ctx); err != nil {
			return nil, nil, err
		}
		eligible = nil
		ok := map[UID]bool{}
		for _, row := range q.Rows() {
			uid := UID(row.UInt32("uid"))
			eligible = append(eligible, uid)
			ok[uid] = true
		}
		for _, uid := range uids {
			if !ok[uid] {
				failed = append(failed, uid)
			}
		}
	}
	if len(eligible) == 0 {
		tx.Rollback(ctx)
		return nil, failed, nil
	}

	switch mode {
	case FlagsAdd:
		for _, id := range flagIDs {
			q := pgwire.NewQuery("insert into flags (mailbox, uid, flag) select $1, uid, $2 from mailbox_messages where mailbox=$1 and uid = ANY($3) on conflict do nothing")
			q.Bind(1, mb.ID).Bind(2, id).Bind(3, uidInts(eligible))
			tx.Enqueue(q)
		}
	case FlagsRemove:
		q := pgwire.NewQuery("delete from flags where mailbox=$1 and uid = ANY($2) and flag = ANY($3)")
		q.Bind(1, mb.ID).Bind(2, uidInts(eligible)).Bind(3, flagIDs)
		tx.Enqueue(q)
	case FlagsReplace:
		q := pgwire.NewQuery("delete from flags where mailbox=$1 and uid = ANY($2)")
		q.Bind(1, mb.ID).Bind(2, uidInts(eligible))
		tx.Enqueue(q)
		for _, id := range flagIDs {
			iq := pgwire.NewQuery("insert into flags (mailbox, uid, flag) select $1, uid, $2 from mailbox_messages where mailbox=$1 and uid = ANY($3) on conflict do nothing")
			iq.Bind(1, mb.ID).Bind(2, id).Bind(3, uidInts(eligible))
			tx.Enqueue(iq)
		}
	}

	mq := pgwire.NewQuery("update mailbox_messages set modseq=$1 where mailbox=$2 and uid = ANY($3)")
	mq.Bind(1, int64(modseq)).Bind(2, mb.ID).Bind(3, uidInts(eligible))
	tx.Enqueue(mq)

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}

	mb.NextModSeq = modseq + 1
	changed = map[UID]ModSeq{}
	for _, uid := range eligible {
		changed[uid] = modseq
	}
	return changed, failed, nil
}

// claimModSeq allocates the next modseq for mb within tx, leaving
// mailboxes.nextmodseq strictly greater than the returned value.
func claimModSeq(ctx context.Context, tx *pgwire.Transaction, mb *Mailbox) (ModSeq, error) {
	q := pgwire.NewQuery("update mailboxes set nextmodseq=nextmodseq+1 where id=$1 returning nextmodseq-1 as modseq")
	q.Bind(1, mb.ID)
	tx.Enqueue(q)
	tx.Execute()
	if err := q.WaitDone(ctx); err != nil {
		return 0, err
	}
	row := q.NextRow()
	if row == nil {
		return 0, ErrUnknownMailbox
	}
	return ModSeq(row.Int64("modseq")), nil
}

// Expunge removes the messages in the mailbox marked \Deleted (or, with
// onlyUIDs non-nil, the intersection with those uids), copying their rows
// into deleted_messages before deleting them. Returns the expunged uids in
// increasing order and the modseq of the expunge event.
func Expunge(ctx context.Context, mb *Mailbox, onlyUIDs []UID) ([]UID, ModSeq, error) {
	tx := DB.Transaction()
	uids, modseq, err := expungeTx(ctx, tx, mb, onlyUIDs, false)
	if err != nil {
		tx.Rollback(ctx)
		return nil, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, 0, err
	}
	if len(uids) > 0 {
		mb.NextModSeq = modseq + 1
	}
	return uids, modseq, nil
}

func expungeTx(ctx context.Context, tx *pgwire.Transaction, mb *Mailbox, onlyUIDs []UID, all bool) ([]UID, ModSeq, error) {
	deletedID := Flags.ID(`\Deleted`)

	var sel *pgwire.Query
	switch {
	case all:
		sel = pgwire.NewQuery("select uid from mailbox_messages where mailbox=$1 order by uid")
		sel.Bind(1, mb.ID)
	case onlyUIDs != nil:
		sel = pgwire.NewQuery("select mm.uid from mailbox_messages mm join flags f on (mm.mailbox=f.mailbox and mm.uid=f.uid and f.flag=$2) where mm.mailbox=$1 and mm.uid = ANY($3) order by mm.uid")
		sel.Bind(1, mb.ID).Bind(2, deletedID).Bind(3, uidInts(onlyUIDs))
	default:
		sel = pgwire.NewQuery("select mm.uid from mailbox_messages mm join flags f on (mm.mailbox=f.mailbox and mm.uid=f.uid and f.flag=$2) where mm.mailbox=$1 order by mm.uid")
		sel.Bind(1, mb.ID).Bind(2, deletedID)
	}
	tx.Enqueue(sel)
	tx.Execute()
	if err := sel.WaitDone(ctx); err != nil {
		return nil, 0, err
	}
	var uids []UID
	for _, row := range sel.Rows() {
		uids = append(uids, UID(row.UInt32("uid")))
	}
	if len(uids) == 0 {
		return nil, 0, nil
	}

	modseq, err := claimModSeq(ctx, tx, mb)
	if err != nil {
		return nil, 0, err
	}

	cp := pgwire.NewQuery("insert into deleted_messages (mailbox, uid, message, modseq, deleted_at) select mailbox, uid, message, $1, current_timestamp from mailbox_messages where mailbox=$2 and uid = ANY($3)")
	cp.Bind(1, int64(modseq)).Bind(2, mb.ID).Bind(3, uidInts(uids))
	tx.Enqueue(cp)

	df := pgwire.NewQuery("delete from flags where mailbox=$1 and uid = ANY($2)")
	df.Bind(1, mb.ID).Bind(2, uidInts(uids))
	tx.Enqueue(df)

	del := pgwire.NewQuery("delete from mailbox_messages where mailbox=$1 and uid = ANY($2)")
	del.Bind(1, mb.ID).Bind(2, uidInts(uids))
	tx.Enqueue(del)
	tx.Execute()

	return uids, modseq, nil
}

// Deliver injects a message into a mailbox: the messages row with the wire
// form, the parsed header/address/date/bodypart rows used for searching,
// and the mailbox_messages row with a fresh uid and modseq. Returns the uid
// and modseq given to the message.
func Deliver(ctx context.Context, mb *Mailbox, raw []byte, flagNames []string, idate time.Time) (UID, ModSeq, error) {
	hdr, bodyText := splitMessage(raw)

	tx := DB.Transaction()

	rollback := func(err error) (UID, ModSeq, error) {
		tx.Rollback(ctx)
		return 0, 0, err
	}

	mq := pgwire.NewQuery("insert into messages (idate, rfc822size, raw) values ($1, $2, $3) returning id")
	mq.Bind(1, idate.Unix()).Bind(2, int64(len(raw))).Bind(3, raw)
	tx.Enqueue(mq)
	tx.Execute()
	if err := mq.WaitDone(ctx); err != nil {
		return rollback(err)
	}
	row := mq.NextRow()
	if row == nil {
		return rollback(fmt.Errorf("no id from message insert"))
	}
	msgID := row.Int64("id")

	// Header fields, for header and sort searches.
	for _, f := range hdr {
		fieldID := FieldID(f.name)
		var hq *pgwire.Query
		if fieldID > 0 {
			hq = pgwire.NewQuery("insert into header_fields (message, field, value) values ($1, $2, $3)")
			hq.Bind(1, msgID).Bind(2, fieldID).Bind(3, f.value)
		} else {
			hq = pgwire.NewQuery("insert into header_fields (message, field, value) select $1, id, $3 from field_names where name=$2")
			hq.Bind(1, msgID).Bind(2, headerCase(f.name)).Bind(3, f.value)
		}
		tx.Enqueue(hq)

		if fieldID >= FieldFrom && fieldID <= LastAddressField {
			for _, a := range parseAddresses(f.value) {
				aq := pgwire.NewQuery("insert into addresses (name, localpart, domain) values ($1, $2, $3) on conflict (name, localpart, domain) do update set name=excluded.name returning id")
				aq.Bind(1, a.name).Bind(2, a.localpart).Bind(3, a.domain)
				tx.Enqueue(aq)
				tx.Execute()
				if err := aq.WaitDone(ctx); err != nil {
					return rollback(err)
				}
				arow := aq.NextRow()
				if arow == nil {
					return rollback(fmt.Errorf("no id from address insert"))
				}
				fq := pgwire.NewQuery("insert into address_fields (message, field, address) values ($1, $2, $3)")
				fq.Bind(1, msgID).Bind(2, fieldID).Bind(3, arow.Int64("id"))
				tx.Enqueue(fq)
			}
		}
		if fieldID == FieldDate {
			if t, err := mail.ParseDate(f.value); err == nil {
				dq := pgwire.NewQuery("insert into date_fields (message, value) values ($1, $2)")
				dq.Bind(1, msgID).Bind(2, t.UTC().Format("2006-01-02 15:04:05"))
				tx.Enqueue(dq)
			}
		}
	}

	// One bodypart row with the text form, for body search.
	bq := pgwire.NewQuery("insert into bodyparts (text) values ($1) returning id")
	bq.Bind(1, bodyText)
	tx.Enqueue(bq)
	tx.Execute()
	if err := bq.WaitDone(ctx); err != nil {
		return rollback(err)
	}
	brow := bq.NextRow()
	if brow == nil {
		return rollback(fmt.Errorf("no id from bodypart insert"))
	}
	pq := pgwire.NewQuery("insert into part_numbers (message, part, bodypart) values ($1, '1', $2)")
	pq.Bind(1, msgID).Bind(2, brow.Int64("id"))
	tx.Enqueue(pq)

	// Claim uid and modseq together.
	uq := pgwire.NewQuery("update mailboxes set uidnext=uidnext+1, nextmodseq=nextmodseq+1 where id=$1 returning uidnext-1 as uid, nextmodseq-1 as modseq")
	uq.Bind(1, mb.ID)
	tx.Enqueue(uq)
	tx.Execute()
	if err := uq.WaitDone(ctx); err != nil {
		return rollback(err)
	}
	urow := uq.NextRow()
	if urow == nil {
		return rollback(ErrUnknownMailbox)
	}
	uid := UID(urow.UInt32("uid"))
	modseq := ModSeq(urow.Int64("modseq"))

	iq := pgwire.NewQuery("insert into mailbox_messages (mailbox, uid, message, modseq, idate) values ($1, $2, $3, $4, $5)")
	iq.Bind(1, mb.ID).Bind(2, uint32(uid)).Bind(3, msgID).Bind(4, int64(modseq)).Bind(5, idate.Unix())
	tx.Enqueue(iq)

	for _, name := range flagNames {
		id, err := Flags.Ensure(ctx, name)
		if err != nil {
			return rollback(err)
		}
		fq := pgwire.NewQuery("insert into flags (mailbox, uid, flag) values ($1, $2, $3) on conflict do nothing")
		fq.Bind(1, mb.ID).Bind(2, uint32(uid)).Bind(3, id)
		tx.Enqueue(fq)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	mb.UIDNext = uid + 1
	mb.NextModSeq = modseq + 1
	return uid, modseq, nil
}

type headerField struct {
	name  string
	value string
}

// splitMessage separates the header from the body and unfolds header lines.
// Full MIME decoding is out of scope here: the wire form is stored verbatim
// and this split only feeds search and sieve.
func splitMessage(raw []byte) ([]headerField, string) {
	s := string(raw)
	head, body, found := strings.Cut(s, "\r\n\r\n")
	if !found {
		head, body, _ = strings.Cut(s, "\n\n")
	}

	var fields []headerField
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
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields = append(fields, headerField{strings.TrimSpace(name), strings.TrimSpace(value)})
	}
	return fields, body
}

// headerCase normalizes a header field name like the header tables store it:
// Message-Id style.
func headerCase(s string) string {
	parts := strings.Split(strings.ToLower(s), "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

type address struct {
	name      string
	localpart string
	domain    string
}

func parseAddresses(value string) []address {
	parsed, err := mail.ParseAddressList(value)
	if err != nil {
		return nil
	}
	var l []address
	for _, a := range parsed {
		lp, dom, _ := strings.Cut(a.Address, "@")
		l = append(l, address{a.Name, lp, dom})
	}
	return l
}

// HeaderValue returns the first value of a header field of a message, e.g.
// Subject for threading.
func HeaderValue(ctx context.Context, messageID int64, fieldID uint32) (string, error) {
	q := pgwire.NewQuery("select value from header_fields where message=$1 and field=$2 limit 1")
	q.Bind(1, messageID).Bind(2, fieldID)
	if err := DB.Exec(ctx, q); err != nil {
		return "", err
	}
	if row := q.NextRow(); row != nil {
		return row.String("value"), nil
	}
	return "", nil
}

// Copy copies messages to another mailbox, giving them fresh uids and
// modseqs there. Returns the mapping from source uid to destination uid.
func Copy(ctx context.Context, src *Mailbox, uids []UID, dst *Mailbox) (map[UID]UID, error) {
	r := map[UID]UID{}
	tx := DB.Transaction()
	for _, uid := range uids {
		uq := pgwire.NewQuery("update mailboxes set uidnext=uidnext+1, nextmodseq=nextmodseq+1 where id=$1 returning uidnext-1 as uid, nextmodseq-1 as modseq")
		uq.Bind(1, dst.ID)
		tx.Enqueue(uq)
		tx.Execute()
		if err := uq.WaitDone(ctx); err != nil {
			tx.Rollback(ctx)
			return nil, err
		}
		row := uq.NextRow()
		if row == nil {
			tx.Rollback(ctx)
			return nil, ErrUnknownMailbox
		}
		newUID := UID(row.UInt32("uid"))
		modseq := row.Int64("modseq")

		cq := pgwire.NewQuery("insert into mailbox_messages (mailbox, uid, message, modseq, idate) select $1, $2, message, $3, idate from mailbox_messages where mailbox=$4 and uid=$5")
		cq.Bind(1, dst.ID).Bind(2, uint32(newUID)).Bind(3, modseq).Bind(4, src.ID).Bind(5, uint32(uid))
		tx.Enqueue(cq)
		fq := pgwire.NewQuery("insert into flags (mailbox, uid, flag) select $1, $2, flag from flags where mailbox=$3 and uid=$4")
		fq.Bind(1, dst.ID).Bind(2, uint32(newUID)).Bind(3, src.ID).Bind(4, uint32(uid))
		tx.Enqueue(fq)
		r[uid] = newUID
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	if err := dst.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aox/aox/pgwire"
	"github.com/aox/aox/store"
)

// Compiler turns a Selector into a parameterised SQL query. The zero value
// searches all mailboxes without session context; servers fill in the
// mailbox, the session's recent set and the interning lookups.
type Compiler struct {
	MailboxID int64
	Deleted   bool     // Search deleted_messages (aliased dm) instead of mailbox_messages (mm).
	UserID    int64    // For .priv annotation scoping.
	Recent    []uint32 // The session's recent set; the database cannot see \recent.

	// TSearch enables full-text body search through a GIN index on
	// to_tsvector over bodyparts.text. The ilike filter stays: stemming is
	// more liberal than IMAP substring search allows.
	TSearch  bool
	TSConfig string // Text search configuration name, default simple.

	// FlagID and AnnotationID resolve interned names to ids; unknown names
	// fall back to a subselect on the name tables, in case the cache is out
	// of date.
	FlagID       func(name string) uint32
	AnnotationID func(name string) uint32

	Wanted  []string // Result columns from mm, default uid, modseq, message.
	NoOrder bool
	Sort    []SortKey
}

type compilation struct {
	*Compiler
	q           *pgwire.Query
	placeholder int
	join        int
	extraJoins  []string
	orderBy     []string
	selectExtra []string

	needDateFields  bool
	needAnnotations bool
	needBodyparts   bool
	needMessages    bool

	mm string
}

// Compile emits the SQL and binds for the selector, which should have been
// simplified first.
func (c *Compiler) Compile(sel *Selector) (q *pgwire.Query, rerr error) {
	cc := &compilation{Compiler: c, q: pgwire.NewQuery(""), mm: "mm"}
	if c.Deleted {
		cc.mm = "dm"
	}

	defer func() {
		if x := recover(); x != nil {
			if e, ok := x.(compileError); ok {
				rerr = e.err
				return
			}
			panic(x)
		}
	}()

	var mboxClause string
	if c.MailboxID != 0 {
		n := cc.placeHolder()
		cc.q.Bind(n, c.MailboxID)
		mboxClause = cc.mm + ".mailbox=$" + fn(n)
	}

	wanted := c.Wanted
	if len(wanted) == 0 {
		wanted = []string{"uid", "modseq", "message"}
	}

	w := cc.where(sel)
	if sel.Action == And && strings.HasPrefix(w, "(") && strings.HasSuffix(w, ")") {
		w = w[1 : len(w)-1]
	}

	distinct := ""
	if len(c.Sort) > 0 {
		distinct = "distinct "
		cc.compileSort()
	}

	sql := "select " + distinct + cc.mm + "." + strings.Join(wanted, ", "+cc.mm+".")
	for _, e := range cc.selectExtra {
		sql += ", " + e
	}
	if c.Deleted {
		sql += " from deleted_messages " + cc.mm
	} else {
		sql += " from mailbox_messages " + cc.mm
	}
	sql += strings.Join(cc.extraJoins, "")
	if cc.needDateFields {
		sql += " join date_fields df on (df.message=" + cc.mm + ".message)"
	}
	if cc.needAnnotations {
		sql += " join annotations a on (" + cc.mm + ".mailbox=a.mailbox and " + cc.mm + ".uid=a.uid)"
	}
	if cc.needBodyparts {
		sql += " join part_numbers pn on (pn.message=" + cc.mm + ".message) join bodyparts bp on (bp.id=pn.bodypart)"
	}
	if cc.needMessages {
		sql += " join messages m on (" + cc.mm + ".message=m.id)"
	}

	switch {
	case mboxClause == "" && w == "true":
	case mboxClause == "":
		sql += " where " + w
	case w == "true":
		sql += " where " + mboxClause
	default:
		sql += " where " + mboxClause + " and " + w
	}

	if len(cc.orderBy) > 0 {
		sql += " order by " + strings.Join(cc.orderBy, ", ")
	} else if !c.NoOrder {
		switch {
		case contains(wanted, "uid") && contains(wanted, "mailbox"):
			sql += " order by " + cc.mm + ".mailbox, " + cc.mm + ".uid"
		case contains(wanted, "uid"):
			sql += " order by " + cc.mm + ".uid"
		case contains(wanted, "message"):
			sql += " order by " + cc.mm + ".message"
		case contains(wanted, "idate"):
			sql += " order by " + cc.mm + ".idate"
		}
	}

	cc.q.SQL = sql
	return cc.q, nil
}

type compileError struct{ err error }

func (cc *compilation) errorf(format string, args ...any) {
	panic(compileError{fmt.Errorf(format, args...)})
}

// placeHolder returns the next $n index, starting at 1.
func (cc *compilation) placeHolder() int {
	cc.placeholder++
	return cc.placeholder
}

func fn(n int) string {
	return strconv.Itoa(n)
}

func contains(l []string, s string) bool {
	for _, e := range l {
		if e == s {
			return true
		}
	}
	return false
}

// matchAny wraps a placeholder for a substring ilike.
func matchAny(n int) string {
	return "'%'||$" + fn(n) + "||'%'"
}

// likeQuote escapes the characters that are special in like patterns.
func likeQuote(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' || s[i] == '_' || s[i] == '%' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// where emits the condition for one node, adding joins and binds on the fly.
func (cc *compilation) where(s *Selector) string {
	switch s.Field {
	case InternalDate:
		return cc.whereInternalDate(s)
	case Sent:
		return cc.whereSent(s)
	case Header:
		if s.Name == "" {
			return cc.whereHeader(s)
		}
		return cc.whereHeaderField(s)
	case Body:
		return cc.whereBody(s)
	case Rfc822Size:
		return cc.whereRfc822Size(s)
	case Flags:
		return cc.whereFlags(s)
	case Uid:
		return cc.whereSet(s.UIDs)
	case Annotation:
		return cc.whereAnnotation(s)
	case Modseq:
		return cc.whereModseq(s)
	case Age:
		return cc.whereAge(s)
	case NoField:
		return cc.whereNoField(s)
	}
	cc.errorf("internal error: no field case for %s", s)
	return ""
}

func (cc *compilation) whereInternalDate(s *Selector) string {
	y, m, d := s.Date.Date()
	d1 := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
	d2 := time.Date(y, m, d, 23, 59, 59, 0, time.UTC).Unix()

	switch s.Action {
	case OnDate:
		n1 := cc.placeHolder()
		cc.q.Bind(n1, d1)
		n2 := cc.placeHolder()
		cc.q.Bind(n2, d2)
		return "(" + cc.mm + ".idate>=$" + fn(n1) + " and " + cc.mm + ".idate<=$" + fn(n2) + ")"
	case SinceDate:
		n := cc.placeHolder()
		cc.q.Bind(n, d1)
		return cc.mm + ".idate>=$" + fn(n)
	case BeforeDate:
		n := cc.placeHolder()
		cc.q.Bind(n, d2)
		return cc.mm + ".idate<=$" + fn(n)
	}
	cc.errorf("cannot search for %s", s)
	return ""
}

func (cc *compilation) whereSent(s *Selector) string {
	cc.needDateFields = true

	iso := s.Date.Format("2006-01-02")
	switch s.Action {
	case OnDate:
		n := cc.placeHolder()
		cc.q.Bind(n, iso+" 23:59:59")
		n2 := cc.placeHolder()
		cc.q.Bind(n2, iso)
		return "(df.value<=$" + fn(n) + " and df.value>=$" + fn(n2) + ")"
	case SinceDate:
		n := cc.placeHolder()
		cc.q.Bind(n, iso)
		return "df.value>=$" + fn(n)
	case BeforeDate:
		n := cc.placeHolder()
		cc.q.Bind(n, iso)
		return "df.value<=$" + fn(n)
	}
	cc.errorf("cannot search for %s", s)
	return ""
}

func isAddressField(name string) bool {
	id := store.FieldID(name)
	return id > 0 && id <= store.LastAddressField
}

// whereHeaderField matches one header field, address fields through the
// parsed address tables.
func (cc *compilation) whereHeaderField(s *Selector) string {
	if isAddressField(s.Name) {
		return cc.whereAddressFields([]string{s.Name}, s.Value)
	}

	cc.join++
	jn := fn(cc.join)
	j := " left join header_fields hf" + jn + " on (" + cc.mm + ".message=hf" + jn + ".message"
	if s.Value != "" {
		like := cc.placeHolder()
		cc.q.Bind(like, likeQuote(s.Value))
		j += " and hf" + jn + ".value ilike " + matchAny(like)
	}
	if t := store.FieldID(s.Name); t > 0 {
		tb := cc.placeHolder()
		cc.q.Bind(tb, t)
		j += " and hf" + jn + ".field=$" + fn(tb)
	} else {
		f := cc.placeHolder()
		cc.q.Bind(f, headerCase(s.Name))
		j += " and hf" + jn + ".field=(select id from field_names where name=$" + fn(f) + ")"
	}
	j += ")"
	cc.extraJoins = append(cc.extraJoins, j)
	return "hf" + jn + ".field is not null"
}

// whereAddressFields matches name against the given address fields, or all
// of them when fields is empty. An "@" splits the term into localpart and
// domain constraints; without one, any of display name, localpart and
// domain may contain the term.
func (cc *compilation) whereAddressFields(fields []string, name string) string {
	cc.join++
	jn := fn(cc.join)
	r := " left join address_fields af" + jn + " on (af" + jn + ".message=" + cc.mm + ".message)" +
		" left join addresses a" + jn + " on (a" + jn + ".id=af" + jn + ".address and "

	var conds []string
	for _, f := range fields {
		t := store.FieldID(f)
		n := cc.placeHolder()
		cc.q.Bind(n, t)
		conds = append(conds, "af"+jn+".field=$"+fn(n))
	}
	if len(conds) == 1 {
		r += conds[0] + " and "
	} else if len(conds) > 1 {
		r += "(" + strings.Join(conds, " or ") + ") and "
	}

	raw := likeQuote(name)
	at := strings.Index(raw, "@")
	if at < 0 {
		n := cc.placeHolder()
		cc.q.Bind(n, raw)
		r += "(a" + jn + ".name ilike " + matchAny(n) + " or" +
			" a" + jn + ".localpart ilike " + matchAny(n) + " or" +
			" a" + jn + ".domain ilike " + matchAny(n) + ")"
	} else {
		var lc, dc string
		if at > 0 {
			lp := cc.placeHolder()
			cc.q.Bind(lp, raw[:at])
			lc = "a" + jn + ".localpart ilike '%'||$" + fn(lp)
		}
		if at < len(raw)-1 {
			dom := cc.placeHolder()
			cc.q.Bind(dom, raw[at+1:])
			dc = "a" + jn + ".domain ilike $" + fn(dom) + "||'%'"
		}
		switch {
		case lc != "" && dc != "":
			r += "(" + lc + " and " + dc + ")"
		case lc != "":
			r += lc
		case dc != "":
			r += dc
		default:
			// Searching for "@" alone matches any message with a nonempty
			// address field.
			r = strings.TrimSuffix(r, " and ")
		}
	}
	r += ")"
	cc.extraJoins = append(cc.extraJoins, r)
	return "a" + jn + ".id is not null"
}

// whereHeader matches all header fields.
func (cc *compilation) whereHeader(s *Selector) string {
	if s.Value == "" {
		return "true" // There is at least one header field.
	}

	like := cc.placeHolder()
	cc.q.Bind(like, likeQuote(s.Value))
	cc.join++
	jn := "hf" + fn(cc.join)
	j := " left join header_fields " + jn + " on (" + cc.mm + ".message=" + jn + ".message and " + jn + ".value ilike " + matchAny(like) + ")"
	cc.extraJoins = append(cc.extraJoins, j)
	return "(" + jn + ".field is not null or " + cc.whereAddressFields(nil, s.Value) + ")"
}

// whereBody searches text bodyparts, with full-text search when available
// and an ilike filter against over-liberal stemming.
func (cc *compilation) whereBody(s *Selector) string {
	cc.needBodyparts = true

	bt := cc.placeHolder()
	cc.q.Bind(bt, likeQuote(s.Value))

	if cc.TSearch {
		cfg := cc.TSConfig
		if cfg == "" {
			cfg = "simple"
		}
		return "(to_tsvector('" + cfg + "', bp.text) @@ plainto_tsquery($" + fn(bt) + ") and bp.text ilike " + matchAny(bt) + ")"
	}
	return "bp.text ilike " + matchAny(bt)
}

func (cc *compilation) whereRfc822Size(s *Selector) string {
	cc.needMessages = true
	n := cc.placeHolder()
	cc.q.Bind(n, s.N)
	if s.Action == Smaller {
		return "m.rfc822size<$" + fn(n)
	} else if s.Action == Larger {
		return "m.rfc822size>$" + fn(n)
	}
	cc.errorf("internal error: %s", s)
	return ""
}

func (cc *compilation) whereFlags(s *Selector) string {
	if s.Name == `\recent` {
		// The database cannot see the recent flag; it is session state.
		return cc.whereSet(cc.Recent)
	}

	cc.join++
	n := fn(cc.join)

	var j string
	var fid uint32
	if cc.FlagID != nil {
		fid = cc.FlagID(s.Name)
	}
	if fid > 0 {
		b := cc.placeHolder()
		cc.q.Bind(b, fid)
		j = " left join flags f" + n + " on (" + cc.mm + ".mailbox=f" + n + ".mailbox and " + cc.mm + ".uid=f" + n + ".uid and f" + n + ".flag=$" + fn(b) + ")"
	} else {
		// In case the cache is out of date, look in the database.
		b := cc.placeHolder()
		cc.q.Bind(b, strings.ToLower(s.Name))
		j = " left join flags f" + n + " on (" + cc.mm + ".mailbox=f" + n + ".mailbox and " + cc.mm + ".uid=f" + n + ".uid and f" + n + ".flag=(select id from flag_names where lower(name)=$" + fn(b) + "))"
	}
	cc.extraJoins = append(cc.extraJoins, j)

	return "f" + n + ".flag is not null"
}

// whereSet matches the uids in the set, binding at most two scalars or one
// array.
func (cc *compilation) whereSet(uids []uint32) string {
	if len(uids) == 0 {
		return "false"
	}

	n := cc.placeHolder()
	if len(uids) > 2 {
		cc.q.Bind(n, uids)
		return cc.mm + ".uid = ANY($" + fn(n) + ")"
	}
	if len(uids) == 2 {
		n2 := cc.placeHolder()
		cc.q.Bind(n, uids[0])
		cc.q.Bind(n2, uids[1])
		return "(" + cc.mm + ".uid=$" + fn(n) + " or " + cc.mm + ".uid=$" + fn(n2) + ")"
	}
	cc.q.Bind(n, uids[0])
	return cc.mm + ".uid=$" + fn(n)
}

func (cc *compilation) whereAnnotation(s *Selector) string {
	cc.needAnnotations = true

	var annotations string
	var id uint32
	if cc.AnnotationID != nil {
		id = cc.AnnotationID(s.Name)
	}
	if id > 0 && !strings.ContainsAny(s.Name, "*%") {
		n := cc.placeHolder()
		cc.q.Bind(n, id)
		annotations = "a.name=$" + fn(n)
	} else {
		pattern := cc.placeHolder()
		sql := strings.ReplaceAll(likeQuote(strings.ReplaceAll(s.Name, "*", "\x00")), "\x00", "%")
		cc.q.Bind(pattern, sql)
		annotations = "a.name in (select id from annotation_names where name like $" + fn(pattern) + ")"
	}

	var user, attribute string
	switch {
	case strings.HasSuffix(s.Entry, ".priv"):
		attribute = strings.ToLower(strings.TrimSuffix(s.Entry, ".priv"))
		u := cc.placeHolder()
		cc.q.Bind(u, cc.UserID)
		user = "a.owner=$" + fn(u)
	case strings.HasSuffix(s.Entry, ".shared"):
		attribute = strings.ToLower(strings.TrimSuffix(s.Entry, ".shared"))
		user = "a.owner is null"
	default:
		attribute = strings.ToLower(s.Entry)
		u := cc.placeHolder()
		cc.q.Bind(u, cc.UserID)
		user = "(a.owner is null or a.owner=$" + fn(u) + ")"
	}
	_ = attribute // Only the value attribute is stored.

	like := "is not null"
	if s.Value != "" {
		n := cc.placeHolder()
		cc.q.Bind(n, likeQuote(s.Value))
		like = "ilike " + matchAny(n)
	}

	return "(" + user + " and " + annotations + " and value " + like + ")"
}

func (cc *compilation) whereModseq(s *Selector) string {
	n := cc.placeHolder()
	cc.q.Bind(n, s.N)
	if s.Action == Larger {
		return cc.mm + ".modseq>=$" + fn(n)
	} else if s.Action == Smaller {
		return cc.mm + ".modseq<$" + fn(n)
	}
	cc.errorf("internal error: %s", s)
	return ""
}

func (cc *compilation) whereAge(s *Selector) string {
	n := cc.placeHolder()
	cc.q.Bind(n, time.Now().Unix()-s.N)
	if s.Action == Larger {
		return cc.mm + ".idate<=$" + fn(n)
	}
	return cc.mm + ".idate>=$" + fn(n)
}

// whereNoField handles the boolean nodes. An Or of several address-field
// searches for the same string is lifted into a single join over
// address_fields with a field set, avoiding a product of joins.
func (cc *compilation) whereNoField(s *Selector) string {
	switch s.Action {
	case And, Or:
		if len(s.Children) == 0 {
			if s.Action == And {
				return "true"
			}
			return "false"
		}

		var liftAddress string
		if s.Action == Or {
			for _, c := range s.Children {
				if c.Field == Header && isAddressField(c.Name) && c.Value != "" {
					liftAddress = c.Value
					break
				}
			}
		}

		var conds []string
		var addressFields []string
		seenTrue, seenFalse := false, false
		for _, c := range s.Children {
			if s.Action == Or && c.Field == Header && liftAddress != "" && isAddressField(c.Name) && c.Value == liftAddress {
				if !contains(addressFields, c.Name) {
					addressFields = append(addressFields, c.Name)
				}
				continue
			}
			w := cc.where(c)
			if w == "true" {
				seenTrue = true
			} else if w == "false" {
				seenFalse = true
			} else {
				conds = append(conds, w)
			}
		}
		if len(addressFields) > 0 {
			conds = append(conds, cc.whereAddressFields(addressFields, liftAddress))
		}

		if s.Action == And {
			if seenFalse {
				return "false"
			}
			if len(conds) == 0 {
				return "true"
			}
			return "(" + strings.Join(conds, " and ") + ")"
		}
		if seenTrue {
			return "true"
		}
		if len(conds) == 0 {
			return "false"
		}
		return "(" + strings.Join(conds, " or ") + ")"

	case Not:
		c := cc.where(s.Children[0])
		if c == "true" {
			return "false"
		} else if c == "false" {
			return "true"
		} else if strings.HasSuffix(c, " is not null") {
			return strings.TrimSuffix(c, "not null") + "null"
		}
		return "not " + c

	case All:
		return "true"
	case None:
		return "false"
	}
	cc.errorf("internal error: %s", s)
	return ""
}

// headerCase normalizes a header field name the way the field_names table
// stores them.
func headerCase(s string) string {
	parts := strings.Split(strings.ToLower(s), "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

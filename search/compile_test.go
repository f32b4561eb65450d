package search

import (
	"strings"
	"testing"
)

// tcompile compiles a selector after simplification and returns the SQL.
func tcompile(t *testing.T, c *Compiler, s *Selector) string {
	t.Helper()
	s.Simplify()
	q, err := c.Compile(s)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return q.SQL
}

func TestCompileUIDFlag(t *testing.T) {
	// UID STORE-style search: uids 2,4,6 without \Seen.
	c := &Compiler{
		MailboxID: 7,
		FlagID: func(name string) uint32 {
			if name == `\seen` {
				return 3
			}
			return 0
		},
	}
	s := NewAnd(NewUIDSet([]uint32{2, 4, 6}), NewNot(NewFlag(`\Seen`)))
	sql := tcompile(t, c, s)

	exp := "select mm.uid, mm.modseq, mm.message from mailbox_messages mm" +
		" left join flags f1 on (mm.mailbox=f1.mailbox and mm.uid=f1.uid and f1.flag=$3)" +
		" where mm.mailbox=$1 and mm.uid = ANY($2) and f1.flag is null" +
		" order by mm.uid"
	if sql != exp {
		t.Fatalf("compiled sql:\ngot  %s\nwant %s", sql, exp)
	}
}

func TestCompileDeletedAlias(t *testing.T) {
	c := &Compiler{MailboxID: 7, Deleted: true}
	s := NewUIDSet([]uint32{3})
	sql := tcompile(t, c, s)
	if !strings.Contains(sql, "from deleted_messages dm") || !strings.Contains(sql, "dm.uid=$2") {
		t.Fatalf("deleted_messages not aliased dm: %s", sql)
	}
}

func TestCompileAddressLift(t *testing.T) {
	// FROM x OR TO x OR CC x lifts into one join over address_fields with a
	// field set instead of a product of joins.
	c := &Compiler{MailboxID: 1}
	s := NewOr(NewHeader("from", "x"), NewHeader("to", "x"), NewHeader("cc", "x"))
	sql := tcompile(t, c, s)

	if strings.Count(sql, "left join address_fields") != 1 {
		t.Fatalf("expected a single address_fields join: %s", sql)
	}
	if !strings.Contains(sql, "af1.field=$2 or af1.field=$3 or af1.field=$4") {
		t.Fatalf("expected field set in join: %s", sql)
	}
}

func TestCompileAddressAt(t *testing.T) {
	// An @ splits into localpart and domain constraints.
	c := &Compiler{MailboxID: 1}
	s := NewHeader("from", "alice@example.org")
	sql := tcompile(t, c, s)
	if !strings.Contains(sql, ".localpart ilike '%'||$3") || !strings.Contains(sql, ".domain ilike $4||'%'") {
		t.Fatalf("expected split address constraints: %s", sql)
	}

	// Without @, any of name/localpart/domain matches.
	s = NewHeader("from", "alice")
	sql = tcompile(t, c, s)
	if !strings.Contains(sql, ".name ilike '%'||$3||'%'") {
		t.Fatalf("expected name substring match: %s", sql)
	}
}

func TestCompileBody(t *testing.T) {
	c := &Compiler{MailboxID: 1}
	s := NewBody("needle")
	sql := tcompile(t, c, s)
	if !strings.Contains(sql, "join bodyparts bp") || !strings.Contains(sql, "bp.text ilike '%'||$2||'%'") {
		t.Fatalf("plain body search: %s", sql)
	}
	if strings.Contains(sql, "tsvector") {
		t.Fatalf("tsvector without tsearch enabled: %s", sql)
	}

	c = &Compiler{MailboxID: 1, TSearch: true, TSConfig: "english"}
	s = NewBody("needle")
	sql = tcompile(t, c, s)
	if !strings.Contains(sql, "to_tsvector('english', bp.text) @@ plainto_tsquery($2)") || !strings.Contains(sql, "bp.text ilike '%'||$2||'%'") {
		t.Fatalf("tsvector body search: %s", sql)
	}
}

func TestCompileRecent(t *testing.T) {
	// The database cannot see \recent; it becomes a uid set from the
	// session.
	c := &Compiler{MailboxID: 1, Recent: []uint32{5, 9}}
	s := NewFlag(`\recent`)
	sql := tcompile(t, c, s)
	if !strings.Contains(sql, "(mm.uid=$2 or mm.uid=$3)") {
		t.Fatalf("recent as uid set: %s", sql)
	}

	c = &Compiler{MailboxID: 1}
	s = NewFlag(`\recent`)
	sql = tcompile(t, c, s)
	if !strings.Contains(sql, "false") {
		t.Fatalf("recent without session: %s", sql)
	}
}

func TestCompileBindsMatchPlaceholders(t *testing.T) {
	// Every $n in the SQL has exactly one bind 1..n. Submitting through a
	// query checks the consecutive-binds invariant.
	c := &Compiler{
		MailboxID: 3,
		UserID:    9,
		FlagID:    func(string) uint32 { return 0 },
	}
	s := NewAnd(
		NewUIDSet([]uint32{1, 3, 5, 7}),
		NewOr(NewHeader("from", "x@y"), NewHeader("subject", "hello")),
		NewNot(NewFlag("$label")),
		&Selector{Action: Larger, Field: Rfc822Size, N: 1024},
		&Selector{Action: Larger, Field: Modseq, N: 12},
	)
	s.Simplify()
	q, err := c.Compile(s)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	max := 0
	for i := 0; ; i++ {
		j := strings.Index(q.SQL[i:], "$")
		if j < 0 {
			break
		}
		i += j
		n := 0
		for k := i + 1; k < len(q.SQL) && q.SQL[k] >= '0' && q.SQL[k] <= '9'; k++ {
			n = n*10 + int(q.SQL[k]-'0')
		}
		if n > max {
			max = n
		}
	}
	n, err := q.CheckBinds()
	if err != nil {
		t.Fatalf("binds do not match placeholders: %v", err)
	}
	if n != max {
		t.Fatalf("got %d binds, expected %d placeholders", n, max)
	}
}

func TestCompileSort(t *testing.T) {
	c := &Compiler{MailboxID: 1, Sort: []SortKey{{Reverse: true, Key: "date"}, {Key: "subject"}}}
	s := NewAll()
	sql := tcompile(t, c, s)
	if !strings.HasPrefix(sql, "select distinct ") {
		t.Fatalf("sort wants select distinct: %s", sql)
	}
	if !strings.Contains(sql, "order by df.value desc, lower(shf1.value), mm.uid") {
		t.Fatalf("sort order by: %s", sql)
	}
	// Ordering expressions must also be in the select list.
	if !strings.Contains(sql, ", df.value") || !strings.Contains(sql, ", lower(shf1.value)") {
		t.Fatalf("sort select list: %s", sql)
	}
}

func TestParseSortKeys(t *testing.T) {
	keys, ok := ParseSortKeys([]string{"REVERSE", "DATE", "SUBJECT"})
	if !ok || len(keys) != 2 || !keys[0].Reverse || keys[0].Key != "date" || keys[1].Reverse || keys[1].Key != "subject" {
		t.Fatalf("parse sort keys: %v %v", keys, ok)
	}
	if _, ok := ParseSortKeys([]string{"REVERSE"}); ok {
		t.Fatalf("dangling reverse accepted")
	}
	if _, ok := ParseSortKeys([]string{"BOGUS"}); ok {
		t.Fatalf("unknown key accepted")
	}
}

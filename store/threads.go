package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/aox/aox/pgwire"
)

// BaseSubject removes the prefixes and suffixes MUAs add to a subject, per
// the RFC 5256 algorithm, so replies and forwards tie threads together. The
// result is case-folded.
func BaseSubject(subject string) string {
	s := simplified(subject)
	s = cases.Fold().String(s)

	for {
		before := s

		// Remove trailing "(fwd)" and whitespace.
		for {
			t := strings.TrimSuffix(s, "(fwd)")
			if t == s {
				break
			}
			s = simplified(t)
		}

		for {
			l5 := s

			// Remove leading *[blob] re/fw[d] [blob] ":".
			s = stripLeader(s)

			// Remove one leading "[blob]" if a non-empty base remains.
			if strings.HasPrefix(s, "[") {
				if end := strings.IndexByte(s, ']'); end > 0 && !strings.Contains(s[1:end], "[") {
					rest := simplified(s[end+1:])
					if rest != "" {
						s = rest
					}
				}
			}

			if s == l5 {
				break
			}
		}

		if s == before {
			break
		}
	}
	return s
}

// stripLeader removes one subj-leader: (*subj-blob subj-refwd) ":".
func stripLeader(s string) string {
	i := 0
	i = skipBlobs(s, i)
	j := i
	if strings.HasPrefix(s[j:], "re") {
		j += 2
	} else if strings.HasPrefix(s[j:], "fwd") {
		j += 3
	} else if strings.HasPrefix(s[j:], "fw") {
		j += 2
	} else {
		return s
	}
	if j < len(s) && s[j] == ' ' {
		j++
	}
	j = skipBlobs(s, j)
	if j < len(s) && s[j] == ':' {
		return simplified(s[j+1:])
	}
	return s
}

func skipBlobs(s string, i int) int {
	for i < len(s) && s[i] == '[' {
		j := i + 1
		for j < len(s) && s[j] != '[' && s[j] != ']' {
			j++
		}
		if j >= len(s) || s[j] != ']' {
			return i
		}
		j++
		if j < len(s) && s[j] == ' ' {
			j++
		}
		i = j
	}
	return i
}

// simplified folds all whitespace runs to single spaces and trims.
func simplified(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ThreadMessage is the per-message input to threading.
type ThreadMessage struct {
	UID        UID
	MessageID  string // Message-Id header value, may be empty.
	References []string
	Subject    string
	IDate      time.Time
}

// Thread is a node in the thread tree sent to the client. Every node is a
// message: referenced messages that are not present are spliced away and
// their children move up.
type Thread struct {
	UID      UID
	Children []*Thread
	idate    time.Time
}

// ThreadBySubject groups messages by base subject (ORDEREDSUBJECT). Groups
// are ordered by the oldest message in each group, messages within a group
// by date.
func ThreadBySubject(msgs []ThreadMessage) []*Thread {
	groups := map[string][]ThreadMessage{}
	var order []string
	for _, m := range msgs {
		key := BaseSubject(m.Subject)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}

	var threads []*Thread
	for _, key := range order {
		g := groups[key]
		sort.Slice(g, func(i, j int) bool { return g[i].IDate.Before(g[j].IDate) })
		root := &Thread{UID: g[0].UID, idate: g[0].IDate}
		for _, m := range g[1:] {
			root.Children = append(root.Children, &Thread{UID: m.UID, idate: m.IDate})
		}
		threads = append(threads, root)
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].idate.Before(threads[j].idate) })
	return threads
}

// ThreadByReferences builds the REFERENCES thread tree: a parent graph from
// Message-Id and References headers, with empty (non-message) internal
// nodes spliced away, and siblings ordered by the oldest idate in their
// subtree.
func ThreadByReferences(msgs []ThreadMessage) []*Thread {
	nodes := map[string]*node{}

	get := func(id string) *node {
		n, ok := nodes[id]
		if !ok {
			n = &node{}
			nodes[id] = n
		}
		return n
	}

	for i := range msgs {
		m := &msgs[i]
		id := m.MessageID
		if id == "" {
			// Messages without a Message-Id thread alone, under a synthetic
			// unique id.
			id = syntheticID(m.UID)
		}
		n := get(id)
		if n.msg == nil {
			n.msg = m
		}

		// Link the references chain parent by parent, without introducing
		// loops.
		prev := ""
		for _, ref := range m.References {
			rn := get(ref)
			if prev != "" && rn.parent == "" && ref != prev && !isAncestor(nodes, ref, prev) {
				rn.parent = prev
				get(prev).children = append(get(prev).children, ref)
			}
			prev = ref
		}
		if prev != "" && n.parent == "" && prev != id && !isAncestor(nodes, prev, id) {
			n.parent = prev
			get(prev).children = append(get(prev).children, id)
		}
	}

	// Build trees from the roots, splicing away nodes that exist only as
	// references.
	var build func(id string) []*Thread
	build = func(id string) []*Thread {
		n := nodes[id]
		var kids []*Thread
		for _, c := range n.children {
			kids = append(kids, build(c)...)
		}
		if n.msg == nil {
			// Splice: our children move up.
			return kids
		}
		t := &Thread{UID: n.msg.UID, Children: kids, idate: n.msg.IDate}
		for _, k := range kids {
			if k.idate.Before(t.idate) {
				t.idate = k.idate
			}
		}
		return []*Thread{t}
	}

	var roots []*Thread
	var rootIDs []string
	for id, n := range nodes {
		if n.parent == "" {
			rootIDs = append(rootIDs, id)
		}
	}
	sort.Strings(rootIDs) // Deterministic before the idate sort below.
	for _, id := range rootIDs {
		roots = append(roots, build(id)...)
	}
	sortThreads(roots)
	return roots
}

func sortThreads(l []*Thread) {
	sort.SliceStable(l, func(i, j int) bool { return l[i].idate.Before(l[j].idate) })
	for _, t := range l {
		sortThreads(t.Children)
	}
}

func isAncestor(nodes map[string]*node, id, candidate string) bool {
	for candidate != "" {
		if candidate == id {
			return true
		}
		n, ok := nodes[candidate]
		if !ok {
			return false
		}
		candidate = n.parent
	}
	return false
}

// node is an entry in the references parent graph. Nodes without a msg
// exist only as references and are spliced away when building the tree.
type node struct {
	msg      *ThreadMessage
	parent   string
	children []string
}

func syntheticID(uid UID) string {
	return "aox-no-message-id-" + strconv.FormatUint(uint64(uid), 10)
}

// ThreadMessages loads the threading inputs for a set of uids.
func ThreadMessages(ctx context.Context, mailboxID int64, uids []UID) ([]ThreadMessage, error) {
	q := pgwire.NewQuery("select mm.uid, mm.idate, hf.field, hf.value from mailbox_messages mm left join header_fields hf on (hf.message=mm.message and hf.field = ANY($2)) where mm.mailbox=$1 and mm.uid = ANY($3) order by mm.uid")
	q.Bind(1, mailboxID).Bind(2, []uint32{FieldSubject, FieldMessageID, FieldReferences}).Bind(3, uidInts(uids))
	if err := DB.Exec(ctx, q); err != nil {
		return nil, err
	}

	byUID := map[UID]*ThreadMessage{}
	var order []UID
	for _, row := range q.Rows() {
		uid := UID(row.UInt32("uid"))
		m, ok := byUID[uid]
		if !ok {
			m = &ThreadMessage{UID: uid, IDate: time.Unix(row.Int64("idate"), 0).UTC()}
			byUID[uid] = m
			order = append(order, uid)
		}
		if row.IsNull("field") {
			continue
		}
		switch row.UInt32("field") {
		case FieldSubject:
			m.Subject = row.String("value")
		case FieldMessageID:
			m.MessageID = strings.TrimSpace(row.String("value"))
		case FieldReferences:
			m.References = strings.Fields(row.String("value"))
		}
	}
	l := make([]ThreadMessage, 0, len(order))
	for _, uid := range order {
		l = append(l, *byUID[uid])
	}
	return l, nil
}

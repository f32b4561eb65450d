package store

import (
	"testing"
	"time"
)

func TestBaseSubject(t *testing.T) {
	cases := []struct {
		in, out string
	}{
		{"hello", "hello"},
		{"Re: hello", "hello"},
		{"RE: Hello", "hello"},
		{"Fwd: hello", "hello"},
		{"Fw: hello", "hello"},
		{"Re: Re: hello", "hello"},
		{"Re[2]: hello", "hello"},
		{"[list] Re: hello", "hello"},
		{"Re: [list] hello", "hello"},
		{"hello (fwd)", "hello"},
		{"hello (fwd) (fwd)", "hello"},
		{"  hello   world  ", "hello world"},
		{"", ""},
		{"re:", ""},
	}
	for _, tc := range cases {
		if got := BaseSubject(tc.in); got != tc.out {
			t.Fatalf("BaseSubject(%q): got %q, expected %q", tc.in, got, tc.out)
		}
	}
}

func TestBaseSubjectIdempotent(t *testing.T) {
	subjects := []string{"Re: Fwd: [x] hello (fwd)", "Re: Re: Re: deal", "[a] [b] Fw: x"}
	for _, s := range subjects {
		once := BaseSubject(s)
		if twice := BaseSubject(once); twice != once {
			t.Fatalf("BaseSubject not idempotent for %q: %q then %q", s, once, twice)
		}
	}
}

func tm(minute int) time.Time {
	return time.Date(2024, 3, 1, 12, minute, 0, 0, time.UTC)
}

func TestThreadBySubject(t *testing.T) {
	msgs := []ThreadMessage{
		{UID: 1, Subject: "hello", IDate: tm(0)},
		{UID: 2, Subject: "other", IDate: tm(1)},
		{UID: 3, Subject: "Re: hello", IDate: tm(2)},
	}
	threads := ThreadBySubject(msgs)
	if len(threads) != 2 {
		t.Fatalf("got %d threads, expected 2", len(threads))
	}
	if threads[0].UID != 1 || len(threads[0].Children) != 1 || threads[0].Children[0].UID != 3 {
		t.Fatalf("hello thread wrong: %+v", threads[0])
	}
	if threads[1].UID != 2 || len(threads[1].Children) != 0 {
		t.Fatalf("other thread wrong: %+v", threads[1])
	}
}

func TestThreadByReferences(t *testing.T) {
	msgs := []ThreadMessage{
		{UID: 1, MessageID: "<a@x>", Subject: "hello", IDate: tm(0)},
		{UID: 2, MessageID: "<b@x>", References: []string{"<a@x>"}, Subject: "Re: hello", IDate: tm(1)},
		{UID: 3, MessageID: "<c@x>", References: []string{"<a@x>", "<b@x>"}, Subject: "Re: hello", IDate: tm(2)},
		{UID: 4, MessageID: "<d@x>", Subject: "unrelated", IDate: tm(3)},
	}
	threads := ThreadByReferences(msgs)
	if len(threads) != 2 {
		t.Fatalf("got %d threads, expected 2", len(threads))
	}
	root := threads[0]
	if root.UID != 1 || len(root.Children) != 1 {
		t.Fatalf("root thread wrong: %+v", root)
	}
	if root.Children[0].UID != 2 || len(root.Children[0].Children) != 1 || root.Children[0].Children[0].UID != 3 {
		t.Fatalf("chain wrong: %+v", root.Children[0])
	}
	if threads[1].UID != 4 {
		t.Fatalf("second thread wrong: %+v", threads[1])
	}
}

// A referenced message we never saw is a phantom node; it is spliced away
// and its children move up.
func TestThreadSpliceMissingParent(t *testing.T) {
	msgs := []ThreadMessage{
		{UID: 5, MessageID: "<b@x>", References: []string{"<missing@x>"}, IDate: tm(0)},
		{UID: 6, MessageID: "<c@x>", References: []string{"<missing@x>"}, IDate: tm(1)},
	}
	threads := ThreadByReferences(msgs)
	if len(threads) != 2 {
		t.Fatalf("got %d threads, expected 2 after splicing phantom: %+v", len(threads), threads)
	}
	if threads[0].UID != 5 || threads[1].UID != 6 {
		t.Fatalf("spliced threads wrong: %+v %+v", threads[0], threads[1])
	}
}

// Siblings sort by the oldest date in their subtree.
func TestThreadSiblingOrder(t *testing.T) {
	msgs := []ThreadMessage{
		{UID: 1, MessageID: "<r@x>", IDate: tm(0)},
		{UID: 2, MessageID: "<young@x>", References: []string{"<r@x>"}, IDate: tm(5)},
		{UID: 3, MessageID: "<old@x>", References: []string{"<r@x>"}, IDate: tm(1)},
	}
	threads := ThreadByReferences(msgs)
	if len(threads) != 1 {
		t.Fatalf("got %d threads", len(threads))
	}
	kids := threads[0].Children
	if len(kids) != 2 || kids[0].UID != 3 || kids[1].UID != 2 {
		t.Fatalf("sibling order wrong: %+v", kids)
	}
}

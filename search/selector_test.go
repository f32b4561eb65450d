package search

import (
	"testing"
)

func TestSimplify(t *testing.T) {
	// not (not x) -> x.
	x := NewFlag(`\seen`)
	s := NewNot(NewNot(NewFlag(`\seen`)))
	s.Simplify()
	if !s.Equal(x) {
		t.Fatalf("simplify not(not(x)): got %s, expected %s", s, x)
	}

	// and(all, x) -> x.
	s = NewAnd(NewAll(), NewFlag(`\seen`))
	s.Simplify()
	if !s.Equal(x) {
		t.Fatalf("simplify and(all, x): got %s, expected %s", s, x)
	}

	// or(none, x) -> x.
	s = NewOr(NewNone(), NewFlag(`\seen`))
	s.Simplify()
	if !s.Equal(x) {
		t.Fatalf("simplify or(none, x): got %s, expected %s", s, x)
	}

	// and(none, x) -> none.
	s = NewAnd(NewNone(), NewFlag(`\seen`))
	s.Simplify()
	if !s.Equal(NewNone()) {
		t.Fatalf("simplify and(none, x): got %s, expected none", s)
	}

	// or(all, x) -> all.
	s = NewOr(NewAll(), NewFlag(`\seen`))
	s.Simplify()
	if !s.Equal(NewAll()) {
		t.Fatalf("simplify or(all, x): got %s, expected all", s)
	}

	// Nested or flattens.
	s = NewOr(NewFlag("a"), NewOr(NewFlag("b"), NewFlag("c")))
	s.Simplify()
	if len(s.Children) != 3 || s.Action != Or {
		t.Fatalf("simplify nested or: got %s", s)
	}

	// Empty uid set matches nothing.
	s = NewUIDSet(nil)
	s.Simplify()
	if !s.Equal(NewNone()) {
		t.Fatalf("simplify empty uid set: got %s, expected none", s)
	}

	// not(none) -> all.
	s = NewNot(NewUIDSet(nil))
	s.Simplify()
	if !s.Equal(NewAll()) {
		t.Fatalf("simplify not(none): got %s, expected all", s)
	}
}

// Simplify must be idempotent.
func TestSimplifyIdempotent(t *testing.T) {
	trees := []*Selector{
		NewNot(NewNot(NewFlag(`\seen`))),
		NewAnd(NewUIDSet([]uint32{2, 4, 6}), NewNot(NewFlag(`\seen`))),
		NewOr(NewHeader("from", "x"), NewHeader("to", "x"), NewHeader("cc", "x")),
		NewAnd(NewAll(), NewOr(NewNone(), NewBody("hello"))),
		NewOr(NewFlag("a"), NewOr(NewFlag("b"), NewAnd(NewFlag("c"), NewFlag("d")))),
		NewNot(NewAnd(NewAll(), NewAll())),
	}
	for i, s := range trees {
		s.Simplify()
		once := s.String()
		s.Simplify()
		if s.String() != once {
			t.Fatalf("tree %d: simplify not idempotent: %s != %s", i, s, once)
		}
	}
}

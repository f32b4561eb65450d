// Package search translates IMAP SEARCH/SORT/THREAD predicate trees into
// parameterised SQL over the mailbox_messages table.
package search

import (
	"fmt"
	"strings"
	"time"
)

// Field says what a leaf selector looks at.
type Field int

const (
	NoField Field = iota
	InternalDate
	Sent
	Header
	Body
	Rfc822Size
	Flags
	Uid
	Annotation
	Modseq
	Age
)

// Action says how a selector matches, or combines its children.
type Action int

const (
	OnDate Action = iota
	SinceDate
	BeforeDate
	Contains
	Larger
	Smaller
	And
	Or
	Not
	All
	None
)

// Selector is a node in the predicate tree. Leaves carry a Field and a
// match; And/Or/Not/All/None combine children.
type Selector struct {
	Action Action
	Field  Field

	Name     string    // Header field name, flag name or annotation name.
	Entry    string    // Annotation attribute, e.g. value.priv.
	Value    string    // String to match.
	N        int64     // Number for Larger/Smaller/Modseq/Age.
	Date     time.Time // Date for the date comparisons.
	UIDs     []uint32  // Set for Contains(Uid), sorted ascending.
	Children []*Selector
}

// NewAll matches every message.
func NewAll() *Selector { return &Selector{Action: All} }

// NewNone matches no message.
func NewNone() *Selector { return &Selector{Action: None} }

// NewAnd matches when all children match.
func NewAnd(children ...*Selector) *Selector {
	return &Selector{Action: And, Children: children}
}

// NewOr matches when any child matches.
func NewOr(children ...*Selector) *Selector {
	return &Selector{Action: Or, Children: children}
}

// NewNot negates its child.
func NewNot(child *Selector) *Selector {
	return &Selector{Action: Not, Children: []*Selector{child}}
}

// NewUIDSet matches messages whose uid is in the set.
func NewUIDSet(uids []uint32) *Selector {
	return &Selector{Action: Contains, Field: Uid, UIDs: uids}
}

// NewFlag matches messages carrying the flag.
func NewFlag(name string) *Selector {
	return &Selector{Action: Contains, Field: Flags, Name: strings.ToLower(name)}
}

// NewHeader matches a substring in a header field; an empty name matches
// any header field.
func NewHeader(name, value string) *Selector {
	return &Selector{Action: Contains, Field: Header, Name: name, Value: value}
}

// NewBody matches a substring of a body part.
func NewBody(value string) *Selector {
	return &Selector{Action: Contains, Field: Body, Value: value}
}

// Simplify rewrites the tree into its canonical simpler form: double
// negations removed, singleton And/Or collapsed, All/None propagated,
// always-true subtrees dropped from And and always-false from Or, and
// nested And/Or flattened. Simplify is idempotent.
func (s *Selector) Simplify() {
	// not (not x) -> x
	if s.Action == Not && s.Children[0].Action == Not {
		*s = *s.Children[0].Children[0]
		s.Simplify()
		return
	}

	switch s.Action {
	case Not:
		c := s.Children[0]
		c.Simplify()
		if c.Action == All {
			*s = Selector{Action: None}
		} else if c.Action == None {
			*s = Selector{Action: All}
		}

	case Larger:
		// > 0 matches everything; all messages have modseq >= 1.
		if s.N == 0 || s.N == 1 && s.Field == Modseq {
			*s = Selector{Action: All}
		}

	case Contains:
		switch s.Field {
		case Uid:
			if len(s.UIDs) == 0 {
				*s = Selector{Action: None}
			}
		case InternalDate, Sent:
			// Contains is meaningless for dates.
			*s = Selector{Action: None}
		case Header:
			if s.Name == "" && s.Value == "" {
				// There is at least one header field.
				*s = Selector{Action: All}
			}
		case Body:
			if s.Value == "" {
				*s = Selector{Action: All}
			}
		}

	case And:
		kept := s.Children[:0]
		for _, c := range s.Children {
			c.Simplify()
			if c.Action == All {
				continue
			}
			if c.Action == None {
				*s = Selector{Action: None}
				return
			}
			kept = append(kept, c)
		}
		s.Children = kept

	case Or:
		kept := s.Children[:0]
		for _, c := range s.Children {
			c.Simplify()
			if c.Action == None {
				continue
			}
			if c.Action == All {
				*s = Selector{Action: All}
				return
			}
			kept = append(kept, c)
		}
		s.Children = kept
	}

	if s.Action == All || s.Action == None {
		s.Field = NoField
		s.Children = nil
		return
	}
	if s.Action != And && s.Action != Or {
		return
	}

	// An empty and/or matches everything.
	if len(s.Children) == 0 {
		*s = Selector{Action: All}
		return
	}

	// or (a or (b c)) -> or (a b c). Ditto and.
	var flat []*Selector
	for _, c := range s.Children {
		if c.Action == s.Action {
			flat = append(flat, c.Children...)
		} else {
			flat = append(flat, c)
		}
	}
	s.Children = flat

	// A singleton and/or is its only child.
	if len(s.Children) == 1 {
		*s = *s.Children[0]
	}
}

// Equal reports structural equality, for tests of simplify idempotence.
func (s *Selector) Equal(o *Selector) bool {
	if s.Action != o.Action || s.Field != o.Field || s.Name != o.Name || s.Entry != o.Entry || s.Value != o.Value || s.N != o.N || !s.Date.Equal(o.Date) {
		return false
	}
	if len(s.UIDs) != len(o.UIDs) || len(s.Children) != len(o.Children) {
		return false
	}
	for i, u := range s.UIDs {
		if o.UIDs[i] != u {
			return false
		}
	}
	for i, c := range s.Children {
		if !c.Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

// String renders a compact debug form.
func (s *Selector) String() string {
	switch s.Action {
	case All:
		return "all"
	case None:
		return "none"
	case And, Or, Not:
		op := map[Action]string{And: "and", Or: "or", Not: "not"}[s.Action]
		var kids []string
		for _, c := range s.Children {
			kids = append(kids, c.String())
		}
		return op + "(" + strings.Join(kids, ",") + ")"
	}
	return fmt.Sprintf("%d/%d(%s,%s,%q,%d,%v)", s.Action, s.Field, s.Name, s.Entry, s.Value, s.N, s.UIDs)
}

// Package sieve parses and evaluates sieve filtering scripts (RFC 5228,
// with the fileinto, reject, envelope, body and vacation extensions).
//
// Evaluation is pure: the interpreter looks only at the envelope and the
// message it is given and produces an ordered list of actions for the
// delivery path to carry out.
package sieve

import (
	"strconv"
	"strings"
)

// Script is a parsed sieve script.
type Script struct {
	Require  []string // Extensions declared by require, in order.
	Commands []Command
}

// Command is one sieve command. For if/elsif the Test is set; if/elsif/else
// carry a Block.
type Command struct {
	ID    string // Lowercased identifier: require, if, keep, fileinto, ...
	Args  Args
	Test  *Test
	Block []Command
}

// Test is one test in a condition.
type Test struct {
	ID    string
	Args  Args
	Tests []*Test // For allof, anyof, not.
}

// Args holds the positional and tagged arguments of a command or test.
type Args struct {
	Tags    map[string]Arg // Tag name (without colon) to the value following it, zero Arg if none.
	TagList []string       // Tag names in source order.
	Plain   []Arg          // Non-tag arguments in order.
}

// Arg is one argument value.
type Arg struct {
	IsNumber bool
	IsList   bool
	Number   int64
	Str      string
	List     []string
}

// Strings returns the argument as a string list: a single string is a
// one-element list.
func (a Arg) Strings() []string {
	if a.IsList {
		return a.List
	}
	return []string{a.Str}
}

// Action is one delivery decision produced by evaluation.
type Action struct {
	Kind     ActionKind
	Mailbox  string // FileInto target.
	Address  string // Redirect target.
	Message  string // Reject reason, vacation text or error text.
	Subject  string // Vacation subject.
	Days     int    // Vacation reply interval.
	Handle   string // Vacation handle.
	Aliases  []string
}

// ActionKind is the type of an Action.
type ActionKind int

const (
	Reject ActionKind = iota
	FileInto
	Redirect
	Discard
	Vacation
	Error
)

func (k ActionKind) String() string {
	switch k {
	case Reject:
		return "reject"
	case FileInto:
		return "fileinto"
	case Redirect:
		return "redirect"
	case Discard:
		return "discard"
	case Vacation:
		return "vacation"
	case Error:
		return "error"
	}
	return "unknown"
}

// String renders the canonical serialised form of the script. Parsing the
// result yields an isomorphic tree.
func (s *Script) String() string {
	var b strings.Builder
	if len(s.Require) > 0 {
		b.WriteString("require " + quoteList(s.Require) + ";\n")
	}
	writeCommands(&b, s.Commands, 0)
	return b.String()
}

func writeCommands(b *strings.Builder, cmds []Command, depth int) {
	indent := strings.Repeat("    ", depth)
	for _, c := range cmds {
		b.WriteString(indent)
		b.WriteString(c.ID)
		if c.Test != nil {
			b.WriteString(" ")
			writeTest(b, c.Test)
		}
		writeArgs(b, c.Args)
		if c.ID == "if" || c.ID == "elsif" || c.ID == "else" {
			b.WriteString(" {\n")
			writeCommands(b, c.Block, depth+1)
			b.WriteString(indent + "}\n")
		} else {
			b.WriteString(";\n")
		}
	}
}

func writeTest(b *strings.Builder, t *Test) {
	b.WriteString(t.ID)
	writeArgs(b, t.Args)
	if len(t.Tests) > 0 {
		if t.ID == "not" {
			b.WriteString(" ")
			writeTest(b, t.Tests[0])
			return
		}
		b.WriteString(" (")
		for i, sub := range t.Tests {
			if i > 0 {
				b.WriteString(", ")
			}
			writeTest(b, sub)
		}
		b.WriteString(")")
	}
}

func writeArgs(b *strings.Builder, a Args) {
	for _, tag := range a.TagList {
		b.WriteString(" :" + tag)
		v := a.Tags[tag]
		if v.IsNumber || v.Str != "" || v.IsList {
			b.WriteString(" " + argString(v))
		}
	}
	for _, v := range a.Plain {
		b.WriteString(" " + argString(v))
	}
}

func argString(a Arg) string {
	if a.IsNumber {
		return strconv.FormatInt(a.Number, 10)
	}
	if a.IsList {
		return quoteList(a.List)
	}
	return quoteString(a.Str)
}

func quoteList(l []string) string {
	if len(l) == 1 {
		return quoteString(l[0])
	}
	var b strings.Builder
	b.WriteString("[")
	for i, s := range l {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteString(s))
	}
	b.WriteString("]")
	return b.String()
}

func quoteString(s string) string {
	var b strings.Builder
	b.WriteString(`"`)
	for _, c := range s {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteString(`"`)
	return b.String()
}

// Extensions returns the extensions this implementation supports, for
// capability announcements.
func Extensions() []string {
	return []string{"fileinto", "reject", "envelope", "body", "vacation"}
}

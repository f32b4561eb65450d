package sieve

import (
	"fmt"
	"strings"
)

// ParseError describes where parsing failed and what was expected.
type ParseError struct {
	Line   int
	Offset int
	Msg    string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

type parser struct {
	s string
	o int

	// Extension bookkeeping for require checking.
	declared map[string]bool
	used     map[string]bool
	// Set once a command other than require has been seen.
	sawCommand bool
}

func (p *parser) xerrorf(format string, args ...any) {
	line := 1 + strings.Count(p.s[:p.o], "\n")
	panic(ParseError{line, p.o, fmt.Sprintf(format, args...)})
}

// Parse parses a sieve script. require commands must come before any other
// command and must declare exactly the set of extensions the script uses.
func Parse(script string) (s *Script, rerr error) {
	p := &parser{s: script, declared: map[string]bool{}, used: map[string]bool{}}
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if e, ok := x.(ParseError); ok {
			s = nil
			rerr = e
			return
		}
		panic(x)
	}()

	s = &Script{}
	s.Commands = p.xcommands(false)
	p.xws()
	if p.o < len(p.s) {
		p.xerrorf("unexpected %q, expected command", p.rest(10))
	}

	// Extract the requires into the script and verify both directions.
	var cmds []Command
	for _, c := range s.Commands {
		if c.ID == "require" {
			s.Require = append(s.Require, c.Args.Plain[0].Strings()...)
			continue
		}
		cmds = append(cmds, c)
	}
	s.Commands = cmds
	for _, e := range s.Require {
		p.declared[e] = true
	}
	for e := range p.used {
		if !p.declared[e] {
			return nil, ParseError{0, 0, fmt.Sprintf("extension %q used but not declared with require", e)}
		}
	}
	for _, e := range s.Require {
		if !supportedExtension(e) {
			return nil, ParseError{0, 0, fmt.Sprintf("extension %q not supported", e)}
		}
		if !p.used[e] {
			return nil, ParseError{0, 0, fmt.Sprintf("extension %q declared but not used", e)}
		}
	}
	return s, nil
}

func supportedExtension(e string) bool {
	for _, x := range Extensions() {
		if e == x {
			return true
		}
	}
	return false
}

func (p *parser) rest(n int) string {
	r := p.s[p.o:]
	if len(r) > n {
		r = r[:n]
	}
	return r
}

// xws skips whitespace and comments.
func (p *parser) xws() {
	for p.o < len(p.s) {
		c := p.s[p.o]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			p.o++
		case c == '#':
			for p.o < len(p.s) && p.s[p.o] != '\n' {
				p.o++
			}
		case strings.HasPrefix(p.s[p.o:], "/*"):
			end := strings.Index(p.s[p.o+2:], "*/")
			if end < 0 {
				p.xerrorf("unterminated comment")
			}
			p.o += 2 + end + 2
		default:
			return
		}
	}
}

func (p *parser) take(s string) bool {
	p.xws()
	if strings.HasPrefix(p.s[p.o:], s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) xtake(s string) {
	if !p.take(s) {
		p.xerrorf("expected %q, got %q", s, p.rest(10))
	}
}

func (p *parser) peek(s string) bool {
	p.xws()
	return strings.HasPrefix(p.s[p.o:], s)
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

func (p *parser) identifier() string {
	p.xws()
	o := p.o
	for o < len(p.s) && isIdentChar(p.s[o]) {
		o++
	}
	if o == p.o || p.s[p.o] >= '0' && p.s[p.o] <= '9' {
		return ""
	}
	id := strings.ToLower(p.s[p.o:o])
	p.o = o
	return id
}

func (p *parser) xidentifier() string {
	id := p.identifier()
	if id == "" {
		p.xerrorf("expected identifier, got %q", p.rest(10))
	}
	return id
}

// xstring parses a quoted string or a text: multiline literal.
func (p *parser) xstring() string {
	p.xws()
	if strings.HasPrefix(strings.ToLower(p.s[p.o:]), "text:") {
		p.o += len("text:")
		// Skip to end of line, allowing whitespace and a comment.
		for p.o < len(p.s) && p.s[p.o] != '\n' {
			p.o++
		}
		if p.o < len(p.s) {
			p.o++
		}
		var b strings.Builder
		for {
			if p.o >= len(p.s) {
				p.xerrorf("unterminated text: literal")
			}
			line := p.s[p.o:]
			if i := strings.IndexByte(line, '\n'); i >= 0 {
				line = line[:i+1]
			}
			if strings.TrimRight(line, "\r\n") == "." {
				p.o += len(line)
				return b.String()
			}
			// Dot-stuffing.
			out := line
			if strings.HasPrefix(out, "..") {
				out = out[1:]
			}
			b.WriteString(out)
			p.o += len(line)
		}
	}

	if p.o >= len(p.s) || p.s[p.o] != '"' {
		p.xerrorf("expected string, got %q", p.rest(10))
	}
	p.o++
	var b strings.Builder
	for {
		if p.o >= len(p.s) {
			p.xerrorf("unterminated string")
		}
		c := p.s[p.o]
		if c == '\\' && p.o+1 < len(p.s) {
			b.WriteByte(p.s[p.o+1])
			p.o += 2
			continue
		}
		if c == '"' {
			p.o++
			return b.String()
		}
		b.WriteByte(c)
		p.o++
	}
}

// xstringList parses a string or a bracketed string list.
func (p *parser) xstringList() Arg {
	if p.take("[") {
		var l []string
		l = append(l, p.xstring())
		for p.take(",") {
			l = append(l, p.xstring())
		}
		p.xtake("]")
		return Arg{IsList: true, List: l}
	}
	return Arg{Str: p.xstring()}
}

func (p *parser) number() (int64, bool) {
	p.xws()
	o := p.o
	for o < len(p.s) && p.s[o] >= '0' && p.s[o] <= '9' {
		o++
	}
	if o == p.o {
		return 0, false
	}
	var v int64
	for _, c := range p.s[p.o:o] {
		v = v*10 + int64(c-'0')
	}
	p.o = o
	// Quantifier suffix.
	if p.o < len(p.s) {
		switch p.s[p.o] {
		case 'k', 'K':
			v *= 1024
			p.o++
		case 'm', 'M':
			v *= 1024 * 1024
			p.o++
		case 'g', 'G':
			v *= 1024 * 1024 * 1024
			p.o++
		}
	}
	return v, true
}

// xarguments parses tags, numbers and string lists until a ';', block or
// test list starts.
func (p *parser) xarguments() Args {
	a := Args{Tags: map[string]Arg{}}
	for {
		p.xws()
		if p.o >= len(p.s) {
			return a
		}
		c := p.s[p.o]
		switch {
		case c == ':':
			p.o++
			tag := p.xidentifier()
			if _, ok := a.Tags[tag]; ok {
				p.xerrorf("duplicate tag :%s", tag)
			}
			a.TagList = append(a.TagList, tag)
			// A tag's value, if any, is attached by the command/test
			// validation; syntactically we attach a following number or
			// string when the tag requires one.
			if tagTakesValue(tag) {
				if n, ok := p.number(); ok {
					a.Tags[tag] = Arg{IsNumber: true, Number: n}
				} else {
					a.Tags[tag] = p.xstringList()
				}
			} else {
				a.Tags[tag] = Arg{}
			}
		case c >= '0' && c <= '9':
			n, _ := p.number()
			a.Plain = append(a.Plain, Arg{IsNumber: true, Number: n})
		case c == '"' || c == '[' || strings.HasPrefix(strings.ToLower(p.s[p.o:]), "text:"):
			a.Plain = append(a.Plain, p.xstringList())
		default:
			return a
		}
	}
}

// tagTakesValue says whether a tag is followed by a value argument.
func tagTakesValue(tag string) bool {
	switch tag {
	case "comparator", "over", "under", "days", "subject", "from", "addresses", "handle", "mime":
		switch tag {
		case "mime":
			return false
		}
		return true
	}
	return false
}

// xtest parses one test, including allof/anyof/not nesting.
func (p *parser) xtest() *Test {
	id := p.xidentifier()
	t := &Test{ID: id}
	switch id {
	case "allof", "anyof":
		p.xtake("(")
		t.Tests = append(t.Tests, p.xtest())
		for p.take(",") {
			t.Tests = append(t.Tests, p.xtest())
		}
		p.xtake(")")
	case "not":
		t.Tests = []*Test{p.xtest()}
	case "true", "false", "exists", "header", "address", "envelope", "size", "body":
		t.Args = p.xarguments()
		p.validateTest(t)
	default:
		p.xerrorf("unknown test %q", id)
	}
	return t
}

func (p *parser) validateTest(t *Test) {
	switch t.ID {
	case "envelope":
		p.used["envelope"] = true
	case "body":
		p.used["body"] = true
	}

	if mt := matchTypeTags(t.Args); len(mt) > 1 {
		p.xerrorf("test %s: more than one match type (%s)", t.ID, strings.Join(mt, ", "))
	}
	if c, ok := t.Args.Tags["comparator"]; ok {
		name := c.Str
		if name != "i;octet" && name != "i;ascii-casemap" {
			p.xerrorf("unsupported comparator %q", name)
		}
	}

	switch t.ID {
	case "exists":
		if len(t.Args.Plain) != 1 {
			p.xerrorf("exists wants a header list")
		}
	case "header":
		if len(t.Args.Plain) != 2 {
			p.xerrorf("header wants a header list and a key list")
		}
	case "address", "envelope":
		if len(t.Args.Plain) != 2 {
			p.xerrorf("%s wants a part list and a key list", t.ID)
		}
	case "size":
		_, over := t.Args.Tags["over"]
		_, under := t.Args.Tags["under"]
		if over == under {
			p.xerrorf("size wants exactly one of :over and :under")
		}
	case "true", "false":
		if len(t.Args.Plain) > 0 || len(t.Args.TagList) > 0 {
			p.xerrorf("%s takes no arguments", t.ID)
		}
	}
}

func matchTypeTags(a Args) []string {
	var l []string
	for _, tag := range a.TagList {
		if tag == "is" || tag == "contains" || tag == "matches" {
			l = append(l, ":"+tag)
		}
	}
	return l
}

// xcommands parses commands until end of input or a closing brace.
func (p *parser) xcommands(inBlock bool) []Command {
	var cmds []Command
	for {
		p.xws()
		if p.o >= len(p.s) {
			return cmds
		}
		if inBlock && p.peek("}") {
			return cmds
		}

		id := p.xidentifier()
		c := Command{ID: id}
		switch id {
		case "require":
			if p.sawCommand {
				p.xerrorf("require must come before other commands")
			}
			c.Args = p.xarguments()
			if len(c.Args.Plain) != 1 {
				p.xerrorf("require wants a string list")
			}
			p.xtake(";")

		case "if", "elsif":
			p.sawCommand = true
			if id == "elsif" && !lastIsIf(cmds) {
				p.xerrorf("elsif without preceding if")
			}
			c.Test = p.xtest()
			p.xtake("{")
			c.Block = p.xcommands(true)
			p.xtake("}")

		case "else":
			p.sawCommand = true
			if !lastIsIf(cmds) {
				p.xerrorf("else without preceding if")
			}
			p.xtake("{")
			c.Block = p.xcommands(true)
			p.xtake("}")

		case "stop", "keep", "discard":
			p.sawCommand = true
			c.Args = p.xarguments()
			if len(c.Args.Plain) > 0 || len(c.Args.TagList) > 0 {
				p.xerrorf("%s takes no arguments", id)
			}
			p.xtake(";")

		case "fileinto":
			p.sawCommand = true
			p.used["fileinto"] = true
			c.Args = p.xarguments()
			if len(c.Args.Plain) != 1 || c.Args.Plain[0].IsList || c.Args.Plain[0].IsNumber {
				p.xerrorf("fileinto wants one string")
			}
			p.xtake(";")

		case "redirect":
			p.sawCommand = true
			c.Args = p.xarguments()
			if len(c.Args.Plain) != 1 || c.Args.Plain[0].IsList || c.Args.Plain[0].IsNumber {
				p.xerrorf("redirect wants one string")
			}
			p.xtake(";")

		case "reject":
			p.sawCommand = true
			p.used["reject"] = true
			c.Args = p.xarguments()
			if len(c.Args.Plain) != 1 || c.Args.Plain[0].IsList || c.Args.Plain[0].IsNumber {
				p.xerrorf("reject wants one string")
			}
			p.xtake(";")

		case "vacation":
			p.sawCommand = true
			p.used["vacation"] = true
			c.Args = p.xarguments()
			if len(c.Args.Plain) != 1 || c.Args.Plain[0].IsList || c.Args.Plain[0].IsNumber {
				p.xerrorf("vacation wants a reason string")
			}
			p.xtake(";")

		case "":
			p.xerrorf("expected command, got %q", p.rest(10))

		default:
			p.xerrorf("unknown command %q", id)
		}
		cmds = append(cmds, c)
	}
}

func lastIsIf(cmds []Command) bool {
	if len(cmds) == 0 {
		return false
	}
	id := cmds[len(cmds)-1].ID
	return id == "if" || id == "elsif"
}

// Valid reports whether script parses, with the error otherwise. For
// ManageSieve PUTSCRIPT/HAVESPACE checking.
func Valid(script string) error {
	_, err := Parse(script)
	return err
}

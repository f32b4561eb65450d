package sieve

import (
	"net/mail"
	"strings"
)

// Envelope is the SMTP envelope a message arrived with, plus where the
// recipient's mail goes: relative fileinto targets resolve under Home, keep
// files into Inbox.
type Envelope struct {
	From  string // Envelope sender, e.g. x@y.
	To    string // Envelope recipient.
	Home  string // The recipient's mailbox hierarchy root, with trailing slash: /users/u/.
	Inbox string // The keep target; Home + "INBOX" when empty.
}

func (e Envelope) inbox() string {
	if e.Inbox != "" {
		return e.Inbox
	}
	return e.Home + "INBOX"
}

func (e Envelope) resolve(mailbox string) string {
	if strings.HasPrefix(mailbox, "/") {
		return mailbox
	}
	return e.Home + mailbox
}

// Message is the parsed-enough form of the message under evaluation.
type Message struct {
	headers []headerField
	body    string
	size    int64
}

type headerField struct {
	name  string
	value string
}

// NewMessage prepares a message for evaluation from its wire form.
func NewMessage(raw []byte) *Message {
	m := &Message{size: int64(len(raw))}
	s := string(raw)
	head, body, found := strings.Cut(s, "\r\n\r\n")
	if !found {
		head, body, _ = strings.Cut(s, "\n\n")
	}
	m.body = body

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
		m.headers = append(m.headers, headerField{strings.TrimSpace(name), strings.TrimSpace(value)})
	}
	return m
}

// Header returns all values of the named header field.
func (m *Message) Header(name string) []string {
	var l []string
	for _, h := range m.headers {
		if strings.EqualFold(h.name, name) {
			l = append(l, h.value)
		}
	}
	return l
}

// Evaluate runs the script against the envelope and message, producing the
// ordered action list. A script that finishes without an explicit action
// gets the implicit keep: fileinto the envelope's inbox.
func (s *Script) Evaluate(env Envelope, m *Message) []Action {
	ev := &evaluator{env: env, m: m}
	ev.commands(s.Commands)

	if !ev.explicit {
		ev.actions = append(ev.actions, Action{Kind: FileInto, Mailbox: env.inbox()})
	}
	return ev.actions
}

type evaluator struct {
	env      Envelope
	m        *Message
	actions  []Action
	stopped  bool
	explicit bool // An explicit action (or discard) was taken.
	lastIf   bool // Result of the last if/elsif at this nesting, for elsif/else.
}

func (ev *evaluator) commands(cmds []Command) {
	for _, c := range cmds {
		if ev.stopped {
			return
		}
		switch c.ID {
		case "if":
			ev.lastIf = ev.test(c.Test)
			if ev.lastIf {
				saved := ev.lastIf
				ev.commands(c.Block)
				ev.lastIf = saved
			}
		case "elsif":
			if !ev.lastIf {
				ev.lastIf = ev.test(c.Test)
				if ev.lastIf {
					saved := ev.lastIf
					ev.commands(c.Block)
					ev.lastIf = saved
				}
			}
		case "else":
			if !ev.lastIf {
				ev.commands(c.Block)
			}
		case "stop":
			ev.stopped = true
		case "keep":
			ev.explicit = true
			ev.actions = append(ev.actions, Action{Kind: FileInto, Mailbox: ev.env.inbox()})
		case "discard":
			// Discard cancels the implicit keep but produces an action so the
			// deliverer can log it.
			ev.explicit = true
			ev.actions = append(ev.actions, Action{Kind: Discard})
		case "fileinto":
			ev.explicit = true
			ev.actions = append(ev.actions, Action{Kind: FileInto, Mailbox: ev.env.resolve(c.Args.Plain[0].Str)})
		case "redirect":
			ev.explicit = true
			ev.actions = append(ev.actions, Action{Kind: Redirect, Address: c.Args.Plain[0].Str})
		case "reject":
			ev.explicit = true
			ev.actions = append(ev.actions, Action{Kind: Reject, Message: c.Args.Plain[0].Str})
		case "vacation":
			a := Action{Kind: Vacation, Message: c.Args.Plain[0].Str, Address: ev.env.To, Days: 7}
			if d, ok := c.Args.Tags["days"]; ok {
				a.Days = int(d.Number)
			}
			if sub, ok := c.Args.Tags["subject"]; ok {
				a.Subject = sub.Str
			}
			if al, ok := c.Args.Tags["addresses"]; ok {
				a.Aliases = al.Strings()
			}
			if h, ok := c.Args.Tags["handle"]; ok {
				a.Handle = h.Str
			}
			ev.actions = append(ev.actions, a)
		}
	}
}

func (ev *evaluator) test(t *Test) bool {
	switch t.ID {
	case "true":
		return true
	case "false":
		return false
	case "not":
		return !ev.test(t.Tests[0])
	case "allof":
		for _, sub := range t.Tests {
			if !ev.test(sub) {
				return false
			}
		}
		return true
	case "anyof":
		for _, sub := range t.Tests {
			if ev.test(sub) {
				return true
			}
		}
		return false
	case "exists":
		for _, name := range t.Args.Plain[0].Strings() {
			if len(ev.m.Header(name)) == 0 {
				return false
			}
		}
		return true
	case "size":
		if n, ok := t.Args.Tags["over"]; ok {
			return ev.m.size > n.Number
		}
		n := t.Args.Tags["under"]
		return ev.m.size < n.Number
	case "header":
		match := newMatcher(t.Args)
		for _, name := range t.Args.Plain[0].Strings() {
			for _, v := range ev.m.Header(name) {
				if match.anyKey(v, t.Args.Plain[1].Strings()) {
					return true
				}
			}
		}
		return false
	case "address":
		match := newMatcher(t.Args)
		part := addressPart(t.Args)
		for _, name := range t.Args.Plain[0].Strings() {
			for _, v := range ev.m.Header(name) {
				addrs, err := mail.ParseAddressList(v)
				if err != nil {
					continue
				}
				for _, a := range addrs {
					if match.anyKey(applyAddressPart(a.Address, part), t.Args.Plain[1].Strings()) {
						return true
					}
				}
			}
		}
		return false
	case "envelope":
		match := newMatcher(t.Args)
		part := addressPart(t.Args)
		for _, name := range t.Args.Plain[0].Strings() {
			var v string
			switch strings.ToLower(name) {
			case "from":
				v = ev.env.From
			case "to":
				v = ev.env.To
			default:
				continue
			}
			if match.anyKey(applyAddressPart(v, part), t.Args.Plain[1].Strings()) {
				return true
			}
		}
		return false
	case "body":
		match := newMatcher(t.Args)
		return match.anyKey(ev.m.body, lastStringList(t.Args))
	}
	return false
}

func lastStringList(a Args) []string {
	if len(a.Plain) == 0 {
		return nil
	}
	return a.Plain[len(a.Plain)-1].Strings()
}

// matcher implements the match types with a comparator.
type matcher struct {
	matchType string // is, contains, matches.
	octet     bool   // i;octet comparator, i.e. case-sensitive.
}

func newMatcher(a Args) matcher {
	m := matcher{matchType: "is"}
	for _, tag := range a.TagList {
		switch tag {
		case "is", "contains", "matches":
			m.matchType = tag
		}
	}
	if c, ok := a.Tags["comparator"]; ok && c.Str == "i;octet" {
		m.octet = true
	}
	return m
}

func (m matcher) anyKey(value string, keys []string) bool {
	for _, k := range keys {
		if m.match(value, k) {
			return true
		}
	}
	return false
}

func (m matcher) match(value, key string) bool {
	if !m.octet {
		value = asciiLower(value)
		key = asciiLower(key)
	}
	switch m.matchType {
	case "contains":
		return strings.Contains(value, key)
	case "matches":
		return globMatch(key, value)
	default:
		return value == key
	}
}

// asciiLower lowercases a-z only: the i;ascii-casemap comparator must not
// touch octets outside ascii.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 0x20
		}
	}
	return string(b)
}

// globMatch implements the :matches wildcards: * for any run, ? for one
// character.
func globMatch(pattern, s string) bool {
	// Iterative backtracking match.
	var pi, si, starPi, starSi int
	starPi = -1
	for si < len(s) {
		if pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == s[si]) {
			pi++
			si++
		} else if pi < len(pattern) && pattern[pi] == '*' {
			starPi = pi
			starSi = si
			pi++
		} else if starPi >= 0 {
			starSi++
			pi = starPi + 1
			si = starSi
		} else {
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

func addressPart(a Args) string {
	for _, tag := range a.TagList {
		switch tag {
		case "localpart", "domain", "user", "detail", "all":
			return tag
		}
	}
	return "all"
}

// applyAddressPart reduces an address to the requested part. The user and
// detail parts split the localpart on "+".
func applyAddressPart(addr, part string) string {
	lp, dom, _ := strings.Cut(addr, "@")
	switch part {
	case "localpart":
		return lp
	case "domain":
		return dom
	case "user":
		user, _, _ := strings.Cut(lp, "+")
		return user
	case "detail":
		_, detail, ok := strings.Cut(lp, "+")
		if !ok {
			return ""
		}
		return detail
	}
	return addr
}

// FileIntoTargets returns the fileinto mailbox names a script references,
// for the ManageSieve auto-create convenience.
func (s *Script) FileIntoTargets() []string {
	var l []string
	var walk func(cmds []Command)
	walk = func(cmds []Command) {
		for _, c := range cmds {
			if c.ID == "fileinto" {
				name := c.Args.Plain[0].Str
				if !containsString(l, name) {
					l = append(l, name)
				}
			}
			walk(c.Block)
		}
	}
	walk(s.Commands)
	return l
}

func containsString(l []string, s string) bool {
	for _, e := range l {
		if e == s {
			return true
		}
	}
	return false
}

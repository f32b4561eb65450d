// Package smtpserver accepts mail over SMTP and LMTP, runs each
// recipient's active sieve script over the incoming message, and carries
// out the resulting actions: delivery into mailboxes, redirects through the
// smarthost queue, rejects and discards.
package smtpserver

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"golang.org/x/exp/maps"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aox/aox/alog"
	"github.com/aox/aox/aoxio"
	aox "github.com/aox/aox/aox-"
	"github.com/aox/aox/config"
	"github.com/aox/aox/metrics"
	"github.com/aox/aox/queue"
	"github.com/aox/aox/sieve"
	"github.com/aox/aox/store"
)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aox_smtp_connection_total",
			Help: "Incoming SMTP/LMTP connections.",
		},
		[]string{"service"}, // smtp, lmtp
	)
	metricDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aox_smtp_delivery_total",
			Help: "Message deliveries by sieve action.",
		},
		[]string{"action"}, // fileinto, redirect, reject, discard, vacation, error
	)
)

var errIO = errors.New("io error")

// maxMessageSize bounds DATA.
const maxMessageSize = 64 * 1024 * 1024

type conn struct {
	cid   int64
	lmtp  bool
	conn  net.Conn
	tls   bool
	br    *bufio.Reader
	bw    *bufio.Writer
	log   alog.Log
	hello string

	user     *store.User // Authenticated submission, nil for plain smtp/lmtp.
	mailFrom string
	rcpts    []string
}

// Listen initializes smtp and lmtp listeners.
func Listen() {
	names := maps.Keys(aox.Conf.Listeners)
	sort.Strings(names)
	for _, name := range names {
		listener := aox.Conf.Listeners[name]
		if listener.LMTP.Enabled {
			port := config.Port(listener.LMTP.Port, 2026)
			for _, ip := range listener.IPs {
				listen1("lmtp", name, ip, port)
			}
		}
		if listener.SMTP.Enabled {
			port := config.Port(listener.SMTP.Port, 25)
			for _, ip := range listener.IPs {
				listen1("smtp", name, ip, port)
			}
		}
	}
}

var servers []func()

func listen1(protocol, listenerName, ip string, port int) {
	log := alog.New("smtpserver", nil)
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	ln, err := aox.Listen(aox.Network(ip), addr)
	if err != nil {
		log.Fatalx("smtp: listen", err, slog.String("addr", addr))
	}
	log.Print("listening for smtp", slog.String("listener", listenerName), slog.String("addr", addr), slog.String("protocol", protocol))

	serves := func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				log.Infox("smtp: accept", err)
				continue
			}
			metricConnection.WithLabelValues(protocol).Inc()
			go serve(listenerName, protocol == "lmtp", aox.Cid(), nc)
		}
	}
	servers = append(servers, serves)
}

// Serve starts serving on all listeners.
func Serve() {
	for _, s := range servers {
		go s()
	}
	servers = nil
}

func serve(listenerName string, lmtp bool, cid int64, nc net.Conn) {
	c := &conn{
		cid:  cid,
		lmtp: lmtp,
		conn: nc,
	}
	c.log = alog.New("smtpserver", nil).WithCid(cid)
	c.br = bufio.NewReader(aoxio.NewTraceReader(c.log, "C: ", nc))
	c.bw = bufio.NewWriter(aoxio.NewTraceWriter(c.log, "S: ", nc))

	c.log.Info("new connection", slog.Any("remote", nc.RemoteAddr()), slog.Bool("lmtp", lmtp), slog.String("listener", listenerName))

	defer func() {
		nc.Close()
		x := recover()
		if x == nil {
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && (errors.Is(err, errIO) || aoxio.IsClosed(err)) {
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Smtpserver)
		}
	}()

	aox.Connections.Register(nc, "smtp", listenerName)
	defer aox.Connections.Unregister(nc)

	c.writef("220 %s aox ESMTP", aox.Conf.Hostname)
	for {
		c.command()
	}
}

func (c *conn) writef(format string, args ...any) {
	err := c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	c.log.Check(err, "setting write deadline")
	fmt.Fprintf(c.bw, format+"\r\n", args...)
	if err := c.bw.Flush(); err != nil {
		panic(fmt.Errorf("write: %s (%w)", err, errIO))
	}
}

var bufpool = aoxio.NewBufpool(8, 8*1024)

func (c *conn) readline() string {
	err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
	c.log.Check(err, "setting read deadline")
	line, err := bufpool.Readline(c.log, c.br)
	if err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
	return line
}

func (c *conn) xcontext() context.Context {
	return context.WithValue(aox.Context, alog.CidKey, c.cid)
}

func (c *conn) reset() {
	c.mailFrom = ""
	c.rcpts = nil
}

func (c *conn) command() {
	line := c.readline()
	verb, rest, _ := strings.Cut(line, " ")
	switch strings.ToUpper(verb) {
	case "LHLO":
		if !c.lmtp {
			c.writef("500 5.5.1 lhlo is for lmtp")
			return
		}
		c.hello = rest
		c.ehloResponse()
	case "EHLO":
		if c.lmtp {
			c.writef("500 5.5.1 this is lmtp, use lhlo")
			return
		}
		c.hello = rest
		c.ehloResponse()
	case "HELO":
		c.hello = rest
		c.writef("250 %s", aox.Conf.Hostname)
	case "MAIL":
		c.cmdMail(rest)
	case "RCPT":
		c.cmdRcpt(rest)
	case "DATA":
		c.cmdData()
	case "AUTH":
		c.cmdAuth(rest)
	case "RSET":
		c.reset()
		c.writef("250 2.0.0 ok")
	case "NOOP":
		c.writef("250 2.0.0 ok")
	case "VRFY":
		// Address existence is never confirmed.
		c.writef("252 2.1.5 cannot vrfy")
	case "QUIT":
		c.writef("221 2.0.0 bye")
		panic(fmt.Errorf("quit (%w)", errIO))
	case "":
		c.writef("500 5.5.2 empty command")
	default:
		c.writef("500 5.5.1 unknown command %q", verb)
	}
}

func (c *conn) ehloResponse() {
	c.writef("250-%s", aox.Conf.Hostname)
	c.writef("250-PIPELINING")
	c.writef("250-8BITMIME")
	c.writef("250-ENHANCEDSTATUSCODES")
	if !c.lmtp {
		c.writef("250-AUTH PLAIN LOGIN")
	}
	c.writef("250 SIZE %d", maxMessageSize)
}

// cmdAuth handles submission authentication with PLAIN or LOGIN.
func (c *conn) cmdAuth(rest string) {
	if c.lmtp {
		c.writef("503 5.5.1 no auth on lmtp")
		return
	}
	if c.user != nil {
		c.writef("503 5.5.1 already authenticated")
		return
	}
	mech, initial, _ := strings.Cut(rest, " ")

	xdecode := func(s string) (string, bool) {
		buf, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			c.writef("501 5.5.2 bad base64")
			return "", false
		}
		return string(buf), true
	}
	readResponse := func(prompt string) (string, bool) {
		c.writef("334 %s", base64.StdEncoding.EncodeToString([]byte(prompt)))
		line := c.readline()
		if line == "*" {
			c.writef("501 5.0.0 authentication aborted")
			return "", false
		}
		return xdecode(line)
	}

	var login, password string
	switch strings.ToUpper(mech) {
	case "PLAIN":
		resp := initial
		if resp == "" {
			var ok bool
			if resp, ok = readResponse(""); !ok {
				return
			}
		} else if decoded, ok := xdecode(resp); ok {
			resp = decoded
		} else {
			return
		}
		parts := strings.Split(resp, "\x00")
		if len(parts) != 3 {
			c.writef("501 5.5.2 bad plain auth data")
			return
		}
		if parts[0] != "" && parts[0] != parts[1] {
			c.writef("535 5.7.8 cannot assume role")
			return
		}
		login, password = parts[1], parts[2]
	case "LOGIN":
		var ok bool
		if login, ok = readResponse("Username:"); !ok {
			return
		}
		if password, ok = readResponse("Password:"); !ok {
			return
		}
	default:
		c.writef("504 5.5.4 unknown mechanism")
		return
	}

	u, err := store.UserLogin(c.xcontext(), login, password)
	if err != nil {
		metrics.AuthenticationInc("submission", strings.ToLower(mech), "badcreds")
		c.log.Info("authentication failed", slog.String("username", login))
		c.writef("535 5.7.8 bad credentials")
		return
	}
	metrics.AuthenticationInc("submission", strings.ToLower(mech), "ok")
	c.user = u
	c.writef("235 2.7.0 authenticated")
}

// xaddress parses the <path> of MAIL FROM/RCPT TO.
func xaddress(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "<") {
		return "", false
	}
	end := strings.Index(s, ">")
	if end < 0 {
		return "", false
	}
	return s[1:end], true
}

func (c *conn) cmdMail(rest string) {
	if c.hello == "" {
		c.writef("503 5.5.1 helo first")
		return
	}
	if c.mailFrom != "" {
		c.writef("503 5.5.1 nested mail")
		return
	}
	upper := strings.ToUpper(rest)
	if !strings.HasPrefix(upper, "FROM:") {
		c.writef("501 5.5.4 expected from:")
		return
	}
	addr, ok := xaddress(rest[len("FROM:"):])
	if !ok {
		c.writef("501 5.1.7 bad sender address")
		return
	}
	if c.mailFrom == "" && addr == "" {
		// Null sender, for bounces.
		addr = "<>"
	}
	c.mailFrom = addr
	c.writef("250 2.1.0 ok")
}

func (c *conn) cmdRcpt(rest string) {
	if c.mailFrom == "" {
		c.writef("503 5.5.1 mail first")
		return
	}
	upper := strings.ToUpper(rest)
	if !strings.HasPrefix(upper, "TO:") {
		c.writef("501 5.5.4 expected to:")
		return
	}
	addr, ok := xaddress(rest[len("TO:"):])
	if !ok || addr == "" {
		c.writef("501 5.1.3 bad recipient address")
		return
	}

	localpart, _, _ := strings.Cut(addr, "@")
	if _, err := store.UserFind(c.xcontext(), localpart); err != nil {
		c.writef("550 5.1.1 no such user")
		return
	}
	c.rcpts = append(c.rcpts, addr)
	c.writef("250 2.1.5 ok")
}

func (c *conn) cmdData() {
	if len(c.rcpts) == 0 {
		c.writef("503 5.5.1 rcpt first")
		return
	}
	c.writef("354 end with <crlf>.<crlf>")

	raw, err := c.readData()
	if err != nil {
		c.writef("552 5.3.4 %v", err)
		c.reset()
		return
	}

	// Each recipient's active sieve script decides what happens. For lmtp,
	// each recipient gets its own status line.
	for _, rcpt := range c.rcpts {
		err := c.deliver(rcpt, raw)
		if c.lmtp {
			if err != nil {
				c.writef("550 5.0.0 <%s> %v", rcpt, err)
			} else {
				c.writef("250 2.0.0 <%s> delivered", rcpt)
			}
		} else if err != nil {
			c.log.Errorx("delivery failed", err, slog.String("rcpt", rcpt))
		}
	}
	if !c.lmtp {
		c.writef("250 2.0.0 accepted")
	}
	c.reset()
}

// readData reads the dot-stuffed message until the final ".".
func (c *conn) readData() ([]byte, error) {
	var b strings.Builder
	for {
		line := c.readline()
		if line == "." {
			return []byte(b.String()), nil
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		if b.Len()+len(line)+2 > maxMessageSize {
			return nil, fmt.Errorf("message too large")
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
}

// deliver runs the recipient's sieve filter and executes the actions.
func (c *conn) deliver(rcpt string, raw []byte) error {
	ctx := c.xcontext()
	localpart, _, _ := strings.Cut(rcpt, "@")
	u, err := store.UserFind(ctx, localpart)
	if err != nil {
		return fmt.Errorf("no such user")
	}

	env := sieve.Envelope{
		From:  c.mailFrom,
		To:    rcpt,
		Home:  u.Home() + "/",
		Inbox: u.Home() + "/INBOX",
	}

	actions := []sieve.Action{{Kind: sieve.FileInto, Mailbox: env.Inbox}}
	text, err := store.ActiveScript(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("loading sieve script: %v", err)
	}
	if text != "" {
		script, err := sieve.Parse(text)
		if err != nil {
			// A script that no longer parses must not lose mail; fall back
			// to the inbox.
			c.log.Errorx("stored sieve script does not parse, keeping to inbox", err, slog.String("user", u.Login))
		} else {
			actions = script.Evaluate(env, sieve.NewMessage(raw))
		}
	}

	for _, a := range actions {
		metricDelivery.WithLabelValues(a.Kind.String()).Inc()
		switch a.Kind {
		case sieve.FileInto:
			mb, err := store.MailboxFind(ctx, a.Mailbox)
			if err != nil {
				// The script names a mailbox that has disappeared; the
				// fallback is the inbox.
				mb, err = store.MailboxByID(ctx, u.InboxID)
				if err != nil {
					return fmt.Errorf("finding mailbox: %v", err)
				}
			}
			uid, modseq, err := store.Deliver(ctx, mb, raw, nil, time.Now())
			if err != nil {
				return fmt.Errorf("delivering: %v", err)
			}
			store.BroadcastChanges(mb.ID, []store.Change{store.ChangeAddUID{MailboxID: mb.ID, UID: uid, ModSeq: modseq}})

		case sieve.Redirect:
			queue.Add(c.log, c.mailFrom, a.Address, raw)

		case sieve.Reject:
			return fmt.Errorf("rejected by sieve filter: %s", a.Message)

		case sieve.Discard:
			c.log.Info("message discarded by sieve filter", slog.String("user", u.Login))

		case sieve.Vacation:
			queue.AddVacation(c.log, rcpt, c.mailFrom, a)

		case sieve.Error:
			return fmt.Errorf("sieve error: %s", a.Message)
		}
	}
	return nil
}

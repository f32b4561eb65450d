// Package pop3server implements the RFC 1939 subset on top of the same
// session model the imap server uses: the maildrop is the user's inbox,
// DELE marks a message for deletion within the pop3 session, and QUIT sets
// \Deleted on the marked messages and expunges them.
package pop3server

import (
	"bufio"
	"context"
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
	"github.com/aox/aox/store"
)

var metricConnection = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "aox_pop3_connection_total",
		Help: "Incoming POP3 connections.",
	},
)

var errIO = errors.New("io error")

type conn struct {
	cid  int64
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	log  alog.Log

	username string
	user     *store.User
	sess     *store.Session
	infos    []store.MessageInfo
	deleted  map[store.UID]bool
}

// Listen initializes the pop3 listeners.
func Listen() {
	names := maps.Keys(aox.Conf.Listeners)
	sort.Strings(names)
	for _, name := range names {
		listener := aox.Conf.Listeners[name]
		if !listener.POP3.Enabled {
			continue
		}
		port := config.Port(listener.POP3.Port, 110)
		for _, ip := range listener.IPs {
			listen1(name, ip, port)
		}
	}
}

var servers []func()

func listen1(listenerName, ip string, port int) {
	log := alog.New("pop3server", nil)
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	ln, err := aox.Listen(aox.Network(ip), addr)
	if err != nil {
		log.Fatalx("pop3: listen", err, slog.String("addr", addr))
	}
	log.Print("listening for pop3", slog.String("listener", listenerName), slog.String("addr", addr))

	serves := func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				log.Infox("pop3: accept", err)
				continue
			}
			metricConnection.Inc()
			go serve(listenerName, aox.Cid(), nc)
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

func serve(listenerName string, cid int64, nc net.Conn) {
	c := &conn{
		cid:     cid,
		conn:    nc,
		deleted: map[store.UID]bool{},
	}
	c.log = alog.New("pop3server", nil).WithCid(cid)
	c.br = bufio.NewReader(aoxio.NewTraceReader(c.log, "C: ", nc))
	c.bw = bufio.NewWriter(aoxio.NewTraceWriter(c.log, "S: ", nc))

	c.log.Info("new connection", slog.Any("remote", nc.RemoteAddr()), slog.String("listener", listenerName))

	defer func() {
		nc.Close()
		if c.sess != nil {
			c.sess.Close()
			c.sess = nil
		}
		x := recover()
		if x == nil {
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && (errors.Is(err, errIO) || aoxio.IsClosed(err)) {
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Pop3server)
		}
	}()

	aox.Connections.Register(nc, "pop3", listenerName)
	defer aox.Connections.Unregister(nc)

	c.writef("+OK aox pop3 ready")
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
	err := c.conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
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

// msg returns the message for a 1-based pop3 number, or nil for bad or
// deleted numbers.
func (c *conn) msg(arg string) *store.MessageInfo {
	var n int
	for _, ch := range arg {
		if ch < '0' || ch > '9' {
			return nil
		}
		n = n*10 + int(ch-'0')
	}
	if n < 1 || n > len(c.infos) {
		return nil
	}
	mi := &c.infos[n-1]
	if c.deleted[mi.UID] {
		return nil
	}
	return mi
}

func (c *conn) command() {
	line := c.readline()
	verb, arg, _ := strings.Cut(line, " ")
	verb = strings.ToUpper(verb)

	if c.sess == nil {
		switch verb {
		case "USER":
			c.username = arg
			c.writef("+OK send pass")
		case "PASS":
			c.xpass(arg)
		case "CAPA":
			c.writef("+OK capabilities follow")
			c.writef("USER")
			c.writef("UIDL")
			c.writef("TOP")
			c.writef("PIPELINING")
			c.writef(".")
		case "QUIT":
			c.writef("+OK bye")
			panic(fmt.Errorf("quit (%w)", errIO))
		case "NOOP":
			c.writef("+OK")
		default:
			c.writef("-ERR authenticate first")
		}
		return
	}

	switch verb {
	case "STAT":
		n, size := 0, int64(0)
		for i := range c.infos {
			if !c.deleted[c.infos[i].UID] {
				n++
				size += c.infos[i].Size
			}
		}
		c.writef("+OK %d %d", n, size)

	case "LIST":
		if arg != "" {
			mi := c.msg(arg)
			if mi == nil {
				c.writef("-ERR no such message")
				return
			}
			c.writef("+OK %s %d", arg, mi.Size)
			return
		}
		c.writef("+OK scan listing follows")
		for i := range c.infos {
			if !c.deleted[c.infos[i].UID] {
				c.writef("%d %d", i+1, c.infos[i].Size)
			}
		}
		c.writef(".")

	case "UIDL":
		if arg != "" {
			mi := c.msg(arg)
			if mi == nil {
				c.writef("-ERR no such message")
				return
			}
			c.writef("+OK %s %d-%d", arg, c.sess.Mailbox.UIDValidity, mi.UID)
			return
		}
		c.writef("+OK uidl listing follows")
		for i := range c.infos {
			if !c.deleted[c.infos[i].UID] {
				c.writef("%d %d-%d", i+1, c.sess.Mailbox.UIDValidity, c.infos[i].UID)
			}
		}
		c.writef(".")

	case "RETR", "TOP":
		var lines int
		if verb == "TOP" {
			a, b, ok := strings.Cut(arg, " ")
			if !ok {
				c.writef("-ERR top wants msg and lines")
				return
			}
			arg = a
			for _, ch := range b {
				if ch < '0' || ch > '9' {
					c.writef("-ERR bad line count")
					return
				}
				lines = lines*10 + int(ch-'0')
			}
		}
		mi := c.msg(arg)
		if mi == nil {
			c.writef("-ERR no such message")
			return
		}
		raw, err := store.MessageRaw(c.xcontext(), mi.MessageID)
		if err != nil {
			c.writef("-ERR loading message")
			return
		}
		c.writef("+OK message follows")
		c.writeData(raw, verb == "TOP", lines)
		c.writef(".")

	case "DELE":
		mi := c.msg(arg)
		if mi == nil {
			c.writef("-ERR no such message")
			return
		}
		c.deleted[mi.UID] = true
		c.writef("+OK marked for deletion")

	case "RSET":
		c.deleted = map[store.UID]bool{}
		c.writef("+OK")

	case "NOOP":
		c.writef("+OK")

	case "QUIT":
		c.xquit()

	default:
		c.writef("-ERR unknown command %q", verb)
	}
}

func (c *conn) xpass(password string) {
	if c.username == "" {
		c.writef("-ERR user first")
		return
	}
	ctx := c.xcontext()
	u, err := store.UserLogin(ctx, c.username, password)
	if err != nil {
		metrics.AuthenticationInc("pop3", "user", "badcreds")
		c.log.Info("authentication failed", slog.String("username", c.username))
		c.writef("-ERR bad credentials")
		return
	}
	metrics.AuthenticationInc("pop3", "user", "ok")

	mb, err := store.MailboxByID(ctx, u.InboxID)
	if err != nil {
		c.writef("-ERR opening maildrop")
		return
	}
	sess, err := store.NewSession(ctx, mb, false)
	if err != nil {
		c.writef("-ERR opening maildrop")
		return
	}
	infos, err := store.MessageInfos(ctx, mb.ID, sess.UIDs())
	if err != nil {
		sess.Close()
		c.writef("-ERR loading maildrop")
		return
	}
	c.user = u
	c.sess = sess
	c.infos = infos
	c.writef("+OK maildrop has %d messages", len(infos))
}

// writeData writes a message byte-stuffed, optionally truncated to a number
// of body lines for TOP.
func (c *conn) writeData(raw []byte, top bool, bodyLines int) {
	inBody := false
	n := 0
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		if top && inBody {
			if n >= bodyLines {
				break
			}
			n++
		}
		if line == "" && !inBody {
			inBody = true
		}
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		c.writef("%s", line)
	}
}

// xquit expunges the messages marked for deletion and closes the session.
func (c *conn) xquit() {
	ctx := c.xcontext()
	if len(c.deleted) > 0 {
		var uids []store.UID
		for uid := range c.deleted {
			uids = append(uids, uid)
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

		// Mark and expunge in one pass, like an imap CLOSE.
		_, _, err := store.StoreFlags(ctx, c.sess.Mailbox, uids, store.FlagsAdd, []string{`\Deleted`}, -1)
		if err == nil {
			var expunged []store.UID
			var modseq store.ModSeq
			expunged, modseq, err = store.Expunge(ctx, c.sess.Mailbox, uids)
			if err == nil && len(expunged) > 0 {
				c.sess.Comm.Broadcast([]store.Change{store.ChangeRemoveUIDs{MailboxID: c.sess.Mailbox.ID, UIDs: expunged, ModSeq: modseq}})
			}
		}
		if err != nil {
			c.log.Errorx("expunging on quit", err)
			c.writef("-ERR expunge failed")
			return
		}
	}
	c.sess.Close()
	c.sess = nil
	c.writef("+OK bye")
	panic(fmt.Errorf("quit (%w)", errIO))
}

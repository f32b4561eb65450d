// Package sieveserver implements the ManageSieve protocol
// (draft-martin-managesieve-06) for uploading, listing, activating and
// deleting the sieve scripts the delivery path runs.
package sieveserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
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
	"github.com/aox/aox/pgwire"
	"github.com/aox/aox/sieve"
	"github.com/aox/aox/store"
)

var metricSieveConnection = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "aox_managesieve_connection_total",
		Help: "Incoming ManageSieve connections.",
	},
)

// maxScriptSize bounds PUTSCRIPT/HAVESPACE sizes.
const maxScriptSize = 1024 * 1024

var errIO = errors.New("io error")

type conn struct {
	cid       int64
	conn      net.Conn
	tls       bool
	br        *bufio.Reader
	bw        *bufio.Writer
	tr        *aoxio.TraceReader
	tw        *aoxio.TraceWriter
	log       alog.Log
	tlsConfig *tls.Config
	user      *store.User
}

// no panics with this value: the command failed, with the message already
// written.
type noError struct{ msg string }

func xno(format string, args ...any) {
	panic(noError{fmt.Sprintf(format, args...)})
}

// Listen initializes the managesieve listeners from the configuration.
func Listen() {
	names := maps.Keys(aox.Conf.Listeners)
	sort.Strings(names)
	for _, name := range names {
		listener := aox.Conf.Listeners[name]
		if !listener.ManageSieve.Enabled {
			continue
		}
		port := config.Port(listener.ManageSieve.Port, 4190)
		for _, ip := range listener.IPs {
			listen1(name, ip, port)
		}
	}
}

var servers []func()

func listen1(listenerName, ip string, port int) {
	log := alog.New("sieveserver", nil)
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	ln, err := aox.Listen(aox.Network(ip), addr)
	if err != nil {
		log.Fatalx("managesieve: listen", err, slog.String("addr", addr))
	}
	log.Print("listening for managesieve", slog.String("listener", listenerName), slog.String("addr", addr))

	serves := func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				log.Infox("managesieve: accept", err)
				continue
			}
			metricSieveConnection.Inc()
			go serve(listenerName, aox.Cid(), conn)
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
		cid:       cid,
		conn:      nc,
		tlsConfig: aox.Conf.TLSConfig,
	}
	c.log = alog.New("sieveserver", nil).WithCid(cid)
	c.tr = aoxio.NewTraceReader(c.log, "C: ", nc)
	c.tw = aoxio.NewTraceWriter(c.log, "S: ", nc)
	c.br = bufio.NewReader(c.tr)
	c.bw = bufio.NewWriter(c.tw)

	c.log.Info("new connection", slog.Any("remote", nc.RemoteAddr()), slog.String("listener", listenerName))

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
			metrics.PanicInc(metrics.Sieveserver)
		}
	}()

	aox.Connections.Register(nc, "managesieve", listenerName)
	defer aox.Connections.Unregister(nc)

	c.capabilities()
	c.ok("")

	for {
		c.command()
	}
}

// capabilities writes the capability list. Some clients demand
// IMPLEMENTATION first.
func (c *conn) capabilities() {
	c.writef("\"IMPLEMENTATION\" \"aox\"\r\n")
	c.writef("\"SIEVE\" %s\r\n", quoted(strings.Join(sieve.Extensions(), " ")))
	c.writef("\"SASL\" \"PLAIN LOGIN\"\r\n")
	if !c.tls && c.tlsConfig != nil {
		c.writef("\"STARTTLS\"\r\n")
	}
}

func (c *conn) writef(format string, args ...any) {
	fmt.Fprintf(c.bw, format, args...)
}

func (c *conn) flush() {
	if err := c.bw.Flush(); err != nil {
		panic(fmt.Errorf("flush: %s (%w)", err, errIO))
	}
}

func (c *conn) ok(msg string) {
	if msg == "" {
		c.writef("OK\r\n")
	} else {
		c.writef("OK %s\r\n", quoted(msg))
	}
	c.flush()
}

func (c *conn) no(msg string) {
	if msg == "" {
		c.writef("NO\r\n")
	} else {
		c.writef("NO %s\r\n", quoted(msg))
	}
	c.flush()
}

func quoted(s string) string {
	r := `"`
	for _, ch := range s {
		if ch == '"' || ch == '\\' {
			r += `\`
		}
		r += string(ch)
	}
	return r + `"`
}

// literal writes a string as a non-synchronising literal. Quoted literal
// responses confuse some clients, so strings with any interesting content
// go out in literal form.
func (c *conn) literal(s string) {
	c.writef("{%d+}\r\n%s", len(s), s)
}

var bufpool = aoxio.NewBufpool(8, 16*1024)

func (c *conn) readline() string {
	err := c.conn.SetReadDeadline(time.Now().Add(30 * time.Minute))
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

// args tokenizes the rest of a command line: atoms, quoted strings, and
// literals continued on following lines.
func (c *conn) args(line string) []string {
	var l []string
	for {
		line = strings.TrimLeft(line, " ")
		if line == "" {
			return l
		}
		switch line[0] {
		case '"':
			var b strings.Builder
			i := 1
			for i < len(line) {
				ch := line[i]
				if ch == '\\' && i+1 < len(line) {
					b.WriteByte(line[i+1])
					i += 2
					continue
				}
				if ch == '"' {
					break
				}
				b.WriteByte(ch)
				i++
			}
			if i >= len(line) {
				xno("unterminated string")
			}
			l = append(l, b.String())
			line = line[i+1:]
		case '{':
			end := strings.Index(line, "}")
			if end < 0 || end != len(line)-1 {
				xno("bad literal")
			}
			spec := line[1:end]
			spec = strings.TrimSuffix(spec, "+")
			var size int64
			for _, ch := range spec {
				if ch < '0' || ch > '9' {
					xno("bad literal size")
				}
				size = size*10 + int64(ch-'0')
			}
			if size > maxScriptSize {
				xno("literal too large")
			}
			buf := make([]byte, size)
			if _, err := io.ReadFull(c.br, buf); err != nil {
				panic(fmt.Errorf("reading literal: %s (%w)", err, errIO))
			}
			l = append(l, string(buf))
			line = c.readline()
		default:
			i := strings.IndexByte(line, ' ')
			if i < 0 {
				l = append(l, line)
				line = ""
			} else {
				l = append(l, line[:i])
				line = line[i:]
			}
		}
	}
}

func (c *conn) command() {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if ne, ok := x.(noError); ok {
			c.no(ne.msg)
			return
		}
		panic(x)
	}()

	line := c.readline()
	if line == "" {
		xno("empty command")
	}
	fields := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(fields[0])
	rest := ""
	if len(fields) == 2 {
		rest = fields[1]
	}

	switch cmd {
	case "CAPABILITY":
		c.capabilities()
		c.ok("")

	case "NOOP":
		c.ok("")

	case "LOGOUT":
		c.ok("bye")
		panic(fmt.Errorf("logout (%w)", errIO))

	case "STARTTLS":
		c.xstarttls()

	case "AUTHENTICATE":
		c.xauthenticate(c.args(rest))

	case "HAVESPACE":
		args := c.args(rest)
		c.xcheckAuth()
		if len(args) != 2 {
			xno("havespace wants a name and a size")
		}
		// All sizes below the script bound fit.
		var size int64
		for _, ch := range args[1] {
			if ch < '0' || ch > '9' {
				xno("bad size")
			}
			size = size*10 + int64(ch-'0')
		}
		if size > maxScriptSize {
			xno("script too large")
		}
		c.ok("")

	case "PUTSCRIPT":
		c.xputscript(c.args(rest))

	case "LISTSCRIPTS":
		c.xcheckAuth()
		scripts, err := store.ScriptList(c.xcontext(), c.user.ID)
		if err != nil {
			xno("listing scripts: %v", err)
		}
		for _, s := range scripts {
			c.literal(s.Name)
			if s.Active {
				c.writef(" ACTIVE\r\n")
			} else {
				c.writef("\r\n")
			}
		}
		c.ok("")

	case "SETACTIVE":
		args := c.args(rest)
		c.xcheckAuth()
		if len(args) != 1 {
			xno("setactive wants a script name")
		}
		if err := store.ScriptSetActive(c.xcontext(), c.user.ID, args[0]); err != nil {
			xno("%v", err)
		}
		c.ok("")

	case "GETSCRIPT":
		args := c.args(rest)
		c.xcheckAuth()
		if len(args) != 1 {
			xno("getscript wants a script name")
		}
		s, err := store.ScriptGet(c.xcontext(), c.user.ID, args[0])
		if err != nil {
			xno("%v", err)
		}
		c.literal(s.Text)
		c.writef("\r\n")
		c.ok("")

	case "DELETESCRIPT":
		args := c.args(rest)
		c.xcheckAuth()
		if len(args) != 1 {
			xno("deletescript wants a script name")
		}
		if err := store.ScriptDelete(c.xcontext(), c.user.ID, args[0]); err != nil {
			xno("%v", err)
		}
		c.ok("")

	default:
		xno("unknown command %s", cmd)
	}
}

func (c *conn) xcheckAuth() {
	if c.user == nil {
		xno("authenticate first")
	}
}

func (c *conn) xstarttls() {
	if c.tls {
		xno("tls already active")
	}
	if c.tlsConfig == nil {
		xno("starttls not available")
	}
	c.ok("begin tls now")

	conn := net.Conn(c.conn)
	if n := c.br.Buffered(); n > 0 {
		buf := make([]byte, n)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			panic(fmt.Errorf("reading buffered data for tls: %s (%w)", err, errIO))
		}
		conn = &aoxio.PrefixConn{Prefix: buf, Conn: c.conn}
	}
	tlsConn := tls.Server(conn, c.tlsConfig)
	ctx, cancel := context.WithTimeout(aox.Context, time.Minute)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		panic(fmt.Errorf("starttls handshake: %s (%w)", err, errIO))
	}
	c.conn = tlsConn
	c.tr = aoxio.NewTraceReader(c.log, "C: ", c.conn)
	c.tw = aoxio.NewTraceWriter(c.log, "S: ", c.conn)
	c.br = bufio.NewReader(c.tr)
	c.bw = bufio.NewWriter(c.tw)
	c.tls = true

	// Capabilities are reannounced after the handshake.
	c.capabilities()
	c.ok("")
}

func (c *conn) xauthenticate(args []string) {
	if c.user != nil {
		xno("already authenticated")
	}
	if len(args) == 0 {
		xno("authenticate wants a mechanism")
	}
	mech := strings.ToUpper(args[0])

	xdecode := func(s string) []byte {
		buf, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			xno("bad base64: %v", err)
		}
		return buf
	}
	readResponse := func() []byte {
		line := c.readline()
		if line == "*" {
			xno("authentication aborted")
		}
		// The response is a string (quoted or literal).
		l := c.args(line)
		if len(l) != 1 {
			xno("expected one authentication response string")
		}
		return xdecode(l[0])
	}

	var login, password string
	switch mech {
	case "PLAIN":
		var buf []byte
		if len(args) > 1 {
			buf = xdecode(args[1])
		} else {
			c.writef("\"\"\r\n")
			c.flush()
			buf = readResponse()
		}
		parts := strings.Split(string(buf), "\x00")
		if len(parts) != 3 {
			xno("bad plain auth data")
		}
		if parts[0] != "" && parts[0] != parts[1] {
			xno("cannot assume role")
		}
		login, password = parts[1], parts[2]
	case "LOGIN":
		c.writef("%s\r\n", quoted(base64.StdEncoding.EncodeToString([]byte("Username:"))))
		c.flush()
		login = string(readResponse())
		c.writef("%s\r\n", quoted(base64.StdEncoding.EncodeToString([]byte("Password:"))))
		c.flush()
		password = string(readResponse())
	default:
		xno("unknown mechanism %s", mech)
	}

	u, err := store.UserLogin(c.xcontext(), login, password)
	if err != nil {
		metrics.AuthenticationInc("managesieve", strings.ToLower(mech), "badcreds")
		c.log.Info("authentication failed", slog.String("username", login))
		xno("authentication failed")
	}
	metrics.AuthenticationInc("managesieve", strings.ToLower(mech), "ok")
	c.user = u
	c.ok("authenticated")
}

// xputscript stores a script. Parse errors are reported to the client with
// the position. fileinto targets under the user's home that do not exist
// yet are created atomically with the script store; targets outside the
// home refuse the upload.
func (c *conn) xputscript(args []string) {
	c.xcheckAuth()
	if len(args) != 2 {
		xno("putscript wants a name and a script")
	}
	name, text := args[0], args[1]
	if name == "" {
		xno("empty script name")
	}

	script, err := sieve.Parse(text)
	if err != nil {
		xno("%v", err)
	}

	ctx := c.xcontext()

	var created []string
	for _, target := range script.FileIntoTargets() {
		full := target
		if !strings.HasPrefix(full, "/") {
			full = c.user.Home() + "/" + full
		}
		full = store.NormalizeMailboxName(full)
		if !c.user.Owns(full) {
			xno("fileinto target %q outside your mailboxes", target)
		}
		if _, err := store.MailboxFind(ctx, full); err == nil {
			continue
		}
		created = append(created, full)
	}

	err = store.ScriptPut(ctx, c.user.ID, name, text, func(tx *pgwire.Transaction) error {
		for _, full := range created {
			if _, err := store.MailboxCreate(ctx, tx, full, c.user.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		xno("storing script: %v", err)
	}

	if len(created) > 0 {
		var msgs []string
		for _, full := range created {
			msgs = append(msgs, fmt.Sprintf("Created mailbox %q.", full))
		}
		c.ok(strings.Join(msgs, " "))
		return
	}
	c.ok("")
}

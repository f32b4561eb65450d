// Package imapserver implements the IMAP4rev1 server (RFC 3501) with the
// extensions LITERAL+, IDLE, SASL-IR, UNSELECT, NAMESPACE, ID, ENABLE,
// UIDPLUS, CONDSTORE, SORT, THREAD and COMPRESS=DEFLATE, on top of the
// mailbox store and the search compiler.
//
// One goroutine serves each connection; commands execute one at a time.
// Untagged updates from other sessions (deliveries, flag changes, expunges)
// arrive through the store switchboard and are written at command
// boundaries where the protocol permits: never during a FETCH/STORE/SEARCH
// that addresses messages by sequence number, since an EXPUNGE would
// renumber them under the client.
package imapserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"golang.org/x/exp/maps"

	"github.com/mjl-/flate"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aox/aox/alog"
	"github.com/aox/aox/aoxio"
	aox "github.com/aox/aox/aox-"
	"github.com/aox/aox/config"
	"github.com/aox/aox/metrics"
	"github.com/aox/aox/ratelimit"
	"github.com/aox/aox/store"
)

var (
	metricIMAPConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aox_imap_connection_total",
			Help: "Incoming IMAP connections.",
		},
		[]string{
			"service", // imap, imaps
		},
	)
	metricIMAPCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aox_imap_command_duration_seconds",
			Help:    "IMAP command duration and result codes in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
		},
		[]string{
			"cmd",
			"result", // ok, panic, ioerror, badsyntax, servererror, usererror, error
		},
	)
)

// Delay after authentication failure. Tests set this to zero.
var authFailDelay = time.Second

// Limits on new connections and concurrently open connections per client
// address and its surrounding networks.
var limiterConnectionrate = &ratelimit.Limiter{
	WindowLimits: []ratelimit.WindowLimit{
		{
			Window: time.Minute,
			Limits: [...]int64{300, 900, 2700},
		},
	},
}
var limiterConnections = &ratelimit.Limiter{
	WindowLimits: []ratelimit.WindowLimit{
		{
			Window: time.Duration(math.MaxInt64), // All of time.
			Limits: [...]int64{30, 90, 270},
		},
	},
}

const serverCapabilities = "IMAP4rev1 LITERAL+ IDLE SASL-IR UNSELECT NAMESPACE ID ENABLE UIDPLUS CONDSTORE SORT THREAD=ORDEREDSUBJECT THREAD=REFERENCES COMPRESS=DEFLATE UTF8=ACCEPT"

type conn struct {
	cid               int64
	state             state
	conn              net.Conn
	tls               bool
	compress          bool // Whether deflate filters are installed.
	br                *bufio.Reader
	line              chan lineErr // When set, a line is read from this channel instead of br, for IDLE.
	lastLine          string       // For detecting whether a syntax error is fatal, i.e. the line announced a non-sync literal.
	bw                *bufio.Writer
	tr                *aoxio.TraceReader
	tw                *aoxio.TraceWriter
	flateWriter       *aoxio.FlateWriter // Outbound deflate, sync-flushed on xflush, when compress is set.
	lastlog           time.Time          // For printing the time since the previous log line.
	tlsConfig         *tls.Config
	remoteIP          net.IP
	noRequireSTARTTLS bool
	cmd               string // Currently executing command, for deciding to apply changes and for logging.
	cmdMetric         string
	cmdStart          time.Time
	ncmds             int // Number of commands processed, for rejecting non-IMAP speakers early.
	log               alog.Log
	enabled           map[capability]bool

	authFailed int
	user       *store.User
	sess       *store.Session
}

type capability string

const (
	capUTF8Accept capability = "UTF8=ACCEPT"
	capCondstore  capability = "CONDSTORE"
)

type lineErr struct {
	line string
	err  error
}

type state byte

const (
	stateNotAuthenticated state = iota
	stateAuthenticated
	stateSelected
)

func stateCommands(cmds ...string) map[string]struct{} {
	r := map[string]struct{}{}
	for _, cmd := range cmds {
		r[cmd] = struct{}{}
	}
	return r
}

var (
	commandsStateAny              = stateCommands("capability", "noop", "logout", "id")
	commandsStateNotAuthenticated = stateCommands("starttls", "authenticate", "login")
	commandsStateAuthenticated    = stateCommands("enable", "select", "examine", "create", "delete", "rename", "subscribe", "unsubscribe", "list", "lsub", "namespace", "status", "append", "idle", "compress")
	commandsStateSelected         = stateCommands("check", "close", "unselect", "expunge", "search", "fetch", "store", "copy", "sort", "thread", "uid expunge", "uid search", "uid fetch", "uid store", "uid copy", "uid sort", "uid thread")
)

var commands = map[string]func(c *conn, tag, cmd string, p *parser){
	// Any state.
	"capability": (*conn).cmdCapability,
	"noop":       (*conn).cmdNoop,
	"logout":     (*conn).cmdLogout,
	"id":         (*conn).cmdID,

	// Not authenticated.
	"starttls":     (*conn).cmdStarttls,
	"authenticate": (*conn).cmdAuthenticate,
	"login":        (*conn).cmdLogin,

	// Authenticated and selected.
	"enable":      (*conn).cmdEnable,
	"select":      (*conn).cmdSelect,
	"examine":     (*conn).cmdExamine,
	"create":      (*conn).cmdCreate,
	"delete":      (*conn).cmdDelete,
	"rename":      (*conn).cmdRename,
	"subscribe":   (*conn).cmdSubscribe,
	"unsubscribe": (*conn).cmdUnsubscribe,
	"list":        (*conn).cmdList,
	"lsub":        (*conn).cmdLsub,
	"namespace":   (*conn).cmdNamespace,
	"status":      (*conn).cmdStatus,
	"append":      (*conn).cmdAppend,
	"idle":        (*conn).cmdIdle,
	"compress":    (*conn).cmdCompress,

	// Selected.
	"check":       (*conn).cmdCheck,
	"close":       (*conn).cmdClose,
	"unselect":    (*conn).cmdUnselect,
	"expunge":     (*conn).cmdExpunge,
	"uid expunge": (*conn).cmdUIDExpunge,
	"search":      (*conn).cmdSearch,
	"uid search":  (*conn).cmdUIDSearch,
	"fetch":       (*conn).cmdFetch,
	"uid fetch":   (*conn).cmdUIDFetch,
	"store":       (*conn).cmdStore,
	"uid store":   (*conn).cmdUIDStore,
	"copy":        (*conn).cmdCopy,
	"uid copy":    (*conn).cmdUIDCopy,
	"sort":        (*conn).cmdSort,
	"uid sort":    (*conn).cmdUIDSort,
	"thread":      (*conn).cmdThread,
	"uid thread":  (*conn).cmdUIDThread,
}

var errIO = fmt.Errorf("io error")             // For read/write errors and other reasons to close the connection.
var errProtocol = fmt.Errorf("protocol error") // For protocol errors that deserve a stack trace.

type msgseq uint32

// Listen initializes the imap listeners from the configuration, for Serve
// to start.
func Listen() {
	names := maps.Keys(aox.Conf.Listeners)
	sort.Strings(names)
	for _, name := range names {
		listener := aox.Conf.Listeners[name]

		if listener.IMAP.Enabled {
			port := config.Port(listener.IMAP.Port, 143)
			for _, ip := range listener.IPs {
				listen1("imap", name, ip, port, false, listener.IMAP.NoRequireSTARTTLS)
			}
		}
		if listener.IMAPS.Enabled {
			port := config.Port(listener.IMAPS.Port, 993)
			for _, ip := range listener.IPs {
				listen1("imaps", name, ip, port, true, false)
			}
		}
	}
}

var servers []func()

func listen1(protocol, listenerName, ip string, port int, xtls, noRequireSTARTTLS bool) {
	log := alog.New("imapserver", nil)
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	ln, err := aox.Listen(aox.Network(ip), addr)
	if err != nil {
		log.Fatalx("imap: listen", err, slog.String("protocol", protocol), slog.String("listener", listenerName))
	}
	log.Print("listening for imap", slog.String("listener", listenerName), slog.String("addr", addr), slog.String("protocol", protocol))
	if xtls {
		ln = tls.NewListener(ln, aox.Conf.TLSConfig)
	}

	serves := func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				log.Infox("imap: accept", err, slog.String("protocol", protocol))
				continue
			}
			metricIMAPConnection.WithLabelValues(protocol).Inc()
			go serve(listenerName, aox.Cid(), aox.Conf.TLSConfig, conn, xtls, noRequireSTARTTLS)
		}
	}
	servers = append(servers, serves)
}

// Serve starts serving on all listeners, a goroutine per listener.
func Serve() {
	for _, s := range servers {
		go s()
	}
	servers = nil
}

// utf8strings returns whether this connection accepts utf-8 in strings.
func (c *conn) utf8strings() bool {
	return c.enabled[capUTF8Accept]
}

// unselect closes the selected mailbox, back to authenticated state. Does
// not remove messages marked for deletion.
func (c *conn) unselect() {
	if c.state == stateSelected {
		c.state = stateAuthenticated
	}
	if c.sess != nil {
		c.sess.Close()
		c.sess = nil
	}
}

// Write makes the connection an io.Writer, panicking on i/o errors so the
// command loop can handle them in one place.
func (c *conn) Write(buf []byte) (int, error) {
	err := c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	c.log.Check(err, "setting write deadline")

	n, err := c.conn.Write(buf)
	if err != nil {
		panic(fmt.Errorf("write: %s (%w)", err, errIO))
	}
	return n, nil
}

func (c *conn) xtrace(level slog.Level) func() {
	c.xflush()
	c.tr.SetTrace(level)
	c.tw.SetTrace(level)
	return func() {
		c.xflush()
		c.tr.SetTrace(alog.LevelTrace)
		c.tw.SetTrace(alog.LevelTrace)
	}
}

// Line buffers for reading commands. QRESYNC recommends 8k max line length.
var bufpool = aoxio.NewBufpool(8, 16*1024)

// readline0 reads a line directly from the buffered reader.
func (c *conn) readline0() (string, error) {
	d := 30 * time.Minute
	if c.state == stateNotAuthenticated {
		d = 30 * time.Second
	}
	err := c.conn.SetReadDeadline(time.Now().Add(d))
	c.log.Check(err, "setting read deadline")

	line, err := bufpool.Readline(c.log, c.br)
	if err != nil && errors.Is(err, aoxio.ErrLineTooLong) {
		return "", fmt.Errorf("%s (%w)", err, errProtocol)
	} else if err != nil {
		return "", fmt.Errorf("%s (%w)", err, errIO)
	}
	return line, nil
}

// lineChan starts a goroutine reading one line, for waiting on input and
// mailbox updates at the same time during IDLE.
func (c *conn) lineChan() chan lineErr {
	if c.line == nil {
		c.line = make(chan lineErr, 1)
		go func() {
			line, err := c.readline0()
			c.line <- lineErr{line, err}
		}()
	}
	return c.line
}

// readline reads a line from the channel if one is pending, otherwise from
// the connection.
func (c *conn) readline(readCmd bool) string {
	var line string
	var err error
	if c.line != nil {
		le := <-c.line
		c.line = nil
		line, err = le.line, le.err
	} else {
		line, err = c.readline0()
	}
	if err != nil {
		if readCmd && errors.Is(err, os.ErrDeadlineExceeded) {
			derr := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.log.Check(derr, "setting write deadline")
			c.writelinef("* BYE inactive")
		}
		if !errors.Is(err, errIO) && !errors.Is(err, errProtocol) {
			err = fmt.Errorf("%s (%w)", err, errIO)
		}
		panic(err)
	}
	c.lastLine = line

	// We typically respond immediately (IDLE is the exception). The client
	// may not be reading or may be gone; don't hold output forever.
	wd := 5 * time.Minute
	if c.state == stateNotAuthenticated {
		wd = 30 * time.Second
	}
	err = c.conn.SetWriteDeadline(time.Now().Add(wd))
	c.log.Check(err, "setting write deadline")

	return line
}

// writeresultf writes a tagged command response, first writing any pending
// untagged updates the protocol allows here.
func (c *conn) writeresultf(format string, args ...any) {
	c.bwriteresultf(format, args...)
	c.xflush()
}

func (c *conn) bwriteresultf(format string, args ...any) {
	switch c.cmd {
	case "fetch", "store", "search", "sort", "thread":
		// Not while the client is addressing messages by sequence number:
		// an expunge would renumber under it, RFC 7162.
	default:
		if c.sess != nil {
			c.applyChanges(c.sess.Comm.Get(), false)
		}
	}
	c.bwritelinef(format, args...)
}

func (c *conn) writelinef(format string, args ...any) {
	c.bwritelinef(format, args...)
	c.xflush()
}

func (c *conn) bwritelinef(format string, args ...any) {
	format += "\r\n"
	fmt.Fprintf(c.bw, format, args...)
}

func (c *conn) xflush() {
	err := c.bw.Flush()
	xcheckf(err, "flush")
	if c.flateWriter != nil {
		// Sync-flush after every write so the peer can decompress what it
		// has, preserving interactivity.
		err := c.flateWriter.Flush()
		xcheckf(err, "flush deflate")
	}
}

func (c *conn) readCommand(tag *string) (cmd string, p *parser) {
	line := c.readline(true)
	p = newParser(line, c)
	p.context("tag")
	*tag = p.xtag()
	p.context("command")
	p.xspace()
	cmd = p.xcommand()
	return cmd, newParser(p.remainder(), c)
}

func (c *conn) xreadliteral(size int64, sync bool) string {
	if sync {
		c.writelinef("+ ")
	}
	buf := make([]byte, size)
	if size > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
			c.log.Errorx("setting read deadline", err)
		}
		_, err := io.ReadFull(c.br, buf)
		if err != nil {
			panic(fmt.Errorf("reading literal: %s (%w)", err, errIO))
		}
	}
	return string(buf)
}

var cleanClose struct{} // Sentinel panic value for a clean connection close.

func serve(listenerName string, cid int64, tlsConfig *tls.Config, nc net.Conn, xtls, noRequireSTARTTLS bool) {
	var remoteIP net.IP
	if a, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = a.IP
	} else {
		// For net.Pipe, during tests.
		remoteIP = net.ParseIP("127.0.0.10")
	}

	c := &conn{
		cid:               cid,
		conn:              nc,
		tls:               xtls,
		lastlog:           time.Now(),
		tlsConfig:         tlsConfig,
		remoteIP:          remoteIP,
		noRequireSTARTTLS: noRequireSTARTTLS,
		enabled:           map[capability]bool{},
		cmd:               "(greeting)",
		cmdStart:          time.Now(),
	}
	c.log = alog.New("imapserver", nil).WithCid(cid).WithFunc(func() []slog.Attr {
		now := time.Now()
		l := []slog.Attr{
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		if c.user != nil {
			l = append(l, slog.String("username", c.user.Login))
		}
		return l
	})
	c.tr = aoxio.NewTraceReader(c.log, "C: ", c.conn)
	c.tw = aoxio.NewTraceWriter(c.log, "S: ", c)
	c.br = bufio.NewReader(c.tr)
	c.bw = bufio.NewWriter(c.tw)

	// Many IMAP connections sit in IDLE; keepalive detects broken ones.
	xconn := c.conn
	if xtls {
		xconn = c.conn.(*tls.Conn).NetConn()
	}
	if tcpconn, ok := xconn.(*net.TCPConn); ok {
		if err := tcpconn.SetKeepAlivePeriod(5 * time.Minute); err != nil {
			c.log.Errorx("setting keepalive period", err)
		} else if err := tcpconn.SetKeepAlive(true); err != nil {
			c.log.Errorx("enabling keepalive", err)
		}
	}

	c.log.Info("new connection",
		slog.Any("remote", c.conn.RemoteAddr()),
		slog.Any("local", c.conn.LocalAddr()),
		slog.Bool("tls", xtls),
		slog.String("listener", listenerName))

	defer func() {
		c.conn.Close()
		c.unselect()
		c.user = nil

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && isClosed(err) {
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Imapserver)
		}
	}()

	select {
	case <-aox.Shutdown.Done():
		c.writelinef("* BYE shutting down")
		return
	default:
	}

	if !limiterConnectionrate.Add(c.remoteIP, time.Now(), 1) {
		c.writelinef("* BYE connection rate from your ip or network too high, slow down please")
		return
	}
	if !limiterConnections.Add(c.remoteIP, time.Now(), 1) {
		c.log.Debug("refusing connection due to many open connections", slog.Any("remoteip", c.remoteIP))
		c.writelinef("* BYE too many open connections from your ip or network")
		return
	}
	defer limiterConnections.Add(c.remoteIP, time.Now(), -1)

	aox.Connections.Register(nc, "imap", listenerName)
	defer aox.Connections.Unregister(nc)

	c.writelinef("* OK [CAPABILITY %s] aox imap", c.capabilities())

	for {
		c.command()
		c.xflush() // For flushing errors, or commands that did not flush explicitly.
	}
}

// isClosed returns whether i/o failed, typically because the connection is
// closed.
func isClosed(err error) bool {
	return errors.Is(err, errIO) || errors.Is(err, errProtocol) || aoxio.IsClosed(err)
}

func (c *conn) command() {
	var tag, cmd, cmdlow string
	var p *parser

	defer func() {
		var result string
		defer func() {
			metricIMAPCommands.WithLabelValues(c.cmdMetric, result).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
		}()

		logFields := []slog.Attr{
			slog.String("cmd", c.cmd),
			slog.Duration("duration", time.Since(c.cmdStart)),
		}
		c.cmd = ""

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Debug("imap command done", logFields...)
			result = "ok"
			if x == cleanClose {
				panic(x)
			}
			return
		}
		err, ok := x.(error)
		if !ok {
			c.log.Error("imap command panic", append([]slog.Attr{slog.Any("panic", x)}, logFields...)...)
			result = "panic"
			panic(x)
		}

		var sxerr syntaxError
		var uerr userError
		var serr serverError
		if isClosed(err) {
			c.log.Infox("imap command ioerror", err, logFields...)
			result = "ioerror"
			if errors.Is(err, errProtocol) {
				debug.PrintStack()
			}
			panic(err)
		} else if errors.As(err, &sxerr) {
			result = "badsyntax"
			if c.ncmds == 0 {
				// The peer is likely speaking something else than IMAP; stop
				// before their multi-line payload turns into more "commands".
				c.writelinef("* BYE please try again speaking imap")
				panic(errIO)
			}
			c.log.Debugx("imap command syntax error", sxerr.err, logFields...)
			c.log.Info("imap syntax error", slog.String("lastline", c.lastLine))
			fatal := strings.HasSuffix(c.lastLine, "+}")
			if fatal {
				derr := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				c.log.Check(derr, "setting write deadline")
			}
			if sxerr.line != "" {
				c.bwritelinef("%s", sxerr.line)
			}
			code := ""
			if sxerr.code != "" {
				code = "[" + sxerr.code + "] "
			}
			c.bwriteresultf("%s BAD %s%s unrecognized syntax/command: %v", tag, code, cmd, sxerr.errmsg)
			if fatal {
				c.xflush()
				panic(fmt.Errorf("aborting connection after syntax error for command with non-sync literal: %w", errProtocol))
			}
		} else if errors.As(err, &serr) {
			result = "servererror"
			c.log.Errorx("imap command server error", err, logFields...)
			debug.PrintStack()
			c.bwriteresultf("%s NO %s %v", tag, cmd, err)
		} else if errors.As(err, &uerr) {
			result = "usererror"
			c.log.Debugx("imap command user error", err, logFields...)
			if uerr.code != "" {
				c.bwriteresultf("%s NO [%s] %s %v", tag, uerr.code, cmd, err)
			} else {
				c.bwriteresultf("%s NO %s %v", tag, cmd, err)
			}
		} else {
			// Other panic, pass it on, aborting the connection.
			result = "panic"
			c.log.Errorx("imap command panic", err, logFields...)
			panic(err)
		}
	}()

	tag = "*"
	cmd, p = c.readCommand(&tag)
	cmdlow = strings.ToLower(cmd)
	c.cmd = cmdlow
	c.cmdStart = time.Now()
	c.cmdMetric = "(unrecognized)"

	select {
	case <-aox.Shutdown.Done():
		c.writelinef("* BYE shutting down")
		panic(errIO)
	default:
	}

	fn := commands[cmdlow]
	if fn == nil {
		xsyntaxErrorf("unknown command %q", cmd)
	}
	c.cmdMetric = c.cmd
	c.ncmds++

	// Check the command is allowed in this connection state.
	if _, ok1 := commandsStateAny[cmdlow]; ok1 {
	} else if _, ok2 := commandsStateNotAuthenticated[cmdlow]; ok2 && c.state == stateNotAuthenticated {
	} else if _, ok3 := commandsStateAuthenticated[cmdlow]; ok3 && (c.state == stateAuthenticated || c.state == stateSelected) {
	} else if _, ok4 := commandsStateSelected[cmdlow]; ok4 && c.state == stateSelected {
	} else if ok1 || ok2 || ok3 || ok4 {
		xuserErrorf("not allowed in this connection state")
	} else {
		xserverErrorf("unrecognized command")
	}

	fn(c, tag, cmd, p)
}

// applyChanges writes the pending updates from other sessions to the
// client. With initial set, the changes are applied to the session view
// without being written.
func (c *conn) applyChanges(changes []store.Change, initial bool) {
	if len(changes) == 0 || c.sess == nil {
		return
	}
	c.log.Debug("applying changes", slog.Int("count", len(changes)))

	added := false
	for _, change := range changes {
		switch ch := change.(type) {
		case store.ChangeAddUID:
			if err := c.sess.Append(ch.UID); err != nil {
				c.log.Errorx("adding uid to session", err)
				continue
			}
			added = true
			c.sess.AnnounceModSeq(ch.ModSeq)

		case store.ChangeRemoveUIDs:
			for _, uid := range ch.UIDs {
				msn := c.sess.Remove(uid)
				if msn == 0 {
					continue
				}
				if !initial {
					c.bwritelinef("* %d EXPUNGE", msn)
				}
			}
			c.sess.AnnounceModSeq(ch.ModSeq)

		case store.ChangeFlags:
			msn := c.sess.MSN(ch.UID)
			if msn == 0 {
				continue
			}
			c.sess.AnnounceModSeq(ch.ModSeq)
			if !initial {
				if c.enabled[capCondstore] {
					c.bwritelinef("* %d FETCH (UID %d FLAGS %s MODSEQ (%d))", msn, ch.UID, flagsList(ch.Flags).pack(c), ch.ModSeq)
				} else {
					c.bwritelinef("* %d FETCH (UID %d FLAGS %s)", msn, ch.UID, flagsList(ch.Flags).pack(c))
				}
			}

		case store.ChangeRemoveMailbox:
			if !initial {
				c.bwritelinef(`* LIST (\NonExistent) "/" %s`, mailboxt(ch.Name).pack(c))
			}

		case store.ChangeAddMailbox:
			if !initial {
				c.bwritelinef(`* LIST () "/" %s`, mailboxt(ch.Name).pack(c))
			}

		case store.ChangeRenameMailbox:
			if !initial {
				c.bwritelinef(`* LIST (\NonExistent) "/" %s`, mailboxt(ch.OldName).pack(c))
				c.bwritelinef(`* LIST () "/" %s`, mailboxt(ch.NewName).pack(c))
			}

		case store.ChangeAnnotation:
			// No unsolicited annotation responses.

		default:
			c.log.Error("missing case for change", slog.Any("change", change))
		}
	}
	if added && !initial {
		c.bwritelinef("* %d EXISTS", c.sess.Count())
		c.bwritelinef("* %d RECENT", len(c.sess.Recent()))
	}
}

func flagsList(flags []string) listspace {
	var l listspace
	for _, f := range flags {
		l = append(l, bare(f))
	}
	return l
}

// sequence returns the msn for a uid in the session.
func (c *conn) sequence(uid store.UID) msgseq {
	if c.sess == nil {
		return 0
	}
	return msgseq(c.sess.MSN(uid))
}

func (c *conn) xsequence(uid store.UID) msgseq {
	seq := c.sequence(uid)
	if seq <= 0 {
		xserverErrorf("unknown uid %d (%w)", uid, errProtocol)
	}
	return seq
}

// xnumSetUIDs resolves a sequence set against the session, returning uids.
// For message sequence numbers, nonexistent numbers are an error; for uids,
// nonexistent uids are ignored.
func (c *conn) xnumSetUIDs(isUID bool, nums numSet) []store.UID {
	uids := c.sess.UIDs()

	if nums.searchResult {
		xsyntaxErrorf("saved search result not supported here")
	}

	var r []store.UID
	if !isUID {
		for _, rng := range nums.ranges {
			var ia int
			if rng.first.star {
				if len(uids) == 0 {
					xsyntaxErrorf("invalid seqset * on empty mailbox")
				}
				ia = len(uids) - 1
			} else {
				ia = int(rng.first.number - 1)
				if ia >= len(uids) {
					xsyntaxErrorf("msgseq %d not in mailbox", rng.first.number)
				}
			}
			if rng.last == nil {
				r = append(r, uids[ia])
				continue
			}
			var b int
			if rng.last.star {
				if len(uids) == 0 {
					xsyntaxErrorf("invalid seqset * on empty mailbox")
				}
				b = len(uids) - 1
			} else {
				b = int(rng.last.number - 1)
				if b >= len(uids) {
					xsyntaxErrorf("msgseq %d not in mailbox", rng.last.number)
				}
			}
			if ia > b {
				ia, b = b, ia
			}
			r = append(r, uids[ia:b+1]...)
		}
		return dedupUIDs(r)
	}

	if len(uids) == 0 {
		return nil
	}
	for _, rng := range nums.ranges {
		last := rng.first
		if rng.last != nil {
			last = *rng.last
		}
		uida := store.UID(rng.first.number)
		if rng.first.star {
			uida = uids[len(uids)-1]
		}
		uidb := store.UID(last.number)
		if last.star {
			uidb = uids[len(uids)-1]
		}
		if uida > uidb {
			uida, uidb = uidb, uida
		}
		for _, uid := range uids {
			if uid >= uida && uid <= uidb {
				r = append(r, uid)
			} else if uid > uidb {
				break
			}
		}
	}
	return dedupUIDs(r)
}

func dedupUIDs(l []store.UID) []store.UID {
	sort.Slice(l, func(i, j int) bool { return l[i] < l[j] })
	var r []store.UID
	for _, uid := range l {
		if len(r) == 0 || r[len(r)-1] != uid {
			r = append(r, uid)
		}
	}
	return r
}

func (c *conn) ok(tag, cmd string) {
	c.bwriteresultf("%s OK %s done", tag, cmd)
	c.xflush()
}

// xmailbox looks up a mailbox by client-supplied name, resolved against the
// user's namespace.
func (c *conn) xmailbox(ctx context.Context, name string, missingErrCode string) *store.Mailbox {
	full := c.user.ResolveMailbox(name)
	mb, err := store.MailboxFind(ctx, full)
	if err == store.ErrUnknownMailbox {
		xusercodeErrorf(missingErrCode, "%w", store.ErrUnknownMailbox)
	}
	xcheckf(err, "finding mailbox")
	if !c.user.Owns(mb.Name) {
		xusercodeErrorf("NOPERM", "not your mailbox")
	}
	return mb
}

func (c *conn) xcontext() context.Context {
	return context.WithValue(aox.Context, alog.CidKey, c.cid)
}

// capabilities returns the currently available capabilities, depending on
// connection state.
func (c *conn) capabilities() string {
	caps := serverCapabilities
	if !c.tls && c.tlsConfig != nil {
		caps += " STARTTLS"
	}
	if c.tls || c.noRequireSTARTTLS {
		caps += " AUTH=PLAIN AUTH=LOGIN AUTH=CRAM-MD5 AUTH=ANONYMOUS"
	} else {
		caps += " AUTH=CRAM-MD5 LOGINDISABLED"
	}
	return caps
}

// Capability, any state.
func (c *conn) cmdCapability(tag, cmd string, p *parser) {
	p.xempty()
	c.bwritelinef("* CAPABILITY %s", c.capabilities())
	c.ok(tag, cmd)
}

// Noop does nothing, but is useful for retrieving pending changes as
// untagged responses.
func (c *conn) cmdNoop(tag, cmd string, p *parser) {
	p.xempty()
	c.ok(tag, cmd)
}

// Logout, after which the server closes the connection.
func (c *conn) cmdLogout(tag, cmd string, p *parser) {
	p.xempty()
	c.unselect()
	c.state = stateNotAuthenticated
	c.bwritelinef("* BYE thanks")
	c.ok(tag, cmd)
	panic(cleanClose)
}

// ID, the client tells us who it is, we tell it who we are.
func (c *conn) cmdID(tag, cmd string, p *parser) {
	p.xspace()
	var params map[string]string
	if p.take("(") {
		params = map[string]string{}
		for !p.take(")") {
			if len(params) > 0 {
				p.xspace()
			}
			k := p.xstring()
			p.xspace()
			v := p.xnilString()
			if _, ok := params[k]; ok {
				xsyntaxErrorf("duplicate key %q", k)
			}
			params[k] = v
		}
	} else {
		p.xnil()
	}
	p.xempty()

	c.log.Info("client id", slog.Any("params", params))
	c.bwritelinef(`* ID ("name" "aox")`)
	c.ok(tag, cmd)
}

// Starttls enables TLS on a plain text connection.
func (c *conn) cmdStarttls(tag, cmd string, p *parser) {
	p.xempty()

	if c.tls {
		xsyntaxErrorf("tls already active")
	}
	if c.tlsConfig == nil {
		xuserErrorf("starttls not available")
	}

	conn := c.conn
	if n := c.br.Buffered(); n > 0 {
		buf := make([]byte, n)
		_, err := io.ReadFull(c.br, buf)
		xcheckf(err, "reading buffered data for tls handshake")
		conn = &aoxio.PrefixConn{Prefix: buf, Conn: conn}
	}
	c.ok(tag, cmd)

	cidctx := context.WithValue(aox.Context, alog.CidKey, c.cid)
	ctx, cancel := context.WithTimeout(cidctx, time.Minute)
	defer cancel()
	tlsConn := tls.Server(conn, c.tlsConfig)
	c.log.Debug("starting tls server handshake")
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		panic(fmt.Errorf("starttls handshake: %s (%w)", err, errIO))
	}
	cancel()

	c.conn = tlsConn
	c.tr = aoxio.NewTraceReader(c.log, "C: ", c.conn)
	c.tw = aoxio.NewTraceWriter(c.log, "S: ", c)
	c.br = bufio.NewReader(c.tr)
	c.bw = bufio.NewWriter(c.tw)
	c.tls = true
}

// Login with plaintext username and password.
func (c *conn) cmdLogin(tag, cmd string, p *parser) {
	c.xauthThrottle()

	p.xspace()
	username := p.xastring()
	p.xspace()
	defer c.xtrace(alog.LevelTraceauth)()
	password := p.xastring()
	c.xtrace(alog.LevelTrace)
	p.xempty()

	if !c.tls && !c.noRequireSTARTTLS {
		xusercodeErrorf("PRIVACYREQUIRED", "tls required for login")
	}

	u, err := store.UserLogin(c.xcontext(), username, password)
	if err != nil {
		metrics.AuthenticationInc("imap", "login", "badcreds")
		c.log.Info("authentication failed", slog.String("username", username))
		xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
	}
	c.xauthDone(u, "login")
	c.writeresultf("%s OK [CAPABILITY %s] login done", tag, c.capabilities())
}

func (c *conn) xauthThrottle() {
	if c.authFailed > 3 && authFailDelay > 0 {
		aox.Sleep(aox.Context, time.Duration(c.authFailed-3)*authFailDelay)
	}
	c.authFailed++
}

func (c *conn) xauthDone(u *store.User, variant string) {
	c.authFailed = 0
	c.user = u
	c.state = stateAuthenticated
	metrics.AuthenticationInc("imap", variant, "ok")
}

// Authenticate with SASL. Supports multiple round trips, unlike LOGIN.
func (c *conn) cmdAuthenticate(tag, cmd string, p *parser) {
	c.xauthThrottle()

	var authVariant string
	authResult := "error"
	defer func() {
		if authResult != "ok" {
			metrics.AuthenticationInc("imap", authVariant, authResult)
		}
	}()

	p.xspace()
	authType := p.xatom()

	xreadInitial := func() []byte {
		var line string
		if p.empty() {
			c.writelinef("+ ")
			line = c.readline(false)
		} else {
			// SASL-IR, RFC 4959.
			p.xspace()
			line = p.remainder()
			if line == "=" {
				line = "" // Base64 decode will result in an empty buffer.
			}
		}
		if line == "*" {
			authResult = "aborted"
			xsyntaxErrorf("authenticate aborted by client")
		}
		buf, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			xsyntaxErrorf("parsing base64: %v", err)
		}
		return buf
	}

	xreadContinuation := func() []byte {
		line := c.readline(false)
		if line == "*" {
			authResult = "aborted"
			xsyntaxErrorf("authenticate aborted by client")
		}
		buf, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			xsyntaxErrorf("parsing base64: %v", err)
		}
		return buf
	}

	switch strings.ToUpper(authType) {
	case "PLAIN":
		authVariant = "plain"
		if !c.noRequireSTARTTLS && !c.tls {
			xusercodeErrorf("PRIVACYREQUIRED", "tls required for login")
		}

		// Plaintext passwords, mark as traceauth.
		defer c.xtrace(alog.LevelTraceauth)()
		buf := xreadInitial()
		c.xtrace(alog.LevelTrace)
		plain := bytes.Split(buf, []byte{0})
		if len(plain) != 3 {
			xsyntaxErrorf("bad plain auth data, expected 3 nul-separated tokens, got %d tokens", len(plain))
		}
		authz, authc, password := string(plain[0]), string(plain[1]), string(plain[2])
		if authz != "" && authz != authc {
			xusercodeErrorf("AUTHORIZATIONFAILED", "cannot assume role")
		}

		u, err := store.UserLogin(c.xcontext(), authc, password)
		if err != nil {
			authResult = "badcreds"
			c.log.Info("authentication failed", slog.String("username", authc))
			xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
		}
		c.xauthDone(u, authVariant)

	case "LOGIN":
		authVariant = "login"
		if !c.noRequireSTARTTLS && !c.tls {
			xusercodeErrorf("PRIVACYREQUIRED", "tls required for login")
		}

		defer c.xtrace(alog.LevelTraceauth)()
		var username string
		if p.empty() {
			c.writelinef("+ %s", base64.StdEncoding.EncodeToString([]byte("Username:")))
			username = string(xreadContinuation())
		} else {
			username = string(xreadInitial())
		}
		c.writelinef("+ %s", base64.StdEncoding.EncodeToString([]byte("Password:")))
		password := string(xreadContinuation())
		c.xtrace(alog.LevelTrace)

		u, err := store.UserLogin(c.xcontext(), username, password)
		if err != nil {
			authResult = "badcreds"
			c.log.Info("authentication failed", slog.String("username", username))
			xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
		}
		c.xauthDone(u, authVariant)

	case "CRAM-MD5":
		authVariant = "cram-md5"
		p.xempty()

		chal := fmt.Sprintf("<%d.%d@%s>", uint64(aox.CryptoRandInt()), time.Now().UnixNano(), aox.Conf.Hostname)
		c.writelinef("+ %s", base64.StdEncoding.EncodeToString([]byte(chal)))

		resp := xreadContinuation()
		t := strings.Split(string(resp), " ")
		if len(t) != 2 || len(t[1]) != 2*md5.Size {
			xsyntaxErrorf("malformed cram-md5 response")
		}
		username := t[0]
		c.log.Debug("cram-md5 auth", slog.String("username", username))

		u, err := store.UserFind(c.xcontext(), username)
		if err != nil {
			authResult = "badcreds"
			c.log.Info("authentication failed", slog.String("username", username))
			xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
		}
		secret := u.PlainSecret()
		if secret == "" {
			c.log.Info("cram-md5 auth attempt without retrievable secret", slog.String("username", username))
			xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
		}
		if cramMD5Digest(secret, chal) != t[1] {
			authResult = "badcreds"
			c.log.Info("authentication failed", slog.String("username", username))
			xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
		}
		c.xauthDone(u, authVariant)

	case "ANONYMOUS":
		authVariant = "anonymous"
		trace := xreadInitial()
		c.log.Info("anonymous login", slog.String("trace", string(trace)))
		u, err := store.UserFind(c.xcontext(), "anonymous")
		if err != nil {
			xusercodeErrorf("AUTHENTICATIONFAILED", "anonymous login not enabled")
		}
		c.xauthDone(u, authVariant)

	default:
		xuserErrorf("unknown authentication mechanism %q", authType)
	}

	authResult = "ok"
	c.writeresultf("%s OK [CAPABILITY %s] authenticate done", tag, c.capabilities())
}

// cramMD5Digest computes the RFC 2195 response for a challenge: hmac-md5
// keyed by the shared secret, in lowercase hex.
func cramMD5Digest(secret, chal string) string {
	key := []byte(secret)
	if len(key) > 64 {
		sum := md5.Sum(key)
		key = sum[:]
	}
	ipad := make([]byte, 64)
	opad := make([]byte, 64)
	copy(ipad, key)
	copy(opad, key)
	for i := range ipad {
		ipad[i] ^= 0x36
		opad[i] ^= 0x5c
	}
	var ih hash.Hash = md5.New()
	ih.Write(ipad)
	ih.Write([]byte(chal))
	oh := md5.New()
	oh.Write(opad)
	oh.Write(ih.Sum(nil))
	return fmt.Sprintf("%x", oh.Sum(nil))
}

// Enable, for capabilities that change server behaviour, RFC 5161.
func (c *conn) cmdEnable(tag, cmd string, p *parser) {
	p.xspace()
	caps := []string{p.xatom()}
	for p.space() {
		caps = append(caps, p.xatom())
	}
	p.xempty()

	var enabled string
	for _, s := range caps {
		cap := capability(strings.ToUpper(s))
		switch cap {
		case capUTF8Accept, capCondstore:
			c.enabled[cap] = true
			enabled += " " + string(cap)
		}
	}
	c.bwritelinef("* ENABLED%s", enabled)
	c.ok(tag, cmd)
}

// Compress enables deflate compression on the connection, RFC 4978. The
// tagged OK goes out in plaintext; every byte after it is compressed. The
// client may pipeline its next command, already compressed, immediately
// after the CRLF of the COMPRESS command.
func (c *conn) cmdCompress(tag, cmd string, p *parser) {
	p.xspace()
	alg := p.xatom()
	p.xempty()

	if !strings.EqualFold(alg, "DEFLATE") {
		xuserErrorf("unknown compression algorithm %q", alg)
	}
	if c.compress {
		xusercodeErrorf("COMPRESSIONACTIVE", "compression already active")
	}

	c.ok(tag, cmd)

	// Drain bytes the client already pipelined: they are deflate data and
	// must go through the new inbound filter.
	conn := net.Conn(c.conn)
	if n := c.br.Buffered(); n > 0 {
		buf := make([]byte, n)
		_, err := io.ReadFull(c.br, buf)
		xcheckf(err, "reading buffered data for compression")
		conn = &aoxio.PrefixConn{Prefix: buf, Conn: c.conn}
	}

	fr := flate.NewReader(conn)
	c.tr = aoxio.NewTraceReader(c.log, "C: ", fr)
	c.br = bufio.NewReader(c.tr)

	fw, err := flate.NewWriter(rawConnWriter{c}, flate.DefaultCompression)
	xcheckf(err, "deflate writer")
	c.flateWriter = aoxio.NewFlateWriter(fw)
	c.tw = aoxio.NewTraceWriter(c.log, "S: ", c.flateWriter)
	c.bw = bufio.NewWriter(c.tw)
	c.compress = true
}

// rawConnWriter writes to the underlying socket with the connection's
// deadline/panic handling, bypassing the compression chain.
type rawConnWriter struct{ c *conn }

func (w rawConnWriter) Write(buf []byte) (int, error) {
	err := w.c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	w.c.log.Check(err, "setting write deadline")
	n, err := w.c.conn.Write(buf)
	if err != nil {
		panic(fmt.Errorf("write: %s (%w)", err, errIO))
	}
	return n, nil
}

// Idle makes the connection wait for changes, written as they arrive, until
// the client sends DONE, RFC 2177.
func (c *conn) cmdIdle(tag, cmd string, p *parser) {
	p.xempty()

	c.writelinef("+ idling")

	for {
		var comm chan struct{}
		if c.sess != nil {
			comm = c.sess.Comm.Pending
		}
		select {
		case le := <-c.lineChan():
			c.line = nil
			if le.err != nil {
				panic(fmt.Errorf("%s (%w)", le.err, errIO))
			}
			if !strings.EqualFold(strings.TrimSpace(le.line), "DONE") {
				xsyntaxErrorf("expected DONE to end idle, got %q", le.line)
			}
			c.ok(tag, cmd)
			return
		case <-comm:
			c.applyChanges(c.sess.Comm.Get(), false)
			c.xflush()
		case <-aox.Shutdown.Done():
			c.writelinef("* BYE shutting down")
			panic(errIO)
		}
	}
}

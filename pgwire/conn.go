// Package pgwire is a client for the PostgreSQL frontend/backend protocol
// version 3.0, the persistence backend for all mail data.
//
// Queries are submitted to a Pool which places them on the least busy
// connection, or to a Transaction which pins one connection for its
// lifetime. Each connection processes queries strictly in submission order;
// multiple queries may be outstanding (pipelined), and responses are
// associated with the head of the in-flight queue.
package pgwire

import (
	"bufio"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aox/aox/alog"
	"github.com/aox/aox/aoxio"
	"github.com/aox/aox/config"
)

var xlog = alog.New("pgwire", nil)

var (
	metricQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aox_pgwire_query_total",
			Help: "Database queries and their results.",
		},
		[]string{"result"}, // completed, failed
	)
	metricConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aox_pgwire_connect_total",
			Help: "Database connection attempts.",
		},
		[]string{"result"}, // ok, error
	)
)

var errProtocol = errors.New("pgwire: protocol error")

// ErrBroken is used to fail queries when their connection is lost.
var ErrBroken = errors.New("pgwire: connection broken")

// ConnState is the protocol state of one connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateStartup
	StateAuthenticating
	StateIdle
	StateInTransaction
	StateFailedTransaction
	StateBroken
)

// maxMsgSize bounds backend messages. Bodyparts are capped well below this
// by the injector.
const maxMsgSize = 64 * 1024 * 1024

// Conn is one connection to the server.
type Conn struct {
	log alog.Log
	cid int64
	cfg config.DB
	nc  net.Conn
	tcp bool
	br  *bufio.Reader
	bw  *bufio.Writer

	// notify is called for asynchronous NotificationResponse messages, from
	// the reader goroutine.
	notify func(channel, payload string)

	// broken is called once when the connection fails, so the pool can drop
	// it.
	broken func(*Conn)

	sendMu   sync.Mutex // Serializes writes of whole messages.
	prepared map[string]bool

	mu         sync.Mutex
	state      ConnState
	inflight   []*Query
	tx         *Transaction // Pinned transaction, nil outside one.
	params     map[string]string
	backendPid int
	backendKey int
	lastUsed   time.Time
}

// connect dials and performs the startup/authentication exchange. An IDENT
// rejection on a TCP socket historically means the server identified the
// wrong user for our outgoing port; the caller retries exactly once.
func connect(ctx context.Context, cfg config.DB, cid int64) (*Conn, error) {
	log := xlog.WithCid(cid)

	network := "tcp"
	address := cfg.Address
	if strings.HasPrefix(address, "/") {
		network = "unix"
		address = fmt.Sprintf("%s/.s.PGSQL.5432", strings.TrimSuffix(address, "/"))
	} else if !strings.Contains(address, ":") {
		address += ":5432"
	}

	d := net.Dialer{Timeout: 30 * time.Second}
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	c := &Conn{
		log:      log,
		cid:      cid,
		cfg:      cfg,
		nc:       nc,
		tcp:      network == "tcp",
		br:       bufio.NewReader(aoxio.NewTraceReader(log, "S: ", nc)),
		bw:       bufio.NewWriter(aoxio.NewTraceWriter(log, "C: ", nc)),
		prepared: map[string]bool{},
		params:   map[string]string{},
		state:    StateStartup,
		lastUsed: time.Now(),
	}
	if err := c.startup(); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// startup sends the StartupMessage and answers authentication requests until
// the first ReadyForQuery.
func (c *Conn) startup() error {
	m := newMsg(0)
	m.int32(3 << 16) // Protocol 3.0.
	m.string("user")
	m.string(c.cfg.User)
	m.string("database")
	m.string(c.cfg.Name)
	m.byte(0)
	if err := m.writeTo(c.bw); err != nil {
		return fmt.Errorf("writing startup message: %w", err)
	}
	if err := c.bw.Flush(); err != nil {
		return fmt.Errorf("writing startup message: %w", err)
	}

	for {
		sm, err := readMsg(c.br, maxMsgSize)
		if err != nil {
			return fmt.Errorf("reading during startup: %w", err)
		}
		switch sm.typ {
		case 'R':
			if err := c.authenticate(sm); err != nil {
				return err
			}
		case 'S':
			name := sm.string()
			c.params[name] = sm.string()
		case 'K':
			c.backendPid = sm.int32()
			c.backendKey = sm.int32()
		case 'E':
			e := parseServerError(sm)
			return fmt.Errorf("server refused connection: %w", error(e))
		case 'N':
			e := parseServerError(sm)
			c.log.Info("notice from server during startup", slog.String("notice", e.Error()))
		case 'Z':
			sm.byte()
			c.state = StateIdle
			return nil
		default:
			return fmt.Errorf("%w: unexpected message %c during startup", errProtocol, sm.typ)
		}
	}
}

// authenticate answers one AuthenticationRequest message.
func (c *Conn) authenticate(sm *serverMsg) error {
	sub := sm.int32()
	switch sub {
	case 0: // AuthenticationOk.
		return nil
	case 3: // Cleartext password.
		c.state = StateAuthenticating
		return c.sendPassword(c.cfg.Password)
	case 5: // MD5.
		c.state = StateAuthenticating
		salt := sm.bytes(4)
		inner := md5hex([]byte(c.cfg.Password + c.cfg.User))
		return c.sendPassword("md5" + md5hex(append([]byte(inner), salt...)))
	case 4:
		return fmt.Errorf("server requests crypt authentication, not supported; use md5 or password")
	case 10:
		return fmt.Errorf("server requests sasl (scram) authentication, not supported; use md5 or password")
	default:
		return fmt.Errorf("server requests unsupported authentication type %d", sub)
	}
}

func md5hex(data []byte) string {
	return fmt.Sprintf("%x", md5.Sum(data))
}

func (c *Conn) sendPassword(pw string) error {
	m := newMsg('p')
	m.string(pw)
	if err := m.writeTo(c.bw); err != nil {
		return err
	}
	return c.bw.Flush()
}

// isIdentRejection recognizes the rejection that warrants the historical
// single reconnect attempt on TCP sockets.
func isIdentRejection(err error) bool {
	return err != nil && strings.Contains(err.Error(), "IDENT authentication failed")
}

// serve runs the reader loop, dispatching backend messages until the
// connection breaks or is closed.
func (c *Conn) serve() {
	err := c.readLoop()
	if err != nil && !aoxio.IsClosed(err) {
		c.log.Errorx("database connection failed", err)
	}
	c.fail(err)
}

func (c *Conn) readLoop() (rerr error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if pe, ok := x.(parseErr); ok {
			rerr = pe.err
			return
		}
		panic(x)
	}()

	for {
		sm, err := readMsg(c.br, maxMsgSize)
		if err != nil {
			return err
		}
		switch sm.typ {
		case 'S':
			name := sm.string()
			c.mu.Lock()
			c.params[name] = sm.string()
			c.mu.Unlock()

		case 'K':
			c.mu.Lock()
			c.backendPid = sm.int32()
			c.backendKey = sm.int32()
			c.mu.Unlock()

		case '1', '2', '3', 'n', 't':
			// Parse/bind/close complete, no data, parameter description. Just
			// acknowledgements.

		case 'T':
			n := sm.int16()
			cols := make([]string, n)
			for i := range n {
				cols[i] = sm.string()
				sm.int32() // Table oid.
				sm.int16() // Column attribute number.
				sm.int32() // Type oid.
				sm.int16() // Type size.
				sm.int32() // Type modifier.
				sm.int16() // Format code.
			}
			if q := c.head(); q != nil {
				q.setColumns(cols)
			}

		case 'D':
			q := c.head()
			if q == nil {
				return fmt.Errorf("%w: data row without executing query", errProtocol)
			}
			n := sm.int16()
			row := Row{columns: q.columns, values: make([]*string, n)}
			for i := range n {
				l := sm.int32()
				if l < 0 {
					continue
				}
				v := string(sm.bytes(l))
				row.values[i] = &v
			}
			q.addRow(row)

		case 'C', 'I':
			// Command complete / empty query response.
			q := c.pop()
			if q == nil {
				return fmt.Errorf("%w: command complete without executing query", errProtocol)
			}
			metricQueries.WithLabelValues("completed").Inc()
			q.complete()

		case 'E':
			e := parseServerError(sm)
			q := c.pop()
			if q == nil {
				// Asynchronous failure, e.g. the administrator terminated our
				// backend.
				return fmt.Errorf("asynchronous server error: %w", error(e))
			}
			metricQueries.WithLabelValues("failed").Inc()
			c.mu.Lock()
			if c.tx != nil {
				c.state = StateFailedTransaction
				c.tx.noteFailure(q, e)
			}
			c.mu.Unlock()
			q.fail(e)

		case 'N':
			e := parseServerError(sm)
			c.log.Info("notice from server", slog.String("notice", e.Error()))

		case 'Z':
			status := sm.byte()
			c.mu.Lock()
			switch status {
			case 'I':
				c.state = StateIdle
			case 'T':
				c.state = StateInTransaction
			case 'E':
				c.state = StateFailedTransaction
			}
			c.lastUsed = time.Now()
			c.mu.Unlock()

		case 'G':
			// Copy-in response: stream the query's input lines, or refuse.
			q := c.head()
			c.sendMu.Lock()
			if q != nil && len(q.CopyLines) > 0 {
				for _, line := range q.CopyLines {
					d := newMsg('d')
					d.bytes(line)
					if err := d.writeTo(c.bw); err != nil {
						c.sendMu.Unlock()
						return err
					}
				}
				if err := newMsg('c').writeTo(c.bw); err != nil {
					c.sendMu.Unlock()
					return err
				}
			} else {
				f := newMsg('f')
				f.string("no copy data available")
				if err := f.writeTo(c.bw); err != nil {
					c.sendMu.Unlock()
					return err
				}
			}
			err := c.bw.Flush()
			c.sendMu.Unlock()
			if err != nil {
				return err
			}

		case 'A':
			sm.int32() // Notifying backend pid.
			channel := sm.string()
			payload := sm.string()
			if c.notify != nil {
				c.notify(channel, payload)
			}

		default:
			return fmt.Errorf("%w: unexpected message type %c", errProtocol, sm.typ)
		}
	}
}

func (c *Conn) head() *Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inflight) == 0 {
		return nil
	}
	return c.inflight[0]
}

func (c *Conn) pop() *Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inflight) == 0 {
		return nil
	}
	q := c.inflight[0]
	c.inflight = c.inflight[1:]
	return q
}

// send writes the extended-protocol message sequence for q and registers it
// as in flight. Responses are matched to queries in FIFO order.
func (c *Conn) send(q *Query) {
	params, err := q.params()
	if err != nil {
		q.fail(err)
		return
	}

	c.mu.Lock()
	if c.state == StateBroken {
		c.mu.Unlock()
		q.fail(ErrBroken)
		return
	}
	c.inflight = append(c.inflight, q)
	c.mu.Unlock()

	q.setState(QuerySubmitted)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if q.Name == "" || !c.prepared[q.Name] {
		parse := newMsg('P')
		parse.string(q.Name)
		parse.string(q.SQL)
		parse.int16(0) // No parameter type oids, the server infers them.
		if err := parse.writeTo(c.bw); err != nil {
			c.fail(err)
			return
		}
		if q.Name != "" {
			c.prepared[q.Name] = true
		}
	}

	bind := newMsg('B')
	bind.string("") // Unnamed portal.
	bind.string(q.Name)
	bind.int16(0) // All parameters in text format.
	bind.int16(len(params))
	for _, p := range params {
		if p.null {
			bind.int32(-1)
		} else {
			bind.int32(len(p.value))
			bind.bytes([]byte(p.value))
		}
	}
	bind.int16(0) // All results in text format.

	describe := newMsg('D')
	describe.byte('P')
	describe.string("")

	execute := newMsg('E')
	execute.string("")
	execute.int32(0) // No row limit.

	for _, m := range []*msgBuf{bind, describe, execute, newMsg('S')} {
		if err := m.writeTo(c.bw); err != nil {
			c.fail(err)
			return
		}
	}
	if err := c.bw.Flush(); err != nil {
		c.fail(err)
		return
	}
	q.setState(QueryExecuting)
}

// fail breaks the connection: every in-flight query fails with the error,
// the pinned transaction (if any) fails, and the pool drops the connection.
func (c *Conn) fail(err error) {
	if err == nil {
		err = ErrBroken
	}
	c.mu.Lock()
	if c.state == StateBroken {
		c.mu.Unlock()
		return
	}
	c.state = StateBroken
	inflight := c.inflight
	c.inflight = nil
	tx := c.tx
	c.tx = nil
	c.mu.Unlock()

	for _, q := range inflight {
		q.fail(fmt.Errorf("%w: %v", ErrBroken, err))
	}
	if tx != nil {
		tx.connectionLost(err)
	}
	c.nc.Close()
	if c.broken != nil {
		c.broken(c)
	}
}

// close sends Terminate and closes the socket. For orderly shutdown of idle
// connections.
func (c *Conn) close() {
	c.sendMu.Lock()
	if err := newMsg('X').writeTo(c.bw); err == nil {
		c.bw.Flush()
	}
	c.sendMu.Unlock()
	c.nc.Close()
}

func (c *Conn) busy() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// ServerParam returns a ParameterStatus value reported by the server, e.g.
// server_version.
func (c *Conn) ServerParam(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params[name]
}

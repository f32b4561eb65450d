package aox

import (
	"context"
	"net"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aox/aox/alog"
)

var xlog = alog.New("aox", nil)

// Shutdown is canceled when a graceful shutdown is initiated. Servers check
// this before starting new operations; when canceled, new connections and
// commands get a message that the service is going down.
var Shutdown context.Context
var ShutdownCancel func()

// Context is the parent for most operation contexts. It is canceled shortly
// after Shutdown, aborting active operations that did not finish within the
// grace window.
var Context context.Context
var ContextCancel func()

func init() {
	// Initialized here (and replaced in serve) so tests have usable contexts.
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}

// Connections holds all active protocol sockets (imap, lmtp, pop3,
// managesieve). On shutdown they are given an immediate i/o deadline, after
// which connections get one more second for error handling before closing.
var Connections = &connections{
	conns:  map[net.Conn]connKind{},
	gauges: map[connKind]prometheus.GaugeFunc{},
	active: map[connKind]int64{},
}

type connKind struct {
	protocol string
	listener string
}

type connections struct {
	sync.Mutex
	conns  map[net.Conn]connKind
	dones  []chan struct{}
	gauges map[connKind]prometheus.GaugeFunc

	activeMutex sync.Mutex
	active      map[connKind]int64
}

// Register adds a connection, for receiving an immediate i/o deadline on
// shutdown. Unregister must be called when the connection is closed.
func (c *connections) Register(nc net.Conn, protocol, listener string) {
	select {
	case <-Shutdown.Done():
		xlog.Error("new connection added while shutting down")
		debug.PrintStack()
	default:
	}

	ck := connKind{protocol, listener}

	c.activeMutex.Lock()
	c.active[ck]++
	c.activeMutex.Unlock()

	c.Lock()
	defer c.Unlock()
	c.conns[nc] = ck
	if _, ok := c.gauges[ck]; !ok {
		c.gauges[ck] = promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "aox_connections_count",
				Help: "Open connections, per protocol/listener.",
				ConstLabels: prometheus.Labels{
					"protocol": protocol,
					"listener": listener,
				},
			},
			func() float64 {
				c.activeMutex.Lock()
				defer c.activeMutex.Unlock()
				return float64(c.active[ck])
			},
		)
	}
}

// Unregister removes a connection. When the last connection is gone, the
// channels returned by Done are notified.
func (c *connections) Unregister(nc net.Conn) {
	c.Lock()
	defer c.Unlock()
	ck := c.conns[nc]

	defer func() {
		c.activeMutex.Lock()
		c.active[ck]--
		c.activeMutex.Unlock()
	}()

	delete(c.conns, nc)
	if len(c.conns) > 0 {
		return
	}
	for _, done := range c.dones {
		done <- struct{}{}
	}
	c.dones = nil
}

// Done returns a new channel on which a value is sent when no connections
// are left.
func (c *connections) Done() chan struct{} {
	c.Lock()
	defer c.Unlock()
	done := make(chan struct{}, 1)
	if len(c.conns) == 0 {
		done <- struct{}{}
		return done
	}
	c.dones = append(c.dones, done)
	return done
}

// Shutdown sets an immediate deadline on all open registered sockets. Called
// some time after graceful shutdown was initiated. The deadlines cause
// blocked reads/writes to abort, which cause connection handlers to fail and
// close their connections.
func (c *connections) Shutdown() {
	now := immediateDeadline()
	c.Lock()
	defer c.Unlock()
	for nc := range c.conns {
		if err := nc.SetDeadline(now); err != nil {
			xlog.Errorx("setting immediate read/write deadline for shutdown", err)
		}
	}
}

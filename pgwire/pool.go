package pgwire

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	aox "github.com/aox/aox/aox-"
	"github.com/aox/aox/config"
)

// Pool hands out queries over a set of connections. Submit places a query on
// the least busy connection, creating a new one up to the configured
// maximum. Idle connections above the minimum are shut down after the
// configured interval.
type Pool struct {
	cfg config.DB

	mu        sync.Mutex
	conns     []*Conn
	dedicated map[*Conn]*Transaction
	listeners map[string][]func(payload string)
	stopped   bool
}

// NewPool returns a pool; connections are created on demand.
func NewPool(cfg config.DB) *Pool {
	p := &Pool{
		cfg:       cfg,
		dedicated: map[*Conn]*Transaction{},
		listeners: map[string][]func(string){},
	}
	go p.shrinker()
	return p
}

// Submit sends q on the least busy connection. Completion is signalled on
// q.Done.
func (p *Pool) Submit(q *Query) {
	conn, err := p.pick()
	if err != nil {
		q.fail(err)
		return
	}
	conn.send(q)
}

// Exec is a convenience for submitting and waiting.
func (p *Pool) Exec(ctx context.Context, q *Query) error {
	p.Submit(q)
	return q.WaitDone(ctx)
}

// Transaction returns a new transaction. Its first query dedicates a
// connection until commit or rollback.
func (p *Pool) Transaction() *Transaction {
	return &Transaction{pool: p}
}

// Listen registers fn for notifications on channel. The pool issues LISTEN
// on one of its connections and re-issues it after reconnects.
func (p *Pool) Listen(ctx context.Context, channel string, fn func(payload string)) error {
	p.mu.Lock()
	p.listeners[channel] = append(p.listeners[channel], fn)
	p.mu.Unlock()
	return p.Exec(ctx, NewQuery("listen "+quoteIdent(channel)))
}

func quoteIdent(s string) string {
	r := `"`
	for _, c := range s {
		if c == '"' {
			r += `"`
		}
		r += string(c)
	}
	return r + `"`
}

func (p *Pool) notify(channel, payload string) {
	p.mu.Lock()
	fns := append([]func(string){}, p.listeners[channel]...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

// pick returns the least busy non-dedicated connection, creating one when
// all are busy and the maximum has not been reached.
func (p *Pool) pick() (*Conn, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool shut down")
	}
	var best *Conn
	for _, c := range p.conns {
		if _, ok := p.dedicated[c]; ok {
			continue
		}
		if best == nil || c.busy() < best.busy() {
			best = c
		}
	}
	n := len(p.conns)
	p.mu.Unlock()

	if best != nil && (best.busy() == 0 || n >= p.cfg.MaxHandles) {
		return best, nil
	}
	conn, err := p.open()
	if err != nil {
		if best != nil {
			return best, nil
		}
		return nil, err
	}
	return conn, nil
}

// dedicate returns a connection for exclusive use by tx.
func (p *Pool) dedicate(tx *Transaction) (*Conn, error) {
	p.mu.Lock()
	var free *Conn
	for _, c := range p.conns {
		if _, ok := p.dedicated[c]; !ok && c.busy() == 0 {
			free = c
			break
		}
	}
	if free != nil {
		p.dedicated[free] = tx
		p.mu.Unlock()
		return free, nil
	}
	p.mu.Unlock()

	conn, err := p.open()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.dedicated[conn] = tx
	p.mu.Unlock()
	return conn, nil
}

// release returns a dedicated connection to general use.
func (p *Pool) release(c *Conn) {
	p.mu.Lock()
	delete(p.dedicated, c)
	p.mu.Unlock()
}

// open creates a connection, retrying exactly once on an IDENT rejection
// over TCP. A second identical failure is a disaster: configuration must be
// fixed before the database is usable.
func (p *Pool) open() (*Conn, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := connect(aox.Context, p.cfg, aox.Cid())
		if err == nil {
			metricConnects.WithLabelValues("ok").Inc()
			conn.notify = p.notify
			conn.broken = p.drop
			p.mu.Lock()
			p.conns = append(p.conns, conn)
			p.mu.Unlock()
			go conn.serve()
			p.relisten(conn)
			return conn, nil
		}
		metricConnects.WithLabelValues("error").Inc()
		lastErr = err
		tcp := !strings.HasPrefix(p.cfg.Address, "/")
		if !tcp || !isIdentRejection(err) {
			break
		}
		if attempt == 0 {
			xlog.Info("ident rejection from server, reconnecting once", slog.String("address", p.cfg.Address))
			continue
		}
		xlog.Errorx("disaster: ident rejection from server on reconnect, giving up", err, slog.String("address", p.cfg.Address))
	}
	return nil, lastErr
}

// relisten re-issues LISTEN statements on a fresh connection so
// notifications keep flowing after reconnects.
func (p *Pool) relisten(c *Conn) {
	p.mu.Lock()
	channels := make([]string, 0, len(p.listeners))
	for ch := range p.listeners {
		channels = append(channels, ch)
	}
	p.mu.Unlock()
	for _, ch := range channels {
		c.send(NewQuery("listen " + quoteIdent(ch)))
	}
}

// drop removes a broken connection.
func (p *Pool) drop(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pc := range p.conns {
		if pc == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	delete(p.dedicated, c)
}

// shrinker closes connections idle beyond the configured interval, down to
// the minimum.
func (p *Pool) shrinker() {
	interval := time.Duration(p.cfg.HandleInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-aox.Shutdown.Done():
			return
		}

		var idle []*Conn
		p.mu.Lock()
		n := len(p.conns)
		for _, c := range p.conns {
			if n <= p.cfg.MinHandles {
				break
			}
			if _, ok := p.dedicated[c]; ok {
				continue
			}
			c.mu.Lock()
			unused := len(c.inflight) == 0 && time.Since(c.lastUsed) >= interval
			c.mu.Unlock()
			if unused {
				idle = append(idle, c)
				n--
			}
		}
		for _, c := range idle {
			for i, pc := range p.conns {
				if pc == c {
					p.conns = append(p.conns[:i], p.conns[i+1:]...)
					break
				}
			}
		}
		p.mu.Unlock()

		for _, c := range idle {
			xlog.Debug("closing idle database connection", slog.Int64("cid", c.cid))
			c.close()
		}
	}
}

// Stop closes all connections. For shutdown.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

package pgwire

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aox/aox/config"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func TestMsgCodec(t *testing.T) {
	m := newMsg('B')
	m.string("portal")
	m.int16(1)
	m.int32(-1)
	m.byte('x')
	m.bytes([]byte("data"))

	var buf bytes.Buffer
	tcheck(t, m.writeTo(&buf), "writing message")

	sm, err := readMsg(&buf, 1024)
	tcheck(t, err, "reading message")
	if sm.typ != 'B' {
		t.Fatalf("got type %c, expected B", sm.typ)
	}
	if s := sm.string(); s != "portal" {
		t.Fatalf("got string %q", s)
	}
	if v := sm.int16(); v != 1 {
		t.Fatalf("got int16 %d", v)
	}
	if v := sm.int32(); v != -1 {
		t.Fatalf("got int32 %d", v)
	}
	if b := sm.byte(); b != 'x' {
		t.Fatalf("got byte %c", b)
	}
	if b := sm.bytes(4); string(b) != "data" {
		t.Fatalf("got bytes %q", b)
	}
}

func TestMsgTooLarge(t *testing.T) {
	var buf bytes.Buffer
	m := newMsg('D')
	m.bytes(make([]byte, 100))
	tcheck(t, m.writeTo(&buf), "writing message")
	if _, err := readMsg(&buf, 10); err == nil {
		t.Fatalf("oversized message accepted")
	}
}

func TestQueryBinds(t *testing.T) {
	q := NewQuery("select * from t where a=$1 and b=$2")
	q.Bind(1, 10).Bind(2, "x")
	if n, err := q.CheckBinds(); err != nil || n != 2 {
		t.Fatalf("check binds: %d, %v", n, err)
	}

	// A hole in the placeholders is an error.
	q = NewQuery("select 1")
	q.Bind(1, 10).Bind(3, 20)
	if _, err := q.CheckBinds(); err == nil {
		t.Fatalf("non-consecutive binds accepted")
	}

	// Sets and null.
	q = NewQuery("x")
	q.Bind(1, []uint32{2, 4, 6}).BindNull(2)
	params, err := q.params()
	tcheck(t, err, "params")
	if params[0].value != "{2,4,6}" {
		t.Fatalf("set bind: %q", params[0].value)
	}
	if !params[1].null {
		t.Fatalf("null bind not null")
	}
}

// fakeBackend speaks just enough of the backend protocol for the client.
type fakeBackend struct {
	ln        net.Listener
	authType  int // 0 trust, 3 cleartext, 5 md5.
	identFail bool
	conns     atomic.Int32
	password  string // Password received, for inspection.
}

func startBackend(t *testing.T, authType int, identFail bool) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")
	b := &fakeBackend{ln: ln, authType: authType, identFail: identFail}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			b.conns.Add(1)
			go b.serve(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *fakeBackend) addr() string {
	return b.ln.Addr().String()
}

func bwrite(w *bufio.Writer, m *msgBuf) {
	if err := m.writeTo(w); err != nil {
		panic(err)
	}
}

func (b *fakeBackend) serve(c net.Conn) {
	defer c.Close()
	br := bufio.NewReader(c)
	bw := bufio.NewWriter(c)

	// Startup message: length-prefixed, no type byte.
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return
	}
	length := int(hdr[0])<<24 | int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
	payload := make([]byte, length-4)
	if _, err := io.ReadFull(br, payload); err != nil {
		return
	}

	if b.identFail {
		e := newMsg('E')
		e.byte('S')
		e.string("FATAL")
		e.byte('C')
		e.string("28000")
		e.byte('M')
		e.string(`IDENT authentication failed for user "archiveopteryx"`)
		e.byte(0)
		bwrite(bw, e)
		bw.Flush()
		return
	}

	if b.authType != 0 {
		r := newMsg('R')
		r.int32(b.authType)
		if b.authType == 5 {
			r.bytes([]byte("salt"))
		}
		bwrite(bw, r)
		bw.Flush()
		pm, err := readMsg(br, 1024)
		if err != nil || pm.typ != 'p' {
			return
		}
		b.password = pm.string()
	}

	ok := newMsg('R')
	ok.int32(0)
	bwrite(bw, ok)
	ps := newMsg('S')
	ps.string("server_version")
	ps.string("16.0")
	bwrite(bw, ps)
	key := newMsg('K')
	key.int32(42)
	key.int32(4242)
	bwrite(bw, key)
	rfq := newMsg('Z')
	rfq.byte('I')
	bwrite(bw, rfq)
	bw.Flush()

	// Extended query cycles: consume messages until Sync, then answer with
	// a one-row, one-column result.
	for {
		m, err := readMsg(br, 1024*1024)
		if err != nil {
			return
		}
		if m.typ != 'S' {
			continue
		}
		bwrite(bw, newMsg('1'))
		bwrite(bw, newMsg('2'))
		desc := newMsg('T')
		desc.int16(1)
		desc.string("x")
		desc.int32(0)
		desc.int16(0)
		desc.int32(23)
		desc.int16(4)
		desc.int32(-1)
		desc.int16(0)
		bwrite(bw, desc)
		row := newMsg('D')
		row.int16(1)
		row.int32(1)
		row.bytes([]byte("7"))
		bwrite(bw, row)
		cc := newMsg('C')
		cc.string("SELECT 1")
		bwrite(bw, cc)
		z := newMsg('Z')
		z.byte('I')
		bwrite(bw, z)
		bw.Flush()
	}
}

func testConfig(addr string) config.DB {
	return config.DB{
		Address:        addr,
		Name:           "testdb",
		User:           "tester",
		Password:       "sekret",
		MaxHandles:     2,
		MinHandles:     1,
		HandleInterval: 60,
	}
}

func TestQueryCycle(t *testing.T) {
	b := startBackend(t, 0, false)
	p := NewPool(testConfig(b.addr()))
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := NewQuery("select 7 as x")
	tcheck(t, p.Exec(ctx, q), "executing query")
	if q.State() != QueryCompleted {
		t.Fatalf("query state %d, expected completed", q.State())
	}
	row := q.NextRow()
	if row == nil {
		t.Fatalf("no row")
	}
	if v := row.Int("x"); v != 7 {
		t.Fatalf("got %d, expected 7", v)
	}
	if q.NextRow() != nil {
		t.Fatalf("unexpected second row")
	}
}

func TestCleartextAuth(t *testing.T) {
	b := startBackend(t, 3, false)
	p := NewPool(testConfig(b.addr()))
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tcheck(t, p.Exec(ctx, NewQuery("select 1")), "query after cleartext auth")
	if b.password != "sekret" {
		t.Fatalf("backend saw password %q", b.password)
	}
}

func TestMD5Auth(t *testing.T) {
	b := startBackend(t, 5, false)
	p := NewPool(testConfig(b.addr()))
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tcheck(t, p.Exec(ctx, NewQuery("select 1")), "query after md5 auth")

	inner := md5hex([]byte("sekret" + "tester"))
	exp := "md5" + md5hex(append([]byte(inner), []byte("salt")...))
	if b.password != exp {
		t.Fatalf("backend saw md5 response %q, expected %q", b.password, exp)
	}
}

func TestPipelining(t *testing.T) {
	b := startBackend(t, 0, false)
	p := NewPool(testConfig(b.addr()))
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Submit several queries without waiting; responses must be matched in
	// fifo order and each completes.
	var queries []*Query
	for range 5 {
		q := NewQuery("select 7 as x")
		p.Submit(q)
		queries = append(queries, q)
	}
	for i, q := range queries {
		tcheck(t, q.WaitDone(ctx), "pipelined query")
		if q.NextRow().Int("x") != 7 {
			t.Fatalf("query %d: bad row", i)
		}
	}
}

func TestTransaction(t *testing.T) {
	b := startBackend(t, 0, false)
	p := NewPool(testConfig(b.addr()))
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx := p.Transaction()
	q1 := NewQuery("insert into t values (1)")
	q2 := NewQuery("insert into t values (2)")
	tx.Enqueue(q1)
	tx.Enqueue(q2)
	tx.Execute()
	tcheck(t, q1.WaitDone(ctx), "first query in transaction")
	tcheck(t, q2.WaitDone(ctx), "second query in transaction")
	tcheck(t, tx.Commit(ctx), "commit")
	if tx.State() != TxCompleted {
		t.Fatalf("transaction state %d, expected completed", tx.State())
	}
}

// An ident rejection on a tcp socket triggers exactly one reconnect; a
// second identical failure gives up.
func TestIdentReconnect(t *testing.T) {
	b := startBackend(t, 0, true)
	p := NewPool(testConfig(b.addr()))
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := NewQuery("select 1")
	err := p.Exec(ctx, q)
	if err == nil {
		t.Fatalf("query succeeded against ident-rejecting server")
	}
	// Give the accept loop a moment to count both connections.
	time.Sleep(100 * time.Millisecond)
	if n := b.conns.Load(); n != 2 {
		t.Fatalf("got %d connection attempts, expected exactly 2", n)
	}
}

package pgwire

import (
	"context"
	"fmt"
	"sync"
)

// TxState is the lifecycle of a Transaction.
type TxState int

const (
	TxInactive TxState = iota
	TxExecuting
	TxBlocked // A query failed; only rollback (or savepoint release) can proceed.
	TxCompleted
	TxFailed
)

// Transaction is an ordered batch of queries executing as one server
// transaction on a single pinned connection. It commits only if every query
// succeeded and Commit was called; otherwise it rolls back.
//
// A SubTransaction wraps a savepoint: its failure does not fail the parent
// unless explicitly propagated.
type Transaction struct {
	pool   *Pool
	parent *Transaction
	name   string // Savepoint name for subtransactions.

	mu      sync.Mutex
	conn    *Conn
	state   TxState
	pending []*Query
	failure error
	depth   int
}

// Enqueue adds q to the transaction. The query is sent on Execute.
func (t *Transaction) Enqueue(q *Query) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q.tx = t
	t.pending = append(t.pending, q)
}

// Execute sends all enqueued queries, keeping the transaction open for more.
func (t *Transaction) Execute() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	if t.state == TxInactive {
		t.state = TxExecuting
	}
	t.mu.Unlock()

	for _, q := range pending {
		conn, err := t.connection()
		if err != nil {
			q.fail(err)
			continue
		}
		conn.send(q)
	}
}

// connection returns the pinned connection, starting the transaction on a
// fresh one the first time. The begin is sent outside the transaction lock;
// the connection reader takes locks in the other order when failing a
// query.
func (t *Transaction) connection() (*Conn, error) {
	t.mu.Lock()
	if t.failure != nil {
		err := t.failure
		t.mu.Unlock()
		return nil, err
	}
	if t.conn != nil {
		conn := t.conn
		t.mu.Unlock()
		return conn, nil
	}
	if t.parent != nil {
		t.mu.Unlock()
		conn, err := t.parent.connection()
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		return conn, nil
	}

	conn, err := t.pool.dedicate(t)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.conn = conn
	t.mu.Unlock()

	begin := NewQuery("begin")
	begin.tx = t
	conn.send(begin)
	return conn, nil
}

// exec runs one control statement (begin/commit/rollback/savepoint) and
// waits for it.
func (t *Transaction) exec(ctx context.Context, sql string) error {
	conn, err := t.connection()
	if err != nil {
		return err
	}
	q := NewQuery(sql)
	q.tx = t
	conn.send(q)
	return q.WaitDone(ctx)
}

// Commit executes any remaining queries and commits. On any failure the
// transaction is rolled back and the first error returned.
func (t *Transaction) Commit(ctx context.Context) error {
	t.Execute()

	t.mu.Lock()
	failure := t.failure
	state := t.state
	t.mu.Unlock()
	if state == TxBlocked || failure != nil {
		t.Rollback(ctx)
		if failure == nil {
			failure = fmt.Errorf("transaction failed")
		}
		return failure
	}

	var err error
	if t.parent != nil {
		err = t.exec(ctx, "release savepoint "+t.name)
	} else {
		err = t.exec(ctx, "commit")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.state = TxFailed
	} else {
		t.state = TxCompleted
	}
	if t.parent == nil && t.conn != nil {
		t.pool.release(t.conn)
		t.conn = nil
	}
	return err
}

// Rollback aborts the transaction (or, for a subtransaction, rolls back to
// its savepoint, leaving the parent usable).
func (t *Transaction) Rollback(ctx context.Context) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.mu.Lock()
		t.state = TxFailed
		t.mu.Unlock()
		return
	}

	var sql string
	if t.parent != nil {
		sql = "rollback to savepoint " + t.name
	} else {
		sql = "rollback"
	}
	q := NewQuery(sql)
	q.tx = t
	conn.send(q)
	err := q.WaitDone(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TxFailed
	if t.parent != nil {
		// The parent can continue after rolling back to the savepoint.
		t.parent.mu.Lock()
		if t.parent.state == TxBlocked && err == nil {
			t.parent.state = TxExecuting
		}
		t.parent.mu.Unlock()
		return
	}
	if t.conn != nil {
		t.pool.release(t.conn)
		t.conn = nil
	}
}

// SubTransaction returns a nested transaction backed by a savepoint.
func (t *Transaction) SubTransaction(ctx context.Context) (*Transaction, error) {
	t.mu.Lock()
	t.depth++
	name := fmt.Sprintf("s%d", t.depth)
	t.mu.Unlock()

	sub := &Transaction{pool: t.pool, parent: t, name: name}
	if err := sub.exec(ctx, "savepoint "+name); err != nil {
		return nil, err
	}
	return sub, nil
}

// State returns the transaction state.
func (t *Transaction) State() TxState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// noteFailure is called from the connection reader when a query belonging to
// this transaction fails. A CanFail query leaves the transaction usable for
// the caller (who typically rolls back to a savepoint); any other failure
// blocks it.
func (t *Transaction) noteFailure(q *Query, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if q.CanFail {
		return
	}
	if t.failure == nil {
		t.failure = err
	}
	t.state = TxBlocked
}

// connectionLost fails the whole transaction: a dropped connection loses the
// server-side transaction too.
func (t *Transaction) connectionLost(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failure == nil {
		t.failure = fmt.Errorf("%w: %v", ErrBroken, err)
	}
	t.state = TxFailed
	t.conn = nil
}

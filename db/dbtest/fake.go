// Package dbtest provides in-memory pgx transaction fakes for unit tests.
package dbtest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Tx is a pgx.Tx that records lifecycle calls. Begin returns a child Tx the
// way pgx models savepoints. Statement methods are not implemented; repositories
// are faked at their own interface.
type Tx struct {
	mu         sync.Mutex
	parent     *Tx
	children   []*Tx
	committed  bool
	rolledBack bool
	BeginErr   error
	CommitErr  error
}

// Begin opens a savepoint child.
func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.BeginErr != nil {
		return nil, t.BeginErr
	}
	child := &Tx{parent: t}
	t.children = append(t.children, child)
	return child, nil
}

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.CommitErr != nil {
		return t.CommitErr
	}
	if t.committed || t.rolledBack {
		return pgx.ErrTxClosed
	}
	t.committed = true
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.rolledBack {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

// Committed reports whether this transaction was committed.
func (t *Tx) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// RolledBack reports whether Rollback ran before any Commit.
func (t *Tx) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}

// Savepoints returns the children opened with Begin, in order.
func (t *Tx) Savepoints() []*Tx {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Tx, len(t.children))
	copy(out, t.children)
	return out
}

// Durable reports whether this transaction and every enclosing one committed.
func (t *Tx) Durable() bool {
	for cur := t; cur != nil; cur = cur.parent {
		if !cur.Committed() {
			return false
		}
	}
	return true
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}

// Pool hands out root transactions and remembers them.
type Pool struct {
	mu       sync.Mutex
	txs      []*Tx
	BeginErr error
}

// ErrPoolClosed is a convenience error for tests simulating connection loss.
var ErrPoolClosed = errors.New("dbtest: pool closed")

func (p *Pool) Begin(context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	tx := &Tx{}
	p.txs = append(p.txs, tx)
	return tx, nil
}

// Txs returns every transaction begun so far.
func (p *Pool) Txs() []*Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Tx, len(p.txs))
	copy(out, p.txs)
	return out
}

// Last returns the most recent transaction or nil.
func (p *Pool) Last() *Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.txs) == 0 {
		return nil
	}
	return p.txs[len(p.txs)-1]
}

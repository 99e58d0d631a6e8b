// Package processtest provides an in-memory process repository for handler
// tests.
package processtest

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"

	"dspflow/process"
)

// Repo is an in-memory process.Repository. FindErr and SaveErr, when set, are
// returned by every call.
type Repo[E process.Entity] struct {
	mu    sync.Mutex
	items map[string]E
	saves []E

	FindErr error
	SaveErr error
}

func NewRepo[E process.Entity](entities ...E) *Repo[E] {
	r := &Repo[E]{items: make(map[string]E)}
	for _, e := range entities {
		r.items[e.ProcessID()] = e
	}
	return r
}

func (r *Repo[E]) FindForUpdate(_ context.Context, _ pgx.Tx, id string) (E, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero E
	if r.FindErr != nil {
		return zero, r.FindErr
	}
	e, ok := r.items[id]
	if !ok {
		return zero, process.ErrNotFound
	}
	return e, nil
}

func (r *Repo[E]) Save(_ context.Context, _ pgx.Tx, e E) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SaveErr != nil {
		return r.SaveErr
	}
	r.items[e.ProcessID()] = e
	r.saves = append(r.saves, e)
	return nil
}

// Get returns the stored entity.
func (r *Repo[E]) Get(id string) (E, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[id]
	return e, ok
}

// Saves returns every saved value in order.
func (r *Repo[E]) Saves() []E {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]E, len(r.saves))
	copy(out, r.saves)
	return out
}

// Package tasktest provides an in-memory task.Store for unit tests.
package tasktest

import (
	"context"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"

	"dspflow/task"
)

// Store keeps tasks in a map. Writes apply immediately regardless of the
// transaction they were issued in.
type Store struct {
	mu          sync.Mutex
	tasks       map[string]task.Task
	deadLetters []task.DeadLetter

	// FetchErr, when set, is returned by the next FetchForUpdate and cleared.
	FetchErr error
	// CreateErr, when set, is returned by every Create.
	CreateErr error
	// OnFetch runs after every FetchForUpdate call with the 1-indexed call count.
	OnFetch func(call int)
	fetches int
}

func NewStore(tasks ...task.Task) *Store {
	s := &Store{tasks: make(map[string]task.Task)}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *Store) Create(_ context.Context, _ pgx.Tx, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	for _, existing := range s.tasks {
		if existing.ID == t.ID || sameKey(existing, t) {
			return task.ErrDuplicate
		}
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *Store) Update(_ context.Context, _ pgx.Tx, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return task.ErrNotFound
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *Store) Delete(_ context.Context, _ pgx.Tx, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *Store) FindByID(_ context.Context, _ pgx.Tx, id string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	return t, nil
}

func (s *Store) Exists(_ context.Context, _ pgx.Tx, processID, name, state string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Payload.ProcessID == processID && t.Name == name && t.Payload.ProcessState == state {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) FetchForUpdate(_ context.Context, _ pgx.Tx, c task.Criteria) ([]task.Task, error) {
	s.mu.Lock()
	s.fetches++
	call := s.fetches
	err := s.FetchErr
	s.FetchErr = nil

	var out []task.Task
	if err == nil {
		for _, t := range s.tasks {
			if t.ScheduledAt.After(c.Now) {
				continue
			}
			out = append(out, t)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		})
		if c.Limit > 0 && len(out) > c.Limit {
			out = out[:c.Limit]
		}
	}
	onFetch := s.OnFetch
	s.mu.Unlock()

	if onFetch != nil {
		onFetch(call)
	}
	return out, err
}

func (s *Store) PushDeadLetter(_ context.Context, _ pgx.Tx, d task.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, d)
	return nil
}

// All returns queued tasks ordered by creation time.
func (s *Store) All() []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DeadLetters returns dead-lettered tasks.
func (s *Store) DeadLetters() []task.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.DeadLetter, len(s.deadLetters))
	copy(out, s.deadLetters)
	return out
}

// Fetches returns how many times FetchForUpdate ran.
func (s *Store) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func sameKey(a, b task.Task) bool {
	return a.Name == b.Name &&
		a.Payload.ProcessID == b.Payload.ProcessID &&
		a.Payload.ProcessState == b.Payload.ProcessState
}

package task

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no task row exists for the provided identifier.
	ErrNotFound = errors.New("task: not found")
	// ErrDuplicate signals a task already queued for the same process, name and state.
	ErrDuplicate = errors.New("task: duplicate")
	// ErrDiscard marks a handler failure as permanent; the poller drops the task
	// instead of retrying it.
	ErrDiscard = errors.New("task: discard")
)

// Payload identifies the process a task acts on and the state the process must
// still be in when the task runs. ProcessType carries the role.
type Payload struct {
	ProcessID    string `json:"processId"`
	ProcessState string `json:"processState"`
	ProcessType  string `json:"processType"`
}

// Task is one queued unit of work. Group selects the executor (the process
// kind); Name selects the action within it.
type Task struct {
	ID          string
	Name        string
	Group       string
	Payload     Payload
	ScheduledAt time.Time
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
}

// New builds a task due at now.
func New(group, name string, payload Payload, now time.Time) Task {
	return Task{
		ID:          uuid.NewString(),
		Name:        name,
		Group:       group,
		Payload:     payload,
		ScheduledAt: now,
		CreatedAt:   now,
	}
}

// Criteria narrows FetchForUpdate.
type Criteria struct {
	Now    time.Time
	Limit  int
	Groups []string
}

// DeadLetter is a task that exhausted its retry budget.
type DeadLetter struct {
	ID         string
	TaskID     string
	Name       string
	Group      string
	Payload    Payload
	Error      string
	RetryCount int
	FailedAt   time.Time
}

// NewDeadLetter captures t and the error that exhausted it.
func NewDeadLetter(t Task, cause error, now time.Time) DeadLetter {
	msg := t.LastError
	if cause != nil {
		msg = cause.Error()
	}
	return DeadLetter{
		ID:         uuid.NewString(),
		TaskID:     t.ID,
		Name:       t.Name,
		Group:      t.Group,
		Payload:    t.Payload,
		Error:      msg,
		RetryCount: t.RetryCount,
		FailedAt:   now,
	}
}

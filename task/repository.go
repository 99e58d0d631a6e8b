package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Store is the durable queue. Every method runs inside the caller's transaction.
type Store interface {
	Create(ctx context.Context, tx pgx.Tx, t Task) error
	Update(ctx context.Context, tx pgx.Tx, t Task) error
	Delete(ctx context.Context, tx pgx.Tx, id string) error
	FindByID(ctx context.Context, tx pgx.Tx, id string) (Task, error)
	Exists(ctx context.Context, tx pgx.Tx, processID, name, state string) (bool, error)
	FetchForUpdate(ctx context.Context, tx pgx.Tx, c Criteria) ([]Task, error)
}

// DeadLetterStore keeps tasks that exhausted their retries.
type DeadLetterStore interface {
	PushDeadLetter(ctx context.Context, tx pgx.Tx, d DeadLetter) error
}

type PGStore struct{}

func NewStore() *PGStore {
	return &PGStore{}
}

const taskColumns = `id, name, grp, payload, scheduled_at, retry_count, last_error, created_at`

// Create inserts t. A task already queued for the same process, name and state
// yields ErrDuplicate without aborting the transaction.
func (s *PGStore) Create(ctx context.Context, tx pgx.Tx, t Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("task: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO tasks (id, name, grp, payload, scheduled_at, retry_count, last_error, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT DO NOTHING
`
	tag, err := tx.Exec(ctx, insertSQL, t.ID, t.Name, t.Group, payload, t.ScheduledAt, t.RetryCount, t.LastError, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("task: insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *PGStore) Update(ctx context.Context, tx pgx.Tx, t Task) error {
	const updateSQL = `
UPDATE tasks
SET scheduled_at = $2,
    retry_count = $3,
    last_error = $4
WHERE id = $1
`
	tag, err := tx.Exec(ctx, updateSQL, t.ID, t.ScheduledAt, t.RetryCount, t.LastError)
	if err != nil {
		return fmt.Errorf("task: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("task: delete: %w", err)
	}
	return nil
}

func (s *PGStore) FindByID(ctx context.Context, tx pgx.Tx, id string) (Task, error) {
	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, err
	}
	return t, nil
}

func (s *PGStore) Exists(ctx context.Context, tx pgx.Tx, processID, name, state string) (bool, error) {
	const existsSQL = `
SELECT EXISTS (
    SELECT 1 FROM tasks WHERE process_id = $1 AND name = $2 AND process_state = $3
)`
	var ok bool
	if err := tx.QueryRow(ctx, existsSQL, processID, name, state).Scan(&ok); err != nil {
		return false, fmt.Errorf("task: exists: %w", err)
	}
	return ok, nil
}

// FetchForUpdate returns due tasks oldest first and locks their rows until tx
// ends. Rows locked by another transaction are skipped.
func (s *PGStore) FetchForUpdate(ctx context.Context, tx pgx.Tx, c Criteria) ([]Task, error) {
	if c.Limit <= 0 {
		c.Limit = 1
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE scheduled_at <= $1`
	args := []any{c.Now}
	if len(c.Groups) > 0 {
		query += ` AND grp = ANY($2)`
		args = append(args, c.Groups)
	}
	query += fmt.Sprintf(` ORDER BY scheduled_at ASC, created_at ASC LIMIT %d FOR UPDATE SKIP LOCKED`, c.Limit)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("task: fetch for update: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, c.Limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task: fetch rows: %w", err)
	}
	return out, nil
}

func (s *PGStore) PushDeadLetter(ctx context.Context, tx pgx.Tx, d DeadLetter) error {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return fmt.Errorf("task: marshal dead letter payload: %w", err)
	}

	const insertSQL = `
INSERT INTO task_dead_letters (id, task_id, name, grp, payload, error, retry_count, failed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	if _, err := tx.Exec(ctx, insertSQL, d.ID, d.TaskID, d.Name, d.Group, payload, d.Error, d.RetryCount, d.FailedAt); err != nil {
		return fmt.Errorf("task: insert dead letter: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t       Task
		payload []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Group, &payload, &t.ScheduledAt, &t.RetryCount, &t.LastError, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, err
		}
		return Task{}, fmt.Errorf("task: scan: %w", err)
	}
	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return Task{}, fmt.Errorf("task: decode payload %s: %w", t.ID, err)
	}
	return t, nil
}

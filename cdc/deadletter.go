package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
)

// DeadLetter is a change record the listener gave up on.
type DeadLetter struct {
	Slot      string
	LSN       pglogrepl.LSN
	Relation  string
	Action    Action
	Record    json.RawMessage
	Error     string
	Attempts  int
	CreatedAt time.Time
}

// DeadLetterSink stores records that kept failing so the stream can move past
// them.
type DeadLetterSink interface {
	PushDeadLetter(ctx context.Context, d DeadLetter) error
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGDeadLetters writes dead letters to cdc_dead_letters through a regular
// (non-replication) connection pool.
type PGDeadLetters struct {
	db execer
}

func NewPGDeadLetters(db execer) *PGDeadLetters {
	return &PGDeadLetters{db: db}
}

func (s *PGDeadLetters) PushDeadLetter(ctx context.Context, d DeadLetter) error {
	record := d.Record
	if !json.Valid(record) {
		// undecodable payloads are kept as a JSON string
		quoted, err := json.Marshal(string(record))
		if err != nil {
			return fmt.Errorf("cdc: marshal dead letter: %w", err)
		}
		record = quoted
	}

	const insertSQL = `
INSERT INTO cdc_dead_letters (slot, lsn, table_name, action, record, error, attempts, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	if _, err := s.db.Exec(ctx, insertSQL, d.Slot, d.LSN.String(), d.Relation, string(d.Action), []byte(record), d.Error, d.Attempts, d.CreatedAt); err != nil {
		return fmt.Errorf("cdc: insert dead letter: %w", err)
	}
	return nil
}

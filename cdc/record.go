// Package cdc reads the PostgreSQL logical change stream produced by wal2json
// and hands row changes of the process tables to per-table consumers.
package cdc

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pglogrepl"
)

// Action is the wal2json change kind.
type Action string

const (
	ActionBegin    Action = "B"
	ActionCommit   Action = "C"
	ActionMessage  Action = "M"
	ActionInsert   Action = "I"
	ActionUpdate   Action = "U"
	ActionDelete   Action = "D"
	ActionTruncate Action = "T"
)

// Record is one decoded wal2json format-version 2 change. Columns holds the new
// row; Identity holds the old row for updates and deletes.
type Record struct {
	LSN      pglogrepl.LSN
	Action   Action
	Schema   string
	Table    string
	Columns  Row
	Identity Row
	Raw      json.RawMessage
}

type wireColumn struct {
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type wireRecord struct {
	Action   string       `json:"action"`
	Schema   string       `json:"schema"`
	Table    string       `json:"table"`
	Columns  []wireColumn `json:"columns"`
	Identity []wireColumn `json:"identity"`
}

// DecodeRecord parses a wal2json v2 payload.
func DecodeRecord(data []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, fmt.Errorf("cdc: decode record: %w", err)
	}
	if w.Action == "" {
		return Record{}, fmt.Errorf("cdc: decode record: missing action")
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)

	return Record{
		Action:   Action(w.Action),
		Schema:   w.Schema,
		Table:    w.Table,
		Columns:  toRow(w.Columns),
		Identity: toRow(w.Identity),
		Raw:      raw,
	}, nil
}

func toRow(cols []wireColumn) Row {
	if len(cols) == 0 {
		return nil
	}
	row := make(Row, len(cols))
	for _, c := range cols {
		row[c.Name] = c.Value
	}
	return row
}

// Relation returns schema.table.
func (r Record) Relation() string {
	if r.Schema == "" {
		return r.Table
	}
	return r.Schema + "." + r.Table
}

// IsChange reports whether r carries a row change rather than transaction
// framing or a logical message.
func (r Record) IsChange() bool {
	switch r.Action {
	case ActionInsert, ActionUpdate, ActionDelete, ActionTruncate:
		return true
	default:
		return false
	}
}

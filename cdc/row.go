package cdc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"dspflow/process"
)

// Row maps column names to their wal2json values. wal2json emits numbers and
// booleans as JSON literals and everything else as strings.
type Row map[string]json.RawMessage

var nullValue = []byte("null")

// Has reports whether the column is present and not null.
func (r Row) Has(col string) bool {
	v, ok := r[col]
	return ok && len(v) > 0 && !bytes.Equal(v, nullValue)
}

// String returns a text column. Null and missing columns are empty.
func (r Row) String(col string) (string, error) {
	if !r.Has(col) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(r[col], &s); err != nil {
		return "", fmt.Errorf("cdc: column %s: %w", col, err)
	}
	return s, nil
}

// Int returns an integer column. Null and missing columns are zero.
func (r Row) Int(col string) (int, error) {
	if !r.Has(col) {
		return 0, nil
	}
	raw := r[col]
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("cdc: column %s: %w", col, err)
		}
		raw = []byte(s)
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("cdc: column %s: %w", col, err)
	}
	return n, nil
}

// Bool returns a boolean column, accepting both JSON literals and the
// PostgreSQL text forms.
func (r Row) Bool(col string) (bool, error) {
	if !r.Has(col) {
		return false, nil
	}
	switch string(r[col]) {
	case "true", `"t"`, `"true"`:
		return true, nil
	case "false", `"f"`, `"false"`:
		return false, nil
	}
	return false, fmt.Errorf("cdc: column %s: not a boolean: %s", col, r[col])
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999",
	time.RFC3339Nano,
}

// Time returns a timestamp column in UTC.
func (r Row) Time(col string) (time.Time, error) {
	s, err := r.String(col)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cdc: column %s: unrecognised timestamp %q", col, s)
}

// JSON decodes a json/jsonb column into dst. It reports false for null or
// missing columns. The value may arrive as a quoted document or inline.
func (r Row) JSON(col string, dst any) (bool, error) {
	if !r.Has(col) {
		return false, nil
	}
	raw := r[col]
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return false, fmt.Errorf("cdc: column %s: %w", col, err)
		}
		raw = []byte(s)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("cdc: column %s: %w", col, err)
	}
	return true, nil
}

// rowReader collects the first column error so decoders can read many
// columns and check once.
type rowReader struct {
	row Row
	err error
}

func (rr *rowReader) str(col string) string {
	v, err := rr.row.String(col)
	rr.keep(err)
	return v
}

func (rr *rowReader) int(col string) int {
	v, err := rr.row.Int(col)
	rr.keep(err)
	return v
}

func (rr *rowReader) bool(col string) bool {
	v, err := rr.row.Bool(col)
	rr.keep(err)
	return v
}

func (rr *rowReader) time(col string) time.Time {
	v, err := rr.row.Time(col)
	rr.keep(err)
	return v
}

func (rr *rowReader) keep(err error) {
	if rr.err == nil {
		rr.err = err
	}
}

// DecodeBase reads the shared process columns from a replicated row.
func DecodeBase(row Row) (process.Base, error) {
	if !row.Has("id") || !row.Has("state") {
		return process.Base{}, fmt.Errorf("cdc: row lacks id or state")
	}
	rr := &rowReader{row: row}
	b := process.Base{
		ID:                    rr.str("id"),
		State:                 rr.int("state"),
		StateCount:            rr.int("state_count"),
		StateTimestamp:        rr.time("state_timestamp"),
		CorrelationID:         rr.str("correlation_id"),
		CounterPartyID:        rr.str("counter_party_id"),
		CounterPartyAddress:   rr.str("counter_party_address"),
		Protocol:              rr.str("protocol"),
		Pending:               rr.bool("pending"),
		ErrorDetail:           rr.str("error_detail"),
		CounterPartyRequested: rr.bool("counter_party_requested"),
		LastSentMessageID:     rr.str("last_sent_message_id"),
		CreatedAt:             rr.time("created_at"),
		UpdatedAt:             rr.time("updated_at"),
	}
	if rr.err != nil {
		return process.Base{}, rr.err
	}
	role, err := process.ParseRole(rr.str("role"))
	if err != nil {
		return process.Base{}, fmt.Errorf("cdc: %w", err)
	}
	b.Role = role
	return b, nil
}

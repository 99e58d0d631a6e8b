package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"dspflow/process"
	"dspflow/protocol"
)

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const columns = process.BaseColumns + `, contract_offers, agreement`

// FindByID loads a negotiation without locking it.
func (r *PGRepository) FindByID(ctx context.Context, tx pgx.Tx, id string) (Negotiation, error) {
	return r.find(ctx, tx, `SELECT `+columns+` FROM negotiations WHERE id = $1`, id)
}

// FindForUpdate loads a negotiation and locks its row until tx ends.
func (r *PGRepository) FindForUpdate(ctx context.Context, tx pgx.Tx, id string) (Negotiation, error) {
	return r.find(ctx, tx, `SELECT `+columns+` FROM negotiations WHERE id = $1 FOR UPDATE`, id)
}

func (r *PGRepository) find(ctx context.Context, tx pgx.Tx, query, id string) (Negotiation, error) {
	var (
		n         Negotiation
		offers    []byte
		agreement []byte
	)
	targets := append(n.ScanTargets(), &offers, &agreement)
	if err := tx.QueryRow(ctx, query, id).Scan(targets...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Negotiation{}, process.ErrNotFound
		}
		return Negotiation{}, fmt.Errorf("negotiation: select %s: %w", id, err)
	}

	if len(offers) > 0 {
		if err := json.Unmarshal(offers, &n.Offers); err != nil {
			return Negotiation{}, fmt.Errorf("negotiation: decode offers: %w", err)
		}
	}
	if len(agreement) > 0 {
		var a protocol.Agreement
		if err := json.Unmarshal(agreement, &a); err != nil {
			return Negotiation{}, fmt.Errorf("negotiation: decode agreement: %w", err)
		}
		n.Agreement = &a
	}
	return n, nil
}

// Create inserts a new negotiation.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, n Negotiation) error {
	args, err := values(n)
	if err != nil {
		return err
	}

	const insertSQL = `
INSERT INTO negotiations (` + columns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
`
	if _, err := tx.Exec(ctx, insertSQL, args...); err != nil {
		return fmt.Errorf("negotiation: insert: %w", err)
	}
	return nil
}

// Save overwrites the stored negotiation with n.
func (r *PGRepository) Save(ctx context.Context, tx pgx.Tx, n Negotiation) error {
	args, err := values(n)
	if err != nil {
		return err
	}

	const updateSQL = `
UPDATE negotiations
SET role = $2,
    state = $3,
    state_count = $4,
    state_timestamp = $5,
    correlation_id = $6,
    counter_party_id = $7,
    counter_party_address = $8,
    protocol = $9,
    pending = $10,
    error_detail = $11,
    counter_party_requested = $12,
    last_sent_message_id = $13,
    created_at = $14,
    updated_at = $15,
    contract_offers = $16,
    agreement = $17
WHERE id = $1
`
	tag, err := tx.Exec(ctx, updateSQL, args...)
	if err != nil {
		return fmt.Errorf("negotiation: update %s: %w", n.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return process.ErrNotFound
	}
	return nil
}

func values(n Negotiation) ([]any, error) {
	offers := n.Offers
	if offers == nil {
		offers = []protocol.Offer{}
	}
	offersJSON, err := json.Marshal(offers)
	if err != nil {
		return nil, fmt.Errorf("negotiation: encode offers: %w", err)
	}

	var agreement any
	if n.Agreement != nil {
		raw, err := json.Marshal(n.Agreement)
		if err != nil {
			return nil, fmt.Errorf("negotiation: encode agreement: %w", err)
		}
		agreement = raw
	}
	return append(n.Values(), offersJSON, agreement), nil
}

package transfer

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

const columns = process.BaseColumns + `, contract_id, asset_id, data_destination, data_address, data_plane_id`

// FindByID loads a transfer without locking it.
func (r *PGRepository) FindByID(ctx context.Context, tx pgx.Tx, id string) (Transfer, error) {
	return r.find(ctx, tx, `SELECT `+columns+` FROM transfers WHERE id = $1`, id)
}

// FindForUpdate loads a transfer and locks its row until tx ends.
func (r *PGRepository) FindForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transfer, error) {
	return r.find(ctx, tx, `SELECT `+columns+` FROM transfers WHERE id = $1 FOR UPDATE`, id)
}

func (r *PGRepository) find(ctx context.Context, tx pgx.Tx, query, id string) (Transfer, error) {
	var (
		t           Transfer
		destination []byte
		address     []byte
	)
	targets := append(t.ScanTargets(), &t.ContractID, &t.AssetID, &destination, &address, &t.DataPlaneID)
	if err := tx.QueryRow(ctx, query, id).Scan(targets...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, process.ErrNotFound
		}
		return Transfer{}, fmt.Errorf("transfer: select %s: %w", id, err)
	}

	var err error
	if t.DataDestination, err = decodeAddress(destination); err != nil {
		return Transfer{}, fmt.Errorf("transfer: decode data destination: %w", err)
	}
	if t.DataAddress, err = decodeAddress(address); err != nil {
		return Transfer{}, fmt.Errorf("transfer: decode data address: %w", err)
	}
	return t, nil
}

// Create inserts a new transfer.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, t Transfer) error {
	args, err := values(t)
	if err != nil {
		return err
	}

	const insertSQL = `
INSERT INTO transfers (` + columns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
`
	if _, err := tx.Exec(ctx, insertSQL, args...); err != nil {
		return fmt.Errorf("transfer: insert: %w", err)
	}
	return nil
}

// Save overwrites the stored transfer with t.
func (r *PGRepository) Save(ctx context.Context, tx pgx.Tx, t Transfer) error {
	args, err := values(t)
	if err != nil {
		return err
	}

	const updateSQL = `
UPDATE transfers
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
    contract_id = $16,
    asset_id = $17,
    data_destination = $18,
    data_address = $19,
    data_plane_id = $20
WHERE id = $1
`
	tag, err := tx.Exec(ctx, updateSQL, args...)
	if err != nil {
		return fmt.Errorf("transfer: update %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return process.ErrNotFound
	}
	return nil
}

func values(t Transfer) ([]any, error) {
	destination, err := encodeAddress(t.DataDestination)
	if err != nil {
		return nil, fmt.Errorf("transfer: encode data destination: %w", err)
	}
	address, err := encodeAddress(t.DataAddress)
	if err != nil {
		return nil, fmt.Errorf("transfer: encode data address: %w", err)
	}
	return append(t.Values(), t.ContractID, t.AssetID, destination, address, t.DataPlaneID), nil
}

func encodeAddress(a *protocol.DataAddress) (any, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

func decodeAddress(raw []byte) (*protocol.DataAddress, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var a protocol.DataAddress
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

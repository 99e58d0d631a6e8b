package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"dspflow/negotiation"
)

// ErrPolicyNotFound is returned when no finalized agreement matches a contract
// id.
var ErrPolicyNotFound = errors.New("transfer: agreement policy not found")

// PolicyArchive resolves the policy of a finalized agreement.
type PolicyArchive interface {
	FindPolicy(ctx context.Context, tx pgx.Tx, contractID string) (Policy, error)
}

// PGPolicyArchive reads policies from the agreements stored on finalized
// negotiations.
type PGPolicyArchive struct{}

func NewPolicyArchive() *PGPolicyArchive {
	return &PGPolicyArchive{}
}

func (a *PGPolicyArchive) FindPolicy(ctx context.Context, tx pgx.Tx, contractID string) (Policy, error) {
	const selectSQL = `
SELECT COALESCE(agreement->'policy', '{}'::jsonb)
FROM negotiations
WHERE agreement->>'@id' = $1
  AND state = $2
LIMIT 1
`
	var raw []byte
	if err := tx.QueryRow(ctx, selectSQL, contractID, int(negotiation.Finalized)).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("transfer: select policy for %s: %w", contractID, err)
	}

	policy := Policy{}
	if err := json.Unmarshal(raw, &policy); err != nil {
		return nil, fmt.Errorf("transfer: decode policy for %s: %w", contractID, err)
	}
	return policy, nil
}

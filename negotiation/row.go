package negotiation

import (
	"fmt"

	"dspflow/cdc"
	"dspflow/protocol"
)

// DecodeRow rebuilds a negotiation from a replicated negotiations row.
func DecodeRow(row cdc.Row) (Negotiation, error) {
	b, err := cdc.DecodeBase(row)
	if err != nil {
		return Negotiation{}, fmt.Errorf("negotiation: %w", err)
	}
	n := Negotiation{Base: b}

	if _, err := row.JSON("contract_offers", &n.Offers); err != nil {
		return Negotiation{}, fmt.Errorf("negotiation: %w", err)
	}
	var a protocol.Agreement
	ok, err := row.JSON("agreement", &a)
	if err != nil {
		return Negotiation{}, fmt.Errorf("negotiation: %w", err)
	}
	if ok {
		n.Agreement = &a
	}
	return n, nil
}

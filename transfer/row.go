package transfer

import (
	"fmt"

	"dspflow/cdc"
	"dspflow/protocol"
)

// DecodeRow rebuilds a transfer from a replicated transfers row.
func DecodeRow(row cdc.Row) (Transfer, error) {
	b, err := cdc.DecodeBase(row)
	if err != nil {
		return Transfer{}, fmt.Errorf("transfer: %w", err)
	}
	t := Transfer{Base: b}

	if t.ContractID, err = row.String("contract_id"); err != nil {
		return Transfer{}, fmt.Errorf("transfer: %w", err)
	}
	if t.AssetID, err = row.String("asset_id"); err != nil {
		return Transfer{}, fmt.Errorf("transfer: %w", err)
	}
	if t.DataPlaneID, err = row.String("data_plane_id"); err != nil {
		return Transfer{}, fmt.Errorf("transfer: %w", err)
	}
	if t.DataDestination, err = addressColumn(row, "data_destination"); err != nil {
		return Transfer{}, err
	}
	if t.DataAddress, err = addressColumn(row, "data_address"); err != nil {
		return Transfer{}, err
	}
	return t, nil
}

func addressColumn(row cdc.Row, col string) (*protocol.DataAddress, error) {
	var a protocol.DataAddress
	ok, err := row.JSON(col, &a)
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &a, nil
}

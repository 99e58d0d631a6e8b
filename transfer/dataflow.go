package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"dspflow/logging"
	"dspflow/protocol"
)

// Policy is the usage policy of the agreement a transfer runs under.
type Policy map[string]any

// DataFlow is what a data plane returns for a started transfer.
type DataFlow struct {
	Address     protocol.DataAddress
	DataPlaneID string
}

// DataFlowController opens and closes data flows on the provider's data
// plane.
type DataFlowController interface {
	Start(ctx context.Context, t Transfer, policy Policy) (DataFlow, error)
	Suspend(ctx context.Context, t Transfer) error
	Terminate(ctx context.Context, t Transfer) error
}

// StaticDataPlane serves every transfer from one configured HTTP endpoint.
type StaticDataPlane struct {
	id       string
	endpoint string
	logger   *slog.Logger
}

func NewStaticDataPlane(id, endpoint string, logger *slog.Logger) *StaticDataPlane {
	if logger == nil {
		logger = logging.Discard()
	}
	return &StaticDataPlane{id: id, endpoint: strings.TrimRight(endpoint, "/"), logger: logger}
}

func (p *StaticDataPlane) Start(_ context.Context, t Transfer, _ Policy) (DataFlow, error) {
	if p.endpoint == "" {
		return DataFlow{}, fmt.Errorf("transfer: data plane %s has no endpoint", p.id)
	}
	p.logger.Info("data flow started",
		slog.String("transfer_id", t.ID),
		slog.String("asset_id", t.AssetID),
		slog.String("data_plane", p.id),
	)
	return DataFlow{
		Address: protocol.DataAddress{
			Type:     "HttpData",
			Endpoint: p.endpoint + "/" + url.PathEscape(t.AssetID),
			Properties: map[string]string{
				"transferId": t.ID,
				"contractId": t.ContractID,
			},
		},
		DataPlaneID: p.id,
	}, nil
}

func (p *StaticDataPlane) Suspend(_ context.Context, t Transfer) error {
	p.logger.Info("data flow suspended", slog.String("transfer_id", t.ID), slog.String("data_plane", p.id))
	return nil
}

func (p *StaticDataPlane) Terminate(_ context.Context, t Transfer) error {
	p.logger.Info("data flow terminated", slog.String("transfer_id", t.ID), slog.String("data_plane", p.id))
	return nil
}

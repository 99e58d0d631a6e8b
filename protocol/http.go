package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dspflow/logging"
)

// ErrRejected is returned when the counterparty answers with a non-2xx status.
var ErrRejected = errors.New("protocol: message rejected")

var messagePaths = map[string]string{
	"ContractRequestMessage":                "negotiations/request",
	"ContractAgreementMessage":              "negotiations/agreement",
	"ContractAgreementVerificationMessage":  "negotiations/agreement/verification",
	"ContractNegotiationEventMessage":       "negotiations/events",
	"ContractNegotiationTerminationMessage": "negotiations/termination",
	"TransferRequestMessage":                "transfers/request",
	"TransferStartMessage":                  "transfers/start",
	"TransferSuspensionMessage":             "transfers/suspension",
	"TransferCompletionMessage":             "transfers/completion",
	"TransferTerminationMessage":            "transfers/termination",
}

// HTTPDispatcher posts messages as JSON to {participant address}/{path}.
type HTTPDispatcher struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

func NewHTTPDispatcher(client *http.Client, timeout time.Duration, logger *slog.Logger) *HTTPDispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &HTTPDispatcher{client: client, timeout: timeout, logger: logger}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, to Participant, msg Message) (Response, error) {
	path, ok := messagePaths[msg.Type()]
	if !ok {
		return Response{}, fmt.Errorf("protocol: no route for %s", msg.Type())
	}
	if to.Address == "" {
		return Response{}, fmt.Errorf("protocol: %s: counterparty address missing", msg.Type())
	}

	body, err := encode(msg)
	if err != nil {
		return Response{}, err
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	url := strings.TrimRight(to.Address, "/") + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("protocol: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("protocol: post %s: %w", msg.Type(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("protocol: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, fmt.Errorf("%w: %s returned %d: %s", ErrRejected, msg.Type(), resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	d.logger.Debug("message dispatched",
		slog.String("type", msg.Type()),
		slog.String("counter_party", to.ID),
		slog.Int("status", resp.StatusCode),
	)

	var out Response
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("protocol: decode response: %w", err)
	}
	return out, nil
}

// encode adds the @type discriminator to the message JSON.
func encode(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", msg.Type(), err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", msg.Type(), err)
	}
	fields["@type"] = msg.Type()
	return json.Marshal(fields)
}

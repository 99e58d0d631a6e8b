// Package protocol defines the outbound messages exchanged with counterparties
// and the dispatcher that delivers them.
package protocol

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Participant addresses a counterparty.
type Participant struct {
	ID       string
	Address  string
	Protocol string
}

// Correlation is embedded in every message. ConsumerPID and ProviderPID are
// each side's process id.
type Correlation struct {
	MessageID   string `json:"@id"`
	ConsumerPID string `json:"consumerPid"`
	ProviderPID string `json:"providerPid,omitempty"`
}

// NewCorrelation assigns a fresh message id.
func NewCorrelation(consumerPID, providerPID string) Correlation {
	return Correlation{MessageID: uuid.NewString(), ConsumerPID: consumerPID, ProviderPID: providerPID}
}

func (c Correlation) Correlated() Correlation { return c }

// Message is anything a Dispatcher can send.
type Message interface {
	Type() string
	Correlated() Correlation
}

// Response is the counterparty's acknowledgement. ProcessID is its own id for
// the process and is empty when the reply carries none.
type Response struct {
	ProcessID string `json:"processId,omitempty"`
	State     string `json:"state,omitempty"`
}

// Dispatcher delivers a message and waits for the counterparty's response.
type Dispatcher interface {
	Dispatch(ctx context.Context, to Participant, msg Message) (Response, error)
}

// Offer is a contract offer proposed by the consumer.
type Offer struct {
	ID      string         `json:"@id"`
	AssetID string         `json:"assetId"`
	Policy  map[string]any `json:"policy,omitempty"`
}

// Agreement is the contract the provider grants.
type Agreement struct {
	ID          string         `json:"@id"`
	AssetID     string         `json:"assetId"`
	ConsumerID  string         `json:"consumerId"`
	ProviderID  string         `json:"providerId"`
	Policy      map[string]any `json:"policy,omitempty"`
	SigningDate time.Time      `json:"signingDate"`
}

// DataAddress locates data for a transfer.
type DataAddress struct {
	Type       string            `json:"type"`
	Endpoint   string            `json:"endpoint,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

type ContractRequestMessage struct {
	Correlation
	CallbackAddress string `json:"callbackAddress"`
	Offer           Offer  `json:"offer"`
}

func (ContractRequestMessage) Type() string { return "ContractRequestMessage" }

type ContractAgreementMessage struct {
	Correlation
	CallbackAddress string    `json:"callbackAddress"`
	Agreement       Agreement `json:"agreement"`
}

func (ContractAgreementMessage) Type() string { return "ContractAgreementMessage" }

type ContractAgreementVerificationMessage struct {
	Correlation
}

func (ContractAgreementVerificationMessage) Type() string {
	return "ContractAgreementVerificationMessage"
}

// ContractNegotiationEventMessage announces ACCEPTED or FINALIZED.
type ContractNegotiationEventMessage struct {
	Correlation
	EventType string `json:"eventType"`
}

func (ContractNegotiationEventMessage) Type() string { return "ContractNegotiationEventMessage" }

type ContractNegotiationTerminationMessage struct {
	Correlation
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (ContractNegotiationTerminationMessage) Type() string {
	return "ContractNegotiationTerminationMessage"
}

type TransferRequestMessage struct {
	Correlation
	AgreementID     string       `json:"agreementId"`
	Format          string       `json:"format,omitempty"`
	DataAddress     *DataAddress `json:"dataAddress,omitempty"`
	CallbackAddress string       `json:"callbackAddress"`
}

func (TransferRequestMessage) Type() string { return "TransferRequestMessage" }

type TransferStartMessage struct {
	Correlation
	DataAddress *DataAddress `json:"dataAddress,omitempty"`
}

func (TransferStartMessage) Type() string { return "TransferStartMessage" }

type TransferSuspensionMessage struct {
	Correlation
	Reason string `json:"reason,omitempty"`
}

func (TransferSuspensionMessage) Type() string { return "TransferSuspensionMessage" }

type TransferCompletionMessage struct {
	Correlation
}

func (TransferCompletionMessage) Type() string { return "TransferCompletionMessage" }

type TransferTerminationMessage struct {
	Correlation
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (TransferTerminationMessage) Type() string { return "TransferTerminationMessage" }

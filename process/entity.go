// Package process holds what every process kind shares: the persisted base
// record, the state graph, the generic task executor and the state machine
// that turns replicated transitions into queued work.
package process

import (
	"fmt"
	"strings"
	"time"

	"dspflow/protocol"
)

// Role is the side of the protocol this instance plays for a process.
type Role string

const (
	Consumer Role = "CONSUMER"
	Provider Role = "PROVIDER"
)

// ParseRole accepts the persisted role names case-insensitively.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case Consumer:
		return Consumer, nil
	case Provider:
		return Provider, nil
	default:
		return "", fmt.Errorf("process: unknown role %q", s)
	}
}

// Entity is the view the generic executor needs of a process kind. Kinds are
// value types; transitions return a new value.
type Entity interface {
	ProcessID() string
	ProcessRole() Role
	StateCode() int
	StateName() string
	IsTerminal() bool
	IsPending() bool
}

// Base carries the fields every process kind persists.
type Base struct {
	ID                    string
	Role                  Role
	State                 int
	StateCount            int
	StateTimestamp        time.Time
	CorrelationID         string
	CounterPartyID        string
	CounterPartyAddress   string
	Protocol              string
	Pending               bool
	ErrorDetail           string
	CounterPartyRequested bool
	LastSentMessageID     string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// NewBase returns a base record in state at now.
func NewBase(id string, role Role, state int, now time.Time) Base {
	return Base{
		ID:             id,
		Role:           role,
		State:          state,
		StateCount:     1,
		StateTimestamp: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (b Base) ProcessID() string { return b.ID }
func (b Base) ProcessRole() Role { return b.Role }
func (b Base) StateCode() int { return b.State }
func (b Base) IsPending() bool { return b.Pending }
func (b Base) IsConsumer() bool { return b.Role == Consumer }
func (b Base) IsProvider() bool { return b.Role == Provider }
func (b Base) HasCorrelation() bool { return b.CorrelationID != "" }

// Enter moves b into state. Re-entering the current state bumps the count.
// The counterparty flag only survives into the state it was raised for.
func (b Base) Enter(state int, now time.Time) Base {
	if b.State == state {
		b.StateCount++
	} else {
		b.StateCount = 1
	}
	b.State = state
	b.StateTimestamp = now
	b.UpdatedAt = now
	b.CounterPartyRequested = false
	return b
}

// ProcessIDs returns the consumer and provider process ids for messages
// exchanged about this process.
func (b Base) ProcessIDs() (consumerPID, providerPID string) {
	if b.Role == Consumer {
		return b.ID, b.CorrelationID
	}
	return b.CorrelationID, b.ID
}

// CounterParty addresses the other side of the process.
func (b Base) CounterParty() protocol.Participant {
	return protocol.Participant{ID: b.CounterPartyID, Address: b.CounterPartyAddress, Protocol: b.Protocol}
}

// Correlation builds message correlation ids for the next outbound message.
func (b Base) Correlation() protocol.Correlation {
	consumerPID, providerPID := b.ProcessIDs()
	return protocol.NewCorrelation(consumerPID, providerPID)
}

// Snapshot returns the shared fields of a process kind embedding Base.
func (b Base) Snapshot() Base { return b }

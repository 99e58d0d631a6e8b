// Package bus replicates process state changes between instances over NATS
// JetStream.
package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dspflow/process"
)

// Events is the bidirectional state ↔ event type table of one process kind.
type Events struct {
	prefix  string
	byState map[int]string
	byType  map[string]int
}

// NewEvents builds the table from a state code → event type map. prefix is
// the subject prefix of the kind.
func NewEvents(prefix string, types map[int]string) Events {
	e := Events{
		prefix:  prefix,
		byState: make(map[int]string, len(types)),
		byType:  make(map[string]int, len(types)),
	}
	for state, name := range types {
		e.byState[state] = name
		e.byType[name] = state
	}
	return e
}

func (e Events) Prefix() string { return e.prefix }

// Type returns the event type announcing state.
func (e Events) Type(state int) (string, bool) {
	name, ok := e.byState[state]
	return name, ok
}

// State returns the state an event type announces.
func (e Events) State(eventType string) (int, bool) {
	state, ok := e.byType[eventType]
	return state, ok
}

// Subject is the subject events of this kind are published on for a role and
// state, e.g. negotiation.consumer.requested.
func (e Events) Subject(role process.Role, stateName string) string {
	return strings.ToLower(e.prefix + "." + string(role) + "." + stateName)
}

// Wildcard matches every subject of this kind.
func (e Events) Wildcard() string {
	return strings.ToLower(e.prefix) + ".>"
}

// Payload is the process snapshot carried by an event.
type Payload struct {
	ID                  string `json:"id"`
	Role                string `json:"role"`
	State               string `json:"state"`
	CorrelationID       string `json:"correlationId,omitempty"`
	CounterPartyID      string `json:"counterPartyId,omitempty"`
	CounterPartyAddress string `json:"counterPartyAddress,omitempty"`
	Protocol            string `json:"protocol,omitempty"`
}

// Envelope is the JSON document published for every event. At is in epoch
// milliseconds.
type Envelope struct {
	Type    string  `json:"type"`
	Payload Payload `json:"payload"`
	At      int64   `json:"at"`
}

// Time returns At as a time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.At).UTC()
}

// NewEnvelope snapshots b in the named state.
func NewEnvelope(eventType string, b process.Base, stateName string, at time.Time) Envelope {
	return Envelope{
		Type: eventType,
		Payload: Payload{
			ID:                  b.ID,
			Role:                string(b.Role),
			State:               stateName,
			CorrelationID:       b.CorrelationID,
			CounterPartyID:      b.CounterPartyID,
			CounterPartyAddress: b.CounterPartyAddress,
			Protocol:            b.Protocol,
		},
		At: at.UnixMilli(),
	}
}

// DecodeEnvelope parses a published event.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("bus: decode envelope: %w", err)
	}
	if env.Type == "" || env.Payload.ID == "" {
		return Envelope{}, fmt.Errorf("bus: decode envelope: missing type or process id")
	}
	return env, nil
}

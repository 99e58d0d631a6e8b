// Package protocoltest provides a recording Dispatcher.
package protocoltest

import (
	"context"
	"sync"

	"dspflow/protocol"
)

// Sent is one recorded dispatch.
type Sent struct {
	To      protocol.Participant
	Message protocol.Message
}

// Dispatcher records every message and answers with Response, or Err when set.
type Dispatcher struct {
	mu   sync.Mutex
	sent []Sent

	Response protocol.Response
	Err      error
}

func (d *Dispatcher) Dispatch(_ context.Context, to protocol.Participant, msg protocol.Message) (protocol.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, Sent{To: to, Message: msg})
	if d.Err != nil {
		return protocol.Response{}, d.Err
	}
	return d.Response, nil
}

// Sent returns the recorded dispatches in order.
func (d *Dispatcher) Sent() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Sent, len(d.sent))
	copy(out, d.sent)
	return out
}

// Last returns the most recent dispatch.
func (d *Dispatcher) Last() (Sent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		return Sent{}, false
	}
	return d.sent[len(d.sent)-1], true
}

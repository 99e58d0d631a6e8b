package bus_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dspflow/bus"
	"dspflow/negotiation"
	"dspflow/protocol"
)

type published struct {
	subject string
	data    []byte
}

type memorySink struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (s *memorySink) Publish(_ context.Context, subject string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, published{subject: subject, data: data})
	return nil
}

var at = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func requested() negotiation.Negotiation {
	n := negotiation.NewConsumer("n1", protocol.Participant{ID: "cp", Address: "https://cp.example/dsp"}, protocol.Offer{ID: "o1"}, at)
	n.State = int(negotiation.Requested)
	n.CorrelationID = "provider-pid"
	return n
}

func newPublisher(sink bus.Sink, types map[int]string) *bus.Publisher[negotiation.Negotiation] {
	return bus.NewPublisher[negotiation.Negotiation](bus.NewEvents(negotiation.EventPrefix, types), sink, nil, nil).
		WithClock(func() time.Time { return at })
}

func TestPublisher_NotStarted(t *testing.T) {
	p := newPublisher(&memorySink{}, negotiation.EventTypes())

	err := p.OnChange(context.Background(), nil, requested())
	assert.ErrorIs(t, err, bus.ErrPublisherNotStarted)
}

func TestPublisher_PublishesEnvelope(t *testing.T) {
	sink := &memorySink{}
	p := newPublisher(sink, negotiation.EventTypes())
	p.Start()

	require.NoError(t, p.OnChange(context.Background(), nil, requested()))

	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "negotiation.consumer.requested", sink.msgs[0].subject)

	var env bus.Envelope
	require.NoError(t, json.Unmarshal(sink.msgs[0].data, &env))
	assert.Equal(t, "ContractNegotiationRequested", env.Type)
	assert.Equal(t, "n1", env.Payload.ID)
	assert.Equal(t, "CONSUMER", env.Payload.Role)
	assert.Equal(t, "REQUESTED", env.Payload.State)
	assert.Equal(t, "provider-pid", env.Payload.CorrelationID)
	assert.Equal(t, "https://cp.example/dsp", env.Payload.CounterPartyAddress)
	assert.Equal(t, at.UnixMilli(), env.At)
}

func TestPublisher_UnmappedStateIsSkipped(t *testing.T) {
	sink := &memorySink{}
	p := newPublisher(sink, map[int]string{int(negotiation.Agreed): "ContractNegotiationAgreed"})
	p.Start()

	require.NoError(t, p.OnChange(context.Background(), nil, requested()))
	assert.Empty(t, sink.msgs)
}

func TestPublisher_SinkError(t *testing.T) {
	p := newPublisher(&memorySink{err: errors.New("no responders")}, negotiation.EventTypes())
	p.Start()

	err := p.OnChange(context.Background(), nil, requested())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no responders")
}

func TestPublisher_StopRefusesAgain(t *testing.T) {
	p := newPublisher(&memorySink{}, negotiation.EventTypes())
	p.Start()
	p.Stop()

	assert.ErrorIs(t, p.OnChange(context.Background(), nil, requested()), bus.ErrPublisherNotStarted)
}

// Package negotiation drives contract negotiations between a consumer and a
// provider through their persisted state machine.
package negotiation

import (
	"slices"
	"time"

	"dspflow/process"
	"dspflow/protocol"
)

// Negotiation is a contract negotiation as seen by this participant. Values
// are immutable; transitions return a new Negotiation.
type Negotiation struct {
	process.Base
	Offers    []protocol.Offer
	Agreement *protocol.Agreement
}

// NewConsumer starts a negotiation this participant requests.
func NewConsumer(id string, counterParty protocol.Participant, offer protocol.Offer, now time.Time) Negotiation {
	return newNegotiation(id, process.Consumer, counterParty, offer, now)
}

// NewProvider records a negotiation requested by a counterparty. correlationID
// is the consumer's process id.
func NewProvider(id, correlationID string, counterParty protocol.Participant, offer protocol.Offer, now time.Time) Negotiation {
	n := newNegotiation(id, process.Provider, counterParty, offer, now)
	n.CorrelationID = correlationID
	return n
}

func newNegotiation(id string, role process.Role, counterParty protocol.Participant, offer protocol.Offer, now time.Time) Negotiation {
	b := process.NewBase(id, role, int(Initial), now)
	b.CounterPartyID = counterParty.ID
	b.CounterPartyAddress = counterParty.Address
	b.Protocol = counterParty.Protocol
	return Negotiation{Base: b, Offers: []protocol.Offer{offer}}
}

func (n Negotiation) Current() State { return State(n.State) }

func (n Negotiation) StateName() string { return n.Current().String() }

func (n Negotiation) IsTerminal() bool { return graph.IsTerminal(n.State) }

// LastOffer returns the most recent contract offer.
func (n Negotiation) LastOffer() (protocol.Offer, bool) {
	if len(n.Offers) == 0 {
		return protocol.Offer{}, false
	}
	return n.Offers[len(n.Offers)-1], true
}

// WithOffer appends a counter offer.
func (n Negotiation) WithOffer(o protocol.Offer) Negotiation {
	n.Offers = append(slices.Clone(n.Offers), o)
	return n
}

func (n Negotiation) transition(to State, now time.Time) (Negotiation, error) {
	if err := graph.Check(n.State, int(to), stateName); err != nil {
		return n, err
	}
	n.Base = n.Base.Enter(int(to), now)
	return n, nil
}

func (n Negotiation) TransitionRequesting(now time.Time) (Negotiation, error) {
	return n.transition(Requesting, now)
}

func (n Negotiation) TransitionRequested(now time.Time) (Negotiation, error) {
	return n.transition(Requested, now)
}

func (n Negotiation) TransitionOffering(now time.Time) (Negotiation, error) {
	return n.transition(Offering, now)
}

func (n Negotiation) TransitionOffered(now time.Time) (Negotiation, error) {
	return n.transition(Offered, now)
}

func (n Negotiation) TransitionAccepting(now time.Time) (Negotiation, error) {
	return n.transition(Accepting, now)
}

func (n Negotiation) TransitionAccepted(now time.Time) (Negotiation, error) {
	return n.transition(Accepted, now)
}

// TransitionAgreeing records the agreement the provider is about to send.
func (n Negotiation) TransitionAgreeing(a protocol.Agreement, now time.Time) (Negotiation, error) {
	next, err := n.transition(Agreeing, now)
	if err != nil {
		return n, err
	}
	next.Agreement = &a
	return next, nil
}

func (n Negotiation) TransitionAgreed(now time.Time) (Negotiation, error) {
	return n.transition(Agreed, now)
}

// ReceiveAgreement moves a consumer negotiation to AGREED with the agreement
// the provider sent.
func (n Negotiation) ReceiveAgreement(a protocol.Agreement, now time.Time) (Negotiation, error) {
	next, err := n.transition(Agreed, now)
	if err != nil {
		return n, err
	}
	next.Agreement = &a
	next.CounterPartyRequested = true
	return next, nil
}

func (n Negotiation) TransitionVerifying(now time.Time) (Negotiation, error) {
	return n.transition(Verifying, now)
}

func (n Negotiation) TransitionVerified(now time.Time) (Negotiation, error) {
	return n.transition(Verified, now)
}

func (n Negotiation) TransitionFinalizing(now time.Time) (Negotiation, error) {
	return n.transition(Finalizing, now)
}

func (n Negotiation) TransitionFinalized(now time.Time) (Negotiation, error) {
	return n.transition(Finalized, now)
}

// TransitionTerminating starts termination. byCounterParty marks a
// termination the counterparty asked for, which is then not echoed back.
func (n Negotiation) TransitionTerminating(reason string, byCounterParty bool, now time.Time) (Negotiation, error) {
	next, err := n.transition(Terminating, now)
	if err != nil {
		return n, err
	}
	next.ErrorDetail = reason
	next.CounterPartyRequested = byCounterParty
	return next, nil
}

func (n Negotiation) TransitionTerminated(detail string, now time.Time) (Negotiation, error) {
	next, err := n.transition(Terminated, now)
	if err != nil {
		return n, err
	}
	if detail != "" {
		next.ErrorDetail = detail
	}
	return next, nil
}

// terminate ends a negotiation after a fatal task failure.
func terminate(n Negotiation, detail string, now time.Time) Negotiation {
	n.Base = n.Base.Enter(int(Terminated), now)
	n.ErrorDetail = detail
	return n
}

// Package transfer drives data transfer processes that run under an agreed
// contract.
package transfer

import (
	"time"

	"dspflow/process"
	"dspflow/protocol"
)

// Transfer is a transfer process as seen by this participant. Values are
// immutable; transitions return a new Transfer.
type Transfer struct {
	process.Base
	// ContractID is the agreement the transfer runs under.
	ContractID      string
	AssetID         string
	DataDestination *protocol.DataAddress
	// DataAddress is where the consumer pulls data from, resolved by the
	// provider's data plane.
	DataAddress *protocol.DataAddress
	DataPlaneID string
}

// NewConsumer starts a transfer this participant requests.
func NewConsumer(id string, counterParty protocol.Participant, contractID, assetID string, destination *protocol.DataAddress, now time.Time) Transfer {
	t := newTransfer(id, process.Consumer, counterParty, contractID, assetID, now)
	t.DataDestination = destination
	return t
}

// NewProvider records a transfer requested by a counterparty. correlationID is
// the consumer's process id.
func NewProvider(id, correlationID string, counterParty protocol.Participant, contractID, assetID string, destination *protocol.DataAddress, now time.Time) Transfer {
	t := newTransfer(id, process.Provider, counterParty, contractID, assetID, now)
	t.CorrelationID = correlationID
	t.DataDestination = destination
	return t
}

func newTransfer(id string, role process.Role, counterParty protocol.Participant, contractID, assetID string, now time.Time) Transfer {
	b := process.NewBase(id, role, int(Initial), now)
	b.CounterPartyID = counterParty.ID
	b.CounterPartyAddress = counterParty.Address
	b.Protocol = counterParty.Protocol
	return Transfer{Base: b, ContractID: contractID, AssetID: assetID}
}

func (t Transfer) Current() State { return State(t.State) }

func (t Transfer) StateName() string { return t.Current().String() }

func (t Transfer) IsTerminal() bool { return graph.IsTerminal(t.State) }

func (t Transfer) transition(to State, now time.Time) (Transfer, error) {
	if err := graph.Check(t.State, int(to), stateName); err != nil {
		return t, err
	}
	t.Base = t.Base.Enter(int(to), now)
	return t, nil
}

func (t Transfer) TransitionRequesting(now time.Time) (Transfer, error) {
	return t.transition(Requesting, now)
}

func (t Transfer) TransitionRequested(now time.Time) (Transfer, error) {
	return t.transition(Requested, now)
}

// TransitionStarting records the data flow the provider's data plane opened.
func (t Transfer) TransitionStarting(flow DataFlow, now time.Time) (Transfer, error) {
	next, err := t.transition(Starting, now)
	if err != nil {
		return t, err
	}
	address := flow.Address
	next.DataAddress = &address
	next.DataPlaneID = flow.DataPlaneID
	return next, nil
}

// TransitionStarted marks the transfer started. A consumer passes the data
// address from the provider's start message; a provider passes nil.
func (t Transfer) TransitionStarted(address *protocol.DataAddress, now time.Time) (Transfer, error) {
	next, err := t.transition(Started, now)
	if err != nil {
		return t, err
	}
	if address != nil {
		next.DataAddress = address
		next.CounterPartyRequested = true
	}
	return next, nil
}

func (t Transfer) TransitionSuspending(reason string, byCounterParty bool, now time.Time) (Transfer, error) {
	next, err := t.transition(Suspending, now)
	if err != nil {
		return t, err
	}
	next.ErrorDetail = reason
	next.CounterPartyRequested = byCounterParty
	return next, nil
}

func (t Transfer) TransitionSuspended(now time.Time) (Transfer, error) {
	return t.transition(Suspended, now)
}

func (t Transfer) TransitionResuming(byCounterParty bool, now time.Time) (Transfer, error) {
	next, err := t.transition(Resuming, now)
	if err != nil {
		return t, err
	}
	next.ErrorDetail = ""
	next.CounterPartyRequested = byCounterParty
	return next, nil
}

func (t Transfer) TransitionResumed(now time.Time) (Transfer, error) {
	return t.transition(Resumed, now)
}

func (t Transfer) TransitionCompleting(byCounterParty bool, now time.Time) (Transfer, error) {
	next, err := t.transition(Completing, now)
	if err != nil {
		return t, err
	}
	next.CounterPartyRequested = byCounterParty
	return next, nil
}

func (t Transfer) TransitionCompleted(now time.Time) (Transfer, error) {
	return t.transition(Completed, now)
}

// TransitionTerminating starts termination. byCounterParty marks a
// termination the counterparty asked for, which is then not echoed back.
func (t Transfer) TransitionTerminating(reason string, byCounterParty bool, now time.Time) (Transfer, error) {
	next, err := t.transition(Terminating, now)
	if err != nil {
		return t, err
	}
	next.ErrorDetail = reason
	next.CounterPartyRequested = byCounterParty
	return next, nil
}

func (t Transfer) TransitionTerminated(detail string, now time.Time) (Transfer, error) {
	next, err := t.transition(Terminated, now)
	if err != nil {
		return t, err
	}
	if detail != "" {
		next.ErrorDetail = detail
	}
	return next, nil
}

func terminate(t Transfer, detail string, now time.Time) Transfer {
	t.Base = t.Base.Enter(int(Terminated), now)
	t.ErrorDetail = detail
	return t
}

package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dspflow/process"
	"dspflow/protocol"
	"dspflow/task"
)

// Group is the task group negotiation tasks are queued under.
const Group = "negotiation"

// Task names.
const (
	TaskRequest          = "RequestNegotiation"
	TaskSendRequest      = "SendRequestNegotiation"
	TaskVerify           = "VerifyNegotiation"
	TaskSendVerification = "SendVerificationNegotiation"
	TaskAgree            = "AgreeNegotiation"
	TaskSendAgreement    = "SendAgreement"
	TaskFinalize         = "FinalizeNegotiation"
	TaskSendFinalize     = "SendFinalizeNegotiation"
	TaskTerminate        = "TerminateNegotiation"
)

const (
	finalizedEventType    = "FINALIZED"
	terminationReasonCode = "TERMINATED"
)

var consumerTasks = map[State]string{
	Initial:     TaskRequest,
	Requesting:  TaskSendRequest,
	Agreed:      TaskVerify,
	Verifying:   TaskSendVerification,
	Terminating: TaskTerminate,
}

var providerTasks = map[State]string{
	Requested:   TaskAgree,
	Agreeing:    TaskSendAgreement,
	Verified:    TaskFinalize,
	Finalizing:  TaskSendFinalize,
	Terminating: TaskTerminate,
}

// NextTask names the task that moves n out of its current state.
func NextTask(n Negotiation) (string, bool) {
	tasks := consumerTasks
	if n.IsProvider() {
		tasks = providerTasks
	}
	name, ok := tasks[n.Current()]
	return name, ok
}

// Kind describes negotiations to the generic executor.
var Kind = process.Kind[Negotiation]{
	Name: Group,
	ParseState: func(name string) (int, bool) {
		s, ok := ParseState(name)
		return int(s), ok
	},
	StateName: stateName,
	Terminate: terminate,
}

// NewScheduler returns the observer that queues follow-up negotiation tasks.
func NewScheduler(store task.Store, logger *slog.Logger) *process.Scheduler[Negotiation] {
	return process.NewScheduler[Negotiation](Group, store, NextTask, process.PendingGuard[Negotiation](), logger)
}

// Dependencies are the collaborators negotiation handlers call out to.
type Dependencies struct {
	Dispatcher protocol.Dispatcher
	Webhooks   protocol.Webhooks
	// ParticipantID identifies this participant in agreements it grants.
	ParticipantID string
}

type step = process.Step[Negotiation]

// Handlers returns the handler table keyed by task name.
func Handlers(d Dependencies) map[string]process.Handler[Negotiation] {
	return map[string]process.Handler[Negotiation]{
		TaskRequest:          {Role: process.Consumer, Run: d.request},
		TaskSendRequest:      {Role: process.Consumer, Run: d.sendRequest},
		TaskVerify:           {Role: process.Consumer, Run: d.verify},
		TaskSendVerification: {Role: process.Consumer, Run: d.sendVerification},
		TaskAgree:            {Role: process.Provider, Run: d.agree},
		TaskSendAgreement:    {Role: process.Provider, Run: d.sendAgreement},
		TaskFinalize:         {Role: process.Provider, Run: d.finalize},
		TaskSendFinalize:     {Role: process.Provider, Run: d.sendFinalize},
		TaskTerminate:        {Run: d.terminate},
	}
}

func (d Dependencies) request(ctx context.Context, s *step) error {
	if _, ok := s.Entity.LastOffer(); !ok {
		return process.Fatalf("negotiation: no contract offer to request")
	}
	next, err := s.Entity.TransitionRequesting(s.Now())
	return commit(ctx, s, next, err)
}

func (d Dependencies) sendRequest(ctx context.Context, s *step) error {
	n := s.Entity
	offer, ok := n.LastOffer()
	if !ok {
		return process.Fatalf("negotiation: no contract offer to request")
	}
	callback, err := d.callback(n)
	if err != nil {
		return err
	}

	msg := protocol.ContractRequestMessage{
		Correlation:     n.Correlation(),
		CallbackAddress: callback,
		Offer:           offer,
	}
	resp, err := d.send(ctx, n, msg)
	if err != nil {
		return err
	}
	next, err := sent(n, msg, resp).TransitionRequested(s.Now())
	return commit(ctx, s, next, err)
}

func (d Dependencies) verify(ctx context.Context, s *step) error {
	if s.Entity.Agreement == nil {
		return process.Fatalf("negotiation: no agreement to verify")
	}
	next, err := s.Entity.TransitionVerifying(s.Now())
	return commit(ctx, s, next, err)
}

func (d Dependencies) sendVerification(ctx context.Context, s *step) error {
	n := s.Entity
	msg := protocol.ContractAgreementVerificationMessage{Correlation: n.Correlation()}
	resp, err := d.send(ctx, n, msg)
	if err != nil {
		return err
	}
	next, err := sent(n, msg, resp).TransitionVerified(s.Now())
	return commit(ctx, s, next, err)
}

func (d Dependencies) agree(ctx context.Context, s *step) error {
	n := s.Entity
	offer, ok := n.LastOffer()
	if !ok {
		return process.Fatalf("negotiation: no contract offer to agree to")
	}
	next, err := n.TransitionAgreeing(newAgreement(offer, n.CounterPartyID, d.ParticipantID, s.Now()), s.Now())
	return commit(ctx, s, next, err)
}

func (d Dependencies) sendAgreement(ctx context.Context, s *step) error {
	n := s.Entity
	if n.Agreement == nil {
		return process.Fatalf("negotiation: no agreement to send")
	}
	callback, err := d.callback(n)
	if err != nil {
		return err
	}

	msg := protocol.ContractAgreementMessage{
		Correlation:     n.Correlation(),
		CallbackAddress: callback,
		Agreement:       *n.Agreement,
	}
	resp, err := d.send(ctx, n, msg)
	if err != nil {
		return err
	}
	next, err := sent(n, msg, resp).TransitionAgreed(s.Now())
	return commit(ctx, s, next, err)
}

func (d Dependencies) finalize(ctx context.Context, s *step) error {
	next, err := s.Entity.TransitionFinalizing(s.Now())
	return commit(ctx, s, next, err)
}

func (d Dependencies) sendFinalize(ctx context.Context, s *step) error {
	n := s.Entity
	msg := protocol.ContractNegotiationEventMessage{
		Correlation: n.Correlation(),
		EventType:   finalizedEventType,
	}
	resp, err := d.send(ctx, n, msg)
	if err != nil {
		return err
	}
	next, err := sent(n, msg, resp).TransitionFinalized(s.Now())
	return commit(ctx, s, next, err)
}

// terminate notifies the counterparty unless it asked for the termination.
func (d Dependencies) terminate(ctx context.Context, s *step) error {
	n := s.Entity
	if !n.CounterPartyRequested {
		msg := protocol.ContractNegotiationTerminationMessage{
			Correlation: n.Correlation(),
			Code:        terminationReasonCode,
			Reason:      n.ErrorDetail,
		}
		resp, err := d.send(ctx, n, msg)
		if err != nil {
			return err
		}
		n = sent(n, msg, resp)
	}
	next, err := n.TransitionTerminated("", s.Now())
	return commit(ctx, s, next, err)
}

func (d Dependencies) callback(n Negotiation) (string, error) {
	addr, ok := d.Webhooks.Callback(n.Protocol)
	if !ok {
		return "", process.Fatalf("negotiation: no callback address for protocol %q", n.Protocol)
	}
	return addr, nil
}

func (d Dependencies) send(ctx context.Context, n Negotiation, msg protocol.Message) (protocol.Response, error) {
	resp, err := d.Dispatcher.Dispatch(ctx, n.CounterParty(), msg)
	if err != nil {
		return protocol.Response{}, process.DispatchFailure(msg.Type(), err)
	}
	return resp, nil
}

// sent records the dispatched message and adopts the counterparty's process
// id when none is known yet.
func sent(n Negotiation, msg protocol.Message, resp protocol.Response) Negotiation {
	n.LastSentMessageID = msg.Correlated().MessageID
	if n.CorrelationID == "" && resp.ProcessID != "" {
		n.CorrelationID = resp.ProcessID
	}
	return n
}

func commit(ctx context.Context, s *step, next Negotiation, err error) error {
	if err != nil {
		return fmt.Errorf("negotiation: %w", err)
	}
	return s.Transition(ctx, next)
}

func newAgreement(offer protocol.Offer, consumerID, providerID string, now time.Time) protocol.Agreement {
	return protocol.Agreement{
		ID:          uuid.NewString(),
		AssetID:     offer.AssetID,
		ConsumerID:  consumerID,
		ProviderID:  providerID,
		Policy:      offer.Policy,
		SigningDate: now.UTC(),
	}
}

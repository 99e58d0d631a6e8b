package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dspflow/process"
	"dspflow/protocol"
	"dspflow/task"
)

// Group is the task group transfer tasks are queued under.
const Group = "transfer"

// Task names.
const (
	TaskPrepare      = "PrepareTransfer"
	TaskSendRequest  = "SendTransferRequest"
	TaskPrepareStart = "PrepareStart"
	TaskSendStart    = "SendTransferStart"
	TaskSuspend      = "SuspendTransfer"
	TaskResume       = "ResumeTransfer"
	TaskTerminate    = "TerminateTransfer"
	TaskComplete     = "CompleteTransfer"
)

const terminationReasonCode = "TERMINATED"

var consumerTasks = map[State]string{
	Initial:     TaskPrepare,
	Requesting:  TaskSendRequest,
	Suspending:  TaskSuspend,
	Resuming:    TaskResume,
	Terminating: TaskTerminate,
	Completing:  TaskComplete,
}

var providerTasks = map[State]string{
	Initial:     TaskPrepareStart,
	Resumed:     TaskPrepareStart,
	Starting:    TaskSendStart,
	Suspending:  TaskSuspend,
	Resuming:    TaskResume,
	Terminating: TaskTerminate,
	Completing:  TaskComplete,
}

// NextTask names the task that moves t out of its current state.
func NextTask(t Transfer) (string, bool) {
	tasks := consumerTasks
	if t.IsProvider() {
		tasks = providerTasks
	}
	name, ok := tasks[t.Current()]
	return name, ok
}

// Kind describes transfers to the generic executor.
var Kind = process.Kind[Transfer]{
	Name: Group,
	ParseState: func(name string) (int, bool) {
		s, ok := ParseState(name)
		return int(s), ok
	},
	StateName: stateName,
	Terminate: terminate,
}

// NewScheduler returns the observer that queues follow-up transfer tasks.
func NewScheduler(store task.Store, logger *slog.Logger) *process.Scheduler[Transfer] {
	return process.NewScheduler[Transfer](Group, store, NextTask, process.PendingGuard[Transfer](), logger)
}

// Dependencies are the collaborators transfer handlers call out to.
type Dependencies struct {
	Dispatcher protocol.Dispatcher
	Webhooks   protocol.Webhooks
	Policies   PolicyArchive
	DataFlows  DataFlowController
}

type step = process.Step[Transfer]

// Handlers returns the handler table keyed by task name.
func Handlers(d Dependencies) map[string]process.Handler[Transfer] {
	return map[string]process.Handler[Transfer]{
		TaskPrepare:      {Role: process.Consumer, Run: d.prepare},
		TaskSendRequest:  {Role: process.Consumer, Run: d.sendRequest},
		TaskPrepareStart: {Role: process.Provider, Run: d.prepareStart},
		TaskSendStart:    {Role: process.Provider, Run: d.sendStart},
		TaskSuspend:      {Run: d.suspend},
		TaskResume:       {Run: d.resume},
		TaskTerminate:    {Run: d.terminate},
		TaskComplete:     {Run: d.complete},
	}
}

func (d Dependencies) prepare(ctx context.Context, s *step) error {
	if s.Entity.DataDestination == nil {
		return process.Fatalf("transfer: no data destination")
	}
	next, err := s.Entity.TransitionRequesting(s.Now())
	return commit(ctx, s, next, err)
}

func (d Dependencies) sendRequest(ctx context.Context, s *step) error {
	t := s.Entity
	callback, err := d.callback(t)
	if err != nil {
		return err
	}

	msg := protocol.TransferRequestMessage{
		Correlation:     t.Correlation(),
		AgreementID:     t.ContractID,
		DataAddress:     t.DataDestination,
		CallbackAddress: callback,
	}
	if t.DataDestination != nil {
		msg.Format = t.DataDestination.Type
	}
	resp, err := d.send(ctx, t, msg)
	if err != nil {
		return err
	}
	next, err := sent(t, msg, resp).TransitionRequested(s.Now())
	return commit(ctx, s, next, err)
}

// prepareStart resolves the agreement policy and opens the data flow.
func (d Dependencies) prepareStart(ctx context.Context, s *step) error {
	t := s.Entity
	policy, err := d.Policies.FindPolicy(ctx, s.Tx(), t.ContractID)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			return process.Fatal(fmt.Errorf("transfer: contract %s: %w", t.ContractID, err))
		}
		return err
	}

	flow, err := d.DataFlows.Start(ctx, t, policy)
	if err != nil {
		return fmt.Errorf("transfer: start data flow: %w", err)
	}
	next, err := t.TransitionStarting(flow, s.Now())
	return commit(ctx, s, next, err)
}

func (d Dependencies) sendStart(ctx context.Context, s *step) error {
	t := s.Entity
	msg := protocol.TransferStartMessage{
		Correlation: t.Correlation(),
		DataAddress: t.DataAddress,
	}
	resp, err := d.send(ctx, t, msg)
	if err != nil {
		return err
	}
	next, err := sent(t, msg, resp).TransitionStarted(nil, s.Now())
	return commit(ctx, s, next, err)
}

func (d Dependencies) suspend(ctx context.Context, s *step) error {
	t := s.Entity
	if t.IsProvider() {
		if err := d.DataFlows.Suspend(ctx, t); err != nil {
			return fmt.Errorf("transfer: suspend data flow: %w", err)
		}
	}
	if !t.CounterPartyRequested {
		msg := protocol.TransferSuspensionMessage{Correlation: t.Correlation(), Reason: t.ErrorDetail}
		resp, err := d.send(ctx, t, msg)
		if err != nil {
			return err
		}
		t = sent(t, msg, resp)
	}
	next, err := t.TransitionSuspended(s.Now())
	return commit(ctx, s, next, err)
}

// resume asks the provider to restart the flow when the consumer resumes. A
// provider resumes locally and restarts through PrepareStart.
func (d Dependencies) resume(ctx context.Context, s *step) error {
	t := s.Entity
	if t.IsConsumer() && !t.CounterPartyRequested {
		msg := protocol.TransferStartMessage{Correlation: t.Correlation()}
		resp, err := d.send(ctx, t, msg)
		if err != nil {
			return err
		}
		t = sent(t, msg, resp)
	}
	next, err := t.TransitionResumed(s.Now())
	return commit(ctx, s, next, err)
}

func (d Dependencies) terminate(ctx context.Context, s *step) error {
	t := s.Entity
	if t.IsProvider() {
		if err := d.DataFlows.Terminate(ctx, t); err != nil {
			return fmt.Errorf("transfer: terminate data flow: %w", err)
		}
	}
	if !t.CounterPartyRequested {
		msg := protocol.TransferTerminationMessage{
			Correlation: t.Correlation(),
			Code:        terminationReasonCode,
			Reason:      t.ErrorDetail,
		}
		resp, err := d.send(ctx, t, msg)
		if err != nil {
			return err
		}
		t = sent(t, msg, resp)
	}
	next, err := t.TransitionTerminated("", s.Now())
	return commit(ctx, s, next, err)
}

func (d Dependencies) complete(ctx context.Context, s *step) error {
	t := s.Entity
	if t.IsProvider() {
		if err := d.DataFlows.Terminate(ctx, t); err != nil {
			return fmt.Errorf("transfer: close data flow: %w", err)
		}
	}
	if !t.CounterPartyRequested {
		msg := protocol.TransferCompletionMessage{Correlation: t.Correlation()}
		resp, err := d.send(ctx, t, msg)
		if err != nil {
			return err
		}
		t = sent(t, msg, resp)
	}
	next, err := t.TransitionCompleted(s.Now())
	return commit(ctx, s, next, err)
}

func (d Dependencies) callback(t Transfer) (string, error) {
	addr, ok := d.Webhooks.Callback(t.Protocol)
	if !ok {
		return "", process.Fatalf("transfer: no callback address for protocol %q", t.Protocol)
	}
	return addr, nil
}

func (d Dependencies) send(ctx context.Context, t Transfer, msg protocol.Message) (protocol.Response, error) {
	resp, err := d.Dispatcher.Dispatch(ctx, t.CounterParty(), msg)
	if err != nil {
		return protocol.Response{}, process.DispatchFailure(msg.Type(), err)
	}
	return resp, nil
}

func sent(t Transfer, msg protocol.Message, resp protocol.Response) Transfer {
	t.LastSentMessageID = msg.Correlated().MessageID
	if t.CorrelationID == "" && resp.ProcessID != "" {
		t.CorrelationID = resp.ProcessID
	}
	return t
}

func commit(ctx context.Context, s *step, next Transfer, err error) error {
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	return s.Transition(ctx, next)
}

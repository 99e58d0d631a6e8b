package negotiation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dspflow/db/dbtest"
	"dspflow/negotiation"
	"dspflow/process"
	"dspflow/process/processtest"
	"dspflow/protocol"
	"dspflow/protocol/protocoltest"
	"dspflow/task"
	"dspflow/task/tasktest"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

var counterParty = protocol.Participant{
	ID:       "counter-party",
	Address:  "https://counter-party.example/dsp",
	Protocol: "dataspace-protocol-http",
}

type env struct {
	repo  *processtest.Repo[negotiation.Negotiation]
	tasks *tasktest.Store
	disp  *protocoltest.Dispatcher
	exec  *process.Executor[negotiation.Negotiation]
}

func newEnv(n negotiation.Negotiation, opts ...func(*negotiation.Dependencies)) *env {
	e := &env{
		repo:  processtest.NewRepo(n),
		tasks: tasktest.NewStore(),
		disp:  &protocoltest.Dispatcher{Response: protocol.Response{ProcessID: "remote-1"}},
	}
	deps := negotiation.Dependencies{
		Dispatcher:    e.disp,
		Webhooks:      protocol.StaticWebhooks{"": "https://me.example/dsp"},
		ParticipantID: "me",
	}
	for _, opt := range opts {
		opt(&deps)
	}
	e.exec = process.NewExecutor(process.Config[negotiation.Negotiation]{
		Kind:       negotiation.Kind,
		Repository: e.repo,
		Handlers:   negotiation.Handlers(deps),
		Clock:      clock,
	})
	e.exec.Require("scheduler", negotiation.NewScheduler(e.tasks, nil).WithClock(clock))
	return e
}

func (e *env) run(t *testing.T, id, name string, expected negotiation.State, role process.Role) {
	t.Helper()
	tk := task.New(negotiation.Group, name, task.Payload{
		ProcessID:    id,
		ProcessState: expected.String(),
		ProcessType:  string(role),
	}, now)
	require.NoError(t, e.exec.Handle(context.Background(), &dbtest.Tx{}, tk))
}

func (e *env) get(t *testing.T, id string) negotiation.Negotiation {
	t.Helper()
	n, ok := e.repo.Get(id)
	require.True(t, ok)
	return n
}

func fixture(role process.Role, state negotiation.State) negotiation.Negotiation {
	offer := protocol.Offer{ID: "offer-1", AssetID: "asset-1", Policy: map[string]any{"permission": "use"}}
	var n negotiation.Negotiation
	if role == process.Consumer {
		n = negotiation.NewConsumer("n1", counterParty, offer, now.Add(-time.Hour))
	} else {
		n = negotiation.NewProvider("n1", "consumer-pid", counterParty, offer, now.Add(-time.Hour))
	}
	n.State = int(state)
	switch state {
	case negotiation.Agreeing, negotiation.Agreed, negotiation.Verifying, negotiation.Verified, negotiation.Finalizing:
		n.Agreement = &protocol.Agreement{ID: "agreement-1", AssetID: "asset-1"}
	}
	return n
}

func TestHandlers_GoldenTable(t *testing.T) {
	cases := []struct {
		state   negotiation.State
		role    process.Role
		task    string
		next    negotiation.State
		message string
	}{
		{negotiation.Initial, process.Consumer, negotiation.TaskRequest, negotiation.Requesting, ""},
		{negotiation.Requesting, process.Consumer, negotiation.TaskSendRequest, negotiation.Requested, "ContractRequestMessage"},
		{negotiation.Agreed, process.Consumer, negotiation.TaskVerify, negotiation.Verifying, ""},
		{negotiation.Verifying, process.Consumer, negotiation.TaskSendVerification, negotiation.Verified, "ContractAgreementVerificationMessage"},
		{negotiation.Requested, process.Provider, negotiation.TaskAgree, negotiation.Agreeing, ""},
		{negotiation.Agreeing, process.Provider, negotiation.TaskSendAgreement, negotiation.Agreed, "ContractAgreementMessage"},
		{negotiation.Verified, process.Provider, negotiation.TaskFinalize, negotiation.Finalizing, ""},
		{negotiation.Finalizing, process.Provider, negotiation.TaskSendFinalize, negotiation.Finalized, "ContractNegotiationEventMessage"},
		{negotiation.Terminating, process.Consumer, negotiation.TaskTerminate, negotiation.Terminated, "ContractNegotiationTerminationMessage"},
		{negotiation.Terminating, process.Provider, negotiation.TaskTerminate, negotiation.Terminated, "ContractNegotiationTerminationMessage"},
	}

	for _, tc := range cases {
		t.Run(tc.task+"/"+string(tc.role), func(t *testing.T) {
			e := newEnv(fixture(tc.role, tc.state))
			e.run(t, "n1", tc.task, tc.state, tc.role)

			got := e.get(t, "n1")
			assert.Equal(t, tc.next, got.Current())
			assert.Equal(t, now, got.StateTimestamp)
			assert.Len(t, e.repo.Saves(), 1)

			sent := e.disp.Sent()
			if tc.message == "" {
				assert.Empty(t, sent)
			} else {
				require.Len(t, sent, 1)
				assert.Equal(t, tc.message, sent[0].Message.Type())
				assert.Equal(t, counterParty, sent[0].To)
				assert.Equal(t, sent[0].Message.Correlated().MessageID, got.LastSentMessageID)
			}

			queued := e.tasks.All()
			if name, ok := negotiation.NextTask(got); ok && !got.IsTerminal() {
				require.Len(t, queued, 1)
				assert.Equal(t, name, queued[0].Name)
				assert.Equal(t, tc.next.String(), queued[0].Payload.ProcessState)
			} else {
				assert.Empty(t, queued)
			}
		})
	}
}

func TestRequestNegotiation_QueuesSendRequest(t *testing.T) {
	e := newEnv(fixture(process.Consumer, negotiation.Initial))

	e.run(t, "n1", negotiation.TaskRequest, negotiation.Initial, process.Consumer)

	assert.Equal(t, negotiation.Requesting, e.get(t, "n1").Current())
	queued := e.tasks.All()
	require.Len(t, queued, 1)
	assert.Equal(t, negotiation.TaskSendRequest, queued[0].Name)
	assert.Equal(t, negotiation.Group, queued[0].Group)
	assert.Equal(t, task.Payload{ProcessID: "n1", ProcessState: "REQUESTING", ProcessType: "CONSUMER"}, queued[0].Payload)
}

func TestSendRequest_AdoptsProviderProcessID(t *testing.T) {
	e := newEnv(fixture(process.Consumer, negotiation.Requesting))

	e.run(t, "n1", negotiation.TaskSendRequest, negotiation.Requesting, process.Consumer)

	got := e.get(t, "n1")
	assert.Equal(t, "remote-1", got.CorrelationID)

	last, ok := e.disp.Last()
	require.True(t, ok)
	msg := last.Message.(protocol.ContractRequestMessage)
	assert.Equal(t, "n1", msg.ConsumerPID)
	assert.Empty(t, msg.ProviderPID)
	assert.Equal(t, "https://me.example/dsp", msg.CallbackAddress)
	assert.Equal(t, "offer-1", msg.Offer.ID)
}

func TestSendAgreement_UsesProviderCorrelation(t *testing.T) {
	e := newEnv(fixture(process.Provider, negotiation.Agreeing))

	e.run(t, "n1", negotiation.TaskSendAgreement, negotiation.Agreeing, process.Provider)

	last, ok := e.disp.Last()
	require.True(t, ok)
	msg := last.Message.(protocol.ContractAgreementMessage)
	assert.Equal(t, "consumer-pid", msg.ConsumerPID)
	assert.Equal(t, "n1", msg.ProviderPID)
	assert.Equal(t, "agreement-1", msg.Agreement.ID)
	assert.Equal(t, "consumer-pid", e.get(t, "n1").CorrelationID)
}

func TestAgree_BuildsAgreementFromLastOffer(t *testing.T) {
	n := fixture(process.Provider, negotiation.Requested).WithOffer(protocol.Offer{ID: "offer-2", AssetID: "asset-2"})
	e := newEnv(n)

	e.run(t, "n1", negotiation.TaskAgree, negotiation.Requested, process.Provider)

	got := e.get(t, "n1")
	require.NotNil(t, got.Agreement)
	assert.NotEmpty(t, got.Agreement.ID)
	assert.Equal(t, "asset-2", got.Agreement.AssetID)
	assert.Equal(t, "counter-party", got.Agreement.ConsumerID)
	assert.Equal(t, "me", got.Agreement.ProviderID)
	assert.Equal(t, now, got.Agreement.SigningDate)
}

func TestDispatchFailure_TerminatesNegotiation(t *testing.T) {
	e := newEnv(fixture(process.Consumer, negotiation.Requesting))
	e.disp.Err = errors.New("connection refused")

	e.run(t, "n1", negotiation.TaskSendRequest, negotiation.Requesting, process.Consumer)

	got := e.get(t, "n1")
	assert.Equal(t, negotiation.Terminated, got.Current())
	assert.Contains(t, got.ErrorDetail, "dispatch ContractRequestMessage")
	assert.Contains(t, got.ErrorDetail, "connection refused")
	assert.Empty(t, e.tasks.All())
}

func TestVerify_WithoutAgreementIsFatal(t *testing.T) {
	n := fixture(process.Consumer, negotiation.Agreed)
	n.Agreement = nil
	e := newEnv(n)

	e.run(t, "n1", negotiation.TaskVerify, negotiation.Agreed, process.Consumer)

	got := e.get(t, "n1")
	assert.Equal(t, negotiation.Terminated, got.Current())
	assert.Contains(t, got.ErrorDetail, "no agreement")
}

func TestSendRequest_WithoutCallbackIsFatal(t *testing.T) {
	e := newEnv(fixture(process.Consumer, negotiation.Requesting), func(d *negotiation.Dependencies) {
		d.Webhooks = protocol.StaticWebhooks{}
	})

	e.run(t, "n1", negotiation.TaskSendRequest, negotiation.Requesting, process.Consumer)

	assert.Equal(t, negotiation.Terminated, e.get(t, "n1").Current())
	assert.Empty(t, e.disp.Sent())
}

func TestTerminate_RequestedByCounterPartySendsNothing(t *testing.T) {
	n, err := fixture(process.Provider, negotiation.Requested).TransitionTerminating("consumer withdrew", true, now)
	require.NoError(t, err)
	e := newEnv(n)

	e.run(t, "n1", negotiation.TaskTerminate, negotiation.Terminating, process.Provider)

	got := e.get(t, "n1")
	assert.Equal(t, negotiation.Terminated, got.Current())
	assert.Equal(t, "consumer withdrew", got.ErrorDetail)
	assert.Empty(t, e.disp.Sent())
}

func TestHandlers_RoleMismatchIsSkipped(t *testing.T) {
	e := newEnv(fixture(process.Provider, negotiation.Initial))

	e.run(t, "n1", negotiation.TaskRequest, negotiation.Initial, process.Provider)

	assert.Equal(t, negotiation.Initial, e.get(t, "n1").Current())
	assert.Empty(t, e.repo.Saves())
}

func TestHandlers_TerminalIsSkipped(t *testing.T) {
	e := newEnv(fixture(process.Provider, negotiation.Finalized))

	e.run(t, "n1", negotiation.TaskSendFinalize, negotiation.Finalizing, process.Provider)

	assert.Equal(t, negotiation.Finalized, e.get(t, "n1").Current())
	assert.Empty(t, e.repo.Saves())
	assert.Empty(t, e.disp.Sent())
}

func TestHandlers_PendingIsSkipped(t *testing.T) {
	n := fixture(process.Consumer, negotiation.Initial)
	n.Pending = true
	e := newEnv(n)

	e.run(t, "n1", negotiation.TaskRequest, negotiation.Initial, process.Consumer)

	assert.Empty(t, e.repo.Saves())
	assert.Empty(t, e.tasks.All())
}

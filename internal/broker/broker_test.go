package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/agentmux/internal/protocol"
)

func TestSpawnEmitsAgentSpawned(t *testing.T) {
	tb := newTestBroker(t, nil)
	sub := tb.Bus().Subscribe()
	defer tb.Bus().Unsubscribe(sub)

	result, perr := tb.Spawn(protocol.AgentSpec{
		Name:  "planner",
		CLI:   "fake-cli",
		Model: "opus",
	}, "", "cli", "client")
	require.Nil(t, perr)
	assert.Equal(t, "planner", result.Name)
	assert.Equal(t, protocol.RuntimePty, result.Runtime, "runtime defaults to pty")

	ev := awaitEvent(t, sub, protocol.EventAgentSpawned)
	assert.Equal(t, "planner", ev.Name)
	assert.Equal(t, "cli", ev.Parent)
	assert.Equal(t, "opus", ev.Model)
	assert.Equal(t, "client", ev.Source)
	assert.Equal(t, 4242, ev.PID)
}

func TestSpawnValidation(t *testing.T) {
	tb := newTestBroker(t, nil)

	cases := []struct {
		name string
		spec protocol.AgentSpec
		code string
	}{
		{"empty name", protocol.AgentSpec{CLI: "x"}, protocol.CodeInvalidSpec},
		{"sigil in name", protocol.AgentSpec{Name: "#bad", CLI: "x"}, protocol.CodeInvalidSpec},
		{"star in name", protocol.AgentSpec{Name: "a*b", CLI: "x"}, protocol.CodeInvalidSpec},
		{"whitespace in name", protocol.AgentSpec{Name: "a b", CLI: "x"}, protocol.CodeInvalidSpec},
		{"unknown runtime", protocol.AgentSpec{Name: "a", CLI: "x", Runtime: "vm"}, protocol.CodeInvalidSpec},
		{"no cli", protocol.AgentSpec{Name: "a"}, protocol.CodeInvalidSpec},
		{"bad restart mode", protocol.AgentSpec{Name: "a", CLI: "x",
			RestartPolicy: &protocol.RestartPolicy{Mode: "sometimes"}}, protocol.CodeInvalidSpec},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, perr := tb.Spawn(tc.spec, "", "cli", "client")
			require.NotNil(t, perr)
			assert.Equal(t, tc.code, perr.Code)
		})
	}
}

func TestSpawnDuplicateName(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "a1", "cli")

	_, perr := tb.Spawn(protocol.AgentSpec{Name: "a1", CLI: "fake-cli"}, "", "cli", "client")
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeAgentExists, perr.Code)
}

func TestSpawnAgentLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAgents = 2
	tb := newTestBroker(t, cfg)
	tb.spawn(t, "a1", "cli")
	tb.spawn(t, "a2", "cli")

	_, perr := tb.Spawn(protocol.AgentSpec{Name: "a3", CLI: "fake-cli"}, "", "cli", "client")
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeSpawnFailed, perr.Code)
}

func TestInitialTaskDeliveryLifecycle(t *testing.T) {
	tb := newTestBroker(t, nil)
	sub := tb.Bus().Subscribe()
	defer tb.Bus().Unsubscribe(sub)

	_, perr := tb.Spawn(protocol.AgentSpec{Name: "a1", CLI: "fake-cli"},
		"review the diff", "cli", "client")
	require.Nil(t, perr)

	queued := awaitEvent(t, sub, protocol.EventDeliveryQueued)
	injected := awaitEvent(t, sub, protocol.EventDeliveryInjected)
	verified := awaitEvent(t, sub, protocol.EventDeliveryVerified)
	relay := awaitEvent(t, sub, protocol.EventRelayInbound)
	ack := awaitEvent(t, sub, protocol.EventDeliveryAck)

	assert.Equal(t, queued.DeliveryID, injected.DeliveryID)
	assert.Equal(t, queued.DeliveryID, verified.DeliveryID)
	assert.Equal(t, queued.DeliveryID, ack.DeliveryID)
	assert.Equal(t, "cli", relay.From)
	assert.Equal(t, "a1", relay.Target)
	assert.Equal(t, "review the diff", relay.Body)

	// Ordering on the bus: injected before verified before relay before ack.
	assert.Less(t, injected.Seq, verified.Seq)
	assert.Less(t, verified.Seq, relay.Seq)
	assert.Less(t, relay.Seq, ack.Seq)

	deliveries := tb.worker("a1").deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "review the diff", deliveries[0].Body)
}

func TestSendToUnknownAgent(t *testing.T) {
	tb := newTestBroker(t, nil)

	_, perr, deferred := tb.Send(protocol.SendMessagePayload{To: "ghost", Text: "hi"}, "cli", 1, nil)
	require.NotNil(t, perr)
	assert.False(t, deferred)
	assert.Equal(t, protocol.CodeUnknownTarget, perr.Code)
}

func TestSendEmptyText(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "a1", "cli")

	_, perr, _ := tb.Send(protocol.SendMessagePayload{To: "a1"}, "cli", 1, nil)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeInvalidSpec, perr.Code)
}

func TestSendFanOutSkipsSenderAndDenied(t *testing.T) {
	tb := newTestBroker(t, nil)
	sub := tb.Bus().Subscribe()
	defer tb.Bus().Unsubscribe(sub)

	tb.spawn(t, "lead", "cli")
	tb.spawn(t, "worker1", "lead")
	tb.spawn(t, "worker2", "lead")

	// worker1 broadcasting reaches lead (lineage) but not its sibling.
	result, perr, _ := tb.Send(protocol.SendMessagePayload{To: "*", Text: "sync up"}, "worker1", 1, nil)
	require.Nil(t, perr)
	assert.Equal(t, []string{"lead"}, result.Targets)

	denied := awaitEvent(t, sub, protocol.EventACLDenied)
	assert.Equal(t, "worker2", denied.Name)
	assert.Equal(t, "worker1", denied.Sender)
	assert.Equal(t, []string{"worker2", "lead", "cli"}, denied.OwnerChain)
}

func TestSendExactDeniedErrors(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "lead", "cli")
	tb.spawn(t, "worker1", "lead")
	tb.spawn(t, "worker2", "lead")

	_, perr, _ := tb.Send(protocol.SendMessagePayload{To: "worker2", Text: "psst"}, "worker1", 1, nil)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeACLDenied, perr.Code)
}

func TestSendBroadcastToNobody(t *testing.T) {
	tb := newTestBroker(t, nil)

	result, perr, _ := tb.Send(protocol.SendMessagePayload{To: "*", Text: "anyone?"}, "cli", 1, nil)
	require.Nil(t, perr)
	assert.NotNil(t, result.Targets)
	assert.Empty(t, result.Targets)
}

func TestBlockingSendResolvesOnAck(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "a1", "cli")

	w := tb.worker("a1")
	w.mu.Lock()
	w.ackFn = func(d protocol.Delivery) *protocol.DeliveryAckPayload {
		return &protocol.DeliveryAckPayload{
			DeliveryID:    d.DeliveryID,
			EventID:       d.EventID,
			CorrelationID: d.CorrelationID,
			Response:      []byte(`{"status":"done"}`),
		}
	}
	w.mu.Unlock()

	outcomes := make(chan syncOutcome, 1)
	respond := func(result *protocol.SendResult, perr *protocol.Error) {
		outcomes <- syncOutcome{result: result, perr: perr}
	}

	result, perr, deferred := tb.Send(protocol.SendMessagePayload{
		To:   "a1",
		Text: "run the suite",
		Sync: &protocol.SyncOptions{Blocking: true},
	}, "cli", 1, respond)
	require.Nil(t, perr)
	assert.True(t, deferred)
	assert.Nil(t, result, "blocking sends answer through the responder")

	select {
	case out := <-outcomes:
		require.Nil(t, out.perr)
		assert.Equal(t, []string{"a1"}, out.result.Targets)
		assert.NotEmpty(t, out.result.CorrelationID)
		assert.JSONEq(t, `{"status":"done"}`, string(out.result.Response))
	case <-time.After(3 * time.Second):
		t.Fatal("blocking send never completed")
	}
}

func TestBlockingSendAckTimeout(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "a1", "cli")

	// The worker hangs; release at the end unblocks it via ctx.
	w := tb.worker("a1")
	w.mu.Lock()
	w.block = make(chan struct{})
	w.mu.Unlock()

	outcomes := make(chan syncOutcome, 1)
	respond := func(result *protocol.SendResult, perr *protocol.Error) {
		outcomes <- syncOutcome{result: result, perr: perr}
	}

	_, perr, deferred := tb.Send(protocol.SendMessagePayload{
		To:   "a1",
		Text: "never acked",
		Sync: &protocol.SyncOptions{Blocking: true, TimeoutMs: 50},
	}, "cli", 1, respond)
	require.Nil(t, perr)
	assert.True(t, deferred)

	select {
	case out := <-outcomes:
		require.NotNil(t, out.perr)
		assert.Equal(t, protocol.CodeAckTimeout, out.perr.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("ack timeout never fired")
	}
}

func TestSyncNonBlockingRequiresCorrelationID(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "a1", "cli")

	_, perr, _ := tb.Send(protocol.SendMessagePayload{
		To:   "a1",
		Text: "tagged",
		Sync: &protocol.SyncOptions{},
	}, "cli", 1, nil)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeMissingCorrelationID, perr.Code)
}

func TestQueueFullExactTargetErrors(t *testing.T) {
	cfg := testConfig()
	cfg.QueueDepth = 1
	tb := newTestBroker(t, cfg)
	tb.spawn(t, "a1", "cli")

	// Hold the delivery loop inside Deliver so pushed entries stay queued.
	w := tb.worker("a1")
	w.mu.Lock()
	w.block = make(chan struct{})
	w.mu.Unlock()

	// First send goes in flight, second fills the queue.
	_, perr, _ := tb.Send(protocol.SendMessagePayload{To: "a1", Text: "one"}, "cli", 1, nil)
	require.Nil(t, perr)
	require.Eventually(t, func() bool {
		return len(w.deliveries()) == 1
	}, time.Second, 5*time.Millisecond, "first delivery should be in flight")
	_, perr, _ = tb.Send(protocol.SendMessagePayload{To: "a1", Text: "two"}, "cli", 1, nil)
	require.Nil(t, perr)

	_, perr, _ = tb.Send(protocol.SendMessagePayload{To: "a1", Text: "three"}, "cli", 1, nil)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeQueueFull, perr.Code)
	assert.True(t, perr.Retryable)

	close(w.block)
}

func TestQueueFullPreemptionEmitsDrop(t *testing.T) {
	cfg := testConfig()
	cfg.QueueDepth = 1
	tb := newTestBroker(t, cfg)
	sub := tb.Bus().Subscribe()
	defer tb.Bus().Unsubscribe(sub)
	tb.spawn(t, "a1", "cli")

	w := tb.worker("a1")
	w.mu.Lock()
	w.block = make(chan struct{})
	w.mu.Unlock()

	_, perr, _ := tb.Send(protocol.SendMessagePayload{To: "a1", Text: "in flight"}, "cli", 1, nil)
	require.Nil(t, perr)
	require.Eventually(t, func() bool {
		return len(w.deliveries()) == 1
	}, time.Second, 5*time.Millisecond)

	low, perr, _ := tb.Send(protocol.SendMessagePayload{To: "a1", Text: "low", Priority: 0}, "cli", 1, nil)
	require.Nil(t, perr)
	_, perr, _ = tb.Send(protocol.SendMessagePayload{To: "a1", Text: "urgent", Priority: 9}, "cli", 1, nil)
	require.Nil(t, perr)

	drop := awaitEvent(t, sub, protocol.EventDeliveryDropped)
	assert.Equal(t, protocol.DropPriorityPreempt, drop.Reason)
	assert.Equal(t, low.EventID, drop.EventID)

	close(w.block)
}

func TestDeliveryRetriesThenFails(t *testing.T) {
	tb := newTestBroker(t, nil)
	sub := tb.Bus().Subscribe()
	defer tb.Bus().Unsubscribe(sub)
	tb.spawn(t, "a1", "cli")

	w := tb.worker("a1")
	w.mu.Lock()
	w.failNext = 10 // more than the attempt budget
	w.mu.Unlock()

	_, perr, _ := tb.Send(protocol.SendMessagePayload{To: "a1", Text: "doomed"}, "cli", 1, nil)
	require.Nil(t, perr)

	retry := awaitEvent(t, sub, protocol.EventDeliveryRetry)
	assert.Equal(t, 1, retry.Attempts)
	retry = awaitEvent(t, sub, protocol.EventDeliveryRetry)
	assert.Equal(t, 2, retry.Attempts)

	failed := awaitEvent(t, sub, protocol.EventDeliveryFailed)
	assert.Contains(t, failed.Reason, "never appeared")
	expectNoEvent(t, sub, protocol.EventDeliveryRetry, 100*time.Millisecond)
}

func TestDeliveryRecoversWithinAttemptBudget(t *testing.T) {
	tb := newTestBroker(t, nil)
	sub := tb.Bus().Subscribe()
	defer tb.Bus().Unsubscribe(sub)
	tb.spawn(t, "a1", "cli")

	w := tb.worker("a1")
	w.mu.Lock()
	w.failNext = 2
	w.mu.Unlock()

	_, perr, _ := tb.Send(protocol.SendMessagePayload{To: "a1", Text: "eventually"}, "cli", 1, nil)
	require.Nil(t, perr)

	awaitEvent(t, sub, protocol.EventDeliveryRetry)
	awaitEvent(t, sub, protocol.EventDeliveryRetry)
	ack := awaitEvent(t, sub, protocol.EventDeliveryAck)
	assert.Equal(t, "a1", ack.Name)
}

func TestReleaseSuppressesExitEvents(t *testing.T) {
	tb := newTestBroker(t, nil)
	sub := tb.Bus().Subscribe()
	defer tb.Bus().Unsubscribe(sub)
	tb.spawn(t, "a1", "cli")

	require.Nil(t, tb.Release("a1", "done"))

	released := awaitEvent(t, sub, protocol.EventAgentReleased)
	assert.Equal(t, "a1", released.Name)
	expectNoEvent(t, sub, protocol.EventAgentExited, 150*time.Millisecond)

	select {
	case reason := <-tb.worker("a1").terminated:
		assert.Equal(t, "done", reason)
	default:
		t.Fatal("worker was never terminated")
	}

	perr := tb.Release("a1", "again")
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeUnknownAgent, perr.Code)
}

func TestReleaseDropsQueuedDeliveries(t *testing.T) {
	tb := newTestBroker(t, nil)
	sub := tb.Bus().Subscribe()
	defer tb.Bus().Unsubscribe(sub)
	tb.spawn(t, "a1", "cli")

	w := tb.worker("a1")
	w.mu.Lock()
	w.block = make(chan struct{})
	w.mu.Unlock()

	_, perr, _ := tb.Send(protocol.SendMessagePayload{To: "a1", Text: "in flight"}, "cli", 1, nil)
	require.Nil(t, perr)
	require.Eventually(t, func() bool {
		return len(w.deliveries()) == 1
	}, time.Second, 5*time.Millisecond)
	queued, perr, _ := tb.Send(protocol.SendMessagePayload{To: "a1", Text: "stuck"}, "cli", 1, nil)
	require.Nil(t, perr)

	require.Nil(t, tb.Release("a1", "test"))

	drop := awaitEvent(t, sub, protocol.EventDeliveryDropped)
	assert.Equal(t, protocol.DropReleased, drop.Reason)
	assert.Equal(t, queued.EventID, drop.EventID)
}

func TestEnqueueAfterReleaseReportsUnknownAgent(t *testing.T) {
	tb := newTestBroker(t, nil)
	sub := tb.Bus().Subscribe()
	defer tb.Bus().Unsubscribe(sub)
	tb.spawn(t, "a1", "cli")

	// A sender can resolve the agent just before release wins the race; the
	// stale handle must not admit a delivery into the drained queue, where it
	// would sit forever without a terminal event.
	a := tb.lookup("a1")
	require.NotNil(t, a)
	require.Nil(t, tb.Release("a1", "test"))

	perr := tb.enqueue(a, &delivery{
		Delivery: protocol.Delivery{
			DeliveryID: newID("del"),
			EventID:    newID("evt"),
			From:       "cli",
			Target:     "a1",
			Body:       "too late",
		},
		recipient: "a1",
		createdAt: time.Now(),
	})
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeUnknownAgent, perr.Code)
	expectNoEvent(t, sub, protocol.EventDeliveryQueued, 150*time.Millisecond)
}

func TestBlockingSendWithNoTargetsReturnsInline(t *testing.T) {
	tb := newTestBroker(t, nil)

	responded := make(chan struct{}, 1)
	respond := func(*protocol.SendResult, *protocol.Error) { responded <- struct{}{} }

	start := time.Now()
	result, perr, deferred := tb.Send(protocol.SendMessagePayload{
		To:   "*",
		Text: "anyone?",
		Sync: &protocol.SyncOptions{Blocking: true, TimeoutMs: 5000},
	}, "cli", 1, respond)
	require.Nil(t, perr)
	assert.False(t, deferred, "nothing was enqueued, so no ack can arrive")
	require.NotNil(t, result)
	assert.Empty(t, result.Targets)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, tb.correlator.Pending(result.CorrelationID))

	select {
	case <-responded:
		t.Fatal("responder invoked for a send answered inline")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCrashEmitsAgentExitedAndIsolates(t *testing.T) {
	tb := newTestBroker(t, nil)
	sub := tb.Bus().Subscribe()
	defer tb.Bus().Unsubscribe(sub)
	tb.spawn(t, "a1", "cli")
	tb.spawn(t, "a2", "cli")

	tb.worker("a1").crash(137)

	exited := awaitEvent(t, sub, protocol.EventAgentExited)
	assert.Equal(t, "a1", exited.Name)
	assert.EqualValues(t, 137, exited.Code)

	assert.Nil(t, tb.lookup("a1"))
	require.NotNil(t, tb.lookup("a2"), "other agents survive a crash")

	// The survivor still delivers.
	_, perr, _ := tb.Send(protocol.SendMessagePayload{To: "a2", Text: "still here?"}, "cli", 1, nil)
	require.Nil(t, perr)
	awaitEvent(t, sub, protocol.EventDeliveryAck)
}

func TestSupervisorRestartsCrashedAgent(t *testing.T) {
	tb := newTestBroker(t, nil)
	sub := tb.Bus().Subscribe()
	defer tb.Bus().Unsubscribe(sub)
	tb.spawn(t, "a1", "cli", func(s *protocol.AgentSpec) {
		s.RestartPolicy = &protocol.RestartPolicy{Mode: protocol.RestartOnFailure, MaxRestarts: 2}
	})

	tb.worker("a1").crash(1)

	restarting := awaitEvent(t, sub, protocol.EventAgentRestarting)
	assert.Equal(t, 1, restarting.Attempt)
	assert.EqualValues(t, restartBaseDelay.Milliseconds(), restarting.DelayMs)

	restarted := awaitEvent(t, sub, protocol.EventAgentRestarted)
	assert.Equal(t, "a1", restarted.Name)
	require.NotNil(t, tb.lookup("a1"))
}

func TestSupervisorSkipsCleanExitOnFailurePolicy(t *testing.T) {
	tb := newTestBroker(t, nil)
	sub := tb.Bus().Subscribe()
	defer tb.Bus().Unsubscribe(sub)
	tb.spawn(t, "a1", "cli", func(s *protocol.AgentSpec) {
		s.RestartPolicy = &protocol.RestartPolicy{Mode: protocol.RestartOnFailure}
	})

	tb.worker("a1").crash(0)

	awaitEvent(t, sub, protocol.EventAgentExited)
	expectNoEvent(t, sub, protocol.EventAgentRestarting, 150*time.Millisecond)
}

func TestListAgentsSpawnOrder(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "c", "cli")
	tb.spawn(t, "a", "cli")
	tb.spawn(t, "b", "cli")

	agents := tb.ListAgents()
	require.Len(t, agents, 3)
	assert.Equal(t, "c", agents[0].Name)
	assert.Equal(t, "a", agents[1].Name)
	assert.Equal(t, "b", agents[2].Name)
}

func TestStatusReportsPendingDeliveries(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "a1", "cli")

	w := tb.worker("a1")
	w.mu.Lock()
	w.block = make(chan struct{})
	w.mu.Unlock()

	_, perr, _ := tb.Send(protocol.SendMessagePayload{To: "a1", Text: "one"}, "cli", 1, nil)
	require.Nil(t, perr)
	require.Eventually(t, func() bool {
		return len(w.deliveries()) == 1
	}, time.Second, 5*time.Millisecond)
	_, perr, _ = tb.Send(protocol.SendMessagePayload{To: "a1", Text: "two"}, "cli", 1, nil)
	require.Nil(t, perr)

	status := tb.Status()
	assert.Equal(t, 1, status.AgentCount)
	require.Equal(t, 2, status.PendingDeliveryCount)
	assert.Equal(t, StateInjecting, status.PendingDeliveries[0].State)
	assert.Equal(t, StateQueued, status.PendingDeliveries[1].State)

	close(w.block)
}

func TestMetricsUnknownAgentFilter(t *testing.T) {
	tb := newTestBroker(t, nil)

	_, perr := tb.Metrics("ghost", 0)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeUnknownAgent, perr.Code)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "a1", "cli")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tb.Shutdown(ctx))

	_, perr := tb.Spawn(protocol.AgentSpec{Name: "late", CLI: "fake-cli"}, "", "cli", "client")
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeBrokerShuttingDown, perr.Code)

	_, perr, _ = tb.Send(protocol.SendMessagePayload{To: "a1", Text: "late"}, "cli", 1, nil)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeBrokerShuttingDown, perr.Code)
}

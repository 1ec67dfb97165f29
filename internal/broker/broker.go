// Package broker implements the coordination core: the agent registry and
// channel index, the router and ACL, the per-agent delivery engine, the sync
// correlator, and the event bus. The control server in this package fronts
// it all on a UNIX socket speaking length-prefixed JSON envelopes.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/agentmux/internal/config"
	"github.com/adred-codev/agentmux/internal/logging"
	"github.com/adred-codev/agentmux/internal/protocol"
	"github.com/adred-codev/agentmux/internal/runtime"
)

// BrokerVersion is reported in hello_ack.
const BrokerVersion = "1.0.0"

// Broker owns the agent fleet. All registry and channel-index mutations are
// serialized behind one mutex; delivery queues are owned by their per-agent
// delivery loops, and everything else reaches agents by name through the
// registry.
type Broker struct {
	cfg        *config.Config
	logger     zerolog.Logger
	bus        *Bus
	correlator *Correlator

	// startWorker is swappable so engine tests can run against a fake
	// runtime instead of real child processes.
	startWorker func(runtime.Options) (runtime.Worker, error)

	mu       sync.Mutex
	agents   map[string]*agent
	order    []string
	channels map[string][]string

	startedAt    time.Time
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// New creates a broker with an empty registry.
func New(cfg *config.Config, logger zerolog.Logger) *Broker {
	return &Broker{
		cfg:         cfg,
		logger:      logger,
		bus:         NewBus(cfg.EventBuffer, cfg.ReplayCapacity, logger),
		correlator:  NewCorrelator(logger),
		startWorker: runtime.Start,
		agents:      make(map[string]*agent),
		channels:    make(map[string][]string),
		startedAt:   time.Now(),
	}
}

// Bus exposes the event stream for the control server and the observability
// listener.
func (b *Broker) Bus() *Bus { return b.bus }

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// Spawn validates the spec, starts the worker, and registers the agent.
// parent records who spawned it (connection client name or agent name);
// source tags the spawn origin in the event ("client", "fleet", "agent",
// "supervisor").
func (b *Broker) Spawn(spec protocol.AgentSpec, initialTask, parent, source string) (*protocol.SpawnResult, *protocol.Error) {
	if b.shuttingDown.Load() {
		return nil, protocol.NewError(protocol.CodeBrokerShuttingDown, "broker is shutting down")
	}
	if perr := b.validateSpec(&spec); perr != nil {
		return nil, perr
	}

	// Reserve the name before the (slow) process start so concurrent spawns
	// of the same name cannot both win.
	b.mu.Lock()
	if _, exists := b.agents[spec.Name]; exists {
		b.mu.Unlock()
		return nil, protocol.NewErrorf(protocol.CodeAgentExists, "agent %q already exists", spec.Name)
	}
	if len(b.agents) >= b.cfg.MaxAgents {
		b.mu.Unlock()
		return nil, protocol.NewErrorf(protocol.CodeSpawnFailed,
			"agent limit of %d reached", b.cfg.MaxAgents)
	}
	b.agents[spec.Name] = nil
	b.mu.Unlock()

	idle := b.cfg.IdleThreshold
	if spec.IdleThresholdSecs > 0 {
		idle = time.Duration(spec.IdleThresholdSecs) * time.Second
	}
	worker, err := b.startWorker(runtime.Options{
		Spec:            spec,
		Logger:          b.logger,
		ScrollbackBytes: b.cfg.ScrollbackBytes,
		IdleThreshold:   idle,
		ReadyTimeout:    b.cfg.ReadyTimeout,
		VerifyWindow:    b.cfg.VerifyWindow,
		InjectInterval:  b.cfg.InjectInterval,
		HumanCooldown:   b.cfg.HumanCooldown,
	})
	if err != nil {
		b.mu.Lock()
		delete(b.agents, spec.Name)
		b.mu.Unlock()
		return nil, protocol.AsError(err)
	}

	a := &agent{
		name:      spec.Name,
		spec:      spec,
		parent:    parent,
		source:    source,
		worker:    worker,
		queue:     newDeliveryQueue(b.cfg.QueueDepth),
		wake:      make(chan struct{}, 1),
		startedAt: time.Now(),
		loopStop:  make(chan struct{}),
		state:     agentSpawning,
		channels:  normalizeChannels(spec.Channels),
	}
	b.register(a)
	agentsSpawnedTotal.Inc()

	b.bus.Publish(&protocol.Event{
		Kind:    protocol.EventAgentSpawned,
		Name:    a.name,
		Runtime: spec.Runtime,
		Parent:  parent,
		CLI:     spec.CLI,
		Model:   spec.Model,
		PID:     worker.PID(),
		Source:  source,
	})

	b.wg.Add(2)
	go b.pump(a)
	go b.deliveryLoop(a)

	if initialTask != "" {
		from := parent
		if from == "" {
			from = "system"
		}
		b.enqueue(a, &delivery{
			Delivery: protocol.Delivery{
				DeliveryID: newID("del"),
				EventID:    newID("evt"),
				From:       from,
				Target:     a.name,
				Body:       initialTask,
			},
			recipient: a.name,
			createdAt: time.Now(),
		})
	}

	b.logger.Info().
		Str("agent", a.name).
		Str("runtime", spec.Runtime).
		Str("parent", parent).
		Str("source", source).
		Int("pid", worker.PID()).
		Msg("agent spawned")
	return &protocol.SpawnResult{Name: a.name, Runtime: spec.Runtime}, nil
}

func (b *Broker) validateSpec(spec *protocol.AgentSpec) *protocol.Error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return protocol.NewError(protocol.CodeInvalidSpec, "agent name is empty")
	}
	if name != spec.Name || strings.ContainsAny(name, "#* \t\n") {
		return protocol.NewErrorf(protocol.CodeInvalidSpec,
			"agent name %q may not contain whitespace, '#', or '*'", spec.Name)
	}
	switch spec.Runtime {
	case protocol.RuntimePty, protocol.RuntimeHeadless:
	case "":
		spec.Runtime = protocol.RuntimePty
	default:
		return protocol.NewErrorf(protocol.CodeInvalidSpec,
			"unknown runtime %q", spec.Runtime)
	}
	if spec.RestartPolicy != nil {
		switch spec.RestartPolicy.Mode {
		case protocol.RestartNever, protocol.RestartOnFailure, protocol.RestartAlways:
		default:
			return protocol.NewErrorf(protocol.CodeInvalidSpec,
				"unknown restart mode %q", spec.RestartPolicy.Mode)
		}
	}

	if b.cfg.CLIPath != "" {
		spec.CLI = b.cfg.CLIPath
	}
	if spec.CLI == "" {
		return protocol.NewError(protocol.CodeInvalidSpec,
			"agent has no cli and AGENTMUX_CLI_PATH is not set")
	}
	if spec.Cwd == "" {
		spec.Cwd = b.cfg.Workspace
	}
	if spec.Model != "" && spec.Runtime == protocol.RuntimePty && !containsArg(spec.Args, "--model") {
		spec.Args = append(spec.Args, "--model", spec.Model)
	}
	return nil
}

func containsArg(args []string, want string) bool {
	for _, arg := range args {
		if arg == want {
			return true
		}
	}
	return false
}

func normalizeChannels(channels []string) []string {
	var out []string
	for _, ch := range channels {
		ch = strings.TrimPrefix(ch, "#")
		if ch == "" {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen == ch {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, ch)
		}
	}
	return out
}

// Release tears an agent down: pending deliveries are dropped, the worker is
// terminated with grace, and the name becomes reusable immediately. The exit
// pump suppresses agent_exited for released agents, so the terminal event of
// an explicit release is agent_released alone.
func (b *Broker) Release(name, reason string) *protocol.Error {
	a, perr := b.lookupErr(name)
	if perr != nil {
		return perr
	}
	if !a.released.CompareAndSwap(false, true) {
		return nil
	}
	a.setState(agentReleasing)
	if reason == "" {
		reason = "released"
	}

	b.removeAgent(name)
	close(a.loopStop)
	b.dropDrained(a, a.queue.drain())

	a.worker.Terminate(reason, b.cfg.ShutdownGrace)

	b.bus.Publish(&protocol.Event{Kind: protocol.EventAgentReleased, Name: name})
	b.logger.Info().Str("agent", name).Str("reason", reason).Msg("agent released")
	return nil
}

// dropDrained emits the terminal dropped event for each drained delivery.
func (b *Broker) dropDrained(a *agent, drained []*delivery) {
	for _, d := range drained {
		deliveriesTerminalTotal.WithLabelValues(StateDropped).Inc()
		b.bus.Publish(&protocol.Event{
			Kind:       protocol.EventDeliveryDropped,
			Name:       a.name,
			DeliveryID: d.DeliveryID,
			EventID:    d.EventID,
			Count:      1,
			Reason:     protocol.DropReleased,
		})
	}
	deliveryQueueDepth.WithLabelValues(a.name).Set(0)
}

// SendInput types raw bytes into an agent terminal and arms the human-input
// cooldown.
func (b *Broker) SendInput(name, data string) *protocol.Error {
	a, perr := b.lookupErr(name)
	if perr != nil {
		return perr
	}
	if err := a.worker.SendInput(data); err != nil {
		return protocol.AsError(err)
	}
	return nil
}

// SetModel switches the model of a running agent. Headless runtimes report
// not_supported.
func (b *Broker) SetModel(ctx context.Context, name, model string) *protocol.Error {
	a, perr := b.lookupErr(name)
	if perr != nil {
		return perr
	}
	if err := a.worker.SetModel(ctx, model); err != nil {
		return protocol.AsError(err)
	}
	return nil
}

// Send routes one send request. sender is the resolved identity (payload
// `from` or the connection's client name); connID and respond feed the sync
// correlator for blocking sends. The bool result reports a deferred
// response: the correlator will complete the request later.
func (b *Broker) Send(req protocol.SendMessagePayload, sender string, connID uint64, respond responder) (*protocol.SendResult, *protocol.Error, bool) {
	if b.shuttingDown.Load() {
		return nil, protocol.NewError(protocol.CodeBrokerShuttingDown, "broker is shutting down"), false
	}
	if req.Text == "" {
		return nil, protocol.NewError(protocol.CodeInvalidSpec, "message text is empty"), false
	}

	candidates, exact, perr := b.resolveTargets(sender, req.To)
	if perr != nil {
		return nil, perr, false
	}

	// ACL before any side effects so the correlator only ever covers targets
	// that can actually be enqueued.
	var recipients []string
	for _, name := range candidates {
		if b.allowed(sender, name) {
			recipients = append(recipients, name)
			continue
		}
		b.bus.Publish(&protocol.Event{
			Kind:       protocol.EventACLDenied,
			Name:       name,
			Sender:     sender,
			OwnerChain: b.ownerChain(name),
		})
		if exact {
			return nil, protocol.NewErrorf(protocol.CodeACLDenied,
				"%q may not message %q", sender, name), false
		}
	}

	eventID := newID("evt")
	corrID := ""
	blocking := false
	if req.Sync != nil {
		corrID = req.Sync.CorrelationID
		blocking = req.Sync.Blocking
		if blocking && corrID == "" {
			corrID = newID("cor")
		}
		if !blocking && corrID == "" {
			return nil, protocol.NewError(protocol.CodeMissingCorrelationID,
				"sync options require blocking or a correlation_id"), false
		}
	}

	if blocking {
		timeout := b.cfg.AckTimeout
		if req.Sync.TimeoutMs > 0 {
			timeout = time.Duration(req.Sync.TimeoutMs) * time.Millisecond
		}
		if perr := b.correlator.Register(corrID, connID, eventID, recipients, timeout, respond); perr != nil {
			return nil, perr, false
		}
	}

	var targets []string
	for _, name := range recipients {
		a := b.lookup(name)
		if a == nil {
			continue
		}
		d := &delivery{
			Delivery: protocol.Delivery{
				DeliveryID:    newID("del"),
				EventID:       eventID,
				From:          sender,
				Target:        req.To,
				Body:          req.Text,
				ThreadID:      req.ThreadID,
				Priority:      req.Priority,
				CorrelationID: corrID,
			},
			recipient: name,
			createdAt: time.Now(),
		}
		if perr := b.enqueue(a, d); perr != nil {
			if exact {
				if blocking {
					b.correlator.cancel(corrID)
				}
				return nil, perr, false
			}
			b.logger.Warn().
				Str("agent", name).
				Str("event_id", eventID).
				Str("code", perr.Code).
				Msg("fan-out target skipped")
			continue
		}
		targets = append(targets, name)
	}

	result := &protocol.SendResult{EventID: eventID, Targets: targets, CorrelationID: corrID}
	if targets == nil {
		result.Targets = []string{}
	}
	if blocking {
		// No delivery made it into a queue, so no ack can ever arrive;
		// waiting out the timeout would only stall the sender.
		if len(targets) == 0 {
			b.correlator.cancel(corrID)
			return result, nil, false
		}
		return nil, nil, true
	}
	return result, nil, false
}

// enqueue admits one delivery into the agent's queue, emitting the queued
// event (and the preemption drop when the queue was full) and waking the
// delivery loop.
func (b *Broker) enqueue(a *agent, d *delivery) *protocol.Error {
	preempted, perr := a.queue.push(d)
	if perr != nil {
		return perr
	}
	if preempted != nil {
		deliveriesTerminalTotal.WithLabelValues(StateDropped).Inc()
		b.bus.Publish(&protocol.Event{
			Kind:       protocol.EventDeliveryDropped,
			Name:       a.name,
			DeliveryID: preempted.DeliveryID,
			EventID:    preempted.EventID,
			Count:      1,
			Reason:     protocol.DropPriorityPreempt,
		})
	}
	deliveriesEnqueuedTotal.Inc()
	deliveryQueueDepth.WithLabelValues(a.name).Set(float64(a.queue.length()))
	b.bus.Publish(&protocol.Event{
		Kind:       protocol.EventDeliveryQueued,
		Name:       a.name,
		DeliveryID: d.DeliveryID,
		EventID:    d.EventID,
	})
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// pump translates worker messages into broker state and bus events. It ends
// with the worker's exited message.
func (b *Broker) pump(a *agent) {
	defer b.wg.Done()
	defer logging.RecoverPanic(b.logger, "agent_pump", map[string]any{"agent": a.name})

	for msg := range a.worker.Messages() {
		switch msg.Kind {
		case runtime.MsgReady:
			a.setState(agentReady)
			if !a.released.Load() {
				b.bus.Publish(&protocol.Event{Kind: protocol.EventAgentReady, Name: a.name})
			}

		case runtime.MsgStream:
			if a.getState() == agentIdle {
				a.setState(agentActive)
			}
			if !a.released.Load() {
				b.bus.Publish(&protocol.Event{
					Kind:   protocol.EventWorkerStream,
					Name:   a.name,
					Stream: msg.Stream.Stream,
					Chunk:  msg.Stream.Chunk,
				})
			}

		case runtime.MsgIdle:
			a.setState(agentIdle)
			if !a.released.Load() {
				b.bus.Publish(&protocol.Event{
					Kind:     protocol.EventAgentIdle,
					Name:     a.name,
					IdleSecs: msg.IdleSecs,
				})
			}

		case runtime.MsgExitRequest:
			go b.Release(a.name, "agent_requested")

		case runtime.MsgError:
			b.bus.Publish(&protocol.Event{
				Kind:    protocol.EventWorkerError,
				Name:    a.name,
				Code:    msg.WorkerErr.Code,
				Message: msg.WorkerErr.Message,
			})

		case runtime.MsgAck:
			// Asynchronous worker ack outside a Deliver call, e.g. a headless
			// agent answering a blocking send after the fact.
			b.bus.Publish(&protocol.Event{
				Kind:          protocol.EventDeliveryAck,
				Name:          a.name,
				DeliveryID:    msg.Ack.DeliveryID,
				EventID:       msg.Ack.EventID,
				CorrelationID: msg.Ack.CorrelationID,
				Response:      msg.Ack.Response,
			})
			if msg.Ack.CorrelationID != "" {
				b.correlator.Resolve(msg.Ack.CorrelationID, msg.Ack)
			}

		case runtime.MsgExited:
			b.handleExit(a, msg.Exited)
			return
		}
	}
}

// handleExit processes an unexpected worker death: terminal event, registry
// removal, queue drain, and an optional supervisor restart. Explicit
// releases were already finalized by Release.
func (b *Broker) handleExit(a *agent, exited *protocol.WorkerExitedPayload) {
	if a.released.Load() {
		return
	}

	b.removeAgent(a.name)
	close(a.loopStop)
	b.dropDrained(a, a.queue.drain())
	agentsExitedTotal.Inc()

	b.bus.Publish(&protocol.Event{
		Kind:       protocol.EventAgentExited,
		Name:       a.name,
		Code:       exitCodeField(exited.Code),
		Signal:     exited.Signal,
		LastOutput: exited.LastOutput,
	})
	b.logger.Warn().
		Str("agent", a.name).
		Str("signal", exited.Signal).
		Msg("agent exited unexpectedly")

	b.maybeRestart(a, exited)
}

func exitCodeField(code *int) any {
	if code == nil {
		return nil
	}
	return *code
}

// ListAgents returns the registered agents in spawn order.
func (b *Broker) ListAgents() []protocol.AgentInfo {
	out := []protocol.AgentInfo{}
	for _, name := range b.agentNames() {
		a := b.lookup(name)
		if a == nil {
			continue
		}
		out = append(out, protocol.AgentInfo{
			Name:     a.name,
			Runtime:  a.spec.Runtime,
			Channels: a.channelList(),
			Parent:   a.parent,
			PID:      a.worker.PID(),
			State:    a.getState(),
		})
	}
	return out
}

// Shutdown releases every agent with grace and fails pending correlations.
// It returns once all broker goroutines have stopped or ctx expires.
func (b *Broker) Shutdown(ctx context.Context) error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	names := b.agentNames()
	b.logger.Info().Int("agents", len(names)).Msg("broker shutting down")

	var releases sync.WaitGroup
	for _, name := range names {
		releases.Add(1)
		go func(name string) {
			defer releases.Done()
			b.Release(name, "broker_shutdown")
		}(name)
	}
	releases.Wait()
	b.correlator.Shutdown()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broker shutdown timed out: %w", ctx.Err())
	}
}

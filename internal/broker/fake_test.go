package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/agentmux/internal/config"
	"github.com/adred-codev/agentmux/internal/protocol"
	"github.com/adred-codev/agentmux/internal/runtime"
)

// fakeWorker stands in for a real pty/headless process so engine tests can
// script delivery outcomes and exits deterministically.
type fakeWorker struct {
	name string
	pid  int
	msgs chan runtime.Message

	mu        sync.Mutex
	delivered []protocol.Delivery
	failNext  int
	block     chan struct{}
	ackFn     func(d protocol.Delivery) *protocol.DeliveryAckPayload

	exitOnce   sync.Once
	terminated chan string
}

func newFakeWorker(name string) *fakeWorker {
	return &fakeWorker{
		name:       name,
		pid:        4242,
		msgs:       make(chan runtime.Message, 64),
		terminated: make(chan string, 1),
	}
}

func (w *fakeWorker) Name() string                          { return w.name }
func (w *fakeWorker) Kind() string                          { return protocol.RuntimePty }
func (w *fakeWorker) PID() int                              { return w.pid }
func (w *fakeWorker) Messages() <-chan runtime.Message      { return w.msgs }
func (w *fakeWorker) SendInput(string) error                { return nil }
func (w *fakeWorker) SetModel(context.Context, string) error { return nil }

func (w *fakeWorker) Deliver(ctx context.Context, d protocol.Delivery) (*protocol.DeliveryAckPayload, error) {
	w.mu.Lock()
	block := w.block
	fail := w.failNext > 0
	if fail {
		w.failNext--
	} else {
		w.delivered = append(w.delivered, d)
	}
	ackFn := w.ackFn
	w.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, protocol.NewErrorf(protocol.CodeInjectionFailed,
			"echo for %s never appeared", d.DeliveryID)
	}
	if ackFn != nil {
		return ackFn(d), nil
	}
	return nil, nil
}

func (w *fakeWorker) Terminate(reason string, _ time.Duration) {
	select {
	case w.terminated <- reason:
	default:
	}
	code := 0
	w.exit(&code, "")
}

// exit emits the terminal exited message once. Tests call it directly to
// simulate a crash.
func (w *fakeWorker) exit(code *int, signal string) {
	w.exitOnce.Do(func() {
		w.msgs <- runtime.Message{Kind: runtime.MsgExited, Exited: &protocol.WorkerExitedPayload{
			Name:   w.name,
			Code:   code,
			Signal: signal,
		}}
	})
}

// crash simulates an unexpected non-zero exit.
func (w *fakeWorker) crash(code int) {
	w.exit(&code, "")
}

// deliveries returns a copy of everything successfully delivered.
func (w *fakeWorker) deliveries() []protocol.Delivery {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]protocol.Delivery, len(w.delivered))
	copy(out, w.delivered)
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		SocketPath:      "/tmp/agentmux-test.sock",
		Workspace:       ".",
		MaxFrameBytes:   1 << 20,
		MaxAgents:       16,
		QueueDepth:      8,
		MaxAttempts:     3,
		VerifyWindow:    time.Second,
		AckTimeout:      200 * time.Millisecond,
		DeliveryTTL:     0,
		RequestTimeout:  2 * time.Second,
		ShutdownGrace:   100 * time.Millisecond,
		ReadyTimeout:    time.Second,
		IdleThreshold:   time.Hour,
		ScrollbackBytes: 64 * 1024,
		InjectInterval:  time.Millisecond,
		EventBuffer:     128,
		ReplayCapacity:  128,
		LogLevel:        "error",
		LogFormat:       "json",
	}
}

// testBroker wires a broker whose workers are fakes, keyed by agent name.
type testBroker struct {
	*Broker

	mu      sync.Mutex
	workers map[string]*fakeWorker
}

func newTestBroker(t *testing.T, cfg *config.Config) *testBroker {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	tb := &testBroker{
		Broker:  New(cfg, zerolog.Nop()),
		workers: make(map[string]*fakeWorker),
	}
	tb.Broker.startWorker = func(opts runtime.Options) (runtime.Worker, error) {
		w := newFakeWorker(opts.Spec.Name)
		tb.mu.Lock()
		tb.workers[opts.Spec.Name] = w
		tb.mu.Unlock()
		return w, nil
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tb.Broker.Shutdown(ctx)
	})
	return tb
}

func (tb *testBroker) worker(name string) *fakeWorker {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.workers[name]
}

// spawn starts a fake-backed agent and fails the test on error.
func (tb *testBroker) spawn(t *testing.T, name, parent string, mods ...func(*protocol.AgentSpec)) {
	t.Helper()
	spec := protocol.AgentSpec{Name: name, Runtime: protocol.RuntimePty, CLI: "fake-cli"}
	for _, mod := range mods {
		mod(&spec)
	}
	source := "client"
	if parent == "" {
		source = "fleet"
	}
	if _, perr := tb.Spawn(spec, "", parent, source); perr != nil {
		t.Fatalf("spawn %s: %v", name, perr)
	}
}

// awaitEvent drains the subscriber until an event of the wanted kind arrives.
func awaitEvent(t *testing.T, sub *Subscriber, kind string) *protocol.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within 3s", kind)
		}
	}
}

// expectNoEvent asserts that no event of the given kind arrives within the
// window.
func expectNoEvent(t *testing.T, sub *Subscriber, kind string, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == kind {
				t.Fatalf("unexpected %s event: %+v", kind, ev)
			}
		case <-deadline:
			return
		}
	}
}

// Package runtime starts and drives the worker processes behind agents. Two
// variants exist: pty wraps an interactive CLI in a pseudoterminal and
// verifies injected text against the terminal echo; headless speaks the
// worker envelope protocol over stdin/stdout as JSON lines.
package runtime

import (
	"context"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/agentmux/internal/protocol"
)

// Message kinds emitted on a worker's Messages channel.
const (
	MsgReady       = "ready"
	MsgStream      = "stream"
	MsgIdle        = "idle"
	MsgExitRequest = "exit_request"
	MsgError       = "error"
	MsgAck         = "ack"
	MsgExited      = "exited"
)

// Message is one worker-to-broker notification. Kind selects the populated
// field. MsgExited is always the final message; the channel stays open
// afterwards so late housekeeping sends cannot panic.
type Message struct {
	Kind      string
	IdleSecs  int
	Stream    *protocol.WorkerStreamPayload
	WorkerErr *protocol.WorkerErrorPayload
	Ack       *protocol.DeliveryAckPayload
	Exited    *protocol.WorkerExitedPayload
}

// Worker is the capability surface the broker drives. Deliver blocks until
// the delivery is verified (pty: echo observed; headless: acked by the
// process) or fails; the delivery engine owns retries, so exactly one
// Deliver runs per agent at a time.
type Worker interface {
	Name() string
	Kind() string
	PID() int
	Messages() <-chan Message
	Deliver(ctx context.Context, d protocol.Delivery) (*protocol.DeliveryAckPayload, error)
	SendInput(data string) error
	SetModel(ctx context.Context, model string) error
	Terminate(reason string, grace time.Duration)
}

// Options configures a worker start. The broker resolves CLI paths, cwd and
// per-agent overrides before calling Start.
type Options struct {
	Spec            protocol.AgentSpec
	Logger          zerolog.Logger
	ScrollbackBytes int
	IdleThreshold   time.Duration
	ReadyTimeout    time.Duration
	VerifyWindow    time.Duration
	InjectInterval  time.Duration
	HumanCooldown   time.Duration
}

func (o *Options) applyDefaults() {
	if o.ScrollbackBytes <= 0 {
		o.ScrollbackBytes = 64 * 1024
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 25 * time.Second
	}
	if o.VerifyWindow <= 0 {
		o.VerifyWindow = 5 * time.Second
	}
	if o.InjectInterval <= 0 {
		o.InjectInterval = 50 * time.Millisecond
	}
	if o.Spec.Rows == 0 {
		o.Spec.Rows = 24
	}
	if o.Spec.Cols == 0 {
		o.Spec.Cols = 80
	}
}

// Start launches the worker for the given spec.
func Start(opts Options) (Worker, error) {
	opts.applyDefaults()
	switch opts.Spec.Runtime {
	case protocol.RuntimePty:
		return startPty(opts)
	case protocol.RuntimeHeadless:
		return startHeadless(opts)
	default:
		return nil, protocol.NewErrorf(protocol.CodeInvalidSpec,
			"unknown runtime %q for agent %q", opts.Spec.Runtime, opts.Spec.Name)
	}
}

const msgBuffer = 256

// mergedEnv layers the agent's env over the broker's, forcing a sane TERM
// for CLIs that render a TUI.
func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	hasTerm := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") {
			hasTerm = true
			break
		}
	}
	if !hasTerm {
		env = append(env, "TERM=xterm-256color")
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// exitStatus splits a process state into an exit code or a signal name.
func exitStatus(state *os.ProcessState) (*int, string) {
	if state == nil {
		return nil, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return nil, ws.Signal().String()
		}
		code := ws.ExitStatus()
		return &code, ""
	}
	code := state.ExitCode()
	return &code, ""
}

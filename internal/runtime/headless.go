package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/agentmux/internal/logging"
	"github.com/adred-codev/agentmux/internal/protocol"
)

// headlessWorker runs a non-interactive agent speaking worker envelopes as
// JSON lines: deliver_relay in on stdin, delivery_ack and friends out on
// stdout. There is no terminal, so verification is the process's explicit
// ack instead of an echo scan.
type headlessWorker struct {
	name   string
	pid    int
	logger zerolog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	msgs chan Message
	done chan struct{}

	writeMu   sync.Mutex
	pendingMu sync.Mutex
	pending   map[string]chan deliveryResult
	acked     map[string]bool

	readers      sync.WaitGroup
	verifyWindow time.Duration
	readySent    atomic.Bool
	terminated   atomic.Bool
}

type deliveryResult struct {
	ack  *protocol.DeliveryAckPayload
	perr *protocol.Error
}

func startHeadless(opts Options) (*headlessWorker, error) {
	spec := opts.Spec
	cmd := exec.Command(spec.CLI, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = mergedEnv(spec.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, protocol.NewErrorf(protocol.CodeSpawnFailed, "stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, protocol.NewErrorf(protocol.CodeSpawnFailed, "stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, protocol.NewErrorf(protocol.CodeSpawnFailed, "stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, protocol.NewErrorf(protocol.CodeSpawnFailed,
			"start %s for agent %q: %v", spec.CLI, spec.Name, err)
	}

	w := &headlessWorker{
		name:         spec.Name,
		pid:          cmd.Process.Pid,
		logger:       opts.Logger.With().Str("agent", spec.Name).Str("runtime", protocol.RuntimeHeadless).Logger(),
		cmd:          cmd,
		stdin:        stdin,
		stdout:       stdout,
		stderr:       stderr,
		msgs:         make(chan Message, msgBuffer),
		done:         make(chan struct{}),
		pending:      make(map[string]chan deliveryResult),
		acked:        make(map[string]bool),
		verifyWindow: opts.VerifyWindow,
	}

	if err := w.writeEnvelope(protocol.TypeInitWorker, protocol.InitWorkerPayload{
		Name:     spec.Name,
		Channels: spec.Channels,
	}); err != nil {
		_ = cmd.Process.Kill()
		return nil, protocol.NewErrorf(protocol.CodeSpawnFailed, "init worker: %v", err)
	}

	w.readers.Add(2)
	go w.stdoutLoop()
	go w.stderrLoop()
	go w.reap()
	time.AfterFunc(opts.ReadyTimeout, func() {
		if w.emitReady() {
			w.logger.Warn().Dur("timeout", opts.ReadyTimeout).
				Msg("worker never reported ready, reporting ready anyway")
		}
	})

	w.logger.Info().Int("pid", w.pid).Str("cli", spec.CLI).Msg("headless worker started")
	return w, nil
}

func (w *headlessWorker) Name() string { return w.name }

func (w *headlessWorker) Kind() string { return protocol.RuntimeHeadless }

func (w *headlessWorker) PID() int { return w.pid }

func (w *headlessWorker) Messages() <-chan Message { return w.msgs }

func (w *headlessWorker) stdoutLoop() {
	defer logging.RecoverPanic(w.logger, "headless_stdout_loop", map[string]any{"agent": w.name})
	defer w.readers.Done()

	sc := bufio.NewScanner(w.stdout)
	sc.Buffer(make([]byte, 64*1024), protocol.DefaultMaxFrame)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		env, err := protocol.DecodeEnvelope(line)
		if err != nil {
			// Plain output from a process that is not fully envelope
			// disciplined still reaches subscribers as a stream chunk.
			w.msgs <- Message{Kind: MsgStream, Stream: &protocol.WorkerStreamPayload{
				Name: w.name, Stream: "stdout", Chunk: string(line),
			}}
			continue
		}
		w.dispatch(env)
	}
}

func (w *headlessWorker) dispatch(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeWorkerReady:
		w.emitReady()
	case protocol.TypeDeliveryAck:
		var ack protocol.DeliveryAckPayload
		if err := env.Decode(&ack); err != nil {
			w.logger.Warn().Err(err).Msg("malformed delivery_ack from worker")
			return
		}
		w.resolve(ack.DeliveryID, deliveryResult{ack: &ack})
	case protocol.TypeDeliveryFailed:
		var failed protocol.DeliveryFailedPayload
		if err := env.Decode(&failed); err != nil {
			w.logger.Warn().Err(err).Msg("malformed delivery_failed from worker")
			return
		}
		w.resolve(failed.DeliveryID, deliveryResult{
			perr: protocol.NewErrorf(protocol.CodeInjectionFailed,
				"worker rejected delivery: %s", failed.Reason),
		})
	case protocol.TypeWorkerStream:
		var stream protocol.WorkerStreamPayload
		if err := env.Decode(&stream); err != nil {
			return
		}
		stream.Name = w.name
		w.msgs <- Message{Kind: MsgStream, Stream: &stream}
	case protocol.TypeWorkerError:
		var werr protocol.WorkerErrorPayload
		if err := env.Decode(&werr); err != nil {
			return
		}
		werr.Name = w.name
		w.msgs <- Message{Kind: MsgError, WorkerErr: &werr}
	case protocol.TypePong:
		// Liveness only.
	default:
		w.logger.Debug().Str("type", env.Type).Msg("ignoring worker envelope")
	}
}

// resolve completes the pending Deliver for a delivery id. An ack arriving
// after Deliver gave up is forwarded as a message instead, so a blocking
// sender whose correlation is still open can be resolved late.
func (w *headlessWorker) resolve(deliveryID string, res deliveryResult) {
	w.pendingMu.Lock()
	ch, ok := w.pending[deliveryID]
	if ok {
		delete(w.pending, deliveryID)
	}
	if res.ack != nil {
		w.acked[deliveryID] = true
	}
	w.pendingMu.Unlock()
	if !ok {
		if res.ack != nil {
			w.msgs <- Message{Kind: MsgAck, Ack: res.ack}
		}
		return
	}
	ch <- res
}

func (w *headlessWorker) stderrLoop() {
	defer logging.RecoverPanic(w.logger, "headless_stderr_loop", map[string]any{"agent": w.name})
	defer w.readers.Done()

	sc := bufio.NewScanner(w.stderr)
	sc.Buffer(make([]byte, 64*1024), protocol.DefaultMaxFrame)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		w.msgs <- Message{Kind: MsgStream, Stream: &protocol.WorkerStreamPayload{
			Name: w.name, Stream: "stderr", Chunk: line,
		}}
	}
}

// reap joins the reader loops, waits for the process, and emits the final
// exited message.
func (w *headlessWorker) reap() {
	defer logging.RecoverPanic(w.logger, "headless_reap", map[string]any{"agent": w.name})

	w.readers.Wait()
	_ = w.cmd.Wait()
	close(w.done)

	code, signal := exitStatus(w.cmd.ProcessState)
	w.msgs <- Message{Kind: MsgExited, Exited: &protocol.WorkerExitedPayload{
		Name:   w.name,
		Code:   code,
		Signal: signal,
	}}
}

func (w *headlessWorker) emitReady() bool {
	if !w.readySent.CompareAndSwap(false, true) {
		return false
	}
	w.msgs <- Message{Kind: MsgReady}
	return true
}

func (w *headlessWorker) writeEnvelope(typ string, payload any) error {
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	body = append(body, '\n')

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_, err = w.stdin.Write(body)
	return err
}

// Deliver forwards the delivery and waits for the worker's ack. Ids the
// worker already acked are settled immediately so a retry after a lost ack
// cannot double-apply.
func (w *headlessWorker) Deliver(ctx context.Context, d protocol.Delivery) (*protocol.DeliveryAckPayload, error) {
	w.pendingMu.Lock()
	if w.acked[d.DeliveryID] {
		w.pendingMu.Unlock()
		return &protocol.DeliveryAckPayload{
			DeliveryID:    d.DeliveryID,
			EventID:       d.EventID,
			CorrelationID: d.CorrelationID,
		}, nil
	}
	ch := make(chan deliveryResult, 1)
	w.pending[d.DeliveryID] = ch
	w.pendingMu.Unlock()

	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, d.DeliveryID)
		w.pendingMu.Unlock()
	}()

	if err := w.writeEnvelope(protocol.TypeDeliverRelay, protocol.DeliverRelayPayload{Delivery: d}); err != nil {
		return nil, protocol.NewErrorf(protocol.CodeInjectionFailed,
			"write to agent %q: %v", w.name, err)
	}

	window := time.NewTimer(w.verifyWindow)
	defer window.Stop()
	select {
	case res := <-ch:
		if res.perr != nil {
			return nil, res.perr
		}
		return res.ack, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, protocol.NewErrorf(protocol.CodeInjectionFailed, "agent %q exited", w.name)
	case <-window.C:
		return nil, protocol.NewErrorf(protocol.CodeInjectionFailed,
			"no ack from agent %q within %s", w.name, w.verifyWindow)
	}
}

// SendInput has no meaning without a terminal.
func (w *headlessWorker) SendInput(string) error {
	return protocol.NewErrorf(protocol.CodeNotSupported,
		"agent %q is headless and has no terminal input", w.name)
}

// SetModel has no meaning without a terminal.
func (w *headlessWorker) SetModel(context.Context, string) error {
	return protocol.NewErrorf(protocol.CodeNotSupported,
		"agent %q is headless and cannot switch models", w.name)
}

// Terminate sends shutdown_worker, then escalates to SIGTERM at the end of
// the grace period and SIGKILL shortly after.
func (w *headlessWorker) Terminate(reason string, grace time.Duration) {
	if !w.terminated.CompareAndSwap(false, true) {
		return
	}
	w.logger.Info().Str("reason", reason).Dur("grace", grace).Msg("terminating headless worker")

	_ = w.writeEnvelope(protocol.TypeShutdownWorker, protocol.ShutdownWorkerPayload{
		Reason:  reason,
		GraceMs: grace.Milliseconds(),
	})
	go func() {
		select {
		case <-w.done:
			return
		case <-time.After(grace):
		}
		_ = w.stdin.Close()
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-w.done:
		case <-time.After(2 * time.Second):
			if w.cmd.Process != nil {
				w.logger.Warn().Msg("grace expired, killing headless worker")
				_ = w.cmd.Process.Kill()
			}
		}
	}()
}

package runtime

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/agentmux/internal/logging"
	"github.com/adred-codev/agentmux/internal/protocol"
	"github.com/adred-codev/agentmux/internal/termio"
)

// ptyWorker runs an interactive CLI under a pseudoterminal. Output is
// stripped and mirrored into a scrollback used for echo verification; input
// is typed through submit (text, pause, carriage return).
type ptyWorker struct {
	name   string
	cli    string
	pid    int
	logger zerolog.Logger

	cmd    *exec.Cmd
	master *os.File
	scroll *termio.Scrollback

	msgs chan Message
	done chan struct{}

	limiter       *rate.Limiter
	verifyWindow  time.Duration
	humanCooldown time.Duration
	idleThreshold time.Duration
	readyTimeout  time.Duration

	writeMu    sync.Mutex
	lastOutput atomic.Int64
	lastInput  atomic.Int64
	idleSent   atomic.Bool
	readySent  atomic.Bool
	exitReq    atomic.Bool
	terminated atomic.Bool
}

func startPty(opts Options) (*ptyWorker, error) {
	spec := opts.Spec
	cmd := exec.Command(spec.CLI, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = mergedEnv(spec.Env)

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: spec.Rows, Cols: spec.Cols})
	if err != nil {
		return nil, protocol.NewErrorf(protocol.CodeSpawnFailed,
			"start %s for agent %q: %v", spec.CLI, spec.Name, err)
	}

	w := &ptyWorker{
		name:          spec.Name,
		cli:           spec.CLI,
		pid:           cmd.Process.Pid,
		logger:        opts.Logger.With().Str("agent", spec.Name).Str("runtime", protocol.RuntimePty).Logger(),
		cmd:           cmd,
		master:        master,
		scroll:        termio.NewScrollback(opts.ScrollbackBytes),
		msgs:          make(chan Message, msgBuffer),
		done:          make(chan struct{}),
		limiter:       rate.NewLimiter(rate.Every(opts.InjectInterval), 1),
		verifyWindow:  opts.VerifyWindow,
		humanCooldown: opts.HumanCooldown,
		idleThreshold: opts.IdleThreshold,
		readyTimeout:  opts.ReadyTimeout,
	}
	w.lastOutput.Store(time.Now().UnixNano())

	go w.readLoop()
	go w.housekeeping()

	w.logger.Info().Int("pid", w.pid).Str("cli", spec.CLI).Msg("pty worker started")
	return w, nil
}

func (w *ptyWorker) Name() string { return w.name }

func (w *ptyWorker) Kind() string { return protocol.RuntimePty }

func (w *ptyWorker) PID() int { return w.pid }

func (w *ptyWorker) Messages() <-chan Message { return w.msgs }

// readLoop drains the PTY master until the child exits. It answers terminal
// queries inline so probing CLIs never stall waiting for a real terminal.
func (w *ptyWorker) readLoop() {
	defer logging.RecoverPanic(w.logger, "pty_read_loop", map[string]any{"agent": w.name})

	var queries termio.QueryResponder
	buf := make([]byte, 8192)
	for {
		n, err := w.master.Read(buf)
		if n > 0 {
			raw := buf[:n]
			for _, reply := range queries.Feed(raw) {
				w.writeRaw(reply)
			}
			cleaned := termio.StripANSI(string(raw))
			w.scroll.Append(cleaned)
			w.lastOutput.Store(time.Now().UnixNano())
			w.idleSent.Store(false)

			if !w.readySent.Load() && termio.HasPrompt(w.cli, w.scroll.Tail(2048)) {
				w.emitReady()
			}
			if cleaned != "" {
				w.msgs <- Message{Kind: MsgStream, Stream: &protocol.WorkerStreamPayload{
					Name: w.name, Stream: "stdout", Chunk: cleaned,
				}}
			}
			if termio.ExitRequested(cleaned) && w.exitReq.CompareAndSwap(false, true) {
				w.msgs <- Message{Kind: MsgExitRequest}
			}
		}
		if err != nil {
			// Read errors mean the child side closed; EIO is the normal
			// Linux signal for that.
			break
		}
	}

	waitErr := w.cmd.Wait()
	close(w.done)
	_ = w.master.Close()

	code, signal := exitStatus(w.cmd.ProcessState)
	if waitErr != nil && code == nil && signal == "" {
		w.logger.Warn().Err(waitErr).Msg("pty worker wait failed")
	}
	w.msgs <- Message{Kind: MsgExited, Exited: &protocol.WorkerExitedPayload{
		Name:       w.name,
		Code:       code,
		Signal:     signal,
		LastOutput: w.scroll.Tail(exitTailBytes),
	}}
}

// housekeeping owns the ready fallback timer and idle detection.
func (w *ptyWorker) housekeeping() {
	defer logging.RecoverPanic(w.logger, "pty_housekeeping", map[string]any{"agent": w.name})

	readyTimer := time.NewTimer(w.readyTimeout)
	defer readyTimer.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-readyTimer.C:
			if w.emitReady() {
				w.logger.Warn().
					Dur("timeout", w.readyTimeout).
					Msg("no prompt detected before ready timeout, reporting ready anyway")
			}
		case <-ticker.C:
			if w.idleThreshold <= 0 {
				continue
			}
			idle := time.Since(time.Unix(0, w.lastOutput.Load()))
			if idle >= w.idleThreshold && w.idleSent.CompareAndSwap(false, true) {
				w.msgs <- Message{Kind: MsgIdle, IdleSecs: int(idle.Seconds())}
			}
		}
	}
}

func (w *ptyWorker) emitReady() bool {
	if !w.readySent.CompareAndSwap(false, true) {
		return false
	}
	w.msgs <- Message{Kind: MsgReady}
	return true
}

// Deliver types the formatted relay line and waits for its echo in the
// scrollback. The rate limiter paces consecutive injections; the human
// cooldown yields the terminal after recent send_input traffic unless the
// delivery is urgent.
func (w *ptyWorker) Deliver(ctx context.Context, d protocol.Delivery) (*protocol.DeliveryAckPayload, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if d.Priority < bypassPriority && w.humanCooldown > 0 {
		if err := w.waitHumanCooldown(ctx); err != nil {
			return nil, err
		}
	}

	injection := FormatInjection(d.From, d.EventID, d.Body, d.Target)
	if err := w.submit(injection); err != nil {
		return nil, protocol.NewErrorf(protocol.CodeInjectionFailed,
			"write to agent %q: %v", w.name, err)
	}

	needle := verifyNeedle(injection)
	window := time.NewTimer(w.verifyWindow)
	defer window.Stop()
	poll := time.NewTicker(verifyPollInterval)
	defer poll.Stop()

	for {
		if w.scroll.Contains(needle) {
			return &protocol.DeliveryAckPayload{
				DeliveryID:    d.DeliveryID,
				EventID:       d.EventID,
				CorrelationID: d.CorrelationID,
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.done:
			return nil, protocol.NewErrorf(protocol.CodeInjectionFailed,
				"agent %q exited during verification", w.name)
		case <-window.C:
			return nil, protocol.NewErrorf(protocol.CodeInjectionFailed,
				"echo not observed within %s", w.verifyWindow)
		case <-poll.C:
		}
	}
}

func (w *ptyWorker) waitHumanCooldown(ctx context.Context) error {
	for {
		last := w.lastInput.Load()
		if last == 0 {
			return nil
		}
		remaining := w.humanCooldown - time.Since(time.Unix(0, last))
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-w.done:
			timer.Stop()
			return protocol.NewErrorf(protocol.CodeInjectionFailed, "agent %q exited", w.name)
		case <-timer.C:
		}
	}
}

// submit types text then a carriage return, with a settle pause between.
// The write lock spans the pause so human input cannot interleave with an
// injection.
func (w *ptyWorker) submit(text string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := w.master.Write([]byte(text)); err != nil {
		return err
	}
	time.Sleep(submitDelay)
	_, err := w.master.Write([]byte("\r"))
	return err
}

func (w *ptyWorker) writeRaw(data []byte) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := w.master.Write(data); err != nil {
		w.logger.Debug().Err(err).Msg("pty reply write failed")
	}
}

// SendInput forwards raw bytes without appending a return, and starts the
// human cooldown window.
func (w *ptyWorker) SendInput(data string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.lastInput.Store(time.Now().UnixNano())
	_, err := w.master.Write([]byte(data))
	return err
}

// SetModel types the CLI's /model command.
func (w *ptyWorker) SetModel(_ context.Context, model string) error {
	return w.submit("/model " + model)
}

// Terminate asks the child to exit and kills it after the grace period.
func (w *ptyWorker) Terminate(reason string, grace time.Duration) {
	if !w.terminated.CompareAndSwap(false, true) {
		return
	}
	w.logger.Info().Str("reason", reason).Dur("grace", grace).Msg("terminating pty worker")
	if w.cmd.Process == nil {
		return
	}
	_ = w.cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-w.done:
		case <-time.After(grace):
			w.logger.Warn().Msg("grace expired, killing pty worker")
			_ = w.cmd.Process.Kill()
		}
	}()
}

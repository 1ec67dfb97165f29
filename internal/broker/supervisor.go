package broker

import (
	"time"

	"github.com/adred-codev/agentmux/internal/protocol"
)

const (
	restartBaseDelay   = 500 * time.Millisecond
	defaultMaxRestarts = 5
)

// maybeRestart applies the agent's restart policy after an unexpected exit.
// Backoff doubles per attempt from the base delay; attempts are capped by
// the policy (default 5). Explicit releases never restart.
func (b *Broker) maybeRestart(a *agent, exited *protocol.WorkerExitedPayload) {
	policy := a.spec.RestartPolicy
	if policy == nil || policy.Mode == protocol.RestartNever || b.shuttingDown.Load() {
		return
	}
	if policy.Mode == protocol.RestartOnFailure && cleanExit(exited) {
		return
	}

	max := policy.MaxRestarts
	if max <= 0 {
		max = defaultMaxRestarts
	}
	if a.restarts >= max {
		b.bus.Publish(&protocol.Event{
			Kind:     protocol.EventAgentPermanentlyDead,
			Name:     a.name,
			Attempts: a.restarts,
		})
		b.logger.Error().
			Str("agent", a.name).
			Int("attempts", a.restarts).
			Msg("restart budget spent, agent is permanently dead")
		return
	}

	attempt := a.restarts + 1
	delay := restartBaseDelay << (attempt - 1)
	b.bus.Publish(&protocol.Event{
		Kind:    protocol.EventAgentRestarting,
		Name:    a.name,
		Attempt: attempt,
		DelayMs: delay.Milliseconds(),
	})
	b.logger.Info().
		Str("agent", a.name).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("scheduling agent restart")

	spec := a.spec
	parent := a.parent
	time.AfterFunc(delay, func() {
		if b.shuttingDown.Load() {
			return
		}
		_, perr := b.Spawn(spec, "", parent, "supervisor")
		if perr != nil {
			b.logger.Warn().
				Str("agent", spec.Name).
				Int("attempt", attempt).
				Str("code", perr.Code).
				Msg("agent restart failed")
			// Count the failed attempt and try again through the same path.
			ghost := &agent{name: spec.Name, spec: spec, parent: parent, restarts: attempt}
			b.maybeRestart(ghost, exited)
			return
		}
		if restarted := b.lookup(spec.Name); restarted != nil {
			restarted.restarts = attempt
		}
		b.bus.Publish(&protocol.Event{
			Kind:    protocol.EventAgentRestarted,
			Name:    spec.Name,
			Attempt: attempt,
		})
	})
}

// cleanExit reports a zero exit status with no terminating signal.
func cleanExit(exited *protocol.WorkerExitedPayload) bool {
	return exited != nil && exited.Signal == "" && exited.Code != nil && *exited.Code == 0
}

package runtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/adred-codev/agentmux/internal/termio"
)

const (
	// submitDelay lets a TUI's input buffer settle between the pasted text
	// and the carriage return that submits it.
	submitDelay = 50 * time.Millisecond

	// verifyPollInterval is how often the scrollback is rechecked for the
	// echo while the verify window is open.
	verifyPollInterval = 250 * time.Millisecond

	// needleBytes bounds the echo fragment searched for. Longer fragments
	// get wrapped by the terminal at column width and stop matching; the
	// event id inside the prefix keeps short fragments distinctive.
	needleBytes = 64

	// bypassPriority and above skip the human-typing cooldown.
	bypassPriority = 2

	// exitTailBytes of cleaned scrollback accompany agent_exited.
	exitTailBytes = 2000
)

// FormatInjection renders the line typed into the recipient's terminal.
// Channel targets name the channel so the agent knows the audience. Bodies
// already carrying the relay prefix pass through untouched so forwarded
// messages are not double-wrapped.
func FormatInjection(from, eventID, body, target string) string {
	if strings.HasPrefix(body, "Relay message from ") {
		return body
	}
	if strings.HasPrefix(target, "#") {
		return fmt.Sprintf("Relay message from %s in %s [%s]: %s", from, target, eventID, body)
	}
	return fmt.Sprintf("Relay message from %s [%s]: %s", from, eventID, body)
}

func verifyNeedle(injection string) string {
	return termio.TruncateRunes(injection, needleBytes)
}

package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/agentmux/internal/logging"
	"github.com/adred-codev/agentmux/internal/protocol"
	"github.com/adred-codev/agentmux/pkg/client"
)

// Outbound event kinds republished to NATS. Terminal chatter
// (worker_stream) stays local; everything routed or lifecycle-shaped goes
// out so fleet dashboards can follow the swarm.
var outboundKinds = map[string]bool{
	protocol.EventRelayInbound:         true,
	protocol.EventAgentSpawned:         true,
	protocol.EventAgentReady:           true,
	protocol.EventAgentReleased:        true,
	protocol.EventAgentExited:          true,
	protocol.EventAgentIdle:            true,
	protocol.EventAgentRestarting:      true,
	protocol.EventAgentRestarted:       true,
	protocol.EventAgentPermanentlyDead: true,
	protocol.EventDeliveryFailed:       true,
	protocol.EventDeliveryDropped:      true,
	protocol.EventACLDenied:            true,
}

// inboundSend is the payload accepted on <prefix>.send.<target> subjects.
type inboundSend struct {
	Text     string `json:"text"`
	From     string `json:"from,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Channel  bool   `json:"channel,omitempty"`
}

// Bridge pumps broker events out to NATS and NATS sends into the broker.
type Bridge struct {
	cfg    *Config
	logger zerolog.Logger
	broker *client.Client
	nats   *NATSClient
}

// New wires a bridge between an established broker client and NATS client.
func New(cfg *Config, logger zerolog.Logger, broker *client.Client, nc *NATSClient) *Bridge {
	return &Bridge{
		cfg:    cfg,
		logger: logger.With().Str("component", "bridge").Logger(),
		broker: broker,
		nats:   nc,
	}
}

// Run subscribes both directions and blocks until ctx is cancelled or the
// broker connection drops.
func (b *Bridge) Run(ctx context.Context) error {
	inbound := b.cfg.SubjectPrefix + ".send.>"
	if err := b.nats.Subscribe(inbound, b.handleInbound); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-b.broker.Events():
			if !ok {
				return client.ErrClosed
			}
			b.forwardEvent(ev)
		}
	}
}

// forwardEvent republishes one broker event on <prefix>.events.<kind>.
func (b *Bridge) forwardEvent(ev *protocol.Event) {
	if !outboundKinds[ev.Kind] {
		return
	}
	subject := b.cfg.SubjectPrefix + ".events." + ev.Kind
	if err := b.nats.PublishJSON(subject, ev); err != nil {
		b.logger.Warn().Err(err).Str("kind", ev.Kind).Msg("event republish failed")
		return
	}
	b.logger.Debug().Str("subject", subject).Uint64("seq", ev.Seq).Msg("event forwarded")
}

// handleInbound turns one NATS send into a broker send_message. Runs on the
// NATS delivery goroutine; the broker request gets its own goroutine so a
// slow agent cannot stall the subscription.
func (b *Bridge) handleInbound(subject string, data []byte) {
	defer logging.RecoverPanic(b.logger, "bridge_inbound", nil)

	var req inboundSend
	if err := json.Unmarshal(data, &req); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("malformed inbound send")
		return
	}
	if req.Text == "" {
		b.logger.Warn().Str("subject", subject).Msg("inbound send without text")
		return
	}

	target, ok := subjectTarget(b.cfg.SubjectPrefix, subject, req.Channel)
	if !ok {
		b.logger.Warn().Str("subject", subject).Msg("inbound send without target")
		return
	}

	from := req.From
	if from == "" {
		from = b.cfg.DefaultFrom
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result, err := b.broker.SendMessage(ctx, protocol.SendMessagePayload{
			To:       target,
			Text:     req.Text,
			From:     from,
			ThreadID: req.ThreadID,
			Priority: req.Priority,
		})
		if err != nil {
			b.logger.Warn().Err(err).Str("target", target).Msg("inbound send rejected")
			return
		}
		b.logger.Debug().
			Str("target", target).
			Str("event_id", result.EventID).
			Strs("targets", result.Targets).
			Msg("inbound send routed")
	}()
}

// subjectTarget extracts the broker target from a send subject.
// "<prefix>.send.planner" addresses agent "planner"; channel=true makes it
// "#planner"; "<prefix>.send.all" broadcasts.
func subjectTarget(prefix, subject string, channel bool) (string, bool) {
	tail, found := strings.CutPrefix(subject, prefix+".send.")
	if !found || tail == "" {
		return "", false
	}
	if tail == "all" {
		return "*", true
	}
	if channel {
		return "#" + tail, true
	}
	return tail, true
}

package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/adred-codev/agentmux/internal/protocol"
)

func TestSubjectTarget(t *testing.T) {
	cases := []struct {
		name    string
		subject string
		channel bool
		want    string
		ok      bool
	}{
		{"agent", "agentmux.send.planner", false, "planner", true},
		{"channel", "agentmux.send.team", true, "#team", true},
		{"broadcast", "agentmux.send.all", false, "*", true},
		{"broadcast ignores channel flag", "agentmux.send.all", true, "*", true},
		{"dotted tail passes through", "agentmux.send.team.sub", false, "team.sub", true},
		{"empty tail", "agentmux.send.", false, "", false},
		{"wrong prefix", "other.send.planner", false, "", false},
		{"events subject", "agentmux.events.agent_ready", false, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := subjectTarget("agentmux", tc.subject, tc.channel)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOutboundKindFilter(t *testing.T) {
	assert.True(t, outboundKinds[protocol.EventRelayInbound])
	assert.True(t, outboundKinds[protocol.EventAgentExited])
	assert.True(t, outboundKinds[protocol.EventACLDenied])

	// Terminal chatter and per-attempt delivery ticks stay local.
	assert.False(t, outboundKinds[protocol.EventWorkerStream])
	assert.False(t, outboundKinds[protocol.EventDeliveryInjected])
	assert.False(t, outboundKinds[protocol.EventDeliveryQueued])
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{SocketPath: "/tmp/x.sock", NATSURL: "nats://127.0.0.1:4222", SubjectPrefix: "agentmux"}
	assert.NoError(t, cfg.Validate())

	assert.Error(t, (&Config{NATSURL: "x", SubjectPrefix: "p"}).Validate())
	assert.Error(t, (&Config{SocketPath: "s", SubjectPrefix: "p"}).Validate())
	assert.Error(t, (&Config{SocketPath: "s", NATSURL: "x"}).Validate())
}

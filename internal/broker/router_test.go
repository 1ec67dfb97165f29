package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/agentmux/internal/protocol"
)

func TestResolveTargetsExact(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "planner", "cli")

	recipients, exact, perr := tb.resolveTargets("cli", "planner")
	require.Nil(t, perr)
	assert.True(t, exact)
	assert.Equal(t, []string{"planner"}, recipients)
}

func TestResolveTargetsUnknownAgent(t *testing.T) {
	tb := newTestBroker(t, nil)

	_, exact, perr := tb.resolveTargets("cli", "ghost")
	require.NotNil(t, perr)
	assert.True(t, exact)
	assert.Equal(t, protocol.CodeUnknownTarget, perr.Code)
}

func TestResolveTargetsEmpty(t *testing.T) {
	tb := newTestBroker(t, nil)
	_, _, perr := tb.resolveTargets("cli", "")
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeUnknownTarget, perr.Code)
}

func TestResolveTargetsBroadcastExcludesSender(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "a1", "cli")
	tb.spawn(t, "a2", "cli")
	tb.spawn(t, "a3", "cli")

	recipients, exact, perr := tb.resolveTargets("a2", "*")
	require.Nil(t, perr)
	assert.False(t, exact)
	assert.Equal(t, []string{"a1", "a3"}, recipients, "spawn order minus the sender")
}

func TestResolveTargetsChannel(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "a1", "cli", func(s *protocol.AgentSpec) { s.Channels = []string{"team"} })
	tb.spawn(t, "a2", "cli", func(s *protocol.AgentSpec) { s.Channels = []string{"#team"} })
	tb.spawn(t, "a3", "cli")

	recipients, exact, perr := tb.resolveTargets("a1", "#team")
	require.Nil(t, perr)
	assert.False(t, exact)
	assert.Equal(t, []string{"a2"}, recipients)

	// An empty or unknown channel resolves to nobody, not an error.
	recipients, _, perr = tb.resolveTargets("a1", "#nosuch")
	require.Nil(t, perr)
	assert.Empty(t, recipients)
}

func TestACLOwnerChain(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "lead", "cli")
	tb.spawn(t, "worker1", "lead")
	tb.spawn(t, "worker2", "lead")

	assert.Equal(t, []string{"worker1", "lead", "cli"}, tb.ownerChain("worker1"))

	// Up and down the same lineage is allowed.
	assert.True(t, tb.allowed("worker1", "lead"))
	assert.True(t, tb.allowed("lead", "worker1"))
	assert.True(t, tb.allowed("cli", "worker1"), "chain roots reach their descendants")

	// Siblings share a lineage but are not in each other's chain.
	assert.False(t, tb.allowed("worker1", "worker2"))
}

func TestACLSharedChannel(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "lead", "cli")
	tb.spawn(t, "worker1", "lead")
	tb.spawn(t, "worker2", "lead")

	require.Nil(t, tb.JoinChannel("worker1", "team"))
	require.Nil(t, tb.JoinChannel("worker2", "#team"))

	assert.True(t, tb.allowed("worker1", "worker2"))
	assert.True(t, tb.allowed("worker2", "worker1"))

	require.Nil(t, tb.LeaveChannel("worker2", "team"))
	assert.False(t, tb.allowed("worker1", "worker2"))
}

func TestACLParentlessAgentReachableByAnyone(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "fleetling", "")
	tb.spawn(t, "lead", "cli")
	tb.spawn(t, "worker1", "lead")

	assert.True(t, tb.allowed("worker1", "fleetling"))
	assert.True(t, tb.allowed("other-client", "fleetling"))
}

func TestACLEmptySenderAndSelf(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "lead", "cli")

	assert.True(t, tb.allowed("", "lead"))
	assert.True(t, tb.allowed("lead", "lead"))
}

func TestOwnerChainSurvivesMissingAncestors(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "lead", "cli")
	tb.spawn(t, "worker1", "lead")

	require.Nil(t, tb.Release("lead", "test"))

	// The chain still names the gone parent; it just cannot extend past it.
	assert.Equal(t, []string{"worker1", "lead"}, tb.ownerChain("worker1"))
}

func TestChannelMembershipRoundTrip(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "a1", "cli")

	require.Nil(t, tb.JoinChannel("a1", "team"))
	require.Nil(t, tb.JoinChannel("a1", "team"), "joining twice is a no-op")
	assert.Equal(t, []string{"a1"}, tb.channelMembers("team"))

	require.Nil(t, tb.LeaveChannel("a1", "team"))
	assert.Empty(t, tb.channelMembers("team"))
	require.Nil(t, tb.LeaveChannel("a1", "team"), "leaving again is a no-op")

	perr := tb.JoinChannel("ghost", "team")
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeUnknownAgent, perr.Code)
}

func TestReleaseFreesName(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "a1", "cli")

	require.Nil(t, tb.Release("a1", "test"))
	assert.Nil(t, tb.lookup("a1"))

	tb.spawn(t, "a1", "cli")
	assert.NotNil(t, tb.lookup("a1"))
}

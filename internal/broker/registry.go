package broker

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/agentmux/internal/protocol"
	"github.com/adred-codev/agentmux/internal/runtime"
)

// Agent lifecycle states.
const (
	agentSpawning  = "spawning"
	agentReady     = "ready"
	agentActive    = "active"
	agentIdle      = "idle"
	agentReleasing = "releasing"
)

// agent is one registered runtime instance. The registry map owns the record;
// worker handles are only ever released through the release path.
type agent struct {
	name      string
	spec      protocol.AgentSpec
	parent    string
	source    string
	worker    runtime.Worker
	queue     *deliveryQueue
	wake      chan struct{}
	startedAt time.Time
	restarts  int

	loopStop chan struct{}

	// released marks an explicit release so the exit pump suppresses
	// agent_exited and the supervisor stays out of it.
	released atomic.Bool

	mu       sync.Mutex
	state    string
	channels []string
	inflight *delivery
}

func (a *agent) setState(state string) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
}

func (a *agent) getState() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *agent) setInflight(d *delivery) {
	a.mu.Lock()
	a.inflight = d
	a.mu.Unlock()
}

func (a *agent) getInflight() *delivery {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight
}

func (a *agent) channelList() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.channels))
	copy(out, a.channels)
	return out
}

// lookup returns the named agent, or nil.
func (b *Broker) lookup(name string) *agent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agents[name]
}

// lookupErr is lookup with the standard unknown_agent error.
func (b *Broker) lookupErr(name string) (*agent, *protocol.Error) {
	if a := b.lookup(name); a != nil {
		return a, nil
	}
	return nil, protocol.NewErrorf(protocol.CodeUnknownAgent, "no agent named %q", name)
}

// register inserts the agent and its channel memberships. Caller validated
// uniqueness under the same reservation.
func (b *Broker) register(a *agent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents[a.name] = a
	b.order = append(b.order, a.name)
	for _, ch := range a.channelList() {
		b.joinChannelLocked(ch, a.name)
	}
	agentsActive.Set(float64(len(b.agents)))
}

// removeAgent drops the agent from the registry, the spawn-order list, and
// every channel. The released name is immediately reusable.
func (b *Broker) removeAgent(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agents, name)
	for i, n := range b.order {
		if n == name {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	for ch, members := range b.channels {
		b.channels[ch] = removeMember(members, name)
		if len(b.channels[ch]) == 0 {
			delete(b.channels, ch)
		}
	}
	agentsActive.Set(float64(len(b.agents)))
	deliveryQueueDepth.DeleteLabelValues(name)
}

// joinChannelLocked appends name to the channel's member list with set
// semantics. Insertion order is preserved so fan-out is deterministic.
func (b *Broker) joinChannelLocked(channel, name string) {
	for _, m := range b.channels[channel] {
		if m == name {
			return
		}
	}
	b.channels[channel] = append(b.channels[channel], name)
}

// channelMembers returns a copy of the channel's member list.
func (b *Broker) channelMembers(channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.channels[channel]
	out := make([]string, len(members))
	copy(out, members)
	return out
}

// agentNames returns all registered names in spawn order.
func (b *Broker) agentNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// ownerChain returns name followed by its ancestors, ending at the chain
// root (a connection client or an agent whose parent is gone).
func (b *Broker) ownerChain(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	chain := []string{name}
	seen := map[string]bool{name: true}
	cur := name
	for {
		a, ok := b.agents[cur]
		if !ok || a == nil || a.parent == "" || seen[a.parent] {
			return chain
		}
		chain = append(chain, a.parent)
		seen[a.parent] = true
		cur = a.parent
	}
}

// JoinChannel subscribes an agent to a channel. The '#' sigil is accepted
// and stripped.
func (b *Broker) JoinChannel(name, channel string) *protocol.Error {
	channel = strings.TrimPrefix(channel, "#")
	if channel == "" {
		return protocol.NewError(protocol.CodeInvalidSpec, "channel name is empty")
	}
	a, perr := b.lookupErr(name)
	if perr != nil {
		return perr
	}

	b.mu.Lock()
	b.joinChannelLocked(channel, name)
	b.mu.Unlock()

	a.mu.Lock()
	found := false
	for _, ch := range a.channels {
		if ch == channel {
			found = true
			break
		}
	}
	if !found {
		a.channels = append(a.channels, channel)
	}
	a.mu.Unlock()
	return nil
}

// LeaveChannel removes an agent from a channel. Leaving a channel the agent
// never joined is a no-op.
func (b *Broker) LeaveChannel(name, channel string) *protocol.Error {
	channel = strings.TrimPrefix(channel, "#")
	a, perr := b.lookupErr(name)
	if perr != nil {
		return perr
	}

	b.mu.Lock()
	b.channels[channel] = removeMember(b.channels[channel], name)
	if len(b.channels[channel]) == 0 {
		delete(b.channels, channel)
	}
	b.mu.Unlock()

	a.mu.Lock()
	a.channels = removeMember(a.channels, channel)
	a.mu.Unlock()
	return nil
}

func removeMember(members []string, name string) []string {
	for i, m := range members {
		if m == name {
			return append(members[:i], members[i+1:]...)
		}
	}
	return members
}

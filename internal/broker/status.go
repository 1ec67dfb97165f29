package broker

import (
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/agentmux/internal/protocol"
)

// Status assembles the get_status result: every agent plus every delivery
// that has not reached a terminal state (queued entries and the one
// currently injecting per agent).
func (b *Broker) Status() *protocol.StatusResult {
	agents := b.ListAgents()
	pending := []protocol.PendingDeliveryInfo{}

	for _, info := range agents {
		a := b.lookup(info.Name)
		if a == nil {
			continue
		}
		if d := a.getInflight(); d != nil {
			pending = append(pending, pendingInfo(a.name, d))
		}
		for _, d := range a.queue.snapshot() {
			pending = append(pending, pendingInfo(a.name, d))
		}
	}

	return &protocol.StatusResult{
		AgentCount:           len(agents),
		Agents:               agents,
		PendingDeliveryCount: len(pending),
		PendingDeliveries:    pending,
	}
}

func pendingInfo(name string, d *delivery) protocol.PendingDeliveryInfo {
	return protocol.PendingDeliveryInfo{
		DeliveryID: d.DeliveryID,
		AgentName:  name,
		EventID:    d.EventID,
		Attempts:   d.attempts,
		State:      d.state,
	}
}

// Metrics samples agent processes on demand. agentFilter narrows the result
// to one agent; unknown names error so clients can tell a typo from an
// agent without samples.
func (b *Broker) Metrics(agentFilter string, connections int) (*protocol.MetricsResult, *protocol.Error) {
	names := b.agentNames()
	if agentFilter != "" {
		if b.lookup(agentFilter) == nil {
			return nil, protocol.NewErrorf(protocol.CodeUnknownAgent, "no agent named %q", agentFilter)
		}
		names = []string{agentFilter}
	}

	samples := []protocol.AgentMetrics{}
	pendingTotal := 0
	for _, name := range names {
		a := b.lookup(name)
		if a == nil {
			continue
		}
		pendingTotal += a.queue.length()
		samples = append(samples, b.sampleAgent(a))
	}

	return &protocol.MetricsResult{
		Agents: samples,
		Broker: protocol.BrokerMetrics{
			UptimeSecs:        int64(time.Since(b.startedAt).Seconds()),
			Connections:       connections,
			AgentCount:        len(b.agentNames()),
			PendingDeliveries: pendingTotal,
			EventsPublished:   b.bus.Published(),
		},
	}, nil
}

// sampleAgent reads RSS and CPU for the agent's child process. Sampling
// failures (the process just exited, a permissions oddity) degrade to zeros
// rather than failing the request.
func (b *Broker) sampleAgent(a *agent) protocol.AgentMetrics {
	sample := protocol.AgentMetrics{
		Name:       a.name,
		PID:        a.worker.PID(),
		UptimeSecs: int64(time.Since(a.startedAt).Seconds()),
	}
	proc, err := process.NewProcess(int32(sample.PID))
	if err != nil {
		return sample
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		sample.MemoryBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		sample.CPUPercent = cpu
	}
	return sample
}

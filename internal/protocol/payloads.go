package protocol

import "encoding/json"

// HelloPayload opens every connection.
type HelloPayload struct {
	ClientName    string `json:"client_name"`
	ClientVersion string `json:"client_version,omitempty"`
}

// HelloAckPayload completes the handshake.
type HelloAckPayload struct {
	BrokerVersion   string `json:"broker_version"`
	ProtocolVersion int    `json:"protocol_version"`
}

// RestartPolicy controls supervisor behavior after a worker dies. The zero
// value (mode "never") matches an absent policy.
type RestartPolicy struct {
	Mode        string `json:"mode"`
	MaxRestarts int    `json:"max_restarts,omitempty"`
}

// Restart policy modes.
const (
	RestartNever     = "never"
	RestartOnFailure = "on_failure"
	RestartAlways    = "always"
)

// AgentSpec describes one agent to spawn.
type AgentSpec struct {
	Name              string            `json:"name"`
	Runtime           string            `json:"runtime"`
	CLI               string            `json:"cli,omitempty"`
	Model             string            `json:"model,omitempty"`
	Cwd               string            `json:"cwd,omitempty"`
	Args              []string          `json:"args,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	Channels          []string          `json:"channels,omitempty"`
	Rows              uint16            `json:"rows,omitempty"`
	Cols              uint16            `json:"cols,omitempty"`
	IdleThresholdSecs int               `json:"idle_threshold_secs,omitempty"`
	RestartPolicy     *RestartPolicy    `json:"restart_policy,omitempty"`
}

// SpawnAgentPayload is the spawn_agent request.
type SpawnAgentPayload struct {
	Agent       AgentSpec `json:"agent"`
	InitialTask string    `json:"initial_task,omitempty"`
}

// SpawnResult acknowledges a spawn.
type SpawnResult struct {
	Name    string `json:"name"`
	Runtime string `json:"runtime"`
}

// SyncOptions request correlated-ACK semantics on send_message.
type SyncOptions struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Blocking      bool   `json:"blocking,omitempty"`
	TimeoutMs     int    `json:"timeout_ms,omitempty"`
}

// SendMessagePayload is the send_message request. To accepts an exact agent
// name, "#channel", or "*".
type SendMessagePayload struct {
	To       string       `json:"to"`
	Text     string       `json:"text"`
	From     string       `json:"from,omitempty"`
	ThreadID string       `json:"thread_id,omitempty"`
	Priority int          `json:"priority,omitempty"`
	Sync     *SyncOptions `json:"sync,omitempty"`
}

// SendResult reports the fan-out of a send. Targets lists the recipients
// actually enqueued, in routing order. Blocking sends get their ok only after
// the ACK arrives; Response carries the ACK body then.
type SendResult struct {
	EventID       string          `json:"event_id"`
	Targets       []string        `json:"targets"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
}

// ReleaseAgentPayload is the release_agent request.
type ReleaseAgentPayload struct {
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

// ReleaseResult acknowledges a release.
type ReleaseResult struct {
	Name string `json:"name"`
}

// SendInputPayload types raw bytes into an agent terminal, bypassing the
// delivery pipeline.
type SendInputPayload struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// SetModelPayload switches the model of a running agent.
type SetModelPayload struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

// ChannelPayload joins or leaves a channel. Channel is given without the
// '#' sigil; a leading sigil is accepted and stripped.
type ChannelPayload struct {
	Name    string `json:"name"`
	Channel string `json:"channel"`
}

// AgentInfo is one row of list_agents and get_status.
type AgentInfo struct {
	Name     string   `json:"name"`
	Runtime  string   `json:"runtime"`
	Channels []string `json:"channels"`
	Parent   string   `json:"parent,omitempty"`
	PID      int      `json:"pid,omitempty"`
	State    string   `json:"state"`
}

// PendingDeliveryInfo is one row of get_status's pending list.
type PendingDeliveryInfo struct {
	DeliveryID string `json:"delivery_id"`
	AgentName  string `json:"agent_name"`
	EventID    string `json:"event_id"`
	Attempts   int    `json:"attempts"`
	State      string `json:"state"`
}

// StatusResult is the get_status response.
type StatusResult struct {
	AgentCount           int                   `json:"agent_count"`
	Agents               []AgentInfo           `json:"agents"`
	PendingDeliveryCount int                   `json:"pending_delivery_count"`
	PendingDeliveries    []PendingDeliveryInfo `json:"pending_deliveries"`
}

// GetMetricsPayload optionally narrows get_metrics to one agent.
type GetMetricsPayload struct {
	Agent string `json:"agent,omitempty"`
}

// AgentMetrics is a point-in-time sample of one agent process.
type AgentMetrics struct {
	Name        string  `json:"name"`
	PID         int     `json:"pid"`
	MemoryBytes uint64  `json:"memory_bytes"`
	CPUPercent  float64 `json:"cpu_percent"`
	UptimeSecs  int64   `json:"uptime_secs"`
}

// BrokerMetrics summarizes the broker process itself.
type BrokerMetrics struct {
	UptimeSecs        int64 `json:"uptime_secs"`
	Connections       int   `json:"connections"`
	AgentCount        int   `json:"agent_count"`
	PendingDeliveries int   `json:"pending_deliveries"`
	EventsPublished   int64 `json:"events_published"`
}

// MetricsResult is the get_metrics response.
type MetricsResult struct {
	Agents []AgentMetrics `json:"agents"`
	Broker BrokerMetrics  `json:"broker"`
}

// Delivery is the wire form of one queued relay, as carried by deliver_relay
// and mirrored in delivery events. Target is the display target the sender
// addressed ("#team", "*", or the agent name); the recipient is implicit in
// which worker receives it.
type Delivery struct {
	DeliveryID    string `json:"delivery_id"`
	EventID       string `json:"event_id"`
	From          string `json:"from"`
	Target        string `json:"target"`
	Body          string `json:"body"`
	ThreadID      string `json:"thread_id,omitempty"`
	Priority      int    `json:"priority,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// InitWorkerPayload seeds a worker with its identity.
type InitWorkerPayload struct {
	Name     string   `json:"name"`
	Channels []string `json:"channels,omitempty"`
}

// DeliverRelayPayload hands one delivery to a worker. Workers deduplicate on
// DeliveryID; redelivery of an already-seen id is acknowledged, not applied.
type DeliverRelayPayload struct {
	Delivery Delivery `json:"delivery"`
}

// ShutdownWorkerPayload asks a worker to exit within the grace period.
type ShutdownWorkerPayload struct {
	Reason  string `json:"reason,omitempty"`
	GraceMs int64  `json:"grace_ms,omitempty"`
}

// PingPayload and PongPayload carry worker liveness probes.
type PingPayload struct {
	TsMs int64 `json:"ts_ms"`
}

// PongPayload answers a ping with the originating timestamp.
type PongPayload struct {
	TsMs int64 `json:"ts_ms"`
}

// WorkerReadyPayload signals the agent process accepted input.
type WorkerReadyPayload struct {
	Name string `json:"name"`
}

// DeliveryAckPayload is a worker's acknowledgment of a delivery. Response is
// forwarded verbatim to a blocking sender.
type DeliveryAckPayload struct {
	DeliveryID    string          `json:"delivery_id"`
	EventID       string          `json:"event_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
}

// DeliveryVerifiedPayload reports a successful echo verification.
type DeliveryVerifiedPayload struct {
	DeliveryID string `json:"delivery_id"`
}

// DeliveryFailedPayload reports a delivery the worker could not apply.
type DeliveryFailedPayload struct {
	DeliveryID string `json:"delivery_id"`
	Reason     string `json:"reason"`
}

// WorkerStreamPayload carries cleaned agent output.
type WorkerStreamPayload struct {
	Name   string `json:"name"`
	Stream string `json:"stream"`
	Chunk  string `json:"chunk"`
}

// WorkerErrorPayload reports a non-fatal worker fault.
type WorkerErrorPayload struct {
	Name    string `json:"name"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WorkerExitedPayload reports the agent process ending. Code is nil when the
// process died on a signal.
type WorkerExitedPayload struct {
	Name       string `json:"name"`
	Code       *int   `json:"code,omitempty"`
	Signal     string `json:"signal,omitempty"`
	LastOutput string `json:"last_output,omitempty"`
}

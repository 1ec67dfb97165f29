package protocol

import "encoding/json"

// Event kinds published on the broker bus.
const (
	EventAgentSpawned         = "agent_spawned"
	EventAgentReady           = "agent_ready"
	EventAgentReleased        = "agent_released"
	EventAgentExited          = "agent_exited"
	EventAgentIdle            = "agent_idle"
	EventAgentRestarting      = "agent_restarting"
	EventAgentRestarted       = "agent_restarted"
	EventAgentPermanentlyDead = "agent_permanently_dead"

	EventDeliveryQueued   = "delivery_queued"
	EventDeliveryInjected = "delivery_injected"
	EventDeliveryVerified = "delivery_verified"
	EventDeliveryAck      = "delivery_ack"
	EventDeliveryRetry    = "delivery_retry"
	EventDeliveryFailed   = "delivery_failed"
	EventDeliveryDropped  = "delivery_dropped"

	EventRelayInbound = "relay_inbound"
	EventWorkerStream = "worker_stream"
	EventWorkerError  = "worker_error"
	EventACLDenied    = "acl_denied"
)

// Drop reasons carried by delivery_dropped.
const (
	DropPriorityPreempt = "priority_preempt"
	DropTTL             = "ttl"
	DropReleased        = "released"
	DropEventLag        = "event_lag"
)

// Event is the flat wire form of every bus event; Kind selects which fields
// are meaningful. Seq is assigned by the bus in publish order and is the
// replay cursor for catching up over the observability stream.
//
// Code is an exit status (number) on agent_exited and an error code (string)
// on worker_error, so it stays untyped here.
type Event struct {
	Kind string `json:"kind"`
	Seq  uint64 `json:"seq,omitempty"`

	Name    string `json:"name,omitempty"`
	Runtime string `json:"runtime,omitempty"`
	Parent  string `json:"parent,omitempty"`
	CLI     string `json:"cli,omitempty"`
	Model   string `json:"model,omitempty"`
	PID     int    `json:"pid,omitempty"`
	Source  string `json:"source,omitempty"`

	Code       any    `json:"code,omitempty"`
	Signal     string `json:"signal,omitempty"`
	LastOutput string `json:"last_output,omitempty"`
	IdleSecs   int    `json:"idle_secs,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	DelayMs    int64  `json:"delay_ms,omitempty"`

	DeliveryID    string          `json:"delivery_id,omitempty"`
	EventID       string          `json:"event_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Count         int             `json:"count,omitempty"`

	From     string `json:"from,omitempty"`
	Target   string `json:"target,omitempty"`
	Body     string `json:"body,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`

	Stream string `json:"stream,omitempty"`
	Chunk  string `json:"chunk,omitempty"`

	Sender     string   `json:"sender,omitempty"`
	OwnerChain []string `json:"owner_chain,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// Durable reports whether the event kind belongs in the replay ring. Chatty
// terminal output and transient delivery ticks are streamed live only.
func (e *Event) Durable() bool {
	switch e.Kind {
	case EventWorkerStream, EventDeliveryInjected, EventDeliveryRetry:
		return false
	default:
		return true
	}
}

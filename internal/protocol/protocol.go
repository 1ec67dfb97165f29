// Package protocol defines the wire contract spoken on the agentmux control
// socket and between the broker and its workers: length-prefixed JSON frames,
// the versioned envelope, request and response payloads, broker events, and
// the error taxonomy.
package protocol

// Version is the protocol revision carried in every envelope. Peers speaking
// a different revision are rejected during the handshake.
const Version = 1

// Message types carried in Envelope.Type.
const (
	// Client-originated requests.
	TypeHello        = "hello"
	TypeSpawnAgent   = "spawn_agent"
	TypeSendMessage  = "send_message"
	TypeReleaseAgent = "release_agent"
	TypeSendInput    = "send_input"
	TypeSetModel     = "set_model"
	TypeJoinChannel  = "join_channel"
	TypeLeaveChannel = "leave_channel"
	TypeListAgents   = "list_agents"
	TypeGetStatus    = "get_status"
	TypeGetMetrics   = "get_metrics"
	TypeShutdown     = "shutdown"

	// Broker-originated responses and pushes.
	TypeHelloAck = "hello_ack"
	TypeOK       = "ok"
	TypeError    = "error"
	TypeEvent    = "event"

	// Broker to worker.
	TypeInitWorker     = "init_worker"
	TypeDeliverRelay   = "deliver_relay"
	TypeShutdownWorker = "shutdown_worker"
	TypePing           = "ping"

	// Worker to broker.
	TypeWorkerReady      = "worker_ready"
	TypeDeliveryAck      = "delivery_ack"
	TypeDeliveryVerified = "delivery_verified"
	TypeDeliveryFailed   = "delivery_failed"
	TypeWorkerStream     = "worker_stream"
	TypeWorkerError      = "worker_error"
	TypeWorkerExited     = "worker_exited"
	TypePong             = "pong"
)

// Runtime kinds accepted in an AgentSpec.
const (
	RuntimePty      = "pty"
	RuntimeHeadless = "headless"
)

package broker

import (
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/agentmux/internal/protocol"
)

func TestHealthz(t *testing.T) {
	tb := newTestBroker(t, nil)
	tb.spawn(t, "a1", "cli")
	h := NewHTTPServer(tb.cfg, zerolog.Nop(), tb.Broker)

	rec := httptest.NewRecorder()
	h.handleHealthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["agent_count"])
}

func TestEventsRejectsBadSinceSeq(t *testing.T) {
	tb := newTestBroker(t, nil)
	h := NewHTTPServer(tb.cfg, zerolog.Nop(), tb.Broker)

	rec := httptest.NewRecorder()
	h.handleEvents(rec, httptest.NewRequest("GET", "/events?since_seq=banana", nil))
	assert.Equal(t, 400, rec.Code)
}

func readStreamFrame(t *testing.T, nc net.Conn) map[string]any {
	t.Helper()
	require.NoError(t, nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := wsutil.ReadServerText(nc)
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestStreamEventsReplayThenLive(t *testing.T) {
	tb := newTestBroker(t, nil)
	h := NewHTTPServer(tb.cfg, zerolog.Nop(), tb.Broker)

	tb.Bus().Publish(&protocol.Event{Kind: protocol.EventAgentSpawned, Name: "a1"})
	tb.Bus().Publish(&protocol.Event{Kind: protocol.EventAgentReady, Name: "a1"})
	tb.Bus().Publish(&protocol.Event{Kind: protocol.EventAgentIdle, Name: "a1"})

	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	go h.streamEvents(serverEnd, 1, true)

	replayed := readStreamFrame(t, clientEnd)
	assert.Equal(t, protocol.EventAgentReady, replayed["kind"])
	assert.EqualValues(t, 2, replayed["seq"])
	replayed = readStreamFrame(t, clientEnd)
	assert.Equal(t, protocol.EventAgentIdle, replayed["kind"])

	// The subscription is live once replay finished; new publishes stream.
	tb.Bus().Publish(&protocol.Event{Kind: protocol.EventAgentReleased, Name: "a1"})
	live := readStreamFrame(t, clientEnd)
	assert.Equal(t, protocol.EventAgentReleased, live["kind"])
	assert.EqualValues(t, 4, live["seq"])
}

func TestStreamEventsReportsReplayGap(t *testing.T) {
	cfg := testConfig()
	cfg.ReplayCapacity = 2
	tb := newTestBroker(t, cfg)
	h := NewHTTPServer(cfg, zerolog.Nop(), tb.Broker)

	for i := 0; i < 5; i++ {
		tb.Bus().Publish(&protocol.Event{Kind: protocol.EventAgentSpawned})
	}

	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	go h.streamEvents(serverEnd, 0, true)

	gap := readStreamFrame(t, clientEnd)
	assert.Equal(t, "replay_gap", gap["kind"])
	assert.EqualValues(t, 4, gap["oldest_seq"])
	assert.EqualValues(t, 0, gap["since_seq"])

	first := readStreamFrame(t, clientEnd)
	assert.EqualValues(t, 4, first["seq"])
}

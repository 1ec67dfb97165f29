package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/agentmux/internal/config"
	"github.com/adred-codev/agentmux/internal/logging"
)

const (
	httpReadTimeout  = 10 * time.Second
	httpWriteTimeout = 10 * time.Second
	wsWriteWait      = 5 * time.Second

	// wsStrikeLimit disconnects a websocket consumer whose writes kept
	// missing the deadline.
	wsStrikeLimit = 3
)

// HTTPServer is the optional observability listener: health, Prometheus
// metrics, and a websocket event stream with since_seq replay. It is a
// read-only window onto the broker; control stays on the UNIX socket.
type HTTPServer struct {
	cfg     *config.Config
	logger  zerolog.Logger
	broker  *Broker
	server  *http.Server
	upgrade *rate.Limiter
}

// NewHTTPServer builds the listener. Callers skip construction entirely
// when cfg.HTTPAddr is empty.
func NewHTTPServer(cfg *config.Config, logger zerolog.Logger, b *Broker) *HTTPServer {
	h := &HTTPServer{
		cfg:    cfg,
		logger: logger.With().Str("component", "http").Logger(),
		broker: b,
		// A modest upgrade budget; dashboards reconnect, they do not storm.
		upgrade: rate.NewLimiter(rate.Limit(10), 20),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/events", h.handleEvents)
	h.server = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: 0, // streaming /events owns its own deadlines
	}
	return h
}

// Start binds and serves in the background.
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("bind observability listener %s: %w", h.cfg.HTTPAddr, err)
	}
	h.logger.Info().Str("addr", h.cfg.HTTPAddr).Msg("observability listener up")
	go func() {
		defer logging.RecoverPanic(h.logger, "http_serve", nil)
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.logger.Error().Err(err).Msg("observability listener failed")
		}
	}()
	return nil
}

// Shutdown stops the listener.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"agent_count": len(h.broker.agentNames()),
		"uptime_ms":   time.Since(h.broker.startedAt).Milliseconds(),
	})
}

// handleEvents upgrades to a websocket and streams bus events as JSON text
// frames. ?since_seq=N replays the ring first; a gap (requested seq older
// than the ring holds) is reported before the replay so consumers know to
// resync externally.
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !h.upgrade.Allow() {
		http.Error(w, "too many upgrade attempts", http.StatusTooManyRequests)
		return
	}

	var sinceSeq uint64
	if raw := r.URL.Query().Get("since_seq"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "since_seq must be an unsigned integer", http.StatusBadRequest)
			return
		}
		sinceSeq = parsed
	}

	nc, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	go h.streamEvents(nc, sinceSeq, r.URL.Query().Has("since_seq"))
}

func (h *HTTPServer) streamEvents(nc net.Conn, sinceSeq uint64, replay bool) {
	defer logging.RecoverPanic(h.logger, "ws_event_stream", nil)
	defer nc.Close()

	sub := h.broker.Bus().Subscribe()
	defer h.broker.Bus().Unsubscribe(sub)

	write := func(v any) error {
		body, err := json.Marshal(v)
		if err != nil {
			return err
		}
		nc.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return wsutil.WriteServerMessage(nc, ws.OpText, body)
	}

	if replay {
		events, oldest := h.broker.Bus().ReplaySince(sinceSeq)
		if oldest > sinceSeq+1 {
			if err := write(map[string]any{
				"kind":       "replay_gap",
				"oldest_seq": oldest,
				"since_seq":  sinceSeq,
			}); err != nil {
				return
			}
		}
		for _, ev := range events {
			if err := write(ev); err != nil {
				return
			}
		}
	}

	// Reads are drained only to notice the close frame.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := wsutil.ReadClientData(nc); err != nil {
				return
			}
		}
	}()

	strikes := 0
	for {
		select {
		case <-done:
			return
		case ev := <-sub.Events():
			if err := write(ev); err != nil {
				strikes++
				if strikes >= wsStrikeLimit {
					h.logger.Debug().Msg("dropping slow websocket consumer")
					return
				}
				continue
			}
			strikes = 0
		}
	}
}

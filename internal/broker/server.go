package broker

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/agentmux/internal/config"
	"github.com/adred-codev/agentmux/internal/logging"
)

// Server accepts control connections on the UNIX socket and fronts the
// broker. One server owns the socket, the PID file, and every connection
// goroutine.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	broker *Broker

	listener  net.Listener
	conns     sync.Map // uint64 → *conn
	connCount atomic.Int64
	nextID    atomic.Uint64

	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewServer wires a server to the broker. Start claims the socket.
func NewServer(cfg *config.Config, logger zerolog.Logger, b *Broker) *Server {
	return &Server{
		cfg:        cfg,
		logger:     logger,
		broker:     b,
		shutdownCh: make(chan struct{}),
	}
}

// Start claims the socket path and begins accepting connections.
func (s *Server) Start() error {
	if err := s.claimSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.removePIDFile()
		return fmt.Errorf("bind %s: %w", s.cfg.SocketPath, err)
	}
	s.listener = listener
	s.logger.Info().Str("socket", s.cfg.SocketPath).Msg("control server listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// ShutdownRequested signals a client-issued shutdown request.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdownCh }

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "accept_loop", nil)

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			if isClosedErr(err) {
				return
			}
			continue
		}
		if s.shuttingDown.Load() {
			_ = nc.Close()
			continue
		}

		id := s.nextID.Add(1)
		c := newConn(id, s, nc)
		s.conns.Store(id, c)
		s.connCount.Add(1)
		connectionsTotal.Inc()
		connectionsActive.Inc()

		s.wg.Add(1)
		go func() {
			defer s.connCount.Add(-1)
			c.serve()
		}()
	}
}

// Shutdown stops accepting, shuts the broker down with grace, drains the
// remaining connections briefly, and removes the socket and PID file.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Msg("control server shutting down")

	if s.listener != nil {
		_ = s.listener.Close()
	}

	err := s.broker.Shutdown(ctx)

	// Short drain so queued responses and terminal events flush before the
	// sockets close under the clients.
	drain := time.NewTimer(500 * time.Millisecond)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer drain.Stop()
	defer ticker.Stop()
drainLoop:
	for {
		select {
		case <-drain.C:
			break drainLoop
		case <-ticker.C:
			if s.connCount.Load() == 0 {
				break drainLoop
			}
		}
	}

	s.conns.Range(func(_, value any) bool {
		value.(*conn).close()
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("connection drain timed out: %w", ctx.Err())
		}
	}

	_ = os.Remove(s.cfg.SocketPath)
	s.removePIDFile()
	s.logger.Info().Msg("control server stopped")
	return err
}

// claimSocket takes ownership of the socket path. A stale socket left by a
// dead broker is removed; a live one aborts startup so two brokers never
// share a path.
func (s *Server) claimSocket() error {
	pidPath := s.cfg.PIDPath()
	if _, err := os.Stat(s.cfg.SocketPath); err == nil {
		if pid, ok := readPIDFile(pidPath); ok && processAlive(pid) {
			return fmt.Errorf("broker already running on %s (pid %d)", s.cfg.SocketPath, pid)
		}
		s.logger.Warn().Str("socket", s.cfg.SocketPath).Msg("removing stale socket")
		_ = os.Remove(s.cfg.SocketPath)
		_ = os.Remove(pidPath)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file %s: %w", pidPath, err)
	}
	return nil
}

func (s *Server) removePIDFile() {
	_ = os.Remove(s.cfg.PIDPath())
}

func readPIDFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

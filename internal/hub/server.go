// ABOUTME: TCP connection supervisor for monitoring agents.
// ABOUTME: Accepts connections, runs the per-connection read loop, and applies the idle timeout policy.

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/agent-hub/internal/agent"
	"github.com/2389/agent-hub/internal/auth"
	"github.com/2389/agent-hub/internal/protocol"
	"github.com/2389/agent-hub/internal/store"
)

// Server errors
var (
	ErrServerClosed      = errors.New("hub: server closed")
	ErrAgentNotConnected = errors.New("agent not connected")
	ErrTaskNotPending    = errors.New("task is not pending")
	errAuthFailed        = errors.New("authentication failed")
)

const (
	defaultAuthTimeout  = 120 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	defaultKeepAlive    = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultMaxFrameSize = 16 << 20

	readBufferSize = 32 * 1024
	closeTimeout   = 5 * time.Second
)

// Registry is the agent state the server drives.
type Registry interface {
	RegisterAgent(ctx context.Context, uuid, alias, ipv4, ipv6 string) error
	UpdateAgentStatus(ctx context.Context, uuid string, status agent.Status) error
	UpdateAgentSystemInfo(ctx context.Context, uuid string, info json.RawMessage) error
	BuildConfigMessage(uuid string) ([]byte, error)
	FindByAddress(ipv4, ipv6 string) []string
}

// TaskLedger is the task lifecycle the server drives.
type TaskLedger interface {
	GetTask(ctx context.Context, id int64) (*store.Task, error)
	GetPendingTasks(ctx context.Context, agentUUID string) ([]*store.Task, error)
	ClaimTask(ctx context.Context, id int64) error
	ReleaseTask(ctx context.Context, id int64) error
	CompleteTask(ctx context.Context, id int64, agentUUID string, result json.RawMessage, errMsg string) error
	AddTaskLog(ctx context.Context, taskID int64, level, message string) error
	BuildTaskRequestMessage(t *store.Task) ([]byte, error)
}

// ServerConfig tunes the listener and connection lifecycle. Zero values
// take the defaults.
type ServerConfig struct {
	// ListenAddrs are host:port pairs used by ListenAndServe, typically an
	// IPv4 address and optionally an IPv6 one.
	ListenAddrs []string

	AuthTimeout     time.Duration // read deadline before AUTH succeeds
	IdleTimeout     time.Duration // read deadline once authenticated
	KeepAlivePeriod time.Duration
	WriteTimeout    time.Duration // per-frame write deadline
	MaxFrameSize    uint32
}

func (c *ServerConfig) setDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.KeepAlivePeriod == 0 {
		c.KeepAlivePeriod = defaultKeepAlive
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}
}

// Server supervises agent connections.
type Server struct {
	cfg    ServerConfig
	agents Registry
	tasks  TaskLedger
	keys   auth.KeyChecker
	logger *slog.Logger

	nextID atomic.Uint64

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	sessions  map[uint64]*session
	closed    bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer creates a Server. A nil logger uses slog.Default().
func NewServer(cfg ServerConfig, agents Registry, tasks TaskLedger, keys auth.KeyChecker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()
	return &Server{
		cfg:       cfg,
		agents:    agents,
		tasks:     tasks,
		keys:      keys,
		logger:    logger.With("component", "hub"),
		listeners: make(map[net.Listener]struct{}),
		sessions:  make(map[uint64]*session),
	}
}

// ListenAndServe listens on every configured address and serves until ctx
// is done or a listener fails, then stops the server.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if len(s.cfg.ListenAddrs) == 0 {
		return errors.New("hub: no listen addresses")
	}

	var lns []net.Listener
	for _, addr := range s.cfg.ListenAddrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range lns {
				_ = l.Close()
			}
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		lns = append(lns, ln)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range lns {
		g.Go(func() error {
			return s.Serve(gctx, ln)
		})
	}
	err := g.Wait()
	s.Stop()
	if errors.Is(err, ErrServerClosed) {
		return nil
	}
	return err
}

// Serve accepts connections on ln until ctx is done or Stop is called.
// It returns ErrServerClosed after Stop and nil when ctx ends. Accepted
// connections stay open until Stop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)

	s.logger.Info("hub listening", "addr", ln.Addr().String())

	stopWatch := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stopWatch()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept timeout", "error", err)
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		sess, ok := s.trackSession(conn)
		if !ok {
			_ = conn.Close()
			return ErrServerClosed
		}

		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, sess)
		}()
	}
}

// Stop closes every listener, then destroys every open connection and waits
// for their handlers to finish. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for ln := range s.listeners {
			_ = ln.Close()
		}
		sessions := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()

		for _, sess := range sessions {
			sess.destroy()
		}
		s.wg.Wait()
		s.logger.Info("hub stopped", "closed_connections", len(sessions))
	})
}

// Addrs returns the addresses currently being served.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Addr, 0, len(s.listeners))
	for ln := range s.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

// ConnectedAgents returns the UUIDs with at least one authenticated
// connection, sorted.
func (s *Server) ConnectedAgents() []string {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, sess := range sessions {
		if st, uuid := sess.identity(); st == stateAuthenticated {
			seen[uuid] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for uuid := range seen {
		out = append(out, uuid)
	}
	sort.Strings(out)
	return out
}

// SessionCount returns the number of open connections, authenticated or not.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) trackSession(conn net.Conn) (*session, bool) {
	sess := newSession(s.nextID.Add(1), conn, s.cfg.WriteTimeout, s.logger)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.sessions[sess.clientID] = sess
	// counted under mu so Stop never waits on a partial set
	s.wg.Add(1)
	return sess, true
}

func (s *Server) untrackSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.clientID)
	s.mu.Unlock()
}

// sessionFor returns the most recent authenticated session for uuid, or
// nil. The exclude session is skipped.
func (s *Server) sessionFor(uuid string, exclude *session) *session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *session
	for _, sess := range s.sessions {
		if sess == exclude {
			continue
		}
		if st, bound := sess.identity(); st == stateAuthenticated && bound == uuid {
			if found == nil || sess.clientID > found.clientID {
				found = sess
			}
		}
	}
	return found
}

// handleConn runs the read loop for one connection until it closes.
func (s *Server) handleConn(ctx context.Context, sess *session) {
	defer s.closeSession(ctx, sess)

	if tc, ok := sess.conn.(*net.TCPConn); ok && s.cfg.KeepAlivePeriod > 0 {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(s.cfg.KeepAlivePeriod)
	}
	sess.setState(stateUnauthenticated)
	sess.logger.Info("agent connection accepted")

	buf := make([]byte, readBufferSize)
	for {
		timeout := s.cfg.AuthTimeout
		if sess.authenticated() {
			timeout = s.cfg.IdleTimeout
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(timeout))

		n, err := sess.conn.Read(buf)
		if n > 0 {
			sess.parser.Append(buf[:n])
			if derr := s.drain(ctx, sess); derr != nil {
				if errors.Is(derr, errAuthFailed) {
					sess.destroy()
				} else {
					sess.logger.Error("closing connection on framing error", "error", derr)
				}
				return
			}
		}
		if err != nil {
			s.handleReadError(sess, err, timeout)
			return
		}
	}
}

func (s *Server) handleReadError(sess *session, err error, timeout time.Duration) {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		if sess.authenticated() {
			sess.logger.Info("idle timeout, closing gracefully", "timeout", timeout)
			sess.halfClose()
		} else {
			sess.logger.Warn("no authentication before timeout, dropping connection", "timeout", timeout)
			sess.destroy()
		}
	case errors.Is(err, io.EOF):
		sess.logger.Info("agent closed connection")
	case errors.Is(err, net.ErrClosed):
		sess.logger.Debug("connection closed locally")
	default:
		sess.logger.Warn("read error", "error", err)
	}
}

// drain routes every complete buffered frame in arrival order. A non-nil
// return closes the connection.
func (s *Server) drain(ctx context.Context, sess *session) error {
	for {
		if n, ok := sess.parser.PeekLength(); ok && n > s.cfg.MaxFrameSize {
			sess.parser.Reset()
			return fmt.Errorf("%w: %d bytes", protocol.ErrFrameTooLarge, n)
		}
		if !sess.parser.HasCompleteFrame() {
			return nil
		}
		msg, err := sess.parser.TakeFrame()
		if err != nil {
			return fmt.Errorf("decoding frame: %w", err)
		}
		if err := s.dispatch(ctx, sess, msg); err != nil {
			return err
		}
	}
}

// closeSession runs once per connection after the read loop exits. It marks
// the agent offline unless another authenticated connection for the same
// uuid is still open.
func (s *Server) closeSession(ctx context.Context, sess *session) {
	_ = sess.conn.Close()
	state, uuid := sess.identity()
	sess.setState(stateClosed)
	s.untrackSession(sess)
	sess.parser.Reset()

	if uuid == "" {
		uuid = s.resolveByAddress(sess)
	}
	if uuid == "" {
		sess.logger.Info("connection closed", "state", state)
		return
	}

	if other := s.sessionFor(uuid, sess); other != nil {
		sess.logger.Info("connection closed, agent still connected elsewhere",
			"uuid", uuid, "other_client_id", other.clientID)
		return
	}

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := s.agents.UpdateAgentStatus(markCtx, uuid, agent.StatusOffline); err != nil {
		sess.logger.Error("failed to mark agent offline", "uuid", uuid, "error", err)
	}
	sess.logger.Info("=== AGENT DISCONNECTED ===", "uuid", uuid, "state", state)
}

// resolveByAddress maps an unauthenticated connection back to an agent by
// its peer address. Only an unambiguous match with no live connection of
// its own is used.
func (s *Server) resolveByAddress(sess *session) string {
	matches := s.agents.FindByAddress(sess.ipv4, sess.ipv6)
	if len(matches) != 1 {
		if len(matches) > 1 {
			sess.logger.Debug("address matches several agents, not marking offline", "matches", len(matches))
		}
		return ""
	}
	if s.sessionFor(matches[0], sess) != nil {
		return ""
	}
	return matches[0]
}

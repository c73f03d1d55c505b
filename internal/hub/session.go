// ABOUTME: Per-connection state for one agent TCP stream.
// ABOUTME: Owns the frame parser, the auth state, and serialized writes to the socket.

package hub

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/2389/agent-hub/internal/protocol"
)

// sessionState is the connection lifecycle state.
type sessionState int

const (
	stateConnecting sessionState = iota
	stateUnauthenticated
	stateAuthenticated
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// session is one accepted connection. The parser is touched only by the
// connection's read goroutine; state and agentUUID are also read by other
// goroutines (SendTask, close handling) and are guarded by mu.
type session struct {
	clientID uint64
	conn     net.Conn
	parser   *protocol.Parser
	remote   string
	ipv4     string
	ipv6     string
	logger   *slog.Logger

	writeTimeout time.Duration

	mu        sync.Mutex
	state     sessionState
	agentUUID string

	writeMu sync.Mutex
}

func newSession(clientID uint64, conn net.Conn, writeTimeout time.Duration, logger *slog.Logger) *session {
	remote := conn.RemoteAddr().String()
	ipv4, ipv6 := observedAddrs(conn.RemoteAddr())
	return &session{
		clientID: clientID,
		conn:     conn,
		parser:   protocol.NewParser(),
		remote:   remote,
		ipv4:     ipv4,
		ipv6:     ipv6,
		logger:   logger.With("client_id", clientID, "remote", remote),
		state:    stateConnecting,

		writeTimeout: writeTimeout,
	}
}

// observedAddrs splits the peer address into the IPv4 or IPv6 slot. An
// IPv4-mapped IPv6 peer (dual-stack listener) counts as IPv4.
func observedAddrs(addr net.Addr) (ipv4, ipv6 string) {
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return "", ""
	}
	ip := ap.Addr().Unmap()
	if ip.Is4() {
		return ip.String(), ""
	}
	return "", ip.WithZone("").String()
}

func (s *session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// authenticate binds the session to uuid and returns the previously bound
// uuid, if any.
func (s *session) authenticate(uuid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.agentUUID
	s.state = stateAuthenticated
	s.agentUUID = uuid
	return prev
}

// identity returns the current state and bound agent uuid.
func (s *session) identity() (sessionState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.agentUUID
}

func (s *session) authenticated() bool {
	st, _ := s.identity()
	return st == stateAuthenticated
}

// write sends one encoded frame. Frames from different goroutines never
// interleave on the wire. A peer that stops reading fails the write after
// writeTimeout instead of blocking the caller.
func (s *session) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	_, err := s.conn.Write(frame)
	return err
}

// halfClose flushes pending writes and sends FIN before closing.
func (s *session) halfClose() {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	_ = s.conn.Close()
}

// destroy closes without a graceful shutdown; TCP peers see a reset.
func (s *session) destroy() {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	_ = s.conn.Close()
}

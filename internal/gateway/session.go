package gateway

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// State is the per-session lifecycle position.
type State int32

const (
	StateConnected State = iota
	StateAdmitted
	StateLive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAdmitted:
		return "admitted"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Close codes on the client-facing socket.
const (
	// CloseRateLimited closes a session denied by the rate limiter.
	CloseRateLimited ws.StatusCode = 4003
	// CloseConnectivity is reserved for client-side connectivity
	// errors; a session dying with it is tagged in the status store.
	CloseConnectivity ws.StatusCode = 4000
	// ClosePolicy closes blocked and unavailable clients.
	ClosePolicy = ws.StatusPolicyViolation // 1008
	// CloseStorage closes a session whose frame could not be stored.
	CloseStorage = ws.StatusInternalServerError // 1011
)

// Session is one client WebSocket connection. Its name is established
// on admission and never changes afterwards.
type Session struct {
	conn       net.Conn
	remoteAddr string
	joinedAt   time.Time

	mu    sync.Mutex
	name  string
	state State

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSession(conn net.Conn, remoteAddr string) *Session {
	return &Session{
		conn:       conn,
		remoteAddr: remoteAddr,
		joinedAt:   time.Now(),
		state:      StateConnected,
	}
}

// Name returns the established client name, empty before admission.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// admit establishes the session identity.
func (s *Session) admit(name string) {
	s.mu.Lock()
	s.name = name
	s.state = StateAdmitted
	s.mu.Unlock()
}

// Send writes one text message. Writes from the connection goroutine
// and the action consumer serialize on the session's write lock.
func (s *Session) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsutil.WriteServerMessage(s.conn, ws.OpText, data)
}

// CloseWithCode sends a close frame and tears the socket down. Safe to
// call more than once; only the first close frame wins.
func (s *Session) CloseWithCode(code ws.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.writeMu.Lock()
		frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
		_ = ws.WriteFrame(s.conn, frame)
		s.writeMu.Unlock()
		_ = s.conn.Close()
		s.setState(StateClosed)
	})
}

package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kabili207/zeta-go/core/wire"
	"github.com/kabili207/zeta-go/device/node"
)

// SessionState is the lifecycle state of a relay session.
type SessionState int32

const (
	// StateConnecting is a session whose snapshot has not been queued yet.
	StateConnecting SessionState = iota
	// StateActive is a session receiving pushes.
	StateActive
	// StateClosed is a session whose connection is gone. Its queue is
	// discarded.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one browser connection attached to a Bridge.
type Session struct {
	id          string
	remote      string
	connectedAt time.Time
	bridge      *Bridge
	conn        *websocket.Conn
	log         *zap.Logger

	send  chan []byte
	state atomic.Int32

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(b *Bridge, conn *websocket.Conn, remote, id string) *Session {
	return &Session{
		id:          id,
		remote:      remote,
		connectedAt: time.Now(),
		bridge:      b,
		conn:        conn,
		log:         b.log.With(zap.String("session", id)),
		send:        make(chan []byte, b.cfg.QueueSize),
		done:        make(chan struct{}),
	}
}

// ID returns the session's synthesized author identity.
func (s *Session) ID() string {
	return s.id
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:          s.id,
		RemoteAddr:  s.remote,
		State:       s.State(),
		ConnectedAt: s.connectedAt,
		Queued:      len(s.send),
	}
}

// enqueue queues data for the writer without blocking. It reports false if
// the session is not active or its queue is full.
func (s *Session) enqueue(data []byte) bool {
	if s.State() != StateActive {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		s.bridge.metrics.Dropped()
		s.log.Warn("session queue full, dropping message")
		return false
	}
}

// readLoop handles inbound frames until the connection fails or goes idle.
func (s *Session) readLoop() {
	defer s.close(websocket.CloseNormalClosure, "")

	cfg := s.bridge.cfg
	s.conn.SetReadLimit(cfg.MaxMessageSize)

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout)); err != nil {
			return
		}
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("session read failed", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		s.handle(data)
	}
}

func (s *Session) handle(data []byte) {
	msg, err := wire.DecodeRelay(data)
	if err != nil {
		s.log.Debug("dropping malformed relay message", zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case wire.PostSubmit:
		s.bridge.submit(s, m)
	case wire.Ping:
		pong, err := wire.EncodeRelay(wire.NewPong())
		if err == nil {
			s.enqueue(pong)
		}
	default:
		s.log.Debug("ignoring relay message", zap.String("type", string(msg.MessageType())))
	}
}

// writeLoop drains the session queue onto the connection.
func (s *Session) writeLoop() {
	defer s.close(websocket.CloseNormalClosure, "")

	timeout := s.bridge.cfg.WriteTimeout
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug("session write failed", zap.Error(err))
				return
			}
		}
	}
}

// close moves the session to Closed, sends a close frame and releases the
// connection. Queued messages are discarded.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.done)

		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = s.conn.Close()

		s.bridge.detach(s)
	})
}

// reject closes a session that never became active.
func (s *Session) reject(err error) {
	code := websocket.CloseInternalServerErr
	if errors.Is(err, node.ErrNotInitialized) || errors.Is(err, ErrBridgeClosed) {
		code = websocket.CloseTryAgainLater
	}
	s.close(code, err.Error())
}

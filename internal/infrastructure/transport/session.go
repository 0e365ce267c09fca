package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config tunes per-connection behavior.
type Config struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	SendBufferSize  int
}

// DefaultConfig returns the protocol defaults: keep-alive every 25 s, peer
// declared dead after 60 s of silence.
func DefaultConfig() Config {
	return Config{
		PingInterval:    25 * time.Second,
		PongTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 1024 * 1024,
		SendBufferSize:  256,
	}
}

// Handler receives inbound frames and close notifications for a session.
type Handler interface {
	HandleFrame(s *Session, env Envelope)
	HandleClose(s *Session, err error)
}

// Session is one duplex agent connection. A read pump and a write pump run
// per session; the write pump owns the socket for writes and emits the
// keep-alive pings.
type Session struct {
	id      string
	agentID atomic.Value // string, set on register

	conn    *websocket.Conn
	send    chan []byte
	cfg     Config
	handler Handler
	logger  *zap.Logger

	closeOnce   sync.Once
	done        chan struct{}
	intentional atomic.Bool
	lastSeen    atomic.Int64 // unix nano
}

// NewSession wraps an established websocket connection. Call Start to begin
// pumping.
func NewSession(conn *websocket.Conn, handler Handler, cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, cfg.SendBufferSize),
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
	s.agentID.Store("")
	s.lastSeen.Store(time.Now().UnixNano())
	return s
}

// Start spawns the read and write pumps.
func (s *Session) Start() {
	go s.writePump()
	go s.readPump()
}

// ID returns the transport connection id.
func (s *Session) ID() string {
	return s.id
}

// AgentID returns the bound agent id, empty before registration.
func (s *Session) AgentID() string {
	return s.agentID.Load().(string)
}

// BindAgent associates the session with a registered agent id.
func (s *Session) BindAgent(agentID string) {
	s.agentID.Store(agentID)
}

// Send frames and queues one message. It fails fast when the session is
// closed or the send buffer stays full past the write timeout.
func (s *Session) Send(v interface{}) error {
	env, ok := v.(Envelope)
	if !ok {
		return fmt.Errorf("transport: Send expects an Envelope, got %T", v)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshaling frame: %w", err)
	}
	select {
	case <-s.done:
		return fmt.Errorf("transport: session %s closed", s.id)
	case s.send <- data:
		return nil
	case <-time.After(s.cfg.WriteTimeout):
		return fmt.Errorf("transport: send buffer full for session %s", s.id)
	}
}

// Close tears the session down. Intentional closes suppress reconnection by
// the peer's dialer and the health sweep.
func (s *Session) Close(intentional bool) error {
	if intentional {
		s.intentional.Store(true)
	}
	s.shutdown(nil)
	return nil
}

// Alive reports whether the pumps are still running.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Intentional reports whether the close was requested by the core.
func (s *Session) Intentional() bool {
	return s.intentional.Load()
}

// LastSeen returns the time of the last inbound frame.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		close(s.done)
		// Best-effort close frame before dropping the socket.
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
		if s.handler != nil {
			s.handler.HandleClose(s, err)
		}
	})
}

func (s *Session) readPump() {
	defer s.shutdown(nil)

	s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("session read error",
					zap.String("session_id", s.id),
					zap.String("agent_id", s.AgentID()),
					zap.Error(err),
				)
			}
			s.shutdown(err)
			return
		}

		// Any inbound frame proves liveness.
		s.lastSeen.Store(time.Now().UnixNano())
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("malformed frame",
				zap.String("session_id", s.id),
				zap.Error(err),
			)
			continue
		}

		switch env.Type {
		case TypePing:
			// Answer peer pings inline; they never reach the handler.
			pong, _ := NewEnvelope(TypePong, PongPayload{Timestamp: time.Now().UnixMilli()})
			_ = s.Send(pong)
		case TypePong:
			// Liveness already recorded above.
		default:
			if s.handler != nil {
				s.handler.HandleFrame(s, env)
			}
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.shutdown(nil)
	}()

	for {
		select {
		case <-s.done:
			return

		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("session write error",
					zap.String("session_id", s.id),
					zap.String("agent_id", s.AgentID()),
					zap.Error(err),
				)
				s.shutdown(err)
				return
			}
			// Drain whatever queued while we held the socket.
			n := len(s.send)
			for i := 0; i < n; i++ {
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					s.shutdown(err)
					return
				}
			}

		case <-ticker.C:
			ping, _ := NewEnvelope(TypePing, PingPayload{Timestamp: time.Now().UnixMilli()})
			data, _ := json.Marshal(ping)
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.shutdown(err)
				return
			}
		}
	}
}

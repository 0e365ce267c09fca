package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Listener upgrades inbound agent connections into sessions and tracks the
// live set. Co-located agents connect over loopback to the same endpoint
// remote agents use.
type Listener struct {
	upgrader websocket.Upgrader
	handler  Handler
	cfg      Config
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // by connection id
	byAgent  map[string]*Session // by agent id, bound after register
}

// NewListener creates a websocket listener for agent connections.
func NewListener(handler Handler, cfg Config, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents authenticate by registering; the listener accepts any
			// origin and leaves policy to the enclosing deployment.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handler:  handler,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
		byAgent:  make(map[string]*Session),
	}
}

// ServeHTTP upgrades the request and starts the session pumps.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	s := NewSession(conn, &listenerHandler{listener: l}, l.cfg, l.logger)
	l.mu.Lock()
	l.sessions[s.ID()] = s
	l.mu.Unlock()

	l.logger.Info("agent connection opened",
		zap.String("session_id", s.ID()),
		zap.String("remote", r.RemoteAddr),
	)
	s.Start()
}

// listenerHandler interposes on the app handler to keep the live set
// current.
type listenerHandler struct {
	listener *Listener
}

func (h *listenerHandler) HandleFrame(s *Session, env Envelope) {
	if h.listener.handler != nil {
		h.listener.handler.HandleFrame(s, env)
	}
}

func (h *listenerHandler) HandleClose(s *Session, err error) {
	h.listener.remove(s)
	if h.listener.handler != nil {
		h.listener.handler.HandleClose(s, err)
	}
}

// Bind records the agent id for a session after a successful register.
// A previous session for the same agent is returned so the caller can close
// it as stale.
func (l *Listener) Bind(agentID string, s *Session) *Session {
	s.BindAgent(agentID)
	l.mu.Lock()
	defer l.mu.Unlock()
	stale := l.byAgent[agentID]
	if stale == s {
		stale = nil
	}
	l.byAgent[agentID] = s
	return stale
}

func (l *Listener) remove(s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, s.ID())
	if id := s.AgentID(); id != "" && l.byAgent[id] == s {
		delete(l.byAgent, id)
	}
}

// SessionFor returns the live session bound to an agent id.
func (l *Listener) SessionFor(agentID string) (*Session, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.byAgent[agentID]
	if !ok || !s.Alive() {
		return nil, false
	}
	return s, true
}

// LiveAgents returns the agent ids with a live session.
func (l *Listener) LiveAgents() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.byAgent))
	for id, s := range l.byAgent {
		if s.Alive() {
			out = append(out, id)
		}
	}
	return out
}

// CloseAll shuts every session down intentionally, suppressing reconnects.
func (l *Listener) CloseAll() {
	l.mu.Lock()
	sessions := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close(true)
	}
}

// Sweep compares a registered agent set against the live set and returns
// the ids whose socket has gone missing. Run on the health sweep cadence.
func (l *Listener) Sweep(registered []string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var missing []string
	for _, id := range registered {
		s, ok := l.byAgent[id]
		if !ok || !s.Alive() {
			missing = append(missing, id)
			continue
		}
		// A socket can be live but silent; treat prolonged silence as
		// missing so the sweep can surface it.
		if time.Since(s.LastSeen()) > l.cfg.PongTimeout {
			missing = append(missing, id)
		}
	}
	return missing
}

package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/davidleathers/agent-exchange/internal/domain/agent"
	"github.com/davidleathers/agent-exchange/internal/domain/errors"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/events"
)

// service implements the Service interface
type service struct {
	bus    *events.Bus
	logger *zap.Logger

	// Health flip: failureThreshold consecutive failures inside failureWindow.
	failureThreshold int
	failureWindow    time.Duration

	mu     sync.RWMutex
	agents map[string]*agent.Record

	validate *validator.Validate
}

// NewService creates a new agent registry
func NewService(bus *events.Bus, failureThreshold int, failureWindow time.Duration, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{
		bus:              bus,
		logger:           logger,
		failureThreshold: failureThreshold,
		failureWindow:    failureWindow,
		agents:           make(map[string]*agent.Record),
		validate:         validator.New(),
	}
}

// Register upserts the record for reg and attaches conn. Re-registration by
// id replaces the connection and keeps the health history; the previous
// connection is returned so the transport can close it.
func (s *service) Register(reg agent.Registration, conn agent.Conn) (*agent.Record, agent.Conn, error) {
	if err := s.validate.Struct(reg); err != nil {
		return nil, nil, errors.NewValidationError("INVALID_REGISTRATION", err.Error())
	}

	s.mu.Lock()
	rec, known := s.agents[reg.ID]
	if known {
		rec.Version = reg.Version
		rec.Categories = reg.Categories
		rec.Capabilities = reg.Capabilities
		rec.BidExcluded = reg.BidExcluded
		if reg.ExecutionType != "" {
			rec.ExecutionType = reg.ExecutionType
		}
	} else {
		rec = agent.NewRecord(reg)
		s.agents[reg.ID] = rec
	}
	stale := rec.AttachConn(conn)
	s.mu.Unlock()

	s.logger.Info("agent registered",
		zap.String("agent_id", reg.ID),
		zap.String("version", reg.Version),
		zap.Bool("reconnect", known),
	)
	s.bus.Publish(events.Event{
		Type:    events.AgentConnected,
		AgentID: reg.ID,
		Fields:  map[string]interface{}{"version": reg.Version, "reconnect": known},
	})
	return rec, stale, nil
}

func (s *service) Disconnect(agentID, connID string) {
	s.mu.Lock()
	rec, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return
	}
	// A newer session may already own the record.
	if connID != "" && rec.ConnectionID != connID {
		s.mu.Unlock()
		return
	}
	rec.AttachConn(nil)
	s.mu.Unlock()

	s.logger.Info("agent disconnected", zap.String("agent_id", agentID))
	s.bus.Publish(events.Event{
		Type:    events.AgentDisconnected,
		AgentID: agentID,
	})
}

func (s *service) ByID(id string) (*agent.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.agents[id]
	return rec, ok
}

func (s *service) All() []*agent.Record {
	return s.Filter(func(*agent.Record) bool { return true })
}

func (s *service) Healthy() []*agent.Record {
	return s.Filter(func(rec *agent.Record) bool {
		return rec.Connected() && rec.Health == agent.HealthHealthy
	})
}

func (s *service) Filter(pred func(*agent.Record) bool) []*agent.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*agent.Record, 0, len(s.agents))
	for _, rec := range s.agents {
		if pred(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Candidates returns connected, bid-eligible agents for t, narrowed by the
// task's agent filter when one is set. Unhealthy agents remain in the set:
// their low confidence and reputation bury them in ranking instead. Locked
// routing skips the auction entirely, so these rules apply to open routing.
func (s *service) Candidates(t *task.Task) []*agent.Record {
	var filter map[string]struct{}
	if len(t.Metadata.AgentFilter) > 0 {
		filter = make(map[string]struct{}, len(t.Metadata.AgentFilter))
		for _, id := range t.Metadata.AgentFilter {
			filter[id] = struct{}{}
		}
	}

	return s.Filter(func(rec *agent.Record) bool {
		if !rec.Connected() || rec.BidExcluded {
			return false
		}
		if filter != nil {
			if _, ok := filter[rec.ID]; !ok {
				return false
			}
		}
		return true
	})
}

// ErrorAgent prefers a connected bid-excluded agent advertising the
// "error-response" capability, falling back to any connected bid-excluded
// agent. Filter's sort makes the choice deterministic.
func (s *service) ErrorAgent() (string, bool) {
	excluded := s.Filter(func(rec *agent.Record) bool {
		return rec.Connected() && rec.BidExcluded
	})
	for _, rec := range excluded {
		for _, cap := range rec.Capabilities {
			if cap == "error-response" {
				return rec.ID, true
			}
		}
	}
	if len(excluded) > 0 {
		return excluded[0].ID, true
	}
	return "", false
}

func (s *service) RecordOutcome(agentID string, success bool) {
	s.mu.Lock()
	rec, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return
	}
	var flipped bool
	if success {
		rec.RecordSuccess()
	} else {
		flipped = rec.RecordFailure(s.failureThreshold, s.failureWindow)
	}
	s.mu.Unlock()

	if flipped {
		s.logger.Warn("agent marked unhealthy",
			zap.String("agent_id", agentID),
			zap.Int("threshold", s.failureThreshold),
		)
	}
}

func (s *service) Touch(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.agents[agentID]; ok {
		rec.Touch()
	}
}

func (s *service) AdjustInFlight(agentID string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.agents[agentID]; ok {
		rec.InFlight += delta
		if rec.InFlight < 0 {
			rec.InFlight = 0
		}
	}
}

func (s *service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

func (s *service) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.agents {
		if rec.Connected() {
			n++
		}
	}
	return n
}

func (s *service) Summaries() []agent.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]agent.Summary, 0, len(s.agents))
	for _, rec := range s.agents {
		out = append(out, rec.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

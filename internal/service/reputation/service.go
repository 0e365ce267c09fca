package reputation

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/agent-exchange/internal/infrastructure/events"
)

type entryKind int

const (
	kindAttempt entryKind = iota
	kindWin
	kindSuccess
	kindFailure
)

type entry struct {
	kind entryKind
	at   time.Time
	// latencyMs for attempts, execution duration for successes/failures.
	ms float64
}

type ledger struct {
	entries []entry
	flagged bool
}

// minAttempts gates flagging so a single bad outcome cannot flag a
// barely-seen agent.
const minAttempts = 3

// service implements the Service interface
type service struct {
	bus    *events.Bus
	logger *zap.Logger
	window time.Duration
	floor  float64

	mu      sync.Mutex
	ledgers map[string]*ledger

	now func() time.Time
}

// NewService creates a new reputation tracker. floor is the score below
// which an agent is flagged on the bus.
func NewService(bus *events.Bus, window time.Duration, floor float64, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{
		bus:     bus,
		logger:  logger,
		window:  window,
		floor:   floor,
		ledgers: make(map[string]*ledger),
		now:     time.Now,
	}
}

func (s *service) RecordAttempt(agentID string, latencyMs float64) {
	s.record(agentID, entry{kind: kindAttempt, ms: latencyMs})
}

func (s *service) RecordWin(agentID string) {
	s.record(agentID, entry{kind: kindWin})
}

func (s *service) RecordSuccess(agentID string, duration time.Duration) {
	s.record(agentID, entry{kind: kindSuccess, ms: float64(duration.Milliseconds())})
}

func (s *service) RecordFailure(agentID string, duration time.Duration) {
	s.record(agentID, entry{kind: kindFailure, ms: float64(duration.Milliseconds())})
}

func (s *service) record(agentID string, e entry) {
	e.at = s.now()

	s.mu.Lock()
	led, ok := s.ledgers[agentID]
	if !ok {
		led = &ledger{}
		s.ledgers[agentID] = led
	}
	led.entries = append(led.entries, e)
	s.prune(led)

	snap := s.snapshot(agentID, led)
	crossed := !led.flagged && snap.Flagged
	recovered := led.flagged && !snap.Flagged
	led.flagged = snap.Flagged
	s.mu.Unlock()

	if crossed {
		s.logger.Warn("agent flagged for low reputation",
			zap.String("agent_id", agentID),
			zap.Float64("score", snap.Score),
			zap.Float64("floor", s.floor),
		)
		s.bus.Publish(events.Event{
			Type:    events.AgentFlagged,
			AgentID: agentID,
			Fields: map[string]interface{}{
				"score": snap.Score,
				"floor": s.floor,
			},
		})
	}
	if recovered {
		s.logger.Info("agent reputation recovered",
			zap.String("agent_id", agentID),
			zap.Float64("score", snap.Score),
		)
	}
}

// prune drops entries older than the window. Callers hold s.mu.
func (s *service) prune(led *ledger) {
	cutoff := s.now().Add(-s.window)
	i := 0
	for i < len(led.entries) && led.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		led.entries = append(led.entries[:0], led.entries[i:]...)
	}
}

// weight is the linear age decay: 1.0 for a fresh entry, 0.0 at the window
// edge.
func (s *service) weight(at, now time.Time) float64 {
	age := now.Sub(at)
	if age >= s.window {
		return 0
	}
	return 1 - float64(age)/float64(s.window)
}

// snapshot computes the decayed score from the ledger. Callers hold s.mu.
// Agents with no execution history score a neutral 0.5 on each rate, so an
// unseen agent is neither preferred nor buried in tie-breaks.
func (s *service) snapshot(agentID string, led *ledger) Snapshot {
	now := s.now()
	snap := Snapshot{AgentID: agentID}

	var wAttempts, wWins, wSuccesses, wFailures float64
	var latencySum, latencyN float64
	var execSum, execN float64
	for _, e := range led.entries {
		w := s.weight(e.at, now)
		switch e.kind {
		case kindAttempt:
			snap.Attempts++
			wAttempts += w
			latencySum += e.ms
			latencyN++
		case kindWin:
			snap.Wins++
			wWins += w
		case kindSuccess:
			snap.Successes++
			wSuccesses += w
			execSum += e.ms
			execN++
		case kindFailure:
			snap.Failures++
			wFailures += w
			execSum += e.ms
			execN++
		}
	}

	successRate := 0.5
	if wSuccesses+wFailures > 0 {
		successRate = wSuccesses / (wSuccesses + wFailures)
	}
	winRate := 0.5
	if wAttempts > 0 {
		winRate = wWins / wAttempts
		if winRate > 1 {
			winRate = 1
		}
	}
	snap.Score = successRate*0.7 + winRate*0.3

	if latencyN > 0 {
		snap.AvgLatencyMs = latencySum / latencyN
	}
	if execN > 0 {
		snap.AvgExecutionMs = execSum / execN
	}
	snap.Flagged = snap.Attempts >= minAttempts && snap.Score < s.floor
	return snap
}

func (s *service) Score(agentID string) float64 {
	return s.Snapshot(agentID).Score
}

func (s *service) Flagged(agentID string) bool {
	return s.Snapshot(agentID).Flagged
}

func (s *service) AvgLatencyMs(agentID string) float64 {
	return s.Snapshot(agentID).AvgLatencyMs
}

func (s *service) Snapshot(agentID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	led, ok := s.ledgers[agentID]
	if !ok {
		return Snapshot{AgentID: agentID, Score: 0.5}
	}
	s.prune(led)
	return s.snapshot(agentID, led)
}

func (s *service) Snapshots() map[string]Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Snapshot, len(s.ledgers))
	for id, led := range s.ledgers {
		s.prune(led)
		out[id] = s.snapshot(id, led)
	}
	return out
}

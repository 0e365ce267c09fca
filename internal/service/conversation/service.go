// Package conversation keeps the rolling dialogue history: a bounded turn
// ring surfaced to bidding agents, archived to the state store after an idle
// period, and restored across restarts while still fresh.
package conversation

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/agent-exchange/internal/domain/conversation"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/config"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/statestore"
)

const (
	namespace     = "agent-space"
	historyName   = "conversation-history.md"
	summariesName = "session-summaries.md"
	stateName     = "conversation-state.json"

	// restoreWindow bounds how old a snapshot may be and still come back.
	restoreWindow = time.Hour

	summarizeTimeout = 15 * time.Second
	persistTimeout   = 2 * time.Second
)

// Service is the exchange's view of the conversation.
type Service interface {
	// AppendUserTurn records what the user said and resets the idle timer.
	AppendUserTurn(text string)
	// AppendAssistantTurn records a settled response.
	AppendAssistantTurn(text, agentID string)
	// RecentHistory renders the newest turns within the character budget.
	RecentHistory() string
	// LastAssistantTurn returns the newest assistant response, if any.
	LastAssistantTurn() (string, bool)
	// TurnCount reports retained turns.
	TurnCount() int
	// Flush persists the live snapshot now; used on shutdown.
	Flush(ctx context.Context)
	// Close stops the idle timer.
	Close()
}

// Summarizer condenses an idle session before it is archived.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

type persistedState struct {
	Turns   []conversation.Turn `json:"turns"`
	SavedAt time.Time           `json:"saved_at"`
}

type service struct {
	store      statestore.Store
	summarizer Summarizer
	logger     *zap.Logger
	inactivity time.Duration

	mu    sync.Mutex
	ring  *conversation.Ring
	timer *time.Timer
	seq   uint64

	persistMu    sync.Mutex
	persistedSeq uint64
}

// NewService builds the conversation service and restores the persisted
// snapshot when it is recent enough.
func NewService(store statestore.Store, summarizer Summarizer, cfg config.PipelineConfig, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = statestore.Noop()
	}
	s := &service{
		store:      store,
		summarizer: summarizer,
		logger:     logger,
		inactivity: time.Duration(cfg.InactivityTimeoutMs) * time.Millisecond,
		ring:       conversation.NewRing(cfg.MaxTurns, cfg.HistoryCharBudget),
	}
	s.restore()
	return s
}

func (s *service) AppendUserTurn(text string) {
	s.append(conversation.Turn{Role: conversation.RoleUser, Content: text})
}

func (s *service) AppendAssistantTurn(text, agentID string) {
	s.append(conversation.Turn{Role: conversation.RoleAssistant, Content: text, AgentID: agentID})
}

func (s *service) RecentHistory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Render()
}

func (s *service) LastAssistantTurn() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.ring.Last(conversation.RoleAssistant); t != nil {
		return t.Content, true
	}
	return "", false
}

func (s *service) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Len()
}

func (s *service) Flush(ctx context.Context) {
	s.mu.Lock()
	turns := s.ring.Turns()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	s.persistState(ctx, seq, turns)
}

func (s *service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *service) append(t conversation.Turn) {
	s.mu.Lock()
	s.ring.Append(t)
	if s.timer == nil {
		s.timer = time.AfterFunc(s.inactivity, s.archiveIdle)
	} else {
		s.timer.Reset(s.inactivity)
	}
	s.seq++
	seq := s.seq
	snapshot := s.ring.Turns()
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		s.persistState(ctx, seq, snapshot)
	}()
}

// persistState is best-effort and latest-wins: stale snapshots racing a
// newer save are dropped.
func (s *service) persistState(ctx context.Context, seq uint64, turns []conversation.Turn) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if seq <= s.persistedSeq {
		return
	}
	s.persistedSeq = seq
	data, err := json.Marshal(persistedState{Turns: turns, SavedAt: time.Now()})
	if err != nil {
		return
	}
	// The store logs its own failures; nothing here blocks on success.
	_ = s.store.Save(ctx, namespace, stateName, data)
}

func (s *service) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := s.store.Load(ctx, namespace, stateName)
	if err != nil {
		if err != statestore.ErrNotFound {
			s.logger.Warn("conversation restore failed", zap.Error(err))
		}
		return
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("conversation snapshot unreadable", zap.Error(err))
		return
	}
	if time.Since(st.SavedAt) > restoreWindow {
		s.logger.Info("conversation snapshot too old, starting fresh",
			zap.Time("saved_at", st.SavedAt))
		return
	}
	s.ring.Replace(st.Turns)
	s.logger.Info("conversation restored",
		zap.Int("turns", s.ring.Len()),
		zap.Time("saved_at", st.SavedAt))
}

// archiveIdle runs when the inactivity timer fires: the session is
// summarized, appended to the archive, and the live ring cleared.
func (s *service) archiveIdle() {
	s.mu.Lock()
	if s.ring.Len() == 0 {
		s.mu.Unlock()
		return
	}
	turns := s.ring.Turns()
	s.ring.Reset()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	s.logger.Info("conversation idle, archiving", zap.Int("turns", len(turns)))

	ctx, cancel := context.WithTimeout(context.Background(), summarizeTimeout)
	defer cancel()

	transcript := renderTranscript(turns)
	summary := ""
	if s.summarizer != nil {
		out, err := s.summarizer.Summarize(ctx, transcript)
		if err != nil {
			s.logger.Warn("summarization failed, archiving raw transcript", zap.Error(err))
		} else {
			summary = strings.TrimSpace(out)
		}
	}

	stamp := time.Now().UTC().Format(time.RFC3339)
	_ = s.store.Append(ctx, namespace, historyName,
		[]byte("\n## Session archived "+stamp+"\n\n"+transcript+"\n"))
	if summary != "" {
		_ = s.store.Append(ctx, namespace, summariesName,
			[]byte("- "+stamp+" "+summary+"\n"))
	}
	s.persistState(ctx, seq, nil)
}

func renderTranscript(turns []conversation.Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, string(t.Role)+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}

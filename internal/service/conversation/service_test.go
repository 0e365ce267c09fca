package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domain "github.com/davidleathers/agent-exchange/internal/domain/conversation"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/config"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/statestore"
)

type fakeStore struct {
	mu       sync.Mutex
	saved    map[string][]byte
	appended map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		saved:    make(map[string][]byte),
		appended: make(map[string][]byte),
	}
}

func (f *fakeStore) Save(_ context.Context, ns, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[ns+"/"+name] = append([]byte(nil), data...)
	return nil
}

func (f *fakeStore) Load(_ context.Context, ns, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.saved[ns+"/"+name]
	if !ok {
		return nil, statestore.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeStore) Append(_ context.Context, ns, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended[ns+"/"+name] = append(f.appended[ns+"/"+name], data...)
	return nil
}

func (f *fakeStore) Delete(_ context.Context, ns, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, ns+"/"+name)
	return nil
}

func (f *fakeStore) savedState(t *testing.T) (persistedState, bool) {
	t.Helper()
	f.mu.Lock()
	data, ok := f.saved[namespace+"/"+stateName]
	f.mu.Unlock()
	if !ok {
		return persistedState{}, false
	}
	var st persistedState
	require.NoError(t, json.Unmarshal(data, &st))
	return st, true
}

func (f *fakeStore) appendedTo(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.appended[namespace+"/"+name])
}

type fakeSummarizer struct {
	mu      sync.Mutex
	summary string
	err     error
	calls   int
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.summary, f.err
}

func testConversationConfig() config.PipelineConfig {
	return config.PipelineConfig{
		DedupWindowMs:          3000,
		ProcessingLockSafetyMs: 15000,
		FilterTimeoutMs:        3000,
		InactivityTimeoutMs:    300000,
		MaxTurns:               50,
		HistoryCharBudget:      4000,
	}
}

func TestService_AppendAndHistory(t *testing.T) {
	svc := NewService(newFakeStore(), nil, testConversationConfig(), zap.NewNop())
	defer svc.Close()

	svc.AppendUserTurn("what's the weather in oslo")
	svc.AppendAssistantTurn("Sunny and 18 degrees.", "weather-agent")
	svc.AppendUserTurn("and tomorrow?")

	history := svc.RecentHistory()
	require.Contains(t, history, "user: what's the weather in oslo")
	require.Contains(t, history, "assistant: Sunny and 18 degrees.")
	assert.Less(t,
		strings.Index(history, "weather in oslo"),
		strings.Index(history, "and tomorrow"),
		"turns should render oldest first")

	last, ok := svc.LastAssistantTurn()
	require.True(t, ok)
	assert.Equal(t, "Sunny and 18 degrees.", last)
	assert.Equal(t, 3, svc.TurnCount())
}

func TestService_LastAssistantTurnEmpty(t *testing.T) {
	svc := NewService(newFakeStore(), nil, testConversationConfig(), zap.NewNop())
	defer svc.Close()

	svc.AppendUserTurn("hello")
	_, ok := svc.LastAssistantTurn()
	assert.False(t, ok)
}

func TestService_TurnCapEvictsOldest(t *testing.T) {
	cfg := testConversationConfig()
	cfg.MaxTurns = 3
	svc := NewService(newFakeStore(), nil, cfg, zap.NewNop())
	defer svc.Close()

	svc.AppendUserTurn("one")
	svc.AppendUserTurn("two")
	svc.AppendUserTurn("three")
	svc.AppendUserTurn("four")

	assert.Equal(t, 3, svc.TurnCount())
	history := svc.RecentHistory()
	assert.NotContains(t, history, "one")
	assert.Contains(t, history, "four")
}

func TestService_PersistsStateOnAppend(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, testConversationConfig(), zap.NewNop())
	defer svc.Close()

	svc.AppendUserTurn("remind me about the dentist")

	require.Eventually(t, func() bool {
		st, ok := store.savedState(t)
		return ok && len(st.Turns) == 1
	}, time.Second, 10*time.Millisecond)

	st, _ := store.savedState(t)
	assert.Equal(t, domain.RoleUser, st.Turns[0].Role)
	assert.Equal(t, "remind me about the dentist", st.Turns[0].Content)
	assert.WithinDuration(t, time.Now(), st.SavedAt, 5*time.Second)
}

func TestService_FlushPersistsSynchronously(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, testConversationConfig(), zap.NewNop())
	defer svc.Close()

	svc.AppendUserTurn("book a table for two")
	svc.Flush(context.Background())

	st, ok := store.savedState(t)
	require.True(t, ok)
	require.Len(t, st.Turns, 1)
}

func TestService_RestoreWithinWindow(t *testing.T) {
	store := newFakeStore()
	data, err := json.Marshal(persistedState{
		Turns: []domain.Turn{
			{Role: domain.RoleUser, Content: "turn the lights off"},
			{Role: domain.RoleAssistant, Content: "Done, lights are off.", AgentID: "home-agent"},
		},
		SavedAt: time.Now().Add(-10 * time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), namespace, stateName, data))

	svc := NewService(store, nil, testConversationConfig(), zap.NewNop())
	defer svc.Close()

	assert.Equal(t, 2, svc.TurnCount())
	last, ok := svc.LastAssistantTurn()
	require.True(t, ok)
	assert.Equal(t, "Done, lights are off.", last)
}

func TestService_RestoreDiscardsStaleSnapshot(t *testing.T) {
	store := newFakeStore()
	data, err := json.Marshal(persistedState{
		Turns:   []domain.Turn{{Role: domain.RoleUser, Content: "old talk"}},
		SavedAt: time.Now().Add(-2 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), namespace, stateName, data))

	svc := NewService(store, nil, testConversationConfig(), zap.NewNop())
	defer svc.Close()

	assert.Equal(t, 0, svc.TurnCount())
}

func TestService_RestoreIgnoresCorruptSnapshot(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.Save(context.Background(), namespace, stateName, []byte("not json")))

	svc := NewService(store, nil, testConversationConfig(), zap.NewNop())
	defer svc.Close()

	assert.Equal(t, 0, svc.TurnCount())
}

func TestService_InactivityArchivesAndSummarizes(t *testing.T) {
	store := newFakeStore()
	summarizer := &fakeSummarizer{summary: "User checked the weather and set a reminder."}
	cfg := testConversationConfig()
	cfg.InactivityTimeoutMs = 60
	svc := NewService(store, summarizer, cfg, zap.NewNop())
	defer svc.Close()

	svc.AppendUserTurn("what's the weather")
	svc.AppendAssistantTurn("Cloudy, 12 degrees.", "weather-agent")

	require.Eventually(t, func() bool {
		return svc.TurnCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	history := store.appendedTo(historyName)
	assert.Contains(t, history, "## Session archived ")
	assert.Contains(t, history, "user: what's the weather")
	assert.Contains(t, history, "assistant: Cloudy, 12 degrees.")

	summaries := store.appendedTo(summariesName)
	assert.Contains(t, summaries, "User checked the weather and set a reminder.")

	// The empty post-archive state must win over the per-turn snapshots.
	require.Eventually(t, func() bool {
		st, ok := store.savedState(t)
		return ok && len(st.Turns) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestService_SummarizerFailureStillArchives(t *testing.T) {
	store := newFakeStore()
	summarizer := &fakeSummarizer{err: errors.New("advisor offline")}
	cfg := testConversationConfig()
	cfg.InactivityTimeoutMs = 60
	svc := NewService(store, summarizer, cfg, zap.NewNop())
	defer svc.Close()

	svc.AppendUserTurn("play some jazz")

	require.Eventually(t, func() bool {
		return svc.TurnCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, store.appendedTo(historyName), "user: play some jazz")
	assert.Empty(t, store.appendedTo(summariesName))
}

func TestService_ActivityDefersArchival(t *testing.T) {
	store := newFakeStore()
	summarizer := &fakeSummarizer{summary: "ignored"}
	cfg := testConversationConfig()
	cfg.InactivityTimeoutMs = 250
	svc := NewService(store, summarizer, cfg, zap.NewNop())
	defer svc.Close()

	svc.AppendUserTurn("start a timer")
	time.Sleep(150 * time.Millisecond)
	svc.AppendUserTurn("make it ten minutes")
	time.Sleep(50 * time.Millisecond)

	// The second turn reset the idle timer; nothing archived yet.
	assert.Equal(t, 2, svc.TurnCount())
	assert.Empty(t, store.appendedTo(historyName))
}

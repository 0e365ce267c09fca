package reputation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidleathers/agent-exchange/internal/infrastructure/events"
)

func newTestService(t *testing.T) (*service, *time.Time) {
	t.Helper()
	svc := NewService(events.NewBus(zap.NewNop()), 30*time.Minute, 0.25, zap.NewNop()).(*service)
	current := time.Now()
	svc.now = func() time.Time { return current }
	return svc, &current
}

func TestService_ScoreNeutralWithoutHistory(t *testing.T) {
	svc, _ := newTestService(t)
	assert.Equal(t, 0.5, svc.Score("unseen-agent"))
	assert.False(t, svc.Flagged("unseen-agent"))
}

func TestService_ScoreBlendsSuccessAndWinRates(t *testing.T) {
	svc, _ := newTestService(t)

	// 4 attempts, 2 wins: winRate 0.5. 3 successes, 1 failure: successRate 0.75.
	for i := 0; i < 4; i++ {
		svc.RecordAttempt("alpha", 100)
	}
	svc.RecordWin("alpha")
	svc.RecordWin("alpha")
	for i := 0; i < 3; i++ {
		svc.RecordSuccess("alpha", 2*time.Second)
	}
	svc.RecordFailure("alpha", 5*time.Second)

	assert.InDelta(t, 0.75*0.7+0.5*0.3, svc.Score("alpha"), 0.001)
}

func TestService_ScoreDecaysLinearly(t *testing.T) {
	svc, current := newTestService(t)

	// Old successes at half the window carry half weight.
	svc.RecordAttempt("alpha", 100)
	svc.RecordWin("alpha")
	svc.RecordSuccess("alpha", time.Second)
	svc.RecordSuccess("alpha", time.Second)

	*current = current.Add(15 * time.Minute)
	svc.RecordAttempt("alpha", 100)
	svc.RecordFailure("alpha", time.Second)

	// Weighted: successes 2x0.5=1.0, failures 1x1.0=1.0 so successRate 0.5.
	// Wins 0.5 over attempts 0.5+1.0=1.5 so winRate 1/3.
	snap := svc.Snapshot("alpha")
	assert.InDelta(t, 0.5*0.7+(1.0/3.0)*0.3, snap.Score, 0.001)
}

func TestService_WindowExpiryDropsEntries(t *testing.T) {
	svc, current := newTestService(t)

	svc.RecordAttempt("alpha", 100)
	svc.RecordFailure("alpha", time.Second)

	*current = current.Add(31 * time.Minute)

	snap := svc.Snapshot("alpha")
	assert.Equal(t, 0, snap.Attempts)
	assert.Equal(t, 0, snap.Failures)
	assert.Equal(t, 0.5, snap.Score)
}

func TestService_FlagsAgentUnderFloor(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	sub := bus.Subscribe(events.AgentFlagged)
	defer sub.Cancel()

	svc := NewService(bus, 30*time.Minute, 0.25, zap.NewNop())

	// Two attempts stay under the activity gate even with failures.
	svc.RecordAttempt("alpha", 100)
	svc.RecordAttempt("alpha", 100)
	svc.RecordFailure("alpha", time.Second)
	assert.False(t, svc.Flagged("alpha"))

	svc.RecordAttempt("alpha", 100)
	svc.RecordFailure("alpha", time.Second)
	require.True(t, svc.Flagged("alpha"))

	select {
	case ev := <-sub.C():
		assert.Equal(t, events.AgentFlagged, ev.Type)
		assert.Equal(t, "alpha", ev.AgentID)
	case <-time.After(time.Second):
		t.Fatal("expected agent:flagged event")
	}
}

func TestService_FlagEmittedOncePerCrossing(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	sub := bus.Subscribe(events.AgentFlagged)
	defer sub.Cancel()

	svc := NewService(bus, 30*time.Minute, 0.25, zap.NewNop())
	for i := 0; i < 5; i++ {
		svc.RecordAttempt("alpha", 100)
		svc.RecordFailure("alpha", time.Second)
	}

	flagCount := 0
	timeout := time.After(200 * time.Millisecond)
drain:
	for {
		select {
		case <-sub.C():
			flagCount++
		case <-timeout:
			break drain
		}
	}
	assert.Equal(t, 1, flagCount)
}

func TestService_FlagRecoversOnSuccess(t *testing.T) {
	svc, _ := newTestService(t)

	for i := 0; i < 4; i++ {
		svc.RecordAttempt("alpha", 100)
		svc.RecordFailure("alpha", time.Second)
	}
	require.True(t, svc.Flagged("alpha"))

	for i := 0; i < 10; i++ {
		svc.RecordWin("alpha")
		svc.RecordSuccess("alpha", time.Second)
	}
	assert.False(t, svc.Flagged("alpha"))
}

func TestService_AvgLatency(t *testing.T) {
	svc, _ := newTestService(t)

	svc.RecordAttempt("alpha", 100)
	svc.RecordAttempt("alpha", 300)

	assert.InDelta(t, 200.0, svc.AvgLatencyMs("alpha"), 0.001)
}

func TestService_Snapshots(t *testing.T) {
	svc, _ := newTestService(t)

	svc.RecordAttempt("alpha", 100)
	svc.RecordWin("alpha")
	svc.RecordAttempt("bravo", 250)

	snaps := svc.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, 1, snaps["alpha"].Wins)
	assert.Equal(t, 1, snaps["bravo"].Attempts)
	assert.Equal(t, 0, snaps["bravo"].Wins)
}

package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidleathers/agent-exchange/internal/domain/agent"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/events"
)

type fakeConn struct {
	id     string
	alive  bool
	mu     sync.Mutex
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, alive: true}
}

func (c *fakeConn) ID() string               { return c.id }
func (c *fakeConn) Send(v interface{}) error { return nil }
func (c *fakeConn) Alive() bool              { return c.alive }
func (c *fakeConn) Close(intentional bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.alive = false
	return nil
}

func newTestService() Service {
	return NewService(events.NewBus(zap.NewNop()), 3, 10*time.Minute, zap.NewNop())
}

func TestService_Register(t *testing.T) {
	tests := []struct {
		name    string
		reg     agent.Registration
		wantErr bool
	}{
		{
			name: "valid registration",
			reg:  agent.Registration{ID: "weather-agent", Version: "1.2.0"},
		},
		{
			name:    "missing id",
			reg:     agent.Registration{Version: "1.0.0"},
			wantErr: true,
		},
		{
			name:    "missing version",
			reg:     agent.Registration{ID: "weather-agent"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService()
			rec, stale, err := svc.Register(tt.reg, newFakeConn("c1"))

			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Nil(t, stale)
			assert.Equal(t, tt.reg.ID, rec.ID)
			assert.Equal(t, agent.HealthHealthy, rec.Health)
			assert.True(t, rec.Connected())
		})
	}
}

func TestService_RegisterReconnectReturnsStaleConn(t *testing.T) {
	svc := newTestService()
	reg := agent.Registration{ID: "weather-agent", Version: "1.0.0"}

	first := newFakeConn("c1")
	_, stale, err := svc.Register(reg, first)
	require.NoError(t, err)
	assert.Nil(t, stale)

	second := newFakeConn("c2")
	rec, stale, err := svc.Register(reg, second)
	require.NoError(t, err)
	require.NotNil(t, stale)
	assert.Equal(t, "c1", stale.ID())
	assert.Equal(t, "c2", rec.ConnectionID)
	assert.Equal(t, 1, svc.Count())
}

func TestService_DisconnectIgnoresSupersededSession(t *testing.T) {
	svc := newTestService()
	reg := agent.Registration{ID: "weather-agent", Version: "1.0.0"}

	_, _, err := svc.Register(reg, newFakeConn("c1"))
	require.NoError(t, err)
	_, _, err = svc.Register(reg, newFakeConn("c2"))
	require.NoError(t, err)

	// The close callback for the first session races the re-registration.
	svc.Disconnect("weather-agent", "c1")

	rec, ok := svc.ByID("weather-agent")
	require.True(t, ok)
	assert.True(t, rec.Connected())

	svc.Disconnect("weather-agent", "c2")
	assert.False(t, rec.Connected())
}

func TestService_Candidates(t *testing.T) {
	svc := newTestService()

	register := func(id string, excluded bool) {
		t.Helper()
		_, _, err := svc.Register(agent.Registration{
			ID: id, Version: "1.0.0", BidExcluded: excluded,
		}, newFakeConn("conn-"+id))
		require.NoError(t, err)
	}

	register("alpha", false)
	register("bravo", false)
	register("charlie", false)
	register("error-agent", true)

	tk, err := task.New("what is the weather", task.SourceVoice)
	require.NoError(t, err)

	t.Run("excludes bid-excluded agents", func(t *testing.T) {
		ids := candidateIDs(svc.Candidates(tk))
		assert.Equal(t, []string{"alpha", "bravo", "charlie"}, ids)
	})

	t.Run("respects agent filter", func(t *testing.T) {
		filtered := *tk
		filtered.Metadata.AgentFilter = []string{"bravo", "charlie"}
		ids := candidateIDs(svc.Candidates(&filtered))
		assert.Equal(t, []string{"bravo", "charlie"}, ids)
	})

	t.Run("excludes disconnected agents", func(t *testing.T) {
		svc.Disconnect("bravo", "conn-bravo")
		ids := candidateIDs(svc.Candidates(tk))
		assert.Equal(t, []string{"alpha", "charlie"}, ids)
	})

	t.Run("keeps unhealthy agents eligible", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			svc.RecordOutcome("charlie", false)
		}
		rec, _ := svc.ByID("charlie")
		require.Equal(t, agent.HealthUnhealthy, rec.Health)
		ids := candidateIDs(svc.Candidates(tk))
		assert.Equal(t, []string{"alpha", "charlie"}, ids)
	})
}

func TestService_ErrorAgent(t *testing.T) {
	svc := newTestService()

	_, ok := svc.ErrorAgent()
	assert.False(t, ok, "empty registry has no error agent")

	_, _, err := svc.Register(agent.Registration{ID: "alpha", Version: "1.0.0"}, newFakeConn("c1"))
	require.NoError(t, err)
	_, ok = svc.ErrorAgent()
	assert.False(t, ok, "bid-eligible agents never answer for dead letters")

	_, _, err = svc.Register(agent.Registration{
		ID: "fallback", Version: "1.0.0", BidExcluded: true,
	}, newFakeConn("c2"))
	require.NoError(t, err)

	id, ok := svc.ErrorAgent()
	require.True(t, ok)
	assert.Equal(t, "fallback", id)

	// A capability-tagged agent wins over the plain bid-excluded one.
	_, _, err = svc.Register(agent.Registration{
		ID: "zed-error", Version: "1.0.0", BidExcluded: true,
		Capabilities: []string{"error-response"},
	}, newFakeConn("c3"))
	require.NoError(t, err)

	id, ok = svc.ErrorAgent()
	require.True(t, ok)
	assert.Equal(t, "zed-error", id)
}

func TestService_HealthyAndFilter(t *testing.T) {
	svc := newTestService()
	for _, id := range []string{"alpha", "bravo"} {
		_, _, err := svc.Register(agent.Registration{ID: id, Version: "1.0.0"}, newFakeConn("conn-"+id))
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		svc.RecordOutcome("bravo", false)
	}

	assert.Equal(t, []string{"alpha"}, candidateIDs(svc.Healthy()))

	unhealthy := svc.Filter(func(rec *agent.Record) bool {
		return rec.Health == agent.HealthUnhealthy
	})
	assert.Equal(t, []string{"bravo"}, candidateIDs(unhealthy))
}

func TestService_RecordOutcomeHealthFlip(t *testing.T) {
	svc := newTestService()
	_, _, err := svc.Register(agent.Registration{ID: "alpha", Version: "1.0.0"}, newFakeConn("c1"))
	require.NoError(t, err)

	rec, _ := svc.ByID("alpha")

	// Two failures stay under the threshold of three.
	svc.RecordOutcome("alpha", false)
	svc.RecordOutcome("alpha", false)
	assert.Equal(t, agent.HealthHealthy, rec.Health)

	// A success resets the streak.
	svc.RecordOutcome("alpha", true)
	svc.RecordOutcome("alpha", false)
	svc.RecordOutcome("alpha", false)
	assert.Equal(t, agent.HealthHealthy, rec.Health)

	// The third consecutive failure flips health.
	svc.RecordOutcome("alpha", false)
	assert.Equal(t, agent.HealthUnhealthy, rec.Health)

	// Success restores eligibility.
	svc.RecordOutcome("alpha", true)
	assert.Equal(t, agent.HealthHealthy, rec.Health)
}

func TestService_RegisterPublishesEvent(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	sub := bus.Subscribe(events.AgentConnected)
	defer sub.Cancel()

	svc := NewService(bus, 3, 10*time.Minute, zap.NewNop())
	_, _, err := svc.Register(agent.Registration{ID: "alpha", Version: "1.0.0"}, newFakeConn("c1"))
	require.NoError(t, err)

	select {
	case ev := <-sub.C():
		assert.Equal(t, events.AgentConnected, ev.Type)
		assert.Equal(t, "alpha", ev.AgentID)
	case <-time.After(time.Second):
		t.Fatal("expected agent:connected event")
	}
}

func TestService_AdjustInFlightFloorsAtZero(t *testing.T) {
	svc := newTestService()
	_, _, err := svc.Register(agent.Registration{ID: "alpha", Version: "1.0.0"}, newFakeConn("c1"))
	require.NoError(t, err)

	svc.AdjustInFlight("alpha", 1)
	svc.AdjustInFlight("alpha", -2)

	rec, _ := svc.ByID("alpha")
	assert.Equal(t, 0, rec.InFlight)
}

func candidateIDs(recs []*agent.Record) []string {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

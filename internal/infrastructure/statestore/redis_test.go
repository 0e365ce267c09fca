package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(Options{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	return store, mr
}

func TestRedisStore_SaveLoad(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.Save(ctx, "agent-space", "conversation-state.json", []byte(`{"turns":3}`))
	require.NoError(t, err)

	data, err := store.Load(ctx, "agent-space", "conversation-state.json")
	require.NoError(t, err)
	assert.Equal(t, `{"turns":3}`, string(data))
}

func TestRedisStore_LoadMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Load(context.Background(), "agent-space", "absent.md")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_Append(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "agent-space", "conversation-history.md", []byte("## turn 1\n")))
	require.NoError(t, store.Append(ctx, "agent-space", "conversation-history.md", []byte("## turn 2\n")))

	data, err := store.Load(ctx, "agent-space", "conversation-history.md")
	require.NoError(t, err)
	assert.Equal(t, "## turn 1\n## turn 2\n", string(data))
}

func TestRedisStore_NamespaceIsolation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "space-a", "state", []byte("a")))
	require.NoError(t, store.Save(ctx, "space-b", "state", []byte("b")))

	a, err := store.Load(ctx, "space-a", "state")
	require.NoError(t, err)
	b, err := store.Load(ctx, "space-b", "state")
	require.NoError(t, err)

	assert.Equal(t, "a", string(a))
	assert.Equal(t, "b", string(b))
}

func TestRedisStore_Delete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "agent-space", "session-summaries.md", []byte("summary")))
	require.NoError(t, store.Delete(ctx, "agent-space", "session-summaries.md"))

	_, err := store.Load(ctx, "agent-space", "session-summaries.md")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(Options{Addr: mr.Addr(), TTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "agent-space", "state", []byte("x")))

	mr.FastForward(2 * time.Minute)

	_, err = store.Load(ctx, "agent-space", "state")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNoopStore(t *testing.T) {
	store := Noop()
	ctx := context.Background()

	assert.NoError(t, store.Save(ctx, "ns", "n", []byte("x")))
	_, err := store.Load(ctx, "ns", "n")
	assert.ErrorIs(t, err, ErrNotFound)
}

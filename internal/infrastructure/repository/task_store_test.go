package repository

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/agent-exchange/internal/domain/errors"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
	"github.com/davidleathers/agent-exchange/internal/testutil/fixtures"
)

func TestTaskStore_PutGet(t *testing.T) {
	store := NewTaskStore()
	tk := fixtures.NewTaskBuilder().WithContent("dim the bedroom lights").Build(t)

	store.Put(tk)

	got, ok := store.Get(tk.ID)
	require.True(t, ok)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, "dim the bedroom lights", got.Content)

	_, ok = store.Get(uuid.New())
	assert.False(t, ok)
}

func TestTaskStore_GetReturnsSnapshot(t *testing.T) {
	store := NewTaskStore()
	tk := fixtures.NewTaskScenarios(t).AssignedTask("agent-1", "agent-2", "agent-3")
	tk.Metadata.PendingInputs = map[string]string{"time": "7pm"}
	store.Put(tk)

	got, ok := store.Get(tk.ID)
	require.True(t, ok)

	// Mutating the snapshot must not leak into the store.
	got.Backups[0] = "tampered"
	got.Metadata.PendingInputs["time"] = "tampered"
	got.Content = "tampered"

	fresh, ok := store.Get(tk.ID)
	require.True(t, ok)
	assert.Equal(t, "agent-2", fresh.Backups[0])
	assert.Equal(t, "7pm", fresh.Metadata.PendingInputs["time"])
	assert.NotEqual(t, "tampered", fresh.Content)
}

func TestTaskStore_Update(t *testing.T) {
	store := NewTaskStore()
	tk := fixtures.NewTaskBuilder().Build(t)
	store.Put(tk)

	err := store.Update(tk.ID, func(live *task.Task) error {
		return live.TransitionTo(task.StatusAuctioning)
	})
	require.NoError(t, err)

	got, _ := store.Get(tk.ID)
	assert.Equal(t, task.StatusAuctioning, got.Status)
}

func TestTaskStore_UpdateUnknownTask(t *testing.T) {
	store := NewTaskStore()
	err := store.Update(uuid.New(), func(*task.Task) error { return nil })
	assert.ErrorIs(t, err, errors.ErrTaskNotFound)
}

func TestTaskStore_UpdatePropagatesCallbackError(t *testing.T) {
	store := NewTaskStore()
	tk := fixtures.NewTaskScenarios(t).SettledTask("agent-1", "done")
	store.Put(tk)

	err := store.Update(tk.ID, func(live *task.Task) error {
		return live.TransitionTo(task.StatusExecuting)
	})
	require.Error(t, err, "settled tasks cannot move")
}

func TestTaskStore_Counts(t *testing.T) {
	store := NewTaskStore()
	scenarios := fixtures.NewTaskScenarios(t)

	store.Put(scenarios.VoiceCommand("first"))
	store.Put(scenarios.VoiceCommand("second"))
	store.Put(scenarios.ExecutingTask("agent-1"))
	store.Put(scenarios.SettledTask("agent-1", "done"))

	assert.Equal(t, 4, store.Count())
	assert.Equal(t, 2, store.CountByStatus(task.StatusQueued))
	assert.Equal(t, 1, store.CountByStatus(task.StatusExecuting))
	assert.Equal(t, 3, store.QueueDepth(), "settled tasks leave the queue")
}

func TestTaskStore_Range(t *testing.T) {
	store := NewTaskStore()
	ids := make(map[uuid.UUID]bool)
	for i := 0; i < 5; i++ {
		tk := fixtures.NewTaskBuilder().WithContent("task content here").Build(t)
		store.Put(tk)
		ids[tk.ID] = true
	}

	seen := 0
	store.Range(func(tk *task.Task) bool {
		assert.True(t, ids[tk.ID])
		seen++
		return true
	})
	assert.Equal(t, 5, seen)

	// Early exit.
	seen = 0
	store.Range(func(*task.Task) bool {
		seen++
		return false
	})
	assert.Equal(t, 1, seen)
}

func TestTaskStore_Delete(t *testing.T) {
	store := NewTaskStore()
	tk := fixtures.NewTaskBuilder().Build(t)
	store.Put(tk)

	store.Delete(tk.ID)
	_, ok := store.Get(tk.ID)
	assert.False(t, ok)
	assert.Zero(t, store.Count())

	store.Delete(tk.ID) // deleting twice is fine
}

func TestTaskStore_ConcurrentUpdates(t *testing.T) {
	store := NewTaskStore()
	tk := fixtures.NewTaskBuilder().Build(t)
	store.Put(tk)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Update(tk.ID, func(live *task.Task) error {
				live.Priority++
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := store.Get(tk.ID)
	assert.Equal(t, 55, got.Priority, "every increment lands under the task lock")
}

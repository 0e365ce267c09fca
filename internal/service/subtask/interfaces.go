package subtask

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/agent-exchange/internal/domain/task"
)

// Service tracks subtasks spawned by executing agents. Open subtasks
// re-enter the auction; locked subtasks go unconditionally to the named
// agent. Parent links are severed when the parent reaches a terminal state.
type Service interface {
	// Spawn creates and dispatches a subtask for an in-flight parent.
	Spawn(ctx context.Context, parentID uuid.UUID, content string, mode task.RoutingMode, lockedAgentID string) (*task.Task, error)

	// SpawnAndWait dispatches a subtask and blocks until it settles,
	// returning the subtask id alongside the result. It returns an error
	// when the subtask dead-letters, is cancelled, or the wait times out;
	// the subtask itself keeps running past a timed-out wait.
	SpawnAndWait(ctx context.Context, parentID uuid.UUID, content string, mode task.RoutingMode, lockedAgentID string, timeout time.Duration) (uuid.UUID, *task.Result, error)

	// Children lists the live subtasks of a parent.
	Children(parentID uuid.UUID) []uuid.UUID

	// Close detaches the registry from the event bus.
	Close()
}

// Dispatcher accepts built subtasks into the exchange.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *task.Task) error
	DispatchLocked(ctx context.Context, t *task.Task, agentID string) error
}

// Store reads task state for settlement results.
type Store interface {
	Get(id uuid.UUID) (*task.Task, bool)
}

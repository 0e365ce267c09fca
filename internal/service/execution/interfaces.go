package execution

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/agent-exchange/internal/domain/task"
)

// Service drives assigned tasks through the ack/heartbeat/result protocol to
// a terminal state, falling over to backups and dead-lettering on exhaustion.
type Service interface {
	// Execute runs the attempt loop for a task the auction resolved and
	// returns the surfaced result: the winner's, a backup's, or the error
	// agent's answer after dead-lettering.
	Execute(ctx context.Context, taskID uuid.UUID, winner string, backups []string) (*task.Result, error)
	// SettleFastPath settles an auctioning task directly from the winning
	// bid's embedded result, skipping the assignment protocol.
	SettleFastPath(taskID uuid.UUID, agentID string, result *task.Result) error
	// HandleAck processes a task_ack frame from an agent.
	HandleAck(taskID uuid.UUID, agentID string, estimatedMs int64)
	// HandleHeartbeat processes a task_heartbeat frame from an agent.
	HandleHeartbeat(taskID uuid.UUID, agentID string, progress string)
	// HandleResult processes a task_result frame from an agent.
	HandleResult(taskID uuid.UUID, agentID string, result *task.Result)
	// Cancel aborts an active task; late results for it are suppressed for
	// the configured window.
	Cancel(taskID uuid.UUID) error
	// PendingInputs lists the armed pending-input contexts, oldest first.
	PendingInputs() []PendingInput
	// ContinueWithInput routes a follow-up utterance to the agent whose
	// result asked for it and resumes the paused attempt.
	ContinueWithInput(agentID, utterance string) error
}

// PendingInput is an armed continuation slot: an agent returned needsInput
// and its task is paused until the user answers.
type PendingInput struct {
	AgentID string
	TaskID  uuid.UUID
	Field   string
	Prompt  string
	ArmedAt time.Time
}

// Assigner delivers execution protocol frames to agents.
type Assigner interface {
	// AssignTask sends a task_assignment frame.
	AssignTask(agentID string, snap task.Snapshot) error
	// CancelTask sends a task_cancel frame.
	CancelTask(agentID string, taskID uuid.UUID, reason string) error
}

// Store is the slice of the task store the controller mutates.
type Store interface {
	Get(id uuid.UUID) (*task.Task, bool)
	Update(id uuid.UUID, fn func(*task.Task) error) error
}

// Registry tracks agent load and health and locates the error agent.
type Registry interface {
	RecordOutcome(agentID string, success bool)
	AdjustInFlight(agentID string, delta int)
	ErrorAgent() (string, bool)
}

// Reputation feeds execution outcomes into agent scoring.
type Reputation interface {
	RecordSuccess(agentID string, d time.Duration)
	RecordFailure(agentID string, d time.Duration)
}

// Speaker surfaces spoken output: deferred acknowledgements and
// pending-input prompts.
type Speaker interface {
	Say(taskID uuid.UUID, text string)
}

package submission

import (
	"context"

	"github.com/google/uuid"

	"github.com/davidleathers/agent-exchange/internal/domain/task"
	"github.com/davidleathers/agent-exchange/internal/service/execution"
	"github.com/davidleathers/agent-exchange/internal/service/routing"
)

// Service is the single entry point for user utterances. Submit walks the
// intake steps in a fixed order; any step may short-circuit with a terminal
// Result.
type Service interface {
	// Submit runs one utterance through the pipeline.
	Submit(ctx context.Context, text string, opts Options) (*Result, error)

	// LockHeld reports whether a submission currently owns the exchange.
	LockHeld() bool

	// Close detaches the pipeline from the event bus.
	Close()
}

// Options carries per-submission routing context from the caller.
type Options struct {
	// ToolID names the surface the utterance came from.
	ToolID string
	// SpaceID scopes the task to a workspace, when the caller has one.
	SpaceID string
	// AgentFilter restricts the auction to these agent ids.
	AgentFilter []string
	// ProfileContext is caller-supplied user context for bidders.
	ProfileContext string
	// ScreenContext is a snapshot of what the user is looking at.
	ScreenContext string
	// SkipFilter bypasses the transcript quality filter.
	SkipFilter bool
	// TargetAgentID routes the utterance to that agent's pending-input
	// continuation when one exists.
	TargetAgentID string
	// Source defaults to voice when unset.
	Source task.Source
}

// Outcome classifies how the pipeline disposed of a submission.
type Outcome string

const (
	// OutcomeQueued means one or more tasks entered the exchange.
	OutcomeQueued Outcome = "queued"
	// OutcomeDuplicate is the silent already-processing answer for repeats.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeBusy means the processing lock was held by earlier work.
	OutcomeBusy Outcome = "busy"
	// OutcomeRejected means the transcript failed the quality filter.
	OutcomeRejected Outcome = "rejected"
	// OutcomeContinuation means the text answered a pending-input question.
	OutcomeContinuation Outcome = "continuation"
	// OutcomeCritical means a critical command was intercepted.
	OutcomeCritical Outcome = "critical"
	// OutcomeClarify means the planner asked for more detail instead.
	OutcomeClarify Outcome = "clarify"
)

// Result is the pipeline's terminal answer for one submission.
type Result struct {
	Outcome Outcome
	// Spoken is what was said aloud on this path, when anything.
	Spoken string
	// TaskIDs are the queued tasks, several when the utterance decomposed.
	TaskIDs []uuid.UUID
	// AgentID names the direct target for cached, continuation, and undo
	// routes.
	AgentID string
}

// Planner runs the cost-reduction stages ahead of the auction.
type Planner interface {
	Plan(ctx context.Context, utterance, history string, candidates []routing.AgentInfo) routing.Plan
}

// Dispatcher accepts built tasks into the exchange. Dispatch queues for
// auction; DispatchLocked hands the task straight to the named agent.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *task.Task) error
	DispatchLocked(ctx context.Context, t *task.Task, agentID string) error
}

// Conversation is the rolling dialogue history.
type Conversation interface {
	AppendUserTurn(text string)
	RecentHistory() string
	LastAssistantTurn() (string, bool)
}

// Pending exposes the execution controller's paused attempts.
type Pending interface {
	PendingInputs() []execution.PendingInput
	ContinueWithInput(agentID, utterance string) error
}

// Canceller aborts in-flight tasks for critical commands.
type Canceller interface {
	CancelTask(taskID uuid.UUID) error
}

// Candidates lists the currently biddable agents for pre-screening.
type Candidates interface {
	CandidateInfos() []routing.AgentInfo
}

// Judge gives the quality filter its second opinion on borderline
// transcripts.
type Judge interface {
	JudgeTranscript(ctx context.Context, text, history string) (bool, error)
}

// Speaker voices pipeline-level responses.
type Speaker interface {
	Say(text string)
}

// Package fixtures provides task builders for tests that need entities in a
// particular lifecycle state without repeating the legal transition chains.
package fixtures

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/agent-exchange/internal/domain/task"
)

// TaskBuilder builds test Task entities, walking the state machine to the
// requested status so fixtures never hold unreachable states.
type TaskBuilder struct {
	content     string
	source      task.Source
	priority    int
	mode        task.RoutingMode
	lockedAgent string
	parentID    *uuid.UUID
	metadata    task.Metadata
	status      task.Status
	winner      string
	backups     []string
	result      *task.Result
}

// NewTaskBuilder creates a TaskBuilder with defaults: a queued, open-routing
// voice utterance.
func NewTaskBuilder() *TaskBuilder {
	return &TaskBuilder{
		content:  "turn on the living room lights",
		source:   task.SourceVoice,
		priority: 5,
		mode:     task.RoutingOpen,
		status:   task.StatusQueued,
	}
}

// WithContent sets the utterance text.
func (b *TaskBuilder) WithContent(content string) *TaskBuilder {
	b.content = content
	return b
}

// WithSource sets where the task came from.
func (b *TaskBuilder) WithSource(source task.Source) *TaskBuilder {
	b.source = source
	return b
}

// WithPriority sets the task priority.
func (b *TaskBuilder) WithPriority(priority int) *TaskBuilder {
	b.priority = priority
	return b
}

// WithMetadata sets the routing metadata.
func (b *TaskBuilder) WithMetadata(md task.Metadata) *TaskBuilder {
	b.metadata = md
	return b
}

// WithAgentFilter restricts solicitation to the named agents.
func (b *TaskBuilder) WithAgentFilter(agentIDs ...string) *TaskBuilder {
	b.metadata.AgentFilter = agentIDs
	return b
}

// WithParent makes the task a subtask of the given parent.
func (b *TaskBuilder) WithParent(parentID uuid.UUID) *TaskBuilder {
	b.parentID = &parentID
	b.source = task.SourceSubtask
	return b
}

// WithLockedAgent pins routing to one agent, skipping the auction.
func (b *TaskBuilder) WithLockedAgent(agentID string) *TaskBuilder {
	b.mode = task.RoutingLocked
	b.lockedAgent = agentID
	return b
}

// WithStatus sets the target lifecycle state; Build walks the legal
// transitions to reach it.
func (b *TaskBuilder) WithStatus(status task.Status) *TaskBuilder {
	b.status = status
	return b
}

// WithAssignment names the winner and backups used when the target status
// requires an assignment.
func (b *TaskBuilder) WithAssignment(winner string, backups ...string) *TaskBuilder {
	b.winner = winner
	b.backups = backups
	return b
}

// WithResult sets the settlement result used when the target status is
// settled.
func (b *TaskBuilder) WithResult(result *task.Result) *TaskBuilder {
	b.result = result
	return b
}

// Build creates the Task entity in the requested state.
func (b *TaskBuilder) Build(t *testing.T) *task.Task {
	t.Helper()

	var (
		tk  *task.Task
		err error
	)
	if b.parentID != nil {
		tk, err = task.NewSubtask(b.content, *b.parentID, b.mode, b.lockedAgent)
	} else {
		tk, err = task.New(b.content, b.source)
		if tk != nil {
			tk.RoutingMode = b.mode
			tk.LockedAgentID = b.lockedAgent
		}
	}
	require.NoError(t, err, "failed to create task")

	tk.Priority = b.priority
	tk.Metadata = b.metadata
	b.walk(t, tk)
	return tk
}

// walk advances the task through legal transitions until it reaches the
// builder's target status.
func (b *TaskBuilder) walk(t *testing.T, tk *task.Task) {
	t.Helper()

	winner := b.winner
	if winner == "" {
		winner = "agent-1"
	}

	assign := func() {
		require.NoError(t, tk.TransitionTo(task.StatusAuctioning))
		require.NoError(t, tk.Assign(winner, b.backups))
	}

	switch b.status {
	case task.StatusQueued:
	case task.StatusAuctioning:
		require.NoError(t, tk.TransitionTo(task.StatusAuctioning))
	case task.StatusAssigned:
		assign()
	case task.StatusAcked:
		assign()
		require.NoError(t, tk.TransitionTo(task.StatusAcked))
	case task.StatusExecuting:
		assign()
		require.NoError(t, tk.TransitionTo(task.StatusAcked))
		require.NoError(t, tk.TransitionTo(task.StatusExecuting))
	case task.StatusSettled:
		assign()
		require.NoError(t, tk.TransitionTo(task.StatusAcked))
		require.NoError(t, tk.TransitionTo(task.StatusExecuting))
		result := b.result
		if result == nil {
			result = &task.Result{Success: true, Response: "done", AgentID: winner}
		}
		require.NoError(t, tk.Settle(result))
	case task.StatusBusted:
		assign()
		require.NoError(t, tk.TransitionTo(task.StatusBusted))
	case task.StatusCancelled:
		require.NoError(t, tk.TransitionTo(task.StatusCancelled))
	case task.StatusDeadLettered:
		assign()
		require.NoError(t, tk.TransitionTo(task.StatusBusted))
		require.NoError(t, tk.TransitionTo(task.StatusDeadLettered))
	default:
		require.FailNow(t, "unknown target status", string(b.status))
	}
}

// TaskScenarios provides common task test scenarios.
type TaskScenarios struct {
	t *testing.T
}

// NewTaskScenarios creates a new TaskScenarios helper.
func NewTaskScenarios(t *testing.T) *TaskScenarios {
	t.Helper()
	return &TaskScenarios{t: t}
}

// VoiceCommand creates a plain queued voice task.
func (ts *TaskScenarios) VoiceCommand(content string) *task.Task {
	ts.t.Helper()
	return NewTaskBuilder().WithContent(content).Build(ts.t)
}

// AssignedTask creates a task mid-assignment with a winner and backup chain.
func (ts *TaskScenarios) AssignedTask(winner string, backups ...string) *task.Task {
	ts.t.Helper()
	return NewTaskBuilder().
		WithStatus(task.StatusAssigned).
		WithAssignment(winner, backups...).
		Build(ts.t)
}

// ExecutingTask creates a task with an acked, in-flight execution.
func (ts *TaskScenarios) ExecutingTask(agentID string) *task.Task {
	ts.t.Helper()
	return NewTaskBuilder().
		WithStatus(task.StatusExecuting).
		WithAssignment(agentID).
		Build(ts.t)
}

// SettledTask creates a completed task with a successful result.
func (ts *TaskScenarios) SettledTask(agentID, response string) *task.Task {
	ts.t.Helper()
	return NewTaskBuilder().
		WithStatus(task.StatusSettled).
		WithAssignment(agentID).
		WithResult(&task.Result{Success: true, Response: response, AgentID: agentID}).
		Build(ts.t)
}

// BustedTask creates a task whose current attempt failed with backups left.
func (ts *TaskScenarios) BustedTask(winner string, backups ...string) *task.Task {
	ts.t.Helper()
	return NewTaskBuilder().
		WithStatus(task.StatusBusted).
		WithAssignment(winner, backups...).
		Build(ts.t)
}

// NeedsInputTask creates a settled task whose result pauses for a follow-up
// utterance.
func (ts *TaskScenarios) NeedsInputTask(agentID, field, prompt string) *task.Task {
	ts.t.Helper()
	return NewTaskBuilder().
		WithStatus(task.StatusSettled).
		WithAssignment(agentID).
		WithResult(&task.Result{
			Success: true,
			AgentID: agentID,
			NeedsInput: &task.NeedsInput{
				Field:  field,
				Prompt: prompt,
			},
		}).
		Build(ts.t)
}

// SubtaskPair creates a parent task plus a locked child spawned from it.
func (ts *TaskScenarios) SubtaskPair(agentID string) (*task.Task, *task.Task) {
	ts.t.Helper()
	parent := NewTaskBuilder().
		WithStatus(task.StatusExecuting).
		WithAssignment(agentID).
		Build(ts.t)
	child := NewTaskBuilder().
		WithContent("look up the forecast for tomorrow").
		WithParent(parent.ID).
		WithLockedAgent(agentID).
		Build(ts.t)
	return parent, child
}

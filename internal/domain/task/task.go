package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/agent-exchange/internal/domain/errors"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusAuctioning   Status = "auctioning"
	StatusAssigned     Status = "assigned"
	StatusAcked        Status = "acked"
	StatusExecuting    Status = "executing"
	StatusSettled      Status = "settled"
	StatusBusted       Status = "busted"
	StatusCancelled    Status = "cancelled"
	StatusDeadLettered Status = "dead_lettered"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSettled, StatusCancelled, StatusDeadLettered:
		return true
	default:
		return false
	}
}

// IsActive reports whether the task is currently consuming the exchange's
// single-flight slot.
func (s Status) IsActive() bool {
	switch s {
	case StatusAuctioning, StatusAssigned, StatusAcked, StatusExecuting:
		return true
	default:
		return false
	}
}

// validTransitions encodes the task state machine. Busted is a per-attempt
// state: a busted task re-enters assigned when a backup is tried.
var validTransitions = map[Status][]Status{
	StatusQueued:     {StatusAuctioning, StatusCancelled},
	StatusAuctioning: {StatusAssigned, StatusQueued, StatusCancelled, StatusSettled},
	StatusAssigned:   {StatusAcked, StatusBusted, StatusCancelled, StatusSettled},
	StatusAcked:      {StatusExecuting, StatusSettled, StatusBusted, StatusCancelled},
	StatusExecuting:  {StatusSettled, StatusBusted, StatusCancelled},
	StatusBusted:     {StatusAssigned, StatusDeadLettered, StatusCancelled},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RoutingMode controls how a task reaches an agent.
type RoutingMode string

const (
	// RoutingOpen runs the task through the auction.
	RoutingOpen RoutingMode = "open"
	// RoutingLocked assigns the task directly to a named agent.
	RoutingLocked RoutingMode = "locked"
)

// Source identifies where a task came from.
type Source string

const (
	SourceVoice   Source = "voice"
	SourceAPI     Source = "api"
	SourceSubtask Source = "subtask"
)

// Metadata carries routing context attached at submission time. Everything
// here must stay serialisable: snapshots of it cross the agent wire protocol.
type Metadata struct {
	SourceTool     string            `json:"source_tool,omitempty"`
	SpaceID        string            `json:"space_id,omitempty"`
	AgentFilter    []string          `json:"agent_filter,omitempty"`
	RawTranscript  string            `json:"raw_transcript,omitempty"`
	History        string            `json:"history,omitempty"`
	ProfileContext string            `json:"profile_context,omitempty"`
	ScreenContext  string            `json:"screen_context,omitempty"`
	EvaluatorNote  string            `json:"evaluator_note,omitempty"`
	GroundingNote  string            `json:"grounding_note,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	PendingInputs  map[string]string `json:"pending_inputs,omitempty"`
}

// Result is the payload an agent returns on settlement.
type Result struct {
	Success    bool        `json:"success"`
	Response   string      `json:"response,omitempty"`
	Error      string      `json:"error,omitempty"`
	AgentID    string      `json:"agent_id,omitempty"`
	Warning    string      `json:"warning,omitempty"`
	Duration   int64       `json:"duration_ms,omitempty"`
	NeedsInput *NeedsInput `json:"needs_input,omitempty"`
}

// NeedsInput marks a result that pauses the task waiting for the next user
// utterance instead of settling it.
type NeedsInput struct {
	Field   string   `json:"field"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
}

// Task is a single unit of user intent flowing through the exchange.
type Task struct {
	ID       uuid.UUID `json:"id"`
	Content  string    `json:"content"`
	Priority int       `json:"priority"`
	Status   Status    `json:"status"`
	Source   Source    `json:"source"`

	// Routing
	RoutingMode   RoutingMode `json:"routing_mode"`
	LockedAgentID string      `json:"locked_agent_id,omitempty"`
	ParentTaskID  *uuid.UUID  `json:"parent_task_id,omitempty"`

	Metadata Metadata `json:"metadata"`

	// Assignment state
	WinningAgentID string   `json:"winning_agent_id,omitempty"`
	Backups        []string `json:"backups,omitempty"`
	Attempt        int      `json:"attempt"`

	// Phase deadlines, armed by the execution controller.
	AckDeadline  *time.Time `json:"ack_deadline,omitempty"`
	ExecDeadline *time.Time `json:"exec_deadline,omitempty"`

	Result *Result `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a queued open-routing task.
func New(content string, source Source) (*Task, error) {
	if content == "" {
		return nil, errors.ErrEmptyUtterance
	}
	now := time.Now()
	return &Task{
		ID:          uuid.New(),
		Content:     content,
		Priority:    5,
		Status:      StatusQueued,
		Source:      source,
		RoutingMode: RoutingOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// NewSubtask creates a task spawned by an executing agent. A locked subtask
// names the agent it must be assigned to; parentID links the lifecycles.
func NewSubtask(content string, parentID uuid.UUID, mode RoutingMode, lockedAgentID string) (*Task, error) {
	t, err := New(content, SourceSubtask)
	if err != nil {
		return nil, err
	}
	if mode == RoutingLocked && lockedAgentID == "" {
		return nil, errors.NewValidationError("MISSING_LOCKED_AGENT", "locked routing requires an agent id")
	}
	if mode == RoutingOpen && lockedAgentID != "" {
		return nil, errors.NewValidationError("UNEXPECTED_LOCKED_AGENT", "open routing cannot name an agent")
	}
	t.ParentTaskID = &parentID
	t.RoutingMode = mode
	t.LockedAgentID = lockedAgentID
	return t, nil
}

// TransitionTo moves the task to the next status, enforcing the state machine.
func (t *Task) TransitionTo(next Status) error {
	if !t.Status.CanTransition(next) {
		return errors.NewBusinessError("INVALID_TRANSITION",
			"cannot transition task from "+string(t.Status)+" to "+string(next))
	}
	t.Status = next
	t.UpdatedAt = time.Now()
	if next.IsTerminal() {
		now := time.Now()
		t.CompletedAt = &now
	}
	return nil
}

// Assign records the auction outcome on the task.
func (t *Task) Assign(winner string, backups []string) error {
	if err := t.TransitionTo(StatusAssigned); err != nil {
		return err
	}
	t.WinningAgentID = winner
	t.Backups = backups
	t.Attempt++
	return nil
}

// AdvanceBackup pops the next backup and re-assigns the task to it.
func (t *Task) AdvanceBackup() (string, error) {
	if len(t.Backups) == 0 {
		return "", errors.NewBusinessError("NO_BACKUPS", "no backup agents remain")
	}
	next := t.Backups[0]
	t.Backups = t.Backups[1:]
	if err := t.TransitionTo(StatusAssigned); err != nil {
		return "", err
	}
	t.WinningAgentID = next
	t.Attempt++
	return next, nil
}

// Settle records the final result and completes the task.
func (t *Task) Settle(result *Result) error {
	if err := t.TransitionTo(StatusSettled); err != nil {
		return err
	}
	t.Result = result
	return nil
}

// Snapshot is the serialisable view of a task sent to agents in bid_request
// and task_assignment frames. Timer handles and other runtime state never
// appear here.
type Snapshot struct {
	ID           uuid.UUID  `json:"id"`
	Content      string     `json:"content"`
	Priority     int        `json:"priority"`
	Status       Status     `json:"status"`
	Source       Source     `json:"source"`
	ParentTaskID *uuid.UUID `json:"parent_task_id,omitempty"`
	Attempt      int        `json:"attempt"`
	Metadata     Metadata   `json:"metadata"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Snapshot returns the wire view of the task.
func (t *Task) Snapshot() Snapshot {
	return Snapshot{
		ID:           t.ID,
		Content:      t.Content,
		Priority:     t.Priority,
		Status:       t.Status,
		Source:       t.Source,
		ParentTaskID: t.ParentTaskID,
		Attempt:      t.Attempt,
		Metadata:     t.Metadata,
		CreatedAt:    t.CreatedAt,
	}
}

package transport

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/davidleathers/agent-exchange/internal/domain/agent"
	"github.com/davidleathers/agent-exchange/internal/domain/bid"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
)

// MessageType names a protocol frame. The protocol is symmetric for local
// and remote agents; one JSON envelope per websocket frame.
type MessageType string

const (
	TypeRegister       MessageType = "register"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
	TypeBidRequest     MessageType = "bid_request"
	TypeBidResponse    MessageType = "bid_response"
	TypeTaskAssignment MessageType = "task_assignment"
	TypeTaskAck        MessageType = "task_ack"
	TypeTaskHeartbeat  MessageType = "task_heartbeat"
	TypeTaskResult     MessageType = "task_result"
	TypeTaskCancel     MessageType = "task_cancel"
	TypeSubtaskSubmit  MessageType = "subtask_submit"
	TypeSubtaskResult  MessageType = "subtask_result"
)

// Envelope frames every message on the wire.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload struct into a framed message.
func NewEnvelope(t MessageType, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("empty %s payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// RegisterPayload announces an agent to the exchange.
type RegisterPayload = agent.Registration

// PingPayload is the keep-alive probe; Timestamp is unix millis.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// PongPayload answers a ping.
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// BidRequestPayload solicits a sealed bid for a task.
type BidRequestPayload struct {
	AuctionID uuid.UUID     `json:"auction_id"`
	Task      task.Snapshot `json:"task"`
	// DeadlineMs is how long the agent has to respond.
	DeadlineMs int64 `json:"deadline_ms"`
}

// BidResponsePayload carries an agent's bid; a nil Bid is a decline.
type BidResponsePayload struct {
	AuctionID uuid.UUID `json:"auction_id"`
	Bid       *bid.Bid  `json:"bid"`
}

// TaskAssignmentPayload hands a won task to an agent.
type TaskAssignmentPayload struct {
	TaskID uuid.UUID     `json:"task_id"`
	Task   task.Snapshot `json:"task"`
}

// TaskAckPayload confirms an assignment; EstimatedMs may stretch the
// execution deadline beyond its base.
type TaskAckPayload struct {
	TaskID      uuid.UUID `json:"task_id"`
	EstimatedMs int64     `json:"estimated_ms,omitempty"`
}

// TaskHeartbeatPayload keeps a long-running execution alive.
type TaskHeartbeatPayload struct {
	TaskID   uuid.UUID `json:"task_id"`
	Progress string    `json:"progress,omitempty"`
}

// TaskResultPayload finishes (or pauses, via NeedsInput) an execution.
type TaskResultPayload struct {
	TaskID uuid.UUID   `json:"task_id"`
	Result task.Result `json:"result"`
}

// TaskCancelPayload tells an agent to abandon an in-flight execution. Results
// arriving after a cancel are dropped by the exchange regardless.
type TaskCancelPayload struct {
	TaskID uuid.UUID `json:"task_id"`
	Reason string    `json:"reason,omitempty"`
}

// SubtaskSubmitPayload lets an executing agent spawn a child task.
// RequestID correlates the eventual SubtaskResultPayload when Wait is set.
type SubtaskSubmitPayload struct {
	RequestID     string           `json:"request_id"`
	ParentTaskID  uuid.UUID        `json:"parent_task_id"`
	Content       string           `json:"content"`
	RoutingMode   task.RoutingMode `json:"routing_mode"`
	LockedAgentID string           `json:"locked_agent_id,omitempty"`
	Wait          bool             `json:"wait,omitempty"`
}

// SubtaskResultPayload resolves a waited-on subtask back to its spawner.
type SubtaskResultPayload struct {
	RequestID string       `json:"request_id"`
	TaskID    uuid.UUID    `json:"task_id"`
	Result    *task.Result `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
}

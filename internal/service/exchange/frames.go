package exchange

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/agent-exchange/internal/domain/errors"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/transport"
	"github.com/davidleathers/agent-exchange/internal/service/auction"
	"github.com/davidleathers/agent-exchange/internal/service/execution"
	"github.com/davidleathers/agent-exchange/internal/service/subtask"
)

// HandleFrame routes one inbound protocol frame. It runs on the session's
// read goroutine; anything that blocks must move to its own goroutine or the
// agent's heartbeats starve behind it.
func (x *Exchange) HandleFrame(s *transport.Session, env transport.Envelope) {
	if x.metrics != nil {
		x.metrics.FramesInTotal.Add(context.Background(), 1)
	}

	if env.Type == transport.TypeRegister {
		x.handleRegister(s, env)
		return
	}

	agentID := s.AgentID()
	if agentID == "" {
		x.logger.Warn("frame from unregistered session dropped",
			zap.String("conn_id", s.ID()),
			zap.String("type", string(env.Type)))
		return
	}

	switch env.Type {
	case transport.TypeBidResponse:
		var p transport.BidResponsePayload
		if err := env.Decode(&p); err != nil {
			x.logger.Warn("bad bid_response frame", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		x.engine.HandleBidResponse(p.AuctionID, agentID, p.Bid)
		if p.Bid != nil && x.metrics != nil {
			x.metrics.RecordBid(context.Background(), float64(p.Bid.LatencyMs), agentID)
		}

	case transport.TypeTaskAck:
		var p transport.TaskAckPayload
		if err := env.Decode(&p); err != nil {
			x.logger.Warn("bad task_ack frame", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		x.controller.HandleAck(p.TaskID, agentID, p.EstimatedMs)

	case transport.TypeTaskHeartbeat:
		var p transport.TaskHeartbeatPayload
		if err := env.Decode(&p); err != nil {
			x.logger.Warn("bad task_heartbeat frame", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		x.controller.HandleHeartbeat(p.TaskID, agentID, p.Progress)
		x.registry.Touch(agentID)

	case transport.TypeTaskResult:
		var p transport.TaskResultPayload
		if err := env.Decode(&p); err != nil {
			x.logger.Warn("bad task_result frame", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		x.controller.HandleResult(p.TaskID, agentID, &p.Result)

	case transport.TypeSubtaskSubmit:
		var p transport.SubtaskSubmitPayload
		if err := env.Decode(&p); err != nil {
			x.logger.Warn("bad subtask_submit frame", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		// Spawning can block for the whole subtask lifetime.
		go x.handleSubtaskSubmit(s, agentID, p)

	default:
		x.logger.Warn("unhandled frame type",
			zap.String("agent_id", agentID),
			zap.String("type", string(env.Type)))
	}
}

func (x *Exchange) handleRegister(s *transport.Session, env transport.Envelope) {
	var reg transport.RegisterPayload
	if err := env.Decode(&reg); err != nil {
		x.logger.Warn("bad register frame", zap.String("conn_id", s.ID()), zap.Error(err))
		_ = s.Close(true)
		return
	}
	_, stale, err := x.registry.Register(reg, s)
	if err != nil {
		x.logger.Warn("registration rejected",
			zap.String("conn_id", s.ID()),
			zap.String("agent_id", reg.ID),
			zap.Error(err))
		_ = s.Close(true)
		return
	}
	if stale != nil && stale.ID() != s.ID() {
		_ = stale.Close(true)
	}
	if prev := x.listener.Bind(reg.ID, s); prev != nil {
		_ = prev.Close(true)
	}
}

func (x *Exchange) handleSubtaskSubmit(s *transport.Session, agentID string, p transport.SubtaskSubmitPayload) {
	if !p.Wait {
		if _, err := x.subtasks.Spawn(x.execCtx, p.ParentTaskID, p.Content, p.RoutingMode, p.LockedAgentID); err != nil {
			x.logger.Warn("subtask spawn failed",
				zap.String("agent_id", agentID),
				zap.String("parent_task_id", p.ParentTaskID.String()),
				zap.Error(err))
		}
		return
	}

	subID, res, err := x.subtasks.SpawnAndWait(x.execCtx,
		p.ParentTaskID, p.Content, p.RoutingMode, p.LockedAgentID, subtask.DefaultWaitTimeout)
	reply := transport.SubtaskResultPayload{
		RequestID: p.RequestID,
		TaskID:    subID,
		Result:    res,
	}
	if err != nil {
		reply.Error = err.Error()
	}
	env, err := transport.NewEnvelope(transport.TypeSubtaskResult, reply)
	if err != nil {
		x.logger.Warn("encoding subtask_result failed", zap.Error(err))
		return
	}
	if err := s.Send(env); err != nil {
		x.logger.Warn("subtask_result undeliverable",
			zap.String("agent_id", agentID),
			zap.String("task_id", subID.String()),
			zap.Error(err))
		return
	}
	if x.metrics != nil {
		x.metrics.FramesOutTotal.Add(context.Background(), 1)
	}
}

// HandleClose detaches the agent when its session dies. The connection id
// guard in the registry keeps a reconnect that already replaced this session
// from being knocked back offline.
func (x *Exchange) HandleClose(s *transport.Session, err error) {
	if id := s.AgentID(); id != "" {
		x.registry.Disconnect(id, s.ID())
	}
}

// agentLink is the outbound half of the wire protocol: it carries bid
// requests, assignments, and cancels from the auction engine and execution
// controller to connected agents.
type agentLink struct {
	x *Exchange
}

var _ auction.BidRequester = (*agentLink)(nil)
var _ execution.Assigner = (*agentLink)(nil)

func (l *agentLink) RequestBid(agentID string, auctionID uuid.UUID, snap task.Snapshot, deadline time.Duration) error {
	return l.send(agentID, transport.TypeBidRequest, transport.BidRequestPayload{
		AuctionID:  auctionID,
		Task:       snap,
		DeadlineMs: deadline.Milliseconds(),
	})
}

func (l *agentLink) AssignTask(agentID string, snap task.Snapshot) error {
	return l.send(agentID, transport.TypeTaskAssignment, transport.TaskAssignmentPayload{
		TaskID: snap.ID,
		Task:   snap,
	})
}

func (l *agentLink) CancelTask(agentID string, taskID uuid.UUID, reason string) error {
	return l.send(agentID, transport.TypeTaskCancel, transport.TaskCancelPayload{
		TaskID: taskID,
		Reason: reason,
	})
}

func (l *agentLink) send(agentID string, t transport.MessageType, payload interface{}) error {
	rec, ok := l.x.registry.ByID(agentID)
	if !ok || !rec.Connected() {
		return errors.ErrAgentUnavailable
	}
	env, err := transport.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	if err := rec.Conn().Send(env); err != nil {
		return err
	}
	if l.x.metrics != nil {
		l.x.metrics.FramesOutTotal.Add(context.Background(), 1)
	}
	return nil
}

package subtask

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/agent-exchange/internal/domain/errors"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/events"
)

// DefaultWaitTimeout bounds SpawnAndWait when the caller gives no budget.
const DefaultWaitTimeout = 60 * time.Second

type waitOutcome struct {
	result *task.Result
	err    error
}

type service struct {
	dispatcher Dispatcher
	store      Store
	logger     *zap.Logger

	mu       sync.Mutex
	children map[uuid.UUID]map[uuid.UUID]struct{}
	parents  map[uuid.UUID]uuid.UUID
	waiters  map[uuid.UUID]chan waitOutcome

	unsubscribe func()
}

// NewService wires the subtask registry to the bus so child settlements
// resolve waiters and parent settlements sever links.
func NewService(dispatcher Dispatcher, store Store, bus *events.Bus, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &service{
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
		children:   make(map[uuid.UUID]map[uuid.UUID]struct{}),
		parents:    make(map[uuid.UUID]uuid.UUID),
		waiters:    make(map[uuid.UUID]chan waitOutcome),
	}
	s.unsubscribe = bus.SubscribeFunc(s.onTaskEvent,
		events.TaskSettled, events.TaskCancelled, events.TaskDeadLetter)
	return s
}

func (s *service) Spawn(ctx context.Context, parentID uuid.UUID, content string, mode task.RoutingMode, lockedAgentID string) (*task.Task, error) {
	sub, err := s.build(parentID, content, mode, lockedAgentID)
	if err != nil {
		return nil, err
	}
	if err := s.dispatch(ctx, sub, mode, lockedAgentID); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *service) SpawnAndWait(ctx context.Context, parentID uuid.UUID, content string, mode task.RoutingMode, lockedAgentID string, timeout time.Duration) (uuid.UUID, *task.Result, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	sub, err := s.build(parentID, content, mode, lockedAgentID)
	if err != nil {
		return uuid.Nil, nil, err
	}

	// Register the waiter before dispatch: a locked subtask can settle
	// before Dispatch returns.
	ch := make(chan waitOutcome, 1)
	s.mu.Lock()
	s.waiters[sub.ID] = ch
	s.mu.Unlock()

	if err := s.dispatch(ctx, sub, mode, lockedAgentID); err != nil {
		s.mu.Lock()
		delete(s.waiters, sub.ID)
		s.mu.Unlock()
		return uuid.Nil, nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		return sub.ID, out.result, out.err
	case <-timer.C:
		s.dropWaiter(sub.ID)
		return sub.ID, nil, errors.NewBusinessError("SUBTASK_WAIT_TIMEOUT",
			"subtask did not settle within the wait budget")
	case <-ctx.Done():
		s.dropWaiter(sub.ID)
		return sub.ID, nil, ctx.Err()
	}
}

func (s *service) Children(parentID uuid.UUID) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	kids := s.children[parentID]
	out := make([]uuid.UUID, 0, len(kids))
	for id := range kids {
		out = append(out, id)
	}
	return out
}

func (s *service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// build validates the parent, creates the subtask, and records the link.
func (s *service) build(parentID uuid.UUID, content string, mode task.RoutingMode, lockedAgentID string) (*task.Task, error) {
	parent, ok := s.store.Get(parentID)
	if !ok {
		return nil, errors.ErrTaskNotFound
	}
	if parent.Status.IsTerminal() {
		return nil, errors.NewBusinessError("PARENT_FINISHED",
			"cannot spawn a subtask of a finished task")
	}
	sub, err := task.NewSubtask(content, parentID, mode, lockedAgentID)
	if err != nil {
		return nil, err
	}
	sub.Metadata.SpaceID = parent.Metadata.SpaceID

	s.mu.Lock()
	if s.children[parentID] == nil {
		s.children[parentID] = make(map[uuid.UUID]struct{})
	}
	s.children[parentID][sub.ID] = struct{}{}
	s.parents[sub.ID] = parentID
	s.mu.Unlock()
	return sub, nil
}

func (s *service) dispatch(ctx context.Context, sub *task.Task, mode task.RoutingMode, lockedAgentID string) error {
	var err error
	if mode == task.RoutingLocked {
		err = s.dispatcher.DispatchLocked(ctx, sub, lockedAgentID)
	} else {
		err = s.dispatcher.Dispatch(ctx, sub)
	}
	if err != nil {
		s.unlink(sub.ID)
		return err
	}
	s.logger.Info("subtask spawned",
		zap.String("task_id", sub.ID.String()),
		zap.String("parent_id", sub.ParentTaskID.String()),
		zap.String("mode", string(mode)),
		zap.String("locked_agent", lockedAgentID))
	return nil
}

func (s *service) unlink(childID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlinkLocked(childID)
}

func (s *service) unlinkLocked(childID uuid.UUID) {
	parentID, ok := s.parents[childID]
	if !ok {
		return
	}
	delete(s.parents, childID)
	if kids, ok := s.children[parentID]; ok {
		delete(kids, childID)
		if len(kids) == 0 {
			delete(s.children, parentID)
		}
	}
}

func (s *service) dropWaiter(childID uuid.UUID) {
	s.mu.Lock()
	delete(s.waiters, childID)
	s.mu.Unlock()
}

// onTaskEvent resolves child waiters and severs links on terminal events.
func (s *service) onTaskEvent(ev events.Event) {
	s.mu.Lock()
	var waiter chan waitOutcome
	if _, isChild := s.parents[ev.TaskID]; isChild {
		s.unlinkLocked(ev.TaskID)
		waiter = s.waiters[ev.TaskID]
		delete(s.waiters, ev.TaskID)
	}
	if kids, isParent := s.children[ev.TaskID]; isParent {
		for kid := range kids {
			delete(s.parents, kid)
		}
		delete(s.children, ev.TaskID)
		s.logger.Debug("parent finished, subtask links severed",
			zap.String("task_id", ev.TaskID.String()),
			zap.Int("children", len(kids)))
	}
	s.mu.Unlock()

	if waiter != nil {
		waiter <- s.outcomeOf(ev)
	}
}

func (s *service) outcomeOf(ev events.Event) waitOutcome {
	switch ev.Type {
	case events.TaskSettled:
		if t, ok := s.store.Get(ev.TaskID); ok && t.Result != nil {
			return waitOutcome{result: t.Result}
		}
		return waitOutcome{result: &task.Result{Success: true, AgentID: ev.AgentID}}
	case events.TaskCancelled:
		return waitOutcome{err: errors.ErrTaskCancelled}
	default:
		return waitOutcome{err: errors.NewBusinessError("SUBTASK_DEAD_LETTER",
			"subtask exhausted all agents")}
	}
}

package submission

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/agent-exchange/internal/domain/errors"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/config"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/events"
	"github.com/davidleathers/agent-exchange/internal/service/routing"
)

// Spoken lines for pipeline-terminal paths.
const (
	lineDidNotCatch   = "Sorry, I didn't catch that."
	lineStillWorking  = "I'm still working on the last request."
	lineNothingToStop = "There's nothing in flight to cancel."
	lineNothingSaid   = "I haven't said anything yet."
	lineNothingToUndo = "There's nothing recent to undo."
	lineUndoFailed    = "Sorry, I couldn't reach the agent to undo that."
	lineCancelling    = "Okay, cancelling that."
)

// Deps collects the pipeline's collaborators.
type Deps struct {
	Planner      Planner
	Dispatcher   Dispatcher
	Conversation Conversation
	Pending      Pending
	Canceller    Canceller
	Candidates   Candidates
	Judge        Judge
	Speaker      Speaker
	Bus          *events.Bus
}

type service struct {
	planner    Planner
	dispatcher Dispatcher
	conv       Conversation
	pending    Pending
	canceller  Canceller
	candidates Candidates
	judge      Judge
	speaker    Speaker
	bus        *events.Bus
	cfg        config.PipelineConfig
	logger     *zap.Logger

	dedup *dedupWindow
	lock  *processingLock

	mu          sync.Mutex
	lastAgentID string

	unsubscribe func()
}

// NewService wires the submission pipeline. It subscribes to terminal task
// events so the processing lock follows task lifecycles; Close detaches it.
func NewService(deps Deps, cfg config.PipelineConfig, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &service{
		planner:    deps.Planner,
		dispatcher: deps.Dispatcher,
		conv:       deps.Conversation,
		pending:    deps.Pending,
		canceller:  deps.Canceller,
		candidates: deps.Candidates,
		judge:      deps.Judge,
		speaker:    deps.Speaker,
		bus:        deps.Bus,
		cfg:        cfg,
		logger:     logger,
		dedup:      newDedupWindow(time.Duration(cfg.DedupWindowMs) * time.Millisecond),
		lock:       newProcessingLock(time.Duration(cfg.ProcessingLockSafetyMs) * time.Millisecond),
	}
	s.unsubscribe = deps.Bus.SubscribeFunc(s.onTaskEvent,
		events.TaskSettled, events.TaskCancelled, events.TaskDeadLetter,
		events.ExchangeHalt)
	return s
}

func (s *service) Submit(ctx context.Context, text string, opts Options) (*Result, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.NewValidationError("EMPTY_SUBMISSION", "submission text is empty")
	}

	if s.dedup.Observe(trimmed) {
		s.logger.Debug("duplicate submission swallowed")
		return &Result{Outcome: OutcomeDuplicate}, nil
	}

	// An answer to a pending question resumes the task that already holds
	// the lock, so it routes ahead of the lock gate.
	if res := s.routePendingInput(trimmed, opts); res != nil {
		return res, nil
	}

	token, reclaimed, ok := s.lock.Acquire()
	if !ok {
		// Critical commands must keep working precisely when something is
		// running.
		if res := s.interceptCritical(ctx, trimmed, 0, true); res != nil {
			s.conv.AppendUserTurn(trimmed)
			return res, nil
		}
		held, _ := s.lock.HeldFor()
		s.logger.Info("submission rejected while busy",
			zap.Duration("lock_held", held))
		return &Result{Outcome: OutcomeBusy, Spoken: lineStillWorking}, nil
	}
	if reclaimed {
		s.logger.Warn("processing lock reclaimed from stale holder")
	}
	// Short-circuits below give the lock back; queued tasks keep it held
	// until their terminal event.
	defer s.lock.Release(token)

	s.conv.AppendUserTurn(trimmed)

	if res := s.interceptCritical(ctx, trimmed, token, false); res != nil {
		return res, nil
	}

	if !opts.SkipFilter && !s.passesFilter(ctx, trimmed) {
		s.logger.Info("transcript rejected by quality filter")
		s.speaker.Say(lineDidNotCatch)
		return &Result{Outcome: OutcomeRejected, Spoken: lineDidNotCatch}, nil
	}

	plan := s.planner.Plan(ctx, trimmed, s.conv.RecentHistory(), s.candidateField(opts))

	if plan.Clarify != "" {
		s.speaker.Say(plan.Clarify)
		return &Result{Outcome: OutcomeClarify, Spoken: plan.Clarify}, nil
	}

	if plan.CachedAgentID != "" {
		return s.dispatchCached(ctx, plan, opts, token)
	}

	texts := plan.Parts
	if len(texts) == 0 {
		texts = []string{plan.Utterance}
	}
	tasks := make([]*task.Task, 0, len(texts))
	ids := make([]uuid.UUID, 0, len(texts))
	for _, part := range texts {
		t, err := s.buildTask(part, plan, opts)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
		ids = append(ids, t.ID)
	}

	// Bind before dispatch: a task can settle before Dispatch returns.
	s.lock.Bind(token, ids...)

	if len(tasks) > 1 {
		s.bus.Publish(events.Event{
			Type:   events.TaskDecomposed,
			TaskID: ids[0],
			Fields: map[string]interface{}{"parts": len(ids)},
		})
		s.logger.Info("utterance decomposed", zap.Int("parts", len(ids)))
	}

	for i, t := range tasks {
		if err := s.dispatcher.Dispatch(ctx, t); err != nil {
			for _, rest := range ids[i:] {
				s.lock.Complete(rest)
			}
			if i == 0 {
				return nil, err
			}
			s.logger.Error("dispatch failed mid-decomposition",
				zap.Int("queued", i), zap.Error(err))
			return &Result{Outcome: OutcomeQueued, TaskIDs: ids[:i]}, nil
		}
	}
	return &Result{Outcome: OutcomeQueued, TaskIDs: ids}, nil
}

func (s *service) LockHeld() bool {
	return s.lock.Held()
}

func (s *service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// onTaskEvent follows task lifecycles: terminal events and halts release the
// lock, and settlements remember the last agent for undo routing. A halted
// task stays queued, but nothing will retry it, so the user must be able to
// rephrase immediately.
func (s *service) onTaskEvent(ev events.Event) {
	if ev.Type == events.TaskSettled && ev.AgentID != "" {
		s.mu.Lock()
		s.lastAgentID = ev.AgentID
		s.mu.Unlock()
	}
	if s.lock.Complete(ev.TaskID) {
		s.logger.Debug("processing lock released",
			zap.String("task_id", ev.TaskID.String()),
			zap.String("event", string(ev.Type)))
	}
}

// routePendingInput hands the utterance to a paused task's continuation when
// exactly one question is outstanding, or when the caller named an agent
// that has one.
func (s *service) routePendingInput(text string, opts Options) *Result {
	contexts := s.pending.PendingInputs()
	if len(contexts) == 0 {
		return nil
	}
	target := ""
	switch {
	case opts.TargetAgentID != "":
		for _, pc := range contexts {
			if pc.AgentID == opts.TargetAgentID {
				target = pc.AgentID
				break
			}
		}
	case len(contexts) == 1:
		target = contexts[0].AgentID
	}
	if target == "" {
		return nil
	}
	if err := s.pending.ContinueWithInput(target, text); err != nil {
		s.logger.Warn("pending-input continuation failed",
			zap.String("agent_id", target), zap.Error(err))
		return nil
	}
	s.conv.AppendUserTurn(text)
	s.logger.Info("utterance routed to pending input",
		zap.String("agent_id", target))
	return &Result{Outcome: OutcomeContinuation, AgentID: target}
}

func (s *service) interceptCritical(ctx context.Context, text string, token uint64, busy bool) *Result {
	switch criticalCommand(text) {
	case actionCancel:
		ids := s.lock.Bound()
		if len(ids) == 0 {
			s.speaker.Say(lineNothingToStop)
			return &Result{Outcome: OutcomeCritical, Spoken: lineNothingToStop}
		}
		cancelled := 0
		for _, id := range ids {
			if err := s.canceller.CancelTask(id); err != nil {
				s.logger.Warn("critical cancel failed",
					zap.String("task_id", id.String()), zap.Error(err))
				continue
			}
			cancelled++
		}
		s.logger.Info("critical cancel intercepted", zap.Int("tasks", cancelled))
		s.speaker.Say(lineCancelling)
		return &Result{Outcome: OutcomeCritical, Spoken: lineCancelling}

	case actionRepeat:
		last, ok := s.conv.LastAssistantTurn()
		if !ok {
			last = lineNothingSaid
		}
		s.speaker.Say(last)
		return &Result{Outcome: OutcomeCritical, Spoken: last}

	case actionUndo:
		if busy {
			s.speaker.Say(lineStillWorking)
			return &Result{Outcome: OutcomeCritical, Spoken: lineStillWorking}
		}
		return s.routeUndo(ctx, text, token)
	}
	return nil
}

// routeUndo sends the command to the agent whose work is being taken back,
// locked so no auction can reroute it.
func (s *service) routeUndo(ctx context.Context, text string, token uint64) *Result {
	s.mu.Lock()
	agentID := s.lastAgentID
	s.mu.Unlock()
	if agentID == "" {
		s.speaker.Say(lineNothingToUndo)
		return &Result{Outcome: OutcomeCritical, Spoken: lineNothingToUndo}
	}

	t, err := task.New(text, task.SourceVoice)
	if err != nil {
		s.speaker.Say(lineNothingToUndo)
		return &Result{Outcome: OutcomeCritical, Spoken: lineNothingToUndo}
	}
	t.RoutingMode = task.RoutingLocked
	t.LockedAgentID = agentID
	t.Metadata.History = s.conv.RecentHistory()

	s.lock.Bind(token, t.ID)
	if err := s.dispatcher.DispatchLocked(ctx, t, agentID); err != nil {
		s.lock.Complete(t.ID)
		s.logger.Error("undo dispatch failed",
			zap.String("agent_id", agentID), zap.Error(err))
		s.speaker.Say(lineUndoFailed)
		return &Result{Outcome: OutcomeCritical, Spoken: lineUndoFailed}
	}
	s.logger.Info("undo routed to last agent", zap.String("agent_id", agentID))
	return &Result{
		Outcome: OutcomeCritical,
		TaskIDs: []uuid.UUID{t.ID},
		AgentID: agentID,
	}
}

func (s *service) dispatchCached(ctx context.Context, plan routing.Plan, opts Options, token uint64) (*Result, error) {
	t, err := s.buildTask(plan.Utterance, plan, opts)
	if err != nil {
		return nil, err
	}
	t.RoutingMode = task.RoutingLocked
	t.LockedAgentID = plan.CachedAgentID

	s.lock.Bind(token, t.ID)
	if err := s.dispatcher.DispatchLocked(ctx, t, plan.CachedAgentID); err != nil {
		s.lock.Complete(t.ID)
		return nil, err
	}
	s.logger.Info("cached route dispatched",
		zap.String("task_id", t.ID.String()),
		zap.String("agent_id", plan.CachedAgentID))
	return &Result{
		Outcome: OutcomeQueued,
		TaskIDs: []uuid.UUID{t.ID},
		AgentID: plan.CachedAgentID,
	}, nil
}

func (s *service) passesFilter(ctx context.Context, text string) bool {
	switch screenTranscript(text) {
	case verdictReject:
		return false
	case verdictAccept:
		return true
	}
	fctx, cancel := context.WithTimeout(ctx,
		time.Duration(s.cfg.FilterTimeoutMs)*time.Millisecond)
	defer cancel()
	ok, err := s.judge.JudgeTranscript(fctx, text, s.conv.RecentHistory())
	if err != nil {
		// Fail open: the filter is advisory.
		s.logger.Debug("quality judgement unavailable", zap.Error(err))
		return true
	}
	return ok
}

func (s *service) candidateField(opts Options) []routing.AgentInfo {
	infos := s.candidates.CandidateInfos()
	if len(opts.AgentFilter) == 0 {
		return infos
	}
	allowed := make(map[string]struct{}, len(opts.AgentFilter))
	for _, id := range opts.AgentFilter {
		allowed[id] = struct{}{}
	}
	filtered := make([]routing.AgentInfo, 0, len(infos))
	for _, info := range infos {
		if _, ok := allowed[info.ID]; ok {
			filtered = append(filtered, info)
		}
	}
	return filtered
}

func (s *service) buildTask(content string, plan routing.Plan, opts Options) (*task.Task, error) {
	source := opts.Source
	if source == "" {
		source = task.SourceVoice
	}
	t, err := task.New(content, source)
	if err != nil {
		return nil, err
	}
	filter := plan.Candidates
	if len(filter) == 0 {
		filter = opts.AgentFilter
	}
	t.Metadata = task.Metadata{
		SourceTool:     opts.ToolID,
		SpaceID:        opts.SpaceID,
		AgentFilter:    filter,
		RawTranscript:  plan.RawTranscript,
		History:        s.conv.RecentHistory(),
		ProfileContext: opts.ProfileContext,
		ScreenContext:  opts.ScreenContext,
	}
	return t, nil
}

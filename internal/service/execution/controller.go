package execution

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/agent-exchange/internal/domain/errors"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/config"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/events"
)

// ackPhrases are the deferred spoken acknowledgements; one is picked at
// random per task.
var ackPhrases = []string{
	"Working on it.",
	"On it.",
	"Give me a moment.",
}

type attemptOutcome int

const (
	outcomeSettled attemptOutcome = iota
	outcomeBusted
	outcomeCancelled
)

type attemptResult struct {
	outcome attemptOutcome
	result  *task.Result
	reason  string
	locked  bool
	started time.Time
}

// attempt is the live state of one assignment round. Frames are routed in by
// task id and validated against the attempt's agent; channels are buffered so
// the frame router never blocks on a slow attempt loop.
type attempt struct {
	taskID  uuid.UUID
	agentID string

	acked   chan int64
	beats   chan string
	results chan *task.Result
	input   chan string

	cancelOnce sync.Once
	cancelled  chan struct{}
}

func newAttempt(taskID uuid.UUID, agentID string) *attempt {
	return &attempt{
		taskID:    taskID,
		agentID:   agentID,
		acked:     make(chan int64, 1),
		beats:     make(chan string, 8),
		results:   make(chan *task.Result, 2),
		input:     make(chan string, 1),
		cancelled: make(chan struct{}),
	}
}

func (a *attempt) cancel() {
	a.cancelOnce.Do(func() { close(a.cancelled) })
}

type controller struct {
	assigner   Assigner
	store      Store
	registry   Registry
	reputation Reputation
	speaker    Speaker
	bus        *events.Bus
	cfg        config.AuctionConfig
	pendingTTL time.Duration
	logger     *zap.Logger

	mu        sync.Mutex
	active    map[uuid.UUID]*attempt
	pending   map[string]*PendingInput
	cancelled map[uuid.UUID]time.Time
}

// NewController creates the execution controller. pendingTTL bounds how long
// a needsInput pause may wait for the user before the task is cancelled.
func NewController(
	assigner Assigner,
	store Store,
	registry Registry,
	reputation Reputation,
	speaker Speaker,
	bus *events.Bus,
	cfg config.AuctionConfig,
	pendingTTL time.Duration,
	logger *zap.Logger,
) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &controller{
		assigner:   assigner,
		store:      store,
		registry:   registry,
		reputation: reputation,
		speaker:    speaker,
		bus:        bus,
		cfg:        cfg,
		pendingTTL: pendingTTL,
		logger:     logger,
		active:     make(map[uuid.UUID]*attempt),
		pending:    make(map[string]*PendingInput),
		cancelled:  make(map[uuid.UUID]time.Time),
	}
}

func (c *controller) Execute(ctx context.Context, taskID uuid.UUID, winner string, backups []string) (*task.Result, error) {
	attemptNo, remaining, err := c.assign(taskID, func(t *task.Task) error {
		return t.Assign(winner, backups)
	})
	if err != nil {
		return nil, err
	}
	c.publishAssigned(taskID, winner, remaining, attemptNo)

	// Deferred acknowledgement. The timer handle lives here, never on the
	// task record, so snapshots stay serialisable.
	spokenAck := time.AfterFunc(c.dur(c.cfg.SpokenAckDelayMs), func() {
		c.speaker.Say(taskID, ackPhrases[rand.Intn(len(ackPhrases))])
	})
	defer spokenAck.Stop()

	agentID := winner
	for {
		res := c.runAttempt(ctx, taskID, agentID)
		switch res.outcome {
		case outcomeSettled:
			spokenAck.Stop()
			if err := c.store.Update(taskID, func(t *task.Task) error {
				return t.Settle(res.result)
			}); err != nil {
				return nil, err
			}
			c.reputation.RecordSuccess(agentID, time.Since(res.started))
			c.registry.RecordOutcome(agentID, true)
			if res.locked {
				c.bus.Publish(events.Event{Type: events.TaskUnlocked, TaskID: taskID})
			}
			c.bus.Publish(events.Event{
				Type:    events.TaskSettled,
				TaskID:  taskID,
				AgentID: agentID,
				Fields:  map[string]interface{}{"attempt": attemptNo, "warning": res.result.Warning},
			})
			c.logger.Info("task settled",
				zap.String("task_id", taskID.String()),
				zap.String("agent_id", agentID),
				zap.Int("attempt", attemptNo),
			)
			return res.result, nil

		case outcomeCancelled:
			spokenAck.Stop()
			_ = c.store.Update(taskID, func(t *task.Task) error {
				if t.Status.IsTerminal() {
					return nil
				}
				return t.TransitionTo(task.StatusCancelled)
			})
			if err := c.assigner.CancelTask(agentID, taskID, res.reason); err != nil {
				c.logger.Debug("cancel frame undeliverable",
					zap.String("agent_id", agentID), zap.Error(err))
			}
			if res.locked {
				c.bus.Publish(events.Event{Type: events.TaskUnlocked, TaskID: taskID})
			}
			c.bus.Publish(events.Event{
				Type:    events.TaskCancelled,
				TaskID:  taskID,
				AgentID: agentID,
				Fields:  map[string]interface{}{"reason": res.reason},
			})
			c.logger.Info("task cancelled",
				zap.String("task_id", taskID.String()),
				zap.String("reason", res.reason),
			)
			return nil, errors.ErrTaskCancelled

		case outcomeBusted:
			c.reputation.RecordFailure(agentID, time.Since(res.started))
			c.registry.RecordOutcome(agentID, false)
			if res.locked {
				c.bus.Publish(events.Event{Type: events.TaskUnlocked, TaskID: taskID})
			}

			var left []string
			_ = c.store.Update(taskID, func(t *task.Task) error {
				left = append([]string(nil), t.Backups...)
				return t.TransitionTo(task.StatusBusted)
			})
			c.bus.Publish(events.Event{
				Type:    events.TaskBusted,
				TaskID:  taskID,
				AgentID: agentID,
				Fields:  map[string]interface{}{"reason": res.reason, "remaining_backups": left},
			})
			c.logger.Warn("attempt busted",
				zap.String("task_id", taskID.String()),
				zap.String("agent_id", agentID),
				zap.String("reason", res.reason),
				zap.Strings("remaining_backups", left),
			)

			var next string
			attemptNo, remaining, err = c.assign(taskID, func(t *task.Task) error {
				n, err := t.AdvanceBackup()
				next = n
				return err
			})
			if err == nil {
				agentID = next
				c.publishAssigned(taskID, next, remaining, attemptNo)
				continue
			}

			// Backups exhausted.
			spokenAck.Stop()
			return c.deadLetter(ctx, taskID, res.reason), nil
		}
	}
}

// assign applies an assignment mutation and captures the resulting attempt
// number and backup list for event publication.
func (c *controller) assign(taskID uuid.UUID, fn func(*task.Task) error) (int, []string, error) {
	var (
		attemptNo int
		remaining []string
	)
	err := c.store.Update(taskID, func(t *task.Task) error {
		if err := fn(t); err != nil {
			return err
		}
		attemptNo = t.Attempt
		remaining = append([]string(nil), t.Backups...)
		return nil
	})
	return attemptNo, remaining, err
}

func (c *controller) publishAssigned(taskID uuid.UUID, agentID string, backups []string, attemptNo int) {
	c.bus.Publish(events.Event{
		Type:    events.TaskAssigned,
		TaskID:  taskID,
		AgentID: agentID,
		Fields:  map[string]interface{}{"attempt": attemptNo, "backups": backups},
	})
	c.logger.Info("task assigned",
		zap.String("task_id", taskID.String()),
		zap.String("agent_id", agentID),
		zap.Int("attempt", attemptNo),
		zap.Strings("backups", backups),
	)
}

// runAttempt drives a single assignment round: send the frame, then collect
// acks, heartbeats and the result against the phase deadlines.
func (c *controller) runAttempt(ctx context.Context, taskID uuid.UUID, agentID string) attemptResult {
	res := attemptResult{started: time.Now()}

	c.mu.Lock()
	if _, gone := c.cancelled[taskID]; gone {
		c.mu.Unlock()
		res.outcome = outcomeCancelled
		res.reason = "cancelled before assignment"
		return res
	}
	st := newAttempt(taskID, agentID)
	c.active[taskID] = st
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.active[taskID] == st {
			delete(c.active, taskID)
		}
		if p, ok := c.pending[agentID]; ok && p.TaskID == taskID {
			delete(c.pending, agentID)
		}
		c.mu.Unlock()
	}()

	c.registry.AdjustInFlight(agentID, 1)
	defer c.registry.AdjustInFlight(agentID, -1)

	t, ok := c.store.Get(taskID)
	if !ok {
		res.outcome = outcomeBusted
		res.reason = "task record missing"
		return res
	}
	if err := c.assigner.AssignTask(agentID, t.Snapshot()); err != nil {
		res.outcome = outcomeBusted
		res.reason = "assignment undeliverable: " + err.Error()
		return res
	}

	ackTimeout := c.dur(c.cfg.AckTimeoutMs)
	deadline := time.NewTimer(ackTimeout)
	defer deadline.Stop()
	_ = c.store.Update(taskID, func(t *task.Task) error {
		at := time.Now().Add(ackTimeout)
		t.AckDeadline = &at
		return nil
	})

	var (
		acked        bool
		retried      bool
		firstResult  *task.Result
		firstIssue   string
		pendingTimer *time.Timer
		pendingC     <-chan time.Time
		paused       bool
	)
	defer func() {
		if pendingTimer != nil {
			pendingTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			res.outcome = outcomeCancelled
			res.reason = "exchange shutting down"
			return res

		case <-st.cancelled:
			res.outcome = outcomeCancelled
			res.reason = "cancelled by user"
			return res

		case est := <-st.acked:
			if acked || paused {
				continue
			}
			acked = true
			execMs := int64(c.cfg.ExecutionTimeoutMs)
			if est > execMs {
				execMs = est
			}
			execAt := time.Now().Add(time.Duration(execMs) * time.Millisecond)
			resetTimer(deadline, time.Until(execAt))
			_ = c.store.Update(taskID, func(t *task.Task) error {
				t.AckDeadline = nil
				t.ExecDeadline = &execAt
				if t.Status == task.StatusAssigned {
					return t.TransitionTo(task.StatusAcked)
				}
				return nil
			})

		case beat := <-st.beats:
			acked = true
			if !res.locked {
				res.locked = true
				_ = c.store.Update(taskID, func(t *task.Task) error {
					if t.Status == task.StatusAssigned {
						if err := t.TransitionTo(task.StatusAcked); err != nil {
							return err
						}
					}
					if t.Status == task.StatusAcked {
						return t.TransitionTo(task.StatusExecuting)
					}
					return nil
				})
				c.bus.Publish(events.Event{Type: events.TaskExecuting, TaskID: taskID, AgentID: agentID})
				c.bus.Publish(events.Event{Type: events.TaskLocked, TaskID: taskID, AgentID: agentID})
			}
			if !paused {
				extAt := time.Now().Add(c.dur(c.cfg.HeartbeatExtensionMs))
				resetTimer(deadline, time.Until(extAt))
				_ = c.store.Update(taskID, func(t *task.Task) error {
					t.ExecDeadline = &extAt
					return nil
				})
			}
			c.bus.Publish(events.Event{
				Type:    events.TaskHeartbeat,
				TaskID:  taskID,
				AgentID: agentID,
				Fields:  map[string]interface{}{"progress": beat},
			})

		case r := <-st.results:
			if r == nil {
				continue
			}
			if r.NeedsInput != nil {
				field := r.NeedsInput.Field
				if field == "" {
					field = "input"
				}
				c.mu.Lock()
				c.pending[agentID] = &PendingInput{
					AgentID: agentID,
					TaskID:  taskID,
					Field:   field,
					Prompt:  r.NeedsInput.Prompt,
					ArmedAt: time.Now(),
				}
				c.mu.Unlock()

				// Pause the deadline while the user answers. The lock is
				// not released.
				stopTimer(deadline)
				paused = true
				if pendingTimer == nil {
					pendingTimer = time.NewTimer(c.pendingTTL)
				} else {
					resetTimer(pendingTimer, c.pendingTTL)
				}
				pendingC = pendingTimer.C

				c.bus.Publish(events.Event{
					Type:    events.TaskNeedsInput,
					TaskID:  taskID,
					AgentID: agentID,
					Fields:  map[string]interface{}{"field": field, "prompt": r.NeedsInput.Prompt},
				})
				c.speaker.Say(taskID, r.NeedsInput.Prompt)
				c.logger.Info("task awaiting user input",
					zap.String("task_id", taskID.String()),
					zap.String("agent_id", agentID),
					zap.String("field", field),
				)
				continue
			}
			if !r.Success {
				reason := r.Error
				if reason == "" {
					reason = "agent reported failure"
				}
				res.outcome = outcomeBusted
				res.result = r
				res.reason = reason
				return res
			}
			if issue := sanityIssue(r.Response, time.Now()); issue != "" {
				if retried {
					// Second failure: surface the first answer, flagged,
					// instead of looping.
					firstResult.Warning = firstIssue
					res.outcome = outcomeSettled
					res.result = firstResult
					return res
				}
				retried = true
				firstResult = r
				firstIssue = issue
				c.logger.Warn("result failed sanity check, re-invoking with grounding note",
					zap.String("task_id", taskID.String()),
					zap.String("agent_id", agentID),
					zap.String("issue", issue),
				)
				_ = c.store.Update(taskID, func(t *task.Task) error {
					t.Metadata.GroundingNote = groundingNote(time.Now())
					return nil
				})
				t, ok := c.store.Get(taskID)
				if !ok {
					res.outcome = outcomeBusted
					res.reason = "task record missing"
					return res
				}
				if err := c.assigner.AssignTask(agentID, t.Snapshot()); err != nil {
					firstResult.Warning = firstIssue
					res.outcome = outcomeSettled
					res.result = firstResult
					return res
				}
				acked = false
				resetTimer(deadline, ackTimeout)
				continue
			}
			res.outcome = outcomeSettled
			res.result = r
			return res

		case <-st.input:
			// Continuation: the answer is already in task metadata, so
			// re-send the assignment and restart the protocol round.
			pendingC = nil
			paused = false
			if pendingTimer != nil {
				stopTimer(pendingTimer)
			}
			t, ok := c.store.Get(taskID)
			if !ok {
				res.outcome = outcomeBusted
				res.reason = "task record missing"
				return res
			}
			if err := c.assigner.AssignTask(agentID, t.Snapshot()); err != nil {
				res.outcome = outcomeBusted
				res.reason = "continuation undeliverable: " + err.Error()
				return res
			}
			acked = false
			resetTimer(deadline, ackTimeout)
			c.logger.Info("pending input resolved, resuming attempt",
				zap.String("task_id", taskID.String()),
				zap.String("agent_id", agentID),
			)

		case <-pendingC:
			res.outcome = outcomeCancelled
			res.reason = "pending input expired"
			return res

		case <-deadline.C:
			if paused {
				continue
			}
			if retried && firstResult != nil {
				firstResult.Warning = firstIssue
				res.outcome = outcomeSettled
				res.result = firstResult
				return res
			}
			res.outcome = outcomeBusted
			if acked {
				res.reason = "execution deadline exceeded"
			} else {
				res.reason = "ack deadline exceeded"
			}
			return res
		}
	}
}

// deadLetter finalises a task whose every candidate busted and hands it to
// the error agent for a spoken explanation.
func (c *controller) deadLetter(ctx context.Context, taskID uuid.UUID, lastErr string) *task.Result {
	_ = c.store.Update(taskID, func(t *task.Task) error {
		t.Metadata.LastError = lastErr
		return t.TransitionTo(task.StatusDeadLettered)
	})
	c.bus.Publish(events.Event{
		Type:   events.TaskDeadLetter,
		TaskID: taskID,
		Fields: map[string]interface{}{"reason": lastErr},
	})
	c.logger.Error("task dead-lettered",
		zap.String("task_id", taskID.String()),
		zap.String("reason", lastErr),
	)

	agentID, ok := c.registry.ErrorAgent()
	if !ok {
		c.logger.Warn("no error agent registered", zap.String("task_id", taskID.String()))
		return c.storeFinalResult(taskID, fallbackResult(lastErr))
	}
	c.bus.Publish(events.Event{Type: events.TaskRouteToErrorAgent, TaskID: taskID, AgentID: agentID})

	return c.storeFinalResult(taskID, c.invokeErrorAgent(ctx, taskID, agentID, lastErr))
}

func (c *controller) storeFinalResult(taskID uuid.UUID, res *task.Result) *task.Result {
	_ = c.store.Update(taskID, func(t *task.Task) error {
		t.Result = res
		return nil
	})
	return res
}

// invokeErrorAgent runs a bounded side-channel round against the error
// agent. Acks and heartbeats are tolerated but never extend the safety
// timer: the explanation lands quickly or a canned one is used.
func (c *controller) invokeErrorAgent(ctx context.Context, taskID uuid.UUID, agentID, lastErr string) *task.Result {
	st := newAttempt(taskID, agentID)
	c.mu.Lock()
	c.active[taskID] = st
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.active[taskID] == st {
			delete(c.active, taskID)
		}
		c.mu.Unlock()
	}()

	t, ok := c.store.Get(taskID)
	if !ok {
		return fallbackResult(lastErr)
	}
	if err := c.assigner.AssignTask(agentID, t.Snapshot()); err != nil {
		c.logger.Warn("error agent unreachable",
			zap.String("agent_id", agentID), zap.Error(err))
		return fallbackResult(lastErr)
	}

	safety := time.NewTimer(c.dur(c.cfg.SafetyTimerMs))
	defer safety.Stop()
	for {
		select {
		case r := <-st.results:
			if r == nil || r.NeedsInput != nil {
				continue
			}
			return r
		case <-st.acked:
		case <-st.beats:
		case <-st.cancelled:
			return fallbackResult(lastErr)
		case <-safety.C:
			c.logger.Warn("error agent missed the safety timer",
				zap.String("agent_id", agentID),
				zap.Int("safety_timer_ms", c.cfg.SafetyTimerMs),
			)
			return fallbackResult(lastErr)
		case <-ctx.Done():
			return fallbackResult(lastErr)
		}
	}
}

func fallbackResult(lastErr string) *task.Result {
	return &task.Result{
		Success:  false,
		Response: "Sorry, I wasn't able to complete that request.",
		Error:    lastErr,
		AgentID:  "exchange",
	}
}

func (c *controller) SettleFastPath(taskID uuid.UUID, agentID string, result *task.Result) error {
	if result == nil {
		return errors.ErrInvalidInput
	}
	result.AgentID = agentID
	if err := c.store.Update(taskID, func(t *task.Task) error {
		return t.Settle(result)
	}); err != nil {
		return err
	}
	c.reputation.RecordSuccess(agentID, 0)
	c.registry.RecordOutcome(agentID, true)
	c.bus.Publish(events.Event{
		Type:    events.TaskSettled,
		TaskID:  taskID,
		AgentID: agentID,
		Fields:  map[string]interface{}{"fast_path": true},
	})
	c.logger.Info("task settled via fast path",
		zap.String("task_id", taskID.String()),
		zap.String("agent_id", agentID),
	)
	return nil
}

func (c *controller) HandleAck(taskID uuid.UUID, agentID string, estimatedMs int64) {
	st := c.route(taskID, agentID, "task_ack")
	if st == nil {
		return
	}
	select {
	case st.acked <- estimatedMs:
	default:
	}
}

func (c *controller) HandleHeartbeat(taskID uuid.UUID, agentID string, progress string) {
	st := c.route(taskID, agentID, "task_heartbeat")
	if st == nil {
		return
	}
	select {
	case st.beats <- progress:
	default:
	}
}

func (c *controller) HandleResult(taskID uuid.UUID, agentID string, result *task.Result) {
	if result == nil {
		return
	}
	c.mu.Lock()
	cancelledAt, wasCancelled := c.cancelled[taskID]
	c.mu.Unlock()
	if wasCancelled && time.Since(cancelledAt) < c.dur(c.cfg.SuppressionWindowMs) {
		c.logger.Info("suppressing late result for cancelled task",
			zap.String("task_id", taskID.String()),
			zap.String("agent_id", agentID),
		)
		return
	}

	st := c.route(taskID, agentID, "task_result")
	if st == nil {
		return
	}
	result.AgentID = agentID
	select {
	case st.results <- result:
	default:
	}
}

func (c *controller) Cancel(taskID uuid.UUID) error {
	t, ok := c.store.Get(taskID)
	if !ok {
		return errors.ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return errors.NewConflictError("task already finished")
	}

	c.mu.Lock()
	c.cancelled[taskID] = time.Now()
	c.pruneCancelledLocked()
	st := c.active[taskID]
	c.mu.Unlock()

	if st != nil {
		st.cancel()
	}
	return nil
}

func (c *controller) PendingInputs() []PendingInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingInput, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArmedAt.Before(out[j].ArmedAt) })
	return out
}

func (c *controller) ContinueWithInput(agentID, utterance string) error {
	c.mu.Lock()
	p, ok := c.pending[agentID]
	var st *attempt
	if ok {
		delete(c.pending, agentID)
		st = c.active[p.TaskID]
	}
	c.mu.Unlock()
	if !ok || st == nil || st.agentID != agentID {
		return errors.ErrNoPendingInput
	}

	if err := c.store.Update(p.TaskID, func(t *task.Task) error {
		if t.Metadata.PendingInputs == nil {
			t.Metadata.PendingInputs = make(map[string]string)
		}
		t.Metadata.PendingInputs[p.Field] = utterance
		return nil
	}); err != nil {
		return err
	}

	select {
	case st.input <- utterance:
		return nil
	default:
		return errors.ErrNoPendingInput
	}
}

// route finds the attempt a frame belongs to; frames from superseded or
// unknown attempts are dropped.
func (c *controller) route(taskID uuid.UUID, agentID, frame string) *attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.active[taskID]
	if st == nil || st.agentID != agentID {
		c.logger.Debug("dropping stray frame",
			zap.String("frame", frame),
			zap.String("task_id", taskID.String()),
			zap.String("agent_id", agentID),
		)
		return nil
	}
	return st
}

// pruneCancelledLocked drops suppression entries older than the window.
func (c *controller) pruneCancelledLocked() {
	cutoff := time.Now().Add(-c.dur(c.cfg.SuppressionWindowMs))
	for id, at := range c.cancelled {
		if at.Before(cutoff) {
			delete(c.cancelled, id)
		}
	}
}

func (c *controller) dur(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// resetTimer re-arms a timer whose channel may hold an undrained fire. Only
// the attempt loop receives from these timers, so the drain cannot race.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

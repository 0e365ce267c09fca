// Package exchange assembles the task exchange and exposes its ingress API.
// It wires the submission pipeline, routing optimizer, auction engine,
// execution controller, subtask registry, conversation history, reputation
// tracker, and agent transport together, and owns the dispatch goroutines
// that carry a task from the queue through auction and execution.
package exchange

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/agent-exchange/internal/domain/agent"
	"github.com/davidleathers/agent-exchange/internal/domain/bid"
	"github.com/davidleathers/agent-exchange/internal/domain/errors"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/advisor"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/config"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/events"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/repository"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/statestore"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/transport"
	"github.com/davidleathers/agent-exchange/internal/metrics"
	"github.com/davidleathers/agent-exchange/internal/service/auction"
	"github.com/davidleathers/agent-exchange/internal/service/conversation"
	"github.com/davidleathers/agent-exchange/internal/service/execution"
	"github.com/davidleathers/agent-exchange/internal/service/registry"
	"github.com/davidleathers/agent-exchange/internal/service/reputation"
	"github.com/davidleathers/agent-exchange/internal/service/routing"
	"github.com/davidleathers/agent-exchange/internal/service/submission"
	"github.com/davidleathers/agent-exchange/internal/service/subtask"
)

// Options configures New. Zero-value fields fall back to working defaults:
// built-in config, nop logger, no metrics, the disabled advisor, in-memory
// state, and a speaker that logs instead of voicing.
type Options struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Registry

	// Advisor backs the routing optimizer stages.
	Advisor routing.Advisor
	// Evaluator is the optional master evaluator; nil keeps ranked order.
	Evaluator auction.Evaluator
	// Judge backs the transcript quality filter's second stage.
	Judge submission.Judge
	// Summarizer condenses idle sessions before archival.
	Summarizer conversation.Summarizer

	// States persists conversation snapshots across restarts.
	States statestore.Store

	// Speaker receives all spoken output.
	Speaker Speaker
}

// Exchange is the assembled task exchange. It implements the collaborator
// interfaces its parts are wired against: task dispatch for the pipeline and
// subtask registry, cancellation for the critical command router, and the
// candidate feed for pre-screening.
type Exchange struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Registry

	bus        *events.Bus
	store      *repository.TaskStore
	registry   registry.Service
	reputation reputation.Service
	engine     auction.Service
	controller execution.Service
	router     routing.Service
	convo      conversation.Service
	subtasks   subtask.Service
	pipeline   submission.Service
	listener   *transport.Listener

	speak Speaker

	// auctionCtx dies first on shutdown so open bid windows close and their
	// tasks requeue; execCtx survives until the grace drain expires.
	auctionCtx     context.Context
	cancelAuctions context.CancelFunc
	execCtx        context.Context
	cancelExec     context.CancelFunc

	mu     sync.RWMutex
	closed bool

	wg     sync.WaitGroup // dispatch goroutines
	bg     sync.WaitGroup // background loops
	unsubs []func()
}

// New assembles an exchange. It accepts submissions and agent connections
// immediately; mount Listener on an HTTP mux to let agents dial in.
func New(opts Options) *Exchange {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	speak := opts.Speaker
	if speak == nil {
		speak = logSpeaker{logger: logger}
	}
	adv := opts.Advisor
	if adv == nil {
		adv = advisor.Disabled{}
	}
	judge := opts.Judge
	if judge == nil {
		judge = advisor.Disabled{}
	}
	summarizer := opts.Summarizer
	if summarizer == nil {
		summarizer = advisor.Disabled{}
	}
	states := opts.States
	if states == nil {
		states = statestore.Noop()
	}

	x := &Exchange{
		cfg:     cfg,
		logger:  logger,
		metrics: opts.Metrics,
		bus:     events.NewBus(logger),
		store:   repository.NewTaskStore(),
		speak:   speak,
	}
	x.auctionCtx, x.cancelAuctions = context.WithCancel(context.Background())
	x.execCtx, x.cancelExec = context.WithCancel(context.Background())

	x.registry = registry.NewService(x.bus,
		cfg.Reputation.FailureThreshold,
		time.Duration(cfg.Reputation.FailureWindowMs)*time.Millisecond,
		logger)
	x.reputation = reputation.NewService(x.bus,
		time.Duration(cfg.Reputation.WindowMs)*time.Millisecond,
		cfg.Reputation.FlagThreshold,
		logger)

	link := &agentLink{x: x}
	circuit := auction.NewCircuit(cfg.Bidder.CircuitThreshold,
		time.Duration(cfg.Bidder.CircuitResetMs)*time.Millisecond)
	x.engine = auction.NewEngine(link, x.reputation, opts.Evaluator, circuit,
		x.bus, cfg.Auction, cfg.Bidder, logger)

	pendingTTL := time.Duration(cfg.Pipeline.InactivityTimeoutMs) * time.Millisecond
	x.controller = execution.NewController(link, x.store, x.registry,
		x.reputation, speak, x.bus, cfg.Auction, pendingTTL, logger)

	x.router = routing.NewService(adv, cfg.Routing, logger)
	x.convo = conversation.NewService(states, summarizer, cfg.Pipeline, logger)
	x.subtasks = subtask.NewService(x, x.store, x.bus, logger)
	x.pipeline = submission.NewService(submission.Deps{
		Planner:      x.router,
		Dispatcher:   x,
		Conversation: x.convo,
		Pending:      x.controller,
		Canceller:    x,
		Candidates:   x,
		Judge:        judge,
		Speaker:      pipelineSpeaker{x: x},
		Bus:          x.bus,
	}, cfg.Pipeline, logger)

	x.listener = transport.NewListener(x, transportConfig(cfg.Transport), logger)

	x.unsubs = append(x.unsubs, x.bus.SubscribeFunc(x.observe,
		events.TaskQueued, events.TaskAssigned, events.TaskExecuting,
		events.TaskBusted, events.TaskSettled, events.TaskDeadLetter,
		events.TaskCancelled, events.TaskHeartbeat, events.ExchangeHalt,
		events.AgentConnected, events.AgentDisconnected))

	x.bg.Add(1)
	go x.sweepLoop()

	logger.Info("exchange assembled",
		zap.Int("port", cfg.Server.Port),
		zap.String("environment", cfg.Environment),
	)
	return x
}

// Submit runs one utterance through the intake pipeline.
func (x *Exchange) Submit(ctx context.Context, text string, opts submission.Options) (*submission.Result, error) {
	x.mu.RLock()
	closed := x.closed
	x.mu.RUnlock()
	if closed {
		return nil, errors.NewConflictError("exchange is shut down")
	}
	return x.pipeline.Submit(ctx, text, opts)
}

// Dispatch queues a task for auction. It returns once the task is recorded;
// auction and execution run on their own goroutine.
func (x *Exchange) Dispatch(ctx context.Context, t *task.Task) error {
	return x.dispatch(t, "")
}

// DispatchLocked hands a task straight to the named agent, skipping the
// auction.
func (x *Exchange) DispatchLocked(ctx context.Context, t *task.Task, agentID string) error {
	if agentID == "" {
		return errors.NewValidationError("MISSING_LOCKED_AGENT", "locked dispatch requires an agent id")
	}
	return x.dispatch(t, agentID)
}

func (x *Exchange) dispatch(t *task.Task, lockedTo string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return errors.NewConflictError("exchange is shut down")
	}

	x.store.Put(t)
	x.bus.Publish(events.Event{
		Type:   events.TaskQueued,
		TaskID: t.ID,
		Fields: map[string]interface{}{
			"source":       string(t.Source),
			"routing_mode": string(t.RoutingMode),
		},
	})

	x.wg.Add(1)
	if lockedTo != "" {
		go x.runLocked(t.ID, lockedTo)
	} else {
		go x.runOpen(t.ID)
	}
	return nil
}

// runOpen carries one task through auction and execution.
func (x *Exchange) runOpen(id uuid.UUID) {
	defer x.wg.Done()

	if err := x.store.Update(id, func(t *task.Task) error {
		return t.TransitionTo(task.StatusAuctioning)
	}); err != nil {
		x.logger.Debug("task left the queue before its auction",
			zap.String("task_id", id.String()), zap.Error(err))
		return
	}
	t, ok := x.store.Get(id)
	if !ok {
		return
	}

	solicited := x.bidders(t)
	started := time.Now()
	res, err := x.engine.Run(x.auctionCtx, t, solicited)
	if err != nil {
		// Shutdown closed the window; the task waits in the queue.
		x.requeue(id)
		return
	}
	x.recordAuction(started, res, len(solicited))

	if res.Halted() {
		x.requeue(id)
		if t.ParentTaskID == nil {
			x.speak.Say(id, haltLine(res.Halt))
		}
		return
	}

	if res.EvaluatorNote != "" {
		_ = x.store.Update(id, func(t *task.Task) error {
			t.Metadata.EvaluatorNote = res.EvaluatorNote
			return nil
		})
	}
	if rec, ok := x.registry.ByID(res.Winner); ok && res.WinningBid != nil {
		x.router.RecordRoute(t.Content, res.Winner, rec.Version, res.WinningBid.Confidence)
	}

	if res.FastPath != nil {
		if err := x.controller.SettleFastPath(id, res.Winner, res.FastPath); err == nil {
			x.surfaceResult(id, res.FastPath)
			return
		}
		x.logger.Debug("fast path rejected, running execution",
			zap.String("task_id", id.String()))
	}

	final, err := x.controller.Execute(x.execCtx, id, res.Winner, res.Backups)
	if err != nil {
		x.logger.Debug("execution ended without settlement",
			zap.String("task_id", id.String()), zap.Error(err))
		return
	}
	x.surfaceResult(id, final)
}

// runLocked drives a locked-routing task straight to its agent.
func (x *Exchange) runLocked(id uuid.UUID, agentID string) {
	defer x.wg.Done()

	if err := x.store.Update(id, func(t *task.Task) error {
		return t.TransitionTo(task.StatusAuctioning)
	}); err != nil {
		x.logger.Debug("locked task left the queue before assignment",
			zap.String("task_id", id.String()), zap.Error(err))
		return
	}

	final, err := x.controller.Execute(x.execCtx, id, agentID, nil)
	if err != nil {
		x.logger.Debug("locked execution ended without settlement",
			zap.String("task_id", id.String()),
			zap.String("agent_id", agentID),
			zap.Error(err))
		return
	}
	x.surfaceResult(id, final)
}

func (x *Exchange) requeue(id uuid.UUID) {
	if err := x.store.Update(id, func(t *task.Task) error {
		return t.TransitionTo(task.StatusQueued)
	}); err != nil {
		x.logger.Debug("requeue skipped",
			zap.String("task_id", id.String()), zap.Error(err))
	}
}

// surfaceResult voices and remembers a final answer. Subtask results return
// to their spawner over the wire instead of the user.
func (x *Exchange) surfaceResult(id uuid.UUID, res *task.Result) {
	if res == nil || res.Response == "" {
		return
	}
	t, ok := x.store.Get(id)
	if !ok || t.ParentTaskID != nil {
		return
	}
	x.convo.AppendAssistantTurn(res.Response, res.AgentID)
	x.speak.Say(id, res.Response)
}

// CancelTask aborts a task. Queued and auctioning tasks cancel cleanly with
// no agent involved; active attempts inform the agent and suppress late
// results for the configured window.
func (x *Exchange) CancelTask(id uuid.UUID) error {
	if err := x.controller.Cancel(id); err != nil {
		return err
	}

	// Tasks with no attempt running finalize here; the attempt loop
	// finalizes the rest.
	finalized := false
	_ = x.store.Update(id, func(t *task.Task) error {
		switch t.Status {
		case task.StatusQueued, task.StatusAuctioning:
			finalized = true
			return t.TransitionTo(task.StatusCancelled)
		}
		return nil
	})
	if finalized {
		x.bus.Publish(events.Event{
			Type:   events.TaskCancelled,
			TaskID: id,
			Fields: map[string]interface{}{"reason": "cancelled before assignment"},
		})
		x.logger.Info("task cancelled before assignment",
			zap.String("task_id", id.String()))
	}
	return nil
}

// CandidateInfos lists the currently biddable agents for pre-screening.
func (x *Exchange) CandidateInfos() []routing.AgentInfo {
	recs := x.registry.Filter(func(r *agent.Record) bool {
		return r.Connected() && !r.BidExcluded
	})
	out := make([]routing.AgentInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, routing.AgentInfo{
			ID:           r.ID,
			Categories:   r.Categories,
			Capabilities: r.Capabilities,
		})
	}
	return out
}

func (x *Exchange) bidders(t *task.Task) []auction.Bidder {
	recs := x.registry.Candidates(t)
	out := make([]auction.Bidder, 0, len(recs))
	for _, r := range recs {
		out = append(out, auction.Bidder{
			AgentID:       r.ID,
			Version:       r.Version,
			Informational: r.ExecutionType == agent.ExecutionInformational,
		})
	}
	return out
}

// Status reports the running state of the exchange.
func (x *Exchange) Status() Status {
	x.mu.RLock()
	running := !x.closed
	x.mu.RUnlock()
	return Status{
		Running:    running,
		Port:       x.cfg.Server.Port,
		AgentCount: x.registry.Count(),
		QueueDepth: x.store.QueueDepth(),
		Agents:     x.registry.Summaries(),
	}
}

// ReconnectAgents re-attaches registered agents to live websocket sessions,
// typically after the enclosing app restarts its wiring. Agents with no live
// session are reported failed; they re-register when they dial back in.
func (x *Exchange) ReconnectAgents() ReconnectReport {
	var rep ReconnectReport
	for _, rec := range x.registry.All() {
		if rec.Connected() {
			rep.AlreadyConnected = append(rep.AlreadyConnected, rec.ID)
			continue
		}
		s, ok := x.listener.SessionFor(rec.ID)
		if !ok {
			rep.Failed = append(rep.Failed, rec.ID)
			continue
		}
		reg := agent.Registration{
			ID:            rec.ID,
			Version:       rec.Version,
			Categories:    rec.Categories,
			Capabilities:  rec.Capabilities,
			BidExcluded:   rec.BidExcluded,
			ExecutionType: rec.ExecutionType,
		}
		if _, stale, err := x.registry.Register(reg, s); err == nil {
			if stale != nil && stale.ID() != s.ID() {
				_ = stale.Close(true)
			}
			rep.Reconnected = append(rep.Reconnected, rec.ID)
		} else {
			rep.Failed = append(rep.Failed, rec.ID)
		}
	}
	sort.Strings(rep.Reconnected)
	sort.Strings(rep.Failed)
	sort.Strings(rep.AlreadyConnected)
	x.logger.Info("agent reconnect pass",
		zap.Int("reconnected", len(rep.Reconnected)),
		zap.Int("failed", len(rep.Failed)),
		zap.Int("already_connected", len(rep.AlreadyConnected)),
	)
	return rep
}

// ReputationSummary reports the rolling-window standing of every agent.
func (x *Exchange) ReputationSummary() map[string]reputation.Snapshot {
	return x.reputation.Snapshots()
}

// Listener returns the websocket handler that upgrades agent connections.
func (x *Exchange) Listener() http.Handler {
	return x.listener
}

// Bus exposes the lifecycle event stream for external sinks such as the
// NATS egress. Subscribers must unsubscribe before Shutdown returns.
func (x *Exchange) Bus() *events.Bus {
	return x.bus
}

// Shutdown drains the exchange: intake stops, open bid windows close and
// their tasks requeue, executing tasks get until ctx expires, and then
// transports close intentionally and conversation state flushes.
func (x *Exchange) Shutdown(ctx context.Context) error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	x.mu.Unlock()

	x.logger.Info("exchange shutting down")
	x.cancelAuctions()

	done := make(chan struct{})
	go func() {
		x.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		x.logger.Warn("grace deadline passed, aborting in-flight executions")
	}
	x.cancelExec()
	<-done
	x.bg.Wait()

	x.listener.CloseAll()
	for _, unsub := range x.unsubs {
		unsub()
	}
	x.pipeline.Close()
	x.subtasks.Close()

	flushCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	x.convo.Flush(flushCtx)
	x.convo.Close()

	x.bus.Close()
	x.logger.Info("exchange stopped")
	return err
}

// sweepLoop detaches agents whose sessions died without a close frame.
func (x *Exchange) sweepLoop() {
	defer x.bg.Done()
	ticker := time.NewTicker(time.Duration(x.cfg.Transport.HealthSweepMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-x.execCtx.Done():
			return
		case <-ticker.C:
			x.sweep()
		}
	}
}

func (x *Exchange) sweep() {
	recs := x.registry.All()
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	for _, id := range x.listener.Sweep(ids) {
		rec, ok := x.registry.ByID(id)
		if !ok || !rec.Connected() {
			continue
		}
		x.logger.Warn("agent went silent, detaching",
			zap.String("agent_id", id))
		x.registry.Disconnect(id, "")
		if x.metrics != nil {
			x.metrics.AgentTimeoutTotal.Add(context.Background(), 1)
		}
	}
	if x.metrics != nil {
		x.metrics.SetConnectedAgents(int64(x.registry.ConnectedCount()))
	}
}

// observe keeps gauges and counters current and reacts to lifecycle events
// raised outside the dispatch goroutines.
func (x *Exchange) observe(ev events.Event) {
	switch ev.Type {
	case events.ExchangeHalt:
		if x.metrics != nil {
			x.metrics.AuctionHaltedTotal.Add(context.Background(), 1)
		}
	case events.TaskBusted:
		// A busted agent's cached routes are stale by definition.
		x.router.InvalidateAgent(ev.AgentID)
		if x.metrics != nil {
			x.metrics.TaskBustedTotal.Add(context.Background(), 1)
			if rem, ok := ev.Fields["remaining_backups"].([]string); ok && len(rem) > 0 {
				x.metrics.RecordFallover(context.Background(), ev.AgentID, rem[0])
			}
		}
	case events.TaskHeartbeat:
		if x.metrics != nil {
			x.metrics.HeartbeatTotal.Add(context.Background(), 1)
		}
	case events.TaskSettled:
		x.recordSettlement(ev.TaskID)
	case events.TaskDeadLetter:
		if x.metrics != nil {
			x.metrics.TaskDeadLetterTotal.Add(context.Background(), 1)
		}
	case events.AgentConnected, events.AgentDisconnected:
		if x.metrics != nil {
			x.metrics.SetConnectedAgents(int64(x.registry.ConnectedCount()))
		}
	}
	x.refreshGauges()
}

func (x *Exchange) recordAuction(started time.Time, res *auction.Result, solicited int) {
	if x.metrics == nil {
		return
	}
	outcome := string(bid.OutcomeResolved)
	if res.Halted() {
		outcome = string(bid.OutcomeHalted)
	}
	x.metrics.RecordAuction(context.Background(),
		float64(time.Since(started).Milliseconds()), outcome, solicited)
}

func (x *Exchange) recordSettlement(id uuid.UUID) {
	if x.metrics == nil {
		return
	}
	t, ok := x.store.Get(id)
	if !ok || t.CompletedAt == nil {
		return
	}
	success := t.Result == nil || t.Result.Success
	x.metrics.RecordTaskSettled(context.Background(),
		t.CompletedAt.Sub(t.CreatedAt).Seconds(), success, t.Attempt)
}

func (x *Exchange) refreshGauges() {
	if x.metrics == nil {
		return
	}
	x.metrics.SetTaskQueueDepth(int64(x.store.QueueDepth()))
	active := 0
	x.store.Range(func(t *task.Task) bool {
		if t.Status.IsActive() {
			active++
		}
		return true
	})
	x.metrics.SetActiveTasks(int64(active))
}

func haltLine(reason bid.HaltReason) string {
	switch reason {
	case bid.HaltAllTimedOut:
		return "Sorry, my agents aren't responding right now. Please try again in a moment."
	default:
		return "Sorry, none of my agents can help with that. Could you rephrase?"
	}
}

func transportConfig(tc config.TransportConfig) transport.Config {
	c := transport.DefaultConfig()
	if tc.HeartbeatIntervalMs > 0 {
		c.PingInterval = time.Duration(tc.HeartbeatIntervalMs) * time.Millisecond
	}
	if tc.HeartbeatTimeoutMs > 0 {
		c.PongTimeout = time.Duration(tc.HeartbeatTimeoutMs) * time.Millisecond
	}
	if tc.MaxMessageBytes > 0 {
		c.MaxMessageBytes = tc.MaxMessageBytes
	}
	if tc.SendBufferSize > 0 {
		c.SendBufferSize = tc.SendBufferSize
	}
	return c
}

// logSpeaker is the default speech sink: it logs what would have been voiced
// so the exchange works headless.
type logSpeaker struct {
	logger *zap.Logger
}

func (s logSpeaker) Say(taskID uuid.UUID, text string) {
	s.logger.Info("speak",
		zap.String("task_id", taskID.String()),
		zap.String("text", text),
	)
}

// pipelineSpeaker narrows the exchange speaker for pipeline-level lines that
// have no task behind them.
type pipelineSpeaker struct {
	x *Exchange
}

func (p pipelineSpeaker) Say(text string) {
	p.x.speak.Say(uuid.Nil, text)
}

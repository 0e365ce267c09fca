// agentsim is a scripted agent for exercising an exchange end to end: it
// dials the websocket listener, registers, bids from a static confidence
// table, and executes assignments on a fixed delay profile. Useful for smoke
// testing auctions, fallover, and cancellation without a real agent runtime.
//
// Example:
//
//	agentsim -id sim-lights -categories home,lighting \
//	  -bids "lights=0.92,lamp=0.85" -exec-delay 3s
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/agent-exchange/internal/domain/agent"
	"github.com/davidleathers/agent-exchange/internal/domain/bid"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/telemetry"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/transport"
)

func main() {
	var (
		url          = flag.String("url", "ws://localhost:8780/ws/agents", "Exchange websocket URL")
		id           = flag.String("id", "sim-agent", "Agent id to register")
		version      = flag.String("version", "0.1.0", "Agent version to register")
		categories   = flag.String("categories", "general", "Comma-separated categories")
		capabilities = flag.String("capabilities", "", "Comma-separated capabilities")
		execType     = flag.String("execution-type", "action", "Execution type: informational, action, orchestrator")
		bids         = flag.String("bids", "", "Confidence table, e.g. \"lights=0.9,weather=0.8\"")
		defaultConf  = flag.Float64("default-confidence", 0, "Bid confidence when no keyword matches; 0 declines")
		ackDelay     = flag.Duration("ack-delay", 500*time.Millisecond, "Delay before acking an assignment")
		execDelay    = flag.Duration("exec-delay", 2*time.Second, "Simulated execution time")
		beatEvery    = flag.Duration("heartbeat-every", 10*time.Second, "Heartbeat interval while executing")
		failEvery    = flag.Int("fail-every", 0, "Fail every Nth task; 0 never fails")
		logLevel     = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	logger, err := telemetry.NewLogger(*logLevel, "development")
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	table, err := parseConfidenceTable(*bids)
	if err != nil {
		logger.Fatal("invalid -bids table", zap.Error(err))
	}

	sim := &simAgent{
		reg: agent.Registration{
			ID:            *id,
			Version:       *version,
			Categories:    splitList(*categories),
			Capabilities:  splitList(*capabilities),
			ExecutionType: agent.ExecutionType(*execType),
		},
		table:       table,
		defaultConf: *defaultConf,
		ackDelay:    *ackDelay,
		execDelay:   *execDelay,
		beatEvery:   *beatEvery,
		failEvery:   *failEvery,
		logger:      logger,
		inflight:    make(map[uuid.UUID]context.CancelFunc),
	}

	dialer := transport.NewDialer(*url, sim, transport.DefaultConfig(),
		transport.DefaultReconnectPolicy(), sim.register, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("agentsim dialing",
		zap.String("url", *url),
		zap.String("agent_id", *id),
		zap.Int("keywords", len(table)),
	)
	if err := dialer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("connection lost for good", zap.Error(err))
	}
	dialer.Close()
	logger.Info("agentsim stopped")
}

// simAgent implements transport.Handler with scripted behavior.
type simAgent struct {
	reg         agent.Registration
	table       map[string]float64
	defaultConf float64
	ackDelay    time.Duration
	execDelay   time.Duration
	beatEvery   time.Duration
	failEvery   int
	logger      *zap.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]context.CancelFunc
	taskSeq  int
}

// register announces the agent after every (re)connect.
func (a *simAgent) register(s *transport.Session) {
	env, err := transport.NewEnvelope(transport.TypeRegister, a.reg)
	if err != nil {
		a.logger.Error("building register frame", zap.Error(err))
		return
	}
	if err := s.Send(env); err != nil {
		a.logger.Error("sending register frame", zap.Error(err))
		return
	}
	a.logger.Info("registered", zap.String("agent_id", a.reg.ID))
}

func (a *simAgent) HandleFrame(s *transport.Session, env transport.Envelope) {
	switch env.Type {
	case transport.TypeBidRequest:
		a.onBidRequest(s, env)
	case transport.TypeTaskAssignment:
		a.onAssignment(s, env)
	case transport.TypeTaskCancel:
		a.onCancel(env)
	default:
		a.logger.Debug("ignoring frame", zap.String("type", string(env.Type)))
	}
}

func (a *simAgent) HandleClose(s *transport.Session, err error) {
	if err != nil {
		a.logger.Warn("session closed", zap.Error(err))
		return
	}
	a.logger.Info("session closed")
}

func (a *simAgent) onBidRequest(s *transport.Session, env transport.Envelope) {
	var req transport.BidRequestPayload
	if err := env.Decode(&req); err != nil {
		a.logger.Warn("bad bid_request", zap.Error(err))
		return
	}

	conf, keyword := a.confidence(req.Task.Content)
	payload := transport.BidResponsePayload{AuctionID: req.AuctionID}
	if conf > 0 {
		payload.Bid = &bid.Bid{
			AgentID:      a.reg.ID,
			AgentVersion: a.reg.Version,
			Confidence:   conf,
			Reasoning:    fmt.Sprintf("matched %q", keyword),
			EstimatedMs:  a.execDelay.Milliseconds(),
		}
	}

	resp, err := transport.NewEnvelope(transport.TypeBidResponse, payload)
	if err != nil {
		a.logger.Error("building bid_response", zap.Error(err))
		return
	}
	if err := s.Send(resp); err != nil {
		a.logger.Warn("sending bid_response", zap.Error(err))
		return
	}
	a.logger.Info("bid sent",
		zap.String("auction_id", req.AuctionID.String()),
		zap.Float64("confidence", conf),
		zap.Bool("declined", payload.Bid == nil),
	)
}

// confidence scores an utterance: the best-matching keyword wins, the
// default applies when nothing matches.
func (a *simAgent) confidence(content string) (float64, string) {
	lowered := strings.ToLower(content)
	best, keyword := a.defaultConf, ""
	for k, c := range a.table {
		if strings.Contains(lowered, k) && c > best {
			best, keyword = c, k
		}
	}
	return best, keyword
}

func (a *simAgent) onAssignment(s *transport.Session, env transport.Envelope) {
	var assign transport.TaskAssignmentPayload
	if err := env.Decode(&assign); err != nil {
		a.logger.Warn("bad task_assignment", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.taskSeq++
	seq := a.taskSeq
	a.inflight[assign.TaskID] = cancel
	a.mu.Unlock()

	go a.run(ctx, s, assign, seq)
}

func (a *simAgent) onCancel(env transport.Envelope) {
	var c transport.TaskCancelPayload
	if err := env.Decode(&c); err != nil {
		return
	}
	a.mu.Lock()
	cancel, ok := a.inflight[c.TaskID]
	a.mu.Unlock()
	if ok {
		a.logger.Info("abandoning task",
			zap.String("task_id", c.TaskID.String()),
			zap.String("reason", c.Reason),
		)
		cancel()
	}
}

// run plays the scripted execution: ack, heartbeats, then a result.
func (a *simAgent) run(ctx context.Context, s *transport.Session, assign transport.TaskAssignmentPayload, seq int) {
	defer func() {
		a.mu.Lock()
		delete(a.inflight, assign.TaskID)
		a.mu.Unlock()
	}()

	if !a.sleep(ctx, a.ackDelay) {
		return
	}
	ack, _ := transport.NewEnvelope(transport.TypeTaskAck, transport.TaskAckPayload{
		TaskID:      assign.TaskID,
		EstimatedMs: a.execDelay.Milliseconds(),
	})
	if err := s.Send(ack); err != nil {
		a.logger.Warn("sending ack", zap.Error(err))
		return
	}
	a.logger.Info("acked", zap.String("task_id", assign.TaskID.String()))

	beats := time.NewTicker(a.beatEvery)
	defer beats.Stop()
	deadline := time.NewTimer(a.execDelay)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-beats.C:
			hb, _ := transport.NewEnvelope(transport.TypeTaskHeartbeat, transport.TaskHeartbeatPayload{
				TaskID:   assign.TaskID,
				Progress: "still working",
			})
			if err := s.Send(hb); err != nil {
				return
			}
		case <-deadline.C:
			a.finish(s, assign, seq)
			return
		}
	}
}

func (a *simAgent) finish(s *transport.Session, assign transport.TaskAssignmentPayload, seq int) {
	result := task.Result{
		Success:  true,
		Response: fmt.Sprintf("Done: %s", assign.Task.Content),
		AgentID:  a.reg.ID,
		Duration: a.execDelay.Milliseconds(),
	}
	if a.failEvery > 0 && seq%a.failEvery == 0 {
		result.Success = false
		result.Response = ""
		result.Error = "scripted failure"
	}

	env, _ := transport.NewEnvelope(transport.TypeTaskResult, transport.TaskResultPayload{
		TaskID: assign.TaskID,
		Result: result,
	})
	if err := s.Send(env); err != nil {
		a.logger.Warn("sending result", zap.Error(err))
		return
	}
	a.logger.Info("result sent",
		zap.String("task_id", assign.TaskID.String()),
		zap.Bool("success", result.Success),
	)
}

// sleep waits d unless ctx ends first; it reports whether the wait finished.
func (a *simAgent) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func parseConfidenceTable(raw string) (map[string]float64, error) {
	table := make(map[string]float64)
	if strings.TrimSpace(raw) == "" {
		return table, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("entry %q is not keyword=confidence", pair)
		}
		conf, err := strconv.ParseFloat(v, 64)
		if err != nil || conf < 0 || conf > 1 {
			return nil, fmt.Errorf("confidence %q must be in [0,1]", v)
		}
		table[strings.ToLower(strings.TrimSpace(k))] = conf
	}
	return table, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

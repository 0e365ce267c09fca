package exchange

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/agent-exchange/internal/domain/agent"
	"github.com/davidleathers/agent-exchange/internal/domain/bid"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/config"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/events"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/transport"
	"github.com/davidleathers/agent-exchange/internal/service/submission"
)

const eventWait = 5 * time.Second

// harness runs a full exchange behind an httptest server so scripted agents
// can dial in over real websockets.
type harness struct {
	x       *Exchange
	server  *httptest.Server
	speaker *recordingSpeaker
	url     string
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Defaults()
	cfg.Auction.DefaultWindowMs = 400
	cfg.Auction.MinWindowMs = 200
	cfg.Auction.MaxWindowMs = 800
	cfg.Auction.AckTimeoutMs = 300
	cfg.Auction.ExecutionTimeoutMs = 2000
	cfg.Auction.HeartbeatExtensionMs = 1000
	cfg.Auction.SpokenAckDelayMs = 50
	cfg.Auction.SafetyTimerMs = 2500
	cfg.Auction.SuppressionWindowMs = 2000
	cfg.Bidder.BidTimeoutMs = 300
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, cfg.Validate(), "test config must be coherent")

	speaker := &recordingSpeaker{}
	x := New(Options{
		Config:  cfg,
		Logger:  zaptest.NewLogger(t),
		Speaker: speaker,
	})
	server := httptest.NewServer(x.Listener())

	h := &harness{
		x:       x,
		server:  server,
		speaker: speaker,
		url:     "ws" + strings.TrimPrefix(server.URL, "http"),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = x.Shutdown(ctx)
		server.Close()
	})
	return h
}

// connect dials an agent in and blocks until the registry has it.
func (h *harness) connect(t *testing.T, a *wsAgent) {
	t.Helper()
	a.t = t

	sub := h.x.Bus().Subscribe(events.AgentConnected)
	defer sub.Cancel()

	conn, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err, "dialing the exchange")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	a.conn = conn
	t.Cleanup(func() { _ = conn.Close() })

	env, err := transport.NewEnvelope(transport.TypeRegister, a.reg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
	go a.readLoop()

	awaitEvent(t, sub, func(ev events.Event) bool { return ev.AgentID == a.id })
}

func (h *harness) submit(t *testing.T, text string, opts submission.Options) uuid.UUID {
	t.Helper()
	res, err := h.x.Submit(context.Background(), text, opts)
	require.NoError(t, err)
	require.Equal(t, submission.OutcomeQueued, res.Outcome, "utterance should queue a task")
	require.Len(t, res.TaskIDs, 1)
	return res.TaskIDs[0]
}

func (h *harness) task(t *testing.T, id uuid.UUID) *task.Task {
	t.Helper()
	tk, ok := h.x.store.Get(id)
	require.True(t, ok, "task %s not in store", id)
	return tk
}

func (h *harness) awaitSpoken(t *testing.T, substr string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.speaker.said(substr) },
		eventWait, 10*time.Millisecond, "expected %q to be spoken", substr)
}

func (h *harness) awaitStatus(t *testing.T, id uuid.UUID, want task.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		tk, ok := h.x.store.Get(id)
		return ok && tk.Status == want
	}, eventWait, 10*time.Millisecond, "task never reached %s", want)
}

// recordingSpeaker captures everything the exchange says out loud.
type recordingSpeaker struct {
	mu    sync.Mutex
	lines []spokenLine
}

type spokenLine struct {
	taskID uuid.UUID
	text   string
}

func (s *recordingSpeaker) Say(taskID uuid.UUID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, spokenLine{taskID: taskID, text: text})
}

func (s *recordingSpeaker) said(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if strings.Contains(l.text, substr) {
			return true
		}
	}
	return false
}

func (s *recordingSpeaker) linesFor(id uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.lines {
		if l.taskID == id {
			out = append(out, l.text)
		}
	}
	return out
}

// wsAgent is a scripted agent speaking the wire protocol over a real
// websocket connection, the way cmd/agentsim does. Zero values give a
// well-behaved agent: bid with the configured confidence, ack instantly,
// return a successful result.
type wsAgent struct {
	t   *testing.T
	id  string
	reg agent.Registration

	// Bid script.
	confidence float64
	decline    bool
	silent     bool
	fastPath   *task.Result
	risk       bid.HallucinationRisk

	// Execution script. needsInput answers the first assignment round with a
	// pause; later rounds fall through to the normal result.
	noAck       bool
	ackDelay    time.Duration
	resultDelay time.Duration
	respond     string
	fail        bool
	needsInput  *task.NeedsInput

	conn    *websocket.Conn
	writeMu sync.Mutex
	rounds  atomic.Int32

	bidRequests chan transport.BidRequestPayload
	assignments chan transport.TaskAssignmentPayload
	cancels     chan transport.TaskCancelPayload
	sentResults chan uuid.UUID
}

func newWSAgent(id string, confidence float64) *wsAgent {
	return &wsAgent{
		id:         id,
		confidence: confidence,
		respond:    "Done.",
		reg: agent.Registration{
			ID:            id,
			Version:       "1.0.0",
			Categories:    []string{"home"},
			ExecutionType: agent.ExecutionAction,
		},
		bidRequests: make(chan transport.BidRequestPayload, 8),
		assignments: make(chan transport.TaskAssignmentPayload, 8),
		cancels:     make(chan transport.TaskCancelPayload, 8),
		sentResults: make(chan uuid.UUID, 8),
	}
}

func (a *wsAgent) readLoop() {
	for {
		var env transport.Envelope
		if err := a.conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case transport.TypePing:
			a.send(transport.TypePong, transport.PongPayload{Timestamp: time.Now().UnixMilli()})

		case transport.TypeBidRequest:
			var p transport.BidRequestPayload
			if env.Decode(&p) != nil {
				continue
			}
			select {
			case a.bidRequests <- p:
			default:
			}
			if a.silent {
				continue
			}
			resp := transport.BidResponsePayload{AuctionID: p.AuctionID}
			if !a.decline {
				resp.Bid = &bid.Bid{
					AgentID:           a.id,
					AgentVersion:      a.reg.Version,
					Confidence:        a.confidence,
					Reasoning:         "scripted",
					Result:            a.fastPath,
					HallucinationRisk: a.risk,
				}
			}
			a.send(transport.TypeBidResponse, resp)

		case transport.TypeTaskAssignment:
			var p transport.TaskAssignmentPayload
			if env.Decode(&p) != nil {
				continue
			}
			select {
			case a.assignments <- p:
			default:
			}
			if a.noAck {
				continue
			}
			go a.execute(p)

		case transport.TypeTaskCancel:
			var p transport.TaskCancelPayload
			if env.Decode(&p) != nil {
				continue
			}
			select {
			case a.cancels <- p:
			default:
			}
		}
	}
}

// execute plays one assignment round: ack, optional delay, scripted result.
func (a *wsAgent) execute(p transport.TaskAssignmentPayload) {
	round := a.rounds.Add(1)
	if a.ackDelay > 0 {
		time.Sleep(a.ackDelay)
	}
	a.send(transport.TypeTaskAck, transport.TaskAckPayload{TaskID: p.TaskID})

	if a.needsInput != nil && round == 1 {
		a.send(transport.TypeTaskResult, transport.TaskResultPayload{
			TaskID: p.TaskID,
			Result: task.Result{Success: true, AgentID: a.id, NeedsInput: a.needsInput},
		})
		return
	}

	if a.resultDelay > 0 {
		time.Sleep(a.resultDelay)
	}
	res := task.Result{Success: !a.fail, AgentID: a.id}
	if a.fail {
		res.Error = "scripted failure"
	} else {
		res.Response = a.respond
	}
	a.send(transport.TypeTaskResult, transport.TaskResultPayload{TaskID: p.TaskID, Result: res})
	select {
	case a.sentResults <- p.TaskID:
	default:
	}
}

// send ignores write errors: sessions drop during shutdown and the tests
// assert on what the exchange observed, not on delivery.
func (a *wsAgent) send(mt transport.MessageType, payload interface{}) {
	env, err := transport.NewEnvelope(mt, payload)
	if err != nil {
		a.t.Errorf("encoding %s frame: %v", mt, err)
		return
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = a.conn.WriteJSON(env)
}

func awaitEvent(t *testing.T, sub *events.Subscription, match func(events.Event) bool) events.Event {
	t.Helper()
	timeout := time.After(eventWait)
	for {
		select {
		case ev, ok := <-sub.C():
			require.True(t, ok, "event stream closed while waiting")
			if match == nil || match(ev) {
				return ev
			}
		case <-timeout:
			require.FailNow(t, "no matching event within the wait budget")
			return events.Event{}
		}
	}
}

func matchTask(id uuid.UUID) func(events.Event) bool {
	return func(ev events.Event) bool { return ev.TaskID == id }
}

func awaitChan[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(eventWait):
		require.FailNow(t, "timed out waiting for "+what)
	}
	var zero T
	return zero
}

func drain[T any](ch <-chan T) int {
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			return n
		}
	}
}

func requireNoAssignment(t *testing.T, a *wsAgent) {
	t.Helper()
	select {
	case p := <-a.assignments:
		require.FailNowf(t, "unexpected assignment", "agent %s was handed task %s", a.id, p.TaskID)
	default:
	}
}

func TestExchange_HighestBidderWinsAndSettles(t *testing.T) {
	h := newHarness(t)

	hi := newWSAgent("agent-hi", 0.9)
	hi.respond = "The kitchen lights are on."
	lo := newWSAgent("agent-lo", 0.7)
	h.connect(t, hi)
	h.connect(t, lo)

	settled := h.x.Bus().Subscribe(events.TaskSettled)
	defer settled.Cancel()

	id := h.submit(t, "turn on the kitchen lights please", submission.Options{})

	ev := awaitEvent(t, settled, matchTask(id))
	assert.Equal(t, "agent-hi", ev.AgentID, "highest confidence wins")

	tk := h.task(t, id)
	assert.Equal(t, task.StatusSettled, tk.Status)
	assert.Equal(t, "agent-hi", tk.WinningAgentID)
	require.NotNil(t, tk.Result)
	assert.True(t, tk.Result.Success)
	assert.Equal(t, "The kitchen lights are on.", tk.Result.Response)

	// Both were solicited; only the winner was assigned.
	assert.NotZero(t, drain(hi.bidRequests))
	assert.NotZero(t, drain(lo.bidRequests))
	requireNoAssignment(t, lo)

	h.awaitSpoken(t, "The kitchen lights are on.")

	_, ok := h.x.ReputationSummary()["agent-hi"]
	assert.True(t, ok, "settlement feeds the winner's reputation")
}

func TestExchange_BackupTakesOverWhenWinnerIgnoresAssignment(t *testing.T) {
	h := newHarness(t)

	hi := newWSAgent("agent-hi", 0.9)
	hi.noAck = true
	lo := newWSAgent("agent-lo", 0.7)
	lo.respond = "Lamp set to fifty percent."
	h.connect(t, hi)
	h.connect(t, lo)

	sub := h.x.Bus().Subscribe(events.TaskBusted, events.TaskSettled)
	defer sub.Cancel()

	id := h.submit(t, "set the bedroom lamp to half", submission.Options{})

	busted := awaitEvent(t, sub, func(ev events.Event) bool {
		return ev.TaskID == id && ev.Type == events.TaskBusted
	})
	assert.Equal(t, "agent-hi", busted.AgentID, "silent winner busts at the ack deadline")

	settledEv := awaitEvent(t, sub, func(ev events.Event) bool {
		return ev.TaskID == id && ev.Type == events.TaskSettled
	})
	assert.Equal(t, "agent-lo", settledEv.AgentID)

	awaitChan(t, hi.assignments, "winner assignment")
	awaitChan(t, lo.assignments, "backup assignment")

	tk := h.task(t, id)
	assert.Equal(t, task.StatusSettled, tk.Status)
	assert.Equal(t, "agent-lo", tk.WinningAgentID, "backup becomes the assignee")
	assert.Equal(t, 2, tk.Attempt)
	require.NotNil(t, tk.Result)
	assert.Equal(t, "Lamp set to fifty percent.", tk.Result.Response)
}

func TestExchange_AllDeclinedHaltsAndRequeues(t *testing.T) {
	h := newHarness(t)

	a := newWSAgent("agent-a", 0.9)
	a.decline = true
	b := newWSAgent("agent-b", 0.8)
	b.decline = true
	h.connect(t, a)
	h.connect(t, b)

	halts := h.x.Bus().Subscribe(events.ExchangeHalt)
	defer halts.Cancel()

	id := h.submit(t, "please do something unusual here", submission.Options{})

	ev := awaitEvent(t, halts, matchTask(id))
	assert.Equal(t, string(bid.HaltAllDeclined), ev.Fields["reason"])

	h.awaitStatus(t, id, task.StatusQueued)
	h.awaitSpoken(t, "none of my agents can help")

	assert.NotZero(t, drain(a.bidRequests))
	assert.NotZero(t, drain(b.bidRequests))
	requireNoAssignment(t, a)
	requireNoAssignment(t, b)
}

func TestExchange_NoBiddersHalt(t *testing.T) {
	h := newHarness(t)

	halts := h.x.Bus().Subscribe(events.ExchangeHalt)
	defer halts.Cancel()

	id := h.submit(t, "turn off the porch light please", submission.Options{})

	ev := awaitEvent(t, halts, matchTask(id))
	assert.Equal(t, string(bid.HaltNoBidders), ev.Fields["reason"])

	h.awaitStatus(t, id, task.StatusQueued)
	h.awaitSpoken(t, "none of my agents can help")
}

func TestExchange_SilentBiddersTimeOutAfterResolicit(t *testing.T) {
	h := newHarness(t)

	mute := newWSAgent("agent-mute", 0.9)
	mute.silent = true
	h.connect(t, mute)

	halts := h.x.Bus().Subscribe(events.ExchangeHalt)
	defer halts.Cancel()

	id := h.submit(t, "water the plants in the garden", submission.Options{})

	ev := awaitEvent(t, halts, matchTask(id))
	assert.Equal(t, string(bid.HaltAllTimedOut), ev.Fields["reason"])
	h.awaitSpoken(t, "aren't responding right now")

	// Initial solicitation plus one re-send at the bid timeout.
	solicitations := 0
	require.Eventually(t, func() bool {
		solicitations += drain(mute.bidRequests)
		return solicitations >= 2
	}, eventWait, 10*time.Millisecond, "silent agent should be resolicited")
	assert.Equal(t, 2, solicitations, "resolicitation happens exactly once")
}

func TestExchange_FastPathSettlesWithoutAssignment(t *testing.T) {
	h := newHarness(t)

	oracle := newWSAgent("agent-oracle", 0.9)
	oracle.reg.ExecutionType = agent.ExecutionInformational
	oracle.reg.Categories = []string{"knowledge"}
	oracle.fastPath = &task.Result{
		Success:  true,
		Response: "The forecast for tomorrow looks clear.",
	}
	oracle.risk = bid.RiskLow
	h.connect(t, oracle)

	settled := h.x.Bus().Subscribe(events.TaskSettled)
	defer settled.Cancel()

	id := h.submit(t, "how does the weather look tomorrow", submission.Options{})

	ev := awaitEvent(t, settled, matchTask(id))
	assert.Equal(t, "agent-oracle", ev.AgentID)
	assert.Equal(t, true, ev.Fields["fast_path"])

	tk := h.task(t, id)
	assert.Equal(t, task.StatusSettled, tk.Status)
	require.NotNil(t, tk.Result)
	assert.Equal(t, "The forecast for tomorrow looks clear.", tk.Result.Response)

	// The embedded result settled the task; no assignment round ran.
	requireNoAssignment(t, oracle)
	h.awaitSpoken(t, "The forecast for tomorrow looks clear.")
}

func TestExchange_AgentFilterLimitsSolicitation(t *testing.T) {
	h := newHarness(t)

	a := newWSAgent("agent-a", 0.9)
	a.respond = "Timer set for ten minutes."
	b := newWSAgent("agent-b", 0.9)
	h.connect(t, a)
	h.connect(t, b)

	settled := h.x.Bus().Subscribe(events.TaskSettled)
	defer settled.Cancel()

	id := h.submit(t, "set a timer for ten minutes", submission.Options{
		AgentFilter: []string{"agent-a"},
	})

	ev := awaitEvent(t, settled, matchTask(id))
	assert.Equal(t, "agent-a", ev.AgentID)

	assert.NotZero(t, drain(a.bidRequests))
	assert.Zero(t, drain(b.bidRequests), "filtered-out agent is never solicited")
	requireNoAssignment(t, b)
}

func TestExchange_FailedResultDeadLettersWhenBackupsExhausted(t *testing.T) {
	h := newHarness(t)

	flaky := newWSAgent("agent-flaky", 0.9)
	flaky.fail = true
	h.connect(t, flaky)

	sub := h.x.Bus().Subscribe(events.TaskBusted, events.TaskDeadLetter)
	defer sub.Cancel()

	id := h.submit(t, "order my usual coffee beans", submission.Options{})

	busted := awaitEvent(t, sub, func(ev events.Event) bool {
		return ev.TaskID == id && ev.Type == events.TaskBusted
	})
	assert.Equal(t, "agent-flaky", busted.AgentID)

	awaitEvent(t, sub, func(ev events.Event) bool {
		return ev.TaskID == id && ev.Type == events.TaskDeadLetter
	})

	h.awaitStatus(t, id, task.StatusDeadLettered)
	tk := h.task(t, id)
	require.NotNil(t, tk.Result)
	assert.False(t, tk.Result.Success)

	h.awaitSpoken(t, "wasn't able to complete")
}

func TestExchange_CriticalStopCancelsInFlightTask(t *testing.T) {
	h := newHarness(t)

	ag := newWSAgent("agent-slow", 0.9)
	ag.resultDelay = 600 * time.Millisecond
	ag.respond = "Too late."
	h.connect(t, ag)

	cancelled := h.x.Bus().Subscribe(events.TaskCancelled)
	defer cancelled.Cancel()

	id := h.submit(t, "play some relaxing jazz music", submission.Options{})
	awaitChan(t, ag.assignments, "assignment")

	res, err := h.x.Submit(context.Background(), "stop", submission.Options{})
	require.NoError(t, err)
	assert.Equal(t, submission.OutcomeCritical, res.Outcome)
	assert.Equal(t, "Okay, cancelling that.", res.Spoken)

	cp := awaitChan(t, ag.cancels, "cancel frame")
	assert.Equal(t, id, cp.TaskID)

	awaitEvent(t, cancelled, matchTask(id))
	h.awaitStatus(t, id, task.StatusCancelled)

	// The agent still delivers its result; the exchange must swallow it.
	awaitChan(t, ag.sentResults, "late result send")
	time.Sleep(100 * time.Millisecond)

	tk := h.task(t, id)
	assert.Equal(t, task.StatusCancelled, tk.Status, "late result cannot revive a cancelled task")
	assert.False(t, h.speaker.said("Too late."), "suppressed result is never voiced")
}

func TestExchange_PendingInputContinuationResumesExecution(t *testing.T) {
	h := newHarness(t)

	ag := newWSAgent("agent-forecast", 0.9)
	ag.needsInput = &task.NeedsInput{Field: "day", Prompt: "Which day do you want?"}
	ag.respond = "The forecast for tomorrow looks clear."
	h.connect(t, ag)

	sub := h.x.Bus().Subscribe(events.TaskNeedsInput, events.TaskSettled)
	defer sub.Cancel()

	id := h.submit(t, "what is the weather like", submission.Options{})

	awaitEvent(t, sub, func(ev events.Event) bool {
		return ev.TaskID == id && ev.Type == events.TaskNeedsInput
	})
	h.awaitSpoken(t, "Which day do you want?")

	// The next utterance answers the open question instead of queueing.
	res, err := h.x.Submit(context.Background(), "tomorrow in the morning please", submission.Options{})
	require.NoError(t, err)
	assert.Equal(t, submission.OutcomeContinuation, res.Outcome)
	assert.Equal(t, "agent-forecast", res.AgentID)

	awaitEvent(t, sub, func(ev events.Event) bool {
		return ev.TaskID == id && ev.Type == events.TaskSettled
	})

	tk := h.task(t, id)
	assert.Equal(t, task.StatusSettled, tk.Status)
	assert.Equal(t, "tomorrow in the morning please", tk.Metadata.PendingInputs["day"])
	require.NotNil(t, tk.Result)
	assert.Equal(t, "The forecast for tomorrow looks clear.", tk.Result.Response)
}

func TestExchange_SlowExecutionGetsSpokenAcknowledgement(t *testing.T) {
	h := newHarness(t)

	ag := newWSAgent("agent-steady", 0.9)
	ag.resultDelay = 400 * time.Millisecond
	ag.respond = "Volume set to thirty percent."
	h.connect(t, ag)

	settled := h.x.Bus().Subscribe(events.TaskSettled)
	defer settled.Cancel()

	id := h.submit(t, "turn the volume down a bit", submission.Options{})
	awaitEvent(t, settled, matchTask(id))
	h.awaitSpoken(t, "Volume set to thirty percent.")

	lines := h.speaker.linesFor(id)
	require.GreaterOrEqual(t, len(lines), 2, "an acknowledgement precedes the answer")
	assert.NotEqual(t, "Volume set to thirty percent.", lines[0])
	assert.Equal(t, "Volume set to thirty percent.", lines[len(lines)-1])
}

func TestExchange_StatusCountsConnectedAgents(t *testing.T) {
	h := newHarness(t)

	h.connect(t, newWSAgent("agent-a", 0.9))
	h.connect(t, newWSAgent("agent-b", 0.9))

	st := h.x.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 2, st.AgentCount)
	assert.Zero(t, st.QueueDepth)
	assert.Len(t, st.Agents, 2)
}

func TestExchange_ShutdownRejectsNewSubmissions(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.x.Shutdown(ctx))

	_, err := h.x.Submit(context.Background(), "turn on the kitchen lights please", submission.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shut down")
	assert.False(t, h.x.Status().Running)
}

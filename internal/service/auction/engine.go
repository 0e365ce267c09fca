package auction

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/agent-exchange/internal/domain/bid"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/config"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/events"
)

const (
	// topK bounds how many ranked bids the master evaluator sees.
	topK = 3
	// longUtteranceWords extends the window for long requests.
	longUtteranceWords = 24
)

// round is one live auction window.
type round struct {
	auction *bid.Auction

	mu      sync.Mutex
	closed  bool
	arrival map[string]int
	seq     int

	wake chan struct{}
}

func (r *round) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// engine implements the Service interface
type engine struct {
	requester  BidRequester
	reputation Reputation
	evaluator  Evaluator
	circuit    *Circuit
	bus        *events.Bus
	cfg        config.AuctionConfig
	bidder     config.BidderConfig
	logger     *zap.Logger

	mu     sync.Mutex
	rounds map[uuid.UUID]*round
}

// NewEngine creates the auction engine. evaluator may be nil, in which case
// the ranked order stands.
func NewEngine(
	requester BidRequester,
	reputation Reputation,
	evaluator Evaluator,
	circuit *Circuit,
	bus *events.Bus,
	cfg config.AuctionConfig,
	bidder config.BidderConfig,
	logger *zap.Logger,
) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &engine{
		requester:  requester,
		reputation: reputation,
		evaluator:  evaluator,
		circuit:    circuit,
		bus:        bus,
		cfg:        cfg,
		bidder:     bidder,
		logger:     logger,
		rounds:     make(map[uuid.UUID]*round),
	}
}

func (e *engine) bidTimeout() time.Duration {
	return time.Duration(e.bidder.BidTimeoutMs) * time.Millisecond
}

// window derives the bid window from the task: urgent tasks shrink to the
// minimum, long utterances stretch, and the result always fits one bid retry.
func (e *engine) window(t *task.Task) time.Duration {
	ms := e.cfg.DefaultWindowMs
	if t.Priority <= 2 {
		ms = e.cfg.MinWindowMs
	} else if len(strings.Fields(t.Content)) >= longUtteranceWords {
		ms += 2000
	}
	if ms < e.cfg.MinWindowMs {
		ms = e.cfg.MinWindowMs
	}
	if ms > e.cfg.MaxWindowMs {
		ms = e.cfg.MaxWindowMs
	}
	if floor := 2 * e.bidder.BidTimeoutMs; ms < floor {
		ms = floor
	}
	return time.Duration(ms) * time.Millisecond
}

func (e *engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rounds) > 0
}

func (e *engine) Run(ctx context.Context, t *task.Task, solicited []Bidder) (*Result, error) {
	if len(solicited) == 0 {
		e.halt(t, nil, bid.HaltNoBidders)
		return &Result{Halt: bid.HaltNoBidders}, nil
	}

	ids := make([]string, len(solicited))
	info := make(map[string]Bidder, len(solicited))
	for i, b := range solicited {
		ids[i] = b.AgentID
		info[b.AgentID] = b
	}

	window := e.window(t)
	a := bid.NewAuction(t.ID, ids, window)
	r := &round{
		auction: a,
		arrival: make(map[string]int),
		wake:    make(chan struct{}, 1),
	}

	e.mu.Lock()
	e.rounds[a.ID] = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.rounds, a.ID)
		e.mu.Unlock()
	}()

	e.logger.Info("auction started",
		zap.String("auction_id", a.ID.String()),
		zap.String("task_id", t.ID.String()),
		zap.Duration("window", window),
		zap.Int("solicited", len(ids)),
	)
	e.bus.Publish(events.Event{
		Type:   events.AuctionStarted,
		TaskID: t.ID,
		Fields: map[string]interface{}{
			"auction_id": a.ID.String(),
			"window_ms":  window.Milliseconds(),
			"solicited":  len(ids),
		},
	})

	snap := t.Snapshot()
	e.solicit(r, snap, window, ids)

	windowTimer := time.NewTimer(window)
	defer windowTimer.Stop()
	resend := time.NewTimer(e.bidTimeout())
	defer resend.Stop()
	resent := false

collect:
	for {
		select {
		case <-ctx.Done():
			r.close()
			a.Outcome = bid.OutcomeCancelled
			return nil, ctx.Err()
		case <-windowTimer.C:
			break collect
		case <-resend.C:
			if !resent {
				resent = true
				e.resolicit(r, snap, window)
			}
		case <-r.wake:
			if e.shouldClose(r) {
				break collect
			}
		}
	}

	r.close()
	return e.finalize(ctx, t, r, info, window), nil
}

// solicit sends bid_request to every agent, retrying a failed send once.
// Agents unreachable after the retry are recorded as errored responses.
func (e *engine) solicit(r *round, snap task.Snapshot, deadline time.Duration, ids []string) {
	for _, id := range ids {
		err := e.requester.RequestBid(id, r.auction.ID, snap, deadline)
		if err != nil {
			err = e.requester.RequestBid(id, r.auction.ID, snap, deadline)
		}
		if err != nil {
			e.logger.Warn("bid solicitation failed",
				zap.String("agent_id", id),
				zap.Error(err),
			)
			r.mu.Lock()
			r.auction.RecordError(id)
			r.mu.Unlock()
			e.circuit.RecordFailure()
		}
	}
}

// resolicit re-sends the bid_request to agents that have not responded at
// the bid timeout, so one slow evaluation gets a second chance inside the
// window.
func (e *engine) resolicit(r *round, snap task.Snapshot, deadline time.Duration) {
	r.mu.Lock()
	var silent []string
	for _, id := range r.auction.Solicited {
		if _, ok := r.auction.Responded[id]; !ok {
			silent = append(silent, id)
		}
	}
	r.mu.Unlock()

	for _, id := range silent {
		if err := e.requester.RequestBid(id, r.auction.ID, snap, deadline); err != nil {
			e.logger.Debug("bid re-solicitation failed",
				zap.String("agent_id", id),
				zap.Error(err),
			)
		}
	}
}

func (e *engine) HandleBidResponse(auctionID uuid.UUID, agentID string, b *bid.Bid) {
	e.mu.Lock()
	r, ok := e.rounds[auctionID]
	e.mu.Unlock()
	if !ok {
		// Window already closed or auction unknown.
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	accepted := r.auction.Record(agentID, b)
	if accepted {
		if _, seen := r.arrival[agentID]; !seen {
			r.seq++
			r.arrival[agentID] = r.seq
		}
	}
	var latency int64
	if b != nil {
		latency = b.LatencyMs
	}
	r.mu.Unlock()

	if !accepted {
		e.logger.Debug("bid from unsolicited agent dropped",
			zap.String("auction_id", auctionID.String()),
			zap.String("agent_id", agentID),
		)
		return
	}

	e.circuit.RecordSuccess()
	if b != nil {
		e.reputation.RecordAttempt(agentID, float64(latency))
	}

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// shouldClose checks the early-close conditions: everyone responded, or an
// instant-win bid dominates the field so far.
func (e *engine) shouldClose(r *round) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := r.auction
	if a.AllResponded() {
		return true
	}

	var best, second float64
	for _, b := range a.Bids {
		if b.Confidence > best {
			second = best
			best = b.Confidence
		} else if b.Confidence > second {
			second = b.Confidence
		}
	}
	return best >= e.cfg.InstantWinThreshold && best-second > e.cfg.DominanceMargin
}

// finalize marks timeouts, ranks the surviving bids, consults the master
// evaluator, and produces the selection or a halt.
func (e *engine) finalize(ctx context.Context, t *task.Task, r *round, info map[string]Bidder, window time.Duration) *Result {
	a := r.auction

	r.mu.Lock()
	for _, id := range a.Timeouts() {
		a.Responded[id] = bid.ResponseTimedOut
		e.reputation.RecordFailure(id, window)
		e.circuit.RecordFailure()
	}
	candidates := e.rank(r)
	responded := make(map[string]bid.Response, len(a.Responded))
	for id, resp := range a.Responded {
		responded[id] = resp
	}
	r.mu.Unlock()

	if e.circuit.Open() {
		// Open circuit forces every bid to zero confidence.
		e.logger.Warn("bidder circuit open; treating all bids as zero-confidence",
			zap.String("auction_id", a.ID.String()))
		candidates = nil
	}

	if len(candidates) == 0 {
		reason := classifyHalt(responded)
		r.mu.Lock()
		a.Outcome = bid.OutcomeHalted
		a.HaltReason = reason
		r.mu.Unlock()
		e.halt(t, a, reason)
		return &Result{Auction: a, Halt: reason}
	}

	note := ""
	if e.evaluator != nil && len(candidates) > 1 {
		top := candidates
		if len(top) > topK {
			top = top[:topK]
		}
		evalCtx, cancel := context.WithTimeout(ctx, e.bidTimeout())
		verdict, err := e.evaluator.EvaluateTop(evalCtx, t, top)
		cancel()
		switch {
		case err != nil:
			e.logger.Warn("master evaluator failed; keeping ranked order",
				zap.String("auction_id", a.ID.String()),
				zap.Error(err),
			)
		case verdict != nil && len(verdict.Order) > 0:
			candidates = applyVerdict(candidates, verdict.Order, len(top))
			note = verdict.Reasoning
		}
	}

	winner := candidates[0]
	backups := make([]string, 0, len(candidates)-1)
	for _, b := range candidates[1:] {
		backups = append(backups, b.AgentID)
	}

	r.mu.Lock()
	a.Outcome = bid.OutcomeResolved
	a.WinnerID = winner.AgentID
	a.Backups = backups
	r.mu.Unlock()

	e.reputation.RecordWin(winner.AgentID)

	res := &Result{
		Auction:       a,
		Winner:        winner.AgentID,
		Backups:       backups,
		WinningBid:    winner,
		EvaluatorNote: note,
	}
	if winner.Result != nil &&
		winner.HallucinationRisk != bid.RiskHigh &&
		info[winner.AgentID].Informational {
		res.FastPath = winner.Result
	}

	e.logger.Info("auction resolved",
		zap.String("auction_id", a.ID.String()),
		zap.String("task_id", t.ID.String()),
		zap.String("winner", winner.AgentID),
		zap.Float64("confidence", winner.Confidence),
		zap.Strings("backups", backups),
		zap.Bool("fast_path", res.FastPath != nil),
	)
	return res
}

// rank orders the surviving bids by confidence, breaking ties by flagged
// status, reputation score, average bid latency, then arrival order.
// Callers hold r.mu.
func (e *engine) rank(r *round) []*bid.Bid {
	a := r.auction

	// A lone bidder resolves on any positive confidence; a field of bids
	// must clear the discard floor.
	floor := e.cfg.ConfidenceFloor
	if len(a.Solicited) == 1 {
		floor = 0
	}

	bids := make([]*bid.Bid, 0, len(a.Bids))
	for _, b := range a.Bids {
		if b.Confidence > floor {
			bids = append(bids, b)
		}
	}

	sort.SliceStable(bids, func(i, j int) bool {
		bi, bj := bids[i], bids[j]
		if bi.Confidence != bj.Confidence {
			return bi.Confidence > bj.Confidence
		}
		fi, fj := e.reputation.Flagged(bi.AgentID), e.reputation.Flagged(bj.AgentID)
		if fi != fj {
			return !fi
		}
		si, sj := e.reputation.Score(bi.AgentID), e.reputation.Score(bj.AgentID)
		if si != sj {
			return si > sj
		}
		li, lj := e.reputation.AvgLatencyMs(bi.AgentID), e.reputation.AvgLatencyMs(bj.AgentID)
		if li != lj {
			return li < lj
		}
		return r.arrival[bi.AgentID] < r.arrival[bj.AgentID]
	})
	return bids
}

// applyVerdict reorders the top segment of ranked to follow the evaluator's
// order. Unknown ids are discarded; top bids the verdict skipped keep their
// relative order behind the named ones.
func applyVerdict(ranked []*bid.Bid, order []string, topN int) []*bid.Bid {
	if topN > len(ranked) {
		topN = len(ranked)
	}
	top := ranked[:topN]

	byID := make(map[string]*bid.Bid, topN)
	for _, b := range top {
		byID[b.AgentID] = b
	}

	reordered := make([]*bid.Bid, 0, len(ranked))
	taken := make(map[string]bool, topN)
	for _, id := range order {
		if b, ok := byID[id]; ok && !taken[id] {
			reordered = append(reordered, b)
			taken[id] = true
		}
	}
	for _, b := range top {
		if !taken[b.AgentID] {
			reordered = append(reordered, b)
		}
	}
	return append(reordered, ranked[topN:]...)
}

// classifyHalt picks the halt reason from the response set: a window where
// nobody answered at all is all_timed_out; any decline, discarded bid, or
// errored evaluation makes it all_declined.
func classifyHalt(responded map[string]bid.Response) bid.HaltReason {
	if len(responded) == 0 {
		return bid.HaltAllTimedOut
	}
	allTimedOut := true
	for _, resp := range responded {
		if resp != bid.ResponseTimedOut {
			allTimedOut = false
			break
		}
	}
	if allTimedOut {
		return bid.HaltAllTimedOut
	}
	return bid.HaltAllDeclined
}

func (e *engine) halt(t *task.Task, a *bid.Auction, reason bid.HaltReason) {
	fields := map[string]interface{}{"reason": string(reason)}
	if a != nil {
		fields["auction_id"] = a.ID.String()
		fields["solicited"] = len(a.Solicited)
	}
	e.logger.Warn("auction halted",
		zap.String("task_id", t.ID.String()),
		zap.String("reason", string(reason)),
	)
	e.bus.Publish(events.Event{
		Type:   events.ExchangeHalt,
		TaskID: t.ID,
		Fields: fields,
	})
}

package auction

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/agent-exchange/internal/domain/bid"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
)

// Service defines the auction engine interface
type Service interface {
	// Run executes one sealed-bid round for the task over the solicited
	// agents and returns the selection or a halt.
	Run(ctx context.Context, t *task.Task, solicited []Bidder) (*Result, error)
	// HandleBidResponse feeds an agent's bid_response frame into its open
	// window. Frames for closed or unknown auctions are dropped.
	HandleBidResponse(auctionID uuid.UUID, agentID string, b *bid.Bid)
	// Active reports whether an auction window is currently open.
	Active() bool
}

// Bidder is the engine's view of one solicitable agent.
type Bidder struct {
	AgentID       string
	Version       string
	Informational bool
}

// Result is the outcome of one auction round. Winner is empty on halt.
type Result struct {
	Auction *bid.Auction
	Winner  string
	Backups []string

	// WinningBid is the winner's bid; nil on halt.
	WinningBid *bid.Bid
	// FastPath carries the winner's embedded result when it may settle the
	// task without an execution round.
	FastPath *task.Result
	// EvaluatorNote is the master evaluator's reasoning, kept for feedback
	// after settlement.
	EvaluatorNote string

	Halt bid.HaltReason
}

// Halted reports whether the round ended without a winner.
func (r *Result) Halted() bool {
	return r.Winner == ""
}

// BidRequester delivers bid_request frames to agents.
type BidRequester interface {
	// RequestBid asks one agent to bid on the auction before the deadline.
	RequestBid(agentID string, auctionID uuid.UUID, snap task.Snapshot, deadline time.Duration) error
}

// Evaluator is the optional master evaluator consulted on the top ranked
// bids. Its verdict is advisory.
type Evaluator interface {
	// EvaluateTop may reorder the top bids; order names agent ids best
	// first. Ids absent from order keep their ranked positions.
	EvaluateTop(ctx context.Context, t *task.Task, top []*bid.Bid) (*Verdict, error)
}

// Verdict is the master evaluator's advisory reordering.
type Verdict struct {
	Order     []string
	Reasoning string
}

// Reputation is the slice of the reputation tracker the engine consults for
// tie-breaks and feeds with auction outcomes.
type Reputation interface {
	RecordAttempt(agentID string, latencyMs float64)
	RecordWin(agentID string)
	RecordFailure(agentID string, duration time.Duration)
	Score(agentID string) float64
	Flagged(agentID string) bool
	AvgLatencyMs(agentID string) float64
}

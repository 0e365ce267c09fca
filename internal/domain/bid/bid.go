package bid

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/agent-exchange/internal/domain/task"
)

// HallucinationRisk is an agent's self-reported confidence tag on an
// embedded fast-path result.
type HallucinationRisk string

const (
	RiskLow    HallucinationRisk = "low"
	RiskMedium HallucinationRisk = "medium"
	RiskHigh   HallucinationRisk = "high"
)

// Bid is one agent's sealed response to a bid_request. A nil Bid in a
// bid_response frame is a valid decline.
type Bid struct {
	AuctionID    uuid.UUID `json:"auction_id"`
	AgentID      string    `json:"agent_id"`
	AgentVersion string    `json:"agent_version,omitempty"`

	// Confidence in [0,1]. Bids at or below the discard floor never rank.
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`

	// EstimatedMs is the agent's guess at execution time.
	EstimatedMs int64 `json:"estimated_ms,omitempty"`

	// Embedded fast-path payload. Eligible only when the result is present,
	// the risk is not high, and the bidding agent is informational.
	Result            *task.Result      `json:"result,omitempty"`
	HallucinationRisk HallucinationRisk `json:"hallucination_risk,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
	LatencyMs  int64     `json:"latency_ms"`
}

// Outcome classifies how an auction ended.
type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeHalted    Outcome = "halted"
	OutcomeCancelled Outcome = "cancelled"
)

// HaltReason explains a halted auction.
type HaltReason string

const (
	HaltNoBidders   HaltReason = "no_bidders"
	HaltAllDeclined HaltReason = "all_declined"
	HaltAllTimedOut HaltReason = "all_timed_out"
)

// Response records what one solicited agent did within the window.
type Response string

const (
	ResponseBid      Response = "bid"
	ResponseDeclined Response = "declined"
	ResponseTimedOut Response = "timed_out"
	ResponseErrored  Response = "errored"
)

// Auction is one sealed-bid round for a task. The engine owns it for the
// lifetime of the window and releases it on resolution.
type Auction struct {
	ID     uuid.UUID `json:"id"`
	TaskID uuid.UUID `json:"task_id"`

	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	// Solicited is frozen at window open.
	Solicited []string `json:"solicited"`

	// Bids keyed by agent id; duplicate bids within the window overwrite.
	Bids map[string]*Bid `json:"bids"`

	// Responded includes declines; agents solicited but absent here at close
	// are timeouts.
	Responded map[string]Response `json:"responded"`

	Outcome    Outcome    `json:"outcome,omitempty"`
	HaltReason HaltReason `json:"halt_reason,omitempty"`
	WinnerID   string     `json:"winner_id,omitempty"`
	Backups    []string   `json:"backups,omitempty"`
}

// NewAuction opens an auction for the given task with a frozen solicitation
// set and window.
func NewAuction(taskID uuid.UUID, solicited []string, window time.Duration) *Auction {
	now := time.Now()
	return &Auction{
		ID:          uuid.New(),
		TaskID:      taskID,
		WindowStart: now,
		WindowEnd:   now.Add(window),
		Solicited:   solicited,
		Bids:        make(map[string]*Bid),
		Responded:   make(map[string]Response),
	}
}

// Record stores a bid or decline from a solicited agent. Last write wins per
// agent. It returns false for agents outside the frozen solicitation set.
func (a *Auction) Record(agentID string, b *Bid) bool {
	if !a.WasSolicited(agentID) {
		return false
	}
	if b == nil {
		a.Responded[agentID] = ResponseDeclined
		delete(a.Bids, agentID)
		return true
	}
	b.AgentID = agentID
	b.AuctionID = a.ID
	b.ReceivedAt = time.Now()
	b.LatencyMs = b.ReceivedAt.Sub(a.WindowStart).Milliseconds()
	a.Bids[agentID] = b
	a.Responded[agentID] = ResponseBid
	return true
}

// RecordError marks an agent whose bid evaluation failed; it counts as a
// response with zero confidence.
func (a *Auction) RecordError(agentID string) {
	if !a.WasSolicited(agentID) {
		return
	}
	a.Responded[agentID] = ResponseErrored
	delete(a.Bids, agentID)
}

// WasSolicited reports whether the agent is in the frozen solicitation set.
func (a *Auction) WasSolicited(agentID string) bool {
	for _, id := range a.Solicited {
		if id == agentID {
			return true
		}
	}
	return false
}

// Timeouts returns the solicited agents that never responded.
func (a *Auction) Timeouts() []string {
	var out []string
	for _, id := range a.Solicited {
		if _, ok := a.Responded[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// AllResponded reports whether every solicited agent has bid or declined.
func (a *Auction) AllResponded() bool {
	return len(a.Responded) >= len(a.Solicited)
}

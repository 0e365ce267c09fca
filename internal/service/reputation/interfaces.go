package reputation

import "time"

// Service defines the reputation tracker interface
type Service interface {
	// RecordAttempt notes an auction participation and its bid latency
	RecordAttempt(agentID string, latencyMs float64)
	// RecordWin notes an auction win
	RecordWin(agentID string)
	// RecordSuccess notes a successful execution with its duration
	RecordSuccess(agentID string, duration time.Duration)
	// RecordFailure notes a failed or timed-out execution
	RecordFailure(agentID string, duration time.Duration)
	// Score returns the agent's decayed score in [0,1]
	Score(agentID string) float64
	// Flagged reports whether the agent sits under the score floor
	Flagged(agentID string) bool
	// AvgLatencyMs returns the agent's average bid latency in the window
	AvgLatencyMs(agentID string) float64
	// Snapshot returns the rolling counts for one agent
	Snapshot(agentID string) Snapshot
	// Snapshots returns the rolling counts for every tracked agent
	Snapshots() map[string]Snapshot
}

// Snapshot is the rolling reputation view of one agent.
type Snapshot struct {
	AgentID        string  `json:"agent_id"`
	Wins           int     `json:"wins"`
	Attempts       int     `json:"attempts"`
	Successes      int     `json:"successes"`
	Failures       int     `json:"failures"`
	Score          float64 `json:"score"`
	Flagged        bool    `json:"flagged"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	AvgExecutionMs float64 `json:"avg_execution_ms"`
}

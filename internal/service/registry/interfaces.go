package registry

import (
	"github.com/davidleathers/agent-exchange/internal/domain/agent"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
)

// Service defines the agent registry interface
type Service interface {
	// Register upserts an agent record and attaches its connection. The
	// returned stale connection, if any, must be closed by the caller.
	Register(reg agent.Registration, conn agent.Conn) (*agent.Record, agent.Conn, error)
	// Disconnect detaches an agent's connection when the given connection
	// id still owns the record. Detaching a superseded session is a no-op.
	Disconnect(agentID, connID string)
	// ByID retrieves an agent record
	ByID(id string) (*agent.Record, bool)
	// All returns every registered agent
	All() []*agent.Record
	// Healthy returns the connected agents currently marked healthy
	Healthy() []*agent.Record
	// Filter returns the agents matching a predicate
	Filter(pred func(*agent.Record) bool) []*agent.Record
	// Candidates returns the agents eligible to bid on a task. Unhealthy
	// agents stay eligible; bid confidence and reputation handle them.
	Candidates(t *task.Task) []*agent.Record
	// ErrorAgent returns the connected bid-excluded agent designated to
	// answer for dead-lettered tasks, if one is registered.
	ErrorAgent() (string, bool)
	// RecordOutcome feeds an execution outcome into agent health
	RecordOutcome(agentID string, success bool)
	// Touch records a sign of life from the agent
	Touch(agentID string)
	// AdjustInFlight tracks how many attempts an agent is running
	AdjustInFlight(agentID string, delta int)
	// Count returns the number of registered agents
	Count() int
	// ConnectedCount returns the number of agents with a live session
	ConnectedCount() int
	// Summaries returns the status view of every agent
	Summaries() []agent.Summary
}

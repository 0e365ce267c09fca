package exchange

import (
	"github.com/google/uuid"

	"github.com/davidleathers/agent-exchange/internal/domain/agent"
)

// Speaker receives everything the exchange says out loud: deferred
// acknowledgements, final responses, clarifications, and pending-input
// prompts. taskID is uuid.Nil for lines that have no task behind them.
type Speaker interface {
	Say(taskID uuid.UUID, text string)
}

// Status is the ingress status view of the exchange.
type Status struct {
	Running    bool            `json:"running"`
	Port       int             `json:"port"`
	AgentCount int             `json:"agent_count"`
	QueueDepth int             `json:"queue_depth"`
	Agents     []agent.Summary `json:"agents"`
}

// ReconnectReport summarises one ReconnectAgents pass.
type ReconnectReport struct {
	Reconnected      []string `json:"reconnected"`
	Failed           []string `json:"failed"`
	AlreadyConnected []string `json:"already_connected"`
}

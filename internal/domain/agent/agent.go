package agent

import (
	"time"
)

// ExecutionType tags how an agent produces results. Only informational
// agents are eligible for fast-path settlement from an embedded bid result.
type ExecutionType string

const (
	ExecutionInformational ExecutionType = "informational"
	ExecutionAction        ExecutionType = "action"
	ExecutionOrchestrator  ExecutionType = "orchestrator"
)

// Health is the registry's view of an agent's liveness.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// Registration is the payload an agent presents when it connects.
type Registration struct {
	ID            string        `json:"id" validate:"required"`
	Version       string        `json:"version" validate:"required"`
	Categories    []string      `json:"categories"`
	Capabilities  []string      `json:"capabilities"`
	BidExcluded   bool          `json:"bid_excluded"`
	ExecutionType ExecutionType `json:"execution_type"`
}

// Record is the registry's entry for a registered agent. The connection
// handle lives on the record so re-registration can discard a stale one; it
// is excluded from serialisation.
type Record struct {
	ID            string        `json:"id"`
	Version       string        `json:"version"`
	Categories    []string      `json:"categories"`
	Capabilities  []string      `json:"capabilities"`
	BidExcluded   bool          `json:"bid_excluded"`
	ExecutionType ExecutionType `json:"execution_type"`

	Health       Health    `json:"health"`
	InFlight     int       `json:"in_flight"`
	ConnectionID string    `json:"connection_id,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`

	// Consecutive execution failures, used for the unhealthy transition.
	consecutiveFailures int
	firstFailureAt      time.Time

	conn Conn
}

// Conn is the transport handle for one agent. Implementations deliver framed
// messages to the agent and report whether the peer is still reachable.
type Conn interface {
	// ID returns the transport connection id.
	ID() string
	// Send writes one protocol frame to the agent.
	Send(v interface{}) error
	// Close tears the connection down. An intentional close suppresses
	// reconnection.
	Close(intentional bool) error
	// Alive reports whether the connection is usable.
	Alive() bool
}

// NewRecord creates a healthy record from a registration.
func NewRecord(reg Registration) *Record {
	now := time.Now()
	execType := reg.ExecutionType
	if execType == "" {
		execType = ExecutionAction
	}
	return &Record{
		ID:            reg.ID,
		Version:       reg.Version,
		Categories:    reg.Categories,
		Capabilities:  reg.Capabilities,
		BidExcluded:   reg.BidExcluded,
		ExecutionType: execType,
		Health:        HealthHealthy,
		RegisteredAt:  now,
		LastSeenAt:    now,
	}
}

// AttachConn swaps the transport handle, returning the stale one (if any) so
// the caller can close it.
func (r *Record) AttachConn(conn Conn) Conn {
	stale := r.conn
	r.conn = conn
	if conn != nil {
		r.ConnectionID = conn.ID()
	} else {
		r.ConnectionID = ""
	}
	r.LastSeenAt = time.Now()
	return stale
}

// Conn returns the current transport handle, which may be nil when the agent
// is disconnected.
func (r *Record) Conn() Conn {
	return r.conn
}

// Connected reports whether a live transport handle is attached.
func (r *Record) Connected() bool {
	return r.conn != nil && r.conn.Alive()
}

// Touch records a sign of life from the agent.
func (r *Record) Touch() {
	r.LastSeenAt = time.Now()
}

// MarkHealthy resets the failure streak.
func (r *Record) MarkHealthy() {
	r.Health = HealthHealthy
	r.consecutiveFailures = 0
}

// MarkUnhealthy flags the agent without removing it from the registry.
func (r *Record) MarkUnhealthy() {
	r.Health = HealthUnhealthy
}

// RecordFailure counts a consecutive execution failure. It returns true when
// the streak reaches threshold within window and the agent flips unhealthy.
func (r *Record) RecordFailure(threshold int, window time.Duration) bool {
	now := time.Now()
	if r.consecutiveFailures == 0 || now.Sub(r.firstFailureAt) > window {
		r.consecutiveFailures = 0
		r.firstFailureAt = now
	}
	r.consecutiveFailures++
	if r.consecutiveFailures >= threshold {
		r.Health = HealthUnhealthy
		return true
	}
	return false
}

// RecordSuccess clears the failure streak and restores health.
func (r *Record) RecordSuccess() {
	r.consecutiveFailures = 0
	r.Health = HealthHealthy
}

// Summary is the serialisable status view of an agent.
type Summary struct {
	ID            string        `json:"id"`
	Version       string        `json:"version"`
	Categories    []string      `json:"categories"`
	Capabilities  []string      `json:"capabilities"`
	ExecutionType ExecutionType `json:"execution_type"`
	Health        Health        `json:"health"`
	Connected     bool          `json:"connected"`
	InFlight      int           `json:"in_flight"`
	BidExcluded   bool          `json:"bid_excluded"`
}

// Summary returns the status view of the record.
func (r *Record) Summary() Summary {
	return Summary{
		ID:            r.ID,
		Version:       r.Version,
		Categories:    r.Categories,
		Capabilities:  r.Capabilities,
		ExecutionType: r.ExecutionType,
		Health:        r.Health,
		Connected:     r.Connected(),
		InFlight:      r.InFlight,
		BidExcluded:   r.BidExcluded,
	}
}

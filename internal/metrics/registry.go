package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds all domain-specific metrics for the exchange
type Registry struct {
	meter metric.Meter

	// Auction Domain Metrics
	AuctionDuration      metric.Float64Histogram
	AuctionsPerSecond    metric.Float64ObservableGauge
	AuctionResolvedTotal metric.Int64Counter
	AuctionHaltedTotal   metric.Int64Counter
	InstantWinTotal      metric.Int64Counter
	BidLatency           metric.Float64Histogram
	BidsReceivedTotal    metric.Int64Counter
	BidTimeoutTotal      metric.Int64Counter

	// Task Domain Metrics
	TaskDuration        metric.Float64Histogram
	ActiveTasks         metric.Int64ObservableGauge
	TaskQueueDepth      metric.Int64ObservableGauge
	TaskSettledTotal    metric.Int64Counter
	TaskBustedTotal     metric.Int64Counter
	TaskDeadLetterTotal metric.Int64Counter
	TaskFalloverTotal   metric.Int64Counter
	HeartbeatTotal      metric.Int64Counter

	// Routing Domain Metrics
	RoutingCacheHitTotal  metric.Int64Counter
	RoutingCacheMissTotal metric.Int64Counter
	OptimizerLatency      metric.Float64Histogram
	PreScreenTotal        metric.Int64Counter
	DecompositionTotal    metric.Int64Counter

	// Transport Metrics
	ConnectedAgents   metric.Int64ObservableGauge
	FramesInTotal     metric.Int64Counter
	FramesOutTotal    metric.Int64Counter
	AgentTimeoutTotal metric.Int64Counter

	// API Metrics
	APIRequestDuration metric.Float64Histogram
	APIRequestCounter  metric.Int64Counter

	// State for observable metrics
	mu                sync.RWMutex
	activeTasks       int64
	taskQueueDepth    int64
	connectedAgents   int64
	auctionsProcessed int64
	lastAuctionCount  int64
	lastAuctionTime   time.Time
}

// NewRegistry creates a new metrics registry with all domain metrics
func NewRegistry(meterName string) (*Registry, error) {
	meter := otel.Meter(meterName)
	r := &Registry{
		meter:           meter,
		lastAuctionTime: time.Now(),
	}

	if err := r.initAuctionMetrics(); err != nil {
		return nil, err
	}

	if err := r.initTaskMetrics(); err != nil {
		return nil, err
	}

	if err := r.initRoutingMetrics(); err != nil {
		return nil, err
	}

	if err := r.initTransportMetrics(); err != nil {
		return nil, err
	}

	if err := r.initAPIMetrics(); err != nil {
		return nil, err
	}

	return r, nil
}

// initAuctionMetrics initializes auction domain metrics
func (r *Registry) initAuctionMetrics() error {
	var err error

	// Auction duration histogram
	r.AuctionDuration, err = r.meter.Float64Histogram(
		"ate.auction.duration",
		metric.WithDescription("Auction window duration from open to resolution in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 2000, 4000, 6000, 8000, 10000, 12000),
	)
	if err != nil {
		return err
	}

	// Auctions per second gauge
	r.AuctionsPerSecond, err = r.meter.Float64ObservableGauge(
		"ate.auction.throughput_per_second",
		metric.WithDescription("Current auction resolution throughput per second"),
		metric.WithFloat64Callback(func(ctx context.Context, o metric.Float64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()

			now := time.Now()
			elapsed := now.Sub(r.lastAuctionTime).Seconds()
			if elapsed > 0 {
				rate := float64(r.auctionsProcessed-r.lastAuctionCount) / elapsed
				o.Observe(rate)
				r.lastAuctionCount = r.auctionsProcessed
				r.lastAuctionTime = now
			}
			return nil
		}),
	)
	if err != nil {
		return err
	}

	// Auction outcome counters
	r.AuctionResolvedTotal, err = r.meter.Int64Counter(
		"ate.auction.resolved_total",
		metric.WithDescription("Total number of auctions resolved with a winner"),
	)
	if err != nil {
		return err
	}

	r.AuctionHaltedTotal, err = r.meter.Int64Counter(
		"ate.auction.halted_total",
		metric.WithDescription("Total number of auctions halted without a winner"),
	)
	if err != nil {
		return err
	}

	r.InstantWinTotal, err = r.meter.Int64Counter(
		"ate.auction.instant_win_total",
		metric.WithDescription("Total number of auctions closed early by a decisive bid"),
	)
	if err != nil {
		return err
	}

	// Bid latency histogram
	r.BidLatency, err = r.meter.Float64Histogram(
		"ate.bid.latency",
		metric.WithDescription("Time from solicitation to bid arrival in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(50, 100, 250, 500, 1000, 2000, 4000, 6000),
	)
	if err != nil {
		return err
	}

	// Bid counters
	r.BidsReceivedTotal, err = r.meter.Int64Counter(
		"ate.bid.received_total",
		metric.WithDescription("Total number of bids received"),
	)
	if err != nil {
		return err
	}

	r.BidTimeoutTotal, err = r.meter.Int64Counter(
		"ate.bid.timeout_total",
		metric.WithDescription("Total number of solicited agents that never responded"),
	)

	return err
}

// initTaskMetrics initializes task domain metrics
func (r *Registry) initTaskMetrics() error {
	var err error

	// Task duration histogram
	r.TaskDuration, err = r.meter.Float64Histogram(
		"ate.task.duration",
		metric.WithDescription("Task duration from submission to settlement in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return err
	}

	// Active tasks gauge
	r.ActiveTasks, err = r.meter.Int64ObservableGauge(
		"ate.task.active_total",
		metric.WithDescription("Number of tasks currently in flight"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.activeTasks)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	// Task queue depth
	r.TaskQueueDepth, err = r.meter.Int64ObservableGauge(
		"ate.task.queue_depth",
		metric.WithDescription("Current depth of the task processing queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.taskQueueDepth)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	// Task outcome counters
	r.TaskSettledTotal, err = r.meter.Int64Counter(
		"ate.task.settled_total",
		metric.WithDescription("Total number of tasks settled with a result"),
	)
	if err != nil {
		return err
	}

	r.TaskBustedTotal, err = r.meter.Int64Counter(
		"ate.task.busted_total",
		metric.WithDescription("Total number of attempts that missed a deadline or failed"),
	)
	if err != nil {
		return err
	}

	r.TaskDeadLetterTotal, err = r.meter.Int64Counter(
		"ate.task.dead_letter_total",
		metric.WithDescription("Total number of tasks dead-lettered after exhausting backups"),
	)
	if err != nil {
		return err
	}

	r.TaskFalloverTotal, err = r.meter.Int64Counter(
		"ate.task.fallover_total",
		metric.WithDescription("Total number of reassignments to a backup agent"),
	)
	if err != nil {
		return err
	}

	r.HeartbeatTotal, err = r.meter.Int64Counter(
		"ate.task.heartbeat_total",
		metric.WithDescription("Total number of heartbeats received"),
	)

	return err
}

// initRoutingMetrics initializes routing optimization metrics
func (r *Registry) initRoutingMetrics() error {
	var err error

	r.RoutingCacheHitTotal, err = r.meter.Int64Counter(
		"ate.routing.cache_hit_total",
		metric.WithDescription("Total number of routing cache hits"),
	)
	if err != nil {
		return err
	}

	r.RoutingCacheMissTotal, err = r.meter.Int64Counter(
		"ate.routing.cache_miss_total",
		metric.WithDescription("Total number of routing cache misses"),
	)
	if err != nil {
		return err
	}

	r.OptimizerLatency, err = r.meter.Float64Histogram(
		"ate.routing.optimizer_latency",
		metric.WithDescription("Routing advisor stage latency in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(10, 50, 100, 500, 1000, 2000, 4000, 6000),
	)
	if err != nil {
		return err
	}

	r.PreScreenTotal, err = r.meter.Int64Counter(
		"ate.routing.prescreen_total",
		metric.WithDescription("Total number of pre-screen candidate reductions"),
	)
	if err != nil {
		return err
	}

	r.DecompositionTotal, err = r.meter.Int64Counter(
		"ate.routing.decomposition_total",
		metric.WithDescription("Total number of tasks split into subtasks"),
	)

	return err
}

// initTransportMetrics initializes websocket transport metrics
func (r *Registry) initTransportMetrics() error {
	var err error

	// Connected agents gauge
	r.ConnectedAgents, err = r.meter.Int64ObservableGauge(
		"ate.transport.connected_agents",
		metric.WithDescription("Number of agents with a live websocket session"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.connectedAgents)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.FramesInTotal, err = r.meter.Int64Counter(
		"ate.transport.frames_in_total",
		metric.WithDescription("Total number of frames received from agents"),
	)
	if err != nil {
		return err
	}

	r.FramesOutTotal, err = r.meter.Int64Counter(
		"ate.transport.frames_out_total",
		metric.WithDescription("Total number of frames sent to agents"),
	)
	if err != nil {
		return err
	}

	r.AgentTimeoutTotal, err = r.meter.Int64Counter(
		"ate.transport.agent_timeout_total",
		metric.WithDescription("Total number of sessions closed for ping silence"),
	)

	return err
}

// initAPIMetrics initializes ingress API metrics
func (r *Registry) initAPIMetrics() error {
	var err error

	// API request duration
	r.APIRequestDuration, err = r.meter.Float64Histogram(
		"ate.api.request_duration",
		metric.WithDescription("API request duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 50, 100, 500, 1000, 5000),
	)
	if err != nil {
		return err
	}

	// API request counter
	r.APIRequestCounter, err = r.meter.Int64Counter(
		"ate.api.request_total",
		metric.WithDescription("Total number of API requests"),
	)

	return err
}

// Helper methods for updating observable metric values

// SetActiveTasks sets the in-flight task count
func (r *Registry) SetActiveTasks(count int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeTasks = count
}

// SetTaskQueueDepth sets the task queue depth
func (r *Registry) SetTaskQueueDepth(depth int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskQueueDepth = depth
}

// SetConnectedAgents sets the live agent session count
func (r *Registry) SetConnectedAgents(count int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectedAgents = count
}

// IncrementAuctionsProcessed increments the auctions processed counter
func (r *Registry) IncrementAuctionsProcessed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auctionsProcessed++
}

// Helper methods for recording metrics with common attribute patterns

// RecordAuction records auction resolution metrics
func (r *Registry) RecordAuction(ctx context.Context, durationMs float64, outcome string, bidders int) {
	attrs := []attribute.KeyValue{
		attribute.String("outcome", outcome),
		attribute.Int("bidders", bidders),
	}

	r.AuctionDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))

	if outcome == "resolved" {
		r.AuctionResolvedTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		r.AuctionHaltedTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	r.IncrementAuctionsProcessed()
}

// RecordBid records bid arrival metrics
func (r *Registry) RecordBid(ctx context.Context, latencyMs float64, agentID string) {
	attrs := []attribute.KeyValue{
		attribute.String("agent_id", agentID),
	}

	r.BidLatency.Record(ctx, latencyMs, metric.WithAttributes(attrs...))
	r.BidsReceivedTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTaskSettled records task completion metrics
func (r *Registry) RecordTaskSettled(ctx context.Context, durationSec float64, success bool, attempts int) {
	attrs := []attribute.KeyValue{
		attribute.Bool("success", success),
		attribute.Int("attempts", attempts),
	}

	r.TaskDuration.Record(ctx, durationSec, metric.WithAttributes(attrs...))
	r.TaskSettledTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFallover records a reassignment to a backup agent
func (r *Registry) RecordFallover(ctx context.Context, fromAgent, toAgent string) {
	attrs := []attribute.KeyValue{
		attribute.String("from_agent", fromAgent),
		attribute.String("to_agent", toAgent),
	}

	r.TaskBustedTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	r.TaskFalloverTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRoutingCache records a cache lookup outcome
func (r *Registry) RecordRoutingCache(ctx context.Context, hit bool) {
	if hit {
		r.RoutingCacheHitTotal.Add(ctx, 1)
	} else {
		r.RoutingCacheMissTotal.Add(ctx, 1)
	}
}

// RecordAPIRequest records API request metrics
func (r *Registry) RecordAPIRequest(ctx context.Context, duration float64, method, path string, statusCode int) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status_code", statusCode),
	}

	r.APIRequestDuration.Record(ctx, duration, metric.WithAttributes(attrs...))
	r.APIRequestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

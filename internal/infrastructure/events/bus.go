package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names a lifecycle event on the exchange bus.
type Type string

const (
	TaskQueued            Type = "task:queued"
	TaskDecomposed        Type = "task:decomposed"
	AuctionStarted        Type = "auction:started"
	ExchangeHalt          Type = "exchange:halt"
	TaskAssigned          Type = "task:assigned"
	TaskExecuting         Type = "task:executing"
	TaskLocked            Type = "task:locked"
	TaskUnlocked          Type = "task:unlocked"
	TaskHeartbeat         Type = "task:heartbeat"
	TaskBusted            Type = "task:busted"
	TaskSettled           Type = "task:settled"
	TaskDeadLetter        Type = "task:dead_letter"
	TaskCancelled         Type = "task:cancelled"
	TaskNeedsInput        Type = "task:needs-input"
	TaskRouteToErrorAgent Type = "task:route_to_error_agent"
	AgentConnected        Type = "agent:connected"
	AgentDisconnected     Type = "agent:disconnected"
	AgentFlagged          Type = "agent:flagged"
)

// Event is one lifecycle notification. TaskID is zero for agent events.
type Event struct {
	Type    Type                   `json:"type"`
	TaskID  uuid.UUID              `json:"task_id,omitempty"`
	AgentID string                 `json:"agent_id,omitempty"`
	At      time.Time              `json:"at"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// Bus fans lifecycle events out to subscribers. Delivery is at-most-once and
// non-blocking: a subscriber that falls behind loses events rather than
// stalling publishers. Each subscriber consumes from its own FIFO queue, so
// the per-task publish order is preserved end to end.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	dropped atomic.Int64
}

type subscriber struct {
	id    int
	ch    chan Event
	types map[Type]struct{} // nil means all types
	once  sync.Once
	done  chan struct{}
}

// Subscription is a handle to one subscriber's event stream.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// C returns the subscriber's ordered event channel.
func (s *Subscription) C() <-chan Event {
	return s.sub.ch
}

// Cancel detaches the subscriber and closes its channel.
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s.sub)
}

const subscriberBuffer = 256

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe registers for the given event types; with none given, the
// subscriber receives everything.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	sub := &subscriber{
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return &Subscription{bus: b, sub: sub}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return &Subscription{bus: b, sub: sub}
}

// SubscribeFunc registers a handler driven by its own dispatch goroutine.
// The returned cancel func detaches the handler.
func (b *Bus) SubscribeFunc(fn func(Event), types ...Type) func() {
	sub := b.Subscribe(types...)
	go func() {
		for ev := range sub.C() {
			fn(ev)
		}
	}()
	return sub.Cancel
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[ev.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped for slow subscriber",
				zap.String("type", string(ev.Type)),
				zap.String("task_id", ev.TaskID.String()),
				zap.Int("subscriber", sub.id),
			)
		}
	}
}

// Dropped returns the count of events lost to slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close detaches every subscriber and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.subs, id)
	}
}

func (b *Bus) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

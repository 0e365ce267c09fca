package auction

import (
	"sync"
	"time"
)

// Circuit is the global bidder circuit. It opens after a run of consecutive
// bid evaluation failures and closes again after a cool-down; while open,
// every bid is treated as zero-confidence, which halts auctions instead of
// letting a degraded evaluator pick winners at random.
type Circuit struct {
	mu        sync.Mutex
	failures  int
	openedAt  time.Time
	threshold int
	cooldown  time.Duration

	now func() time.Time
}

// NewCircuit creates a closed circuit.
func NewCircuit(threshold int, cooldown time.Duration) *Circuit {
	if threshold <= 0 {
		threshold = 15
	}
	if cooldown <= 0 {
		cooldown = 15 * time.Second
	}
	return &Circuit{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// RecordFailure counts one bid evaluation failure. It returns true when this
// failure opens the circuit.
func (c *Circuit) RecordFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasOpen := c.openLocked()
	c.failures++
	if c.failures >= c.threshold && !wasOpen {
		c.openedAt = c.now()
		return true
	}
	return false
}

// RecordSuccess resets the failure run. A success during cool-down does not
// close the circuit early.
func (c *Circuit) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openLocked() {
		return
	}
	c.failures = 0
	c.openedAt = time.Time{}
}

// Open reports whether the circuit is currently open.
func (c *Circuit) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked()
}

func (c *Circuit) openLocked() bool {
	if c.openedAt.IsZero() {
		return false
	}
	if c.now().Sub(c.openedAt) >= c.cooldown {
		// Cool-down elapsed: close and start a fresh run.
		c.openedAt = time.Time{}
		c.failures = 0
		return false
	}
	return true
}

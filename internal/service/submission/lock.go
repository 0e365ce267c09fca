package submission

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// processingLock serializes task intake: one submission owns the exchange
// until every task it queued reaches a terminal state. A holder that
// outlives the safety valve is presumed wedged and loses the lock to the
// next submission; its stragglers then complete as no-ops.
//
// Acquire hands out a token so a short-circuiting submission can release
// exactly the hold it took, never a successor's.
type processingLock struct {
	safety time.Duration
	now    func() time.Time

	mu    sync.Mutex
	held  bool
	seq   uint64
	since time.Time
	tasks map[uuid.UUID]struct{}
}

func newProcessingLock(safety time.Duration) *processingLock {
	return &processingLock{
		safety: safety,
		now:    time.Now,
		tasks:  make(map[uuid.UUID]struct{}),
	}
}

// Acquire takes the lock for a new submission. reclaimed reports that a
// stale holder was evicted on the way in.
func (l *processingLock) Acquire() (token uint64, reclaimed, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		if l.now().Sub(l.since) < l.safety {
			return 0, false, false
		}
		reclaimed = true
		l.tasks = make(map[uuid.UUID]struct{})
	}
	l.held = true
	l.seq++
	l.since = l.now()
	return l.seq, reclaimed, true
}

// Bind ties the held lock to tasks whose completion releases it. Binds from
// a reclaimed (stale) token are ignored.
func (l *processingLock) Bind(token uint64, ids ...uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held || l.seq != token {
		return false
	}
	for _, id := range ids {
		l.tasks[id] = struct{}{}
	}
	return true
}

// Complete marks one bound task finished; the lock releases once none
// remain. Ids the current holder never bound are ignored.
func (l *processingLock) Complete(id uuid.UUID) (released bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return false
	}
	if _, ok := l.tasks[id]; !ok {
		return false
	}
	delete(l.tasks, id)
	if len(l.tasks) == 0 {
		l.held = false
		return true
	}
	return false
}

// Release frees the hold identified by token when it bound no tasks, for
// submissions that short-circuit before queueing anything.
func (l *processingLock) Release(token uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held && l.seq == token && len(l.tasks) == 0 {
		l.held = false
	}
}

// Bound returns the task ids currently holding the lock.
func (l *processingLock) Bound() []uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]uuid.UUID, 0, len(l.tasks))
	for id := range l.tasks {
		out = append(out, id)
	}
	return out
}

// Held reports whether any submission owns the lock.
func (l *processingLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// HeldFor reports how long the current holder has had the lock.
func (l *processingLock) HeldFor() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return 0, false
	}
	return l.now().Sub(l.since), true
}

package repository

import (
	"sync"

	"github.com/google/uuid"

	"github.com/davidleathers/agent-exchange/internal/domain/errors"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
)

// TaskStore is the volatile, in-memory owner of all task records. Mutations
// are serialized per task id; reads hand out snapshots so callers never hold
// a reference into the store.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*task.Task
	locks map[uuid.UUID]*sync.Mutex
}

// NewTaskStore creates an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[uuid.UUID]*task.Task),
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// Put inserts or replaces a task record.
func (s *TaskStore) Put(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	if _, ok := s.locks[t.ID]; !ok {
		s.locks[t.ID] = &sync.Mutex{}
	}
}

// Get returns a snapshot copy of the task.
func (s *TaskStore) Get(id uuid.UUID) (*task.Task, bool) {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// Update runs fn against the live record under the task's mutation lock.
// The store's canonical copy is the one fn mutates.
func (s *TaskStore) Update(id uuid.UUID, fn func(*task.Task) error) error {
	s.mu.RLock()
	t, ok := s.tasks[id]
	lock := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return errors.ErrTaskNotFound
	}
	lock.Lock()
	defer lock.Unlock()
	return fn(t)
}

// Range calls fn with a snapshot of every task until fn returns false.
func (s *TaskStore) Range(fn func(*task.Task) bool) {
	s.mu.RLock()
	snapshot := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		snapshot = append(snapshot, cloneTask(t))
	}
	s.mu.RUnlock()
	for _, t := range snapshot {
		if !fn(t) {
			return
		}
	}
}

// Delete removes a task record and its lock.
func (s *TaskStore) Delete(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	delete(s.locks, id)
}

// Count returns the number of stored tasks.
func (s *TaskStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// CountByStatus returns how many tasks are in the given status.
func (s *TaskStore) CountByStatus(status task.Status) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// QueueDepth counts tasks that have not reached a terminal state.
func (s *TaskStore) QueueDepth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tasks {
		if !t.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// cloneTask copies the record deeply enough that callers cannot mutate the
// store's canonical copy through slices or maps.
func cloneTask(t *task.Task) *task.Task {
	cp := *t
	if t.Backups != nil {
		cp.Backups = append([]string(nil), t.Backups...)
	}
	if t.Metadata.AgentFilter != nil {
		cp.Metadata.AgentFilter = append([]string(nil), t.Metadata.AgentFilter...)
	}
	if t.Metadata.PendingInputs != nil {
		cp.Metadata.PendingInputs = make(map[string]string, len(t.Metadata.PendingInputs))
		for k, v := range t.Metadata.PendingInputs {
			cp.Metadata.PendingInputs[k] = v
		}
	}
	if t.Result != nil {
		res := *t.Result
		cp.Result = &res
	}
	return &cp
}

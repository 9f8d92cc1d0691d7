package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

func (m *MemoryStore) Create(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, notFound(id)
	}
	return job, nil
}

func (m *MemoryStore) MarkStarted(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return notFound(id)
	}
	if job.State != StatePending {
		return fmt.Errorf("%w: job %s is %s", ErrStateConflict, id, job.State)
	}
	job.State = StateStarted
	job.StartedAt = &at
	m.jobs[id] = job
	return nil
}

func (m *MemoryStore) ListStale(_ context.Context, startedBefore time.Time) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []Job
	for _, job := range m.jobs {
		if job.State == StateStarted && job.StartedAt != nil && job.StartedAt.Before(startedBefore) {
			stale = append(stale, job)
		}
	}
	return stale, nil
}

func (m *MemoryStore) Finish(_ context.Context, id string, state State, result *Result, errMsg string, at time.Time) error {
	if !state.Terminal() {
		return fmt.Errorf("finish job %s with non-terminal state %s", id, state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return notFound(id)
	}
	if job.State != StateStarted {
		return fmt.Errorf("%w: job %s is %s", ErrStateConflict, id, job.State)
	}
	job.State = state
	job.Result = result
	job.Error = errMsg
	job.FinishedAt = &at
	m.jobs[id] = job
	return nil
}

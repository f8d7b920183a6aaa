package queue

import (
	"context"
	"sync"
)

// Store persists job state so the queue survives a process restart.
// Save is called once per state transition with a snapshot of the job;
// the in-memory arena remains authoritative while the process runs.
type Store interface {
	Save(ctx context.Context, job *Job) error
	Delete(ctx context.Context, id string) error
	// LoadIncomplete returns jobs that were waiting, delayed, or active
	// when the previous process stopped.
	LoadIncomplete(ctx context.Context) ([]Job, error)
}

// MemoryStore is a Store for tests and single-process development runs.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

func (s *MemoryStore) Save(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) LoadIncomplete(ctx context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		switch job.State {
		case StateWaiting, StateDelayed, StateActive:
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

package training

import (
	"context"
	"sort"
	"sync"
)

// MemoryJobs is a JobRepository that keeps jobs in process memory.
type MemoryJobs struct {
	mu   sync.Mutex
	jobs map[string]Job
}

// NewMemoryJobs creates an empty in-memory job repository.
func NewMemoryJobs() *MemoryJobs {
	return &MemoryJobs{jobs: make(map[string]Job)}
}

func (m *MemoryJobs) Save(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.clone()
	return nil
}

func (m *MemoryJobs) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	job = job.clone()
	return &job, nil
}

func (m *MemoryJobs) List(_ context.Context, opts ListJobsOptions) ([]Job, error) {
	m.mu.Lock()
	var out []Job
	for _, job := range m.jobs {
		if opts.Project != "" && job.Project != opts.Project {
			continue
		}
		if opts.State != nil && job.State != *opts.State {
			continue
		}
		out = append(out, job.clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"slurmdeck/internal/slurm"
)

// MemStore is the in-memory JobStore. Suitable for a single process; a
// persistent implementation plugs in behind the same interface.
type MemStore struct {
	mu   sync.RWMutex
	jobs map[string]JobRecord

	now func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		jobs: make(map[string]JobRecord),
		now:  time.Now,
	}
}

func (s *MemStore) Create(_ context.Context, job *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = slurm.StatusSubmitting
	}
	now := s.now()
	job.SubmittedAt = now
	job.UpdatedAt = now

	s.jobs[job.ID] = *job
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return JobRecord{}, &NotFoundError{ID: id}
	}
	return job, nil
}

func (s *MemStore) List(_ context.Context) ([]JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobRecord, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].SubmittedAt.Equal(out[k].SubmittedAt) {
			return out[i].SubmittedAt.After(out[k].SubmittedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (s *MemStore) Active(_ context.Context) ([]JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []JobRecord
	for _, j := range s.jobs {
		if j.SlurmJobID == "" || j.Status.IsTerminal() {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *MemStore) UpdateStatus(_ context.Context, id string, status slurm.Status) error {
	return s.update(id, func(j *JobRecord) {
		j.Status = status
	})
}

func (s *MemStore) UpdateSubmission(_ context.Context, id, slurmJobID string, status slurm.Status, logPath, errMsg string) error {
	return s.update(id, func(j *JobRecord) {
		j.SlurmJobID = slurmJobID
		j.Status = status
		j.LogPath = logPath
		j.Error = errMsg
	})
}

func (s *MemStore) SetWandbURL(_ context.Context, id, url string) error {
	return s.update(id, func(j *JobRecord) {
		j.WandbRunURL = url
	})
}

func (s *MemStore) update(id string, fn func(*JobRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	fn(&job)
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return nil
}

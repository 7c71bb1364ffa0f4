package journey

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/journiapp/journi-be/internal/journey/domain"
)

// Store is the in-memory job registry. The map is read concurrently by HTTP
// handlers while each job is mutated only by its owning workflow goroutine,
// so a single RWMutex over the map plus copy-on-read is sufficient.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

// NewStore creates an empty job store.
func NewStore() *Store {
	return &Store{jobs: make(map[string]*domain.Job)}
}

// Create allocates a new queued job owned by ownerID.
func (s *Store) Create(form domain.FormData, ownerID string) *domain.Job {
	now := time.Now().UTC()
	job := &domain.Job{
		ID:        uuid.New().String(),
		Status:    domain.JobStatusQueued,
		OwnerID:   ownerID,
		FormData:  form,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	return job.Clone()
}

// Get returns a copy of the job. When ownerID is non-empty and does not match
// the record, the job is reported as not found so existence is never leaked.
func (s *Store) Get(jobID, ownerID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok || (ownerID != "" && job.OwnerID != ownerID) {
		return nil, domain.ErrJobNotFound
	}
	// Clone while still holding the read lock: Mutate holds the write lock
	// while it touches the record, so the copy is always consistent.
	return job.Clone(), nil
}

// Mutate runs fn against the live record under the store lock and bumps
// UpdatedAt. Only the job's workflow goroutine (and the cancel path, which
// serializes with it through the lock) may call this.
func (s *Store) Mutate(jobID string, fn func(*domain.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

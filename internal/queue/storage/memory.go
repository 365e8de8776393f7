package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Nafiz1/task-management-api/internal/queue/domain"
	"github.com/google/uuid"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps jobs in process. Safe for concurrent use; intended for
// tests and local development. The clock is injectable so lease expiry can
// be driven deterministically.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*domain.Job
	order       []string // non-terminal job ids in enqueue order, oldest first
	maxAttempts int
	now         func() time.Time
}

// NewMemoryStore creates an empty store. A nil clock means time.Now.
func NewMemoryStore(opts Options, clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		jobs:        make(map[string]*domain.Job),
		maxAttempts: opts.MaxAttempts,
		now:         clock,
	}
}

func (m *MemoryStore) Enqueue(_ context.Context, taskID, targetStatus string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	job := &domain.Job{
		JobID:        uuid.NewString(),
		TaskID:       taskID,
		TargetStatus: targetStatus,
		State:        domain.StatePending,
		MaxAttempts:  m.maxAttempts,
		EnqueuedAt:   now,
		UpdatedAt:    now,
	}
	m.jobs[job.JobID] = job
	m.order = append(m.order, job.JobID)

	return job.JobID, nil
}

func (m *MemoryStore) LeaseNext(_ context.Context, workerID string, leaseDuration time.Duration) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var leased *domain.Job
	live := m.order[:0]
	for _, id := range m.order {
		job := m.jobs[id]
		if job.State.Terminal() {
			continue
		}
		live = append(live, id)
		if leased != nil {
			continue
		}

		eligible := job.State == domain.StatePending ||
			(job.LeaseExpired(now) && !job.Exhausted())
		if !eligible {
			continue
		}

		expires := now.Add(leaseDuration)
		job.State = domain.StateLeased
		job.LeaseOwner = workerID
		job.LeaseExpiresAt = &expires
		job.Attempts++
		job.UpdatedAt = now

		cp := copyJob(job)
		leased = &cp
	}
	// terminal jobs never become leasable again
	m.order = live

	return leased, nil
}

func (m *MemoryStore) Complete(_ context.Context, jobID, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	job, ok := m.jobs[jobID]
	if !ok || !job.LeaseActive(workerID, now) {
		return false, nil
	}

	job.State = domain.StateCompleted
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	job.FinishedAt = &now
	job.UpdatedAt = now

	return true, nil
}

func (m *MemoryStore) Fail(_ context.Context, jobID, workerID, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	job, ok := m.jobs[jobID]
	if !ok || !job.LeaseActive(workerID, now) {
		return false, nil
	}

	release(job, now, errMsg)
	return true, nil
}

func (m *MemoryStore) ReclaimExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	count := 0
	for _, job := range m.jobs {
		if !job.LeaseExpired(now) {
			continue
		}
		release(job, now, domain.LeaseExpiredError)
		count++
	}

	return count, nil
}

// release ends a lease: back to pending, or dead when attempts are used up
func release(job *domain.Job, now time.Time, errMsg string) {
	if job.Exhausted() {
		job.State = domain.StateDead
		job.FinishedAt = &now
	} else {
		job.State = domain.StatePending
	}
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	job.LastError = errMsg
	job.UpdatedAt = now
}

func (m *MemoryStore) Get(_ context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := copyJob(job)
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, filter domain.Filter) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]domain.Job, 0)
	for _, job := range m.jobs {
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if filter.TaskID != "" && job.TaskID != filter.TaskID {
			continue
		}
		if !filter.Cursor.Before(job) {
			continue
		}
		jobs = append(jobs, copyJob(job))
	}

	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].EnqueuedAt.Equal(jobs[k].EnqueuedAt) {
			return jobs[i].JobID > jobs[k].JobID
		}
		return jobs[i].EnqueuedAt.After(jobs[k].EnqueuedAt)
	})

	if filter.PageSize > 0 && len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

func (m *MemoryStore) Stats(_ context.Context) (map[domain.State]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(map[domain.State]int64, len(domain.AllStates))
	for _, s := range domain.AllStates {
		stats[s] = 0
	}
	for _, job := range m.jobs {
		stats[job.State]++
	}
	return stats, nil
}

func (m *MemoryStore) Purge(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.jobs))
	m.jobs = make(map[string]*domain.Job)
	m.order = nil
	return n, nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// copyJob returns a copy whose pointer fields do not alias the stored job
func copyJob(job *domain.Job) domain.Job {
	cp := *job
	if job.LeaseExpiresAt != nil {
		t := *job.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}

package domain

import "time"

// Job is a single status-transition request for one task
type Job struct {
	JobID          string     `db:"job_id" json:"job_id"`
	TaskID         string     `db:"task_id" json:"task_id"`
	TargetStatus   string     `db:"target_status" json:"target_status"`
	State          State      `db:"state" json:"state"`
	Attempts       int        `db:"attempts" json:"attempts"`
	MaxAttempts    int        `db:"max_attempts" json:"max_attempts"`
	LeaseOwner     string     `db:"lease_owner" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	LastError      string     `db:"last_error" json:"last_error,omitempty"`
	EnqueuedAt     time.Time  `db:"enqueued_at" json:"enqueued_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	FinishedAt     *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// Exhausted reports whether the job has used its whole attempt budget
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// LeaseActive reports whether workerID holds a lease that has not expired at now
func (j *Job) LeaseActive(workerID string, now time.Time) bool {
	return j.State == StateLeased &&
		j.LeaseOwner == workerID &&
		j.LeaseExpiresAt != nil &&
		now.Before(*j.LeaseExpiresAt)
}

// LeaseExpired reports whether the job is leased and the lease ran out before now
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.State == StateLeased &&
		j.LeaseExpiresAt != nil &&
		j.LeaseExpiresAt.Before(now)
}

// Filter narrows job listings
type Filter struct {
	State    State
	TaskID   string
	PageSize int
	Cursor   *Cursor
}

// Cursor is a keyset position in the (enqueued_at, job_id) DESC ordering
type Cursor struct {
	EnqueuedAt time.Time
	JobID      string
}

// Before reports whether j sorts strictly after the cursor position
func (c *Cursor) Before(j *Job) bool {
	if c == nil {
		return true
	}
	if j.EnqueuedAt.Equal(c.EnqueuedAt) {
		return j.JobID < c.JobID
	}
	return j.EnqueuedAt.Before(c.EnqueuedAt)
}

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Nafiz1/task-management-api/internal/queue/domain"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
)

// Store is the durable job store. LeaseNext, Complete and Fail are atomic
// against concurrent callers; two workers can never both win the same lease.
type Store interface {
	// Enqueue creates a pending job with zero attempts and returns its id
	Enqueue(ctx context.Context, taskID, targetStatus string) (string, error)

	// LeaseNext leases the oldest eligible job (pending, or leased with an
	// expired lease and attempts left) to workerID. Returns nil, nil when
	// nothing is eligible.
	LeaseNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*domain.Job, error)

	// Complete moves a leased job to completed if workerID still holds an
	// unexpired lease. False means the lease was lost.
	Complete(ctx context.Context, jobID, workerID string) (bool, error)

	// Fail returns a leased job to pending, or to dead once attempts are
	// exhausted, under the same lease guard as Complete.
	Fail(ctx context.Context, jobID, workerID, errMsg string) (bool, error)

	// ReclaimExpired releases every expired lease without touching attempts
	// and returns how many jobs were released.
	ReclaimExpired(ctx context.Context) (int, error)

	Get(ctx context.Context, jobID string) (*domain.Job, error)

	// List returns up to filter.PageSize+1 jobs ordered by enqueued_at DESC,
	// job_id DESC; the extra row tells callers another page exists.
	List(ctx context.Context, filter domain.Filter) ([]domain.Job, error)

	Stats(ctx context.Context) (map[domain.State]int64, error)

	// Purge deletes every job regardless of state
	Purge(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
}

// Options configures behavior shared by every backend
type Options struct {
	MaxAttempts int
}

// Backends carries the connections a backend may need
type Backends struct {
	Postgres    *sqlx.DB
	Redis       *goredis.Client
	RedisPrefix string
}

// New builds the store for the configured backend name
func New(backend string, b Backends, opts Options, logger *slog.Logger) (Store, error) {
	if opts.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be greater than 0")
	}

	switch backend {
	case "postgres":
		if b.Postgres == nil {
			return nil, fmt.Errorf("postgres backend requires a database connection")
		}
		return NewPostgresStore(b.Postgres, opts, logger), nil
	case "redis":
		if b.Redis == nil {
			return nil, fmt.Errorf("redis backend requires a redis client")
		}
		return NewRedisStore(b.Redis, b.RedisPrefix, opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown queue backend: %q", backend)
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/Nafiz1/task-management-api/internal/queue/domain"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// Every script reads the clock with TIME so all workers share the server's
// notion of "now". Timestamps are unix milliseconds.
const luaNow = `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local nowStr = string.format('%d', now)
`

// release helper shared by fail and reclaim. KEYS[1] is pending, KEYS[2] is leased.
const luaRelease = `
local function release(key, id, errMsg)
  local f = redis.call('HMGET', key, 'attempts', 'max_attempts', 'seq')
  redis.call('HDEL', key, 'lease_owner', 'lease_expires_at')
  redis.call('ZREM', KEYS[2], id)
  if tonumber(f[1]) >= tonumber(f[2]) then
    redis.call('HSET', key, 'state', 'dead', 'last_error', errMsg,
      'finished_at', nowStr, 'updated_at', nowStr)
  else
    redis.call('HSET', key, 'state', 'pending', 'last_error', errMsg, 'updated_at', nowStr)
    redis.call('ZADD', KEYS[1], f[3], id)
  end
end
`

// KEYS: job, pending, jobs, seq
// ARGV: job_id, task_id, target_status, max_attempts
var enqueueScript = goredis.NewScript(luaNow + `
local seq = redis.call('INCR', KEYS[4])
redis.call('HSET', KEYS[1],
  'job_id', ARGV[1], 'task_id', ARGV[2], 'target_status', ARGV[3],
  'state', 'pending', 'attempts', 0, 'max_attempts', ARGV[4],
  'enqueued_at', nowStr, 'updated_at', nowStr, 'seq', seq)
redis.call('ZADD', KEYS[2], seq, ARGV[1])
redis.call('ZADD', KEYS[3], seq, ARGV[1])
return seq
`)

// The lease, reclaim and purge scripts build job keys from ARGV[1] .. id
// instead of declaring them in KEYS. Job keys carry the same {prefix} hash
// tag as the declared sets, so they map to the same cluster slot.
//
// KEYS: pending, leased
// ARGV: job key prefix, worker_id, lease_ms
var leaseScript = goredis.NewScript(luaNow + `
local best, bestSeq, fromPending = nil, nil, false
local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #head > 0 then
  best = head[1]
  bestSeq = tonumber(head[2])
  fromPending = true
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. nowStr)
for _, id in ipairs(expired) do
  local f = redis.call('HMGET', ARGV[1] .. id, 'attempts', 'max_attempts', 'seq')
  if tonumber(f[1]) < tonumber(f[2]) then
    local s = tonumber(f[3])
    if bestSeq == nil or s < bestSeq then
      best = id
      bestSeq = s
      fromPending = false
    end
  end
end
if best == nil then
  return nil
end
if fromPending then
  redis.call('ZREM', KEYS[1], best)
end
local key = ARGV[1] .. best
local expires = string.format('%d', now + tonumber(ARGV[3]))
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'state', 'leased', 'lease_owner', ARGV[2],
  'lease_expires_at', expires, 'updated_at', nowStr)
redis.call('ZADD', KEYS[2], expires, best)
return redis.call('HGETALL', key)
`)

// KEYS: job, leased
// ARGV: job_id, worker_id
var completeScript = goredis.NewScript(luaNow + `
local f = redis.call('HMGET', KEYS[1], 'state', 'lease_owner', 'lease_expires_at')
if f[1] ~= 'leased' or f[2] ~= ARGV[2] or tonumber(f[3]) <= now then
  return 0
end
redis.call('HDEL', KEYS[1], 'lease_owner', 'lease_expires_at')
redis.call('HSET', KEYS[1], 'state', 'completed', 'finished_at', nowStr, 'updated_at', nowStr)
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// KEYS: pending, leased, job
// ARGV: job_id, worker_id, error
var failScript = goredis.NewScript(luaNow + luaRelease + `
local f = redis.call('HMGET', KEYS[3], 'state', 'lease_owner', 'lease_expires_at')
if f[1] ~= 'leased' or f[2] ~= ARGV[2] or tonumber(f[3]) <= now then
  return 0
end
release(KEYS[3], ARGV[1], ARGV[3])
return 1
`)

// KEYS: pending, leased
// ARGV: job key prefix, error
var reclaimScript = goredis.NewScript(luaNow + luaRelease + `
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. nowStr)
for _, id in ipairs(expired) do
  release(ARGV[1] .. id, id, ARGV[2])
end
return #expired
`)

// KEYS: jobs, pending, leased, seq
// ARGV: job key prefix
var purgeScript = goredis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4])
return #ids
`)

const redisScanBatch = 200

// RedisStore keeps each job in a hash and tracks pending and leased jobs in
// sorted sets. Every state transition is a Lua script. All keys share the
// {prefix} hash tag, including job keys the scripts derive at run time, so
// each script touches a single slot on a cluster.
type RedisStore struct {
	client      *goredis.Client
	prefix      string
	maxAttempts int
	logger      *slog.Logger
}

// NewRedisStore creates a new RedisStore. prefix namespaces every key.
func NewRedisStore(client *goredis.Client, prefix string, opts Options, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = "taskq"
	}
	return &RedisStore{
		client:      client,
		prefix:      "{" + prefix + "}",
		maxAttempts: opts.MaxAttempts,
		logger:      logger,
	}
}

func (s *RedisStore) jobKeyPrefix() string { return s.prefix + ":job:" }
func (s *RedisStore) jobKey(id string) string { return s.jobKeyPrefix() + id }
func (s *RedisStore) pendingKey() string { return s.prefix + ":pending" }
func (s *RedisStore) leasedKey() string { return s.prefix + ":leased" }
func (s *RedisStore) jobsKey() string { return s.prefix + ":jobs" }
func (s *RedisStore) seqKey() string { return s.prefix + ":seq" }

// classifyRedis separates server-side errors from connectivity failures
func classifyRedis(op string, err error) error {
	var rerr goredis.Error
	if errors.As(err, &rerr) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return domain.Unavailable(op, err)
}

func (s *RedisStore) Enqueue(ctx context.Context, taskID, targetStatus string) (string, error) {
	jobID := uuid.NewString()
	keys := []string{s.jobKey(jobID), s.pendingKey(), s.jobsKey(), s.seqKey()}

	if err := enqueueScript.Run(ctx, s.client, keys, jobID, taskID, targetStatus, s.maxAttempts).Err(); err != nil {
		return "", classifyRedis("failed to enqueue job", err)
	}

	return jobID, nil
}

func (s *RedisStore) LeaseNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*domain.Job, error) {
	keys := []string{s.pendingKey(), s.leasedKey()}

	res, err := leaseScript.Run(ctx, s.client, keys, s.jobKeyPrefix(), workerID, leaseDuration.Milliseconds()).Slice()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, classifyRedis("failed to lease job", err)
	}

	fields, err := pairsToMap(res)
	if err != nil {
		return nil, err
	}
	job, err := parseJobHash(fields)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Job leased",
		slog.String("job_id", job.JobID),
		slog.String("worker_id", workerID),
		slog.Int("attempts", job.Attempts),
	)

	return job, nil
}

func (s *RedisStore) Complete(ctx context.Context, jobID, workerID string) (bool, error) {
	keys := []string{s.jobKey(jobID), s.leasedKey()}

	n, err := completeScript.Run(ctx, s.client, keys, jobID, workerID).Int()
	if err != nil {
		return false, classifyRedis("failed to complete job", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Fail(ctx context.Context, jobID, workerID, errMsg string) (bool, error) {
	keys := []string{s.pendingKey(), s.leasedKey(), s.jobKey(jobID)}

	n, err := failScript.Run(ctx, s.client, keys, jobID, workerID, errMsg).Int()
	if err != nil {
		return false, classifyRedis("failed to fail job", err)
	}
	return n == 1, nil
}

func (s *RedisStore) ReclaimExpired(ctx context.Context) (int, error) {
	keys := []string{s.pendingKey(), s.leasedKey()}

	n, err := reclaimScript.Run(ctx, s.client, keys, s.jobKeyPrefix(), domain.LeaseExpiredError).Int()
	if err != nil {
		return 0, classifyRedis("failed to reclaim expired leases", err)
	}
	return n, nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		return nil, classifyRedis("failed to get job", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrJobNotFound
	}
	return parseJobHash(fields)
}

// List walks the job index newest first. Filtering happens client side, so
// the cost grows with the number of stored jobs.
func (s *RedisStore) List(ctx context.Context, filter domain.Filter) ([]domain.Job, error) {
	jobs := make([]domain.Job, 0)
	err := s.scan(ctx, func(job *domain.Job) {
		if filter.State != "" && job.State != filter.State {
			return
		}
		if filter.TaskID != "" && job.TaskID != filter.TaskID {
			return
		}
		if !filter.Cursor.Before(job) {
			return
		}
		jobs = append(jobs, *job)
	})
	if err != nil {
		return nil, err
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

func (s *RedisStore) Stats(ctx context.Context) (map[domain.State]int64, error) {
	stats := make(map[domain.State]int64, len(domain.AllStates))
	for _, st := range domain.AllStates {
		stats[st] = 0
	}
	err := s.scan(ctx, func(job *domain.Job) {
		stats[job.State]++
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// scan visits every job in the index in batches, newest first
func (s *RedisStore) scan(ctx context.Context, visit func(*domain.Job)) error {
	for start := int64(0); ; start += redisScanBatch {
		ids, err := s.client.ZRevRange(ctx, s.jobsKey(), start, start+redisScanBatch-1).Result()
		if err != nil {
			return classifyRedis("failed to read job index", err)
		}
		if len(ids) == 0 {
			return nil
		}

		pipe := s.client.Pipeline()
		cmds := make([]*goredis.MapStringStringCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return classifyRedis("failed to read jobs", err)
		}

		for _, cmd := range cmds {
			fields := cmd.Val()
			if len(fields) == 0 {
				continue
			}
			job, err := parseJobHash(fields)
			if err != nil {
				return err
			}
			visit(job)
		}

		if len(ids) < redisScanBatch {
			return nil
		}
	}
}

func (s *RedisStore) Purge(ctx context.Context) (int64, error) {
	keys := []string{s.jobsKey(), s.pendingKey(), s.leasedKey(), s.seqKey()}

	n, err := purgeScript.Run(ctx, s.client, keys, s.jobKeyPrefix()).Int64()
	if err != nil {
		return 0, classifyRedis("failed to purge jobs", err)
	}

	s.logger.Warn("Job store purged",
		slog.Int64("deleted", n),
	)

	return n, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return domain.Unavailable("ping job store", err)
	}
	return nil
}

// pairsToMap converts a flat HGETALL reply from a script into a map
func pairsToMap(res []interface{}) (map[string]string, error) {
	if len(res)%2 != 0 {
		return nil, fmt.Errorf("malformed job hash reply: %d elements", len(res))
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i < len(res); i += 2 {
		k, ok1 := res[i].(string)
		v, ok2 := res[i+1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("malformed job hash reply at field %d", i/2)
		}
		fields[k] = v
	}
	return fields, nil
}

func parseJobHash(fields map[string]string) (*domain.Job, error) {
	job := &domain.Job{
		JobID:        fields["job_id"],
		TaskID:       fields["task_id"],
		TargetStatus: fields["target_status"],
		State:        domain.State(fields["state"]),
		LeaseOwner:   fields["lease_owner"],
		LastError:    fields["last_error"],
	}

	var err error
	if job.Attempts, err = strconv.Atoi(fields["attempts"]); err != nil {
		return nil, fmt.Errorf("invalid attempts for job %s: %w", job.JobID, err)
	}
	if job.MaxAttempts, err = strconv.Atoi(fields["max_attempts"]); err != nil {
		return nil, fmt.Errorf("invalid max_attempts for job %s: %w", job.JobID, err)
	}
	if job.EnqueuedAt, err = parseMillis(fields["enqueued_at"]); err != nil {
		return nil, fmt.Errorf("invalid enqueued_at for job %s: %w", job.JobID, err)
	}
	if job.UpdatedAt, err = parseMillis(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("invalid updated_at for job %s: %w", job.JobID, err)
	}
	if job.LeaseExpiresAt, err = parseOptionalMillis(fields["lease_expires_at"]); err != nil {
		return nil, fmt.Errorf("invalid lease_expires_at for job %s: %w", job.JobID, err)
	}
	if job.FinishedAt, err = parseOptionalMillis(fields["finished_at"]); err != nil {
		return nil, fmt.Errorf("invalid finished_at for job %s: %w", job.JobID, err)
	}

	return job, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func parseOptionalMillis(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := parseMillis(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

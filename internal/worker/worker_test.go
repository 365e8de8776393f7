package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Nafiz1/task-management-api/internal/queue/domain"
	queuestorage "github.com/Nafiz1/task-management-api/internal/queue/storage"
	taskdomain "github.com/Nafiz1/task-management-api/internal/task/domain"
	taskstorage "github.com/Nafiz1/task-management-api/internal/task/storage"
	"github.com/Nafiz1/task-management-api/shared/logger"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type fixture struct {
	jobs  *queuestorage.MemoryStore
	tasks taskstorage.Store
	cfg   *Config
}

func newFixture(maxAttempts int) *fixture {
	jobs := queuestorage.NewMemoryStore(queuestorage.Options{MaxAttempts: maxAttempts}, nil)
	tasks := taskstorage.NewMemoryStorage()
	return &fixture{
		jobs:  jobs,
		tasks: tasks,
		cfg: &Config{
			Logger:          logger.NewDiscard(),
			Jobs:            jobs,
			Tasks:           tasks,
			WorkerID:        "test",
			Concurrency:     2,
			LeaseDuration:   time.Second,
			PollBackoffMin:  5 * time.Millisecond,
			PollBackoffMax:  20 * time.Millisecond,
			ReclaimInterval: 20 * time.Millisecond,
		},
	}
}

func (f *fixture) createTask(t *testing.T, id string) {
	now := time.Now().UTC()
	require.NoError(t, f.tasks.Create(context.Background(), &taskdomain.Task{
		TaskID:    id,
		UserID:    "u1",
		Title:     "task " + id,
		Status:    taskdomain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

// start runs the worker until the test ends
func (f *fixture) start(t *testing.T) *Worker {
	w, err := NewWorker(f.cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, w.Start(ctx))
	}()

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), waitFor)
		defer stopCancel()
		_ = w.Stop(stopCtx)
		cancel()
		<-done
	})
	return w
}

func (f *fixture) jobState(t *testing.T, id string) domain.State {
	job, err := f.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job.State
}

func TestWorker_EndToEnd(t *testing.T) {
	f := newFixture(3)
	f.createTask(t, "t1")

	jobID, err := f.jobs.Enqueue(context.Background(), "t1", "done")
	require.NoError(t, err)

	f.start(t)

	require.Eventually(t, func() bool {
		return f.jobState(t, jobID) == domain.StateCompleted
	}, waitFor, tick)

	task, err := f.tasks.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "done", task.Status)

	job, err := f.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
}

func TestWorker_DeletedTask(t *testing.T) {
	f := newFixture(3)

	jobID, err := f.jobs.Enqueue(context.Background(), "ghost", "done")
	require.NoError(t, err)

	f.start(t)

	require.Eventually(t, func() bool {
		return f.jobState(t, jobID) == domain.StateCompleted
	}, waitFor, tick)

	_, err = f.tasks.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, taskdomain.ErrTaskNotFound, "no task must be created")
}

// failingTasks fails every status update
type failingTasks struct {
	taskstorage.Store
	calls atomic.Int32
}

func (f *failingTasks) UpdateStatus(context.Context, string, string) (bool, error) {
	f.calls.Add(1)
	return false, errors.New("task store unreachable")
}

func TestWorker_RetriesThenDeadLetters(t *testing.T) {
	const maxAttempts = 3
	f := newFixture(maxAttempts)
	tasks := &failingTasks{Store: f.tasks}
	f.cfg.Tasks = tasks

	jobID, err := f.jobs.Enqueue(context.Background(), "t1", "done")
	require.NoError(t, err)

	f.start(t)

	require.Eventually(t, func() bool {
		return f.jobState(t, jobID) == domain.StateDead
	}, waitFor, tick)

	job, err := f.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, maxAttempts, job.Attempts)
	assert.Contains(t, job.LastError, "task store unreachable")

	// give the pool a chance to misbehave before counting
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(maxAttempts), tasks.calls.Load())
}

func TestWorker_RecoversAbandonedLease(t *testing.T) {
	f := newFixture(3)
	f.createTask(t, "t1")
	ctx := context.Background()

	jobID, err := f.jobs.Enqueue(ctx, "t1", "done")
	require.NoError(t, err)

	// a worker leases the job, applies the update, then dies before completing
	crashed, err := f.jobs.LeaseNext(ctx, "crashed-0", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, crashed)
	_, err = f.tasks.UpdateStatus(ctx, "t1", "done")
	require.NoError(t, err)

	f.start(t)

	require.Eventually(t, func() bool {
		return f.jobState(t, jobID) == domain.StateCompleted
	}, waitFor, tick)

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)

	task, err := f.tasks.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "done", task.Status, "re-applying the same status is harmless")

	ok, err := f.jobs.Complete(ctx, jobID, "crashed-0")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.StateCompleted, f.jobState(t, jobID))
}

func TestWorker_ProcessesManyJobsOnce(t *testing.T) {
	f := newFixture(3)
	f.cfg.Concurrency = 4
	ctx := context.Background()

	var ids []string
	for i := 0; i < 20; i++ {
		taskID := uuid.NewString()
		f.createTask(t, taskID)
		id, err := f.jobs.Enqueue(ctx, taskID, "done")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	f.start(t)

	require.Eventually(t, func() bool {
		stats, err := f.jobs.Stats(ctx)
		require.NoError(t, err)
		return stats[domain.StateCompleted] == int64(len(ids))
	}, waitFor, tick)

	for _, id := range ids {
		job, err := f.jobs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, job.Attempts, "each job is leased exactly once when nothing fails")
	}
}

// blockingTasks holds every status update until release is closed
type blockingTasks struct {
	taskstorage.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingTasks) UpdateStatus(ctx context.Context, taskID, status string) (bool, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.Store.UpdateStatus(ctx, taskID, status)
}

func TestWorker_StopWaitsForInFlightJob(t *testing.T) {
	f := newFixture(3)
	f.createTask(t, "t1")
	tasks := &blockingTasks{Store: f.tasks, entered: make(chan struct{}), release: make(chan struct{})}
	f.cfg.Tasks = tasks

	jobID, err := f.jobs.Enqueue(context.Background(), "t1", "done")
	require.NoError(t, err)

	w := f.start(t)

	select {
	case <-tasks.entered:
	case <-time.After(waitFor):
		t.Fatal("job was never picked up")
	}

	stopped := make(chan error, 1)
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		stopped <- w.Stop(stopCtx)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a side effect was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(tasks.release)

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Stop did not return")
	}

	assert.Equal(t, domain.StateCompleted, f.jobState(t, jobID))
}

func TestWorker_StopDeadline(t *testing.T) {
	f := newFixture(3)
	f.createTask(t, "t1")
	tasks := &blockingTasks{Store: f.tasks, entered: make(chan struct{}), release: make(chan struct{})}
	f.cfg.Tasks = tasks
	defer close(tasks.release)

	_, err := f.jobs.Enqueue(context.Background(), "t1", "done")
	require.NoError(t, err)

	w := f.start(t)
	<-tasks.entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Stop(ctx), context.DeadlineExceeded)
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	acks  int
	nacks int
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(uint64, bool, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	return nil
}

func (a *fakeAcknowledger) Reject(uint64, bool) error { return nil }

func (a *fakeAcknowledger) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks
}

type fakeWakeups struct {
	deliveries chan amqp.Delivery
}

func (f *fakeWakeups) Consume(string) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func TestWorker_WakeupCutsBackoffShort(t *testing.T) {
	f := newFixture(3)
	f.createTask(t, "t1")
	f.cfg.Concurrency = 1
	f.cfg.PollBackoffMin = time.Minute
	f.cfg.PollBackoffMax = time.Minute
	wakeups := &fakeWakeups{deliveries: make(chan amqp.Delivery, 2)}
	f.cfg.Wakeups = wakeups
	ack := &fakeAcknowledger{}

	f.start(t)

	// let the only worker find the queue empty and go idle
	time.Sleep(50 * time.Millisecond)

	jobID, err := f.jobs.Enqueue(context.Background(), "t1", "done")
	require.NoError(t, err)

	wakeups.deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte(`not json`)}
	wakeups.deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte(`{"job_id":"` + jobID + `"}`)}

	require.Eventually(t, func() bool {
		return f.jobState(t, jobID) == domain.StateCompleted
	}, 2*time.Second, tick)

	acks, nacks := ack.counts()
	assert.Equal(t, 1, acks)
	assert.Equal(t, 1, nacks)
}

func TestNewWorker_Validation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing stores", mutate: func(c *Config) { c.Jobs = nil }, errString: "requires a job store"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Concurrency = 0 }, errString: "concurrency"},
		{name: "zero lease", mutate: func(c *Config) { c.LeaseDuration = 0 }, errString: "lease duration"},
		{
			name: "inverted backoff",
			mutate: func(c *Config) {
				c.PollBackoffMin = time.Second
				c.PollBackoffMax = time.Millisecond
			},
			errString: "poll backoff",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(3)
			tt.mutate(f.cfg)

			w, err := NewWorker(f.cfg)
			if tt.errString == "" {
				require.NoError(t, err)
				assert.NotNil(t, w)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestNewWorker_DefaultReclaimInterval(t *testing.T) {
	f := newFixture(3)
	f.cfg.ReclaimInterval = 0

	w, err := NewWorker(f.cfg)
	require.NoError(t, err)
	assert.Equal(t, f.cfg.LeaseDuration/2, w.reclaimInterval)
}

func TestPollBackoff(t *testing.T) {
	b := newPollBackoff(10*time.Millisecond, 80*time.Millisecond)

	var last time.Duration
	for i := 0; i < 100; i++ {
		last = b.Next()
		assert.Greater(t, last, time.Duration(0))
		assert.LessOrEqual(t, last, 80*time.Millisecond)
	}
	assert.GreaterOrEqual(t, last, 60*time.Millisecond, "backoff should have grown toward the cap")

	b.Reset()
	assert.LessOrEqual(t, b.Next(), 12*time.Millisecond)
}

func TestWorker_ReclaimExpired(t *testing.T) {
	f := newFixture(3)
	ctx := context.Background()

	w, err := NewWorker(f.cfg)
	require.NoError(t, err)

	_, err = f.jobs.Enqueue(ctx, "t1", "done")
	require.NoError(t, err)
	_, err = f.jobs.LeaseNext(ctx, "crashed-0", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 1, w.reclaimExpired(ctx))
	assert.Len(t, w.wakeChan, 1, "reclaimed jobs wake an idle worker")

	stats, err := f.jobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[domain.StatePending])
}

func TestParseWakeup(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "valid", body: `{"job_id":"2b0e4b7e-8f0e-4c8e-9a53-0f5d4c3b2a10","task_id":"t1"}`},
		{name: "not json", body: `not json`, wantErr: true},
		{name: "missing job id", body: `{"task_id":"t1"}`, wantErr: true},
		{name: "job id not a uuid", body: `{"job_id":"42"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := parseWakeup([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "t1", msg.TaskID)
		})
	}
}

package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Nafiz1/task-management-api/internal/task/domain"
	"github.com/Nafiz1/task-management-api/shared/logger"
	"github.com/Nafiz1/task-management-api/shared/postgresql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresStorage(t *testing.T) Store {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.NewDiscard()
	require.NoError(t, postgresql.NewFromDB(db, log).Migrate(context.Background()))

	return NewStorage(db, log)
}

func TestMemoryStorage(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStorage() })
}

func TestPostgresStorage(t *testing.T) {
	runStoreContract(t, newPostgresStorage)
}

func newTask(userID string, createdAt time.Time) *domain.Task {
	return &domain.Task{
		TaskID:      uuid.NewString(),
		UserID:      userID,
		Title:       "write report",
		Description: "quarterly numbers",
		Status:      domain.StatusPending,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("create and get", func(t *testing.T) {
		store := newStore(t)
		task := newTask(uuid.NewString(), base)
		require.NoError(t, store.Create(ctx, task))

		got, err := store.Get(ctx, task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, task.TaskID, got.TaskID)
		assert.Equal(t, task.UserID, got.UserID)
		assert.Equal(t, "write report", got.Title)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.True(t, task.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("get missing task", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrTaskNotFound)

		_, err = store.Get(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	})

	t.Run("partial update", func(t *testing.T) {
		store := newStore(t)
		task := newTask(uuid.NewString(), base)
		require.NoError(t, store.Create(ctx, task))

		title := "rewrite report"
		got, err := store.Update(ctx, task.TaskID, domain.Update{Title: &title})
		require.NoError(t, err)
		assert.Equal(t, "rewrite report", got.Title)
		assert.Equal(t, "quarterly numbers", got.Description)
		assert.Equal(t, domain.StatusPending, got.Status)

		status := domain.StatusCompleted
		got, err = store.Update(ctx, task.TaskID, domain.Update{Status: &status})
		require.NoError(t, err)
		assert.Equal(t, "rewrite report", got.Title)
		assert.Equal(t, domain.StatusCompleted, got.Status)

		_, err = store.Update(ctx, uuid.NewString(), domain.Update{Title: &title})
		assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)
		task := newTask(uuid.NewString(), base)
		require.NoError(t, store.Create(ctx, task))

		require.NoError(t, store.Delete(ctx, task.TaskID))

		_, err := store.Get(ctx, task.TaskID)
		assert.ErrorIs(t, err, domain.ErrTaskNotFound)

		assert.ErrorIs(t, store.Delete(ctx, task.TaskID), domain.ErrTaskNotFound)
	})

	t.Run("update status reports absence without error", func(t *testing.T) {
		store := newStore(t)
		task := newTask(uuid.NewString(), base)
		require.NoError(t, store.Create(ctx, task))

		found, err := store.UpdateStatus(ctx, task.TaskID, domain.StatusInProgress)
		require.NoError(t, err)
		assert.True(t, found)

		// applying the same status twice converges on the same record
		found, err = store.UpdateStatus(ctx, task.TaskID, domain.StatusInProgress)
		require.NoError(t, err)
		assert.True(t, found)

		got, err := store.Get(ctx, task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusInProgress, got.Status)

		found, err = store.UpdateStatus(ctx, uuid.NewString(), domain.StatusInProgress)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("list is scoped to the owner and paginates", func(t *testing.T) {
		store := newStore(t)
		owner := uuid.NewString()

		for i := 0; i < 5; i++ {
			require.NoError(t, store.Create(ctx, newTask(owner, base.Add(time.Duration(i)*time.Second))))
		}
		require.NoError(t, store.Create(ctx, newTask(uuid.NewString(), base)))

		page, err := store.List(ctx, domain.Filter{UserID: owner, PageSize: 2})
		require.NoError(t, err)
		require.Len(t, page, 3, "one extra row signals another page")
		assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt))

		last := page[1]
		rest, err := store.List(ctx, domain.Filter{
			UserID:   owner,
			PageSize: 10,
			Cursor:   &domain.Cursor{CreatedAt: last.CreatedAt, TaskID: last.TaskID},
		})
		require.NoError(t, err)
		assert.Len(t, rest, 3)
		for _, task := range rest {
			assert.Equal(t, owner, task.UserID)
			assert.True(t, task.CreatedAt.Before(last.CreatedAt))
		}
	})

	t.Run("list filters by status", func(t *testing.T) {
		store := newStore(t)
		owner := uuid.NewString()

		done := newTask(owner, base)
		done.Status = domain.StatusCompleted
		require.NoError(t, store.Create(ctx, done))
		require.NoError(t, store.Create(ctx, newTask(owner, base.Add(time.Second))))

		tasks, err := store.List(ctx, domain.Filter{UserID: owner, Status: domain.StatusCompleted, PageSize: 10})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, done.TaskID, tasks[0].TaskID)
	})
}

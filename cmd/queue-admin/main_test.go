package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Nafiz1/task-management-api/internal/api/handler"
	"github.com/Nafiz1/task-management-api/internal/api/router"
	"github.com/Nafiz1/task-management-api/internal/config"
	"github.com/Nafiz1/task-management-api/internal/queue/domain"
	queuestorage "github.com/Nafiz1/task-management-api/internal/queue/storage"
	"github.com/Nafiz1/task-management-api/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T, n int) (*queuestorage.MemoryStore, []string) {
	t.Helper()

	// one tick per call keeps enqueue order strict
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
	store := queuestorage.NewMemoryStore(queuestorage.Options{MaxAttempts: 3}, clock)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := store.Enqueue(context.Background(), "task-1", "done")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return store, ids
}

func outputLines(out *bytes.Buffer) []string {
	return strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
}

func TestRunPurge(t *testing.T) {
	ctx := context.Background()

	t.Run("refuses without confirmation", func(t *testing.T) {
		store, _ := seedStore(t, 3)
		var out bytes.Buffer

		err := runPurge(ctx, store, nil, &out, logger.NewDiscard())

		assert.ErrorIs(t, err, errUsage)
		assert.Contains(t, err.Error(), "-yes")
		assert.Empty(t, out.String())

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats[domain.StatePending], "nothing deleted")
	})

	t.Run("deletes every job when confirmed", func(t *testing.T) {
		store, _ := seedStore(t, 3)
		var out bytes.Buffer

		err := runPurge(ctx, store, []string{"-yes"}, &out, logger.NewDiscard())
		require.NoError(t, err)
		assert.Equal(t, "deleted 3 jobs\n", out.String())

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		for _, s := range domain.AllStates {
			assert.Zero(t, stats[s], s)
		}
	})

	t.Run("unknown flag", func(t *testing.T) {
		store, _ := seedStore(t, 1)

		err := runPurge(ctx, store, []string{"-force"}, &bytes.Buffer{}, logger.NewDiscard())
		assert.ErrorIs(t, err, errUsage)
	})
}

func TestRunList(t *testing.T) {
	ctx := context.Background()

	t.Run("limit trims the lookahead row", func(t *testing.T) {
		store, ids := seedStore(t, 3)
		var out bytes.Buffer

		err := runList(ctx, store, []string{"-limit", "2"}, &out)
		require.NoError(t, err)

		lines := outputLines(&out)
		require.Len(t, lines, 3, "header plus two jobs")
		assert.True(t, strings.HasPrefix(lines[0], "JOB ID"))
		assert.NotContains(t, out.String(), ids[0], "oldest job falls outside the limit")
	})

	t.Run("filters by state", func(t *testing.T) {
		store, ids := seedStore(t, 2)
		leased, err := store.LeaseNext(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, ids[0], leased.JobID)
		var out bytes.Buffer

		err = runList(ctx, store, []string{"-state", "pending"}, &out)
		require.NoError(t, err)

		lines := outputLines(&out)
		require.Len(t, lines, 2)
		assert.Contains(t, lines[1], ids[1])
	})

	t.Run("rejects unknown state", func(t *testing.T) {
		store, _ := seedStore(t, 1)

		err := runList(ctx, store, []string{"-state", "running"}, &bytes.Buffer{})
		assert.ErrorIs(t, err, errUsage)
	})

	t.Run("rejects non-positive limit", func(t *testing.T) {
		store, _ := seedStore(t, 1)

		err := runList(ctx, store, []string{"-limit", "0"}, &bytes.Buffer{})
		assert.ErrorIs(t, err, errUsage)
	})
}

func TestRunStats(t *testing.T) {
	ctx := context.Background()
	store, _ := seedStore(t, 2)
	_, err := store.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	var out bytes.Buffer

	require.NoError(t, runStats(ctx, store, &out))

	lines := outputLines(&out)
	require.Len(t, lines, len(domain.AllStates)+1)
	assert.Equal(t, []string{"STATE", "COUNT"}, strings.Fields(lines[0]))

	counts := make(map[string]string)
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		require.Len(t, fields, 2)
		counts[fields[0]] = fields[1]
	}
	assert.Equal(t, "1", counts[string(domain.StatePending)])
	assert.Equal(t, "1", counts[string(domain.StateLeased)])
	assert.Equal(t, "0", counts[string(domain.StateCompleted)])
	assert.Equal(t, "0", counts[string(domain.StateDead)])
}

func TestRunGet(t *testing.T) {
	ctx := context.Background()
	store, ids := seedStore(t, 1)

	t.Run("prints the job as json", func(t *testing.T) {
		var out bytes.Buffer

		require.NoError(t, runGet(ctx, store, []string{"-id", ids[0]}, &out))

		var job domain.Job
		require.NoError(t, json.Unmarshal(out.Bytes(), &job))
		assert.Equal(t, ids[0], job.JobID)
		assert.Equal(t, domain.StatePending, job.State)
	})

	t.Run("requires an id", func(t *testing.T) {
		err := runGet(ctx, store, nil, &bytes.Buffer{})
		assert.ErrorIs(t, err, errUsage)
	})

	t.Run("unknown job", func(t *testing.T) {
		err := runGet(ctx, store, []string{"-id", "missing"}, &bytes.Buffer{})
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestRunToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := config.AuthConfig{JWTSecret: "dev-secret", Issuer: "task-management-api"}

	authorize := func(t *testing.T, secret, bearer string) (int, string) {
		t.Helper()
		var userID string
		engine := gin.New()
		engine.GET("/whoami", router.AuthMiddleware(secret, auth.Issuer, logger.NewDiscard()), func(c *gin.Context) {
			userID = handler.UserID(c)
			c.Status(http.StatusNoContent)
		})

		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+bearer)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w.Code, userID
	}

	t.Run("minted token is accepted by the api", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runToken(auth, []string{"-sub", "user-1"}, time.Now(), &out))

		code, userID := authorize(t, auth.JWTSecret, strings.TrimSpace(out.String()))
		assert.Equal(t, http.StatusNoContent, code)
		assert.Equal(t, "user-1", userID)
	})

	t.Run("token signed with another secret is rejected", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runToken(auth, []string{"-sub", "user-1"}, time.Now(), &out))

		code, _ := authorize(t, "other-secret", strings.TrimSpace(out.String()))
		assert.Equal(t, http.StatusUnauthorized, code)
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		var out bytes.Buffer
		issued := time.Now().Add(-2 * time.Hour)
		require.NoError(t, runToken(auth, []string{"-sub", "user-1", "-ttl", "1h"}, issued, &out))

		code, _ := authorize(t, auth.JWTSecret, strings.TrimSpace(out.String()))
		assert.Equal(t, http.StatusUnauthorized, code)
	})

	t.Run("requires a subject", func(t *testing.T) {
		err := runToken(auth, nil, time.Now(), &bytes.Buffer{})
		assert.ErrorIs(t, err, errUsage)
	})

	t.Run("requires a configured secret", func(t *testing.T) {
		err := runToken(config.AuthConfig{}, []string{"-sub", "user-1"}, time.Now(), &bytes.Buffer{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, errUsage)
	})
}

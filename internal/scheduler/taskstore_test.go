// ABOUTME: Contract tests run against every TaskStore backend
// ABOUTME: Redis runs only when REDIS_ADDR points at a disposable server

package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func taskStores(t *testing.T) map[string]TaskStore {
	t.Helper()
	stores := map[string]TaskStore{
		"memory": NewMemoryTaskStore(),
	}

	sqlStore, err := NewSQLTaskStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })
	stores["sql"] = sqlStore

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisStore, err := NewRedisTaskStore(RedisOptions{Addr: addr, Prefix: "stagehand-test:" + uuid.NewString()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = redisStore.Close() })
		stores["redis"] = redisStore
	}
	return stores
}

func task(user, ref string, runAt time.Time) Task {
	return Task{ID: TaskID(user, ref), UserID: user, Ref: ref, RunAt: runAt, MisfireGrace: DefaultMisfireGrace}
}

func TestTaskStore_ReplaceKeepsOneTask(t *testing.T) {
	for name, s := range taskStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Replace(ctx, task("u1", "collect:Reminder1", base.Add(time.Hour))))
			require.NoError(t, s.Replace(ctx, task("u1", "collect:Reminder1", base.Add(2*time.Hour))))

			all, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.True(t, base.Add(2*time.Hour).Equal(all[0].RunAt))
			assert.Equal(t, "u1:collect:Reminder1", all[0].ID)
			assert.Equal(t, DefaultMisfireGrace, all[0].MisfireGrace)
		})
	}
}

func TestTaskStore_DueOrderedAndLimited(t *testing.T) {
	for name, s := range taskStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Replace(ctx, task("u1", "b", base.Add(2*time.Minute))))
			require.NoError(t, s.Replace(ctx, task("u2", "a", base.Add(time.Minute))))
			require.NoError(t, s.Replace(ctx, task("u3", "c", base.Add(time.Hour))))

			due, err := s.Due(ctx, base.Add(5*time.Minute), 10)
			require.NoError(t, err)
			require.Len(t, due, 2)
			assert.Equal(t, "u2:a", due[0].ID)
			assert.Equal(t, "u1:b", due[1].ID)

			due, err = s.Due(ctx, base.Add(5*time.Minute), 1)
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, "u2:a", due[0].ID)
		})
	}
}

func TestTaskStore_ClaimOnce(t *testing.T) {
	for name, s := range taskStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tk := task("u1", "r", base)
			require.NoError(t, s.Replace(ctx, tk))

			due, err := s.Due(ctx, base, 10)
			require.NoError(t, err)
			require.Len(t, due, 1)

			ok, err := s.Claim(ctx, due[0])
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.Claim(ctx, due[0])
			require.NoError(t, err)
			assert.False(t, ok, "a task is consumed exactly once")
		})
	}
}

func TestTaskStore_ClaimMissesReplacedTask(t *testing.T) {
	for name, s := range taskStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Replace(ctx, task("u1", "r", base)))
			due, err := s.Due(ctx, base, 10)
			require.NoError(t, err)
			require.Len(t, due, 1)

			// Re-planned while the loop was holding the old copy
			require.NoError(t, s.Replace(ctx, task("u1", "r", base.Add(time.Hour))))

			ok, err := s.Claim(ctx, due[0])
			require.NoError(t, err)
			assert.False(t, ok)

			all, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1, "the replacement survives")
		})
	}
}

func TestTaskStore_RemoveUser(t *testing.T) {
	for name, s := range taskStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Replace(ctx, task("u1", "a", base)))
			require.NoError(t, s.Replace(ctx, task("u1", "b", base)))
			require.NoError(t, s.Replace(ctx, task("u2", "a", base)))

			n, err := s.RemoveUser(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			all, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "u2", all[0].UserID)
		})
	}
}

func TestSQLTaskStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	ctx := context.Background()

	s, err := NewSQLTaskStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Replace(ctx, task("u1", "collect:Reminder1", base.Add(4*time.Hour))))
	require.NoError(t, s.Close())

	reopened, err := NewSQLTaskStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "u1", all[0].UserID)
	assert.Equal(t, "collect:Reminder1", all[0].Ref)
	assert.True(t, base.Add(4*time.Hour).Equal(all[0].RunAt))
}

package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kengibson1111/go-tenant-cache/cache"
	"github.com/kengibson1111/go-tenant-cache/internal"
	"github.com/kengibson1111/go-tenant-cache/internal/models"
	"github.com/kengibson1111/go-tenant-cache/store"
)

type fixture struct {
	svc   *TaskService
	repo  *store.TaskRepository
	cache *cache.RedisCache
	mr    *miniredis.Miniredis
}

func setup(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := internal.DefaultConfig()
	cfg.RedisAddr = mr.Addr()
	cfg.Resilience.Cache.Retry.InitialDelay = time.Millisecond
	cfg.Resilience.Cache.Retry.MaxDelay = 2 * time.Millisecond

	rc, err := cache.NewRedisCache(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	db, err := store.Open(store.MemoryDSN, false)
	require.NoError(t, err)
	repo := store.NewTaskRepository(db, rc.Executor(), zap.NewNop())

	return &fixture{
		svc:   NewTaskService(repo, rc.Entities, zap.NewNop()),
		repo:  repo,
		cache: rc,
		mr:    mr,
	}
}

func TestTaskService_GetTaskReadsThrough(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	created, err := f.svc.CreateTask(ctx, "T1", &models.Task{Title: "Plan sprint"})
	require.NoError(t, err)
	require.False(t, created.CacheStale)
	id := created.Task.ID

	key := "taskapi:t:T1:task:" + id
	assert.False(t, f.mr.Exists(key))

	got, err := f.svc.GetTask(ctx, "T1", id)
	require.NoError(t, err)
	assert.Equal(t, "Plan sprint", got.Title)
	assert.True(t, f.mr.Exists(key))

	// A second read is served from the cache even if the row changes underneath
	row := *got
	row.Title = "Changed behind the cache"
	require.NoError(t, f.repo.Update(ctx, &row))

	cached, err := f.svc.GetTask(ctx, "T1", id)
	require.NoError(t, err)
	assert.Equal(t, "Plan sprint", cached.Title)

	_, err = f.svc.GetTask(ctx, "T2", id)
	assert.True(t, internal.IsNotFoundError(err))
}

func TestTaskService_WritesInvalidateBeforeTheNextRead(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.svc.CreateTask(ctx, "T1", &models.Task{Title: "A"})
	require.NoError(t, err)

	list, err := f.svc.ListTasks(ctx, "T1", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, err = f.svc.GetTask(ctx, "T1", first.Task.ID)
	require.NoError(t, err)
	stats, err := f.svc.Statistics(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Total)

	_, err = f.svc.CreateTask(ctx, "T1", &models.Task{Title: "B"})
	require.NoError(t, err)

	list, err = f.svc.ListTasks(ctx, "T1", "")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	stats, err = f.svc.Statistics(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)

	updated := *first.Task
	updated.Title = "A (edited)"
	res, err := f.svc.UpdateTask(ctx, "T1", &updated)
	require.NoError(t, err)
	assert.False(t, res.CacheStale)

	got, err := f.svc.GetTask(ctx, "T1", first.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, "A (edited)", got.Title)

	_, err = f.svc.UpdateStatus(ctx, "T1", first.Task.ID, models.StatusDone)
	require.NoError(t, err)
	done, err := f.svc.ListTasks(ctx, "T1", models.StatusDone)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.True(t, f.mr.Exists("taskapi:t:T1:tasklist:status=done"))

	_, err = f.svc.DeleteTask(ctx, "T1", first.Task.ID)
	require.NoError(t, err)
	_, err = f.svc.GetTask(ctx, "T1", first.Task.ID)
	assert.True(t, internal.IsNotFoundError(err))
	done, err = f.svc.ListTasks(ctx, "T1", models.StatusDone)
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestTaskService_OverdueAndIsolation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	_, err := f.svc.CreateTask(ctx, "T1", &models.Task{Title: "late", DueDate: &past})
	require.NoError(t, err)
	_, err = f.svc.CreateTask(ctx, "T10", &models.Task{Title: "other late", DueDate: &past})
	require.NoError(t, err)

	overdue, err := f.svc.ListOverdue(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "T1", overdue[0].TenantID)
	assert.True(t, f.mr.Exists("taskapi:t:T1:overdue:all"))

	// A write in T10 leaves T1's collections alone
	_, err = f.svc.CreateTask(ctx, "T10", &models.Task{Title: "another"})
	require.NoError(t, err)
	assert.True(t, f.mr.Exists("taskapi:t:T1:overdue:all"))
}

func TestTaskService_ServesFromStoreWhenCacheIsDown(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	created, err := f.svc.CreateTask(ctx, "T1", &models.Task{Title: "A"})
	require.NoError(t, err)
	f.mr.Close()

	got, err := f.svc.GetTask(ctx, "T1", created.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", got.Title)

	list, err := f.svc.ListTasks(ctx, "T1", "")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// The write commits; the refused invalidation is reported, not raised
	res, err := f.svc.CreateTask(ctx, "T1", &models.Task{Title: "B"})
	require.NoError(t, err)
	assert.True(t, res.CacheStale)
	_, err = f.repo.Get(ctx, "T1", res.Task.ID)
	assert.NoError(t, err)
}

// refusingCache refuses every invalidation; other methods are unused here
type refusingCache struct {
	cache.Cache
	mutations []models.TaskMutation
}

func (c *refusingCache) HandleMutation(_ context.Context, m models.TaskMutation) error {
	c.mutations = append(c.mutations, m)
	return internal.NewCircuitOpenError("del")
}

func TestTaskService_ReportsStaleCacheAfterRefusedInvalidation(t *testing.T) {
	f := setup(t)
	core, logs := observer.New(zapcore.WarnLevel)
	refusing := &refusingCache{}
	svc := NewTaskService(f.repo, refusing, zap.New(core))

	res, err := svc.CreateTask(context.Background(), "T1", &models.Task{Title: "A"})
	require.NoError(t, err)
	assert.True(t, res.CacheStale)
	require.Len(t, refusing.mutations, 1)
	assert.Equal(t, models.MutationCreated, refusing.mutations[0].Kind)
	assert.Equal(t, res.Task.ID, refusing.mutations[0].TaskID)

	entries := logs.FilterMessage("cache invalidation refused after committed write").All()
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].ContextMap()["refused"])
}

func TestTaskService_RejectsInvalidInput(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.CreateTask(ctx, "T1", nil)
	assert.True(t, internal.IsValidationError(err))

	_, err = f.svc.CreateTask(ctx, "T1", &models.Task{})
	assert.True(t, internal.IsValidationError(err))

	_, err = f.svc.ListTasks(ctx, "T1", "archived")
	assert.True(t, internal.IsValidationError(err))
	assert.Empty(t, f.mr.Keys())

	_, err = f.svc.UpdateStatus(ctx, "T1", "missing", models.StatusDone)
	assert.True(t, internal.IsNotFoundError(err))
}

package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave/syncd/internal/database"
	"github.com/airweave/syncd/internal/worker"
	"github.com/airweave/syncd/pkg/models"
)

func TestJanitorForcesTerminalStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	f.store.SetClock(func() time.Time { return base })

	stuckPending := f.newJob(t, false)

	stuckCancelling := f.newJob(t, false)
	require.NoError(t, f.store.TransitionJob(ctx, stuckCancelling.ID, models.JobRunning, ""))
	require.NoError(t, f.store.TransitionJob(ctx, stuckCancelling.ID, models.JobCancelling, "cancel requested"))

	stalledRunning := f.newJob(t, false)
	require.NoError(t, f.store.TransitionJob(ctx, stalledRunning.ID, models.JobRunning, ""))

	// Fifteen minutes later two fresh jobs appear; only the old three are
	// beyond the cutoffs.
	f.store.SetClock(func() time.Time { return base.Add(15 * time.Minute) })
	freshPending := f.newJob(t, false)
	freshRunning := f.newJob(t, false)
	require.NoError(t, f.store.TransitionJob(ctx, freshRunning.ID, models.JobRunning, ""))

	j := NewJanitor(f.store, nil)
	require.NoError(t, j.Run(ctx))

	got := f.job(t, stuckPending.ID)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Contains(t, got.Error, "no worker picked the job up")

	got = f.job(t, stuckCancelling.ID)
	assert.Equal(t, models.JobCancelled, got.Status)
	assert.Contains(t, got.Error, "forced by janitor")

	got = f.job(t, stalledRunning.ID)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Contains(t, got.Error, "no entity progress")

	assert.Equal(t, models.JobPending, f.job(t, freshPending.ID).Status)
	assert.Equal(t, models.JobRunning, f.job(t, freshRunning.ID).Status)
}

func TestJanitorSparesJobsWithRecentProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	f.store.SetClock(func() time.Time { return base })

	running := f.newJob(t, false)
	require.NoError(t, f.store.TransitionJob(ctx, running.ID, models.JobRunning, ""))

	// A waiting force-full job keeps touching its own progress.
	waiting := f.newJob(t, true)

	f.store.SetClock(func() time.Time { return base.Add(9 * time.Minute) })
	require.NoError(t, f.store.TouchJobProgress(ctx, running.ID))
	require.NoError(t, f.store.TouchJobProgress(ctx, waiting.ID))

	f.store.SetClock(func() time.Time { return base.Add(11 * time.Minute) })
	require.NoError(t, NewJanitor(f.store, nil).Run(ctx))

	assert.Equal(t, models.JobRunning, f.job(t, running.ID).Status)
	assert.Equal(t, models.JobPending, f.job(t, waiting.ID).Status)
}

func TestJanitorRequeuesAbandonedActivities(t *testing.T) {
	ctx := context.Background()

	store, err := database.Open(filepath.Join(t.TempDir(), "syncd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	queue := worker.NewQueue(rdb, "test:activities", 50*time.Millisecond)

	_, err = queue.Enqueue(ctx, worker.ActivityRunSync, worker.RunSyncPayload{SyncID: "s1", SyncJobID: "j1"})
	require.NoError(t, err)
	claim, err := queue.Claim(ctx, "dead-worker", time.Second)
	require.NoError(t, err)
	require.NotNil(t, claim)

	// The worker dies without acking; its lease runs out.
	mr.FastForward(time.Second)

	require.NoError(t, NewJanitor(store, queue).Run(ctx))

	pending, processing, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
	assert.Equal(t, int64(0), processing)
}

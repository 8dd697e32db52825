package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "syncd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedSync(t *testing.T, store *Store) *models.Sync {
	t.Helper()
	sync := &models.Sync{
		Name:               "asana daily",
		OrganizationID:     "org-1",
		SourceConnectionID: "conn-src",
		SourceShortName:    "asana",
		CollectionID:       "col-1",
		Schedule:           "0 */6 * * *",
	}
	require.NoError(t, store.CreateSync(context.Background(), sync))
	return sync
}

func TestSyncRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sync := seedSync(t, store)
	require.NotEmpty(t, sync.ID)

	got, err := store.GetSync(ctx, sync.ID)
	require.NoError(t, err)
	assert.Equal(t, "asana daily", got.Name)
	assert.Equal(t, "asana", got.SourceShortName)
	assert.NotNil(t, got.Cursor)

	_, err = store.GetSync(ctx, "missing")
	assert.True(t, syncerrors.IsNotFound(err))

	all, err := store.ListSyncs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSyncCursorPersistPreservesUnknownFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sync := seedSync(t, store)

	cursor := models.CursorData{}
	cursor.SetString("updated_since", "2025-06-01T00:00:00Z")
	require.NoError(t, cursor.Set("shard_offsets", map[string]int{"a": 3, "b": 7}))
	require.NoError(t, store.UpdateSyncCursor(ctx, sync.ID, cursor))

	got, err := store.GetSync(ctx, sync.ID)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-01T00:00:00Z", got.Cursor.GetString("updated_since"))

	var shards map[string]int
	ok, err := got.Cursor.Get("shard_offsets", &shards)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, shards["b"])

	err = store.UpdateSyncCursor(ctx, "missing", cursor)
	assert.True(t, syncerrors.IsNotFound(err))
}

func TestJobLifecycleTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sync := seedSync(t, store)

	job := &models.SyncJob{SyncID: sync.ID, OrganizationID: sync.OrganizationID}
	require.NoError(t, store.CreateJob(ctx, job))
	assert.Equal(t, models.JobPending, job.Status)

	// Skipping RUNNING is not a legal edge.
	err := store.TransitionJob(ctx, job.ID, models.JobCompleted, "")
	require.Error(t, err)
	assert.True(t, syncerrors.IsInvalidState(err))

	require.NoError(t, store.TransitionJob(ctx, job.ID, models.JobRunning, ""))
	running, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	require.NotNil(t, running.LastProgressAt)

	require.NoError(t, store.TransitionJob(ctx, job.ID, models.JobCancelling, ""))
	require.NoError(t, store.TransitionJob(ctx, job.ID, models.JobCancelled, "cancelled by user"))

	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, final.Status)
	assert.Equal(t, "cancelled by user", final.Error)
	assert.NotNil(t, final.FailedAt)
	assert.Nil(t, final.CompletedAt)

	// Terminal states accept no further transitions.
	err = store.TransitionJob(ctx, job.ID, models.JobRunning, "")
	assert.True(t, syncerrors.IsInvalidState(err))
}

func TestJobCompletedStampsCompletedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sync := seedSync(t, store)

	job := &models.SyncJob{SyncID: sync.ID, OrganizationID: sync.OrganizationID}
	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, store.TransitionJob(ctx, job.ID, models.JobRunning, ""))
	require.NoError(t, store.TransitionJob(ctx, job.ID, models.JobCompleted, ""))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.FailedAt)
}

func TestActiveJobForSync(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sync := seedSync(t, store)

	mine := &models.SyncJob{SyncID: sync.ID, OrganizationID: sync.OrganizationID}
	require.NoError(t, store.CreateJob(ctx, mine))

	// Only my own job exists; excluding it means the sync looks idle.
	other, err := store.ActiveJobForSync(ctx, sync.ID, mine.ID)
	require.NoError(t, err)
	assert.Nil(t, other)

	rival := &models.SyncJob{SyncID: sync.ID, OrganizationID: sync.OrganizationID}
	require.NoError(t, store.CreateJob(ctx, rival))
	require.NoError(t, store.TransitionJob(ctx, rival.ID, models.JobRunning, ""))

	other, err = store.ActiveJobForSync(ctx, sync.ID, mine.ID)
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.Equal(t, rival.ID, other.ID)

	// Terminal rivals release the slot.
	require.NoError(t, store.TransitionJob(ctx, rival.ID, models.JobCompleted, ""))
	other, err = store.ActiveJobForSync(ctx, sync.ID, mine.ID)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestJobCountersAndProgress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sync := seedSync(t, store)

	job := &models.SyncJob{SyncID: sync.ID, OrganizationID: sync.OrganizationID}
	require.NoError(t, store.CreateJob(ctx, job))

	counters := models.JobCounters{Inserted: 10, Updated: 4, Deleted: 2, Kept: 30, Skipped: 1}
	require.NoError(t, store.UpdateJobCounters(ctx, job.ID, counters))
	require.NoError(t, store.TouchJobProgress(ctx, job.ID))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, counters, got.Counters)
	assert.Equal(t, int64(47), got.Counters.Total())
	assert.NotNil(t, got.LastProgressAt)
}

func TestStuckJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sync := seedSync(t, store)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	stalePending := &models.SyncJob{SyncID: sync.ID, OrganizationID: sync.OrganizationID}
	require.NoError(t, store.CreateJob(ctx, stalePending))

	staleRunning := &models.SyncJob{SyncID: sync.ID, OrganizationID: sync.OrganizationID}
	require.NoError(t, store.CreateJob(ctx, staleRunning))
	require.NoError(t, store.TransitionJob(ctx, staleRunning.ID, models.JobRunning, ""))

	waiting := &models.SyncJob{SyncID: sync.ID, OrganizationID: sync.OrganizationID}
	require.NoError(t, store.CreateJob(ctx, waiting))

	// Fresh jobs created after the clock advances stay invisible, and so does
	// an old pending job whose waiter keeps touching progress.
	store.SetClock(func() time.Time { return base.Add(15 * time.Minute) })
	fresh := &models.SyncJob{SyncID: sync.ID, OrganizationID: sync.OrganizationID}
	require.NoError(t, store.CreateJob(ctx, fresh))
	require.NoError(t, store.TouchJobProgress(ctx, waiting.ID))

	stuck, err := store.StuckJobs(ctx, 3*time.Minute, 10*time.Minute)
	require.NoError(t, err)

	ids := make(map[string]bool, len(stuck))
	for _, j := range stuck {
		ids[j.ID] = true
	}
	assert.True(t, ids[stalePending.ID])
	assert.True(t, ids[staleRunning.ID])
	assert.False(t, ids[fresh.ID])
	assert.False(t, ids[waiting.ID])
}

func TestLatestJobTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sync := seedSync(t, store)

	_, ok, err := store.LatestJobTime(ctx, sync.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	job := &models.SyncJob{SyncID: sync.ID, OrganizationID: sync.OrganizationID}
	require.NoError(t, store.CreateJob(ctx, job))

	latest, ok, err := store.LatestJobTime(ctx, sync.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, job.CreatedAt, latest, time.Second)
}

func TestConnectionTokenPersistence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conn := &models.Connection{
		OrganizationID: "org-1",
		ShortName:      "asana",
		Kind:           "source",
		AuthType:       models.AuthOAuthToken,
		AccessToken:    "old-access",
		RefreshToken:   "old-refresh",
		Config:         map[string]string{"workspace": "eng"},
	}
	require.NoError(t, store.CreateConnection(ctx, conn))

	expiry := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.PersistTokens(ctx, conn.ID, "new-access", "new-refresh", &expiry))

	got, err := store.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-access", got.AccessToken)
	assert.Equal(t, "new-refresh", got.RefreshToken)
	require.NotNil(t, got.TokenExpiry)
	assert.True(t, got.TokenExpiry.Equal(expiry))
	assert.Equal(t, "eng", got.Config["workspace"])

	err = store.PersistTokens(ctx, "missing", "a", "r", nil)
	assert.True(t, syncerrors.IsNotFound(err))
}

func TestCollectionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	col := &models.Collection{ReadableID: "support-docs", VectorSize: 1536}
	require.NoError(t, store.CreateCollection(ctx, col))

	got, err := store.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, "support-docs", got.ReadableID)
	assert.Equal(t, 1536, got.VectorSize)
}

func TestSlotSwitchPromotesShadowAtomically(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sync := seedSync(t, store)

	active := &models.DestinationSlot{SyncID: sync.ID, ConnectionID: "dest-a", Role: models.SlotActive}
	require.NoError(t, store.CreateSlot(ctx, active))
	shadow := &models.DestinationSlot{SyncID: sync.ID, ConnectionID: "dest-b", Role: models.SlotShadow, LiveMirror: true}
	require.NoError(t, store.CreateSlot(ctx, shadow))

	require.NoError(t, store.SwitchSlots(ctx, sync.ID, shadow.SlotID))

	slots, err := store.ListSlots(ctx, sync.ID)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, shadow.SlotID, slots[0].SlotID)
	assert.Equal(t, models.SlotActive, slots[0].Role)
	assert.False(t, slots[0].LiveMirror, "promotion clears the mirror flag")
	assert.Equal(t, active.SlotID, slots[1].SlotID)
	assert.Equal(t, models.SlotDeprecated, slots[1].Role)
}

func TestSlotSwitchRejectsNonShadowTarget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sync := seedSync(t, store)

	active := &models.DestinationSlot{SyncID: sync.ID, ConnectionID: "dest-a", Role: models.SlotActive}
	require.NoError(t, store.CreateSlot(ctx, active))

	err := store.SwitchSlots(ctx, sync.ID, active.SlotID)
	require.Error(t, err)
	assert.True(t, syncerrors.IsInvalidState(err))

	err = store.SwitchSlots(ctx, sync.ID, "missing")
	assert.True(t, syncerrors.IsNotFound(err))
}

func TestOneActiveSlotPerSync(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sync := seedSync(t, store)

	first := &models.DestinationSlot{SyncID: sync.ID, ConnectionID: "dest-a", Role: models.SlotActive}
	require.NoError(t, store.CreateSlot(ctx, first))

	second := &models.DestinationSlot{SyncID: sync.ID, ConnectionID: "dest-b", Role: models.SlotActive}
	assert.Error(t, store.CreateSlot(ctx, second), "unique index rejects a second ACTIVE slot")

	// The same connection cannot hold two slots on one sync either.
	dup := &models.DestinationSlot{SyncID: sync.ID, ConnectionID: "dest-a", Role: models.SlotShadow}
	assert.Error(t, store.CreateSlot(ctx, dup))
}

func TestRateLimitConfigRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.RateLimitConfig(ctx, "org-1", "asana")
	require.NoError(t, err)
	assert.Nil(t, got, "absent config is nil, not an error")

	cfg := &models.RateLimitConfig{
		OrganizationID:  "org-1",
		SourceShortName: "asana",
		Scope:           models.RateLimitConnection,
		Limit:           150,
		WindowSeconds:   60,
	}
	require.NoError(t, store.UpsertRateLimitConfig(ctx, cfg))

	got, err = store.RateLimitConfig(ctx, "org-1", "asana")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.RateLimitConnection, got.Scope)
	assert.Equal(t, int64(150), got.Limit)

	cfg.Limit = 300
	require.NoError(t, store.UpsertRateLimitConfig(ctx, cfg))
	got, err = store.RateLimitConfig(ctx, "org-1", "asana")
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.Limit)
}

func TestEntityIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.LookupEntity(ctx, "sync-1", "task-1")
	require.NoError(t, err)
	assert.Nil(t, rec, "unseen entity is nil, not an error")

	require.NoError(t, store.StoreEntity(ctx, "sync-1", "task-1", "hash-a", "qdrant_chunk_embed"))
	require.NoError(t, store.StoreEntity(ctx, "sync-1", "task-2", "hash-b", "qdrant_chunk_embed"))
	require.NoError(t, store.StoreEntity(ctx, "sync-2", "task-1", "hash-c", "raw"))

	rec, err = store.LookupEntity(ctx, "sync-1", "task-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "hash-a", rec.Hash)
	assert.Equal(t, "qdrant_chunk_embed", rec.ProcessorID)

	// Re-store replaces in place.
	require.NoError(t, store.StoreEntity(ctx, "sync-1", "task-1", "hash-a2", "vespa_chunk_embed"))
	rec, err = store.LookupEntity(ctx, "sync-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-a2", rec.Hash)
	assert.Equal(t, "vespa_chunk_embed", rec.ProcessorID)

	n, err := store.CountEntities(ctx, "sync-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, store.RemoveEntities(ctx, "sync-1", []string{"task-1", "task-2"}))
	n, err = store.CountEntities(ctx, "sync-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Other syncs' rows are untouched.
	n, err = store.CountEntities(ctx, "sync-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave/syncd/internal/convert"
	"github.com/airweave/syncd/internal/database"
	"github.com/airweave/syncd/internal/sources"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

func init() {
	models.RegisterFields("crm_contact", map[string]models.FieldFlags{
		"notes":      {Embeddable: true},
		"email":      {Embeddable: true},
		"avatar_url": {Unhashable: true},
	})
}

type fakeIndex struct {
	mu   sync.Mutex
	rows map[string]database.EntityRecord
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{rows: map[string]database.EntityRecord{}}
}

func (f *fakeIndex) LookupEntity(_ context.Context, _, entityID string) (*database.EntityRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[entityID]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (f *fakeIndex) StoreEntity(_ context.Context, _, entityID, hash, processorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[entityID] = database.EntityRecord{Hash: hash, ProcessorID: processorID}
	return nil
}

func (f *fakeIndex) RemoveEntities(_ context.Context, _ string, entityIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range entityIDs {
		delete(f.rows, id)
	}
	return nil
}

func (f *fakeIndex) record(entityID string) (database.EntityRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[entityID]
	return rec, ok
}

type fakeDest struct {
	mu      sync.Mutex
	ops     []string
	upserts []*models.Entity
}

func (f *fakeDest) BulkUpsert(_ context.Context, entities []*models.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, entities...)
	for _, e := range entities {
		f.ops = append(f.ops, "upsert:"+e.Metadata.OriginalEntityID)
	}
	return nil
}

func (f *fakeDest) BulkDelete(_ context.Context, entityIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range entityIDs {
		f.ops = append(f.ops, "delete:"+id)
	}
	return nil
}

func (f *fakeDest) BulkDeleteByParent(_ context.Context, parentIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range parentIDs {
		f.ops = append(f.ops, "delete_parent:"+id)
	}
	return nil
}

func (f *fakeDest) HasKeywordIndex() bool { return true }

func (f *fakeDest) ContentProcessorID() string { return "fake" }

func (f *fakeDest) Close() error { return nil }

func (f *fakeDest) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.ops...)
}

func (f *fakeDest) upserted() []*models.Entity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Entity{}, f.upserts...)
}

// fakeProc fans one chunk child out of every entity with text, like the real
// processors, and returns nothing for text-free entities.
type fakeProc struct {
	id     string
	failOn map[string]error
}

func (f *fakeProc) ID() string { return f.id }

func (f *fakeProc) Process(_ context.Context, e *models.Entity) ([]*models.Entity, error) {
	if err, ok := f.failOn[e.EntityID]; ok {
		return nil, err
	}
	if strings.TrimSpace(e.Textual) == "" {
		return nil, nil
	}
	child := e.Clone()
	child.EntityID = models.ChunkEntityID(e.EntityID, 0)
	child.Metadata.OriginalEntityID = e.EntityID
	return []*models.Entity{child}, nil
}

type fakeArchive struct {
	mu      sync.Mutex
	stored  map[string]*models.Entity
	deleted []string
	seen    []string
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{stored: map[string]*models.Entity{}}
}

func (f *fakeArchive) UpsertEntity(_ context.Context, e *models.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[e.EntityID] = e
	return nil
}

func (f *fakeArchive) DeleteEntity(_ context.Context, _, entityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stored, entityID)
	f.deleted = append(f.deleted, entityID)
	return nil
}

func (f *fakeArchive) MarkSeen(_, entityID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, entityID)
}

func (f *fakeArchive) has(entityID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.stored[entityID]
	return ok
}

func (f *fakeArchive) seenIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.seen...)
}

// fakeStager writes a canned body to disk in place of a real download.
type fakeStager struct {
	dir  string
	body []byte
	name string
	err  error
}

func (f *fakeStager) DownloadFromURL(_ context.Context, e *models.Entity) error {
	if f.err != nil {
		return f.err
	}
	path := filepath.Join(f.dir, f.name)
	if err := os.WriteFile(path, f.body, 0o644); err != nil {
		return err
	}
	e.File.LocalPath = path
	return nil
}

type fakeUsage struct {
	allow bool
	err   error
}

func (f *fakeUsage) AllowInsert(context.Context, string) (bool, error) {
	return f.allow, f.err
}

type fixture struct {
	pipe    *Pipeline
	index   *fakeIndex
	dest    *fakeDest
	archive *fakeArchive
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		index:   newFakeIndex(),
		dest:    &fakeDest{},
		archive: newFakeArchive(),
	}
	cfg := Config{
		SyncID:          "sync-1",
		SyncJobID:       "job-1",
		OrganizationID:  "org-1",
		SourceShortName: "hubspot",
		Targets: []Target{{
			Slot: models.DestinationSlot{SlotID: "slot-active", Role: models.SlotActive},
			Dest: f.dest,
			Proc: &fakeProc{id: "proc-a"},
		}},
		Index:   f.index,
		Archive: f.archive,
		Workers: 4,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	pipe, err := New(cfg)
	require.NoError(t, err)
	f.pipe = pipe
	return f
}

func runEntities(t *testing.T, p *Pipeline, entities ...*models.Entity) error {
	t.Helper()
	stream := sources.NewEntityStream(len(entities)+1, nil)
	for _, e := range entities {
		require.NoError(t, stream.Emit(context.Background(), e))
	}
	stream.Close()
	return p.Run(context.Background(), stream)
}

func contact(id string, props map[string]any) *models.Entity {
	e := models.NewEntity(id, "crm_contact", props)
	e.Name = id
	return e
}

func TestInsertNewEntity(t *testing.T) {
	f := newFixture(t, nil)

	err := runEntities(t, f.pipe, contact("c-1", map[string]any{"notes": "hello"}))
	require.NoError(t, err)

	c := f.pipe.Counters()
	assert.Equal(t, int64(1), c.Inserted)
	assert.Equal(t, int64(1), c.Total())

	rec, ok := f.index.record("c-1")
	require.True(t, ok)
	assert.NotEmpty(t, rec.Hash)
	assert.Equal(t, "proc-a", rec.ProcessorID)

	ups := f.dest.upserted()
	require.Len(t, ups, 1)
	assert.Equal(t, "c-1#chunk_0", ups[0].EntityID)
	assert.Equal(t, "c-1", ups[0].Metadata.OriginalEntityID)
	assert.Equal(t, "hubspot", ups[0].Metadata.SourceName)
	assert.True(t, f.archive.has("c-1"))
}

func TestKeepUnchangedEntity(t *testing.T) {
	f := newFixture(t, nil)
	props := map[string]any{"notes": "stable"}

	require.NoError(t, runEntities(t, f.pipe, contact("c-1", props)))
	require.NoError(t, runEntities(t, f.pipe, contact("c-1", props)))

	c := f.pipe.Counters()
	assert.Equal(t, int64(1), c.Inserted)
	assert.Equal(t, int64(1), c.Kept)
	assert.Len(t, f.dest.upserted(), 1, "kept entity must not rewrite the destination")
	assert.Contains(t, f.archive.seenIDs(), "c-1")
}

func TestUnhashableFieldChangeStillKeeps(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, runEntities(t, f.pipe,
		contact("c-1", map[string]any{"notes": "same", "avatar_url": "https://a/1"})))
	require.NoError(t, runEntities(t, f.pipe,
		contact("c-1", map[string]any{"notes": "same", "avatar_url": "https://a/2"})))

	c := f.pipe.Counters()
	assert.Equal(t, int64(1), c.Inserted)
	assert.Equal(t, int64(1), c.Kept)
}

func TestUpdateOnContentChange(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, runEntities(t, f.pipe, contact("c-1", map[string]any{"notes": "v1"})))
	require.NoError(t, runEntities(t, f.pipe, contact("c-1", map[string]any{"notes": "v2"})))

	c := f.pipe.Counters()
	assert.Equal(t, int64(1), c.Inserted)
	assert.Equal(t, int64(1), c.Updated)

	// The stale fan-out is removed before the new write lands.
	ops := f.dest.opLog()
	require.Equal(t, []string{"upsert:c-1", "delete_parent:c-1", "upsert:c-1"}, ops)
}

func TestProcessorChangePromotesKeepToUpdate(t *testing.T) {
	f := newFixture(t, nil)
	props := map[string]any{"notes": "stable"}
	require.NoError(t, runEntities(t, f.pipe, contact("c-1", props)))

	// Same content, but the destination now requires a different shaping.
	second, err := New(Config{
		SyncID:          "sync-1",
		SyncJobID:       "job-2",
		OrganizationID:  "org-1",
		SourceShortName: "hubspot",
		Targets: []Target{{
			Slot: models.DestinationSlot{SlotID: "slot-active", Role: models.SlotActive},
			Dest: f.dest,
			Proc: &fakeProc{id: "proc-b"},
		}},
		Index:   f.index,
		Archive: f.archive,
		Workers: 2,
	})
	require.NoError(t, err)
	require.NoError(t, runEntities(t, second, contact("c-1", props)))

	assert.Equal(t, int64(1), second.Counters().Updated)
	rec, ok := f.index.record("c-1")
	require.True(t, ok)
	assert.Equal(t, "proc-b", rec.ProcessorID)
}

func TestDeletionRoutesToDeletes(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, runEntities(t, f.pipe, contact("c-1", map[string]any{"notes": "v1"})))

	require.NoError(t, runEntities(t, f.pipe, models.NewDeletionEntity("c-1", "crm_contact")))

	c := f.pipe.Counters()
	assert.Equal(t, int64(1), c.Deleted)
	_, ok := f.index.record("c-1")
	assert.False(t, ok, "deletion must clear the index row")
	assert.False(t, f.archive.has("c-1"))
	assert.Contains(t, f.dest.opLog(), "delete_parent:c-1")
}

func TestEntityErrorSkipsAndContinues(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Targets[0].Proc = &fakeProc{id: "proc-a", failOn: map[string]error{
			"c-2": syncerrors.NewEntityError("c-2", "no usable text", nil),
		}}
	})

	err := runEntities(t, f.pipe,
		contact("c-1", map[string]any{"notes": "a"}),
		contact("c-2", map[string]any{"notes": "b"}),
		contact("c-3", map[string]any{"notes": "c"}))
	require.NoError(t, err)

	c := f.pipe.Counters()
	assert.Equal(t, int64(2), c.Inserted)
	assert.Equal(t, int64(1), c.Skipped)
	assert.Equal(t, int64(3), c.Total())
	_, ok := f.index.record("c-2")
	assert.False(t, ok, "skipped entity must not be indexed")
}

func TestSyncFailureAborts(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Targets[0].Proc = &fakeProc{id: "proc-a", failOn: map[string]error{
			"c-1": syncerrors.NewSyncFailureError("chunker produced no output for non-empty text", nil),
		}}
	})

	err := runEntities(t, f.pipe, contact("c-1", map[string]any{"notes": "a"}))
	require.Error(t, err)
	assert.True(t, syncerrors.IsSyncFailure(err))
}

func TestCountersAccountForEveryEntity(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Targets[0].Proc = &fakeProc{id: "proc-a", failOn: map[string]error{
			"bad": syncerrors.NewEntityError("bad", "boom", nil),
		}}
	})

	entities := []*models.Entity{
		contact("a", map[string]any{"notes": "1"}),
		contact("b", map[string]any{"notes": "2"}),
		contact("bad", map[string]any{"notes": "3"}),
		models.NewDeletionEntity("gone", "crm_contact"),
	}
	require.NoError(t, runEntities(t, f.pipe, entities...))

	c := f.pipe.Counters()
	assert.Equal(t, int64(len(entities)), c.Total())
	assert.Equal(t, int64(2), c.Inserted)
	assert.Equal(t, int64(1), c.Skipped)
	assert.Equal(t, int64(1), c.Deleted)
}

func TestFileEntityStagedAndConverted(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Stager = &fakeStager{
			dir:  t.TempDir(),
			body: []byte("quarterly report body"),
			name: "report.txt",
		}
		cfg.Converter = convert.NewRegistry(nil)
	})

	e := models.NewFileEntity("f-1", "drive_file", "report.txt", "https://files/report.txt")
	require.NoError(t, runEntities(t, f.pipe, e))

	assert.Equal(t, int64(1), f.pipe.Counters().Inserted)
	ups := f.dest.upserted()
	require.Len(t, ups, 1)
	assert.Equal(t, "quarterly report body", ups[0].Textual)
}

func TestCodeFileReadsStagedBody(t *testing.T) {
	body := "package main\n\nfunc main() {}\n"
	f := newFixture(t, func(cfg *Config) {
		cfg.Stager = &fakeStager{dir: t.TempDir(), body: []byte(body), name: "main.go"}
	})

	e := &models.Entity{
		EntityID: "repo/main.go",
		Kind:     models.KindCodeFile,
		Name:     "main.go",
		File:     &models.FileAttrs{URL: "https://raw/main.go"},
		Metadata: models.SystemMetadata{EntityType: "github_code_file"},
	}
	require.NoError(t, runEntities(t, f.pipe, e))

	ups := f.dest.upserted()
	require.Len(t, ups, 1)
	assert.Equal(t, body, ups[0].Textual)
}

func TestStagerSkipReasonCountsAsSkipped(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Stager = &fakeStager{err: syncerrors.NewEntityError("f-1", "unsupported file extension \".exe\"", nil)}
	})

	e := models.NewFileEntity("f-1", "drive_file", "setup.exe", "https://files/setup.exe")
	require.NoError(t, runEntities(t, f.pipe, e))

	c := f.pipe.Counters()
	assert.Equal(t, int64(1), c.Skipped)
	assert.Zero(t, c.Inserted)
	assert.Empty(t, f.dest.upserted())
}

func TestUsageVetoSkipsInsert(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Usage = &fakeUsage{allow: false}
	})

	require.NoError(t, runEntities(t, f.pipe, contact("c-1", map[string]any{"notes": "x"})))

	c := f.pipe.Counters()
	assert.Equal(t, int64(1), c.Skipped)
	assert.Zero(t, c.Inserted)
	assert.Empty(t, f.dest.upserted())
}

func TestUsageCheckerFailureAllowsInsert(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Usage = &fakeUsage{err: errors.New("usage service unreachable")}
	})

	require.NoError(t, runEntities(t, f.pipe, contact("c-1", map[string]any{"notes": "x"})))
	assert.Equal(t, int64(1), f.pipe.Counters().Inserted)
}

func TestMultiTargetWritesEveryDestination(t *testing.T) {
	mirror := &fakeDest{}
	f := newFixture(t, func(cfg *Config) {
		cfg.Targets = append(cfg.Targets, Target{
			Slot: models.DestinationSlot{SlotID: "slot-shadow", Role: models.SlotShadow, LiveMirror: true},
			Dest: mirror,
			Proc: &fakeProc{id: "proc-b"},
		})
	})

	require.NoError(t, runEntities(t, f.pipe, contact("c-1", map[string]any{"notes": "x"})))

	assert.Len(t, f.dest.upserted(), 1)
	assert.Len(t, mirror.upserted(), 1)

	// The index records the primary target's shaping identity.
	rec, ok := f.index.record("c-1")
	require.True(t, ok)
	assert.Equal(t, "proc-a", rec.ProcessorID)
}

func TestEmptyTextIndexesWithoutWriting(t *testing.T) {
	f := newFixture(t, nil)

	// No embeddable fields registered for this type: the processor gets no
	// text and produces nothing, but the hash still lands in the index so
	// the next run keeps instead of re-inserting.
	e := models.NewEntity("c-1", "crm_unknown", map[string]any{"internal_flag": true})
	require.NoError(t, runEntities(t, f.pipe, e))

	assert.Equal(t, int64(1), f.pipe.Counters().Inserted)
	assert.Empty(t, f.dest.upserted())
	_, ok := f.index.record("c-1")
	assert.True(t, ok)
}

func TestStopPreventsFurtherIntake(t *testing.T) {
	f := newFixture(t, nil)

	stream := sources.NewEntityStream(4, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, stream.Emit(context.Background(),
			contact("c", map[string]any{"notes": "x"})))
	}

	f.pipe.Stop()
	require.True(t, f.pipe.Stopped())
	require.NoError(t, f.pipe.Run(context.Background(), stream))

	assert.Zero(t, f.pipe.Counters().Total(), "stopped pipeline must not take new entities")
}

func TestRunHonorsContextCancel(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stream := sources.NewEntityStream(1, nil)

	err := f.pipe.Run(ctx, stream)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOnProgressReportsEveryDecision(t *testing.T) {
	var mu sync.Mutex
	var snapshots []models.JobCounters
	f := newFixture(t, func(cfg *Config) {
		cfg.OnProgress = func(c models.JobCounters) {
			mu.Lock()
			defer mu.Unlock()
			snapshots = append(snapshots, c)
		}
	})

	require.NoError(t, runEntities(t, f.pipe,
		contact("c-1", map[string]any{"notes": "a"}),
		contact("c-2", map[string]any{"notes": "b"})))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snapshots, 2)
	assert.Equal(t, int64(2), snapshots[len(snapshots)-1].Total())
}

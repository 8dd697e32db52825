// Package rawstore keeps a per-sync archive of every entity the pipeline
// persisted, one JSON envelope per entity plus any attached file body. The
// archive is what makes destination replay possible without re-crawling the
// source.
//
// Layout under the storage backend:
//
//	raw/{sync_id}/manifest.json
//	raw/{sync_id}/entities/{safe_entity_id}.json
//	raw/{sync_id}/files/{safe_entity_id}_{name}
package rawstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/storage"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

// envelope is the archived record for one entity. Kind and EntityType are
// recorded redundantly with the entity body so replay can restore the typed
// variant without guessing.
type envelope struct {
	Kind       models.EntityKind `json:"kind"`
	EntityType string            `json:"entity_type"`
	ArchivedAt time.Time         `json:"archived_at"`
	FilePath   string            `json:"file_path,omitempty"`
	Entity     *models.Entity    `json:"entity"`
}

// Service archives and replays entities for syncs. All methods are safe for
// concurrent use; manifest updates are serialized internally.
type Service struct {
	backend storage.Backend
	log     logger.Logger
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]map[string]bool
}

// NewService builds a raw data service over the given backend.
func NewService(backend storage.Backend) *Service {
	return &Service{
		backend: backend,
		log:     logger.New("rawstore"),
		now:     time.Now,
		seen:    make(map[string]map[string]bool),
	}
}

// SetClock overrides the wall clock, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// StartTracking begins recording which entities a full sync re-observes.
// CleanupStaleEntities later deletes everything archived but not re-seen.
func (s *Service) StartTracking(syncID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[syncID] = make(map[string]bool)
}

// StopTracking discards tracking state without cleaning anything. Failure
// paths call it so a crashed job never deletes archives.
func (s *Service) StopTracking(syncID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, syncID)
}

// MarkSeen records that the running sync re-observed entityID. KEEP outcomes
// call it; upserts mark implicitly.
func (s *Service) MarkSeen(syncID, entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.seen[syncID]; ok {
		set[entityID] = true
	}
}

// EnsureManifest creates or refreshes the manifest identity fields for a
// sync. The orchestrator calls it at job start, before any deltas arrive.
func (s *Service) EnsureManifest(ctx context.Context, syncID, sourceShortName, collectionRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadManifest(ctx, syncID)
	if err != nil {
		return err
	}
	if m == nil {
		m = &models.RawDataManifest{SyncID: syncID, CreatedAt: s.now().UTC()}
	}
	m.SourceShortName = sourceShortName
	m.CollectionRef = collectionRef
	return s.writeManifest(ctx, m)
}

// UpsertEntity archives one entity. File-backed entities get their local
// body copied into the backend; the archived copy carries the backend path
// instead of the worker-local one. Upserting marks the entity seen.
func (s *Service) UpsertEntity(ctx context.Context, e *models.Entity) error {
	syncID := e.Metadata.SyncID
	if syncID == "" {
		return syncerrors.NewEntityError(e.EntityID, "cannot archive entity without sync id", nil)
	}

	entPath := entityPath(syncID, e.EntityID)
	existed, err := s.backend.Exists(ctx, entPath)
	if err != nil {
		return err
	}

	archived := e.Clone()
	archived.Metadata.Vectors = nil
	archived.Metadata.Chunks = nil
	archived.Metadata.PackedVectors = nil

	env := envelope{
		Kind:       e.Kind,
		EntityType: e.Metadata.EntityType,
		ArchivedAt: s.now().UTC(),
		Entity:     archived,
	}

	var wroteFile bool
	if archived.File != nil && archived.File.LocalPath != "" {
		body, err := os.ReadFile(archived.File.LocalPath)
		if err != nil {
			return syncerrors.NewEntityError(e.EntityID, "failed to read file body", err)
		}
		fp := bodyPath(syncID, e.EntityID, archived.File.LocalPath, e.Name)
		fileExisted, err := s.backend.Exists(ctx, fp)
		if err != nil {
			return err
		}
		if err := s.backend.WriteFile(ctx, fp, body); err != nil {
			return err
		}
		env.FilePath = fp
		wroteFile = !fileExisted
		archived.File.LocalPath = ""
	}

	if err := s.backend.WriteJSON(ctx, entPath, env); err != nil {
		return err
	}

	s.MarkSeen(syncID, e.EntityID)
	return s.applyDelta(ctx, syncID, e, boolDelta(!existed), boolDelta(wroteFile))
}

// DeleteEntity removes an entity and its file body from the archive.
// Deleting an absent entity is a no-op.
func (s *Service) DeleteEntity(ctx context.Context, syncID, entityID string) error {
	env, err := s.loadEnvelope(ctx, syncID, entityID)
	if syncerrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var fileDelta int64
	if env.FilePath != "" {
		if err := s.backend.Delete(ctx, env.FilePath); err != nil {
			return err
		}
		fileDelta = -1
	}
	if err := s.backend.Delete(ctx, entityPath(syncID, entityID)); err != nil {
		return err
	}
	return s.applyDelta(ctx, syncID, nil, -1, fileDelta)
}

// GetEntity returns the archived entity, typed per its envelope.
func (s *Service) GetEntity(ctx context.Context, syncID, entityID string) (*models.Entity, error) {
	env, err := s.loadEnvelope(ctx, syncID, entityID)
	if err != nil {
		return nil, err
	}
	return env.Entity, nil
}

// GetManifest returns the archive manifest for a sync.
func (s *Service) GetManifest(ctx context.Context, syncID string) (*models.RawDataManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadManifest(ctx, syncID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, syncerrors.NewNotFoundError("manifest", syncID)
	}
	return m, nil
}

// IterEntities walks every archived entity of a sync, invoking fn for each.
// Iteration stops on the first fn error or context cancellation.
func (s *Service) IterEntities(ctx context.Context, syncID string, fn func(*models.Entity) error) error {
	return s.iterEnvelopes(ctx, syncID, func(env *envelope) error {
		return fn(env.Entity)
	})
}

// ReplayOptions controls how Replay reconstructs entities.
type ReplayOptions struct {
	// RehydrateFiles copies archived file bodies into TempDir and points
	// each entity's LocalPath at the fresh copy, so the pipeline can treat
	// replayed file entities exactly like freshly downloaded ones.
	RehydrateFiles bool
	TempDir        string
}

// Replay streams every archived entity of a sync through fn, restoring the
// typed variant recorded at archive time. With RehydrateFiles the attached
// bodies are materialized under TempDir first.
func (s *Service) Replay(ctx context.Context, syncID string, opts ReplayOptions, fn func(*models.Entity) error) error {
	if opts.RehydrateFiles && opts.TempDir == "" {
		return fmt.Errorf("replay with file rehydration requires a temp dir")
	}
	if opts.RehydrateFiles {
		if err := os.MkdirAll(opts.TempDir, 0o755); err != nil {
			return syncerrors.NewStorageError("mkdir", opts.TempDir, err)
		}
	}

	count := 0
	err := s.iterEnvelopes(ctx, syncID, func(env *envelope) error {
		e := env.Entity
		if opts.RehydrateFiles && env.FilePath != "" && e.File != nil {
			body, err := s.backend.ReadFile(ctx, env.FilePath)
			if err != nil {
				return err
			}
			local := filepath.Join(opts.TempDir, filepath.Base(env.FilePath))
			if err := os.WriteFile(local, body, 0o644); err != nil {
				return syncerrors.NewStorageError("write", local, err)
			}
			e.File.LocalPath = local
		}
		count++
		return fn(e)
	})
	if err != nil {
		return err
	}
	s.log.Info("replay finished", logger.String("sync_id", syncID), logger.Int("entities", count))
	return nil
}

// CleanupStaleEntities deletes every archived entity the tracked sync did
// not re-observe and returns their ids so the caller can mirror the deletes
// into destinations and the entity index. Without prior StartTracking it
// does nothing.
func (s *Service) CleanupStaleEntities(ctx context.Context, syncID string) ([]string, error) {
	s.mu.Lock()
	set, tracking := s.seen[syncID]
	delete(s.seen, syncID)
	s.mu.Unlock()
	if !tracking {
		return nil, nil
	}

	var stale []string
	err := s.iterEnvelopes(ctx, syncID, func(env *envelope) error {
		if !set[env.Entity.EntityID] {
			stale = append(stale, env.Entity.EntityID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range stale {
		if err := s.DeleteEntity(ctx, syncID, id); err != nil {
			return nil, err
		}
	}
	if len(stale) > 0 {
		s.log.Info("removed stale archive entries",
			logger.String("sync_id", syncID), logger.Int("count", len(stale)))
	}
	return stale, nil
}

// DeleteSync removes the whole archive of a sync.
func (s *Service) DeleteSync(ctx context.Context, syncID string) error {
	return s.backend.Delete(ctx, syncDir(syncID))
}

func (s *Service) loadEnvelope(ctx context.Context, syncID, entityID string) (*envelope, error) {
	var env envelope
	if err := s.backend.ReadJSON(ctx, entityPath(syncID, entityID), &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *Service) iterEnvelopes(ctx context.Context, syncID string, fn func(*envelope) error) error {
	paths, err := s.backend.ListFiles(ctx, syncDir(syncID)+"/entities")
	if err != nil {
		if syncerrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		var env envelope
		if err := s.backend.ReadJSON(ctx, p, &env); err != nil {
			return err
		}
		if err := fn(&env); err != nil {
			return err
		}
	}
	return nil
}

// applyDelta adjusts manifest counters in place. e (when non-nil) contributes
// the job id for the manifest's job list.
func (s *Service) applyDelta(ctx context.Context, syncID string, e *models.Entity, entityDelta, fileDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadManifest(ctx, syncID)
	if err != nil {
		return err
	}
	if m == nil {
		m = &models.RawDataManifest{SyncID: syncID, CreatedAt: s.now().UTC()}
		if e != nil {
			m.SourceShortName = e.Metadata.SourceName
		}
	}
	m.EntityCount += entityDelta
	if m.EntityCount < 0 {
		m.EntityCount = 0
	}
	m.FileCount += fileDelta
	if m.FileCount < 0 {
		m.FileCount = 0
	}
	if e != nil && e.Metadata.SyncJobID != "" && !containsString(m.SyncJobs, e.Metadata.SyncJobID) {
		m.SyncJobs = append(m.SyncJobs, e.Metadata.SyncJobID)
	}
	return s.writeManifest(ctx, m)
}

// loadManifest returns nil without error when no manifest exists yet.
// Callers hold s.mu.
func (s *Service) loadManifest(ctx context.Context, syncID string) (*models.RawDataManifest, error) {
	var m models.RawDataManifest
	err := s.backend.ReadJSON(ctx, manifestPath(syncID), &m)
	if syncerrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Service) writeManifest(ctx context.Context, m *models.RawDataManifest) error {
	m.UpdatedAt = s.now().UTC()
	return s.backend.WriteJSON(ctx, manifestPath(m.SyncID), m)
}

func syncDir(syncID string) string      { return "raw/" + syncID }
func manifestPath(syncID string) string { return syncDir(syncID) + "/manifest.json" }

func entityPath(syncID, entityID string) string {
	return syncDir(syncID) + "/entities/" + safeEntityID(entityID) + ".json"
}

func bodyPath(syncID, entityID, localPath, name string) string {
	base := name
	if base == "" {
		base = filepath.Base(localPath)
	}
	return syncDir(syncID) + "/files/" + safeEntityID(entityID) + "_" + sanitize(base)
}

const maxSafeIDLen = 100

// safeEntityID maps an arbitrary entity id onto a filename-safe token. When
// sanitization is lossy or the id is truncated, an md5 suffix keeps distinct
// ids from colliding.
func safeEntityID(id string) string {
	clean := sanitize(id)
	lossy := clean != id
	if len(clean) > maxSafeIDLen {
		clean = clean[:maxSafeIDLen]
		lossy = true
	}
	if !lossy && clean != "" {
		return clean
	}
	suffix := md5Hex(id)[:8]
	if clean == "" {
		return suffix
	}
	return clean + "_" + suffix
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func boolDelta(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

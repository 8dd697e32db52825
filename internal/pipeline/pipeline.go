// Package pipeline executes the per-entity stage chain of one sync job:
// enrich, hash, dedup, file staging, text building, shaping, persistence,
// archival. A bounded worker pool drains the source stream; entity-scoped
// failures skip the entity and keep the run alive, job-scoped failures stop
// every worker.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/airweave/syncd/internal/convert"
	"github.com/airweave/syncd/internal/database"
	"github.com/airweave/syncd/internal/destinations"
	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/processor"
	"github.com/airweave/syncd/internal/sources"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

// defaultWorkers sizes the pool when the config does not.
const defaultWorkers = 24

// decision is the dedup outcome of one entity. Every entity pulled from the
// stream resolves to exactly one decision, so the counter sum equals the
// number of entities processed.
type decision string

const (
	decisionInsert decision = "INSERT"
	decisionUpdate decision = "UPDATE"
	decisionKeep   decision = "KEEP"
	decisionDelete decision = "DELETE"
	decisionSkip   decision = "SKIP"
)

// EntityIndex is the persistent hash index the dedup stage consults.
type EntityIndex interface {
	LookupEntity(ctx context.Context, syncID, entityID string) (*database.EntityRecord, error)
	StoreEntity(ctx context.Context, syncID, entityID, hash, processorID string) error
	RemoveEntities(ctx context.Context, syncID string, entityIDs []string) error
}

// Archiver is the raw-data archive write path. A nil Archiver disables
// archival; replay jobs run that way so they never rewrite the store they
// read from.
type Archiver interface {
	UpsertEntity(ctx context.Context, e *models.Entity) error
	DeleteEntity(ctx context.Context, syncID, entityID string) error
	MarkSeen(syncID, entityID string)
}

// FileStager downloads file bodies to local disk before conversion.
type FileStager interface {
	DownloadFromURL(ctx context.Context, e *models.Entity) error
}

// UsageChecker gates inserts on an external entity quota. A veto skips the
// entity rather than failing the job.
type UsageChecker interface {
	AllowInsert(ctx context.Context, organizationID string) (bool, error)
}

// Target is one destination slot receiving writes, paired with the processor
// that destination requires.
type Target struct {
	Slot models.DestinationSlot
	Dest destinations.Destination
	Proc processor.Processor
}

// Config assembles the pipeline of one job. Targets must carry the primary
// slot first: its processor identity is the one recorded in the entity index
// and compared on later runs.
type Config struct {
	SyncID          string
	SyncJobID       string
	OrganizationID  string
	SourceShortName string

	Targets   []Target
	Index     EntityIndex
	Archive   Archiver
	Stager    FileStager
	Converter *convert.Registry

	Workers int
	Usage   UsageChecker

	// OnProgress receives a counter snapshot after every decision.
	OnProgress func(models.JobCounters)
}

// Pipeline drains one job's entity stream through the stage chain.
type Pipeline struct {
	cfg Config
	log logger.Logger

	inserted atomic.Int64
	updated  atomic.Int64
	deleted  atomic.Int64
	kept     atomic.Int64
	skipped  atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New validates the configuration and builds a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.SyncID == "" || cfg.SyncJobID == "" {
		return nil, fmt.Errorf("pipeline needs a sync id and a job id")
	}
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("pipeline needs at least one destination target")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("pipeline needs an entity index")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Pipeline{
		cfg: cfg,
		log: logger.New("pipeline").WithFields(
			logger.String("sync_id", cfg.SyncID),
			logger.String("sync_job_id", cfg.SyncJobID)),
		stopCh: make(chan struct{}),
	}, nil
}

// Run drains the stream with a bounded worker pool. It returns when the
// stream closes, Stop is called, the context is cancelled, or a job-fatal
// error occurs.
func (p *Pipeline) Run(ctx context.Context, stream *sources.EntityStream) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			return p.work(ctx, stream)
		})
	}
	return g.Wait()
}

// Stop makes the pool stop picking up new entities. In-flight entities run
// to completion; Run returns once the workers drain.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Stopped reports whether Stop has been called.
func (p *Pipeline) Stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// Counters returns the current decision counters.
func (p *Pipeline) Counters() models.JobCounters {
	return models.JobCounters{
		Inserted: p.inserted.Load(),
		Updated:  p.updated.Load(),
		Deleted:  p.deleted.Load(),
		Kept:     p.kept.Load(),
		Skipped:  p.skipped.Load(),
	}
}

func (p *Pipeline) work(ctx context.Context, stream *sources.EntityStream) error {
	for {
		// Stop wins over a ready entity so cancellation stays prompt.
		select {
		case <-p.stopCh:
			return nil
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case e, ok := <-stream.Entities():
			if !ok {
				return nil
			}
			if err := p.process(ctx, e); err != nil {
				return err
			}
		}
	}
}

// process runs one entity through the stage chain. The returned error is
// job-fatal; entity-scoped failures are absorbed here as skips.
func (p *Pipeline) process(ctx context.Context, e *models.Entity) error {
	if e == nil || e.EntityID == "" {
		p.skip(e, "entity without an id", nil)
		return nil
	}
	p.enrich(e)

	if e.Kind == models.KindDeletion {
		return p.handleDeletion(ctx, e)
	}

	hash, err := contentHash(e)
	if err != nil {
		p.skip(e, "failed to hash entity", err)
		return nil
	}
	e.Metadata.Hash = hash

	rec, err := p.cfg.Index.LookupEntity(ctx, p.cfg.SyncID, e.EntityID)
	if err != nil {
		return fmt.Errorf("entity index lookup failed: %w", err)
	}

	switch {
	case rec == nil:
		if !p.allowInsert(ctx) {
			p.skip(e, "organization entity quota reached", nil)
			return nil
		}
		return p.write(ctx, e, decisionInsert)
	case rec.Hash == hash && rec.ProcessorID == p.primaryProcessorID():
		if p.cfg.Archive != nil {
			p.cfg.Archive.MarkSeen(p.cfg.SyncID, e.EntityID)
		}
		p.count(decisionKeep)
		return nil
	default:
		// Content changed, or unchanged content the destination's current
		// processor has never shaped.
		return p.write(ctx, e, decisionUpdate)
	}
}

// write runs the transform stages and persists to every target. On update
// the old fan-out is removed before the new one lands, after the processors
// have produced it, so a processor failure never leaves the entity without
// its previous chunks.
func (p *Pipeline) write(ctx context.Context, e *models.Entity, dec decision) error {
	if err := p.buildText(ctx, e); err != nil {
		if syncerrors.IsEntity(err) {
			p.skip(e, "text build failed", err)
			return nil
		}
		return err
	}

	shaped := make([][]*models.Entity, len(p.cfg.Targets))
	for i, t := range p.cfg.Targets {
		outs, err := t.Proc.Process(ctx, e.Clone())
		if err != nil {
			if syncerrors.IsEntity(err) {
				p.skip(e, "processor rejected entity", err)
				return nil
			}
			return fmt.Errorf("processor %s failed on %s: %w", t.Proc.ID(), e.EntityID, err)
		}
		shaped[i] = outs
	}

	if dec == decisionUpdate {
		for _, t := range p.cfg.Targets {
			if err := t.Dest.BulkDeleteByParent(ctx, []string{e.EntityID}); err != nil {
				return fmt.Errorf("failed to delete stale chunks of %s: %w", e.EntityID, err)
			}
		}
	}
	for i, t := range p.cfg.Targets {
		if len(shaped[i]) == 0 {
			continue
		}
		if err := t.Dest.BulkUpsert(ctx, shaped[i]); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", e.EntityID, err)
		}
	}

	if p.cfg.Archive != nil {
		if err := p.cfg.Archive.UpsertEntity(ctx, e); err != nil {
			return fmt.Errorf("failed to archive %s: %w", e.EntityID, err)
		}
	}
	if err := p.cfg.Index.StoreEntity(ctx, p.cfg.SyncID, e.EntityID, e.Metadata.Hash, p.primaryProcessorID()); err != nil {
		return fmt.Errorf("failed to index %s: %w", e.EntityID, err)
	}
	p.count(dec)
	return nil
}

// handleDeletion routes a deletion signal: destination fan-out first, then
// the index row and the archived copy. Deleting an entity the engine never
// saw still counts, so replayed deletion signals converge.
func (p *Pipeline) handleDeletion(ctx context.Context, e *models.Entity) error {
	for _, t := range p.cfg.Targets {
		if err := t.Dest.BulkDeleteByParent(ctx, []string{e.EntityID}); err != nil {
			return fmt.Errorf("failed to delete %s from destination: %w", e.EntityID, err)
		}
	}
	if err := p.cfg.Index.RemoveEntities(ctx, p.cfg.SyncID, []string{e.EntityID}); err != nil {
		return fmt.Errorf("failed to remove %s from entity index: %w", e.EntityID, err)
	}
	if p.cfg.Archive != nil {
		if err := p.cfg.Archive.DeleteEntity(ctx, p.cfg.SyncID, e.EntityID); err != nil {
			return fmt.Errorf("failed to remove %s from raw store: %w", e.EntityID, err)
		}
	}
	p.count(decisionDelete)
	return nil
}

// buildText fills the textual representation the processors shape. Records
// render from their embeddable fields; file-backed entities are staged to
// disk and converted; code files are read verbatim for the AST chunker. A
// driver that already set Textual on a file entity wins.
func (p *Pipeline) buildText(ctx context.Context, e *models.Entity) error {
	switch e.Kind {
	case models.KindRecord, models.KindPolymorphic:
		e.Textual = convert.BuildTextual(e)
		return nil
	case models.KindFile, models.KindCodeFile:
		if e.Textual != "" {
			return nil
		}
		if e.File == nil || (e.File.URL == "" && e.File.LocalPath == "") {
			return syncerrors.NewEntityError(e.EntityID, "file entity has no body", nil)
		}
		if e.File.LocalPath == "" {
			if p.cfg.Stager == nil {
				return syncerrors.NewEntityError(e.EntityID, "no file stager configured", nil)
			}
			if err := p.cfg.Stager.DownloadFromURL(ctx, e); err != nil {
				return err
			}
		}
		if e.Kind == models.KindCodeFile {
			body, err := os.ReadFile(e.File.LocalPath)
			if err != nil {
				return syncerrors.NewEntityError(e.EntityID, "failed to read staged code file", err)
			}
			e.Textual = string(body)
			return nil
		}
		if p.cfg.Converter == nil {
			return syncerrors.NewEntityError(e.EntityID, "no converter registry configured", nil)
		}
		text, err := p.cfg.Converter.ToText(ctx, e)
		if err != nil {
			return err
		}
		e.Textual = text
		return nil
	default:
		// Unknown kinds carry whatever textual content the driver set.
		return nil
	}
}

// enrich stamps the job identity every downstream stage and destination
// document carries.
func (p *Pipeline) enrich(e *models.Entity) {
	e.Metadata.SourceName = p.cfg.SourceShortName
	e.Metadata.SyncID = p.cfg.SyncID
	e.Metadata.SyncJobID = p.cfg.SyncJobID
	if e.Metadata.EntityType == "" {
		e.Metadata.EntityType = string(e.Kind)
	}
}

// allowInsert consults the optional usage guard. An unreachable guard allows
// the insert; quota enforcement is advisory.
func (p *Pipeline) allowInsert(ctx context.Context) bool {
	if p.cfg.Usage == nil {
		return true
	}
	allowed, err := p.cfg.Usage.AllowInsert(ctx, p.cfg.OrganizationID)
	if err != nil {
		p.log.Warn("usage check failed, allowing insert", logger.Error(err))
		return true
	}
	return allowed
}

// primaryProcessorID is the identity recorded in the entity index: the
// processor of the first target.
func (p *Pipeline) primaryProcessorID() string {
	return p.cfg.Targets[0].Proc.ID()
}

func (p *Pipeline) count(dec decision) {
	switch dec {
	case decisionInsert:
		p.inserted.Add(1)
	case decisionUpdate:
		p.updated.Add(1)
	case decisionDelete:
		p.deleted.Add(1)
	case decisionKeep:
		p.kept.Add(1)
	case decisionSkip:
		p.skipped.Add(1)
	}
	if p.cfg.OnProgress != nil {
		p.cfg.OnProgress(p.Counters())
	}
}

// skip counts an entity-scoped failure and keeps the run going.
func (p *Pipeline) skip(e *models.Entity, reason string, err error) {
	fields := []logger.Field{logger.String("reason", reason)}
	if e != nil {
		fields = append(fields, logger.String("entity_id", e.EntityID))
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	p.log.Warn("skipping entity", fields...)
	p.count(decisionSkip)
}

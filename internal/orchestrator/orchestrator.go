// Package orchestrator takes queued sync jobs through their whole lifecycle:
// preflight checks, source crawl or archive replay, the entity pipeline,
// heartbeats, cooperative cancellation, and terminal bookkeeping. One
// Orchestrator serves the whole worker process; its activity handlers are
// registered on the worker runtime.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/airweave/syncd/internal/auth"
	"github.com/airweave/syncd/internal/config"
	"github.com/airweave/syncd/internal/convert"
	"github.com/airweave/syncd/internal/database"
	"github.com/airweave/syncd/internal/destinations"
	"github.com/airweave/syncd/internal/download"
	"github.com/airweave/syncd/internal/embed"
	"github.com/airweave/syncd/internal/httpclient"
	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/pipeline"
	"github.com/airweave/syncd/internal/processor"
	"github.com/airweave/syncd/internal/ratelimit"
	"github.com/airweave/syncd/internal/rawstore"
	"github.com/airweave/syncd/internal/sources"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/internal/worker"
	"github.com/airweave/syncd/pkg/models"
)

const (
	// heartbeatInterval paces progress stamps, counter persistence, cursor
	// checkpoints, and cancellation polls during a run.
	heartbeatInterval = 5 * time.Second

	// waitPollInterval and waitForJobMax bound how long a force-full job
	// waits for the sync's incumbent job to terminate before giving up.
	waitPollInterval = 30 * time.Second
	waitForJobMax    = time.Hour

	// finalizeTimeout bounds the terminal bookkeeping writes, which run on a
	// fresh context so a hard abort still lands a terminal status.
	finalizeTimeout = 30 * time.Second

	// downloadTimeout covers file body streaming, which runs far longer than
	// API pagination calls.
	downloadTimeout = 9 * time.Minute
)

// Options wire an orchestrator. Store and Raw are required; Queue is needed
// for the create_job activity chain. Tokens, Limiter, Metrics, and Usage may
// be nil, which disables the concern they serve.
type Options struct {
	Store     *database.Store
	Raw       *rawstore.Service
	Queue     *worker.Queue
	Tokens    *auth.TokenManager
	Limiter   *ratelimit.SourceLimiter
	Pipeline  config.PipelineConfig
	Embedding config.EmbeddingConfig
	OCR       config.OCRConfig
	Metrics   *worker.Metrics
	Usage     pipeline.UsageChecker
}

// Orchestrator executes sync jobs. Safe for concurrent RunSync calls; the
// embedders and converter registry behind it are shared across jobs.
type Orchestrator struct {
	store     *database.Store
	raw       *rawstore.Service
	queue     *worker.Queue
	tokens    *auth.TokenManager
	limiter   *ratelimit.SourceLimiter
	pipeCfg   config.PipelineConfig
	embedCfg  config.EmbeddingConfig
	converter *convert.Registry
	embedPace *rate.Limiter
	metrics   *worker.Metrics
	usage     pipeline.UsageChecker
	log       logger.Logger

	heartbeat time.Duration
	waitPoll  time.Duration
	waitMax   time.Duration

	// buildDestination is swapped in tests for a fake backend.
	buildDestination func(ctx context.Context, shortName string, cfg destinations.Config) (destinations.Destination, error)
}

// New builds an orchestrator from its collaborators.
func New(opts Options) *Orchestrator {
	var pace *rate.Limiter
	if opts.Embedding.RequestsPerSecond > 0 {
		burst := opts.Embedding.MaxInFlight
		if burst < 1 {
			burst = 1
		}
		pace = rate.NewLimiter(rate.Limit(opts.Embedding.RequestsPerSecond), burst)
	}
	return &Orchestrator{
		store:            opts.Store,
		raw:              opts.Raw,
		queue:            opts.Queue,
		tokens:           opts.Tokens,
		limiter:          opts.Limiter,
		pipeCfg:          opts.Pipeline,
		embedCfg:         opts.Embedding,
		converter:        convert.NewRegistry(convert.NewOCRClient(opts.OCR.MistralAPIKey)),
		embedPace:        pace,
		metrics:          opts.Metrics,
		usage:            opts.Usage,
		log:              logger.New("orchestrator"),
		heartbeat:        heartbeatInterval,
		waitPoll:         waitPollInterval,
		waitMax:          waitForJobMax,
		buildDestination: destinations.Build,
	}
}

// jobRun is the assembled state of one executing job.
type jobRun struct {
	job  *models.SyncJob
	sync *models.Sync
	col  *models.Collection

	// conn is the source connection; nil in replay mode.
	conn *models.Connection
	// slots are the slots receiving writes, primary first. In replay mode
	// this is exactly the named slot.
	slots      []*models.DestinationSlot
	replaySlot string

	// fullSync enables re-observation tracking and post-flight stale
	// cleanup. Replay jobs never set it.
	fullSync bool

	targets []pipeline.Target
	stream  *sources.EntityStream
	dl      *download.Downloader
	tracked bool
}

func (r *jobRun) replaying() bool { return r.replaySlot != "" }

// close releases everything the run acquired. Safe to call with a partially
// assembled run; the downloader temp area is always removed.
func (r *jobRun) close(tokens *auth.TokenManager) {
	for _, t := range r.targets {
		t.Dest.Close()
	}
	if r.tracked && tokens != nil {
		tokens.Untrack(r.conn.ID)
	}
	if r.dl != nil {
		r.dl.CleanupSyncDirectory()
	}
}

// RunSync executes one queued job to a terminal status. The queue entry is
// spent either way; the returned error only feeds the worker's log and
// metrics. Failures after preflight are recorded on the job row.
func (o *Orchestrator) RunSync(ctx context.Context, payload worker.RunSyncPayload) error {
	log := o.log.WithFields(
		logger.String("sync_id", payload.SyncID),
		logger.String("job_id", payload.SyncJobID))

	job, err := o.store.GetJob(ctx, payload.SyncJobID)
	if err != nil {
		if syncerrors.IsNotFound(err) {
			log.Error("job row is gone, dropping activity")
			return nil
		}
		return err
	}
	if job.Status != models.JobPending {
		// A redelivered activity for a job that already got its turn.
		log.Warn("job is not pending, dropping activity",
			logger.String("status", string(job.Status)))
		return nil
	}

	run, err := o.prepare(ctx, job, payload)
	if err != nil {
		return o.failJob(log, job.ID, err)
	}
	defer run.close(o.tokens)

	if err := o.awaitTurn(ctx, run, log); err != nil {
		return o.failJob(log, job.ID, err)
	}

	if err := o.store.TransitionJob(ctx, job.ID, models.JobRunning, ""); err != nil {
		if syncerrors.IsInvalidState(err) {
			// mark_cancelled won the race before the job started.
			log.Warn("job left the pending state before start", logger.Error(err))
			return nil
		}
		return o.failJob(log, job.ID, err)
	}
	log.Info("sync job started",
		logger.String("source", run.sync.SourceShortName),
		logger.Bool("force_full_sync", job.ForceFullSync),
		logger.Bool("replay", run.replaying()),
		logger.Int("slots", len(run.slots)))

	return o.execute(ctx, run, log)
}

// prepare runs the database preflight: the sync, its collection, the source
// connection, and at least one writable destination slot must exist. Replay
// payloads resolve the named slot instead of the source connection.
func (o *Orchestrator) prepare(ctx context.Context, job *models.SyncJob, payload worker.RunSyncPayload) (*jobRun, error) {
	sync, err := o.store.GetSync(ctx, payload.SyncID)
	if err != nil {
		return nil, err
	}
	if job.SyncID != sync.ID {
		return nil, syncerrors.NewInvalidStateError(
			"job %s belongs to sync %s, not %s", job.ID, job.SyncID, sync.ID)
	}
	col, err := o.store.GetCollection(ctx, sync.CollectionID)
	if err != nil {
		return nil, err
	}

	run := &jobRun{job: job, sync: sync, col: col}

	if payload.ReplaySlotID != "" {
		slot, err := o.store.GetSlot(ctx, payload.ReplaySlotID)
		if err != nil {
			return nil, err
		}
		if slot.SyncID != sync.ID {
			return nil, syncerrors.NewInvalidStateError(
				"slot %s belongs to sync %s, not %s", slot.SlotID, slot.SyncID, sync.ID)
		}
		run.replaySlot = slot.SlotID
		run.slots = []*models.DestinationSlot{slot}
		return run, nil
	}

	conn, err := o.store.GetConnection(ctx, sync.SourceConnectionID)
	if err != nil {
		return nil, err
	}
	if conn.Kind != "source" {
		return nil, syncerrors.NewInvalidStateError(
			"connection %s is a %s connection, not a source", conn.ID, conn.Kind)
	}
	if _, ok := sources.Get(conn.ShortName); !ok {
		return nil, syncerrors.NewNotFoundError("source", conn.ShortName)
	}
	run.conn = conn

	slots, err := o.store.ListSlots(ctx, sync.ID)
	if err != nil {
		return nil, err
	}
	run.slots = writableSlots(slots)
	if len(run.slots) == 0 {
		return nil, syncerrors.NewInvalidStateError(
			"sync %s has no ACTIVE destination slot", sync.ID)
	}

	run.fullSync = job.ForceFullSync || len(sync.Cursor) == 0
	return run, nil
}

// writableSlots picks the slots a regular run writes: the ACTIVE slot first,
// then SHADOW slots marked for live mirroring. DEPRECATED slots never
// receive writes.
func writableSlots(slots []*models.DestinationSlot) []*models.DestinationSlot {
	var out []*models.DestinationSlot
	for _, s := range slots {
		if s.Role == models.SlotActive {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	for _, s := range slots {
		if s.Role == models.SlotShadow && s.LiveMirror {
			out = append(out, s)
		}
	}
	return out
}

// awaitTurn enforces one active job per sync. Force-full jobs wait for the
// incumbent to terminate, touching their own progress so the janitor sees
// the waiter alive; everything else refuses immediately.
func (o *Orchestrator) awaitTurn(ctx context.Context, run *jobRun, log logger.Logger) error {
	other, err := o.store.ActiveJobForSync(ctx, run.sync.ID, run.job.ID)
	if err != nil {
		return err
	}
	if other == nil {
		return nil
	}
	if !run.job.ForceFullSync {
		return syncerrors.NewInvalidStateError(
			"job %s already occupies sync %s with status %s", other.ID, run.sync.ID, other.Status)
	}

	log.Info("waiting for the incumbent job to terminate",
		logger.String("incumbent_job_id", other.ID))
	deadline := time.Now().Add(o.waitMax)
	ticker := time.NewTicker(o.waitPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := o.store.TouchJobProgress(ctx, run.job.ID); err != nil {
			log.Warn("failed to touch progress while waiting", logger.Error(err))
		}
		other, err := o.store.ActiveJobForSync(ctx, run.sync.ID, run.job.ID)
		if err != nil {
			return err
		}
		if other == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return syncerrors.NewInvalidStateError(
				"gave up waiting for job %s after %s", other.ID, o.waitMax)
		}
	}
}

// execute assembles the run and drives it to a terminal status. The job row
// is RUNNING on entry; every exit path lands a terminal transition on a
// fresh context so worker aborts cannot strand the row.
func (o *Orchestrator) execute(ctx context.Context, run *jobRun, log logger.Logger) error {
	if err := o.assemble(ctx, run); err != nil {
		return o.finalize(run, nil, err, log)
	}

	pipe, err := pipeline.New(o.pipelineConfig(run))
	if err != nil {
		return o.finalize(run, nil, err, log)
	}

	if !run.replaying() {
		collectionRef := run.col.ReadableID
		if collectionRef == "" {
			collectionRef = run.col.ID
		}
		if err := o.raw.EnsureManifest(ctx, run.sync.ID, run.sync.SourceShortName, collectionRef); err != nil {
			return o.finalize(run, pipe, err, log)
		}
		if run.fullSync {
			o.raw.StartTracking(run.sync.ID)
			defer o.raw.StopTracking(run.sync.ID)
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var driveErr error
	driveDone := make(chan struct{})
	go func() {
		defer close(driveDone)
		defer run.stream.Close()
		driveErr = o.drive(runCtx, run)
	}()

	stopHeartbeat := o.startHeartbeat(runCtx, run, pipe, log)

	pipeErr := pipe.Run(runCtx, run.stream)

	// The driver may be parked on Emit with nobody left receiving.
	cancelRun()
	<-driveDone
	stopHeartbeat()

	if pipeErr == nil && !pipe.Stopped() && driveErr != nil && !errors.Is(driveErr, context.Canceled) {
		pipeErr = fmt.Errorf("source crawl failed: %w", driveErr)
	}
	return o.finalize(run, pipe, pipeErr, log)
}

// assemble builds the run's destinations, processors, downloader, and entity
// stream, and registers OAuth credentials with the token manager.
func (o *Orchestrator) assemble(ctx context.Context, run *jobRun) error {
	for _, slot := range run.slots {
		conn, err := o.store.GetConnection(ctx, slot.ConnectionID)
		if err != nil {
			return err
		}
		cfg := destinations.Config{
			CollectionID:   run.col.ReadableID,
			OrganizationID: run.job.OrganizationID,
			VectorSize:     run.col.VectorSize,
			Credentials:    conn.Config,
		}
		if cfg.CollectionID == "" {
			cfg.CollectionID = run.col.ID
		}
		dest, err := o.buildDestination(ctx, conn.ShortName, cfg)
		if err != nil {
			return fmt.Errorf("failed to build destination for slot %s: %w", slot.SlotID, err)
		}
		proc, err := o.processorFor(dest, run.col)
		if err != nil {
			dest.Close()
			return err
		}
		run.targets = append(run.targets, pipeline.Target{Slot: *slot, Dest: dest, Proc: proc})
	}

	if run.replaying() {
		run.dl = download.NewDownloader(o.pipeCfg.TempDir, run.job.ID,
			httpclient.New(httpclient.Options{Timeout: downloadTimeout}))
		run.stream = sources.NewEntityStream(o.pipeCfg.StreamDepth, nil)
		return nil
	}

	if o.tokens != nil && run.conn.AccessToken != "" {
		o.tokens.Track(run.conn, o.providerFor(run.conn))
		run.tracked = true
	}

	run.dl = download.NewDownloader(o.pipeCfg.TempDir, run.job.ID, httpclient.New(httpclient.Options{
		Timeout:      downloadTimeout,
		ConnectionID: run.conn.ID,
		Tokens:       o.driverTokens(run),
		Gate:         o.driverGate(run),
		OnRequest:    o.requestCounter(run),
	}))
	run.stream = sources.NewEntityStream(o.pipeCfg.StreamDepth, run.sync.Cursor)
	return nil
}

// providerFor derives the OAuth refresh configuration for a source
// connection from its config map and the registered endpoint table.
func (o *Orchestrator) providerFor(conn *models.Connection) auth.ProviderConfig {
	provider := auth.ProviderConfig{
		ClientID:     conn.Config["client_id"],
		ClientSecret: conn.Config["client_secret"],
	}
	if ep, ok := auth.EndpointFor(conn.ShortName); ok {
		provider.Endpoint = ep
	}
	if d, ok := sources.Get(conn.ShortName); ok {
		provider.Semantics = d.OAuthSemantics
	}
	return provider
}

func (o *Orchestrator) driverTokens(run *jobRun) httpclient.TokenProvider {
	if !run.tracked {
		return nil
	}
	return o.tokens
}

func (o *Orchestrator) driverGate(run *jobRun) httpclient.Gate {
	if o.limiter == nil {
		return nil
	}
	viaProxy := run.conn.AuthType == models.AuthProvider
	return func(ctx context.Context) error {
		return o.limiter.Allow(ctx, run.job.OrganizationID, run.sync.SourceShortName, run.conn.ID, viaProxy)
	}
}

func (o *Orchestrator) requestCounter(run *jobRun) func() {
	if o.metrics == nil {
		return nil
	}
	shortName := run.sync.SourceShortName
	return func() { o.metrics.SourceRequest(shortName) }
}

// processorFor selects the content processor a destination declares,
// constructing the shared embedders it needs.
func (o *Orchestrator) processorFor(dest destinations.Destination, col *models.Collection) (processor.Processor, error) {
	switch id := dest.ContentProcessorID(); id {
	case processor.QdrantProcessorID:
		dense, err := embed.SharedDense(embed.DenseConfig{
			APIKey:     o.embedCfg.OpenAIAPIKey,
			VectorSize: col.VectorSize,
			Pace:       o.embedPace,
		})
		if err != nil {
			return nil, err
		}
		return processor.NewQdrant(processor.QdrantConfig{Dense: dense, Sparse: embed.NewSparse()}), nil
	case processor.VespaProcessorID:
		dense, err := embed.SharedDense(embed.DenseConfig{
			APIKey:     o.embedCfg.OpenAIAPIKey,
			VectorSize: 768,
			Pace:       o.embedPace,
		})
		if err != nil {
			return nil, err
		}
		return processor.NewVespa(processor.VespaConfig{Dense: dense})
	case processor.RawProcessorID:
		return processor.NewRaw(), nil
	default:
		return nil, fmt.Errorf("destination requires unknown content processor %q", id)
	}
}

func (o *Orchestrator) pipelineConfig(run *jobRun) pipeline.Config {
	cfg := pipeline.Config{
		SyncID:          run.sync.ID,
		SyncJobID:       run.job.ID,
		OrganizationID:  run.job.OrganizationID,
		SourceShortName: run.sync.SourceShortName,
		Targets:         run.targets,
		Stager:          run.dl,
		Converter:       o.converter,
		Workers:         o.pipeCfg.Workers,
	}
	if run.replaying() {
		// A replay backfills one destination from the archive. The entity
		// index keeps describing the primary pairing and the archive itself
		// must not change, so both are disconnected here.
		cfg.Index = replayIndex{}
		return cfg
	}
	cfg.Index = o.store
	cfg.Archive = o.raw
	cfg.Usage = o.usage
	return cfg
}

// drive feeds the stream: the source driver's crawl, or the raw archive in
// replay mode.
func (o *Orchestrator) drive(ctx context.Context, run *jobRun) error {
	if run.replaying() {
		opts := rawstore.ReplayOptions{RehydrateFiles: true, TempDir: run.dl.Dir()}
		return o.raw.Replay(ctx, run.sync.ID, opts, func(e *models.Entity) error {
			return run.stream.Emit(ctx, e)
		})
	}

	deps := sources.Deps{
		Connection:    run.conn,
		Tokens:        o.driverTokens(run),
		Gate:          o.driverGate(run),
		ForceFullSync: run.job.ForceFullSync,
		OnRequest:     o.requestCounter(run),
	}
	src, err := sources.New(run.sync.SourceShortName, deps)
	if err != nil {
		return err
	}
	return src.Entities(ctx, run.stream)
}

// startHeartbeat runs the periodic bookkeeping loop and returns a stop
// function that blocks until the loop exits.
func (o *Orchestrator) startHeartbeat(ctx context.Context, run *jobRun, pipe *pipeline.Pipeline, log logger.Logger) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.heartbeat)
		defer ticker.Stop()
		var hb heartbeatState
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
			}
			o.beat(ctx, run, pipe, &hb, log)
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

type heartbeatState struct {
	lastTotal  int64
	lastCursor int64
}

// beat persists counters and cursor checkpoints, stamps progress when
// entities moved, and polls for cancellation. Persistence failures are
// logged and retried on the next tick.
func (o *Orchestrator) beat(ctx context.Context, run *jobRun, pipe *pipeline.Pipeline, hb *heartbeatState, log logger.Logger) {
	counters := pipe.Counters()
	if total := counters.Total(); total != hb.lastTotal {
		if err := o.store.UpdateJobCounters(ctx, run.job.ID, counters); err != nil {
			log.Warn("failed to persist counters", logger.Error(err))
		}
		if err := o.store.TouchJobProgress(ctx, run.job.ID); err != nil {
			log.Warn("failed to stamp progress", logger.Error(err))
		}
		if o.metrics != nil {
			o.metrics.EntitiesProcessed(run.sync.SourceShortName, total-hb.lastTotal)
		}
		hb.lastTotal = total
	}

	if !run.replaying() {
		if v := run.stream.CursorVersion(); v != hb.lastCursor {
			if err := o.store.UpdateSyncCursor(ctx, run.sync.ID, run.stream.Cursor()); err != nil {
				log.Warn("failed to persist cursor checkpoint", logger.Error(err))
			} else {
				hb.lastCursor = v
			}
		}
	}

	status, err := o.store.GetJobStatus(ctx, run.job.ID)
	if err != nil {
		log.Warn("failed to poll job status", logger.Error(err))
		return
	}
	switch {
	case status == models.JobCancelling:
		if !pipe.Stopped() {
			log.Info("cancellation requested, stopping intake")
		}
		pipe.Stop()
	case status.Terminal():
		log.Warn("job was force-terminated elsewhere, stopping intake",
			logger.String("status", string(status)))
		pipe.Stop()
	}
}

// finalize lands the terminal status, final counters, the final cursor, and
// the full-sync stale cleanup. It runs on a fresh context: the job row must
// reach a terminal state even when the activity context is already dead.
func (o *Orchestrator) finalize(run *jobRun, pipe *pipeline.Pipeline, runErr error, log logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	var counters models.JobCounters
	if pipe != nil {
		counters = pipe.Counters()
	}

	status := models.JobCompleted
	message := ""
	switch {
	case runErr != nil:
		status = models.JobFailed
		message = runErr.Error()
	case pipe != nil && pipe.Stopped():
		status = models.JobCancelled
		message = "cancelled by request"
	}

	if status == models.JobCompleted {
		counters.Deleted += o.cleanupStale(ctx, run, counters.Total(), log)
		if !run.replaying() && run.stream != nil && run.stream.CursorVersion() > 0 {
			if err := o.store.UpdateSyncCursor(ctx, run.sync.ID, run.stream.Cursor()); err != nil {
				log.Error("failed to persist final cursor", logger.Error(err))
			}
		}
	}

	if err := o.store.UpdateJobCounters(ctx, run.job.ID, counters); err != nil {
		log.Error("failed to persist final counters", logger.Error(err))
	}
	if err := o.store.TransitionJob(ctx, run.job.ID, status, message); err != nil {
		// The janitor or a cancel may have landed a terminal state first.
		if syncerrors.IsInvalidState(err) || syncerrors.IsNotFound(err) {
			log.Warn("terminal status already decided elsewhere", logger.Error(err))
		} else {
			log.Error("failed to record terminal status", logger.Error(err))
		}
	}

	log.Info("sync job finished",
		logger.String("status", string(status)),
		logger.Int64("inserted", counters.Inserted),
		logger.Int64("updated", counters.Updated),
		logger.Int64("deleted", counters.Deleted),
		logger.Int64("kept", counters.Kept),
		logger.Int64("skipped", counters.Skipped))
	return runErr
}

// cleanupStale deletes entities the full sync did not re-observe from every
// target, the entity index, and the archive. It returns how many entities it
// removed. An empty crawl skips cleanup entirely: a source that returned
// nothing is indistinguishable from a broken one, and wiping the archive on
// that signal is never worth it.
func (o *Orchestrator) cleanupStale(ctx context.Context, run *jobRun, processed int64, log logger.Logger) int64 {
	if !run.fullSync || run.replaying() {
		return 0
	}
	if processed == 0 {
		log.Info("crawl produced no entities, skipping stale cleanup")
		return 0
	}

	stale, err := o.raw.CleanupStaleEntities(ctx, run.sync.ID)
	if err != nil {
		log.Error("stale entity cleanup failed", logger.Error(err))
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	for _, t := range run.targets {
		if err := t.Dest.BulkDeleteByParent(ctx, stale); err != nil {
			log.Error("failed to delete stale entities from destination",
				logger.String("slot_id", t.Slot.SlotID), logger.Error(err))
		}
	}
	if err := o.store.RemoveEntities(ctx, run.sync.ID, stale); err != nil {
		log.Error("failed to drop stale entities from the entity index", logger.Error(err))
	}
	log.Info("removed stale entities", logger.Int("count", len(stale)))
	return int64(len(stale))
}

// failJob records a terminal failure for a job that never reached its run
// loop. It writes on a fresh context and returns the cause for the worker's
// log; the queue entry is spent either way.
func (o *Orchestrator) failJob(log logger.Logger, jobID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if err := o.store.TransitionJob(ctx, jobID, models.JobFailed, cause.Error()); err != nil {
		if !syncerrors.IsInvalidState(err) && !syncerrors.IsNotFound(err) {
			log.Error("failed to record job failure", logger.Error(err))
		}
	}
	log.Error("sync job refused", logger.Error(cause))
	return cause
}

// replayIndex detaches a replay run from the entity index: every archived
// entity looks new, and nothing the replay does disturbs the hashes and
// processor identities recorded for the primary destination.
type replayIndex struct{}

func (replayIndex) LookupEntity(context.Context, string, string) (*database.EntityRecord, error) {
	return nil, nil
}

func (replayIndex) StoreEntity(context.Context, string, string, string, string) error {
	return nil
}

func (replayIndex) RemoveEntities(context.Context, string, []string) error {
	return nil
}

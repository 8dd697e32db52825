package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/airweave/syncd/internal/config"
	"github.com/airweave/syncd/internal/database"
	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/worker"
	"github.com/airweave/syncd/pkg/models"
)

// janitorCadence spaces the cleanup_stuck_jobs activities the scheduler
// feeds the queue.
const janitorCadence = time.Minute

// Scheduler scans syncs with cron schedules and enqueues create_job
// activities when they come due, anchored on each sync's latest job time.
// CreateJob's single-job guard keeps double-fires from concurrent scheduler
// instances harmless.
type Scheduler struct {
	store    *database.Store
	queue    *worker.Queue
	interval time.Duration
	log      logger.Logger
	now      func() time.Time

	lastJanitor time.Time
}

// NewScheduler builds a scheduler over the store and queue.
func NewScheduler(store *database.Store, queue *worker.Queue, cfg config.SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		store:    store,
		queue:    queue,
		interval: interval,
		log:      logger.New("scheduler"),
		now:      time.Now,
	}
}

// Start runs the scan loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("scheduler started", logger.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
		s.tick(ctx)
	}
}

// tick makes one pass: a janitor enqueue when its cadence elapsed, then a
// due-check over every scheduled sync.
func (s *Scheduler) tick(ctx context.Context) {
	if now := s.now(); now.Sub(s.lastJanitor) >= janitorCadence {
		if _, err := s.queue.Enqueue(ctx, worker.ActivityCleanupStuckJobs, nil); err != nil {
			s.log.Error("failed to enqueue janitor pass", logger.Error(err))
		} else {
			s.lastJanitor = now
		}
	}

	syncs, err := s.store.ListSyncs(ctx)
	if err != nil {
		s.log.Error("failed to list syncs", logger.Error(err))
		return
	}
	for _, sy := range syncs {
		due, err := s.isDue(ctx, sy)
		if err != nil {
			s.log.Warn("skipping sync with a bad schedule",
				logger.String("sync_id", sy.ID), logger.Error(err))
			continue
		}
		if !due {
			continue
		}
		active, err := s.store.ActiveJobForSync(ctx, sy.ID, "")
		if err != nil {
			s.log.Error("failed to check for an active job",
				logger.String("sync_id", sy.ID), logger.Error(err))
			continue
		}
		if active != nil {
			continue
		}
		if _, err := s.queue.Enqueue(ctx, worker.ActivityCreateJob,
			worker.CreateJobPayload{SyncID: sy.ID}); err != nil {
			s.log.Error("failed to enqueue scheduled run",
				logger.String("sync_id", sy.ID), logger.Error(err))
			continue
		}
		s.log.Info("scheduled sync run",
			logger.String("sync_id", sy.ID), logger.String("schedule", sy.Schedule))
	}
}

// isDue reports whether the sync's schedule fired since its latest job was
// created. Syncs that never ran anchor on their creation time.
func (s *Scheduler) isDue(ctx context.Context, sy *models.Sync) (bool, error) {
	if sy.Schedule == "" {
		return false, nil
	}
	sched, err := cron.ParseStandard(sy.Schedule)
	if err != nil {
		return false, fmt.Errorf("invalid schedule %q: %w", sy.Schedule, err)
	}
	anchor, ok, err := s.store.LatestJobTime(ctx, sy.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		anchor = sy.CreatedAt
	}
	return !sched.Next(anchor).After(s.now()), nil
}

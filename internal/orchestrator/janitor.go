package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/airweave/syncd/internal/database"
	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/internal/worker"
	"github.com/airweave/syncd/pkg/models"
)

const (
	// pendingCutoff force-terminates PENDING and CANCELLING jobs nothing has
	// touched for this long; progressCutoff does the same for RUNNING jobs
	// without entity progress.
	pendingCutoff  = 3 * time.Minute
	progressCutoff = 10 * time.Minute
)

// Janitor force-terminates jobs whose workers disappeared and requeues
// activities whose lease expired. It runs as the cleanup_stuck_jobs
// activity, so any worker can make a pass.
type Janitor struct {
	store *database.Store
	queue *worker.Queue
	log   logger.Logger

	pendingAfter  time.Duration
	progressAfter time.Duration
}

// NewJanitor builds a janitor over the store and queue. queue may be nil,
// which limits the pass to job rows.
func NewJanitor(store *database.Store, queue *worker.Queue) *Janitor {
	return &Janitor{
		store:         store,
		queue:         queue,
		log:           logger.New("janitor"),
		pendingAfter:  pendingCutoff,
		progressAfter: progressCutoff,
	}
}

func (j *Janitor) activity(ctx context.Context, _ *worker.Activity) error {
	return j.Run(ctx)
}

// Run makes one cleanup pass over stuck jobs and abandoned queue entries.
func (j *Janitor) Run(ctx context.Context) error {
	jobs, err := j.store.StuckJobs(ctx, j.pendingAfter, j.progressAfter)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		to, msg := j.verdict(job)
		if err := j.store.TransitionJob(ctx, job.ID, to, msg); err != nil {
			// The job finished or moved between the scan and the write.
			if syncerrors.IsInvalidState(err) {
				continue
			}
			j.log.Error("failed to force-terminate stuck job",
				logger.String("job_id", job.ID), logger.Error(err))
			continue
		}
		j.log.Warn("force-terminated stuck job",
			logger.String("job_id", job.ID),
			logger.String("sync_id", job.SyncID),
			logger.String("was", string(job.Status)),
			logger.String("now", string(to)))
	}

	if j.queue != nil {
		requeued, err := j.queue.RequeueExpired(ctx)
		if err != nil {
			return err
		}
		if requeued > 0 {
			j.log.Info("requeued abandoned activities", logger.Int("count", requeued))
		}
	}
	return nil
}

func (j *Janitor) verdict(job *models.SyncJob) (models.JobStatus, string) {
	switch job.Status {
	case models.JobCancelling:
		return models.JobCancelled, "cancellation never completed, forced by janitor"
	case models.JobPending:
		return models.JobFailed, fmt.Sprintf("no worker picked the job up within %s", j.pendingAfter)
	default:
		return models.JobFailed, fmt.Sprintf("no entity progress for %s", j.progressAfter)
	}
}

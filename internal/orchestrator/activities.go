package orchestrator

import (
	"context"
	"fmt"

	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/internal/worker"
	"github.com/airweave/syncd/pkg/models"
)

// RegisterActivities installs the engine's queue handlers on w.
func RegisterActivities(w *worker.Worker, o *Orchestrator, j *Janitor) {
	w.RegisterHandler(worker.ActivityRunSync, o.runSyncActivity)
	w.RegisterHandler(worker.ActivityCreateJob, o.createJobActivity)
	w.RegisterHandler(worker.ActivityMarkCancelled, o.markCancelledActivity)
	w.RegisterHandler(worker.ActivityCleanupStuckJobs, j.activity)
}

func (o *Orchestrator) runSyncActivity(ctx context.Context, a *worker.Activity) error {
	var p worker.RunSyncPayload
	if err := a.DecodePayload(&p); err != nil {
		return err
	}
	if p.SyncID == "" || p.SyncJobID == "" {
		return fmt.Errorf("run_sync activity %s is missing sync or job id", a.ID)
	}
	return o.RunSync(ctx, p)
}

func (o *Orchestrator) createJobActivity(ctx context.Context, a *worker.Activity) error {
	var p worker.CreateJobPayload
	if err := a.DecodePayload(&p); err != nil {
		return err
	}
	if p.SyncID == "" {
		return fmt.Errorf("create_job activity %s is missing a sync id", a.ID)
	}
	_, err := o.CreateJob(ctx, p)
	if syncerrors.IsInvalidState(err) {
		// The sync is busy; the scheduler will fire again.
		o.log.Info("skipping job creation", logger.Error(err))
		return nil
	}
	return err
}

func (o *Orchestrator) markCancelledActivity(ctx context.Context, a *worker.Activity) error {
	var p worker.MarkCancelledPayload
	if err := a.DecodePayload(&p); err != nil {
		return err
	}
	if p.SyncJobID == "" {
		return fmt.Errorf("mark_cancelled activity %s is missing a job id", a.ID)
	}
	return o.MarkCancelled(ctx, p.SyncJobID, p.Reason)
}

// CreateJob creates a job row for the sync and chains a run_sync activity.
// The single-job guard refuses while the sync is busy, except for force-full
// jobs, which RunSync makes wait their turn instead.
func (o *Orchestrator) CreateJob(ctx context.Context, p worker.CreateJobPayload) (*models.SyncJob, error) {
	sync, err := o.store.GetSync(ctx, p.SyncID)
	if err != nil {
		return nil, err
	}
	if !p.ForceFullSync {
		active, err := o.store.ActiveJobForSync(ctx, sync.ID, "")
		if err != nil {
			return nil, err
		}
		if active != nil {
			return nil, syncerrors.NewInvalidStateError(
				"sync %s already has job %s in status %s", sync.ID, active.ID, active.Status)
		}
	}

	job := &models.SyncJob{
		SyncID:         sync.ID,
		OrganizationID: sync.OrganizationID,
		ForceFullSync:  p.ForceFullSync,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if _, err := o.queue.Enqueue(ctx, worker.ActivityRunSync, worker.RunSyncPayload{
		SyncID:       sync.ID,
		SyncJobID:    job.ID,
		ReplaySlotID: p.ReplaySlotID,
	}); err != nil {
		return nil, err
	}
	o.log.Info("created sync job",
		logger.String("sync_id", sync.ID),
		logger.String("job_id", job.ID),
		logger.Bool("force_full_sync", p.ForceFullSync))
	return job, nil
}

// MarkCancelled requests cooperative cancellation. A PENDING job goes
// straight to CANCELLED; a RUNNING job moves to CANCELLING, which the
// running orchestrator observes at its next heartbeat.
func (o *Orchestrator) MarkCancelled(ctx context.Context, jobID, reason string) error {
	status, err := o.store.GetJobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "cancelled by request"
	}
	switch status {
	case models.JobPending:
		return o.store.TransitionJob(ctx, jobID, models.JobCancelled, reason)
	case models.JobRunning:
		return o.store.TransitionJob(ctx, jobID, models.JobCancelling, reason)
	case models.JobCancelling:
		return nil
	default:
		return syncerrors.NewInvalidStateError("job %s is already %s", jobID, status)
	}
}

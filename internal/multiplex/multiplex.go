// Package multiplex manages the destination slots of a sync: forking a new
// SHADOW destination, switching it to ACTIVE, and forcing a source resync to
// refresh the raw archive before a fork. End-user queries always hit the
// ACTIVE slot; the pipeline additionally writes to SHADOW slots that are
// being back-filled or live-mirrored.
package multiplex

import (
	"context"

	"github.com/airweave/syncd/internal/database"
	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/internal/worker"
	"github.com/airweave/syncd/pkg/models"
)

// Manager coordinates slot state with the job queue.
type Manager struct {
	store *database.Store
	queue *worker.Queue
	log   logger.Logger
}

// NewManager builds a multiplexer over the store and the activity queue.
func NewManager(store *database.Store, queue *worker.Queue) *Manager {
	return &Manager{
		store: store,
		queue: queue,
		log:   logger.New("multiplex"),
	}
}

// ForkOptions tune how a new slot comes up.
type ForkOptions struct {
	// ReplayFromARF starts a replay job that streams the sync's raw archive
	// through the pipeline into the new slot, without touching the source.
	ReplayFromARF bool

	// LiveMirror marks the slot to also receive live writes from regular
	// sync runs while it is SHADOW.
	LiveMirror bool
}

// Fork attaches a destination connection to the sync as a SHADOW slot. With
// ReplayFromARF it also creates and enqueues the back-fill job, returned as
// the second value.
func (m *Manager) Fork(ctx context.Context, syncID, destConnectionID string, opts ForkOptions) (*models.DestinationSlot, *models.SyncJob, error) {
	sync, err := m.store.GetSync(ctx, syncID)
	if err != nil {
		return nil, nil, err
	}
	conn, err := m.store.GetConnection(ctx, destConnectionID)
	if err != nil {
		return nil, nil, err
	}
	if conn.Kind != "destination" {
		return nil, nil, syncerrors.NewInvalidStateError(
			"connection %s is a %s connection, not a destination", destConnectionID, conn.Kind)
	}

	slots, err := m.store.ListSlots(ctx, syncID)
	if err != nil {
		return nil, nil, err
	}
	for _, s := range slots {
		if s.ConnectionID == destConnectionID {
			return nil, nil, syncerrors.NewInvalidStateError(
				"connection %s already holds a %s slot on sync %s", destConnectionID, s.Role, syncID)
		}
	}

	slot := &models.DestinationSlot{
		SyncID:       syncID,
		ConnectionID: destConnectionID,
		Role:         models.SlotShadow,
		LiveMirror:   opts.LiveMirror,
	}
	if err := m.store.CreateSlot(ctx, slot); err != nil {
		return nil, nil, err
	}
	m.log.Info("forked destination slot",
		logger.String("sync_id", syncID),
		logger.String("slot_id", slot.SlotID),
		logger.Bool("replay", opts.ReplayFromARF),
		logger.Bool("live_mirror", opts.LiveMirror))

	if !opts.ReplayFromARF {
		return slot, nil, nil
	}

	job := &models.SyncJob{SyncID: syncID, OrganizationID: sync.OrganizationID}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, nil, err
	}
	_, err = m.queue.Enqueue(ctx, worker.ActivityRunSync, worker.RunSyncPayload{
		SyncID:       syncID,
		SyncJobID:    job.ID,
		ReplaySlotID: slot.SlotID,
	})
	if err != nil {
		return nil, nil, err
	}
	return slot, job, nil
}

// Switch promotes a SHADOW slot to ACTIVE and demotes the current ACTIVE
// slot to DEPRECATED. The old destination stays readable; new queries and
// writes go to the promoted slot.
func (m *Manager) Switch(ctx context.Context, syncID, slotID string) error {
	if err := m.store.SwitchSlots(ctx, syncID, slotID); err != nil {
		return err
	}
	m.log.Info("switched active destination",
		logger.String("sync_id", syncID), logger.String("slot_id", slotID))
	return nil
}

// ResyncFromSource creates and enqueues a force-full sync job so the raw
// archive reflects the complete source state before a fork replays it.
func (m *Manager) ResyncFromSource(ctx context.Context, syncID string) (*models.SyncJob, error) {
	sync, err := m.store.GetSync(ctx, syncID)
	if err != nil {
		return nil, err
	}

	job := &models.SyncJob{
		SyncID:         syncID,
		OrganizationID: sync.OrganizationID,
		ForceFullSync:  true,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	_, err = m.queue.Enqueue(ctx, worker.ActivityRunSync, worker.RunSyncPayload{
		SyncID:    syncID,
		SyncJobID: job.ID,
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("enqueued source resync",
		logger.String("sync_id", syncID), logger.String("job_id", job.ID))
	return job, nil
}

// ListDestinations returns the sync's slots ordered ACTIVE, SHADOW,
// DEPRECATED.
func (m *Manager) ListDestinations(ctx context.Context, syncID string) ([]*models.DestinationSlot, error) {
	if _, err := m.store.GetSync(ctx, syncID); err != nil {
		return nil, err
	}
	return m.store.ListSlots(ctx, syncID)
}

// Package worker hosts the activity queue and the long-lived runtime that
// consumes it. Activities travel through two Redis lists: a blocking pop
// moves an activity from pending to processing, and a per-activity lease key
// with a TTL marks it owned. Workers extend the lease while running; an
// expired lease means the owner died and a janitor pass moves the activity
// back to pending.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/syncerrors"
)

// ActivityType names a unit of work a worker knows how to run.
type ActivityType string

const (
	// ActivityRunSync executes one sync job end to end.
	ActivityRunSync ActivityType = "run_sync"
	// ActivityCreateJob creates a job row for a sync and chains a run.
	ActivityCreateJob ActivityType = "create_job"
	// ActivityMarkCancelled requests cooperative cancellation of a job.
	ActivityMarkCancelled ActivityType = "mark_cancelled"
	// ActivityCleanupStuckJobs is the janitor pass over stale jobs and leases.
	ActivityCleanupStuckJobs ActivityType = "cleanup_stuck_jobs"
)

// RunSyncPayload is the payload of a run_sync activity. ReplaySlotID, when
// set, switches the run into archive-replay mode targeting that slot only.
type RunSyncPayload struct {
	SyncID       string `json:"sync_id"`
	SyncJobID    string `json:"sync_job_id"`
	ReplaySlotID string `json:"replay_slot_id,omitempty"`
}

// CreateJobPayload is the payload of a create_job activity.
type CreateJobPayload struct {
	SyncID        string `json:"sync_id"`
	ForceFullSync bool   `json:"force_full_sync"`
	ReplaySlotID  string `json:"replay_slot_id,omitempty"`
}

// MarkCancelledPayload is the payload of a mark_cancelled activity.
type MarkCancelledPayload struct {
	SyncJobID string `json:"sync_job_id"`
	Reason    string `json:"reason,omitempty"`
}

// Activity is one queued unit of work.
type Activity struct {
	ID         string          `json:"id"`
	Type       ActivityType    `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// DecodePayload unmarshals the activity payload into out.
func (a *Activity) DecodePayload(out any) error {
	if len(a.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(a.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", a.Type, err)
	}
	return nil
}

// maxAttempts is how many deliveries an activity gets before the janitor
// drops it instead of requeueing.
const maxAttempts = 3

// Queue is the Redis-backed activity queue.
type Queue struct {
	rdb      *redis.Client
	name     string
	leaseTTL time.Duration
	log      logger.Logger
}

// NewQueue builds a queue named name on rdb. leaseTTL bounds how long a
// claimed activity may go without a heartbeat before it is considered
// abandoned.
func NewQueue(rdb *redis.Client, name string, leaseTTL time.Duration) *Queue {
	if leaseTTL <= 0 {
		leaseTTL = 60 * time.Second
	}
	return &Queue{
		rdb:      rdb,
		name:     name,
		leaseTTL: leaseTTL,
		log:      logger.New("queue"),
	}
}

// LeaseTTL returns the configured lease duration.
func (q *Queue) LeaseTTL() time.Duration { return q.leaseTTL }

func (q *Queue) pendingKey() string    { return q.name + ":pending" }
func (q *Queue) processingKey() string { return q.name + ":processing" }
func (q *Queue) leaseKey(id string) string {
	return q.name + ":lease:" + id
}

// Enqueue pushes one activity of the given type. It returns the assigned
// activity id.
func (q *Queue) Enqueue(ctx context.Context, t ActivityType, payload any) (string, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to encode %s payload: %w", t, err)
		}
		raw = data
	}
	a := Activity{
		ID:         uuid.NewString(),
		Type:       t,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.push(ctx, &a); err != nil {
		return "", err
	}
	q.log.Debug("activity enqueued",
		logger.String("activity_id", a.ID), logger.String("type", string(t)))
	return a.ID, nil
}

func (q *Queue) push(ctx context.Context, a *Activity) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode activity: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.pendingKey(), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue activity: %w", err)
	}
	return nil
}

// Claim blocks up to timeout for the next pending activity, atomically moving
// it to the processing list and acquiring its lease for workerID. It returns
// nil without error when the timeout elapses with nothing pending.
func (q *Queue) Claim(ctx context.Context, workerID string, timeout time.Duration) (*Claim, error) {
	raw, err := q.rdb.BRPopLPush(ctx, q.pendingKey(), q.processingKey(), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim activity: %w", err)
	}

	var a Activity
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		// Poison entry. Drop it so it cannot wedge the queue.
		q.rdb.LRem(ctx, q.processingKey(), 1, raw)
		return nil, fmt.Errorf("failed to decode claimed activity: %w", err)
	}
	a.Attempts++

	if err := q.rdb.Set(ctx, q.leaseKey(a.ID), workerID, q.leaseTTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to acquire lease for %s: %w", a.ID, err)
	}
	return &Claim{Activity: &a, raw: raw, workerID: workerID, q: q}, nil
}

// RequeueExpired moves processing activities whose lease vanished back to
// pending. Activities past maxAttempts are dropped instead. It returns how
// many were requeued.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	entries, err := q.rdb.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan processing list: %w", err)
	}

	requeued := 0
	for _, raw := range entries {
		var a Activity
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			q.rdb.LRem(ctx, q.processingKey(), 1, raw)
			continue
		}
		held, err := q.rdb.Exists(ctx, q.leaseKey(a.ID)).Result()
		if err != nil {
			return requeued, fmt.Errorf("failed to check lease of %s: %w", a.ID, err)
		}
		if held > 0 {
			continue
		}

		// Lease gone: the owner died mid-activity. The processing entry
		// still carries the pre-claim attempt count, so count the lost
		// delivery here.
		if removed, err := q.rdb.LRem(ctx, q.processingKey(), 1, raw).Result(); err != nil || removed == 0 {
			continue
		}
		a.Attempts++
		if a.Attempts >= maxAttempts {
			q.log.Warn("dropping activity after repeated abandonment",
				logger.String("activity_id", a.ID),
				logger.String("type", string(a.Type)),
				logger.Int("attempts", a.Attempts))
			continue
		}
		if err := q.push(ctx, &a); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// Depth reports the pending and processing list lengths.
func (q *Queue) Depth(ctx context.Context) (pending, processing int64, err error) {
	pending, err = q.rdb.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	processing, err = q.rdb.LLen(ctx, q.processingKey()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return pending, processing, nil
}

// Claim is a leased activity held by one worker. The holder must finish with
// Ack or Requeue; Heartbeat keeps the lease alive in between.
type Claim struct {
	Activity *Activity

	raw      string
	workerID string
	q        *Queue
}

// Heartbeat extends the lease. It fails with InvalidStateError when the
// lease has already expired, meaning ownership is lost and the activity may
// be running elsewhere.
func (c *Claim) Heartbeat(ctx context.Context) error {
	ok, err := c.q.rdb.Expire(ctx, c.q.leaseKey(c.Activity.ID), c.q.leaseTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to extend lease for %s: %w", c.Activity.ID, err)
	}
	if !ok {
		return syncerrors.NewInvalidStateError("lease for activity %s expired", c.Activity.ID)
	}
	return nil
}

// Ack removes the finished activity from the processing list and releases
// the lease.
func (c *Claim) Ack(ctx context.Context) error {
	if err := c.q.rdb.LRem(ctx, c.q.processingKey(), 1, c.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack activity %s: %w", c.Activity.ID, err)
	}
	if err := c.q.rdb.Del(ctx, c.q.leaseKey(c.Activity.ID)).Err(); err != nil {
		return fmt.Errorf("failed to release lease for %s: %w", c.Activity.ID, err)
	}
	return nil
}

// Requeue puts the activity back on the pending list for another delivery
// and releases the lease.
func (c *Claim) Requeue(ctx context.Context) error {
	if err := c.q.rdb.LRem(ctx, c.q.processingKey(), 1, c.raw).Err(); err != nil {
		return fmt.Errorf("failed to remove activity %s from processing: %w", c.Activity.ID, err)
	}
	if err := c.q.push(ctx, c.Activity); err != nil {
		return err
	}
	if err := c.q.rdb.Del(ctx, c.q.leaseKey(c.Activity.ID)).Err(); err != nil {
		return fmt.Errorf("failed to release lease for %s: %w", c.Activity.ID, err)
	}
	return nil
}

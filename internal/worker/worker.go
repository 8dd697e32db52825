package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/syncerrors"
)

// Handler executes one activity. The context stays live through a drain;
// it is cancelled only on hard abort or when the activity's lease is lost
// to another worker.
type Handler func(ctx context.Context, a *Activity) error

// State is the worker lifecycle state reported on the control port.
type State string

const (
	StateNotRunning State = "NOT_RUNNING"
	StateOK         State = "OK"
	StateDraining   State = "DRAINING"
)

// Options configure a worker runtime.
type Options struct {
	ID    string
	Slots int

	// ClaimTimeout bounds each blocking claim so the loop can observe
	// drain and shutdown. Zero means 2s.
	ClaimTimeout time.Duration
}

// Worker claims activities from the queue and runs them on a bounded pool
// of slots. Draining stops claiming while letting in-flight activities run
// to completion.
type Worker struct {
	id      string
	queue   *Queue
	slots   chan struct{}
	claimTO time.Duration
	metrics *Metrics
	log     logger.Logger

	mu       sync.Mutex
	handlers map[ActivityType]Handler
	inflight map[string]inflightInfo

	running  atomic.Bool
	draining atomic.Bool
	drainCh  chan struct{}
	wg       sync.WaitGroup

	runCtx   context.Context
	abortRun context.CancelFunc
}

type inflightInfo struct {
	Type      ActivityType
	StartedAt time.Time
}

// New builds a worker over queue.
func New(queue *Queue, metrics *Metrics, opts Options) *Worker {
	if opts.Slots <= 0 {
		opts.Slots = 16
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 2 * time.Second
	}
	runCtx, abort := context.WithCancel(context.Background())
	return &Worker{
		id:       opts.ID,
		queue:    queue,
		slots:    make(chan struct{}, opts.Slots),
		claimTO:  opts.ClaimTimeout,
		metrics:  metrics,
		log:      logger.New("worker").WithFields(logger.String("worker_id", opts.ID)),
		handlers: make(map[ActivityType]Handler),
		inflight: make(map[string]inflightInfo),
		drainCh:  make(chan struct{}),
		runCtx:   runCtx,
		abortRun: abort,
	}
}

// RegisterHandler installs the handler for an activity type. Registering
// twice for the same type replaces the first handler.
func (w *Worker) RegisterHandler(t ActivityType, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[t] = h
}

// Start runs the claim loop until ctx is cancelled or Drain is called, then
// waits for in-flight activities to finish. It returns the first claim-loop
// error, or nil on a clean stop.
func (w *Worker) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return syncerrors.NewInvalidStateError("worker %s is already running", w.id)
	}
	w.log.Info("worker started", logger.Int("slots", cap(w.slots)))

claimLoop:
	for {
		select {
		case <-ctx.Done():
			break claimLoop
		case <-w.drainCh:
			break claimLoop
		case w.slots <- struct{}{}:
		}

		claim, err := w.queue.Claim(ctx, w.id, w.claimTO)
		if err != nil {
			<-w.slots
			if ctx.Err() != nil {
				break claimLoop
			}
			w.log.Error("claim failed", logger.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				break claimLoop
			case <-w.drainCh:
				break claimLoop
			}
			continue
		}
		if claim == nil {
			<-w.slots
			continue
		}

		w.wg.Add(1)
		go w.run(claim)
	}

	w.log.Info("worker stopped claiming, waiting for in-flight activities",
		logger.Int("in_flight", w.InFlight()))
	w.wg.Wait()
	w.running.Store(false)
	w.log.Info("worker stopped")
	return nil
}

// Drain stops the worker from claiming new activities. In-flight activities
// keep running; Start returns once they finish.
func (w *Worker) Drain() {
	if w.draining.CompareAndSwap(false, true) {
		close(w.drainCh)
		w.log.Info("worker draining")
	}
}

// Abort cancels the contexts of in-flight activities. It is the hard stop
// used when a drain overruns its grace period.
func (w *Worker) Abort() {
	w.abortRun()
}

// WaitWithTimeout blocks until in-flight activities finish or the timeout
// elapses, returning false on timeout.
func (w *Worker) WaitWithTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// State reports the lifecycle state for the health endpoint.
func (w *Worker) State() State {
	if !w.running.Load() {
		return StateNotRunning
	}
	if w.draining.Load() {
		return StateDraining
	}
	return StateOK
}

// InFlight returns how many activities are currently executing.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

// ActivitySnapshot describes one running activity for the status endpoint.
type ActivitySnapshot struct {
	ID        string       `json:"id"`
	Type      ActivityType `json:"type"`
	StartedAt time.Time    `json:"started_at"`
	Runtime   string       `json:"runtime"`
}

// Status is the JSON document served on the control port.
type Status struct {
	WorkerID   string             `json:"worker_id"`
	State      State              `json:"state"`
	Slots      int                `json:"slots"`
	InFlight   []ActivitySnapshot `json:"in_flight"`
	Pending    int64              `json:"queue_pending"`
	Processing int64              `json:"queue_processing"`
}

// Status snapshots the worker and queue. Queue depth errors degrade to -1
// rather than failing the endpoint.
func (w *Worker) Status(ctx context.Context) Status {
	pending, processing, err := w.queue.Depth(ctx)
	if err != nil {
		pending, processing = -1, -1
	} else if w.metrics != nil {
		w.metrics.ObserveQueueDepth(pending)
	}

	w.mu.Lock()
	snaps := make([]ActivitySnapshot, 0, len(w.inflight))
	for id, info := range w.inflight {
		snaps = append(snaps, ActivitySnapshot{
			ID:        id,
			Type:      info.Type,
			StartedAt: info.StartedAt,
			Runtime:   time.Since(info.StartedAt).Round(time.Second).String(),
		})
	}
	w.mu.Unlock()

	return Status{
		WorkerID:   w.id,
		State:      w.State(),
		Slots:      cap(w.slots),
		InFlight:   snaps,
		Pending:    pending,
		Processing: processing,
	}
}

func (w *Worker) run(claim *Claim) {
	defer w.wg.Done()
	defer func() { <-w.slots }()

	a := claim.Activity
	w.track(a, true)
	defer w.track(a, false)

	ctx, cancel := context.WithCancel(w.runCtx)
	defer cancel()

	hbDone := make(chan struct{})
	go w.keepLease(ctx, claim, cancel, hbDone)

	start := time.Now()
	if w.metrics != nil {
		w.metrics.ActivityStarted(a.Type)
	}
	log := w.log.WithFields(
		logger.String("activity_id", a.ID),
		logger.String("type", string(a.Type)))
	log.Info("activity started", logger.Int("attempt", a.Attempts))

	handler := w.handlerFor(a.Type)
	var err error
	if handler == nil {
		err = fmt.Errorf("no handler registered for activity type %s", a.Type)
	} else {
		err = runSafely(ctx, handler, a)
	}

	cancel()
	<-hbDone

	if w.metrics != nil {
		w.metrics.ActivityFinished(a.Type, time.Since(start), err != nil)
	}
	if err != nil {
		log.Error("activity failed", logger.Error(err),
			logger.Duration("runtime", time.Since(start)))
	} else {
		log.Info("activity completed", logger.Duration("runtime", time.Since(start)))
	}

	// Failures are recorded in the database by the handlers themselves, so
	// the queue entry is finished either way.
	ackCtx, ackCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ackCancel()
	if err := claim.Ack(ackCtx); err != nil {
		log.Warn("failed to ack activity", logger.Error(err))
	}
}

// keepLease extends the claim's lease on a fraction of its TTL. A lost lease
// cancels the activity context: another worker may already own the work.
func (w *Worker) keepLease(ctx context.Context, claim *Claim, onLost context.CancelFunc, done chan struct{}) {
	defer close(done)
	interval := w.queue.LeaseTTL() / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := claim.Heartbeat(ctx)
			if err == nil {
				continue
			}
			if syncerrors.IsInvalidState(err) {
				w.log.Error("activity lease lost",
					logger.String("activity_id", claim.Activity.ID))
				onLost()
				return
			}
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("lease heartbeat failed", logger.Error(err))
		}
	}
}

func (w *Worker) handlerFor(t ActivityType) Handler {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handlers[t]
}

func (w *Worker) track(a *Activity, add bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if add {
		w.inflight[a.ID] = inflightInfo{Type: a.Type, StartedAt: time.Now()}
	} else {
		delete(w.inflight, a.ID)
	}
}

func runSafely(ctx context.Context, h Handler, a *Activity) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity handler panicked: %v", r)
		}
	}()
	return h(ctx, a)
}

package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T, slots int) (*Worker, *Queue) {
	t.Helper()
	q, _ := newTestQueue(t, time.Minute)
	w := New(q, NewMetrics("test-worker"), Options{
		ID:           "test-worker",
		Slots:        slots,
		ClaimTimeout: 50 * time.Millisecond,
	})
	return w, q
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWorkerRunsActivities(t *testing.T) {
	w, q := newTestWorker(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran atomic.Int32
	w.RegisterHandler(ActivityCreateJob, func(ctx context.Context, a *Activity) error {
		var p CreateJobPayload
		if err := a.DecodePayload(&p); err != nil {
			return err
		}
		ran.Add(1)
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, ActivityCreateJob, CreateJobPayload{SyncID: "s1"})
		require.NoError(t, err)
	}

	waitFor(t, 5*time.Second, func() bool { return ran.Load() == 3 })
	waitFor(t, 5*time.Second, func() bool {
		pending, processing, err := q.Depth(context.Background())
		return err == nil && pending == 0 && processing == 0
	})

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateNotRunning, w.State())
}

func TestWorkerDrainLetsInFlightFinish(t *testing.T) {
	w, q := newTestWorker(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	var finished, cancelled atomic.Bool
	w.RegisterHandler(ActivityRunSync, func(ctx context.Context, a *Activity) error {
		select {
		case <-release:
			finished.Store(true)
			return nil
		case <-ctx.Done():
			cancelled.Store(true)
			return ctx.Err()
		}
	})

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	_, err := q.Enqueue(ctx, ActivityRunSync, nil)
	require.NoError(t, err)
	waitFor(t, 5*time.Second, func() bool { return w.InFlight() == 1 })

	w.Drain()
	assert.Equal(t, StateDraining, w.State())

	// The drain must not cancel the running activity.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, w.InFlight())
	assert.False(t, cancelled.Load())

	close(release)
	require.NoError(t, <-done)
	assert.True(t, finished.Load())
	assert.False(t, cancelled.Load())

	// The finished activity was acked on the way out.
	pending, processing, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
	assert.Equal(t, int64(0), processing)
}

func TestWorkerAbortCancelsInFlight(t *testing.T) {
	w, q := newTestWorker(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sawCancel atomic.Bool
	w.RegisterHandler(ActivityRunSync, func(ctx context.Context, a *Activity) error {
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	_, err := q.Enqueue(ctx, ActivityRunSync, nil)
	require.NoError(t, err)
	waitFor(t, 5*time.Second, func() bool { return w.InFlight() == 1 })

	w.Drain()
	w.Abort()
	require.NoError(t, <-done)
	assert.True(t, sawCancel.Load())
}

func TestWorkerSurvivesHandlerPanic(t *testing.T) {
	w, q := newTestWorker(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var after atomic.Int32
	w.RegisterHandler(ActivityCreateJob, func(ctx context.Context, a *Activity) error {
		if after.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	_, err := q.Enqueue(ctx, ActivityCreateJob, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, ActivityCreateJob, nil)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool { return after.Load() == 2 })
	cancel()
	require.NoError(t, <-done)
}

func TestWorkerAcksUnknownActivityType(t *testing.T) {
	w, q := newTestWorker(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	_, err := q.Enqueue(ctx, ActivityType("nope"), nil)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		pending, processing, err := q.Depth(context.Background())
		return err == nil && pending == 0 && processing == 0
	})
	cancel()
	require.NoError(t, <-done)
}

func TestWorkerRejectsDoubleStart(t *testing.T) {
	w, _ := newTestWorker(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	waitFor(t, 5*time.Second, func() bool { return w.State() == StateOK })

	err := w.Start(ctx)
	require.Error(t, err)

	cancel()
	require.NoError(t, <-done)
}

func TestWorkerStatusSnapshot(t *testing.T) {
	w, q := newTestWorker(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	w.RegisterHandler(ActivityRunSync, func(ctx context.Context, a *Activity) error {
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	_, err := q.Enqueue(ctx, ActivityRunSync, nil)
	require.NoError(t, err)
	waitFor(t, 5*time.Second, func() bool { return w.InFlight() == 1 })

	st := w.Status(ctx)
	assert.Equal(t, "test-worker", st.WorkerID)
	assert.Equal(t, StateOK, st.State)
	assert.Equal(t, 4, st.Slots)
	require.Len(t, st.InFlight, 1)
	assert.Equal(t, ActivityRunSync, st.InFlight[0].Type)

	close(release)
	cancel()
	require.NoError(t, <-done)
}

func TestWaitWithTimeout(t *testing.T) {
	w, q := newTestWorker(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	w.RegisterHandler(ActivityRunSync, func(ctx context.Context, a *Activity) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	_, err := q.Enqueue(ctx, ActivityRunSync, nil)
	require.NoError(t, err)
	waitFor(t, 5*time.Second, func() bool { return w.InFlight() == 1 })

	w.Drain()
	assert.False(t, w.WaitWithTimeout(50*time.Millisecond), "in-flight work still running")

	close(release)
	assert.True(t, w.WaitWithTimeout(5*time.Second))
	require.NoError(t, <-done)
}

func TestHandlerErrorStillAcks(t *testing.T) {
	w, q := newTestWorker(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.RegisterHandler(ActivityMarkCancelled, func(ctx context.Context, a *Activity) error {
		return errors.New("db unavailable")
	})

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	_, err := q.Enqueue(ctx, ActivityMarkCancelled, MarkCancelledPayload{SyncJobID: "j1"})
	require.NoError(t, err)

	// A failed handler does not leave the activity stuck in processing.
	waitFor(t, 5*time.Second, func() bool {
		pending, processing, err := q.Depth(context.Background())
		return err == nil && pending == 0 && processing == 0
	})
	cancel()
	require.NoError(t, <-done)
}

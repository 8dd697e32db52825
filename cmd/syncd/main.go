// Command syncd runs one sync worker: it claims activities from the shared
// Redis queue, executes sync jobs through the entity pipeline, and serves
// the control port. Every instance also carries the cron scheduler; the
// queue's single-job guard makes concurrent schedulers harmless.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/airweave/syncd/internal/auth"
	"github.com/airweave/syncd/internal/config"
	"github.com/airweave/syncd/internal/database"
	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/orchestrator"
	"github.com/airweave/syncd/internal/ratelimit"
	"github.com/airweave/syncd/internal/rawstore"
	"github.com/airweave/syncd/internal/sources"
	"github.com/airweave/syncd/internal/storage"
	"github.com/airweave/syncd/internal/worker"
	"github.com/airweave/syncd/pkg/models"

	// Source drivers register themselves at init.
	_ "github.com/airweave/syncd/internal/sources/ctti"
	_ "github.com/airweave/syncd/internal/sources/github"
	_ "github.com/airweave/syncd/internal/sources/hubspot"
	_ "github.com/airweave/syncd/internal/sources/jira"
	_ "github.com/airweave/syncd/internal/sources/outlookmail"
	_ "github.com/airweave/syncd/internal/sources/postgres"
)

func main() {
	configPath := flag.String("config", "syncd.yaml", "path to the configuration file")
	workerID := flag.String("worker-id", "", "worker identity (default: hostname-pid)")
	flag.Parse()

	if err := run(*configPath, *workerID); err != nil {
		log.Fatalf("syncd: %v", err)
	}
}

func run(configPath, workerID string) error {
	mgr, err := config.NewManager(configPath)
	if err != nil {
		return err
	}
	defer mgr.Stop()
	cfg := mgr.Get()

	logger.Initialize(logger.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	lg := logger.New("syncd")

	if workerID == "" {
		workerID = cfg.Worker.ID
	}
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	store, err := database.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer rdb.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
	}

	backend, err := storage.NewBackend(cfg.Storage)
	if err != nil {
		return err
	}
	raw := rawstore.NewService(backend)

	queue := worker.NewQueue(rdb, cfg.Worker.QueueName, cfg.Worker.LeaseTTL)
	metrics := worker.NewMetrics(workerID)
	tokens := auth.NewTokenManager(store)
	limiter := ratelimit.NewSourceLimiter(rdb, limitProvider{store: store})

	orch := orchestrator.New(orchestrator.Options{
		Store:     store,
		Raw:       raw,
		Queue:     queue,
		Tokens:    tokens,
		Limiter:   limiter,
		Pipeline:  cfg.Pipeline,
		Embedding: cfg.Embedding,
		OCR:       cfg.OCR,
		Metrics:   metrics,
	})
	janitor := orchestrator.NewJanitor(store, queue)

	w := worker.New(queue, metrics, worker.Options{ID: workerID, Slots: cfg.Worker.ActivitySlots})
	orchestrator.RegisterActivities(w, orch, janitor)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	control := worker.NewServer(w, metrics, cfg.Worker.MetricsPort)
	go func() {
		if err := control.Start(); err != nil {
			lg.Error("control server failed", logger.Error(err))
		}
	}()

	if cfg.Scheduler.Enabled {
		go orchestrator.NewScheduler(store, queue, cfg.Scheduler).Start(ctx)
	}

	lg.Info("syncd started",
		logger.String("worker_id", workerID),
		logger.Int("slots", cfg.Worker.ActivitySlots),
		logger.Int("drivers", len(sources.List())),
		logger.Int("control_port", cfg.Worker.MetricsPort))

	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Start(ctx) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		lg.Info("signal received, draining", logger.String("signal", s.String()))
		w.Drain()
		if !w.WaitWithTimeout(cfg.Worker.GracefulShutdownTimeout) {
			lg.Warn("grace period elapsed, aborting in-flight activities",
				logger.Duration("grace", cfg.Worker.GracefulShutdownTimeout))
			w.Abort()
		}
		stop()
		if err := <-workerDone; err != nil {
			lg.Error("worker exited with error", logger.Error(err))
		}
	case err := <-workerDone:
		stop()
		if err != nil {
			lg.Error("worker stopped on its own", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := control.Shutdown(shutdownCtx); err != nil {
		lg.Warn("control server shutdown failed", logger.Error(err))
	}
	lg.Info("syncd stopped")
	return nil
}

// limitProvider feeds the source limiter: scopes come from the driver
// registry, limit rows from the database.
type limitProvider struct {
	store *database.Store
}

func (p limitProvider) RateLimitLevel(_ context.Context, sourceShortName string) (models.RateLimitScope, error) {
	return sources.RateLimitLevelFor(sourceShortName), nil
}

func (p limitProvider) RateLimitConfig(ctx context.Context, orgID, sourceShortName string) (*models.RateLimitConfig, error) {
	return p.store.RateLimitConfig(ctx, orgID, sourceShortName)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/scenecast-backend/internal/db"
	httpapi "github.com/yungbote/scenecast-backend/internal/http"
	"github.com/yungbote/scenecast-backend/internal/jobs/sweeper"
	"github.com/yungbote/scenecast-backend/internal/observability"
	"github.com/yungbote/scenecast-backend/internal/platform/envutil"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
	"github.com/yungbote/scenecast-backend/internal/realtime/bus"
)

// Role selects which long-running parts a process hosts.
type Role string

const (
	RoleServe  Role = "serve"
	RoleWorker Role = "worker"
)

type App struct {
	Log      *logger.Logger
	DB       *db.Service
	Repos    Repos
	Pipeline *Pipeline
	Queue    *Queue
	Services Services
	Server   *httpapi.Server
	Metrics  *observability.Metrics

	sweeper      *sweeper.Sweeper
	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

// NewLogger builds the process logger from LOG_MODE.
func NewLogger() (*logger.Logger, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return log, nil
}

// OpenDB opens the configured store and migrates it.
func OpenDB(log *logger.Logger) (*db.Service, error) {
	svc, err := db.Open(log)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}
	if err := svc.AutoMigrateAll(); err != nil {
		_ = svc.Close()
		return nil, fmt.Errorf("db automigrate: %w", err)
	}
	return svc, nil
}

func New(ctx context.Context, log *logger.Logger) (*App, error) {
	a := &App{Log: log}
	a.otelShutdown = observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: envutil.String("OTEL_SERVICE_NAME", "scenecast-api"),
		Environment: envutil.String("APP_ENV", "development"),
		Version:     envutil.String("APP_VERSION", ""),
	})
	a.Metrics = observability.Init(log)

	dbs, err := OpenDB(log)
	if err != nil {
		return nil, err
	}
	a.DB = dbs
	a.Repos = wireRepos(dbs.DB(), log)

	progress, err := wireBus(log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Pipeline, err = wirePipeline(ctx, dbs.DB(), log, a.Repos, progress)
	if err != nil {
		_ = progress.Close()
		a.Close()
		return nil, err
	}
	a.Queue, err = wireQueue(log, a.Pipeline)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Services = wireServices(log, a.Repos, a.Pipeline, a.Queue)
	a.Server = wireServer(log, a.Services, a.Pipeline.Stages, a.Metrics)
	a.sweeper = sweeper.New(log, a.Repos.Jobs, a.Pipeline.Orchestrator, a.Queue.Dispatcher, sweeper.ConfigFromEnv(a.Queue.Limits.TaskTimeout))
	return a, nil
}

// Start launches the background parts of role and returns once they run.
//
//   - serve: bus forwarder into the hub. Without Temporal also the in-process
//     queue and the sweeper.
//   - worker: Temporal worker and the sweeper.
func (a *App) Start(ctx context.Context, role Role) error {
	if a == nil || a.cancel != nil {
		return nil
	}
	if role == RoleWorker && !a.Queue.Temporal() {
		return errors.New("worker requires TEMPORAL_ADDRESS; without it jobs run inside serve")
	}
	if role == RoleWorker && bus.RedisClient(a.Pipeline.Bus) == nil {
		a.Log.Warn("progress bus is in-process; serve will not see this worker's events without REDIS_ADDR")
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if role == RoleServe {
		if err := a.Pipeline.Hub.Run(ctx, a.Pipeline.Bus); err != nil {
			return fmt.Errorf("start progress forwarder: %w", err)
		}
	}
	runsTasks := role == RoleWorker || !a.Queue.Temporal()
	if runsTasks {
		if err := a.Queue.startConsumers(ctx, a.Log, a.Pipeline); err != nil {
			return fmt.Errorf("start task consumers: %w", err)
		}
		if err := a.sweeper.Start(ctx); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
	}

	if a.Metrics != nil {
		a.Metrics.StartServer(ctx, a.Log, envutil.String("METRICS_ADDR", ":9090"))
		a.Metrics.StartPostgresCollector(ctx, a.Log, a.DB.DB())
		if rdb := bus.RedisClient(a.Pipeline.Bus); rdb != nil {
			a.Metrics.StartRedisCollector(ctx, a.Log, rdb)
		}
	}
	a.Log.Info("app started", "role", role, "temporal", a.Queue.Temporal())
	return nil
}

// Serve runs the HTTP API until ctx ends. A server failure also stops the
// background parts started by Start.
func (a *App) Serve(ctx context.Context, addr string) error {
	if a == nil || a.Server == nil {
		return errors.New("app not initialized")
	}
	stop := a.cancel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Server.Run(gctx, addr) })
	g.Go(func() error {
		<-gctx.Done()
		if stop != nil {
			stop()
		}
		return nil
	})
	return g.Wait()
}

// SweepOnce fails stale PROCESSING jobs and reports how many it settled.
func (a *App) SweepOnce(ctx context.Context) (int, error) {
	return a.sweeper.Sweep(ctx)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.Queue != nil {
		a.Queue.close()
	}
	if p := a.Pipeline; p != nil {
		if err := p.Bus.Close(); err != nil {
			a.Log.Warn("closing progress bus", "error", err)
		}
		if err := p.Stages.Close(); err != nil {
			a.Log.Warn("closing stage executors", "error", err)
		}
		if c, ok := p.Store.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Log.Warn("closing db", "error", err)
		}
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(ctx)
		cancel()
	}
	a.Log.Sync()
}

package temporalworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	jobrt "github.com/yungbote/scenecast-backend/internal/jobs/runtime"
	"github.com/yungbote/scenecast-backend/internal/platform/envutil"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
	"github.com/yungbote/scenecast-backend/internal/temporalx"
	"github.com/yungbote/scenecast-backend/internal/temporalx/generation"
)

// Runner polls the generation task queue. After every RecycleAfter finished
// scene or finish activities it stops the worker, calls Recycle (which
// rebuilds the stage executors) and starts a fresh worker.
type Runner struct {
	log    *logger.Logger
	tc     temporalsdkclient.Client
	cfg    temporalx.Config
	acts   *generation.Activities
	limits jobrt.TaskLimits

	recycle   func() error
	completed atomic.Int64
	recycleCh chan struct{}

	mu sync.Mutex
	w  worker.Worker
}

func NewRunner(
	log *logger.Logger,
	tc temporalsdkclient.Client,
	cfg temporalx.Config,
	acts *generation.Activities,
	limits jobrt.TaskLimits,
	recycle func() error,
) (*Runner, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	if acts == nil || acts.Orchestrator == nil || acts.Scenes == nil {
		return nil, fmt.Errorf("temporal worker missing deps")
	}
	r := &Runner{
		log:       log.With("component", "TemporalWorker"),
		tc:        tc,
		cfg:       cfg,
		acts:      acts,
		limits:    limits,
		recycle:   recycle,
		recycleCh: make(chan struct{}, 1),
	}
	acts.Completed = r.onCompleted
	return r, nil
}

// Start blocks until the first worker is polling, then keeps it running in
// the background until ctx is done.
func (r *Runner) Start(ctx context.Context) error {
	r.log.Info("Starting Temporal worker", "address", r.cfg.Address, "namespace", r.cfg.Namespace, "task_queue", r.cfg.TaskQueue)
	if r.cfg.AutoRegisterNamespace {
		if err := temporalx.EnsureNamespace(ctx, r.cfg, r.log); err != nil {
			r.log.Warn("Temporal namespace ensure failed; worker will retry on start", "namespace", r.cfg.Namespace, "error", err)
		}
	}
	if err := r.startWorker(ctx); err != nil {
		return err
	}
	go r.loop(ctx)
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.stopWorker()
			return
		case <-r.recycleCh:
			r.log.Info("recycling worker", "completed", r.completed.Load())
			r.stopWorker()
			if r.recycle != nil {
				if err := r.recycle(); err != nil {
					r.log.Error("recycle failed", "error", err)
				}
			}
			if err := r.startWorker(ctx); err != nil {
				r.log.Error("worker restart failed", "error", err)
				return
			}
		}
	}
}

func (r *Runner) onCompleted() {
	n := r.completed.Add(1)
	every := int64(r.limits.RecycleAfter)
	if every <= 0 || n%every != 0 {
		return
	}
	select {
	case r.recycleCh <- struct{}{}:
	default:
	}
}

func (r *Runner) startWorker(ctx context.Context) error {
	maxWait := envutil.Seconds("TEMPORAL_WORKER_START_MAX_WAIT_SECONDS", 60*time.Second)
	base := envutil.Millis("TEMPORAL_WORKER_START_BACKOFF_MS", 250*time.Millisecond)
	ceiling := envutil.Millis("TEMPORAL_WORKER_START_BACKOFF_MAX_MS", 5*time.Second)
	deadline := time.Now().Add(maxWait)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		w := r.newWorker()
		startErr := w.Start()
		if startErr == nil {
			r.mu.Lock()
			r.w = w
			r.mu.Unlock()
			r.log.Info("Temporal worker started", "task_queue", r.cfg.TaskQueue, "attempts", attempt)
			return nil
		}
		w.Stop()

		var missing *serviceerror.NamespaceNotFound
		if errors.As(startErr, &missing) && r.cfg.AutoRegisterNamespace {
			_ = temporalx.EnsureNamespace(ctx, r.cfg, r.log)
		}
		if maxWait <= 0 || time.Now().After(deadline) {
			if errors.As(startErr, &missing) {
				return fmt.Errorf("temporal namespace not found (namespace=%s): %w", r.cfg.Namespace, startErr)
			}
			return startErr
		}
		r.log.Warn("Temporal worker failed to start; retrying", "attempt", attempt, "error", startErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(temporalx.Backoff(base, ceiling, attempt)):
		}
	}
}

func (r *Runner) stopWorker() {
	r.mu.Lock()
	w := r.w
	r.w = nil
	r.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

func (r *Runner) newWorker() worker.Worker {
	concurrency := r.limits.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	w := worker.New(r.tc, r.cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: concurrency,
		WorkerStopTimeout:                      envutil.Seconds("TEMPORAL_WORKER_STOP_TIMEOUT_SECONDS", 30*time.Second),
	})
	generation.Register(w, r.acts)
	return w
}

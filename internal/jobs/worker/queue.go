package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	jobrt "github.com/yungbote/scenecast-backend/internal/jobs/runtime"
	"github.com/yungbote/scenecast-backend/internal/observability"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

var ErrQueueFull = errors.New("task queue full")

type Options struct {
	Buffer int
	// Recycle rebuilds the executor set. It runs with no task in flight.
	Recycle func() error
	// GiveUp runs once a task is out of attempts, timed out, or failed
	// with a non-retryable error. It must leave the job terminal.
	GiveUp func(ctx context.Context, t jobrt.Task, err error)
}

type envelope struct {
	handle string
	task   jobrt.Task
}

// Queue is the in-process task queue used when no Temporal server is
// configured. Delivery is at-least-once within the process lifetime.
type Queue struct {
	log      *logger.Logger
	registry *jobrt.Registry
	policy   jobrt.RetryPolicy
	limits   jobrt.TaskLimits
	opts     Options

	tasks chan envelope

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	revoked map[string]bool

	// running holds a read lock per executing task; recycling takes the write lock.
	running   sync.RWMutex
	completed int

	rnd func() float64
	wg  sync.WaitGroup
}

func NewQueue(baseLog *logger.Logger, registry *jobrt.Registry, policy jobrt.RetryPolicy, limits jobrt.TaskLimits, opts Options) *Queue {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if limits.Concurrency < 1 {
		limits.Concurrency = 1
	}
	return &Queue{
		log:      baseLog.With("component", "LocalTaskQueue"),
		registry: registry,
		policy:   policy,
		limits:   limits,
		opts:     opts,
		tasks:    make(chan envelope, opts.Buffer),
		cancels:  map[string]context.CancelFunc{},
		revoked:  map[string]bool{},
		rnd:      rand.Float64,
	}
}

// Start launches the pool and returns immediately.
func (q *Queue) Start(ctx context.Context) {
	q.log.Info("Starting local task queue", "concurrency", q.limits.Concurrency, "task_timeout", q.limits.TaskTimeout.String(), "recycle_after", q.limits.RecycleAfter)
	for i := 0; i < q.limits.Concurrency; i++ {
		q.wg.Add(1)
		go q.loop(ctx, i+1)
	}
}

// Wait blocks until every pool goroutine has returned.
func (q *Queue) Wait() { q.wg.Wait() }

func (q *Queue) DispatchJob(ctx context.Context, jobID uuid.UUID) (string, error) {
	return q.enqueue(jobrt.Task{Kind: jobrt.TaskJob, JobID: jobID, Attempt: 1})
}

func (q *Queue) DispatchScene(ctx context.Context, jobID, sceneID uuid.UUID) (string, error) {
	return q.enqueue(jobrt.Task{Kind: jobrt.TaskScene, JobID: jobID, SceneID: sceneID, Attempt: 1})
}

// Cancel revokes a queued task or interrupts a running one.
func (q *Queue) Cancel(ctx context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.revoked[handle] = true
	if cancel, ok := q.cancels[handle]; ok {
		cancel()
	}
	return nil
}

func (q *Queue) enqueue(t jobrt.Task) (string, error) {
	env := envelope{handle: "local:" + uuid.NewString(), task: t}
	select {
	case q.tasks <- env:
		return env.handle, nil
	default:
		return "", apperr.Wrap(apperr.ErrInfrastructure, "", "enqueue", t.String(), ErrQueueFull)
	}
}

func (q *Queue) loop(ctx context.Context, workerID int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			q.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case env := <-q.tasks:
			q.execute(ctx, workerID, env)
		}
	}
}

func (q *Queue) isRevoked(handle string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.revoked[handle]
}

func (q *Queue) execute(ctx context.Context, workerID int, env envelope) {
	t := env.task
	log := q.log.With("worker_id", workerID, "task", t.String(), "attempt", t.Attempt)
	if q.isRevoked(env.handle) {
		log.Info("skipping revoked task")
		return
	}
	h, ok := q.registry.Get(t.Kind)
	if !ok {
		q.giveUp(ctx, t, fmt.Errorf("no handler registered for task kind %s", t.Kind))
		return
	}

	q.running.RLock()
	var (
		tctx   context.Context
		cancel context.CancelFunc
	)
	if q.limits.TaskTimeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, q.limits.TaskTimeout)
	} else {
		tctx, cancel = context.WithCancel(ctx)
	}
	q.mu.Lock()
	q.cancels[env.handle] = cancel
	q.mu.Unlock()

	started := time.Now()
	err := safeRun(tctx, h, t)
	timedOut := errors.Is(tctx.Err(), context.DeadlineExceeded)

	cancel()
	q.mu.Lock()
	delete(q.cancels, env.handle)
	q.mu.Unlock()
	q.running.RUnlock()

	switch {
	case q.isRevoked(env.handle):
		log.Info("task revoked", "elapsed", time.Since(started).String())
	case ctx.Err() != nil:
		// Shutting down; nothing to settle.
	case timedOut:
		q.giveUp(ctx, t, apperr.Wrap(apperr.ErrTimeout, "", "task", fmt.Sprintf("timeout: task exceeded %s", q.limits.TaskTimeout), err))
	case err == nil:
		log.Debug("task done", "elapsed", time.Since(started).String())
	case apperr.Retryable(err) && q.policy.ShouldRetry(t.Attempt):
		delay := q.policy.Delay(t.Attempt, q.rnd())
		log.Warn("task failed; retrying", "error", err, "delay", delay.String())
		observability.Current().IncRetry(string(t.Kind))
		next := env
		next.task.Attempt++
		q.retryLater(ctx, next, delay)
	default:
		log.Warn("task failed; giving up", "error", err)
		q.giveUp(ctx, t, err)
	}
	q.finished()
}

func (q *Queue) retryLater(ctx context.Context, env envelope, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil || q.isRevoked(env.handle) {
			return
		}
		select {
		case q.tasks <- env:
		default:
			q.giveUp(ctx, env.task, ErrQueueFull)
		}
	})
}

func (q *Queue) giveUp(ctx context.Context, t jobrt.Task, err error) {
	if q.opts.GiveUp == nil {
		return
	}
	q.opts.GiveUp(context.WithoutCancel(ctx), t, err)
}

func (q *Queue) finished() {
	if q.limits.RecycleAfter <= 0 || q.opts.Recycle == nil {
		return
	}
	q.mu.Lock()
	q.completed++
	due := q.completed%q.limits.RecycleAfter == 0
	n := q.completed
	q.mu.Unlock()
	if !due {
		return
	}
	q.running.Lock()
	defer q.running.Unlock()
	if err := q.opts.Recycle(); err != nil {
		q.log.Error("recycle failed", "completed", n, "error", err)
		return
	}
	q.log.Info("executors recycled", "completed", n)
}

func safeRun(ctx context.Context, h jobrt.Handler, t jobrt.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &jobrt.PanicError{Val: r}
		}
	}()
	return h.Run(ctx, t)
}

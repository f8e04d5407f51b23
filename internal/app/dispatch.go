package app

import (
	"context"
	"fmt"

	temporalsdkclient "go.temporal.io/sdk/client"

	jobrt "github.com/yungbote/scenecast-backend/internal/jobs/runtime"
	"github.com/yungbote/scenecast-backend/internal/jobs/worker"
	"github.com/yungbote/scenecast-backend/internal/platform/envutil"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
	"github.com/yungbote/scenecast-backend/internal/temporalx"
	"github.com/yungbote/scenecast-backend/internal/temporalx/generation"
	"github.com/yungbote/scenecast-backend/internal/temporalx/temporalworker"
)

// Queue is the task transport. With TEMPORAL_ADDRESS set jobs run as
// workflows on whichever process runs `worker`; otherwise the in-process
// queue runs them inside `serve`.
type Queue struct {
	Dispatcher jobrt.Dispatcher
	Policy     jobrt.RetryPolicy
	Limits     jobrt.TaskLimits

	temporalCfg    temporalx.Config
	temporalClient temporalsdkclient.Client
	local          *worker.Queue
}

func (q *Queue) Temporal() bool { return q.temporalClient != nil }

func wireQueue(log *logger.Logger, p *Pipeline) (*Queue, error) {
	q := &Queue{
		Policy:      jobrt.RetryPolicyFromEnv(),
		Limits:      jobrt.TaskLimitsFromEnv(),
		temporalCfg: temporalx.LoadConfig(),
	}

	if q.temporalCfg.Enabled() {
		tc, err := temporalx.NewClient(q.temporalCfg, log)
		if err != nil {
			return nil, fmt.Errorf("init temporal client: %w", err)
		}
		q.temporalClient = tc
		q.Dispatcher = generation.NewDispatcher(tc, q.temporalCfg.TaskQueue, q.Policy, q.Limits, log)
		log.Info("task queue: temporal", "address", q.temporalCfg.Address, "task_queue", q.temporalCfg.TaskQueue)
		return q, nil
	}

	registry := jobrt.NewRegistry()
	run := func(ctx context.Context, t jobrt.Task) error {
		_, err := p.Orchestrator.RunJob(ctx, t.JobID, p.Runner)
		return err
	}
	for _, kind := range []jobrt.TaskKind{jobrt.TaskJob, jobrt.TaskScene} {
		if err := registry.Register(jobrt.HandlerFunc{K: kind, Fn: run}); err != nil {
			return nil, err
		}
	}
	q.local = worker.NewQueue(log, registry, q.Policy, q.Limits, worker.Options{
		Buffer:  envutil.Int("LOCAL_QUEUE_BUFFER", 256),
		Recycle: p.Stages.Rebuild,
		GiveUp: func(ctx context.Context, t jobrt.Task, err error) {
			if ferr := p.Orchestrator.Fail(ctx, t.JobID, err); ferr != nil {
				log.Error("settle abandoned task failed", "task", t.String(), "error", ferr)
			}
		},
	})
	q.Dispatcher = q.local
	log.Info("task queue: in-process", "concurrency", q.Limits.Concurrency)
	return q, nil
}

// startConsumers begins executing tasks. For Temporal it blocks until the
// worker is polling.
func (q *Queue) startConsumers(ctx context.Context, log *logger.Logger, p *Pipeline) error {
	if q.local != nil {
		q.local.Start(ctx)
		return nil
	}
	acts := &generation.Activities{
		Log:          log,
		Orchestrator: p.Orchestrator,
		Scenes:       p.Runner,
	}
	runner, err := temporalworker.NewRunner(log, q.temporalClient, q.temporalCfg, acts, q.Limits, p.Stages.Rebuild)
	if err != nil {
		return err
	}
	return runner.Start(ctx)
}

func (q *Queue) close() {
	if q.local != nil {
		q.local.Wait()
	}
	if q.temporalClient != nil {
		q.temporalClient.Close()
	}
}

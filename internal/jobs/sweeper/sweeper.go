package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	jobrepo "github.com/yungbote/scenecast-backend/internal/data/repos/jobs"
	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
	"github.com/yungbote/scenecast-backend/internal/platform/envutil"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

const batchSize = 50

// Failer settles a job as FAILED. *orchestrator.Orchestrator implements it.
type Failer interface {
	Fail(ctx context.Context, jobID uuid.UUID, cause error) error
}

// Canceler revokes a queued task. Optional.
type Canceler interface {
	Cancel(ctx context.Context, handle string) error
}

type Config struct {
	Schedule string
	// Stale is how long a PROCESSING job may go without a heartbeat.
	Stale time.Duration
}

func ConfigFromEnv(taskTimeout time.Duration) Config {
	return Config{
		Schedule: envutil.String("SWEEPER_SCHEDULE", "@every 1m"),
		Stale:    taskTimeout + envutil.Seconds("SWEEPER_GRACE_SECONDS", 5*time.Minute),
	}
}

// Sweeper fails PROCESSING jobs whose worker died without settling them.
type Sweeper struct {
	log    *logger.Logger
	jobs   jobrepo.GenerationJobRepo
	failer Failer
	cancel Canceler
	cfg    Config
	now    func() time.Time
	cron   *cron.Cron
}

func New(baseLog *logger.Logger, jobs jobrepo.GenerationJobRepo, failer Failer, cancel Canceler, cfg Config) *Sweeper {
	return &Sweeper{
		log:    baseLog.With("component", "StaleJobSweeper"),
		jobs:   jobs,
		failer: failer,
		cancel: cancel,
		cfg:    cfg,
		now:    time.Now,
		cron:   cron.New(),
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Warn("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("sweeper schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	s.log.Info("sweeper started", "schedule", s.cfg.Schedule, "stale_after", s.cfg.Stale)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop waits for a running sweep to return.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep fails every stale job once and returns how many it settled.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	before := s.now().Add(-s.cfg.Stale)
	stale, err := s.jobs.ListStale(dbctx.New(ctx), []jobs.Status{jobs.StatusProcessing}, before, batchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range stale {
		last := job.CreatedAt
		if job.StartedAt != nil {
			last = *job.StartedAt
		}
		if job.HeartbeatAt != nil {
			last = *job.HeartbeatAt
		}
		cause := apperr.New(apperr.ErrTimeout, fmt.Sprintf("timeout: no worker heartbeat for %s", s.now().Sub(last).Round(time.Second)))
		if err := s.failer.Fail(ctx, job.ID, cause); err != nil {
			s.log.Warn("fail stale job", "job_id", job.ID, "error", err)
			continue
		}
		if s.cancel != nil && job.TaskHandle != "" {
			if err := s.cancel.Cancel(ctx, job.TaskHandle); err != nil {
				s.log.Debug("revoke stale task", "job_id", job.ID, "handle", job.TaskHandle, "error", err)
			}
		}
		s.log.Warn("stale job failed", "job_id", job.ID, "last_heartbeat", last)
		n++
	}
	return n, nil
}

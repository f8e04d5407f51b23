package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/yungbote/scenecast-backend/internal/jobs/orchestrator"
	"github.com/yungbote/scenecast-backend/internal/jobs/pipeline"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

// Activities adapts the orchestrator to Temporal. Errors leave as
// ApplicationErrors typed by their kind; only infrastructure failures are
// marked retryable.
type Activities struct {
	Log          *logger.Logger
	Orchestrator *orchestrator.Orchestrator
	Scenes       orchestrator.SceneRunner
	// Completed is called after each scene or finish activity returns.
	Completed func()
}

func (a *Activities) Begin(ctx context.Context, jobID string) (orchestrator.Plan, error) {
	id, err := parseID(jobID)
	if err != nil {
		return orchestrator.Plan{}, err
	}
	stop := heartbeat(ctx)
	defer stop()
	plan, err := a.Orchestrator.Begin(ctx, id)
	return plan, toApplicationError(err)
}

func (a *Activities) RunScene(ctx context.Context, task pipeline.SceneTask) (SceneOutcome, error) {
	defer a.completed()
	stop := heartbeat(ctx)
	defer stop()
	res, err := a.Scenes.RunScene(ctx, task)
	if errors.Is(err, pipeline.ErrJobStopped) {
		return SceneOutcome{Result: res, Stopped: true}, nil
	}
	if err != nil {
		return SceneOutcome{}, toApplicationError(err)
	}
	return SceneOutcome{Result: res}, nil
}

func (a *Activities) SceneDone(ctx context.Context, in SceneDoneInput) (bool, error) {
	id, err := parseID(in.JobID)
	if err != nil {
		return false, err
	}
	err = a.Orchestrator.SceneDone(ctx, id, in.Done, in.Total)
	if errors.Is(err, pipeline.ErrJobStopped) {
		return true, nil
	}
	return false, toApplicationError(err)
}

func (a *Activities) Finish(ctx context.Context, jobID string) (orchestrator.Result, error) {
	defer a.completed()
	id, err := parseID(jobID)
	if err != nil {
		return orchestrator.Result{}, err
	}
	stop := heartbeat(ctx)
	defer stop()
	res, err := a.Orchestrator.Finish(ctx, id)
	return res, toApplicationError(err)
}

func (a *Activities) Fail(ctx context.Context, in FailInput) error {
	id, err := parseID(in.JobID)
	if err != nil {
		return err
	}
	cause := errors.New(in.Message)
	if strings.HasPrefix(in.Message, "timeout:") {
		cause = apperr.Wrap(apperr.ErrTimeout, "", "", "", cause)
	}
	if a.Log != nil {
		a.Log.Warn("failing job from workflow", "job_id", id, "error", in.Message)
	}
	return a.Orchestrator.Fail(ctx, id, cause)
}

func (a *Activities) completed() {
	if a.Completed != nil {
		a.Completed()
	}
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, temporal.NewNonRetryableApplicationError("invalid job_id", kindName(apperr.ErrInput), err)
	}
	return id, nil
}

func toApplicationError(err error) error {
	if err == nil {
		return nil
	}
	kind := apperr.KindOf(err)
	if apperr.Retryable(err) {
		return temporal.NewApplicationError(err.Error(), kindName(kind), err)
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), kindName(kind), err)
}

func kindName(kind error) string {
	switch kind {
	case apperr.ErrInput:
		return "input"
	case apperr.ErrCollaborator:
		return "collaborator"
	case apperr.ErrTimeout:
		return "timeout"
	default:
		return "infrastructure"
	}
}

// heartbeat records Temporal heartbeats while an activity runs. Outside an
// activity context it does nothing.
func heartbeat(ctx context.Context) func() {
	if !activity.IsActivity(ctx) {
		return func() {}
	}
	interval := 10 * time.Second
	if hb := activity.GetInfo(ctx).HeartbeatTimeout; hb > 0 && hb/3 < interval {
		interval = hb / 3
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

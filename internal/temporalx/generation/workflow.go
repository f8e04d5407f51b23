package generation

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/yungbote/scenecast-backend/internal/jobs/orchestrator"
	jobrt "github.com/yungbote/scenecast-backend/internal/jobs/runtime"
)

// JobWorkflow runs a job: plan, then each scene in order, then assembly.
// Activities run with Temporal retries disabled; the workflow applies its
// own backoff so that non-retryable failures end in FailJob right away.
func JobWorkflow(ctx workflow.Context, in Input) (orchestrator.Result, error) {
	return run(ctx, in)
}

// SceneWorkflow backs single-scene jobs and regeneration. The plan it gets
// from BeginJob holds exactly one scene.
func SceneWorkflow(ctx workflow.Context, in Input) (orchestrator.Result, error) {
	return run(ctx, in)
}

func run(ctx workflow.Context, in Input) (orchestrator.Result, error) {
	if in.JobID == "" {
		return orchestrator.Result{}, fmt.Errorf("generation: missing job_id")
	}
	log := workflow.GetLogger(ctx)
	heavy := workflow.WithActivityOptions(ctx, activityOptions(in.TaskTimeout, in.HeartbeatTimeout))
	light := workflow.WithActivityOptions(ctx, activityOptions(time.Minute, 0))

	var plan orchestrator.Plan
	err := withRetry(ctx, in.Retry, func() error {
		return workflow.ExecuteActivity(heavy, ActivityBegin, in.JobID).Get(ctx, &plan)
	})
	if err != nil {
		return fail(ctx, in, err)
	}
	if plan.Stopped {
		log.Info("job already settled", "job_id", in.JobID, "status", plan.Status)
		return orchestrator.Result{JobID: plan.JobID, Status: plan.Status}, nil
	}

	for i := range plan.Scenes {
		var out SceneOutcome
		err := withRetry(ctx, in.Retry, func() error {
			return workflow.ExecuteActivity(heavy, ActivityRunScene, plan.Task(i)).Get(ctx, &out)
		})
		if err != nil {
			return fail(ctx, in, err)
		}
		if out.Stopped {
			break
		}
		var stopped bool
		err = withRetry(ctx, in.Retry, func() error {
			return workflow.ExecuteActivity(light, ActivitySceneDone, SceneDoneInput{
				JobID: in.JobID, Done: plan.Offset + i + 1, Total: plan.Total,
			}).Get(ctx, &stopped)
		})
		if err != nil {
			return fail(ctx, in, err)
		}
		if stopped {
			break
		}
	}

	// Finish settles a job that was stopped meanwhile without assembling.
	var res orchestrator.Result
	err = withRetry(ctx, in.Retry, func() error {
		return workflow.ExecuteActivity(heavy, ActivityFinish, in.JobID).Get(ctx, &res)
	})
	if err != nil {
		return fail(ctx, in, err)
	}
	return res, nil
}

func activityOptions(timeout, heartbeat time.Duration) workflow.ActivityOptions {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    heartbeat,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
}

func withRetry(ctx workflow.Context, p jobrt.RetryPolicy, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) || !p.ShouldRetry(attempt) {
			return err
		}
		var rnd float64
		if err := workflow.SideEffect(ctx, func(workflow.Context) interface{} {
			return rand.Float64()
		}).Get(&rnd); err != nil {
			return err
		}
		delay := p.Delay(attempt, rnd)
		workflow.GetLogger(ctx).Warn("activity failed; retrying", "attempt", attempt, "delay", delay, "error", err)
		if err := workflow.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func retryable(err error) bool {
	if temporal.IsTimeoutError(err) || temporal.IsCanceledError(err) || temporal.IsTerminatedError(err) {
		return false
	}
	var app *temporal.ApplicationError
	if errors.As(err, &app) {
		return !app.NonRetryable()
	}
	return true
}

// fail marks the job FAILED from a context that survives workflow
// cancellation, then returns the original error.
func fail(ctx workflow.Context, in Input, cause error) (orchestrator.Result, error) {
	msg := failureMessage(cause)
	dctx, _ := workflow.NewDisconnectedContext(ctx)
	dctx = workflow.WithActivityOptions(dctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 5},
	})
	if err := workflow.ExecuteActivity(dctx, ActivityFail, FailInput{JobID: in.JobID, Message: msg}).Get(dctx, nil); err != nil {
		workflow.GetLogger(ctx).Error("fail activity failed", "job_id", in.JobID, "error", err)
	}
	return orchestrator.Result{}, fmt.Errorf("job %s failed: %s", in.JobID, msg)
}

func failureMessage(err error) string {
	var timeout *temporal.TimeoutError
	if errors.As(err, &timeout) {
		return fmt.Sprintf("timeout: task exceeded its %s deadline", timeoutKind(timeout))
	}
	var app *temporal.ApplicationError
	if errors.As(err, &app) {
		return app.Message()
	}
	return err.Error()
}

func timeoutKind(t *temporal.TimeoutError) string {
	switch t.TimeoutType().String() {
	case "Heartbeat":
		return "heartbeat"
	case "ScheduleToStart":
		return "schedule"
	default:
		return "execution"
	}
}

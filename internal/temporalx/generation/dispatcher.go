package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	jobrt "github.com/yungbote/scenecast-backend/internal/jobs/runtime"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

// Dispatcher starts generation workflows. Handles are "workflowID:runID".
type Dispatcher struct {
	tc        client.Client
	taskQueue string
	policy    jobrt.RetryPolicy
	limits    jobrt.TaskLimits
	log       *logger.Logger
}

var _ jobrt.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(tc client.Client, taskQueue string, policy jobrt.RetryPolicy, limits jobrt.TaskLimits, baseLog *logger.Logger) *Dispatcher {
	return &Dispatcher{
		tc:        tc,
		taskQueue: taskQueue,
		policy:    policy,
		limits:    limits,
		log:       baseLog.With("component", "TemporalDispatcher"),
	}
}

func (d *Dispatcher) DispatchJob(ctx context.Context, jobID uuid.UUID) (string, error) {
	return d.start(ctx, JobWorkflowName, jobID)
}

func (d *Dispatcher) DispatchScene(ctx context.Context, jobID, _ uuid.UUID) (string, error) {
	return d.start(ctx, SceneWorkflowName, jobID)
}

func (d *Dispatcher) start(ctx context.Context, workflowName string, jobID uuid.UUID) (string, error) {
	if d == nil || d.tc == nil {
		return "", apperr.New(apperr.ErrInfrastructure, "temporal client not configured")
	}
	opts := client.StartWorkflowOptions{
		ID:                    WorkflowID(jobID.String()),
		TaskQueue:             d.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
	run, err := d.tc.ExecuteWorkflow(ctx, opts, workflowName, Input{
		JobID:            jobID.String(),
		Retry:            d.policy,
		TaskTimeout:      d.limits.TaskTimeout,
		HeartbeatTimeout: d.limits.HeartbeatTimeout,
	})
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			// A redelivered submit for a job that already has its workflow.
			d.log.Warn("workflow already started", "job_id", jobID, "workflow_id", opts.ID, "run_id", started.RunId)
			return opts.ID + ":" + started.RunId, nil
		}
		return "", apperr.Wrap(apperr.ErrInfrastructure, "", "start_workflow", workflowName, err)
	}
	d.log.Info("workflow started", "job_id", jobID, "workflow_id", run.GetID(), "run_id", run.GetRunID())
	return run.GetID() + ":" + run.GetRunID(), nil
}

// Cancel terminates the workflow. An unknown or finished workflow is not an
// error.
func (d *Dispatcher) Cancel(ctx context.Context, handle string) error {
	if d == nil || d.tc == nil {
		return nil
	}
	wfID, runID, ok := strings.Cut(strings.TrimSpace(handle), ":")
	if !ok || wfID == "" {
		return fmt.Errorf("invalid workflow handle %q", handle)
	}
	err := d.tc.TerminateWorkflow(ctx, wfID, runID, "job cancelled")
	if err == nil {
		return nil
	}
	var nf *serviceerror.NotFound
	if errors.As(err, &nf) {
		return nil
	}
	return apperr.Wrap(apperr.ErrInfrastructure, "", "terminate_workflow", wfID, err)
}

package generation

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"

	jobrt "github.com/yungbote/scenecast-backend/internal/jobs/runtime"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

func TestDispatchJobStartsOneWorkflowPerJob(t *testing.T) {
	tc := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	jobID := uuid.New()
	run.On("GetID").Return(WorkflowID(jobID.String()))
	run.On("GetRunID").Return("run-1")
	tc.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
		return o.ID == "job-"+jobID.String() && o.TaskQueue == "q"
	}), JobWorkflowName, mock.AnythingOfType("generation.Input")).Return(run, nil).Once()

	d := NewDispatcher(tc, "q", jobrt.DefaultRetryPolicy(), jobrt.TaskLimits{}, logger.Nop())
	handle, err := d.DispatchJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, "job-"+jobID.String()+":run-1", handle)
	tc.AssertExpectations(t)
}

func TestCancelTerminatesWorkflow(t *testing.T) {
	tc := &mocks.Client{}
	tc.On("TerminateWorkflow", mock.Anything, "job-a", "run-1", "job cancelled").Return(nil).Once()
	tc.On("TerminateWorkflow", mock.Anything, "job-b", "run-2", "job cancelled").
		Return(serviceerror.NewNotFound("workflow execution already completed")).Once()

	d := NewDispatcher(tc, "q", jobrt.DefaultRetryPolicy(), jobrt.TaskLimits{}, logger.Nop())
	require.NoError(t, d.Cancel(context.Background(), "job-a:run-1"))
	require.NoError(t, d.Cancel(context.Background(), "job-b:run-2"))
	require.Error(t, d.Cancel(context.Background(), "garbage"))
	tc.AssertExpectations(t)
}

func TestDispatchJobReusesStartedWorkflow(t *testing.T) {
	tc := &mocks.Client{}
	jobID := uuid.New()
	tc.On("ExecuteWorkflow", mock.Anything, mock.Anything, JobWorkflowName, mock.Anything).
		Return(nil, serviceerror.NewWorkflowExecutionAlreadyStarted("already started", "req-1", "run-7")).Once()

	d := NewDispatcher(tc, "q", jobrt.DefaultRetryPolicy(), jobrt.TaskLimits{}, logger.Nop())
	handle, err := d.DispatchJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, "job-"+jobID.String()+":run-7", handle)
}

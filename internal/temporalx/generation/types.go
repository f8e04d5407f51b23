package generation

import (
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/yungbote/scenecast-backend/internal/jobs/pipeline"
	jobrt "github.com/yungbote/scenecast-backend/internal/jobs/runtime"
)

const (
	JobWorkflowName   = "generation_job"
	SceneWorkflowName = "generation_scene"

	ActivityBegin     = "generation_begin"
	ActivityRunScene  = "generation_run_scene"
	ActivitySceneDone = "generation_scene_done"
	ActivityFinish    = "generation_finish"
	ActivityFail      = "generation_fail"
)

// WorkflowID is the id of a job's workflow. One workflow per job.
func WorkflowID(jobID string) string { return "job-" + jobID }

// Input starts a generation workflow.
type Input struct {
	JobID            string            `json:"job_id"`
	Retry            jobrt.RetryPolicy `json:"retry"`
	TaskTimeout      time.Duration     `json:"task_timeout"`
	HeartbeatTimeout time.Duration     `json:"heartbeat_timeout"`
}

type SceneOutcome struct {
	Result pipeline.SceneResult `json:"result"`
	// Stopped is set when the job left PROCESSING while the scene ran.
	Stopped bool `json:"stopped"`
}

type SceneDoneInput struct {
	JobID string `json:"job_id"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

type FailInput struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// Register puts the generation workflows and activities on a worker.
func Register(r worker.Registry, acts *Activities) {
	r.RegisterWorkflowWithOptions(JobWorkflow, workflow.RegisterOptions{Name: JobWorkflowName})
	r.RegisterWorkflowWithOptions(SceneWorkflow, workflow.RegisterOptions{Name: SceneWorkflowName})
	r.RegisterActivityWithOptions(acts.Begin, activity.RegisterOptions{Name: ActivityBegin})
	r.RegisterActivityWithOptions(acts.RunScene, activity.RegisterOptions{Name: ActivityRunScene})
	r.RegisterActivityWithOptions(acts.SceneDone, activity.RegisterOptions{Name: ActivitySceneDone})
	r.RegisterActivityWithOptions(acts.Finish, activity.RegisterOptions{Name: ActivityFinish})
	r.RegisterActivityWithOptions(acts.Fail, activity.RegisterOptions{Name: ActivityFail})
}

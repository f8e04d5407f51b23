package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	jobrepo "github.com/yungbote/scenecast-backend/internal/data/repos/jobs"
	mediarepo "github.com/yungbote/scenecast-backend/internal/data/repos/media"
	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	"github.com/yungbote/scenecast-backend/internal/domain/media"
	"github.com/yungbote/scenecast-backend/internal/jobs/pipeline"
	jobrt "github.com/yungbote/scenecast-backend/internal/jobs/runtime"
	"github.com/yungbote/scenecast-backend/internal/jobs/stages"
	"github.com/yungbote/scenecast-backend/internal/jobs/statemachine"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

const (
	progressScenesStart = 10.0
	progressScenesSpan  = 70.0
	progressAssembling  = 80.0

	stageInitializing = "Initializing"
	stageGenerating   = "Generating scenes"
	stageAssembling   = "Assembling video"
	stageCompleted    = "Completed"
)

// ErrNoUsableScenes fails a job whose scenes all failed.
var ErrNoUsableScenes = errors.New("no scenes produced usable output")

// Collaborators are the job-level stages. *stages.Registry and *stages.Holder
// satisfy it.
type Collaborators interface {
	Parser() (stages.ScriptParser, error)
	Prompts() (stages.PromptGenerator, error)
	Assembler() (stages.Assembler, error)
}

// ArtifactStore uploads a local file and returns its durable URI.
type ArtifactStore interface {
	Put(ctx context.Context, key, localPath string) (string, error)
}

type SceneRunner interface {
	RunScene(ctx context.Context, task pipeline.SceneTask) (pipeline.SceneResult, error)
}

type Repos struct {
	Jobs      jobrepo.GenerationJobRepo
	Projects  mediarepo.ProjectRepo
	Scenes    mediarepo.SceneRepo
	Artifacts mediarepo.ArtifactRepo
	Outputs   mediarepo.OutputRepo
}

// Plan is what Begin decided. Scenes run in order; Offset scenes in scope
// were already terminal and count toward progress.
type Plan struct {
	JobID    uuid.UUID     `json:"job_id"`
	Kind     jobs.Kind     `json:"kind"`
	Settings jobs.Settings `json:"settings"`
	Scenes   []uuid.UUID   `json:"scenes"`
	Skipped  []uuid.UUID   `json:"skipped,omitempty"`
	Offset   int           `json:"offset"`
	Total    int           `json:"total"`
	// Stopped is set when the job was already terminal (or failed during
	// planning); Status then holds its status.
	Stopped bool        `json:"stopped"`
	Status  jobs.Status `json:"status,omitempty"`
}

// Task builds the runner input for the i-th planned scene.
func (p Plan) Task(i int) pipeline.SceneTask {
	return pipeline.SceneTask{
		JobID:    p.JobID,
		SceneID:  p.Scenes[i],
		Kind:     p.Kind,
		Settings: p.Settings,
		Index:    p.Offset + i + 1,
		Total:    p.Total,
	}
}

type Result struct {
	JobID     uuid.UUID              `json:"job_id"`
	Status    jobs.Status            `json:"status"`
	Error     string                 `json:"error,omitempty"`
	OutputURI string                 `json:"output_uri,omitempty"`
	Clips     int                    `json:"clips"`
	Scenes    []pipeline.SceneResult `json:"scenes,omitempty"`
}

type Orchestrator struct {
	db      *gorm.DB
	machine *statemachine.Machine
	repos   Repos
	runner  *pipeline.Runner
	collab  Collaborators
	store   ArtifactStore
	log     *logger.Logger
}

func New(db *gorm.DB, machine *statemachine.Machine, repos Repos, runner *pipeline.Runner, collab Collaborators, store ArtifactStore, baseLog *logger.Logger) *Orchestrator {
	return &Orchestrator{
		db:      db,
		machine: machine,
		repos:   repos,
		runner:  runner,
		collab:  collab,
		store:   store,
		log:     baseLog.With("component", "JobOrchestrator"),
	}
}

// Runner exposes the scene runner for task handlers.
func (o *Orchestrator) Runner() *pipeline.Runner { return o.runner }

// RunJob drives a whole job in-process. Scenes run one at a time. Retryable
// errors are returned for the queue to retry; everything else ends in a
// terminal job state.
func (o *Orchestrator) RunJob(ctx context.Context, jobID uuid.UUID, scenes SceneRunner) (res Result, err error) {
	ctx, span := otel.Tracer("scenecast/orchestrator").Start(ctx, "job.run")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", jobID.String()))

	defer func() {
		if r := recover(); r != nil {
			perr := &jobrt.PanicError{Val: r}
			o.log.Error("job panic", "job_id", jobID, "panic", r)
			if ferr := o.Fail(context.WithoutCancel(ctx), jobID, perr); ferr != nil {
				o.log.Error("fail after panic", "job_id", jobID, "error", ferr)
			}
			res, err = Result{JobID: jobID, Status: jobs.StatusFailed, Error: perr.Error()}, nil
		}
	}()

	res, err = o.runJob(ctx, jobID, scenes)
	if err == nil || apperr.Retryable(err) {
		return res, err
	}
	if ferr := o.Fail(context.WithoutCancel(ctx), jobID, err); ferr != nil {
		return res, ferr
	}
	return o.settled(context.WithoutCancel(ctx), jobID)
}

func (o *Orchestrator) runJob(ctx context.Context, jobID uuid.UUID, scenes SceneRunner) (Result, error) {
	plan, err := o.Begin(ctx, jobID)
	if err != nil {
		return Result{JobID: jobID}, err
	}
	if plan.Stopped {
		return o.settled(ctx, jobID)
	}

	var results []pipeline.SceneResult
	for i := range plan.Scenes {
		stopped, err := o.Stopped(ctx, jobID)
		if err != nil {
			return Result{JobID: jobID}, err
		}
		if stopped {
			o.log.Info("job stopped between scenes", "job_id", jobID, "remaining", len(plan.Scenes)-i)
			return o.settled(ctx, jobID)
		}
		sr, err := scenes.RunScene(ctx, plan.Task(i))
		if errors.Is(err, pipeline.ErrJobStopped) {
			return o.settled(ctx, jobID)
		}
		if err != nil {
			return Result{JobID: jobID}, err
		}
		results = append(results, sr)
		if err := o.SceneDone(ctx, jobID, plan.Offset+i+1, plan.Total); err != nil {
			if errors.Is(err, pipeline.ErrJobStopped) {
				return o.settled(ctx, jobID)
			}
			return Result{JobID: jobID}, err
		}
	}

	res, err := o.Finish(ctx, jobID)
	res.Scenes = results
	return res, err
}

// Stopped reports whether the job already reached a terminal status.
func (o *Orchestrator) Stopped(ctx context.Context, jobID uuid.UUID) (bool, error) {
	job, err := o.repos.Jobs.GetByID(dbctx.New(ctx), jobID)
	if err != nil {
		return false, err
	}
	return job.Status.Terminal(), nil
}

func (o *Orchestrator) settled(ctx context.Context, jobID uuid.UUID) (Result, error) {
	job, err := o.repos.Jobs.GetByID(dbctx.New(ctx), jobID)
	if err != nil {
		return Result{JobID: jobID}, err
	}
	return Result{JobID: jobID, Status: job.Status, Error: job.ErrorMessage()}, nil
}

// Begin moves the job to PROCESSING, makes sure scenes exist and have
// prompts, and returns the scenes left to run.
func (o *Orchestrator) Begin(ctx context.Context, jobID uuid.UUID) (Plan, error) {
	dbc := dbctx.New(ctx)
	job, err := o.repos.Jobs.GetByID(dbc, jobID)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{JobID: jobID, Kind: job.Kind}
	if job.Status.Terminal() {
		plan.Stopped, plan.Status = true, job.Status
		return plan, nil
	}
	// Every delivery of a job task starts here, in either queue backend.
	if err := o.repos.Jobs.IncrementAttempts(dbc, jobID); err != nil {
		return Plan{}, apperr.Wrap(apperr.ErrInfrastructure, "", "begin", "count attempt", err)
	}

	if _, err := o.machine.TransitionJob(ctx, jobID, jobs.StatusProcessing, statemachine.Update{Stage: statemachine.String(stageInitializing)}); err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			// Cancelled between the read and the transition.
			plan.Stopped, plan.Status = true, jobs.StatusCancelled
			return plan, nil
		}
		return Plan{}, err
	}

	project, err := o.repos.Projects.GetByID(dbc, job.ProjectID)
	if err != nil {
		return Plan{}, err
	}
	settings, err := resolveSettings(job, project)
	if err != nil {
		return o.stopWith(ctx, plan, err)
	}
	plan.Settings = settings

	if job.Kind == jobs.KindFullVideo {
		if err := o.repos.Projects.SetStatus(dbc, project.ID, media.ProjectProcessing); err != nil {
			return Plan{}, err
		}
	}

	scope, err := o.scope(ctx, job, project)
	if err != nil {
		if apperr.Retryable(err) {
			return Plan{}, err
		}
		return o.stopWith(ctx, plan, err)
	}

	o.fillPrompts(ctx, scope)

	plan.Total = len(scope)
	for _, sc := range scope {
		switch {
		case sc.Status.Terminal():
			plan.Offset++
		case sc.NeedsPrompts():
			plan.Skipped = append(plan.Skipped, sc.ID)
		default:
			plan.Scenes = append(plan.Scenes, sc.ID)
		}
	}

	if job.Progress < progressScenesStart {
		if _, err := o.machine.TransitionJob(ctx, jobID, jobs.StatusProcessing, statemachine.Update{
			Progress: statemachine.Float(progressScenesStart),
			Stage:    statemachine.String(stageGenerating),
		}); err != nil {
			if errors.Is(err, apperr.ErrInvalidTransition) {
				plan.Stopped, plan.Status = true, jobs.StatusCancelled
				return plan, nil
			}
			return Plan{}, err
		}
	}
	o.log.Info("job planned", "job_id", jobID, "kind", job.Kind, "scenes", len(plan.Scenes), "skipped", len(plan.Skipped), "done", plan.Offset)
	return plan, nil
}

// resolveSettings gives the options a job runs with: its own settings over
// the project's, then defaults.
func resolveSettings(job *jobs.GenerationJob, project *media.Project) (jobs.Settings, error) {
	s, err := jobs.ResolveSettings(job.Settings, project.Settings)
	if err != nil {
		return jobs.Settings{}, apperr.Wrap(apperr.ErrInput, "", "settings", "decode settings", err)
	}
	return s, nil
}

func (o *Orchestrator) stopWith(ctx context.Context, plan Plan, cause error) (Plan, error) {
	if err := o.Fail(ctx, plan.JobID, cause); err != nil {
		return Plan{}, err
	}
	plan.Stopped, plan.Status = true, jobs.StatusFailed
	return plan, nil
}

// scope returns the scenes a job covers, decomposing the script first when a
// full job finds none.
func (o *Orchestrator) scope(ctx context.Context, job *jobs.GenerationJob, project *media.Project) ([]*media.Scene, error) {
	dbc := dbctx.New(ctx)
	if job.SceneID != nil {
		sc, err := o.repos.Scenes.GetByID(dbc, *job.SceneID)
		if err != nil {
			return nil, err
		}
		return []*media.Scene{sc}, nil
	}
	scenes, err := o.repos.Scenes.ListByProject(dbc, project.ID)
	if err != nil || len(scenes) > 0 {
		return scenes, err
	}
	return o.decompose(ctx, project)
}

func (o *Orchestrator) decompose(ctx context.Context, project *media.Project) ([]*media.Scene, error) {
	parser, err := o.collab.Parser()
	if err != nil {
		return nil, err
	}
	drafts, err := parser.DecomposeScript(ctx, project.ID, project.Script)
	if err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, apperr.Wrap(apperr.ErrCollaborator, string(stages.StageScriptParse), "decompose", "script produced no scenes", nil)
	}
	scenes := make([]*media.Scene, 0, len(drafts))
	for i, d := range drafts {
		seq := d.SequenceNumber
		if seq <= 0 {
			seq = i + 1
		}
		scenes = append(scenes, &media.Scene{
			ProjectID:      project.ID,
			SequenceNumber: seq,
			Description:    d.Description,
			Dialogue:       d.Dialogue,
			Duration:       d.Duration,
			ImagePrompt:    d.ImagePrompt,
			MotionPrompt:   d.MotionPrompt,
		})
	}
	if err := o.repos.Scenes.CreateBatch(dbctx.New(ctx), scenes); err != nil {
		return nil, err
	}
	o.log.Info("script decomposed", "project_id", project.ID, "scenes", len(scenes))
	return o.repos.Scenes.ListByProject(dbctx.New(ctx), project.ID)
}

// fillPrompts generates prompts for runnable scenes that lack them. A failure
// leaves the scene without prompts, so Begin skips it.
func (o *Orchestrator) fillPrompts(ctx context.Context, scope []*media.Scene) {
	var gen stages.PromptGenerator
	for _, sc := range scope {
		if sc.Status.Terminal() || !sc.NeedsPrompts() {
			continue
		}
		if gen == nil {
			g, err := o.collab.Prompts()
			if err != nil {
				o.log.Warn("prompt generation unavailable", "error", err)
				return
			}
			gen = g
		}
		p, err := gen.GeneratePrompts(ctx, sc)
		if err == nil && p.ImagePrompt == "" {
			err = fmt.Errorf("empty image prompt")
		}
		if err != nil {
			o.log.Warn("prompt generation failed; skipping scene", "scene_id", sc.ID, "sequence", sc.SequenceNumber, "error", err)
			continue
		}
		updates := map[string]interface{}{"image_prompt": p.ImagePrompt}
		sc.ImagePrompt = p.ImagePrompt
		if sc.MotionPrompt == "" && p.MotionPrompt != "" {
			updates["motion_prompt"] = p.MotionPrompt
			sc.MotionPrompt = p.MotionPrompt
		}
		if err := o.repos.Scenes.UpdateFields(dbctx.New(ctx), sc.ID, updates); err != nil {
			o.log.Warn("persist prompts failed; skipping scene", "scene_id", sc.ID, "error", err)
			sc.ImagePrompt = ""
		}
	}
}

// SceneDone records that done of total scenes are finished.
func (o *Orchestrator) SceneDone(ctx context.Context, jobID uuid.UUID, done, total int) error {
	if total <= 0 {
		return nil
	}
	job, err := o.repos.Jobs.GetByID(dbctx.New(ctx), jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return pipeline.ErrJobStopped
	}
	p := progressScenesStart + progressScenesSpan*float64(done)/float64(total)
	if p < job.Progress {
		p = job.Progress
	}
	_, err = o.machine.TransitionJob(ctx, jobID, jobs.StatusProcessing, statemachine.Update{
		Progress: statemachine.Float(p),
		Stage:    statemachine.String(fmt.Sprintf("Generated scene %d/%d", done, total)),
	})
	if errors.Is(err, apperr.ErrInvalidTransition) {
		return pipeline.ErrJobStopped
	}
	return err
}

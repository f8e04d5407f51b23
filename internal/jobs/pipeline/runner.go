package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	mediarepo "github.com/yungbote/scenecast-backend/internal/data/repos/media"
	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	"github.com/yungbote/scenecast-backend/internal/domain/media"
	"github.com/yungbote/scenecast-backend/internal/jobs/stages"
	"github.com/yungbote/scenecast-backend/internal/jobs/statemachine"
	"github.com/yungbote/scenecast-backend/internal/observability"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
	"github.com/yungbote/scenecast-backend/internal/platform/envutil"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

// ErrJobStopped is returned when the owning job left PROCESSING (usually a
// cancel) while a scene was running.
var ErrJobStopped = errors.New("job is no longer processing")

// StageSet resolves executors. *stages.Registry and *stages.Holder satisfy it.
type StageSet interface {
	Executor(s stages.Stage) (stages.Executor, error)
}

type SceneTask struct {
	JobID    uuid.UUID
	SceneID  uuid.UUID
	Kind     jobs.Kind
	Settings jobs.Settings
	// Index and Total label progress ("Scene 2/5: animate"); both are 1-based.
	Index int
	Total int
}

type SceneResult struct {
	SceneID     uuid.UUID         `json:"scene_id"`
	Sequence    int               `json:"sequence"`
	Status      media.SceneStatus `json:"status"`
	FailedStage stages.Stage      `json:"failed_stage,omitempty"`
	Error       string            `json:"error,omitempty"`
	Artifacts   []uuid.UUID       `json:"artifacts,omitempty"`
}

func (r SceneResult) Completed() bool { return r.Status == media.SceneCompleted }

type Runner struct {
	db        *gorm.DB
	machine   *statemachine.Machine
	scenes    mediarepo.SceneRepo
	artifacts mediarepo.ArtifactRepo
	stages    StageSet
	log       *logger.Logger

	heartbeat time.Duration
}

func NewRunner(db *gorm.DB, machine *statemachine.Machine, scenes mediarepo.SceneRepo, artifacts mediarepo.ArtifactRepo, set StageSet, baseLog *logger.Logger) *Runner {
	return &Runner{
		db:        db,
		machine:   machine,
		scenes:    scenes,
		artifacts: artifacts,
		stages:    set,
		log:       baseLog.With("component", "SceneRunner"),
		heartbeat: envutil.Seconds("SCENE_HEARTBEAT_SECONDS", 10*time.Second),
	}
}

// Plan returns the stage order for a scene: image, animate, then voice and
// lip-sync only when the scene has dialogue.
func Plan(scene *media.Scene) []stages.Stage {
	plan := []stages.Stage{stages.StageImage, stages.StageAnimate}
	if scene.HasDialogue() {
		plan = append(plan, stages.StageVoice, stages.StageLipSync)
	}
	return plan
}

// RunScene drives one scene through its stages. A stage failure fails the
// scene and is reported in the result, not as an error; errors are reserved
// for persistence problems (worth retrying) and ErrJobStopped.
func (r *Runner) RunScene(ctx context.Context, task SceneTask) (SceneResult, error) {
	ctx, span := otel.Tracer("scenecast/pipeline").Start(ctx, "scene.run")
	defer span.End()
	span.SetAttributes(attribute.String("scene_id", task.SceneID.String()), attribute.String("job_id", task.JobID.String()))

	scene, err := r.scenes.GetByID(dbctx.New(ctx), task.SceneID)
	if err != nil {
		return SceneResult{}, err
	}
	res := SceneResult{SceneID: scene.ID, Sequence: scene.SequenceNumber, Status: scene.Status}
	if scene.Status.Terminal() {
		// Redelivered after the scene already finished.
		res.Error = scene.Error
		res.FailedStage = stages.Stage(scene.FailedStage)
		return res, nil
	}

	plan, prior, err := r.planFor(ctx, scene, task.Kind)
	if err != nil {
		return SceneResult{}, err
	}

	if _, err := r.machine.TransitionScene(ctx, scene.ID, media.SceneGenerating, statemachine.SceneUpdate{}, task.JobID); err != nil {
		return SceneResult{}, err
	}
	log := r.log.With("scene_id", scene.ID, "job_id", task.JobID, "sequence", scene.SequenceNumber)
	settings := task.Settings.WithDefaults()

	for _, stage := range plan {
		if err := r.label(ctx, task, stage); err != nil {
			if errors.Is(err, apperr.ErrInvalidTransition) {
				return r.fail(ctx, task, res, stage, errors.New("job cancelled"), ErrJobStopped)
			}
			return r.interrupted(ctx, task, res, stage, err)
		}

		ex, err := r.stages.Executor(stage)
		if err != nil {
			return r.fail(ctx, task, res, stage, err, nil)
		}

		in := buildInput(scene, settings, prior)
		stop := r.startHeartbeat(ctx, task.JobID)
		started := time.Now()
		out, err := ex.Execute(ctx, in)
		stop()
		observability.Current().ObserveStage(string(stage), stageStatus(err), time.Since(started))
		if err != nil {
			log.Warn("stage failed", "stage", stage, "error", err, "elapsed", time.Since(started).String())
			return r.fail(ctx, task, res, stage, err, nil)
		}

		art, err := r.persist(ctx, scene, stage, out)
		if err != nil {
			return r.interrupted(ctx, task, res, stage, err)
		}
		res.Artifacts = append(res.Artifacts, art.ID)
		prior.set(stage, art.URI)
		log.Debug("stage done", "stage", stage, "artifact_id", art.ID, "elapsed", time.Since(started).String())
	}

	done, err := r.machine.TransitionScene(ctx, scene.ID, media.SceneCompleted, statemachine.SceneUpdate{}, task.JobID)
	if err != nil {
		var last stages.Stage
		if n := len(plan); n > 0 {
			last = plan[n-1]
		}
		return r.interrupted(ctx, task, res, last, err)
	}
	res.Status = done.Status
	observability.Current().IncScene(string(done.Status))
	log.Info("scene completed", "artifacts", len(res.Artifacts))
	return res, nil
}

func (r *Runner) label(ctx context.Context, task SceneTask, stage stages.Stage) error {
	if task.JobID == uuid.Nil {
		return nil
	}
	text := fmt.Sprintf("Scene %d/%d: %s", task.Index, task.Total, stage)
	if task.Total <= 0 {
		text = "Scene: " + string(stage)
	}
	return r.machine.SetStage(ctx, task.JobID, text)
}

// fail records the stage failure on the scene. retErr is what RunScene returns
// alongside the failed result.
func (r *Runner) fail(ctx context.Context, task SceneTask, res SceneResult, stage stages.Stage, cause error, retErr error) (SceneResult, error) {
	msg := cause.Error()
	if stage != "" && !strings.HasPrefix(msg, string(stage)+":") {
		msg = string(stage) + ": " + msg
	}
	// The scene must reach a terminal state even if ctx is already done.
	fctx := context.WithoutCancel(ctx)
	if _, err := r.machine.TransitionScene(fctx, res.SceneID, media.SceneFailed,
		statemachine.SceneUpdate{Error: msg, Stage: string(stage)}, task.JobID); err != nil {
		return SceneResult{}, err
	}
	res.Status = media.SceneFailed
	res.FailedStage = stage
	res.Error = msg
	observability.Current().IncScene(string(media.SceneFailed))
	return res, retErr
}

// interrupted handles an error raised while the scene is GENERATING. When the
// run context ended because the job itself ended, the scene is failed so it
// can be regenerated. Otherwise err goes back to the queue and a redelivery
// re-enters GENERATING.
func (r *Runner) interrupted(ctx context.Context, task SceneTask, res SceneResult, stage stages.Stage, err error) (SceneResult, error) {
	if ctx.Err() == nil || task.JobID == uuid.Nil {
		return SceneResult{}, err
	}
	snap, serr := r.machine.Snapshot(context.WithoutCancel(ctx), task.JobID)
	if serr != nil || !jobs.Status(snap.Status).Terminal() {
		return SceneResult{}, err
	}
	return r.fail(ctx, task, res, stage, errors.New("job cancelled"), ErrJobStopped)
}

func (r *Runner) persist(ctx context.Context, scene *media.Scene, stage stages.Stage, out stages.Output) (*media.Artifact, error) {
	kind := out.Kind
	if kind == "" {
		kind = stages.KindFor(stage)
	}
	art := &media.Artifact{
		ProjectID:    scene.ProjectID,
		Kind:         kind,
		Stage:        string(stage),
		URI:          out.URI,
		ThumbnailURI: out.ThumbnailURI,
	}
	if meta, err := EncodeMeta(out.Metadata); err != nil {
		r.log.Warn("dropping artifact metadata", "scene_id", scene.ID, "stage", stage, "error", err)
	} else {
		art.Metadata = meta
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		if err := r.artifacts.Create(dbc, art); err != nil {
			return err
		}
		_, err := r.artifacts.Link(dbc, scene.ID, art.ID, stages.RoleFor(stage))
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInfrastructure, string(stage), "persist_artifact", "", err)
	}
	return art, nil
}

func (r *Runner) startHeartbeat(ctx context.Context, jobID uuid.UUID) func() {
	if jobID == uuid.Nil || r.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(r.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				if err := r.machine.Heartbeat(ctx, jobID); err != nil {
					r.log.Debug("heartbeat failed", "job_id", jobID, "error", err)
				}
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

// priorURIs carries earlier stage outputs into later stage inputs.
type priorURIs struct {
	image string
	video string
	audio string
}

func (p *priorURIs) set(stage stages.Stage, uri string) {
	switch stage {
	case stages.StageImage:
		p.image = uri
	case stages.StageAnimate, stages.StageLipSync:
		p.video = uri
	case stages.StageVoice:
		p.audio = uri
	}
}

func buildInput(scene *media.Scene, s jobs.Settings, prior *priorURIs) stages.Input {
	motion := strings.TrimSpace(scene.MotionPrompt)
	if motion == "" {
		motion = stages.DefaultMotionPrompt
	}
	prompt := strings.TrimSpace(scene.ImagePrompt)
	if prompt == "" {
		prompt = scene.Description
	}
	return stages.Input{
		ProjectID:    scene.ProjectID,
		SceneID:      scene.ID,
		Prompt:       prompt,
		MotionPrompt: motion,
		Text:         scene.Dialogue,
		Duration:     scene.Duration,
		FPS:          s.FPS,
		Width:        s.Width,
		Height:       s.Height,
		Seed:         s.Seed,
		Voice:        s.Voice,
		Language:     s.Language,
		ImageURI:     prior.image,
		VideoURI:     prior.video,
		AudioURI:     prior.audio,
	}
}

// EncodeMeta marshals artifact metadata. An empty map encodes to nil.
func EncodeMeta(m map[string]interface{}) (datatypes.JSON, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode artifact metadata: %w", err)
	}
	return datatypes.JSON(b), nil
}

func stageStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case apperr.KindOf(err) == apperr.ErrTimeout:
		return "timeout"
	default:
		return "error"
	}
}

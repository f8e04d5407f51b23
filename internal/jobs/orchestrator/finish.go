package orchestrator

import (
	"context"
	"errors"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	"github.com/yungbote/scenecast-backend/internal/domain/media"
	"github.com/yungbote/scenecast-backend/internal/jobs/pipeline"
	"github.com/yungbote/scenecast-backend/internal/jobs/stages"
	"github.com/yungbote/scenecast-backend/internal/jobs/statemachine"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
)

// Finish assembles a full job's completed scenes, or settles a single-scene
// job from its scene's outcome.
func (o *Orchestrator) Finish(ctx context.Context, jobID uuid.UUID) (Result, error) {
	dbc := dbctx.New(ctx)
	job, err := o.repos.Jobs.GetByID(dbc, jobID)
	if err != nil {
		return Result{JobID: jobID}, err
	}
	if job.Status.Terminal() {
		return Result{JobID: jobID, Status: job.Status, Error: job.ErrorMessage()}, nil
	}
	if job.SceneID != nil {
		return o.finishScene(ctx, job)
	}

	project, err := o.repos.Projects.GetByID(dbc, job.ProjectID)
	if err != nil {
		return Result{JobID: jobID}, err
	}
	settings, err := resolveSettings(job, project)
	if err != nil {
		return Result{JobID: jobID}, err
	}

	scenes, err := o.repos.Scenes.ListByProject(dbc, project.ID)
	if err != nil {
		return Result{JobID: jobID}, err
	}
	var clips, audio []string
	for _, sc := range scenes {
		if sc.Status != media.SceneCompleted {
			continue
		}
		sm, err := o.runner.Collect(ctx, sc)
		if err != nil {
			return Result{JobID: jobID}, err
		}
		if sm.Clip == nil {
			o.log.Warn("completed scene has no clip", "scene_id", sc.ID, "sequence", sc.SequenceNumber)
			continue
		}
		clips = append(clips, sm.Clip.URI)
		for _, a := range sm.Audio {
			audio = append(audio, a.URI)
		}
	}
	if len(clips) == 0 {
		if err := o.Fail(ctx, jobID, ErrNoUsableScenes); err != nil {
			return Result{JobID: jobID}, err
		}
		return Result{JobID: jobID, Status: jobs.StatusFailed, Error: ErrNoUsableScenes.Error()}, nil
	}

	if _, err := o.machine.TransitionJob(ctx, jobID, jobs.StatusProcessing, statemachine.Update{
		Progress: statemachine.Float(progressAssembling),
		Stage:    statemachine.String(stageAssembling),
	}); err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			return o.settled(ctx, jobID)
		}
		return Result{JobID: jobID}, err
	}

	cfg := stages.OutputConfig{
		ProjectID:   project.ID,
		Resolution:  settings.Resolution,
		AspectRatio: settings.AspectRatio,
		FPS:         settings.FPS,
		OutputName:  stages.OutputName(project.ID),
	}
	out, err := o.assemble(ctx, clips, audio, cfg)
	if err != nil {
		o.log.Warn("assembly failed", "job_id", jobID, "clips", len(clips), "error", err)
		if ferr := o.Fail(ctx, jobID, err); ferr != nil {
			return Result{JobID: jobID}, ferr
		}
		return o.settled(ctx, jobID)
	}

	uri := o.upload(ctx, project.ID, cfg.OutputName, out.URI)
	if err := o.storeOutput(ctx, job, cfg, out, uri, len(clips)); err != nil {
		return Result{JobID: jobID}, err
	}

	done, err := o.machine.TransitionJob(ctx, jobID, jobs.StatusCompleted, statemachine.Update{Stage: statemachine.String(stageCompleted)})
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			return o.settled(ctx, jobID)
		}
		return Result{JobID: jobID}, err
	}
	o.log.Info("job completed", "job_id", jobID, "clips", len(clips), "uri", uri)
	return Result{JobID: jobID, Status: done.Status, OutputURI: uri, Clips: len(clips)}, nil
}

func (o *Orchestrator) assemble(ctx context.Context, clips, audio []string, cfg stages.OutputConfig) (stages.AssembledOutput, error) {
	asm, err := o.collab.Assembler()
	if err != nil {
		return stages.AssembledOutput{}, err
	}
	out, err := asm.Assemble(ctx, clips, audio, cfg)
	if err != nil {
		return out, err
	}
	if strings.TrimSpace(out.URI) == "" {
		return out, apperr.Wrap(apperr.ErrCollaborator, string(stages.StageAssemble), "assemble", "empty output uri", nil)
	}
	return out, nil
}

// upload pushes a local output to the artifact store. On failure the local
// URI is kept.
func (o *Orchestrator) upload(ctx context.Context, projectID uuid.UUID, name, uri string) string {
	if o.store == nil || !strings.HasPrefix(uri, "file://") {
		return uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	key := path.Join("outputs", projectID.String(), name)
	remote, err := o.store.Put(ctx, key, u.Path)
	if err != nil {
		o.log.Warn("output upload failed; keeping local uri", "project_id", projectID, "error", err)
		return uri
	}
	return remote
}

func (o *Orchestrator) storeOutput(ctx context.Context, job *jobs.GenerationJob, cfg stages.OutputConfig, out stages.AssembledOutput, uri string, clips int) error {
	meta := map[string]interface{}{"clips": clips, "width": out.Width, "height": out.Height}
	for k, v := range out.Metadata {
		meta[k] = v
	}
	raw, err := pipeline.EncodeMeta(meta)
	if err != nil {
		o.log.Warn("dropping output metadata", "job_id", job.ID, "error", err)
	}
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		art := &media.Artifact{
			ProjectID: job.ProjectID,
			Kind:      media.ArtifactVideo,
			Stage:     string(stages.StageAssemble),
			URI:       uri,
			Metadata:  raw,
		}
		if err := o.repos.Artifacts.Create(dbc, art); err != nil {
			return err
		}
		if err := o.repos.Outputs.Upsert(dbc, &media.ProjectOutput{
			ProjectID:       job.ProjectID,
			JobID:           job.ID,
			ArtifactID:      art.ID,
			URI:             uri,
			Resolution:      cfg.Resolution,
			AspectRatio:     cfg.AspectRatio,
			DurationSeconds: out.DurationSeconds,
			SizeBytes:       out.SizeBytes,
			ClipCount:       clips,
		}); err != nil {
			return err
		}
		return o.repos.Projects.SetStatus(dbc, job.ProjectID, media.ProjectCompleted)
	})
}

func (o *Orchestrator) finishScene(ctx context.Context, job *jobs.GenerationJob) (Result, error) {
	sc, err := o.repos.Scenes.GetByID(dbctx.New(ctx), *job.SceneID)
	if err != nil {
		return Result{JobID: job.ID}, err
	}
	if sc.Status != media.SceneCompleted {
		msg := sc.Error
		if msg == "" {
			msg = "scene did not complete"
		}
		if err := o.Fail(ctx, job.ID, errors.New(msg)); err != nil {
			return Result{JobID: job.ID}, err
		}
		return o.settled(ctx, job.ID)
	}
	done, err := o.machine.TransitionJob(ctx, job.ID, jobs.StatusCompleted, statemachine.Update{Stage: statemachine.String(stageCompleted)})
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			return o.settled(ctx, job.ID)
		}
		return Result{JobID: job.ID}, err
	}
	return Result{JobID: job.ID, Status: done.Status, Clips: 1}, nil
}

// Fail moves the job to FAILED with cause's message. Scenes still marked
// GENERATING under the job are failed too. When the job is already terminal
// its state is re-announced instead, so observers always get a final event.
func (o *Orchestrator) Fail(ctx context.Context, jobID uuid.UUID, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
		if apperr.KindOf(cause) == apperr.ErrTimeout && !strings.Contains(msg, "timeout") {
			msg = "timeout: " + msg
		}
	}
	job, err := o.machine.TransitionJob(ctx, jobID, jobs.StatusFailed, statemachine.Update{Error: msg})
	if errors.Is(err, apperr.ErrInvalidTransition) {
		return o.machine.Announce(ctx, jobID)
	}
	if err != nil {
		return err
	}
	o.log.Warn("job failed", "job_id", jobID, "error", msg)
	if err := o.machine.FailRunningScenes(ctx, job, msg); err != nil {
		o.log.Warn("fail running scenes", "job_id", jobID, "error", err)
	}
	if job.Kind == jobs.KindFullVideo {
		return o.repos.Projects.SetStatus(dbctx.New(ctx), job.ProjectID, media.ProjectFailed)
	}
	return nil
}

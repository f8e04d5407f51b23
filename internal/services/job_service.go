package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	jobrepo "github.com/yungbote/scenecast-backend/internal/data/repos/jobs"
	mediarepo "github.com/yungbote/scenecast-backend/internal/data/repos/media"
	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	"github.com/yungbote/scenecast-backend/internal/domain/media"
	jobrt "github.com/yungbote/scenecast-backend/internal/jobs/runtime"
	"github.com/yungbote/scenecast-backend/internal/jobs/statemachine"
	"github.com/yungbote/scenecast-backend/internal/observability"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/ctxutil"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
	"github.com/yungbote/scenecast-backend/internal/realtime"
)

const stageQueued = "Queued"

type SubmitJobRequest struct {
	Kind     jobs.Kind     `json:"kind"`
	Settings jobs.Settings `json:"settings"`
	SceneID  *uuid.UUID    `json:"scene_id,omitempty"`
}

type JobService interface {
	SubmitJob(dbc dbctx.Context, projectID uuid.UUID, req SubmitJobRequest) (*jobs.GenerationJob, error)
	GetJob(dbc dbctx.Context, jobID uuid.UUID) (*jobs.GenerationJob, error)
	ListJobs(dbc dbctx.Context, projectID uuid.UUID, statuses []jobs.Status) ([]*jobs.GenerationJob, error)
	CancelJob(dbc dbctx.Context, jobID uuid.UUID) (*jobs.GenerationJob, error)
	// Subscribe registers a buffered observer on the job. The first event is
	// the current snapshot. Callers must Close the subscription.
	Subscribe(dbc dbctx.Context, jobID uuid.UUID, buffer int) (*Subscription, error)
}

type jobService struct {
	log        *logger.Logger
	jobs       jobrepo.GenerationJobRepo
	projects   mediarepo.ProjectRepo
	scenes     mediarepo.SceneRepo
	machine    *statemachine.Machine
	dispatcher jobrt.Dispatcher
	hub        *realtime.Hub
}

func NewJobService(
	baseLog *logger.Logger,
	jobRepo jobrepo.GenerationJobRepo,
	projectRepo mediarepo.ProjectRepo,
	sceneRepo mediarepo.SceneRepo,
	machine *statemachine.Machine,
	dispatcher jobrt.Dispatcher,
	hub *realtime.Hub,
) JobService {
	return &jobService{
		log:        baseLog.With("service", "JobService"),
		jobs:       jobRepo,
		projects:   projectRepo,
		scenes:     sceneRepo,
		machine:    machine,
		dispatcher: dispatcher,
		hub:        hub,
	}
}

func (s *jobService) SubmitJob(dbc dbctx.Context, projectID uuid.UUID, req SubmitJobRequest) (*jobs.GenerationJob, error) {
	if projectID == uuid.Nil {
		return nil, apperr.New(apperr.ErrInput, "missing project id")
	}
	kind := req.Kind
	if kind == "" {
		kind = jobs.KindFullVideo
	}
	if !kind.Valid() {
		return nil, apperr.New(apperr.ErrInput, fmt.Sprintf("unknown job kind %q", kind))
	}
	if err := req.Settings.Validate(); err != nil {
		return nil, err
	}
	project, err := s.projects.GetByID(dbc, projectID)
	if err != nil {
		return nil, err
	}
	base, err := jobs.DecodeSettings(project.Settings)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInput, "", "submit_job", "decode project settings", err)
	}

	var sceneID *uuid.UUID
	if kind != jobs.KindFullVideo {
		if req.SceneID == nil || *req.SceneID == uuid.Nil {
			return nil, apperr.New(apperr.ErrInput, fmt.Sprintf("%s jobs require a scene_id", kind))
		}
		scene, err := s.scenes.GetByID(dbc, *req.SceneID)
		if err != nil {
			return nil, err
		}
		if scene.ProjectID != projectID {
			return nil, apperr.Wrap(apperr.ErrNotFound, "", "submit_job",
				fmt.Sprintf("scene %s does not belong to project %s", scene.ID, projectID), nil)
		}
		if scene.Status == media.SceneGenerating {
			return nil, apperr.Wrap(apperr.ErrInvalidTransition, "", "submit_job",
				fmt.Sprintf("scene %d is generating", scene.SequenceNumber), nil)
		}
		id := scene.ID
		sceneID = &id
	} else if req.SceneID != nil {
		return nil, apperr.New(apperr.ErrInput, "scene_id is only valid for scene jobs")
	}

	job := &jobs.GenerationJob{
		ID:           uuid.New(),
		ProjectID:    projectID,
		SceneID:      sceneID,
		Kind:         kind,
		Status:       jobs.StatusQueued,
		CurrentStage: stageQueued,
		Settings:     base.Overlay(req.Settings).WithDefaults().Encode(),
	}
	if err := s.jobs.Create(dbc, job); err != nil {
		return nil, apperr.Wrap(apperr.ErrInfrastructure, "", "submit_job", "create job", err)
	}
	if err := s.machine.Announce(dbc.Ctx, job.ID); err != nil {
		s.log.Warn("announce queued job failed", "job_id", job.ID, "error", err)
	}

	// Dispatch only after the row is committed so a fast worker finds it.
	var handle string
	if sceneID != nil {
		handle, err = s.dispatcher.DispatchScene(dbc.Ctx, job.ID, *sceneID)
	} else {
		handle, err = s.dispatcher.DispatchJob(dbc.Ctx, job.ID)
	}
	if err != nil {
		s.log.Error("dispatch failed", append(ctxutil.LogFields(dbc.Ctx), "job_id", job.ID, "error", err)...)
		failed, terr := s.machine.TransitionJob(dbc.Ctx, job.ID, jobs.StatusFailed, statemachine.Update{
			Error: "dispatch: " + err.Error(),
		})
		if terr != nil {
			s.log.Error("mark job failed after dispatch error", "job_id", job.ID, "error", terr)
			return nil, err
		}
		return failed, apperr.Wrap(apperr.ErrInfrastructure, "", "submit_job", "dispatch", err)
	}
	if err := s.jobs.SetTaskHandle(dbc, job.ID, handle); err != nil {
		// The task is already queued; losing the handle only costs cancel precision.
		s.log.Warn("store task handle failed", "job_id", job.ID, "handle", handle, "error", err)
	}

	s.log.Info("job submitted", append(ctxutil.LogFields(dbc.Ctx), "job_id", job.ID, "project_id", projectID, "kind", kind, "handle", handle)...)
	return s.jobs.GetByID(dbc, job.ID)
}

func (s *jobService) GetJob(dbc dbctx.Context, jobID uuid.UUID) (*jobs.GenerationJob, error) {
	if jobID == uuid.Nil {
		return nil, apperr.New(apperr.ErrInput, "missing job id")
	}
	return s.jobs.GetByID(dbc, jobID)
}

func (s *jobService) ListJobs(dbc dbctx.Context, projectID uuid.UUID, statuses []jobs.Status) ([]*jobs.GenerationJob, error) {
	for _, st := range statuses {
		if !st.Valid() {
			return nil, apperr.New(apperr.ErrInput, fmt.Sprintf("unknown job status %q", st))
		}
	}
	if _, err := s.projects.GetByID(dbc, projectID); err != nil {
		return nil, err
	}
	return s.jobs.ListForProject(dbc, projectID, statuses)
}

/*
CancelJob is valid only while the job is QUEUED or PROCESSING.

  - The queue task is revoked first. A revoke failure is logged and the cancel
    still proceeds; a worker that keeps running finds the job CANCELLED at its
    next transition and stops.
  - Scenes and artifacts already produced are left as they are. A scene
    still GENERATING becomes FAILED "job cancelled" so it can be regenerated.
  - A FULL_VIDEO job hands its project back to DRAFT.
*/
func (s *jobService) CancelJob(dbc dbctx.Context, jobID uuid.UUID) (*jobs.GenerationJob, error) {
	job, err := s.GetJob(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Cancellable() {
		return nil, notCancellable(job)
	}

	if job.TaskHandle != "" {
		if err := s.dispatcher.Cancel(dbc.Ctx, job.TaskHandle); err != nil {
			s.log.Warn("revoke task failed", "job_id", jobID, "handle", job.TaskHandle, "error", err)
		}
	}

	out, err := s.machine.TransitionJob(dbc.Ctx, jobID, jobs.StatusCancelled, statemachine.Update{
		Stage: statemachine.String("Cancelled"),
	})
	if errors.Is(err, apperr.ErrInvalidTransition) {
		// Lost the race against a worker that settled the job.
		cur, gerr := s.jobs.GetByID(dbc, jobID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, notCancellable(cur)
	}
	if err != nil {
		return nil, err
	}

	if err := s.machine.FailRunningScenes(dbc.Ctx, out, "job cancelled"); err != nil {
		s.log.Warn("fail running scenes after cancel", "job_id", jobID, "error", err)
	}
	if out.Kind == jobs.KindFullVideo {
		if err := s.resetProject(dbc, out.ProjectID); err != nil {
			s.log.Warn("reset project after cancel failed", "job_id", jobID, "project_id", out.ProjectID, "error", err)
		}
	}
	s.log.Info("job cancelled", append(ctxutil.LogFields(dbc.Ctx), "job_id", jobID)...)
	return out, nil
}

func (s *jobService) resetProject(dbc dbctx.Context, projectID uuid.UUID) error {
	p, err := s.projects.GetByID(dbc, projectID)
	if err != nil {
		return err
	}
	if p.Status != media.ProjectProcessing {
		return nil
	}
	return s.projects.SetStatus(dbc, projectID, media.ProjectDraft)
}

func notCancellable(job *jobs.GenerationJob) error {
	return apperr.Wrap(apperr.ErrJobNotCancellable, "", "cancel_job",
		fmt.Sprintf("cannot cancel job in %s status", job.Status), nil)
}

func (s *jobService) Subscribe(dbc dbctx.Context, jobID uuid.UUID, buffer int) (*Subscription, error) {
	if s.hub == nil {
		return nil, apperr.New(apperr.ErrInfrastructure, "progress hub not configured")
	}
	if _, err := s.GetJob(dbc, jobID); err != nil {
		return nil, err
	}
	obs := realtime.NewChannelObserver(buffer)
	if err := s.hub.Subscribe(dbc.Ctx, jobID, obs); err != nil {
		obs.Close()
		return nil, err
	}
	observability.Current().SubscriberInc()
	return &Subscription{jobID: jobID, hub: s.hub, obs: obs}, nil
}

// Subscription is one observer registered on the progress hub.
type Subscription struct {
	jobID uuid.UUID
	hub   *realtime.Hub
	obs   *realtime.ChannelObserver
	once  sync.Once
}

// C yields the snapshot first, then live events. It is closed when the hub
// drops a slow observer or on Close.
func (s *Subscription) C() <-chan realtime.ProgressEvent { return s.obs.C() }

func (s *Subscription) JobID() uuid.UUID { return s.jobID }

// Refresh queues a fresh snapshot read from the job record.
func (s *Subscription) Refresh(ctx context.Context) error {
	return s.hub.Refresh(ctx, s.jobID, s.obs)
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.Unsubscribe(s.jobID, s.obs)
		s.obs.Close()
		observability.Current().SubscriberDec()
	})
}

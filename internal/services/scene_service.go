package services

import (
	"github.com/google/uuid"

	mediarepo "github.com/yungbote/scenecast-backend/internal/data/repos/media"
	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	"github.com/yungbote/scenecast-backend/internal/domain/media"
	"github.com/yungbote/scenecast-backend/internal/jobs/pipeline"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

type CreateSceneRequest struct {
	// SequenceNumber 0 appends after the last scene.
	SequenceNumber int     `json:"sequence_number" validate:"min=0"`
	Description    string  `json:"description" validate:"required,max=4000"`
	Dialogue       string  `json:"dialogue" validate:"max=4000"`
	Duration       float64 `json:"duration" validate:"min=0,max=120"`
	ImagePrompt    string  `json:"image_prompt" validate:"max=4000"`
	MotionPrompt   string  `json:"motion_prompt" validate:"max=1000"`
}

type RegenerateSceneRequest struct {
	pipeline.RegenerateRequest
	Settings jobs.Settings `json:"settings"`
}

// RegenerateResult holds the reset scene and, when media must be rebuilt,
// the job that rebuilds it.
type RegenerateResult struct {
	Scene *media.Scene        `json:"scene"`
	Job   *jobs.GenerationJob `json:"job,omitempty"`
}

type SceneService interface {
	CreateScene(dbc dbctx.Context, projectID uuid.UUID, req CreateSceneRequest) (*media.Scene, error)
	ListScenes(dbc dbctx.Context, projectID uuid.UUID) ([]*media.Scene, error)
	RegenerateScene(dbc dbctx.Context, sceneID uuid.UUID, req RegenerateSceneRequest) (*RegenerateResult, error)
}

type sceneService struct {
	log      *logger.Logger
	projects mediarepo.ProjectRepo
	scenes   mediarepo.SceneRepo
	runner   *pipeline.Runner
	jobs     JobService
}

func NewSceneService(baseLog *logger.Logger, projects mediarepo.ProjectRepo, scenes mediarepo.SceneRepo, runner *pipeline.Runner, jobSvc JobService) SceneService {
	return &sceneService{
		log:      baseLog.With("service", "SceneService"),
		projects: projects,
		scenes:   scenes,
		runner:   runner,
		jobs:     jobSvc,
	}
}

func (s *sceneService) CreateScene(dbc dbctx.Context, projectID uuid.UUID, req CreateSceneRequest) (*media.Scene, error) {
	if err := validateRequest("create_scene", req); err != nil {
		return nil, err
	}
	if _, err := s.projects.GetByID(dbc, projectID); err != nil {
		return nil, err
	}
	seq := req.SequenceNumber
	if seq == 0 {
		existing, err := s.scenes.ListByProject(dbc, projectID)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrInfrastructure, "", "create_scene", "list scenes", err)
		}
		seq = 1
		if n := len(existing); n > 0 {
			seq = existing[n-1].SequenceNumber + 1
		}
	}
	scene := &media.Scene{
		ProjectID:      projectID,
		SequenceNumber: seq,
		Description:    req.Description,
		Dialogue:       req.Dialogue,
		Duration:       req.Duration,
		ImagePrompt:    req.ImagePrompt,
		MotionPrompt:   req.MotionPrompt,
		Status:         media.ScenePending,
	}
	// The (project, sequence) unique index turns a concurrent duplicate into ErrDuplicateSequence.
	if err := s.scenes.Create(dbc, scene); err != nil {
		return nil, err
	}
	s.log.Debug("scene created", "project_id", projectID, "scene_id", scene.ID, "sequence", seq)
	return scene, nil
}

func (s *sceneService) ListScenes(dbc dbctx.Context, projectID uuid.UUID) ([]*media.Scene, error) {
	if _, err := s.projects.GetByID(dbc, projectID); err != nil {
		return nil, err
	}
	return s.scenes.ListByProject(dbc, projectID)
}

// RegenerateScene resets the scene with any new prompts. A video regenerate
// submits a SINGLE_SCENE job and an audio-only one an ASSET_REGENERATION job;
// a prompt-only edit submits nothing.
func (s *sceneService) RegenerateScene(dbc dbctx.Context, sceneID uuid.UUID, req RegenerateSceneRequest) (*RegenerateResult, error) {
	if sceneID == uuid.Nil {
		return nil, apperr.New(apperr.ErrInput, "missing scene id")
	}
	if err := req.Settings.Validate(); err != nil {
		return nil, err
	}
	scene, err := s.runner.Regenerate(dbc.Ctx, sceneID, req.RegenerateRequest)
	if err != nil {
		return nil, err
	}
	out := &RegenerateResult{Scene: scene}
	kind := req.JobKind()
	if kind == "" {
		return out, nil
	}
	id := scene.ID
	job, err := s.jobs.SubmitJob(dbc, scene.ProjectID, SubmitJobRequest{
		Kind:     kind,
		Settings: req.Settings,
		SceneID:  &id,
	})
	if err != nil {
		return nil, err
	}
	out.Job = job
	s.log.Info("scene regeneration submitted", "scene_id", sceneID, "job_id", job.ID, "kind", kind)
	return out, nil
}

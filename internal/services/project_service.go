package services

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	mediarepo "github.com/yungbote/scenecast-backend/internal/data/repos/media"
	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	"github.com/yungbote/scenecast-backend/internal/domain/media"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/ctxutil"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateRequest(op string, req any) error {
	if err := validate.Struct(req); err != nil {
		return apperr.Wrap(apperr.ErrInput, "", op, "", err)
	}
	return nil
}

type CreateProjectRequest struct {
	Title    string        `json:"title" validate:"required,max=200"`
	Script   string        `json:"script" validate:"max=200000"`
	Settings jobs.Settings `json:"settings"`
}

type ProjectService interface {
	CreateProject(dbc dbctx.Context, req CreateProjectRequest) (*media.Project, error)
	GetProject(dbc dbctx.Context, id uuid.UUID) (*media.Project, error)
	GetOutput(dbc dbctx.Context, projectID uuid.UUID) (*media.ProjectOutput, error)
}

type projectService struct {
	log      *logger.Logger
	projects mediarepo.ProjectRepo
	outputs  mediarepo.OutputRepo
}

func NewProjectService(baseLog *logger.Logger, projects mediarepo.ProjectRepo, outputs mediarepo.OutputRepo) ProjectService {
	return &projectService{
		log:      baseLog.With("service", "ProjectService"),
		projects: projects,
		outputs:  outputs,
	}
}

func (s *projectService) CreateProject(dbc dbctx.Context, req CreateProjectRequest) (*media.Project, error) {
	req.Title = strings.TrimSpace(req.Title)
	if err := validateRequest("create_project", req); err != nil {
		return nil, err
	}
	if err := req.Settings.Validate(); err != nil {
		return nil, err
	}
	p := &media.Project{
		Title:    req.Title,
		Script:   req.Script,
		Status:   media.ProjectDraft,
		Settings: req.Settings.Encode(),
	}
	if err := s.projects.Create(dbc, p); err != nil {
		return nil, apperr.Wrap(apperr.ErrInfrastructure, "", "create_project", "", err)
	}
	s.log.Info("project created", append(ctxutil.LogFields(dbc.Ctx), "project_id", p.ID)...)
	return p, nil
}

func (s *projectService) GetProject(dbc dbctx.Context, id uuid.UUID) (*media.Project, error) {
	if id == uuid.Nil {
		return nil, apperr.New(apperr.ErrInput, "missing project id")
	}
	return s.projects.GetByID(dbc, id)
}

// GetOutput returns the assembled video of a project, or ErrNotFound until
// a FULL_VIDEO job has completed.
func (s *projectService) GetOutput(dbc dbctx.Context, projectID uuid.UUID) (*media.ProjectOutput, error) {
	if _, err := s.GetProject(dbc, projectID); err != nil {
		return nil, err
	}
	return s.outputs.GetByProject(dbc, projectID)
}

package media

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/scenecast-backend/internal/domain/media"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

type ProjectRepo interface {
	Create(dbc dbctx.Context, p *media.Project) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*media.Project, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	SetStatus(dbc dbctx.Context, id uuid.UUID, status media.ProjectStatus) error
}

type projectRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProjectRepo(db *gorm.DB, baseLog *logger.Logger) ProjectRepo {
	return &projectRepo{db: db, log: baseLog.With("repo", "ProjectRepo")}
}

func (r *projectRepo) Create(dbc dbctx.Context, p *media.Project) error {
	if p == nil {
		return apperr.New(apperr.ErrInput, "nil project")
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	return dbc.Handle(r.db).Create(p).Error
}

func (r *projectRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*media.Project, error) {
	var p media.Project
	err := dbc.Handle(r.db).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Wrap(apperr.ErrNotFound, "", "get_project", "project "+id.String()+" not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *projectRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return dbc.Handle(r.db).Model(&media.Project{}).Where("id = ?", id).Updates(updates).Error
}

func (r *projectRepo) SetStatus(dbc dbctx.Context, id uuid.UUID, status media.ProjectStatus) error {
	return r.UpdateFields(dbc, id, map[string]interface{}{"status": status})
}

type OutputRepo interface {
	// Upsert replaces the project's output record.
	Upsert(dbc dbctx.Context, o *media.ProjectOutput) error
	GetByProject(dbc dbctx.Context, projectID uuid.UUID) (*media.ProjectOutput, error)
}

type outputRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewOutputRepo(db *gorm.DB, baseLog *logger.Logger) OutputRepo {
	return &outputRepo{db: db, log: baseLog.With("repo", "OutputRepo")}
}

func (r *outputRepo) Upsert(dbc dbctx.Context, o *media.ProjectOutput) error {
	if o == nil || o.ProjectID == uuid.Nil {
		return apperr.New(apperr.ErrInput, "output requires a project")
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	return dbc.Handle(r.db).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"job_id", "artifact_id", "uri", "resolution", "aspect_ratio",
			"duration_seconds", "size_bytes", "clip_count", "updated_at",
		}),
	}).Create(o).Error
}

func (r *outputRepo) GetByProject(dbc dbctx.Context, projectID uuid.UUID) (*media.ProjectOutput, error) {
	var o media.ProjectOutput
	err := dbc.Handle(r.db).Where("project_id = ?", projectID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Wrap(apperr.ErrNotFound, "", "get_output", "project "+projectID.String()+" has no output", nil)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

type GenerationJobRepo interface {
	Create(dbc dbctx.Context, job *jobs.GenerationJob) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*jobs.GenerationJob, error)
	// GetByIDForUpdate row-locks the job until the surrounding transaction ends.
	GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*jobs.GenerationJob, error)
	ListForProject(dbc dbctx.Context, projectID uuid.UUID, statuses []jobs.Status) ([]*jobs.GenerationJob, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	SetTaskHandle(dbc dbctx.Context, id uuid.UUID, handle string) error
	IncrementAttempts(dbc dbctx.Context, id uuid.UUID) error
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	ListStale(dbc dbctx.Context, statuses []jobs.Status, before time.Time, limit int) ([]*jobs.GenerationJob, error)
}

type generationJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGenerationJobRepo(db *gorm.DB, baseLog *logger.Logger) GenerationJobRepo {
	return &generationJobRepo{
		db:  db,
		log: baseLog.With("repo", "GenerationJobRepo"),
	}
}

func (r *generationJobRepo) Create(dbc dbctx.Context, job *jobs.GenerationJob) error {
	if job == nil {
		return apperr.New(apperr.ErrInput, "nil job")
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	return dbc.Handle(r.db).Create(job).Error
}

func (r *generationJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*jobs.GenerationJob, error) {
	return r.get(dbc.Handle(r.db), id)
}

func (r *generationJobRepo) GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*jobs.GenerationJob, error) {
	return r.get(dbc.Handle(r.db).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *generationJobRepo) get(q *gorm.DB, id uuid.UUID) (*jobs.GenerationJob, error) {
	if id == uuid.Nil {
		return nil, apperr.Wrap(apperr.ErrNotFound, "", "get_job", "missing job id", nil)
	}
	var job jobs.GenerationJob
	err := q.Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Wrap(apperr.ErrNotFound, "", "get_job", "job "+id.String()+" not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *generationJobRepo) ListForProject(dbc dbctx.Context, projectID uuid.UUID, statuses []jobs.Status) ([]*jobs.GenerationJob, error) {
	var out []*jobs.GenerationJob
	q := dbc.Handle(r.db).Where("project_id = ?", projectID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	// Most recently started first; never-started jobs last.
	err := q.Order("started_at IS NULL").
		Order("started_at DESC").
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *generationJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return dbc.Handle(r.db).
		Model(&jobs.GenerationJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *generationJobRepo) SetTaskHandle(dbc dbctx.Context, id uuid.UUID, handle string) error {
	return r.UpdateFields(dbc, id, map[string]interface{}{"task_handle": handle})
}

func (r *generationJobRepo) IncrementAttempts(dbc dbctx.Context, id uuid.UUID) error {
	return r.UpdateFields(dbc, id, map[string]interface{}{"attempts": gorm.Expr("attempts + 1")})
}

func (r *generationJobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	return dbc.Handle(r.db).
		Model(&jobs.GenerationJob{}).
		Where("id = ? AND status = ?", id, jobs.StatusProcessing).
		Updates(map[string]interface{}{"heartbeat_at": now}).Error
}

func (r *generationJobRepo) ListStale(dbc dbctx.Context, statuses []jobs.Status, before time.Time, limit int) ([]*jobs.GenerationJob, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*jobs.GenerationJob
	err := dbc.Handle(r.db).
		Where("status IN ?", statuses).
		Where("COALESCE(heartbeat_at, started_at, created_at) < ?", before.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

package media

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/scenecast-backend/internal/domain/media"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

type SceneRepo interface {
	Create(dbc dbctx.Context, scene *media.Scene) error
	// CreateBatch inserts all scenes or none.
	CreateBatch(dbc dbctx.Context, scenes []*media.Scene) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*media.Scene, error)
	GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*media.Scene, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*media.Scene, error)
	CountByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type sceneRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSceneRepo(db *gorm.DB, baseLog *logger.Logger) SceneRepo {
	return &sceneRepo{db: db, log: baseLog.With("repo", "SceneRepo")}
}

func (r *sceneRepo) Create(dbc dbctx.Context, scene *media.Scene) error {
	if err := validateScene(scene); err != nil {
		return err
	}
	stamp(scene)
	if err := dbc.Handle(r.db).Create(scene).Error; err != nil {
		return translateSceneErr(scene, err)
	}
	return nil
}

func (r *sceneRepo) CreateBatch(dbc dbctx.Context, scenes []*media.Scene) error {
	if len(scenes) == 0 {
		return nil
	}
	for _, s := range scenes {
		if err := validateScene(s); err != nil {
			return err
		}
		stamp(s)
	}
	return dbc.Handle(r.db).Transaction(func(txx *gorm.DB) error {
		for _, s := range scenes {
			if err := txx.Create(s).Error; err != nil {
				return translateSceneErr(s, err)
			}
		}
		return nil
	})
}

func (r *sceneRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*media.Scene, error) {
	return r.get(dbc.Handle(r.db), id)
}

func (r *sceneRepo) GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*media.Scene, error) {
	return r.get(dbc.Handle(r.db).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *sceneRepo) get(q *gorm.DB, id uuid.UUID) (*media.Scene, error) {
	var s media.Scene
	err := q.Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Wrap(apperr.ErrNotFound, "", "get_scene", "scene "+id.String()+" not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sceneRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*media.Scene, error) {
	var out []*media.Scene
	if err := dbc.Handle(r.db).
		Where("project_id = ?", projectID).
		Order("sequence_number ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sceneRepo) CountByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error) {
	var n int64
	err := dbc.Handle(r.db).Model(&media.Scene{}).Where("project_id = ?", projectID).Count(&n).Error
	return n, err
}

func (r *sceneRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return dbc.Handle(r.db).Model(&media.Scene{}).Where("id = ?", id).Updates(updates).Error
}

func validateScene(s *media.Scene) error {
	if s == nil {
		return apperr.New(apperr.ErrInput, "nil scene")
	}
	if s.ProjectID == uuid.Nil {
		return apperr.New(apperr.ErrInput, "scene requires a project")
	}
	if s.SequenceNumber < 1 {
		return apperr.New(apperr.ErrInput, fmt.Sprintf("sequence number must be >= 1, got %d", s.SequenceNumber))
	}
	return nil
}

func stamp(s *media.Scene) {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
}

func translateSceneErr(s *media.Scene, err error) error {
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.ErrDuplicateSequence, "", "create_scene",
			fmt.Sprintf("scene %d already exists in project %s", s.SequenceNumber, s.ProjectID), nil)
	}
	return err
}

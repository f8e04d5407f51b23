package media

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/scenecast-backend/internal/domain/media"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

// ArtifactRepo has no update path: artifacts are immutable once written.
type ArtifactRepo interface {
	Create(dbc dbctx.Context, a *media.Artifact) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*media.Artifact, error)
	Link(dbc dbctx.Context, sceneID, artifactID uuid.UUID, role media.Role) (*media.SceneArtifact, error)
	// ListForScene returns links (with artifacts preloaded) oldest first.
	ListForScene(dbc dbctx.Context, sceneID uuid.UUID) ([]*media.SceneArtifact, error)
	CountForProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error)
}

type artifactRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArtifactRepo(db *gorm.DB, baseLog *logger.Logger) ArtifactRepo {
	return &artifactRepo{db: db, log: baseLog.With("repo", "ArtifactRepo")}
}

func (r *artifactRepo) Create(dbc dbctx.Context, a *media.Artifact) error {
	if a == nil || a.URI == "" {
		return apperr.New(apperr.ErrInput, "artifact requires a uri")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return dbc.Handle(r.db).Create(a).Error
}

func (r *artifactRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*media.Artifact, error) {
	var a media.Artifact
	res := dbc.Handle(r.db).Where("id = ?", id).Limit(1).Find(&a)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Wrap(apperr.ErrNotFound, "", "get_artifact", "artifact "+id.String()+" not found", nil)
	}
	return &a, nil
}

func (r *artifactRepo) Link(dbc dbctx.Context, sceneID, artifactID uuid.UUID, role media.Role) (*media.SceneArtifact, error) {
	link := &media.SceneArtifact{
		SceneID:    sceneID,
		ArtifactID: artifactID,
		Role:       role,
		CreatedAt:  time.Now().UTC(),
	}
	if err := dbc.Handle(r.db).Create(link).Error; err != nil {
		return nil, err
	}
	return link, nil
}

func (r *artifactRepo) ListForScene(dbc dbctx.Context, sceneID uuid.UUID) ([]*media.SceneArtifact, error) {
	var out []*media.SceneArtifact
	if err := dbc.Handle(r.db).
		Preload("Artifact").
		Where("scene_id = ?", sceneID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *artifactRepo) CountForProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error) {
	var n int64
	err := dbc.Handle(r.db).Model(&media.Artifact{}).Where("project_id = ?", projectID).Count(&n).Error
	return n, err
}

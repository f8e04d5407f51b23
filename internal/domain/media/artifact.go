package media

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ArtifactKind string

const (
	ArtifactImage      ArtifactKind = "IMAGE"
	ArtifactVideo      ArtifactKind = "VIDEO"
	ArtifactAudio      ArtifactKind = "AUDIO"
	ArtifactMusic      ArtifactKind = "MUSIC"
	ArtifactCharacter  ArtifactKind = "CHARACTER"
	ArtifactBackground ArtifactKind = "BACKGROUND"
)

type Role string

const (
	RoleCharacter  Role = "CHARACTER"
	RoleBackground Role = "BACKGROUND"
	RoleVideo      Role = "VIDEO"
	RoleAudio      Role = "AUDIO"
	RoleMusic      Role = "MUSIC"
)

// Artifact is the immutable output of one stage invocation.
type Artifact struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	Kind         ArtifactKind   `gorm:"column:kind;not null;index" json:"kind"`
	Stage        string         `gorm:"column:stage;not null" json:"stage"`
	URI          string         `gorm:"column:uri;not null" json:"uri"`
	ThumbnailURI string         `gorm:"column:thumbnail_uri" json:"thumbnail_uri,omitempty"`
	Metadata     datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	Reusable     bool           `gorm:"column:reusable;not null;default:false" json:"reusable"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
}

func (Artifact) TableName() string { return "artifact" }

func (a *Artifact) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// SceneArtifact is a non-owning, role-tagged reference from a scene to an artifact.
type SceneArtifact struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SceneID    uuid.UUID `gorm:"type:uuid;not null;index" json:"scene_id"`
	ArtifactID uuid.UUID `gorm:"type:uuid;not null;index" json:"artifact_id"`
	Role       Role      `gorm:"column:role;not null" json:"role"`
	CreatedAt  time.Time `gorm:"not null;index" json:"created_at"`

	Artifact *Artifact `gorm:"foreignKey:ArtifactID" json:"artifact,omitempty"`
}

func (SceneArtifact) TableName() string { return "scene_artifact" }

func (l *SceneArtifact) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

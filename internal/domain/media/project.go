package media

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ProjectStatus string

const (
	ProjectDraft      ProjectStatus = "DRAFT"
	ProjectProcessing ProjectStatus = "PROCESSING"
	ProjectCompleted  ProjectStatus = "COMPLETED"
	ProjectFailed     ProjectStatus = "FAILED"
)

type Project struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Title     string         `gorm:"column:title;not null" json:"title"`
	Script    string         `gorm:"column:script" json:"script"`
	Status    ProjectStatus  `gorm:"column:status;not null;index" json:"status"`
	Settings  datatypes.JSON `gorm:"column:settings" json:"settings,omitempty"`
	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
}

func (Project) TableName() string { return "project" }

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = ProjectDraft
	}
	return nil
}

// ProjectOutput is the assembled result of a project. One row per project.
type ProjectOutput struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"project_id"`
	JobID           uuid.UUID `gorm:"type:uuid;not null;index" json:"job_id"`
	ArtifactID      uuid.UUID `gorm:"type:uuid;not null" json:"artifact_id"`
	URI             string    `gorm:"column:uri;not null" json:"uri"`
	Resolution      string    `gorm:"column:resolution" json:"resolution"`
	AspectRatio     string    `gorm:"column:aspect_ratio" json:"aspect_ratio"`
	DurationSeconds float64   `gorm:"column:duration_seconds" json:"duration_seconds"`
	SizeBytes       int64     `gorm:"column:size_bytes" json:"size_bytes"`
	ClipCount       int       `gorm:"column:clip_count" json:"clip_count"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time `gorm:"not null" json:"updated_at"`
}

func (ProjectOutput) TableName() string { return "project_output" }

func (o *ProjectOutput) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

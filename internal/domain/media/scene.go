package media

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SceneStatus string

const (
	ScenePending    SceneStatus = "PENDING"
	SceneGenerating SceneStatus = "GENERATING"
	SceneCompleted  SceneStatus = "COMPLETED"
	SceneFailed     SceneStatus = "FAILED"
)

func (s SceneStatus) Terminal() bool {
	return s == SceneCompleted || s == SceneFailed
}

const DefaultSceneDuration = 5.0

// Scene is one ordered unit of a project's content. SequenceNumber is 1-based
// and unique within a project.
type Scene struct {
	ID             uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID      uuid.UUID   `gorm:"type:uuid;not null;uniqueIndex:idx_scene_project_seq,priority:1" json:"project_id"`
	SequenceNumber int         `gorm:"column:sequence_number;not null;uniqueIndex:idx_scene_project_seq,priority:2" json:"sequence_number"`
	Description    string      `gorm:"column:description" json:"description"`
	Dialogue       string      `gorm:"column:dialogue" json:"dialogue,omitempty"`
	Duration       float64     `gorm:"column:duration;not null;default:5" json:"duration"`
	ImagePrompt    string      `gorm:"column:image_prompt" json:"image_prompt,omitempty"`
	MotionPrompt   string      `gorm:"column:motion_prompt" json:"motion_prompt,omitempty"`
	Status         SceneStatus `gorm:"column:status;not null;index" json:"status"`
	Error          string      `gorm:"column:error" json:"error,omitempty"`
	FailedStage    string      `gorm:"column:failed_stage" json:"failed_stage,omitempty"`
	CreatedAt      time.Time   `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time   `gorm:"not null" json:"updated_at"`
}

func (Scene) TableName() string { return "scene" }

func (s *Scene) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = ScenePending
	}
	if s.Duration <= 0 {
		s.Duration = DefaultSceneDuration
	}
	return nil
}

// HasDialogue reports whether the voice and lip-sync stages apply.
func (s *Scene) HasDialogue() bool {
	return s != nil && strings.TrimSpace(s.Dialogue) != ""
}

// NeedsPrompts reports whether prompt generation must run before the pipeline.
func (s *Scene) NeedsPrompts() bool {
	return s != nil && strings.TrimSpace(s.ImagePrompt) == ""
}

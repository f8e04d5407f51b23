package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Cancellable reports whether a cancel request is accepted in this status.
func (s Status) Cancellable() bool {
	return s == StatusQueued || s == StatusProcessing
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Kind string

const (
	KindFullVideo         Kind = "FULL_VIDEO"
	KindSingleScene       Kind = "SINGLE_SCENE"
	KindAssetRegeneration Kind = "ASSET_REGENERATION"
)

func (k Kind) Valid() bool {
	return k == KindFullVideo || k == KindSingleScene || k == KindAssetRegeneration
}

// GenerationJob is one end-to-end generation request for a project.
type GenerationJob struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	SceneID      *uuid.UUID     `gorm:"type:uuid;column:scene_id;index" json:"scene_id,omitempty"`
	Kind         Kind           `gorm:"column:kind;not null;index" json:"kind"`
	Status       Status         `gorm:"column:status;not null;index" json:"status"`
	Progress     float64        `gorm:"column:progress;not null;default:0" json:"progress"`
	CurrentStage string         `gorm:"column:current_stage" json:"current_stage"`
	Error        *string        `gorm:"column:error" json:"error_message,omitempty"`
	Settings     datatypes.JSON `gorm:"column:settings" json:"settings,omitempty"`
	TaskHandle   string         `gorm:"column:task_handle;index" json:"task_handle,omitempty"`
	Attempts     int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	StartedAt    *time.Time     `gorm:"column:started_at;index" json:"started_at,omitempty"`
	CompletedAt  *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	HeartbeatAt  *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
}

func (GenerationJob) TableName() string { return "generation_job" }

func (j *GenerationJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = StatusQueued
	}
	return nil
}

// ErrorMessage returns the recorded error or "".
func (j *GenerationJob) ErrorMessage() string {
	if j == nil || j.Error == nil {
		return ""
	}
	return *j.Error
}

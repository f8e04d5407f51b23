package realtime

import (
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
)

type EventType string

const (
	// EventStatus is the snapshot sent on subscribe and on refresh.
	EventStatus EventType = "status"
	EventUpdate EventType = "update"
	EventScene  EventType = "scene"
	EventPong   EventType = "pong"
	EventError  EventType = "error"
)

// ProgressEvent is the unit pushed to observers of a job.
type ProgressEvent struct {
	Type         EventType  `json:"type"`
	JobID        uuid.UUID  `json:"job_id"`
	Status       string     `json:"status,omitempty"`
	Progress     float64    `json:"progress"`
	CurrentStage string     `json:"current_stage"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SceneID      *uuid.UUID `json:"scene_id,omitempty"`
	SceneStatus  string     `json:"scene_status,omitempty"`
	At           time.Time  `json:"at"`
}

// FromJob renders the persisted job state as an event of the given type.
func FromJob(j *jobs.GenerationJob, typ EventType) ProgressEvent {
	if j == nil {
		return ProgressEvent{Type: typ, At: time.Now().UTC()}
	}
	return ProgressEvent{
		Type:         typ,
		JobID:        j.ID,
		Status:       string(j.Status),
		Progress:     j.Progress,
		CurrentStage: j.CurrentStage,
		ErrorMessage: j.ErrorMessage(),
		At:           time.Now().UTC(),
	}
}

// Terminal reports whether the event carries a terminal job status.
func (e ProgressEvent) Terminal() bool {
	return jobs.Status(e.Status).Terminal()
}

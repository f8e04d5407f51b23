package runtime

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type TaskKind string

const (
	TaskJob   TaskKind = "job"
	TaskScene TaskKind = "scene"
)

// Task is the unit the queue delivers, at least once.
type Task struct {
	Kind    TaskKind  `json:"kind"`
	JobID   uuid.UUID `json:"job_id"`
	SceneID uuid.UUID `json:"scene_id,omitempty"`
	Attempt int       `json:"attempt"`
}

func (t Task) String() string {
	if t.SceneID != uuid.Nil {
		return fmt.Sprintf("%s:%s/%s", t.Kind, t.JobID, t.SceneID)
	}
	return fmt.Sprintf("%s:%s", t.Kind, t.JobID)
}

// Dispatcher puts work on a task queue. The returned handle is stored on the
// job so Cancel can later revoke it.
type Dispatcher interface {
	DispatchJob(ctx context.Context, jobID uuid.UUID) (string, error)
	DispatchScene(ctx context.Context, jobID, sceneID uuid.UUID) (string, error)
	Cancel(ctx context.Context, handle string) error
}

// PanicError wraps a recovered panic so it can flow as a regular error.
type PanicError struct{ Val any }

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }

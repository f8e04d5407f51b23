package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	jobrepo "github.com/yungbote/scenecast-backend/internal/data/repos/jobs"
	mediarepo "github.com/yungbote/scenecast-backend/internal/data/repos/media"
	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	"github.com/yungbote/scenecast-backend/internal/domain/media"
	"github.com/yungbote/scenecast-backend/internal/observability"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
	"github.com/yungbote/scenecast-backend/internal/realtime"
)

const defaultFailure = "unknown error"

// Publisher is the outbound side of the progress bus.
type Publisher interface {
	Publish(ctx context.Context, ev realtime.ProgressEvent) error
}

// Update carries the optional fields of a job transition.
type Update struct {
	Progress *float64
	Stage    *string
	Error    string
}

type SceneUpdate struct {
	Error string
	Stage string
}

// SceneReset replaces prompt overrides when the pointers are non-nil.
type SceneReset struct {
	ImagePrompt  *string
	MotionPrompt *string
}

/*
Machine is the only path that mutates job and scene status.

Each transition:
  - row-locks the entity inside a transaction,
  - validates the edge and the progress/timestamp invariants,
  - persists and commits,
  - then hands an event to the publisher. A publish error is logged; the
    committed state stands.
*/
type Machine struct {
	db     *gorm.DB
	jobs   jobrepo.GenerationJobRepo
	scenes mediarepo.SceneRepo
	pub    Publisher
	log    *logger.Logger
	now    func() time.Time
}

func New(db *gorm.DB, jobRepo jobrepo.GenerationJobRepo, sceneRepo mediarepo.SceneRepo, pub Publisher, baseLog *logger.Logger) *Machine {
	return &Machine{
		db:     db,
		jobs:   jobRepo,
		scenes: sceneRepo,
		pub:    pub,
		log:    baseLog.With("component", "StateMachine"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func Float(v float64) *float64 { return &v }
func String(v string) *string  { return &v }

// TransitionJob moves a job to status to. Terminal jobs never move.
func (m *Machine) TransitionJob(ctx context.Context, jobID uuid.UUID, to jobs.Status, u Update) (*jobs.GenerationJob, error) {
	var out *jobs.GenerationJob
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		cur, err := m.jobs.GetByIDForUpdate(dbc, jobID)
		if err != nil {
			return err
		}
		updates, err := planJob(cur, to, u, m.now())
		if err != nil {
			return err
		}
		if err := m.jobs.UpdateFields(dbc, jobID, updates); err != nil {
			return apperr.Wrap(apperr.ErrInfrastructure, "", "transition_job", "persist", err)
		}
		out, err = m.jobs.GetByID(dbc, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.log.Debug("job transition", "job_id", jobID, "status", out.Status, "progress", out.Progress, "stage", out.CurrentStage)
	if out.Status.Terminal() {
		observability.Current().IncJob(string(out.Kind), string(out.Status))
	}
	m.publish(ctx, realtime.FromJob(out, realtime.EventUpdate))
	return out, nil
}

func planJob(cur *jobs.GenerationJob, to jobs.Status, u Update, now time.Time) (map[string]interface{}, error) {
	if !to.Valid() {
		return nil, apperr.New(apperr.ErrInput, fmt.Sprintf("unknown job status %q", to))
	}
	if cur.Status.Terminal() {
		return nil, apperr.Wrap(apperr.ErrInvalidTransition, "", "transition_job",
			fmt.Sprintf("job %s is %s; cannot move to %s", cur.ID, cur.Status, to), nil)
	}
	if !jobEdgeAllowed(cur.Status, to) {
		return nil, apperr.Wrap(apperr.ErrInvalidTransition, "", "transition_job",
			fmt.Sprintf("%s -> %s not allowed", cur.Status, to), nil)
	}

	progress := cur.Progress
	if u.Progress != nil {
		next := clamp(*u.Progress)
		if next < cur.Progress {
			return nil, apperr.Wrap(apperr.ErrInvalidTransition, "", "transition_job",
				fmt.Sprintf("progress cannot decrease (%.1f -> %.1f)", cur.Progress, next), nil)
		}
		progress = next
	}
	if to == jobs.StatusCompleted {
		progress = 100
	} else if progress >= 100 {
		return nil, apperr.Wrap(apperr.ErrInvalidTransition, "", "transition_job",
			"progress 100 is reserved for COMPLETED", nil)
	}

	updates := map[string]interface{}{
		"status":   to,
		"progress": progress,
	}
	if u.Stage != nil {
		updates["current_stage"] = *u.Stage
	}
	if to == jobs.StatusFailed {
		msg := u.Error
		if msg == "" {
			msg = defaultFailure
		}
		updates["error"] = msg
	} else {
		updates["error"] = nil
	}
	if to == jobs.StatusProcessing {
		updates["heartbeat_at"] = now
		if cur.StartedAt == nil {
			updates["started_at"] = now
		}
	}
	if to.Terminal() && cur.CompletedAt == nil {
		updates["completed_at"] = now
	}
	return updates, nil
}

func jobEdgeAllowed(from, to jobs.Status) bool {
	switch from {
	case jobs.StatusQueued:
		return to == jobs.StatusProcessing || to == jobs.StatusCancelled || to == jobs.StatusFailed
	case jobs.StatusProcessing:
		return to != jobs.StatusQueued
	}
	return false
}

func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// TransitionScene moves a scene along PENDING -> GENERATING -> {COMPLETED, FAILED}.
// When jobID is set a scene event is published on that job's topic.
func (m *Machine) TransitionScene(ctx context.Context, sceneID uuid.UUID, to media.SceneStatus, u SceneUpdate, jobID uuid.UUID) (*media.Scene, error) {
	var (
		out *media.Scene
		job *jobs.GenerationJob
	)
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		cur, err := m.scenes.GetByIDForUpdate(dbc, sceneID)
		if err != nil {
			return err
		}
		if !sceneEdgeAllowed(cur.Status, to) {
			return apperr.Wrap(apperr.ErrInvalidTransition, "", "transition_scene",
				fmt.Sprintf("scene %d: %s -> %s not allowed", cur.SequenceNumber, cur.Status, to), nil)
		}
		updates := map[string]interface{}{"status": to}
		if to == media.SceneFailed {
			msg := u.Error
			if msg == "" {
				msg = defaultFailure
			}
			updates["error"] = msg
			updates["failed_stage"] = u.Stage
		} else {
			updates["error"] = ""
			updates["failed_stage"] = ""
		}
		if err := m.scenes.UpdateFields(dbc, sceneID, updates); err != nil {
			return apperr.Wrap(apperr.ErrInfrastructure, "", "transition_scene", "persist", err)
		}
		if out, err = m.scenes.GetByID(dbc, sceneID); err != nil {
			return err
		}
		if jobID != uuid.Nil {
			// The scene event carries the job's state; never publish a blank one.
			if job, err = m.jobs.GetByID(dbc, jobID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if jobID != uuid.Nil {
		ev := realtime.FromJob(job, realtime.EventScene)
		ev.JobID = jobID
		ev.SceneID = &out.ID
		ev.SceneStatus = string(out.Status)
		m.publish(ctx, ev)
	}
	return out, nil
}

func sceneEdgeAllowed(from, to media.SceneStatus) bool {
	switch from {
	case media.ScenePending:
		return to == media.SceneGenerating
	case media.SceneGenerating:
		return to == media.SceneGenerating || to == media.SceneCompleted || to == media.SceneFailed
	}
	return false
}

// FailRunningScenes fails the scenes of job still in GENERATING with msg.
// A scene its runner settles first is left alone.
func (m *Machine) FailRunningScenes(ctx context.Context, job *jobs.GenerationJob, msg string) error {
	dbc := dbctx.New(ctx)
	var scenes []*media.Scene
	if job.SceneID != nil {
		sc, err := m.scenes.GetByID(dbc, *job.SceneID)
		if err != nil {
			return err
		}
		scenes = []*media.Scene{sc}
	} else {
		all, err := m.scenes.ListByProject(dbc, job.ProjectID)
		if err != nil {
			return err
		}
		scenes = all
	}
	for _, sc := range scenes {
		if sc.Status != media.SceneGenerating {
			continue
		}
		_, err := m.TransitionScene(ctx, sc.ID, media.SceneFailed, SceneUpdate{Error: msg}, job.ID)
		if err != nil && !errors.Is(err, apperr.ErrInvalidTransition) {
			return err
		}
	}
	return nil
}

// ResetScene is the regenerate edge: any non-running scene goes back to PENDING.
func (m *Machine) ResetScene(ctx context.Context, sceneID uuid.UUID, r SceneReset) (*media.Scene, error) {
	var out *media.Scene
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		cur, err := m.scenes.GetByIDForUpdate(dbc, sceneID)
		if err != nil {
			return err
		}
		if cur.Status == media.SceneGenerating {
			return apperr.Wrap(apperr.ErrInvalidTransition, "", "reset_scene",
				fmt.Sprintf("scene %d is generating", cur.SequenceNumber), nil)
		}
		updates := map[string]interface{}{
			"status":       media.ScenePending,
			"error":        "",
			"failed_stage": "",
		}
		if r.ImagePrompt != nil {
			updates["image_prompt"] = *r.ImagePrompt
		}
		if r.MotionPrompt != nil {
			updates["motion_prompt"] = *r.MotionPrompt
		}
		if err := m.scenes.UpdateFields(dbc, sceneID, updates); err != nil {
			return apperr.Wrap(apperr.ErrInfrastructure, "", "reset_scene", "persist", err)
		}
		out, err = m.scenes.GetByID(dbc, sceneID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Announce publishes the job's persisted state as-is.
func (m *Machine) Announce(ctx context.Context, jobID uuid.UUID) error {
	job, err := m.jobs.GetByID(dbctx.New(ctx), jobID)
	if err != nil {
		return err
	}
	m.publish(ctx, realtime.FromJob(job, realtime.EventUpdate))
	return nil
}

// Snapshot reads the job for the progress hub.
func (m *Machine) Snapshot(ctx context.Context, jobID uuid.UUID) (realtime.ProgressEvent, error) {
	job, err := m.jobs.GetByID(dbctx.New(ctx), jobID)
	if err != nil {
		return realtime.ProgressEvent{}, err
	}
	return realtime.FromJob(job, realtime.EventStatus), nil
}

// Heartbeat refreshes the liveness stamp of a processing job.
func (m *Machine) Heartbeat(ctx context.Context, jobID uuid.UUID) error {
	return m.jobs.Heartbeat(dbctx.New(ctx), jobID)
}

// SetStage records a stage label without changing status or progress.
func (m *Machine) SetStage(ctx context.Context, jobID uuid.UUID, stage string) error {
	_, err := m.TransitionJob(ctx, jobID, jobs.StatusProcessing, Update{Stage: &stage})
	return err
}

func (m *Machine) publish(ctx context.Context, ev realtime.ProgressEvent) {
	if m.pub == nil {
		return
	}
	if err := m.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		m.log.Warn("progress publish failed", "job_id", ev.JobID, "type", ev.Type, "error", err)
	}
}

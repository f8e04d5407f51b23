package statemachine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	jobrepo "github.com/yungbote/scenecast-backend/internal/data/repos/jobs"
	mediarepo "github.com/yungbote/scenecast-backend/internal/data/repos/media"
	"github.com/yungbote/scenecast-backend/internal/data/repos/testutil"
	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	"github.com/yungbote/scenecast-backend/internal/domain/media"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/realtime"
)

type recorder struct {
	mu     sync.Mutex
	events []realtime.ProgressEvent
	err    error
}

func (r *recorder) Publish(_ context.Context, ev realtime.ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) all() []realtime.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.ProgressEvent(nil), r.events...)
}

func newMachine(t *testing.T) (*Machine, *gorm.DB, *recorder) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	rec := &recorder{}
	m := New(db, jobrepo.NewGenerationJobRepo(db, log), mediarepo.NewSceneRepo(db, log), rec, log)
	return m, db, rec
}

func TestTransitionJobStampsStartedOnce(t *testing.T) {
	m, db, rec := newMachine(t)
	p, _ := testutil.SeedProject(t, db, 0, nil)
	job := testutil.SeedJob(t, db, p.ID, jobs.KindFullVideo)
	ctx := context.Background()

	first, err := m.TransitionJob(ctx, job.ID, jobs.StatusProcessing, Update{Stage: String("Initializing")})
	if err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	if first.StartedAt == nil {
		t.Fatalf("started_at not stamped")
	}
	second, err := m.TransitionJob(ctx, job.ID, jobs.StatusProcessing, Update{Progress: Float(30)})
	if err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	if !second.StartedAt.Equal(*first.StartedAt) {
		t.Fatalf("started_at rewritten: %v -> %v", first.StartedAt, second.StartedAt)
	}
	if second.CurrentStage != "Initializing" {
		t.Fatalf("stage should persist when not supplied: %q", second.CurrentStage)
	}

	evs := rec.all()
	if len(evs) != 2 || evs[1].Progress != 30 || evs[1].Type != realtime.EventUpdate {
		t.Fatalf("events: %+v", evs)
	}
}

func TestTransitionJobRejectsBackwardProgress(t *testing.T) {
	m, db, _ := newMachine(t)
	p, _ := testutil.SeedProject(t, db, 0, nil)
	job := testutil.SeedJob(t, db, p.ID, jobs.KindFullVideo)
	ctx := context.Background()

	if _, err := m.TransitionJob(ctx, job.ID, jobs.StatusProcessing, Update{Progress: Float(50)}); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	_, err := m.TransitionJob(ctx, job.ID, jobs.StatusProcessing, Update{Progress: Float(40)})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition got=%v", err)
	}
	if _, err := m.TransitionJob(ctx, job.ID, jobs.StatusProcessing, Update{Progress: Float(100)}); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("progress 100 while PROCESSING: want ErrInvalidTransition got=%v", err)
	}
	var got jobs.GenerationJob
	db.First(&got, "id = ?", job.ID)
	if got.Progress != 50 {
		t.Fatalf("progress mutated by rejected transition: %v", got.Progress)
	}
}

func TestTransitionJobTerminalIsFinal(t *testing.T) {
	m, db, _ := newMachine(t)
	p, _ := testutil.SeedProject(t, db, 0, nil)
	job := testutil.SeedJob(t, db, p.ID, jobs.KindFullVideo)
	ctx := context.Background()

	if _, err := m.TransitionJob(ctx, job.ID, jobs.StatusProcessing, Update{}); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	done, err := m.TransitionJob(ctx, job.ID, jobs.StatusCompleted, Update{Stage: String("Completed")})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Progress != 100 || done.CompletedAt == nil || done.Error != nil {
		t.Fatalf("completed record: %+v", done)
	}

	for _, to := range []jobs.Status{jobs.StatusProcessing, jobs.StatusFailed, jobs.StatusCancelled} {
		if _, err := m.TransitionJob(ctx, job.ID, to, Update{Error: "late"}); !errors.Is(err, apperr.ErrInvalidTransition) {
			t.Fatalf("COMPLETED -> %s: want ErrInvalidTransition got=%v", to, err)
		}
	}
	var got jobs.GenerationJob
	db.First(&got, "id = ?", job.ID)
	if got.Status != jobs.StatusCompleted || !got.CompletedAt.Equal(*done.CompletedAt) {
		t.Fatalf("terminal record changed: %+v", got)
	}
}

func TestTransitionJobFailedCarriesError(t *testing.T) {
	m, db, _ := newMachine(t)
	p, _ := testutil.SeedProject(t, db, 0, nil)
	job := testutil.SeedJob(t, db, p.ID, jobs.KindFullVideo)

	failed, err := m.TransitionJob(context.Background(), job.ID, jobs.StatusFailed, Update{})
	if err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	if failed.ErrorMessage() != defaultFailure {
		t.Fatalf("error: want=%q got=%q", defaultFailure, failed.ErrorMessage())
	}
	if failed.StartedAt != nil {
		t.Fatalf("QUEUED -> FAILED must not stamp started_at")
	}
	if failed.CompletedAt == nil {
		t.Fatalf("completed_at not stamped")
	}
}

func TestTransitionJobQueuedCannotComplete(t *testing.T) {
	m, db, _ := newMachine(t)
	p, _ := testutil.SeedProject(t, db, 0, nil)
	job := testutil.SeedJob(t, db, p.ID, jobs.KindFullVideo)
	if _, err := m.TransitionJob(context.Background(), job.ID, jobs.StatusCompleted, Update{}); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition got=%v", err)
	}
}

func TestPublishFailureDoesNotRollBack(t *testing.T) {
	m, db, rec := newMachine(t)
	rec.err = errors.New("bus down")
	p, _ := testutil.SeedProject(t, db, 0, nil)
	job := testutil.SeedJob(t, db, p.ID, jobs.KindFullVideo)

	if _, err := m.TransitionJob(context.Background(), job.ID, jobs.StatusProcessing, Update{}); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	var got jobs.GenerationJob
	db.First(&got, "id = ?", job.ID)
	if got.Status != jobs.StatusProcessing {
		t.Fatalf("status: want=PROCESSING got=%s", got.Status)
	}
}

func TestSceneLifecycleAndReset(t *testing.T) {
	m, db, rec := newMachine(t)
	p, scenes := testutil.SeedProject(t, db, 1, nil)
	job := testutil.SeedJob(t, db, p.ID, jobs.KindFullVideo)
	ctx := context.Background()
	sc := scenes[0]

	if _, err := m.TransitionScene(ctx, sc.ID, media.SceneCompleted, SceneUpdate{}, job.ID); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("PENDING -> COMPLETED: want ErrInvalidTransition got=%v", err)
	}
	if _, err := m.TransitionScene(ctx, sc.ID, media.SceneGenerating, SceneUpdate{}, job.ID); err != nil {
		t.Fatalf("-> GENERATING: %v", err)
	}
	if _, err := m.ResetScene(ctx, sc.ID, SceneReset{}); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("reset while generating: want ErrInvalidTransition got=%v", err)
	}
	failed, err := m.TransitionScene(ctx, sc.ID, media.SceneFailed, SceneUpdate{Error: "animate: boom", Stage: "animate"}, job.ID)
	if err != nil {
		t.Fatalf("-> FAILED: %v", err)
	}
	if failed.FailedStage != "animate" || failed.Error != "animate: boom" {
		t.Fatalf("failed scene: %+v", failed)
	}
	if _, err := m.TransitionScene(ctx, sc.ID, media.ScenePending, SceneUpdate{}, job.ID); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("FAILED -> PENDING without reset: want ErrInvalidTransition got=%v", err)
	}

	reset, err := m.ResetScene(ctx, sc.ID, SceneReset{ImagePrompt: String("new prompt")})
	if err != nil {
		t.Fatalf("ResetScene: %v", err)
	}
	if reset.Status != media.ScenePending || reset.Error != "" || reset.FailedStage != "" {
		t.Fatalf("reset scene: %+v", reset)
	}
	if reset.ImagePrompt != "new prompt" || reset.MotionPrompt != "pan left" {
		t.Fatalf("prompts: image=%q motion=%q", reset.ImagePrompt, reset.MotionPrompt)
	}

	var sceneEvents int
	for _, ev := range rec.all() {
		if ev.Type == realtime.EventScene {
			sceneEvents++
			if ev.JobID != job.ID || ev.SceneID == nil || *ev.SceneID != sc.ID {
				t.Fatalf("scene event: %+v", ev)
			}
		}
	}
	if sceneEvents != 2 {
		t.Fatalf("scene events: want=2 got=%d", sceneEvents)
	}
}

func TestAnnounceAndSnapshot(t *testing.T) {
	m, db, rec := newMachine(t)
	p, _ := testutil.SeedProject(t, db, 0, nil)
	job := testutil.SeedJob(t, db, p.ID, jobs.KindFullVideo)
	ctx := context.Background()

	if err := m.Announce(ctx, job.ID); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if evs := rec.all(); len(evs) != 1 || evs[0].Status != string(jobs.StatusQueued) {
		t.Fatalf("announce events: %+v", evs)
	}
	snap, err := m.Snapshot(ctx, job.ID)
	if err != nil || snap.Type != realtime.EventStatus || snap.JobID != job.ID {
		t.Fatalf("Snapshot: %+v err=%v", snap, err)
	}
}

func TestTransitionSceneUnknownJobPublishesNothing(t *testing.T) {
	m, db, rec := newMachine(t)
	_, scenes := testutil.SeedProject(t, db, 1, nil)

	_, err := m.TransitionScene(context.Background(), scenes[0].ID, media.SceneGenerating, SceneUpdate{}, uuid.New())
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("want ErrNotFound got=%v", err)
	}
	var sc media.Scene
	db.First(&sc, "id = ?", scenes[0].ID)
	if sc.Status != media.ScenePending {
		t.Fatalf("scene moved without its job: %s", sc.Status)
	}
	if evs := rec.all(); len(evs) != 0 {
		t.Fatalf("published %d events", len(evs))
	}
}

func TestFailRunningScenesOnlyTouchesGenerating(t *testing.T) {
	m, db, _ := newMachine(t)
	p, scenes := testutil.SeedProject(t, db, 3, nil)
	job := testutil.SeedJob(t, db, p.ID, jobs.KindFullVideo)
	ctx := context.Background()
	for _, sc := range scenes[:2] {
		if _, err := m.TransitionScene(ctx, sc.ID, media.SceneGenerating, SceneUpdate{}, job.ID); err != nil {
			t.Fatalf("-> GENERATING: %v", err)
		}
	}
	if _, err := m.TransitionScene(ctx, scenes[1].ID, media.SceneCompleted, SceneUpdate{}, job.ID); err != nil {
		t.Fatalf("-> COMPLETED: %v", err)
	}

	if err := m.FailRunningScenes(ctx, job, "job cancelled"); err != nil {
		t.Fatalf("FailRunningScenes: %v", err)
	}
	want := []media.SceneStatus{media.SceneFailed, media.SceneCompleted, media.ScenePending}
	for i, sc := range scenes {
		var got media.Scene
		db.First(&got, "id = ?", sc.ID)
		if got.Status != want[i] {
			t.Fatalf("scene %d: want=%s got=%s", i+1, want[i], got.Status)
		}
	}
}

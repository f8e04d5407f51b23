package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"gorm.io/gorm"

	jobrepo "github.com/yungbote/scenecast-backend/internal/data/repos/jobs"
	mediarepo "github.com/yungbote/scenecast-backend/internal/data/repos/media"
	"github.com/yungbote/scenecast-backend/internal/data/repos/testutil"
	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	"github.com/yungbote/scenecast-backend/internal/domain/media"
	"github.com/yungbote/scenecast-backend/internal/jobs/stages"
	"github.com/yungbote/scenecast-backend/internal/jobs/stages/stagestest"
	"github.com/yungbote/scenecast-backend/internal/jobs/statemachine"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
)

type fixture struct {
	db        *gorm.DB
	runner    *Runner
	machine   *statemachine.Machine
	set       *stagestest.Set
	artifacts mediarepo.ArtifactRepo
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	scenes := mediarepo.NewSceneRepo(db, log)
	arts := mediarepo.NewArtifactRepo(db, log)
	m := statemachine.New(db, jobrepo.NewGenerationJobRepo(db, log), scenes, nil, log)
	set := stagestest.New()
	return fixture{db: db, runner: NewRunner(db, m, scenes, arts, set, log), machine: m, set: set, artifacts: arts}
}

func (f fixture) processingJob(t *testing.T, p *media.Project, kind jobs.Kind) *jobs.GenerationJob {
	t.Helper()
	job := testutil.SeedJob(t, f.db, p.ID, kind)
	if _, err := f.machine.TransitionJob(context.Background(), job.ID, jobs.StatusProcessing, statemachine.Update{}); err != nil {
		t.Fatalf("start job: %v", err)
	}
	return job
}

func stageList(s []stages.Stage) string {
	parts := make([]string, len(s))
	for i, st := range s {
		parts[i] = string(st)
	}
	return strings.Join(parts, ",")
}

func TestPlanSkipsDialogueStagesWithoutDialogue(t *testing.T) {
	if got := stageList(Plan(&media.Scene{})); got != "image,animate" {
		t.Fatalf("plan: %s", got)
	}
	if got := stageList(Plan(&media.Scene{Dialogue: "hello"})); got != "image,animate,voice,lipsync" {
		t.Fatalf("plan: %s", got)
	}
	if got := stageList(Plan(&media.Scene{Dialogue: "   "})); got != "image,animate" {
		t.Fatalf("blank dialogue plan: %s", got)
	}
}

func TestRunSceneLinksArtifactsPerStage(t *testing.T) {
	f := newFixture(t)
	p, scenes := testutil.SeedProject(t, f.db, 1, func(int) bool { return true })
	f.set.Track(scenes...)
	job := f.processingJob(t, p, jobs.KindFullVideo)
	ctx := context.Background()

	res, err := f.runner.RunScene(ctx, SceneTask{JobID: job.ID, SceneID: scenes[0].ID, Kind: jobs.KindFullVideo, Index: 1, Total: 1})
	if err != nil {
		t.Fatalf("RunScene: %v", err)
	}
	if !res.Completed() || len(res.Artifacts) != 4 {
		t.Fatalf("result: %+v", res)
	}

	links, err := f.artifacts.ListForScene(dbctx.New(ctx), scenes[0].ID)
	if err != nil {
		t.Fatalf("ListForScene: %v", err)
	}
	wantRoles := []media.Role{media.RoleBackground, media.RoleVideo, media.RoleAudio, media.RoleVideo}
	if len(links) != len(wantRoles) {
		t.Fatalf("links: want=%d got=%d", len(wantRoles), len(links))
	}
	for i, l := range links {
		if l.Role != wantRoles[i] {
			t.Fatalf("link %d role: want=%s got=%s", i, wantRoles[i], l.Role)
		}
	}
	if clip := PrimaryClip(links); clip == nil || clip.Stage != string(stages.StageLipSync) {
		t.Fatalf("primary clip should be the lipsync output: %+v", clip)
	}

	calls := f.set.Calls()
	if calls[1].Input.ImageURI == "" || calls[3].Input.AudioURI == "" || calls[3].Input.VideoURI == "" {
		t.Fatalf("prior outputs not chained: %+v", calls)
	}
	if calls[0].Input.Width != jobs.DefaultImageSize || calls[1].Input.FPS != jobs.DefaultFPS {
		t.Fatalf("defaults not applied: %+v", calls[0].Input)
	}

	var stored jobs.GenerationJob
	if err := f.db.First(&stored, "id = ?", job.ID).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if stored.CurrentStage != "Scene 1/1: lipsync" || stored.Progress != 0 {
		t.Fatalf("stage label should change without progress: %q %v", stored.CurrentStage, stored.Progress)
	}
}

func TestRunSceneFailureIsAResultNotAnError(t *testing.T) {
	f := newFixture(t)
	p, scenes := testutil.SeedProject(t, f.db, 1, nil)
	f.set.Track(scenes...)
	f.set.FailOn(stages.StageAnimate, 1, nil)
	job := f.processingJob(t, p, jobs.KindFullVideo)

	res, err := f.runner.RunScene(context.Background(), SceneTask{JobID: job.ID, SceneID: scenes[0].ID, Index: 1, Total: 1})
	if err != nil {
		t.Fatalf("RunScene: %v", err)
	}
	if res.Status != media.SceneFailed || res.FailedStage != stages.StageAnimate {
		t.Fatalf("result: %+v", res)
	}
	if !strings.HasPrefix(res.Error, "animate: ") || strings.HasPrefix(res.Error, "animate: animate:") {
		t.Fatalf("error message: %q", res.Error)
	}

	var stored media.Scene
	if err := f.db.First(&stored, "id = ?", scenes[0].ID).Error; err != nil {
		t.Fatalf("load scene: %v", err)
	}
	if stored.Status != media.SceneFailed || stored.FailedStage != "animate" || stored.Error != res.Error {
		t.Fatalf("scene: %+v", stored)
	}
	// The image from before the failure stays linked.
	links, _ := f.artifacts.ListForScene(dbctx.New(context.Background()), scenes[0].ID)
	if len(links) != 1 || links[0].Role != media.RoleBackground {
		t.Fatalf("links: %+v", links)
	}
}

func TestRunSceneRedeliveryReturnsPriorResult(t *testing.T) {
	f := newFixture(t)
	p, scenes := testutil.SeedProject(t, f.db, 1, nil)
	f.set.Track(scenes...)
	job := f.processingJob(t, p, jobs.KindFullVideo)
	task := SceneTask{JobID: job.ID, SceneID: scenes[0].ID, Index: 1, Total: 1}

	if _, err := f.runner.RunScene(context.Background(), task); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := len(f.set.Calls())
	res, err := f.runner.RunScene(context.Background(), task)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !res.Completed() || len(f.set.Calls()) != before {
		t.Fatalf("completed scene should not rerun: %+v calls=%d", res, len(f.set.Calls()))
	}
}

func TestRunSceneStopsWhenJobCancelled(t *testing.T) {
	f := newFixture(t)
	p, scenes := testutil.SeedProject(t, f.db, 1, nil)
	f.set.Track(scenes...)
	job := f.processingJob(t, p, jobs.KindFullVideo)
	if _, err := f.machine.TransitionJob(context.Background(), job.ID, jobs.StatusCancelled, statemachine.Update{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	res, err := f.runner.RunScene(context.Background(), SceneTask{JobID: job.ID, SceneID: scenes[0].ID, Index: 1, Total: 1})
	if !errors.Is(err, ErrJobStopped) {
		t.Fatalf("want ErrJobStopped, got %v", err)
	}
	if res.Status != media.SceneFailed || len(f.set.Calls()) != 0 {
		t.Fatalf("scene should fail before any stage ran: %+v", res)
	}
}

func TestRunSceneCancelledMidStageFailsScene(t *testing.T) {
	f := newFixture(t)
	p, scenes := testutil.SeedProject(t, f.db, 1, nil)
	f.set.Track(scenes...)
	job := f.processingJob(t, p, jobs.KindFullVideo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The job is cancelled while the image stage runs; its output arrives
	// after the run context is gone.
	f.set.After(stages.StageImage, func() {
		if _, err := f.machine.TransitionJob(context.Background(), job.ID, jobs.StatusCancelled, statemachine.Update{}); err != nil {
			t.Errorf("cancel job: %v", err)
		}
		cancel()
	})

	res, err := f.runner.RunScene(ctx, SceneTask{JobID: job.ID, SceneID: scenes[0].ID, Index: 1, Total: 1})
	if !errors.Is(err, ErrJobStopped) {
		t.Fatalf("want ErrJobStopped, got %v", err)
	}
	if res.Status != media.SceneFailed || res.FailedStage != stages.StageImage {
		t.Fatalf("result: %+v", res)
	}
	sc, gerr := mediarepo.NewSceneRepo(f.db, testutil.Logger(t)).GetByID(dbctx.New(context.Background()), scenes[0].ID)
	if gerr != nil {
		t.Fatalf("GetByID: %v", gerr)
	}
	if sc.Status != media.SceneFailed || !strings.Contains(sc.Error, "job cancelled") {
		t.Fatalf("scene left %s: %q", sc.Status, sc.Error)
	}
	if _, err := f.machine.ResetScene(context.Background(), sc.ID, statemachine.SceneReset{}); err != nil {
		t.Fatalf("scene should be regenerable: %v", err)
	}
}

func TestAssetRegenerationReusesVisuals(t *testing.T) {
	f := newFixture(t)
	p, scenes := testutil.SeedProject(t, f.db, 1, func(int) bool { return true })
	f.set.Track(scenes...)
	ctx := context.Background()

	first := f.processingJob(t, p, jobs.KindFullVideo)
	if _, err := f.runner.RunScene(ctx, SceneTask{JobID: first.ID, SceneID: scenes[0].ID, Index: 1, Total: 1}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := f.runner.Regenerate(ctx, scenes[0].ID, RegenerateRequest{RegenerateAudio: true}); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	regen := f.processingJob(t, p, jobs.KindAssetRegeneration)
	res, err := f.runner.RunScene(ctx, SceneTask{JobID: regen.ID, SceneID: scenes[0].ID, Kind: jobs.KindAssetRegeneration, Index: 1, Total: 1})
	if err != nil || !res.Completed() {
		t.Fatalf("regen run: %+v %v", res, err)
	}
	ran := f.set.CallsFor(scenes[0].ID)
	if got := stageList(ran[4:]); got != "voice,lipsync" {
		t.Fatalf("regen stages: %s", got)
	}
	links, _ := f.artifacts.ListForScene(dbctx.New(ctx), scenes[0].ID)
	if len(links) != 6 {
		t.Fatalf("old artifacts must be kept: got %d links", len(links))
	}
}

func TestRegenerateReplacesPrompts(t *testing.T) {
	f := newFixture(t)
	p, scenes := testutil.SeedProject(t, f.db, 1, nil)
	f.set.Track(scenes...)
	f.set.FailOn(stages.StageImage, 1, nil)
	job := f.processingJob(t, p, jobs.KindFullVideo)
	if _, err := f.runner.RunScene(context.Background(), SceneTask{JobID: job.ID, SceneID: scenes[0].ID}); err != nil {
		t.Fatalf("RunScene: %v", err)
	}

	prompt := "a lighthouse at dusk"
	sc, err := f.runner.Regenerate(context.Background(), scenes[0].ID, RegenerateRequest{ImagePrompt: &prompt})
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if sc.Status != media.ScenePending || sc.ImagePrompt != prompt || sc.MotionPrompt != "pan left" || sc.Error != "" {
		t.Fatalf("scene: %+v", sc)
	}
	if (RegenerateRequest{}).JobKind() != "" {
		t.Fatalf("prompt-only regenerate should not need a job")
	}
}

func TestCollectDropsVoiceUnderLipSync(t *testing.T) {
	f := newFixture(t)
	p, scenes := testutil.SeedProject(t, f.db, 2, func(i int) bool { return i == 1 })
	f.set.Track(scenes...)
	f.set.FailOn(stages.StageLipSync, 1, nil)
	job := f.processingJob(t, p, jobs.KindFullVideo)
	ctx := context.Background()

	// Scene 1 fails at lipsync, so its clip is the animation and the voice must be mixed.
	if _, err := f.runner.RunScene(ctx, SceneTask{JobID: job.ID, SceneID: scenes[0].ID}); err != nil {
		t.Fatalf("RunScene: %v", err)
	}
	sm, err := f.runner.Collect(ctx, scenes[0])
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if sm.Clip == nil || sm.Clip.Stage != "animate" || len(sm.Audio) != 1 {
		t.Fatalf("media: %+v", sm)
	}

	if _, err := f.runner.RunScene(ctx, SceneTask{JobID: job.ID, SceneID: scenes[1].ID}); err != nil {
		t.Fatalf("RunScene: %v", err)
	}
	sm, err = f.runner.Collect(ctx, scenes[1])
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if sm.Clip == nil || len(sm.Audio) != 0 {
		t.Fatalf("media: %+v", sm)
	}
}

func TestEncodeMeta(t *testing.T) {
	if raw, err := EncodeMeta(nil); err != nil || raw != nil {
		t.Fatalf("empty: %q %v", raw, err)
	}
	raw, err := EncodeMeta(map[string]interface{}{"fps": 24})
	if err != nil || string(raw) != `{"fps":24}` {
		t.Fatalf("encode: %q %v", raw, err)
	}
	if _, err := EncodeMeta(map[string]interface{}{"duration": math.NaN()}); err == nil {
		t.Fatalf("want error for unencodable metadata")
	}
}

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	jobrepo "github.com/yungbote/scenecast-backend/internal/data/repos/jobs"
	mediarepo "github.com/yungbote/scenecast-backend/internal/data/repos/media"
	"github.com/yungbote/scenecast-backend/internal/data/repos/testutil"
	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	"github.com/yungbote/scenecast-backend/internal/domain/media"
	"github.com/yungbote/scenecast-backend/internal/jobs/pipeline"
	"github.com/yungbote/scenecast-backend/internal/jobs/stages"
	"github.com/yungbote/scenecast-backend/internal/jobs/stages/stagestest"
	"github.com/yungbote/scenecast-backend/internal/jobs/statemachine"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
	"github.com/yungbote/scenecast-backend/internal/realtime"
)

type recorder struct {
	mu     sync.Mutex
	events []realtime.ProgressEvent
}

func (r *recorder) Publish(_ context.Context, ev realtime.ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) updates() []realtime.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []realtime.ProgressEvent
	for _, ev := range r.events {
		if ev.Type == realtime.EventUpdate {
			out = append(out, ev)
		}
	}
	return out
}

type fakeStore struct{ keys []string }

func (s *fakeStore) Put(_ context.Context, key, localPath string) (string, error) {
	s.keys = append(s.keys, key)
	return "gs://bucket/" + key, nil
}

type fixture struct {
	db    *gorm.DB
	orch  *Orchestrator
	set   *stagestest.Set
	rec   *recorder
	repos Repos
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	repos := Repos{
		Jobs:      jobrepo.NewGenerationJobRepo(db, log),
		Projects:  mediarepo.NewProjectRepo(db, log),
		Scenes:    mediarepo.NewSceneRepo(db, log),
		Artifacts: mediarepo.NewArtifactRepo(db, log),
		Outputs:   mediarepo.NewOutputRepo(db, log),
	}
	rec := &recorder{}
	m := statemachine.New(db, repos.Jobs, repos.Scenes, rec, log)
	set := stagestest.New()
	runner := pipeline.NewRunner(db, m, repos.Scenes, repos.Artifacts, set, log)
	return fixture{db: db, orch: New(db, m, repos, runner, set, nil, log), set: set, rec: rec, repos: repos}
}

func (f fixture) scenes(t *testing.T, projectID uuid.UUID) []*media.Scene {
	t.Helper()
	out, err := f.repos.Scenes.ListByProject(dbctx.New(context.Background()), projectID)
	if err != nil {
		t.Fatalf("ListByProject: %v", err)
	}
	return out
}

func (f fixture) job(t *testing.T, id uuid.UUID) *jobs.GenerationJob {
	t.Helper()
	j, err := f.repos.Jobs.GetByID(dbctx.New(context.Background()), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return j
}

func TestRunJobIsolatesSceneFailure(t *testing.T) {
	f := newFixture(t)
	p, scenes := testutil.SeedProject(t, f.db, 3, nil)
	f.set.Track(scenes...)
	f.set.FailOn(stages.StageAnimate, 2, nil)
	job := testutil.SeedJob(t, f.db, p.ID, jobs.KindFullVideo)

	res, err := f.orch.RunJob(context.Background(), job.ID, f.orch.Runner())
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if res.Status != jobs.StatusCompleted || res.Clips != 2 {
		t.Fatalf("result: %+v", res)
	}

	want := []media.SceneStatus{media.SceneCompleted, media.SceneFailed, media.SceneCompleted}
	for i, sc := range f.scenes(t, p.ID) {
		if sc.Status != want[i] {
			t.Fatalf("scene %d: want=%s got=%s", i+1, want[i], sc.Status)
		}
	}
	if len(f.set.Assembled) != 1 || len(f.set.Assembled[0]) != 2 {
		t.Fatalf("assembled: %+v", f.set.Assembled)
	}
	clips := f.set.Assembled[0]
	if !strings.Contains(clips[0], scenes[0].ID.String()) || !strings.Contains(clips[1], scenes[2].ID.String()) {
		t.Fatalf("clips out of order: %v", clips)
	}

	stored := f.job(t, job.ID)
	if stored.Progress != 100 || stored.CurrentStage != "Completed" || stored.Error != nil {
		t.Fatalf("job: %+v", stored)
	}
	out, err := f.repos.Outputs.GetByProject(dbctx.New(context.Background()), p.ID)
	if err != nil || out.ClipCount != 2 || !strings.HasSuffix(out.URI, p.ID.String()+"_final.mp4") {
		t.Fatalf("output: %+v %v", out, err)
	}
	proj, _ := f.repos.Projects.GetByID(dbctx.New(context.Background()), p.ID)
	if proj.Status != media.ProjectCompleted {
		t.Fatalf("project status: %s", proj.Status)
	}

	// Progress only moves forward and the last event is terminal.
	evs := f.rec.updates()
	for i := 1; i < len(evs); i++ {
		if evs[i].Progress < evs[i-1].Progress {
			t.Fatalf("progress went backward at %d: %v -> %v", i, evs[i-1].Progress, evs[i].Progress)
		}
	}
	if last := evs[len(evs)-1]; last.Status != string(jobs.StatusCompleted) || last.Progress != 100 {
		t.Fatalf("last event: %+v", last)
	}
}

func TestRunJobCancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	p, scenes := testutil.SeedProject(t, f.db, 2, nil)
	f.set.Track(scenes...)
	job := testutil.SeedJob(t, f.db, p.ID, jobs.KindFullVideo)
	if _, err := f.orch.machine.TransitionJob(context.Background(), job.ID, jobs.StatusCancelled, statemachine.Update{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	res, err := f.orch.RunJob(context.Background(), job.ID, f.orch.Runner())
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if res.Status != jobs.StatusCancelled {
		t.Fatalf("status: %s", res.Status)
	}
	for _, sc := range f.scenes(t, p.ID) {
		if sc.Status != media.ScenePending {
			t.Fatalf("scene %d touched: %s", sc.SequenceNumber, sc.Status)
		}
	}
	n, err := f.repos.Artifacts.CountForProject(dbctx.New(context.Background()), p.ID)
	if err != nil || n != 0 {
		t.Fatalf("artifacts: %d %v", n, err)
	}
	if len(f.set.Calls()) != 0 {
		t.Fatalf("executors ran: %d", len(f.set.Calls()))
	}
}

func TestRunJobFailsWithoutUsableScenes(t *testing.T) {
	f := newFixture(t)
	p, scenes := testutil.SeedProject(t, f.db, 2, nil)
	f.set.Track(scenes...)
	f.set.FailOn(stages.StageImage, 1, nil)
	f.set.FailOn(stages.StageImage, 2, nil)
	job := testutil.SeedJob(t, f.db, p.ID, jobs.KindFullVideo)

	res, err := f.orch.RunJob(context.Background(), job.ID, f.orch.Runner())
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if res.Status != jobs.StatusFailed || res.Error != ErrNoUsableScenes.Error() {
		t.Fatalf("result: %+v", res)
	}
	if len(f.set.Assembled) != 0 {
		t.Fatalf("assembler should not run")
	}
	proj, _ := f.repos.Projects.GetByID(dbctx.New(context.Background()), p.ID)
	if proj.Status != media.ProjectFailed {
		t.Fatalf("project status: %s", proj.Status)
	}
}

func TestRunJobDecomposesScriptAndSkipsPromptFailures(t *testing.T) {
	f := newFixture(t)
	p, _ := testutil.SeedProject(t, f.db, 0, nil)
	f.set.Drafts = []stages.SceneDraft{
		{SequenceNumber: 1, Description: "harbour at dawn"},
		{SequenceNumber: 2, Description: "market crowd", Dialogue: "Fresh fish!"},
		{SequenceNumber: 3, Description: "boat leaves"},
	}
	f.set.PromptErr[2] = errors.New("prompt model down")
	job := testutil.SeedJob(t, f.db, p.ID, jobs.KindFullVideo)

	res, err := f.orch.RunJob(context.Background(), job.ID, f.orch.Runner())
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if res.Status != jobs.StatusCompleted || res.Clips != 2 {
		t.Fatalf("result: %+v", res)
	}
	scenes := f.scenes(t, p.ID)
	if len(scenes) != 3 {
		t.Fatalf("scenes: %d", len(scenes))
	}
	if scenes[0].ImagePrompt != "generated: harbour at dawn" || scenes[0].Status != media.SceneCompleted {
		t.Fatalf("scene 1: %+v", scenes[0])
	}
	if scenes[1].Status != media.ScenePending || scenes[1].ImagePrompt != "" {
		t.Fatalf("scene 2 should be skipped: %+v", scenes[1])
	}
}

func TestRunJobDecompositionFailureCreatesNoScenes(t *testing.T) {
	f := newFixture(t)
	p, _ := testutil.SeedProject(t, f.db, 0, nil)
	f.set.ParseErr = apperr.Wrap(apperr.ErrCollaborator, "script_parse", "decompose", "parser exploded", nil)
	job := testutil.SeedJob(t, f.db, p.ID, jobs.KindFullVideo)

	res, err := f.orch.RunJob(context.Background(), job.ID, f.orch.Runner())
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if res.Status != jobs.StatusFailed || !strings.Contains(res.Error, "parser exploded") {
		t.Fatalf("result: %+v", res)
	}
	if n := len(f.scenes(t, p.ID)); n != 0 {
		t.Fatalf("scenes created: %d", n)
	}
}

func TestRunJobAssemblyFailureKeepsScenes(t *testing.T) {
	f := newFixture(t)
	p, scenes := testutil.SeedProject(t, f.db, 2, nil)
	f.set.Track(scenes...)
	f.set.AssembleErr = apperr.Wrap(apperr.ErrCollaborator, "assemble", "concat", "codec mismatch", nil)
	job := testutil.SeedJob(t, f.db, p.ID, jobs.KindFullVideo)

	res, err := f.orch.RunJob(context.Background(), job.ID, f.orch.Runner())
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if res.Status != jobs.StatusFailed || !strings.Contains(res.Error, "codec mismatch") {
		t.Fatalf("result: %+v", res)
	}
	for _, sc := range f.scenes(t, p.ID) {
		if sc.Status != media.SceneCompleted {
			t.Fatalf("scene %d: %s", sc.SequenceNumber, sc.Status)
		}
	}
	if stored := f.job(t, job.ID); stored.Progress != 80 {
		t.Fatalf("progress should stay at the assembly mark: %v", stored.Progress)
	}
}

func TestRunJobUsesProjectSettingsForScenesAndAssembly(t *testing.T) {
	f := newFixture(t)
	p, scenes := testutil.SeedProject(t, f.db, 1, nil)
	f.set.Track(scenes...)
	dbc := dbctx.New(context.Background())
	if err := f.db.Model(p).Update("settings", jobs.Settings{Resolution: "720p", AspectRatio: "9:16", FPS: 30}.Encode()).Error; err != nil {
		t.Fatalf("set project settings: %v", err)
	}
	job := testutil.SeedJob(t, f.db, p.ID, jobs.KindFullVideo)
	if err := f.repos.Jobs.UpdateFields(dbc, job.ID, map[string]interface{}{"settings": jobs.Settings{AspectRatio: "1:1"}.Encode()}); err != nil {
		t.Fatalf("set job settings: %v", err)
	}

	res, err := f.orch.RunJob(context.Background(), job.ID, f.orch.Runner())
	if err != nil || res.Status != jobs.StatusCompleted {
		t.Fatalf("RunJob: %+v %v", res, err)
	}
	if len(f.set.Outputs) != 1 {
		t.Fatalf("assemble calls: %d", len(f.set.Outputs))
	}
	if cfg := f.set.Outputs[0]; cfg.Resolution != "720p" || cfg.AspectRatio != "1:1" || cfg.FPS != 30 {
		t.Fatalf("assembly config: %+v", cfg)
	}
	for _, c := range f.set.Calls() {
		if c.Stage == stages.StageAnimate && c.Input.FPS != 30 {
			t.Fatalf("animate fps: %d", c.Input.FPS)
		}
	}
}

func TestFinishFailsOnUndecodableSettings(t *testing.T) {
	f := newFixture(t)
	p, scenes := testutil.SeedProject(t, f.db, 1, nil)
	f.set.Track(scenes...)
	job := testutil.SeedJob(t, f.db, p.ID, jobs.KindFullVideo)
	if _, err := f.orch.Begin(context.Background(), job.ID); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := f.db.Exec("UPDATE generation_job SET settings = ? WHERE id = ?", `{"fps":"fast"}`, job.ID).Error; err != nil {
		t.Fatalf("corrupt settings: %v", err)
	}

	_, err := f.orch.Finish(context.Background(), job.ID)
	if !errors.Is(err, apperr.ErrInput) {
		t.Fatalf("Finish: want ErrInput got %v", err)
	}
	if len(f.set.Outputs) != 0 {
		t.Fatalf("assembled with undecodable settings")
	}
}

type panicRunner struct{}

func (panicRunner) RunScene(context.Context, pipeline.SceneTask) (pipeline.SceneResult, error) {
	panic("executor blew up")
}

func TestRunJobRecoversPanic(t *testing.T) {
	f := newFixture(t)
	p, _ := testutil.SeedProject(t, f.db, 1, nil)
	job := testutil.SeedJob(t, f.db, p.ID, jobs.KindFullVideo)

	res, err := f.orch.RunJob(context.Background(), job.ID, panicRunner{})
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if res.Status != jobs.StatusFailed {
		t.Fatalf("status: %s", res.Status)
	}
	if stored := f.job(t, job.ID); !strings.Contains(stored.ErrorMessage(), "executor blew up") {
		t.Fatalf("error: %q", stored.ErrorMessage())
	}
}

type flakyRunner struct{}

func (flakyRunner) RunScene(context.Context, pipeline.SceneTask) (pipeline.SceneResult, error) {
	return pipeline.SceneResult{}, apperr.Wrap(apperr.ErrInfrastructure, "", "persist", "db gone", nil)
}

func TestRunJobReturnsRetryableErrors(t *testing.T) {
	f := newFixture(t)
	p, _ := testutil.SeedProject(t, f.db, 1, nil)
	job := testutil.SeedJob(t, f.db, p.ID, jobs.KindFullVideo)

	if _, err := f.orch.RunJob(context.Background(), job.ID, flakyRunner{}); !apperr.Retryable(err) {
		t.Fatalf("want retryable error, got %v", err)
	}
	if stored := f.job(t, job.ID); stored.Status != jobs.StatusProcessing {
		t.Fatalf("job should stay processing for the retry: %s", stored.Status)
	}

	// The redelivery is counted and can still finish the job.
	res, err := f.orch.RunJob(context.Background(), job.ID, f.orch.Runner())
	if err != nil || res.Status != jobs.StatusCompleted {
		t.Fatalf("retry: %+v %v", res, err)
	}
	if stored := f.job(t, job.ID); stored.Attempts != 2 {
		t.Fatalf("attempts: want=2 got=%d", stored.Attempts)
	}
	if _, err := f.orch.Begin(context.Background(), job.ID); err != nil {
		t.Fatalf("Begin on settled job: %v", err)
	}
	if stored := f.job(t, job.ID); stored.Attempts != 2 {
		t.Fatalf("settled job should not count attempts: %d", stored.Attempts)
	}
}

func TestFailOnTerminalJobAnnounces(t *testing.T) {
	f := newFixture(t)
	p, _ := testutil.SeedProject(t, f.db, 1, nil)
	job := testutil.SeedJob(t, f.db, p.ID, jobs.KindFullVideo)
	if _, err := f.orch.machine.TransitionJob(context.Background(), job.ID, jobs.StatusCancelled, statemachine.Update{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	before := len(f.rec.updates())
	if err := f.orch.Fail(context.Background(), job.ID, errors.New("late failure")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	evs := f.rec.updates()
	if len(evs) != before+1 || evs[len(evs)-1].Status != string(jobs.StatusCancelled) {
		t.Fatalf("expected re-announced CANCELLED, got %+v", evs)
	}
}

func TestSingleSceneJobSkipsAssembly(t *testing.T) {
	f := newFixture(t)
	p, scenes := testutil.SeedProject(t, f.db, 2, nil)
	f.set.Track(scenes...)
	job := &jobs.GenerationJob{ProjectID: p.ID, SceneID: &scenes[1].ID, Kind: jobs.KindSingleScene}
	if err := f.repos.Jobs.Create(dbctx.New(context.Background()), job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := f.orch.RunJob(context.Background(), job.ID, f.orch.Runner())
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if res.Status != jobs.StatusCompleted || len(f.set.Assembled) != 0 {
		t.Fatalf("result: %+v assembled=%d", res, len(f.set.Assembled))
	}
	got := f.scenes(t, p.ID)
	if got[0].Status != media.ScenePending || got[1].Status != media.SceneCompleted {
		t.Fatalf("statuses: %s %s", got[0].Status, got[1].Status)
	}
	proj, _ := f.repos.Projects.GetByID(dbctx.New(context.Background()), p.ID)
	if proj.Status != media.ProjectDraft {
		t.Fatalf("single-scene jobs leave the project alone: %s", proj.Status)
	}
}

func TestUploadUsesArtifactStore(t *testing.T) {
	f := newFixture(t)
	store := &fakeStore{}
	f.orch.store = store
	pid := uuid.New()
	got := f.orch.upload(context.Background(), pid, "x_final.mp4", "file:///tmp/out/x_final.mp4")
	if got != "gs://bucket/outputs/"+pid.String()+"/x_final.mp4" {
		t.Fatalf("uri: %s", got)
	}
	if got := f.orch.upload(context.Background(), pid, "x", "https://cdn/x.mp4"); got != "https://cdn/x.mp4" {
		t.Fatalf("remote uri should pass through: %s", got)
	}
}

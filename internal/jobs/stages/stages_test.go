package stages

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/scenecast-backend/internal/domain/media"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

func newTestClient(t *testing.T, srv *httptest.Server, retries int, timeout time.Duration) *Client {
	t.Helper()
	c, err := NewClient(ClientOptions{
		BaseURL:    srv.URL,
		APIKey:     "k",
		Timeout:    timeout,
		MaxRetries: retries,
		Backoff:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestHTTPExecutorPostsInput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/image" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("auth header: %q", got)
		}
		var in Input
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode: %v", err)
		}
		if in.Prompt != "a red door" || in.Width != 1024 {
			t.Errorf("input: %+v", in)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"uri": "s3://bucket/img.png"})
	}))
	defer srv.Close()

	e := NewHTTPExecutor(StageImage, newTestClient(t, srv, 0, time.Second))
	out, err := e.Execute(context.Background(), Input{SceneID: uuid.New(), Prompt: "a red door", Width: 1024, Height: 1024})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.URI != "s3://bucket/img.png" || out.Kind != media.ArtifactImage {
		t.Fatalf("output: %+v", out)
	}
}

func TestHTTPExecutorClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"message":"prompt rejected"}}`))
	}))
	defer srv.Close()

	e := NewHTTPExecutor(StageAnimate, newTestClient(t, srv, 3, time.Second))
	_, err := e.Execute(context.Background(), Input{})
	if !errors.Is(err, apperr.ErrCollaborator) {
		t.Fatalf("want ErrCollaborator got=%v", err)
	}
	if apperr.StageOf(err) != string(StageAnimate) {
		t.Fatalf("stage: %q", apperr.StageOf(err))
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("calls: want=1 got=%d", n)
	}
}

func TestHTTPExecutorRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"kind":"VIDEO","uri":"file:///clip.mp4"}`))
	}))
	defer srv.Close()

	e := NewHTTPExecutor(StageAnimate, newTestClient(t, srv, 2, time.Second))
	out, err := e.Execute(context.Background(), Input{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.URI != "file:///clip.mp4" || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("out=%+v calls=%d", out, calls)
	}
}

func TestHTTPExecutorDeadlineIsTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	e := NewHTTPExecutor(StageVoice, newTestClient(t, srv, 0, 50*time.Millisecond))
	_, err := e.Execute(context.Background(), Input{})
	if !errors.Is(err, apperr.ErrTimeout) {
		t.Fatalf("want ErrTimeout got=%v", err)
	}
	if apperr.Retryable(err) {
		t.Fatalf("timeouts must not be retryable")
	}
}

func TestRegistryMissingStageIsUnavailable(t *testing.T) {
	r := NewRegistryFrom(logger.Nop(), Parts{})
	if _, err := r.Executor(StageLipSync); !errors.Is(err, apperr.ErrStageUnavailable) {
		t.Fatalf("want ErrStageUnavailable got=%v", err)
	}
	if _, err := r.Assembler(); !errors.Is(err, apperr.ErrCollaborator) {
		t.Fatalf("unavailable should classify as collaborator: %v", err)
	}
	health := r.Health(context.Background())
	if len(health) != 7 {
		t.Fatalf("health entries: want=7 got=%d", len(health))
	}
	for _, h := range health {
		if h.Ready {
			t.Fatalf("%s should not be ready", h.Name)
		}
	}
}

func TestLoadConfigMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stages.yaml")
	yml := `
defaults:
  base_url: http://gen:9000
  timeout_seconds: 120
stages:
  animate:
    base_url: http://anim:9001
    timeout_seconds: 900
assembler: http
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("STAGE_VOICE_URL", "http://tts:9002")
	t.Setenv("STAGES_ASSEMBLER", "")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if ep := cfg.Endpoint(StageAnimate); ep.BaseURL != "http://anim:9001" || ep.TimeoutSeconds != 900 {
		t.Fatalf("animate: %+v", ep)
	}
	if ep := cfg.Endpoint(StageImage); ep.BaseURL != "http://gen:9000" || ep.TimeoutSeconds != 120 {
		t.Fatalf("image: %+v", ep)
	}
	if ep := cfg.Endpoint(StageVoice); ep.BaseURL != "http://tts:9002" {
		t.Fatalf("voice env override: %+v", ep)
	}
	if cfg.Assembler != "http" {
		t.Fatalf("assembler: %q", cfg.Assembler)
	}

	missing, err := LoadConfig(filepath.Join(dir, "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should be fine: %v", err)
	}
	if missing.Assembler != "ffmpeg" {
		t.Fatalf("default assembler: %q", missing.Assembler)
	}
}

func TestDimensions(t *testing.T) {
	cases := []struct {
		res, aspect string
		w, h        int
	}{
		{"1080p", "16:9", 1920, 1080},
		{"720p", "9:16", 406, 720},
		{"480p", "1:1", 480, 480},
		{"4k", "4:3", 2880, 2160},
		{"", "", 1920, 1080},
	}
	for _, c := range cases {
		w, h := Dimensions(c.res, c.aspect)
		if w != c.w || h != c.h {
			t.Fatalf("%s %s: want=%dx%d got=%dx%d", c.res, c.aspect, c.w, c.h, w, h)
		}
	}
}

type slowExecutor struct {
	active int32
	max    int32
}

func (s *slowExecutor) Name() Stage { return StageImage }

func (s *slowExecutor) Execute(ctx context.Context, in Input) (Output, error) {
	n := atomic.AddInt32(&s.active, 1)
	for {
		m := atomic.LoadInt32(&s.max)
		if n <= m || atomic.CompareAndSwapInt32(&s.max, m, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt32(&s.active, -1)
	return Output{URI: "file:///x.png"}, nil
}

func TestExclusiveSerializesExecutions(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "accel.lock")
	inner := &slowExecutor{}
	a := Exclusive(inner, lockPath)
	b := Exclusive(inner, lockPath)

	var wg sync.WaitGroup
	for _, e := range []Executor{a, b, a, b} {
		wg.Add(1)
		go func(e Executor) {
			defer wg.Done()
			if _, err := e.Execute(context.Background(), Input{}); err != nil {
				t.Errorf("Execute: %v", err)
			}
		}(e)
	}
	wg.Wait()
	if m := atomic.LoadInt32(&inner.max); m != 1 {
		t.Fatalf("max concurrent executions: want=1 got=%d", m)
	}
}

func TestExclusiveWithoutPathIsPassthrough(t *testing.T) {
	inner := &slowExecutor{}
	if got := Exclusive(inner, ""); got != Executor(inner) {
		t.Fatalf("expected the same executor back")
	}
}

package localmedia

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/scenecast-backend/internal/platform/ctxutil"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

// Tools wraps the ffmpeg/ffprobe binaries. Call it from workers, not request handlers.
type Tools interface {
	AssertReady(ctx context.Context) error
	// Concat joins clips in order, scales/pads to the target frame and mixes any
	// extra audio tracks over the result.
	Concat(ctx context.Context, req ConcatRequest) (string, error)
	ProbeDuration(ctx context.Context, path string) (float64, error)
	WorkDir(name string) (string, error)
}

type ConcatRequest struct {
	Clips      []string
	Audio      []string
	OutputPath string
	Width      int
	Height     int
	FPS        int

	VideoCodec   string
	AudioCodec   string
	Preset       string
	CRF          int
	AudioBitrate string
}

type tools struct {
	log *logger.Logger

	ffmpegPath  string
	ffprobePath string
	workRoot    string

	defaultTimeout time.Duration
}

func New(log *logger.Logger, workRoot string) Tools {
	if strings.TrimSpace(workRoot) == "" {
		workRoot = filepath.Join(os.TempDir(), "scenecast-media")
	}
	return &tools{
		log:            log.With("service", "MediaTools"),
		ffmpegPath:     "ffmpeg",
		ffprobePath:    "ffprobe",
		workRoot:       workRoot,
		defaultTimeout: 10 * time.Minute,
	}
}

func (m *tools) AssertReady(ctx context.Context) error {
	for _, bin := range []string{m.ffmpegPath, m.ffprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("missing required binary %q in PATH: %w", bin, err)
		}
	}
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return fmt.Errorf("create workRoot: %w", err)
	}
	return nil
}

func (m *tools) WorkDir(name string) (string, error) {
	dir := filepath.Join(m.workRoot, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir work dir: %w", err)
	}
	return dir, nil
}

func (m *tools) Concat(ctx context.Context, req ConcatRequest) (string, error) {
	ctx = ctxutil.Default(ctx)
	if err := m.AssertReady(ctx); err != nil {
		return "", err
	}
	if len(req.Clips) == 0 {
		return "", fmt.Errorf("no clips")
	}
	if req.OutputPath == "" {
		return "", fmt.Errorf("outputPath required")
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return "", fmt.Errorf("mkdir output dir: %w", err)
	}

	listPath := strings.TrimSuffix(req.OutputPath, filepath.Ext(req.OutputPath)) + ".concat.txt"
	if err := os.WriteFile(listPath, []byte(ConcatList(req.Clips)), 0o644); err != nil {
		return "", fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	args := ConcatArgs(listPath, req)
	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg concat failed: %w; out=%s", err, tail(string(out), 2000))
	}
	m.log.Debug("ffmpeg concat done", "clips", len(req.Clips), "audio", len(req.Audio), "output", req.OutputPath)
	return req.OutputPath, nil
}

// ConcatList renders the concat demuxer input file.
func ConcatList(clips []string) string {
	var b strings.Builder
	for _, c := range clips {
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(c, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

// ConcatArgs builds the ffmpeg argument list for Concat.
func ConcatArgs(listPath string, req ConcatRequest) []string {
	if req.VideoCodec == "" {
		req.VideoCodec = "libx264"
	}
	if req.AudioCodec == "" {
		req.AudioCodec = "aac"
	}
	if req.Preset == "" {
		req.Preset = "medium"
	}
	if req.CRF == 0 {
		req.CRF = 23
	}
	if req.AudioBitrate == "" {
		req.AudioBitrate = "192k"
	}
	if req.FPS <= 0 {
		req.FPS = 24
	}

	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-protocol_whitelist", "file,http,https,tcp,tls",
		"-i", listPath,
	}
	for _, a := range req.Audio {
		args = append(args, "-i", a)
	}

	video := fmt.Sprintf("[0:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,fps=%d[v]",
		req.Width, req.Height, req.Width, req.Height, req.FPS)
	filters := []string{video}
	audioMap := "0:a?"
	if n := len(req.Audio); n > 0 {
		var in strings.Builder
		for i := 1; i <= n; i++ {
			in.WriteString("[" + strconv.Itoa(i) + ":a]")
		}
		filters = append(filters, fmt.Sprintf("%samix=inputs=%d:duration=longest[a]", in.String(), n))
		audioMap = "[a]"
	}

	args = append(args,
		"-filter_complex", strings.Join(filters, ";"),
		"-map", "[v]", "-map", audioMap,
		"-c:v", req.VideoCodec, "-preset", req.Preset, "-crf", strconv.Itoa(req.CRF),
		"-c:a", req.AudioCodec, "-b:a", req.AudioBitrate,
		"-movflags", "+faststart",
		req.OutputPath,
	)
	return args
}

func (m *tools) ProbeDuration(ctx context.Context, path string) (float64, error) {
	ctx = ctxutil.Default(ctx)
	if path == "" {
		return 0, fmt.Errorf("path required")
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return d, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

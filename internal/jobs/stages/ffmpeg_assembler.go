package stages

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/localmedia"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

// FFmpegAssembler assembles clips on the local host.
type FFmpegAssembler struct {
	tools localmedia.Tools
	log   *logger.Logger
}

func NewFFmpegAssembler(tools localmedia.Tools, log *logger.Logger) *FFmpegAssembler {
	return &FFmpegAssembler{tools: tools, log: log.With("component", "FFmpegAssembler")}
}

var baseHeights = map[string]int{
	"480p":  480,
	"720p":  720,
	"1080p": 1080,
	"4k":    2160,
}

var aspectRatios = map[string][2]int{
	"16:9": {16, 9},
	"9:16": {9, 16},
	"1:1":  {1, 1},
	"4:3":  {4, 3},
}

// Dimensions returns an even width and height for a resolution and aspect ratio.
func Dimensions(resolution, aspect string) (int, int) {
	h, ok := baseHeights[strings.ToLower(resolution)]
	if !ok {
		h = 1080
	}
	r, ok := aspectRatios[aspect]
	if !ok {
		r = aspectRatios["16:9"]
	}
	w := h * r[0] / r[1]
	if w%2 != 0 {
		w++
	}
	if h%2 != 0 {
		h++
	}
	return w, h
}

func (a *FFmpegAssembler) Assemble(ctx context.Context, clips []string, audio []string, cfg OutputConfig) (AssembledOutput, error) {
	if len(clips) == 0 {
		return AssembledOutput{}, apperr.Wrap(apperr.ErrInput, string(StageAssemble), "", "no clips", nil)
	}
	name := cfg.OutputName
	if name == "" {
		name = OutputName(cfg.ProjectID)
	}
	dir, err := a.tools.WorkDir(filepath.Join("outputs", cfg.ProjectID.String()))
	if err != nil {
		return AssembledOutput{}, apperr.Wrap(apperr.ErrInfrastructure, string(StageAssemble), "", "", err)
	}
	w, h := Dimensions(cfg.Resolution, cfg.AspectRatio)

	out, err := a.tools.Concat(ctx, localmedia.ConcatRequest{
		Clips:      localPaths(clips),
		Audio:      localPaths(audio),
		OutputPath: filepath.Join(dir, name),
		Width:      w,
		Height:     h,
		FPS:        cfg.FPS,
	})
	if err != nil {
		return AssembledOutput{}, classify(StageAssemble, err)
	}

	res := AssembledOutput{URI: "file://" + out, Width: w, Height: h}
	if d, err := a.tools.ProbeDuration(ctx, out); err == nil {
		res.DurationSeconds = d
	} else {
		a.log.Warn("probe duration failed", "path", out, "error", err)
	}
	if st, err := os.Stat(out); err == nil {
		res.SizeBytes = st.Size()
	}
	a.log.Info("assembled output",
		"project_id", cfg.ProjectID,
		"clips", len(clips),
		"size", humanize.Bytes(uint64(res.SizeBytes)),
		"duration", fmt.Sprintf("%.1fs", res.DurationSeconds),
	)
	return res, nil
}

func (a *FFmpegAssembler) Check(ctx context.Context) Health {
	if err := a.tools.AssertReady(ctx); err != nil {
		return Health{Name: string(StageAssemble), Detail: err.Error()}
	}
	return Health{Name: string(StageAssemble), Ready: true}
}

// localPaths turns file:// URIs into paths; other URIs pass through for ffmpeg to fetch.
func localPaths(uris []string) []string {
	out := make([]string, 0, len(uris))
	for _, u := range uris {
		if strings.HasPrefix(u, "file://") {
			if parsed, err := url.Parse(u); err == nil {
				out = append(out, parsed.Path)
				continue
			}
		}
		out = append(out, u)
	}
	return out
}

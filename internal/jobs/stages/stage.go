package stages

import (
	"context"

	"github.com/google/uuid"

	"github.com/yungbote/scenecast-backend/internal/domain/media"
)

type Stage string

const (
	StageScriptParse Stage = "script_parse"
	StagePrompt      Stage = "prompt"
	StageImage       Stage = "image"
	StageAnimate     Stage = "animate"
	StageVoice       Stage = "voice"
	StageLipSync     Stage = "lipsync"
	StageAssemble    Stage = "assemble"
)

// SceneStages are the per-scene executors, in pipeline order.
var SceneStages = []Stage{StageImage, StageAnimate, StageVoice, StageLipSync}

const DefaultMotionPrompt = "subtle movement"

// Input is the union of what any scene stage consumes. Each executor reads
// the fields it needs.
type Input struct {
	ProjectID    uuid.UUID `json:"project_id"`
	SceneID      uuid.UUID `json:"scene_id"`
	Prompt       string    `json:"prompt,omitempty"`
	MotionPrompt string    `json:"motion_prompt,omitempty"`
	Text         string    `json:"text,omitempty"`
	Duration     float64   `json:"duration,omitempty"`
	FPS          int       `json:"fps,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	Seed         *int64    `json:"seed,omitempty"`
	Voice        string    `json:"voice,omitempty"`
	Language     string    `json:"language,omitempty"`
	ImageURI     string    `json:"image_uri,omitempty"`
	VideoURI     string    `json:"video_uri,omitempty"`
	AudioURI     string    `json:"audio_uri,omitempty"`
}

// Output references the artifact a stage produced.
type Output struct {
	Kind         media.ArtifactKind     `json:"kind"`
	URI          string                 `json:"uri"`
	ThumbnailURI string                 `json:"thumbnail_uri,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

type Executor interface {
	Name() Stage
	Execute(ctx context.Context, in Input) (Output, error)
}

type Health struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// Checker is implemented by executors and collaborators that can report readiness.
type Checker interface {
	Check(ctx context.Context) Health
}

// KindFor is the artifact kind a scene stage produces.
func KindFor(s Stage) media.ArtifactKind {
	switch s {
	case StageImage:
		return media.ArtifactImage
	case StageVoice:
		return media.ArtifactAudio
	default:
		return media.ArtifactVideo
	}
}

// RoleFor is the link role a scene stage's artifact gets.
func RoleFor(s Stage) media.Role {
	switch s {
	case StageImage:
		return media.RoleBackground
	case StageVoice:
		return media.RoleAudio
	default:
		return media.RoleVideo
	}
}

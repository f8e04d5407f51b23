package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	"github.com/yungbote/scenecast-backend/internal/domain/media"
	"github.com/yungbote/scenecast-backend/internal/jobs/stages"
	"github.com/yungbote/scenecast-backend/internal/jobs/statemachine"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
)

// SceneMedia is what assembly needs from one completed scene.
type SceneMedia struct {
	SceneID  uuid.UUID
	Sequence int
	Clip     *media.Artifact
	// Audio holds tracks to mix over the clip. Voice audio is left out when
	// the clip is already lip-synced, since it is baked into the video.
	Audio []*media.Artifact
}

// PrimaryClip returns the most recent VIDEO link, or nil.
func PrimaryClip(links []*media.SceneArtifact) *media.Artifact {
	var clip *media.Artifact
	for _, l := range links {
		if l.Role == media.RoleVideo && l.Artifact != nil {
			clip = l.Artifact
		}
	}
	return clip
}

func latest(links []*media.SceneArtifact, role media.Role, stage stages.Stage) *media.Artifact {
	var out *media.Artifact
	for _, l := range links {
		if l.Role != role || l.Artifact == nil {
			continue
		}
		if stage != "" && l.Artifact.Stage != string(stage) {
			continue
		}
		out = l.Artifact
	}
	return out
}

// Collect loads the primary clip and the audio tracks of a scene. Clip is nil
// when the scene has no video.
func (r *Runner) Collect(ctx context.Context, scene *media.Scene) (SceneMedia, error) {
	links, err := r.artifacts.ListForScene(dbctx.New(ctx), scene.ID)
	if err != nil {
		return SceneMedia{}, err
	}
	sm := SceneMedia{SceneID: scene.ID, Sequence: scene.SequenceNumber, Clip: PrimaryClip(links)}
	lipSynced := sm.Clip != nil && sm.Clip.Stage == string(stages.StageLipSync)
	for _, l := range links {
		if l.Artifact == nil {
			continue
		}
		switch l.Role {
		case media.RoleMusic:
			sm.Audio = append(sm.Audio, l.Artifact)
		case media.RoleAudio:
			if !lipSynced {
				sm.Audio = append(sm.Audio, l.Artifact)
			}
		}
	}
	return sm, nil
}

// planFor picks the stages for kind. Asset regeneration reuses the latest
// background and animation and only redoes the dialogue stages; without
// them, or without dialogue, it falls back to the full plan.
func (r *Runner) planFor(ctx context.Context, scene *media.Scene, kind jobs.Kind) ([]stages.Stage, *priorURIs, error) {
	prior := &priorURIs{}
	if kind != jobs.KindAssetRegeneration || !scene.HasDialogue() {
		return Plan(scene), prior, nil
	}
	links, err := r.artifacts.ListForScene(dbctx.New(ctx), scene.ID)
	if err != nil {
		return nil, nil, err
	}
	bg := latest(links, media.RoleBackground, stages.StageImage)
	anim := latest(links, media.RoleVideo, stages.StageAnimate)
	if bg == nil || anim == nil {
		return Plan(scene), prior, nil
	}
	prior.image = bg.URI
	prior.video = anim.URI
	return []stages.Stage{stages.StageVoice, stages.StageLipSync}, prior, nil
}

type RegenerateRequest struct {
	ImagePrompt     *string `json:"image_prompt,omitempty"`
	MotionPrompt    *string `json:"motion_prompt,omitempty"`
	RegenerateVideo bool    `json:"regenerate_video"`
	RegenerateAudio bool    `json:"regenerate_audio"`
}

// JobKind is the job a regenerate request needs, or "" when only prompts change.
func (q RegenerateRequest) JobKind() jobs.Kind {
	switch {
	case q.RegenerateVideo:
		return jobs.KindSingleScene
	case q.RegenerateAudio:
		return jobs.KindAssetRegeneration
	}
	return ""
}

// Regenerate puts a scene back to PENDING with the new prompt overrides.
// Earlier artifacts stay linked; the next run adds new ones.
func (r *Runner) Regenerate(ctx context.Context, sceneID uuid.UUID, req RegenerateRequest) (*media.Scene, error) {
	return r.machine.ResetScene(ctx, sceneID, statemachine.SceneReset{
		ImagePrompt:  req.ImagePrompt,
		MotionPrompt: req.MotionPrompt,
	})
}

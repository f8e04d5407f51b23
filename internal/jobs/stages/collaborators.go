package stages

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/scenecast-backend/internal/domain/media"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
)

// SceneDraft is one scene proposed by script decomposition.
type SceneDraft struct {
	SequenceNumber int     `json:"sequence_number"`
	Description    string  `json:"description"`
	Dialogue       string  `json:"dialogue,omitempty"`
	Duration       float64 `json:"duration,omitempty"`
	ImagePrompt    string  `json:"image_prompt,omitempty"`
	MotionPrompt   string  `json:"motion_prompt,omitempty"`
}

type ScriptParser interface {
	DecomposeScript(ctx context.Context, projectID uuid.UUID, script string) ([]SceneDraft, error)
}

type Prompts struct {
	ImagePrompt  string `json:"image_prompt"`
	MotionPrompt string `json:"motion_prompt"`
}

type PromptGenerator interface {
	GeneratePrompts(ctx context.Context, scene *media.Scene) (Prompts, error)
}

type OutputConfig struct {
	ProjectID   uuid.UUID `json:"project_id"`
	Resolution  string    `json:"resolution"`
	AspectRatio string    `json:"aspect_ratio"`
	FPS         int       `json:"fps"`
	OutputName  string    `json:"output_name"`
}

// OutputName is the file name of a project's assembled video.
func OutputName(projectID uuid.UUID) string {
	return projectID.String() + "_final.mp4"
}

type AssembledOutput struct {
	URI             string                 `json:"uri"`
	DurationSeconds float64                `json:"duration_seconds"`
	SizeBytes       int64                  `json:"size_bytes"`
	Width           int                    `json:"width"`
	Height          int                    `json:"height"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

type Assembler interface {
	Assemble(ctx context.Context, clips []string, audio []string, cfg OutputConfig) (AssembledOutput, error)
}

type httpScriptParser struct{ client *Client }

func NewHTTPScriptParser(client *Client) ScriptParser { return &httpScriptParser{client: client} }

func (p *httpScriptParser) DecomposeScript(ctx context.Context, projectID uuid.UUID, script string) ([]SceneDraft, error) {
	req := map[string]interface{}{"project_id": projectID, "script": script}
	var resp struct {
		Scenes []SceneDraft `json:"scenes"`
	}
	if err := p.client.doJSON(ctx, StageScriptParse, "/v1/"+string(StageScriptParse), req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Scenes) == 0 {
		return nil, apperr.Wrap(apperr.ErrCollaborator, string(StageScriptParse), "", "script produced no scenes", nil)
	}
	for i := range resp.Scenes {
		if resp.Scenes[i].SequenceNumber == 0 {
			resp.Scenes[i].SequenceNumber = i + 1
		}
	}
	return resp.Scenes, nil
}

func (p *httpScriptParser) Check(ctx context.Context) Health {
	return p.client.Check(ctx, string(StageScriptParse))
}

type httpPromptGenerator struct{ client *Client }

func NewHTTPPromptGenerator(client *Client) PromptGenerator {
	return &httpPromptGenerator{client: client}
}

func (g *httpPromptGenerator) GeneratePrompts(ctx context.Context, scene *media.Scene) (Prompts, error) {
	req := map[string]interface{}{
		"scene_id":        scene.ID,
		"sequence_number": scene.SequenceNumber,
		"description":     scene.Description,
		"dialogue":        scene.Dialogue,
	}
	var out Prompts
	if err := g.client.doJSON(ctx, StagePrompt, "/v1/"+string(StagePrompt), req, &out); err != nil {
		return Prompts{}, err
	}
	if out.ImagePrompt == "" {
		return Prompts{}, apperr.Wrap(apperr.ErrCollaborator, string(StagePrompt), "",
			fmt.Sprintf("no image prompt for scene %d", scene.SequenceNumber), nil)
	}
	if out.MotionPrompt == "" {
		out.MotionPrompt = DefaultMotionPrompt
	}
	return out, nil
}

func (g *httpPromptGenerator) Check(ctx context.Context) Health {
	return g.client.Check(ctx, string(StagePrompt))
}

type httpAssembler struct{ client *Client }

func NewHTTPAssembler(client *Client) Assembler { return &httpAssembler{client: client} }

func (a *httpAssembler) Assemble(ctx context.Context, clips []string, audio []string, cfg OutputConfig) (AssembledOutput, error) {
	if len(clips) == 0 {
		return AssembledOutput{}, apperr.Wrap(apperr.ErrInput, string(StageAssemble), "", "no clips", nil)
	}
	req := map[string]interface{}{"clips": clips, "audio": audio, "config": cfg}
	var out AssembledOutput
	if err := a.client.doJSON(ctx, StageAssemble, "/v1/"+string(StageAssemble), req, &out); err != nil {
		return AssembledOutput{}, err
	}
	if out.URI == "" {
		return AssembledOutput{}, apperr.Wrap(apperr.ErrCollaborator, string(StageAssemble), "", "response has no uri", nil)
	}
	return out, nil
}

func (a *httpAssembler) Check(ctx context.Context) Health {
	return a.client.Check(ctx, string(StageAssemble))
}

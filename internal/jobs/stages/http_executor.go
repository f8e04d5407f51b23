package stages

import (
	"context"

	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
)

// HTTPExecutor runs one scene stage on a remote service at POST {base}/v1/{stage}.
type HTTPExecutor struct {
	stage  Stage
	client *Client
}

func NewHTTPExecutor(stage Stage, client *Client) *HTTPExecutor {
	return &HTTPExecutor{stage: stage, client: client}
}

func (e *HTTPExecutor) Name() Stage { return e.stage }

func (e *HTTPExecutor) Execute(ctx context.Context, in Input) (Output, error) {
	var out Output
	if err := e.client.doJSON(ctx, e.stage, "/v1/"+string(e.stage), in, &out); err != nil {
		return Output{}, err
	}
	if out.URI == "" {
		return Output{}, apperr.Wrap(apperr.ErrCollaborator, string(e.stage), "", "response has no uri", nil)
	}
	if out.Kind == "" {
		out.Kind = KindFor(e.stage)
	}
	return out, nil
}

func (e *HTTPExecutor) Check(ctx context.Context) Health {
	return e.client.Check(ctx, string(e.stage))
}

package stages

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "scenecast/stages"

type traced struct {
	Executor
}

func (t traced) Execute(ctx context.Context, in Input) (Output, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "stage."+string(t.Name()))
	defer span.End()
	span.SetAttributes(
		attribute.String("scene_id", in.SceneID.String()),
		attribute.String("project_id", in.ProjectID.String()),
	)
	out, err := t.Executor.Execute(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (t traced) Check(ctx context.Context) Health {
	if c, ok := t.Executor.(Checker); ok {
		return c.Check(ctx)
	}
	return Health{Name: string(t.Name()), Ready: true}
}

func (t traced) Close() error {
	if c, ok := t.Executor.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

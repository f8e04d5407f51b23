package stages

import (
	"context"
	"errors"
	"fmt"
	"io"

	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/localmedia"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

// accelerated stages hold the host's accelerator while they run.
var accelerated = map[Stage]bool{StageImage: true, StageAnimate: true, StageLipSync: true}

// Registry is the executor set handed to runners and the orchestrator. It is
// rebuilt whenever a worker recycles.
type Registry struct {
	log       *logger.Logger
	executors map[Stage]Executor
	parser    ScriptParser
	prompts   PromptGenerator
	assembler Assembler
}

// Parts lets callers (and tests) assemble a registry from explicit pieces.
type Parts struct {
	Executors []Executor
	Parser    ScriptParser
	Prompts   PromptGenerator
	Assembler Assembler
}

func NewRegistryFrom(log *logger.Logger, p Parts) *Registry {
	r := &Registry{
		log:       log.With("component", "StageRegistry"),
		executors: make(map[Stage]Executor, len(p.Executors)),
		parser:    p.Parser,
		prompts:   p.Prompts,
		assembler: p.Assembler,
	}
	for _, e := range p.Executors {
		if e != nil {
			r.executors[e.Name()] = traced{Executor: e}
		}
	}
	return r
}

// NewRegistry builds HTTP executors for every configured stage. A stage with
// no endpoint is simply absent; asking for it yields ErrStageUnavailable.
func NewRegistry(log *logger.Logger, cfg Config, tools localmedia.Tools) (*Registry, error) {
	var parts Parts
	for _, s := range SceneStages {
		client, err := cfg.client(s)
		if err != nil {
			log.Warn("stage not configured", "stage", s, "error", err)
			continue
		}
		var e Executor = NewHTTPExecutor(s, client)
		if accelerated[s] {
			e = Exclusive(e, cfg.LockPath)
		}
		parts.Executors = append(parts.Executors, e)
	}
	if client, err := cfg.client(StageScriptParse); err == nil {
		parts.Parser = NewHTTPScriptParser(client)
	}
	if client, err := cfg.client(StagePrompt); err == nil {
		parts.Prompts = NewHTTPPromptGenerator(client)
	}
	switch cfg.Assembler {
	case "http":
		client, err := cfg.client(StageAssemble)
		if err != nil {
			return nil, fmt.Errorf("assembler: %w", err)
		}
		parts.Assembler = NewHTTPAssembler(client)
	default:
		if tools == nil {
			return nil, errors.New("ffmpeg assembler requires media tools")
		}
		parts.Assembler = NewFFmpegAssembler(tools, log)
	}
	return NewRegistryFrom(log, parts), nil
}

// Executor returns the executor for s or ErrStageUnavailable.
func (r *Registry) Executor(s Stage) (Executor, error) {
	if e, ok := r.executors[s]; ok {
		return e, nil
	}
	return nil, apperr.Wrap(apperr.ErrStageUnavailable, string(s), "", "no executor configured", nil)
}

func (r *Registry) Parser() (ScriptParser, error) {
	if r.parser == nil {
		return nil, apperr.Wrap(apperr.ErrStageUnavailable, string(StageScriptParse), "", "no script parser configured", nil)
	}
	return r.parser, nil
}

func (r *Registry) Prompts() (PromptGenerator, error) {
	if r.prompts == nil {
		return nil, apperr.Wrap(apperr.ErrStageUnavailable, string(StagePrompt), "", "no prompt generator configured", nil)
	}
	return r.prompts, nil
}

func (r *Registry) Assembler() (Assembler, error) {
	if r.assembler == nil {
		return nil, apperr.Wrap(apperr.ErrStageUnavailable, string(StageAssemble), "", "no assembler configured", nil)
	}
	return r.assembler, nil
}

// Health reports readiness for every stage in pipeline order, including
// missing ones.
func (r *Registry) Health(ctx context.Context) []Health {
	out := make([]Health, 0, len(SceneStages)+3)
	check := func(name Stage, v interface{}) {
		if v == nil {
			out = append(out, Health{Name: string(name), Detail: "not configured"})
			return
		}
		if c, ok := v.(Checker); ok {
			out = append(out, c.Check(ctx))
			return
		}
		out = append(out, Health{Name: string(name), Ready: true})
	}
	check(StageScriptParse, r.parser)
	check(StagePrompt, r.prompts)
	for _, s := range SceneStages {
		if e, ok := r.executors[s]; ok {
			check(s, e)
		} else {
			check(s, nil)
		}
	}
	check(StageAssemble, r.assembler)
	return out
}

// Close releases executors that hold resources.
func (r *Registry) Close() error {
	var errs []error
	for s, e := range r.executors {
		if c, ok := e.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Package stagestest provides in-memory stage executors and collaborators for tests.
package stagestest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/scenecast-backend/internal/domain/media"
	"github.com/yungbote/scenecast-backend/internal/jobs/stages"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

// Call records one executor invocation.
type Call struct {
	Stage stages.Stage
	Input stages.Input
}

// Set is a fake executor set. FailOn makes a stage fail for the given scene
// sequence numbers.
type Set struct {
	mu     sync.Mutex
	calls  []Call
	seq    map[uuid.UUID]int
	failOn map[stages.Stage]map[int]error
	block  map[stages.Stage]chan struct{}
	after  map[stages.Stage]func()

	Drafts      []stages.SceneDraft
	ParseErr    error
	PromptErr   map[int]error
	AssembleErr error
	Assembled   [][]string
	AssembledAu [][]string
	Outputs     []stages.OutputConfig
}

func New() *Set {
	return &Set{
		seq:       map[uuid.UUID]int{},
		failOn:    map[stages.Stage]map[int]error{},
		block:     map[stages.Stage]chan struct{}{},
		after:     map[stages.Stage]func(){},
		PromptErr: map[int]error{},
	}
}

// Track tells the fake which sequence number a scene id has.
func (s *Set) Track(scenes ...*media.Scene) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range scenes {
		s.seq[sc.ID] = sc.SequenceNumber
	}
}

func (s *Set) FailOn(stage stages.Stage, sequence int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[stage] == nil {
		s.failOn[stage] = map[int]error{}
	}
	if err == nil {
		err = apperr.Wrap(apperr.ErrCollaborator, string(stage), "execute", "model error", nil)
	}
	s.failOn[stage][sequence] = err
}

// Block makes stage wait until the returned channel is closed or ctx ends.
func (s *Set) Block(stage stages.Stage) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.block[stage] = ch
	return ch
}

// After runs fn once stage has produced its output, before it returns.
func (s *Set) After(stage stages.Stage, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.after[stage] = fn
}

func (s *Set) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor lists the stages run for a scene, in order.
func (s *Set) CallsFor(sceneID uuid.UUID) []stages.Stage {
	var out []stages.Stage
	for _, c := range s.Calls() {
		if c.Input.SceneID == sceneID {
			out = append(out, c.Stage)
		}
	}
	return out
}

func (s *Set) Executor(st stages.Stage) (stages.Executor, error) {
	for _, known := range stages.SceneStages {
		if known == st {
			return executor{set: s, stage: st}, nil
		}
	}
	return nil, apperr.Wrap(apperr.ErrStageUnavailable, string(st), "resolve", "no executor", nil)
}

func (s *Set) Parser() (stages.ScriptParser, error)     { return parser{s}, nil }
func (s *Set) Prompts() (stages.PromptGenerator, error) { return prompter{s}, nil }
func (s *Set) Assembler() (stages.Assembler, error)     { return assembler{s}, nil }

// Registry wraps the fakes in a real registry.
func (s *Set) Registry(log *logger.Logger) *stages.Registry {
	parts := stages.Parts{Parser: parser{s}, Prompts: prompter{s}, Assembler: assembler{s}}
	for _, st := range stages.SceneStages {
		parts.Executors = append(parts.Executors, executor{set: s, stage: st})
	}
	return stages.NewRegistryFrom(log, parts)
}

type executor struct {
	set   *Set
	stage stages.Stage
}

func (e executor) Name() stages.Stage { return e.stage }

func (e executor) Execute(ctx context.Context, in stages.Input) (stages.Output, error) {
	s := e.set
	s.mu.Lock()
	s.calls = append(s.calls, Call{Stage: e.stage, Input: in})
	seq := s.seq[in.SceneID]
	failErr := s.failOn[e.stage][seq]
	block := s.block[e.stage]
	after := s.after[e.stage]
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return stages.Output{}, apperr.Wrap(apperr.ErrTimeout, string(e.stage), "execute", "", ctx.Err())
			}
			return stages.Output{}, ctx.Err()
		}
	}
	if failErr != nil {
		return stages.Output{}, failErr
	}
	out := stages.Output{
		Kind:     stages.KindFor(e.stage),
		URI:      fmt.Sprintf("mem://%s/%s/%d", e.stage, in.SceneID, len(s.Calls())),
		Metadata: map[string]interface{}{"stage": string(e.stage)},
	}
	if after != nil {
		after()
	}
	return out, nil
}

type parser struct{ s *Set }

func (p parser) DecomposeScript(ctx context.Context, projectID uuid.UUID, script string) ([]stages.SceneDraft, error) {
	if p.s.ParseErr != nil {
		return nil, p.s.ParseErr
	}
	return p.s.Drafts, nil
}

type prompter struct{ s *Set }

func (p prompter) GeneratePrompts(ctx context.Context, scene *media.Scene) (stages.Prompts, error) {
	p.s.mu.Lock()
	err := p.s.PromptErr[scene.SequenceNumber]
	p.s.mu.Unlock()
	if err != nil {
		return stages.Prompts{}, err
	}
	return stages.Prompts{
		ImagePrompt:  "generated: " + scene.Description,
		MotionPrompt: "slow push in",
	}, nil
}

type assembler struct{ s *Set }

func (a assembler) Assemble(ctx context.Context, clips []string, audio []string, cfg stages.OutputConfig) (stages.AssembledOutput, error) {
	a.s.mu.Lock()
	a.s.Assembled = append(a.s.Assembled, append([]string(nil), clips...))
	a.s.AssembledAu = append(a.s.AssembledAu, append([]string(nil), audio...))
	a.s.Outputs = append(a.s.Outputs, cfg)
	err := a.s.AssembleErr
	a.s.mu.Unlock()
	if err != nil {
		return stages.AssembledOutput{}, err
	}
	return stages.AssembledOutput{
		URI:             "mem://outputs/" + cfg.OutputName,
		DurationSeconds: float64(len(clips)) * 4,
		SizeBytes:       int64(len(clips)) * 1 << 20,
	}, nil
}

package stages

import (
	"sync"

	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

// Holder is a Registry that can be swapped for a freshly built one. Workers
// call Rebuild when they recycle.
type Holder struct {
	mu      sync.RWMutex
	cur     *Registry
	factory func() (*Registry, error)
	log     *logger.Logger
}

func NewHolder(log *logger.Logger, factory func() (*Registry, error)) (*Holder, error) {
	r, err := factory()
	if err != nil {
		return nil, err
	}
	return &Holder{cur: r, factory: factory, log: log.With("component", "StageHolder")}, nil
}

func (h *Holder) current() *Registry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur
}

func (h *Holder) Executor(s Stage) (Executor, error) { return h.current().Executor(s) }
func (h *Holder) Parser() (ScriptParser, error)      { return h.current().Parser() }
func (h *Holder) Prompts() (PromptGenerator, error)  { return h.current().Prompts() }
func (h *Holder) Assembler() (Assembler, error)      { return h.current().Assembler() }
func (h *Holder) Registry() *Registry                { return h.current() }

// Rebuild replaces the registry and closes the old one. Callers must make sure
// no execution is in flight.
func (h *Holder) Rebuild() error {
	next, err := h.factory()
	if err != nil {
		return err
	}
	h.mu.Lock()
	old := h.cur
	h.cur = next
	h.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			h.log.Warn("closing previous executors", "error", err)
		}
	}
	h.log.Info("executor set rebuilt")
	return nil
}

func (h *Holder) Close() error {
	return h.current().Close()
}

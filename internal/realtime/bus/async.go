package bus

import (
	"context"
	"sync"
	"time"

	"github.com/yungbote/scenecast-backend/internal/platform/logger"
	"github.com/yungbote/scenecast-backend/internal/realtime"
)

const publishTimeout = 5 * time.Second

// Async puts an ordered, non-blocking queue in front of a Bus. Events from one
// publisher reach the inner bus in the order they were queued. Publish never
// returns an error; delivery failures are logged.
type Async struct {
	inner Bus
	log   *logger.Logger

	mu     sync.RWMutex
	ch     chan realtime.ProgressEvent
	closed bool
	done   chan struct{}
}

func NewAsync(inner Bus, log *logger.Logger, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		inner: inner,
		log:   log.With("component", "AsyncBus"),
		ch:    make(chan realtime.ProgressEvent, buffer),
		done:  make(chan struct{}),
	}
	go a.drain()
	return a
}

func (a *Async) Publish(_ context.Context, ev realtime.ProgressEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.log.Warn("publish after close", "job_id", ev.JobID, "type", ev.Type)
		return nil
	}
	select {
	case a.ch <- ev:
	default:
		a.log.Warn("progress queue full; dropping event", "job_id", ev.JobID, "type", ev.Type)
	}
	return nil
}

func (a *Async) drain() {
	defer close(a.done)
	for ev := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := a.inner.Publish(ctx, ev); err != nil {
			a.log.Warn("progress publish failed", "job_id", ev.JobID, "type", ev.Type, "error", err)
		}
		cancel()
	}
}

func (a *Async) StartForwarder(ctx context.Context, onMsg func(ev realtime.ProgressEvent)) error {
	return a.inner.StartForwarder(ctx, onMsg)
}

// Close flushes queued events and closes the inner bus.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()
	<-a.done
	return a.inner.Close()
}

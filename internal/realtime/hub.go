package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

var (
	ErrObserverSlow   = errors.New("observer buffer full")
	ErrObserverClosed = errors.New("observer closed")
)

// Observer receives events for one job. Send must not block.
type Observer interface {
	Send(ev ProgressEvent) error
}

// Snapshotter reads the current persisted state of a job.
type Snapshotter interface {
	Snapshot(ctx context.Context, jobID uuid.UUID) (ProgressEvent, error)
}

type SnapshotFunc func(ctx context.Context, jobID uuid.UUID) (ProgressEvent, error)

func (f SnapshotFunc) Snapshot(ctx context.Context, jobID uuid.UUID) (ProgressEvent, error) {
	return f(ctx, jobID)
}

// Forwarder delivers events published anywhere on the bus. bus.Bus satisfies it.
type Forwarder interface {
	StartForwarder(ctx context.Context, onMsg func(ev ProgressEvent)) error
}

type Hub struct {
	mu     sync.RWMutex
	log    *logger.Logger
	snap   Snapshotter
	subs   map[uuid.UUID]map[Observer]floor
	flight singleflight.Group
}

func NewHub(log *logger.Logger, snap Snapshotter) *Hub {
	return &Hub{
		log:  log.With("component", "ProgressHub"),
		snap: snap,
		subs: make(map[uuid.UUID]map[Observer]floor),
	}
}

// Subscribe sends obs the current snapshot and then registers it. The snapshot
// is always the first thing obs receives. The snapshot is read before the lock
// is taken, so events still queued from before it can arrive afterwards;
// Publish drops those for this observer.
func (h *Hub) Subscribe(ctx context.Context, jobID uuid.UUID, obs Observer) error {
	ev, err := h.snapshot(ctx, jobID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := obs.Send(ev); err != nil {
		return err
	}
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[Observer]floor)
		h.subs[jobID] = set
	}
	set[obs] = floorOf(ev)
	h.log.Debug("observer subscribed", "job_id", jobID, "observers", len(set))
	return nil
}

func (h *Hub) Unsubscribe(jobID uuid.UUID, obs Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(jobID, obs)
}

func (h *Hub) removeLocked(jobID uuid.UUID, obs Observer) {
	set, ok := h.subs[jobID]
	if !ok {
		return
	}
	delete(set, obs)
	if len(set) == 0 {
		delete(h.subs, jobID)
	}
}

// Publish fans ev out to the job's observers. An observer whose Send fails is
// removed (and closed when it supports Close); the rest are unaffected.
func (h *Hub) Publish(ev ProgressEvent) {
	h.mu.RLock()
	set := h.subs[ev.JobID]
	var failed []Observer
	for obs, fl := range set {
		if fl.behind(ev) {
			continue
		}
		if err := obs.Send(ev); err != nil {
			failed = append(failed, obs)
		}
	}
	h.mu.RUnlock()

	if len(failed) == 0 {
		return
	}
	h.mu.Lock()
	for _, obs := range failed {
		h.removeLocked(ev.JobID, obs)
	}
	h.mu.Unlock()
	for _, obs := range failed {
		if c, ok := obs.(interface{ Close() }); ok {
			c.Close()
		}
		h.log.Warn("dropped observer", "job_id", ev.JobID, "event", ev.Type)
	}
}

// Refresh re-reads the job and sends obs a fresh snapshot.
func (h *Hub) Refresh(ctx context.Context, jobID uuid.UUID, obs Observer) error {
	ev, err := h.snapshot(ctx, jobID)
	if err != nil {
		return err
	}
	return obs.Send(ev)
}

// Run feeds bus traffic into the hub until ctx ends.
func (h *Hub) Run(ctx context.Context, fwd Forwarder) error {
	return fwd.StartForwarder(ctx, h.Publish)
}

func (h *Hub) ObserverCount(jobID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

func (h *Hub) snapshot(ctx context.Context, jobID uuid.UUID) (ProgressEvent, error) {
	v, err, _ := h.flight.Do(jobID.String(), func() (interface{}, error) {
		return h.snap.Snapshot(ctx, jobID)
	})
	if err != nil {
		return ProgressEvent{}, err
	}
	ev := v.(ProgressEvent)
	ev.Type = EventStatus
	return ev, nil
}

// floor is the job state an observer's snapshot showed. Job status and
// progress only move forward, so an event below it predates the snapshot.
type floor struct {
	rank     int
	progress float64
}

func floorOf(ev ProgressEvent) floor {
	return floor{rank: statusRank(ev.Status), progress: ev.Progress}
}

func (f floor) behind(ev ProgressEvent) bool {
	if ev.Status == "" {
		return false
	}
	return statusRank(ev.Status) < f.rank || ev.Progress < f.progress
}

func statusRank(s string) int {
	switch st := jobs.Status(s); {
	case st.Terminal():
		return 2
	case st == jobs.StatusProcessing:
		return 1
	default:
		return 0
	}
}

// ChannelObserver buffers events on a channel. Send never blocks.
type ChannelObserver struct {
	mu     sync.Mutex
	ch     chan ProgressEvent
	closed bool
}

func NewChannelObserver(buffer int) *ChannelObserver {
	if buffer <= 0 {
		buffer = 32
	}
	return &ChannelObserver{ch: make(chan ProgressEvent, buffer)}
}

func (o *ChannelObserver) Send(ev ProgressEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrObserverClosed
	}
	select {
	case o.ch <- ev:
		return nil
	default:
		return ErrObserverSlow
	}
}

// C is closed once the hub drops the observer or Close is called.
func (o *ChannelObserver) C() <-chan ProgressEvent { return o.ch }

func (o *ChannelObserver) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

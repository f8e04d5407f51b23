package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func recvEvent(t *testing.T, ch <-chan ProgressEvent, timeout time.Duration) ProgressEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("observer channel closed")
		}
		return ev
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for progress event")
	}
	return ProgressEvent{}
}

type fakeStore struct {
	mu    sync.Mutex
	state map[uuid.UUID]ProgressEvent
	reads int
}

func (f *fakeStore) set(ev ProgressEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == nil {
		f.state = map[uuid.UUID]ProgressEvent{}
	}
	f.state[ev.JobID] = ev
}

func (f *fakeStore) Snapshot(_ context.Context, jobID uuid.UUID) (ProgressEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.state[jobID], nil
}

func TestHubDeliversSameOrderToAllObservers(t *testing.T) {
	store := &fakeStore{}
	hub := NewHub(mustTestLogger(t), store)
	jobID := uuid.New()
	store.set(ProgressEvent{JobID: jobID, Status: "QUEUED"})

	a, b := NewChannelObserver(16), NewChannelObserver(16)
	for _, o := range []*ChannelObserver{a, b} {
		if err := hub.Subscribe(context.Background(), jobID, o); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	if n := hub.ObserverCount(jobID); n != 2 {
		t.Fatalf("observers: want=2 got=%d", n)
	}

	for i := 1; i <= 5; i++ {
		hub.Publish(ProgressEvent{Type: EventUpdate, JobID: jobID, Status: "PROCESSING", Progress: float64(i * 10)})
	}

	for _, o := range []*ChannelObserver{a, b} {
		first := recvEvent(t, o.C(), time.Second)
		if first.Type != EventStatus {
			t.Fatalf("first event: want=status got=%s", first.Type)
		}
		for i := 1; i <= 5; i++ {
			ev := recvEvent(t, o.C(), time.Second)
			if ev.Progress != float64(i*10) {
				t.Fatalf("event %d: want progress=%d got=%v", i, i*10, ev.Progress)
			}
		}
	}
}

func TestHubLateJoinerGetsCurrentState(t *testing.T) {
	store := &fakeStore{}
	hub := NewHub(mustTestLogger(t), store)
	jobID := uuid.New()
	store.set(ProgressEvent{JobID: jobID, Status: "PROCESSING", Progress: 45, CurrentStage: "Scene 2/4: animate"})

	late := NewChannelObserver(4)
	if err := hub.Subscribe(context.Background(), jobID, late); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	snap := recvEvent(t, late.C(), time.Second)
	if snap.Type != EventStatus || snap.Progress != 45 || snap.Status != "PROCESSING" {
		t.Fatalf("snapshot: got=%+v", snap)
	}

	hub.Publish(ProgressEvent{Type: EventUpdate, JobID: jobID, Status: "PROCESSING", Progress: 50})
	next := recvEvent(t, late.C(), time.Second)
	if next.Progress != 50 {
		t.Fatalf("next: want=50 got=%v", next.Progress)
	}
}

func TestHubSkipsEventsQueuedBeforeSnapshot(t *testing.T) {
	store := &fakeStore{}
	hub := NewHub(mustTestLogger(t), store)
	jobID := uuid.New()

	early := NewChannelObserver(8)
	late := NewChannelObserver(8)
	store.set(ProgressEvent{JobID: jobID, Status: "QUEUED"})
	if err := hub.Subscribe(context.Background(), jobID, early); err != nil {
		t.Fatalf("Subscribe early: %v", err)
	}
	store.set(ProgressEvent{JobID: jobID, Status: "PROCESSING", Progress: 50})
	if err := hub.Subscribe(context.Background(), jobID, late); err != nil {
		t.Fatalf("Subscribe late: %v", err)
	}
	recvEvent(t, early.C(), time.Second)
	recvEvent(t, late.C(), time.Second)

	// Delivered by the bus after the late snapshot was read.
	hub.Publish(ProgressEvent{Type: EventUpdate, JobID: jobID, Status: "PROCESSING", Progress: 30})
	hub.Publish(ProgressEvent{Type: EventUpdate, JobID: jobID, Status: "PROCESSING", Progress: 60})

	if ev := recvEvent(t, early.C(), time.Second); ev.Progress != 30 {
		t.Fatalf("early observer: want=30 got=%v", ev.Progress)
	}
	if ev := recvEvent(t, early.C(), time.Second); ev.Progress != 60 {
		t.Fatalf("early observer: want=60 got=%v", ev.Progress)
	}
	if ev := recvEvent(t, late.C(), time.Second); ev.Progress != 60 {
		t.Fatalf("late observer should skip the stale event, got progress=%v", ev.Progress)
	}
}

func TestHubDropsSlowObserverOnly(t *testing.T) {
	store := &fakeStore{}
	hub := NewHub(mustTestLogger(t), store)
	jobID := uuid.New()
	store.set(ProgressEvent{JobID: jobID, Status: "PROCESSING"})

	slow := NewChannelObserver(1)
	fast := NewChannelObserver(16)
	_ = hub.Subscribe(context.Background(), jobID, slow)
	_ = hub.Subscribe(context.Background(), jobID, fast)

	// slow's single slot holds the snapshot, so the next publish overflows it.
	hub.Publish(ProgressEvent{Type: EventUpdate, JobID: jobID, Progress: 20})
	hub.Publish(ProgressEvent{Type: EventUpdate, JobID: jobID, Progress: 30})

	if n := hub.ObserverCount(jobID); n != 1 {
		t.Fatalf("observers after drop: want=1 got=%d", n)
	}
	recvEvent(t, fast.C(), time.Second)
	for _, want := range []float64{20, 30} {
		if ev := recvEvent(t, fast.C(), time.Second); ev.Progress != want {
			t.Fatalf("fast observer: want=%v got=%v", want, ev.Progress)
		}
	}

	<-slow.C()
	if _, ok := <-slow.C(); ok {
		t.Fatalf("slow observer should be closed")
	}
}

func TestHubUnsubscribeAndRefresh(t *testing.T) {
	store := &fakeStore{}
	hub := NewHub(mustTestLogger(t), store)
	jobID := uuid.New()
	store.set(ProgressEvent{JobID: jobID, Status: "QUEUED"})

	o := NewChannelObserver(4)
	_ = hub.Subscribe(context.Background(), jobID, o)
	recvEvent(t, o.C(), time.Second)

	store.set(ProgressEvent{JobID: jobID, Status: "COMPLETED", Progress: 100})
	if err := hub.Refresh(context.Background(), jobID, o); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	ev := recvEvent(t, o.C(), time.Second)
	if ev.Type != EventStatus || ev.Progress != 100 || !ev.Terminal() {
		t.Fatalf("refresh: got=%+v", ev)
	}

	hub.Unsubscribe(jobID, o)
	if n := hub.ObserverCount(jobID); n != 0 {
		t.Fatalf("observers after unsubscribe: %d", n)
	}
	hub.Publish(ProgressEvent{Type: EventUpdate, JobID: jobID})
	select {
	case ev := <-o.C():
		t.Fatalf("unexpected event after unsubscribe: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

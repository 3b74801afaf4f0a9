package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// scriptedHandler counts ticks per session and retires a countdown once its
// script says so. Each tick is reported on notify so tests can synchronize
// with the countdown goroutine before advancing the fake clock again.
type scriptedHandler struct {
	mu       sync.Mutex
	ticks    map[uuid.UUID]int
	doneAt   int
	tickErr  error
	notify   chan uuid.UUID
}

func newScriptedHandler(doneAt int) *scriptedHandler {
	return &scriptedHandler{
		ticks:  make(map[uuid.UUID]int),
		doneAt: doneAt,
		notify: make(chan uuid.UUID, 64),
	}
}

func (h *scriptedHandler) Tick(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	h.mu.Lock()
	h.ticks[sessionID]++
	n := h.ticks[sessionID]
	err := h.tickErr
	h.mu.Unlock()

	h.notify <- sessionID
	if err != nil {
		return false, err
	}
	return n >= h.doneAt, nil
}

func (h *scriptedHandler) tickCount(sessionID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ticks[sessionID]
}

func awaitTick(t *testing.T, h *scriptedHandler) {
	t.Helper()
	select {
	case <-h.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a tick")
	}
}

func awaitRetired(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.ActiveCount() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("countdown never retired, %d still active", s.ActiveCount())
}

func TestSchedulerTicksUntilDone(t *testing.T) {
	clock := clockwork.NewFakeClock()
	handler := newScriptedHandler(3)
	s := New(clock, handler)
	defer s.Shutdown()

	id := uuid.New()
	s.Register(id)
	if s.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", s.ActiveCount())
	}

	for i := 0; i < 3; i++ {
		if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
			t.Fatalf("BlockUntilContext: %v", err)
		}
		clock.Advance(time.Second)
		awaitTick(t, handler)
	}

	if got := handler.tickCount(id); got != 3 {
		t.Fatalf("ticks = %d, want 3", got)
	}
	awaitRetired(t, s)
}

func TestSchedulerRegisterSupersedes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	handler := newScriptedHandler(100)
	s := New(clock, handler)
	defer s.Shutdown()

	id := uuid.New()
	s.Register(id)
	s.Register(id)

	if s.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1 after supersede", s.ActiveCount())
	}

	// Only the successor still holds a ticker; one advance yields one tick.
	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatalf("BlockUntilContext: %v", err)
	}
	clock.Advance(time.Second)
	awaitTick(t, handler)

	if got := handler.tickCount(id); got != 1 {
		t.Fatalf("ticks = %d, want 1", got)
	}
	if s.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", s.ActiveCount())
	}
}

func TestSchedulerCancelStopsTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	handler := newScriptedHandler(100)
	s := New(clock, handler)
	defer s.Shutdown()

	id := uuid.New()
	s.Register(id)
	s.Cancel(id)
	awaitRetired(t, s)

	clock.Advance(time.Second)
	if got := handler.tickCount(id); got != 0 {
		t.Fatalf("ticks after cancel = %d, want 0", got)
	}
}

func TestSchedulerTickErrorRetiresCountdown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	handler := newScriptedHandler(100)
	handler.tickErr = errors.New("storage unavailable")
	s := New(clock, handler)
	defer s.Shutdown()

	id := uuid.New()
	s.Register(id)

	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatalf("BlockUntilContext: %v", err)
	}
	clock.Advance(time.Second)
	awaitTick(t, handler)

	awaitRetired(t, s)
	if got := handler.tickCount(id); got != 1 {
		t.Fatalf("ticks = %d, want 1", got)
	}
}

func TestSchedulerShutdownStopsEverything(t *testing.T) {
	clock := clockwork.NewFakeClock()
	handler := newScriptedHandler(100)
	s := New(clock, handler)

	for i := 0; i < 5; i++ {
		s.Register(uuid.New())
	}
	if s.ActiveCount() != 5 {
		t.Fatalf("ActiveCount = %d, want 5", s.ActiveCount())
	}

	s.Shutdown()
	if s.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d after shutdown, want 0", s.ActiveCount())
	}
}

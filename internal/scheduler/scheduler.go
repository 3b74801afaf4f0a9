// Package scheduler drives the per-session phase countdowns. One live
// countdown exists per session id; registering a new one supersedes the old.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// TickHandler consumes one elapsed second for a session's countdown. It
// reports done when the countdown should retire: terminal phase, session
// gone, or a phase transition that registered a fresh countdown.
type TickHandler interface {
	Tick(ctx context.Context, sessionID uuid.UUID) (done bool, err error)
}

// Scheduler owns the arena of countdown handles keyed by session id. Ticks
// run at 1-second wall-clock granularity on the injected clock.
type Scheduler struct {
	clock   clockwork.Clock
	handler TickHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[uuid.UUID]chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler on the given clock. Production passes
// clockwork.NewRealClock(); tests pass a fake.
func New(clock clockwork.Clock, handler TickHandler) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:   clock,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[uuid.UUID]chan struct{}),
	}
}

// Register starts a countdown for the session, replacing any existing one.
// At most one live countdown exists per session id.
func (s *Scheduler) Register(sessionID uuid.UUID) {
	s.mu.Lock()
	if stop, ok := s.active[sessionID]; ok {
		close(stop)
		log.Debug().Str("session_id", sessionID.String()).Msg("superseded existing countdown")
	}
	stop := make(chan struct{})
	s.active[sessionID] = stop
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(sessionID, stop)
}

// Cancel retires the session's countdown, if any.
func (s *Scheduler) Cancel(sessionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.active[sessionID]; ok {
		close(stop)
		delete(s.active, sessionID)
	}
}

// ActiveCount reports how many countdowns are live.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown stops every countdown and waits for their goroutines to exit.
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.mu.Lock()
	for id, stop := range s.active {
		close(stop)
		delete(s.active, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) run(sessionID uuid.UUID, stop chan struct{}) {
	defer s.wg.Done()
	defer s.retire(sessionID, stop)

	ticker := s.clock.NewTicker(time.Second)
	defer ticker.Stop()

	log.Debug().Str("session_id", sessionID.String()).Msg("countdown started")
	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
			done, err := s.handler.Tick(s.ctx, sessionID)
			if err != nil {
				// A failing tick retires only this session's countdown.
				log.Error().
					Err(err).
					Str("session_id", sessionID.String()).
					Msg("tick failed, retiring countdown")
				return
			}
			if done {
				log.Debug().Str("session_id", sessionID.String()).Msg("countdown retired")
				return
			}
		}
	}
}

// retire removes the arena entry unless a successor countdown already
// replaced it.
func (s *Scheduler) retire(sessionID uuid.UUID, stop chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.active[sessionID]; ok && current == stop {
		delete(s.active, sessionID)
	}
}

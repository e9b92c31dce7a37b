package sandbox

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ExpiryScheduler runs one delayed callback per instance id. Timers live
// only in memory; reconcile re-creates them after a restart.
type ExpiryScheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	fire    func(id string)
	stopped bool
}

// NewExpiryScheduler creates a scheduler that calls fire when a deadline passes
func NewExpiryScheduler(fire func(id string)) *ExpiryScheduler {
	return &ExpiryScheduler{
		timers: make(map[string]*time.Timer),
		fire:   fire,
	}
}

// Schedule arranges for fire(id) at the given time, replacing any earlier
// schedule for id. Deadlines in the past fire immediately.
func (s *ExpiryScheduler) Schedule(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if existing, ok := s.timers[id]; ok {
		existing.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(time.Until(at), func() {
		s.mu.Lock()
		current, ok := s.timers[id]
		if !ok || current != timer || s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()

		s.fire(id)
	})
	s.timers[id] = timer

	log.Debug().
		Str("instance_id", id).
		Time("expires_at", at).
		Msg("Expiry scheduled")
}

// Cancel removes the pending callback for id and reports whether one existed
func (s *ExpiryScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, ok := s.timers[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(s.timers, id)
	return true
}

// Has reports whether a callback is pending for id
func (s *ExpiryScheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Pending returns the number of pending callbacks
func (s *ExpiryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending callback. Later Schedule calls are ignored.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.stopped = true
}

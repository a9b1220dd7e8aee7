package lifecycle

import (
	"sync"
	"time"
)

// Scheduler owns the per-quiz expiry and delayed-cleanup timers. A quiz
// moves unscheduled -> scheduled -> expired -> cleaned; manual cancellation
// stops both timers so a late firing can never act on evicted state.
type Scheduler struct {
	grace     time.Duration
	now       func() time.Time
	onExpire  func(quizID string)
	onCleanup func(quizID string)

	mu     sync.Mutex
	timers map[string]*quizTimers
}

type quizTimers struct {
	expiry  *time.Timer
	cleanup *time.Timer
}

// NewScheduler wires the expiry broadcast and the cache-eviction callbacks.
// grace is how long after expiry the caches stay warm for late reads.
func NewScheduler(grace time.Duration, onExpire, onCleanup func(quizID string)) *Scheduler {
	if grace <= 0 {
		grace = 30 * time.Minute
	}
	return &Scheduler{
		grace:     grace,
		now:       time.Now,
		onExpire:  onExpire,
		onCleanup: onCleanup,
		timers:    make(map[string]*quizTimers),
	}
}

// Schedule arms the expiry and cleanup timers for a quiz. A no-op if the
// quiz is already scheduled. An expiry already in the past fires immediately.
func (s *Scheduler) Schedule(quizID string, expiresAt time.Time) {
	s.mu.Lock()
	if _, scheduled := s.timers[quizID]; scheduled {
		s.mu.Unlock()
		return
	}
	entry := &quizTimers{}
	s.timers[quizID] = entry

	untilExpiry := expiresAt.Sub(s.now())
	untilCleanup := untilExpiry + s.grace

	if untilExpiry > 0 {
		entry.expiry = time.AfterFunc(untilExpiry, func() {
			s.fireExpiry(quizID)
		})
	}
	if untilCleanup > 0 {
		entry.cleanup = time.AfterFunc(untilCleanup, func() {
			s.fireCleanup(quizID)
		})
	}
	s.mu.Unlock()

	if untilExpiry <= 0 {
		s.onExpire(quizID)
	}
	if untilCleanup <= 0 {
		s.Cancel(quizID)
		s.onCleanup(quizID)
	}
}

// Scheduled reports whether timers exist for the quiz.
func (s *Scheduler) Scheduled(quizID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[quizID]
	return ok
}

// Cancel stops both timers. Safe when nothing is scheduled.
func (s *Scheduler) Cancel(quizID string) {
	s.mu.Lock()
	entry, ok := s.timers[quizID]
	if ok {
		delete(s.timers, quizID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if entry.expiry != nil {
		entry.expiry.Stop()
	}
	if entry.cleanup != nil {
		entry.cleanup.Stop()
	}
}

// Stop cancels every outstanding timer; used on shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	timers := s.timers
	s.timers = make(map[string]*quizTimers)
	s.mu.Unlock()
	for _, entry := range timers {
		if entry.expiry != nil {
			entry.expiry.Stop()
		}
		if entry.cleanup != nil {
			entry.cleanup.Stop()
		}
	}
}

// fireExpiry runs on the expiry timer. A firing that lost the race against
// Cancel is a no-op.
func (s *Scheduler) fireExpiry(quizID string) {
	s.mu.Lock()
	entry, ok := s.timers[quizID]
	if ok {
		entry.expiry = nil
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.onExpire(quizID)
}

func (s *Scheduler) fireCleanup(quizID string) {
	s.mu.Lock()
	_, ok := s.timers[quizID]
	if ok {
		delete(s.timers, quizID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.onCleanup(quizID)
}

package lifecycle

import (
	"sync"
	"testing"
	"time"
)

type callRecorder struct {
	mu      sync.Mutex
	expired []string
	cleaned []string
}

func (r *callRecorder) expire(quizID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, quizID)
}

func (r *callRecorder) cleanup(quizID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleaned = append(r.cleaned, quizID)
}

func (r *callRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.expired), len(r.cleaned)
}

func TestScheduleFiresExpiryThenCleanup(t *testing.T) {
	rec := &callRecorder{}
	sched := NewScheduler(30*time.Millisecond, rec.expire, rec.cleanup)
	defer sched.Stop()

	sched.Schedule("quiz-1", time.Now().Add(20*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for {
		expired, cleaned := rec.counts()
		if expired == 1 && cleaned == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timers did not fire: expired=%d cleaned=%d", expired, cleaned)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sched.Scheduled("quiz-1") {
		t.Fatalf("expected timers released after cleanup")
	}
}

func TestScheduleIsIdempotent(t *testing.T) {
	rec := &callRecorder{}
	sched := NewScheduler(10*time.Millisecond, rec.expire, rec.cleanup)
	defer sched.Stop()

	expiry := time.Now().Add(20 * time.Millisecond)
	sched.Schedule("quiz-1", expiry)
	sched.Schedule("quiz-1", expiry)
	sched.Schedule("quiz-1", expiry)

	time.Sleep(100 * time.Millisecond)
	expired, cleaned := rec.counts()
	if expired != 1 || cleaned != 1 {
		t.Fatalf("expected single firing per phase, got expired=%d cleaned=%d", expired, cleaned)
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	rec := &callRecorder{}
	sched := NewScheduler(10*time.Millisecond, rec.expire, rec.cleanup)
	defer sched.Stop()

	sched.Schedule("quiz-1", time.Now().Add(20*time.Millisecond))
	sched.Cancel("quiz-1")

	time.Sleep(100 * time.Millisecond)
	expired, cleaned := rec.counts()
	if expired != 0 || cleaned != 0 {
		t.Fatalf("expected no callbacks after cancel, got expired=%d cleaned=%d", expired, cleaned)
	}
	if sched.Scheduled("quiz-1") {
		t.Fatalf("expected quiz unscheduled after cancel")
	}
}

func TestPastDueExpiryFiresImmediately(t *testing.T) {
	rec := &callRecorder{}
	sched := NewScheduler(time.Hour, rec.expire, rec.cleanup)
	defer sched.Stop()

	sched.Schedule("quiz-1", time.Now().Add(-time.Minute))

	expired, cleaned := rec.counts()
	if expired != 1 {
		t.Fatalf("expected immediate expiry for a past-due quiz, got %d", expired)
	}
	// Cleanup is still an hour out.
	if cleaned != 0 {
		t.Fatalf("expected cleanup deferred by the grace period, got %d", cleaned)
	}
	if !sched.Scheduled("quiz-1") {
		t.Fatalf("expected cleanup timer still armed")
	}
}

func TestLongPastDueRunsFullCleanup(t *testing.T) {
	rec := &callRecorder{}
	sched := NewScheduler(time.Minute, rec.expire, rec.cleanup)
	defer sched.Stop()

	sched.Schedule("quiz-1", time.Now().Add(-time.Hour))

	expired, cleaned := rec.counts()
	if expired != 1 || cleaned != 1 {
		t.Fatalf("expected both phases to run synchronously, got expired=%d cleaned=%d", expired, cleaned)
	}
	if sched.Scheduled("quiz-1") {
		t.Fatalf("expected no timers left")
	}
}

package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"quiz-ingest-service/internal/domain"
)

type fakeStore struct {
	mu     sync.Mutex
	fail   bool
	events []domain.AnswerEvent
}

func (s *fakeStore) WriteAnswers(_ context.Context, events []domain.AnswerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("storage down")
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func event(visitorID, questionID string) domain.AnswerEvent {
	return domain.AnswerEvent{
		VisitorID:  visitorID,
		QuestionID: questionID,
		QuizID:     "quiz-1",
		IsCorrect:  true,
		Score:      100,
	}
}

func TestMemoryBackendDeduplicates(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(&fakeStore{}, 0)

	accepted, err := backend.Enqueue(ctx, event("u1", "q1"))
	if err != nil || !accepted {
		t.Fatalf("expected first enqueue accepted, got accepted=%v err=%v", accepted, err)
	}
	accepted, err = backend.Enqueue(ctx, event("u1", "q1"))
	if err != nil {
		t.Fatalf("duplicate enqueue errored: %v", err)
	}
	if accepted {
		t.Fatalf("expected duplicate rejected")
	}
	if !backend.HasPending("u1", "q1") {
		t.Fatalf("expected pending key before flush")
	}
}

func TestMemoryBackendFlushReleasesKeys(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	backend := NewMemoryBackend(store, 0)

	_, _ = backend.Enqueue(ctx, event("u1", "q1"))
	_, _ = backend.Enqueue(ctx, event("u2", "q1"))

	if err := backend.FlushAll(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if store.count() != 2 {
		t.Fatalf("expected 2 durable events, got %d", store.count())
	}
	if backend.HasPending("u1", "q1") {
		t.Fatalf("expected pending key released after durable write")
	}

	metrics, _ := backend.Backlog(ctx)
	if metrics.Total != 0 {
		t.Fatalf("expected empty backlog, got %d", metrics.Total)
	}
}

func TestMemoryBackendRetriesFailedBatch(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{fail: true}
	backend := NewMemoryBackend(store, 0)

	_, _ = backend.Enqueue(ctx, event("u1", "q1"))

	if err := backend.FlushAll(ctx); err == nil {
		t.Fatalf("expected flush failure")
	}
	// The batch must be back in the buffer, key still held.
	metrics, _ := backend.Backlog(ctx)
	if metrics.Total != 1 {
		t.Fatalf("expected event retained after failure, backlog=%d", metrics.Total)
	}
	if !backend.HasPending("u1", "q1") {
		t.Fatalf("expected key held until durable")
	}

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	if err := backend.FlushAll(ctx); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("expected exactly one durable event after retry, got %d", store.count())
	}
}

func TestMemoryBackendStopFlushes(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	backend := NewMemoryBackend(store, 0)
	backend.Start()

	_, _ = backend.Enqueue(ctx, event("u1", "q1"))

	if err := backend.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("expected final flush on stop, got %d events", store.count())
	}
}

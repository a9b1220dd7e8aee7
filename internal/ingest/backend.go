package ingest

import (
	"context"

	"quiz-ingest-service/internal/domain"
)

// Store is the durable sink for answer events. Writes are insert-or-ignore:
// replaying a batch never double counts.
type Store interface {
	WriteAnswers(ctx context.Context, events []domain.AnswerEvent) error
}

// Backend is the ingestion side of the pipeline. Two implementations share
// this contract: MemoryBackend batches in process memory and flushes on a
// ticker; StreamBackend forwards each accepted event to a per-quiz durable
// stream guarded by a shared dedup store.
type Backend interface {
	// Enqueue accepts a validated answer. It returns false with a nil error
	// when the dedup guard rejects the key (a defined duplicate outcome) and
	// false with an error when the backend could not accept the event right
	// now (the caller may retry).
	Enqueue(ctx context.Context, event domain.AnswerEvent) (bool, error)

	// HasPending reports whether an answer for the key is admitted but not
	// yet durable, letting the request path reject duplicates before the
	// slower dedup check.
	HasPending(visitorID, questionID string) bool

	// FlushQuiz blocks until every pending event for the quiz is durable.
	// Finalization reads must never race ahead of their own writes.
	FlushQuiz(ctx context.Context, quizID string) error

	// FlushAll drains everything pending, across all quizzes.
	FlushAll(ctx context.Context) error

	// Backlog reports not-yet-durable counts.
	Backlog(ctx context.Context) (domain.BacklogMetrics, error)

	// Start launches any periodic work owned by the backend.
	Start()

	// Stop cancels periodic work and attempts a final best-effort flush.
	Stop(ctx context.Context) error
}

package ingest

import (
	"context"
	"sync"
	"time"

	"quiz-ingest-service/internal/domain"
	infraredis "quiz-ingest-service/internal/infra/redis"
)

// DurableQueue is the slice of the stream queue the request path needs:
// admission markers plus the per-quiz stream primitives.
type DurableQueue interface {
	Admit(ctx context.Context, dedupeKey string, ttl time.Duration) (bool, error)
	ReleaseDedupe(ctx context.Context, dedupeKey string) error
	Append(ctx context.Context, event domain.AnswerEvent) error
	ListStreams(ctx context.Context) ([]string, error)
	ReadBatch(ctx context.Context, streamKey string, count int) ([]infraredis.StreamEntry, error)
	DeleteEntries(ctx context.Context, streamKey string, ids []string) error
	Length(ctx context.Context, streamKey string) (int, error)
	RemoveIfEmpty(ctx context.Context, streamKey string) error
}

// StreamBackend forwards each accepted event to the quiz's durable Redis
// stream. The shared SET NX EX dedup marker is the source of truth for
// admission, so multiple API instances can ingest concurrently. Any failure
// to reach Redis is treated as "not admitted": fail closed, never risk a
// double count.
type StreamBackend struct {
	queue     DurableQueue
	store     Store
	dedupeTTL time.Duration

	// pending mirrors what this process has appended but not yet seen
	// drained, serving the fast HasPending path.
	mu      sync.Mutex
	pending map[string]struct{}
}

func NewStreamBackend(queue DurableQueue, store Store, dedupeTTL time.Duration) *StreamBackend {
	if dedupeTTL <= 0 {
		dedupeTTL = 6 * time.Hour
	}
	return &StreamBackend{
		queue:     queue,
		store:     store,
		dedupeTTL: dedupeTTL,
		pending:   make(map[string]struct{}),
	}
}

func (b *StreamBackend) Enqueue(ctx context.Context, event domain.AnswerEvent) (bool, error) {
	key := event.DedupeKey()

	b.mu.Lock()
	if _, dup := b.pending[key]; dup {
		b.mu.Unlock()
		return false, nil
	}
	b.mu.Unlock()

	admitted, err := b.queue.Admit(ctx, key, b.dedupeTTL)
	if err != nil {
		return false, domain.ErrBackendUnavailable
	}
	if !admitted {
		return false, nil
	}

	if err := b.queue.Append(ctx, event); err != nil {
		// Give the visitor their retry back; the marker alone is not durable.
		_ = b.queue.ReleaseDedupe(ctx, key)
		return false, domain.ErrBackendUnavailable
	}

	b.mu.Lock()
	b.pending[key] = struct{}{}
	b.mu.Unlock()
	return true, nil
}

func (b *StreamBackend) HasPending(visitorID, questionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[visitorID+":"+questionID]
	return ok
}

// FlushQuiz synchronously drains the quiz's stream into the store. Used by
// the finalization path, which must observe its own writes.
func (b *StreamBackend) FlushQuiz(ctx context.Context, quizID string) error {
	return b.drainStream(ctx, infraredis.StreamKey(quizID))
}

func (b *StreamBackend) FlushAll(ctx context.Context) error {
	keys, err := b.queue.ListStreams(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := b.drainStream(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (b *StreamBackend) Backlog(ctx context.Context) (domain.BacklogMetrics, error) {
	metrics := domain.BacklogMetrics{PerQuiz: map[string]int{}}
	keys, err := b.queue.ListStreams(ctx)
	if err != nil {
		return metrics, err
	}
	for _, key := range keys {
		length, err := b.queue.Length(ctx, key)
		if err != nil {
			return metrics, err
		}
		if length == 0 {
			_ = b.queue.RemoveIfEmpty(ctx, key)
			continue
		}
		metrics.Total += length
		metrics.PerQuiz[infraredis.QuizID(key)] = length
	}
	return metrics, nil
}

// Start is a no-op: draining belongs to the consumer process.
func (b *StreamBackend) Start() {}

// Stop is a no-op: appended events are already durable in the stream.
func (b *StreamBackend) Stop(context.Context) error { return nil }

func (b *StreamBackend) drainStream(ctx context.Context, streamKey string) error {
	for {
		entries, err := b.queue.ReadBatch(ctx, streamKey, defaultBatchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}
		events := make([]domain.AnswerEvent, 0, len(entries))
		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			events = append(events, entry.Event)
			ids = append(ids, entry.ID)
		}
		if err := b.store.WriteAnswers(ctx, events); err != nil {
			return err
		}
		if err := b.queue.DeleteEntries(ctx, streamKey, ids); err != nil {
			return err
		}
		b.mu.Lock()
		for _, ev := range events {
			delete(b.pending, ev.DedupeKey())
		}
		b.mu.Unlock()
	}
	return b.queue.RemoveIfEmpty(ctx, streamKey)
}

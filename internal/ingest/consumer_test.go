package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"quiz-ingest-service/internal/domain"
	infraredis "quiz-ingest-service/internal/infra/redis"
)

// fakeQueue is an in-memory ConsumerQueue for tests that only need queue
// semantics, not a Redis wire protocol.
type fakeQueue struct {
	mu         sync.Mutex
	streams    map[string][]infraredis.StreamEntry
	heartbeats []domain.ConsumerHeartbeat
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{streams: make(map[string][]infraredis.StreamEntry)}
}

func (q *fakeQueue) seed(streamKey string, entries ...infraredis.StreamEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.streams[streamKey] = append(q.streams[streamKey], entries...)
}

func (q *fakeQueue) ListStreams(context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.streams))
	for key := range q.streams {
		keys = append(keys, key)
	}
	return keys, nil
}

func (q *fakeQueue) ReadBatch(_ context.Context, streamKey string, count int) ([]infraredis.StreamEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.streams[streamKey]
	if len(entries) > count {
		entries = entries[:count]
	}
	out := make([]infraredis.StreamEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (q *fakeQueue) DeleteEntries(_ context.Context, streamKey string, ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := q.streams[streamKey][:0]
	for _, entry := range q.streams[streamKey] {
		if _, ok := drop[entry.ID]; !ok {
			kept = append(kept, entry)
		}
	}
	q.streams[streamKey] = kept
	return nil
}

func (q *fakeQueue) Length(_ context.Context, streamKey string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.streams[streamKey]), nil
}

func (q *fakeQueue) RemoveIfEmpty(_ context.Context, streamKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.streams[streamKey]) == 0 {
		delete(q.streams, streamKey)
	}
	return nil
}

func (q *fakeQueue) SetHeartbeat(_ context.Context, hb domain.ConsumerHeartbeat, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeats = append(q.heartbeats, hb)
	return nil
}

func TestConsumerDeletesOnlyAfterDurableWrite(t *testing.T) {
	ctx := context.Background()
	queue := newFakeQueue()
	key := infraredis.StreamKey("quiz-1")
	queue.seed(key,
		infraredis.StreamEntry{ID: "1-0", Event: event("u1", "q1")},
		infraredis.StreamEntry{ID: "1-1", Event: event("u2", "q1")},
	)
	store := &fakeStore{fail: true}
	consumer := NewConsumer(queue, store, ConsumerOptions{AlertThreshold: 3})

	if _, err := consumer.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n, _ := queue.Length(ctx, key); n != 2 {
		t.Fatalf("expected entries kept while the write failed, got %d", n)
	}

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	processed, err := consumer.Cycle(ctx)
	if err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	if processed != 2 || store.count() != 2 {
		t.Fatalf("expected 2 durable events, got processed=%d stored=%d", processed, store.count())
	}
	if n, _ := queue.Length(ctx, key); n != 0 {
		t.Fatalf("expected stream emptied after durable write, got %d", n)
	}
	if len(queue.heartbeats) != 2 {
		t.Fatalf("expected a heartbeat per cycle, got %d", len(queue.heartbeats))
	}
}

func TestConsumerCycleDrainsAndRetires(t *testing.T) {
	ctx := context.Background()
	queue, _ := newTestQueue(t)
	store := &fakeStore{}

	for _, ev := range []domain.AnswerEvent{event("u1", "q1"), event("u2", "q1"), event("u3", "q2")} {
		if err := queue.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	consumer := NewConsumer(queue, store, ConsumerOptions{BatchSize: 2, AlertThreshold: 3})
	processed, err := consumer.Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if processed != 3 {
		t.Fatalf("expected 3 entries processed, got %d", processed)
	}
	if store.count() != 3 {
		t.Fatalf("expected 3 durable events, got %d", store.count())
	}

	keys, err := queue.ListStreams(ctx)
	if err != nil {
		t.Fatalf("list streams: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected drained stream deregistered, got %v", keys)
	}

	hb, err := queue.GetHeartbeat(ctx)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if hb == nil {
		t.Fatalf("expected heartbeat published after cycle")
	}
	if hb.Backlog != 0 || hb.Alert {
		t.Fatalf("expected clean heartbeat after full drain, got %+v", hb)
	}
	if hb.TS == 0 {
		t.Fatalf("expected heartbeat timestamp set")
	}
}

func TestConsumerCycleKeepsEntriesOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	queue, _ := newTestQueue(t)
	store := &fakeStore{fail: true}

	if err := queue.Append(ctx, event("u1", "q1")); err != nil {
		t.Fatalf("append: %v", err)
	}

	consumer := NewConsumer(queue, store, ConsumerOptions{AlertThreshold: 3})
	if _, err := consumer.Cycle(ctx); err != nil {
		t.Fatalf("cycle must survive a failing stream: %v", err)
	}

	// Nothing deleted: the entry must still be readable for the next cycle.
	n, err := queue.Length(ctx, infraredis.StreamKey("quiz-1"))
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected entry retained after store failure, got %d", n)
	}

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	if _, err := consumer.Cycle(ctx); err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("expected exactly one durable event after retry, got %d", store.count())
	}
}

func TestConsumerHeartbeatExpires(t *testing.T) {
	ctx := context.Background()
	queue, mr := newTestQueue(t)

	consumer := NewConsumer(queue, &fakeStore{}, ConsumerOptions{HeartbeatTTL: 50 * time.Millisecond, AlertThreshold: 3})
	if _, err := consumer.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	mr.FastForward(time.Second)
	hb, err := queue.GetHeartbeat(ctx)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if hb != nil {
		t.Fatalf("expected heartbeat expired, got %+v", hb)
	}
}

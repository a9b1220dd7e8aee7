package ingest

import (
	"context"
	"log"
	"sync"
	"time"

	"quiz-ingest-service/internal/domain"
)

// MemoryBackend buffers accepted events in process memory and flushes the
// whole buffer to the store on a fixed tick. Dedup keys are held until their
// event is durably written, bounding memory without a TTL. Single-process
// deployments only; the buffer is lost on a crash (at-least-once applies from
// the moment of the first successful flush).
type MemoryBackend struct {
	store    Store
	interval time.Duration

	mu     sync.Mutex
	buffer []domain.AnswerEvent
	keys   map[string]struct{}

	// flushMu serializes flushes so the ticker and explicit FlushQuiz calls
	// never interleave batches.
	flushMu sync.Mutex

	started   bool
	startOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once
}

func NewMemoryBackend(store Store, interval time.Duration) *MemoryBackend {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &MemoryBackend{
		store:    store,
		interval: interval,
		keys:     make(map[string]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (b *MemoryBackend) Enqueue(_ context.Context, event domain.AnswerEvent) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := event.DedupeKey()
	if _, dup := b.keys[key]; dup {
		return false, nil
	}
	b.buffer = append(b.buffer, event)
	b.keys[key] = struct{}{}
	return true, nil
}

func (b *MemoryBackend) HasPending(visitorID, questionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.keys[visitorID+":"+questionID]
	return ok
}

// FlushQuiz drains the entire buffer; the local mode batches all quizzes
// together, so a per-quiz flush is a full flush.
func (b *MemoryBackend) FlushQuiz(ctx context.Context, _ string) error {
	return b.flush(ctx)
}

func (b *MemoryBackend) FlushAll(ctx context.Context) error {
	return b.flush(ctx)
}

func (b *MemoryBackend) Backlog(_ context.Context) (domain.BacklogMetrics, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.BacklogMetrics{
		Total:   len(b.buffer),
		PerQuiz: map[string]int{},
	}, nil
}

func (b *MemoryBackend) Start() {
	b.startOnce.Do(func() {
		b.mu.Lock()
		b.started = true
		b.mu.Unlock()
		go b.run()
	})
}

func (b *MemoryBackend) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.flush(context.Background()); err != nil {
				log.Printf("[buffer] flush failed, will retry: %v", err)
			}
		case <-b.stop:
			return
		}
	}
}

func (b *MemoryBackend) Stop(ctx context.Context) error {
	b.once.Do(func() {
		close(b.stop)
	})
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		<-b.done
	}
	return b.flush(ctx)
}

// flush writes the current batch in one bulk call. On failure the batch is
// returned to the front of the buffer so the next tick retries it; events are
// never silently dropped.
func (b *MemoryBackend) flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.buffer
	b.buffer = nil
	b.mu.Unlock()

	if err := b.store.WriteAnswers(ctx, batch); err != nil {
		b.mu.Lock()
		b.buffer = append(batch, b.buffer...)
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	for _, ev := range batch {
		delete(b.keys, ev.DedupeKey())
	}
	b.mu.Unlock()
	return nil
}

package fanout

import (
	"context"
	"log"
	"sync"
	"time"

	"quiz-ingest-service/internal/domain"
	"quiz-ingest-service/internal/leaderboard"
	"quiz-ingest-service/internal/stats"
)

const (
	statsFlushInterval       = 500 * time.Millisecond
	answeredFlushInterval    = 300 * time.Millisecond
	leaderboardFlushInterval = 2 * time.Second
	countFlushInterval       = 3 * time.Second
)

// Throttle coalesces high-frequency cache changes into periodic batched
// broadcasts. Each loop drains its dirty set once per tick and recomputes
// each dirty key exactly once, no matter how many events marked it. This
// trades per-event latency for a bounded outbound message rate.
type Throttle struct {
	broadcaster Broadcaster
	stats       *stats.Cache
	boards      *leaderboard.Cache

	mu          sync.Mutex
	dirtyStats  map[string]map[int]struct{}
	answered    map[string][]domain.PlayerAnsweredEvent
	dirtyBoards map[string]string // quizID -> last visitor to change it
	dirtyCounts map[string]struct{}

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewThrottle(broadcaster Broadcaster, statsCache *stats.Cache, boards *leaderboard.Cache) *Throttle {
	return &Throttle{
		broadcaster: broadcaster,
		stats:       statsCache,
		boards:      boards,
		dirtyStats:  make(map[string]map[int]struct{}),
		answered:    make(map[string][]domain.PlayerAnsweredEvent),
		dirtyBoards: make(map[string]string),
		dirtyCounts: make(map[string]struct{}),
		stop:        make(chan struct{}),
	}
}

// MarkStats schedules a stats broadcast for one question.
func (t *Throttle) MarkStats(quizID string, questionOrder int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.dirtyStats[quizID]
	if !ok {
		set = make(map[int]struct{})
		t.dirtyStats[quizID] = set
	}
	set[questionOrder] = struct{}{}
}

// QueueAnswered appends to the per-quiz activity batch for the next tick.
func (t *Throttle) QueueAnswered(quizID string, event domain.PlayerAnsweredEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.answered[quizID] = append(t.answered[quizID], event)
}

// MarkLeaderboard schedules a leaderboard push for a quiz.
func (t *Throttle) MarkLeaderboard(quizID, visitorID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirtyBoards[quizID] = visitorID
}

// MarkCount schedules a viewer-count push for a quiz.
func (t *Throttle) MarkCount(quizID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirtyCounts[quizID] = struct{}{}
}

// Start launches the four coalescing loops.
func (t *Throttle) Start() {
	t.loop(statsFlushInterval, t.flushStats)
	t.loop(answeredFlushInterval, t.flushAnswered)
	t.loop(leaderboardFlushInterval, func() { t.flushLeaderboard(context.Background()) })
	t.loop(countFlushInterval, t.flushCounts)
}

// Stop halts the loops. Dirty state left behind is only presentation, never
// durable data, so it is simply discarded.
func (t *Throttle) Stop() {
	t.once.Do(func() {
		close(t.stop)
	})
	t.wg.Wait()
}

func (t *Throttle) loop(interval time.Duration, flush func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				flush()
			case <-t.stop:
				return
			}
		}
	}()
}

func (t *Throttle) flushStats() {
	t.mu.Lock()
	dirty := t.dirtyStats
	t.dirtyStats = make(map[string]map[int]struct{})
	t.mu.Unlock()

	for quizID, questions := range dirty {
		for questionOrder := range questions {
			payload := map[string]interface{}{
				"questionIndex": questionOrder,
				"stats":         t.stats.Project(quizID, questionOrder),
			}
			t.broadcaster.Emit(QuizRoom(quizID), "stats:updated", payload)
			t.broadcaster.Emit(AdminRoom(quizID), "stats:updated", payload)
		}
	}
}

func (t *Throttle) flushAnswered() {
	t.mu.Lock()
	batches := t.answered
	t.answered = make(map[string][]domain.PlayerAnsweredEvent)
	t.mu.Unlock()

	for quizID, events := range batches {
		if len(events) == 0 {
			continue
		}
		t.broadcaster.EmitVolatile(QuizRoom(quizID), "players:answered_batch", events)
	}
}

func (t *Throttle) flushLeaderboard(ctx context.Context) {
	t.mu.Lock()
	dirty := t.dirtyBoards
	t.dirtyBoards = make(map[string]string)
	t.mu.Unlock()

	for quizID, visitorID := range dirty {
		update, err := t.boards.Update(ctx, quizID, visitorID)
		if err != nil {
			log.Printf("[throttle] leaderboard update %s: %v", quizID, err)
			continue
		}
		t.broadcaster.Emit(QuizRoom(quizID), "leaderboard:updated", update)
		t.broadcaster.Emit(AdminRoom(quizID), "leaderboard:updated", update)
	}
}

func (t *Throttle) flushCounts() {
	t.mu.Lock()
	dirty := t.dirtyCounts
	t.dirtyCounts = make(map[string]struct{})
	t.mu.Unlock()

	for quizID := range dirty {
		count := t.broadcaster.Count(QuizRoom(quizID))
		t.broadcaster.Emit(QuizRoom(quizID), "players:count", map[string]int{"count": count})
	}
}

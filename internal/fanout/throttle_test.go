package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"quiz-ingest-service/internal/domain"
	"quiz-ingest-service/internal/leaderboard"
	"quiz-ingest-service/internal/stats"
)

type recordedEmit struct {
	room     string
	event    string
	payload  interface{}
	volatile bool
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	emits  []recordedEmit
	counts map[string]int
}

func (b *fakeBroadcaster) Emit(room, event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emits = append(b.emits, recordedEmit{room: room, event: event, payload: payload})
}

func (b *fakeBroadcaster) EmitVolatile(room, event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emits = append(b.emits, recordedEmit{room: room, event: event, payload: payload, volatile: true})
}

func (b *fakeBroadcaster) Count(room string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[room]
}

func (b *fakeBroadcaster) DisconnectRoom(string) {}

func (b *fakeBroadcaster) recorded() []recordedEmit {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]recordedEmit, len(b.emits))
	copy(out, b.emits)
	return out
}

func TestStatsFlushCoalescesPerQuestion(t *testing.T) {
	broadcaster := &fakeBroadcaster{}
	statsCache := stats.NewCache(nil)
	statsCache.Init("quiz-1", 1)
	throttle := NewThrottle(broadcaster, statsCache, leaderboard.NewCache(nil))

	// Fifty submissions against the same question mark it dirty fifty times.
	for i := 0; i < 50; i++ {
		statsCache.Record("quiz-1", 0, i%4, 1)
		throttle.MarkStats("quiz-1", 0)
	}
	throttle.flushStats()

	emits := broadcaster.recorded()
	if len(emits) != 2 {
		t.Fatalf("expected one broadcast per room per dirty question, got %d", len(emits))
	}
	rooms := map[string]bool{}
	for _, e := range emits {
		if e.event != "stats:updated" {
			t.Fatalf("unexpected event %q", e.event)
		}
		rooms[e.room] = true
	}
	if !rooms[QuizRoom("quiz-1")] || !rooms[AdminRoom("quiz-1")] {
		t.Fatalf("expected quiz and admin rooms, got %v", rooms)
	}

	// The dirty set is drained; an idle tick emits nothing.
	throttle.flushStats()
	if got := len(broadcaster.recorded()); got != 2 {
		t.Fatalf("expected no emits on a clean tick, got %d total", got)
	}
}

func TestAnsweredFlushBatchesPerQuiz(t *testing.T) {
	broadcaster := &fakeBroadcaster{}
	throttle := NewThrottle(broadcaster, stats.NewCache(nil), leaderboard.NewCache(nil))

	for i := 0; i < 5; i++ {
		throttle.QueueAnswered("quiz-1", domain.PlayerAnsweredEvent{PlayerName: "u", QuestionIndex: i})
	}
	throttle.flushAnswered()

	emits := broadcaster.recorded()
	if len(emits) != 1 {
		t.Fatalf("expected one batched emit, got %d", len(emits))
	}
	if !emits[0].volatile {
		t.Fatalf("activity feed must be volatile")
	}
	events, ok := emits[0].payload.([]domain.PlayerAnsweredEvent)
	if !ok || len(events) != 5 {
		t.Fatalf("expected batch of 5 events, got %T %v", emits[0].payload, emits[0].payload)
	}
}

func TestLeaderboardFlushUsesLatestVisitor(t *testing.T) {
	broadcaster := &fakeBroadcaster{}
	boards := leaderboard.NewCache(nil)
	boards.RecordAttempt("quiz-1", domain.LeaderboardEntry{VisitorID: "u1", Score: 50, CompletedAt: time.Now()})
	boards.RecordAttempt("quiz-1", domain.LeaderboardEntry{VisitorID: "u2", Score: 90, CompletedAt: time.Now()})
	throttle := NewThrottle(broadcaster, stats.NewCache(nil), boards)

	throttle.MarkLeaderboard("quiz-1", "u1")
	throttle.MarkLeaderboard("quiz-1", "u2")
	throttle.flushLeaderboard(context.Background())

	emits := broadcaster.recorded()
	if len(emits) != 2 {
		t.Fatalf("expected one update per room, got %d", len(emits))
	}
	update, ok := emits[0].payload.(domain.LeaderboardUpdate)
	if !ok {
		t.Fatalf("unexpected payload %T", emits[0].payload)
	}
	if update.Rank != 1 || update.TotalPlayers != 2 {
		t.Fatalf("expected update computed for the last marker (u2: rank 1 of 2), got %+v", update)
	}
}

func TestCountFlushReportsRoomSize(t *testing.T) {
	broadcaster := &fakeBroadcaster{counts: map[string]int{QuizRoom("quiz-1"): 7}}
	throttle := NewThrottle(broadcaster, stats.NewCache(nil), leaderboard.NewCache(nil))

	throttle.MarkCount("quiz-1")
	throttle.flushCounts()

	emits := broadcaster.recorded()
	if len(emits) != 1 {
		t.Fatalf("expected one count emit, got %d", len(emits))
	}
	payload, ok := emits[0].payload.(map[string]int)
	if !ok || payload["count"] != 7 {
		t.Fatalf("expected count 7, got %v", emits[0].payload)
	}
}

func TestStopHaltsLoops(t *testing.T) {
	broadcaster := &fakeBroadcaster{}
	throttle := NewThrottle(broadcaster, stats.NewCache(nil), leaderboard.NewCache(nil))
	throttle.Start()
	throttle.Stop()
	// Stop must be safe to call twice.
	throttle.Stop()
}

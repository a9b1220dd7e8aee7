package leaderboard

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"quiz-ingest-service/internal/domain"
)

// Seeder reads leaderboard-eligible attempts from durable storage. Only
// first attempts are eligible; replays must never alter rank.
type Seeder interface {
	LeaderboardSeed(ctx context.Context, quizID string) ([]domain.LeaderboardEntry, error)
}

// Cache keeps one board per quiz: entries keyed by visitor plus a sorted
// projection. Writes mark the sorted view dirty; recomputation is deferred
// to the next read.
type Cache struct {
	seeder Seeder
	sf     singleflight.Group

	mu     sync.Mutex
	boards map[string]*board
}

type board struct {
	byVisitor map[string]domain.LeaderboardEntry
	sorted    []domain.LeaderboardEntry
	dirty     bool
}

func NewCache(seeder Seeder) *Cache {
	return &Cache{
		seeder: seeder,
		boards: make(map[string]*board),
	}
}

// RecordAttempt upserts a visitor's entry and invalidates the sorted view.
func (c *Cache) RecordAttempt(quizID string, entry domain.LeaderboardEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.boardLocked(quizID)
	b.byVisitor[entry.VisitorID] = entry
	b.dirty = true
}

// Clear evicts a quiz's board.
func (c *Cache) Clear(quizID string) {
	c.mu.Lock()
	delete(c.boards, quizID)
	c.mu.Unlock()
}

// Prime backfills the board from storage, only when the cache holds no
// entries for the quiz yet.
func (c *Cache) Prime(ctx context.Context, quizID string) error {
	c.mu.Lock()
	if b, ok := c.boards[quizID]; ok && len(b.byVisitor) > 0 {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_, err, _ := c.sf.Do(quizID, func() (interface{}, error) {
		c.mu.Lock()
		if b, ok := c.boards[quizID]; ok && len(b.byVisitor) > 0 {
			c.mu.Unlock()
			return nil, nil
		}
		c.mu.Unlock()

		if c.seeder == nil {
			return nil, nil
		}
		entries, err := c.seeder.LeaderboardSeed(ctx, quizID)
		if err != nil {
			return nil, err
		}

		byVisitor := make(map[string]domain.LeaderboardEntry, len(entries))
		for _, entry := range entries {
			byVisitor[entry.VisitorID] = entry
		}
		c.mu.Lock()
		c.boards[quizID] = &board{
			byVisitor: byVisitor,
			sorted:    entries,
			dirty:     false,
		}
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// RankOf returns a visitor's rank (1-based) and the player count. A visitor
// without an entry ranks one past the end.
func (c *Cache) RankOf(ctx context.Context, quizID, visitorID string) (int, int, error) {
	entries, err := c.sortedEntries(ctx, quizID)
	if err != nil {
		return 0, 0, err
	}
	total := len(entries)
	for i, entry := range entries {
		if entry.VisitorID == visitorID {
			return i + 1, total, nil
		}
	}
	return total + 1, total, nil
}

// TopN returns the first n ranked entries.
func (c *Cache) TopN(ctx context.Context, quizID string, n int) ([]domain.LeaderboardEntry, error) {
	entries, err := c.sortedEntries(ctx, quizID)
	if err != nil {
		return nil, err
	}
	if n > len(entries) {
		n = len(entries)
	}
	out := make([]domain.LeaderboardEntry, n)
	copy(out, entries[:n])
	return out, nil
}

// Update builds the throttled push payload: the visitor's rank plus the top
// ten players.
func (c *Cache) Update(ctx context.Context, quizID, visitorID string) (domain.LeaderboardUpdate, error) {
	entries, err := c.sortedEntries(ctx, quizID)
	if err != nil {
		return domain.LeaderboardUpdate{}, err
	}
	rank := len(entries) + 1
	for i, entry := range entries {
		if entry.VisitorID == visitorID {
			rank = i + 1
			break
		}
	}
	return domain.LeaderboardUpdate{
		Rank:         rank,
		TotalPlayers: len(entries),
		TopPlayers:   rankedPlayers(entries, 10),
	}, nil
}

// View builds the results-screen payload for one visitor.
func (c *Cache) View(ctx context.Context, quizID, visitorID string, limit int) (domain.LeaderboardView, error) {
	entries, err := c.sortedEntries(ctx, quizID)
	if err != nil {
		return domain.LeaderboardView{}, err
	}
	myRank := len(entries) + 1
	for i, entry := range entries {
		if entry.VisitorID == visitorID {
			myRank = i + 1
			break
		}
	}
	return domain.LeaderboardView{
		Players:      rankedPlayers(entries, limit),
		MyRank:       myRank,
		TotalPlayers: len(entries),
	}, nil
}

// sortedEntries primes the board if needed and recomputes the sorted view
// when dirty. Score descending, earlier completion winning ties.
func (c *Cache) sortedEntries(ctx context.Context, quizID string) ([]domain.LeaderboardEntry, error) {
	if err := c.Prime(ctx, quizID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.boardLocked(quizID)
	if b.dirty {
		sorted := make([]domain.LeaderboardEntry, 0, len(b.byVisitor))
		for _, entry := range b.byVisitor {
			sorted = append(sorted, entry)
		}
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].Score != sorted[j].Score {
				return sorted[i].Score > sorted[j].Score
			}
			return sorted[i].CompletedAt.Before(sorted[j].CompletedAt)
		})
		b.sorted = sorted
		b.dirty = false
	}
	return b.sorted, nil
}

func (c *Cache) boardLocked(quizID string) *board {
	b, ok := c.boards[quizID]
	if !ok {
		b = &board{byVisitor: make(map[string]domain.LeaderboardEntry)}
		c.boards[quizID] = b
	}
	return b
}

func rankedPlayers(entries []domain.LeaderboardEntry, limit int) []domain.RankedPlayer {
	if limit > len(entries) {
		limit = len(entries)
	}
	players := make([]domain.RankedPlayer, 0, limit)
	for i := 0; i < limit; i++ {
		players = append(players, domain.RankedPlayer{
			Name:  entries[i].Name,
			Score: entries[i].Score,
			Rank:  i + 1,
		})
	}
	return players
}

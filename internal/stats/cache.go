package stats

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"quiz-ingest-service/internal/domain"
)

const defaultOptionsCount = 4

// Seeder reads per-question vote aggregates from durable storage.
type Seeder interface {
	StatsAggregate(ctx context.Context, quizID string) ([]domain.OptionCount, error)
}

// Cache holds per-quiz vote counts: counts[questionOrder][answerIndex] plus a
// running total per question. It is a warm cache rebuildable from storage,
// never the source of truth.
type Cache struct {
	seeder Seeder
	sf     singleflight.Group

	mu      sync.Mutex
	quizzes map[string]*quizStats
}

type quizStats struct {
	counts [][]int
	totals []int
}

func NewCache(seeder Seeder) *Cache {
	return &Cache{
		seeder:  seeder,
		quizzes: make(map[string]*quizStats),
	}
}

// Init allocates empty counters for a quiz, replacing any existing state.
func (c *Cache) Init(quizID string, questionCount int) {
	if questionCount < 0 {
		questionCount = 0
	}
	state := &quizStats{
		counts: make([][]int, questionCount),
		totals: make([]int, questionCount),
	}
	for i := range state.counts {
		state.counts[i] = make([]int, defaultOptionsCount)
	}
	c.mu.Lock()
	c.quizzes[quizID] = state
	c.mu.Unlock()
}

// Has reports whether the quiz already holds cache state.
func (c *Cache) Has(quizID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.quizzes[quizID]
	return ok
}

// Record adds increment votes for one option. Internal arrays grow sparsely
// when an index beyond current capacity arrives.
func (c *Cache) Record(quizID string, questionOrder, answerIndex, increment int) {
	if questionOrder < 0 || answerIndex < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.quizzes[quizID]
	if !ok {
		state = &quizStats{}
		c.quizzes[quizID] = state
	}
	state.ensureQuestion(questionOrder)
	row := state.counts[questionOrder]
	if len(row) <= answerIndex {
		row = append(row, make([]int, answerIndex-len(row)+1)...)
		state.counts[questionOrder] = row
	}
	row[answerIndex] += increment
	state.totals[questionOrder] += increment
}

// Project returns the vote percentages per option, rounded. All zeros when
// no votes exist; never divides by zero.
func (c *Cache) Project(quizID string, questionOrder int) []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.quizzes[quizID]
	if !ok || questionOrder < 0 || questionOrder >= len(state.counts) {
		return make([]int, defaultOptionsCount)
	}
	row := state.counts[questionOrder]
	total := state.totals[questionOrder]
	out := make([]int, len(row))
	if total == 0 {
		return out
	}
	for i, count := range row {
		out[i] = int(float64(count)/float64(total)*100 + 0.5)
	}
	return out
}

// Total returns how many votes a question has received.
func (c *Cache) Total(quizID string, questionOrder int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.quizzes[quizID]
	if !ok || questionOrder < 0 || questionOrder >= len(state.totals) {
		return 0
	}
	return state.totals[questionOrder]
}

// Clear evicts all cached state for a quiz.
func (c *Cache) Clear(quizID string) {
	c.mu.Lock()
	delete(c.quizzes, quizID)
	c.mu.Unlock()
}

// Prime backfills counters from durable aggregates once per quiz activation.
// Idempotent: a quiz that already holds state is left untouched, and
// concurrent activations share one backfill.
func (c *Cache) Prime(ctx context.Context, quizID string, questions []domain.Question) error {
	if c.Has(quizID) {
		return nil
	}
	_, err, _ := c.sf.Do(quizID, func() (interface{}, error) {
		if c.Has(quizID) {
			return nil, nil
		}
		if len(questions) == 0 {
			c.Init(quizID, 0)
			return nil, nil
		}

		maxOrder := 0
		orderByID := make(map[string]int, len(questions))
		for _, q := range questions {
			if q.Order > maxOrder {
				maxOrder = q.Order
			}
			orderByID[q.ID] = q.Order
		}
		size := len(questions)
		if maxOrder+1 > size {
			size = maxOrder + 1
		}

		var counts []domain.OptionCount
		if c.seeder != nil {
			var err error
			counts, err = c.seeder.StatsAggregate(ctx, quizID)
			if err != nil {
				return nil, err
			}
		}

		c.Init(quizID, size)
		for _, entry := range counts {
			order, ok := orderByID[entry.QuestionID]
			if !ok {
				continue
			}
			c.Record(quizID, order, entry.AnswerIndex, entry.Count)
		}
		return nil, nil
	})
	return err
}

func (s *quizStats) ensureQuestion(questionOrder int) {
	for len(s.counts) <= questionOrder {
		s.counts = append(s.counts, make([]int, defaultOptionsCount))
		s.totals = append(s.totals, 0)
	}
}

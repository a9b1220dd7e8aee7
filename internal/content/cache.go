package content

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quiz-ingest-service/internal/domain"
)

// Loader fetches quiz content from the backing store.
type Loader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// Cache keeps quiz content (questions, correct indexes, expiry) warm with a
// TTL so the answer path can score submissions without a storage round trip.
type Cache struct {
	loader Loader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedQuiz
}

type cachedQuiz struct {
	quiz      domain.Quiz
	expiresAt time.Time
}

func NewCache(loader Loader, ttl time.Duration) *Cache {
	return &Cache{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedQuiz),
	}
}

func (c *Cache) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	now := c.clock()

	c.mu.RLock()
	if entry, ok := c.cache[quizID]; ok && entry.expiresAt.After(now) {
		c.mu.RUnlock()
		return entry.quiz, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.sf.Do(quizID, func() (interface{}, error) {
		now := c.clock()
		c.mu.RLock()
		if entry, ok := c.cache[quizID]; ok && entry.expiresAt.After(now) {
			c.mu.RUnlock()
			return entry.quiz, nil
		}
		c.mu.RUnlock()

		quiz, err := c.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}

		c.mu.Lock()
		c.cache[quizID] = cachedQuiz{
			quiz:      quiz,
			expiresAt: now.Add(c.ttlWithJitter()),
		}
		c.mu.Unlock()
		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return result.(domain.Quiz), nil
}

// Question resolves a question by its display order.
func (c *Cache) Question(ctx context.Context, quizID string, questionOrder int) (domain.Question, error) {
	quiz, err := c.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Question{}, err
	}
	for _, q := range quiz.Questions {
		if q.Order == questionOrder {
			return q, nil
		}
	}
	return domain.Question{}, domain.ErrQuestionNotFound
}

// Prime seeds the cache directly, bypassing the loader.
func (c *Cache) Prime(quiz domain.Quiz) {
	c.mu.Lock()
	c.cache[quiz.ID] = cachedQuiz{
		quiz:      quiz,
		expiresAt: c.clock().Add(c.ttlWithJitter()),
	}
	c.mu.Unlock()
}

// Clear evicts a quiz's content.
func (c *Cache) Clear(quizID string) {
	c.mu.Lock()
	delete(c.cache, quizID)
	c.mu.Unlock()
}

// StaticLoader is a loader backed by an in-memory map (tests/demos).
type StaticLoader struct {
	quizzes map[string]domain.Quiz
}

func NewStaticLoader(quizzes map[string]domain.Quiz) *StaticLoader {
	return &StaticLoader{quizzes: quizzes}
}

func (l *StaticLoader) LoadQuiz(_ context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := l.quizzes[quizID]; ok {
		return quiz, nil
	}
	return domain.Quiz{}, domain.ErrQuizNotFound
}

func (c *Cache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return time.Hour
	}
	// up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

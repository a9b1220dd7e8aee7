package app

import (
	"context"
	"time"

	"quiz-ingest-service/internal/content"
	"quiz-ingest-service/internal/domain"
	"quiz-ingest-service/internal/fanout"
	"quiz-ingest-service/internal/ingest"
	"quiz-ingest-service/internal/leaderboard"
	"quiz-ingest-service/internal/lifecycle"
	"quiz-ingest-service/internal/stats"
)

// AttemptStore is the slice of durable storage the request path needs:
// duplicate lookups and attempt finalization.
type AttemptStore interface {
	HasAnswer(ctx context.Context, visitorID, questionID string) (bool, error)
	VisitorTotals(ctx context.Context, quizID, visitorID string) (int, int, error)
	HasAttempt(ctx context.Context, quizID, visitorID string) (bool, error)
	HasFirstAttempt(ctx context.Context, quizID, visitorID string) (bool, error)
	InsertAttempt(ctx context.Context, attempt domain.AttemptRecord) (time.Time, error)
}

// HeartbeatSource reads the consumer heartbeat; nil means absent or expired.
type HeartbeatSource interface {
	GetHeartbeat(ctx context.Context) (*domain.ConsumerHeartbeat, error)
}

// Pipeline ties the ingestion backend, the warm caches, the fanout throttle
// and the lifecycle scheduler into the operations the transport layer calls.
type Pipeline struct {
	backend     ingest.Backend
	store       AttemptStore
	content     *content.Cache
	stats       *stats.Cache
	boards      *leaderboard.Cache
	throttle    *fanout.Throttle
	scheduler   *lifecycle.Scheduler
	broadcaster fanout.Broadcaster
	heartbeats  HeartbeatSource
	now         func() time.Time
}

// Options carries the pipeline's collaborators. Heartbeats may be nil in
// single-process mode (no consumer exists to report).
type Options struct {
	Backend      ingest.Backend
	Store        AttemptStore
	Content      *content.Cache
	Stats        *stats.Cache
	Boards       *leaderboard.Cache
	Broadcaster  fanout.Broadcaster
	Heartbeats   HeartbeatSource
	CleanupGrace time.Duration
}

func NewPipeline(opts Options) *Pipeline {
	p := &Pipeline{
		backend:     opts.Backend,
		store:       opts.Store,
		content:     opts.Content,
		stats:       opts.Stats,
		boards:      opts.Boards,
		broadcaster: opts.Broadcaster,
		heartbeats:  opts.Heartbeats,
		now:         time.Now,
	}
	p.throttle = fanout.NewThrottle(opts.Broadcaster, opts.Stats, opts.Boards)
	p.scheduler = lifecycle.NewScheduler(opts.CleanupGrace, p.expireQuiz, p.evictQuiz)
	return p
}

// Start launches the backend's periodic work and the fanout loops.
func (p *Pipeline) Start() {
	p.backend.Start()
	p.throttle.Start()
}

// Stop cancels timers and loops, then flushes whatever the backend still
// buffers. Best effort: a failing final flush is returned to the caller but
// cannot be retried past shutdown.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.scheduler.Stop()
	p.throttle.Stop()
	return p.backend.Stop(ctx)
}

// SubmitAnswer is the request-path entry for one timed answer. Correctness
// and score are resolved server-side from cached content; duplicates are a
// defined outcome, not an error.
func (p *Pipeline) SubmitAnswer(ctx context.Context, quizID, visitorID, playerName string, questionOrder, answerIndex, timeLeft int) (domain.SubmissionResult, error) {
	quiz, err := p.content.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.SubmissionResult{}, err
	}
	if err := p.stats.Prime(ctx, quizID, quiz.Questions); err != nil {
		return domain.SubmissionResult{}, err
	}
	question, err := p.content.Question(ctx, quizID, questionOrder)
	if err != nil {
		return domain.SubmissionResult{}, err
	}

	// Cheap duplicate checks before the dedup guard's slower path.
	if p.backend.HasPending(visitorID, question.ID) {
		return duplicateResult(question), nil
	}
	exists, err := p.store.HasAnswer(ctx, visitorID, question.ID)
	if err != nil {
		return domain.SubmissionResult{}, err
	}
	if exists {
		return duplicateResult(question), nil
	}

	isCorrect := answerIndex == question.CorrectIndex
	if timeLeft < 0 {
		timeLeft = 0
	}
	score := 0
	if isCorrect {
		score = 100 + timeLeft*10
	}

	accepted, err := p.backend.Enqueue(ctx, domain.AnswerEvent{
		VisitorID:   visitorID,
		QuestionID:  question.ID,
		QuizID:      quizID,
		AnswerIndex: answerIndex,
		IsCorrect:   isCorrect,
		TimeLeft:    timeLeft,
		Score:       score,
	})
	if err != nil {
		return domain.SubmissionResult{}, err
	}
	if !accepted {
		return duplicateResult(question), nil
	}

	p.stats.Record(quizID, questionOrder, answerIndex, 1)

	action := "wrong"
	if isCorrect {
		action = "correct"
	}
	timestamp := p.now()
	p.throttle.QueueAnswered(quizID, domain.PlayerAnsweredEvent{
		PlayerName:    playerName,
		Action:        action,
		QuestionIndex: questionOrder,
		Timestamp:     timestamp,
	})
	p.throttle.MarkStats(quizID, questionOrder)
	p.broadcaster.Emit(fanout.AdminRoom(quizID), "admin:answer", map[string]interface{}{
		"playerName":    playerName,
		"questionIndex": questionOrder,
		"answerIndex":   answerIndex,
		"isCorrect":     isCorrect,
		"score":         score,
		"timestamp":     timestamp,
	})

	return domain.SubmissionResult{
		Accepted:     true,
		IsCorrect:    isCorrect,
		CorrectIndex: question.CorrectIndex,
		Score:        score,
		Stats:        p.stats.Project(quizID, questionOrder),
	}, nil
}

// FinalizeQuiz completes a visitor's attempt. It blocks until the quiz's
// pending answers are durable before reading aggregates; the finalization
// read must never race ahead of its own writes.
func (p *Pipeline) FinalizeQuiz(ctx context.Context, quizID, visitorID, playerName string) (domain.AttemptResult, error) {
	already, err := p.store.HasAttempt(ctx, quizID, visitorID)
	if err != nil {
		return domain.AttemptResult{}, err
	}
	if already {
		rank, total, err := p.boards.RankOf(ctx, quizID, visitorID)
		if err != nil {
			return domain.AttemptResult{}, err
		}
		return domain.AttemptResult{IsFirstAttempt: false, Rank: rank, TotalPlayers: total}, nil
	}

	if err := p.backend.FlushQuiz(ctx, quizID); err != nil {
		return domain.AttemptResult{}, err
	}

	totalScore, correctCount, err := p.store.VisitorTotals(ctx, quizID, visitorID)
	if err != nil {
		return domain.AttemptResult{}, err
	}
	quiz, err := p.content.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.AttemptResult{}, err
	}
	hasFirst, err := p.store.HasFirstAttempt(ctx, quizID, visitorID)
	if err != nil {
		return domain.AttemptResult{}, err
	}
	isFirst := !hasFirst

	completedAt, err := p.store.InsertAttempt(ctx, domain.AttemptRecord{
		VisitorID:      visitorID,
		QuizID:         quizID,
		Name:           playerName,
		TotalScore:     totalScore,
		CorrectCount:   correctCount,
		TotalQuestions: len(quiz.Questions),
		IsFirstAttempt: isFirst,
	})
	if err != nil {
		return domain.AttemptResult{}, err
	}

	if isFirst {
		p.boards.RecordAttempt(quizID, domain.LeaderboardEntry{
			VisitorID:   visitorID,
			Name:        playerName,
			Score:       totalScore,
			CompletedAt: completedAt,
		})
		p.throttle.MarkLeaderboard(quizID, visitorID)
	}

	rank, total, err := p.boards.RankOf(ctx, quizID, visitorID)
	if err != nil {
		return domain.AttemptResult{}, err
	}
	return domain.AttemptResult{
		IsFirstAttempt: isFirst,
		TotalScore:     totalScore,
		CorrectCount:   correctCount,
		Rank:           rank,
		TotalPlayers:   total,
	}, nil
}

// StatsProjection returns the current percentage split for one question.
func (p *Pipeline) StatsProjection(ctx context.Context, quizID string, questionOrder int) ([]int, error) {
	quiz, err := p.content.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, err
	}
	if err := p.stats.Prime(ctx, quizID, quiz.Questions); err != nil {
		return nil, err
	}
	return p.stats.Project(quizID, questionOrder), nil
}

// LeaderboardView returns the results-screen standing for one visitor.
func (p *Pipeline) LeaderboardView(ctx context.Context, quizID, visitorID string, limit int) (domain.LeaderboardView, error) {
	if limit <= 0 {
		limit = 50
	}
	return p.boards.View(ctx, quizID, visitorID, limit)
}

// OnQuizActivated warms the content and stats caches and arms the lifecycle
// timers. Idempotent per quiz.
func (p *Pipeline) OnQuizActivated(ctx context.Context, quizID string) error {
	quiz, err := p.content.GetQuiz(ctx, quizID)
	if err != nil {
		return err
	}
	if quiz.ExpiresAt.Before(p.now()) {
		p.evictQuiz(quizID)
		return domain.ErrQuizExpired
	}
	if err := p.stats.Prime(ctx, quizID, quiz.Questions); err != nil {
		return err
	}
	p.scheduler.Schedule(quizID, quiz.ExpiresAt)
	return nil
}

// OnQuizDeleted evicts all cached state and cancels pending timers.
func (p *Pipeline) OnQuizDeleted(quizID string) {
	p.scheduler.Cancel(quizID)
	p.evictQuiz(quizID)
}

// OnQuizReset drops warm state so the next activation rebuilds from storage.
func (p *Pipeline) OnQuizReset(quizID string) {
	p.scheduler.Cancel(quizID)
	p.evictQuiz(quizID)
}

// MarkViewerChange schedules a viewer-count push (called by the transport on
// joins and leaves).
func (p *Pipeline) MarkViewerChange(quizID string) {
	p.throttle.MarkCount(quizID)
}

// BacklogMetrics reports not-yet-durable answer counts.
func (p *Pipeline) BacklogMetrics(ctx context.Context) (domain.BacklogMetrics, error) {
	return p.backend.Backlog(ctx)
}

// ConsumerHeartbeat returns the consumer's latest heartbeat, or nil when the
// consumer is absent, stalled, or this deployment has no consumer.
func (p *Pipeline) ConsumerHeartbeat(ctx context.Context) (*domain.ConsumerHeartbeat, error) {
	if p.heartbeats == nil {
		return nil, nil
	}
	return p.heartbeats.GetHeartbeat(ctx)
}

// expireQuiz runs when a quiz's expiry timer fires: tell viewers and close
// the room. Caches stay warm for the grace window so late finalizations can
// still read.
func (p *Pipeline) expireQuiz(quizID string) {
	room := fanout.QuizRoom(quizID)
	p.broadcaster.Emit(room, "quiz:expired", nil)
	p.broadcaster.DisconnectRoom(room)
}

func (p *Pipeline) evictQuiz(quizID string) {
	p.content.Clear(quizID)
	p.stats.Clear(quizID)
	p.boards.Clear(quizID)
}

func duplicateResult(question domain.Question) domain.SubmissionResult {
	return domain.SubmissionResult{
		Accepted:     false,
		IsDuplicate:  true,
		CorrectIndex: question.CorrectIndex,
	}
}

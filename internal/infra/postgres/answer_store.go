package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"quiz-ingest-service/internal/domain"
)

// AnswerRow maps the answers table. The unique index on (visitor_id,
// question_id) is what makes bulk writes idempotent: a replayed batch
// inserts nothing new.
type AnswerRow struct {
	bun.BaseModel `bun:"table:answers"`

	ID          int64     `bun:"id,pk,autoincrement"`
	VisitorID   string    `bun:"visitor_id,notnull"`
	QuestionID  string    `bun:"question_id,notnull"`
	QuizID      string    `bun:"quiz_id,notnull"`
	AnswerIndex int       `bun:"answer_index,notnull"`
	IsCorrect   bool      `bun:"is_correct,notnull"`
	TimeLeft    int       `bun:"time_left,notnull"`
	Score       int       `bun:"score,notnull"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// AttemptRow maps the quiz_attempts table.
type AttemptRow struct {
	bun.BaseModel `bun:"table:quiz_attempts"`

	ID             int64     `bun:"id,pk,autoincrement"`
	VisitorID      string    `bun:"visitor_id,notnull"`
	QuizID         string    `bun:"quiz_id,notnull"`
	Name           string    `bun:"name,notnull"`
	TotalScore     int       `bun:"total_score,notnull"`
	CorrectCount   int       `bun:"correct_count,notnull"`
	TotalQuestions int       `bun:"total_questions,notnull"`
	IsFirstAttempt bool      `bun:"is_first_attempt,notnull"`
	CompletedAt    time.Time `bun:"completed_at,nullzero,notnull,default:current_timestamp"`
}

type optionCountRow struct {
	QuestionID  string `bun:"question_id"`
	AnswerIndex int    `bun:"answer_index"`
	Count       int    `bun:"count"`
}

// AnswerStore persists answer events and serves the aggregate queries that
// prime the in-memory caches.
type AnswerStore struct {
	db *bun.DB
}

func NewAnswerStore(db *bun.DB) *AnswerStore {
	return &AnswerStore{db: db}
}

// WriteAnswers bulk-inserts events with duplicate tolerance. A crash-and-replay
// of the same batch cannot double count.
func (s *AnswerStore) WriteAnswers(ctx context.Context, events []domain.AnswerEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]AnswerRow, 0, len(events))
	for _, ev := range events {
		rows = append(rows, AnswerRow{
			VisitorID:   ev.VisitorID,
			QuestionID:  ev.QuestionID,
			QuizID:      ev.QuizID,
			AnswerIndex: ev.AnswerIndex,
			IsCorrect:   ev.IsCorrect,
			TimeLeft:    ev.TimeLeft,
			Score:       ev.Score,
		})
	}
	_, err := s.db.NewInsert().
		Model(&rows).
		On("CONFLICT (visitor_id, question_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("write answers: %w", err)
	}
	return nil
}

// HasAnswer reports whether a durable row already exists for the dedup key.
func (s *AnswerStore) HasAnswer(ctx context.Context, visitorID, questionID string) (bool, error) {
	exists, err := s.db.NewSelect().
		Model((*AnswerRow)(nil)).
		Where("visitor_id = ?", visitorID).
		Where("question_id = ?", questionID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check answer: %w", err)
	}
	return exists, nil
}

// VisitorTotals returns the score sum and correct count for one visitor's
// answers in a quiz, used when finalizing an attempt.
func (s *AnswerStore) VisitorTotals(ctx context.Context, quizID, visitorID string) (int, int, error) {
	var totals struct {
		TotalScore   int `bun:"total_score"`
		CorrectCount int `bun:"correct_count"`
	}
	err := s.db.NewSelect().
		Model((*AnswerRow)(nil)).
		ColumnExpr("COALESCE(SUM(score), 0) AS total_score").
		ColumnExpr("COUNT(*) FILTER (WHERE is_correct) AS correct_count").
		Where("quiz_id = ?", quizID).
		Where("visitor_id = ?", visitorID).
		Scan(ctx, &totals)
	if err != nil {
		return 0, 0, fmt.Errorf("visitor totals: %w", err)
	}
	return totals.TotalScore, totals.CorrectCount, nil
}

// StatsAggregate returns vote counts grouped by question and option, used to
// backfill the stats cache on quiz activation.
func (s *AnswerStore) StatsAggregate(ctx context.Context, quizID string) ([]domain.OptionCount, error) {
	var rows []optionCountRow
	err := s.db.NewSelect().
		Model((*AnswerRow)(nil)).
		Column("question_id", "answer_index").
		ColumnExpr("COUNT(*) AS count").
		Where("quiz_id = ?", quizID).
		Group("question_id", "answer_index").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("stats aggregate: %w", err)
	}
	counts := make([]domain.OptionCount, 0, len(rows))
	for _, row := range rows {
		counts = append(counts, domain.OptionCount{
			QuestionID:  row.QuestionID,
			AnswerIndex: row.AnswerIndex,
			Count:       row.Count,
		})
	}
	return counts, nil
}

// InsertAttempt records a finalized attempt and returns its completion time.
func (s *AnswerStore) InsertAttempt(ctx context.Context, attempt domain.AttemptRecord) (time.Time, error) {
	row := AttemptRow{
		VisitorID:      attempt.VisitorID,
		QuizID:         attempt.QuizID,
		Name:           attempt.Name,
		TotalScore:     attempt.TotalScore,
		CorrectCount:   attempt.CorrectCount,
		TotalQuestions: attempt.TotalQuestions,
		IsFirstAttempt: attempt.IsFirstAttempt,
		CompletedAt:    time.Now(),
	}
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return time.Time{}, fmt.Errorf("insert attempt: %w", err)
	}
	return row.CompletedAt, nil
}

// HasAttempt reports whether the visitor already has any attempt for the quiz.
func (s *AnswerStore) HasAttempt(ctx context.Context, quizID, visitorID string) (bool, error) {
	exists, err := s.db.NewSelect().
		Model((*AttemptRow)(nil)).
		Where("quiz_id = ?", quizID).
		Where("visitor_id = ?", visitorID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check attempt: %w", err)
	}
	return exists, nil
}

// HasFirstAttempt reports whether the visitor's leaderboard-eligible attempt
// already exists.
func (s *AnswerStore) HasFirstAttempt(ctx context.Context, quizID, visitorID string) (bool, error) {
	exists, err := s.db.NewSelect().
		Model((*AttemptRow)(nil)).
		Where("quiz_id = ?", quizID).
		Where("visitor_id = ?", visitorID).
		Where("is_first_attempt").
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check first attempt: %w", err)
	}
	return exists, nil
}

// LeaderboardSeed loads first attempts ordered for the leaderboard cache.
// Replays never appear here, so a retry cannot alter rank.
func (s *AnswerStore) LeaderboardSeed(ctx context.Context, quizID string) ([]domain.LeaderboardEntry, error) {
	var rows []AttemptRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("quiz_id = ?", quizID).
		Where("is_first_attempt").
		Order("total_score DESC", "completed_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("leaderboard seed: %w", err)
	}
	entries := make([]domain.LeaderboardEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, domain.LeaderboardEntry{
			VisitorID:   row.VisitorID,
			Name:        row.Name,
			Score:       row.TotalScore,
			CompletedAt: row.CompletedAt,
		})
	}
	return entries, nil
}

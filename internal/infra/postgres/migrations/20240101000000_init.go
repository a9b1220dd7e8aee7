package migrations

import (
	"context"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

var Migrations = migrate.NewMigrations()

const createQuizzesSQL = `
CREATE TABLE IF NOT EXISTS quizzes (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMPTZ NOT NULL,
	questions JSONB NOT NULL DEFAULT '[]'::jsonb
)`

const createAnswersSQL = `
CREATE TABLE IF NOT EXISTS answers (
	id BIGSERIAL PRIMARY KEY,
	visitor_id TEXT NOT NULL,
	question_id TEXT NOT NULL,
	quiz_id TEXT NOT NULL,
	answer_index INT NOT NULL,
	is_correct BOOLEAN NOT NULL,
	time_left INT NOT NULL,
	score INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT answers_visitor_question_key UNIQUE (visitor_id, question_id)
);
CREATE INDEX IF NOT EXISTS answers_quiz_idx ON answers (quiz_id)`

const createAttemptsSQL = `
CREATE TABLE IF NOT EXISTS quiz_attempts (
	id BIGSERIAL PRIMARY KEY,
	visitor_id TEXT NOT NULL,
	quiz_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	total_score INT NOT NULL,
	correct_count INT NOT NULL,
	total_questions INT NOT NULL,
	is_first_attempt BOOLEAN NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS quiz_attempts_quiz_first_idx ON quiz_attempts (quiz_id) WHERE is_first_attempt`

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			for _, stmt := range []string{createQuizzesSQL, createAnswersSQL, createAttemptsSQL} {
				if _, err := db.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		},
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS quiz_attempts; DROP TABLE IF EXISTS answers; DROP TABLE IF EXISTS quizzes`)
			return err
		},
	)
}

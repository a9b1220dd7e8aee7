package domain

import "time"

// AnswerEvent is an immutable record of one accepted answer. It is produced
// by the request path and written to durable storage exactly once; duplicate
// inserts are silently ignored by the store.
type AnswerEvent struct {
	VisitorID   string `json:"visitorId"`
	QuestionID  string `json:"questionId"`
	QuizID      string `json:"quizId"`
	AnswerIndex int    `json:"answerIndex"`
	IsCorrect   bool   `json:"isCorrect"`
	TimeLeft    int    `json:"timeLeft"`
	Score       int    `json:"score"`
}

// DedupeKey identifies "has this visitor already answered this question".
func (e AnswerEvent) DedupeKey() string {
	return e.VisitorID + ":" + e.QuestionID
}

// SubmissionResult tells the caller what happened to a submitted answer.
// A duplicate is a defined outcome, not an error.
type SubmissionResult struct {
	Accepted     bool  `json:"accepted"`
	IsDuplicate  bool  `json:"isDuplicate"`
	IsCorrect    bool  `json:"isCorrect"`
	CorrectIndex int   `json:"correctIndex"`
	Score        int   `json:"score"`
	Stats        []int `json:"stats"`
}

// LeaderboardEntry is one visitor's standing in a quiz.
type LeaderboardEntry struct {
	VisitorID   string    `json:"visitorId"`
	Name        string    `json:"name"`
	Score       int       `json:"score"`
	CompletedAt time.Time `json:"completedAt"`
}

// RankedPlayer is the public projection of a leaderboard entry.
type RankedPlayer struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
	Rank  int    `json:"rank"`
}

// LeaderboardView is what a visitor sees on the results screen.
type LeaderboardView struct {
	Players      []RankedPlayer `json:"players"`
	MyRank       int            `json:"myRank"`
	TotalPlayers int            `json:"totalPlayers"`
}

// LeaderboardUpdate is the throttled push sent to connected viewers.
type LeaderboardUpdate struct {
	Rank         int            `json:"rank"`
	TotalPlayers int            `json:"totalPlayers"`
	TopPlayers   []RankedPlayer `json:"topPlayers"`
}

// AttemptResult summarizes a finalized quiz attempt.
type AttemptResult struct {
	IsFirstAttempt bool `json:"isFirstAttempt"`
	TotalScore     int  `json:"totalScore"`
	CorrectCount   int  `json:"correctCount"`
	Rank           int  `json:"rank"`
	TotalPlayers   int  `json:"totalPlayers"`
}

// OptionCount is one cell of a per-question vote aggregate read back from
// durable storage when priming the stats cache.
type OptionCount struct {
	QuestionID  string
	AnswerIndex int
	Count       int
}

// AttemptRecord is a finalized attempt headed for durable storage.
type AttemptRecord struct {
	VisitorID      string
	QuizID         string
	Name           string
	TotalScore     int
	CorrectCount   int
	TotalQuestions int
	IsFirstAttempt bool
}

// ConsumerHeartbeat is published by the stream consumer on every cycle and
// read by the health endpoint. Staleness beyond its TTL means the consumer
// is stalled or dead.
type ConsumerHeartbeat struct {
	TS      int64 `json:"ts"`
	Backlog int   `json:"backlog"`
	Alert   bool  `json:"alert"`
	Streak  int   `json:"streak"`
}

// BacklogMetrics reports not-yet-durable answer counts.
type BacklogMetrics struct {
	Total   int            `json:"total"`
	PerQuiz map[string]int `json:"perQuiz"`
}

// Question is the cached content needed to score a submission.
type Question struct {
	ID           string   `json:"id"`
	Order        int      `json:"order"`
	CorrectIndex int      `json:"correctIndex"`
	Options      []string `json:"options"`
}

// Quiz is the cached content of one quiz.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	ExpiresAt time.Time  `json:"expiresAt"`
	Questions []Question `json:"questions"`
}

// PlayerAnsweredEvent is one item of the batched activity feed shown to viewers.
type PlayerAnsweredEvent struct {
	PlayerName    string    `json:"playerName"`
	Action        string    `json:"action"` // "correct" or "wrong"
	QuestionIndex int       `json:"questionIndex"`
	Timestamp     time.Time `json:"timestamp"`
}

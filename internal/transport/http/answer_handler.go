package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"quiz-ingest-service/internal/app"
	"quiz-ingest-service/internal/domain"
)

// AnswerHandler is the thin JSON glue over the pipeline's request-path
// operations. Identity is taken from headers; real authentication happens
// upstream of this service.
type AnswerHandler struct {
	pipeline *app.Pipeline
}

func NewAnswerHandler(pipeline *app.Pipeline) *AnswerHandler {
	return &AnswerHandler{pipeline: pipeline}
}

type answerRequest struct {
	QuizID        string `json:"quizId"`
	QuestionIndex int    `json:"questionIndex"`
	AnswerIndex   int    `json:"answerIndex"`
	TimeLeft      int    `json:"timeLeft"`
}

type completeRequest struct {
	QuizID string `json:"quizId"`
}

// ServeAnswer handles POST /answer.
func (h *AnswerHandler) ServeAnswer(w http.ResponseWriter, r *http.Request) {
	visitorID, playerName, ok := identity(r)
	if !ok {
		http.Error(w, "missing visitor identity", http.StatusUnauthorized)
		return
	}
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuizID == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	result, err := h.pipeline.SubmitAnswer(r.Context(), req.QuizID, visitorID, playerName, req.QuestionIndex, req.AnswerIndex, req.TimeLeft)
	if err != nil {
		writeSubmissionError(w, err)
		return
	}
	if result.IsDuplicate {
		writeJSON(w, http.StatusConflict, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ServeComplete handles POST /complete: blocks until the quiz's pending
// answers are durable, then finalizes the attempt.
func (h *AnswerHandler) ServeComplete(w http.ResponseWriter, r *http.Request) {
	visitorID, playerName, ok := identity(r)
	if !ok {
		http.Error(w, "missing visitor identity", http.StatusUnauthorized)
		return
	}
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuizID == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	result, err := h.pipeline.FinalizeQuiz(r.Context(), req.QuizID, visitorID, playerName)
	if err != nil {
		writeSubmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ServeStats handles GET /stats?quizId=..&questionIndex=..
func (h *AnswerHandler) ServeStats(w http.ResponseWriter, r *http.Request) {
	quizID := r.URL.Query().Get("quizId")
	if quizID == "" {
		http.Error(w, "missing quizId", http.StatusBadRequest)
		return
	}
	questionIndex := queryInt(r, "questionIndex")

	stats, err := h.pipeline.StatsProjection(r.Context(), quizID, questionIndex)
	if err != nil {
		writeSubmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"questionIndex": questionIndex,
		"stats":         stats,
	})
}

// ServeLeaderboard handles GET /leaderboard?quizId=..
func (h *AnswerHandler) ServeLeaderboard(w http.ResponseWriter, r *http.Request) {
	visitorID, _, ok := identity(r)
	if !ok {
		http.Error(w, "missing visitor identity", http.StatusUnauthorized)
		return
	}
	quizID := r.URL.Query().Get("quizId")
	if quizID == "" {
		http.Error(w, "missing quizId", http.StatusBadRequest)
		return
	}

	view, err := h.pipeline.LeaderboardView(r.Context(), quizID, visitorID, 50)
	if err != nil {
		writeSubmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func identity(r *http.Request) (visitorID, playerName string, ok bool) {
	visitorID = r.Header.Get("X-Visitor-Id")
	playerName = r.Header.Get("X-Visitor-Name")
	if playerName == "" {
		playerName = visitorID
	}
	return visitorID, playerName, visitorID != ""
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSubmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrQuizNotFound), errors.Is(err, domain.ErrQuestionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrQuizExpired):
		http.Error(w, "quiz not currently available", http.StatusGone)
	case errors.Is(err, domain.ErrBackendUnavailable):
		http.Error(w, "answer not accepted, please retry", http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

package domain

import "errors"

var (
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuizExpired indicates the quiz is past its expiry.
	ErrQuizExpired = errors.New("quiz expired")
	// ErrQuestionNotFound indicates a submitted question index is invalid.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrBackendUnavailable indicates the ingestion backend could not accept
	// the answer right now; the caller may retry.
	ErrBackendUnavailable = errors.New("ingestion backend unavailable")
)

package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"quiz-ingest-service/internal/app"
	"quiz-ingest-service/internal/content"
	"quiz-ingest-service/internal/domain"
	"quiz-ingest-service/internal/fanout"
	"quiz-ingest-service/internal/ingest"
	"quiz-ingest-service/internal/leaderboard"
	"quiz-ingest-service/internal/stats"
)

type wsTestStore struct{}

func (wsTestStore) WriteAnswers(context.Context, []domain.AnswerEvent) error { return nil }
func (wsTestStore) HasAnswer(context.Context, string, string) (bool, error) { return false, nil }
func (wsTestStore) VisitorTotals(context.Context, string, string) (int, int, error) {
	return 0, 0, nil
}
func (wsTestStore) HasAttempt(context.Context, string, string) (bool, error)      { return false, nil }
func (wsTestStore) HasFirstAttempt(context.Context, string, string) (bool, error) { return false, nil }
func (wsTestStore) InsertAttempt(context.Context, domain.AttemptRecord) (time.Time, error) {
	return time.Now(), nil
}

func wsTestQuiz() domain.Quiz {
	return domain.Quiz{
		ID:        "quiz-1",
		Title:     "Capitals",
		ExpiresAt: time.Now().Add(time.Hour),
		Questions: []domain.Question{
			{ID: "q-a", Order: 0, CorrectIndex: 1, Options: []string{"Oslo", "Paris", "Rome", "Bern"}},
		},
	}
}

func newWSTestServer(t *testing.T) (*httptest.Server, *app.Pipeline) {
	t.Helper()
	store := wsTestStore{}
	loader := content.NewStaticLoader(map[string]domain.Quiz{"quiz-1": wsTestQuiz()})
	hub := fanout.NewHub()
	pipeline := app.NewPipeline(app.Options{
		Backend:     ingest.NewMemoryBackend(store, 0),
		Store:       store,
		Content:     content.NewCache(loader, time.Minute),
		Stats:       stats.NewCache(nil),
		Boards:      leaderboard.NewCache(nil),
		Broadcaster: hub,
	})
	pipeline.Start()
	t.Cleanup(func() {
		_ = pipeline.Stop(context.Background())
	})

	wsHandler := NewWSHandler(pipeline, hub)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, pipeline
}

func dialWS(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + server.URL[len("http"):] + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForEvents(t *testing.T, conn *websocket.Conn, wanted ...string) {
	t.Helper()
	pending := make(map[string]bool, len(wanted))
	for _, w := range wanted {
		pending[w] = true
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(pending) > 0 {
		_ = conn.SetReadDeadline(deadline)
		var msg struct {
			Event   string      `json:"event"`
			Payload interface{} `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read (still waiting for %v): %v", pending, err)
		}
		delete(pending, msg.Event)
	}
}

func TestWebSocketViewerReceivesThrottledUpdates(t *testing.T) {
	server, pipeline := newWSTestServer(t)
	conn := dialWS(t, server, "quizId=quiz-1")

	if _, err := pipeline.SubmitAnswer(context.Background(), "quiz-1", "u1", "Ann", 0, 1, 5); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Both feeds are batched; they arrive on their next flush ticks.
	waitForEvents(t, conn, "stats:updated", "players:answered_batch")
}

func TestWebSocketAdminReceivesImmediateAnswerFeed(t *testing.T) {
	server, pipeline := newWSTestServer(t)
	conn := dialWS(t, server, "quizId=quiz-1&role=admin")

	if _, err := pipeline.SubmitAnswer(context.Background(), "quiz-1", "u1", "Ann", 0, 1, 5); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForEvents(t, conn, "admin:answer")
}

func TestWebSocketRejectsUnknownQuiz(t *testing.T) {
	server, _ := newWSTestServer(t)

	u := "ws" + server.URL[len("http"):] + "/ws?quizId=quiz-missing"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatalf("expected handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp)
	}
}

func TestWebSocketRejectsMissingQuizID(t *testing.T) {
	server, _ := newWSTestServer(t)

	u := "ws" + server.URL[len("http"):] + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatalf("expected handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp)
	}
}

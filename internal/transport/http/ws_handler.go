package http

import (
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"quiz-ingest-service/internal/app"
	"quiz-ingest-service/internal/domain"
	"quiz-ingest-service/internal/fanout"
)

// WSHandler upgrades viewers into quiz rooms. Admin connections (quiz owner
// dashboards) additionally join the admin room and receive the unbatched
// per-answer feed.
type WSHandler struct {
	pipeline *app.Pipeline
	hub      *fanout.Hub
	upgrader websocket.Upgrader
}

func NewWSHandler(pipeline *app.Pipeline, hub *fanout.Hub) *WSHandler {
	return &WSHandler{
		pipeline: pipeline,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS wires a websocket connection into the quiz's fanout rooms.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	quizID := r.URL.Query().Get("quizId")
	if quizID == "" {
		http.Error(w, "missing quizId", http.StatusBadRequest)
		return
	}
	role := r.URL.Query().Get("role")

	if err := h.pipeline.OnQuizActivated(r.Context(), quizID); err != nil {
		if errors.Is(err, domain.ErrQuizNotFound) {
			http.Error(w, "quiz not found", http.StatusNotFound)
			return
		}
		if errors.Is(err, domain.ErrQuizExpired) {
			http.Error(w, "quiz expired", http.StatusGone)
			return
		}
		http.Error(w, "quiz not currently available", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	rooms := []string{fanout.QuizRoom(quizID)}
	if role == "admin" {
		rooms = append(rooms, fanout.AdminRoom(quizID))
	}
	client := h.hub.Join(conn, rooms...)
	h.pipeline.MarkViewerChange(quizID)

	defer func() {
		h.hub.Leave(client)
		h.pipeline.MarkViewerChange(quizID)
	}()

	// Viewers only listen; drain inbound frames until the peer goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

package http

import (
	"encoding/json"
	"net/http"
	"time"

	"quiz-ingest-service/internal/app"
)

// HealthHandler exposes the consumer's liveness to operators. The verdict is
// derived purely from heartbeat staleness; no process introspection needed.
type HealthHandler struct {
	pipeline     *app.Pipeline
	heartbeatTTL time.Duration
	now          func() time.Time
}

func NewHealthHandler(pipeline *app.Pipeline, heartbeatTTL time.Duration) *HealthHandler {
	return &HealthHandler{
		pipeline:     pipeline,
		heartbeatTTL: heartbeatTTL,
		now:          time.Now,
	}
}

type consumerHealth struct {
	Healthy    bool        `json:"healthy"`
	LastSeenAt *int64      `json:"lastSeenAt"`
	AgeMs      *int64      `json:"ageMs"`
	Backlog    interface{} `json:"backlog"`
	Alert      bool        `json:"alert"`
	Streak     int         `json:"streak"`
	Error      string      `json:"error,omitempty"`
}

// ServeConsumerHealth reports heartbeat freshness plus the current backlog.
func (h *HealthHandler) ServeConsumerHealth(w http.ResponseWriter, r *http.Request) {
	out := consumerHealth{}

	heartbeat, err := h.pipeline.ConsumerHeartbeat(r.Context())
	if err != nil {
		out.Error = "heartbeat_unavailable"
		writeJSON(w, http.StatusOK, out)
		return
	}

	backlog, err := h.pipeline.BacklogMetrics(r.Context())
	if err == nil {
		out.Backlog = backlog
	}

	if heartbeat != nil {
		age := h.now().UnixMilli() - heartbeat.TS
		out.LastSeenAt = &heartbeat.TS
		out.AgeMs = &age
		out.Healthy = age < h.heartbeatTTL.Milliseconds()
		out.Alert = heartbeat.Alert
		out.Streak = heartbeat.Streak
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

package api

import (
	"net/http"
	"time"
)

var startedAt = time.Now()

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Timestamp     int64  `json:"timestamp"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// HealthCheckHandler reports liveness. It needs no session and no token.
func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		Timestamp:     now.Unix(),
		UptimeSeconds: int64(now.Sub(startedAt) / time.Second),
	})
}

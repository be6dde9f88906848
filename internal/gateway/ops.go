package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

type statsResponse struct {
	ActiveSessions   int64  `json:"active_sessions"`
	RateLimitedUsers int64  `json:"rate_limited_users"`
	Timestamp        string `json:"timestamp"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := make(map[string]string, 2)

	redisStatus := "healthy"
	if err := g.sessions.Ping(ctx); err != nil {
		redisStatus = "unhealthy"
	}
	services["redis"] = redisStatus

	knowledgeStatus := "healthy"
	if err := g.knowledge.Ping(); err != nil {
		knowledgeStatus = "unhealthy"
	}
	services["knowledge"] = knowledgeStatus

	status := "healthy"
	if redisStatus != "healthy" || knowledgeStatus != "healthy" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
	})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	active, err := g.sessions.CountSessions(ctx)
	if err != nil {
		g.log.Error().Err(err).Msg("count sessions failed")
		http.Error(w, "Unable to retrieve stats", http.StatusInternalServerError)
		return
	}
	limited, err := g.sessions.CountRateLimited(ctx)
	if err != nil {
		g.log.Error().Err(err).Msg("count rate limited users failed")
		http.Error(w, "Unable to retrieve stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		ActiveSessions:   active,
		RateLimitedUsers: limited,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

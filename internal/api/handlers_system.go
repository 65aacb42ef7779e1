// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/talksim/orchestrator/internal/version"
)

// handleRoot serves the service banner. Monitors hit this as a cheap
// liveness probe, so the payload never touches a dependency.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":  "Voice Assistant Orchestrator",
		"status":   "running",
		"version":  version.Version,
		"type":     "Go",
		"features": []string{"session_tracking", "cleanup", "livekit_webhooks"},
	})
}

// handleOrchestratorHealth reports dependency health in one shot. The
// task queue rides on Redis, so its verdict follows the Redis ping.
func (s *Server) handleOrchestratorHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	redisConnected := s.store.Ping(ctx) == nil
	status := "healthy"
	if !redisConnected {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":             status,
		"livekit_url":        s.cfg.LiveKitURL,
		"livekit_configured": s.cfg.LiveKitConfigured(),
		"redis_connected":    redisConnected,
		"queue_available":    redisConnected,
		"uptime_seconds":     int64(time.Since(s.startTime).Seconds()),
	})
}

// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/talksim/orchestrator/internal/api/middleware"
)

// Router builds the HTTP routing table. Canonical paths live under
// /orchestrator; the /api/session/start and /api/session/end aliases
// predate them and answer with deprecation headers until the last
// agents migrate.
func (s *Server) Router() chi.Router {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableCORS:            true,
		AllowedOrigins:        s.cfg.AllowedOrigins,
		EnableSecurityHeaders: true,
		EnableMetrics:         true,
		TracingService:        "orchestrator",
		EnableLogging:         true,
		RateLimitEnabled:      s.cfg.RateLimitEnabled,
		RateLimitGlobal:       s.cfg.RateLimitGlobal,
	})

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Get("/orchestrator/health", s.handleOrchestratorHealth)

	// One shared admission limiter covers both start paths, so the
	// alias does not double a client's budget.
	startLimit := passthrough
	if s.cfg.RateLimitStart > 0 {
		startLimit = middleware.StartRateLimit(s.cfg.RateLimitStart)
	}

	r.With(startLimit).Post("/orchestrator/session/start", s.handleStartSession)
	r.Post("/orchestrator/session/end", s.handleEndSession)

	r.With(startLimit, deprecationMiddleware(DeprecationConfig{
		SuccessorPath: "/orchestrator/session/start",
	})).Post("/api/session/start", s.handleStartSession)
	r.With(deprecationMiddleware(DeprecationConfig{
		SuccessorPath: "/orchestrator/session/end",
	})).Post("/api/session/end", s.handleEndSession)

	r.Post("/api/session/heartbeat", s.handleHeartbeat)
	r.Post("/api/session/transcript", s.handleTranscript)
	r.Post("/webhook/livekit", s.handleWebhook)

	r.Get("/api/debug/session/{sessionID}/processes", s.handleDebugProcesses)
	r.Get("/api/admin/sessions", s.handleAdminSessions)
	r.Get("/api/admin/sessions/{sessionID}/logs", s.handleSessionLogs)

	return r
}

func passthrough(next http.Handler) http.Handler { return next }

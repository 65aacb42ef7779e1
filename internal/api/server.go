// SPDX-License-Identifier: MIT

// Package api is the HTTP control plane: session start and end,
// per-minute heartbeat billing, room service webhooks, and the
// operational introspection endpoints. Handlers stay thin; session
// teardown lives in Cleaner so that every exit path shares one
// sequence.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/talksim/orchestrator/internal/billing"
	"github.com/talksim/orchestrator/internal/config"
	"github.com/talksim/orchestrator/internal/health"
	"github.com/talksim/orchestrator/internal/livekit"
	"github.com/talksim/orchestrator/internal/log"
	"github.com/talksim/orchestrator/internal/queue"
	"github.com/talksim/orchestrator/internal/store"
)

// Biller is the credit engine surface the API depends on.
type Biller interface {
	GetStudentID(ctx context.Context, sessionID string) (string, error)
	CheckSufficient(ctx context.Context, studentID string, required int) (bool, error)
	DeductMinute(ctx context.Context, sessionID string, minuteNumber int) billing.Deduction
	ReconcileSession(ctx context.Context, sessionID string, totalMinutes int) billing.Reconciliation
	SaveTranscript(ctx context.Context, sessionID string, messages json.RawMessage) (bool, error)
}

// Enqueuer hands spawn tasks to the task queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *queue.Task) (string, error)
}

// TaskRevoker cancels a queued task that has not started yet.
type TaskRevoker interface {
	RevokeTask(ctx context.Context, taskID string) error
}

// Server carries the handler dependencies.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	billing    Biller
	queue      Enqueuer
	minter     *livekit.TokenMinter
	cleaner    *Cleaner
	dispatcher *livekit.Dispatcher
	health     *health.Manager
	logger     zerolog.Logger
	startTime  time.Time
}

func New(cfg *config.Config, st *store.Store, billing Biller, q Enqueuer, revoker TaskRevoker, hm *health.Manager) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		billing:   billing,
		queue:     q,
		minter:    livekit.NewTokenMinter(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret),
		cleaner:   NewCleaner(st, billing, revoker),
		health:    hm,
		logger:    log.WithComponent("api"),
		startTime: time.Now(),
	}
	s.dispatcher = s.newDispatcher()
	return s
}

// Cleaner exposes the teardown engine so other daemon components (the
// reaper, signal handling) share the same singleflight group.
func (s *Server) Cleaner() *Cleaner { return s.cleaner }

// HTTPServer wraps the router in an http.Server with sane timeouts.
// Write timeout stays above the cleanup kill escalation so a slow
// teardown can still report its detail.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

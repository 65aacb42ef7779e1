// SPDX-License-Identifier: MIT

// Package janitor hosts the two background sweeps that keep session
// state honest: a health check that demotes sessions whose agent
// process died, and a reaper that tears down sessions idle past the
// configured timeout.
package janitor

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/talksim/orchestrator/internal/log"
	"github.com/talksim/orchestrator/internal/metrics"
	"github.com/talksim/orchestrator/internal/procgroup"
	"github.com/talksim/orchestrator/internal/store"
)

// DeadProcessReason is the reason recorded when the health check finds
// an agent gone.
const DeadProcessReason = "Process died unexpectedly"

const (
	healthInterval = 60 * time.Second
	reapInterval   = 300 * time.Second

	// Reap kill budget: graceful term then wait, matching the time an
	// agent needs to flush its transcript.
	reapGrace    = 5 * time.Second
	reapKillWait = 2 * time.Second

	scanBatch = 100
)

// HealthCheck probes agent liveness for sessions that claim to have
// one.
type HealthCheck struct {
	store  *store.Store
	every  time.Duration
	logger zerolog.Logger
}

func NewHealthCheck(st *store.Store) *HealthCheck {
	return &HealthCheck{
		store:  st,
		every:  healthInterval,
		logger: log.WithComponent("janitor"),
	}
}

// HealthCounts summarizes one health sweep.
type HealthCounts struct {
	Found   int
	Checked int
	Healthy int
	Dead    int
}

// Run ticks SweepOnce until ctx is done.
func (h *HealthCheck) Run(ctx context.Context) {
	ticker := time.NewTicker(h.every)
	defer ticker.Stop()
	h.logger.Info().Dur("interval", h.every).Msg("health check started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs exactly one health pass and is deterministic for
// tests. Sessions outside ready/active, or without a recorded pid, are
// skipped.
func (h *HealthCheck) SweepOnce(ctx context.Context) HealthCounts {
	ids := h.store.ScanSessionIds(ctx, scanBatch)
	counts := HealthCounts{Found: len(ids)}

	active := 0
	for _, id := range ids {
		s := h.store.GetSession(ctx, id)
		if s == nil {
			continue
		}
		if s.Status != store.StatusReady && s.Status != store.StatusActive {
			continue
		}
		if s.Status == store.StatusActive {
			active++
		}
		if s.AgentPID <= 0 {
			continue
		}
		counts.Checked++

		if procgroup.Alive(s.AgentPID) {
			h.store.SetAgentHealth(ctx, id, "healthy")
			counts.Healthy++
			continue
		}

		h.logger.Warn().
			Str("session_id", id).
			Int("pid", s.AgentPID).
			Msg("agent process dead, marking session failed")
		h.store.UpdateSession(ctx, id, map[string]any{
			store.FieldStatus:            store.StatusError,
			store.FieldError:             DeadProcessReason,
			store.FieldTerminationReason: DeadProcessReason,
		})
		h.store.RemoveFromPhase(ctx, store.PhaseReady, id)
		metrics.IncDeadAgents()
		counts.Dead++
	}

	metrics.SetTrackedSessions("starting", len(h.store.GetPhase(ctx, store.PhaseStarting)))
	metrics.SetTrackedSessions("ready", len(h.store.GetPhase(ctx, store.PhaseReady)))
	metrics.SetTrackedSessions("active", active)

	h.logger.Info().
		Int("found", counts.Found).
		Int("checked", counts.Checked).
		Int("healthy", counts.Healthy).
		Int("dead", counts.Dead).
		Msg("health check complete")
	return counts
}

// Reaper removes sessions whose agents have been idle past the
// timeout.
type Reaper struct {
	store   *store.Store
	timeout time.Duration
	every   time.Duration
	logger  zerolog.Logger
}

func NewReaper(st *store.Store, timeout time.Duration) *Reaper {
	return &Reaper{
		store:   st,
		timeout: timeout,
		every:   reapInterval,
		logger:  log.WithComponent("janitor"),
	}
}

// Run ticks SweepOnce until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()
	r.logger.Info().Dur("interval", r.every).Dur("session_timeout", r.timeout).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce reaps every stale session once and returns how many went.
// A session with no usable activity timestamp counts as stale.
func (r *Reaper) SweepOnce(ctx context.Context) int {
	now := time.Now().Unix()
	ids := r.store.ScanSessionIds(ctx, scanBatch)
	reaped := 0

	for _, id := range ids {
		s := r.store.GetSession(ctx, id)
		if s == nil {
			continue
		}
		idle := now - s.IdleSince()
		if idle <= int64(r.timeout.Seconds()) {
			continue
		}

		r.logger.Info().
			Str("session_id", id).
			Int64("inactive_seconds", idle).
			Msg("reaping stale session")

		if s.AgentPID > 0 {
			err := procgroup.KillGroup(s.AgentPID, reapGrace, reapKillWait)
			if err != nil && !errors.Is(err, procgroup.ErrProcessNotFound) {
				r.logger.Warn().Err(err).
					Str("session_id", id).
					Int("pid", s.AgentPID).
					Msg("stale agent kill incomplete")
			}
		}

		if s.LogFile != "" {
			if err := os.Remove(s.LogFile); err != nil && !os.IsNotExist(err) {
				r.logger.Warn().Err(err).
					Str("session_id", id).
					Str("log_file", s.LogFile).
					Msg("stale log file not removed")
			}
		}

		r.store.CleanupSession(ctx, id, s.UserName)
		reaped++
	}

	if reaped > 0 {
		metrics.AddReaped(reaped)
		r.logger.Info().Int("found", len(ids)).Int("reaped", reaped).Msg("reap complete")
	} else {
		r.logger.Debug().Int("found", len(ids)).Msg("no stale sessions")
	}
	return reaped
}

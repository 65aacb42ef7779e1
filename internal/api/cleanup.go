// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/talksim/orchestrator/internal/log"
	"github.com/talksim/orchestrator/internal/metrics"
	"github.com/talksim/orchestrator/internal/procgroup"
	"github.com/talksim/orchestrator/internal/store"
	"github.com/talksim/orchestrator/internal/telemetry"
)

// CleanupDetail reports what a cleanup run did. The JSON spellings
// predate the Go rewrite; dashboards and the frontend scrape them, so
// they stay as-is.
type CleanupDetail struct {
	SessionID         string   `json:"session_id"`
	TaskRevoked       bool     `json:"celery_task_revoked"`
	ProcessKilled     bool     `json:"process_killed"`
	SelfTerminated    bool     `json:"self_terminated,omitempty"`
	Pgid              int      `json:"pgid,omitempty"`
	RedisCleaned      bool     `json:"redis_cleaned"`
	DurationSeconds   int64    `json:"duration_seconds"`
	DurationMinutes   int64    `json:"duration_minutes"`
	BillingReconciled bool     `json:"billing_reconciled"`
	MinutesBilled     int      `json:"minutes_billed"`
	TerminationReason string   `json:"termination_reason,omitempty"`
	Errors            []string `json:"errors"`
}

// Cleaner tears sessions down: reconcile billing against the observed
// duration, revoke the queued spawn task, stop the agent process
// group, purge the keyspace. Every exit path converges here, whatever
// triggered it.
type Cleaner struct {
	store   *store.Store
	billing Biller
	revoker TaskRevoker
	group   singleflight.Group
	tracer  trace.Tracer
	logger  zerolog.Logger

	// Kill escalation timings. Tests shrink these.
	selfTermWait time.Duration
	probeEvery   time.Duration
	termGrace    time.Duration
	killWait     time.Duration
}

func NewCleaner(st *store.Store, billing Biller, revoker TaskRevoker) *Cleaner {
	return &Cleaner{
		store:        st,
		billing:      billing,
		revoker:      revoker,
		tracer:       telemetry.Tracer("cleanup"),
		logger:       log.WithComponent("cleanup"),
		selfTermWait: 3 * time.Second,
		probeEvery:   200 * time.Millisecond,
		termGrace:    5 * time.Second,
		killWait:     2 * time.Second,
	}
}

// Cleanup runs the teardown sequence, at most once per session at a
// time. Concurrent callers for the same id share a single run and its
// result. The run is detached from the caller's context so a dropped
// request cannot abandon a half-stopped agent.
func (c *Cleaner) Cleanup(ctx context.Context, sessionID, trigger string) *CleanupDetail {
	v, _, _ := c.group.Do(sessionID, func() (any, error) {
		return c.run(context.WithoutCancel(ctx), sessionID, trigger), nil
	})
	return v.(*CleanupDetail)
}

// TerminateInsufficientCredits marks the session terminated before
// tearing it down, so a racing reader sees why it is going away.
func (c *Cleaner) TerminateInsufficientCredits(ctx context.Context, sessionID string) *CleanupDetail {
	c.store.UpdateSession(ctx, sessionID, map[string]any{
		store.FieldStatus:            store.StatusTerminated,
		store.FieldTerminationReason: "insufficient_credits",
		store.FieldTerminatedAt:      time.Now().Unix(),
	})
	detail := *c.Cleanup(ctx, sessionID, "insufficient_credits")
	detail.TerminationReason = "insufficient_credits"
	return &detail
}

func (c *Cleaner) run(ctx context.Context, sessionID, trigger string) *CleanupDetail {
	ctx, span := c.tracer.Start(ctx, "session.cleanup",
		trace.WithAttributes(telemetry.SessionAttributes(sessionID, "")...))
	defer span.End()
	span.SetAttributes(attribute.String(telemetry.CleanupTriggerKey, trigger))

	detail := &CleanupDetail{SessionID: sessionID, Errors: []string{}}
	started := time.Now()

	sess := c.store.GetSession(ctx, sessionID)
	if sess == nil {
		detail.Errors = append(detail.Errors, "Session not found")
		return detail
	}

	detail.DurationSeconds = sess.ConversationDuration
	detail.DurationMinutes = sess.ConversationMinutes
	if detail.DurationMinutes == 0 && sess.ConversationStart > 0 {
		// Durations are stamped by heartbeats. An agent that died
		// before its first billed minute never stamped them, so derive
		// from the conversation start instead.
		detail.DurationSeconds = time.Now().Unix() - sess.ConversationStart
		if detail.DurationSeconds < 0 {
			detail.DurationSeconds = 0
		}
		detail.DurationMinutes = detail.DurationSeconds / 60
	}

	if detail.DurationMinutes > 0 {
		rec := c.billing.ReconcileSession(ctx, sessionID, int(detail.DurationMinutes))
		detail.BillingReconciled = rec.Success
		detail.MinutesBilled = rec.TotalBilled
		if !rec.Success {
			detail.Errors = append(detail.Errors, "Billing reconciliation incomplete: "+rec.Message)
		}
	}

	if sess.QueueTaskID != "" {
		if err := c.revoker.RevokeTask(ctx, sess.QueueTaskID); err != nil {
			detail.Errors = append(detail.Errors, fmt.Sprintf("Failed to revoke task %s: %v", sess.QueueTaskID, err))
		} else {
			detail.TaskRevoked = true
		}
	}

	pid := sess.AgentPID
	if pid == 0 {
		pid, _ = c.store.AgentPid(ctx, sessionID)
	}
	if pid > 0 {
		c.stopAgent(detail, sess, pid)
	}

	// The keyspace is purged even when earlier steps failed. A stale
	// record with a dead agent behind it is worse than a lost warning.
	if deleted := c.store.CleanupSession(ctx, sessionID, sess.UserName); deleted > 0 {
		detail.RedisCleaned = true
	} else {
		detail.Errors = append(detail.Errors, "Failed to clean Redis: no keys deleted")
	}

	if len(detail.Errors) > 0 {
		span.SetAttributes(attribute.Int("cleanup.errors", len(detail.Errors)))
	}
	metrics.RecordSessionEnd(trigger)
	c.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str("trigger", trigger).
		Bool("process_killed", detail.ProcessKilled).
		Bool("redis_cleaned", detail.RedisCleaned).
		Int64("duration_seconds", detail.DurationSeconds).
		Int("minutes_billed", detail.MinutesBilled).
		Int("error_count", len(detail.Errors)).
		Dur("elapsed", time.Since(started)).
		Msg("cleanup complete")
	return detail
}

// stopAgent waits briefly for the agent to exit on its own, then
// escalates through SIGTERM to SIGKILL against the whole group. A
// process that is already gone counts as stopped.
func (c *Cleaner) stopAgent(detail *CleanupDetail, sess *store.Session, pid int) {
	if sess.AgentPGID > 0 {
		detail.Pgid = sess.AgentPGID
		if sess.AgentPGID != pid {
			c.logger.Warn().
				Str(log.FieldSessionID, sess.ID).
				Int(log.FieldPID, pid).
				Int(log.FieldPGID, sess.AgentPGID).
				Msg("agent is not its own group leader")
		}
	}

	// Most agents notice the room closing and exit before we signal.
	deadline := time.Now().Add(c.selfTermWait)
	for time.Now().Before(deadline) {
		if !procgroup.Alive(pid) {
			detail.SelfTerminated = true
			detail.ProcessKilled = true
			c.logger.Info().
				Str(log.FieldSessionID, sess.ID).
				Int(log.FieldPID, pid).
				Msg("agent terminated on its own")
			return
		}
		time.Sleep(c.probeEvery)
	}

	err := procgroup.KillGroup(pid, c.termGrace, c.killWait)
	if err != nil && !errors.Is(err, procgroup.ErrProcessNotFound) {
		detail.Errors = append(detail.Errors, fmt.Sprintf("Failed to kill process %d: %v", pid, err))
		return
	}
	detail.ProcessKilled = true
}

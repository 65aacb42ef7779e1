// SPDX-License-Identifier: MIT

package spawn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/talksim/orchestrator/internal/config"
	"github.com/talksim/orchestrator/internal/log"
	"github.com/talksim/orchestrator/internal/metrics"
	"github.com/talksim/orchestrator/internal/queue"
	"github.com/talksim/orchestrator/internal/store"
	"github.com/talksim/orchestrator/internal/telemetry"
)

const (
	// Admission limits keep a drained backlog after a restart from
	// fork-storming the host.
	admitRate  = 2
	admitBurst = 3

	// termGrace is how long a timed-out agent gets between SIGTERM and
	// SIGKILL.
	termGrace = 2 * time.Second
)

// Pool consumes spawn tasks and runs them through a Runner.
type Pool struct {
	queue  *queue.Queue
	store  *store.Store
	runner Runner

	workers int
	timeout time.Duration
	logDir  string
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc

	wg sync.WaitGroup
}

func NewPool(q *queue.Queue, st *store.Store, runner Runner, cfg *config.Config) *Pool {
	workers := cfg.SpawnWorkers
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		queue:   q,
		store:   st,
		runner:  runner,
		workers: workers,
		timeout: cfg.StartupTimeout,
		logDir:  cfg.AgentLogDir,
		limiter: rate.NewLimiter(admitRate, admitBurst),
		running: make(map[string]context.CancelFunc),
		tracer:  telemetry.Tracer("spawn"),
		logger:  log.WithComponent("spawner"),
	}
}

// Run blocks consuming tasks until ctx is cancelled and every worker
// has drained.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info().Int("workers", p.workers).Msg("spawn workers starting")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.consume(ctx)
		}()
	}
	p.wg.Wait()
	p.logger.Info().Msg("spawn workers drained")
}

// RevokeTask marks a task revoked for every worker and, when this
// process happens to be running it, cancels it in flight.
func (p *Pool) RevokeTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return nil
	}
	err := p.queue.Revoke(ctx, taskID)
	p.mu.Lock()
	cancel, ok := p.running[taskID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return err
}

func (p *Pool) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn().Err(err).Msg("dequeue failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if task == nil {
			continue
		}
		p.handle(ctx, task)
	}
}

func (p *Pool) handle(ctx context.Context, task *queue.Task) {
	logger := p.logger.With().
		Str("task_id", task.ID).
		Str("session_id", task.SessionID).
		Int("attempt", task.Attempt).
		Logger()

	if task.Kind != queue.KindSpawnAgent {
		logger.Warn().Str("kind", task.Kind).Msg("unknown task kind dropped")
		return
	}
	if p.queue.IsRevoked(ctx, task.ID) {
		logger.Info().Msg("task revoked before start")
		metrics.RecordSpawnAttempt("revoked")
		return
	}
	if err := p.limiter.Wait(ctx); err != nil {
		p.requeue(ctx, logger, task)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	p.track(task.ID, cancel)
	defer p.untrack(task.ID)
	defer cancel()

	err := p.spawn(taskCtx, logger, task)
	if err == nil {
		metrics.RecordSpawnAttempt("success")
		return
	}

	if ctx.Err() != nil {
		// Shutdown took the task down mid-flight; it is not the task's
		// fault, so it goes back without burning an attempt.
		p.requeue(ctx, logger, task)
		return
	}
	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("spawn cancelled by revocation")
		metrics.RecordSpawnAttempt("revoked")
		return
	}

	metrics.RecordSpawnAttempt("failure")
	logger.Error().Err(err).Msg("agent spawn failed")

	// Each failed attempt leaves the session in error; a scheduled
	// retry flips it back to starting when it runs.
	p.store.UpdateSession(ctx, task.SessionID, map[string]any{
		store.FieldStatus:     store.StatusError,
		store.FieldError:      err.Error(),
		store.FieldLastActive: time.Now().Unix(),
	})
	p.store.RemoveFromPhase(ctx, store.PhaseStarting, task.SessionID)

	retried, rerr := p.queue.Retry(ctx, task)
	switch {
	case rerr != nil:
		logger.Error().Err(rerr).Msg("could not schedule spawn retry")
	case retried:
		logger.Info().Int("next_attempt", task.Attempt+1).Msg("spawn retry scheduled")
	default:
		logger.Error().Msg("spawn attempts exhausted")
	}
}

func (p *Pool) requeue(ctx context.Context, logger zerolog.Logger, task *queue.Task) {
	if _, err := p.queue.Enqueue(context.WithoutCancel(ctx), task); err != nil {
		logger.Error().Err(err).Msg("could not requeue task during shutdown")
		return
	}
	logger.Info().Msg("spawn interrupted by shutdown, task requeued")
}

// spawn runs one launch attempt end to end.
func (p *Pool) spawn(ctx context.Context, logger zerolog.Logger, task *queue.Task) error {
	ctx, span := p.tracer.Start(ctx, "spawn.attempt",
		trace.WithAttributes(telemetry.SpawnAttributes(task.SessionID, task.ID, task.Attempt)...))
	defer span.End()

	started := time.Now()

	spec := Spec{
		SessionID: task.SessionID,
		VoiceID:   DefaultVoice,
		LogPath:   LogPath(p.logDir, task.SessionID),
	}
	if cfg := p.store.GetConfig(ctx, task.SessionID); cfg != nil {
		spec.VoiceID = NormalizeVoice(cfg.VoiceID)
		spec.OpeningLine = cfg.OpeningLine
		spec.SystemPrompt = cfg.SystemPrompt
		logger.Info().
			Str("voice_id", spec.VoiceID).
			Bool("custom_opening", spec.OpeningLine != "").
			Bool("custom_prompt", spec.SystemPrompt != "").
			Msg("session config loaded")
	}
	span.SetAttributes(attribute.String(telemetry.SessionVoiceKey, spec.VoiceID))

	p.store.UpdateSession(ctx, task.SessionID, map[string]any{
		store.FieldStatus:      store.StatusStarting,
		store.FieldQueueTaskID: task.ID,
		store.FieldVoiceID:     spec.VoiceID,
	})
	p.store.AddToPhase(ctx, store.PhaseStarting, task.SessionID)

	agent, err := p.runner.Start(ctx, spec)
	if err != nil {
		span.SetAttributes(telemetry.ErrorAttributes("start_failed")...)
		return err
	}
	span.SetAttributes(attribute.Int(telemetry.SpawnPidKey, agent.Pid))

	p.store.PutAgentIdentity(ctx, task.SessionID, agent.Pid, agent.Pgid, spec.LogPath)
	logger.Info().
		Int("pid", agent.Pid).
		Int("pgid", agent.Pgid).
		Str("voice_id", spec.VoiceID).
		Str("log_file", spec.LogPath).
		Msg("agent process spawned")

	select {
	case line := <-agent.Ready():
		startup := time.Since(started)
		p.markReady(ctx, task, startup)
		metrics.ObserveSpawnStartup(startup)
		logger.Info().
			Str("marker_line", truncate(line, 100)).
			Str("startup_seconds", fmt.Sprintf("%.2f", startup.Seconds())).
			Msg("agent ready")
		return nil

	case <-agent.Done():
		span.SetAttributes(telemetry.ErrorAttributes("agent_died")...)
		return fmt.Errorf("agent process died unexpectedly (exit code: %d)", agent.ExitCode())

	case <-time.After(p.timeout):
		span.SetAttributes(telemetry.ErrorAttributes("startup_timeout")...)
		_ = agent.Terminate(termGrace)
		return fmt.Errorf("agent failed to connect within %ds", int(p.timeout.Seconds()))

	case <-ctx.Done():
		_ = agent.Terminate(termGrace)
		return ctx.Err()
	}
}

func (p *Pool) markReady(ctx context.Context, task *queue.Task, startup time.Duration) {
	p.store.UpdateSession(ctx, task.SessionID, map[string]any{
		store.FieldStatus:      store.StatusReady,
		store.FieldStartupTime: fmt.Sprintf("%.2f", startup.Seconds()),
		store.FieldLastActive:  time.Now().Unix(),
	})
	p.store.MovePhase(ctx, task.SessionID, store.PhaseStarting, store.PhaseReady)
	if task.UserName != "" {
		p.store.SetUserSession(ctx, task.UserName, task.SessionID)
	}
}

func (p *Pool) track(taskID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running[taskID] = cancel
}

func (p *Pool) untrack(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, taskID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

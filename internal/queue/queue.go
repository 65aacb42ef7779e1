// SPDX-License-Identifier: MIT

// Package queue implements a small durable work queue on Redis. Pending
// tasks live in a list, delayed retries in a sorted set scored by their
// due time, and revocations in short-lived marker keys. Everything
// survives a process restart because the broker state is in Redis, not
// in memory.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/talksim/orchestrator/internal/log"
	"github.com/talksim/orchestrator/internal/metrics"
)

// KindSpawnAgent asks a worker to launch a voice agent for a session.
const KindSpawnAgent = "spawn_voice_agent"

const (
	// MaxAttempts is the total number of times a task is tried before it
	// is declared dead.
	MaxAttempts = 3

	// retryBase is the first retry delay; each further attempt doubles it.
	retryBase = 5 * time.Second

	// revokedTTL bounds how long a revocation marker is kept. Matches the
	// result retention of the broker this replaced.
	revokedTTL = time.Hour

	// popTimeout keeps BRPOP short so Dequeue notices context
	// cancellation promptly.
	popTimeout = time.Second

	promoteInterval = time.Second
)

// Task is the unit of work carried through the queue.
type Task struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	SessionID  string `json:"sessionId"`
	UserName   string `json:"userName,omitempty"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt int64  `json:"enqueuedAt"`
}

// Queue is a named broker instance. All replicas pointing the same name
// at the same Redis share one queue.
type Queue struct {
	client *redis.Client
	name   string
	logger zerolog.Logger
}

// New returns a queue named name on client.
func New(client *redis.Client, name string) *Queue {
	return &Queue{
		client: client,
		name:   name,
		logger: log.WithComponent("queue"),
	}
}

func (q *Queue) pendingKey() string { return "queue:" + q.name }
func (q *Queue) delayedKey() string { return "queue:" + q.name + ":delayed" }
func (q *Queue) revokedKey(taskID string) string {
	return fmt.Sprintf("queue:%s:revoked:%s", q.name, taskID)
}

// Enqueue pushes a task onto the pending list and returns its id. A
// missing id is assigned, a zero attempt becomes 1.
func (q *Queue) Enqueue(ctx context.Context, task *Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Attempt == 0 {
		task.Attempt = 1
	}
	task.EnqueuedAt = time.Now().Unix()

	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("queue: marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", task.Kind, err)
	}
	q.logger.Debug().
		Str("task_id", task.ID).
		Str("kind", task.Kind).
		Str("session_id", task.SessionID).
		Int("attempt", task.Attempt).
		Msg("task enqueued")
	return task.ID, nil
}

// EnqueueIn schedules a task to become pending after delay.
func (q *Queue) EnqueueIn(ctx context.Context, task *Task, delay time.Duration) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Attempt == 0 {
		task.Attempt = 1
	}
	task.EnqueuedAt = time.Now().Unix()

	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("queue: marshal task: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: due, Member: payload}).Err(); err != nil {
		return "", fmt.Errorf("queue: delay %s: %w", task.Kind, err)
	}
	return task.ID, nil
}

// Dequeue blocks up to popTimeout for a pending task. It returns
// (nil, nil) when the wait times out so callers can re-check their
// context and loop.
func (q *Queue) Dequeue(ctx context.Context) (*Task, error) {
	res, err := q.client.BRPop(ctx, popTimeout, q.pendingKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	// BRPop returns [key, value].
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		q.logger.Error().Err(err).Str("payload", res[1]).Msg("dropping undecodable task")
		return nil, nil
	}
	return &task, nil
}

// Retry reschedules a failed task with exponential backoff and jitter.
// It returns false once the task has exhausted its attempts; the caller
// owns what happens to the session then.
func (q *Queue) Retry(ctx context.Context, task *Task) (bool, error) {
	if task.Attempt >= MaxAttempts {
		return false, nil
	}
	next := *task
	next.Attempt = task.Attempt + 1
	if _, err := q.EnqueueIn(ctx, &next, Backoff(task.Attempt)); err != nil {
		return false, err
	}
	q.logger.Info().
		Str("task_id", task.ID).
		Str("session_id", task.SessionID).
		Int("next_attempt", next.Attempt).
		Msg("task scheduled for retry")
	return true, nil
}

// Backoff returns the delay before the attempt following attempt, an
// exponential curve with up to one second of jitter.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := retryBase << (attempt - 1)
	return d + time.Duration(rand.Int63n(int64(time.Second)))
}

// Revoke marks a task so workers skip it when it surfaces. Tasks already
// running are not touched here; the worker pool layers local
// cancellation on top.
func (q *Queue) Revoke(ctx context.Context, taskID string) error {
	if taskID == "" {
		return nil
	}
	if err := q.client.Set(ctx, q.revokedKey(taskID), "1", revokedTTL).Err(); err != nil {
		return fmt.Errorf("queue: revoke %s: %w", taskID, err)
	}
	return nil
}

// IsRevoked reports whether taskID was revoked. Broker errors count as
// not revoked; the task runs and the spawn path sorts it out.
func (q *Queue) IsRevoked(ctx context.Context, taskID string) bool {
	n, err := q.client.Exists(ctx, q.revokedKey(taskID)).Result()
	if err != nil {
		q.logger.Warn().Err(err).Str("task_id", taskID).Msg("revocation check failed")
		return false
	}
	return n > 0
}

// PromoteDue moves delayed tasks whose time has come back onto the
// pending list and returns how many it moved. ZRem before LPush keeps
// concurrent promoters from double-delivering.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: scan delayed: %w", err)
	}
	promoted := 0
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), m).Result()
		if err != nil {
			return promoted, fmt.Errorf("queue: promote: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.pendingKey(), m).Err(); err != nil {
			return promoted, fmt.Errorf("queue: promote: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// Depth reports pending plus delayed tasks.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	pending, err := q.client.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return pending + delayed, nil
}

// RunPromoter ticks until ctx is done, promoting due retries and
// refreshing the depth gauge. Run it once per process.
func (q *Queue) RunPromoter(ctx context.Context) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.PromoteDue(ctx); err != nil {
				q.logger.Warn().Err(err).Msg("promoting delayed tasks failed")
			} else if n > 0 {
				q.logger.Debug().Int("promoted", n).Msg("delayed tasks promoted")
			}
			if depth, err := q.Depth(ctx); err == nil {
				metrics.SetQueueDepth(depth)
			}
		}
	}
}

// SPDX-License-Identifier: MIT

// Package store pins the Redis key schema for session state. Every
// component reads and writes session data through this package so
// nothing else in the tree scans with ad-hoc patterns.
//
// All operations degrade silently on connectivity failure: reads
// return zero values, writes log a warning and move on. Redis being
// down must never take the control plane down with it.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/talksim/orchestrator/internal/log"
)

const (
	dialTimeout  = 5 * time.Second
	readTimeout  = 3 * time.Second
	writeTimeout = 3 * time.Second
	poolSize     = 10
	minIdleConns = 5

	// Log ring cap per agent, oldest entries trimmed first.
	maxLogEntries = 100
)

// Connect builds a Redis client from a URL and verifies connectivity
// before handing it out.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	opt.DialTimeout = dialTimeout
	opt.ReadTimeout = readTimeout
	opt.WriteTimeout = writeTimeout
	opt.PoolSize = poolSize
	opt.MinIdleConns = minIdleConns

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return client, nil
}

// Store wraps a Redis client with the session key schema and a shared
// TTL applied to every session-scoped key.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func New(client *redis.Client, ttl time.Duration) *Store {
	return &Store{
		client: client,
		ttl:    ttl,
		logger: log.WithComponent("store"),
	}
}

// TTL reports the session expiry applied to session-scoped keys.
func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) warn(err error, op, key string) {
	s.logger.Warn().Err(err).Str("op", op).Str("key", key).Msg("redis operation failed")
}

// GetSession returns the decoded session hash, or nil when the session
// does not exist or Redis is unreachable.
func (s *Store) GetSession(ctx context.Context, id string) *Session {
	h, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		s.warn(err, "hgetall", sessionKey(id))
		return nil
	}
	if len(h) == 0 {
		return nil
	}
	return sessionFromHash(id, h)
}

// PutSession writes session fields and stamps the session TTL. Used at
// creation; partial updates go through UpdateSession so they do not
// extend the session's life.
func (s *Store) PutSession(ctx context.Context, id string, fields map[string]any) {
	key := sessionKey(id)
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		s.warn(err, "hset", key)
		return
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		s.warn(err, "expire", key)
	}
}

// UpdateSession writes session fields without touching the TTL.
func (s *Store) UpdateSession(ctx context.Context, id string, fields map[string]any) {
	key := sessionKey(id)
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		s.warn(err, "hset", key)
	}
}

// SetStatus transitions the session state and refreshes lastActive in
// one write.
func (s *Store) SetStatus(ctx context.Context, id, status string) {
	s.UpdateSession(ctx, id, map[string]any{
		FieldStatus:     status,
		FieldLastActive: time.Now().Unix(),
	})
}

// Touch refreshes lastActive only.
func (s *Store) Touch(ctx context.Context, id string) {
	s.UpdateSession(ctx, id, map[string]any{FieldLastActive: time.Now().Unix()})
}

// GetConfig returns the per-session agent configuration, or nil when
// none was stored.
func (s *Store) GetConfig(ctx context.Context, id string) *SessionConfig {
	h, err := s.client.HGetAll(ctx, configKey(id)).Result()
	if err != nil {
		s.warn(err, "hgetall", configKey(id))
		return nil
	}
	if len(h) == 0 {
		return nil
	}
	return configFromHash(h)
}

// PutConfig stores the agent configuration with the session TTL.
func (s *Store) PutConfig(ctx context.Context, id string, cfg *SessionConfig) {
	key := configKey(id)
	if cfg.UpdatedAt == 0 {
		cfg.UpdatedAt = time.Now().Unix()
	}
	if err := s.client.HSet(ctx, key, cfg.toHash()).Err(); err != nil {
		s.warn(err, "hset", key)
		return
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		s.warn(err, "expire", key)
	}
}

// AddToPhase indexes the session id into a lifecycle set.
func (s *Store) AddToPhase(ctx context.Context, phase, id string) {
	if err := s.client.SAdd(ctx, phase, id).Err(); err != nil {
		s.warn(err, "sadd", phase)
	}
}

// RemoveFromPhase drops the session id from a lifecycle set.
func (s *Store) RemoveFromPhase(ctx context.Context, phase, id string) {
	if err := s.client.SRem(ctx, phase, id).Err(); err != nil {
		s.warn(err, "srem", phase)
	}
}

// GetPhase returns the member ids of a lifecycle set.
func (s *Store) GetPhase(ctx context.Context, phase string) []string {
	ids, err := s.client.SMembers(ctx, phase).Result()
	if err != nil {
		s.warn(err, "smembers", phase)
		return nil
	}
	return ids
}

// MovePhase removes the id from one set and adds it to another.
func (s *Store) MovePhase(ctx context.Context, id, from, to string) {
	s.RemoveFromPhase(ctx, from, id)
	s.AddToPhase(ctx, to, id)
}

// sessionIDFromKey filters a raw key down to a session id. Config
// hashes, user mappings and the phase sets share the session: prefix
// and must not leak into listings.
func sessionIDFromKey(key string) (string, bool) {
	if key == PhaseReady || key == PhaseStarting {
		return "", false
	}
	if !strings.HasPrefix(key, sessionPrefix) {
		return "", false
	}
	id := key[len(sessionPrefix):]
	if strings.HasSuffix(id, ":config") || strings.HasPrefix(id, "user:") {
		return "", false
	}
	return id, true
}

// isSessionHash guards against schema drift: only hash-typed keys are
// treated as sessions.
func (s *Store) isSessionHash(ctx context.Context, key string) bool {
	kind, err := s.client.Type(ctx, key).Result()
	if err != nil {
		s.warn(err, "type", key)
		return false
	}
	return kind == "hash"
}

// ListSessionIds returns every session id via KEYS. Fine for admin
// views; the janitors use ScanSessionIds to avoid blocking Redis.
func (s *Store) ListSessionIds(ctx context.Context) []string {
	keys, err := s.client.Keys(ctx, sessionPrefix+"*").Result()
	if err != nil {
		s.warn(err, "keys", sessionPrefix+"*")
		return nil
	}

	var ids []string
	for _, key := range keys {
		id, ok := sessionIDFromKey(key)
		if !ok || !s.isSessionHash(ctx, key) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// ScanSessionIds iterates session ids with SCAN in batches of count.
func (s *Store) ScanSessionIds(ctx context.Context, count int64) []string {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, sessionPrefix+"*", count).Result()
		if err != nil {
			s.warn(err, "scan", sessionPrefix+"*")
			return ids
		}
		for _, key := range keys {
			id, ok := sessionIDFromKey(key)
			if !ok || !s.isSessionHash(ctx, key) {
				continue
			}
			ids = append(ids, id)
		}
		cursor = next
		if cursor == 0 {
			return ids
		}
	}
}

// SetUserSession records the user's current session. The mapping
// carries the session TTL so it cannot outlive the session it points
// at.
func (s *Store) SetUserSession(ctx context.Context, userName, id string) {
	if userName == "" {
		return
	}
	key := userKey(userName)
	if err := s.client.Set(ctx, key, id, s.ttl).Err(); err != nil {
		s.warn(err, "set", key)
	}
}

// GetUserSession returns the session id mapped to the user, or "".
func (s *Store) GetUserSession(ctx context.Context, userName string) string {
	id, err := s.client.Get(ctx, userKey(userName)).Result()
	if err != nil {
		if err != redis.Nil {
			s.warn(err, "get", userKey(userName))
		}
		return ""
	}
	return id
}

// PutAgentIdentity records the spawned process identity in both the
// agent keys and the session hash so cleanup can find the process even
// when one of the two writes was lost.
func (s *Store) PutAgentIdentity(ctx context.Context, id string, pid, pgid int, logFile string) {
	if err := s.client.Set(ctx, agentPidKey(id), pid, s.ttl).Err(); err != nil {
		s.warn(err, "set", agentPidKey(id))
	}
	if err := s.client.Set(ctx, agentLogFileKey(id), logFile, s.ttl).Err(); err != nil {
		s.warn(err, "set", agentLogFileKey(id))
	}
	fields := map[string]any{
		FieldAgentPID: pid,
		FieldLogFile:  logFile,
	}
	if pgid > 0 {
		fields[FieldAgentPGID] = pgid
	}
	s.UpdateSession(ctx, id, fields)
}

// AgentPid returns the recorded agent process id, falling back to the
// session hash when the agent key already expired.
func (s *Store) AgentPid(ctx context.Context, id string) (int, bool) {
	raw, err := s.client.Get(ctx, agentPidKey(id)).Result()
	if err == nil && raw != "" {
		if pid := parseInt(raw); pid > 0 {
			return pid, true
		}
	}
	if err != nil && err != redis.Nil {
		s.warn(err, "get", agentPidKey(id))
	}
	if sess := s.GetSession(ctx, id); sess != nil && sess.AgentPID > 0 {
		return sess.AgentPID, true
	}
	return 0, false
}

// AgentLogFile returns the log file path recorded at spawn, or "".
func (s *Store) AgentLogFile(ctx context.Context, id string) string {
	path, err := s.client.Get(ctx, agentLogFileKey(id)).Result()
	if err != nil {
		if err != redis.Nil {
			s.warn(err, "get", agentLogFileKey(id))
		}
		return ""
	}
	return path
}

// AppendAgentLog pushes a line onto the agent's log ring, trimming to
// the newest maxLogEntries.
func (s *Store) AppendAgentLog(ctx context.Context, id, line string) {
	key := agentLogsKey(id)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, line)
	pipe.LTrim(ctx, key, -maxLogEntries, -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.warn(err, "rpush", key)
	}
}

// AgentLogs returns up to limit of the newest ring entries, oldest
// first. limit <= 0 returns the whole ring.
func (s *Store) AgentLogs(ctx context.Context, id string, limit int) []string {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	lines, err := s.client.LRange(ctx, agentLogsKey(id), start, -1).Result()
	if err != nil {
		s.warn(err, "lrange", agentLogsKey(id))
		return nil
	}
	return lines
}

// AgentLogsAfter returns ring entries from offset onward, for pollers
// tracking how far they have read.
func (s *Store) AgentLogsAfter(ctx context.Context, id string, offset int64) []string {
	lines, err := s.client.LRange(ctx, agentLogsKey(id), offset, -1).Result()
	if err != nil {
		s.warn(err, "lrange", agentLogsKey(id))
		return nil
	}
	return lines
}

// SetAgentHealth stamps the health probe result for the agent.
func (s *Store) SetAgentHealth(ctx context.Context, id, status string) {
	key := agentHealthKey(id)
	fields := map[string]any{
		"last_check": time.Now().Unix(),
		"status":     status,
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		s.warn(err, "hset", key)
		return
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		s.warn(err, "expire", key)
	}
}

// CleanupSession deletes every key belonging to the session and drops
// it from both phase sets in one pass. Returns the number of keys
// deleted, 0 when Redis was unreachable.
func (s *Store) CleanupSession(ctx context.Context, id, userName string) int {
	keys := []string{
		sessionKey(id),
		configKey(id),
		agentPidKey(id),
		agentLogFileKey(id),
		agentLogsKey(id),
		agentHealthKey(id),
	}
	if userName != "" {
		keys = append(keys, userKey(userName))
	}

	deleted, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		s.warn(err, "del", sessionKey(id))
		return 0
	}

	s.RemoveFromPhase(ctx, PhaseReady, id)
	s.RemoveFromPhase(ctx, PhaseStarting, id)

	s.logger.Info().
		Str(log.FieldSessionID, id).
		Int64("keys_deleted", deleted).
		Msg("session keys cleaned")
	return int(deleted)
}

// Ping verifies connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying connection for components sharing it.
func (s *Store) Client() *redis.Client { return s.client }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// SPDX-License-Identifier: MIT

// Package billing charges student credits for voice-simulation
// minutes. Money code: the database transaction is authoritative, the
// Redis idempotency marker is only a fast path on top of it.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/talksim/orchestrator/internal/log"
	"github.com/talksim/orchestrator/internal/metrics"
	"github.com/talksim/orchestrator/internal/telemetry"
)

// Result classifies the outcome of a minute deduction. The strings are
// wire values carried through heartbeat responses, do not rename.
type Result string

const (
	ResultSuccess             Result = "success"
	ResultAlreadyBilled       Result = "already_billed"
	ResultInsufficientCredits Result = "insufficient_credits"
	ResultSessionNotFound     Result = "session_not_found"
	ResultStudentNotFound     Result = "student_not_found"
	ResultError               Result = "error"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStudentNotFound = errors.New("student not found")
)

const (
	markerTTL = 7 * 24 * time.Hour

	// Postgres unique_violation, raised when a minute was already
	// inserted into billed_minutes.
	uniqueViolation = "23505"
)

// DB is the database surface the engine needs. *pgxpool.Pool satisfies
// it; tests substitute mocks.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Connect builds a pgx pool sized for the low-volume billing workload
// and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("billing: parse dsn: %w", err)
	}
	cfg.MinConns = 1
	cfg.MaxConns = 5
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("billing: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("billing: ping: %w", err)
	}
	return pool, nil
}

// Engine deducts credits minute by minute and reconciles totals at
// session end.
type Engine struct {
	db      DB
	markers *redis.Client
	tracer  trace.Tracer
	logger  zerolog.Logger
}

func New(db DB, markers *redis.Client) *Engine {
	return &Engine{
		db:      db,
		markers: markers,
		tracer:  telemetry.Tracer("billing"),
		logger:  log.WithComponent("billing"),
	}
}

// Deduction is the outcome of a single DeductMinute call.
type Deduction struct {
	Result       Result
	Message      string
	StudentID    string
	MinuteNumber int
	BalanceAfter int
}

// Reconciliation summarizes an end-of-session billing sweep.
type Reconciliation struct {
	Success       bool
	Message       string
	StudentID     string
	BilledNow     int
	TotalBilled   int
	FailedMinutes []int
}

func markerKey(sessionID string, minute int) string {
	return fmt.Sprintf("credit:billed:%s:%d", sessionID, minute)
}

// GetStudentID resolves the student behind a session via the
// simulation attempt's correlation token.
func (e *Engine) GetStudentID(ctx context.Context, sessionID string) (string, error) {
	const q = `
		SELECT student_id
		FROM   simulation_attempts
		WHERE  "correlationToken" = $1`

	var studentID *string
	if err := e.db.QueryRow(ctx, q, sessionID).Scan(&studentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("billing: get student id: %w", err)
	}
	if studentID == nil || *studentID == "" {
		return "", ErrSessionNotFound
	}
	return *studentID, nil
}

// CheckSufficient reports whether the student holds at least required
// credits.
func (e *Engine) CheckSufficient(ctx context.Context, studentID string, required int) (bool, error) {
	const q = `
		SELECT credit_balance
		FROM   students
		WHERE  id = $1`

	var balance int
	if err := e.db.QueryRow(ctx, q, studentID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrStudentNotFound
		}
		return false, fmt.Errorf("billing: check credits: %w", err)
	}
	return balance >= required, nil
}

// DeductMinute charges one credit for minuteNumber of the session.
// Safe to call repeatedly for the same minute: the billed_minutes
// unique constraint makes the charge at-most-once even when the Redis
// marker was lost.
func (e *Engine) DeductMinute(ctx context.Context, sessionID string, minuteNumber int) Deduction {
	ctx, span := e.tracer.Start(ctx, "billing.deduct_minute")
	defer span.End()

	start := time.Now()
	d := e.deductMinute(ctx, sessionID, minuteNumber)
	metrics.RecordDebit(string(d.Result), time.Since(start))
	span.SetAttributes(telemetry.BillingAttributes(sessionID, minuteNumber, string(d.Result))...)
	if d.StudentID != "" {
		span.SetAttributes(attribute.String(telemetry.BillingStudentKey, d.StudentID))
	}
	return d
}

func (e *Engine) deductMinute(ctx context.Context, sessionID string, minuteNumber int) Deduction {
	logger := e.logger.With().
		Str(log.FieldSessionID, sessionID).
		Int(log.FieldMinute, minuteNumber).
		Logger()

	if e.markerExists(ctx, sessionID, minuteNumber) {
		logger.Info().Msg("minute already billed, marker hit")
		return Deduction{
			Result:       ResultAlreadyBilled,
			Message:      fmt.Sprintf("Minute %d already billed", minuteNumber),
			MinuteNumber: minuteNumber,
		}
	}

	studentID, err := e.GetStudentID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			logger.Error().Msg("no simulation attempt for session, cannot bill")
			return Deduction{
				Result:       ResultSessionNotFound,
				Message:      "Session not found in database",
				MinuteNumber: minuteNumber,
			}
		}
		logger.Error().Err(err).Msg("student lookup failed")
		return Deduction{
			Result:       ResultError,
			Message:      fmt.Sprintf("Database error: %v", err),
			MinuteNumber: minuteNumber,
		}
	}

	d, err := e.deductInTx(ctx, sessionID, studentID, minuteNumber)
	if err != nil {
		logger.Error().Err(err).Str(log.FieldStudentID, studentID).Msg("credit deduction failed")
		return Deduction{
			Result:       ResultError,
			Message:      fmt.Sprintf("Database error: %v", err),
			StudentID:    studentID,
			MinuteNumber: minuteNumber,
		}
	}

	switch d.Result {
	case ResultSuccess:
		e.setMarker(ctx, sessionID, minuteNumber)
		logger.Info().
			Str(log.FieldStudentID, studentID).
			Int(log.FieldBalance, d.BalanceAfter).
			Msg("credit deducted")
	case ResultAlreadyBilled:
		// Repair the fast path so the next call skips the database.
		e.setMarker(ctx, sessionID, minuteNumber)
		logger.Info().Msg("minute already billed, unique constraint hit")
	case ResultInsufficientCredits:
		logger.Warn().
			Str(log.FieldStudentID, studentID).
			Int(log.FieldBalance, d.BalanceAfter).
			Msg("insufficient credits")
	}
	return d
}

func (e *Engine) deductInTx(ctx context.Context, sessionID, studentID string, minuteNumber int) (Deduction, error) {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return Deduction{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The unique constraint makes a concurrent or replayed charge for
	// this minute fail here, before any balance is touched.
	const insertMinute = `
		INSERT INTO billed_minutes (session_id, minute_number)
		VALUES ($1, $2)`
	if _, err := tx.Exec(ctx, insertMinute, sessionID, minuteNumber); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Deduction{
				Result:       ResultAlreadyBilled,
				Message:      fmt.Sprintf("Minute %d already billed", minuteNumber),
				StudentID:    studentID,
				MinuteNumber: minuteNumber,
			}, nil
		}
		return Deduction{}, fmt.Errorf("insert billed minute: %w", err)
	}

	const lockBalance = `
		SELECT credit_balance
		FROM   students
		WHERE  id = $1
		FOR UPDATE`
	var balance int
	if err := tx.QueryRow(ctx, lockBalance, studentID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deduction{
				Result:       ResultStudentNotFound,
				Message:      "Student not found",
				StudentID:    studentID,
				MinuteNumber: minuteNumber,
			}, nil
		}
		return Deduction{}, fmt.Errorf("lock balance: %w", err)
	}

	if balance < 1 {
		return Deduction{
			Result:       ResultInsufficientCredits,
			Message:      "Insufficient credits",
			StudentID:    studentID,
			MinuteNumber: minuteNumber,
			BalanceAfter: balance,
		}, nil
	}

	newBalance := balance - 1

	const updateBalance = `
		UPDATE students
		SET    credit_balance = $1
		WHERE  id = $2`
	if _, err := tx.Exec(ctx, updateBalance, newBalance, studentID); err != nil {
		return Deduction{}, fmt.Errorf("update balance: %w", err)
	}

	const insertAudit = `
		INSERT INTO credit_transactions
		    (id, student_id, transaction_type, amount, balance_after,
		     source_type, source_id, description, created_at)
		VALUES
		    (gen_random_uuid(), $1, 'DEBIT', 1, $2, 'SIMULATION', $3, $4, NOW())`
	description := fmt.Sprintf("Voice simulation - minute %d", minuteNumber)
	if _, err := tx.Exec(ctx, insertAudit, studentID, newBalance, sessionID, description); err != nil {
		return Deduction{}, fmt.Errorf("insert transaction: %w", err)
	}

	// GREATEST keeps the total monotonic when minutes land out of
	// order, e.g. a reconcile racing a late heartbeat.
	const updateAttempt = `
		UPDATE simulation_attempts
		SET    minutes_billed = GREATEST(COALESCE(minutes_billed, 0), $1)
		WHERE  "correlationToken" = $2`
	if _, err := tx.Exec(ctx, updateAttempt, minuteNumber, sessionID); err != nil {
		return Deduction{}, fmt.Errorf("update minutes billed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Deduction{}, fmt.Errorf("commit: %w", err)
	}

	return Deduction{
		Result:       ResultSuccess,
		Message:      fmt.Sprintf("Successfully deducted 1 credit for minute %d", minuteNumber),
		StudentID:    studentID,
		MinuteNumber: minuteNumber,
		BalanceAfter: newBalance,
	}, nil
}

// ReconcileSession bills every minute between the last billed minute
// and totalMinutes. Stops at the first insufficient-credit minute,
// skips over other per-minute failures.
func (e *Engine) ReconcileSession(ctx context.Context, sessionID string, totalMinutes int) Reconciliation {
	logger := e.logger.With().Str(log.FieldSessionID, sessionID).Logger()

	const q = `
		SELECT COALESCE(minutes_billed, 0), student_id
		FROM   simulation_attempts
		WHERE  "correlationToken" = $1`

	var (
		lastBilled int
		studentID  *string
	)
	if err := e.db.QueryRow(ctx, q, sessionID).Scan(&lastBilled, &studentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			logger.Error().Msg("cannot reconcile, session not found")
			return Reconciliation{Success: false, Message: "Session not found"}
		}
		logger.Error().Err(err).Msg("reconcile lookup failed")
		return Reconciliation{Success: false, Message: fmt.Sprintf("Error during reconciliation: %v", err)}
	}

	logger.Info().
		Int("last_billed", lastBilled).
		Int("total_minutes", totalMinutes).
		Msg("reconciling session billing")

	var (
		billedNow int
		failed    []int
	)
	for minute := lastBilled + 1; minute <= totalMinutes; minute++ {
		d := e.DeductMinute(ctx, sessionID, minute)
		if d.Result == ResultSuccess || d.Result == ResultAlreadyBilled {
			billedNow++
			continue
		}
		failed = append(failed, minute)
		if d.Result == ResultInsufficientCredits {
			logger.Warn().Int(log.FieldMinute, minute).Msg("insufficient credits, stopping reconciliation")
			break
		}
		logger.Error().Int(log.FieldMinute, minute).Str("reason", d.Message).Msg("failed to bill minute")
	}

	finalBilled := lastBilled + billedNow
	rec := Reconciliation{
		Success:       len(failed) == 0,
		BilledNow:     billedNow,
		TotalBilled:   finalBilled,
		FailedMinutes: failed,
	}
	if studentID != nil {
		rec.StudentID = *studentID
	}

	if len(failed) > 0 {
		rec.Message = fmt.Sprintf("Reconciliation incomplete: billed %d minutes (%d -> %d), failed minutes: %v",
			billedNow, lastBilled, finalBilled, failed)
		logger.Warn().Msg(rec.Message)
	} else {
		rec.Message = fmt.Sprintf("Reconciliation complete: billed %d minutes (%d -> %d)",
			billedNow, lastBilled, finalBilled)
		logger.Info().Msg(rec.Message)
	}
	return rec
}

// SaveTranscript stores the conversation transcript on the simulation
// attempt. Returns false when no attempt matches the session.
func (e *Engine) SaveTranscript(ctx context.Context, sessionID string, messages json.RawMessage) (bool, error) {
	envelope := struct {
		Messages   json.RawMessage `json:"messages"`
		CapturedAt string          `json:"capturedAt"`
		Version    string          `json:"version"`
	}{
		Messages:   messages,
		CapturedAt: time.Now().UTC().Format(time.RFC3339),
		Version:    "1.0",
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return false, fmt.Errorf("billing: marshal transcript: %w", err)
	}

	const q = `
		UPDATE simulation_attempts
		SET    transcript = $1::jsonb
		WHERE  "correlationToken" = $2`
	tag, err := e.db.Exec(ctx, q, payload, sessionID)
	if err != nil {
		return false, fmt.Errorf("billing: save transcript: %w", err)
	}
	if tag.RowsAffected() == 0 {
		e.logger.Warn().Str(log.FieldSessionID, sessionID).Msg("no simulation attempt for transcript")
		return false, nil
	}

	e.logger.Info().Str(log.FieldSessionID, sessionID).Msg("transcript saved")
	return true, nil
}

func (e *Engine) markerExists(ctx context.Context, sessionID string, minute int) bool {
	n, err := e.markers.Exists(ctx, markerKey(sessionID, minute)).Result()
	if err != nil {
		// Marker store down: fall through to the database, which is
		// authoritative anyway.
		e.logger.Warn().Err(err).Msg("idempotency marker check failed")
		return false
	}
	return n > 0
}

func (e *Engine) setMarker(ctx context.Context, sessionID string, minute int) {
	if err := e.markers.Set(ctx, markerKey(sessionID, minute), "1", markerTTL).Err(); err != nil {
		e.logger.Warn().Err(err).Msg("idempotency marker write failed")
	}
}

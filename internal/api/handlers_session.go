// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/talksim/orchestrator/internal/billing"
	"github.com/talksim/orchestrator/internal/log"
	"github.com/talksim/orchestrator/internal/metrics"
	"github.com/talksim/orchestrator/internal/queue"
	"github.com/talksim/orchestrator/internal/spawn"
	"github.com/talksim/orchestrator/internal/store"
)

// StartSessionRequest is the session creation payload. correlationToken
// lets the caller pin the session id to an id it already tracks.
type StartSessionRequest struct {
	UserName         string `json:"userName"`
	VoiceID          string `json:"voiceId"`
	OpeningLine      string `json:"openingLine"`
	SystemPrompt     string `json:"systemPrompt"`
	CorrelationToken string `json:"correlationToken"`
}

type StartSessionResponse struct {
	Success               bool   `json:"success"`
	SessionID             string `json:"sessionId"`
	Token                 string `json:"token"`
	ServerURL             string `json:"serverUrl"`
	RoomName              string `json:"roomName"`
	Message               string `json:"message"`
	VoiceValidated        bool   `json:"voiceValidated"`
	InitialCreditDeducted bool   `json:"initialCreditDeducted"`
	CreditsRemaining      int    `json:"creditsRemaining"`
	MinuteBilled          int    `json:"minuteBilled"`
}

const sessionIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newSessionID returns "session_<unix-ms>_<9 random [a-z0-9]>". The
// random tail keeps same-millisecond starts distinct.
func newSessionID() string {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("session_%d_%09d", time.Now().UnixMilli(), time.Now().UnixNano()%1_000_000_000)
	}
	for i, b := range buf {
		buf[i] = sessionIDAlphabet[int(b)%len(sessionIDAlphabet)]
	}
	return fmt.Sprintf("session_%d_%s", time.Now().UnixMilli(), buf)
}

// handleStartSession admits a new session: resolve the student, charge
// minute 0 up front, mint a room token, persist the session record and
// queue the agent spawn. Failure after the charge tears the partial
// session down; the charge marker survives so a retry with the same
// correlation token is not billed twice.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req StartSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if req.UserName == "" {
		writeDetail(w, http.StatusBadRequest, "userName is required")
		return
	}

	sessionID := req.CorrelationToken
	if sessionID == "" {
		sessionID = newSessionID()
	} else {
		s.logger.Info().
			Str(log.FieldSessionID, sessionID).
			Msg("using correlation token as session id")
	}

	requested := req.VoiceID
	if requested == "" {
		requested = spawn.DefaultVoice
	}
	voice := spawn.NormalizeVoice(requested)
	voiceValidated := voice == requested

	logger := s.logger.With().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldUserName, req.UserName).
		Logger()
	logger.Info().
		Str(log.FieldVoiceID, voice).
		Bool("voice_validated", voiceValidated).
		Msg("session start requested")

	studentID, err := s.billing.GetStudentID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, billing.ErrSessionNotFound) || errors.Is(err, billing.ErrStudentNotFound) {
			metrics.RecordSessionStart("no_student")
			writeDetail(w, http.StatusNotFound, "No student found for this simulation attempt")
			return
		}
		metrics.RecordSessionStart("billing_error")
		writeDetail(w, http.StatusInternalServerError, "Credit system error: %v", err)
		return
	}

	sufficient, err := s.billing.CheckSufficient(ctx, studentID, 1)
	if err != nil {
		metrics.RecordSessionStart("billing_error")
		writeDetail(w, http.StatusInternalServerError, "Credit system error: %v", err)
		return
	}
	if !sufficient {
		metrics.RecordSessionStart("insufficient_credits")
		writeDetail(w, http.StatusPaymentRequired, "Insufficient credits to start session. You need at least 1 credit.")
		return
	}

	// Minute 0 is charged before anything is provisioned. A student
	// whose balance hits zero mid-call still owes for the minute that
	// already ran.
	ded := s.billing.DeductMinute(ctx, sessionID, 0)
	if ded.Result != billing.ResultSuccess {
		metrics.RecordSessionStart("billing_error")
		writeDetail(w, http.StatusInternalServerError, "Failed to process initial credit charge: %s", ded.Message)
		return
	}

	identity := req.UserName
	if identity == "" {
		identity = fmt.Sprintf("user_%d", time.Now().Unix())
	}
	token, err := s.minter.Mint(sessionID, identity)
	if err != nil {
		metrics.RecordSessionStart("token_error")
		writeDetail(w, http.StatusInternalServerError, "LiveKit token generation failed: %v", err)
		return
	}

	now := time.Now().Unix()
	s.store.PutConfig(ctx, sessionID, &store.SessionConfig{
		VoiceID:      voice,
		UserName:     req.UserName,
		OpeningLine:  req.OpeningLine,
		SystemPrompt: req.SystemPrompt,
		UpdatedAt:    now,
	})
	s.store.PutSession(ctx, sessionID, map[string]any{
		store.FieldUserName:      req.UserName,
		store.FieldVoiceID:       voice,
		store.FieldOpeningLine:   req.OpeningLine,
		store.FieldSystemPrompt:  req.SystemPrompt,
		store.FieldStatus:        store.StatusStarting,
		store.FieldStartTime:     now,
		store.FieldLastActive:    now,
		store.FieldMinutesBilled: 0,
	})

	taskID, err := s.queue.Enqueue(ctx, &queue.Task{
		Kind:      queue.KindSpawnAgent,
		SessionID: sessionID,
		UserName:  req.UserName,
	})
	if err != nil {
		logger.Error().Err(err).Msg("spawn enqueue failed")
		metrics.RecordSessionStart("queue_error")
		// Best effort: the record was already written, take it back out.
		s.cleaner.Cleanup(ctx, sessionID, "start_failure")
		writeDetail(w, http.StatusServiceUnavailable, "Failed to queue voice agent spawn task: %v", err)
		return
	}
	s.store.UpdateSession(ctx, sessionID, map[string]any{store.FieldQueueTaskID: taskID})

	logger.Info().
		Str(log.FieldTaskID, taskID).
		Str(log.FieldStudentID, studentID).
		Int(log.FieldBalance, ded.BalanceAfter).
		Msg("session created")
	metrics.RecordSessionStart("success")

	writeJSON(w, http.StatusOK, StartSessionResponse{
		Success:               true,
		SessionID:             sessionID,
		Token:                 token,
		ServerURL:             s.cfg.LiveKitURL,
		RoomName:              sessionID,
		Message:               "Session created. Voice agent is being spawned.",
		VoiceValidated:        voiceValidated,
		InitialCreditDeducted: true,
		CreditsRemaining:      ded.BalanceAfter,
		MinuteBilled:          0,
	})
}

type EndSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type EndSessionResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Details *CleanupDetail `json:"details,omitempty"`
}

// handleEndSession tears the session down. Cleanup is best effort:
// the response is a success with warnings rather than an error, since
// by this point the caller has already hung up.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EndSessionRequest
	if err := decodeJSON(w, r, &req); err != nil || req.SessionID == "" {
		writeDetail(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	if s.store.GetSession(ctx, req.SessionID) == nil {
		writeDetail(w, http.StatusNotFound, "Session %s not found", req.SessionID)
		return
	}

	detail := s.cleaner.Cleanup(ctx, req.SessionID, "end_session")

	msg := fmt.Sprintf("Session %s ended and cleaned up", req.SessionID)
	if len(detail.Errors) > 0 {
		msg = fmt.Sprintf("Session %s ended with warnings", req.SessionID)
	}
	writeJSON(w, http.StatusOK, EndSessionResponse{
		Success: true,
		Message: msg,
		Details: detail,
	})
}

type HeartbeatRequest struct {
	SessionID string `json:"sessionId"`
}

// HeartbeatResponse uses snake_case keys; the agent's heartbeat loop
// predates the rest of the wire contract.
type HeartbeatResponse struct {
	Status           string `json:"status"`
	Message          string `json:"message,omitempty"`
	MinuteBilled     int    `json:"minute_billed,omitempty"`
	CreditsRemaining *int   `json:"credits_remaining,omitempty"`
	AlreadyBilled    *bool  `json:"already_billed,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// handleHeartbeat bills the minute the conversation clock currently
// sits in. The agent calls this every 60 seconds; a response with
// status "stop" tells it to wind the call down.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req HeartbeatRequest
	if err := decodeJSON(w, r, &req); err != nil || req.SessionID == "" {
		writeDetail(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	sess := s.store.GetSession(ctx, req.SessionID)
	if sess == nil {
		writeDetail(w, http.StatusNotFound, "Session %s not found", req.SessionID)
		return
	}

	if sess.ConversationStart == 0 {
		writeJSON(w, http.StatusOK, HeartbeatResponse{
			Status:  "error",
			Message: "No conversation start time found",
		})
		return
	}

	elapsed := time.Now().Unix() - sess.ConversationStart
	if elapsed < 0 {
		elapsed = 0
	}
	currentMinute := int(elapsed / 60)

	if currentMinute == 0 {
		metrics.RecordHeartbeat("minute_zero")
		writeJSON(w, http.StatusOK, HeartbeatResponse{
			Status:  "ok",
			Message: "Minute 0 already billed at session start",
		})
		return
	}

	ded := s.billing.DeductMinute(ctx, req.SessionID, currentMinute)
	switch ded.Result {
	case billing.ResultSuccess:
		s.touchBilled(ctx, sess, elapsed, currentMinute, true)
		metrics.RecordHeartbeat("billed")
		writeJSON(w, http.StatusOK, HeartbeatResponse{
			Status:           "ok",
			Message:          fmt.Sprintf("Minute %d billed successfully", currentMinute),
			MinuteBilled:     currentMinute,
			CreditsRemaining: &ded.BalanceAfter,
			AlreadyBilled:    ptr(false),
		})

	case billing.ResultAlreadyBilled:
		s.touchBilled(ctx, sess, elapsed, currentMinute, false)
		metrics.RecordHeartbeat("already_billed")
		writeJSON(w, http.StatusOK, HeartbeatResponse{
			Status:        "ok",
			Message:       fmt.Sprintf("Minute %d already billed", currentMinute),
			MinuteBilled:  currentMinute,
			AlreadyBilled: ptr(true),
		})

	case billing.ResultInsufficientCredits:
		s.logger.Warn().
			Str(log.FieldSessionID, req.SessionID).
			Int(log.FieldMinute, currentMinute).
			Msg("terminating session, balance exhausted")
		metrics.RecordHeartbeat("stop")
		// Teardown runs off-request; the agent gets its stop order now.
		go s.cleaner.TerminateInsufficientCredits(context.WithoutCancel(ctx), req.SessionID)
		writeJSON(w, http.StatusOK, HeartbeatResponse{
			Status:       "stop",
			Reason:       "insufficient_credits",
			Message:      fmt.Sprintf("Insufficient credits to continue (minute %d)", currentMinute),
			MinuteBilled: currentMinute,
		})

	default:
		metrics.RecordHeartbeat("error")
		writeJSON(w, http.StatusOK, HeartbeatResponse{
			Status:  "error",
			Message: "Billing failed: " + ded.Message,
		})
	}
}

// touchBilled records heartbeat side effects on the session hash: the
// liveness stamp, the running duration, and on a fresh charge the new
// billed ceiling. Cleanup reconciles from these if the agent dies
// without a farewell.
func (s *Server) touchBilled(ctx context.Context, sess *store.Session, elapsed int64, minute int, charged bool) {
	fields := map[string]any{
		store.FieldLastActive:           time.Now().Unix(),
		store.FieldConversationDuration: elapsed,
		store.FieldConversationMinutes:  minute,
	}
	if charged && minute > sess.MinutesBilled {
		fields[store.FieldMinutesBilled] = minute
	}
	if sess.Status == store.StatusReady {
		fields[store.FieldStatus] = store.StatusActive
	}
	s.store.UpdateSession(ctx, sess.ID, fields)
}

func ptr[T any](v T) *T { return &v }

type TranscriptRequest struct {
	SessionID string          `json:"sessionId"`
	Messages  json.RawMessage `json:"messages"`
}

// handleTranscript persists the conversation transcript against the
// simulation attempt. Saving is idempotent; the last write wins.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TranscriptRequest
	if err := decodeJSON(w, r, &req); err != nil || req.SessionID == "" {
		writeDetail(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if len(req.Messages) == 0 {
		writeDetail(w, http.StatusBadRequest, "messages is required")
		return
	}

	saved, err := s.billing.SaveTranscript(ctx, req.SessionID, req.Messages)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Failed to save transcript: %v", err)
		return
	}
	if !saved {
		writeDetail(w, http.StatusNotFound, "No simulation attempt found for session %s", req.SessionID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Transcript saved",
	})
}

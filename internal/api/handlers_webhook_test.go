// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talksim/orchestrator/internal/livekit"
	"github.com/talksim/orchestrator/internal/store"
)

func postWebhook(t *testing.T, env *testEnv, body, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/livekit", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(livekit.SignatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func eventBody(event, room, identity string) string {
	if identity == "" {
		return fmt.Sprintf(`{"event":%q,"room":{"name":%q}}`, event, room)
	}
	return fmt.Sprintf(`{"event":%q,"room":{"name":%q},"participant":{"identity":%q}}`, event, room, identity)
}

func TestWebhook_InvalidSignatureRejected(t *testing.T) {
	env := newTestEnv(t)

	body := eventBody(livekit.EventRoomFinished, "session_abc", "")
	rec := postWebhook(t, env, body, "deadbeef")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	resp := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "Invalid webhook signature", resp["detail"])
}

func TestWebhook_ValidSignatureAccepted(t *testing.T) {
	env := newTestEnv(t)

	body := eventBody("room_started", "session_abc", "")
	sig := livekit.Sign([]byte(body), env.srv.cfg.LiveKitAPISecret)
	rec := postWebhook(t, env, body, sig)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhook_MissingSignatureAllowed(t *testing.T) {
	env := newTestEnv(t)

	// Local setups run without a webhook secret; the event still lands.
	rec := postWebhook(t, env, eventBody("room_started", "session_abc", ""), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhook_BadJSON(t *testing.T) {
	env := newTestEnv(t)

	rec := postWebhook(t, env, "{not json", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "Invalid JSON payload", resp["detail"])
}

func TestWebhook_ParticipantJoinedStartsConversationClock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedSession(t, "session_joined", map[string]any{
		store.FieldStatus: store.StatusReady,
	})

	rec := postWebhook(t, env, eventBody(livekit.EventParticipantJoined, "session_joined", "casey"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, livekit.EventParticipantJoined, resp["event"])

	sess := env.store.GetSession(ctx, "session_joined")
	require.NotNil(t, sess)
	assert.NotZero(t, sess.ConversationStart, "human joining starts the clock")
	assert.Equal(t, store.StatusActive, sess.Status)
}

func TestWebhook_RejoinKeepsConversationClock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedSession(t, "session_rejoin", map[string]any{
		store.FieldConversationStart: int64(1700000000),
	})

	rec := postWebhook(t, env, eventBody(livekit.EventParticipantJoined, "session_rejoin", "casey"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	sess := env.store.GetSession(ctx, "session_rejoin")
	require.NotNil(t, sess)
	assert.Equal(t, int64(1700000000), sess.ConversationStart, "clock survives a rejoin")
}

func TestWebhook_AgentJoinDoesNotStartClock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedSession(t, "session_agentjoin", nil)

	rec := postWebhook(t, env, eventBody(livekit.EventParticipantJoined, "session_agentjoin", "agent-AJ_x9"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	sess := env.store.GetSession(ctx, "session_agentjoin")
	require.NotNil(t, sess)
	assert.Zero(t, sess.ConversationStart, "only the human starts the clock")
}

func TestWebhook_ParticipantLeftCleansUp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedSession(t, "session_left", map[string]any{
		store.FieldQueueTaskID: "task-wh",
	})

	rec := postWebhook(t, env, eventBody(livekit.EventParticipantLeft, "session_left", "casey"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Nil(t, env.store.GetSession(ctx, "session_left"), "disconnect tears the session down")
	assert.Equal(t, []string{"task-wh"}, env.revoker.revokedIDs())
}

func TestWebhook_RoomFinishedForeignRoomIgnored(t *testing.T) {
	env := newTestEnv(t)

	rec := postWebhook(t, env, eventBody(livekit.EventRoomFinished, "lobby", ""), "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ok", resp["status"], "handled event, no session to touch")
}

func TestWebhook_UnknownEventIgnored(t *testing.T) {
	env := newTestEnv(t)

	rec := postWebhook(t, env, eventBody("track_published", "session_abc", ""), "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ignored", resp["status"])
	assert.Equal(t, "track_published", resp["event"])
}

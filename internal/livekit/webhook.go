// SPDX-License-Identifier: MIT

package livekit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/talksim/orchestrator/internal/log"
)

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "X-LiveKit-Signature"

// Event names the room service posts to the webhook endpoint.
const (
	EventRoomStarted       = "room_started"
	EventRoomFinished      = "room_finished"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
)

// WebhookEvent is the envelope delivered to /webhook/livekit.
type WebhookEvent struct {
	Event       string       `json:"event"`
	Room        *Room        `json:"room,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
}

type Room struct {
	Name string `json:"name"`
	SID  string `json:"sid"`
}

type Participant struct {
	Identity string `json:"identity"`
	SID      string `json:"sid"`
}

// RoomName returns the room the event refers to, favoring the name
// over the opaque SID.
func (e *WebhookEvent) RoomName() string {
	if e.Room == nil {
		return ""
	}
	if e.Room.Name != "" {
		return e.Room.Name
	}
	return e.Room.SID
}

// ParticipantIdentity returns the participant identity, or "".
func (e *WebhookEvent) ParticipantIdentity() string {
	if e.Participant == nil {
		return ""
	}
	return e.Participant.Identity
}

// IsSessionRoom reports whether the room name belongs to a session
// this orchestrator runs.
func IsSessionRoom(name string) bool {
	return strings.HasPrefix(name, "session_")
}

// Sign computes the webhook signature for a payload.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the header signature against the payload
// in constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	expected := Sign(body, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ParseEvent decodes a webhook payload.
func ParseEvent(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("livekit: parse webhook: %w", err)
	}
	return &ev, nil
}

// HandlerFunc processes one webhook event.
type HandlerFunc func(ctx context.Context, ev *WebhookEvent) error

// Dispatcher routes webhook events to registered handlers by event
// name. Unregistered events are logged and dropped.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	logger   zerolog.Logger
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		logger:   log.WithComponent("webhook"),
	}
}

// On registers the handler for an event name, replacing any previous
// registration.
func (d *Dispatcher) On(event string, fn HandlerFunc) {
	d.handlers[event] = fn
}

// Handles reports whether a handler is registered for the event name.
func (d *Dispatcher) Handles(event string) bool {
	_, ok := d.handlers[event]
	return ok
}

// Dispatch runs the handler registered for the event. Unknown events
// are not an error; the room service sends more event types than we
// care about.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *WebhookEvent) error {
	fn, ok := d.handlers[ev.Event]
	if !ok {
		d.logger.Debug().
			Str(log.FieldEvent, ev.Event).
			Str(log.FieldRoom, ev.RoomName()).
			Msg("webhook event ignored")
		return nil
	}
	return fn(ctx, ev)
}

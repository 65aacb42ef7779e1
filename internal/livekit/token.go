// SPDX-License-Identifier: MIT

// Package livekit issues room-join credentials and handles the room
// service's webhook callbacks.
package livekit

import (
	"errors"
	"time"

	"github.com/livekit/protocol/auth"
)

// TokenTTL bounds how long a minted room credential stays valid. Long
// enough for the full session window, short enough that a leaked token
// ages out the same day.
const TokenTTL = 2 * time.Hour

var ErrNotConfigured = errors.New("livekit: api key and secret not configured")

// TokenMinter mints room-scoped access tokens for participants.
type TokenMinter struct {
	apiKey    string
	apiSecret string
}

func NewTokenMinter(apiKey, apiSecret string) *TokenMinter {
	return &TokenMinter{apiKey: apiKey, apiSecret: apiSecret}
}

// Mint returns a JWT granting identity join, publish, subscribe and
// data-publish rights on the given room.
func (m *TokenMinter) Mint(room, identity string) (string, error) {
	if m.apiKey == "" || m.apiSecret == "" {
		return "", ErrNotConfigured
	}

	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     room,
	}
	grant.SetCanPublish(true)
	grant.SetCanSubscribe(true)
	grant.SetCanPublishData(true)

	at := auth.NewAccessToken(m.apiKey, m.apiSecret).
		AddGrant(grant).
		SetIdentity(identity).
		SetName(identity).
		SetValidFor(TokenTTL)

	return at.ToJWT()
}

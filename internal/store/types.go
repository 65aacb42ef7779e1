// SPDX-License-Identifier: MIT

package store

import "strconv"

// Session lifecycle states.
const (
	StatusStarting   = "starting"
	StatusReady      = "ready"
	StatusActive     = "active"
	StatusError      = "error"
	StatusTerminated = "terminated"
)

// Hash field names inside session:{id}. Several components write
// individual fields, so the spellings are part of the schema.
const (
	FieldUserName             = "userName"
	FieldVoiceID              = "voiceId"
	FieldOpeningLine          = "openingLine"
	FieldSystemPrompt         = "systemPrompt"
	FieldStatus               = "status"
	FieldQueueTaskID          = "queueTaskId"
	FieldAgentPID             = "agentPid"
	FieldAgentPGID            = "agentPgid"
	FieldLogFile              = "logFile"
	FieldStartTime            = "startTime"
	FieldCreatedAt            = "createdAt"
	FieldLastActive           = "lastActive"
	FieldStartupTime          = "startupTime"
	FieldConversationStart    = "conversationStartTime"
	FieldConversationDuration = "conversationDuration"
	FieldConversationMinutes  = "conversationDurationMinutes"
	FieldMinutesBilled        = "minutesBilled"
	FieldTerminationReason    = "terminationReason"
	FieldTerminatedAt         = "terminatedAt"
	FieldError                = "error"
)

// Session is the decoded session:{id} hash. Absent fields decode to
// zero values; callers treat zero as "not set". JSON tags mirror the
// hash spellings so introspection endpoints can expose the record
// as stored.
type Session struct {
	ID                   string  `json:"sessionId"`
	UserName             string  `json:"userName"`
	VoiceID              string  `json:"voiceId"`
	OpeningLine          string  `json:"openingLine,omitempty"`
	SystemPrompt         string  `json:"systemPrompt,omitempty"`
	Status               string  `json:"status"`
	QueueTaskID          string  `json:"queueTaskId,omitempty"`
	AgentPID             int     `json:"agentPid,omitempty"`
	AgentPGID            int     `json:"agentPgid,omitempty"`
	LogFile              string  `json:"logFile,omitempty"`
	StartTime            int64   `json:"startTime,omitempty"`
	CreatedAt            int64   `json:"createdAt,omitempty"`
	LastActive           int64   `json:"lastActive,omitempty"`
	StartupTime          float64 `json:"startupTime,omitempty"`
	ConversationStart    int64   `json:"conversationStartTime,omitempty"`
	ConversationDuration int64   `json:"conversationDuration,omitempty"`
	ConversationMinutes  int64   `json:"conversationDurationMinutes,omitempty"`
	MinutesBilled        int     `json:"minutesBilled"`
	TerminationReason    string  `json:"terminationReason,omitempty"`
	TerminatedAt         int64   `json:"terminatedAt,omitempty"`
	Error                string  `json:"error,omitempty"`
}

func sessionFromHash(id string, h map[string]string) *Session {
	return &Session{
		ID:                   id,
		UserName:             h[FieldUserName],
		VoiceID:              h[FieldVoiceID],
		OpeningLine:          h[FieldOpeningLine],
		SystemPrompt:         h[FieldSystemPrompt],
		Status:               h[FieldStatus],
		QueueTaskID:          h[FieldQueueTaskID],
		AgentPID:             parseInt(h[FieldAgentPID]),
		AgentPGID:            parseInt(h[FieldAgentPGID]),
		LogFile:              h[FieldLogFile],
		StartTime:            parseInt64(h[FieldStartTime]),
		CreatedAt:            parseInt64(h[FieldCreatedAt]),
		LastActive:           parseInt64(h[FieldLastActive]),
		StartupTime:          parseFloat(h[FieldStartupTime]),
		ConversationStart:    parseInt64(h[FieldConversationStart]),
		ConversationDuration: parseInt64(h[FieldConversationDuration]),
		ConversationMinutes:  parseInt64(h[FieldConversationMinutes]),
		MinutesBilled:        parseInt(h[FieldMinutesBilled]),
		TerminationReason:    h[FieldTerminationReason],
		TerminatedAt:         parseInt64(h[FieldTerminatedAt]),
		Error:                h[FieldError],
	}
}

// IdleSince reports the last-activity timestamp the reaper judges
// staleness by, falling back to creation time for sessions that never
// recorded activity.
func (s *Session) IdleSince() int64 {
	if s.LastActive != 0 {
		return s.LastActive
	}
	if s.CreatedAt != 0 {
		return s.CreatedAt
	}
	return s.StartTime
}

// Config hash field names inside session:{id}:config.
const (
	configVoiceID      = "voiceId"
	configUserName     = "userName"
	configOpeningLine  = "openingLine"
	configSystemPrompt = "systemPrompt"
	configUpdatedAt    = "updatedAt"
)

// SessionConfig carries the per-session agent customization written at
// start and read back by the spawn worker.
type SessionConfig struct {
	VoiceID      string
	UserName     string
	OpeningLine  string
	SystemPrompt string
	UpdatedAt    int64
}

func configFromHash(h map[string]string) *SessionConfig {
	return &SessionConfig{
		VoiceID:      h[configVoiceID],
		UserName:     h[configUserName],
		OpeningLine:  h[configOpeningLine],
		SystemPrompt: h[configSystemPrompt],
		UpdatedAt:    parseInt64(h[configUpdatedAt]),
	}
}

func (c *SessionConfig) toHash() map[string]any {
	h := map[string]any{
		configVoiceID:   c.VoiceID,
		configUserName:  c.UserName,
		configUpdatedAt: c.UpdatedAt,
	}
	if c.OpeningLine != "" {
		h[configOpeningLine] = c.OpeningLine
	}
	if c.SystemPrompt != "" {
		h[configSystemPrompt] = c.SystemPrompt
	}
	return h
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

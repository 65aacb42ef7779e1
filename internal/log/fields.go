// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldTaskID    = "task_id"
	FieldUserName  = "user_name"
	FieldStudentID = "student_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPID       = "pid"
	FieldPGID      = "pgid"

	// Billing fields
	FieldMinute  = "minute"
	FieldBalance = "balance"

	// Session fields
	FieldVoiceID  = "voice_id"
	FieldStatus   = "status"
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldRoom     = "room"
)

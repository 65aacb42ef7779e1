// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the orchestrator.
const (
	SessionIDKey     = "session.id"
	SessionStatusKey = "session.status"
	SessionVoiceKey  = "session.voice_id"

	BillingMinuteKey  = "billing.minute"
	BillingResultKey  = "billing.result"
	BillingStudentKey = "billing.student_id"

	SpawnAttemptKey = "spawn.attempt"
	SpawnPidKey     = "spawn.pid"
	SpawnTaskKey    = "spawn.task_id"

	CleanupTriggerKey = "cleanup.trigger"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// SessionAttributes creates session-scoped span attributes.
func SessionAttributes(sessionID, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(SessionIDKey, sessionID),
	}
	if status != "" {
		attrs = append(attrs, attribute.String(SessionStatusKey, status))
	}
	return attrs
}

// BillingAttributes creates billing-related span attributes.
func BillingAttributes(sessionID string, minute int, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SessionIDKey, sessionID),
		attribute.Int(BillingMinuteKey, minute),
		attribute.String(BillingResultKey, result),
	}
}

// SpawnAttributes creates spawn-task span attributes.
func SpawnAttributes(sessionID, taskID string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SessionIDKey, sessionID),
		attribute.String(SpawnTaskKey, taskID),
		attribute.Int(SpawnAttemptKey, attempt),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}

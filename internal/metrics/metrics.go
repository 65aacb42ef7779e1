// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session lifecycle
	sessionStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_session_starts_total",
		Help: "Session start outcomes",
	}, []string{"result"}) // result=success|no_student|insufficient_credits|billing_error|token_error|queue_error

	sessionEndsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_session_ends_total",
		Help: "Session cleanup runs by trigger",
	}, []string{"trigger"}) // trigger=end_session|start_failure|insufficient_credits|participant_left|room_finished

	trackedSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_sessions",
		Help: "Sessions currently tracked per lifecycle phase",
	}, []string{"phase"}) // phase=starting|ready|active

	// Billing
	debitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_credit_debits_total",
		Help: "Per-minute debit outcomes",
	}, []string{"result"}) // result=success|already_billed|insufficient_credits|session_not_found|student_not_found|error

	debitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_credit_debit_duration_seconds",
		Help:    "Wall time of a DeductMinute call including the transaction",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	heartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_heartbeats_total",
		Help: "Heartbeat verdicts returned to agents",
	}, []string{"verdict"}) // verdict=minute_zero|billed|already_billed|stop|error

	// Spawner
	spawnAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_spawn_attempts_total",
		Help: "Agent spawn attempt outcomes",
	}, []string{"result"}) // result=success|failure|revoked

	spawnStartupSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_spawn_startup_seconds",
		Help:    "Time from spawn to readiness marker",
		Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13, 21, 30},
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_spawn_queue_depth",
		Help: "Tasks waiting in the spawn queue",
	})

	// Janitors
	janitorDeadAgents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_janitor_dead_agents_total",
		Help: "Agents found dead by the health check",
	})

	janitorReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_janitor_reaped_total",
		Help: "Stale sessions removed by the reaper",
	})

	agentSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_agent_signals_total",
		Help: "Signals delivered to agent process groups",
	}, []string{"signal", "outcome"}) // outcome=sent|sent_leader|gone|error

	// Webhooks
	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_webhook_events_total",
		Help: "Room service webhook deliveries by event and verdict",
	}, []string{"event", "verdict"}) // verdict=ok|ignored
)

func RecordSessionStart(result string) { sessionStartsTotal.WithLabelValues(result).Inc() }
func RecordSessionEnd(trigger string)  { sessionEndsTotal.WithLabelValues(trigger).Inc() }

func SetTrackedSessions(phase string, n int) {
	trackedSessions.WithLabelValues(phase).Set(float64(n))
}

func RecordDebit(result string, elapsed time.Duration) {
	debitsTotal.WithLabelValues(result).Inc()
	debitDuration.Observe(elapsed.Seconds())
}

func RecordHeartbeat(verdict string) { heartbeatsTotal.WithLabelValues(verdict).Inc() }

func RecordSpawnAttempt(result string) { spawnAttemptsTotal.WithLabelValues(result).Inc() }
func ObserveSpawnStartup(d time.Duration) {
	spawnStartupSeconds.Observe(d.Seconds())
}
func SetQueueDepth(n int64) { queueDepth.Set(float64(n)) }

func IncDeadAgents()  { janitorDeadAgents.Inc() }
func AddReaped(n int) { janitorReaped.Add(float64(n)) }

func RecordAgentSignal(signal, outcome string) {
	agentSignalsTotal.WithLabelValues(signal, outcome).Inc()
}

func RecordWebhookEvent(event, verdict string) {
	webhookEventsTotal.WithLabelValues(event, verdict).Inc()
}

package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation shared by every component. The CLI exposes the
// default registry on /metrics.
var (
	EventsLogged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secengine_events_logged_total",
			Help: "Security events accepted by the event monitor",
		},
		[]string{"type", "severity"},
	)

	EventsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "secengine_events_deduplicated_total",
			Help: "Events dropped as duplicate submissions",
		},
	)

	SuspiciousActivityRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secengine_suspicious_activity_total",
			Help: "Burst pre-checks that synthesized a suspicious_activity meta-event",
		},
		[]string{"source_type"},
	)

	ThreatsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secengine_threats_detected_total",
			Help: "Threats opened by rules, anomalies, patterns and intel matches",
		},
		[]string{"threat_type", "severity"},
	)

	IncidentsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secengine_incidents_opened_total",
			Help: "Incidents opened by incident rules",
		},
		[]string{"rule", "severity"},
	)

	ResponseActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secengine_response_actions_total",
			Help: "Automated response actions executed",
		},
		[]string{"action", "result"}, // result: "success", "failure"
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secengine_alerts_created_total",
			Help: "Alerts created by the alert manager",
		},
		[]string{"priority"},
	)

	AlertsThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "secengine_alerts_throttled_total",
			Help: "Alerts suppressed by the throttle cache",
		},
	)

	ChannelDeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secengine_channel_delivery_failures_total",
			Help: "Alert channel delivery failures",
		},
		[]string{"channel"},
	)

	EvidenceCollected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secengine_evidence_collected_total",
			Help: "Forensic evidence records collected",
		},
		[]string{"type"},
	)

	EvidenceIntegrityFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "secengine_evidence_integrity_failures_total",
			Help: "Evidence verifications that found a hash mismatch",
		},
	)

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secengine_persistence_failures_total",
			Help: "Snapshot reads and writes that failed",
		},
		[]string{"key"},
	)

	ActiveThreats = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "secengine_active_threats",
			Help: "Threats currently active or under investigation",
		},
	)

	ActiveIncidents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "secengine_active_incidents",
			Help: "Incidents not yet resolved",
		},
	)

	ActiveAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "secengine_active_alerts",
			Help: "Alerts not yet dismissed",
		},
	)

	RiskScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "secengine_risk_score",
			Help: "Aggregate risk score from the last metrics collection",
		},
	)

	ComplianceScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "secengine_compliance_score",
			Help: "Compliance score from the last metrics collection",
		},
	)
)

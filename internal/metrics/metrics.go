package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nhrpd_peers_total",
			Help: "Current peer count by type and up/down state.",
		},
		[]string{"type", "state"},
	)

	PendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nhrpd_pending_requests",
			Help: "Current pending-request table occupancy.",
		},
		[]string{"interface"},
	)

	PendingRequestsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhrpd_pending_requests_dropped_total",
			Help: "Requests rejected because the pending-request table was full.",
		},
		[]string{"packet_type"},
	)

	ScriptExecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nhrpd_script_exec_duration_seconds",
			Help:    "Hook script execution latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"action", "outcome"},
	)

	ScriptExecTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhrpd_script_exec_total",
			Help: "Hook script executions by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	PacketsHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhrpd_packets_handled_total",
			Help: "Inbound control packets handled, by type and result.",
		},
		[]string{"packet_type", "result"},
	)

	AuditFlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nhrpd_audit_flush_duration_seconds",
			Help:    "Audit Sink batch flush latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{},
	)

	AuditErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhrpd_audit_errors_total",
			Help: "Audit Sink flush failures.",
		},
		[]string{"reason"},
	)

	EventPublishErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhrpd_event_publish_errors_total",
			Help: "Event Publisher produce failures.",
		},
		[]string{"reason"},
	)

	EventPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhrpd_event_published_total",
			Help: "Peer lifecycle events produced to Kafka.",
		},
		[]string{"kind"},
	)
)

var registerOnce sync.Once

// Register registers all collectors exactly once; safe to call repeatedly
// (e.g. from tests constructing multiple components in the same process).
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PeersTotal,
			PendingRequests,
			PendingRequestsDroppedTotal,
			ScriptExecDuration,
			ScriptExecTotal,
			PacketsHandledTotal,
			AuditFlushDuration,
			AuditErrorsTotal,
			EventPublishErrorsTotal,
			EventPublishedTotal,
		)
	})
}

// Package metrics prometheus 指标，全部注册在默认 registry 上，由 /metrics 暴露
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionStatus 当前状态对应的 label 为 1，其余为 0
	ConnectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coord_connection_status",
		Help: "Connection state machine status (1 for the current status)",
	}, []string{"status"})

	ReconnectAttempts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coord_reconnect_attempts",
		Help: "Reconnect attempts since the last successful sync",
	})

	AdvanceResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_version_advance_total",
		Help: "Version advance attempts by result",
	}, []string{"result"})

	HeartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coord_presence_heartbeat_failures_total",
		Help: "Heartbeats that failed and were swallowed",
	})

	PresenceSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coord_presence_swept_total",
		Help: "Stale presence records removed by sweeps",
	})

	OpenDocuments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coord_open_documents",
		Help: "Document sessions currently open in this process",
	})

	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_events_total",
		Help: "Coordination events by outcome",
	}, []string{"outcome"})
)

const (
	ResultApplied  = "applied"
	ResultConflict = "conflict"
	ResultError    = "error"

	OutcomeSent    = "sent"
	OutcomeDropped = "dropped"
	OutcomeFailed  = "failed"
)

var statuses = []string{"disabled", "offline", "connected", "reconnecting", "error"}

// SetConnection 更新连接状态相关的 gauge
func SetConnection(status string, attempts int) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		ConnectionStatus.WithLabelValues(s).Set(v)
	}
	ReconnectAttempts.Set(float64(attempts))
}

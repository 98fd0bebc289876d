// Package metrics はPrometheusのコレクターを定義する
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ストリーム中継
var (
	StreamSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "camrelay_stream_sessions_active",
			Help: "Number of MJPEG sessions currently streaming",
		},
	)

	StreamSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camrelay_stream_sessions_total",
			Help: "Total number of terminated MJPEG sessions by reason",
		},
		[]string{"reason"},
	)

	StreamSessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "camrelay_stream_session_duration_seconds",
			Help:    "MJPEG session lifetime in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)

	StreamPartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "camrelay_stream_parts_total",
			Help: "Total number of multipart parts written to clients",
		},
	)

	StreamBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "camrelay_stream_bytes_total",
			Help: "Total number of transcoder bytes relayed to clients",
		},
	)

	StreamForcedKillsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "camrelay_stream_forced_kills_total",
			Help: "Total number of transcoder processes killed after the grace period",
		},
	)

	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camrelay_snapshots_total",
			Help: "Total number of single frame captures",
		},
		[]string{"status"},
	)
)

// デバイス制御API
var (
	ControlRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camrelay_control_requests_total",
			Help: "Total number of device control API requests",
		},
		[]string{"endpoint", "status"},
	)

	ControlRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "camrelay_control_request_duration_seconds",
			Help:    "Device control API request duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint"},
	)

	AutoAdjustRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camrelay_autoadjust_runs_total",
			Help: "Total number of auto-adjust runs by outcome",
		},
		[]string{"outcome", "reason"},
	)

	AutoAdjustAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "camrelay_autoadjust_attempts",
			Help:    "Number of detection attempts per auto-adjust run",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15},
		},
	)
)

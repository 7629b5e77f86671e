package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "missionrelay_sessions_active",
			Help: "Sessions currently held in the registry.",
		},
	)

	SessionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "missionrelay_sessions_started_total",
			Help: "Sessions created by host:init.",
		},
	)

	SessionsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "missionrelay_sessions_ended_total",
			Help: "Sessions terminated, by reason.",
		},
		[]string{"reason"},
	)

	FramesInTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "missionrelay_frames_in_total",
			Help: "Inbound frames dispatched, by type.",
		},
		[]string{"type"},
	)

	FramesOutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "missionrelay_frames_out_total",
			Help: "Outbound frames sent, by type.",
		},
		[]string{"type"},
	)

	BytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "missionrelay_bytes_total",
			Help: "Serialized frame bytes crossing the relay, by direction.",
		},
		[]string{"direction"},
	)

	LocationsThrottledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "missionrelay_locations_throttled_total",
			Help: "Location fixes silently discarded by the cadence gate.",
		},
	)

	SendFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "missionrelay_send_failures_total",
			Help: "Outbound sends that failed or hit a closed transport.",
		},
	)

	ProtocolErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "missionrelay_protocol_errors_total",
			Help: "session:error frames emitted, by kind.",
		},
		[]string{"kind"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SessionsActive,
			SessionsStartedTotal,
			SessionsEndedTotal,
			FramesInTotal,
			FramesOutTotal,
			BytesTotal,
			LocationsThrottledTotal,
			SendFailuresTotal,
			ProtocolErrorsTotal,
		)
	})
}

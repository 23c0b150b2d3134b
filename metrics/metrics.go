// Package metrics holds the Prometheus collectors shared by the socket,
// transport, broker and motion packages.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "camlink"

var (
	FramesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "frames_sent_total",
			Help:      "Total number of frames written to a peer socket",
		},
		[]string{"transport"},
	)

	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "frames_received_total",
			Help:      "Total number of frames read from a peer socket",
		},
		[]string{"transport"},
	)

	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "frames_dropped_total",
			Help:      "Queued frames discarded because their socket closed",
		},
		[]string{"transport"},
	)

	SocketErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "errors_total",
			Help:      "Socket failures by operation (connect, listen, read, write)",
		},
		[]string{"transport", "op"},
	)

	ParseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "parse_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded",
		},
		[]string{"transport"},
	)

	DiscoveryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "discovery_errors_total",
			Help:      "Platform discovery failures that triggered a discovery retry",
		},
		[]string{"transport"},
	)

	Connected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connected",
			Help:      "Whether the transport currently has a live peer socket (0/1)",
		},
		[]string{"transport"},
	)

	ReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "robust",
			Name:      "reconnect_attempts_total",
			Help:      "Watchdog-triggered reconnect attempts",
		},
	)

	Fallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "robust",
			Name:      "fallbacks_total",
			Help:      "Times the fallback transport was started",
		},
	)

	BusEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "events_total",
			Help:      "Events emitted per bus",
		},
		[]string{"bus"},
	)

	OutboundDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "outbound_dropped_total",
			Help:      "Outbound messages refused by every transport",
		},
	)

	MotionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "motion",
			Name:      "transitions_total",
			Help:      "Confirmed motion state transitions",
		},
		[]string{"state"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		FramesSent, FramesReceived, FramesDropped, SocketErrors, ParseErrors, DiscoveryErrors,
		Connected, ReconnectAttempts, Fallbacks, BusEvents, OutboundDropped,
		MotionTransitions,
	}
}

// Register adds every collector to reg. Collectors that are already
// registered are skipped, so calling it more than once is safe.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

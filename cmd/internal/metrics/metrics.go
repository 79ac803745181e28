// Package metrics registers the session lifecycle collectors on the
// default Prometheus registry; the app exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RefreshTotal counts refresh attempts by result ("ok" or "fail").
	// Coalesced single-flight callers count as one attempt.
	RefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "refresh_total",
		Help:      "Credential refresh attempts by result.",
	}, []string{"result"})

	// CheckTotal counts validity checks by outcome
	// ("ok", "borderline", "expired", "inconclusive").
	CheckTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "validity_check_total",
		Help:      "Session validity checks by outcome.",
	}, []string{"outcome"})

	// TerminationTotal counts session terminations by reason.
	TerminationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "termination_total",
		Help:      "Session terminations by reason.",
	}, []string{"reason"})

	// ReconnectTotal counts scheduled channel reconnect attempts.
	ReconnectTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "channel_reconnect_total",
		Help:      "Scheduled push channel reconnect attempts.",
	})

	// FramesDiscardedTotal counts malformed push frames dropped on read.
	FramesDiscardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "channel_frames_discarded_total",
		Help:      "Malformed push frames discarded.",
	})

	// ChannelState exports the push channel state as a numeric gauge
	// (0 idle, 1 connecting, 2 open, 3 closing, 4 closed).
	ChannelState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "beacon",
		Name:      "channel_state",
		Help:      "Push channel state (0 idle, 1 connecting, 2 open, 3 closing, 4 closed).",
	})
)

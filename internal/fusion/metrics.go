package fusion

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taglocalizer",
			Subsystem: "fusion",
			Name:      "cycles_total",
			Help:      "Fusion cycles by outcome",
		},
		[]string{"outcome"},
	)

	forwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taglocalizer",
			Subsystem: "fusion",
			Name:      "forwarded_observations_total",
			Help:      "Observations handed to the estimator by path",
		},
		[]string{"path"},
	)

	deferredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taglocalizer",
			Subsystem: "fusion",
			Name:      "deferred_vision_total",
			Help:      "Vision frames parked because they were newer than the odometry watermark",
		},
	)

	evictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taglocalizer",
			Subsystem: "fusion",
			Name:      "pending_evicted_total",
			Help:      "Parked vision frames discarded by the pending buffer bound",
		},
	)

	pendingDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taglocalizer",
			Subsystem: "fusion",
			Name:      "pending_vision",
			Help:      "Vision frames currently parked behind the watermark",
		},
	)

	watermarkMicros = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taglocalizer",
			Subsystem: "fusion",
			Name:      "watermark_micros",
			Help:      "Highest odometry timestamp observed",
		},
	)

	hasGuess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taglocalizer",
			Subsystem: "fusion",
			Name:      "has_guess",
			Help:      "Whether the estimator is seeded with a pose prior for the current layout (1) or not (0)",
		},
	)

	configUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taglocalizer",
			Subsystem: "fusion",
			Name:      "config_updates_total",
			Help:      "Configuration updates by kind and result",
		},
		[]string{"kind", "result"},
	)

	optimizeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "taglocalizer",
			Subsystem: "fusion",
			Name:      "optimize_duration_seconds",
			Help:      "Wall time spent in Estimator.Optimize",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
		},
	)
)

func init() {
	prometheus.MustRegister(
		cyclesTotal,
		forwardedTotal,
		deferredTotal,
		evictedTotal,
		pendingDepth,
		watermarkMicros,
		hasGuess,
		configUpdatesTotal,
		optimizeDuration,
	)
}

func recordGuess(state GuessState) {
	if state == HasGuess {
		hasGuess.Set(1)
		return
	}
	hasGuess.Set(0)
}

// Package telemetry exports acquisition counters as Prometheus metrics.
package telemetry

import (
	"time"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type noopRecorder struct{}

// Noop returns a Recorder that discards everything.
func Noop() Recorder {
	return noopRecorder{}
}

func (noopRecorder) PollSucceeded(time.Duration, bool) {}
func (noopRecorder) PollFailed(string)                 {}
func (noopRecorder) StateChanged(string)               {}
func (noopRecorder) BufferSize(int)                    {}

type promRecorder struct {
	polls    prometheus.Counter
	failures *prometheus.CounterVec
	overload prometheus.Counter
	state    *prometheus.GaugeVec
	latency  prometheus.Histogram
	samples  prometheus.Gauge
}

// New returns a Prometheus backed Recorder registered on reg, or a no-op
// recorder when telemetry is disabled.
func New(cfg Config, reg prometheus.Registerer) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}
	if !cfg.Enabled {
		return Noop(), nil
	}

	r := &promRecorder{
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "polls_total",
			Help:      "Successful measurement polls.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "poll_failures_total",
			Help:      "Failed measurement polls by error code.",
		}, []string{"code"}),
		overload: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "overloads_total",
			Help:      "Polls answered with an overload reading.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "scheduler_state",
			Help:      "Current scheduler state, 1 for the active state.",
		}, []string{"state"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "poll_latency_seconds",
			Help:      "Round trip time of a measurement query.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		samples: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "buffer_samples",
			Help:      "Samples held in the export store.",
		}),
	}

	for _, c := range []prometheus.Collector{r.polls, r.failures, r.overload, r.state, r.latency, r.samples} {
		if err := reg.Register(c); err != nil {
			return nil, errFactory.Wrap(ErrRegister, err)
		}
	}
	r.StateChanged(States[0])

	return r, nil
}

func (r *promRecorder) PollSucceeded(latency time.Duration, overload bool) {
	r.polls.Inc()
	r.latency.Observe(latency.Seconds())
	if overload {
		r.overload.Inc()
	}
}

func (r *promRecorder) PollFailed(code string) {
	if code == "" {
		code = "unknown"
	}
	r.failures.WithLabelValues(code).Inc()
}

func (r *promRecorder) StateChanged(state string) {
	for _, s := range States {
		r.state.WithLabelValues(s).Set(boolToFloat(s == state))
	}
}

func (r *promRecorder) BufferSize(n int) {
	r.samples.Set(float64(n))
}

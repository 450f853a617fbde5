package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chat"

// Recorder records completion attempts and chat turn outcomes in Prometheus.
type Recorder struct {
	attempts     *prometheus.CounterVec
	attemptTime  *prometheus.HistogramVec
	turns        *prometheus.CounterVec
	turnAttempts prometheus.Histogram
}

func New(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		return nil, errors.New("metrics: registerer must not be nil")
	}
	r := &Recorder{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_attempts_total",
			Help:      "Completion attempts by model and outcome category.",
		}, []string{"model", "outcome"}),
		attemptTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_attempt_duration_seconds",
			Help:      "Latency of single completion attempts.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"model"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Chat turns by terminal outcome.",
		}, []string{"outcome"}),
		turnAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_attempts",
			Help:      "Attempts spent per chat turn.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		}),
	}
	for _, c := range []prometheus.Collector{r.attempts, r.attemptTime, r.turns, r.turnAttempts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ObserveAttempt records one completion attempt. outcome is "success" or a failure category.
func (r *Recorder) ObserveAttempt(model, outcome string, d time.Duration) {
	r.attempts.WithLabelValues(model, outcome).Inc()
	r.attemptTime.WithLabelValues(model).Observe(d.Seconds())
}

// ObserveTurn records a finished chat turn.
func (r *Recorder) ObserveTurn(outcome string, attempts int) {
	r.turns.WithLabelValues(outcome).Inc()
	r.turnAttempts.Observe(float64(attempts))
}

package match

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dishu2607/missing-person-detection/pkg/identity"
)

// Metrics records comparison statistics. A nil *Metrics records nothing.
type Metrics struct {
	duration *prometheus.HistogramVec
	scanned  prometheus.Counter
	skipped  *prometheus.CounterVec
	matches  prometheus.Counter
}

// NewMetrics creates the comparison metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mpd",
				Subsystem: "match",
				Name:      "compare_duration_seconds",
				Help:      "Duration of reference comparisons in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"outcome"},
		),
		scanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mpd",
			Subsystem: "match",
			Name:      "candidates_scanned_total",
			Help:      "Total number of candidates read by comparisons",
		}),
		skipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mpd",
				Subsystem: "match",
				Name:      "candidates_skipped_total",
				Help:      "Total number of candidates skipped, by error kind",
			},
			[]string{"kind"},
		),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mpd",
			Subsystem: "match",
			Name:      "matches_total",
			Help:      "Total number of matches returned",
		}),
	}
	for _, c := range []prometheus.Collector{m.duration, m.scanned, m.skipped, m.matches} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(d time.Duration, res *Result, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case identity.KindOf(err) == identity.KindNotFound:
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	m.duration.WithLabelValues(outcome).Observe(d.Seconds())
	if res == nil {
		return
	}
	m.scanned.Add(float64(res.Scanned))
	m.matches.Add(float64(len(res.Matches)))
	for _, s := range res.Skipped {
		m.skipped.WithLabelValues(s.Kind.String()).Inc()
	}
}

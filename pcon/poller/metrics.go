package poller

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gonum.org/v1/gonum/stat"
)

// Metrics aggregates poller activity. A nil *Metrics records nothing.
type Metrics struct {
	polls     prometheus.Counter
	outcomes  *prometheus.CounterVec
	discarded prometheus.Counter
	settle    prometheus.Histogram

	mu            sync.Mutex
	pollsPerJob   []float64
	settleSeconds []float64
}

// NewMetrics creates the poller collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		polls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pcon",
			Subsystem: "poller",
			Name:      "queries_total",
			Help:      "Result queries issued by pollers",
		}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pcon",
			Subsystem: "poller",
			Name:      "settled_total",
			Help:      "Pollers settled, by terminal state",
		}, []string{"state"}),
		discarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pcon",
			Subsystem: "poller",
			Name:      "discarded_responses_total",
			Help:      "Responses that arrived after their poller settled",
		}),
		settle: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pcon",
			Subsystem: "poller",
			Name:      "settle_seconds",
			Help:      "Time from start to terminal state",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}
}

func (m *Metrics) observePoll() {
	if m == nil {
		return
	}
	m.polls.Inc()
}

func (m *Metrics) observeDiscarded() {
	if m == nil {
		return
	}
	m.discarded.Inc()
}

func (m *Metrics) observeSettle(out Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(out.State.String()).Inc()
	m.settle.Observe(out.Elapsed.Seconds())

	m.mu.Lock()
	m.pollsPerJob = append(m.pollsPerJob, float64(out.Attempts))
	m.settleSeconds = append(m.settleSeconds, out.Elapsed.Seconds())
	m.mu.Unlock()
}

// Summary condenses settled pollers.
type Summary struct {
	Jobs       int
	MeanPolls  float64
	P95Polls   float64
	MeanSettle time.Duration
	P95Settle  time.Duration
}

// Summary returns mean and 95th percentile polls per job and time to settle.
func (m *Metrics) Summary() Summary {
	if m == nil {
		return Summary{}
	}
	m.mu.Lock()
	polls := append([]float64(nil), m.pollsPerJob...)
	secs := append([]float64(nil), m.settleSeconds...)
	m.mu.Unlock()

	if len(polls) == 0 {
		return Summary{}
	}
	sort.Float64s(polls)
	sort.Float64s(secs)
	return Summary{
		Jobs:       len(polls),
		MeanPolls:  stat.Mean(polls, nil),
		P95Polls:   stat.Quantile(0.95, stat.Empirical, polls, nil),
		MeanSettle: seconds(stat.Mean(secs, nil)),
		P95Settle:  seconds(stat.Quantile(0.95, stat.Empirical, secs, nil)),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters exported by the quota services.
type Metrics struct {
	allocated          *prometheus.CounterVec
	consumeResults     *prometheus.CounterVec
	consumedUnits      prometheus.Counter
	consumeConflicts   prometheus.Counter
	reapedBalances     prometheus.Counter
	rateLimitDecisions *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		allocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quota",
			Name:      "allocated_units_total",
			Help:      "Quota units granted, by source.",
		}, []string{"source"}),
		consumeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quota",
			Name:      "consume_requests_total",
			Help:      "Consume requests, by result.",
		}, []string{"result"}),
		consumedUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quota",
			Name:      "consumed_units_total",
			Help:      "Quota units consumed.",
		}),
		consumeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quota",
			Name:      "consume_conflicts_total",
			Help:      "Consume attempts that lost a race and were re-planned.",
		}),
		reapedBalances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quota",
			Name:      "reaped_balances_total",
			Help:      "Expired balances deleted by the reaper.",
		}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quota",
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limit checks, by endpoint and decision.",
		}, []string{"endpoint", "decision"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.allocated,
			m.consumeResults,
			m.consumedUnits,
			m.consumeConflicts,
			m.reapedBalances,
			m.rateLimitDecisions,
		)
	}
	return m
}

func (m *Metrics) observeAllocation(source string, amount int64) {
	m.allocated.WithLabelValues(source).Add(float64(amount))
}

func (m *Metrics) observeConsume(result string, amount int64) {
	m.consumeResults.WithLabelValues(result).Inc()
	if result == consumeResultOK {
		m.consumedUnits.Add(float64(amount))
	}
}

func (m *Metrics) observeConflict() {
	m.consumeConflicts.Inc()
}

func (m *Metrics) observeReaped(n int64) {
	m.reapedBalances.Add(float64(n))
}

func (m *Metrics) observeRateLimit(endpoint, decision string) {
	m.rateLimitDecisions.WithLabelValues(endpoint, decision).Inc()
}

// Consume result labels.
const (
	consumeResultOK           = "ok"
	consumeResultInsufficient = "insufficient"
	consumeResultConflict     = "conflict"
	consumeResultError        = "error"
)

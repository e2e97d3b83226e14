package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/palisade/palisade/internal/logging"
)

type Metrics struct {
	transactionsTotal  *prometheus.CounterVec
	blocksTotal        *prometheus.CounterVec
	eventsTotal        *prometheus.CounterVec
	ruleHitsTotal      *prometheus.CounterVec
	ratelimitHitsTotal *prometheus.CounterVec
	reloadsTotal       *prometheus.CounterVec
	phaseDuration      *prometheus.HistogramVec
	requestDuration    *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "palisade_transactions_total", Help: "Total transactions"},
			[]string{"site", "disposition", "code"},
		),
		blocksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "palisade_blocks_total", Help: "Total blocked transactions"},
			[]string{"site"},
		),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "palisade_events_total", Help: "Total rule events"},
			[]string{"site", "kind"},
		),
		ruleHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "palisade_rule_hits_total", Help: "Total event-producing rule hits"},
			[]string{"rule_id", "kind"},
		),
		ratelimitHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "palisade_ratelimit_hits_total", Help: "Total rate limit hits"},
			[]string{"site"},
		),
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "palisade_reloads_total", Help: "Total configuration reloads"},
			[]string{"outcome"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "palisade_phase_duration_seconds",
				Help:    "Rule phase duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"phase"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "palisade_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"site"},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.transactionsTotal,
		m.blocksTotal,
		m.eventsTotal,
		m.ruleHitsTotal,
		m.ratelimitHitsTotal,
		m.reloadsTotal,
		m.phaseDuration,
		m.requestDuration,
	)

	return m
}

func (m *Metrics) Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Observe counts one finished transaction from its decision record.
func (m *Metrics) Observe(decision logging.Decision) {
	if m == nil {
		return
	}

	site := decision.Site
	if site == "" {
		site = "main"
	}

	m.transactionsTotal.WithLabelValues(site, decision.Disposition, intToString(decision.StatusCode)).Inc()
	m.requestDuration.WithLabelValues(site).Observe(time.Duration(decision.DurationMS * int64(time.Millisecond)).Seconds())

	if decision.Disposition == logging.DispositionBlock {
		m.blocksTotal.WithLabelValues(site).Inc()
	}

	for _, ev := range decision.Events {
		m.eventsTotal.WithLabelValues(site, ev.Kind).Inc()
		m.ruleHitsTotal.WithLabelValues(ev.RuleID, ev.Kind).Inc()
	}

	if decision.RateLimited {
		m.ratelimitHitsTotal.WithLabelValues(site).Inc()
	}
}

// ObservePhase records one rule phase run.
func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveReload counts a configuration reload attempt.
func (m *Metrics) ObserveReload(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.reloadsTotal.WithLabelValues(outcome).Inc()
}

func intToString(code int) string {
	if code == 0 {
		return "0"
	}
	return strconv.Itoa(code)
}

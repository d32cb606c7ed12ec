package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "agent_market"

// Metrics groups every collector the simulation exports.
// Collectors work unregistered, so a Metrics built with a nil registerer is a
// valid no-op sink for tests.
type Metrics struct {
	Trades        *prometheus.CounterVec
	TradedQty     *prometheus.CounterVec
	Rejections    *prometheus.CounterVec
	Actions       *prometheus.CounterVec
	RestingOrders *prometheus.GaugeVec
	LastPrice     *prometheus.GaugeVec

	RouterAttempts *prometheus.CounterVec

	LedgerWritten       *prometheus.CounterVec
	LedgerPending       prometheus.Gauge
	LedgerFlushFailures prometheus.Counter

	Ticks        prometheus.Counter
	TickDuration prometheus.Histogram
}

// New creates the collectors and registers them on reg when it is non-nil
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "matched trades by asset",
		}, []string{"asset"}),
		TradedQty: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traded_quantity_total",
			Help:      "matched units by asset",
		}, []string{"asset"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "rejected actions by reason",
		}, []string{"reason"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "processed participant actions by kind",
		}, []string{"kind"}),
		RestingOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resting_orders",
			Help:      "orders resting in the book",
		}, []string{"asset", "side"}),
		LastPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_price",
			Help:      "last trade price in quote units",
		}, []string{"asset"}),
		RouterAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_attempts_total",
			Help:      "decision provider attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
		LedgerWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_records_written_total",
			Help:      "records persisted by kind",
		}, []string{"kind"}),
		LedgerPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_pending_records",
			Help:      "records queued but not yet persisted",
		}),
		LedgerFlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_flush_failures_total",
			Help:      "journal flushes that left records queued",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "completed simulation ticks",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "wall time per tick",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Trades, m.TradedQty, m.Rejections, m.Actions, m.RestingOrders, m.LastPrice,
			m.RouterAttempts,
			m.LedgerWritten, m.LedgerPending, m.LedgerFlushFailures,
			m.Ticks, m.TickDuration,
		)
	}
	return m
}

// OrNop returns m, or an unregistered Metrics when m is nil
func OrNop(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}

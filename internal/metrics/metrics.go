// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "autobuysell"

// Collector owns the bot's Prometheus metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	exits          *prometheus.CounterVec
	trades         *prometheus.CounterVec
	tradeDuration  *prometheus.HistogramVec
	fetches        *prometheus.CounterVec
	fetchDuration  prometheus.Histogram
	sweepDuration  prometheus.Histogram
	sweepRecords   *prometheus.CounterVec
	openPositions  *prometheus.GaugeVec
	liquidatedRate prometheus.Histogram
}

// NewCollector registers the metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		exits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "exit",
				Name:      "decisions_total",
				Help:      "Exit decisions that led to a liquidation request",
			},
			[]string{"reason", "kind", "result"}, // result: filled, failed
		),
		trades: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trade",
				Name:      "requests_total",
				Help:      "Trade requests sent to the executor",
			},
			[]string{"side", "status"},
		),
		tradeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "trade",
				Name:      "duration_seconds",
				Help:      "Time until the executor confirmed or rejected a trade",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"side"},
		),
		fetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "market",
				Name:      "fetches_total",
				Help:      "Market snapshot fetches",
			},
			[]string{"status"},
		),
		fetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "market",
				Name:      "fetch_duration_seconds",
				Help:      "Market snapshot fetch latency",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
		),
		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of a full monitor sweep",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
		),
		sweepRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "records_total",
				Help:      "Records visited by sweeps, by outcome",
			},
			[]string{"outcome"}, // evaluated, exited, failed, skipped, busy, deferred, flagged
		),
		openPositions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "open_positions",
				Help:      "Open positions per account",
			},
			[]string{"account"},
		),
		liquidatedRate: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "exit",
				Name:      "filled_fraction",
				Help:      "Fraction of the original position confirmed per fill",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 0.75, 1},
			},
		),
	}
}

// RecordExit counts a liquidation attempt and, when filled, the confirmed fraction.
func (c *Collector) RecordExit(reason, kind string, filled bool, fraction float64) {
	if c == nil {
		return
	}
	result := "failed"
	if filled {
		result = "filled"
		c.liquidatedRate.Observe(fraction)
	}
	c.exits.WithLabelValues(reason, kind, result).Inc()
}

// RecordTrade records an executor call. side is "buy" or "sell".
func (c *Collector) RecordTrade(side string, duration time.Duration, success bool) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	c.trades.WithLabelValues(side, status).Inc()
	c.tradeDuration.WithLabelValues(side).Observe(duration.Seconds())
}

// RecordFetch records a market data call.
func (c *Collector) RecordFetch(duration time.Duration, success bool) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	c.fetches.WithLabelValues(status).Inc()
	c.fetchDuration.Observe(duration.Seconds())
}

// SweepOutcome is the per-outcome tally of one sweep.
type SweepOutcome struct {
	Evaluated, Exited, Failed, Skipped, Busy, Deferred, Flagged int
}

// RecordSweep records one sweep.
func (c *Collector) RecordSweep(duration time.Duration, o SweepOutcome) {
	if c == nil {
		return
	}
	c.sweepDuration.Observe(duration.Seconds())
	for outcome, n := range map[string]int{
		"evaluated": o.Evaluated,
		"exited":    o.Exited,
		"failed":    o.Failed,
		"skipped":   o.Skipped,
		"busy":      o.Busy,
		"deferred":  o.Deferred,
		"flagged":   o.Flagged,
	} {
		if n > 0 {
			c.sweepRecords.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

// SetOpenPositions sets the open-position gauge for an account.
func (c *Collector) SetOpenPositions(account string, n int) {
	if c == nil {
		return
	}
	c.openPositions.WithLabelValues(account).Set(float64(n))
}

package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"risk-engine/pkg/db"
)

var (
	metricCycleSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "riskengine_cycle_seconds",
		Help:    "Wall time of one evaluation cycle",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	metricCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskengine_cycles_total",
		Help: "Completed evaluation cycles",
	})
	metricEvaluated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskengine_symbols_evaluated_total",
		Help: "Symbols run through feature extraction and scoring",
	})
	metricEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskengine_entries_total",
		Help: "Entry orders that reached the exchange",
	})
	metricRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_rejections_total",
		Help: "Candidates rejected, by reason",
	}, []string{"reason"})
	metricCycleErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskengine_cycle_errors_total",
		Help: "Per-symbol errors isolated inside a cycle",
	})
	metricDailyPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riskengine_daily_realized_pnl",
		Help: "Realized PnL for the current trading day",
	})
	metricOpenPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riskengine_open_positions",
		Help: "Positions currently open or pending",
	})
	metricEntriesGated = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riskengine_entries_gated",
		Help: "1 when new entries are blocked",
	})
	metricEquity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riskengine_equity",
		Help: "Last known account equity",
	})
	metricNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_notifications_total",
		Help: "Notifications delivered to sinks, by sink and outcome",
	}, []string{"sink", "outcome"})
)

func init() {
	prometheus.MustRegister(
		metricCycleSeconds, metricCyclesTotal, metricEvaluated, metricEntries,
		metricRejections, metricCycleErrors, metricDailyPnL, metricOpenPositions,
		metricEntriesGated, metricEquity, metricNotifications,
	)
}

// ObserveCycle records one cycle report.
func ObserveCycle(r db.CycleReport) {
	metricCycleSeconds.Observe(r.Duration.Seconds())
	metricCyclesTotal.Inc()
	metricEvaluated.Add(float64(r.Evaluated))
	metricEntries.Add(float64(r.Entries))
	metricCycleErrors.Add(float64(r.Errors))
	for reason, n := range r.Rejections {
		metricRejections.WithLabelValues(reason).Add(float64(n))
	}
}

// Gauges is the slice of engine status mirrored into prometheus.
type Gauges struct {
	Equity        float64
	DailyPnL      float64
	OpenPositions int
	EntriesGated  bool
}

// SetGauges overwrites the status gauges.
func SetGauges(g Gauges) {
	metricEquity.Set(g.Equity)
	metricDailyPnL.Set(g.DailyPnL)
	metricOpenPositions.Set(float64(g.OpenPositions))
	if g.EntriesGated {
		metricEntriesGated.Set(1)
	} else {
		metricEntriesGated.Set(0)
	}
}

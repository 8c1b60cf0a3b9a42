package guard

import "github.com/prometheus/client_golang/prometheus"

var (
	metricCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_exchange_calls_total",
		Help: "Exchange calls by operation and outcome (ok, error, transient, suppressed)",
	}, []string{"op", "outcome"})
	metricRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_exchange_retries_total",
		Help: "Exchange call retries after transient errors",
	}, []string{"op"})
	metricLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "riskengine_exchange_call_seconds",
		Help:    "Exchange call latency per attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	metricBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riskengine_exchange_breaker_state",
		Help: "0=closed, 1=half_open, 2=open",
	})
)

func init() {
	prometheus.MustRegister(metricCalls, metricRetries, metricLatency, metricBreakerState)
	metricBreakerState.Set(0)
}

package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "btcbridge"

// BridgeMetrics tracks header relay, transaction processing and vault activity.
type BridgeMetrics struct {
	headers      *prometheus.CounterVec
	transactions *prometheus.CounterVec
	bestHeight   prometheus.Gauge
	pending      prometheus.Gauge
	vaultOps     *prometheus.CounterVec
}

// RelayerMetrics tracks the explorer-driven header relayer.
type RelayerMetrics struct {
	ticks    *prometheus.CounterVec
	relayed  prometheus.Counter
	fetches  *prometheus.CounterVec
	duration prometheus.Histogram
}

// APIMetrics tracks gateway requests.
type APIMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	bridgeMetricsOnce sync.Once
	bridgeRegistry    *BridgeMetrics

	relayerMetricsOnce sync.Once
	relayerRegistry    *RelayerMetrics

	apiMetricsOnce sync.Once
	apiRegistry    *APIMetrics
)

// Bridge returns the lazily-initialised bridge metrics registry.
func Bridge() *BridgeMetrics {
	bridgeMetricsOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			headers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "headers",
				Name:      "submitted_total",
				Help:      "Bitcoin headers submitted segmented by outcome.",
			}, []string{"outcome"}),
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transactions",
				Name:      "processed_total",
				Help:      "Bitcoin transactions processed segmented by detected type and result.",
			}, []string{"type", "result"}),
			bestHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "headers",
				Name:      "best_height",
				Help:      "Height of the best stored Bitcoin header.",
			}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "deposits",
				Name:      "pending_addresses",
				Help:      "Bitcoin addresses holding unclaimed deposits.",
			}),
			vaultOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "operations_total",
				Help:      "Vault issue and redeem operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
		}
		prometheus.MustRegister(
			bridgeRegistry.headers,
			bridgeRegistry.transactions,
			bridgeRegistry.bestHeight,
			bridgeRegistry.pending,
			bridgeRegistry.vaultOps,
		)
	})
	return bridgeRegistry
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func label(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

// ObserveHeader records a header submission.
func (m *BridgeMetrics) ObserveHeader(err error) {
	if m == nil {
		return
	}
	m.headers.WithLabelValues(outcome(err)).Inc()
}

// ObserveTransaction records a processed transaction by type and result.
func (m *BridgeMetrics) ObserveTransaction(txType, result string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(label(txType, "unknown"), label(result, "unknown")).Inc()
}

func (m *BridgeMetrics) SetBestHeight(height uint64) {
	if m == nil {
		return
	}
	m.bestHeight.Set(float64(height))
}

func (m *BridgeMetrics) SetPendingAddresses(count int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(count))
}

// ObserveVault records a vault operation such as "request_issue".
func (m *BridgeMetrics) ObserveVault(operation string, err error) {
	if m == nil {
		return
	}
	m.vaultOps.WithLabelValues(label(operation, "unknown"), outcome(err)).Inc()
}

// Relayer returns the relayer metrics registry.
func Relayer() *RelayerMetrics {
	relayerMetricsOnce.Do(func() {
		relayerRegistry = &RelayerMetrics{
			ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relayer",
				Name:      "ticks_total",
				Help:      "Relayer iterations segmented by outcome.",
			}, []string{"outcome"}),
			relayed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relayer",
				Name:      "headers_relayed_total",
				Help:      "Headers fetched from the explorer and accepted by the tracker.",
			}),
			fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relayer",
				Name:      "explorer_requests_total",
				Help:      "Explorer HTTP requests segmented by endpoint and outcome.",
			}, []string{"endpoint", "outcome"}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "relayer",
				Name:      "tick_duration_seconds",
				Help:      "Latency distribution of relayer iterations.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			relayerRegistry.ticks,
			relayerRegistry.relayed,
			relayerRegistry.fetches,
			relayerRegistry.duration,
		)
	})
	return relayerRegistry
}

// ObserveTick records one relayer iteration and the headers it relayed.
func (m *RelayerMetrics) ObserveTick(relayed int, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(outcome(err)).Inc()
	if relayed > 0 {
		m.relayed.Add(float64(relayed))
	}
	m.duration.Observe(duration.Seconds())
}

func (m *RelayerMetrics) ObserveFetch(endpoint string, err error) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(label(endpoint, "unknown"), outcome(err)).Inc()
}

// API returns the gateway metrics registry.
func API() *APIMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &APIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Gateway requests segmented by route and status class.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Gateway requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(apiRegistry.requests, apiRegistry.latency, apiRegistry.throttles)
	})
	return apiRegistry
}

// Observe records a finished request. status is the HTTP status written.
func (m *APIMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = label(route, "unknown")
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.requests.WithLabelValues(route, class).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *APIMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(label(route, "unknown")).Inc()
}

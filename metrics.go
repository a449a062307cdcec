// FILE: metrics.go
// Package main – Prometheus metrics for observability.
//
// Exposes primary metrics the agent updates during operation:
//   • bot_commands_total{kind}          – Commands published by traders
//   • bot_events_total{kind}            – Events published by the connector
//   • bot_api_requests_total{api,method}– Exchange API calls attempted
//   • bot_api_failures_total{api,method}– Exchange API calls failed
//   • bot_orders_total{side,reason}     – Order commands emitted (jump|mirror|balance)
//   • bot_orders_cancelled_total        – Stale orders cancelled
//   • bot_bus_dropped_total{bus}        – Messages dropped by slow subscribers
//   • bot_price{pair}                   – Last observed price (gauge)
//   • bot_balance{currency}             – Last observed balance (gauge)
//   • bot_nonce                         – Current trade-API nonce (gauge)
//
// These are registered in init() and served by the HTTP handler started
// in main.go at /metrics (Prometheus text exposition format).

package main

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_commands_total",
			Help: "Commands published on the command bus",
		},
		[]string{"kind"},
	)

	mtxEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_events_total",
			Help: "Events published on the event bus",
		},
		[]string{"kind"},
	)

	mtxAPIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_api_requests_total",
			Help: "Exchange API calls attempted",
		},
		[]string{"api", "method"}, // api: public|trade
	)

	mtxAPIFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_api_failures_total",
			Help: "Exchange API calls failed",
		},
		[]string{"api", "method"},
	)

	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Order commands emitted",
		},
		[]string{"side", "reason"}, // reason: jump|mirror|balance
	)

	mtxCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_orders_cancelled_total",
			Help: "Stale orders cancelled",
		},
	)

	mtxBusDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_bus_dropped_total",
			Help: "Messages dropped from slow subscriber queues",
		},
		[]string{"bus"},
	)

	mtxPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_price",
			Help: "Last observed price per pair",
		},
		[]string{"pair"},
	)

	mtxBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_balance",
			Help: "Last observed balance per currency",
		},
		[]string{"currency"},
	)

	mtxNonce = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_nonce",
			Help: "Current trade-API nonce",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxCommands, mtxEvents)
	prometheus.MustRegister(mtxAPIRequests, mtxAPIFailures)
	prometheus.MustRegister(mtxOrders, mtxCancelled, mtxBusDropped)
	prometheus.MustRegister(mtxPrice, mtxBalance, mtxNonce)
}

// Helper setters (used by bus/connector/trader; keep call sites terse)

func IncCommandMetric(kind string)          { mtxCommands.WithLabelValues(kind).Inc() }
func IncEventMetric(kind string)            { mtxEvents.WithLabelValues(kind).Inc() }
func IncAPIRequest(api, method string)      { mtxAPIRequests.WithLabelValues(api, method).Inc() }
func IncAPIFailure(api, method string)      { mtxAPIFailures.WithLabelValues(api, method).Inc() }
func IncOrderMetric(side, reason string)    { mtxOrders.WithLabelValues(side, reason).Inc() }
func IncCancelledMetric()                   { mtxCancelled.Inc() }
func IncBusDropped(bus string)              { mtxBusDropped.WithLabelValues(bus).Inc() }
func SetPriceMetric(pair string, v float64) { mtxPrice.WithLabelValues(pair).Set(v) }
func SetBalanceMetric(c string, v float64)  { mtxBalance.WithLabelValues(c).Set(v) }
func SetNonceMetric(n int64)                { mtxNonce.Set(float64(n)) }

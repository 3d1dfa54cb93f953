package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	InstancesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mercator_instances_running",
			Help: "Number of instances currently in the RUNNING state.",
		},
	)

	InstancesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mercator_instances_total",
			Help: "Number of configured instances.",
		},
	)

	SignalsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercator_signals_total",
			Help: "Total signals emitted (by type and side).",
		},
		[]string{"type", "side"},
	)

	TradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercator_trades_closed_total",
			Help: "Total closed trades (by side and result).",
		},
		[]string{"side", "result"},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercator_events_published_total",
			Help: "Total events published on the event bus (by type).",
		},
		[]string{"type"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mercator_events_dropped_total",
			Help: "Events discarded because a subscriber queue was full.",
		},
	)

	TradesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mercator_trades_dropped_total",
			Help: "Incoming market trades discarded by the bar builder.",
		},
	)

	BrokerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mercator_broker_requests_total",
			Help: "Broker API requests (by endpoint and outcome).",
		},
		[]string{"endpoint", "outcome"},
	)

	BrokerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mercator_broker_request_seconds",
			Help:    "Broker API request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	BacktestsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mercator_backtests_running",
			Help: "Number of backtests currently executing.",
		},
	)

	WebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mercator_websocket_clients",
			Help: "Connected websocket clients.",
		},
	)

	StreamSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mercator_stream_subscriptions",
			Help: "Active broker trade-stream subscriptions (one per contract).",
		},
	)
)

func init() {
	prometheus.MustRegister(
		InstancesRunning,
		InstancesTotal,
		SignalsEmitted,
		TradesClosed,
		EventsPublished,
		EventsDropped,
		TradesDropped,
		BrokerRequests,
		BrokerRequestDuration,
		BacktestsRunning,
		WebSocketClients,
		StreamSubscriptions,
	)
}

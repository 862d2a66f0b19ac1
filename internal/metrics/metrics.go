package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики риск-движка
// ============================================================
//
// Все метрики регистрируются в default registry и отдаются
// ops API на /metrics.

const namespace = "riskengine"

// ============ Связь с биржей ============

// RESTLatency - латентность REST запросов по endpoint и исходу
var RESTLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "rest_latency_ms",
		Help:      "REST request latency in milliseconds",
		Buckets:   []float64{10, 25, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
	},
	[]string{"endpoint", "outcome"},
)

// RateBudgetUsage - занятость окон лимитов (0..1)
var RateBudgetUsage = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "rate_budget_usage_ratio",
		Help:      "Share of the sliding rate window in use",
	},
	[]string{"window"},
)

// RateBudgetWait - время ожидания свободного окна
var RateBudgetWait = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "rate_budget_wait_ms",
		Help:      "Time spent waiting for rate budget in milliseconds",
		Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000, 30000},
	},
)

// UsedWeight - вес по заголовку X-MBX-USED-WEIGHT-1M
var UsedWeight = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "used_weight_1m",
		Help:      "Request weight reported by the exchange for the current minute",
	},
)

// StreamState - 0 connected, 1 reconnecting, 2 failed
var StreamState = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "state",
		Help:      "User data stream state (0 connected, 1 reconnecting, 2 failed)",
	},
)

// StreamReconnects - попытки переподключения
var StreamReconnects = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "reconnects_total",
		Help:      "Total number of stream reconnect attempts",
	},
)

// StreamEpoch - номер текущего соединения
var StreamEpoch = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "epoch",
		Help:      "Epoch of the current stream connection",
	},
)

// AmbiguousOrders - ордера с неопределённым статусом после повтора
var AmbiguousOrders = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "ambiguous_orders_total",
		Help:      "Orders whose state is unknown after a retried timeout",
	},
)

// ============ Стор ============

// EventsApplied - применённые события по типу
var EventsApplied = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "events_applied_total",
		Help:      "Events applied to the position store",
	},
	[]string{"kind"},
)

// EventsDuplicate - отброшенные повторы и устаревшие события
var EventsDuplicate = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "events_duplicate_total",
		Help:      "Duplicate or stale events ignored by the store",
	},
)

// ReconcileMismatches - расхождения при сверке со снимком
var ReconcileMismatches = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "reconcile_mismatches_total",
		Help:      "Reconciliation mismatches by kind",
	},
	[]string{"kind"},
)

// Anomalies - позиции без стопа
var Anomalies = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "anomalous_positions_total",
		Help:      "Positions found without an active stop",
	},
)

// ForcedCloses - принудительные закрытия
var ForcedCloses = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "forced_closes_total",
		Help:      "Forced market closes by reason",
	},
	[]string{"reason"},
)

// OpenPositions - открытые позиции
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "open_positions",
		Help:      "Number of open positions",
	},
)

// ============ Риск ============

// RiskDecisions - решения риск-контроля по причине (Accepted для принятых)
var RiskDecisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "decisions_total",
		Help:      "Risk decisions by reason",
	},
	[]string{"reason"},
)

// MarginUsage - доля используемой маржи
var MarginUsage = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "margin_usage_ratio",
		Help:      "Used plus reserved margin divided by equity",
	},
)

// ============ Ядро ============

// HaltedSymbols - символы, остановленные для новых ордеров
var HaltedSymbols = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "halted_symbols",
		Help:      "Symbols halted for new submissions",
	},
)

// SinkOverflows - переполнение буферов исходящих событий
var SinkOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "sink_overflows_total",
		Help:      "Outbound events dropped because a sink buffer was full",
	},
	[]string{"sink"},
)

// ============ Мост Redis ============

// BridgeBreakerState - состояние предохранителя публикации (0 closed, 1 open, 2 half-open)
var BridgeBreakerState = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "breaker_state",
		Help:      "Event publisher circuit breaker state (0=closed, 1=open, 2=half-open)",
	},
)

// BridgeBreakerTrips - срабатывания предохранителя
var BridgeBreakerTrips = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "breaker_trips_total",
		Help:      "Times the event publisher circuit breaker tripped open",
	},
)

// BridgeMessages - сообщения моста по стриму и исходу
var BridgeMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "messages_total",
		Help:      "Bridge stream messages by stream and outcome",
	},
	[]string{"stream", "outcome"},
)

// ============ Хелперы ============

// ObserveREST записывает латентность REST запроса
func ObserveREST(endpoint string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	RESTLatency.WithLabelValues(endpoint, outcome).Observe(float64(d.Microseconds()) / 1000)
}

// ObserveBudgetWait записывает ожидание окна лимитов
func ObserveBudgetWait(d time.Duration) {
	RateBudgetWait.Observe(float64(d.Microseconds()) / 1000)
}

// SetBudgetUsage обновляет занятость окон
func SetBudgetUsage(weight, ordersSec, ordersMin float64) {
	RateBudgetUsage.WithLabelValues("weight_1m").Set(weight)
	RateBudgetUsage.WithLabelValues("orders_1s").Set(ordersSec)
	RateBudgetUsage.WithLabelValues("orders_1m").Set(ordersMin)
}

// RecordDecision учитывает решение риск-контроля
func RecordDecision(reason string) {
	RiskDecisions.WithLabelValues(reason).Inc()
}

// RecordForcedClose учитывает принудительное закрытие
func RecordForcedClose(reason string) {
	ForcedCloses.WithLabelValues(reason).Inc()
}

// RecordSinkOverflow учитывает потерянное событие
func RecordSinkOverflow(sink string) {
	SinkOverflows.WithLabelValues(sink).Inc()
}

// RecordBridgeMessage учитывает сообщение моста
func RecordBridgeMessage(stream, outcome string) {
	BridgeMessages.WithLabelValues(stream, outcome).Inc()
}

package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/feeds"
	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PROMETHEUS METRICS
// ═══════════════════════════════════════════════════════════════════════════════
//
// - event → order latency
// - events processed / duplicates / queue drops
// - risk blocks by level
// - terminal orders by side and status, gas spent
//
// ═══════════════════════════════════════════════════════════════════════════════

// EventsProcessed counts market events reaching the dispatcher
var EventsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sniper",
		Subsystem: "events",
		Name:      "processed_total",
		Help:      "Market events dispatched by type",
	},
	[]string{"type"}, // new_pair, pending_liquidity_add, whale_trade
)

// DuplicatesDropped counts events rejected by the dedup set
var DuplicatesDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sniper",
		Subsystem: "events",
		Name:      "duplicates_total",
		Help:      "Events dropped as duplicates",
	},
)

// QueueDrops counts work discarded because a bounded queue was full
var QueueDrops = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sniper",
		Subsystem: "events",
		Name:      "queue_drops_total",
		Help:      "Values discarded by full queues",
	},
	[]string{"queue"},
)

// RiskBlocks counts matched snipes stopped before an order existed
var RiskBlocks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sniper",
		Subsystem: "risk",
		Name:      "blocks_total",
		Help:      "Snipes blocked by risk level or strategy thresholds",
	},
	[]string{"reason"},
)

// OrdersFinalized counts terminal orders
var OrdersFinalized = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sniper",
		Subsystem: "orders",
		Name:      "finalized_total",
		Help:      "Orders by side and terminal status",
	},
	[]string{"side", "status"},
)

// OrderLatency is submission → confirmation time
var OrderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "sniper",
		Subsystem: "orders",
		Name:      "latency_seconds",
		Help:      "Order latency from first broadcast to receipt",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 12, 24, 60},
	},
	[]string{"side", "method"},
)

// GasSpent accumulates gas fees in ether
var GasSpent = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sniper",
		Subsystem: "orders",
		Name:      "gas_spent_eth_total",
		Help:      "Gas fees paid by finalized orders in ether",
	},
)

// InFlight is the number of held (token, strategy) guards
var InFlight = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "sniper",
		Subsystem: "orders",
		Name:      "in_flight",
		Help:      "Buys currently in flight",
	},
)

// observeOrder records a terminal order
func observeOrder(o *types.Order) {
	if o == nil {
		return
	}
	OrdersFinalized.WithLabelValues(string(o.Side), string(o.Status)).Inc()
	if o.Status == types.OrderConfirmed && o.Latency > 0 {
		OrderLatency.WithLabelValues(string(o.Side), string(o.Method)).Observe(o.Latency.Seconds())
	}
	if o.GasUsed > 0 && o.GasPrice != nil {
		wei := types.ToDecimal(o.GasPrice).Mul(decimal.NewFromInt(int64(o.GasUsed)))
		eth, _ := wei.Shift(-18).Float64()
		GasSpent.Add(eth)
	}
}

// RegisterMonitorGauges exposes monitor counters; call once per process
func RegisterMonitorGauges(stats func() feeds.MonitorStats) {
	gauge := func(name, help string, read func(feeds.MonitorStats) float64) {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sniper",
			Subsystem: "monitor",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(stats()) })
	}
	gauge("last_confirmed_block", "Last fully processed block", func(s feeds.MonitorStats) float64 { return float64(s.LastConfirmed) })
	gauge("pairs_seen", "Factory PairCreated logs seen", func(s feeds.MonitorStats) float64 { return float64(s.PairsSeen) })
	gauge("liquidity_adds", "Pending addLiquidity calls seen", func(s feeds.MonitorStats) float64 { return float64(s.LiquidityAdds) })
	gauge("decode_failures", "Pending transactions that failed to decode", func(s feeds.MonitorStats) float64 { return float64(s.DecodeFailures) })
	gauge("pool_dropped", "Decode jobs dropped by a full pool", func(s feeds.MonitorStats) float64 { return float64(s.Dropped) })
	gauge("reconnects", "Subscription reconnects", func(s feeds.MonitorStats) float64 { return float64(s.Reconnects) })
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault service.
type Metrics struct {
	// --- Actions ---
	ActionsApplied  *prometheus.CounterVec
	ActionsRejected *prometheus.CounterVec
	ActionDuration  *prometheus.HistogramVec
	PendingActions  prometheus.Gauge
	EventSequence   prometheus.Gauge

	// --- Funding & fees ---
	FundingApplied     prometheus.Counter
	FundingRate        prometheus.Gauge
	LiqMultiplier      prometheus.Gauge
	PendingFees        prometheus.Gauge
	FeeFlushes         prometheus.Counter
	FeeFlushFailures   prometheus.Counter

	// --- Liquidation ---
	LiquidationPasses    prometheus.Counter
	TicksLiquidated      prometheus.Counter
	PositionsLiquidated  prometheus.Counter
	LiquidationRemainder *prometheus.CounterVec

	// --- Balances & rebase ---
	VaultBalance  prometheus.Gauge
	LongBalance   prometheus.Gauge
	TotalExpo     prometheus.Gauge
	TokenPrice    prometheus.Gauge
	Rebases       prometheus.Counter

	// --- Oracle ---
	OraclePriceAge  *prometheus.HistogramVec
	OracleRejects   *prometheus.CounterVec

	// --- Persistence & publishing ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistBackpressure  prometheus.Counter
	PersistLastSequence  prometheus.Gauge
	PublishDrops         prometheus.Counter
	ChannelSize          *prometheus.GaugeVec
	ChannelCapacity      *prometheus.GaugeVec

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		ActionsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_actions_applied_total",
			Help: "Actions successfully applied by the engine",
		}, []string{"action"}),

		ActionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_actions_rejected_total",
			Help: "Actions rejected (validation, payment, authorization)",
		}, []string{"action", "reason"}),

		ActionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_action_duration_seconds",
			Help:    "Time to apply a single action in the engine",
			Buckets: latencyBuckets,
		}, []string{"action"}),

		PendingActions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_pending_actions",
			Help: "Live entries in the pending action queue",
		}),

		EventSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_event_sequence",
			Help: "Current global event sequence number",
		}),

		FundingApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_funding_applied_total",
			Help: "Funding settlements applied",
		}),

		FundingRate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_funding_rate",
			Help: "Last applied funding rate (1e9 scale)",
		}),

		LiqMultiplier: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_liquidation_multiplier",
			Help: "Current liquidation multiplier (1e9 scale)",
		}),

		PendingFees: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_pending_fees",
			Help: "Accumulated protocol fees awaiting flush",
		}),

		FeeFlushes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_fee_flushes_total",
			Help: "Fee flushes to the collector",
		}),

		FeeFlushFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_fee_flush_failures_total",
			Help: "Fee flushes reverted on collector notification failure",
		}),

		LiquidationPasses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_liquidation_passes_total",
			Help: "Liquidation passes executed",
		}),

		TicksLiquidated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_ticks_liquidated_total",
			Help: "Ticks wiped by liquidation",
		}),

		PositionsLiquidated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_positions_liquidated_total",
			Help: "Positions wiped by liquidation",
		}),

		LiquidationRemainder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_liquidation_remainder_total",
			Help: "Collateral moved between sides by liquidation",
		}, []string{"direction"}),

		VaultBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_vault_balance",
			Help: "Vault side collateral balance",
		}),

		LongBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_long_balance",
			Help: "Long side collateral balance",
		}),

		TotalExpo: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_total_expo",
			Help: "Total leveraged exposure",
		}),

		TokenPrice: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_token_price",
			Help: "Stable token price (1e8 scale)",
		}),

		Rebases: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_rebases_total",
			Help: "Supply rebases applied",
		}),

		OraclePriceAge: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_oracle_price_age_seconds",
			Help:    "Age of the oracle price at apply time",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"action"}),

		OracleRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_oracle_rejects_total",
			Help: "Oracle price rejections",
		}, []string{"reason"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_backpressure_total",
			Help: "Times the service blocked on the persist channel",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel occupancy metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}

// ObserveProtocol publishes the protocol state gauges after an action.
func (m *Metrics) ObserveProtocol(vaultBalance, longBalance, totalExpo, liqMultiplier, pendingFees int64) {
	m.VaultBalance.Set(float64(vaultBalance))
	m.LongBalance.Set(float64(longBalance))
	m.TotalExpo.Set(float64(totalExpo))
	m.LiqMultiplier.Set(float64(liqMultiplier))
	m.PendingFees.Set(float64(pendingFees))
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the clearing engine.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Funding & oracle ---
	FundingTradesRegistered *prometheus.CounterVec
	FundingRatePerDay       *prometheus.GaugeVec
	OracleRounds            *prometheus.CounterVec

	// --- Margin & liquidation ---
	MarginCheckFailures  *prometheus.CounterVec
	RangeLiquidations    prometheus.Counter
	TokenLiquidations    *prometheus.CounterVec
	LiquidationFees      *prometheus.CounterVec
	InsuranceFundBalance prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_core_events_applied_total",
			Help: "Events applied by the deterministic core",
		}, []string{"event_type"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_core_events_rejected_total",
			Help: "Events rejected by the deterministic core",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_core_event_apply_duration_seconds",
			Help:    "Core event application duration",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_core_state_hash_duration_seconds",
			Help:    "State hash computation duration",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_core_sequence",
			Help: "Current core sequence number",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_size",
			Help: "Current channel occupancy",
		}, []string{"channel"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_utilization",
			Help: "Channel occupancy as a fraction of capacity",
		}, []string{"channel"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_projection_drops_total",
			Help: "Outputs dropped on the projection channel",
		}, []string{"event_type"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_publish_drops_total",
			Help: "Outcome publishes dropped",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_backpressure_total",
			Help: "Blocking sends on the persist channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_idempotency_duplicates_total",
			Help: "Duplicate events detected",
		}, []string{"event_type", "tier"}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_event_sequence_gap_total",
			Help: "Source sequence gaps detected",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_event_out_of_order_total",
			Help: "Out-of-order events detected",
		}, []string{"partition"}),

		FundingTradesRegistered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_funding_trades_registered_total",
			Help: "Checkpoint commits on the global funding tracker",
		}, []string{"pool"}),

		FundingRatePerDay: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_funding_rate_per_day",
			Help: "Current funding rate per day (approximate float view)",
		}, []string{"pool"}),

		OracleRounds: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_oracle_rounds_total",
			Help: "Oracle price rounds ingested",
		}, []string{"oracle"}),

		MarginCheckFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_margin_check_failures_total",
			Help: "Operations rejected by the margin check",
		}, []string{"event_type"}),

		RangeLiquidations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_range_liquidations_total",
			Help: "Range liquidations executed",
		}),

		TokenLiquidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_token_liquidations_total",
			Help: "Token position liquidations executed",
		}, []string{"pool"}),

		LiquidationFees: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_liquidation_fees_total",
			Help: "Liquidation fees paid, by recipient",
		}, []string{"recipient"}),

		InsuranceFundBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_insurance_fund_balance",
			Help: "Insurance fund quote balance (approximate float view)",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_persist_batch_duration_seconds",
			Help:    "Persistence batch write duration",
			Buckets: prometheus.DefBuckets,
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"operation"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_persist_last_sequence",
			Help: "Last sequence durably written",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_snapshot_taken_total",
			Help: "Snapshots taken",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_snapshot_duration_seconds",
			Help:    "Snapshot duration",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_replay_events_total",
			Help: "Events replayed during recovery",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_replay_duration_seconds",
			Help: "Duration of the last recovery replay",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_query_duration_seconds",
			Help:    "Query API request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

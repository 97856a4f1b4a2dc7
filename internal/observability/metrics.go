package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CDPLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreStateHashDur     prometheus.Histogram
	CoreSequence         prometheus.Gauge
	CoreCompensations    *prometheus.CounterVec

	// --- Latency ---
	IngestToApply   *prometheus.HistogramVec
	ApplyToPersist  prometheus.Histogram
	NATSPullLatency *prometheus.HistogramVec
	PersistBatchDur prometheus.Histogram

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram

	// --- Liquidation ---
	LiquidationsTotal           *prometheus.CounterVec
	LiquidationCollateralSeized *prometheus.CounterVec
	LiquidatablePositions       prometheus.Gauge

	// --- Solvency ---
	CollateralValueUSD     prometheus.Gauge
	SyntheticSupply        prometheus.Gauge
	SolvencyRatio          prometheus.Gauge
	ConservationViolations prometheus.Counter
	SolvencyScanDuration   prometheus.Histogram

	// --- Oracle ---
	OraclePriceUpdates *prometheus.CounterVec
	OracleRoundGaps    *prometheus.CounterVec
	OracleStaleRounds  *prometheus.CounterVec

	// --- Persistence ---
	PersistCommandsWritten prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken      prometheus.Counter
	SnapshotDuration   prometheus.Histogram
	SnapshotSizeBytes  prometheus.Gauge
	SnapshotLastSeq    prometheus.Gauge
	ReplayBatchesTotal prometheus.Counter
	ReplayDuration     prometheus.Gauge

	// --- Publishing ---
	RecordsPublished *prometheus.CounterVec
	PublishErrors    *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them on reg. Pass
// prometheus.DefaultRegisterer in production and prometheus.NewRegistry()
// in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreCommandsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_commands_applied_total",
			Help: "Commands committed by core",
		}, []string{"command"}),

		CoreCommandsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_commands_rejected_total",
			Help: "Commands rejected (dedup, validation, health, external)",
		}, []string{"command", "reason"}),

		CoreCommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_core_command_duration_seconds",
			Help:    "Time to execute a single command in core, collaborator calls included",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		CoreJournals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_journals_generated_total",
			Help: "Journal entries committed",
		}, []string{"journal_type"}),

		CoreStateHashDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_core_sequence",
			Help: "Next sequence number to assign",
		}),

		CoreCompensations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_compensations_total",
			Help: "Rollbacks by compensation outcome",
		}, []string{"outcome"}),

		// Latency
		IngestToApply: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_ingest_to_apply_seconds",
			Help:    "NATS receive to core commit",
			Buckets: ingestBuckets,
		}, []string{"command"}),

		ApplyToPersist: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_apply_to_persist_seconds",
			Help:    "Core commit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		NATSPullLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		// Channel & Backpressure
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		// Liquidation
		LiquidationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidations_total",
			Help: "Liquidations committed",
		}, []string{"asset"}),

		LiquidationCollateralSeized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidation_collateral_seized",
			Help: "Collateral seized including bonus, in whole asset units",
		}, []string{"asset"}),

		LiquidatablePositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_liquidatable_positions",
			Help: "Positions below the minimum health factor at the last scan",
		}),

		// Solvency
		CollateralValueUSD: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_collateral_value_usd",
			Help: "Aggregate collateral value at current oracle prices",
		}),

		SyntheticSupply: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_synthetic_supply",
			Help: "Outstanding synthetic debt",
		}),

		SolvencyRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_solvency_ratio",
			Help: "Collateral value / synthetic supply",
		}),

		ConservationViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_conservation_violations_total",
			Help: "Internal/external balance mismatches detected",
		}),

		SolvencyScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_solvency_scan_duration_seconds",
			Help:    "Time to value every position",
			Buckets: latencyBuckets,
		}),

		// Oracle
		OraclePriceUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_oracle_price_updates_total",
			Help: "Price rounds written to a feed",
		}, []string{"asset"}),

		OracleRoundGaps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_oracle_round_gaps_total",
			Help: "Price rounds that skipped ahead",
		}, []string{"asset"}),

		OracleStaleRounds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_oracle_stale_rounds_total",
			Help: "Price rounds ignored as older than the last accepted",
		}, []string{"asset"}),

		// Persistence
		PersistCommandsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_commands_written_total",
			Help: "Command envelopes written to Postgres",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_size",
			Help:    "Commands per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayBatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdp_replay_batches_total",
			Help: "Journal batches replayed on startup",
		}),

		ReplayDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Publishing
		RecordsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_records_published_total",
			Help: "Records published to NATS",
		}, []string{"record_type"}),

		PublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_publish_errors_total",
			Help: "NATS publish failures",
		}, []string{"subject"}),

		// Query API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_query_errors_total",
			Help: "Query errors",
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

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for RewardLedger.
type Metrics struct {
	// --- Event processing ---
	EventsApplied    prometheus.Counter
	PositionsCreated prometheus.Counter
	PositionsPruned  prometheus.Counter
	PositionsClosed  prometheus.Counter
	ProcessDuration  prometheus.Histogram
	ProcessFailures  *prometheus.CounterVec

	// --- Ingestion ---
	IngestMessages    *prometheus.CounterVec
	IngestDuplicates  prometheus.Counter
	IngestParseErrors prometheus.Counter

	// --- Aggregation ---
	AggregateDuration prometheus.Histogram
	PoolsDevolved     prometheus.Counter
	PoolsSkipped      prometheus.Counter
	UsersExcluded     prometheus.Counter
	PointsDropped     prometheus.Counter

	// --- Merkle ---
	MerkleLeaves        prometheus.Gauge
	MerkleBuildDuration prometheus.Histogram

	// --- Epoch ---
	EpochsFinalized    prometheus.Counter
	EpochDuration      prometheus.Histogram
	LastFinalizedEpoch prometheus.Gauge
	EpochFailures      *prometheus.CounterVec

	// --- Persistence ---
	CheckpointsWritten  prometheus.Counter
	CheckpointDuration  prometheus.Histogram
	CheckpointSizeBytes prometheus.Gauge
	PersistErrors       *prometheus.CounterVec
	BlobWrites          *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

var latencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}

// NewMetrics registers every metric on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers on reg. Tests pass a fresh prometheus.NewRegistry().
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		// Event processing
		EventsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "reward_events_applied_total",
			Help: "Balance change events folded into accumulators",
		}),

		PositionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "reward_positions_created_total",
			Help: "Accumulators created from a first event",
		}),

		PositionsPruned: f.NewCounter(prometheus.CounterOpts{
			Name: "reward_positions_pruned_total",
			Help: "Accumulators removed with zero balance and zero points",
		}),

		PositionsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "reward_positions_closed_total",
			Help: "Accumulators rolled forward to an epoch end",
		}),

		ProcessDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "reward_process_duration_seconds",
			Help:    "Duration of one processing run",
			Buckets: latencyBuckets,
		}),

		ProcessFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reward_process_failures_total",
			Help: "Aborted processing runs",
		}, []string{"reason"}),

		// Ingestion
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reward_ingest_messages_total",
			Help: "Source messages consumed",
		}, []string{"kind"}),

		IngestDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "reward_ingest_duplicates_total",
			Help: "Source messages dropped as redeliveries",
		}),

		IngestParseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "reward_ingest_parse_errors_total",
			Help: "Source messages that failed to decode",
		}),

		// Aggregation
		AggregateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "reward_aggregate_duration_seconds",
			Help:    "Duration of final points aggregation",
			Buckets: latencyBuckets,
		}),

		PoolsDevolved: f.NewCounter(prometheus.CounterOpts{
			Name: "reward_pools_devolved_total",
			Help: "Pools whose points were split among holders",
		}),

		PoolsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "reward_pools_skipped_total",
			Help: "Pools with zero total equity",
		}),

		UsersExcluded: f.NewCounter(prometheus.CounterOpts{
			Name: "reward_users_excluded_total",
			Help: "Blacklisted users removed from final points",
		}),

		PointsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "reward_points_dropped_total",
			Help: "Users dropped for having zero points in every market",
		}),

		// Merkle
		MerkleLeaves: f.NewGauge(prometheus.GaugeOpts{
			Name: "reward_merkle_leaves",
			Help: "Leaves in the last built tree",
		}),

		MerkleBuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "reward_merkle_build_duration_seconds",
			Help:    "Tree and proof construction time",
			Buckets: latencyBuckets,
		}),

		// Epoch
		EpochsFinalized: f.NewCounter(prometheus.CounterOpts{
			Name: "reward_epochs_finalized_total",
			Help: "Epochs that produced a distribution",
		}),

		EpochDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "reward_epoch_duration_seconds",
			Help:    "End-to-end epoch run time",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),

		LastFinalizedEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "reward_last_finalized_epoch",
			Help: "Most recent finalized epoch number",
		}),

		EpochFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reward_epoch_failures_total",
			Help: "Epoch runs aborted by stage",
		}, []string{"stage"}),

		// Persistence
		CheckpointsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "reward_checkpoints_written_total",
			Help: "Balance map checkpoints saved",
		}),

		CheckpointDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "reward_checkpoint_duration_seconds",
			Help:    "Checkpoint write time",
			Buckets: latencyBuckets,
		}),

		CheckpointSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "reward_checkpoint_size_bytes",
			Help: "Size of the last checkpoint payload",
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reward_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"op"}),

		BlobWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reward_blob_writes_total",
			Help: "Artifact uploads by outcome",
		}, []string{"status"}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reward_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reward_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

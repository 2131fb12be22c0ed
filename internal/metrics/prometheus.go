package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a tactlink node
type Metrics struct {
	// Sync sample path
	OffsetMicros        prometheus.Gauge
	DelayMicros         prometheus.Histogram
	DriftRatePPB        prometheus.Gauge
	QualityScore        prometheus.Gauge
	SyncIntervalSeconds prometheus.Gauge
	SamplesRejected     prometheus.Counter
	SamplesLost         prometheus.Counter

	// Beacon traffic
	BeaconsSent     prometheus.Counter
	BeaconsReceived prometheus.Counter
	BeaconsRejected prometheus.Counter

	// Source selection / holdover
	Stratum        prometheus.Gauge
	SourceSwitches prometheus.Counter
	HoldoverEvents prometheus.Counter

	// Role election
	Role          prometheus.Gauge // 0 undecided, 1 server, 2 client
	ElectionsRun  prometheus.Counter
	RoleConflicts prometheus.Counter

	// Pattern clock
	GenerationsPublished prometheus.Counter
	GenerationsAdopted   prometheus.Counter
	StaleGenerations     prometheus.Counter
	PulsesScheduled      prometheus.Counter

	// Capacity
	CapacityPercent prometheus.Gauge

	// Process
	MemoryUsage prometheus.Gauge
	Goroutines  prometheus.Gauge
}

// UpdateSystemStats records process-level stats collected by the server.
func (m *Metrics) UpdateSystemStats(memAlloc int64, goroutines int) {
	m.MemoryUsage.Set(float64(memAlloc))
	m.Goroutines.Set(float64(goroutines))
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		OffsetMicros: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tactlink",
			Subsystem:   "sync",
			Name:        "offset_micros",
			Help:        "Current clock offset toward the trusted source",
			ConstLabels: labels,
		}),
		DelayMicros: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "tactlink",
			Subsystem:   "sync",
			Name:        "delay_micros",
			Help:        "One-way delay of accepted samples",
			Buckets:     prometheus.ExponentialBuckets(100, 2, 12),
			ConstLabels: labels,
		}),
		DriftRatePPB: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tactlink",
			Subsystem:   "sync",
			Name:        "drift_rate_ppb",
			Help:        "Estimated clock skew in parts per billion",
			ConstLabels: labels,
		}),
		QualityScore: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tactlink",
			Subsystem:   "sync",
			Name:        "quality_score",
			Help:        "Rolling sync quality score (0-100)",
			ConstLabels: labels,
		}),
		SyncIntervalSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tactlink",
			Subsystem:   "sync",
			Name:        "interval_seconds",
			Help:        "Current adaptive resynchronization interval",
			ConstLabels: labels,
		}),
		SamplesRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "tactlink",
			Subsystem:   "sync",
			Name:        "samples_rejected_total",
			Help:        "Offset samples rejected by the estimator",
			ConstLabels: labels,
		}),
		SamplesLost: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "tactlink",
			Subsystem:   "sync",
			Name:        "samples_lost_total",
			Help:        "Exchanges that timed out or were rejected",
			ConstLabels: labels,
		}),
		BeaconsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "tactlink",
			Subsystem:   "beacon",
			Name:        "sent_total",
			Help:        "Beacons transmitted",
			ConstLabels: labels,
		}),
		BeaconsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "tactlink",
			Subsystem:   "beacon",
			Name:        "received_total",
			Help:        "Beacons received",
			ConstLabels: labels,
		}),
		BeaconsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "tactlink",
			Subsystem:   "beacon",
			Name:        "rejected_total",
			Help:        "Beacons rejected at decode (bad frame or hop bound)",
			ConstLabels: labels,
		}),
		Stratum: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tactlink",
			Subsystem:   "source",
			Name:        "stratum",
			Help:        "Advertised stratum (0 primary, 255 free-running)",
			ConstLabels: labels,
		}),
		SourceSwitches: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "tactlink",
			Subsystem:   "source",
			Name:        "switches_total",
			Help:        "Trusted source changes",
			ConstLabels: labels,
		}),
		HoldoverEvents: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "tactlink",
			Subsystem:   "source",
			Name:        "holdover_total",
			Help:        "Transitions into holdover",
			ConstLabels: labels,
		}),
		Role: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tactlink",
			Subsystem:   "election",
			Name:        "role",
			Help:        "Current role (0 undecided, 1 server, 2 client)",
			ConstLabels: labels,
		}),
		ElectionsRun: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "tactlink",
			Subsystem:   "election",
			Name:        "runs_total",
			Help:        "Role elections performed",
			ConstLabels: labels,
		}),
		RoleConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "tactlink",
			Subsystem:   "election",
			Name:        "conflicts_total",
			Help:        "Observations of two simultaneous servers",
			ConstLabels: labels,
		}),
		GenerationsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "tactlink",
			Subsystem:   "pattern",
			Name:        "generations_published_total",
			Help:        "Pattern-clock generations published as server",
			ConstLabels: labels,
		}),
		GenerationsAdopted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "tactlink",
			Subsystem:   "pattern",
			Name:        "generations_adopted_total",
			Help:        "Pattern-clock generations adopted from a server",
			ConstLabels: labels,
		}),
		StaleGenerations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "tactlink",
			Subsystem:   "pattern",
			Name:        "stale_generations_total",
			Help:        "Generations discarded for being older than last seen",
			ConstLabels: labels,
		}),
		PulsesScheduled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "tactlink",
			Subsystem:   "pattern",
			Name:        "pulses_scheduled_total",
			Help:        "Output pulses handed to the actuation layer",
			ConstLabels: labels,
		}),
		CapacityPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tactlink",
			Subsystem:   "power",
			Name:        "capacity_percent",
			Help:        "Remaining energy budget (0-100)",
			ConstLabels: labels,
		}),
		MemoryUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tactlink",
			Subsystem:   "process",
			Name:        "memory_bytes",
			Help:        "Allocated heap bytes",
			ConstLabels: labels,
		}),
		Goroutines: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tactlink",
			Subsystem:   "process",
			Name:        "goroutines",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
	}
}

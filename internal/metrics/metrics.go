// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "meridian_nodes_total", Help: "Nodes by coordinator_state and daemon_state"},
		[]string{"coordinator_state", "daemon_state"},
	)

	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "meridian_vms_total", Help: "VMs by state"},
		[]string{"state"},
	)

	OSDsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "meridian_osds_total", Help: "OSDs by node"},
		[]string{"node"},
	)

	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "meridian_raft_is_leader", Help: "1 if this node is the Raft leader"},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "meridian_raft_apply_duration_seconds", Help: "Store write latency", Buckets: prometheus.DefBuckets},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "meridian_reconciliation_duration_seconds", Help: "Node agent reconcile cycle duration", Buckets: prometheus.DefBuckets},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "meridian_reconciliation_cycles_total", Help: "Completed node agent reconcile cycles"},
	)

	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "meridian_migrations_total", Help: "VM migrations by outcome"},
		[]string{"outcome"},
	)

	MigrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "meridian_migration_duration_seconds", Help: "Live migration wall time", Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600}},
	)

	BackupBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "meridian_backup_bytes_total", Help: "Bytes written by backup/send operations"},
		[]string{"kind"},
	)

	SendThroughput = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "meridian_send_throughput_mbps", Help: "Observed send-to-remote throughput in MB/s", Buckets: prometheus.DefBuckets},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "meridian_tasks_total", Help: "Tasks by terminal state"},
		[]string{"state"},
	)

	HealthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "meridian_node_health_score", Help: "Per-node aggregate health score"},
		[]string{"node"},
	)

	FencingEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "meridian_fencing_events_total", Help: "Dead-node fencing events handled"},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal, VMsTotal, OSDsTotal,
		RaftLeader, RaftApplyDuration,
		ReconciliationDuration, ReconciliationCyclesTotal,
		MigrationsTotal, MigrationDuration,
		BackupBytesTotal, SendThroughput,
		TasksTotal, HealthScore, FencingEventsTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times a single operation against a histogram.
type Timer struct{ start time.Time }

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }

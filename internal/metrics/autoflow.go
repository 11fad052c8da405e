package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoflow_executions_total",
		Help: "Executions reaching a terminal status",
	}, []string{"status"})

	NodeRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoflow_node_runs_total",
		Help: "Node results recorded, by node kind and status",
	}, []string{"kind", "status"})

	NodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autoflow_node_duration_seconds",
		Help:    "Wall time spent running a node including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	ScheduleScanDueTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autoflow_schedule_scan_due_total",
		Help: "Scheduled workflows found due by the scanner",
	})

	ScheduleScanSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoflow_schedule_scan_skipped_total",
		Help: "Scheduled workflows skipped by the scanner",
	}, []string{"reason"})

	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoflow_polls_total",
		Help: "Polling trigger checks, by trigger type and outcome",
	}, []string{"trigger_type", "result"})

	UsageIncrementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoflow_usage_increments_total",
		Help: "Usage ledger increments, by metric",
	}, []string{"metric"})
)

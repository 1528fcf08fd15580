// Package metrics exposes on-demand Prometheus metrics computed from
// the job store at scrape time, so nothing drifts from the source of
// truth.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/meridianhq/meridian/model"
	"github.com/meridianhq/meridian/storage"
)

// durationBuckets are the completed-job duration histogram boundaries
// in seconds.
var durationBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

// completedSampleSize bounds the duration histogram to the most recent
// completions.
const completedSampleSize = 500

// JobSource is the queue surface the collector scrapes.
type JobSource interface {
	Counts(ctx context.Context) (map[model.JobStatus]int, error)
	CompletedDurations(ctx context.Context, lastN int) ([]float64, error)
	VerdictCounts(ctx context.Context) (map[model.Verdict]int, error)
}

// ExecLogSource lists tool execution log entries.
type ExecLogSource interface {
	ListExecLog(ctx context.Context) ([]storage.ExecLogEntry, error)
}

// Collector computes all job metrics at scrape time.
type Collector struct {
	jobs    JobSource
	execLog ExecLogSource
	logger  *slog.Logger
	timeout time.Duration

	jobsDesc     *prometheus.Desc
	durationDesc *prometheus.Desc
	toolDesc     *prometheus.Desc
	verdictDesc  *prometheus.Desc
}

// NewCollector creates a Collector over the queue and execution log.
func NewCollector(jobs JobSource, execLog ExecLogSource, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		jobs:    jobs,
		execLog: execLog,
		logger:  logger,
		timeout: 10 * time.Second,
		jobsDesc: prometheus.NewDesc(
			"meridian_jobs",
			"Number of jobs by status.",
			[]string{"status"}, nil),
		durationDesc: prometheus.NewDesc(
			"meridian_job_duration_seconds",
			"Completed job durations over the most recent completions.",
			nil, nil),
		toolDesc: prometheus.NewDesc(
			"meridian_tool_executions_total",
			"Tool step executions by gear and outcome.",
			[]string{"gear", "outcome"}, nil),
		verdictDesc: prometheus.NewDesc(
			"meridian_validation_verdicts",
			"Validator verdicts across stored jobs.",
			[]string{"verdict"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobsDesc
	ch <- c.durationDesc
	ch <- c.toolDesc
	ch <- c.verdictDesc
}

// Collect implements prometheus.Collector. Failures are logged and the
// affected metric family is omitted from the scrape.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.collectJobs(ctx, ch)
	c.collectDurations(ctx, ch)
	c.collectTools(ctx, ch)
	c.collectVerdicts(ctx, ch)
}

func (c *Collector) collectJobs(ctx context.Context, ch chan<- prometheus.Metric) {
	counts, err := c.jobs.Counts(ctx)
	if err != nil {
		c.logger.Warn("metrics: job counts failed", "error", err)
		return
	}
	for _, status := range []model.JobStatus{
		model.StatusPending, model.StatusPlanning, model.StatusValidating,
		model.StatusAwaitingApproval, model.StatusExecuting,
		model.StatusCompleted, model.StatusFailed, model.StatusCancelled,
	} {
		ch <- prometheus.MustNewConstMetric(c.jobsDesc, prometheus.GaugeValue,
			float64(counts[status]), string(status))
	}
}

func (c *Collector) collectDurations(ctx context.Context, ch chan<- prometheus.Metric) {
	durations, err := c.jobs.CompletedDurations(ctx, completedSampleSize)
	if err != nil {
		c.logger.Warn("metrics: completed durations failed", "error", err)
		return
	}
	buckets := make(map[float64]uint64, len(durationBuckets))
	var sum float64
	for _, d := range durations {
		sum += d
		for _, bound := range durationBuckets {
			if d <= bound {
				buckets[bound]++
			}
		}
	}
	ch <- prometheus.MustNewConstHistogram(c.durationDesc,
		uint64(len(durations)), sum, buckets)
}

func (c *Collector) collectTools(ctx context.Context, ch chan<- prometheus.Metric) {
	entries, err := c.execLog.ListExecLog(ctx)
	if err != nil {
		c.logger.Warn("metrics: exec log scan failed", "error", err)
		return
	}
	type key struct{ gear, outcome string }
	counts := make(map[key]int)
	for _, e := range entries {
		counts[key{e.Gear, e.Outcome}]++
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.toolDesc, prometheus.CounterValue,
			float64(n), k.gear, k.outcome)
	}
}

func (c *Collector) collectVerdicts(ctx context.Context, ch chan<- prometheus.Metric) {
	counts, err := c.jobs.VerdictCounts(ctx)
	if err != nil {
		c.logger.Warn("metrics: verdict counts failed", "error", err)
		return
	}
	for verdict, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.verdictDesc, prometheus.GaugeValue,
			float64(n), string(verdict))
	}
}

// NewRegistry builds a registry with the job collector plus process and
// Go runtime collectors (RSS and memory gauges come from these).
func NewRegistry(jobs JobSource, execLog ExecLogSource, logger *slog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(jobs, execLog, logger),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return reg
}

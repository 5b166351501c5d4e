package engine

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// runCount is a Counter vector of runs
	runCount *prometheus.CounterVec
	// lastRunTimestamp is a Gauge that captures the timestamp of the last finished run
	lastRunTimestamp prometheus.Gauge
	// lastRunJobs is a Gauge vector of job results of the last run by outcome
	lastRunJobs *prometheus.GaugeVec
	// runLatency is a Histogram that keeps track of run durations
	runLatency prometheus.Histogram
	// jobsInFlight is a Gauge of targets being mirrored right now
	jobsInFlight prometheus.Gauge
)

// EnableMetrics will enable metrics collection for runs.
// Available metrics are...
//   - git_backup_run_count - (tags: success)
//     A Counter for each run tagged with the result (success=true if no job failed)
//   - git_backup_last_run_timestamp
//     A Gauge that captures the Timestamp of the last finished run.
//   - git_backup_last_run_jobs - (tags: outcome)
//     A Gauge with number of completed, failed and updated jobs of the last run.
//   - git_backup_run_latency_seconds
//     A Histogram that keeps track of the run latency.
//   - git_backup_jobs_in_flight
//     A Gauge of targets being mirrored at the moment.
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	runCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "git_backup_run_count",
		Help:      "Count of backup runs",
	},
		[]string{
			// Whether all jobs of the run were successful or not
			"success",
		},
	)

	lastRunTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "git_backup_last_run_timestamp",
		Help:      "Timestamp of the last finished run",
	})

	lastRunJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "git_backup_last_run_jobs",
		Help:      "Job results of the last run",
	},
		[]string{
			// completed, errors or updated
			"outcome",
		},
	)

	runLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "git_backup_run_latency_seconds",
		Help:      "Latency of backup runs",
		Buckets:   []float64{1, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	})

	jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "git_backup_jobs_in_flight",
		Help:      "Number of targets being mirrored",
	})

	registerer.MustRegister(
		runCount,
		lastRunTimestamp,
		lastRunJobs,
		runLatency,
		jobsInFlight,
	)
}

// recordRun records a finished run by updating all the relevant metrics
func recordRun(r *RunReport) {
	// if metrics not enabled return
	if runCount == nil {
		return
	}
	runCount.WithLabelValues(strconv.FormatBool(r.Success())).Inc()
	lastRunTimestamp.Set(float64(r.Finished.Unix()))
	lastRunJobs.WithLabelValues("completed").Set(float64(r.Completed))
	lastRunJobs.WithLabelValues("errors").Set(float64(r.Errors))
	lastRunJobs.WithLabelValues("updated").Set(float64(len(r.Updated)))
	runLatency.Observe(r.Duration().Seconds())
}

func addJobsInFlight(delta float64) {
	if jobsInFlight == nil {
		return
	}
	jobsInFlight.Add(delta)
}

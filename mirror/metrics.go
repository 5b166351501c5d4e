package mirror

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// lastMirrorTimestamp is a Gauge that captures the timestamp of the last
	// successful mirror of a destination
	lastMirrorTimestamp *prometheus.GaugeVec
	// mirrorCount is a Counter vector of mirror jobs
	mirrorCount *prometheus.CounterVec
	// mirrorFailures is a Counter vector of failed mirror jobs by failure class
	mirrorFailures *prometheus.CounterVec
	// mirrorLatency is a Histogram vector that keeps track of mirror job durations
	mirrorLatency *prometheus.HistogramVec
)

// EnableMetrics will enable metrics collection for mirror jobs.
// Available metrics are...
//   - git_backup_last_mirror_timestamp - (tags: repo,kind)
//     A Gauge that captures the Timestamp of the last successful mirror per destination.
//   - git_backup_mirror_count - (tags: repo,kind,operation,success)
//     A Counter for each job, tagged with clone|fetch and the result (success=true|false)
//   - git_backup_mirror_failures - (tags: repo,kind,class)
//     A Counter of failed jobs tagged with failure class.
//   - git_backup_mirror_latency_seconds - (tags: repo,kind)
//     A Histogram that keeps track of the job latency per destination.
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	lastMirrorTimestamp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "git_backup_last_mirror_timestamp",
		Help:      "Timestamp of the last successful mirror",
	},
		[]string{
			// display name of the target
			"repo",
			// primary or backup
			"kind",
		},
	)

	mirrorCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "git_backup_mirror_count",
		Help:      "Count of mirror jobs",
	},
		[]string{
			"repo",
			"kind",
			// clone or fetch
			"operation",
			// Whether the job was successful or not
			"success",
		},
	)

	mirrorFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "git_backup_mirror_failures",
		Help:      "Count of failed mirror jobs by failure class",
	},
		[]string{
			"repo",
			"kind",
			"class",
		},
	)

	mirrorLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "git_backup_mirror_latency_seconds",
		Help:      "Latency of mirror jobs",
		Buckets:   []float64{0.5, 1, 5, 10, 20, 30, 60, 90, 120, 150, 300},
	},
		[]string{
			"repo",
			"kind",
		},
	)

	registerer.MustRegister(
		lastMirrorTimestamp,
		mirrorCount,
		mirrorFailures,
		mirrorLatency,
	)
}

// recordMirror records a mirror job by updating all the relevant metrics
func recordMirror(res Result) {
	// if metrics not enabled return
	if lastMirrorTimestamp == nil || mirrorCount == nil {
		return
	}

	repo := res.Target.Name
	kind := res.Destination.Kind()
	op := "fetch"
	if res.Cloned {
		op = "clone"
	}

	if res.Success() {
		lastMirrorTimestamp.With(prometheus.Labels{
			"repo": repo,
			"kind": kind,
		}).Set(float64(res.Started.Add(res.Duration).Unix()))
	} else {
		mirrorFailures.WithLabelValues(repo, kind, res.Class.String()).Inc()
	}

	mirrorCount.With(prometheus.Labels{
		"repo":      repo,
		"kind":      kind,
		"operation": op,
		"success":   strconv.FormatBool(res.Success()),
	}).Inc()

	mirrorLatency.WithLabelValues(repo, kind).Observe(res.Duration.Seconds())
}

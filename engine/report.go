package engine

import (
	"fmt"
	"time"

	"github.com/utilitywarehouse/git-backup/target"
)

// Failure describes one failed job
type Failure struct {
	Target      string
	Name        string
	Destination string
	// Kind is primary or backup
	Kind string
	// Class is the failure class, see vcs.Class
	Class   string
	Message string
}

// RunReport is the aggregated outcome of a run. It is read only once
// returned by Aggregator.Finalize.
type RunReport struct {
	ID       string
	Started  time.Time
	Finished time.Time

	// Total is the number of jobs of the run
	Total     int
	Completed int
	Errors    int

	// Updated lists targets with at least one updated destination sorted by id
	Updated []target.Target
	// ErrorMessages has one "<name>: <message>" entry per failed job in
	// the order results were recorded
	ErrorMessages []string
	Failures      []Failure

	// PeakConcurrency is the highest number of targets processed at the
	// same time
	PeakConcurrency int
}

// Summary returns "COMPLETED (<ok>/<err>)"
func (r *RunReport) Summary() string {
	return fmt.Sprintf("COMPLETED (%d/%d)", r.Completed, r.Errors)
}

// Duration returns wall time of the run
func (r *RunReport) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Success reports whether all jobs of the run succeeded
func (r *RunReport) Success() bool {
	return r.Errors == 0
}

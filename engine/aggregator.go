package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/utilitywarehouse/git-backup/internal/lock"
	"github.com/utilitywarehouse/git-backup/mirror"
	"github.com/utilitywarehouse/git-backup/target"
)

var (
	// ErrDuplicateResult is returned when a result of the same
	// (target, destination) pair is recorded twice
	ErrDuplicateResult = errors.New("result already recorded")
	// ErrUnexpectedResult is returned when more results than jobs are recorded
	ErrUnexpectedResult = errors.New("all results already recorded")
	// ErrFinalized is returned when recording into a finalized or closed aggregator
	ErrFinalized = errors.New("aggregator finalized")
	// ErrIncomplete is returned by Finalize before all results are recorded
	ErrIncomplete = errors.New("run is not complete")
)

type resultKey struct {
	target      string
	destination string
}

type recordReq struct {
	res   mirror.Result
	reply chan error
}

type statusReq struct {
	reply chan [2]int
}

type finalizeReq struct {
	reply chan *RunReport
}

// Aggregator collects job results of a run. All state is owned by a single
// goroutine and every method is safe for concurrent use.
type Aggregator struct {
	records   chan recordReq
	status    chan statusReq
	finalizes chan finalizeReq
	complete  chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu    lock.Mutex
	final *RunReport
}

// NewAggregator starts aggregator expecting total results. Close must be
// called once aggregator is no longer needed.
func NewAggregator(id string, total int) *Aggregator {
	a := &Aggregator{
		records:   make(chan recordReq),
		status:    make(chan statusReq),
		finalizes: make(chan finalizeReq),
		complete:  make(chan struct{}),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go a.loop(&RunReport{ID: id, Started: time.Now(), Total: total})
	return a
}

func (a *Aggregator) loop(report *RunReport) {
	defer close(a.stopped)

	seen := make(map[resultKey]bool, report.Total)
	updated := make(map[string]target.Target)
	finalized := false

	isComplete := func() bool {
		return report.Completed+report.Errors == report.Total
	}
	if isComplete() {
		close(a.complete)
	}

	for {
		select {
		case req := <-a.records:
			key := resultKey{req.res.Target.ID, req.res.Destination.Path}
			switch {
			case finalized:
				req.reply <- ErrFinalized
				continue
			case seen[key]:
				req.reply <- fmt.Errorf("%w: %s -> %s", ErrDuplicateResult, key.target, key.destination)
				continue
			case isComplete():
				req.reply <- fmt.Errorf("%w: %s -> %s", ErrUnexpectedResult, key.target, key.destination)
				continue
			}
			seen[key] = true

			res := req.res
			if res.Success() {
				report.Completed++
				if res.Updated {
					updated[res.Target.ID] = res.Target
				}
			} else {
				report.Errors++
				report.ErrorMessages = append(report.ErrorMessages, fmt.Sprintf("%s: %s", res.Target.Name, res.Message()))
				report.Failures = append(report.Failures, Failure{
					Target:      res.Target.ID,
					Name:        res.Target.Name,
					Destination: res.Destination.Path,
					Kind:        res.Destination.Kind(),
					Class:       res.Class.String(),
					Message:     res.Message(),
				})
			}
			if isComplete() {
				close(a.complete)
			}
			req.reply <- nil

		case req := <-a.status:
			req.reply <- [2]int{report.Completed + report.Errors, report.Total}

		case req := <-a.finalizes:
			if !finalized {
				finalized = true
				report.Finished = time.Now()
				report.Updated = make([]target.Target, 0, len(updated))
				for _, t := range updated {
					report.Updated = append(report.Updated, t)
				}
				sort.Slice(report.Updated, func(i, j int) bool {
					return report.Updated[i].ID < report.Updated[j].ID
				})
			}
			req.reply <- report

		case <-a.stop:
			return
		}
	}
}

// Record adds result of a job. Every (target, destination) pair must be
// recorded exactly once.
func (a *Aggregator) Record(res mirror.Result) error {
	req := recordReq{res: res, reply: make(chan error, 1)}
	select {
	case a.records <- req:
		return <-req.reply
	case <-a.stopped:
		return ErrFinalized
	}
}

// Progress returns number of recorded results and expected total
func (a *Aggregator) Progress() (done, total int) {
	req := statusReq{reply: make(chan [2]int, 1)}
	select {
	case a.status <- req:
		s := <-req.reply
		return s[0], s[1]
	case <-a.stopped:
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.final != nil {
			return a.final.Completed + a.final.Errors, a.final.Total
		}
		return 0, 0
	}
}

// IsComplete reports whether results of all jobs are recorded
func (a *Aggregator) IsComplete() bool {
	select {
	case <-a.complete:
		return true
	default:
		return false
	}
}

// Done returns channel closed once all results are recorded
func (a *Aggregator) Done() <-chan struct{} {
	return a.complete
}

// Finalize returns the final report. It returns ErrIncomplete until all
// results are recorded, after that it always returns the same report.
func (a *Aggregator) Finalize() (*RunReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.final != nil {
		return a.final, nil
	}
	if !a.IsComplete() {
		return nil, ErrIncomplete
	}

	req := finalizeReq{reply: make(chan *RunReport, 1)}
	select {
	case a.finalizes <- req:
		a.final = <-req.reply
		return a.final, nil
	case <-a.stopped:
		return nil, ErrFinalized
	}
}

// Close stops the aggregator goroutine. Finalized report stays available.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() { close(a.stop) })
	<-a.stopped
}

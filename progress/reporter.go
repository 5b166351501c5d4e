package progress

import (
	"time"
)

// Reporter publishes events of a single job. It is owned by the job and is
// not safe for concurrent use.
type Reporter struct {
	sink     Sink
	key      Key
	combined bool

	started  bool
	finished bool
	stage    Stage
	last     float64
	// high is the highest fraction published on a combined bar
	high float64
}

// NewReporter returns reporter for the job identified by key. If combined
// is true Progress fractions span both transfer phases on a single bar.
// A nil sink discards events.
func NewReporter(sink Sink, key Key, combined bool) *Reporter {
	if sink == nil {
		sink = NopSink{}
	}
	return &Reporter{sink: sink, key: key, combined: combined, last: -1}
}

func (r *Reporter) publish(e Event) {
	if r.finished {
		return
	}
	if !r.started && e.Kind != Started {
		r.Start()
	}
	e.Key = r.key
	e.Time = time.Now()
	r.sink.Publish(e)
}

// Start publishes Started, calling it more than once is a no-op
func (r *Reporter) Start() {
	if r.started {
		return
	}
	r.started = true
	r.publish(Event{Kind: Started})
}

// Stage publishes StageChanged if stage differs from the current one
func (r *Reporter) Stage(s Stage) {
	if r.stage == s {
		return
	}
	r.stage = s
	r.last = -1
	r.publish(Event{Kind: StageChanged, Stage: s})
}

// Progress publishes given fraction, repeated values are skipped
func (r *Reporter) Progress(f float64) {
	if f == r.last {
		return
	}
	r.last = f
	r.publish(Event{Kind: Progress, Fraction: f})
}

// Transfer updates stage and publishes fraction derived from the transfer
// counters. base is the stage used while objects are outstanding.
func (r *Reporter) Transfer(base Stage, t Transfer) {
	r.Stage(t.Stage(base))
	if r.combined {
		// git reports objects done before deltas are counted, the combined
		// bar must not move backwards when they are
		if f := t.Combined(); f > r.high {
			r.high = f
			r.Progress(f)
		}
		return
	}
	r.Progress(t.Fraction())
}

// Message publishes human readable remote text
func (r *Reporter) Message(text string) {
	r.publish(Event{Kind: Message, Text: text})
}

// Finish publishes Finished once, later events are ignored
func (r *Reporter) Finish() {
	if r.finished {
		return
	}
	r.publish(Event{Kind: Finished})
	r.finished = true
}

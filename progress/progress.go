// Package progress defines the event protocol used to report mirror job
// progress to a presentation layer.
//
// Every job publishes to a Sink through a Reporter which guarantees that
// Started is the first event and Finished is published exactly once.
// Delivery is best effort, a Sink must never block the publishing job.
package progress

import (
	"math"
	"sync/atomic"
	"time"
)

// Stage is a phase of a transfer
type Stage int

const (
	StageCloning Stage = iota + 1
	StageFetching
	StageResolvingDeltas
)

func (s Stage) String() string {
	switch s {
	case StageCloning:
		return "cloning"
	case StageFetching:
		return "fetching"
	case StageResolvingDeltas:
		return "resolving deltas"
	default:
		return "unknown"
	}
}

// Kind is the type tag of an Event
type Kind int

const (
	Started Kind = iota + 1
	StageChanged
	Progress
	Message
	Finished
)

func (k Kind) String() string {
	switch k {
	case Started:
		return "started"
	case StageChanged:
		return "stage-changed"
	case Progress:
		return "progress"
	case Message:
		return "message"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Key identifies the job which published an event
type Key struct {
	Target      string
	Destination string
}

// Event is a single progress notification. Stage is set for StageChanged,
// Fraction for Progress and Text for Message (remote sideband) events.
type Event struct {
	Key      Key
	Kind     Kind
	Stage    Stage
	Fraction float64
	Text     string
	Time     time.Time
}

// Sink receives events published by jobs. Implementations must be safe for
// concurrent use and must not block.
type Sink interface {
	Publish(Event)
}

// NopSink discards all events, used in headless or silent mode
type NopSink struct{}

func (NopSink) Publish(Event) {}

// FuncSink calls the function for every event
type FuncSink func(Event)

func (f FuncSink) Publish(e Event) { f(e) }

// ChannelSink is a buffered Sink which drops events when the buffer is
// full instead of blocking the publisher.
type ChannelSink struct {
	ch      chan Event
	dropped atomic.Uint64
	closed  atomic.Bool
}

// NewChannelSink returns sink with given buffer size
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Events returns channel consumers should range over
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Publish queues event or drops it if the buffer is full or sink is closed
func (s *ChannelSink) Publish(e Event) {
	if s.closed.Load() {
		s.dropped.Add(1)
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns number of events which could not be delivered
func (s *ChannelSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close closes events channel. It must only be called once all publishers
// are done.
func (s *ChannelSink) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Fraction returns done/total clamped to [0,1]. A zero total is treated
// as completion so NaN is never returned.
func Fraction(done, total int) float64 {
	if total <= 0 {
		return 1.0
	}
	f := float64(done) / float64(total)
	if math.IsNaN(f) || f > 1 {
		return 1.0
	}
	if f < 0 {
		return 0
	}
	return f
}

// Transfer is a snapshot of transfer counters reported by a backend
type Transfer struct {
	ReceivedObjects int
	TotalObjects    int
	IndexedDeltas   int
	TotalDeltas     int
}

// ObjectsDone reports whether all objects were received
func (t Transfer) ObjectsDone() bool {
	return t.ReceivedObjects >= t.TotalObjects
}

// Stage returns base while objects are outstanding and
// StageResolvingDeltas once all objects are received
func (t Transfer) Stage(base Stage) Stage {
	if t.ObjectsDone() && t.TotalDeltas > 0 {
		return StageResolvingDeltas
	}
	return base
}

// Fraction returns objects fraction while objects are outstanding and
// deltas fraction afterwards
func (t Transfer) Fraction() float64 {
	if !t.ObjectsDone() {
		return Fraction(t.ReceivedObjects, t.TotalObjects)
	}
	return Fraction(t.IndexedDeltas, t.TotalDeltas)
}

// Combined maps both phases on a single bar, objects to [0,0.5) and
// deltas to [0.5,1]
func (t Transfer) Combined() float64 {
	if !t.ObjectsDone() {
		return Fraction(t.ReceivedObjects, t.TotalObjects) / 2
	}
	return Fraction(t.IndexedDeltas, t.TotalDeltas)/2 + 0.5
}

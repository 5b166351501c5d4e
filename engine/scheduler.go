package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Scheduler runs task chains concurrently, admitting at most limit chains
// at a time. Waiters are admitted in the order they block on the
// semaphore, which follows goroutine scheduling rather than submission
// order. No waiter starves.
type Scheduler struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	wg       sync.WaitGroup
	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewScheduler returns scheduler admitting at most limit chains at a time,
// limit 0 means unbounded. If startInterval is set chains are started at
// least startInterval apart.
func NewScheduler(limit int, startInterval time.Duration) *Scheduler {
	s := &Scheduler{}
	if limit > 0 {
		s.sem = semaphore.NewWeighted(int64(limit))
	}
	if startInterval > 0 {
		s.limiter = rate.NewLimiter(rate.Every(startInterval), 1)
	}
	return s
}

// Go runs chain in a new goroutine once admitted. If ctx is done before
// admission chain is still called so it can report its jobs as failed,
// chain must check ctx before doing any work.
func (s *Scheduler) Go(ctx context.Context, chain func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if s.sem != nil {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				chain(ctx)
				return
			}
			defer s.sem.Release(1)
		}

		if s.limiter != nil {
			// error is only returned when ctx is done which chain will notice
			_ = s.limiter.Wait(ctx)
		}

		s.enter()
		defer s.exit()

		chain(ctx)
	}()
}

// Wait blocks until all chains have returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// InFlight returns number of admitted chains still running
func (s *Scheduler) InFlight() int {
	return int(s.inFlight.Load())
}

// Peak returns highest number of chains running at the same time
func (s *Scheduler) Peak() int {
	return int(s.peak.Load())
}

func (s *Scheduler) enter() {
	n := s.inFlight.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	addJobsInFlight(1)
}

func (s *Scheduler) exit() {
	s.inFlight.Add(-1)
	addJobsInFlight(-1)
}

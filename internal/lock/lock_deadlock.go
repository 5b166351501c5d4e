//go:build deadlock_test

package lock

import (
	"time"

	"github.com/sasha-s/go-deadlock"
)

func init() {
	// network transfers can hold a lock for a long time
	deadlock.Opts.DeadlockTimeout = 5 * time.Minute
}

type Mutex = deadlock.Mutex

type RWMutex = deadlock.RWMutex

package timers

import "time"

// Handle is a cancellable scheduled callback.
type Handle interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Handle
}

// RealScheduler schedules on the runtime timer heap.
type RealScheduler struct{}

func (RealScheduler) AfterFunc(d time.Duration, f func()) Handle {
	return time.AfterFunc(d, f)
}

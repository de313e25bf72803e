// internal/session/scheduler.go
package session

import "time"

// CancelFunc stops a scheduled callback. Calling it after the callback
// has fired is a no-op.
type CancelFunc func()

// Scheduler abstracts timer scheduling so renewal can be driven
// deterministically in tests instead of waiting on the wall clock.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) CancelFunc
}

type wallClockScheduler struct{}

func (wallClockScheduler) AfterFunc(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// NewScheduler returns a wall-clock backed scheduler.
func NewScheduler() Scheduler {
	return wallClockScheduler{}
}

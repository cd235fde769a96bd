package zigbee

import (
	"time"

	"ubee/zigbee/sched"
)

// loopScheduler runs timer callbacks on the owner goroutine.
type loopScheduler struct {
	s *Stack
}

// loopTimer state is only touched on the owner goroutine.
type loopTimer struct {
	t       *time.Timer
	stopped bool
	fired   bool
}

func (l *loopScheduler) Now() time.Time { return time.Now() }

func (l *loopScheduler) AfterFunc(d time.Duration, f func()) sched.Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.s.post(func() {
			if lt.stopped {
				return
			}
			lt.fired = true
			f()
		})
	})
	return lt
}

func (lt *loopTimer) Stop() bool {
	if lt.stopped || lt.fired {
		return false
	}
	lt.stopped = true
	lt.t.Stop()
	return true
}

package registry

import "time"

// advisoryLock is a channel-based mutex that supports a bounded wait,
// since sync.Mutex cannot time out. A single buffered slot holds the
// token; acquiring drains it, releasing refills it.
type advisoryLock struct {
	token chan struct{}
}

func newAdvisoryLock() *advisoryLock {
	l := &advisoryLock{token: make(chan struct{}, 1)}
	l.token <- struct{}{}
	return l
}

// TryLock blocks up to timeout waiting for the lock, returning false if
// it was not acquired in time.
func (l *advisoryLock) TryLock(timeout time.Duration) bool {
	select {
	case <-l.token:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (l *advisoryLock) Unlock() {
	l.token <- struct{}{}
}

//go:build !linux

package futex

import (
	"sync/atomic"
	"time"
)

// pollInterval bounds how long Wait sleeps between checks
const pollInterval = 100 * time.Microsecond

// Wait polls until *addr != val or timeout elapses
func Wait(addr *uint32, val uint32, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for atomic.LoadUint32(addr) == val {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(pollInterval)
	}
	return nil
}

// Wake is a no-op; waiters poll
func Wake(addr *uint32, n int) (int, error) {
	return 0, nil
}

//go:build linux

package futex

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex operations, so waiters in other processes
// mapping the same page are found.
const (
	futexWait = 0
	futexWake = 1
)

// Wait blocks while *addr == val, until woken or until timeout elapses.
// A timeout <= 0 waits without limit. Spurious wakeups are possible; callers
// must re-check their condition.
func Wait(addr *uint32, val uint32, timeout time.Duration) error {
	// Re-check before entering the kernel to avoid sleeping on a stale value
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWait,
		uintptr(val),
		uintptr(unsafe.Pointer(ts)),
		0,
		0,
	)

	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return ErrTimeout
	default:
		return fmt.Errorf("futex wait failed: %w", errno)
	}
}

// Wake wakes up to n waiters blocked on addr and returns how many were woken
func Wake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWake,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}
	return int(r1), nil
}

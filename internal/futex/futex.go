// Package futex blocks on and wakes 32-bit words that live in shared memory.
//
// Unlike the private futex operations, the waits here work across processes
// that map the same segment, so a publisher in one process can wake a
// subscriber blocked in another.
package futex

import "errors"

// ErrTimeout is returned by Wait when the timeout elapses first
var ErrTimeout = errors.New("futex: timeout")

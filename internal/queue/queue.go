// Package queue implements the bounded notification queue each subscriber
// owns in shared memory.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"gosuda.org/ipcpp/internal/futex"
)

//go:generate go tool stringer -type=FullPolicy,OrderPolicy -linecomment

// FullPolicy decides what Push does when the queue is at capacity
type FullPolicy uint32

const (
	Block         FullPolicy = iota // BLOCK
	DiscardOldest                   // DISCARD_OLDEST
	ReturnError                     // ERROR
)

// OrderPolicy decides which notification Pop returns
type OrderPolicy uint32

const (
	FIFO       OrderPolicy = iota // FIFO
	LIFO                          // LIFO
	LatestOnly                    // LATEST_ONLY
)

var (
	ErrFull            = errors.New("queue: full")
	ErrInvalidCapacity = errors.New("queue: capacity must be at least 1")
	ErrUnknownPolicy   = errors.New("queue: unknown policy")
)

// Notification tells a subscriber where a message lives
type Notification struct {
	Timestamp int64  // unix nanoseconds
	Offset    uint64 // slot offset in the data segment
	Size      uint64 // payload bytes
	Sequence  uint64
}

const notificationSize = uint64(unsafe.Sizeof(Notification{}))

// HeaderSize is the size of the queue header preceding its elements
const HeaderSize = 64

type header struct {
	lock     uint32 // 0x00: spin lock
	capacity uint32 // 0x04
	head     uint32 // 0x08: index of the oldest element
	count    uint32 // 0x0C
	full     uint32 // 0x10: FullPolicy
	order    uint32 // 0x14: OrderPolicy
	spaceSeq uint32 // 0x18: futex word, bumped on Pop
	dataSeq  uint32 // 0x1C: futex word, bumped on Signal
	pushed   uint64 // 0x20
	popped   uint64 // 0x28
	dropped  uint64 // 0x30: evicted by DISCARD_OLDEST or LATEST_ONLY
	_        uint64 // 0x38
}

// Size returns the bytes a queue of the given capacity occupies
func Size(capacity uint32) uint64 {
	return HeaderSize + uint64(capacity)*notificationSize
}

// Queue is a process-local view of a queue in shared memory
type Queue struct {
	h    *header
	data unsafe.Pointer
}

// Init constructs an empty queue at p
func Init(p unsafe.Pointer, capacity uint32, full FullPolicy, order OrderPolicy) (*Queue, error) {
	if capacity == 0 {
		return nil, ErrInvalidCapacity
	}
	if full > ReturnError || order > LatestOnly {
		return nil, fmt.Errorf("%w: full=%d order=%d", ErrUnknownPolicy, full, order)
	}
	h := (*header)(p)
	h.capacity = capacity
	h.full = uint32(full)
	h.order = uint32(order)
	h.head, h.count = 0, 0
	atomic.StoreUint32(&h.lock, 0)
	return Attach(p)
}

// Attach returns a view of the queue at p. The header is checked since
// another process wrote it.
func Attach(p unsafe.Pointer) (*Queue, error) {
	h := (*header)(p)
	if h.capacity == 0 {
		return nil, ErrInvalidCapacity
	}
	if FullPolicy(h.full) > ReturnError || OrderPolicy(h.order) > LatestOnly {
		return nil, fmt.Errorf("%w: full=%d order=%d", ErrUnknownPolicy, h.full, h.order)
	}
	return &Queue{h: h, data: unsafe.Add(p, HeaderSize)}, nil
}

// at returns element i positions past the start of the ring storage
func (q *Queue) at(i uint64) *Notification {
	return (*Notification)(unsafe.Add(q.data, (i%uint64(q.h.capacity))*notificationSize))
}

func (q *Queue) lock() {
	for !atomic.CompareAndSwapUint32(&q.h.lock, 0, 1) {
		runtime.Gosched()
	}
}

func (q *Queue) unlock() {
	atomic.StoreUint32(&q.h.lock, 0)
}

// Push appends n.
//
// Under LATEST_ONLY the queue keeps only n and the notification it replaces
// is returned as evicted. When the queue is full, DISCARD_OLDEST evicts the
// oldest notification; BLOCK and ERROR leave the queue untouched and return
// ErrFull (BLOCK callers wait with WaitSpace and retry).
func (q *Queue) Push(n Notification) (evicted Notification, didEvict bool, err error) {
	q.lock()
	defer q.unlock()

	h := q.h
	if OrderPolicy(h.order) == LatestOnly && h.count > 0 {
		// Only the newest notification is kept, so count is at most 1 here
		evicted, didEvict = *q.at(uint64(h.head)), true
		h.head, h.count = 0, 0
		h.dropped++
	}

	if h.count == h.capacity {
		switch FullPolicy(h.full) {
		case DiscardOldest:
			evicted, didEvict = *q.at(uint64(h.head)), true
			h.head = (h.head + 1) % h.capacity
			h.count--
			h.dropped++
		default:
			return Notification{}, false, ErrFull
		}
	}

	*q.at(uint64(h.head) + uint64(h.count)) = n
	h.count++
	h.pushed++
	return evicted, didEvict, nil
}

// Pop removes one notification according to the order policy
func (q *Queue) Pop() (n Notification, ok bool) {
	q.lock()
	h := q.h
	if h.count == 0 {
		q.unlock()
		return Notification{}, false
	}
	if OrderPolicy(h.order) == LIFO {
		n = *q.at(uint64(h.head) + uint64(h.count) - 1)
	} else {
		n = *q.at(uint64(h.head))
		h.head = (h.head + 1) % h.capacity
	}
	h.count--
	h.popped++
	q.unlock()

	q.wakeSpace()
	return n, true
}

// Drain removes and returns every queued notification, oldest first
func (q *Queue) Drain() []Notification {
	q.lock()
	h := q.h
	out := make([]Notification, 0, h.count)
	for i := uint32(0); i < h.count; i++ {
		out = append(out, *q.at(uint64(h.head)+uint64(i)))
	}
	h.head, h.count = 0, 0
	q.unlock()

	if len(out) > 0 {
		q.wakeSpace()
	}
	return out
}

func (q *Queue) wakeSpace() {
	atomic.AddUint32(&q.h.spaceSeq, 1)
	futex.Wake(&q.h.spaceSeq, 1<<30)
}

// Signal tells waiters in WaitData that new data arrived
func (q *Queue) Signal() {
	atomic.AddUint32(&q.h.dataSeq, 1)
	futex.Wake(&q.h.dataSeq, 1<<30)
}

// DataSeq returns the data futex word; read it before checking for
// emptiness and pass it to WaitData
func (q *Queue) DataSeq() uint32 {
	return atomic.LoadUint32(&q.h.dataSeq)
}

// SpaceSeq returns the space futex word; read it before a Push and pass it
// to WaitSpace if the Push failed with ErrFull
func (q *Queue) SpaceSeq() uint32 {
	return atomic.LoadUint32(&q.h.spaceSeq)
}

// WaitData sleeps until Signal is called after observed was read, or the
// timeout elapses. Spurious returns are possible.
func (q *Queue) WaitData(observed uint32, timeout time.Duration) error {
	err := futex.Wait(&q.h.dataSeq, observed, timeout)
	if errors.Is(err, futex.ErrTimeout) {
		return nil
	}
	return err
}

// WaitSpace sleeps until a Pop happens after observed was read, poll
// elapses or ctx is done
func (q *Queue) WaitSpace(ctx context.Context, observed uint32, poll time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := futex.Wait(&q.h.spaceSeq, observed, poll)
	if errors.Is(err, futex.ErrTimeout) {
		return ctx.Err()
	}
	return err
}

// Len returns the number of queued notifications
func (q *Queue) Len() uint32 {
	q.lock()
	n := q.h.count
	q.unlock()
	return n
}

func (q *Queue) Cap() uint32              { return q.h.capacity }
func (q *Queue) FullPolicy() FullPolicy   { return FullPolicy(q.h.full) }
func (q *Queue) OrderPolicy() OrderPolicy { return OrderPolicy(q.h.order) }

// Stats is a snapshot of the queue counters
type Stats struct {
	Len     uint32
	Pushed  uint64
	Popped  uint64
	Dropped uint64
}

func (q *Queue) Stats() Stats {
	q.lock()
	s := Stats{Len: q.h.count, Pushed: q.h.pushed, Popped: q.h.popped, Dropped: q.h.dropped}
	q.unlock()
	return s
}

// MarshalText implements encoding.TextMarshaler
func (p FullPolicy) MarshalText() ([]byte, error) {
	if p > ReturnError {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPolicy, p)
	}
	return []byte(p.String()), nil
}

// UnmarshalText accepts the policy names case-insensitively
func (p *FullPolicy) UnmarshalText(b []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(b)))
	for v := Block; v <= ReturnError; v++ {
		if v.String() == s {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("%w: queue full policy %q", ErrUnknownPolicy, b)
}

// MarshalText implements encoding.TextMarshaler
func (o OrderPolicy) MarshalText() ([]byte, error) {
	if o > LatestOnly {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPolicy, o)
	}
	return []byte(o.String()), nil
}

// UnmarshalText accepts the policy names case-insensitively
func (o *OrderPolicy) UnmarshalText(b []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(b)))
	for v := FIFO; v <= LatestOnly; v++ {
		if v.String() == s {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("%w: queue order %q", ErrUnknownPolicy, b)
}

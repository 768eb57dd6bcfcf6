// Package registry keeps the table of subscriber entries in the control
// segment. Each entry owns one notification queue.
package registry

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"gosuda.org/ipcpp/internal/alloc"
	"gosuda.org/ipcpp/internal/queue"
)

//go:generate go tool stringer -type=State

// State is the lifecycle state of a subscriber entry
type State uint32

const (
	Free       State = iota // Unused
	Claimed                 // Taken by a subscriber that is still setting up
	Subscribed              // Receiving notifications
	Paused                  // Registered but skipped by publishers
	Cancelled               // Being torn down
)

var (
	ErrFull              = errors.New("registry: no free subscriber entry")
	ErrInvalidTransition = errors.New("registry: invalid state transition")
	ErrInvalidShape      = errors.New("registry: invalid registry shape")
	ErrNotInitialized    = errors.New("registry: not initialized")
)

const registryMagic uint64 = 0x59524947_45525049 // "IPREGIRY"

const entrySize = 64

type header struct {
	magic   uint64   // 0x00
	entries uint32   // 0x08
	qcap    uint32   // 0x0C
	nextID  uint64   // 0x10
	_       [40]byte // 0x18-0x3F
}

type entry struct {
	state   uint32   // 0x00: State
	pid     uint32   // 0x04: owning process
	id      uint64   // 0x08: subscription id, unique per topic
	queue   uint64   // 0x10: queue offset in the segment
	writers uint32   // 0x18: publishers currently delivering to this entry
	_       uint32   // 0x1C
	_       [32]byte // 0x20-0x3F
}

// Size returns the bytes a registry of n entries with queues of qcap
// notifications occupies
func Size(n, qcap uint32) uint64 {
	return alloc.CacheLine + uint64(n)*entrySize + uint64(n)*alloc.Align(queue.Size(qcap), alloc.CacheLine)
}

// Registry is a process-local view of the subscriber table
type Registry struct {
	h       *header
	entries []*Entry
}

// Init constructs a registry at offset at of the segment starting at base
func Init(base unsafe.Pointer, at uint64, n, qcap uint32, full queue.FullPolicy, order queue.OrderPolicy) (*Registry, error) {
	if n == 0 || at%alloc.CacheLine != 0 {
		return nil, fmt.Errorf("%w: %d entries at %d", ErrInvalidShape, n, at)
	}

	h := (*header)(unsafe.Add(base, at))
	h.entries = n
	h.qcap = qcap
	atomic.StoreUint64(&h.nextID, 0)

	qoff := at + alloc.CacheLine + uint64(n)*entrySize
	qstride := alloc.Align(queue.Size(qcap), alloc.CacheLine)
	for i := uint32(0); i < n; i++ {
		e := (*entry)(unsafe.Add(base, at+alloc.CacheLine+uint64(i)*entrySize))
		e.queue = qoff + uint64(i)*qstride
		atomic.StoreUint32(&e.writers, 0)
		atomic.StoreUint32(&e.state, uint32(Free))
		if _, err := queue.Init(unsafe.Add(base, e.queue), qcap, full, order); err != nil {
			return nil, err
		}
	}

	atomic.StoreUint64(&h.magic, registryMagic)
	return Attach(base, at, at+Size(n, qcap))
}

// Attach returns a view of the registry constructed at offset at of a
// segment of size bytes. Every entry's queue must lie inside the segment.
func Attach(base unsafe.Pointer, at, size uint64) (*Registry, error) {
	if at > size || size-at < alloc.CacheLine {
		return nil, fmt.Errorf("%w: registry at %d outside %d bytes", ErrInvalidShape, at, size)
	}
	h := (*header)(unsafe.Add(base, at))
	if atomic.LoadUint64(&h.magic) != registryMagic {
		return nil, ErrNotInitialized
	}
	n, qcap := h.entries, h.qcap
	if n == 0 || qcap == 0 {
		return nil, fmt.Errorf("%w: %d entries of %d notifications", ErrInvalidShape, n, qcap)
	}
	table := at + alloc.CacheLine + uint64(n)*entrySize
	qsize := queue.Size(qcap)
	if table > size || qsize > size-table {
		return nil, fmt.Errorf("%w: %d entries do not fit %d bytes", ErrInvalidShape, n, size)
	}

	r := &Registry{h: h, entries: make([]*Entry, n)}
	for i := range r.entries {
		e := (*entry)(unsafe.Add(base, at+alloc.CacheLine+uint64(i)*entrySize))
		if e.queue < table || e.queue > size-qsize || e.queue%8 != 0 {
			return nil, fmt.Errorf("%w: entry %d queue at %d", ErrInvalidShape, i, e.queue)
		}
		q, err := queue.Attach(unsafe.Add(base, e.queue))
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrInvalidShape, i, err)
		}
		if q.Cap() != qcap {
			return nil, fmt.Errorf("%w: entry %d queue holds %d, want %d", ErrInvalidShape, i, q.Cap(), qcap)
		}
		r.entries[i] = &Entry{idx: uint32(i), e: e, q: q}
	}
	return r, nil
}

// Len returns the number of entries
func (r *Registry) Len() int { return len(r.entries) }

// Entry returns entry i
func (r *Registry) Entry(i uint32) *Entry { return r.entries[i] }

// Entries returns every entry in index order
func (r *Registry) Entries() []*Entry { return r.entries }

// QueueCapacity returns the capacity every queue was built with
func (r *Registry) QueueCapacity() uint32 { return r.h.qcap }

// Active returns how many entries are subscribed or paused
func (r *Registry) Active() int {
	n := 0
	for _, e := range r.entries {
		switch e.State() {
		case Subscribed, Paused:
			n++
		}
	}
	return n
}

// Claim takes a free entry for process pid. The caller must release the
// references held by the returned leftover notifications, which a crashed
// previous owner may have left behind, and then call Activate.
func (r *Registry) Claim(pid uint32) (*Entry, []queue.Notification, error) {
	for _, e := range r.entries {
		if !atomic.CompareAndSwapUint32(&e.e.state, uint32(Free), uint32(Claimed)) {
			continue
		}
		atomic.StoreUint32(&e.e.pid, pid)
		atomic.StoreUint64(&e.e.id, atomic.AddUint64(&r.h.nextID, 1))
		return e, e.q.Drain(), nil
	}
	return nil, nil, fmt.Errorf("%w: all %d entries in use", ErrFull, len(r.entries))
}

// Entry is a process-local view of one subscriber entry
type Entry struct {
	idx uint32
	e   *entry
	q   *queue.Queue
}

func (e *Entry) Index() uint32       { return e.idx }
func (e *Entry) ID() uint64          { return atomic.LoadUint64(&e.e.id) }
func (e *Entry) PID() uint32         { return atomic.LoadUint32(&e.e.pid) }
func (e *Entry) State() State        { return State(atomic.LoadUint32(&e.e.state)) }
func (e *Entry) Queue() *queue.Queue { return e.q }
func (e *Entry) Writers() uint32     { return atomic.LoadUint32(&e.e.writers) }

func (e *Entry) transition(from, to State) error {
	if atomic.CompareAndSwapUint32(&e.e.state, uint32(from), uint32(to)) {
		return nil
	}
	return fmt.Errorf("%w: entry %d is %s, not %s", ErrInvalidTransition, e.idx, e.State(), from)
}

// Activate finishes a Claim
func (e *Entry) Activate() error { return e.transition(Claimed, Subscribed) }

// Pause stops deliveries to the entry until Resume
func (e *Entry) Pause() error { return e.transition(Subscribed, Paused) }

// Resume restarts deliveries
func (e *Entry) Resume() error { return e.transition(Paused, Subscribed) }

// BeginDelivery registers a publisher delivering to the entry. It reports
// false, and registers nothing, when the entry is not subscribed.
// A true result must be paired with EndDelivery.
func (e *Entry) BeginDelivery() bool {
	atomic.AddUint32(&e.e.writers, 1)
	if e.State() != Subscribed {
		atomic.AddUint32(&e.e.writers, ^uint32(0))
		return false
	}
	return true
}

// EndDelivery unregisters a publisher
func (e *Entry) EndDelivery() {
	atomic.AddUint32(&e.e.writers, ^uint32(0))
}

// Cancel tears the entry down and frees it for reuse. It waits for
// in-flight deliveries to finish and returns the notifications still
// queued; the caller must release the references they hold.
func (e *Entry) Cancel() ([]queue.Notification, error) {
	for {
		s := e.State()
		if s != Subscribed && s != Paused && s != Claimed {
			return nil, fmt.Errorf("%w: entry %d is %s", ErrInvalidTransition, e.idx, s)
		}
		if atomic.CompareAndSwapUint32(&e.e.state, uint32(s), uint32(Cancelled)) {
			break
		}
	}

	return e.free(), nil
}

// free finishes a transition to Cancelled
func (e *Entry) free() []queue.Notification {
	// BeginDelivery observes Cancelled from here on; wait out the rest
	for atomic.LoadUint32(&e.e.writers) != 0 {
		runtime.Gosched()
	}

	left := e.q.Drain()
	atomic.StoreUint32(&e.e.pid, 0)
	atomic.StoreUint32(&e.e.state, uint32(Free))
	return left
}

// Reap cancels the entries whose owning process no longer exists and
// returns the notifications they still held. The caller must release the
// references those hold.
func (r *Registry) Reap() (n int, left []queue.Notification) {
	for _, e := range r.entries {
		id, pid := e.ID(), e.PID()
		if pid == 0 || alive(pid) {
			continue
		}
		if l, ok := e.reap(id, pid); ok {
			n++
			left = append(left, l...)
		}
	}
	return n, left
}

func (e *Entry) reap(id uint64, pid uint32) ([]queue.Notification, bool) {
	s := e.State()
	if s != Subscribed && s != Paused && s != Claimed {
		return nil, false
	}
	if !atomic.CompareAndSwapUint32(&e.e.state, uint32(s), uint32(Cancelled)) {
		return nil, false
	}
	// Claim stores pid before id, so a recycled entry differs in one of them
	if e.ID() != id || e.PID() != pid {
		atomic.CompareAndSwapUint32(&e.e.state, uint32(Cancelled), uint32(s))
		return nil, false
	}
	return e.free(), true
}

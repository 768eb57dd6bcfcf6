package mpmc

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

// ErrAttachTimeout is returned by MPMCAttach when the ring never becomes initialized
var ErrAttachTimeout = errors.New("mpmc: timed out waiting for ring initialization")

// MPMCRing is a bounded lock-free Multi-Producer Multi-Consumer ring living
// in memory shared between processes.
//
// Each element carries a sequence number; producers and consumers claim
// positions with a CAS on the write/read cursor and publish the element by
// storing its sequence, so the ring never hands out a half-written value.
// T must not contain pointers.
type MPMCRing[T any] struct {
	_mask uint64         // size - 1 (size is a power of 2)
	_size uint64         // Number of elements
	_esz  uintptr        // Element stride
	_head *_mring        // Ring header in shared memory
	_data unsafe.Pointer // First element in shared memory
}

// MPMCInit initializes a new ring at h. It reports false when a ring was
// already initialized there.
//
// The memory layout is:
//
//	[Header (256 bytes)][Elements]
func MPMCInit[T any](h unsafe.Pointer, size uint64) bool {
	size = _RoundUpPowerOf2(size)
	_r := (*_mring)(h)

	magic := atomic.LoadUint64(&_r._magic)
	if magic == _mpmc_magic {
		return false
	}
	if !atomic.CompareAndSwapUint64(&_r._magic, magic, _mpmc_magic) {
		return false
	}

	atomic.StoreUint64(&_r._size, size)

	_data := unsafe.Add(h, unsafe.Sizeof(_mring{}))
	_esz := unsafe.Sizeof(_melem[T]{})
	for i := uint64(0); i < size; i++ {
		_e := (*_melem[T])(unsafe.Add(_data, _esz*uintptr(i)))
		_e._data = *new(T)
		atomic.StoreUint64(&_e._seq, i)
	}

	atomic.StoreUint64(&_r.r, 0)
	atomic.StoreUint64(&_r.w, 0)

	// Publish last; attachers spin on this flag
	atomic.StoreUint64(&_r._flag, uint64(_mpmc_init))
	return true
}

// MPMCAttach returns a handle to the ring at h, waiting up to timeout for
// its initialization to complete (0 = wait forever)
func MPMCAttach[T any](h unsafe.Pointer, timeout time.Duration) (*MPMCRing[T], error) {
	_tt := time.Now()
	_r := (*_mring)(h)

	for {
		magic := atomic.LoadUint64(&_r._magic)
		flag := atomic.LoadUint64(&_r._flag)

		if magic == _mpmc_magic && flag&uint64(_mpmc_init) != 0 {
			size := atomic.LoadUint64(&_r._size)
			return &MPMCRing[T]{
				_size: size,
				_mask: size - 1,
				_esz:  unsafe.Sizeof(_melem[T]{}),
				_head: _r,
				_data: unsafe.Add(h, unsafe.Sizeof(_mring{})),
			}, nil
		}

		if timeout > 0 && time.Since(_tt) >= timeout {
			return nil, ErrAttachTimeout
		}
		runtime.Gosched()
	}
}

func (m *MPMCRing[T]) at(p uint64) *_melem[T] {
	return (*_melem[T])(unsafe.Add(m._data, m._esz*uintptr(p&m._mask)))
}

// TryEnqueue adds elem to the ring. It reports false, without blocking, when
// the ring is full.
func (m *MPMCRing[T]) TryEnqueue(elem T) bool {
	p := atomic.LoadUint64(&m._head.w)
	for {
		c := m.at(p)
		seq := atomic.LoadUint64(&c._seq)
		diff := int64(seq) - int64(p)

		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&m._head.w, p, p+1) {
				c._data = elem
				// Publishes c._data to consumers
				atomic.StoreUint64(&c._seq, p+1)
				return true
			}
			p = atomic.LoadUint64(&m._head.w)
		case diff < 0:
			// The slot still holds an element from the previous lap
			return false
		default:
			// Another producer moved past p
			p = atomic.LoadUint64(&m._head.w)
		}
	}
}

// TryDequeue removes the oldest element. It reports false, without
// blocking, when the ring is empty.
func (m *MPMCRing[T]) TryDequeue() (elem T, ok bool) {
	p := atomic.LoadUint64(&m._head.r)
	for {
		c := m.at(p)
		seq := atomic.LoadUint64(&c._seq)
		diff := int64(seq) - int64(p+1)

		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&m._head.r, p, p+1) {
				elem = c._data
				// Hand the slot back to producers for the next lap
				atomic.StoreUint64(&c._seq, p+m._mask+1)
				return elem, true
			}
			p = atomic.LoadUint64(&m._head.r)
		case diff < 0:
			return elem, false
		default:
			p = atomic.LoadUint64(&m._head.r)
		}
	}
}

// Len returns the number of queued elements. It is a snapshot and may be
// stale by the time the caller reads it.
func (m *MPMCRing[T]) Len() uint64 {
	r := atomic.LoadUint64(&m._head.r)
	w := atomic.LoadUint64(&m._head.w)
	if w < r {
		return 0
	}
	return w - r
}

// Cap returns the number of elements the ring can hold
func (m *MPMCRing[T]) Cap() uint64 {
	return m._size
}

// Magic number to identify initialized MPMC rings
const _mpmc_magic uint64 = 0xc9d8c1d43f096701

// _mpmcflag represents initialization flags for the ring buffer
type _mpmcflag uint64

const (
	_mpmc_reserved = _mpmcflag(1) << iota // Reserved flag for future use
	_mpmc_init                            // Ring is initialized flag
)

// Padding unit in 64-bit words; keeps r and w on separate cache lines
const _CACHE_LINE = 16

// _mring is the 256-byte ring header stored at the start of the region
type _mring struct {
	_magic uint64 // Magic number for initialization detection
	_size  uint64 // Size of the ring buffer (power of 2)
	_flag  uint64 // Initialization flags
	/* ======== Cache line boundary ======== */
	r   uint64                  // Read position (consumer index)
	_p0 [_CACHE_LINE - 4]uint64 // Padding to prevent false sharing
	w   uint64                  // Write position (producer index)
	_p1 [_CACHE_LINE - 1]uint64 // Padding to prevent false sharing
}

// _melem is a single element with its sequence number
type _melem[T any] struct {
	_data T
	_seq  uint64
}

// _RoundUpPowerOf2 rounds up a number to the next power of 2
//
// Algorithm from: https://graphics.stanford.edu/~seander/bithacks.html#RoundUpPowerOf2
func _RoundUpPowerOf2(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}

// SizeMPMCRing returns the bytes a ring of n elements occupies, header included
func SizeMPMCRing[T any](n uint64) uintptr {
	return unsafe.Sizeof(_mring{}) + unsafe.Sizeof(_melem[T]{})*uintptr(_RoundUpPowerOf2(n))
}

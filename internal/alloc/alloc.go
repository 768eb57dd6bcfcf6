// Package alloc places structures inside shared segments and hands out
// fixed-size payload slots to publishers.
//
// All positions are byte offsets from the start of a segment, never
// pointers, because every process maps the segment at a different address.
package alloc

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"gosuda.org/ipcpp/internal/mpmc"
)

// CacheLine is the alignment every placed structure receives
const CacheLine = 64

var (
	ErrOutOfMemory      = errors.New("alloc: out of memory")
	ErrInvalidOffset    = errors.New("alloc: offset does not name a slot")
	ErrDoubleFree       = errors.New("alloc: slot freed more than once")
	ErrNotInitialized   = errors.New("alloc: pool is not initialized")
	ErrInvalidPoolShape = errors.New("alloc: invalid pool shape")
)

// Align rounds v up to a multiple of a (a power of 2)
func Align(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// Bump places structures one after another while a segment layout is computed
type Bump struct {
	off   uint64
	limit uint64
}

// NewBump starts placing at base; limit 0 means unbounded
func NewBump(base, limit uint64) *Bump {
	return &Bump{off: base, limit: limit}
}

// Place reserves size bytes aligned to align and returns their offset
func (b *Bump) Place(size, align uint64) (uint64, error) {
	if align == 0 {
		align = 1
	}
	off := Align(b.off, align)
	end := off + size
	if end < off || (b.limit > 0 && end > b.limit) {
		return 0, fmt.Errorf("%w: %d bytes at offset %d exceed limit %d", ErrOutOfMemory, size, off, b.limit)
	}
	b.off = end
	return off, nil
}

// Offset returns the end of everything placed so far
func (b *Bump) Offset() uint64 {
	return b.off
}

const poolMagic uint64 = 0x4c4f4f50_50504349 // "ICPPPOOL"

const attachTimeout = time.Second

// poolHeader is the in-segment header of a slot pool
type poolHeader struct {
	magic  uint64 // 0x00
	slots  uint64 // 0x08: number of slots
	stride uint64 // 0x10: bytes per slot
	first  uint64 // 0x18: offset of slot 0
	cursor uint64 // 0x20: slots below cursor have been handed out at least once
	ring   uint64 // 0x28: offset of the free ring
	inUse  uint64 // 0x30: currently allocated slots
	_      uint64 // 0x38
}

const poolHeaderSize = uint64(unsafe.Sizeof(poolHeader{}))

// PoolSize returns how many bytes a pool of the given shape occupies,
// starting from a cache-line aligned offset
func PoolSize(slots, stride uint64) uint64 {
	ring := uint64(mpmc.SizeMPMCRing[uint32](slots))
	return Align(poolHeaderSize+ring, CacheLine) + slots*stride
}

// Pool is a fixed-slot allocator inside a shared segment.
//
// Fresh slots are taken from a bump cursor; freed slots go to a lock-free
// ring of slot indices and are handed out again from there.
type Pool struct {
	base unsafe.Pointer
	h    *poolHeader
	free *mpmc.MPMCRing[uint32]
}

// InitPool constructs a pool at offset at inside the segment starting at base.
// Only the process that won initialization may call it.
func InitPool(base unsafe.Pointer, at, slots, stride uint64) (*Pool, error) {
	if slots == 0 || stride == 0 || slots > math.MaxUint32 || at%CacheLine != 0 {
		return nil, fmt.Errorf("%w: %d slots of %d bytes at %d", ErrInvalidPoolShape, slots, stride, at)
	}

	h := (*poolHeader)(unsafe.Add(base, at))
	ringOff := at + poolHeaderSize
	ring := uint64(mpmc.SizeMPMCRing[uint32](slots))

	h.slots = slots
	h.stride = stride
	h.first = Align(ringOff+ring, CacheLine)
	h.ring = ringOff
	atomic.StoreUint64(&h.cursor, 0)
	atomic.StoreUint64(&h.inUse, 0)

	if !mpmc.MPMCInit[uint32](unsafe.Add(base, ringOff), slots) {
		return nil, fmt.Errorf("%w: free ring already present at %d", ErrInvalidPoolShape, ringOff)
	}
	atomic.StoreUint64(&h.magic, poolMagic)

	return AttachPool(base, at)
}

// AttachPool returns a view of the pool already constructed at offset at
func AttachPool(base unsafe.Pointer, at uint64) (*Pool, error) {
	h := (*poolHeader)(unsafe.Add(base, at))
	if atomic.LoadUint64(&h.magic) != poolMagic {
		return nil, ErrNotInitialized
	}
	free, err := mpmc.MPMCAttach[uint32](unsafe.Add(base, h.ring), attachTimeout)
	if err != nil {
		return nil, fmt.Errorf("alloc: attach free ring: %w", err)
	}
	return &Pool{base: base, h: h, free: free}, nil
}

// Allocate hands out one slot and returns its offset
func (p *Pool) Allocate() (uint64, error) {
	for {
		c := atomic.LoadUint64(&p.h.cursor)
		if c >= p.h.slots {
			break
		}
		if atomic.CompareAndSwapUint64(&p.h.cursor, c, c+1) {
			atomic.AddUint64(&p.h.inUse, 1)
			return p.SlotOffset(c), nil
		}
	}

	if idx, ok := p.free.TryDequeue(); ok {
		atomic.AddUint64(&p.h.inUse, 1)
		return p.SlotOffset(uint64(idx)), nil
	}
	return 0, ErrOutOfMemory
}

// Deallocate returns the slot at off to the pool
func (p *Pool) Deallocate(off uint64) error {
	idx, err := p.Index(off)
	if err != nil {
		return err
	}
	if idx >= atomic.LoadUint64(&p.h.cursor) {
		return fmt.Errorf("%w: slot %d was never allocated", ErrInvalidOffset, idx)
	}
	if !p.free.TryEnqueue(uint32(idx)) {
		return fmt.Errorf("%w: slot %d", ErrDoubleFree, idx)
	}
	atomic.AddUint64(&p.h.inUse, ^uint64(0))
	return nil
}

// Index converts a slot offset back to its slot number
func (p *Pool) Index(off uint64) (uint64, error) {
	if off < p.h.first || (off-p.h.first)%p.h.stride != 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidOffset, off)
	}
	idx := (off - p.h.first) / p.h.stride
	if idx >= p.h.slots {
		return 0, fmt.Errorf("%w: %d", ErrInvalidOffset, off)
	}
	return idx, nil
}

// SlotOffset returns the offset of slot i
func (p *Pool) SlotOffset(i uint64) uint64 {
	return p.h.first + i*p.h.stride
}

// At returns a pointer to the slot at off
func (p *Pool) At(off uint64) unsafe.Pointer {
	return unsafe.Add(p.base, off)
}

func (p *Pool) Slots() uint64  { return p.h.slots }
func (p *Pool) Stride() uint64 { return p.h.stride }
func (p *Pool) InUse() uint64  { return atomic.LoadUint64(&p.h.inUse) }

// Touched returns how many distinct slots have ever been handed out
func (p *Pool) Touched() uint64 {
	c := atomic.LoadUint64(&p.h.cursor)
	if c > p.h.slots {
		return p.h.slots
	}
	return c
}

// Package container implements the header that precedes every payload slot.
//
// The header carries the slot's reference count, the sequence number of the
// message it holds, and a reader/writer lock. Everything lives in shared
// memory and is only ever touched atomically.
package container

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// HeaderSize is the number of bytes that precede the payload in a slot
const HeaderSize = 64

var (
	ErrStaleGeneration  = errors.New("container: slot was recycled for another message")
	ErrInUse            = errors.New("container: slot is still referenced")
	ErrAlreadyReclaimed = errors.New("container: slot was already reclaimed")
	ErrCountOverflow    = errors.New("container: reference count overflow")
)

// The state word packs the low 32 bits of the message sequence (the tag),
// a reclaimed flag and the reference count, so every transition is one CAS
// and a reference taken against an older message can never touch a newer one.
//
//	[63:32 tag][31 reclaimed][30:0 count]
const (
	countMask    uint64 = 1<<31 - 1
	reclaimedBit uint64 = 1 << 31
)

const writerBit uint32 = 1 << 31

func pack(tag uint32, reclaimed bool, count uint64) uint64 {
	s := uint64(tag)<<32 | count&countMask
	if reclaimed {
		s |= reclaimedBit
	}
	return s
}

func tagOf(s uint64) uint32    { return uint32(s >> 32) }
func countOf(s uint64) uint64  { return s & countMask }
func reclaimed(s uint64) bool  { return s&reclaimedBit != 0 }
func tagFor(seq uint64) uint32 { return uint32(seq) }

// Container is the in-segment header of a payload slot
type Container struct {
	state    uint64   // 0x00: tag | reclaimed | count
	sequence uint64   // 0x08: sequence of the message in the slot
	lock     uint32   // 0x10: writerBit | reader count
	size     uint32   // 0x14: payload bytes written
	stamp    int64    // 0x18: publish time, unix nanoseconds
	_        [32]byte // 0x20-0x3F
}

// At returns the container whose header starts at p
func At(p unsafe.Pointer) *Container {
	return (*Container)(p)
}

// Payload returns a pointer to the bytes following the header
func (c *Container) Payload() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(c), HeaderSize)
}

// Reset prepares the slot for a new message. The caller must hold the write
// lock. seed is the initial reference count.
func (c *Container) Reset(seq, seed uint64, stamp int64, size uint32) error {
	if seed > countMask {
		return fmt.Errorf("%w: seed %d", ErrCountOverflow, seed)
	}
	atomic.StoreUint64(&c.sequence, seq)
	atomic.StoreInt64(&c.stamp, stamp)
	atomic.StoreUint32(&c.size, size)
	atomic.StoreUint64(&c.state, pack(tagFor(seq), false, seed))
	return nil
}

func (c *Container) Sequence() uint64 { return atomic.LoadUint64(&c.sequence) }
func (c *Container) Stamp() int64     { return atomic.LoadInt64(&c.stamp) }
func (c *Container) Size() uint32     { return atomic.LoadUint32(&c.size) }

// Count returns the current reference count
func (c *Container) Count() uint64 {
	return countOf(atomic.LoadUint64(&c.state))
}

// Reclaimed reports whether the slot holds no live message
func (c *Container) Reclaimed() bool {
	return reclaimed(atomic.LoadUint64(&c.state))
}

// Live reports whether the slot currently holds message seq
func (c *Container) Live(seq uint64) bool {
	s := atomic.LoadUint64(&c.state)
	return tagOf(s) == tagFor(seq) && !reclaimed(s) && c.Sequence() == seq
}

// Retain adds one reference to message seq
func (c *Container) Retain(seq uint64) error {
	for {
		s := atomic.LoadUint64(&c.state)
		if tagOf(s) != tagFor(seq) || reclaimed(s) {
			return ErrStaleGeneration
		}
		if countOf(s) == countMask {
			return ErrCountOverflow
		}
		if atomic.CompareAndSwapUint64(&c.state, s, s+1) {
			return nil
		}
	}
}

// Release drops one reference to message seq and reports whether the count
// reached zero. Releasing a reference the slot does not hold is a no-op; the
// count never goes negative.
func (c *Container) Release(seq uint64) bool {
	return c.ReleaseN(seq, 1)
}

// ReleaseN drops n references at once
func (c *Container) ReleaseN(seq, n uint64) bool {
	if n == 0 {
		return false
	}
	for {
		s := atomic.LoadUint64(&c.state)
		if tagOf(s) != tagFor(seq) || reclaimed(s) {
			return false
		}
		cnt := countOf(s)
		if cnt == 0 {
			return false
		}
		if n > cnt {
			n = cnt
		}
		if atomic.CompareAndSwapUint64(&c.state, s, s-n) {
			return cnt == n
		}
	}
}

// AcquireRead takes a reference and a read lock on message seq. On success
// the caller owns one reference and must call RUnlock and Release.
func (c *Container) AcquireRead(seq uint64) error {
	if err := c.Retain(seq); err != nil {
		return err
	}
	c.RLock()
	// The slot may have been invalidated between Retain and RLock
	if !c.Live(seq) {
		c.RUnlock()
		c.Release(seq)
		return ErrStaleGeneration
	}
	return nil
}

// TryReclaim marks message seq reclaimed once nobody references it
func (c *Container) TryReclaim(seq uint64) error {
	for {
		s := atomic.LoadUint64(&c.state)
		switch {
		case tagOf(s) != tagFor(seq):
			return ErrStaleGeneration
		case reclaimed(s):
			return ErrAlreadyReclaimed
		case countOf(s) > 0:
			return fmt.Errorf("%w: %d references", ErrInUse, countOf(s))
		}
		if atomic.CompareAndSwapUint64(&c.state, s, s|reclaimedBit) {
			return nil
		}
	}
}

// Invalidate force-reclaims the slot regardless of its reference count and
// returns the sequence it held. The caller must hold the write lock, which
// guarantees no guard is reading it.
func (c *Container) Invalidate() uint64 {
	seq := c.Sequence()
	atomic.StoreUint64(&c.state, pack(tagFor(seq), true, 0))
	return seq
}

// RLock takes a shared lock, waiting while a writer holds or wants the lock
func (c *Container) RLock() {
	for {
		l := atomic.LoadUint32(&c.lock)
		if l&writerBit == 0 && atomic.CompareAndSwapUint32(&c.lock, l, l+1) {
			return
		}
		runtime.Gosched()
	}
}

func (c *Container) RUnlock() {
	atomic.AddUint32(&c.lock, ^uint32(0))
}

// LockWrite takes the exclusive lock. The writer bit is claimed first so
// new readers back off while the existing ones drain.
func (c *Container) LockWrite(ctx context.Context) error {
	for {
		l := atomic.LoadUint32(&c.lock)
		if l&writerBit == 0 && atomic.CompareAndSwapUint32(&c.lock, l, l|writerBit) {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		runtime.Gosched()
	}
	for atomic.LoadUint32(&c.lock) != writerBit {
		if err := ctx.Err(); err != nil {
			atomic.AndUint32(&c.lock, ^writerBit)
			return err
		}
		runtime.Gosched()
	}
	return nil
}

// TryLockWrite takes the exclusive lock only if nobody holds the lock
func (c *Container) TryLockWrite() bool {
	return atomic.CompareAndSwapUint32(&c.lock, 0, writerBit)
}

func (c *Container) UnlockWrite() {
	atomic.AndUint32(&c.lock, ^writerBit)
}

// Readers returns how many read locks are held
func (c *Container) Readers() uint32 {
	return atomic.LoadUint32(&c.lock) &^ writerBit
}

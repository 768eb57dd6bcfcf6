// Package gate coordinates which of several attaching processes constructs
// the structures inside a freshly mapped segment.
//
// The gate is a small header stored inside the segment itself. The race for
// the initializer role is resolved by a single compare-and-swap on the state
// word; no lock outside the segment is involved, so a crashed peer can never
// hold the others hostage beyond the liveness threshold.
package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"gosuda.org/ipcpp/internal/arch"
)

//go:generate go tool stringer -type=State

// State is the initialization state stored in the segment
type State uint32

const (
	Uninitialized State = iota // Fresh, zero-filled segment
	Initializing               // One process won the race and is constructing
	Initialized                // Construction finished, safe to attach
	Corrupted                  // Initializer stopped making progress
)

// Size is the number of bytes the gate occupies in a segment
const Size = 64

// header is the in-segment layout of the gate
type header struct {
	state      uint32   // 0x00: State
	owner      uint32   // 0x04: pid of the initializer
	generation uint64   // 0x08: bumped on every won race
	progress   uint64   // 0x10: advanced by the initializer while constructing
	_          [40]byte // 0x18-0x3F: reserved
}

var (
	ErrTimeout                      = errors.New("gate: timed out waiting for initialization")
	ErrInvalidInitializationState   = errors.New("gate: segment is not initialized")
	ErrCorruptedInitializationState = errors.New("gate: initializer stopped making progress")
	ErrBufferTooSmall               = errors.New("gate: requested capacity exceeds the addressable range")
	ErrTooManyElements              = errors.New("gate: element count exceeds the index range")
)

// Config tunes how attachers wait for the initializer
type Config struct {
	// Liveness is how long INITIALIZING may persist without the progress
	// marker advancing before the segment is declared corrupted
	Liveness time.Duration
	// PollInterval is how often waiters re-read the state word
	PollInterval time.Duration
}

// DefaultConfig is used for zero fields of a Config
var DefaultConfig = Config{
	Liveness:     2 * time.Second,
	PollInterval: time.Millisecond,
}

// Gate is a process-local view of the gate header inside a segment
type Gate struct {
	h   *header
	cfg Config
}

// At returns a view of the gate stored at p
func At(p unsafe.Pointer, cfg Config) *Gate {
	if cfg.Liveness <= 0 {
		cfg.Liveness = DefaultConfig.Liveness
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	return &Gate{h: (*header)(p), cfg: cfg}
}

// TryBegin attempts the UNINITIALIZED -> INITIALIZING transition.
// Exactly one caller observes true; that caller alone must construct the
// segment contents and then call MarkInitialized.
func (g *Gate) TryBegin() bool {
	if !atomic.CompareAndSwapUint32(&g.h.state, uint32(Uninitialized), uint32(Initializing)) {
		return false
	}
	atomic.StoreUint32(&g.h.owner, uint32(os.Getpid()))
	atomic.AddUint64(&g.h.generation, 1)
	atomic.AddUint64(&g.h.progress, 1)
	return true
}

// Advance moves the progress marker; the initializer calls it between
// construction steps so waiters can tell it is alive
func (g *Gate) Advance() {
	atomic.AddUint64(&g.h.progress, 1)
}

// MarkInitialized completes the INITIALIZING -> INITIALIZED transition
func (g *Gate) MarkInitialized() error {
	if atomic.CompareAndSwapUint32(&g.h.state, uint32(Initializing), uint32(Initialized)) {
		return nil
	}
	if g.State() == Corrupted {
		return ErrCorruptedInitializationState
	}
	return fmt.Errorf("%w: state %s", ErrInvalidInitializationState, g.State())
}

// MarkCorrupted flags the segment as unusable
func (g *Gate) MarkCorrupted() {
	atomic.StoreUint32(&g.h.state, uint32(Corrupted))
}

// State returns the current state
func (g *Gate) State() State {
	return State(atomic.LoadUint32(&g.h.state))
}

// Owner returns the pid of the process that won the race
func (g *Gate) Owner() uint32 {
	return atomic.LoadUint32(&g.h.owner)
}

// Generation returns how many times the race has been won
func (g *Gate) Generation() uint64 {
	return atomic.LoadUint64(&g.h.generation)
}

// Progress returns the progress marker
func (g *Gate) Progress() uint64 {
	return atomic.LoadUint64(&g.h.progress)
}

// CheckInitialized fails unless the segment is ready to be read
func (g *Gate) CheckInitialized() error {
	switch s := g.State(); s {
	case Initialized:
		return nil
	case Corrupted:
		return ErrCorruptedInitializationState
	default:
		return fmt.Errorf("%w: state %s", ErrInvalidInitializationState, s)
	}
}

// WaitUntilInitialized polls the state word until the segment is
// INITIALIZED, the timeout (if > 0) elapses, or ctx is done.
//
// A segment stuck in INITIALIZING whose progress marker does not move for
// the liveness threshold is flipped to CORRUPTED.
func (g *Gate) WaitUntilInitialized(ctx context.Context, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	lastProgress := g.Progress()
	lastChange := time.Now()

	for {
		switch g.State() {
		case Initialized:
			return nil
		case Corrupted:
			return ErrCorruptedInitializationState
		case Initializing:
			if p := g.Progress(); p != lastProgress {
				lastProgress, lastChange = p, time.Now()
			} else if time.Since(lastChange) > g.cfg.Liveness {
				// Only one observer flips the word; everyone reads CORRUPTED next round
				atomic.CompareAndSwapUint32(&g.h.state, uint32(Initializing), uint32(Corrupted))
				continue
			}
		default:
			// Nobody began yet; the liveness clock starts once someone does
			lastChange = time.Now()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer:
			return fmt.Errorf("%w after %s (state %s)", ErrTimeout, timeout, g.State())
		case <-ticker.C:
		}
	}
}

// CheckCapacity validates a requested element count and byte size against
// what the platform's index type can address
func CheckCapacity(c arch.Capability, elements, bytes uint64) error {
	if elements > c.MaxElements() {
		return fmt.Errorf("%w: %d > %d", ErrTooManyElements, elements, c.MaxElements())
	}
	if bytes > c.MaxAddressable() {
		return fmt.Errorf("%w: %d > %d bytes", ErrBufferTooSmall, bytes, c.MaxAddressable())
	}
	return nil
}

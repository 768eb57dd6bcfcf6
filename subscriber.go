package ipcpp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"gosuda.org/ipcpp/internal/container"
	"gosuda.org/ipcpp/internal/protocol"
	"gosuda.org/ipcpp/internal/queue"
	"gosuda.org/ipcpp/internal/registry"
)

//go:generate go tool stringer -type=SubscriptionState -linecomment

// SubscriptionState is the lifecycle state of a Subscriber
type SubscriptionState uint8

const (
	Subscribed SubscriptionState = iota // SUBSCRIBED
	Paused                              // PAUSED
	Cancelled                           // CANCELLED
)

// Subscriber receives the values published to a topic after it subscribed.
// Its methods are safe for concurrent use.
type Subscriber[T any] struct {
	t     *Topic[T]
	e     *registry.Entry
	entry uint32
	id    uint64
	sem   *semaphore.Weighted
	lis   listener
	log   logrus.FieldLogger

	cancelled atomic.Bool
	once      sync.Once
	cancelErr error
}

// Subscribe claims a registry entry. It fails with ErrTooManyObservers when
// MaxNumObservers subscribers are live.
func (t *Topic[T]) Subscribe() (*Subscriber[T], error) {
	if !t.enter() {
		return nil, ErrClosed
	}
	defer t.exit()

	e, leftovers, err := t.reg.Claim(t.pid)
	if errors.Is(err, registry.ErrFull) {
		if n, left := t.reg.Reap(); n > 0 {
			for _, r := range left {
				t.dropRef(r)
			}
			t.log.WithField("entries", n).Warn("reclaimed entries of exited processes")
			e, leftovers, err = t.reg.Claim(t.pid)
		}
	}
	if err != nil {
		if errors.Is(err, registry.ErrFull) {
			return nil, fmt.Errorf("%w: %w", ErrTooManyObservers, err)
		}
		return nil, err
	}
	// A crashed previous owner may have left references behind
	for _, n := range leftovers {
		t.dropRef(n)
	}

	lis, err := t.notifier.subscribe(e)
	if err != nil {
		t.release(e)
		return nil, err
	}
	if err := e.Activate(); err != nil {
		lis.close()
		t.release(e)
		return nil, err
	}

	s := &Subscriber[T]{
		t:     t,
		e:     e,
		entry: e.Index(),
		id:    e.ID(),
		sem:   semaphore.NewWeighted(t.opts.MaxAcquired),
		lis:   lis,
		log:   t.log.WithFields(logrus.Fields{"entry": e.Index(), "subscription": e.ID()}),
	}
	t.track(s)
	t.notifier.request(s.request(protocol.OpSubscribe))
	s.log.Info("subscribed")
	return s, nil
}

// release cancels an entry that never became a subscriber
func (t *Topic[T]) release(e *registry.Entry) {
	left, err := e.Cancel()
	if err != nil {
		t.log.Warnf("releasing entry %d: %v", e.Index(), err)
	}
	for _, n := range left {
		t.dropRef(n)
	}
}

func (s *Subscriber[T]) request(op protocol.OpCode) protocol.ObserverRequest {
	return protocol.ObserverRequest{Op: op, Entry: s.entry, PID: s.t.pid, ID: s.id}
}

// ID returns the subscription id, unique within the topic
func (s *Subscriber[T]) ID() uint64 { return s.id }

// State returns the lifecycle state
func (s *Subscriber[T]) State() SubscriptionState {
	if s.cancelled.Load() {
		return Cancelled
	}
	if s.e.State() == registry.Paused {
		return Paused
	}
	return Subscribed
}

// Pause stops deliveries until Resume. Notifications already queued stay
// acquirable.
func (s *Subscriber[T]) Pause() error {
	return s.transition(protocol.OpPauseSubscription, "paused", (*registry.Entry).Pause)
}

// Resume restarts deliveries. Messages published while paused are not
// delivered.
func (s *Subscriber[T]) Resume() error {
	return s.transition(protocol.OpResumeSubscription, "resumed", (*registry.Entry).Resume)
}

func (s *Subscriber[T]) transition(op protocol.OpCode, msg string, fn func(*registry.Entry) error) error {
	if s.cancelled.Load() {
		return ErrSubscriptionCancelled
	}
	if !s.t.enter() {
		return ErrClosed
	}
	defer s.t.exit()

	if err := fn(s.e); err != nil {
		return err
	}
	s.t.notifier.request(s.request(op))
	s.log.Info(msg)
	return nil
}

// Cancel ends the subscription and frees its entry. Blocked AcquireWait
// calls return ErrSubscriptionCancelled. Guards still held stay valid until
// released. Cancel is idempotent.
func (s *Subscriber[T]) Cancel() error {
	s.t.mu.RLock()
	defer s.t.mu.RUnlock()
	s.cancel()
	return s.cancelErr
}

// cancel runs the teardown once; the caller holds t.mu
func (s *Subscriber[T]) cancel() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		s.lis.interrupt()

		t := s.t
		if t.unmapped {
			return
		}
		left, err := s.e.Cancel()
		for _, n := range left {
			t.dropRef(n)
		}
		t.notifier.request(s.request(protocol.OpCancelSubscription))
		s.cancelErr = errors.Join(err, s.lis.close())
		t.untrack(s)
		s.log.WithField("pending", len(left)).Info("cancelled")
	})
}

// Acquire takes the next notification and returns a guard over its value.
//
// It fails with ErrNoMessageAvailable when the queue is empty, with
// ErrAcquireLimitExceeded when MaxAcquired guards are held, and with
// ErrStaleGeneration when the message was discarded after it was queued.
func (s *Subscriber[T]) Acquire() (*Guard[T], error) {
	if s.cancelled.Load() {
		return nil, ErrSubscriptionCancelled
	}
	if !s.t.enter() {
		return nil, ErrClosed
	}
	defer s.t.exit()

	if !s.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: %d guards held", ErrAcquireLimitExceeded, s.t.opts.MaxAcquired)
	}
	g, err := s.acquire()
	if err != nil {
		s.sem.Release(1)
		return nil, err
	}
	return g, nil
}

func (s *Subscriber[T]) acquire() (*Guard[T], error) {
	n, ok := s.e.Queue().Pop()
	if !ok {
		return nil, ErrNoMessageAvailable
	}
	c, err := s.t.containerAt(n.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: notification %d: %w", ErrStaleGeneration, n.Sequence, err)
	}
	if err := c.AcquireRead(n.Sequence); err != nil {
		if errors.Is(err, container.ErrCountOverflow) {
			s.t.dropRef(n)
		}
		return nil, fmt.Errorf("%w: sequence %d", err, n.Sequence)
	}
	// The guard's reference replaces the one the notification held
	c.Release(n.Sequence)

	if debug {
		s.log.WithField("sequence", n.Sequence).Debug("acquired")
	}
	return &Guard[T]{s: s, c: c, n: n}, nil
}

// AcquireWait is Acquire that waits for a notification until ctx is done or
// the subscription is cancelled
func (s *Subscriber[T]) AcquireWait(ctx context.Context) (*Guard[T], error) {
	for {
		g, err := s.Acquire()
		if !errors.Is(err, ErrNoMessageAvailable) {
			return g, err
		}
		if !s.t.enter() {
			return nil, ErrClosed
		}
		err = s.lis.wait(ctx)
		s.t.exit()
		switch {
		case s.cancelled.Load():
			return nil, ErrSubscriptionCancelled
		case errors.Is(err, errInterrupted):
			if s.t.closing.Load() {
				return nil, ErrClosed
			}
			return nil, ErrSubscriptionCancelled
		case err != nil:
			return nil, err
		}
	}
}

// Guard is a read reference to one published value. The value cannot be
// reclaimed or overwritten until Release.
type Guard[T any] struct {
	s        *Subscriber[T]
	c        *container.Container
	n        queue.Notification
	released atomic.Bool
}

// Value returns the value in shared memory. The pointer is valid until
// Release and must not be written through. It is nil after Release or
// after the topic was closed.
func (g *Guard[T]) Value() *T {
	p, err := g.payload()
	if err != nil {
		return nil
	}
	return (*T)(p)
}

// Load returns a copy of the value. It fails with ErrStaleGeneration after
// Release, when the slot may already hold a newer message, and with
// ErrClosed after the topic was closed.
func (g *Guard[T]) Load() (T, error) {
	t := g.s.t
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, err := g.check()
	if err != nil {
		var zero T
		return zero, err
	}
	return *(*T)(p), nil
}

// Bytes returns the raw payload. The slice is valid until Release; it is
// nil after Release or after the topic was closed.
func (g *Guard[T]) Bytes() []byte {
	p, err := g.payload()
	if err != nil {
		return nil
	}
	return unsafe.Slice((*byte)(p), g.n.Size)
}

func (g *Guard[T]) payload() (unsafe.Pointer, error) {
	t := g.s.t
	t.mu.RLock()
	defer t.mu.RUnlock()
	return g.check()
}

// check needs t.mu held
func (g *Guard[T]) check() (unsafe.Pointer, error) {
	if g.released.Load() {
		return nil, fmt.Errorf("%w: guard of sequence %d was released", ErrStaleGeneration, g.n.Sequence)
	}
	if g.s.t.unmapped {
		return nil, ErrClosed
	}
	return g.c.Payload(), nil
}

// Sequence returns the publish sequence of the value
func (g *Guard[T]) Sequence() uint64 { return g.n.Sequence }

// Timestamp returns when the value was published
func (g *Guard[T]) Timestamp() time.Time { return time.Unix(0, g.n.Timestamp) }

// Release returns the reference. Only the first call has an effect.
func (g *Guard[T]) Release() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	t := g.s.t
	t.mu.RLock()
	if !t.unmapped {
		g.c.RUnlock()
		if g.c.Release(g.n.Sequence) {
			t.reclaim(g.c, g.n.Offset, g.n.Sequence)
		}
	}
	t.mu.RUnlock()
	g.s.sem.Release(1)
}

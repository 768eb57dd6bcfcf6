package ipcpp

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"gosuda.org/ipcpp/internal/alloc"
	"gosuda.org/ipcpp/internal/container"
	"gosuda.org/ipcpp/internal/futex"
	"gosuda.org/ipcpp/internal/queue"
	"gosuda.org/ipcpp/internal/registry"
)

// errNotSubscribed aborts a blocked delivery whose subscriber paused or
// cancelled meanwhile; it is not a failure
var errNotSubscribed = errors.New("ipcpp: subscriber left while delivery was blocked")

// Publisher writes values into a topic. It holds no state of its own and
// is safe for concurrent use.
type Publisher[T any] struct {
	t *Topic[T]
}

// NewPublisher returns a publisher for t
func (t *Topic[T]) NewPublisher() (*Publisher[T], error) {
	if t.closing.Load() {
		return nil, ErrClosed
	}
	return &Publisher[T]{t: t}, nil
}

// Topic returns the topic p publishes to
func (p *Publisher[T]) Topic() *Topic[T] { return p.t }

// Publish copies v into a free slot and notifies every subscribed
// subscriber. It returns the sequence assigned to v.
//
// Under BLOCK_PRODUCER and the BLOCK queue policy Publish waits until ctx is
// done. A *PublishError reports subscribers that could not be reached; the
// others received the message.
func (p *Publisher[T]) Publish(ctx context.Context, v T) (uint64, error) {
	return p.PublishFunc(ctx, func(dst *T) { *dst = v })
}

// PublishFunc constructs the value in place in shared memory. fn must not
// retain dst.
func (p *Publisher[T]) PublishFunc(ctx context.Context, fn func(dst *T)) (uint64, error) {
	t := p.t
	if !t.enter() {
		return 0, ErrClosed
	}
	defer t.exit()

	off, err := t.allocate(ctx)
	if err != nil {
		return 0, err
	}
	c := container.At(t.pool.At(off))
	if err := c.LockWrite(ctx); err != nil {
		t.pool.Deallocate(off)
		return 0, err
	}

	// Reserve one reference per subscriber plus one held by this call so the
	// count cannot reach zero while delivery is in progress
	entries := t.reg.Entries()
	var live uint64
	for _, e := range entries {
		if e.State() == registry.Subscribed {
			live++
		}
	}

	seq := atomic.AddUint64(&t.hdr.sequence, 1)
	stamp := time.Now().UnixNano()
	if err := c.Reset(seq, live+1, stamp, uint32(t.layout.payload)); err != nil {
		c.UnlockWrite()
		t.pool.Deallocate(off)
		return 0, err
	}
	fn((*T)(c.Payload()))
	c.UnlockWrite()

	n := queue.Notification{Timestamp: stamp, Offset: off, Size: t.layout.payload, Sequence: seq}
	reserved := live
	var failures []DeliveryFailure
	delivered := make([]*registry.Entry, 0, len(entries))
	for _, e := range entries {
		if !e.BeginDelivery() {
			continue
		}
		if reserved > 0 {
			reserved--
		} else if err := c.Retain(seq); err != nil {
			e.EndDelivery()
			failures = append(failures, DeliveryFailure{Entry: e.Index(), ID: e.ID(), Err: err})
			continue
		}

		err := t.push(ctx, e, n)
		e.EndDelivery()
		if err != nil {
			c.Release(seq)
			if !errors.Is(err, errNotSubscribed) {
				failures = append(failures, DeliveryFailure{Entry: e.Index(), ID: e.ID(), Err: err})
			}
			continue
		}
		delivered = append(delivered, e)
	}

	// Settle unused reservations and this call's own hold
	if c.ReleaseN(seq, reserved+1) {
		t.reclaim(c, off, seq)
	}
	t.notifier.signal(delivered, seq)

	if debug {
		t.log.WithField("sequence", seq).Debugf("published to %d subscriber(s)", len(delivered))
	}
	if len(failures) > 0 {
		return seq, &PublishError{Sequence: seq, Failures: failures}
	}
	return seq, nil
}

// push queues n for e, applying the queue's full policy
func (t *Topic[T]) push(ctx context.Context, e *registry.Entry, n queue.Notification) error {
	q := e.Queue()
	for {
		observed := q.SpaceSeq()
		evicted, didEvict, err := q.Push(n)
		if err == nil {
			if didEvict {
				t.dropRef(evicted)
			}
			return nil
		}
		if !errors.Is(err, queue.ErrFull) || q.FullPolicy() != queue.Block {
			return err
		}
		if e.State() != registry.Subscribed {
			return errNotSubscribed
		}
		if t.closing.Load() {
			return ErrClosed
		}
		if err := q.WaitSpace(ctx, observed, t.opts.PollInterval); err != nil {
			return fmt.Errorf("%w: %w", queue.ErrFull, err)
		}
	}
}

// allocate takes a free slot, applying the out-of-memory policy
func (t *Topic[T]) allocate(ctx context.Context) (uint64, error) {
	for {
		observed := atomic.LoadUint32(&t.hdr.reclaimSeq)
		off, err := t.pool.Allocate()
		if err == nil {
			return off, nil
		}
		if !errors.Is(err, alloc.ErrOutOfMemory) {
			return 0, err
		}
		if t.opts.OutOfMemoryPolicy == OOMDiscardOldest {
			if off, ok := t.discardOldest(); ok {
				return off, nil
			}
			// Every slot is being read or written; wait like BLOCK_PRODUCER
		}
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: %w", alloc.ErrOutOfMemory, err)
		}
		if t.closing.Load() {
			return 0, ErrClosed
		}
		futex.Wait(&t.hdr.reclaimSeq, observed, t.opts.PollInterval)
	}
}

// discardOldest invalidates the oldest live message that nobody is reading
// and takes over its slot. Queued notifications of that message fail with
// ErrStaleGeneration when acquired.
func (t *Topic[T]) discardOldest() (uint64, bool) {
	type candidate struct{ off, seq uint64 }
	var cs []candidate
	for i := uint64(0); i < t.pool.Touched(); i++ {
		off := t.pool.SlotOffset(i)
		c := container.At(t.pool.At(off))
		// Sequence 0 is a slot handed out but not yet written
		seq := c.Sequence()
		if c.Reclaimed() || seq == 0 {
			continue
		}
		cs = append(cs, candidate{off, seq})
	}
	slices.SortFunc(cs, func(a, b candidate) int { return cmp.Compare(a.seq, b.seq) })

	for _, cand := range cs {
		c := container.At(t.pool.At(cand.off))
		if !c.TryLockWrite() {
			continue
		}
		if c.Reclaimed() || c.Sequence() != cand.seq {
			c.UnlockWrite()
			continue
		}
		c.Invalidate()
		c.UnlockWrite()
		atomic.AddUint64(&t.hdr.discarded, 1)
		t.log.WithField("sequence", cand.seq).Info("discarded oldest message")
		return cand.off, true
	}
	return 0, false
}

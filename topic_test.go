package ipcpp

import (
	"context"
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"gosuda.org/ipcpp/internal/gate"
	"gosuda.org/ipcpp/internal/shm"
)

type tick struct {
	Price  float64
	Volume uint32
	Side   [4]byte
	Seq    uint64
}

// sockDir returns a short temporary directory; t.TempDir paths can exceed
// the socket path limit on some systems
func sockDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipcpp")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func openTopic[T any](t *testing.T, opts Options) *Topic[T] {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.SocketDir == "" {
		opts.SocketDir = sockDir(t)
	}
	tp, err := Open[T]("test/topic", opts)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { tp.Close() })
	return tp
}

func publish[T any](t *testing.T, p *Publisher[T], v T) uint64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seq, err := p.Publish(ctx, v)
	if err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	return seq
}

func mustSubscribe[T any](t *testing.T, tp *Topic[T]) *Subscriber[T] {
	t.Helper()
	s, err := tp.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}
	return s
}

func slotsInUse[T any](t *testing.T, tp *Topic[T]) uint64 {
	t.Helper()
	st, err := tp.Stats()
	if err != nil {
		t.Fatal(err)
	}
	return st.SlotsInUse
}

// load returns the guarded value and fails the test when the guard is no
// longer readable
func load[T any](t *testing.T, g *Guard[T]) T {
	t.Helper()
	v, err := g.Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	return v
}

// TestTopicHeaderSize tests that the topic header keeps its fixed size
func TestTopicHeaderSize(t *testing.T) {
	if s := unsafe.Sizeof(topicHeader{}); s != topicHeaderSize {
		t.Fatalf("topic header size = %d, want %d", s, topicHeaderSize)
	}
}

// TestAcquireEmptyThenPublish tests the basic publish and acquire cycle
// It verifies the value, sequence, raw bytes and slot reclamation on release
func TestAcquireEmptyThenPublish(t *testing.T) {
	tp := openTopic[tick](t, Options{})
	pub, _ := tp.NewPublisher()
	sub := mustSubscribe(t, tp)

	if _, err := sub.Acquire(); !errors.Is(err, ErrNoMessageAvailable) {
		t.Fatalf("Acquire() on empty queue = %v, want ErrNoMessageAvailable", err)
	}

	want := tick{Price: 101.25, Volume: 7, Side: [4]byte{'B', 'U', 'Y'}, Seq: 1}
	seq := publish(t, pub, want)

	g, err := sub.Acquire()
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if g.Sequence() != seq {
		t.Errorf("Sequence() = %d, want %d", g.Sequence(), seq)
	}
	if got := load(t, g); got != want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&want)), unsafe.Sizeof(want))
	if string(g.Bytes()) != string(raw) {
		t.Errorf("Bytes() differ from the published value")
	}
	if g.Timestamp().IsZero() || time.Since(g.Timestamp()) > time.Minute {
		t.Errorf("Timestamp() = %v", g.Timestamp())
	}

	if n := slotsInUse(t, tp); n != 1 {
		t.Errorf("slots in use while guarded = %d, want 1", n)
	}
	g.Release()
	g.Release()
	if g.Value() != nil {
		t.Error("Value() after Release must be nil")
	}
	if n := slotsInUse(t, tp); n != 0 {
		t.Errorf("slots in use after release = %d, want 0", n)
	}
}

// TestPublishFunc tests constructing a value in place in shared memory
func TestPublishFunc(t *testing.T) {
	tp := openTopic[[64]uint64](t, Options{})
	pub, _ := tp.NewPublisher()
	sub := mustSubscribe(t, tp)

	if _, err := pub.PublishFunc(context.Background(), func(dst *[64]uint64) {
		for i := range dst {
			dst[i] = uint64(i * i)
		}
	}); err != nil {
		t.Fatal(err)
	}
	g, err := sub.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	defer g.Release()
	for i, v := range g.Value() {
		if v != uint64(i*i) {
			t.Fatalf("element %d = %d", i, v)
		}
	}
}

// TestAcquireLimit tests the bound on guards held by one subscriber
// It verifies that releasing a guard makes room for the next acquire
func TestAcquireLimit(t *testing.T) {
	tp := openTopic[uint64](t, Options{MaxAcquired: 2})
	pub, _ := tp.NewPublisher()
	sub := mustSubscribe(t, tp)
	for i := uint64(1); i <= 3; i++ {
		publish(t, pub, i)
	}

	g1, err := sub.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	g2, err := sub.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sub.Acquire(); !errors.Is(err, ErrAcquireLimitExceeded) {
		t.Fatalf("third Acquire() = %v, want ErrAcquireLimitExceeded", err)
	}

	g1.Release()
	g3, err := sub.Acquire()
	if err != nil {
		t.Fatalf("Acquire() after Release = %v", err)
	}
	if load(t, g3) != 3 {
		t.Errorf("Load() = %d, want 3", load(t, g3))
	}
	g2.Release()
	g3.Release()
}

// TestAcquireWait tests blocking acquire in every notifier mode
// It verifies that a value published later wakes the waiting subscriber
func TestAcquireWait(t *testing.T) {
	for _, mode := range []NotifierMode{NotifierPolling, NotifierSignal, NotifierHybrid} {
		t.Run(mode.String(), func(t *testing.T) {
			tp := openTopic[uint64](t, Options{Notifier: mode})
			pub, _ := tp.NewPublisher()
			sub := mustSubscribe(t, tp)

			go func() {
				time.Sleep(20 * time.Millisecond)
				pub.Publish(context.Background(), 42)
			}()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			g, err := sub.AcquireWait(ctx)
			if err != nil {
				t.Fatalf("AcquireWait() = %v", err)
			}
			defer g.Release()
			if load(t, g) != 42 {
				t.Fatalf("Load() = %d, want 42", load(t, g))
			}
		})
	}
}

// TestCancelUnblocksAcquireWait tests cancelling a subscriber blocked in AcquireWait
// It verifies that the wait returns ErrSubscriptionCancelled in every mode
func TestCancelUnblocksAcquireWait(t *testing.T) {
	for _, mode := range []NotifierMode{NotifierPolling, NotifierSignal, NotifierHybrid} {
		t.Run(mode.String(), func(t *testing.T) {
			tp := openTopic[uint64](t, Options{Notifier: mode, PollInterval: 50 * time.Millisecond})
			sub := mustSubscribe(t, tp)

			done := make(chan error, 1)
			go func() {
				_, err := sub.AcquireWait(context.Background())
				done <- err
			}()
			time.Sleep(20 * time.Millisecond)
			if err := sub.Cancel(); err != nil {
				t.Fatalf("Cancel() = %v", err)
			}

			select {
			case err := <-done:
				if !errors.Is(err, ErrSubscriptionCancelled) {
					t.Fatalf("AcquireWait() = %v, want ErrSubscriptionCancelled", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("AcquireWait did not return after Cancel")
			}
			if sub.State() != Cancelled {
				t.Fatalf("State() = %s", sub.State())
			}
		})
	}
}

// TestAcquireWaitContext tests that AcquireWait returns when its context ends
func TestAcquireWaitContext(t *testing.T) {
	tp := openTopic[uint64](t, Options{})
	sub := mustSubscribe(t, tp)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sub.AcquireWait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AcquireWait() = %v, want DeadlineExceeded", err)
	}
}

// TestQueueErrorPolicyPartialFailure tests the ERROR queue policy with one full subscriber
// It verifies that the others still receive the message and the failure is reported
func TestQueueErrorPolicyPartialFailure(t *testing.T) {
	tp := openTopic[uint64](t, Options{QueueSize: 1, QueueFullPolicy: QueueError})
	pub, _ := tp.NewPublisher()
	slow := mustSubscribe(t, tp)
	fast := mustSubscribe(t, tp)

	publish(t, pub, 1)
	g, err := fast.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	g.Release()

	seq, err := pub.Publish(context.Background(), 2)
	var pe *PublishError
	if !errors.As(err, &pe) {
		t.Fatalf("Publish() = %v, want *PublishError", err)
	}
	if len(pe.Failures) != 1 || pe.Failures[0].ID != slow.ID() || pe.Sequence != seq {
		t.Fatalf("failures = %+v", pe.Failures)
	}
	if !errors.Is(err, ErrQueueFull) || KindOf(err) != KindQueueFull {
		t.Fatalf("Publish() = %v, want QUEUE_FULL", err)
	}

	// The other subscriber still got the message
	g, err = fast.Acquire()
	if err != nil || load(t, g) != 2 {
		t.Fatalf("fast Acquire() = %v", err)
	}
	g.Release()

	g, err = slow.Acquire()
	if err != nil || load(t, g) != 1 {
		t.Fatalf("slow Acquire() = %v", err)
	}
	g.Release()
	if _, err := slow.Acquire(); !errors.Is(err, ErrNoMessageAvailable) {
		t.Fatalf("slow Acquire() = %v, want ErrNoMessageAvailable", err)
	}
	if n := slotsInUse(t, tp); n != 0 {
		t.Fatalf("slots in use = %d, want 0", n)
	}
}

// TestQueueBlockPolicy tests the BLOCK queue policy
// It verifies that a publisher waits for space and resumes after an acquire
func TestQueueBlockPolicy(t *testing.T) {
	tp := openTopic[uint64](t, Options{QueueSize: 1, QueueFullPolicy: QueueBlock})
	pub, _ := tp.NewPublisher()
	sub := mustSubscribe(t, tp)
	publish(t, pub, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err := pub.Publish(ctx, 2)
	cancel()
	if !errors.Is(err, ErrQueueFull) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Publish() on a full queue = %v, want QUEUE_FULL after deadline", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := pub.Publish(context.Background(), 3)
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("Publish() returned %v while the queue was full", err)
	case <-time.After(20 * time.Millisecond):
	}

	g, err := sub.Acquire()
	if err != nil || load(t, g) != 1 {
		t.Fatalf("Acquire() = %v", err)
	}
	g.Release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Publish() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Publish did not resume after the queue drained")
	}
	g, err = sub.Acquire()
	if err != nil || load(t, g) != 3 {
		t.Fatalf("Acquire() = %v", err)
	}
	g.Release()
}

// TestQueueOrderPolicies tests the delivery order of each queue policy
func TestQueueOrderPolicies(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []uint64
	}{
		{"FIFO", Options{QueueOrder: FIFO}, []uint64{1, 2, 3}},
		{"LIFO", Options{QueueOrder: LIFO}, []uint64{3, 2, 1}},
		{"LATEST_ONLY", Options{QueueOrder: LatestOnly}, []uint64{3}},
		{"DISCARD_OLDEST", Options{QueueSize: 2, QueueFullPolicy: QueueDiscardOldest}, []uint64{2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := openTopic[uint64](t, tt.opts)
			pub, _ := tp.NewPublisher()
			sub := mustSubscribe(t, tp)
			for i := uint64(1); i <= 3; i++ {
				publish(t, pub, i)
			}

			var got []uint64
			for {
				g, err := sub.Acquire()
				if errors.Is(err, ErrNoMessageAvailable) {
					break
				}
				if err != nil {
					t.Fatal(err)
				}
				got = append(got, load(t, g))
				g.Release()
			}
			if len(got) != len(tt.want) {
				t.Fatalf("received %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("received %v, want %v", got, tt.want)
				}
			}
			// Evicted notifications must not pin their slots
			if n := slotsInUse(t, tp); n != 0 {
				t.Fatalf("slots in use = %d, want 0", n)
			}
		})
	}
}

// TestOutOfMemoryDiscardOldest tests the DISCARD_OLDEST out-of-memory policy
// It verifies that the oldest message is replaced and its reader sees ErrStaleGeneration
func TestOutOfMemoryDiscardOldest(t *testing.T) {
	tp := openTopic[uint64](t, Options{Capacity: 2, QueueSize: 4, OutOfMemoryPolicy: OOMDiscardOldest})
	pub, _ := tp.NewPublisher()
	sub := mustSubscribe(t, tp)
	for i := uint64(1); i <= 3; i++ {
		publish(t, pub, i)
	}

	if _, err := sub.Acquire(); !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("Acquire() of a discarded message = %v, want ErrStaleGeneration", err)
	}
	for _, want := range []uint64{2, 3} {
		g, err := sub.Acquire()
		if err != nil {
			t.Fatal(err)
		}
		if load(t, g) != want {
			t.Fatalf("Load() = %d, want %d", load(t, g), want)
		}
		g.Release()
	}

	st, _ := tp.Stats()
	if st.Discarded != 1 || st.SlotsInUse != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

// TestOutOfMemoryGuardedSlotSurvives tests that DISCARD_OLDEST never takes a slot that is being read
func TestOutOfMemoryGuardedSlotSurvives(t *testing.T) {
	tp := openTopic[uint64](t, Options{Capacity: 1, OutOfMemoryPolicy: OOMDiscardOldest})
	pub, _ := tp.NewPublisher()
	sub := mustSubscribe(t, tp)
	publish(t, pub, 7)

	g, err := sub.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pub.Publish(ctx, 8); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Publish() = %v, want ErrOutOfMemory", err)
	}
	if load(t, g) != 7 {
		t.Fatalf("guarded value changed to %d", load(t, g))
	}
	g.Release()
}

// TestOutOfMemoryBlockProducer tests the BLOCK_PRODUCER out-of-memory policy
// It verifies that a publisher waits until a guard is released
func TestOutOfMemoryBlockProducer(t *testing.T) {
	tp := openTopic[uint64](t, Options{Capacity: 1, OutOfMemoryPolicy: OOMBlockProducer})
	pub, _ := tp.NewPublisher()
	sub := mustSubscribe(t, tp)
	publish(t, pub, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err := pub.Publish(ctx, 2)
	cancel()
	if !errors.Is(err, ErrOutOfMemory) || KindOf(err) != KindOutOfMemory {
		t.Fatalf("Publish() = %v, want OUT_OF_MEMORY", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := pub.Publish(context.Background(), 3)
		done <- err
	}()

	g, err := sub.Acquire()
	if err != nil || load(t, g) != 1 {
		t.Fatalf("Acquire() = %v", err)
	}
	g.Release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Publish() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Publish did not resume after a slot was reclaimed")
	}
}

// TestPauseResume tests pausing and resuming a subscription
// It verifies that messages published while paused are not delivered
func TestPauseResume(t *testing.T) {
	tp := openTopic[uint64](t, Options{})
	pub, _ := tp.NewPublisher()
	sub := mustSubscribe(t, tp)

	if err := sub.Pause(); err != nil {
		t.Fatal(err)
	}
	if sub.State() != Paused {
		t.Fatalf("State() = %s, want PAUSED", sub.State())
	}
	if err := sub.Pause(); !errors.Is(err, ErrInvalidSubscriptionState) {
		t.Fatalf("second Pause() = %v, want ErrInvalidSubscriptionState", err)
	}

	publish(t, pub, 1)
	if _, err := sub.Acquire(); !errors.Is(err, ErrNoMessageAvailable) {
		t.Fatalf("Acquire() while paused = %v, want ErrNoMessageAvailable", err)
	}
	if n := slotsInUse(t, tp); n != 0 {
		t.Fatalf("undelivered message still holds %d slot(s)", n)
	}

	if err := sub.Resume(); err != nil {
		t.Fatal(err)
	}
	publish(t, pub, 2)
	g, err := sub.Acquire()
	if err != nil || load(t, g) != 2 {
		t.Fatalf("Acquire() after Resume = %v", err)
	}
	g.Release()
}

// TestTooManyObservers tests the subscriber limit of a topic
func TestTooManyObservers(t *testing.T) {
	tp := openTopic[uint64](t, Options{MaxNumObservers: 2})
	a := mustSubscribe(t, tp)
	mustSubscribe(t, tp)

	_, err := tp.Subscribe()
	if !errors.Is(err, ErrTooManyObservers) || KindOf(err) != KindTooManyObservers {
		t.Fatalf("third Subscribe() = %v, want TOO_MANY_OBSERVERS", err)
	}
	a.Cancel()
	if _, err := tp.Subscribe(); err != nil {
		t.Fatalf("Subscribe() after Cancel = %v", err)
	}
}

// TestCancelReleasesQueued tests that cancelling releases the references of queued notifications
func TestCancelReleasesQueued(t *testing.T) {
	tp := openTopic[uint64](t, Options{})
	pub, _ := tp.NewPublisher()
	sub := mustSubscribe(t, tp)
	for i := uint64(1); i <= 3; i++ {
		publish(t, pub, i)
	}

	g, err := sub.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Cancel(); err != nil {
		t.Fatal(err)
	}
	if err := sub.Cancel(); err != nil {
		t.Fatalf("second Cancel() = %v", err)
	}
	if _, err := sub.Acquire(); !errors.Is(err, ErrSubscriptionCancelled) {
		t.Fatalf("Acquire() after Cancel = %v", err)
	}
	if err := sub.Resume(); !errors.Is(err, ErrSubscriptionCancelled) {
		t.Fatalf("Resume() after Cancel = %v", err)
	}

	// The guard outlives the subscription
	if n := slotsInUse(t, tp); n != 1 {
		t.Fatalf("slots in use = %d, want 1", n)
	}
	if load(t, g) != 1 {
		t.Fatalf("Load() = %d", load(t, g))
	}
	g.Release()
	if n := slotsInUse(t, tp); n != 0 {
		t.Fatalf("slots in use = %d, want 0", n)
	}
}

// TestAttachSecondHandle tests attaching a second handle to an existing topic
// It verifies that messages flow between the two handles
func TestAttachSecondHandle(t *testing.T) {
	opts := Options{Dir: t.TempDir(), QueueSize: 4}
	first := openTopic[tick](t, opts)
	second := openTopic[tick](t, opts)

	if !first.Initializer() || second.Initializer() {
		t.Fatalf("Initializer() = %v, %v", first.Initializer(), second.Initializer())
	}

	sub := mustSubscribe(t, second)
	pub, _ := first.NewPublisher()
	publish(t, pub, tick{Price: 3.5, Seq: 9})

	g, err := sub.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	defer g.Release()
	if g.Value().Price != 3.5 || g.Value().Seq != 9 {
		t.Fatalf("Value() = %+v", *g.Value())
	}
}

// TestIncompatibleTopic tests attaching with options that disagree with the initializer
func TestIncompatibleTopic(t *testing.T) {
	dir := t.TempDir()
	openTopic[uint64](t, Options{Dir: dir, QueueSize: 4})

	_, err := Open[uint64]("test/topic", Options{Dir: dir, QueueSize: 8})
	if !errors.Is(err, ErrIncompatibleTopic) {
		t.Fatalf("Open() with another queue size = %v, want ErrIncompatibleTopic", err)
	}
	_, err = Open[int64]("test/topic", Options{Dir: dir, QueueSize: 4})
	if !errors.Is(err, ErrIncompatibleTopic) || KindOf(err) != KindIncompatibleTopic {
		t.Fatalf("Open() with another payload = %v, want ErrIncompatibleTopic", err)
	}
}

// TestCorruptedInitialization tests attaching to a topic whose initializer died
// It verifies the error and that the topic can be recreated after Unlink
func TestCorruptedInitialization(t *testing.T) {
	dir := t.TempDir()
	const id = "stalled"

	// An initializer that won the gate and died
	seg, err := shm.CreateOrOpenIn(dir, id+controlSuffix, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if !gate.At(seg.At(0), gate.Config{}).TryBegin() {
		t.Fatal("TryBegin() on a fresh segment failed")
	}
	seg.Close()

	opts := Options{Dir: dir, InitLiveness: 20 * time.Millisecond, InitTimeout: 5 * time.Second}
	_, err = Open[uint64](id, opts)
	if !errors.Is(err, ErrCorruptedInitializationState) {
		t.Fatalf("Open() = %v, want ErrCorruptedInitializationState", err)
	}
	if k := KindOf(err); k != KindCorruptedInitializationState || k.Category() != CategoryFatal {
		t.Fatalf("KindOf() = %s (%s)", k, k.Category())
	}

	if err := Unlink(id, opts); err != nil {
		t.Fatalf("Unlink() = %v", err)
	}
	tp, err := Open[uint64](id, opts)
	if err != nil {
		t.Fatalf("Open() after Unlink = %v", err)
	}
	tp.Close()
}

// TestInitializationTimeout tests the bounded wait for a slow initializer
func TestInitializationTimeout(t *testing.T) {
	dir := t.TempDir()
	seg, err := shm.CreateOrOpenIn(dir, "slow"+controlSuffix, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer seg.Close()
	gate.At(seg.At(0), gate.Config{}).TryBegin()

	_, err = Open[uint64]("slow", Options{Dir: dir, InitLiveness: time.Minute, InitTimeout: 30 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) || KindOf(err).Category() != CategoryRetryable {
		t.Fatalf("Open() = %v, want a retryable TIMEOUT", err)
	}
}

// TestOpenValidation tests rejecting invalid topic ids, payload types and options
func TestOpenValidation(t *testing.T) {
	dir := t.TempDir()

	if _, err := Open[uint64]("", Options{Dir: dir}); !errors.Is(err, ErrInvalidTopicID) {
		t.Errorf("empty id: %v", err)
	}
	if _, err := Open[uint64](strings.Repeat("x", MaxTopicIDLength+1), Options{Dir: dir}); !errors.Is(err, ErrInvalidTopicID) {
		t.Errorf("long id: %v", err)
	}
	tp, err := Open[uint64](strings.Repeat("x", MaxTopicIDLength), Options{Dir: dir})
	if err != nil {
		t.Errorf("id of %d bytes: %v", MaxTopicIDLength, err)
	} else {
		tp.Close()
	}

	type withString struct {
		N    int
		Name string
	}
	if _, err := Open[withString]("s", Options{Dir: dir}); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("string field: %v", err)
	}
	if _, err := Open[[]byte]("b", Options{Dir: dir}); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("slice payload: %v", err)
	}
	if _, err := Open[uint64]("q", Options{Dir: dir, MaxAcquired: -1}); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("negative max_acquired: %v", err)
	}
}

// TestTypeTagIgnoresNames tests that the payload type tag depends on layout only
func TestTypeTagIgnoresNames(t *testing.T) {
	type a struct {
		X uint32
		Y [2]float64
	}
	type b struct {
		Left  uint32
		Right [2]float64
	}
	type c struct {
		X int32
		Y [2]float64
	}
	ta, tb, tc := typeTag(reflect.TypeFor[a]()), typeTag(reflect.TypeFor[b]()), typeTag(reflect.TypeFor[c]())
	if ta != tb {
		t.Error("same layout under other names must match")
	}
	if ta == tc {
		t.Error("different field kinds must not match")
	}
}

// TestConcurrentPublishers tests several publishers against one subscriber
// It verifies that no message is lost or duplicated and per-publisher order holds
func TestConcurrentPublishers(t *testing.T) {
	tp := openTopic[tick](t, Options{QueueSize: 8})
	sub := mustSubscribe(t, tp)

	const publishers, each = 4, 50
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var g errgroup.Group
	for p := 0; p < publishers; p++ {
		pub, _ := tp.NewPublisher()
		g.Go(func() error {
			for i := 0; i < each; i++ {
				if _, err := pub.Publish(ctx, tick{Volume: uint32(p), Seq: uint64(i)}); err != nil {
					return err
				}
			}
			return nil
		})
	}

	seen := make(map[uint64]bool)
	next := make([]uint64, publishers)
	for len(seen) < publishers*each {
		gd, err := sub.AcquireWait(ctx)
		if err != nil {
			t.Fatalf("AcquireWait() after %d messages = %v", len(seen), err)
		}
		v := load(t, gd)
		if seen[gd.Sequence()] {
			t.Fatalf("sequence %d delivered twice", gd.Sequence())
		}
		seen[gd.Sequence()] = true
		// FIFO keeps each publisher's order
		if v.Seq != next[v.Volume] {
			t.Fatalf("publisher %d: got message %d, want %d", v.Volume, v.Seq, next[v.Volume])
		}
		next[v.Volume]++
		gd.Release()
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := slotsInUse(t, tp); n != 0 {
		t.Fatalf("slots in use = %d, want 0", n)
	}
}

// TestStats tests the topic statistics
func TestStats(t *testing.T) {
	tp := openTopic[uint64](t, Options{MaxNumObservers: 3})
	pub, _ := tp.NewPublisher()
	a := mustSubscribe(t, tp)
	b := mustSubscribe(t, tp)
	b.Pause()
	publish(t, pub, 1)
	publish(t, pub, 2)

	st, err := tp.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Sequence != 2 || st.Subscribers != 2 || st.SlotsInUse != 2 || len(st.Queues) != 2 {
		t.Fatalf("stats = %+v", st)
	}
	for _, q := range st.Queues {
		switch q.ID {
		case a.ID():
			if q.Len != 2 || q.Pushed != 2 || q.State != "Subscribed" {
				t.Errorf("subscriber a: %+v", q)
			}
		case b.ID():
			if q.Len != 0 || q.State != "Paused" {
				t.Errorf("subscriber b: %+v", q)
			}
		default:
			t.Errorf("unexpected queue %+v", q)
		}
	}
}

// TestClose tests closing a topic in use
// It verifies that waiters return and later operations fail with ErrClosed
func TestClose(t *testing.T) {
	tp := openTopic[uint64](t, Options{})
	pub, _ := tp.NewPublisher()
	sub := mustSubscribe(t, tp)

	done := make(chan error, 1)
	go func() {
		_, err := sub.AcquireWait(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := tp.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := tp.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) && !errors.Is(err, ErrSubscriptionCancelled) {
			t.Fatalf("AcquireWait() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AcquireWait did not return after Close")
	}

	if _, err := pub.Publish(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() after Close = %v", err)
	}
	if _, err := tp.Subscribe(); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() after Close = %v", err)
	}
	if _, err := tp.Stats(); KindOf(err) != KindClosed {
		t.Errorf("Stats() after Close = %v", err)
	}
	if err := sub.Cancel(); err != nil {
		t.Errorf("Cancel() after Close = %v", err)
	}
}

// TestUnlink tests removing the backing segments of a topic
func TestUnlink(t *testing.T) {
	dir := t.TempDir()
	tp := openTopic[uint64](t, Options{Dir: dir})
	if !shm.Exists(dir, "test/topic"+controlSuffix) {
		t.Fatal("control segment missing")
	}
	if err := tp.Unlink(); err != nil {
		t.Fatal(err)
	}
	if shm.Exists(dir, "test/topic"+controlSuffix) || shm.Exists(dir, "test/topic"+dataSuffix) {
		t.Fatal("segments survived Unlink")
	}
}

// TestGuardAfterRelease tests reading through a released guard
// It verifies that a slot reused by the next message is never returned as the old value
func TestGuardAfterRelease(t *testing.T) {
	tp := openTopic[uint64](t, Options{Capacity: 1})
	pub, _ := tp.NewPublisher()
	sub := mustSubscribe(t, tp)

	publish(t, pub, 1)
	g, err := sub.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if v := load(t, g); v != 1 {
		t.Fatalf("Load() = %d, want 1", v)
	}
	g.Release()

	// The only slot is free again and now holds message 2
	publish(t, pub, 2)
	if n := slotsInUse(t, tp); n != 1 {
		t.Fatalf("slots in use = %d, want 1", n)
	}

	if v, err := g.Load(); !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("Load() after Release = %d, %v, want ErrStaleGeneration", v, err)
	}
	if g.Value() != nil {
		t.Fatal("Value() after Release is not nil")
	}
	if g.Bytes() != nil {
		t.Fatal("Bytes() after Release is not nil")
	}
	g.Release()

	g2, err := sub.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	defer g2.Release()
	if v := load(t, g2); v != 2 {
		t.Fatalf("next Load() = %d, want 2", v)
	}
}

// TestGuardAfterClose tests reading through a guard whose topic was closed
// It verifies that the accessors fail instead of touching the unmapped segments
func TestGuardAfterClose(t *testing.T) {
	tp := openTopic[uint64](t, Options{})
	pub, _ := tp.NewPublisher()
	sub := mustSubscribe(t, tp)

	publish(t, pub, 5)
	g, err := sub.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if err := tp.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	if _, err := g.Load(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Load() after Close = %v, want ErrClosed", err)
	}
	if g.Value() != nil || g.Bytes() != nil {
		t.Fatal("accessors returned memory of a closed topic")
	}
	if g.Sequence() == 0 {
		t.Fatal("Sequence() lost after Close")
	}
	g.Release()
}

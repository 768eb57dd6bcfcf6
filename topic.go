package ipcpp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"

	"gosuda.org/ipcpp/internal/alloc"
	"gosuda.org/ipcpp/internal/arch"
	"gosuda.org/ipcpp/internal/container"
	"gosuda.org/ipcpp/internal/futex"
	"gosuda.org/ipcpp/internal/gate"
	"gosuda.org/ipcpp/internal/queue"
	"gosuda.org/ipcpp/internal/registry"
	"gosuda.org/ipcpp/internal/shm"
	"gosuda.org/ipcpp/internal/transport"
)

// capability is probed once; an unsupported platform aborts at startup
var capability = arch.MustProbe()

// pagesize stores the system page size for segment sizing
var pagesize = uint64(os.Getpagesize())

const (
	controlSuffix = ".control"
	dataSuffix    = ".data"
)

const topicMagic uint64 = 0x504f545050435049 // "IPCPPTOP"

const topicVersion = 1

const topicHeaderSize = 128

// topicHeader follows the gate at the start of the control segment
type topicHeader struct {
	magic       uint64   // 0x00
	version     uint32   // 0x08
	notifier    uint32   // 0x0C: NotifierMode
	payload     uint64   // 0x10: payload bytes
	typeTag     uint64   // 0x18: hash of the payload layout
	observers   uint32   // 0x20
	queueSize   uint32   // 0x24
	capacity    uint32   // 0x28
	fullPolicy  uint32   // 0x2C
	order       uint32   // 0x30
	oom         uint32   // 0x34
	stride      uint64   // 0x38: slot stride of the data segment
	registryOff uint64   // 0x40
	controlSize uint64   // 0x48
	dataSize    uint64   // 0x50
	sequence    uint64   // 0x58: last published sequence
	discarded   uint64   // 0x60: messages dropped by DISCARD_OLDEST
	reclaimSeq  uint32   // 0x68: futex word, bumped when a slot is freed
	_           uint32   // 0x6C
	_           [16]byte // 0x70-0x7F
}

// layout is where everything lives in the two segments of a topic.
//
// Control segment:
//
//	0x00  gate
//	0x40  topicHeader
//	0xC0  registry (entries, then one queue per entry)
//
// Data segment:
//
//	0x00  slot pool (header, free ring, slots of stride bytes)
type layout struct {
	payload     uint64
	stride      uint64
	registryOff uint64
	controlSize uint64
	dataSize    uint64
}

func newLayout(o Options, payload uint64, c arch.Capability) (layout, error) {
	b := alloc.NewBump(0, 0)
	if _, err := b.Place(gate.Size, alloc.CacheLine); err != nil {
		return layout{}, err
	}
	if _, err := b.Place(topicHeaderSize, alloc.CacheLine); err != nil {
		return layout{}, err
	}
	regOff, err := b.Place(registry.Size(o.MaxNumObservers, o.QueueSize), alloc.CacheLine)
	if err != nil {
		return layout{}, err
	}

	l := layout{
		payload:     payload,
		stride:      alloc.Align(container.HeaderSize+payload, alloc.CacheLine),
		registryOff: regOff,
		controlSize: alloc.Align(b.Offset(), pagesize),
	}
	l.dataSize = alloc.Align(alloc.PoolSize(uint64(o.Capacity), l.stride), pagesize)

	if err := gate.CheckCapacity(c, uint64(o.MaxNumObservers), l.controlSize); err != nil {
		return layout{}, fmt.Errorf("control segment: %w", err)
	}
	if err := gate.CheckCapacity(c, uint64(o.Capacity), l.dataSize); err != nil {
		return layout{}, fmt.Errorf("data segment: %w", err)
	}
	return l, nil
}

// checkFixedLayout rejects types whose values cannot be copied between
// address spaces
func checkFixedLayout(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkFixedLayout(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if err := checkFixedLayout(f.Type); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s is a %s", ErrUnsupportedType, t, t.Kind())
}

// typeTag hashes the memory layout of t. Names are left out so two
// programs declaring the same layout under different names interoperate.
func typeTag(t reflect.Type) uint64 {
	var b strings.Builder
	writeLayout(&b, t)
	sum := sha3.Sum256([]byte(b.String()))
	return binary.LittleEndian.Uint64(sum[:8])
}

func writeLayout(b *strings.Builder, t reflect.Type) {
	switch t.Kind() {
	case reflect.Array:
		fmt.Fprintf(b, "[%d]", t.Len())
		writeLayout(b, t.Elem())
	case reflect.Struct:
		b.WriteByte('{')
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			fmt.Fprintf(b, "%d:", f.Offset)
			writeLayout(b, f.Type)
			b.WriteByte(';')
		}
		fmt.Fprintf(b, "}%d", t.Size())
	default:
		b.WriteString(t.Kind().String())
	}
}

// Topic is a named channel of T values shared by every process that opens it.
//
// A Topic is safe for concurrent use. Guards and subscribers obtained from
// it must not be used after Close.
type Topic[T any] struct {
	id     string
	opts   Options
	dir    string
	layout layout
	tag    uint64
	pid    uint32
	log    logrus.FieldLogger

	ctrl     *shm.SharedMemory
	data     *shm.SharedMemory
	gate     *gate.Gate
	hdr      *topicHeader
	reg      *registry.Registry
	pool     *alloc.Pool
	notifier notifier

	initializer bool

	// mu guards the mappings: operations hold it shared, Close exclusively
	mu       sync.RWMutex
	closing  atomic.Bool
	unmapped bool

	subsMu sync.Mutex
	subs   map[*Subscriber[T]]struct{}
}

// Open creates the topic id or attaches to it.
//
// Exactly one of the processes opening a new topic constructs it; the others
// wait up to opts.InitTimeout for it to finish. Zero fields of opts take
// their DefaultOptions values.
func Open[T any](id string, opts Options) (*Topic[T], error) {
	if len(id) == 0 || len(id) > MaxTopicIDLength {
		return nil, fmt.Errorf("%w: %d bytes, want 1 to %d", ErrInvalidTopicID, len(id), MaxTopicIDLength)
	}
	typ := reflect.TypeFor[T]()
	if err := checkFixedLayout(typ); err != nil {
		return nil, err
	}

	opts = opts.withDefaults()
	if err := opts.Validate(capability); err != nil {
		return nil, err
	}
	l, err := newLayout(opts, uint64(typ.Size()), capability)
	if err != nil {
		return nil, err
	}

	dir := opts.Dir
	if dir == "" {
		dir = shm.Dir()
	}

	t := &Topic[T]{
		id:     id,
		opts:   opts,
		dir:    dir,
		layout: l,
		tag:    typeTag(typ),
		pid:    uint32(os.Getpid()),
		log:    log.WithField("topic", id),
		subs:   make(map[*Subscriber[T]]struct{}),
	}
	if err := t.open(); err != nil {
		return nil, fmt.Errorf("ipcpp: open %q: %w", id, err)
	}
	return t, nil
}

func (t *Topic[T]) open() (err error) {
	t.ctrl, err = shm.CreateOrOpenIn(t.dir, t.id+controlSuffix, int(t.layout.controlSize))
	if err != nil {
		return err
	}
	t.data, err = shm.CreateOrOpenIn(t.dir, t.id+dataSuffix, int(t.layout.dataSize))
	if err != nil {
		t.ctrl.Close()
		return err
	}
	defer func() {
		if err != nil {
			t.data.Close()
			t.ctrl.Close()
		}
	}()

	t.gate = gate.At(t.ctrl.At(0), gate.Config{
		Liveness:     t.opts.InitLiveness,
		PollInterval: t.opts.PollInterval,
	})
	t.hdr = (*topicHeader)(t.ctrl.At(gate.Size))

	if t.gate.TryBegin() {
		t.initializer = true
		if err := t.initialize(); err != nil {
			t.gate.MarkCorrupted()
			t.log.Errorf("initialization failed, topic marked corrupted: %v", err)
			return err
		}
		t.log.WithField("generation", t.gate.Generation()).Info("initialized topic")
	} else if err := t.gate.WaitUntilInitialized(context.Background(), t.opts.InitTimeout); err != nil {
		return err
	}

	if err := t.attach(); err != nil {
		return err
	}
	t.notifier = newNotifier(t.opts.Notifier, t.id, t.opts, t.log)
	if debug {
		t.log.Debugf("attached (owner %d, control %d bytes, data %d bytes)",
			t.gate.Owner(), t.layout.controlSize, t.layout.dataSize)
	}
	return nil
}

// initialize constructs the segment contents. Only the gate winner runs it.
func (t *Topic[T]) initialize() error {
	h, l, o := t.hdr, t.layout, t.opts

	h.version = topicVersion
	h.notifier = uint32(o.Notifier)
	h.payload = l.payload
	h.typeTag = t.tag
	h.observers = o.MaxNumObservers
	h.queueSize = o.QueueSize
	h.capacity = o.Capacity
	h.fullPolicy = uint32(o.QueueFullPolicy)
	h.order = uint32(o.QueueOrder)
	h.oom = uint32(o.OutOfMemoryPolicy)
	h.stride = l.stride
	h.registryOff = l.registryOff
	h.controlSize = l.controlSize
	h.dataSize = l.dataSize
	atomic.StoreUint64(&h.sequence, 0)
	atomic.StoreUint64(&h.discarded, 0)
	atomic.StoreUint32(&h.reclaimSeq, 0)
	t.gate.Advance()

	if _, err := registry.Init(t.ctrl.At(0), l.registryOff, o.MaxNumObservers, o.QueueSize, o.QueueFullPolicy, o.QueueOrder); err != nil {
		return err
	}
	t.gate.Advance()

	if _, err := alloc.InitPool(t.data.At(0), 0, uint64(o.Capacity), l.stride); err != nil {
		return err
	}

	atomic.StoreUint64(&h.magic, topicMagic)
	return t.gate.MarkInitialized()
}

// attach checks that the topic was built with the same layout and maps its
// registry and slot pool
func (t *Topic[T]) attach() (err error) {
	h, l, o := t.hdr, t.layout, t.opts
	if atomic.LoadUint64(&h.magic) != topicMagic {
		return fmt.Errorf("%w: bad header magic", ErrIncompatibleTopic)
	}

	fields := []struct {
		name      string
		got, want uint64
	}{
		{"version", uint64(h.version), topicVersion},
		{"payload size", h.payload, l.payload},
		{"payload layout", h.typeTag, t.tag},
		{"max_num_observers", uint64(h.observers), uint64(o.MaxNumObservers)},
		{"queue_size", uint64(h.queueSize), uint64(o.QueueSize)},
		{"capacity", uint64(h.capacity), uint64(o.Capacity)},
		{"queue_full_policy", uint64(h.fullPolicy), uint64(o.QueueFullPolicy)},
		{"queue_order", uint64(h.order), uint64(o.QueueOrder)},
		{"out_of_memory_policy", uint64(h.oom), uint64(o.OutOfMemoryPolicy)},
		{"notifier", uint64(h.notifier), uint64(o.Notifier)},
		{"stride", h.stride, l.stride},
		{"registry offset", h.registryOff, l.registryOff},
		{"control size", h.controlSize, l.controlSize},
		{"data size", h.dataSize, l.dataSize},
	}
	for _, f := range fields {
		if f.got != f.want {
			return fmt.Errorf("%w: %s is %d, want %d", ErrIncompatibleTopic, f.name, f.got, f.want)
		}
	}

	if t.reg, err = registry.Attach(t.ctrl.At(0), l.registryOff, uint64(t.ctrl.Size())); err != nil {
		return err
	}
	if t.pool, err = alloc.AttachPool(t.data.At(0), 0); err != nil {
		return err
	}
	return nil
}

// ID returns the topic id
func (t *Topic[T]) ID() string { return t.id }

// Options returns the effective options
func (t *Topic[T]) Options() Options { return t.opts }

// Initializer reports whether this process constructed the topic
func (t *Topic[T]) Initializer() bool { return t.initializer }

// enter starts an operation on the mappings; a true result must be paired
// with exit
func (t *Topic[T]) enter() bool {
	t.mu.RLock()
	if t.closing.Load() {
		t.mu.RUnlock()
		return false
	}
	return true
}

func (t *Topic[T]) exit() { t.mu.RUnlock() }

// containerAt resolves a notification offset, which comes from shared memory
// and is checked before use
func (t *Topic[T]) containerAt(off uint64) (*container.Container, error) {
	if _, err := t.pool.Index(off); err != nil {
		return nil, err
	}
	return container.At(t.pool.At(off)), nil
}

// dropRef releases the reference a notification holds and reclaims the slot
// if it was the last
func (t *Topic[T]) dropRef(n queue.Notification) {
	c, err := t.containerAt(n.Offset)
	if err != nil {
		t.log.Warnf("dropping notification %d: %v", n.Sequence, err)
		return
	}
	if c.Release(n.Sequence) {
		t.reclaim(c, n.Offset, n.Sequence)
	}
}

// reclaim returns the slot holding seq to the pool and wakes blocked
// publishers
func (t *Topic[T]) reclaim(c *container.Container, off, seq uint64) {
	if err := c.TryReclaim(seq); err != nil {
		return
	}
	if err := t.pool.Deallocate(off); err != nil {
		t.log.WithField("sequence", seq).Warnf("returning slot: %v", err)
		return
	}
	atomic.AddUint32(&t.hdr.reclaimSeq, 1)
	futex.Wake(&t.hdr.reclaimSeq, math.MaxInt32)
	if debug {
		t.log.WithField("sequence", seq).Debug("reclaimed")
	}
}

func (t *Topic[T]) track(s *Subscriber[T]) {
	t.subsMu.Lock()
	t.subs[s] = struct{}{}
	t.subsMu.Unlock()
}

func (t *Topic[T]) untrack(s *Subscriber[T]) {
	t.subsMu.Lock()
	delete(t.subs, s)
	t.subsMu.Unlock()
}

func (t *Topic[T]) subscribers() []*Subscriber[T] {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	subs := make([]*Subscriber[T], 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	return subs
}

// QueueStats describes one subscriber queue
type QueueStats struct {
	Entry   uint32
	ID      uint64
	PID     uint32
	State   string
	Len     uint32
	Pushed  uint64
	Popped  uint64
	Dropped uint64
}

// Stats is a snapshot of a topic
type Stats struct {
	Sequence    uint64 // last published sequence
	Subscribers int    // subscribed or paused entries
	Capacity    uint64 // message slots
	SlotsInUse  uint64
	Discarded   uint64 // messages dropped by DISCARD_OLDEST
	Queues      []QueueStats
}

// Stats returns a snapshot of the topic's counters
func (t *Topic[T]) Stats() (Stats, error) {
	if !t.enter() {
		return Stats{}, ErrClosed
	}
	defer t.exit()

	s := Stats{
		Sequence:    atomic.LoadUint64(&t.hdr.sequence),
		Subscribers: t.reg.Active(),
		Capacity:    t.pool.Slots(),
		SlotsInUse:  t.pool.InUse(),
		Discarded:   atomic.LoadUint64(&t.hdr.discarded),
	}
	for _, e := range t.reg.Entries() {
		st := e.State()
		if st == registry.Free {
			continue
		}
		qs := e.Queue().Stats()
		s.Queues = append(s.Queues, QueueStats{
			Entry:   e.Index(),
			ID:      e.ID(),
			PID:     e.PID(),
			State:   st.String(),
			Len:     qs.Len,
			Pushed:  qs.Pushed,
			Popped:  qs.Popped,
			Dropped: qs.Dropped,
		})
	}
	return s, nil
}

// Close cancels the subscribers created through t and unmaps the topic.
// The shared objects stay until Unlink.
func (t *Topic[T]) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}

	// Wake blocked AcquireWait calls so they give up the mappings
	for _, s := range t.subscribers() {
		s.lis.interrupt()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Subscribe calls that were in flight above are done now
	for _, s := range t.subscribers() {
		s.cancel()
	}
	err := t.notifier.close()
	err = errors.Join(err, t.data.Close(), t.ctrl.Close())
	t.unmapped = true
	if debug {
		t.log.Debug("closed")
	}
	return err
}

// Unlink removes the topic's shared objects. Processes still attached keep
// their mappings.
func (t *Topic[T]) Unlink() error {
	return errors.Join(t.ctrl.Unlink(), t.data.Unlink(), t.unlinkSockets())
}

func (t *Topic[T]) unlinkSockets() error {
	if t.opts.Notifier != NotifierSignal {
		return nil
	}
	return removeIfExists(transport.ControlPath(t.opts.SocketDir, shm.ShortName(t.id)))
}

// Unlink removes the shared objects of topic id without opening it. It is
// the way out of a topic left CORRUPTED by a crashed initializer.
func Unlink(id string, opts Options) error {
	opts = opts.withDefaults()
	dir := opts.Dir
	if dir == "" {
		dir = shm.Dir()
	}
	var errs []error
	for _, name := range []string{id + controlSuffix, id + dataSuffix} {
		if err := shm.Remove(dir, name); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, removeIfExists(transport.ControlPath(opts.SocketDir, shm.ShortName(id))))
	return errors.Join(errs...)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

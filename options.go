package ipcpp

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"gosuda.org/ipcpp/internal/arch"
	"gosuda.org/ipcpp/internal/queue"
)

// QueueFullPolicy decides what a publisher does when a subscriber's
// notification queue is full
type QueueFullPolicy = queue.FullPolicy

const (
	QueueBlock         = queue.Block
	QueueDiscardOldest = queue.DiscardOldest
	QueueError         = queue.ReturnError
)

// NotificationQueuePolicy decides which pending notification a subscriber
// receives next
type NotificationQueuePolicy = queue.OrderPolicy

const (
	FIFO       = queue.FIFO
	LIFO       = queue.LIFO
	LatestOnly = queue.LatestOnly
)

//go:generate go tool stringer -type=OutOfMemoryPolicy,NotifierMode -linecomment

// OutOfMemoryPolicy decides what a publisher does when every message slot
// of the topic is in use
type OutOfMemoryPolicy uint32

const (
	OOMBlockProducer OutOfMemoryPolicy = iota // BLOCK_PRODUCER
	OOMDiscardOldest                          // DISCARD_OLDEST
)

// NotifierMode selects how subscribers learn about new notifications
type NotifierMode uint32

const (
	NotifierPolling NotifierMode = iota // POLLING
	NotifierSignal                      // SIGNAL
	NotifierHybrid                      // HYBRID
)

// MaxTopicIDLength is the longest accepted topic id in bytes
const MaxTopicIDLength = 128

// Options configures a topic. Every process opening the same topic must
// agree on the layout fields; Open fails with ErrIncompatibleTopic otherwise.
type Options struct {
	MaxNumObservers uint32 // registry entries
	QueueSize       uint32 // notifications per subscriber queue
	// Capacity is the number of message slots. Zero derives it from the
	// other limits so that BLOCK_PRODUCER never starves a single publisher.
	Capacity          uint32
	QueueFullPolicy   QueueFullPolicy
	QueueOrder        NotificationQueuePolicy
	OutOfMemoryPolicy OutOfMemoryPolicy
	Notifier          NotifierMode

	// MaxAcquired bounds the guards one subscriber may hold at once
	MaxAcquired int64

	InitTimeout  time.Duration // how long an attacher waits for the initializer
	InitLiveness time.Duration // initializer silence after which the topic is corrupted
	PollInterval time.Duration

	Dir       string // shared memory directory, shm.Dir() when empty
	SocketDir string // socket directory of NotifierSignal, os.TempDir() when empty
}

// DefaultOptions returns the options used for zero fields
func DefaultOptions() Options {
	return Options{
		MaxNumObservers:   8,
		QueueSize:         16,
		QueueFullPolicy:   QueueBlock,
		QueueOrder:        FIFO,
		OutOfMemoryPolicy: OOMBlockProducer,
		Notifier:          NotifierHybrid,
		MaxAcquired:       4,
		InitTimeout:       5 * time.Second,
		InitLiveness:      2 * time.Second,
		PollInterval:      time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultOptions and derives Capacity
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxNumObservers == 0 {
		o.MaxNumObservers = d.MaxNumObservers
	}
	if o.QueueSize == 0 {
		o.QueueSize = d.QueueSize
	}
	if o.MaxAcquired == 0 {
		o.MaxAcquired = d.MaxAcquired
	}
	if o.InitTimeout == 0 {
		o.InitTimeout = d.InitTimeout
	}
	if o.InitLiveness == 0 {
		o.InitLiveness = d.InitLiveness
	}
	if o.PollInterval == 0 {
		o.PollInterval = d.PollInterval
	}
	if o.SocketDir == "" {
		o.SocketDir = os.TempDir()
	}
	if o.Capacity == 0 {
		c := uint64(o.MaxNumObservers)*(uint64(o.QueueSize)+uint64(o.MaxAcquired)) + 2
		if c > uint64(^uint32(0)) {
			c = uint64(^uint32(0))
		}
		o.Capacity = uint32(c)
	}
	return o
}

// Validate checks o against the limits of c
func (o Options) Validate(c arch.Capability) error {
	switch {
	case o.MaxNumObservers == 0:
		return fmt.Errorf("%w: max_num_observers must be at least 1", ErrInvalidOptions)
	case o.QueueSize == 0:
		return fmt.Errorf("%w: queue_size must be at least 1", ErrInvalidOptions)
	case o.Capacity == 0:
		return fmt.Errorf("%w: capacity must be at least 1", ErrInvalidOptions)
	case o.MaxAcquired < 1:
		return fmt.Errorf("%w: max_acquired must be at least 1", ErrInvalidOptions)
	case o.QueueFullPolicy > QueueError:
		return fmt.Errorf("%w: queue full policy %d", ErrInvalidOptions, o.QueueFullPolicy)
	case o.QueueOrder > LatestOnly:
		return fmt.Errorf("%w: queue order %d", ErrInvalidOptions, o.QueueOrder)
	case o.OutOfMemoryPolicy > OOMDiscardOldest:
		return fmt.Errorf("%w: out of memory policy %d", ErrInvalidOptions, o.OutOfMemoryPolicy)
	case o.Notifier > NotifierHybrid:
		return fmt.Errorf("%w: notifier %d", ErrInvalidOptions, o.Notifier)
	case o.InitTimeout < 0 || o.InitLiveness < 0 || o.PollInterval < 0:
		return fmt.Errorf("%w: negative duration", ErrInvalidOptions)
	}
	for _, n := range []struct {
		name string
		v    uint32
	}{
		{"max_num_observers", o.MaxNumObservers},
		{"queue_size", o.QueueSize},
		{"capacity", o.Capacity},
	} {
		if uint64(n.v) > c.MaxElements() {
			return fmt.Errorf("%w: %s %d exceeds %d on %s", ErrTooManyElements, n.name, n.v, c.MaxElements(), c)
		}
	}
	return nil
}

// optionsFile is the JSON form of Options. Absent keys keep their defaults.
type optionsFile struct {
	MaxNumObservers   *uint32 `json:"max_num_observers"`
	QueueSize         *uint32 `json:"queue_size"`
	Capacity          *uint32 `json:"capacity"`
	QueueFullPolicy   string  `json:"queue_full_policy"`
	QueueOrder        string  `json:"queue_order"`
	OutOfMemoryPolicy string  `json:"out_of_memory_policy"`
	Notifier          string  `json:"notifier"`
	MaxAcquired       *int64  `json:"max_acquired"`
	InitTimeout       string  `json:"init_timeout"`
	InitLiveness      string  `json:"init_liveness"`
	PollInterval      string  `json:"poll_interval"`
	Dir               string  `json:"dir"`
	SocketDir         string  `json:"socket_dir"`
}

// LoadOptions reads a JSON options file
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}
	o, err := ParseOptions(data)
	if err != nil {
		return Options{}, fmt.Errorf("%s: %w", path, err)
	}
	return o, nil
}

// ParseOptions decodes JSON options over DefaultOptions
func ParseOptions(data []byte) (Options, error) {
	var f optionsFile
	if err := sonnet.Unmarshal(data, &f); err != nil {
		return Options{}, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	o := DefaultOptions()
	if f.MaxNumObservers != nil {
		o.MaxNumObservers = *f.MaxNumObservers
	}
	if f.QueueSize != nil {
		o.QueueSize = *f.QueueSize
	}
	if f.Capacity != nil {
		o.Capacity = *f.Capacity
	}
	if f.MaxAcquired != nil {
		o.MaxAcquired = *f.MaxAcquired
	}
	o.Dir = f.Dir
	o.SocketDir = f.SocketDir

	texts := []struct {
		s string
		v interface{ UnmarshalText([]byte) error }
	}{
		{f.QueueFullPolicy, &o.QueueFullPolicy},
		{f.QueueOrder, &o.QueueOrder},
		{f.OutOfMemoryPolicy, &o.OutOfMemoryPolicy},
		{f.Notifier, &o.Notifier},
	}
	for _, t := range texts {
		if t.s == "" {
			continue
		}
		if err := t.v.UnmarshalText([]byte(t.s)); err != nil {
			return Options{}, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
	}

	durations := []struct {
		name string
		s    string
		d    *time.Duration
	}{
		{"init_timeout", f.InitTimeout, &o.InitTimeout},
		{"init_liveness", f.InitLiveness, &o.InitLiveness},
		{"poll_interval", f.PollInterval, &o.PollInterval},
	}
	for _, d := range durations {
		if d.s == "" {
			continue
		}
		v, err := time.ParseDuration(d.s)
		if err != nil {
			return Options{}, fmt.Errorf("%w: %s: %w", ErrInvalidOptions, d.name, err)
		}
		*d.d = v
	}
	return o, nil
}

// MarshalJSON encodes o in the form ParseOptions reads
func (o Options) MarshalJSON() ([]byte, error) {
	f := optionsFile{
		MaxNumObservers:   &o.MaxNumObservers,
		QueueSize:         &o.QueueSize,
		Capacity:          &o.Capacity,
		QueueFullPolicy:   o.QueueFullPolicy.String(),
		QueueOrder:        o.QueueOrder.String(),
		OutOfMemoryPolicy: o.OutOfMemoryPolicy.String(),
		Notifier:          o.Notifier.String(),
		MaxAcquired:       &o.MaxAcquired,
		InitTimeout:       o.InitTimeout.String(),
		InitLiveness:      o.InitLiveness.String(),
		PollInterval:      o.PollInterval.String(),
		Dir:               o.Dir,
		SocketDir:         o.SocketDir,
	}
	return sonnet.Marshal(&f)
}

// MarshalText implements encoding.TextMarshaler
func (p OutOfMemoryPolicy) MarshalText() ([]byte, error) {
	if p > OOMDiscardOldest {
		return nil, fmt.Errorf("%w: out of memory policy %d", ErrInvalidOptions, p)
	}
	return []byte(p.String()), nil
}

// UnmarshalText accepts the policy names case-insensitively
func (p *OutOfMemoryPolicy) UnmarshalText(b []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(b)))
	for v := OOMBlockProducer; v <= OOMDiscardOldest; v++ {
		if v.String() == s {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("%w: out of memory policy %q", ErrInvalidOptions, b)
}

// MarshalText implements encoding.TextMarshaler
func (m NotifierMode) MarshalText() ([]byte, error) {
	if m > NotifierHybrid {
		return nil, fmt.Errorf("%w: notifier %d", ErrInvalidOptions, m)
	}
	return []byte(m.String()), nil
}

// UnmarshalText accepts the mode names case-insensitively
func (m *NotifierMode) UnmarshalText(b []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(b)))
	for v := NotifierPolling; v <= NotifierHybrid; v++ {
		if v.String() == s {
			*m = v
			return nil
		}
	}
	return fmt.Errorf("%w: notifier %q", ErrInvalidOptions, b)
}

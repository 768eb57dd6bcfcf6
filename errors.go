package ipcpp

import (
	"errors"
	"fmt"
	"strings"

	"gosuda.org/ipcpp/internal/alloc"
	"gosuda.org/ipcpp/internal/arch"
	"gosuda.org/ipcpp/internal/container"
	"gosuda.org/ipcpp/internal/gate"
	"gosuda.org/ipcpp/internal/queue"
	"gosuda.org/ipcpp/internal/registry"
	"gosuda.org/ipcpp/internal/shm"
	"gosuda.org/ipcpp/internal/transport"
)

// Error definitions for ipcpp operations
var (
	ErrUnsupportedPlatform          = arch.ErrUnsupportedPlatform
	ErrTimeout                      = gate.ErrTimeout
	ErrInvalidInitializationState   = gate.ErrInvalidInitializationState
	ErrCorruptedInitializationState = gate.ErrCorruptedInitializationState
	ErrBufferTooSmall               = gate.ErrBufferTooSmall
	ErrTooManyElements              = gate.ErrTooManyElements
	ErrOutOfMemory                  = alloc.ErrOutOfMemory
	ErrQueueFull                    = queue.ErrFull
	ErrStaleGeneration              = container.ErrStaleGeneration
	ErrInvalidSubscriptionState     = registry.ErrInvalidTransition

	ErrTooManyObservers      = errors.New("ipcpp: too many observers")
	ErrNoMessageAvailable    = errors.New("ipcpp: no message available")
	ErrAcquireLimitExceeded  = errors.New("ipcpp: acquire limit exceeded")
	ErrSubscriptionCancelled = errors.New("ipcpp: subscription cancelled")
	ErrIncompatibleTopic     = errors.New("ipcpp: topic exists with an incompatible layout")
	ErrUnsupportedType       = errors.New("ipcpp: payload type is not fixed-layout")
	ErrInvalidOptions        = errors.New("ipcpp: invalid options")
	ErrInvalidTopicID        = errors.New("ipcpp: invalid topic id")
	ErrClosed                = errors.New("ipcpp: topic closed")
)

//go:generate go tool stringer -type=ErrorKind -linecomment

// ErrorKind is the stable, comparable classification of an error
type ErrorKind uint8

const (
	KindUnknown                      ErrorKind = iota // UNKNOWN
	KindUnsupportedPlatform                           // UNSUPPORTED_PLATFORM
	KindCorruptedInitializationState                  // CORRUPTED_INITIALIZATION_STATE
	KindInvalidInitializationState                    // INVALID_INITIALIZATION_STATE
	KindTimeout                                       // TIMEOUT
	KindBufferTooSmall                                // BUFFER_TOO_SMALL
	KindTooManyElements                               // TOO_MANY_ELEMENTS
	KindTooManyObservers                              // TOO_MANY_OBSERVERS
	KindNoMessageAvailable                            // NO_MESSAGE_AVAILABLE
	KindOutOfMemory                                   // OUT_OF_MEMORY
	KindQueueFull                                     // QUEUE_FULL
	KindAcquireLimitExceeded                          // ACQUIRE_LIMIT_EXCEEDED
	KindStaleGeneration                               // STALE_GENERATION
	KindSubscriptionCancelled                         // SUBSCRIPTION_CANCELLED
	KindInvalidSubscriptionState                      // INVALID_SUBSCRIPTION_STATE
	KindIncompatibleTopic                             // INCOMPATIBLE_TOPIC
	KindUnsupportedType                               // UNSUPPORTED_TYPE
	KindInvalidOptions                                // INVALID_OPTIONS
	KindMemory                                        // MEMORY_ERROR
	KindTransport                                     // TRANSPORT_ERROR
	KindClosed                                        // CLOSED
)

// Category groups error kinds by how a caller should react
type Category uint8

const (
	// CategoryFatal: stop using the topic
	CategoryFatal Category = iota
	// CategoryRetryable: retry later or with a smaller configuration
	CategoryRetryable
	// CategoryPolicy: expected backpressure governed by a configured policy
	CategoryPolicy
	// CategoryProtocolViolation: the caller misused the API
	CategoryProtocolViolation
)

func (c Category) String() string {
	switch c {
	case CategoryFatal:
		return "fatal"
	case CategoryRetryable:
		return "retryable"
	case CategoryPolicy:
		return "policy"
	case CategoryProtocolViolation:
		return "protocol violation"
	}
	return fmt.Sprintf("Category(%d)", uint8(c))
}

// Category returns the category of the kind
func (k ErrorKind) Category() Category {
	switch k {
	case KindTimeout, KindNoMessageAvailable, KindBufferTooSmall, KindTooManyElements,
		KindTooManyObservers, KindInvalidInitializationState, KindTransport:
		return CategoryRetryable
	case KindOutOfMemory, KindQueueFull:
		return CategoryPolicy
	case KindAcquireLimitExceeded, KindStaleGeneration, KindSubscriptionCancelled,
		KindInvalidSubscriptionState, KindClosed:
		return CategoryProtocolViolation
	}
	return CategoryFatal
}

// kinds is checked in order; wrappers come before what they wrap
var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrSubscriptionCancelled, KindSubscriptionCancelled},
	{ErrClosed, KindClosed},
	{ErrTooManyObservers, KindTooManyObservers},
	{ErrNoMessageAvailable, KindNoMessageAvailable},
	{ErrAcquireLimitExceeded, KindAcquireLimitExceeded},
	{ErrStaleGeneration, KindStaleGeneration},
	{ErrOutOfMemory, KindOutOfMemory},
	{ErrQueueFull, KindQueueFull},
	{ErrCorruptedInitializationState, KindCorruptedInitializationState},
	{ErrInvalidInitializationState, KindInvalidInitializationState},
	{ErrTimeout, KindTimeout},
	{ErrBufferTooSmall, KindBufferTooSmall},
	{ErrTooManyElements, KindTooManyElements},
	{ErrUnsupportedPlatform, KindUnsupportedPlatform},
	{ErrInvalidSubscriptionState, KindInvalidSubscriptionState},
	{ErrIncompatibleTopic, KindIncompatibleTopic},
	{ErrUnsupportedType, KindUnsupportedType},
	{ErrInvalidOptions, KindInvalidOptions},
	{ErrInvalidTopicID, KindInvalidOptions},
}

// KindOf classifies err. It returns KindUnknown for nil and for errors that
// did not originate in this package.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	var me *shm.MemoryError
	if errors.As(err, &me) {
		return KindMemory
	}
	var te *transport.Error
	if errors.As(err, &te) {
		return KindTransport
	}
	return KindUnknown
}

// FormatError renders a kind and an optional detail as a message
func FormatError(kind ErrorKind, detail string) string {
	var b strings.Builder
	b.WriteString(kind.String())
	b.WriteString(" (")
	b.WriteString(kind.Category().String())
	b.WriteString(")")
	if detail != "" {
		b.WriteString(": ")
		b.WriteString(detail)
	}
	return b.String()
}

// DeliveryFailure is a failed delivery to one subscriber
type DeliveryFailure struct {
	Entry uint32 // registry entry of the subscriber
	ID    uint64 // subscription id
	Err   error
}

// PublishError reports the subscribers a publish could not reach. Delivery
// to every other subscriber went through.
type PublishError struct {
	Sequence uint64
	Failures []DeliveryFailure
}

func (e *PublishError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ipcpp: publish %d failed for %d subscriber(s)", e.Sequence, len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; entry %d: %v", f.Entry, f.Err)
	}
	return b.String()
}

func (e *PublishError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

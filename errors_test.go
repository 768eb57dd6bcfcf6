package ipcpp

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"gosuda.org/ipcpp/internal/shm"
	"gosuda.org/ipcpp/internal/transport"
)

// TestKindOf tests error classification
// It verifies sentinels, wrapped errors and typed errors map to their kinds
func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindUnknown},
		{errors.New("other"), KindUnknown},
		{ErrNoMessageAvailable, KindNoMessageAvailable},
		{fmt.Errorf("wrapped: %w", ErrTimeout), KindTimeout},
		{fmt.Errorf("%w: %w", ErrOutOfMemory, os.ErrDeadlineExceeded), KindOutOfMemory},
		{fmt.Errorf("%w: sequence 3", ErrStaleGeneration), KindStaleGeneration},
		{ErrInvalidSubscriptionState, KindInvalidSubscriptionState},
		{ErrInvalidTopicID, KindInvalidOptions},
		{&shm.MemoryError{Kind: shm.MappingError, Name: "x", Err: os.ErrPermission}, KindMemory},
		{&transport.Error{Kind: transport.BindError, Path: "/x", Err: os.ErrExist}, KindTransport},
		{&PublishError{Failures: []DeliveryFailure{{Err: ErrQueueFull}}}, KindQueueFull},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

// TestCategory tests the category of each error kind
// It verifies the fatal, retryable, policy and protocol-violation split
func TestCategory(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want Category
	}{
		{KindUnsupportedPlatform, CategoryFatal},
		{KindCorruptedInitializationState, CategoryFatal},
		{KindTimeout, CategoryRetryable},
		{KindNoMessageAvailable, CategoryRetryable},
		{KindBufferTooSmall, CategoryRetryable},
		{KindTooManyElements, CategoryRetryable},
		{KindOutOfMemory, CategoryPolicy},
		{KindQueueFull, CategoryPolicy},
		{KindAcquireLimitExceeded, CategoryProtocolViolation},
		{KindStaleGeneration, CategoryProtocolViolation},
	}
	for _, tt := range tests {
		if got := tt.kind.Category(); got != tt.want {
			t.Errorf("%s.Category() = %s, want %s", tt.kind, got, tt.want)
		}
	}
}

// TestFormatError tests rendering a kind with and without a detail
func TestFormatError(t *testing.T) {
	if got := FormatError(KindQueueFull, "entry 3"); got != "QUEUE_FULL (policy): entry 3" {
		t.Errorf("FormatError() = %q", got)
	}
	if got := FormatError(KindTimeout, ""); got != "TIMEOUT (retryable)" {
		t.Errorf("FormatError() = %q", got)
	}
	if got := ErrorKind(200).String(); got != "ErrorKind(200)" {
		t.Errorf("String() = %q", got)
	}
}

// TestPublishErrorUnwrap tests that a partial publish failure exposes every cause to errors.Is
func TestPublishErrorUnwrap(t *testing.T) {
	err := error(&PublishError{
		Sequence: 9,
		Failures: []DeliveryFailure{
			{Entry: 0, ID: 1, Err: ErrQueueFull},
			{Entry: 2, ID: 5, Err: ErrStaleGeneration},
		},
	})
	if !errors.Is(err, ErrQueueFull) || !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("errors.Is misses a failure: %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatal("errors.Is matched an absent cause")
	}
}

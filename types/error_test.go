package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrSequenceUnavailable, "sequence store down").
		WithCause(root).
		WithHTTPStatus(503).
		WithRetryable(true)

	if GetErrorCode(err) != ErrSequenceUnavailable {
		t.Fatalf("expected code %s, got %s", ErrSequenceUnavailable, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_FoundThroughWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("persist reply: %w", NewError(ErrConversationNotFound, "missing"))
	if !IsErrorCode(wrapped, ErrConversationNotFound) {
		t.Fatalf("expected code to be found through fmt wrapping")
	}
	if IsErrorCode(errors.New("plain"), ErrConversationNotFound) {
		t.Fatalf("plain errors carry no code")
	}
	if GetErrorCode(nil) != "" {
		t.Fatalf("nil error has no code")
	}
}

package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrTransferFailed, "download failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true)

	if GetErrorCode(err) != ErrTransferFailed {
		t.Fatalf("expected code %s, got %s", ErrTransferFailed, GetErrorCode(err))
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

	inner := Errorf(ErrForbidden, "user %s is not the leader", "u1")
	wrapped := fmt.Errorf("start run: %w", inner)

	if !IsErrorCode(wrapped, ErrForbidden) {
		t.Fatalf("expected FORBIDDEN through wrapping, got %q", GetErrorCode(wrapped))
	}
	if IsRetryable(wrapped) {
		t.Fatalf("authorization failures must not be retryable")
	}
	e, ok := AsError(wrapped)
	if !ok || e.Message != "user u1 is not the leader" {
		t.Fatalf("AsError mismatch: %+v %v", e, ok)
	}
}

func TestGetErrorCode_PlainError(t *testing.T) {
	t.Parallel()

	if code := GetErrorCode(errors.New("plain")); code != "" {
		t.Fatalf("expected empty code, got %s", code)
	}
}

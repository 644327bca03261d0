package errs

import (
	"errors"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(PeerClosed, "worker channel closed")
	if !Is(err, PeerClosed) {
		t.Fatalf("expected Is to match PeerClosed")
	}
	if Is(err, Timeout) {
		t.Fatalf("expected Is not to match Timeout")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(SpawnFailed, "fork failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find wrapped cause")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if Is(errors.New("plain"), Decode) {
		t.Fatalf("expected Is to be false for a non-*Error")
	}
}

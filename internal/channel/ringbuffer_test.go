package channel

import (
	"testing"

	"github.com/sozu-proxy/control-plane/internal/errs"
)

func TestRingBufferWriteReadRoundTrip(t *testing.T) {
	rb := newRingBuffer(16, 32)
	if err := rb.Write([]byte("hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rb.Len() != 5 {
		t.Fatalf("expected len 5, got %d", rb.Len())
	}
	if string(rb.Peek()) != "hello" {
		t.Fatalf("expected peek hello, got %q", rb.Peek())
	}
	rb.Discard(5)
	if rb.Len() != 0 {
		t.Fatalf("expected drained buffer, got len %d", rb.Len())
	}
}

func TestRingBufferBackPressure(t *testing.T) {
	rb := newRingBuffer(4, 8)
	if err := rb.Write(make([]byte, 8)); err != nil {
		t.Fatalf("unexpected error filling to max: %v", err)
	}
	err := rb.Write([]byte("x"))
	if !errs.Is(err, errs.BackPressure) {
		t.Fatalf("expected BackPressure, got %v", err)
	}
}

func TestRingBufferShrinksToTargetWhenDrained(t *testing.T) {
	rb := newRingBuffer(4, 64)
	if err := rb.Write(make([]byte, 40)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rb.Discard(40)
	if cap(rb.data) > rb.target {
		t.Fatalf("expected buffer to shrink back to target %d, cap is %d", rb.target, cap(rb.data))
	}
}

func TestRingBufferGrowCommit(t *testing.T) {
	rb := newRingBuffer(8, 16)
	slice, err := rb.Grow(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	copy(slice, []byte("abcd"))
	rb.Commit(4)
	if string(rb.Peek()) != "abcd" {
		t.Fatalf("expected abcd, got %q", rb.Peek())
	}
}

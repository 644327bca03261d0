package channel

import (
	"github.com/sozu-proxy/control-plane/internal/errs"
)

// ringBuffer is a contiguous, growable byte buffer sized by a (target, max)
// pair (spec.md §4.1): it grows on demand up to max and shrinks back to
// target once fully drained. It is not a true circular buffer (reads and
// writes never wrap past the slice end) since frames are consumed whole and
// the buffer compacts on every full drain — this is the simplest shape that
// satisfies the spec's grow/shrink contract.
type ringBuffer struct {
	data   []byte
	start  int
	target int
	max    int
}

func newRingBuffer(target, max int) *ringBuffer {
	if target <= 0 {
		target = 4096
	}
	if max < target {
		max = target
	}
	return &ringBuffer{
		data:   make([]byte, 0, target),
		target: target,
		max:    max,
	}
}

// Len is the number of unread bytes currently buffered.
func (b *ringBuffer) Len() int { return len(b.data) - b.start }

// Available is how many more bytes could be appended before hitting max.
func (b *ringBuffer) Available() int { return b.max - b.Len() }

// Write appends p, growing the backing slice as needed, up to max. It
// refuses (BackPressure) rather than ever silently dropping data.
func (b *ringBuffer) Write(p []byte) error {
	if len(p) > b.Available() {
		return errs.New(errs.BackPressure, "write would exceed channel buffer max")
	}
	b.compact()
	b.data = append(b.data, p...)
	return nil
}

// Peek returns the unread portion of the buffer without consuming it.
func (b *ringBuffer) Peek() []byte { return b.data[b.start:] }

// Discard consumes n unread bytes (the caller has already decoded them).
func (b *ringBuffer) Discard(n int) {
	b.start += n
	if b.start > len(b.data) {
		b.start = len(b.data)
	}
	b.shrinkIfDrained()
}

// Grow appends room for direct reads from a socket into the buffer: it
// returns a slice with at least n bytes of spare capacity after the current
// write position, growing (but never past max) first if necessary. n is
// first clamped to Available(), so the slice may be shorter than n; with no
// room left at all it fails with BackPressure.
func (b *ringBuffer) Grow(n int) ([]byte, error) {
	if n > b.Available() {
		n = b.Available()
	}
	if n <= 0 {
		return nil, errs.New(errs.BackPressure, "no room left in channel buffer")
	}
	b.compact()
	if cap(b.data)-len(b.data) < n {
		newCap := len(b.data) + n
		if newCap > b.max {
			newCap = b.max
		}
		grown := make([]byte, len(b.data), newCap)
		copy(grown, b.data)
		b.data = grown
	}
	return b.data[len(b.data) : len(b.data)+n], nil
}

// Commit records that n bytes, previously obtained via Grow, were filled in
// by the caller.
func (b *ringBuffer) Commit(n int) {
	b.data = b.data[:len(b.data)+n]
}

// compact slides unread bytes to the front of the backing array so appends
// don't grow the slice unnecessarily once the front has been discarded.
func (b *ringBuffer) compact() {
	if b.start == 0 {
		return
	}
	n := copy(b.data, b.data[b.start:])
	b.data = b.data[:n]
	b.start = 0
}

// shrinkIfDrained releases capacity back to target once the buffer is
// fully drained, per spec.md §4.1 ("shrink back to target when drained").
func (b *ringBuffer) shrinkIfDrained() {
	if b.Len() != 0 {
		return
	}
	b.start = 0
	b.data = b.data[:0]
	if cap(b.data) > b.target {
		b.data = make([]byte, 0, b.target)
	}
}

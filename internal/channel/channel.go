// Package channel implements the Framed Channel of spec.md §4.1: a duplex,
// byte-oriented pipe over a local stream socket with two ring buffers and
// length-delimited JSON framing (a JSON value followed by a single 0x00
// delimiter byte).
package channel

import (
	"bytes"
	"errors"
	"io"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sozu-proxy/control-plane/internal/errs"
	"github.com/sozu-proxy/control-plane/internal/wire"
)

const delimiter = 0x00

// conn is the minimal surface a Channel needs from its underlying
// transport. *os.File and *net.UnixConn both satisfy it.
type conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SyscallConn() (syscall.RawConn, error)
}

// Channel[T] is a Framed Channel carrying values of type T in both
// directions; master<->worker and master<->admin-client links each use a
// single Channel per link (spec.md §4.1). The teacher's sendfl/main.go and
// graceful_restarts/SocketHandoff/main.go both manipulate raw fds directly
// around a net.Conn; this type generalizes that into a reusable duplex
// framer.
type Channel[T any] struct {
	c       conn
	readBuf *ringBuffer
	writeBuf *ringBuffer
}

// New wraps c in a Channel with ring buffers sized (target, max) bytes, per
// spec.md §4.1.
func New[T any](c conn, target, max int) *Channel[T] {
	return &Channel[T]{
		c:        c,
		readBuf:  newRingBuffer(target, max),
		writeBuf: newRingBuffer(target, max),
	}
}

// WriteMessage appends encode(v) || 0x00 to the write buffer. It never
// blocks and never touches the socket directly; RunIO flushes buffered
// bytes. Fails with BackPressure if framing v would exceed max.
func (ch *Channel[T]) WriteMessage(v T) error {
	encoded, err := wire.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.Decode, "encoding message", err)
	}
	framed := make([]byte, len(encoded)+1)
	copy(framed, encoded)
	framed[len(encoded)] = delimiter
	if err := ch.writeBuf.Write(framed); err != nil {
		return err
	}
	return nil
}

// ReadMessage returns the next decoded message, or the zero value with
// ok=false and a nil error if no complete frame is buffered yet.
func (ch *Channel[T]) ReadMessage() (v T, ok bool, err error) {
	buffered := ch.readBuf.Peek()
	idx := bytes.IndexByte(buffered, delimiter)
	if idx < 0 {
		return v, false, nil
	}
	frame := buffered[:idx]
	if decodeErr := wire.Unmarshal(frame, &v); decodeErr != nil {
		ch.readBuf.Discard(idx + 1)
		return v, false, errs.Wrap(errs.Decode, "decoding frame", decodeErr)
	}
	ch.readBuf.Discard(idx + 1)
	return v, true, nil
}

// RunIO drains the socket into the read buffer and flushes as much of the
// write buffer as the socket accepts. It reports PeerClosed on a
// zero-length read (EOF).
func (ch *Channel[T]) RunIO() error {
	if err := ch.fill(); err != nil {
		return err
	}
	return ch.flush()
}

// Fill is the read half of RunIO, exported so a connection can dedicate one
// goroutine to reading and another to writing (the standard Go substitute
// for single-threaded readiness polling): concurrent Read and Write calls
// on the same underlying socket from separate goroutines are safe, and
// Fill/Flush only ever touch their own buffer, so no synchronization is
// needed between the two loops.
func (ch *Channel[T]) Fill() error { return ch.fill() }

// Flush is the write half of RunIO, see Fill.
func (ch *Channel[T]) Flush() error { return ch.flush() }

func (ch *Channel[T]) fill() error {
	for {
		slice, err := ch.readBuf.Grow(4096)
		if err != nil {
			// read buffer is full of undecoded data; caller must drain
			// via ReadMessage before more can be buffered.
			return nil
		}
		n, err := ch.c.Read(slice)
		if n > 0 {
			ch.readBuf.Commit(n)
		}
		if err != nil {
			if isWouldBlock(err) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errs.New(errs.PeerClosed, "channel peer closed")
			}
			return errs.Wrap(errs.IO, "reading from channel", err)
		}
		if n == 0 {
			return errs.New(errs.PeerClosed, "channel peer closed")
		}
		if n < len(slice) {
			// short read: socket had no more ready data this round.
			return nil
		}
	}
}

func (ch *Channel[T]) flush() error {
	for ch.writeBuf.Len() > 0 {
		pending := ch.writeBuf.Peek()
		n, err := ch.c.Write(pending)
		if n > 0 {
			ch.writeBuf.Discard(n)
		}
		if err != nil {
			if isWouldBlock(err) {
				return nil
			}
			return errs.Wrap(errs.IO, "writing to channel", err)
		}
		if n < len(pending) {
			return nil
		}
	}
	return nil
}

// Pending reports whether there is buffered, unflushed outbound data (used
// by the router to decide whether a worker needs another writable-event
// flush attempt, spec.md §4.6 "Backpressure").
func (ch *Channel[T]) Pending() bool { return ch.writeBuf.Len() > 0 }

// SetBlocking toggles the underlying fd to blocking mode. Used only during
// the worker handshake, where the master writes one message and waits
// synchronously before entering the event loop (spec.md §4.1, §4.4).
func (ch *Channel[T]) SetBlocking() error { return ch.setNonblock(false) }

// SetNonblocking toggles the underlying fd to nonblocking mode.
func (ch *Channel[T]) SetNonblocking() error { return ch.setNonblock(true) }

func (ch *Channel[T]) setNonblock(nonblocking bool) error {
	raw, err := ch.c.SyscallConn()
	if err != nil {
		return errs.Wrap(errs.IO, "obtaining raw conn", err)
	}
	var opErr error
	err = raw.Control(func(fd uintptr) {
		opErr = unix.SetNonblock(int(fd), nonblocking)
	})
	if err != nil {
		return errs.Wrap(errs.IO, "controlling raw conn", err)
	}
	if opErr != nil {
		return errs.Wrap(errs.IO, "setting nonblocking mode", opErr)
	}
	return nil
}

// Fd returns the underlying file descriptor number, for handoff during
// master upgrade (spec.md §4.7) or argv-carried worker handshake (§4.4).
func (ch *Channel[T]) Fd() (uintptr, error) {
	raw, err := ch.c.SyscallConn()
	if err != nil {
		return 0, errs.Wrap(errs.IO, "obtaining raw conn", err)
	}
	var fd uintptr
	err = raw.Control(func(f uintptr) { fd = f })
	if err != nil {
		return 0, errs.Wrap(errs.IO, "controlling raw conn", err)
	}
	return fd, nil
}

// Close closes the underlying transport.
func (ch *Channel[T]) Close() error { return ch.c.Close() }

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// Package admin implements the Admin Listener of spec.md §4.5: a local
// stream socket accepting admin clients, each wrapped in a Framed Channel
// and tracked by a monotonically increasing connection id.
//
// The accept-loop shape is grounded on the teacher's
// transparentProxy/main.go and tcpqueue/server.go (net.Listen followed by
// a for{ Accept(); go handle(...) } loop), generalized from TCP to a Unix
// stream socket bound with 0o600 permissions. The optional systemd socket
// activation path is grounded directly on the teacher's
// graceful_restarts/systemd-socket-activation/main.go, using the
// module-aware github.com/coreos/go-systemd/v22/activation import.
package admin

import (
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/coreos/go-systemd/v22/activation"

	"github.com/sozu-proxy/control-plane/internal/channel"
	"github.com/sozu-proxy/control-plane/internal/errs"
	"github.com/sozu-proxy/control-plane/internal/wire"
)

// Conn is one accepted admin client: a Framed Channel plus its connection
// id (spec.md §4.5).
type Conn struct {
	ID      uint64
	Channel *channel.Channel[wire.AdminFrame]
}

// Listener accepts admin clients on a local stream socket and hands each
// one, wrapped, to the router via Accepted().
type Listener struct {
	ln     net.Listener
	nextID uint64

	accepted chan *Conn
	errs     chan error

	mu    sync.Mutex
	conns map[uint64]*Conn
}

// Bind creates (or replaces, if stale) a Unix domain socket at path with
// 0o600 permissions (spec.md §4.5, §6).
func Bind(path string) (*Listener, error) {
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "binding admin socket", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, errs.Wrap(errs.IO, "setting admin socket permissions", err)
	}
	return newListener(ln), nil
}

// BindSystemd adopts the first socket systemd passed via socket
// activation, falling back to Bind(path) if none was supplied (e.g. when
// launched outside systemd).
func BindSystemd(path string) (*Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, errs.Wrap(errs.IO, "querying systemd socket activation", err)
	}
	if len(listeners) == 0 {
		return Bind(path)
	}
	return newListener(listeners[0]), nil
}

// AdoptFd wraps an already-open listening socket fd, inherited across a
// master upgrade handoff (spec.md §4.7 step 4: "registers the admin
// listener fd"), as a Listener. f is consumed: the returned Listener owns
// it from here on.
func AdoptFd(f *os.File) (*Listener, error) {
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "adopting inherited admin listener fd", err)
	}
	// net.FileListener dup's the fd internally; our copy is no longer
	// needed once the Listener owns its own.
	f.Close()
	return newListener(ln), nil
}

func removeStaleSocket(path string) error {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.IO, "stat admin socket path", err)
	}
	if removeErr := os.Remove(path); removeErr != nil {
		return errs.Wrap(errs.IO, "removing stale admin socket", removeErr)
	}
	return nil
}

func newListener(ln net.Listener) *Listener {
	l := &Listener{
		ln:       ln,
		accepted: make(chan *Conn, 16),
		errs:     make(chan error, 1),
		conns:    make(map[uint64]*Conn),
	}
	go l.acceptLoop()
	return l
}

func (l *Listener) acceptLoop() {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			l.errs <- errs.Wrap(errs.IO, "accepting admin connection", err)
			return
		}
		id := atomic.AddUint64(&l.nextID, 1)
		conn := &Conn{
			ID:      id,
			Channel: channel.New[wire.AdminFrame](mustSyscallConn(c), wire.DefaultChannelBufferSize, wire.DefaultChannelBufferMax),
		}
		// Connection pumps (see internal/router) use one blocking
		// goroutine per direction rather than nonblocking polling.
		if err := conn.Channel.SetBlocking(); err != nil {
			c.Close()
			continue
		}
		l.mu.Lock()
		l.conns[id] = conn
		l.mu.Unlock()
		l.accepted <- conn
	}
}

// mustSyscallConn narrows c to the conn interface internal/channel needs.
// net.Listen("unix", ...) always yields *net.UnixConn, which implements
// SyscallConn.
func mustSyscallConn(c net.Conn) *net.UnixConn {
	return c.(*net.UnixConn)
}

// Accepted is the channel the router selects on to learn of new admin
// clients.
func (l *Listener) Accepted() <-chan *Conn { return l.accepted }

// Errors reports fatal accept-loop errors (spec.md §7: "IO on the admin
// listener socket itself is fatal").
func (l *Listener) Errors() <-chan error { return l.errs }

// Remove drops id from the connection table, called on PeerClosed
// (spec.md §4.5 "On EOF, removes the entry").
func (l *Listener) Remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, id)
}

// Conns returns every currently tracked admin connection.
func (l *Listener) Conns() []*Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		out = append(out, c)
	}
	return out
}

// Fd exposes the listener's underlying fd for master-upgrade handoff
// (spec.md §4.7). Only *net.UnixListener supports this.
func (l *Listener) Fd() (uintptr, error) {
	unixLn, ok := l.ln.(*net.UnixListener)
	if !ok {
		return 0, errs.New(errs.IO, "admin listener is not a *net.UnixListener")
	}
	f, err := unixLn.File()
	if err != nil {
		return 0, errs.Wrap(errs.IO, "obtaining admin listener file", err)
	}
	return f.Fd(), nil
}

// Close closes the underlying listener.
func (l *Listener) Close() error { return l.ln.Close() }

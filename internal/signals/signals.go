// Package signals delivers SIGCHLD to the router as just another readable
// channel source, the Go equivalent of the self-pipe trick spec.md §9
// requires ("deliver it through a self-pipe or equivalent readable fd so
// the single-threaded router observes it as just another I/O source").
// os/signal.Notify already multiplexes the underlying self-pipe for us;
// this package only adds reaping and exit reporting on top, generalized
// from the teacher's SIGHUP/SIGTERM signal.Notify+select idiom in
// graceful_restarts/SocketHandoff/main.go and graceful_restarts/tbflip/main.go.
package signals

import (
	"os"
	"os/signal"
	"syscall"
)

// Exit describes one reaped child.
type Exit struct {
	Pid      int
	ExitCode int
	Signaled bool
}

// ChildWatcher reaps SIGCHLD-notified children and reports their exit on a
// channel, without blocking the caller's event loop.
type ChildWatcher struct {
	sigCh  chan os.Signal
	exitCh chan Exit
	done   chan struct{}
}

// NewChildWatcher starts watching for SIGCHLD. Call Stop to release the
// underlying signal registration.
func NewChildWatcher() *ChildWatcher {
	w := &ChildWatcher{
		sigCh:  make(chan os.Signal, 8),
		exitCh: make(chan Exit, 32),
		done:   make(chan struct{}),
	}
	signal.Notify(w.sigCh, syscall.SIGCHLD)
	go w.run()
	return w
}

// Exits is the channel the router selects on alongside admin and worker
// channels.
func (w *ChildWatcher) Exits() <-chan Exit { return w.exitCh }

func (w *ChildWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.sigCh:
			w.reapAll()
		}
	}
}

// reapAll drains every exited child in one SIGCHLD delivery, since
// multiple children can exit between the signal being coalesced and
// delivered.
func (w *ChildWatcher) reapAll() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		exit := Exit{Pid: pid}
		switch {
		case status.Exited():
			exit.ExitCode = status.ExitStatus()
		case status.Signaled():
			exit.Signaled = true
		}
		select {
		case w.exitCh <- exit:
		default:
			// exit channel full: the router is behind. Drop rather than
			// block the reaper; CountByTag-driven respawn will still
			// notice the worker is gone once the channel reports
			// PeerClosed.
		}
	}
}

// Stop releases the signal registration and stops the reaper goroutine.
func (w *ChildWatcher) Stop() {
	signal.Stop(w.sigCh)
	close(w.done)
}

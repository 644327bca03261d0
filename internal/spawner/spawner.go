// Package spawner implements the Worker Spawner of spec.md §4.4: fork+exec
// of the current executable in worker mode, passing an inherited socket fd
// plus identity arguments, followed by a blocking handshake write.
//
// The fork+exec shape is the teacher's own
// graceful_restarts/SocketHandoff/main.go attemptGracefulRestart pattern
// (os/exec.Cmd with ExtraFiles carrying an inherited fd, argv carrying the
// slot number), generalized from one TCP listener fd to a
// socketpair-derived control channel fd, matching
// original_source/bin/src/worker.rs's start_worker_process.
package spawner

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sozu-proxy/control-plane/internal/channel"
	"github.com/sozu-proxy/control-plane/internal/errs"
	"github.com/sozu-proxy/control-plane/internal/wire"
)

// childExtraFileFd is the fd number Go's os/exec assigns to the first
// entry of Cmd.ExtraFiles inside the child, regardless of the fd's number
// in the parent (fd 0,1,2 are stdin/stdout/stderr; ExtraFiles starts at 3).
const childExtraFileFd = 3

// Spawned is the result of a successful spawn: the parent-side channel and
// the child's OS process handle.
type Spawned struct {
	Channel *channel.Channel[wire.WorkerFrame]
	Process *os.Process
	Pid     int
}

// Spawn forks the current executable into worker mode for the given
// listener tag and worker id, matching spec.md §4.4's five-step
// algorithm. On success it has already written the handshake frame
// (ls as the first message) and flipped the parent's channel end to
// nonblocking.
func Spawn(tag string, id uint32, ls wire.ListenerSpec) (*Spawned, error) {
	serverFd, clientFd, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, errs.Wrap(errs.SpawnFailed, "creating worker socketpair", err)
	}

	serverFile := os.NewFile(uintptr(serverFd), fmt.Sprintf("worker-%s-%d-server", tag, id))
	clientFile := os.NewFile(uintptr(clientFd), fmt.Sprintf("worker-%s-%d-client", tag, id))
	defer clientFile.Close()

	// Clear close-on-exec on the child's end so it survives exec; keep it
	// set (Go's default for new fds) on our own end.
	if err := clearCloexec(clientFile); err != nil {
		serverFile.Close()
		return nil, errs.Wrap(errs.SpawnFailed, "clearing close-on-exec on client fd", err)
	}

	target := ls.ChannelBufferSize
	if target <= 0 {
		target = wire.DefaultChannelBufferSize
	}
	max := ls.ChannelBufferMax
	if max <= 0 {
		max = target * 2
	}
	ch := channel.New[wire.WorkerFrame](serverFile, target, max)
	if err := ch.SetBlocking(); err != nil {
		ch.Close()
		return nil, errs.Wrap(errs.SpawnFailed, "setting handshake channel blocking", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		ch.Close()
		return nil, errs.Wrap(errs.SpawnFailed, "resolving executable path", err)
	}

	cmd := exec.Command(exePath,
		"worker",
		"--fd", strconv.Itoa(childExtraFileFd),
		"--tag", tag,
		"--id", strconv.Itoa(int(id)),
		"--channel-buffer-size", strconv.Itoa(target),
		"--channel-buffer-max-size", strconv.Itoa(max),
	)
	cmd.ExtraFiles = []*os.File{clientFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		ch.Close()
		return nil, errs.Wrap(errs.SpawnFailed, "exec of worker process", err)
	}

	if err := ch.WriteMessage(wire.HandshakeFrame(ls)); err != nil {
		killAndReap(cmd.Process)
		ch.Close()
		return nil, errs.Wrap(errs.SpawnFailed, "buffering handshake frame", err)
	}
	if err := ch.Flush(); err != nil {
		killAndReap(cmd.Process)
		ch.Close()
		return nil, errs.Wrap(errs.SpawnFailed, "writing handshake frame", err)
	}
	if err := ch.SetNonblocking(); err != nil {
		killAndReap(cmd.Process)
		ch.Close()
		return nil, errs.Wrap(errs.SpawnFailed, "flipping handshake channel nonblocking", err)
	}

	return &Spawned{Channel: ch, Process: cmd.Process, Pid: cmd.Process.Pid}, nil
}

func clearCloexec(f *os.File) error {
	flags, err := unix.FcntlInt(f.Fd(), syscall.F_GETFD, 0)
	if err != nil {
		return err
	}
	flags &^= syscall.FD_CLOEXEC
	_, err = unix.FcntlInt(f.Fd(), syscall.F_SETFD, flags)
	return err
}

func killAndReap(p *os.Process) {
	if p == nil {
		return
	}
	_ = p.Kill()
	_, _ = p.Wait()
}

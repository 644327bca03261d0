// Package upgrade implements the Master Upgrade Coordinator of spec.md
// §4.7: a zero-downtime master replacement that hands off the admin
// listener fd and every live worker channel fd, plus a serialized
// ConfigState/registry snapshot, to a freshly exec'd copy of the same
// binary.
//
// The fork+exec+fd-passing shape is grounded directly on the teacher's
// graceful_restarts/SocketHandoff/main.go attemptGracefulRestart: dup the
// listener into an *os.File, hand it to the child via Cmd.ExtraFiles, and
// use a pipe/socket handshake for readiness, generalized here from one
// listener fd to N worker fds plus a JSON control blob (matching
// original_source/bin/src/command/mod.rs's upgrade_master, which passes
// every worker's fd across exec rather than just one listener).
package upgrade

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sozu-proxy/control-plane/internal/errs"
	"github.com/sozu-proxy/control-plane/internal/registry"
	"github.com/sozu-proxy/control-plane/internal/router"
	"github.com/sozu-proxy/control-plane/internal/state"
	"github.com/sozu-proxy/control-plane/internal/wire"
)

// AckTimeout bounds how long the retiring master waits for the new
// master's Ok acknowledgement before aborting the upgrade (spec.md §4.7
// step 3, state machine "Idle -> Failed").
const AckTimeout = 10 * time.Second

// controlFdSlot is the fd number the new master finds its control socket
// at, always 3 (Cmd.ExtraFiles starts there), matching the argv contract
// of spec.md §6 ("upgrade --fd <N>").
const controlFdSlot = 3

// Upgrade performs the retiring master's half of spec.md §4.7: serialize
// state, fork+exec a new master with every live fd handed off, send the
// UpgradeData blob, and wait for its Ok ack. On any failure the running
// master is left untouched (state machine "Idle -> Failed").
func Upgrade(r *router.Router) error {
	data, files, cleanup, err := buildHandoff(r)
	defer cleanup()
	if err != nil {
		return errs.Wrap(errs.UpgradeFailed, "building upgrade handoff", err)
	}

	controlParent, controlChild, err := socketpairFiles("upgrade-control")
	if err != nil {
		return errs.Wrap(errs.UpgradeFailed, "creating control socketpair", err)
	}
	defer controlParent.Close()

	allFiles := append([]*os.File{controlChild}, files...)

	exePath, err := os.Executable()
	if err != nil {
		return errs.Wrap(errs.UpgradeFailed, "resolving executable path", err)
	}
	cmd := exec.Command(exePath, "upgrade", "--fd", strconv.Itoa(controlFdSlot))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = allFiles

	if err := cmd.Start(); err != nil {
		controlChild.Close()
		return errs.Wrap(errs.UpgradeFailed, "starting new master", err)
	}
	controlChild.Close()

	encoded, err := wire.Marshal(data)
	if err != nil {
		killAndReap(cmd.Process)
		return errs.Wrap(errs.UpgradeFailed, "encoding upgrade data", err)
	}
	framed := append(encoded, 0x00)
	if _, err := controlParent.Write(framed); err != nil {
		killAndReap(cmd.Process)
		return errs.Wrap(errs.UpgradeFailed, "writing upgrade data", err)
	}

	if err := waitForAck(controlParent); err != nil {
		killAndReap(cmd.Process)
		return errs.Wrap(errs.UpgradeFailed, "awaiting new master ack", err)
	}
	return nil
}

// buildHandoff serializes the state store, registry and listener specs
// into an UpgradeData payload, and collects a duplicated *os.File for the
// admin listener plus every live worker channel, with close-on-exec
// cleared so they survive the handoff exec. The returned cleanup func
// clears each dup'd file's finalizer and closes it; callers must call it
// exactly once.
func buildHandoff(r *router.Router) (wire.UpgradeData, []*os.File, func(), error) {
	stateBlob, err := wire.Marshal(r.State().Dump())
	if err != nil {
		return wire.UpgradeData{}, nil, func() {}, err
	}

	adminFd, err := r.AdminListener().Fd()
	if err != nil {
		return wire.UpgradeData{}, nil, func() {}, err
	}
	adminFile, err := dupInheritable(adminFd, "upgrade-admin-listener")
	if err != nil {
		return wire.UpgradeData{}, nil, func() {}, err
	}

	files := []*os.File{adminFile}
	var handoffs []wire.WorkerHandoff
	workers := r.Registry().All()

	// files holds our own dup'd descriptors, distinct from the live
	// listener/channel fds they were dup'd from; closing them after the
	// handoff exec (whether it succeeds or fails) just releases our
	// copy, matching the teacher's SocketHandoff/main.go
	// "parent no longer needs child's copy" cleanup.
	cleanup := func() {
		for _, f := range files {
			runtime.SetFinalizer(f, nil)
			f.Close()
		}
	}

	for i, w := range workers {
		fd, err := w.Channel.Fd()
		if err != nil {
			cleanup()
			return wire.UpgradeData{}, nil, func() {}, err
		}
		wf, err := dupInheritable(fd, fmt.Sprintf("upgrade-worker-%s-%d", w.Info.Tag, w.Info.ID))
		if err != nil {
			cleanup()
			return wire.UpgradeData{}, nil, func() {}, err
		}
		files = append(files, wf)
		// Child fd numbers: controlChild occupies ExtraFiles[0], so the
		// admin listener lands at controlFdSlot+1 and worker i follows
		// at controlFdSlot+2+i (exec.Cmd.ExtraFiles is contiguous from
		// fd 3 regardless of each file's fd number in the parent).
		handoffs = append(handoffs, wire.WorkerHandoff{
			Tag: w.Info.Tag, ID: w.Info.ID, Pid: w.Info.Pid, Kind: w.Info.ProxyType,
			Fd: controlFdSlot + 2 + i,
		})
	}

	data := wire.UpgradeData{
		StateBlob: stateBlob,
		Specs:     r.Specs(),
		Workers:   handoffs,
		AdminFd:   controlFdSlot + 1,
	}
	return data, files, cleanup, nil
}

// dupInheritable wraps fd in a new *os.File sharing the same kernel file
// description (via dup) and clears its close-on-exec flag. The dup is a
// separate fd, so closing the wrapper does not affect the original fd's
// owner, which keeps using it in the retiring master.
func dupInheritable(fd uintptr, name string) (*os.File, error) {
	dupFd, err := unix.FcntlInt(fd, syscall.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "dup'ing fd for handoff", err)
	}
	f := os.NewFile(uintptr(dupFd), name)
	if err := clearCloexec(f); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func clearCloexec(f *os.File) error {
	flags, err := unix.FcntlInt(f.Fd(), syscall.F_GETFD, 0)
	if err != nil {
		return errs.Wrap(errs.IO, "reading fd flags", err)
	}
	_, err = unix.FcntlInt(f.Fd(), syscall.F_SETFD, flags&^syscall.FD_CLOEXEC)
	if err != nil {
		return errs.Wrap(errs.IO, "clearing close-on-exec", err)
	}
	return nil
}

func socketpairFiles(name string) (parent, child *os.File, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	parent = os.NewFile(uintptr(fds[0]), name+"-parent")
	child = os.NewFile(uintptr(fds[1]), name+"-child")
	if err := clearCloexec(child); err != nil {
		parent.Close()
		child.Close()
		return nil, nil, err
	}
	return parent, child, nil
}

// waitForAck reads one length-delimited frame off conn (spec.md §4.1
// framing) and reports whether it is an Ok acknowledgement.
func waitForAck(conn *os.File) error {
	c, err := net.FileConn(conn)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.SetReadDeadline(time.Now().Add(AckTimeout)); err != nil {
		return err
	}
	buf := make([]byte, 4096)
	var acc []byte
	for {
		n, err := c.Read(buf)
		if err != nil {
			return err
		}
		acc = append(acc, buf[:n]...)
		for i, b := range acc {
			if b != 0x00 {
				continue
			}
			var ack struct {
				Status string `json:"status"`
			}
			if err := wire.Unmarshal(acc[:i], &ack); err != nil {
				return err
			}
			if ack.Status != "Ok" {
				return errs.New(errs.UpgradeFailed, "new master reported "+ack.Status)
			}
			return nil
		}
	}
}

func killAndReap(p *os.Process) {
	if p == nil {
		return
	}
	_ = p.Kill()
	var ws syscall.WaitStatus
	_, _ = syscall.Wait4(p.Pid, &ws, 0, nil)
}

// Adopted is everything a new master reconstructs from an inherited
// upgrade handoff (spec.md §4.7 step 4).
type Adopted struct {
	State    *state.Store
	Registry *registry.Registry
	Specs    map[string]wire.ListenerSpec
	Workers  []wire.WorkerHandoff
	AdminFd  uintptr
}

// Receive reads the UpgradeData frame off controlFd (the fd named by the
// `upgrade --fd <N>` argv contract), reconstructs the state store and an
// empty registry, and writes back an Ok ack. The caller (cmd/sozu's
// upgrade mode) is responsible for wrapping AdminFd into an
// admin.Listener and each worker's numeric fd into a live channel.Channel,
// and for inserting the Worker entries into the registry.
func Receive(controlFd uintptr) (*Adopted, error) {
	conn := os.NewFile(controlFd, "upgrade-control")
	data, err := readFrame(conn)
	if err != nil {
		return nil, errs.Wrap(errs.UpgradeFailed, "reading upgrade data", err)
	}

	var upgradeData wire.UpgradeData
	if err := wire.Unmarshal(data, &upgradeData); err != nil {
		return nil, errs.Wrap(errs.Decode, "decoding upgrade data", err)
	}

	var dump map[string]*state.ListenerState
	if err := wire.Unmarshal(upgradeData.StateBlob, &dump); err != nil {
		return nil, errs.Wrap(errs.Decode, "decoding state blob", err)
	}
	st := state.New()
	st.Replace(dump)

	reg := registry.New()
	// Worker channels are reconstructed, and their entries inserted, by
	// the caller from Adopted.Workers.

	if err := ackOk(conn); err != nil {
		return nil, errs.Wrap(errs.UpgradeFailed, "writing ack", err)
	}

	return &Adopted{State: st, Registry: reg, Specs: upgradeData.Specs, Workers: upgradeData.Workers, AdminFd: uintptr(upgradeData.AdminFd)}, nil
}

func readFrame(conn *os.File) ([]byte, error) {
	buf := make([]byte, 4096)
	var acc []byte
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}
		acc = append(acc, buf[:n]...)
		for i, b := range acc {
			if b == 0x00 {
				return acc[:i], nil
			}
		}
	}
}

func ackOk(conn *os.File) error {
	encoded, err := wire.Marshal(struct {
		Status string `json:"status"`
	}{Status: "Ok"})
	if err != nil {
		return err
	}
	_, err = conn.Write(append(encoded, 0x00))
	return err
}

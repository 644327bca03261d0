package upgrade

import (
	"os"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/sozu-proxy/control-plane/internal/wire"
)

func TestDupInheritableClearsCloexec(t *testing.T) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer syscall.Close(fds[1])
	orig := os.NewFile(uintptr(fds[0]), "orig")
	defer orig.Close()

	dup, err := dupInheritable(orig.Fd(), "dup")
	if err != nil {
		t.Fatalf("dupInheritable: %v", err)
	}
	defer dup.Close()

	flags, err := unix.FcntlInt(dup.Fd(), syscall.F_GETFD, 0)
	if err != nil {
		t.Fatalf("fcntl getfd: %v", err)
	}
	if flags&syscall.FD_CLOEXEC != 0 {
		t.Fatalf("expected close-on-exec cleared on the dup'd fd")
	}

	// The dup must be a distinct fd, so clearing its flag leaves orig alone.
	if dup.Fd() == orig.Fd() {
		t.Fatalf("expected dup to produce a distinct fd")
	}
}

func TestAckFraming(t *testing.T) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	parent := os.NewFile(uintptr(fds[0]), "parent")
	child := os.NewFile(uintptr(fds[1]), "child")
	defer parent.Close()
	defer child.Close()

	go func() {
		_ = ackOk(child)
	}()

	if err := waitForAck(parent); err != nil {
		t.Fatalf("waitForAck: %v", err)
	}
}

func TestReadFrameStopsAtDelimiter(t *testing.T) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	parent := os.NewFile(uintptr(fds[0]), "parent")
	child := os.NewFile(uintptr(fds[1]), "child")
	defer parent.Close()
	defer child.Close()

	payload, err := wire.Marshal(wire.UpgradeData{Specs: map[string]wire.ListenerSpec{}, AdminFd: 4})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	go func() {
		_, _ = child.Write(append(payload, 0x00))
	}()

	got, err := readFrame(parent)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	var data wire.UpgradeData
	if err := wire.Unmarshal(got, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data.AdminFd != 4 {
		t.Fatalf("expected admin fd 4, got %d", data.AdminFd)
	}
}

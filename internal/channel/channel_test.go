package channel

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sozu-proxy/control-plane/internal/errs"
)

type testMessage struct {
	Seq  int    `json:"seq"`
	Body string `json:"body"`
}

func newTestPair(t *testing.T) (*Channel[testMessage], *Channel[testMessage]) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		acceptedCh <- c
	}()

	clientConn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var serverConn net.Conn
	select {
	case serverConn = <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for accept")
	}

	server := New[testMessage](serverConn.(*net.UnixConn), 64, 1024)
	client := New[testMessage](clientConn.(*net.UnixConn), 64, 1024)
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func TestChannelRoundTrip(t *testing.T) {
	server, client := newTestPair(t)

	if err := client.WriteMessage(testMessage{Seq: 1, Body: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("client Flush: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := server.RunIO(); err != nil {
			t.Fatalf("server RunIO: %v", err)
		}
		msg, ok, err := server.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if ok {
			if msg.Seq != 1 || msg.Body != "hello" {
				t.Fatalf("unexpected message: %+v", msg)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never received message")
}

func TestChannelBlockingToggle(t *testing.T) {
	server, _ := newTestPair(t)
	if err := server.SetNonblocking(); err != nil {
		t.Fatalf("SetNonblocking: %v", err)
	}
	if err := server.SetBlocking(); err != nil {
		t.Fatalf("SetBlocking: %v", err)
	}
}

func TestChannelPeerClosed(t *testing.T) {
	server, client := newTestPair(t)
	client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		err := server.RunIO()
		if err != nil {
			if !isPeerClosed(err) {
				t.Fatalf("expected PeerClosed, got %v", err)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never observed peer close")
}

func isPeerClosed(err error) bool {
	return errs.Is(err, errs.PeerClosed)
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

package router

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sozu-proxy/control-plane/internal/admin"
	"github.com/sozu-proxy/control-plane/internal/channel"
	"github.com/sozu-proxy/control-plane/internal/registry"
	"github.com/sozu-proxy/control-plane/internal/spawner"
	"github.com/sozu-proxy/control-plane/internal/state"
	"github.com/sozu-proxy/control-plane/internal/wire"
)

func silentLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// adminClient is a bare-bones synchronous admin-protocol client used only
// by tests, substituting for the out-of-scope CLI client (spec.md §1).
type adminClient struct {
	ch *channel.Channel[wire.AdminFrame]
}

func dialAdmin(t *testing.T, path string) *adminClient {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial admin socket: %v", err)
	}
	uc := conn.(*net.UnixConn)
	ch := channel.New[wire.AdminFrame](uc, wire.DefaultChannelBufferSize, wire.DefaultChannelBufferMax)
	if err := ch.SetBlocking(); err != nil {
		t.Fatalf("set blocking: %v", err)
	}
	return &adminClient{ch: ch}
}

func (c *adminClient) send(t *testing.T, req wire.ConfigMessage) {
	t.Helper()
	if err := c.ch.WriteMessage(wire.RequestFrame(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if err := c.ch.Flush(); err != nil {
		t.Fatalf("flush request: %v", err)
	}
}

func (c *adminClient) recv(t *testing.T) wire.ConfigMessageAnswer {
	t.Helper()
	for {
		if err := c.ch.Fill(); err != nil {
			t.Fatalf("fill: %v", err)
		}
		frame, ok, err := c.ch.ReadMessage()
		if err != nil {
			t.Fatalf("read message: %v", err)
		}
		if !ok {
			continue
		}
		if frame.Answer == nil {
			t.Fatalf("expected an answer frame, got %+v", frame)
		}
		return *frame.Answer
	}
}

// fakeWorker is the test-controlled other end of a socketpair standing in
// for a worker process, avoiding an actual fork+exec in unit tests.
type fakeWorker struct {
	ch  *channel.Channel[wire.WorkerFrame]
	pid int
}

// autoReply starts a goroutine that answers every received ORDER frame
// with a REPLY carrying status, echoing the order's id.
func (w *fakeWorker) autoReply(t *testing.T, status wire.Status) {
	t.Helper()
	go func() {
		for {
			if err := w.ch.Fill(); err != nil {
				return
			}
			for {
				frame, ok, err := w.ch.ReadMessage()
				if err != nil || !ok {
					break
				}
				if frame.Kind != wire.FrameOrder {
					continue
				}
				_ = w.ch.WriteMessage(wire.ReplyFrame(frame.ID, status, ""))
				_ = w.ch.Flush()
			}
		}
	}()
}

// newFakeSpawner builds a Router.spawn replacement that hands out
// socketpair-backed channels instead of forking a real process, recording
// each fake worker so the test can drive its replies.
func newFakeSpawner(t *testing.T) (spawnFn func(tag string, id uint32, ls wire.ListenerSpec) (*spawner.Spawned, error), workers *[]*fakeWorker) {
	t.Helper()
	var ws []*fakeWorker
	nextPid := 1000
	fn := func(tag string, id uint32, ls wire.ListenerSpec) (*spawner.Spawned, error) {
		fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
		if err != nil {
			return nil, err
		}
		parentFile := os.NewFile(uintptr(fds[0]), "parent")
		childFile := os.NewFile(uintptr(fds[1]), "child")

		parentCh := channel.New[wire.WorkerFrame](parentFile, wire.DefaultChannelBufferSize, wire.DefaultChannelBufferMax)
		if err := parentCh.SetBlocking(); err != nil {
			return nil, err
		}
		childCh := channel.New[wire.WorkerFrame](childFile, wire.DefaultChannelBufferSize, wire.DefaultChannelBufferMax)
		if err := childCh.SetBlocking(); err != nil {
			return nil, err
		}

		nextPid++
		fw := &fakeWorker{ch: childCh, pid: nextPid}
		ws = append(ws, fw)
		fw.autoReply(t, wire.Ok)

		return &spawner.Spawned{Channel: parentCh, Pid: nextPid}, nil
	}
	return fn, &ws
}

func newTestRouter(t *testing.T) (r *Router, client *adminClient, sockPath string) {
	t.Helper()
	sockPath = filepath.Join(t.TempDir(), "admin.sock")
	ln, err := admin.Bind(sockPath)
	if err != nil {
		t.Fatalf("bind admin: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	st := state.New()
	reg := registry.New()
	r = New(ln, st, reg, silentLog())
	r.requestTimeout = 500 * time.Millisecond
	spawnFn, _ := newFakeSpawner(t)
	r.spawn = spawnFn

	if err := r.Bootstrap(map[string]wire.ListenerSpec{
		"tag-a": {Kind: wire.HTTP, Address: "127.0.0.1", Port: 8080, WorkerCount: 2},
	}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	go r.Run()
	t.Cleanup(r.Stop)

	client = dialAdmin(t, sockPath)
	// give acceptLoop a moment to register the connection before the
	// first send; Accepted() is buffered so this is a generous margin.
	time.Sleep(20 * time.Millisecond)
	return r, client, sockPath
}

// S1: ADD_HTTP_FRONT fan-out.
func TestScenarioS1AddFrontFanOut(t *testing.T) {
	r, client, _ := newTestRouter(t)

	req := wire.ConfigMessage{
		ID:      "r1",
		Version: wire.ProtocolVersion,
		Command: wire.Command{
			Type: wire.CommandProxy,
			Order: wire.Order{Kind: wire.AddFront, Front: &wire.Front{AppID: "xxx", Hostname: "yyy", PathBegin: "xxx"}},
		},
		Proxy: strPtr("tag-a"),
	}
	client.send(t, req)

	first := client.recv(t)
	if first.ID != "r1" || first.Status != wire.Processing {
		t.Fatalf("expected Processing r1, got %+v", first)
	}
	second := client.recv(t)
	if second.ID != "r1" || second.Status != wire.Ok {
		t.Fatalf("expected Ok r1, got %+v", second)
	}

	snap := r.State().Snapshot("tag-a")
	if len(snap.Fronts) != 1 {
		t.Fatalf("expected exactly one front, got %d", len(snap.Fronts))
	}
}

// S4: LIST_WORKERS.
func TestScenarioS4ListWorkers(t *testing.T) {
	_, client, _ := newTestRouter(t)

	client.send(t, wire.ConfigMessage{ID: "r5", Version: wire.ProtocolVersion, Command: wire.Command{Type: wire.CommandListWorkers}})
	ans := client.recv(t)
	if ans.ID != "r5" || ans.Status != wire.Ok {
		t.Fatalf("expected Ok r5, got %+v", ans)
	}
	if ans.Data == nil || len(ans.Data.Workers) != 2 {
		t.Fatalf("expected 2 workers listed, got %+v", ans.Data)
	}
}

// S5: unknown command gets a single Error answer, connection stays open.
func TestScenarioS5UnknownCommandKeepsConnectionOpen(t *testing.T) {
	_, client, _ := newTestRouter(t)

	if err := client.ch.WriteMessage(wire.AdminFrame{Request: &wire.ConfigMessage{ID: "r6", Version: wire.ProtocolVersion, Command: wire.Command{Type: "NOPE"}}}); err != nil {
		t.Fatalf("write malformed request: %v", err)
	}
	if err := client.ch.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ans := client.recv(t)
	if ans.ID != "r6" || ans.Status != wire.ErrStatus {
		t.Fatalf("expected Error r6, got %+v", ans)
	}

	// Connection still usable: a subsequent well-formed request succeeds.
	client.send(t, wire.ConfigMessage{ID: "r7", Version: wire.ProtocolVersion, Command: wire.Command{Type: wire.CommandListWorkers}})
	ans2 := client.recv(t)
	if ans2.ID != "r7" || ans2.Status != wire.Ok {
		t.Fatalf("expected Ok r7 on the same connection, got %+v", ans2)
	}
}

// S2 (partial): save/load round trip driven entirely over the admin
// protocol (PROXY, SAVE_STATE, LOAD_STATE); the store is not cleared
// between save and load.
func TestScenarioS2SaveLoadRoundTrip(t *testing.T) {
	r, client, _ := newTestRouter(t)
	path := filepath.Join(t.TempDir(), "dump.json")

	client.send(t, wire.ConfigMessage{
		ID: "r1", Version: wire.ProtocolVersion,
		Command: wire.Command{Type: wire.CommandProxy, Order: wire.Order{Kind: wire.AddFront, Front: &wire.Front{AppID: "xxx", Hostname: "yyy", PathBegin: "xxx"}}},
		Proxy:   strPtr("tag-a"),
	})
	client.recv(t) // Processing
	client.recv(t) // Ok

	client.send(t, wire.ConfigMessage{ID: "r2", Version: wire.ProtocolVersion, Command: wire.Command{Type: wire.CommandSaveState, Path: path}})
	saveAns := client.recv(t)
	if saveAns.Status != wire.Ok {
		t.Fatalf("expected Ok save, got %+v", saveAns)
	}

	before := r.State().Snapshot("tag-a")

	client.send(t, wire.ConfigMessage{ID: "r3", Version: wire.ProtocolVersion, Command: wire.Command{Type: wire.CommandLoadState, Path: path}})
	loadAns1 := client.recv(t)
	if loadAns1.ID != "r3" {
		t.Fatalf("expected r3 answer, got %+v", loadAns1)
	}
	if loadAns1.Status == wire.Processing {
		loadAns2 := client.recv(t)
		if loadAns2.ID != "r3" || loadAns2.Status != wire.Ok {
			t.Fatalf("expected terminal Ok r3, got %+v", loadAns2)
		}
	} else if loadAns1.Status != wire.Ok {
		t.Fatalf("expected Ok r3, got %+v", loadAns1)
	}

	after := r.State().Snapshot("tag-a")
	if len(after.Fronts) != len(before.Fronts) {
		t.Fatalf("load did not restore the saved state: before=%d after=%d", len(before.Fronts), len(after.Fronts))
	}
}

// S3: DUMP_STATE answer message deserializes to the current state store.
func TestScenarioS3DumpState(t *testing.T) {
	_, client, _ := newTestRouter(t)

	client.send(t, wire.ConfigMessage{ID: "r4", Version: wire.ProtocolVersion, Command: wire.Command{Type: wire.CommandDumpState}})
	ans := client.recv(t)
	if ans.ID != "r4" || ans.Status != wire.Ok {
		t.Fatalf("expected Ok r4, got %+v", ans)
	}
	if ans.Message == "" {
		t.Fatalf("expected a non-empty dump payload")
	}
	var dump map[string]*state.ListenerState
	if err := wire.Unmarshal([]byte(ans.Message), &dump); err != nil {
		t.Fatalf("dump message did not decode: %v", err)
	}
	if _, ok := dump["tag-a"]; !ok {
		t.Fatalf("expected tag-a present in dump, got %v", dump)
	}
}

// Correlation (invariant 5): a pending request that never receives a
// worker reply still resolves to a single terminal Error once its
// deadline expires, never leaking the pending-request entry.
func TestCorrelationTimeoutProducesTerminalError(t *testing.T) {
	r, client, _ := newTestRouter(t)

	// Spawn a third worker whose fake side never auto-replies, so the
	// fan-out for this request never completes on its own.
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	parentFile := os.NewFile(uintptr(fds[0]), "parent")
	parentCh := channel.New[wire.WorkerFrame](parentFile, wire.DefaultChannelBufferSize, wire.DefaultChannelBufferMax)
	if err := parentCh.SetBlocking(); err != nil {
		t.Fatalf("set blocking: %v", err)
	}
	r.reg.Insert(&registry.Worker{
		Info:    registry.WorkerInfo{ID: 99, Pid: 424242, Tag: "tag-a", ProxyType: wire.HTTP, RunState: wire.Running},
		Channel: parentCh,
	})
	k := workerKey{tag: "tag-a", id: 99}
	st := &workerConnState{tag: "tag-a", id: 99, channel: parentCh, outbound: make(chan wire.WorkerFrame, 4), done: make(chan struct{})}
	r.workers[k] = st
	go writerLoop(parentCh, st.outbound, st.done, r.log)

	client.send(t, wire.ConfigMessage{
		ID: "rX", Version: wire.ProtocolVersion,
		Command: wire.Command{Type: wire.CommandProxy, Order: wire.Order{Kind: wire.AddFront, Front: &wire.Front{AppID: "a", Hostname: "b", PathBegin: "/"}}},
		Proxy:   strPtr("tag-a"),
	})

	client.recv(t) // Processing
	deadline := client.recv(t)
	if deadline.ID != "rX" || deadline.Status != wire.ErrStatus {
		t.Fatalf("expected a terminal Error after deadline, got %+v", deadline)
	}
}

func strPtr(s string) *string { return &s }

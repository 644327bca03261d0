package introspect

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sozu-proxy/control-plane/internal/registry"
	"github.com/sozu-proxy/control-plane/internal/wire"
)

func silentLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type fakeChannel struct{}

func (fakeChannel) Close() error             { return nil }
func (fakeChannel) Fd() (uintptr, error)      { return 0, nil }

func TestHandleWorkersListsRegistered(t *testing.T) {
	reg := registry.New()
	reg.Insert(&registry.Worker{
		Info:    registry.WorkerInfo{Tag: "tag-a", ID: 0, Pid: 123, ProxyType: wire.HTTP, RunState: wire.Running},
		Channel: fakeChannel{},
	})

	hub := NewHub(silentLog())
	go hub.Run()
	defer hub.Close()

	srv := New("", reg, hub, silentLog())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/workers", nil)
	srv.http.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Workers []wire.WorkerInfo `json:"workers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(body.Workers) != 1 || body.Workers[0].Tag != "tag-a" || body.Workers[0].Pid != 123 {
		t.Fatalf("unexpected workers payload: %+v", body.Workers)
	}
}

func TestEventsWebsocketReceivesPublishedEvent(t *testing.T) {
	reg := registry.New()
	hub := NewHub(silentLog())
	go hub.Run()
	defer hub.Close()

	srv := New("", reg, hub, silentLog())
	httpSrv := httptest.NewServer(srv.http.Handler)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	// Give the hub a moment to process the register before publishing,
	// since registration happens over an unbuffered channel read inside
	// Run's select loop.
	time.Sleep(20 * time.Millisecond)

	hub.Publish(Event{Type: EventWorkerSpawned, Tag: "tag-a", ID: 0, Pid: 42, Timestamp: time.Unix(0, 0)})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading websocket message: %v", err)
	}
	var ev Event
	if err := wire.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if ev.Type != EventWorkerSpawned || ev.Tag != "tag-a" || ev.Pid != 42 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestServeAndShutdown(t *testing.T) {
	reg := registry.New()
	hub := NewHub(silentLog())
	go hub.Run()
	defer hub.Close()

	srv := New("127.0.0.1:0", reg, hub, silentLog())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/workers")
	if err != nil {
		t.Fatalf("GET /workers: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("serve returned error after shutdown: %v", err)
	}
}

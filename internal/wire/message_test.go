package wire

import (
	"testing"

	"github.com/sozu-proxy/control-plane/internal/errs"
)

func TestUnmarshalAddHTTPFront(t *testing.T) {
	raw := []byte(`{"id":"ID1","version":0,"type":"PROXY","proxy":"HTTP",
		"data":{"type":"ADD_HTTP_FRONT",
			"data":{"app_id":"xxx","hostname":"yyy","path_begin":"/"}}}`)

	var msg ConfigMessage
	if err := msg.UnmarshalJSON(raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ID != "ID1" {
		t.Fatalf("expected id ID1, got %q", msg.ID)
	}
	if msg.Command.Type != CommandProxy {
		t.Fatalf("expected PROXY command, got %q", msg.Command.Type)
	}
	if msg.Command.Order.Kind != AddFront {
		t.Fatalf("expected AddFront order, got %q", msg.Command.Order.Kind)
	}
	if msg.Command.Order.Front == nil || msg.Command.Order.Front.AppID != "xxx" {
		t.Fatalf("expected front app_id xxx, got %+v", msg.Command.Order.Front)
	}
	if msg.Proxy == nil || *msg.Proxy != "HTTP" {
		t.Fatalf("expected proxy filter HTTP, got %v", msg.Proxy)
	}
}

func TestUnmarshalUnknownCommand(t *testing.T) {
	raw := []byte(`{"id":"r6","version":0,"type":"NOPE"}`)
	var msg ConfigMessage
	err := msg.UnmarshalJSON(raw)
	if !errs.Is(err, errs.Protocol) {
		t.Fatalf("expected Protocol error, got %v", err)
	}
}

func TestUnmarshalMissingID(t *testing.T) {
	raw := []byte(`{"version":0,"type":"DUMP_STATE"}`)
	var msg ConfigMessage
	err := msg.UnmarshalJSON(raw)
	if !errs.Is(err, errs.Protocol) {
		t.Fatalf("expected Protocol error for missing id, got %v", err)
	}
}

func TestUnmarshalBadVersion(t *testing.T) {
	raw := []byte(`{"id":"r1","version":1,"type":"DUMP_STATE"}`)
	var msg ConfigMessage
	err := msg.UnmarshalJSON(raw)
	if !errs.Is(err, errs.Protocol) {
		t.Fatalf("expected Protocol error for bad version, got %v", err)
	}
}

func TestUnmarshalMissingOrderField(t *testing.T) {
	raw := []byte(`{"id":"r1","version":0,"type":"PROXY",
		"data":{"type":"ADD_HTTP_FRONT","data":{"hostname":"yyy","path_begin":"/"}}}`)
	var msg ConfigMessage
	err := msg.UnmarshalJSON(raw)
	if !errs.Is(err, errs.Protocol) {
		t.Fatalf("expected Protocol error for missing app_id, got %v", err)
	}
}

func TestLaunchWorkerRoundTrip(t *testing.T) {
	msg := ConfigMessage{
		ID:      "r8",
		Version: ProtocolVersion,
		Command: Command{Type: CommandLaunchWorker, WorkerTag: "tag-a"},
	}
	data, err := msg.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var decoded ConfigMessage
	if err := decoded.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.Command.WorkerTag != "tag-a" {
		t.Fatalf("expected tag-a, got %q", decoded.Command.WorkerTag)
	}
}

func TestAnswerWithWorkersMarshalsListData(t *testing.T) {
	ans := NewAnswer("r5", Ok, "").WithWorkers([]WorkerInfo{
		{ID: 0, Pid: 100, Tag: "tag-a", ProxyType: HTTP, RunState: Running},
	})
	data, err := Marshal(ans)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var decoded ConfigMessageAnswer
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(decoded.Data.Workers) != 1 || decoded.Data.Workers[0].Tag != "tag-a" {
		t.Fatalf("expected one worker tag-a, got %+v", decoded.Data)
	}
}

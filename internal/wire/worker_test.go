package wire

import "testing"

func TestHandshakeFrameRoundTrip(t *testing.T) {
	ls := ListenerSpec{Kind: HTTP, Address: "127.0.0.1", Port: 8080, WorkerCount: 2}
	data, err := Marshal(HandshakeFrame(ls))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded WorkerFrame
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Kind != FrameHandshake || decoded.ListenerSpec == nil || decoded.ListenerSpec.Port != 8080 {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
}

func TestOrderFrameRoundTrip(t *testing.T) {
	order := Order{Kind: AddFront, Front: &Front{AppID: "xxx", Hostname: "yyy", PathBegin: "/"}}
	data, err := Marshal(OrderFrame("r1", order))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded WorkerFrame
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Kind != FrameOrder || decoded.ID != "r1" || decoded.Order == nil || decoded.Order.Front.AppID != "xxx" {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
}

func TestReplyFrameRoundTrip(t *testing.T) {
	data, err := Marshal(ReplyFrame("r1", Ok, "installed"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded WorkerFrame
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Kind != FrameReply || decoded.Status != Ok || decoded.Message != "installed" {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
}

func TestUnrecognizedFrameKindRejected(t *testing.T) {
	var decoded WorkerFrame
	err := Unmarshal([]byte(`{"kind":"NOPE"}`), &decoded)
	if err == nil {
		t.Fatalf("expected error for unrecognized frame kind")
	}
}

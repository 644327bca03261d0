package wire

import (
	"encoding/json"
	"fmt"

	"github.com/sozu-proxy/control-plane/internal/errs"
)

// WorkerFrameKind discriminates the three shapes a frame on a
// master<->worker channel can take (spec.md §6 "Worker control protocol"):
// the one-shot handshake, an order sent master->worker, and a reply sent
// worker->master. Unlike the admin ConfigMessage/ConfigMessageAnswer pair,
// both directions share one Go channel type parameter, so the frame is
// itself a closed tagged union over both directions.
type WorkerFrameKind string

const (
	FrameHandshake WorkerFrameKind = "HANDSHAKE"
	FrameOrder     WorkerFrameKind = "ORDER"
	FrameReply     WorkerFrameKind = "REPLY"
)

// WorkerFrame is the single message type carried by a worker's Framed
// Channel in both directions.
type WorkerFrame struct {
	Kind WorkerFrameKind

	// Handshake: the ListenerSpec sent once, master->worker, as the first
	// frame (spec.md §4.4 step 4).
	ListenerSpec *ListenerSpec

	// Order: a routing-table mutation, master->worker, tagged with the
	// originating admin request's id for correlation (spec.md §4.6).
	ID    string
	Order *Order

	// Reply: a worker's acknowledgement, worker->master, echoing ID and
	// carrying a terminal-or-interim status (spec.md §6 "ServerMessage").
	Status  Status
	Message string
}

type rawWorkerFrame struct {
	Kind         WorkerFrameKind        `json:"kind"`
	ListenerSpec *ListenerSpec          `json:"listener_spec,omitempty"`
	ID           string                 `json:"id,omitempty"`
	Order        map[string]interface{} `json:"order,omitempty"`
	Status       Status                 `json:"status,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

// MarshalJSON renders the frame to its wire shape.
func (f WorkerFrame) MarshalJSON() ([]byte, error) {
	raw := rawWorkerFrame{
		Kind:         f.Kind,
		ListenerSpec: f.ListenerSpec,
		ID:           f.ID,
		Status:       f.Status,
		Message:      f.Message,
	}
	if f.Order != nil {
		container, err := EncodeOrder(*f.Order)
		if err != nil {
			return nil, err
		}
		raw.Order = container
	}
	return Marshal(raw)
}

// UnmarshalJSON decodes a frame, rejecting unrecognized kinds (spec.md §9
// "closed variant").
func (f *WorkerFrame) UnmarshalJSON(data []byte) error {
	var raw rawWorkerFrame
	if err := Unmarshal(data, &raw); err != nil {
		return errs.Wrap(errs.Decode, "decoding worker frame", err)
	}
	switch raw.Kind {
	case FrameHandshake:
		if raw.ListenerSpec == nil {
			return errs.New(errs.Protocol, "handshake frame missing listener_spec")
		}
	case FrameOrder:
		if raw.ID == "" {
			return errs.New(errs.Protocol, "order frame missing id")
		}
		if raw.Order == nil {
			return errs.New(errs.Protocol, "order frame missing order")
		}
		kindName, _ := raw.Order["type"].(string)
		var payload json.RawMessage
		if dataField, ok := raw.Order["data"]; ok && dataField != nil {
			encoded, err := Marshal(dataField)
			if err != nil {
				return errs.Wrap(errs.Decode, "re-encoding order payload", err)
			}
			payload = encoded
		}
		order, err := decodeOrder(kindName, payload)
		if err != nil {
			return err
		}
		f.Order = &order
	case FrameReply:
		if raw.ID == "" {
			return errs.New(errs.Protocol, "reply frame missing id")
		}
		if raw.Status == "" {
			return errs.New(errs.Protocol, "reply frame missing status")
		}
	default:
		return errs.New(errs.Protocol, fmt.Sprintf("unrecognized worker frame kind %q", raw.Kind))
	}

	f.Kind = raw.Kind
	f.ListenerSpec = raw.ListenerSpec
	f.ID = raw.ID
	f.Status = raw.Status
	f.Message = raw.Message
	return nil
}

// HandshakeFrame wraps ls as the worker's first frame.
func HandshakeFrame(ls ListenerSpec) WorkerFrame {
	return WorkerFrame{Kind: FrameHandshake, ListenerSpec: &ls}
}

// OrderFrame wraps an order for master->worker dispatch, tagged with the
// originating admin request id.
func OrderFrame(id string, order Order) WorkerFrame {
	return WorkerFrame{Kind: FrameOrder, ID: id, Order: &order}
}

// ReplyFrame wraps a worker's acknowledgement.
func ReplyFrame(id string, status Status, message string) WorkerFrame {
	return WorkerFrame{Kind: FrameReply, ID: id, Status: status, Message: message}
}

package wire

import (
	"encoding/json"
	"fmt"

	"github.com/sozu-proxy/control-plane/internal/errs"
)

// ProtocolVersion is the only version value the admin wire protocol accepts
// (spec.md §6: "version must equal 0").
const ProtocolVersion uint8 = 0

// CommandType is the tagged discriminator of an admin request's top-level
// "type" field (spec.md §6).
type CommandType string

const (
	CommandProxy          CommandType = "PROXY"
	CommandSaveState      CommandType = "SAVE_STATE"
	CommandLoadState      CommandType = "LOAD_STATE"
	CommandDumpState      CommandType = "DUMP_STATE"
	CommandListWorkers    CommandType = "LIST_WORKERS"
	CommandLaunchWorker   CommandType = "LAUNCH_WORKER"
	CommandUpgradeMaster  CommandType = "UPGRADE_MASTER"
	// CommandStatus is the SPEC_FULL supplement: a liveness probe fanned
	// out as Order{Kind: StatusCheck}, distinct from LIST_WORKERS which
	// only reports registry-known state.
	CommandStatus CommandType = "STATUS"
)

// orderWireKind maps the admin protocol's order tag names (as seen in
// original_source/command/src/data.rs's test fixtures, e.g. ADD_HTTP_FRONT)
// to the internal OrderKind.
var orderWireKind = map[string]OrderKind{
	"ADD_HTTP_FRONT":        AddFront,
	"REMOVE_HTTP_FRONT":     RemoveFront,
	"ADD_BACKEND":           AddBackend,
	"REMOVE_BACKEND":        RemoveBackend,
	"ADD_CERTIFICATE":       AddCertificate,
	"REMOVE_CERTIFICATE":    RemoveCertificate,
	"SOFT_STOP":             SoftStop,
	"HARD_STOP":             HardStop,
	"STATUS_CHECK":          StatusCheck,
}

var orderKindWire = func() map[OrderKind]string {
	m := make(map[OrderKind]string, len(orderWireKind))
	for wireName, kind := range orderWireKind {
		m[kind] = wireName
	}
	return m
}()

// Command is the closed variant of everything an admin request can carry.
// Exactly one of the typed fields is populated, selected by Type.
type Command struct {
	Type         CommandType
	Order        Order
	Path         string
	WorkerTag    string
}

// rawOrder is the wire shape of Command.Order's container:
// {"type": "ADD_HTTP_FRONT", "data": {...}}.
type rawOrder struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func decodeOrder(kindName string, data json.RawMessage) (Order, error) {
	kind, ok := orderWireKind[kindName]
	if !ok {
		return Order{}, errs.New(errs.Protocol, fmt.Sprintf("unrecognized order type %q", kindName))
	}
	order := Order{Kind: kind}
	switch kind {
	case AddFront, RemoveFront:
		var f Front
		if len(data) == 0 {
			return Order{}, errs.New(errs.Protocol, "missing field data")
		}
		if err := Unmarshal(data, &f); err != nil {
			return Order{}, errs.Wrap(errs.Decode, "decoding front payload", err)
		}
		if f.AppID == "" {
			return Order{}, errs.New(errs.Protocol, "missing field app_id")
		}
		if f.Hostname == "" {
			return Order{}, errs.New(errs.Protocol, "missing field hostname")
		}
		order.Front = &f
	case AddBackend, RemoveBackend:
		var b Backend
		if len(data) == 0 {
			return Order{}, errs.New(errs.Protocol, "missing field data")
		}
		if err := Unmarshal(data, &b); err != nil {
			return Order{}, errs.Wrap(errs.Decode, "decoding backend payload", err)
		}
		if b.AppID == "" {
			return Order{}, errs.New(errs.Protocol, "missing field app_id")
		}
		if b.Address == "" {
			return Order{}, errs.New(errs.Protocol, "missing field address")
		}
		order.Backend = &b
	case AddCertificate, RemoveCertificate:
		var c Certificate
		if len(data) == 0 {
			return Order{}, errs.New(errs.Protocol, "missing field data")
		}
		if err := Unmarshal(data, &c); err != nil {
			return Order{}, errs.Wrap(errs.Decode, "decoding certificate payload", err)
		}
		if c.Hostname == "" {
			return Order{}, errs.New(errs.Protocol, "missing field hostname")
		}
		order.Certificate = &c
	case SoftStop, HardStop, StatusCheck:
		// no payload
	}
	return order, nil
}

// EncodeOrder renders an Order back into its wire container shape, for
// forwarding to a worker channel.
func EncodeOrder(o Order) (map[string]interface{}, error) {
	name, ok := orderKindWire[o.Kind]
	if !ok {
		return nil, errs.New(errs.Protocol, fmt.Sprintf("unknown order kind %q", o.Kind))
	}
	var data interface{}
	switch {
	case o.Front != nil:
		data = o.Front
	case o.Backend != nil:
		data = o.Backend
	case o.Certificate != nil:
		data = o.Certificate
	}
	return map[string]interface{}{"type": name, "data": data}, nil
}

// ConfigMessage is one admin request (spec.md §3, §6).
type ConfigMessage struct {
	ID      string
	Version uint8
	Command Command
	Proxy   *string
	ProxyID *uint32
}

type rawConfigMessage struct {
	ID      string          `json:"id"`
	Version uint8           `json:"version"`
	Type    string          `json:"type"`
	Proxy   *string         `json:"proxy,omitempty"`
	ProxyID *uint32         `json:"proxy_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON decodes an admin request, rejecting unknown command tags and
// reporting the first missing required field, per spec.md §6 and the
// "dedicated decoder" guidance of spec.md §9.
func (m *ConfigMessage) UnmarshalJSON(data []byte) error {
	var raw rawConfigMessage
	if err := Unmarshal(data, &raw); err != nil {
		return errs.Wrap(errs.Decode, "decoding admin request", err)
	}
	// Populate what we can before validating, so a caller that receives
	// an error back can still recover the request id to correlate an
	// Error answer (spec.md §8 scenario S5).
	m.ID = raw.ID
	m.Version = raw.Version
	if raw.ID == "" {
		return errs.New(errs.Protocol, "missing field id")
	}
	if raw.Version != ProtocolVersion {
		return errs.New(errs.Protocol, fmt.Sprintf("unsupported version %d", raw.Version))
	}

	cmd := Command{Type: CommandType(raw.Type)}
	switch cmd.Type {
	case CommandProxy:
		if len(raw.Data) == 0 {
			return errs.New(errs.Protocol, "missing field data")
		}
		var ro rawOrder
		if err := Unmarshal(raw.Data, &ro); err != nil {
			return errs.Wrap(errs.Decode, "decoding order container", err)
		}
		if ro.Type == "" {
			return errs.New(errs.Protocol, "missing field type")
		}
		order, err := decodeOrder(ro.Type, ro.Data)
		if err != nil {
			return err
		}
		cmd.Order = order
	case CommandSaveState, CommandLoadState:
		if len(raw.Data) == 0 {
			return errs.New(errs.Protocol, "missing field path")
		}
		var sp struct {
			Path string `json:"path"`
		}
		if err := Unmarshal(raw.Data, &sp); err != nil {
			return errs.Wrap(errs.Decode, "decoding path payload", err)
		}
		if sp.Path == "" {
			return errs.New(errs.Protocol, "missing field path")
		}
		cmd.Path = sp.Path
	case CommandLaunchWorker:
		if len(raw.Data) == 0 {
			return errs.New(errs.Protocol, "missing field data")
		}
		var tag string
		if err := Unmarshal(raw.Data, &tag); err != nil {
			return errs.Wrap(errs.Decode, "decoding tag payload", err)
		}
		if tag == "" {
			return errs.New(errs.Protocol, "missing field data")
		}
		cmd.WorkerTag = tag
	case CommandDumpState, CommandListWorkers, CommandUpgradeMaster, CommandStatus:
		// no payload required
	default:
		return errs.New(errs.Protocol, "unrecognized command")
	}

	m.ID = raw.ID
	m.Version = raw.Version
	m.Command = cmd
	m.Proxy = raw.Proxy
	m.ProxyID = raw.ProxyID
	return nil
}

// MarshalJSON renders the request back to its wire shape. Used by tests and
// by anything re-serializing a request (the admin CLI client itself is out
// of scope per spec.md §1).
func (m ConfigMessage) MarshalJSON() ([]byte, error) {
	raw := rawConfigMessage{
		ID:      m.ID,
		Version: m.Version,
		Type:    string(m.Command.Type),
		Proxy:   m.Proxy,
		ProxyID: m.ProxyID,
	}
	switch m.Command.Type {
	case CommandProxy:
		container, err := EncodeOrder(m.Command.Order)
		if err != nil {
			return nil, err
		}
		data, err := Marshal(container)
		if err != nil {
			return nil, err
		}
		raw.Data = data
	case CommandSaveState, CommandLoadState:
		data, err := Marshal(map[string]string{"path": m.Command.Path})
		if err != nil {
			return nil, err
		}
		raw.Data = data
	case CommandLaunchWorker:
		data, err := Marshal(m.Command.WorkerTag)
		if err != nil {
			return nil, err
		}
		raw.Data = data
	}
	return Marshal(raw)
}

// Status is the terminal/interim state of a ConfigMessageAnswer (spec.md §3).
type Status string

const (
	Ok         Status = "Ok"
	Processing Status = "Processing"
	ErrStatus  Status = "Error"
)

// AnswerData is the optional typed payload an answer may carry. Spec.md §3:
// "currently only a workers listing".
type AnswerData struct {
	Workers []WorkerInfo `json:"Workers,omitempty"`
}

// ConfigMessageAnswer is the router's reply to an admin request (spec.md §3).
type ConfigMessageAnswer struct {
	ID      string      `json:"id"`
	Version uint8       `json:"version"`
	Status  Status      `json:"status"`
	Message string      `json:"message"`
	Data    *AnswerData `json:"data,omitempty"`
}

// NewAnswer builds a ConfigMessageAnswer echoing the request id.
func NewAnswer(id string, status Status, message string) ConfigMessageAnswer {
	return ConfigMessageAnswer{ID: id, Version: ProtocolVersion, Status: status, Message: message}
}

// WithWorkers attaches a Workers listing to the answer.
func (a ConfigMessageAnswer) WithWorkers(workers []WorkerInfo) ConfigMessageAnswer {
	a.Data = &AnswerData{Workers: workers}
	return a
}

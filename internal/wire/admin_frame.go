package wire

import (
	"encoding/json"

	"github.com/sozu-proxy/control-plane/internal/errs"
)

// AdminFrame is the single message type carried by an admin client's
// Framed Channel: a request in one direction, an answer in the other
// (spec.md §6). Like WorkerFrame, this exists because Go's Channel[T]
// (unlike the original's Channel<Tx,Rx>) uses one type for both
// directions.
type AdminFrame struct {
	Request *ConfigMessage
	Answer  *ConfigMessageAnswer
}

// RequestFrame wraps an incoming admin request.
func RequestFrame(m ConfigMessage) AdminFrame { return AdminFrame{Request: &m} }

// AnswerFrame wraps an outgoing admin answer.
func AnswerFrame(a ConfigMessageAnswer) AdminFrame { return AdminFrame{Answer: &a} }

// MarshalJSON renders whichever side is populated. Request takes
// precedence if, implausibly, both are set.
func (f AdminFrame) MarshalJSON() ([]byte, error) {
	if f.Request != nil {
		return Marshal(f.Request)
	}
	if f.Answer != nil {
		return Marshal(f.Answer)
	}
	return nil, errs.New(errs.Protocol, "empty admin frame")
}

// UnmarshalJSON distinguishes a request from an answer by the presence of
// the request-only "type" field, since answers never carry one.
func (f *AdminFrame) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type json.RawMessage `json:"type"`
	}
	if err := Unmarshal(data, &probe); err != nil {
		return errs.Wrap(errs.Decode, "probing admin frame shape", err)
	}
	if probe.Type != nil {
		var req ConfigMessage
		err := req.UnmarshalJSON(data)
		// Keep whatever UnmarshalJSON managed to populate (at least the
		// request id, if present) so a caller seeing err != nil can still
		// correlate an Error answer (spec.md §8 scenario S5).
		f.Request = &req
		f.Answer = nil
		return err
	}
	var ans ConfigMessageAnswer
	if err := Unmarshal(data, &ans); err != nil {
		return errs.Wrap(errs.Decode, "decoding admin answer", err)
	}
	f.Request = nil
	f.Answer = &ans
	return nil
}

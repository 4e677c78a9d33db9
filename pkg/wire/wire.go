// Package wire defines the on-wire unit of the coordinator protocol: a
// JSON Command Envelope carried in a length-prefixed frame.
//
// Framing: every frame is a 4-byte big-endian payload length followed by a
// single UTF-8 JSON object, capped at 1 MiB. One persistent TCP connection
// per device; both directions use the same envelope shape.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MsgType identifies the envelope's command.
type MsgType string

const (
	MTHello          MsgType = "hello"
	MTHelloAck       MsgType = "hello_ack"
	MTError          MsgType = "error"
	MTHeartbeat      MsgType = "heartbeat"
	MTStatus         MsgType = "status"
	MTStatusReport   MsgType = "status_report"
	MTClockProbe     MsgType = "clock_probe"
	MTClockProbeEcho MsgType = "clock_probe_echo"
	MTBeginRecording MsgType = "begin_recording"
	MTStopRecording  MsgType = "stop_recording"
	MTAbortRecording MsgType = "abort_recording"
	MTAck            MsgType = "ack"
	MTPreviewFrame   MsgType = "preview_frame"
)

// Priority selects the routing class for an envelope.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
	PriorityBulk     Priority = "bulk"
)

// DefaultPriority returns the class an envelope of the given type travels
// in when the sender does not set one explicitly.
func DefaultPriority(mt MsgType) Priority {
	switch mt {
	case MTBeginRecording, MTStopRecording, MTAbortRecording:
		return PriorityCritical
	case MTPreviewFrame:
		return PriorityBulk
	default:
		return PriorityNormal
	}
}

// Capability is a feature tag a device advertises at handshake. The set is
// fixed and matched at handshake, never discovered at runtime.
type Capability string

const (
	CapCamera  Capability = "camera"
	CapThermal Capability = "thermal"
	CapGSR     Capability = "gsr"
	CapAudio   Capability = "audio"
	CapDepth   Capability = "depth"
)

func ValidCapability(c Capability) bool {
	switch c {
	case CapCamera, CapThermal, CapGSR, CapAudio, CapDepth:
		return true
	}
	return false
}

// ProtocolMajor is the major protocol version this coordinator speaks.
// A device advertising a different major version is rejected at handshake.
const ProtocolMajor = 1

// Envelope is the on-wire unit. Sequence numbers are per-connection and
// strictly monotonic in each direction; receivers use them for duplicate
// suppression.
type Envelope struct {
	Type      MsgType         `json:"message_type"`
	Sequence  uint64          `json:"sequence"`
	DeviceID  string          `json:"device_id"`
	SessionID string          `json:"session_id,omitempty"`
	Priority  Priority        `json:"priority,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

var (
	ErrMalformed = errors.New("malformed envelope")
	ErrSchema    = errors.New("payload schema violation")
)

// Encode marshals an envelope into a frame payload.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("%w: empty message_type", ErrMalformed)
	}
	return json.Marshal(env)
}

// Decode parses a frame payload and checks the minimum required fields.
// Per-type payload validation is separate (Validate).
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing message_type", ErrMalformed)
	}
	if env.Timestamp.IsZero() {
		return Envelope{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	if env.Priority != "" {
		switch env.Priority {
		case PriorityCritical, PriorityNormal, PriorityBulk:
		default:
			return Envelope{}, fmt.Errorf("%w: unknown priority %q", ErrMalformed, env.Priority)
		}
	}
	return env, nil
}

// DecodePayload unmarshals env.Payload into out.
func (env Envelope) DecodePayload(out any) error {
	return unmarshalPayload(env, out)
}

// WithPayload marshals p into env.Payload.
func (env Envelope) WithPayload(p any) (Envelope, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return env, err
	}
	env.Payload = b
	return env, nil
}

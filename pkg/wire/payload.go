package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// ErrorCode classifies protocol rejections sent to a device before the
// coordinator closes the connection.
type ErrorCode string

const (
	CodeIncompatibleProtocol ErrorCode = "IncompatibleProtocol"
	CodeCapacityExceeded     ErrorCode = "CapacityExceeded"
	CodeUnknownSession       ErrorCode = "UnknownSession"
	CodeMalformedEnvelope    ErrorCode = "MalformedEnvelope"
)

// HelloPayload is the device's half of the handshake. Capabilities are
// immutable for the lifetime of the connection.
type HelloPayload struct {
	ProtocolVersion int          `json:"protocol_version"`
	Capabilities    []Capability `json:"capabilities"`
	Model           string       `json:"model,omitempty"`
}

// HelloAckPayload tells the device it is admitted and at what cadence to
// heartbeat.
type HelloAckPayload struct {
	ProtocolVersion   int           `json:"protocol_version"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval_ns"`
}

type ErrorPayload struct {
	Code   ErrorCode `json:"code"`
	Detail string    `json:"detail,omitempty"`
}

// ClockProbePayload carries the coordinator's send instant t0. The device
// echoes it back together with its own receive instant t1.
type ClockProbePayload struct {
	ProbeID string    `json:"probe_id"`
	T0      time.Time `json:"t0"`
}

type ClockProbeEchoPayload struct {
	ProbeID string    `json:"probe_id"`
	T0      time.Time `json:"t0"`
	T1      time.Time `json:"t1"`
}

// BeginRecordingPayload names the shared temporal origin. Devices start
// capture at StartAt in the coordinator's clock domain, corrected by their
// own offset estimate.
type BeginRecordingPayload struct {
	SessionID string    `json:"session_id"`
	StartAt   time.Time `json:"start_at"`
}

type StopRecordingPayload struct {
	SessionID string `json:"session_id"`
}

type AbortRecordingPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// AckPayload acknowledges a previously received envelope by sequence.
type AckPayload struct {
	AckType     MsgType `json:"ack_type"`
	AckSequence uint64  `json:"ack_sequence"`
	OK          bool    `json:"ok"`
	Error       string  `json:"error,omitempty"`
}

type StatusReportPayload struct {
	State          string  `json:"state"`
	BatteryPercent float64 `json:"battery_percent,omitempty"`
	StorageFreeMB  int64   `json:"storage_free_mb,omitempty"`
}

// Validate checks the envelope's payload against the schema for its type.
// Unknown types fail; types with no payload accept an empty one.
func Validate(env Envelope) error {
	switch env.Type {
	case MTHello:
		var p HelloPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return err
		}
		if p.ProtocolVersion == 0 {
			return fmt.Errorf("%w: hello missing protocol_version", ErrSchema)
		}
		for _, c := range p.Capabilities {
			if !ValidCapability(c) {
				return fmt.Errorf("%w: unknown capability %q", ErrSchema, c)
			}
		}
		return nil
	case MTHelloAck:
		var p HelloAckPayload
		return unmarshalPayload(env, &p)
	case MTError:
		var p ErrorPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return err
		}
		if p.Code == "" {
			return fmt.Errorf("%w: error missing code", ErrSchema)
		}
		return nil
	case MTClockProbe:
		var p ClockProbePayload
		if err := unmarshalPayload(env, &p); err != nil {
			return err
		}
		if p.ProbeID == "" || p.T0.IsZero() {
			return fmt.Errorf("%w: clock_probe missing probe_id or t0", ErrSchema)
		}
		return nil
	case MTClockProbeEcho:
		var p ClockProbeEchoPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return err
		}
		if p.ProbeID == "" || p.T0.IsZero() || p.T1.IsZero() {
			return fmt.Errorf("%w: clock_probe_echo missing fields", ErrSchema)
		}
		return nil
	case MTBeginRecording:
		var p BeginRecordingPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return err
		}
		if p.SessionID == "" || p.StartAt.IsZero() {
			return fmt.Errorf("%w: begin_recording missing session_id or start_at", ErrSchema)
		}
		return nil
	case MTStopRecording:
		var p StopRecordingPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return err
		}
		if p.SessionID == "" {
			return fmt.Errorf("%w: stop_recording missing session_id", ErrSchema)
		}
		return nil
	case MTAbortRecording:
		var p AbortRecordingPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return err
		}
		if p.SessionID == "" {
			return fmt.Errorf("%w: abort_recording missing session_id", ErrSchema)
		}
		return nil
	case MTAck:
		var p AckPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return err
		}
		if p.AckType == "" {
			return fmt.Errorf("%w: ack missing ack_type", ErrSchema)
		}
		return nil
	case MTStatusReport:
		var p StatusReportPayload
		return unmarshalPayload(env, &p)
	case MTHeartbeat, MTStatus, MTPreviewFrame:
		// No schema beyond the envelope itself; preview payload bytes are
		// opaque to the coordinator.
		return nil
	default:
		return fmt.Errorf("%w: unknown message_type %q", ErrSchema, env.Type)
	}
}

func unmarshalPayload(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s missing payload", ErrSchema, env.Type)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSchema, env.Type, err)
	}
	return nil
}

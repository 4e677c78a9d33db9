package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/juanpablocruz/syncrec/pkg/wire"
)

// GateFunc is consulted after the hello is validated and before the ack is
// sent; the registry uses it to enforce capacity and the last-writer-wins
// reconnect policy. A non-nil error rejects the device.
type GateFunc func(*Session) error

// RejectionCode lets a gate choose the error code sent to the device.
type RejectionCode interface {
	ErrorCode() wire.ErrorCode
}

// Handshake reads the device's hello, validates protocol and capabilities,
// runs the admission gate, and answers hello_ack. A version mismatch fails
// with ErrIncompatibleProtocol and closes the connection immediately; a
// stale client must not silently degrade a session.
func (s *Session) Handshake(ctx context.Context, gate GateFunc) error {
	s.mu.Lock()
	s.transitionLocked(Handshaking, "accept")
	s.mu.Unlock()

	frame, ok := s.conn.Recv(ctx)
	if !ok {
		s.MarkDisconnected("handshake_recv")
		return fmt.Errorf("handshake: %w", ctx.Err())
	}
	env, err := wire.Decode(frame)
	if err != nil {
		s.sendErrorDirect(wire.CodeMalformedEnvelope, err.Error())
		s.MarkDisconnected("handshake_malformed")
		return err
	}
	if env.Type != wire.MTHello {
		s.sendErrorDirect(wire.CodeMalformedEnvelope, "expected hello")
		s.MarkDisconnected("handshake_not_hello")
		return fmt.Errorf("%w: got %s", wire.ErrMalformed, env.Type)
	}
	if err := wire.Validate(env); err != nil {
		s.sendErrorDirect(wire.CodeMalformedEnvelope, err.Error())
		s.MarkDisconnected("handshake_schema")
		return err
	}
	if env.DeviceID == "" {
		s.sendErrorDirect(wire.CodeMalformedEnvelope, "missing device_id")
		s.MarkDisconnected("handshake_no_device_id")
		return fmt.Errorf("%w: missing device_id", wire.ErrMalformed)
	}

	var hello wire.HelloPayload
	if err := envPayload(env, &hello); err != nil {
		s.sendErrorDirect(wire.CodeMalformedEnvelope, err.Error())
		s.MarkDisconnected("handshake_schema")
		return err
	}
	if hello.ProtocolVersion != wire.ProtocolMajor {
		s.sendErrorDirect(wire.CodeIncompatibleProtocol,
			fmt.Sprintf("coordinator speaks v%d, device spoke v%d", wire.ProtocolMajor, hello.ProtocolVersion))
		s.MarkDisconnected("incompatible_protocol")
		return fmt.Errorf("%w: v%d", ErrIncompatibleProtocol, hello.ProtocolVersion)
	}

	s.mu.Lock()
	s.deviceID = env.DeviceID
	s.caps = append([]wire.Capability(nil), hello.Capabilities...)
	s.lastSeq = env.Sequence
	s.lastHeartbeat = s.clk.Now()
	s.mu.Unlock()

	if gate != nil {
		if err := gate(s); err != nil {
			code := wire.CodeCapacityExceeded
			var rc RejectionCode
			if errors.As(err, &rc) {
				code = rc.ErrorCode()
			}
			s.sendErrorDirect(code, err.Error())
			s.MarkDisconnected("admission_rejected")
			return err
		}
	}

	ackEnv := wire.Envelope{
		Type:      wire.MTHelloAck,
		Sequence:  s.outSeq.Add(1),
		DeviceID:  env.DeviceID,
		Timestamp: s.clk.Now(),
	}
	ackEnv, err = ackEnv.WithPayload(wire.HelloAckPayload{
		ProtocolVersion:   wire.ProtocolMajor,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
	})
	if err != nil {
		s.MarkDisconnected("handshake_ack_encode")
		return err
	}
	b, err := wire.Encode(ackEnv)
	if err != nil {
		s.MarkDisconnected("handshake_ack_encode")
		return err
	}
	if err := s.conn.Send(b); err != nil {
		s.MarkDisconnected("handshake_ack_send")
		return err
	}

	s.mu.Lock()
	s.transitionLocked(Ready, "handshake_complete")
	s.mu.Unlock()
	slog.Info("device_admitted", "device", env.DeviceID, "caps", len(hello.Capabilities))
	return nil
}

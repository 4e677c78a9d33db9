// Package devicesim implements a simulated capture device: the
// coordinator-facing half of the protocol with none of the capture.
// cmd/devicesim and the integration tests drive it, optionally through a
// chaos link.
package devicesim

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/juanpablocruz/syncrec/pkg/transport"
	"github.com/juanpablocruz/syncrec/pkg/wire"
)

// Options configures one simulated device.
type Options struct {
	DeviceID     string
	Capabilities []wire.Capability

	// ProtocolVersion lets tests present a stale client. Zero means the
	// current version.
	ProtocolVersion int

	// HeartbeatEvery overrides the coordinator-advertised interval when
	// positive.
	HeartbeatEvery time.Duration

	// ClockSkew is added to every device-side timestamp, simulating a
	// device clock that disagrees with the coordinator's.
	ClockSkew time.Duration

	// StopHeartbeatsAfter silences heartbeats once elapsed (0 = never);
	// used to exercise the Degraded/Disconnected path.
	StopHeartbeatsAfter time.Duration

	// IgnoreStop makes the device never ack stop_recording, exercising
	// the bounded-stop path.
	IgnoreStop bool

	// IgnoreBegin makes the device never ack begin_recording.
	IgnoreBegin bool
}

// Device is one simulated capture device over an established connection.
type Device struct {
	opts Options
	conn transport.Conn
	seq  atomic.Uint64

	recording atomic.Bool
	sessionID atomic.Value // string

	started time.Time
	hbEvery time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New wraps an established connection. Run performs the handshake.
func New(conn transport.Conn, opts Options) *Device {
	if opts.ProtocolVersion == 0 {
		opts.ProtocolVersion = wire.ProtocolMajor
	}
	if len(opts.Capabilities) == 0 {
		opts.Capabilities = []wire.Capability{wire.CapCamera}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Device{opts: opts, conn: conn, ctx: ctx, cancel: cancel}
}

// Dial connects to a coordinator over TCP and returns an unstarted device.
func Dial(addr string, opts Options) (*Device, error) {
	conn, err := transport.Dial(addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return New(conn, opts), nil
}

func (d *Device) now() time.Time { return time.Now().Add(d.opts.ClockSkew) }

// Recording reports whether the device believes it is capturing.
func (d *Device) Recording() bool { return d.recording.Load() }

// SessionID returns the recording session the device last joined.
func (d *Device) SessionID() string {
	if v := d.sessionID.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (d *Device) Stop() { d.cancel(); _ = d.conn.Close() }

// Run handshakes and serves the protocol until ctx or the device stops.
func (d *Device) Run(ctx context.Context) error {
	if err := d.handshake(ctx); err != nil {
		return err
	}
	go d.heartbeatLoop()
	d.recvLoop(ctx)
	return nil
}

func (d *Device) handshake(ctx context.Context) error {
	env := wire.Envelope{
		Type:      wire.MTHello,
		Sequence:  d.seq.Add(1),
		DeviceID:  d.opts.DeviceID,
		Timestamp: d.now(),
	}
	env, err := env.WithPayload(wire.HelloPayload{
		ProtocolVersion: d.opts.ProtocolVersion,
		Capabilities:    d.opts.Capabilities,
	})
	if err != nil {
		return err
	}
	if err := d.send(env); err != nil {
		return err
	}

	frame, ok := d.conn.Recv(ctx)
	if !ok {
		return fmt.Errorf("handshake: connection closed")
	}
	resp, err := wire.Decode(frame)
	if err != nil {
		return err
	}
	switch resp.Type {
	case wire.MTHelloAck:
		var ack wire.HelloAckPayload
		if err := resp.DecodePayload(&ack); err != nil {
			return err
		}
		d.hbEvery = ack.HeartbeatInterval
		if d.opts.HeartbeatEvery > 0 {
			d.hbEvery = d.opts.HeartbeatEvery
		}
		if d.hbEvery <= 0 {
			d.hbEvery = time.Second
		}
		d.started = time.Now()
		slog.Debug("device_admitted", "device", d.opts.DeviceID, "hb", d.hbEvery)
		return nil
	case wire.MTError:
		var p wire.ErrorPayload
		_ = resp.DecodePayload(&p)
		return fmt.Errorf("rejected: %s: %s", p.Code, p.Detail)
	default:
		return fmt.Errorf("handshake: unexpected %s", resp.Type)
	}
}

func (d *Device) heartbeatLoop() {
	t := time.NewTicker(d.hbEvery)
	defer t.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-t.C:
			if cut := d.opts.StopHeartbeatsAfter; cut > 0 && time.Since(d.started) > cut {
				continue // device went quiet; link still up
			}
			env := wire.Envelope{
				Type:      wire.MTHeartbeat,
				Sequence:  d.seq.Add(1),
				DeviceID:  d.opts.DeviceID,
				Timestamp: d.now(),
			}
			if err := d.send(env); err != nil {
				slog.Debug("hb_send_err", "device", d.opts.DeviceID, "err", err)
			}
		}
	}
}

func (d *Device) recvLoop(ctx context.Context) {
	for {
		frame, ok := d.conn.Recv(ctx)
		if !ok {
			return
		}
		env, err := wire.Decode(frame)
		if err != nil {
			slog.Warn("device_decode_err", "device", d.opts.DeviceID, "err", err)
			continue
		}
		d.handle(env)
	}
}

func (d *Device) handle(env wire.Envelope) {
	switch env.Type {
	case wire.MTClockProbe:
		var p wire.ClockProbePayload
		if env.DecodePayload(&p) != nil {
			return
		}
		echo := wire.Envelope{
			Type:      wire.MTClockProbeEcho,
			Sequence:  d.seq.Add(1),
			DeviceID:  d.opts.DeviceID,
			Timestamp: d.now(),
		}
		echo, err := echo.WithPayload(wire.ClockProbeEchoPayload{
			ProbeID: p.ProbeID,
			T0:      p.T0,
			T1:      d.now(),
		})
		if err == nil {
			_ = d.send(echo)
		}
	case wire.MTBeginRecording:
		if d.opts.IgnoreBegin {
			return
		}
		var p wire.BeginRecordingPayload
		if env.DecodePayload(&p) != nil {
			return
		}
		d.sessionID.Store(p.SessionID)
		d.recording.Store(true)
		d.ack(env, true, "")
	case wire.MTStopRecording:
		if d.opts.IgnoreStop {
			return
		}
		d.recording.Store(false)
		d.ack(env, true, "")
	case wire.MTAbortRecording:
		d.recording.Store(false)
		// Abort is fire-and-forget; no ack expected.
	case wire.MTStatus:
		report := wire.Envelope{
			Type:      wire.MTStatusReport,
			Sequence:  d.seq.Add(1),
			DeviceID:  d.opts.DeviceID,
			Timestamp: d.now(),
		}
		state := "idle"
		if d.recording.Load() {
			state = "recording"
		}
		report, err := report.WithPayload(wire.StatusReportPayload{State: state})
		if err == nil {
			_ = d.send(report)
		}
	case wire.MTError:
		var p wire.ErrorPayload
		_ = env.DecodePayload(&p)
		slog.Warn("device_got_error", "device", d.opts.DeviceID, "code", string(p.Code), "detail", p.Detail)
	}
}

func (d *Device) ack(env wire.Envelope, ok bool, msg string) {
	ack := wire.Envelope{
		Type:      wire.MTAck,
		Sequence:  d.seq.Add(1),
		DeviceID:  d.opts.DeviceID,
		SessionID: env.SessionID,
		Timestamp: d.now(),
	}
	ack, err := ack.WithPayload(wire.AckPayload{
		AckType:     env.Type,
		AckSequence: env.Sequence,
		OK:          ok,
		Error:       msg,
	})
	if err == nil {
		_ = d.send(ack)
	}
}

func (d *Device) send(env wire.Envelope) error {
	b, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return d.conn.Send(b)
}

// Package session holds the coordinator-side state machine for one
// connected capture device: lifecycle, sequence bookkeeping, heartbeat
// tracking, clock estimate, and the prioritized outbound queues.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/juanpablocruz/syncrec/pkg/clock"
	"github.com/juanpablocruz/syncrec/pkg/eventbus"
	"github.com/juanpablocruz/syncrec/pkg/metrics"
	"github.com/juanpablocruz/syncrec/pkg/transport"
	"github.com/juanpablocruz/syncrec/pkg/wire"
)

var (
	ErrIncompatibleProtocol = errors.New("incompatible protocol")
	ErrUnknownSession       = errors.New("unknown session")
	ErrNotLive              = errors.New("session not live")
	ErrBulkDropped          = errors.New("bulk envelope dropped")
)

// RetryPolicy is an explicit exponential backoff bound.
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration
	Max  int
}

// Tighter bound for session-critical commands: they must resolve quickly
// or escalate to the fault monitor.
var (
	DefaultCriticalRetry = RetryPolicy{Base: 200 * time.Millisecond, Cap: 2 * time.Second, Max: 3}
	DefaultNormalRetry   = RetryPolicy{Base: 200 * time.Millisecond, Cap: 5 * time.Second, Max: 5}
)

// Config carries the knobs a Session needs; zero values get defaults.
type Config struct {
	HeartbeatInterval time.Duration // advertised to the device in hello_ack

	OutboxCritical int
	OutboxNormal   int
	OutboxBulk     int

	RetryCritical RetryPolicy
	RetryNormal   RetryPolicy // also applies to bulk

	Clock   clock.Clock
	Bus     *eventbus.Bus
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.OutboxCritical <= 0 {
		c.OutboxCritical = 16
	}
	if c.OutboxNormal <= 0 {
		c.OutboxNormal = 64
	}
	if c.OutboxBulk <= 0 {
		c.OutboxBulk = 256
	}
	if c.RetryCritical.Max <= 0 {
		c.RetryCritical = DefaultCriticalRetry
	}
	if c.RetryNormal.Max <= 0 {
		c.RetryNormal = DefaultNormalRetry
	}
	if c.Clock == nil {
		c.Clock = clock.System{}
	}
	return c
}

type probeEcho struct {
	payload wire.ClockProbeEchoPayload
	t2      time.Time
}

// Session is one device connection's coordinator-side state. All mutation
// of lifecycle state goes through mu; the outbound queues are drained by a
// single writer goroutine owned by this session.
type Session struct {
	instance string // unique per connection, distinguishes reconnects
	conn     transport.Conn
	cfg      Config
	clk      clock.Clock
	bus      *eventbus.Bus
	met      *metrics.Metrics

	mu            sync.Mutex
	deviceID      string
	caps          []wire.Capability
	state         State
	prevLive      State // where Degraded returns to on recovery
	lastSeq       uint64
	lastHeartbeat time.Time
	degradedAt    time.Time
	estimate      clock.Estimate
	recordingID   string

	outSeq atomic.Uint64

	outCritical chan wire.Envelope
	outNormal   chan wire.Envelope
	outBulk     chan wire.Envelope

	echoMu      sync.Mutex
	echoWaiters map[string]chan probeEcho

	ackMu      sync.Mutex
	ackWaiters map[uint64]chan wire.AckPayload

	ctx    context.Context
	cancel context.CancelFunc
}

// New wraps an accepted connection. The session starts in Connecting and
// does nothing until Handshake and Start.
func New(conn transport.Conn, cfg Config) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		instance:    uuid.NewString(),
		conn:        conn,
		cfg:         cfg,
		clk:         cfg.Clock,
		bus:         cfg.Bus,
		met:         cfg.Metrics,
		state:       Connecting,
		outCritical: make(chan wire.Envelope, cfg.OutboxCritical),
		outNormal:   make(chan wire.Envelope, cfg.OutboxNormal),
		outBulk:     make(chan wire.Envelope, cfg.OutboxBulk),
		echoWaiters: make(map[string]chan probeEcho),
		ackWaiters:  make(map[uint64]chan wire.AckPayload),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the read and write loops. Call after a successful
// Handshake.
func (s *Session) Start() {
	go s.readLoop()
	go s.writeLoop()
}

func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func (s *Session) Instance() string { return s.instance }

func (s *Session) Capabilities() []wire.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Capability, len(s.caps))
	copy(out, s.caps)
	return out
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// DegradedSince reports when the session entered Degraded; zero when it is
// not degraded.
func (s *Session) DegradedSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Degraded {
		return time.Time{}
	}
	return s.degradedAt
}

func (s *Session) Estimate() clock.Estimate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estimate
}

// SetEstimate replaces the clock estimate wholesale.
func (s *Session) SetEstimate(est clock.Estimate) {
	s.mu.Lock()
	s.estimate = est
	id := s.deviceID
	s.mu.Unlock()
	if est.Known {
		s.met.SetClockUncertainty(id, est.Uncertainty.Seconds())
	}
	s.emit(eventbus.KindClock, map[string]any{
		"offset_ms":      float64(est.Offset.Microseconds()) / 1000.0,
		"uncertainty_ms": float64(est.Uncertainty.Microseconds()) / 1000.0,
		"samples":        est.Samples,
		"known":          est.Known,
	})
}

func (s *Session) RecordingID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordingID
}

// BeginRecording attaches the session to a recording session id. Only a
// non-owning back-reference; membership itself belongs to the coordinator.
func (s *Session) BeginRecording(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready {
		return fmt.Errorf("%w: state %s", ErrNotLive, s.state)
	}
	s.recordingID = sessionID
	s.transitionLocked(Recording, "begin_recording")
	return nil
}

// EndRecording detaches the session from its recording session.
func (s *Session) EndRecording() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordingID = ""
	if s.state == Recording {
		s.transitionLocked(Ready, "end_recording")
	}
	if s.state == Degraded && s.prevLive == Recording {
		s.prevLive = Ready
	}
}

// RecordHeartbeat updates liveness and cancels a pending degradation.
func (s *Session) RecordHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = s.clk.Now()
	if s.state == Degraded {
		s.transitionLocked(s.prevLive, "heartbeat_resumed")
	}
	s.mu.Unlock()
	s.met.IncHeartbeat()
}

// MarkDegraded is the fault monitor's edge for missed heartbeats.
func (s *Session) MarkDegraded(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready && s.state != Recording {
		return
	}
	s.prevLive = s.state
	s.degradedAt = s.clk.Now()
	s.transitionLocked(Degraded, reason)
}

// MarkDisconnected terminates the session. Idempotent.
func (s *Session) MarkDisconnected(reason string) {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(Disconnected, reason)
	s.mu.Unlock()
	s.cancel()
	_ = s.conn.Close()
}

// transitionLocked requires s.mu held.
func (s *Session) transitionLocked(to State, reason string) {
	from := s.state
	if from == to {
		return
	}
	if !legalTransition(from, to) {
		slog.Warn("illegal_transition", "device", s.deviceID, "from", from.String(), "to", to.String(), "reason", reason)
		return
	}
	s.state = to
	slog.Info("device_state", "device", s.deviceID, "from", from.String(), "to", to.String(), "reason", reason)
	s.publish(eventbus.Event{
		Time:   s.clk.Now(),
		Kind:   eventbus.KindDeviceState,
		Device: s.deviceID,
		Fields: map[string]any{
			"from":     from.String(),
			"to":       to.String(),
			"reason":   reason,
			"instance": s.instance,
		},
	})
}

func (s *Session) emit(kind eventbus.Kind, fields map[string]any) {
	s.publish(eventbus.Event{
		Time:   s.clk.Now(),
		Kind:   kind,
		Device: s.DeviceID(),
		Fields: fields,
	})
}

func (s *Session) publish(ev eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func (s *Session) readLoop() {
	for {
		frame, ok := s.conn.Recv(s.ctx)
		if !ok {
			s.MarkDisconnected("transport_closed")
			return
		}
		env, err := wire.Decode(frame)
		if err != nil {
			// Protocol errors fail fast: no retry, connection closed.
			slog.Warn("decode_err", "device", s.DeviceID(), "err", err)
			s.sendErrorDirect(wire.CodeMalformedEnvelope, err.Error())
			s.MarkDisconnected("malformed_envelope")
			return
		}
		if err := wire.Validate(env); err != nil {
			slog.Warn("schema_err", "device", s.DeviceID(), "type", string(env.Type), "err", err)
			s.sendErrorDirect(wire.CodeMalformedEnvelope, err.Error())
			s.MarkDisconnected("schema_violation")
			return
		}
		s.met.IncEnvelope("in", string(env.Type))
		if !s.acceptSeq(env.Sequence) {
			s.met.IncDuplicate()
			s.emit(eventbus.KindWarn, map[string]any{"msg": "duplicate_seq", "seq": env.Sequence})
			continue
		}
		s.apply(env)
	}
}

// acceptSeq applies per-connection duplicate suppression: sequences at or
// below the last applied one are no-ops.
func (s *Session) acceptSeq(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.lastSeq {
		return false
	}
	s.lastSeq = seq
	return true
}

func (s *Session) apply(env wire.Envelope) {
	// Session-scoped messages must name the session this device is in.
	// Acks are exempt: a begin_recording ack names the session the device
	// is about to join, before this side has attached it.
	if env.SessionID != "" && env.Type != wire.MTAck && env.SessionID != s.RecordingID() {
		slog.Warn("unknown_session", "device", s.DeviceID(), "session", env.SessionID)
		s.sendError(wire.CodeUnknownSession, env.SessionID)
		return
	}

	switch env.Type {
	case wire.MTHeartbeat:
		s.RecordHeartbeat()
	case wire.MTClockProbeEcho:
		var p wire.ClockProbeEchoPayload
		if err := envPayload(env, &p); err != nil {
			return
		}
		s.routeEcho(probeEcho{payload: p, t2: s.clk.Now()})
	case wire.MTAck:
		var p wire.AckPayload
		if err := envPayload(env, &p); err != nil {
			return
		}
		s.routeAck(p)
	case wire.MTStatusReport:
		var p wire.StatusReportPayload
		if err := envPayload(env, &p); err != nil {
			return
		}
		s.emit(eventbus.KindDeviceState, map[string]any{
			"msg":     "status_report",
			"state":   p.State,
			"battery": p.BatteryPercent,
		})
	case wire.MTPreviewFrame:
		// Payload internals are opaque; counting is the whole job here.
	case wire.MTHello:
		s.emit(eventbus.KindWarn, map[string]any{"msg": "unexpected_hello"})
	default:
		s.emit(eventbus.KindWarn, map[string]any{"msg": "unhandled_type", "type": string(env.Type)})
	}
}

func (s *Session) routeEcho(e probeEcho) {
	s.echoMu.Lock()
	ch, ok := s.echoWaiters[e.payload.ProbeID]
	s.echoMu.Unlock()
	if !ok {
		return // late echo after probe deadline; drop
	}
	select {
	case ch <- e:
	default:
	}
}

func (s *Session) routeAck(p wire.AckPayload) {
	s.ackMu.Lock()
	ch, ok := s.ackWaiters[p.AckSequence]
	s.ackMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- p:
	default:
	}
}

// sendError enqueues an error envelope on the normal queue.
func (s *Session) sendError(code wire.ErrorCode, detail string) {
	env := wire.Envelope{Type: wire.MTError, Priority: wire.PriorityNormal}
	env, err := env.WithPayload(wire.ErrorPayload{Code: code, Detail: detail})
	if err != nil {
		return
	}
	_, _ = s.Enqueue(s.ctx, env)
}

// sendErrorDirect bypasses the queues for pre-close rejections.
func (s *Session) sendErrorDirect(code wire.ErrorCode, detail string) {
	env := wire.Envelope{
		Type:      wire.MTError,
		Sequence:  s.outSeq.Add(1),
		DeviceID:  s.DeviceID(),
		Timestamp: s.clk.Now(),
	}
	env, err := env.WithPayload(wire.ErrorPayload{Code: code, Detail: detail})
	if err != nil {
		return
	}
	b, err := wire.Encode(env)
	if err != nil {
		return
	}
	_ = s.conn.Send(b)
}

func envPayload(env wire.Envelope, out any) error {
	if len(env.Payload) == 0 {
		return wire.ErrSchema
	}
	return json.Unmarshal(env.Payload, out)
}

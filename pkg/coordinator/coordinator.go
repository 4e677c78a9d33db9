// Package coordinator orchestrates recording sessions across device
// sessions: quorum-gated start with a shared temporal origin, bounded
// stop, immediate abort, and a per-device manifest for every ending.
//
// The coordinator exclusively owns recording session state; device
// sessions hold only a non-owning id back-reference. All transitions are
// serialized under one mutex so a stop and a concurrent disconnect cannot
// race.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/juanpablocruz/syncrec/pkg/clock"
	"github.com/juanpablocruz/syncrec/pkg/eventbus"
	"github.com/juanpablocruz/syncrec/pkg/metrics"
	"github.com/juanpablocruz/syncrec/pkg/registry"
	"github.com/juanpablocruz/syncrec/pkg/router"
	"github.com/juanpablocruz/syncrec/pkg/session"
	"github.com/juanpablocruz/syncrec/pkg/wire"
)

// Defaults applied when a SessionConfig leaves knobs zero.
type Defaults struct {
	Countdown      time.Duration
	StopTimeout    time.Duration
	MaxUncertainty time.Duration
	ProbeCount     int
	ProbeTimeout   time.Duration
}

func (d Defaults) withFallbacks() Defaults {
	if d.Countdown <= 0 {
		d.Countdown = 10 * time.Second
	}
	if d.StopTimeout <= 0 {
		d.StopTimeout = 5 * time.Second
	}
	if d.MaxUncertainty <= 0 {
		d.MaxUncertainty = 50 * time.Millisecond
	}
	if d.ProbeCount <= 0 {
		d.ProbeCount = clock.DefaultProbeCount
	}
	if d.ProbeTimeout <= 0 {
		d.ProbeTimeout = clock.DefaultProbeTimeout
	}
	return d
}

type recording struct {
	id        string
	state     RecordingState
	cfg       SessionConfig
	reference time.Time
	startedAt time.Time
	endedAt   time.Time
	devices   map[string]DeviceOutcome
	reason    string
}

type Coordinator struct {
	reg *registry.Registry
	rtr *router.Router
	bus *eventbus.Bus
	clk clock.Clock
	met *metrics.Metrics
	def Defaults

	mu      sync.Mutex
	current *recording
	history []Manifest
}

func New(reg *registry.Registry, rtr *router.Router, bus *eventbus.Bus, clk clock.Clock, met *metrics.Metrics, def Defaults) *Coordinator {
	if clk == nil {
		clk = clock.System{}
	}
	return &Coordinator{
		reg: reg,
		rtr: rtr,
		bus: bus,
		clk: clk,
		met: met,
		def: def.withFallbacks(),
	}
}

// StartSession runs the full start sequence: device selection, clock
// refresh, quorum check, countdown broadcast, and ack collection. It
// blocks until the session is Active or the start has failed; use
// StartSessionAsync for the non-blocking upward surface.
func (c *Coordinator) StartSession(ctx context.Context, cfg SessionConfig) (*StartResult, error) {
	switch cfg.Quorum.Mode {
	case QuorumAll:
	case QuorumMinCount:
		if cfg.Quorum.MinCount < 1 {
			return nil, fmt.Errorf("%w: min count %d", ErrQuorumPolicyRequired, cfg.Quorum.MinCount)
		}
	default:
		return nil, ErrQuorumPolicyRequired
	}
	if cfg.Countdown <= 0 {
		cfg.Countdown = c.def.Countdown
	}
	if cfg.MaxUncertainty <= 0 {
		cfg.MaxUncertainty = c.def.MaxUncertainty
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = c.def.StopTimeout
	}
	if cfg.ProbeCount <= 0 {
		cfg.ProbeCount = c.def.ProbeCount
	}

	rec := &recording{
		id:      uuid.NewString(),
		state:   Preparing,
		cfg:     cfg,
		devices: make(map[string]DeviceOutcome),
	}

	c.mu.Lock()
	if c.current != nil && !c.current.state.Terminal() {
		c.mu.Unlock()
		return nil, ErrSessionInProgress
	}
	c.current = rec
	c.mu.Unlock()
	c.publishState(rec, "", Preparing.String())

	result := &StartResult{SessionID: rec.id, Rejected: make(map[string]string)}

	// Device selection.
	selected := c.selectDevices(cfg.Devices, result.Rejected)
	if len(selected) == 0 {
		return c.failStart(rec, result, "no_devices", ErrNoDevices)
	}

	// Clock refresh: every participant gets a fresh estimate; Unknown
	// confidence disqualifies for quorum purposes.
	c.setState(rec, Synchronizing)
	eligible, worstRTT := c.synchronize(ctx, selected, cfg, result.Rejected)

	if !c.quorumMet(cfg.Quorum, len(eligible), len(selected)) {
		return c.failStart(rec, result, "quorum_not_met", ErrQuorumNotMet)
	}

	// The countdown must exceed the worst observed latency plus margin.
	countdown := cfg.Countdown
	if floor := 4 * worstRTT; floor > countdown {
		countdown = floor
	}
	rec.reference = c.clk.Now().Add(countdown)
	c.setState(rec, CountingDown)
	slog.Info("session_countdown", "session", rec.id, "reference", rec.reference, "devices", len(eligible))

	// Broadcast begin_recording and collect acks until the reference
	// instant; devices that never ack are failed, not retried forever.
	acked := c.broadcastBegin(ctx, rec, eligible)

	if !c.quorumMet(cfg.Quorum, len(acked), len(selected)) {
		for _, s := range acked {
			s.EndRecording()
		}
		c.abortBroadcast(ctx, rec, "start_quorum_lost")
		return c.failStart(rec, result, "start_quorum_lost", ErrQuorumNotMet)
	}

	c.mu.Lock()
	for _, s := range eligible {
		id := s.DeviceID()
		if _, ok := acked[id]; !ok {
			rec.devices[id] = OutcomeFailed
			result.Rejected[id] = "no_ack"
		}
	}
	rec.startedAt = rec.reference
	c.mu.Unlock()
	c.setState(rec, Active)

	for id := range acked {
		result.Accepted = append(result.Accepted, id)
	}
	result.Started = true
	result.Reference = rec.reference
	slog.Info("session_active", "session", rec.id, "devices", len(result.Accepted))
	return result, nil
}

// StartHandle lets non-blocking callers await a start in flight.
type StartHandle struct {
	SessionID string
	done      chan struct{}
	result    *StartResult
	err       error
}

func (h *StartHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the start resolves.
func (h *StartHandle) Wait() (*StartResult, error) {
	<-h.done
	return h.result, h.err
}

// StartSessionAsync runs StartSession in the background and returns a
// handle immediately.
func (c *Coordinator) StartSessionAsync(ctx context.Context, cfg SessionConfig) *StartHandle {
	h := &StartHandle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.result, h.err = c.StartSession(ctx, cfg)
		if h.result != nil {
			h.SessionID = h.result.SessionID
		}
	}()
	return h
}

// StopHandle lets non-blocking callers await a stop in flight.
type StopHandle struct {
	done     chan struct{}
	manifest *Manifest
	err      error
}

func (h *StopHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the stop resolves.
func (h *StopHandle) Wait() (*Manifest, error) {
	<-h.done
	return h.manifest, h.err
}

// StopSessionAsync runs StopSession in the background and returns a
// handle immediately.
func (c *Coordinator) StopSessionAsync(ctx context.Context) *StopHandle {
	h := &StopHandle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.manifest, h.err = c.StopSession(ctx)
	}()
	return h
}

// StopSession broadcasts stop_recording and waits a bounded time for
// acks. It always completes within the stop timeout: unresponsive devices
// are recorded incomplete, never waited on indefinitely.
func (c *Coordinator) StopSession(ctx context.Context) (*Manifest, error) {
	c.mu.Lock()
	rec := c.current
	if rec == nil || rec.state.Terminal() {
		c.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	if rec.state != Active && rec.state != CountingDown {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: state %s", ErrNoActiveSession, rec.state)
	}
	// Claim the ending under the same lock as the check, so a concurrent
	// abort sees Stopping and is turned away instead of double-finalizing.
	from := rec.state
	rec.state = Stopping
	pending := c.pendingLocked(rec)
	stopTimeout := rec.cfg.StopTimeout
	c.mu.Unlock()
	c.publishState(rec, from.String(), Stopping.String())

	env := wire.Envelope{Type: wire.MTStopRecording, SessionID: rec.id, Priority: wire.PriorityCritical}
	env, err := env.WithPayload(wire.StopRecordingPayload{SessionID: rec.id})
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	results := c.awaitAcks(sctx, pending, env)

	c.mu.Lock()
	for id := range pending {
		if rec.devices[id] != outcomePending {
			continue // failed mid-session; keep that record
		}
		if err := results[id]; err == nil {
			rec.devices[id] = OutcomeCompleted
		} else {
			rec.devices[id] = OutcomeIncomplete
		}
	}
	rec.endedAt = c.clk.Now()
	c.mu.Unlock()
	c.detachParticipants(rec)
	c.setState(rec, Completed)
	c.met.IncSession("completed")
	m := c.finalize(rec)
	return &m, nil
}

// AbortSession broadcasts abort and transitions straight to Aborted with
// no acknowledgment wait.
func (c *Coordinator) AbortSession(ctx context.Context, reason string) (*Manifest, error) {
	c.mu.Lock()
	rec := c.current
	if rec == nil || rec.state.Terminal() || rec.state == Stopping {
		// A stop in flight owns the ending; the session resolves exactly
		// once.
		c.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	from := rec.state
	rec.state = Aborted
	for id, out := range rec.devices {
		if out == outcomePending {
			rec.devices[id] = OutcomeIncomplete
		}
	}
	rec.reason = reason
	rec.endedAt = c.clk.Now()
	c.mu.Unlock()

	c.abortBroadcast(ctx, rec, reason)
	c.detachParticipants(rec)
	c.publishState(rec, from.String(), Aborted.String())
	c.met.IncSession("aborted")
	slog.Warn("session_aborted", "session", rec.id, "reason", reason)
	m := c.finalize(rec)
	return &m, nil
}

// OnDeviceDisconnect is the fault monitor's feedback edge. A device lost
// during an active session is marked failed within that session and the
// session continues; partial success is a first-class outcome.
func (c *Coordinator) OnDeviceDisconnect(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.current
	if rec == nil || rec.state.Terminal() {
		return
	}
	if out, ok := rec.devices[deviceID]; ok && out == outcomePending {
		rec.devices[deviceID] = OutcomeFailed
		slog.Warn("participant_failed", "session", rec.id, "device", deviceID)
		c.publish(eventbus.Event{
			Time:    c.clk.Now(),
			Kind:    eventbus.KindSessionState,
			Device:  deviceID,
			Session: rec.id,
			Fields:  map[string]any{"msg": "participant_failed"},
		})
	}
}

// ListDevices returns the upward-facing device view.
func (c *Coordinator) ListDevices() []DeviceInfo {
	sessions := c.reg.Snapshot()
	out := make([]DeviceInfo, 0, len(sessions))
	for _, s := range sessions {
		est := s.Estimate()
		out = append(out, DeviceInfo{
			DeviceID:         s.DeviceID(),
			State:            s.State().String(),
			Capabilities:     s.Capabilities(),
			ClockOffsetMS:    float64(est.Offset.Microseconds()) / 1000.0,
			UncertaintyMS:    float64(est.Uncertainty.Microseconds()) / 1000.0,
			ClockKnown:       est.Known,
			LastHeartbeat:    s.LastHeartbeat(),
			RecordingSession: s.RecordingID(),
		})
	}
	return out
}

// Sessions returns manifests of finished sessions, newest last.
func (c *Coordinator) Sessions() []Manifest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Manifest, len(c.history))
	copy(out, c.history)
	return out
}

// Current returns a snapshot of the in-flight session, if any.
func (c *Coordinator) Current() (Manifest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Manifest{}, false
	}
	return c.manifestLocked(c.current), true
}

// --- internals ---

func (c *Coordinator) selectDevices(named []string, rejected map[string]string) []*session.Session {
	if len(named) == 0 {
		return c.reg.ListReady()
	}
	var out []*session.Session
	for _, id := range named {
		s, ok := c.reg.Lookup(id)
		if !ok {
			rejected[id] = "unknown_device"
			continue
		}
		if s.State() != session.Ready {
			rejected[id] = "not_ready: " + s.State().String()
			continue
		}
		out = append(out, s)
	}
	return out
}

// synchronize refreshes every candidate's clock estimate concurrently and
// returns the devices whose confidence qualifies, plus the worst surviving
// round trip across them.
func (c *Coordinator) synchronize(ctx context.Context, selected []*session.Session, cfg SessionConfig, rejected map[string]string) ([]*session.Session, time.Duration) {
	type outcome struct {
		s   *session.Session
		est clock.Estimate
	}
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		res []outcome
	)
	for _, s := range selected {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			est := s.RefreshEstimate(ctx, clock.Prober{
				Count:   cfg.ProbeCount,
				Timeout: c.def.ProbeTimeout,
				Clock:   c.clk,
			})
			mu.Lock()
			res = append(res, outcome{s: s, est: est})
			mu.Unlock()
		}(s)
	}
	wg.Wait()

	var eligible []*session.Session
	var worst time.Duration
	for _, o := range res {
		id := o.s.DeviceID()
		switch {
		case !o.est.Known:
			rejected[id] = "clock_unknown"
		case o.est.Uncertainty > cfg.MaxUncertainty:
			rejected[id] = fmt.Sprintf("clock_uncertainty %s > %s", o.est.Uncertainty, cfg.MaxUncertainty)
		case o.s.State() != session.Ready:
			rejected[id] = "not_ready: " + o.s.State().String()
		default:
			eligible = append(eligible, o.s)
			if o.est.WorstRTT > worst {
				worst = o.est.WorstRTT
			}
			continue
		}
	}
	return eligible, worst
}

func (c *Coordinator) quorumMet(q QuorumPolicy, have, want int) bool {
	switch q.Mode {
	case QuorumAll:
		return have == want && have > 0
	case QuorumMinCount:
		return have >= q.MinCount
	default:
		return false
	}
}

// broadcastBegin sends begin_recording to each eligible device and
// collects acks until the reference instant. Acked devices transition to
// Recording and join the participant set.
func (c *Coordinator) broadcastBegin(ctx context.Context, rec *recording, eligible []*session.Session) map[string]*session.Session {
	env := wire.Envelope{Type: wire.MTBeginRecording, SessionID: rec.id, Priority: wire.PriorityCritical}
	env, err := env.WithPayload(wire.BeginRecordingPayload{SessionID: rec.id, StartAt: rec.reference})
	if err != nil {
		return nil
	}

	deadline := rec.reference.Sub(c.clk.Now())
	if deadline <= 0 {
		deadline = time.Second
	}
	bctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type result struct {
		s   *session.Session
		err error
	}
	ch := make(chan result, len(eligible))
	for _, s := range eligible {
		go func(s *session.Session) {
			ack, err := s.SendAwaitAck(bctx, env)
			if err == nil && !ack.OK {
				err = fmt.Errorf("nack: %s", ack.Error)
			}
			ch <- result{s: s, err: err}
		}(s)
	}

	acked := make(map[string]*session.Session)
	for range eligible {
		res := <-ch
		id := res.s.DeviceID()
		if res.err != nil {
			slog.Warn("begin_no_ack", "session", rec.id, "device", id, "err", res.err)
			continue
		}
		if err := res.s.BeginRecording(rec.id); err != nil {
			slog.Warn("begin_not_ready", "session", rec.id, "device", id, "err", err)
			continue
		}
		acked[id] = res.s
		c.mu.Lock()
		rec.devices[id] = outcomePending
		c.mu.Unlock()
	}
	return acked
}

// awaitAcks sends env to every pending participant and waits for acks
// until ctx expires. Missing sessions resolve to an error entry.
func (c *Coordinator) awaitAcks(ctx context.Context, pending map[string]*session.Session, env wire.Envelope) map[string]error {
	type result struct {
		id  string
		err error
	}
	ch := make(chan result, len(pending))
	for id, s := range pending {
		go func(id string, s *session.Session) {
			ack, err := s.SendAwaitAck(ctx, env)
			if err == nil && !ack.OK {
				err = fmt.Errorf("nack: %s", ack.Error)
			}
			ch <- result{id: id, err: err}
		}(id, s)
	}
	out := make(map[string]error, len(pending))
	for range pending {
		res := <-ch
		out[res.id] = res.err
	}
	return out
}

// pendingLocked returns the in-flight participants still attached to rec.
func (c *Coordinator) pendingLocked(rec *recording) map[string]*session.Session {
	out := make(map[string]*session.Session)
	for id, outc := range rec.devices {
		if outc != outcomePending {
			continue
		}
		if s, ok := c.reg.Lookup(id); ok {
			out[id] = s
		}
	}
	return out
}

func (c *Coordinator) abortBroadcast(ctx context.Context, rec *recording, reason string) {
	env := wire.Envelope{Type: wire.MTAbortRecording, SessionID: rec.id, Priority: wire.PriorityCritical}
	env, err := env.WithPayload(wire.AbortRecordingPayload{SessionID: rec.id, Reason: reason})
	if err != nil {
		return
	}
	c.rtr.Broadcast(ctx, env, nil)
}

// detachParticipants returns surviving participants to Ready.
func (c *Coordinator) detachParticipants(rec *recording) {
	for id := range rec.devices {
		if s, ok := c.reg.Lookup(id); ok {
			s.EndRecording()
		}
	}
}

func (c *Coordinator) failStart(rec *recording, result *StartResult, reason string, err error) (*StartResult, error) {
	c.mu.Lock()
	rec.reason = reason
	rec.endedAt = c.clk.Now()
	for id := range result.Rejected {
		rec.devices[id] = OutcomeExcluded
	}
	c.mu.Unlock()
	c.setState(rec, Aborted)
	c.met.IncSession("failed_start")
	c.finalize(rec)
	slog.Warn("session_start_failed", "session", rec.id, "reason", reason, "rejected", len(result.Rejected))
	return result, err
}

// finalize records the manifest, clears current, and returns the copy.
func (c *Coordinator) finalize(rec *recording) Manifest {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.manifestLocked(rec)
	c.history = append(c.history, m)
	if c.current == rec {
		c.current = nil
	}
	return m
}

func (c *Coordinator) manifestLocked(rec *recording) Manifest {
	devices := make(map[string]DeviceOutcome, len(rec.devices))
	for id, out := range rec.devices {
		devices[id] = out
	}
	return Manifest{
		SessionID: rec.id,
		State:     rec.state,
		StateName: rec.state.String(),
		Reference: rec.reference,
		StartedAt: rec.startedAt,
		EndedAt:   rec.endedAt,
		Devices:   devices,
		Reason:    rec.reason,
	}
}

func (c *Coordinator) setState(rec *recording, to RecordingState) {
	c.mu.Lock()
	from := rec.state
	if from == to {
		c.mu.Unlock()
		return
	}
	if !legalSessionTransition(from, to) {
		c.mu.Unlock()
		slog.Warn("illegal_session_transition", "session", rec.id, "from", from.String(), "to", to.String())
		return
	}
	rec.state = to
	c.mu.Unlock()
	c.publishState(rec, from.String(), to.String())
}

func (c *Coordinator) publishState(rec *recording, from, to string) {
	slog.Info("session_state", "session", rec.id, "from", from, "to", to)
	c.publish(eventbus.Event{
		Time:    c.clk.Now(),
		Kind:    eventbus.KindSessionState,
		Session: rec.id,
		Fields:  map[string]any{"from": from, "to": to},
	})
}

func (c *Coordinator) publish(ev eventbus.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/juanpablocruz/syncrec/pkg/clock"
	"github.com/juanpablocruz/syncrec/pkg/wire"
)

// Probe performs one clock round trip: send clock_probe, wait for the echo
// carrying the device's receive timestamp, and stamp our own receive
// instant. Satisfies clock.ProbeFunc.
func (s *Session) Probe(ctx context.Context, _ int) (clock.Sample, error) {
	id := uuid.NewString()
	ch := make(chan probeEcho, 1)

	s.echoMu.Lock()
	s.echoWaiters[id] = ch
	s.echoMu.Unlock()
	defer func() {
		s.echoMu.Lock()
		delete(s.echoWaiters, id)
		s.echoMu.Unlock()
	}()

	t0 := s.clk.Now()
	env := wire.Envelope{Type: wire.MTClockProbe, Priority: wire.PriorityNormal}
	env, err := env.WithPayload(wire.ClockProbePayload{ProbeID: id, T0: t0})
	if err != nil {
		return clock.Sample{}, err
	}
	if _, err := s.Enqueue(ctx, env); err != nil {
		return clock.Sample{}, fmt.Errorf("probe send: %w", err)
	}

	select {
	case e := <-ch:
		return clock.Sample{T0: t0, T1: e.payload.T1, T2: e.t2}, nil
	case <-ctx.Done():
		return clock.Sample{}, ctx.Err()
	case <-s.ctx.Done():
		return clock.Sample{}, ErrNotLive
	}
}

// RefreshEstimate runs a full probe round and stores the result. A failed
// round leaves the estimate Unknown rather than erroring the session.
func (s *Session) RefreshEstimate(ctx context.Context, p clock.Prober) clock.Estimate {
	p.Probe = s.Probe
	if p.Clock == nil {
		p.Clock = s.clk
	}
	est, err := p.Run(ctx)
	if err != nil {
		est = clock.Estimate{At: s.clk.Now()}
	}
	s.SetEstimate(est)
	return est
}

// Package health runs the background liveness sweep over device sessions.
//
// The monitor only observes heartbeat ages and drives the Degraded and
// Disconnected edges; it never retries connections. Reconnection is
// device-initiated and handled by the registry's last-writer-wins policy.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/juanpablocruz/syncrec/pkg/clock"
	"github.com/juanpablocruz/syncrec/pkg/eventbus"
	"github.com/juanpablocruz/syncrec/pkg/registry"
	"github.com/juanpablocruz/syncrec/pkg/session"
)

const (
	DefaultInterval         = time.Second
	DefaultHeartbeatTimeout = 5 * time.Second
	DefaultDegradedGrace    = 15 * time.Second
)

// Config for the monitor; zero values get defaults.
type Config struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	DegradedGrace    time.Duration

	Clock clock.Clock
	Bus   *eventbus.Bus

	// OnDisconnect is invoked after a session crosses the grace window;
	// the coordinator uses it to mark mid-session devices failed.
	OnDisconnect func(deviceID string)
}

type Monitor struct {
	cfg Config
	reg *registry.Registry
	clk clock.Clock
}

func New(reg *registry.Registry, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.DegradedGrace <= 0 {
		cfg.DegradedGrace = DefaultDegradedGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Monitor{cfg: cfg, reg: reg, clk: cfg.Clock}
}

// Run sweeps on the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// Sweep examines every session once. Exposed so tests can drive the
// monitor with a manual clock instead of wall-clock waits.
func (m *Monitor) Sweep() {
	now := m.clk.Now()
	for _, s := range m.reg.Snapshot() {
		switch s.State() {
		case session.Ready, session.Recording:
			if age := now.Sub(s.LastHeartbeat()); age > m.cfg.HeartbeatTimeout {
				slog.Warn("heartbeat_timeout", "device", s.DeviceID(), "age", age)
				s.MarkDegraded("heartbeat_timeout")
				m.publish(s.DeviceID(), "degraded", age)
			}
		case session.Degraded:
			since := s.DegradedSince()
			if since.IsZero() {
				continue
			}
			if now.Sub(since) > m.cfg.DegradedGrace {
				slog.Warn("degraded_grace_expired", "device", s.DeviceID())
				s.MarkDisconnected("degraded_grace_expired")
				m.publish(s.DeviceID(), "disconnected", now.Sub(since))
				if m.cfg.OnDisconnect != nil {
					m.cfg.OnDisconnect(s.DeviceID())
				}
			}
		}
	}
}

func (m *Monitor) publish(device, state string, age time.Duration) {
	if m.cfg.Bus == nil {
		return
	}
	m.cfg.Bus.Publish(eventbus.Event{
		Time:   m.clk.Now(),
		Kind:   eventbus.KindHealth,
		Device: device,
		Fields: map[string]any{"state": state, "age_ms": age.Milliseconds()},
	})
}

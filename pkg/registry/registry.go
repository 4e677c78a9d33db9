// Package registry is the single source of truth for connected device
// sessions. All mutation goes through one mutex; readers get snapshots,
// never live references to internal state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juanpablocruz/syncrec/pkg/clock"
	"github.com/juanpablocruz/syncrec/pkg/eventbus"
	"github.com/juanpablocruz/syncrec/pkg/metrics"
	"github.com/juanpablocruz/syncrec/pkg/session"
	"github.com/juanpablocruz/syncrec/pkg/transport"
	"github.com/juanpablocruz/syncrec/pkg/wire"
)

// ErrCapacityExceeded rejects connections beyond the configured maximum.
var ErrCapacityExceeded = capacityError{}

type capacityError struct{ limit int }

func (e capacityError) Error() string {
	if e.limit > 0 {
		return fmt.Sprintf("capacity exceeded: limit %d", e.limit)
	}
	return "capacity exceeded"
}
func (capacityError) ErrorCode() wire.ErrorCode { return wire.CodeCapacityExceeded }
func (capacityError) Is(target error) bool {
	_, ok := target.(capacityError)
	return ok
}

// DefaultMaxDevices is the documented concurrent device limit.
const DefaultMaxDevices = 8

const handshakeTimeout = 5 * time.Second

// Config for the registry and its accept loop.
type Config struct {
	MaxDevices int
	Session    session.Config
	Bus        *eventbus.Bus
	Metrics    *metrics.Metrics

	// Probe configures the estimate refresh kicked on admission, so a
	// reconnecting device regains clock confidence without waiting for the
	// periodic round. Left unset (zero Count), admission does not probe.
	Probe clock.Prober
}

// Registry maps device_id to the active session for that device.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func New(cfg Config) *Registry {
	if cfg.MaxDevices <= 0 {
		cfg.MaxDevices = DefaultMaxDevices
	}
	if cfg.Session.Bus == nil {
		cfg.Session.Bus = cfg.Bus
	}
	if cfg.Session.Metrics == nil {
		cfg.Session.Metrics = cfg.Metrics
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*session.Session),
	}
}

// Register admits a session under its device id. If a prior session for
// the same device exists and is not Disconnected, the new connection wins
// and the old one is forcibly disconnected: devices drop and resume
// without needing a new logical identity.
func (r *Registry) Register(s *session.Session) error {
	id := s.DeviceID()
	if id == "" {
		return errors.New("register: empty device_id")
	}

	r.mu.Lock()
	prev, hadPrev := r.sessions[id]
	// Sessions still mid-handshake occupy a slot too, so concurrent
	// admissions cannot overshoot the limit.
	occupied := 0
	for did, cur := range r.sessions {
		if did != id && cur.State() != session.Disconnected {
			occupied++
		}
	}
	if occupied >= r.cfg.MaxDevices {
		r.mu.Unlock()
		return capacityError{limit: r.cfg.MaxDevices}
	}
	r.sessions[id] = s
	r.mu.Unlock()

	if hadPrev && prev.State() != session.Disconnected {
		slog.Info("session_superseded", "device", id, "old_instance", prev.Instance(), "new_instance", s.Instance())
		prev.MarkDisconnected("superseded_by_reconnect")
	}
	r.cfg.Metrics.SetDevices(r.countLive())
	return nil
}

// Lookup returns the active session of record for a device.
func (r *Registry) Lookup(deviceID string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// Remove drops a device from the table. The session itself is not closed;
// callers disconnect first.
func (r *Registry) Remove(deviceID string) {
	r.mu.Lock()
	delete(r.sessions, deviceID)
	r.mu.Unlock()
	r.cfg.Metrics.SetDevices(r.countLive())
}

// Snapshot returns a copy of the current session set, safe to iterate
// while the table mutates.
func (r *Registry) Snapshot() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ListReady returns sessions currently in Ready.
func (r *Registry) ListReady() []*session.Session {
	var out []*session.Session
	for _, s := range r.Snapshot() {
		if s.State() == session.Ready {
			out = append(out, s)
		}
	}
	return out
}

// ListRoutable returns sessions eligible for broadcast (Ready or
// Recording).
func (r *Registry) ListRoutable() []*session.Session {
	var out []*session.Session
	for _, s := range r.Snapshot() {
		st := s.State()
		if st == session.Ready || st == session.Recording {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) countLive() int {
	n := 0
	for _, s := range r.Snapshot() {
		if s.State().Live() {
			n++
		}
	}
	return n
}

// Serve runs the accept loop until ctx is done or the listener closes.
// Each accepted connection gets its own session and handshake goroutine.
func (r *Registry) Serve(ctx context.Context, l *transport.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go r.HandleConn(ctx, conn)
	}
}

// HandleConn runs the admission path for one accepted connection. Exposed
// so tests and in-process devices can attach over memory pipes.
func (r *Registry) HandleConn(ctx context.Context, conn transport.Conn) {
	s := session.New(conn, r.cfg.Session)
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := s.Handshake(hctx, r.Register); err != nil {
		slog.Warn("handshake_rejected", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	s.Start()
	if r.cfg.Probe.Count > 0 {
		go s.RefreshEstimate(ctx, r.cfg.Probe)
	}
	r.cfg.Metrics.SetDevices(r.countLive())
}

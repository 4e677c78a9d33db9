// Package router validates, prioritizes, and delivers command envelopes to
// devices through the registry.
//
// Delivery guarantees: FIFO per device within a priority class, critical
// drained before normal before bulk, no ordering across devices. Partial
// broadcast failure is a normal outcome, never a hard error.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/juanpablocruz/syncrec/pkg/eventbus"
	"github.com/juanpablocruz/syncrec/pkg/registry"
	"github.com/juanpablocruz/syncrec/pkg/session"
	"github.com/juanpablocruz/syncrec/pkg/wire"
)

var ErrUnknownDevice = errors.New("unknown device")

type Router struct {
	reg *registry.Registry
	bus *eventbus.Bus
}

func New(reg *registry.Registry, bus *eventbus.Bus) *Router {
	return &Router{reg: reg, bus: bus}
}

// Send validates env and enqueues it for one device. Retry/backoff for
// transient transport errors happens in the device's writer per its
// priority class.
func (r *Router) Send(ctx context.Context, deviceID string, env wire.Envelope) (uint64, error) {
	s, ok := r.reg.Lookup(deviceID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return s.Enqueue(ctx, env)
}

// SendAwait delivers env and waits for the device's ack, bounded by ctx.
func (r *Router) SendAwait(ctx context.Context, deviceID string, env wire.Envelope) (wire.AckPayload, error) {
	s, ok := r.reg.Lookup(deviceID)
	if !ok {
		return wire.AckPayload{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return s.SendAwaitAck(ctx, env)
}

// Broadcast fans env out to every Ready/Recording session not excluded,
// returning a per-device result map. A nil map value is success.
func (r *Router) Broadcast(ctx context.Context, env wire.Envelope, excluding map[string]bool) map[string]error {
	results := make(map[string]error)
	for _, s := range r.reg.ListRoutable() {
		id := s.DeviceID()
		if excluding[id] {
			continue
		}
		_, err := s.Enqueue(ctx, env)
		results[id] = err
	}
	if r.bus != nil {
		failed := 0
		for _, err := range results {
			if err != nil {
				failed++
			}
		}
		r.bus.Publish(eventbus.Event{
			Kind: eventbus.KindRouter,
			Fields: map[string]any{
				"msg": "broadcast", "type": string(env.Type),
				"targets": len(results), "failed": failed,
			},
		})
	}
	return results
}

// BroadcastAwait sends env to each target and waits for acks concurrently,
// bounded by ctx. The result map holds nil for acked devices and the
// blocking error otherwise.
func (r *Router) BroadcastAwait(ctx context.Context, env wire.Envelope, excluding map[string]bool) map[string]error {
	targets := make([]*session.Session, 0)
	for _, s := range r.reg.ListRoutable() {
		if !excluding[s.DeviceID()] {
			targets = append(targets, s)
		}
	}

	type result struct {
		id  string
		err error
	}
	ch := make(chan result, len(targets))
	for _, s := range targets {
		go func(s *session.Session) {
			ack, err := s.SendAwaitAck(ctx, env)
			if err == nil && !ack.OK {
				err = fmt.Errorf("device nack: %s", ack.Error)
			}
			ch <- result{id: s.DeviceID(), err: err}
		}(s)
	}

	results := make(map[string]error, len(targets))
	for range targets {
		res := <-ch
		results[res.id] = res.err
	}
	return results
}

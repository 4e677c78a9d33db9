package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/juanpablocruz/syncrec/pkg/eventbus"
	"github.com/juanpablocruz/syncrec/pkg/wire"
)

// stamp assigns sequence, device id, timestamp and default priority.
func (s *Session) stamp(env wire.Envelope) wire.Envelope {
	if env.Priority == "" {
		env.Priority = wire.DefaultPriority(env.Type)
	}
	env.Sequence = s.outSeq.Add(1)
	env.DeviceID = s.DeviceID()
	env.Timestamp = s.clk.Now()
	return env
}

// Enqueue stamps the envelope and places it on the queue for its class,
// returning the assigned sequence number.
//
// Critical and Normal block until queue space or ctx expiry. Bulk never
// blocks: a full bulk queue drops the envelope with a counter, because a
// dropped preview frame must never stall a critical command.
func (s *Session) Enqueue(ctx context.Context, env wire.Envelope) (uint64, error) {
	if !s.State().Live() {
		return 0, ErrNotLive
	}
	env = s.stamp(env)
	if err := s.enqueue(ctx, env); err != nil {
		return 0, err
	}
	return env.Sequence, nil
}

func (s *Session) enqueue(ctx context.Context, env wire.Envelope) error {
	switch env.Priority {
	case wire.PriorityCritical:
		select {
		case s.outCritical <- env:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrNotLive
		}
	case wire.PriorityBulk:
		select {
		case s.outBulk <- env:
			return nil
		default:
			s.met.IncBulkDropped()
			s.emit(eventbus.KindRouter, map[string]any{"msg": "bulk_dropped", "type": string(env.Type)})
			return ErrBulkDropped
		}
	default:
		select {
		case s.outNormal <- env:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrNotLive
		}
	}
}

// SendAwaitAck enqueues env and blocks until the device acknowledges it by
// sequence or ctx expires. The waiter is registered before the envelope
// can reach the wire, so an immediate ack cannot be missed.
func (s *Session) SendAwaitAck(ctx context.Context, env wire.Envelope) (wire.AckPayload, error) {
	if !s.State().Live() {
		return wire.AckPayload{}, ErrNotLive
	}
	env = s.stamp(env)

	ch := make(chan wire.AckPayload, 1)
	s.ackMu.Lock()
	s.ackWaiters[env.Sequence] = ch
	s.ackMu.Unlock()
	defer func() {
		s.ackMu.Lock()
		delete(s.ackWaiters, env.Sequence)
		s.ackMu.Unlock()
	}()

	if err := s.enqueue(ctx, env); err != nil {
		return wire.AckPayload{}, err
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-ctx.Done():
		return wire.AckPayload{}, ctx.Err()
	case <-s.ctx.Done():
		return wire.AckPayload{}, ErrNotLive
	}
}

// writeLoop is the single owner of the outbound connection. It drains
// critical before normal before bulk, FIFO within each class, applying the
// class retry policy on transport errors.
func (s *Session) writeLoop() {
	for {
		// Nested selects give strict class precedence.
		select {
		case env := <-s.outCritical:
			s.deliver(env)
			continue
		default:
		}
		select {
		case env := <-s.outCritical:
			s.deliver(env)
			continue
		case env := <-s.outNormal:
			s.deliver(env)
			continue
		default:
		}
		select {
		case env := <-s.outCritical:
			s.deliver(env)
		case env := <-s.outNormal:
			s.deliver(env)
		case env := <-s.outBulk:
			s.deliver(env)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) deliver(env wire.Envelope) {
	policy := s.cfg.RetryNormal
	if env.Priority == wire.PriorityCritical {
		policy = s.cfg.RetryCritical
	}

	frame, err := wire.Encode(env)
	if err != nil {
		slog.Warn("encode_err", "device", s.DeviceID(), "type", string(env.Type), "err", err)
		return
	}

	backoff := policy.Base
	for attempt := 1; ; attempt++ {
		err = s.conn.Send(frame)
		if err == nil {
			s.met.IncEnvelope("out", string(env.Type))
			return
		}
		if attempt >= policy.Max {
			break
		}
		s.met.IncRetry(string(env.Priority))
		s.emit(eventbus.KindRouter, map[string]any{
			"msg": "send_retry", "type": string(env.Type), "attempt": attempt, "err": err.Error(),
		})
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > policy.Cap {
			backoff = policy.Cap
		}
	}

	slog.Warn("send_exhausted", "device", s.DeviceID(), "type", string(env.Type), "attempts", policy.Max, "err", err)
	s.emit(eventbus.KindRouter, map[string]any{
		"msg": "send_exhausted", "type": string(env.Type), "err": err.Error(),
	})
	if env.Priority == wire.PriorityCritical {
		// A critical command that cannot be delivered escalates to the
		// fault path rather than erroring at the coordinator.
		s.MarkDegraded("critical_send_failed")
	}
}

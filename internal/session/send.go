package session

import (
	"context"

	"github.com/matheus3301/wschat/internal/bus"
	"github.com/matheus3301/wschat/internal/outbox"
	"github.com/matheus3301/wschat/internal/retry"
	"github.com/matheus3301/wschat/internal/status"
	"go.uber.org/zap"
)

// TypingStartPolicy returns the configured policy for typing-start signals.
func (s *Session) TypingStartPolicy() retry.Policy { return s.cfg.TypingStart }

// Send publishes env under policy. Synchronous attempts are bounded by the
// policy; when they are exhausted the envelope is queued, or dropped for
// classes that are worthless once stale. Persistent envelopes also join the
// queue while it has a backlog so they cannot overtake earlier sends.
//
// In the Failed state queueable envelopes are not queued: Send returns
// Dropped with ErrConnectionFailed, since nothing would drain the queue
// before an explicit reconnect. That and ErrClosed are the only errors
// returned for a queueable class.
func (s *Session) Send(ctx context.Context, env outbox.Envelope, policy retry.Policy) (outbox.Outcome, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return outbox.Dropped, ErrClosed
	}
	if env.Class == "" {
		env.Class = policy.Class
	}

	if policy.Queueable() && s.machine.Current() == status.Failed {
		return outbox.Dropped, ErrConnectionFailed
	}
	if policy.Class == retry.ClassPersistent && s.queue.Len() > 0 {
		return s.enqueue(env), nil
	}

	err := policy.Do(ctx, func(int) error { return s.publishQueued(ctx, env) })
	if err == nil {
		if env.Done != nil {
			env.Done(nil)
		}
		return outbox.Sent, nil
	}

	if !policy.Queueable() {
		s.logger.Debug("dropped envelope", zap.String("destination", env.Destination), zap.String("class", env.Class), zap.Error(err))
		s.bus.Emit(bus.KindSendDropped, env.Destination)
		return outbox.Dropped, nil
	}
	return s.enqueue(env), nil
}

func (s *Session) enqueue(env outbox.Envelope) outbox.Outcome {
	s.queue.Enqueue(env)
	s.logger.Debug("queued envelope", zap.String("destination", env.Destination), zap.String("class", env.Class), zap.Int("depth", s.queue.Len()))
	s.bus.Emit(bus.KindSendQueued, env.Destination)
	return outbox.Queued
}

// Package retry describes how each outbound message class is retried.
package retry

import (
	"context"
	"time"
)

// Policy is a per-class send policy.
//
// MaxAttempts bounds synchronous publish attempts at send time. When they are
// exhausted the message is either dropped (DropOnExhaustion) or handed to the
// shared outbound queue.
type Policy struct {
	Class            string
	MaxAttempts      int
	Backoff          time.Duration
	DropOnExhaustion bool
}

const (
	ClassPersistent  = "persistent"
	ClassTypingStart = "typing_start"
	ClassEphemeral   = "ephemeral"
)

// Persistent is used for chat, recall and status broadcasts: one immediate
// attempt, then the shared queue.
func Persistent() Policy {
	return Policy{Class: ClassPersistent, MaxAttempts: 1}
}

// TypingStart retries synchronously before falling back to the queue.
func TypingStart(attempts int, backoff time.Duration) Policy {
	p := Policy{Class: ClassTypingStart, MaxAttempts: attempts, Backoff: backoff}
	p.normalize()
	return p
}

// Ephemeral is used for typing-stop: a stale signal is worthless, so it is
// never queued.
func Ephemeral() Policy {
	return Policy{Class: ClassEphemeral, MaxAttempts: 1, DropOnExhaustion: true}
}

// Queueable reports whether exhausted sends go to the shared queue.
func (p Policy) Queueable() bool { return !p.DropOnExhaustion }

// normalize fills zero-valued fields with defaults.
func (p *Policy) normalize() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
}

// Do calls fn up to MaxAttempts times, sleeping Backoff between attempts.
// It returns nil on the first success, otherwise the last error (or the
// context error if ctx ends while waiting).
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	p.normalize()
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == p.MaxAttempts-1 || p.Backoff == 0 {
			continue
		}
		t := time.NewTimer(p.Backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return err
}

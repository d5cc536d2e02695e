package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// startHeartbeatLocked starts the scheduled beat and its self-monitor. The
// monitor compensates for a throttled or suspended ticker by forcing a beat
// once the last one is older than interval plus buffer.
func (s *Session) startHeartbeatLocked() {
	s.stopHeartbeatLocked()
	ctx, cancel := context.WithCancel(s.cycleCtx)
	s.hbCancel = cancel
	s.lastBeat = s.now()

	go s.tick(ctx, s.cfg.HeartbeatInterval, func() { s.beat(ctx, false) })
	go s.tick(ctx, s.cfg.HeartbeatMonitor, func() { s.checkHeartbeat(ctx, s.now()) })
}

func (s *Session) stopHeartbeatLocked() {
	if s.hbCancel != nil {
		s.hbCancel()
		s.hbCancel = nil
	}
}

func (s *Session) tick(ctx context.Context, every time.Duration, fn func()) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// checkHeartbeat forces a beat when the last one is overdue at now. It
// reports whether a beat was forced.
func (s *Session) checkHeartbeat(ctx context.Context, now time.Time) bool {
	s.mu.Lock()
	last := s.lastBeat
	live := s.tr != nil
	s.mu.Unlock()
	if !live {
		return false
	}
	overdue := now.Sub(last)
	if overdue <= s.cfg.HeartbeatInterval+s.cfg.HeartbeatBuffer {
		return false
	}
	s.logger.Info("heartbeat overdue, forcing", zap.Duration("since_last", overdue))
	s.beat(ctx, true)
	return true
}

func (s *Session) beat(ctx context.Context, forced bool) {
	s.mu.Lock()
	tr := s.tr
	userID := s.creds.UserID
	s.mu.Unlock()
	if tr == nil {
		return
	}
	if err := tr.Publish(ctx, destHeartbeat, userIDBody(userID)); err != nil {
		// Left for the monitor to retry.
		s.logger.Debug("heartbeat failed", zap.Bool("forced", forced), zap.Error(err))
		return
	}
	s.mu.Lock()
	if s.tr == tr {
		s.lastBeat = s.now()
	}
	s.mu.Unlock()
	s.logger.Debug("heartbeat", zap.Bool("forced", forced))
}

// SetVisible records host visibility. Becoming visible after being hidden
// forces one immediate beat.
func (s *Session) SetVisible(visible bool) {
	s.mu.Lock()
	wasHidden := s.hidden
	s.hidden = !visible
	ctx := s.cycleCtx
	live := s.tr != nil
	s.mu.Unlock()
	if visible && wasHidden && live {
		s.logger.Info("visible again, forcing heartbeat")
		s.beat(ctx, true)
	}
}

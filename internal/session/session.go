// Package session is the connection manager. It owns the single transport,
// reconnects with a flat delay up to a bounded number of consecutive
// failures, keeps the liveness heartbeat and routes sends through the
// per-class retry policies and the shared outbound queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/matheus3301/wschat/internal/bus"
	"github.com/matheus3301/wschat/internal/outbox"
	"github.com/matheus3301/wschat/internal/registry"
	"github.com/matheus3301/wschat/internal/status"
	"github.com/matheus3301/wschat/internal/transport"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned when an operation needs a ready transport.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionFailed marks the terminal state after the reconnect cap.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

const (
	destRegister  = "/app/register-session"
	destHeartbeat = "/app/heartbeat"
)

// Credentials authenticate one connection.
type Credentials struct {
	Token  string
	UserID int64
}

// Session is one logical connection to the chat server.
type Session struct {
	cfg      Config
	dialer   transport.Dialer
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger
	queue    *outbox.Queue
	drainer  *outbox.Drainer
	registry *registry.Registry
	now      func() time.Time

	mu        sync.Mutex
	creds     Credentials
	onConnect func()
	onError   func(error)
	tr        transport.Transport
	// gen identifies the current connect cycle; Connect and Disconnect bump
	// it so late dial results and timers from an older cycle are ignored.
	gen         uint64
	attempts    int
	cycleCtx    context.Context
	cycleCancel context.CancelFunc
	redial      *time.Timer
	hbCancel    context.CancelFunc
	lastBeat    time.Time
	hidden      bool
	closed      bool
}

// New creates a disconnected session.
func New(cfg Config, dialer transport.Dialer, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Session {
	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	if machine == nil {
		machine = status.NewMachine(b)
	}
	s := &Session{
		cfg:      cfg,
		dialer:   dialer,
		machine:  machine,
		bus:      b,
		logger:   logger,
		queue:    outbox.NewQueue(),
		registry: registry.New(cfg.Subscribe, logger.Named("registry")),
		now:      time.Now,
	}
	s.drainer = outbox.NewDrainer(s.queue, s.publishQueued, cfg.DrainInterval, logger.Named("outbox"))
	return s
}

// State returns the connection state.
func (s *Session) State() status.State { return s.machine.Current() }

// Ready reports whether sends would go straight to the wire.
func (s *Session) Ready() bool {
	return s.current() != nil && s.machine.Current() == status.Connected
}

// UserID returns the identity of the last Connect.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.UserID
}

// QueueLen returns the number of envelopes waiting for a ready transport.
func (s *Session) QueueLen() int { return s.queue.Len() }

// WaitReady polls until the session is ready or budget elapses. It never
// returns an error; false means the budget ran out or ctx ended.
func (s *Session) WaitReady(ctx context.Context, budget time.Duration) bool {
	if s.Ready() {
		return true
	}
	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-poll.C:
			if s.Ready() {
				return true
			}
		case <-deadline.C:
			return s.Ready()
		case <-ctx.Done():
			return false
		}
	}
}

// Connect starts opening the connection and returns without waiting for
// the dial; onConnect reports success. It is idempotent: when already connected
// onConnect runs immediately, and when an attempt is in flight it returns
// without starting another. From Failed it is the explicit reconnect and
// starts a fresh attempt budget. onError receives every dial or transport
// failure; the terminal one wraps ErrConnectionFailed.
func (s *Session) Connect(ctx context.Context, creds Credentials, onConnect func(), onError func(error)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	switch s.machine.Current() {
	case status.Connected:
		s.mu.Unlock()
		if onConnect != nil {
			onConnect()
		}
		return nil
	case status.Connecting, status.Reconnecting:
		s.mu.Unlock()
		return nil
	}

	s.creds = creds
	s.onConnect = onConnect
	s.onError = onError
	s.attempts = 0
	s.gen++
	gen := s.gen
	if s.cycleCancel != nil {
		s.cycleCancel()
	}
	s.cycleCtx, s.cycleCancel = context.WithCancel(context.WithoutCancel(ctx))
	cycleCtx := s.cycleCtx
	s.transition(status.Connecting)
	s.mu.Unlock()

	s.logger.Info("connecting", zap.String("endpoint", s.cfg.Endpoint), zap.Int64("user_id", creds.UserID))
	go s.dial(cycleCtx, gen)
	return nil
}

func (s *Session) dial(ctx context.Context, gen uint64) {
	s.mu.Lock()
	token := s.creds.Token
	s.mu.Unlock()

	tr, err := s.dialer.Dial(ctx, s.cfg.Endpoint, token)

	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		if err == nil {
			_ = tr.Close()
		}
		return
	}
	if err != nil {
		s.attempts++
		n := s.attempts
		onError := s.onError
		if n >= s.cfg.ReconnectMaxAttempts {
			s.transition(status.Failed)
			s.mu.Unlock()
			s.logger.Error("connection failed, giving up", zap.Int("attempts", n), zap.Error(err))
			s.bus.Emit(bus.KindConnFailed, err)
			if onError != nil {
				onError(fmt.Errorf("%w after %d attempts: %w", ErrConnectionFailed, n, err))
			}
			return
		}
		s.transition(status.Reconnecting)
		s.scheduleRedialLocked(gen)
		s.mu.Unlock()
		s.logger.Warn("connect attempt failed", zap.Int("attempt", n), zap.Int("max", s.cfg.ReconnectMaxAttempts), zap.Duration("retry_in", s.cfg.ReconnectDelay), zap.Error(err))
		if onError != nil {
			onError(err)
		}
		return
	}

	s.tr = tr
	s.attempts = 0
	s.transition(status.Connected)
	s.startHeartbeatLocked()
	cycleCtx := s.cycleCtx
	userID := s.creds.UserID
	onConnect := s.onConnect
	s.mu.Unlock()

	s.logger.Info("connected", zap.Int64("user_id", userID))
	if err := tr.Publish(ctx, destRegister, userIDBody(userID)); err != nil {
		s.logger.Warn("register session failed", zap.Error(err))
	}
	go s.watch(cycleCtx, tr, gen)
	s.drainer.Start(cycleCtx)
	s.registry.Reestablish()
	s.bus.Emit(bus.KindConnected, userID)
	if onConnect != nil {
		onConnect()
	}
}

func (s *Session) scheduleRedialLocked(gen uint64) {
	if s.redial != nil {
		s.redial.Stop()
	}
	ctx := s.cycleCtx
	s.redial = time.AfterFunc(s.cfg.ReconnectDelay, func() {
		s.mu.Lock()
		if gen != s.gen || s.closed {
			s.mu.Unlock()
			return
		}
		s.redial = nil
		s.transition(status.Connecting)
		s.mu.Unlock()
		s.logger.Info("reconnecting", zap.Int("attempt", s.attemptsSoFar()+1))
		s.dial(ctx, gen)
	})
}

func (s *Session) attemptsSoFar() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// watch routes an unexpected transport loss into reconnection.
func (s *Session) watch(ctx context.Context, tr transport.Transport, gen uint64) {
	select {
	case <-tr.Done():
	case <-ctx.Done():
		return
	}

	s.mu.Lock()
	if gen != s.gen || s.tr != tr {
		s.mu.Unlock()
		return
	}
	err := tr.Err()
	if err == nil {
		err = transport.ErrClosed
	}
	s.tr = nil
	s.stopHeartbeatLocked()
	s.transition(status.Reconnecting)
	onError := s.onError
	s.mu.Unlock()

	// The drain loop publishes through s.mu, so it is stopped unlocked.
	s.drainer.Stop()
	s.registry.Detach()

	s.mu.Lock()
	if gen == s.gen && !s.closed {
		s.scheduleRedialLocked(gen)
	}
	s.mu.Unlock()

	s.logger.Warn("transport lost", zap.Error(err), zap.Duration("retry_in", s.cfg.ReconnectDelay))
	if onError != nil {
		onError(err)
	}
}

// Disconnect ends the connection deliberately. A presence notice is sent
// best-effort first. Subscriptions and queued envelopes are kept for the
// next Connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	if s.redial != nil {
		s.redial.Stop()
		s.redial = nil
	}
	tr := s.tr
	s.tr = nil
	s.stopHeartbeatLocked()
	cancel := s.cycleCancel
	s.cycleCancel = nil
	s.attempts = 0
	s.lastBeat = time.Time{}
	userID := s.creds.UserID
	s.transition(status.Disconnected)
	s.mu.Unlock()

	s.drainer.Stop()
	if tr != nil {
		s.farewell(tr, userID)
		if err := tr.Close(); err != nil {
			s.logger.Debug("transport close", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	s.mu.Lock()
	if gen == s.gen {
		s.registry.Detach()
	}
	s.mu.Unlock()
	s.logger.Info("disconnected")
}

func (s *Session) farewell(tr transport.Transport, userID int64) {
	if s.cfg.Farewell == nil {
		return
	}
	dest, body := s.cfg.Farewell(userID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Publish(ctx, dest, body); err != nil {
		s.logger.Debug("farewell notice failed", zap.Error(err))
	}
}

// Close disconnects and releases every subscription and queued envelope.
func (s *Session) Close() {
	s.Disconnect()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.registry.Close()
	if n := s.queue.Clear(); n > 0 {
		s.logger.Info("discarded queued envelopes", zap.Int("count", n))
	}
}

// Subscribe attaches handler to topic under the channel key. Subscriptions
// made before the transport is ready are established once it is.
func (s *Session) Subscribe(key, topic string, handler transport.Handler) func() {
	return s.registry.Subscribe(key, func(h transport.Handler) (transport.Listener, error) {
		tr := s.current()
		if tr == nil {
			return nil, ErrNotConnected
		}
		return tr.Subscribe(topic, h)
	}, registry.Callback(handler))
}

// Subscriptions exposes the registry for inspection.
func (s *Session) Subscriptions() *registry.Registry { return s.registry }

func (s *Session) current() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr
}

func (s *Session) publishQueued(ctx context.Context, env outbox.Envelope) error {
	tr := s.current()
	if tr == nil {
		return ErrNotConnected
	}
	return tr.Publish(ctx, env.Destination, env.Payload)
}

// transition must be called with s.mu held.
func (s *Session) transition(to status.State) {
	if err := s.machine.Transition(to); err != nil {
		s.logger.Debug("state transition rejected", zap.Error(err))
	}
}

func userIDBody(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

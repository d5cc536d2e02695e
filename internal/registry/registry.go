// Package registry deduplicates channel subscriptions. One underlying
// transport listener exists per channel key no matter how many callers want
// it, and listeners are (re)established lazily until the transport is ready.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/wschat/internal/transport"
	"go.uber.org/zap"
)

// ErrAbandoned is logged when a key exhausts its establishment attempts.
var ErrAbandoned = errors.New("subscription abandoned")

// EstablishFunc creates the underlying listener, delivering frames to h.
// It fails while the transport is not connected.
type EstablishFunc func(h transport.Handler) (transport.Listener, error)

// Config bounds retry-until-connected.
type Config struct {
	RetryDelay  time.Duration
	MaxAttempts int
	// LogEvery controls sparse progress logging of retries.
	LogEvery int
}

// DefaultConfig returns 500ms x 20 attempts.
func DefaultConfig() Config {
	return Config{RetryDelay: 500 * time.Millisecond, MaxAttempts: 20, LogEvery: 5}
}

type subscription struct {
	key       string
	establish EstablishFunc
	listener  transport.Listener
	observers observers

	attempts     int
	inflight     bool
	abandoned    bool
	unsubscribed bool
	retry        *time.Timer
	// epoch changes whenever the transport under the listener changes;
	// handlers and establishments from an older epoch are ignored.
	epoch int
}

// Registry owns every channel subscription of one session.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

// New creates a registry.
func New(cfg Config, logger *zap.Logger) *Registry {
	def := DefaultConfig()
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = def.LogEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{cfg: cfg, logger: logger, subs: make(map[string]*subscription)}
}

// Subscribe attaches cb to the channel key. The first caller for a key causes
// establish to run (and retry while it fails); later callers share that
// listener. The returned function detaches only this caller, and returns
// immediately even while establishment is still pending.
func (r *Registry) Subscribe(key string, establish EstablishFunc, cb Callback) func() {
	r.mu.Lock()
	sub, ok := r.subs[key]
	if !ok {
		sub = &subscription{key: key, establish: establish}
		r.subs[key] = sub
	}
	id := sub.observers.add(cb)
	kick := !ok
	if ok && sub.listener == nil && !sub.inflight && sub.retry == nil {
		// Existing key gave up earlier; a new caller revives it.
		sub.attempts = 0
		sub.abandoned = false
		kick = true
	}
	r.mu.Unlock()

	if kick {
		r.attempt(sub)
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.release(sub, id) })
	}
}

func (r *Registry) release(sub *subscription, id int) {
	r.mu.Lock()
	sub.observers.remove(id)
	if sub.observers.len() > 0 || sub.unsubscribed {
		r.mu.Unlock()
		return
	}
	sub.unsubscribed = true
	if sub.retry != nil {
		sub.retry.Stop()
		sub.retry = nil
	}
	if r.subs[sub.key] == sub {
		delete(r.subs, sub.key)
	}
	l := sub.listener
	sub.listener = nil
	r.mu.Unlock()

	closeListener(l, r.logger, sub.key)
	r.logger.Debug("subscription released", zap.String("key", sub.key))
}

func (r *Registry) attempt(sub *subscription) {
	r.mu.Lock()
	if sub.unsubscribed || sub.listener != nil || sub.inflight {
		r.mu.Unlock()
		return
	}
	sub.inflight = true
	sub.retry = nil
	sub.attempts++
	n, epoch := sub.attempts, sub.epoch
	r.mu.Unlock()

	l, err := sub.establish(func(m transport.Message) { r.dispatch(sub, epoch, m) })

	r.mu.Lock()
	sub.inflight = false
	switch {
	case sub.unsubscribed:
		r.mu.Unlock()
		if err == nil {
			closeListener(l, r.logger, sub.key)
		}
		return
	case epoch != sub.epoch:
		r.mu.Unlock()
		if err == nil {
			closeListener(l, r.logger, sub.key)
		}
		r.attempt(sub)
		return
	case err == nil:
		sub.listener = l
		sub.attempts = 0
		r.mu.Unlock()
		if n > 1 {
			r.logger.Info("subscription established", zap.String("key", sub.key), zap.Int("attempts", n))
		} else {
			r.logger.Debug("subscription established", zap.String("key", sub.key))
		}
		return
	}

	if n >= r.cfg.MaxAttempts {
		sub.abandoned = true
		r.mu.Unlock()
		r.logger.Warn("subscription abandoned", zap.String("key", sub.key), zap.Int("attempts", n), zap.Error(errors.Join(ErrAbandoned, err)))
		return
	}
	sub.retry = time.AfterFunc(r.cfg.RetryDelay, func() { r.attempt(sub) })
	r.mu.Unlock()

	if n == 1 || n%r.cfg.LogEvery == 0 {
		r.logger.Info("subscription waiting for connection", zap.String("key", sub.key), zap.Int("attempt", n), zap.Int("max", r.cfg.MaxAttempts), zap.Error(err))
	}
}

func (r *Registry) dispatch(sub *subscription, epoch int, m transport.Message) {
	r.mu.Lock()
	if sub.unsubscribed || sub.epoch != epoch {
		r.mu.Unlock()
		return
	}
	callbacks := sub.observers.snapshot()
	r.mu.Unlock()

	for _, cb := range callbacks {
		cb(m)
	}
}

// Detach forgets every underlying listener after the transport went away.
// Observers are kept for Reestablish.
func (r *Registry) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.retry != nil {
			sub.retry.Stop()
			sub.retry = nil
		}
		sub.listener = nil
		sub.epoch++
	}
}

// Reestablish re-runs establishment for every key on a fresh transport.
func (r *Registry) Reestablish() {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	var stale []transport.Listener
	for _, sub := range r.subs {
		if sub.retry != nil {
			sub.retry.Stop()
			sub.retry = nil
		}
		if sub.listener != nil {
			stale = append(stale, sub.listener)
			sub.listener = nil
		}
		sub.epoch++
		sub.attempts = 0
		sub.abandoned = false
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, l := range stale {
		_ = l.Unsubscribe()
	}
	for _, sub := range subs {
		r.attempt(sub)
	}
	if len(subs) > 0 {
		r.logger.Info("subscriptions re-established", zap.Int("count", len(subs)))
	}
}

// Close tears down every subscription regardless of remaining observers.
func (r *Registry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*subscription)
	var listeners []transport.Listener
	for _, sub := range subs {
		sub.unsubscribed = true
		if sub.retry != nil {
			sub.retry.Stop()
			sub.retry = nil
		}
		if sub.listener != nil {
			listeners = append(listeners, sub.listener)
			sub.listener = nil
		}
	}
	r.mu.Unlock()

	for _, l := range listeners {
		_ = l.Unsubscribe()
	}
}

// Len returns the number of channel keys with at least one observer.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Observers returns how many callers share key.
func (r *Registry) Observers(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[key]; ok {
		return sub.observers.len()
	}
	return 0
}

// Listening reports whether key currently has a live underlying listener.
func (r *Registry) Listening(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[key]
	return ok && sub.listener != nil
}

func closeListener(l transport.Listener, logger *zap.Logger, key string) {
	if l == nil {
		return
	}
	if err := l.Unsubscribe(); err != nil {
		logger.Debug("unsubscribe failed", zap.String("key", key), zap.Error(err))
	}
}

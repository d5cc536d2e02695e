package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PublishFunc publishes one envelope on the current transport.
type PublishFunc func(ctx context.Context, env Envelope) error

// Drainer empties the queue on a fixed tick while the transport is ready.
type Drainer struct {
	queue    *Queue
	publish  PublishFunc
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDrainer creates a drainer for q.
func NewDrainer(q *Queue, publish PublishFunc, interval time.Duration, logger *zap.Logger) *Drainer {
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drainer{
		queue:    q,
		publish:  publish,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the drain loop. It drains once immediately. Calling Start on
// a running drainer restarts it.
func (d *Drainer) Start(ctx context.Context) {
	d.Stop()
	d.mu.Lock()
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	d.mu.Unlock()
	go d.loop(ctx)
}

// Stop stops the drain loop and waits for the current pass to finish.
func (d *Drainer) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		d.wg.Wait()
	}
}

func (d *Drainer) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.DrainOnce(ctx)
	for {
		select {
		case <-ticker.C:
			d.DrainOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// DrainOnce runs a single drain pass.
func (d *Drainer) DrainOnce(ctx context.Context) int {
	if d.queue.Len() == 0 {
		return 0
	}
	n, err := d.queue.Drain(func(env Envelope) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return d.publish(ctx, env)
	})
	if n > 0 {
		d.logger.Info("outbound queue drained", zap.Int("sent", n), zap.Int("remaining", d.queue.Len()))
	}
	if err != nil && ctx.Err() == nil {
		d.logger.Debug("drain halted", zap.Error(err), zap.Int("remaining", d.queue.Len()))
	}
	return n
}

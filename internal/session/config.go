package session

import (
	"time"

	"github.com/matheus3301/wschat/internal/config"
	"github.com/matheus3301/wschat/internal/registry"
	"github.com/matheus3301/wschat/internal/retry"
)

// Config holds the session tunables.
type Config struct {
	Endpoint string

	ReconnectMaxAttempts int
	ReconnectDelay       time.Duration

	HeartbeatInterval time.Duration
	HeartbeatMonitor  time.Duration
	HeartbeatBuffer   time.Duration

	DrainInterval time.Duration
	TypingStart   retry.Policy
	Subscribe     registry.Config

	// Farewell, if set, builds the best-effort presence notice published
	// just before a deliberate disconnect.
	Farewell func(userID int64) (destination string, body []byte)
}

// ConfigFrom maps the file configuration onto session tunables.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Endpoint:             c.Endpoint,
		ReconnectMaxAttempts: c.Reconnect.MaxAttempts,
		ReconnectDelay:       c.Reconnect.Delay.Duration,
		HeartbeatInterval:    c.Heartbeat.Interval.Duration,
		HeartbeatMonitor:     c.Heartbeat.Monitor.Duration,
		HeartbeatBuffer:      c.Heartbeat.Buffer.Duration,
		DrainInterval:        c.Queue.DrainInterval.Duration,
		TypingStart:          retry.TypingStart(c.TypingStart.Attempts, c.TypingStart.Backoff.Duration),
		Subscribe: registry.Config{
			RetryDelay:  c.Subscribe.RetryDelay.Duration,
			MaxAttempts: c.Subscribe.MaxAttempts,
		},
	}
}

func (c *Config) normalize() {
	def := ConfigFrom(config.Default())
	if c.Endpoint == "" {
		c.Endpoint = def.Endpoint
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = def.ReconnectMaxAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatMonitor <= 0 {
		c.HeartbeatMonitor = def.HeartbeatMonitor
	}
	if c.HeartbeatBuffer <= 0 {
		c.HeartbeatBuffer = def.HeartbeatBuffer
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = def.DrainInterval
	}
	if c.TypingStart.Class == "" {
		c.TypingStart = def.TypingStart
	}
}

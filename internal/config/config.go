package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings such as "15s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents ~/.wschat/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	Endpoint       string  `toml:"endpoint"`
	Token          string  `toml:"token"`
	UserID         int64   `toml:"user_id"`
	Rooms          []int64 `toml:"rooms"`

	Reconnect    Reconnect `toml:"reconnect"`
	Heartbeat    Heartbeat `toml:"heartbeat"`
	Queue        Queue     `toml:"queue"`
	Subscribe    Subscribe `toml:"subscribe"`
	TypingStart  Typing    `toml:"typing_start"`
	RecallWindow Duration  `toml:"recall_window"`
	Log          Log       `toml:"log"`
}

// Reconnect is the flat-delay reconnection policy.
type Reconnect struct {
	MaxAttempts int      `toml:"max_attempts"`
	Delay       Duration `toml:"delay"`
}

// Heartbeat controls the liveness signal and its self-monitor.
type Heartbeat struct {
	Interval Duration `toml:"interval"`
	Monitor  Duration `toml:"monitor"`
	Buffer   Duration `toml:"buffer"`
}

type Queue struct {
	DrainInterval Duration `toml:"drain_interval"`
}

// Subscribe controls retry-until-connected for channel listeners.
type Subscribe struct {
	RetryDelay  Duration `toml:"retry_delay"`
	MaxAttempts int      `toml:"max_attempts"`
}

type Typing struct {
	Attempts int      `toml:"attempts"`
	Backoff  Duration `toml:"backoff"`
}

type Log struct {
	MaxSizeMB  int `toml:"max_size_mb"`
	MaxBackups int `toml:"max_backups"`
}

// Default returns the config with every tunable at its stock value.
func Default() *Config {
	return &Config{
		DefaultProfile: DefaultProfileName,
		Endpoint:       "ws://localhost:8080/ws/websocket",
		Reconnect: Reconnect{
			MaxAttempts: 5,
			Delay:       Duration{3 * time.Second},
		},
		Heartbeat: Heartbeat{
			Interval: Duration{15 * time.Second},
			Monitor:  Duration{5 * time.Second},
			Buffer:   Duration{5 * time.Second},
		},
		Queue:        Queue{DrainInterval: Duration{300 * time.Millisecond}},
		Subscribe:    Subscribe{RetryDelay: Duration{500 * time.Millisecond}, MaxAttempts: 20},
		TypingStart:  Typing{Attempts: 3, Backoff: Duration{200 * time.Millisecond}},
		RecallWindow: Duration{2 * time.Minute},
		Log:          Log{MaxSizeMB: 20, MaxBackups: 3},
	}
}

// Load reads config from the given path on top of Default. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

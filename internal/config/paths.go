package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

const DefaultProfileName = "main"

var profileRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// BaseDir returns ~/.wschat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wschat")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// ProfileDir returns the profile-specific directory.
func ProfileDir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(ProfileDir(name), "logs", "wschatd.log")
}

// ArchivePath returns the transcript archive database path.
func ArchivePath(name string) string {
	return filepath.Join(ProfileDir(name), "archive.db")
}

// EnsureProfileDir creates the profile directory tree with proper permissions.
func EnsureProfileDir(name string) error {
	for _, d := range []string{ProfileDir(name), filepath.Dir(LogPath(name))} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ValidateProfile checks that name conforms to profile naming rules.
func ValidateProfile(name string) error {
	if !profileRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// ResolveProfile determines the active profile using precedence:
// 1. flagOverride (--profile flag)
// 2. cfg.DefaultProfile
// 3. "main"
func ResolveProfile(flagOverride string, cfg *Config) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg != nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultProfileName
}

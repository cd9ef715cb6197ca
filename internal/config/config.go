package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.xim/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Sync           Sync   `toml:"sync"`
}

// Sync holds the archive synchronization tuning knobs.
type Sync struct {
	// PageSize is the number of archive records requested per page.
	PageSize int `toml:"page_size"`
	// MaxPages caps paging loops against a server that never reports completeness.
	MaxPages int `toml:"max_pages"`
	// ProfileTTLHours bounds how long a cached profile is considered fresh.
	ProfileTTLHours int `toml:"profile_ttl_hours"`
	// SendAckTimeoutMS bounds the wait for a server ack of an outgoing message.
	SendAckTimeoutMS int `toml:"send_ack_timeout_ms"`
}

// Defaults returns a config with all sync knobs set to their defaults.
func Defaults() *Config {
	return &Config{
		DefaultSession: "",
		Sync: Sync{
			PageSize:         100,
			MaxPages:         200,
			ProfileTTLHours:  24,
			SendAckTimeoutMS: 1000,
		},
	}
}

// ProfileTTL returns the profile staleness threshold as a duration.
func (s Sync) ProfileTTL() time.Duration {
	return time.Duration(s.ProfileTTLHours) * time.Hour
}

// SendAckTimeout returns the outgoing ack wait bound as a duration.
func (s Sync) SendAckTimeout() time.Duration {
	return time.Duration(s.SendAckTimeoutMS) * time.Millisecond
}

// Load reads config from the given path, filling unset sync knobs with
// defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

func (c *Config) fillDefaults() {
	d := Defaults()
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = d.Sync.PageSize
	}
	if c.Sync.MaxPages <= 0 {
		c.Sync.MaxPages = d.Sync.MaxPages
	}
	if c.Sync.ProfileTTLHours <= 0 {
		c.Sync.ProfileTTLHours = d.Sync.ProfileTTLHours
	}
	if c.Sync.SendAckTimeoutMS <= 0 {
		c.Sync.SendAckTimeoutMS = d.Sync.SendAckTimeoutMS
	}
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

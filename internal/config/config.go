package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so values like "25m" parse from TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the gateway configuration (~/.wagate/config.toml).
type Config struct {
	DataDir  string `toml:"data_dir"`
	HTTPAddr string `toml:"http_addr"`

	// WarmupDelay is how long to wait after start-up before resuming
	// sessions for users marked valid in the store.
	WarmupDelay Duration `toml:"warmup_delay"`

	// ResetInterval bounds long-lived connection staleness: every open
	// session is proactively torn down and re-established on this period.
	ResetInterval Duration `toml:"reset_interval"`

	DispatchInterval Duration `toml:"dispatch_interval"`
	DispatchWindow   Duration `toml:"dispatch_window"`
	SettleDelay      Duration `toml:"settle_delay"`
	SendSpacing      Duration `toml:"send_spacing"`

	EnrichMinDelay Duration `toml:"enrich_min_delay"`
	EnrichMaxDelay Duration `toml:"enrich_max_delay"`

	PlaceholderAvatarURL string `toml:"placeholder_avatar_url"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:              filepath.Join(home, ".wagate"),
		HTTPAddr:             ":3000",
		WarmupDelay:          Duration{5 * time.Second},
		ResetInterval:        Duration{25 * time.Minute},
		DispatchInterval:     Duration{time.Minute},
		DispatchWindow:       Duration{5 * time.Minute},
		SettleDelay:          Duration{2 * time.Second},
		SendSpacing:          Duration{3 * time.Second},
		EnrichMinDelay:       Duration{30 * time.Second},
		EnrichMaxDelay:       Duration{60 * time.Second},
		PlaceholderAvatarURL: "https://cdn.pixabay.com/photo/2021/07/02/04/48/user-6380868_640.png",
	}
}

// Load reads config from path, overlaying values onto the defaults.
// A missing file is not an error: defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to path, creating parent dirs as needed.
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

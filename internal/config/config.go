package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Transports a profile can select.
const (
	TransportWebsocket = "websocket"
	TransportNATS      = "nats"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string             `toml:"default_profile"`
	Profiles       map[string]Profile `toml:"profiles,omitempty"`
}

// Profile holds the settings of one account/server pairing.
type Profile struct {
	ServerURL   string     `toml:"server_url"`
	APIURL      string     `toml:"api_url"`
	Transport   string     `toml:"transport,omitempty"`
	Token       string     `toml:"token,omitempty"`
	LogLevel    string     `toml:"log_level,omitempty"`
	DebugListen string     `toml:"debug_listen,omitempty"`
	Connection  Connection `toml:"connection"`
	Sync        Sync       `toml:"sync"`
}

type Connection struct {
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	PingInterval   Duration `toml:"ping_interval"`
}

type Sync struct {
	SweepInterval Duration `toml:"sweep_interval"`
	TypingTTL     Duration `toml:"typing_ttl"`
	ReadRetries   int      `toml:"read_retries"`
}

// Duration is a time.Duration written as a string ("1s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults returns the values used for anything a profile leaves unset.
func Defaults() Profile {
	return Profile{
		Transport: TransportWebsocket,
		LogLevel:  "info",
		Connection: Connection{
			InitialBackoff: Duration{time.Second},
			MaxBackoff:     Duration{5 * time.Second},
			ConnectTimeout: Duration{20 * time.Second},
			PingInterval:   Duration{25 * time.Second},
		},
		Sync: Sync{
			SweepInterval: Duration{60 * time.Second},
			TypingTTL:     Duration{4 * time.Second},
			ReadRetries:   3,
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
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

// Profile returns the named profile merged over Defaults, with environment
// overrides applied last. A nil Config yields defaults plus environment.
func (c *Config) Profile(name string) Profile {
	p := Defaults()
	if c != nil {
		if set, ok := c.Profiles[name]; ok {
			p = merge(p, set)
		}
	}
	p.Token = getEnv("CHATSYNC_TOKEN", p.Token)
	p.ServerURL = getEnv("CHATSYNC_SERVER_URL", p.ServerURL)
	p.APIURL = getEnv("CHATSYNC_API_URL", p.APIURL)
	return p
}

// Validate reports settings the daemon cannot start with.
func (p Profile) Validate() error {
	if p.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if p.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	switch p.Transport {
	case TransportWebsocket, TransportNATS:
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", p.Transport, TransportWebsocket, TransportNATS)
	}
	if p.Connection.MaxBackoff.Duration < p.Connection.InitialBackoff.Duration {
		return fmt.Errorf("max_backoff %s is below initial_backoff %s", p.Connection.MaxBackoff, p.Connection.InitialBackoff)
	}
	return nil
}

func merge(base, set Profile) Profile {
	overrideString(&base.ServerURL, set.ServerURL)
	overrideString(&base.APIURL, set.APIURL)
	overrideString(&base.Transport, set.Transport)
	overrideString(&base.Token, set.Token)
	overrideString(&base.LogLevel, set.LogLevel)
	overrideString(&base.DebugListen, set.DebugListen)
	overrideDuration(&base.Connection.InitialBackoff, set.Connection.InitialBackoff)
	overrideDuration(&base.Connection.MaxBackoff, set.Connection.MaxBackoff)
	overrideDuration(&base.Connection.ConnectTimeout, set.Connection.ConnectTimeout)
	overrideDuration(&base.Connection.PingInterval, set.Connection.PingInterval)
	overrideDuration(&base.Sync.SweepInterval, set.Sync.SweepInterval)
	overrideDuration(&base.Sync.TypingTTL, set.Sync.TypingTTL)
	if set.Sync.ReadRetries > 0 {
		base.Sync.ReadRetries = set.Sync.ReadRetries
	}
	return base
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func overrideDuration(dst *Duration, v Duration) {
	if v.Duration > 0 {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

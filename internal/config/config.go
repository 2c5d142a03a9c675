// ABOUTME: Configuration loading and parsing for deskrouter.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete deskrouter configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Registry RegistryConfig `yaml:"registry"`
	Queue    QueueConfig    `yaml:"queue"`
	Session  SessionConfig  `yaml:"session"`
	Client   ClientConfig   `yaml:"client"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// AuthConfig holds transport authentication configuration.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	FailureLimit int    `yaml:"failure_limit"`

	AuthDeadline    time.Duration `yaml:"-"`
	AuthDeadlineRaw string        `yaml:"auth_deadline"`
}

// RegistryConfig holds agent registry configuration.
type RegistryConfig struct {
	DefaultMaxChats int `yaml:"default_max_chats"`

	IdleTimeout   time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	IdleTimeoutRaw   string `yaml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// QueueConfig holds queue and escalation tuning. The wait-time constants are
// product heuristics, not correctness requirements, so all of them are
// configurable here.
type QueueConfig struct {
	MaxSize     int `yaml:"max_size"`
	MaxAttempts int `yaml:"max_attempts"`

	BaseWait            time.Duration `yaml:"-"`
	EscalationThreshold time.Duration `yaml:"-"`
	MaxWaitTime         time.Duration `yaml:"-"`
	DispatchInterval    time.Duration `yaml:"-"`
	MonitorInterval     time.Duration `yaml:"-"`
	ProposalTimeout     time.Duration `yaml:"-"`

	BaseWaitRaw            string `yaml:"base_wait"`
	EscalationThresholdRaw string `yaml:"escalation_threshold"`
	MaxWaitTimeRaw         string `yaml:"max_wait_time"`
	DispatchIntervalRaw    string `yaml:"dispatch_interval"`
	MonitorIntervalRaw     string `yaml:"monitor_interval"`
	ProposalTimeoutRaw     string `yaml:"proposal_timeout"`
}

// SessionConfig holds per-connection transport limits.
type SessionConfig struct {
	RateMax    int `yaml:"rate_max"`
	SendBuffer int `yaml:"send_buffer"`

	RateWindow time.Duration `yaml:"-"`
	TypingTTL  time.Duration `yaml:"-"`

	RateWindowRaw string `yaml:"rate_window"`
	TypingTTLRaw  string `yaml:"typing_ttl"`
}

// ClientConfig holds reconnecting client adapter configuration.
type ClientConfig struct {
	URL                  string `yaml:"url"`
	Token                string `yaml:"token"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`

	ReconnectDelay time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`
	PingInterval   time.Duration `yaml:"-"`

	ReconnectDelayRaw string `yaml:"reconnect_delay"`
	RequestTimeoutRaw string `yaml:"request_timeout"`
	PingIntervalRaw   string `yaml:"ping_interval"`
}

// DedupeConfig holds idempotency cache configuration.
type DedupeConfig struct {
	MaxSize int `yaml:"max_size"`

	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a config populated with the reference defaults. Loading a
// file overlays onto this.
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8090"},
		Auth: AuthConfig{
			FailureLimit: 3,
			AuthDeadline: 30 * time.Second,
		},
		Registry: RegistryConfig{
			DefaultMaxChats: 3,
			IdleTimeout:     10 * time.Minute,
			SweepInterval:   time.Minute,
		},
		Queue: QueueConfig{
			MaxSize:             100,
			MaxAttempts:         3,
			BaseWait:            120 * time.Second,
			EscalationThreshold: 5 * time.Minute,
			MaxWaitTime:         15 * time.Minute,
			DispatchInterval:    5 * time.Second,
			MonitorInterval:     30 * time.Second,
			ProposalTimeout:     30 * time.Second,
		},
		Session: SessionConfig{
			RateMax:    30,
			SendBuffer: 64,
			RateWindow: time.Minute,
			TypingTTL:  10 * time.Second,
		},
		Client: ClientConfig{
			MaxReconnectAttempts: 10,
			ReconnectDelay:       5 * time.Second,
			RequestTimeout:       10 * time.Second,
			PingInterval:         30 * time.Second,
		},
		Dedupe: DedupeConfig{
			MaxSize: 10000,
			TTL:     5 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts every raw duration string into its typed field.
// Empty raw strings keep the default already present on the field.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.auth_deadline", cfg.Auth.AuthDeadlineRaw, &cfg.Auth.AuthDeadline},
		{"registry.idle_timeout", cfg.Registry.IdleTimeoutRaw, &cfg.Registry.IdleTimeout},
		{"registry.sweep_interval", cfg.Registry.SweepIntervalRaw, &cfg.Registry.SweepInterval},
		{"queue.base_wait", cfg.Queue.BaseWaitRaw, &cfg.Queue.BaseWait},
		{"queue.escalation_threshold", cfg.Queue.EscalationThresholdRaw, &cfg.Queue.EscalationThreshold},
		{"queue.max_wait_time", cfg.Queue.MaxWaitTimeRaw, &cfg.Queue.MaxWaitTime},
		{"queue.dispatch_interval", cfg.Queue.DispatchIntervalRaw, &cfg.Queue.DispatchInterval},
		{"queue.monitor_interval", cfg.Queue.MonitorIntervalRaw, &cfg.Queue.MonitorInterval},
		{"queue.proposal_timeout", cfg.Queue.ProposalTimeoutRaw, &cfg.Queue.ProposalTimeout},
		{"session.rate_window", cfg.Session.RateWindowRaw, &cfg.Session.RateWindow},
		{"session.typing_ttl", cfg.Session.TypingTTLRaw, &cfg.Session.TypingTTL},
		{"client.reconnect_delay", cfg.Client.ReconnectDelayRaw, &cfg.Client.ReconnectDelay},
		{"client.request_timeout", cfg.Client.RequestTimeoutRaw, &cfg.Client.RequestTimeout},
		{"client.ping_interval", cfg.Client.PingIntervalRaw, &cfg.Client.PingInterval},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks required fields and rejects nonsensical limits.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if c.Registry.DefaultMaxChats <= 0 {
		return fmt.Errorf("registry.default_max_chats must be positive")
	}
	if c.Session.RateMax <= 0 {
		return fmt.Errorf("session.rate_max must be positive")
	}
	if c.Session.RateWindow <= 0 {
		return fmt.Errorf("session.rate_window must be positive")
	}
	return nil
}

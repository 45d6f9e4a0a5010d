// Package config loads and validates the voicebridge YAML configuration.
// Secrets (API keys, database URL) are layered from environment variables
// over the file so credentials never need to live on disk.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted after the file is parsed. An empty variable
// leaves the file value untouched.
const (
	EnvOpenAIKey       = "OPENAI_API_KEY"
	EnvTwilioSID       = "TWILIO_ACCOUNT_SID"
	EnvTwilioAuthToken = "TWILIO_AUTH_TOKEN"
	EnvDatabaseURL     = "DATABASE_URL"
	EnvPublicURL       = "PUBLIC_URL"
)

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Twilio   TwilioConfig   `yaml:"twilio"`
	Database DatabaseConfig `yaml:"database"`
}

// ServerConfig controls the HTTP listener that serves the Twilio webhook and
// the media-stream WebSocket endpoint.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// PublicURL is the externally reachable base URL Twilio dials back to.
	// When empty the webhook falls back to the request Host header.
	PublicURL string `yaml:"public_url"`
	LogLevel  string `yaml:"log_level"`
}

// AudioConfig carries the sample-format parameters of the two call legs and
// the inbound buffering policy.
type AudioConfig struct {
	TelephonyRate int `yaml:"telephony_rate"` // Hz, µ-law leg
	RealtimeRate  int `yaml:"realtime_rate"`  // Hz, PCM16 leg

	FrameDurationMs int `yaml:"frame_duration_ms"` // native media frame interval
	MinCommitMs     int `yaml:"min_commit_ms"`     // minimum buffered audio per upstream commit
}

// ResampleFactor returns the integer ratio between the realtime and telephony
// sample rates.
func (a AudioConfig) ResampleFactor() int {
	return a.RealtimeRate / a.TelephonyRate
}

// FrameDuration returns the per-frame interval as a time.Duration.
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.FrameDurationMs) * time.Millisecond
}

// MinCommit returns the minimum commit duration as a time.Duration.
func (a AudioConfig) MinCommit() time.Duration {
	return time.Duration(a.MinCommitMs) * time.Millisecond
}

// RealtimeConfig configures the upstream OpenAI Realtime session.
type RealtimeConfig struct {
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"base_url"`
	Voice          string `yaml:"voice"`
	Instructions   string `yaml:"instructions"`
	Greeting       string `yaml:"greeting"`
	PingIntervalMs int    `yaml:"ping_interval_ms"`
	PongTimeoutMs  int    `yaml:"pong_timeout_ms"`
}

// PingInterval returns the keepalive ping interval as a time.Duration.
func (r RealtimeConfig) PingInterval() time.Duration {
	return time.Duration(r.PingIntervalMs) * time.Millisecond
}

// PongTimeout returns the keepalive response deadline as a time.Duration.
func (r RealtimeConfig) PongTimeout() time.Duration {
	return time.Duration(r.PongTimeoutMs) * time.Millisecond
}

// TwilioConfig holds the REST credentials used to end a call leg after a
// fatal mid-call error. All fields optional; without them the bridge simply
// closes the sockets and lets Twilio time the call out.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
}

// DatabaseConfig holds the optional Postgres connection for call records.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// Default returns the configuration used when a field is absent from the
// file. The audio numbers are Twilio Media Streams' native framing and the
// Realtime API's minimum input-buffer requirement.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   "info",
		},
		Audio: AudioConfig{
			TelephonyRate:   8000,
			RealtimeRate:    24000,
			FrameDurationMs: 20,
			MinCommitMs:     120,
		},
		Realtime: RealtimeConfig{
			Model:   "gpt-4o-realtime-preview-2024-12-17",
			BaseURL: "wss://api.openai.com/v1/realtime",
			Voice:   "verse",
			Instructions: "You are a warm, efficient dental receptionist named Sophie. " +
				"Never say you are AI. Keep responses concise and helpful.",
			Greeting: "Hi, thanks for calling the dental office. This is Sophie. " +
				"How can I help you today?",
			PingIntervalMs: 10_000,
			PongTimeoutMs:  30_000,
		},
	}
}

// LoadOrDefault behaves like Load, but an empty path yields the defaults
// plus environment overrides. Secrets never live in the file, so a
// fully-env-driven deployment needs no config file at all.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		cfg.applyEnv()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// Load reads path, overlays it on the defaults, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvOpenAIKey); v != "" {
		c.Realtime.APIKey = v
	}
	if v := os.Getenv(EnvTwilioSID); v != "" {
		c.Twilio.AccountSID = v
	}
	if v := os.Getenv(EnvTwilioAuthToken); v != "" {
		c.Twilio.AuthToken = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv(EnvPublicURL); v != "" {
		c.Server.PublicURL = v
	}
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server: listen_addr cannot be empty")
	}
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server: unknown log_level %q", c.Server.LogLevel)
	}

	a := c.Audio
	if a.TelephonyRate <= 0 || a.RealtimeRate <= 0 {
		return fmt.Errorf("audio: sample rates must be positive")
	}
	if a.RealtimeRate%a.TelephonyRate != 0 {
		return fmt.Errorf("audio: realtime_rate %d must be an integer multiple of telephony_rate %d",
			a.RealtimeRate, a.TelephonyRate)
	}
	if a.FrameDurationMs <= 0 {
		return fmt.Errorf("audio: frame_duration_ms must be positive")
	}
	if a.MinCommitMs < a.FrameDurationMs {
		return fmt.Errorf("audio: min_commit_ms %d must be at least one frame_duration_ms %d",
			a.MinCommitMs, a.FrameDurationMs)
	}

	r := c.Realtime
	if r.Model == "" {
		return fmt.Errorf("realtime: model cannot be empty")
	}
	if r.BaseURL == "" {
		return fmt.Errorf("realtime: base_url cannot be empty")
	}
	if r.PingIntervalMs <= 0 || r.PongTimeoutMs <= r.PingIntervalMs {
		return fmt.Errorf("realtime: pong_timeout_ms %d must exceed ping_interval_ms %d",
			r.PongTimeoutMs, r.PingIntervalMs)
	}

	return nil
}

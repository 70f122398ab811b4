// Package config loads and validates dashboard configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all dashboard configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Stream   StreamConfig   `mapstructure:"stream"`
	State    StateConfig    `mapstructure:"state"`
	Feed     FeedConfig     `mapstructure:"feed"`
	History  HistoryConfig  `mapstructure:"history"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the local HTTP surface.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// UpstreamConfig locates the crawl service.
type UpstreamConfig struct {
	// BaseURL is the HTTP root for command endpoints.
	BaseURL string `mapstructure:"base_url"`
	// StreamURL is the ws:// endpoint of the status stream. Empty derives
	// it from BaseURL.
	StreamURL string `mapstructure:"stream_url"`
	// CommandTimeoutSec bounds each command request.
	CommandTimeoutSec int `mapstructure:"command_timeout_seconds"`
}

// StreamConfig governs connection, reconnection and liveness behavior.
type StreamConfig struct {
	HandshakeTimeoutSec  int     `mapstructure:"handshake_timeout_seconds"`
	MaxReconnectAttempts int     `mapstructure:"max_reconnect_attempts"`
	BackoffBaseMs        int     `mapstructure:"backoff_base_ms"`
	BackoffGrowth        float64 `mapstructure:"backoff_growth"`
	BackoffCapMs         int     `mapstructure:"backoff_cap_ms"`
	LivenessThresholdSec int     `mapstructure:"liveness_threshold_seconds"`
	LivenessPollSec      int     `mapstructure:"liveness_poll_seconds"`
	KeepaliveIntervalSec int     `mapstructure:"keepalive_interval_seconds"`
	// ServerPingIntervalSec is the crawl service's own idle/ping cadence,
	// declared here so the keepalive interval can be validated against it
	// instead of resting on an unspoken assumption.
	ServerPingIntervalSec int `mapstructure:"server_ping_interval_seconds"`
	EventBuffer           int `mapstructure:"event_buffer"`
}

// StateConfig tunes the reduced projection.
type StateConfig struct {
	RecentCapacity int `mapstructure:"recent_capacity"`
}

// FeedConfig tunes the observability feed hub.
type FeedConfig struct {
	BufferSize      int `mapstructure:"buffer_size"`
	MaxBatchEntries int `mapstructure:"max_batch_entries"`
	MaxBatchWaitMs  int `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutSec  int `mapstructure:"sink_timeout_seconds"`
}

// HistoryConfig controls the sqlite event journal.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DASHBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Upstream.StreamURL == "" {
		cfg.Upstream.StreamURL = deriveStreamURL(cfg.Upstream.BaseURL)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8090")
	v.SetDefault("upstream.base_url", "http://localhost:8888")
	v.SetDefault("upstream.command_timeout_seconds", 15)
	v.SetDefault("stream.handshake_timeout_seconds", 10)
	v.SetDefault("stream.max_reconnect_attempts", 5)
	v.SetDefault("stream.backoff_base_ms", 1000)
	v.SetDefault("stream.backoff_growth", 1.5)
	v.SetDefault("stream.backoff_cap_ms", 10000)
	v.SetDefault("stream.liveness_threshold_seconds", 30)
	v.SetDefault("stream.liveness_poll_seconds", 10)
	v.SetDefault("stream.keepalive_interval_seconds", 25)
	v.SetDefault("stream.server_ping_interval_seconds", 30)
	v.SetDefault("stream.event_buffer", 256)
	v.SetDefault("state.recent_capacity", 15)
	v.SetDefault("feed.buffer_size", 1024)
	v.SetDefault("feed.max_batch_entries", 64)
	v.SetDefault("feed.max_batch_wait_ms", 250)
	v.SetDefault("feed.sink_timeout_seconds", 5)
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "dashboard_history.db")
	v.SetDefault("logging.development", true)
}

// deriveStreamURL maps the HTTP base onto the websocket endpoint.
func deriveStreamURL(baseURL string) string {
	ws := baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimRight(ws, "/") + "/ws/crawler"
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must be set")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url must be set")
	}
	if c.Stream.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("stream.max_reconnect_attempts must be > 0")
	}
	if c.Stream.BackoffBaseMs <= 0 {
		return fmt.Errorf("stream.backoff_base_ms must be > 0")
	}
	if c.Stream.BackoffGrowth < 1 {
		return fmt.Errorf("stream.backoff_growth must be >= 1")
	}
	if c.Stream.BackoffCapMs < c.Stream.BackoffBaseMs {
		return fmt.Errorf("stream.backoff_cap_ms must be >= stream.backoff_base_ms")
	}
	if c.Stream.LivenessPollSec <= 0 || c.Stream.LivenessThresholdSec <= c.Stream.LivenessPollSec {
		return fmt.Errorf("stream.liveness_threshold_seconds must exceed stream.liveness_poll_seconds")
	}
	if c.Stream.KeepaliveIntervalSec >= c.Stream.ServerPingIntervalSec {
		return fmt.Errorf("stream.keepalive_interval_seconds must be shorter than stream.server_ping_interval_seconds")
	}
	if c.State.RecentCapacity <= 0 {
		return fmt.Errorf("state.recent_capacity must be > 0")
	}
	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path must be set when history is enabled")
	}
	return nil
}

// CommandTimeout converts the command timeout into a duration.
func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.Upstream.CommandTimeoutSec) * time.Second
}

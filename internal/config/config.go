// Package config defines the docuforge client configuration and its loader.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Connection ConnectionConfig `mapstructure:"connection" yaml:"connection"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Relay      RelayConfig      `mapstructure:"relay" yaml:"relay"`
}

// ServerConfig locates the docuforge backend. The realtime channel and the
// REST endpoints are both derived from BaseURL.
type ServerConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// ConnectionConfig tunes the realtime connection lifecycle.
type ConnectionConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base" yaml:"reconnect_base"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
	ReconnectCeiling  int           `mapstructure:"reconnect_ceiling" yaml:"reconnect_ceiling"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	WaitTimeout       time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
}

type LoggingConfig struct {
	Level        string `mapstructure:"level" yaml:"level"`
	Format       string `mapstructure:"format" yaml:"format"`
	File         string `mapstructure:"file" yaml:"file"`
	EnableCaller bool   `mapstructure:"enable_caller" yaml:"enable_caller"`
}

type RelayConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// DataDir persists relay documents; empty keeps them in memory.
	DataDir    string `mapstructure:"data_dir" yaml:"data_dir"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8000",
		},
		Connection: ConnectionConfig{
			HeartbeatInterval: 30 * time.Second,
			ReconnectBase:     time.Second,
			ReconnectMax:      30 * time.Second,
			ReconnectCeiling:  5,
			DialTimeout:       10 * time.Second,
			WaitTimeout:       5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Relay: RelayConfig{
			ListenAddr: "127.0.0.1:8000",
		},
	}
}

func (c *Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.Server.BaseURL))
	if err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("server.base_url must use http, https, ws or wss")
	}
	if u.Host == "" {
		return fmt.Errorf("server.base_url must include a host")
	}

	cc := c.Connection
	if cc.HeartbeatInterval <= 0 {
		return fmt.Errorf("connection.heartbeat_interval must be greater than 0")
	}
	if cc.ReconnectBase <= 0 {
		return fmt.Errorf("connection.reconnect_base must be greater than 0")
	}
	if cc.ReconnectMax < cc.ReconnectBase {
		return fmt.Errorf("connection.reconnect_max must be at least connection.reconnect_base")
	}
	if cc.ReconnectCeiling < 1 {
		return fmt.Errorf("connection.reconnect_ceiling must be at least 1")
	}
	if cc.DialTimeout <= 0 {
		return fmt.Errorf("connection.dial_timeout must be greater than 0")
	}
	if cc.WaitTimeout < 0 {
		return fmt.Errorf("connection.wait_timeout must be zero or greater")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be one of console, json")
	}

	if strings.TrimSpace(c.Relay.ListenAddr) == "" {
		return fmt.Errorf("relay.listen_addr is required")
	}
	return nil
}

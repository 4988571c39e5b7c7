// Package config holds node configuration, loaded from defaults, an optional
// TOML file and command-line overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/multiformats/go-multiaddr"

	"github.com/ZentaChain/zentalk-p2pmsg/pkg/protocol"
)

var (
	ErrNoListenAddrs   = errors.New("at least one listen address is required")
	ErrInvalidFrameMax = errors.New("max frame size out of range")
)

// Config contains everything needed to run a node
type Config struct {
	ListenAddrs    []string
	KeyPath        string // Empty: ephemeral identity
	MaxFrameSize   int
	StreamTimeout  time.Duration
	EventBuffer    int
	EnableDHT      bool
	BootstrapPeers []string

	HistoryPath      string // Empty: history disabled
	HistoryRetention time.Duration

	API APIConfig

	LogLevel string
}

// APIConfig configures the HTTP control API
type APIConfig struct {
	Port       int
	EnableCORS bool
	RateLimit  int // Requests per minute
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		ListenAddrs:      []string{"/ip4/0.0.0.0/tcp/0"},
		MaxFrameSize:     protocol.MaxFrameSize,
		StreamTimeout:    30 * time.Second,
		EventBuffer:      256,
		HistoryRetention: 30 * 24 * time.Hour,
		API: APIConfig{
			Port:       8080,
			EnableCORS: true,
			RateLimit:  100,
		},
		LogLevel: "info",
	}
}

type fileConfig struct {
	ListenAddrs      []string      `toml:"listen_addrs"`
	KeyPath          string        `toml:"key_path"`
	MaxFrameSize     int           `toml:"max_frame_size"`
	StreamTimeout    string        `toml:"stream_timeout"`
	EventBuffer      int           `toml:"event_buffer"`
	EnableDHT        bool          `toml:"enable_dht"`
	BootstrapPeers   []string      `toml:"bootstrap_peers"`
	HistoryPath      string        `toml:"history_path"`
	HistoryRetention string        `toml:"history_retention"`
	LogLevel         string        `toml:"log_level"`
	API              fileAPIConfig `toml:"api"`
}

type fileAPIConfig struct {
	Port       int  `toml:"port"`
	EnableCORS bool `toml:"cors"`
	RateLimit  int  `toml:"rate_limit"`
}

// Load reads a TOML file on top of the defaults. Keys absent from the file
// keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	if meta.IsDefined("listen_addrs") {
		cfg.ListenAddrs = normalizeList(raw.ListenAddrs)
	}
	if meta.IsDefined("key_path") {
		cfg.KeyPath = strings.TrimSpace(raw.KeyPath)
	}
	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("stream_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StreamTimeout))
		if err != nil {
			return nil, fmt.Errorf("parse stream_timeout: %w", err)
		}
		cfg.StreamTimeout = d
	}
	if meta.IsDefined("event_buffer") {
		cfg.EventBuffer = raw.EventBuffer
	}
	if meta.IsDefined("enable_dht") {
		cfg.EnableDHT = raw.EnableDHT
	}
	if meta.IsDefined("bootstrap_peers") {
		cfg.BootstrapPeers = normalizeList(raw.BootstrapPeers)
	}
	if meta.IsDefined("history_path") {
		cfg.HistoryPath = strings.TrimSpace(raw.HistoryPath)
	}
	if meta.IsDefined("history_retention") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HistoryRetention))
		if err != nil {
			return nil, fmt.Errorf("parse history_retention: %w", err)
		}
		cfg.HistoryRetention = d
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("api", "port") {
		cfg.API.Port = raw.API.Port
	}
	if meta.IsDefined("api", "cors") {
		cfg.API.EnableCORS = raw.API.EnableCORS
	}
	if meta.IsDefined("api", "rate_limit") {
		cfg.API.RateLimit = raw.API.RateLimit
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the node cannot run with
func (c *Config) Validate() error {
	if len(c.ListenAddrs) == 0 {
		return ErrNoListenAddrs
	}
	for i, addr := range c.ListenAddrs {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("listen_addrs[%d] invalid: %w", i, err)
		}
	}
	for i, addr := range c.BootstrapPeers {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("bootstrap_peers[%d] invalid: %w", i, err)
		}
	}
	if c.MaxFrameSize <= 0 || c.MaxFrameSize > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidFrameMax, c.MaxFrameSize)
	}
	if c.StreamTimeout < 0 {
		return fmt.Errorf("stream_timeout must not be negative")
	}
	if c.EventBuffer < 0 {
		return fmt.Errorf("event_buffer must not be negative")
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api port out of range: %d", c.API.Port)
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("api rate_limit must not be negative")
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

package infra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting for the streaming core.
// Sensitive values can be overridden through environment variables
// after the file is loaded.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Kalshi struct {
		WSURL       string   `yaml:"ws_url"`
		RestURL     string   `yaml:"rest_url"`
		APIKey      string   `yaml:"api_key"`
		SecretsFile string   `yaml:"secrets_file"` // optional yaml holding the api key
		Channels    []string `yaml:"channels"`     // e.g. ticker, fill, market_positions
		Markets     []string `yaml:"markets"`      // market tickers, "*" for all
	} `yaml:"kalshi"`

	Stream struct {
		BackoffBaseMS    int     `yaml:"backoff_base_ms"`
		BackoffCapMS     int     `yaml:"backoff_cap_ms"`
		BackoffJitter    float64 `yaml:"backoff_jitter"`
		MaxRetries       int     `yaml:"max_retries"`
		IdleTimeoutSec   int     `yaml:"idle_timeout_sec"`
		MalformedLimit   int     `yaml:"malformed_limit"`
		GapPollSec       int     `yaml:"gap_poll_sec"`
		GapGraceSec      int     `yaml:"gap_grace_sec"`
		GapMaxWidth      uint64  `yaml:"gap_max_width"`
		PingIntervalSec  int     `yaml:"ping_interval_sec"`
		SubscriberQueue  int     `yaml:"subscriber_queue"`
		CacheWriterQueue int     `yaml:"cache_writer_queue"`
	} `yaml:"stream"`

	Cache struct {
		Path string `yaml:"path"`
	} `yaml:"cache"`

	Server struct {
		Addr            string `yaml:"addr"`
		PingIntervalSec int    `yaml:"ping_interval_sec"`
	} `yaml:"server"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the config file, applies environment
// overrides, fills defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	s := &c.Stream
	if s.BackoffBaseMS <= 0 {
		s.BackoffBaseMS = 1000
	}
	if s.BackoffCapMS <= 0 {
		s.BackoffCapMS = 30000
	}
	if s.BackoffJitter <= 0 {
		s.BackoffJitter = 0.2
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 5
	}
	if s.IdleTimeoutSec <= 0 {
		s.IdleTimeoutSec = 30
	}
	if s.MalformedLimit <= 0 {
		s.MalformedLimit = 10
	}
	if s.GapPollSec <= 0 {
		s.GapPollSec = 5
	}
	if s.GapGraceSec <= 0 {
		s.GapGraceSec = 2
	}
	if s.GapMaxWidth == 0 {
		s.GapMaxWidth = 1000
	}
	if s.PingIntervalSec <= 0 {
		s.PingIntervalSec = 15
	}
	if s.SubscriberQueue <= 0 {
		s.SubscriberQueue = 1000
	}
	if s.CacheWriterQueue <= 0 {
		s.CacheWriterQueue = 4096
	}
	if c.Server.PingIntervalSec <= 0 {
		c.Server.PingIntervalSec = 20
	}
	if len(c.Kalshi.Channels) == 0 {
		c.Kalshi.Channels = []string{"ticker", "fill", "market_positions"}
	}
	if len(c.Kalshi.Markets) == 0 {
		c.Kalshi.Markets = []string{"*"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if !hasWSScheme(c.Kalshi.WSURL) {
		return fmt.Errorf("invalid Kalshi WS URL: %q", c.Kalshi.WSURL)
	}
	if c.Kalshi.RestURL == "" {
		return fmt.Errorf("Kalshi REST URL is required")
	}
	if c.Cache.Path == "" {
		return fmt.Errorf("cache path is required")
	}
	if c.Stream.BackoffCapMS < c.Stream.BackoffBaseMS {
		return fmt.Errorf("backoff cap %dms below base %dms",
			c.Stream.BackoffCapMS, c.Stream.BackoffBaseMS)
	}
	return nil
}

// Backoff builds the reconnect policy from the configured values.
func (c *Config) Backoff() BackoffPolicy {
	return NewBackoffPolicy(
		time.Duration(c.Stream.BackoffBaseMS)*time.Millisecond,
		time.Duration(c.Stream.BackoffCapMS)*time.Millisecond,
		c.Stream.BackoffJitter,
	)
}

func hasWSScheme(u string) bool {
	return strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://")
}

// overrideWithEnv lets the environment take precedence over the file
// for secrets, so API keys never need to live on disk.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("KALSHI_API_KEY"); key != "" {
		cfg.Kalshi.APIKey = key
	}
	if url := os.Getenv("KALSHI_WS_URL"); url != "" {
		cfg.Kalshi.WSURL = url
	}
	if url := os.Getenv("KALSHI_REST_URL"); url != "" {
		cfg.Kalshi.RestURL = url
	}
	if path := os.Getenv("POSITION_CACHE_PATH"); path != "" {
		cfg.Cache.Path = path
	}
}

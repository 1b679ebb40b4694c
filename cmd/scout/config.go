package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full scout configuration.
type Config struct {
	DBPath   string        `yaml:"db_path"`
	LogLevel string        `yaml:"log_level"`
	Topics   []TopicConfig `yaml:"topics"`
	Worker   WorkerConfig  `yaml:"worker"`
	Feed     FeedConfig    `yaml:"feed"`
	Dedup    DedupConfig   `yaml:"dedup"`
	// SweepInterval paces the expired-row sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// LogAgent enables the built-in logging agent so the pipeline runs end
	// to end without external agent wiring.
	LogAgent bool `yaml:"log_agent"`
}

// TopicConfig is one monitored topic and its optional seed URLs.
type TopicConfig struct {
	ID    string   `yaml:"id"`
	Seeds []string `yaml:"seeds"`
}

// WorkerConfig tunes the per-topic discovery loop.
type WorkerConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	WarnAfter     int     `yaml:"warn_after"`
	PauseAfter    int     `yaml:"pause_after"`
}

// FeedConfig tunes the feed-queue batch loop.
type FeedConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	Interval     time.Duration `yaml:"interval"`
	Concurrency  int           `yaml:"concurrency"`
	MaxAttempts  int           `yaml:"max_attempts"`
	MinTextBytes int           `yaml:"min_text_bytes"`
	MinRelevance float64       `yaml:"min_relevance"`
	// StalledAfter is the PROCESSING-reclaim threshold.
	StalledAfter time.Duration `yaml:"stalled_after"`
}

// DedupConfig tunes the seen set and near-duplicate detector.
type DedupConfig struct {
	SeenTTL   time.Duration `yaml:"seen_ttl"`
	Window    int           `yaml:"window"`
	Threshold int           `yaml:"threshold"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		DBPath:   "scout.db",
		LogLevel: "info",
		Worker: WorkerConfig{
			RatePerSecond: 1,
			WarnAfter:     5,
			PauseAfter:    10,
		},
		Feed: FeedConfig{
			BatchSize:    10,
			Interval:     30 * time.Second,
			Concurrency:  4,
			MaxAttempts:  3,
			MinTextBytes: 100,
			StalledAfter: 10 * time.Minute,
		},
		SweepInterval: time.Hour,
		LogAgent:      true,
	}
}

// LoadConfig reads and parses a YAML config file, merged over defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overlays recognized environment variables onto the config.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TOPICS"); v != "" {
		c.Topics = c.Topics[:0]
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				c.Topics = append(c.Topics, TopicConfig{ID: id})
			}
		}
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	for i, t := range c.Topics {
		if t.ID == "" {
			return fmt.Errorf("topics[%d]: id is required", i)
		}
	}
	if c.Worker.PauseAfter > 0 && c.Worker.PauseAfter <= c.Worker.WarnAfter {
		return fmt.Errorf("worker.pause_after must exceed worker.warn_after")
	}
	if c.Feed.MinRelevance < 0 || c.Feed.MinRelevance > 1 {
		return fmt.Errorf("feed.min_relevance must be in [0,1]")
	}
	if c.Feed.Interval <= 0 {
		return fmt.Errorf("feed.interval must be positive")
	}
	return nil
}

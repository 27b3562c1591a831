package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds harvester configuration.
type Config struct {
	BaseURL          string
	StartID          int
	EndID            int
	Concurrency      int
	BatchSize        int
	FlushInterval    int
	MaxAttempts      int
	Timeout          time.Duration
	UserAgent        string
	OutputFile       string
	MetricsAddr      string
	Verbose          bool
	RespectRobotsTxt bool
}

// DefaultConfig returns defaults matching the wiki's revision range.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://wiki.fosscell.org",
		StartID:          1,
		EndID:            2606,
		Concurrency:      8,
		BatchSize:        50,
		FlushInterval:    50,
		MaxAttempts:      3,
		Timeout:          30 * time.Second,
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		OutputFile:       "wiki_data.json",
		MetricsAddr:      "",
		Verbose:          false,
		RespectRobotsTxt: false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.StartID < 1 {
		return fmt.Errorf("start id must be at least 1")
	}
	if c.EndID < c.StartID {
		return fmt.Errorf("end id (%d) cannot precede start id (%d)", c.EndID, c.StartID)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}

	return nil
}

package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds crawler configuration for one invocation.
type Config struct {
	BaseURL       string        // search URL of the crawl target
	MaxRecords    int           // hard cap on records to fetch, 0 = uncapped
	BatchSize     int           // records accumulated before a flush
	MaxRetries    int           // bounded wait-and-resume cycles per crawl
	RetryCooldown time.Duration // fixed wait before resuming after a failure
	TargetPause   time.Duration // pause between independent crawl targets
	Timeout       time.Duration
	UserAgent     string
	OutputDir     string // parent of the run-scoped output directories
	Partitions    int    // output partitions for the complete CSV export
	DedupeMaxSize int    // capacity of the posting-id dedupe cache
	MetricsAddr   string
	Verbose       bool
	PGDSN         string // optional Postgres sink, empty = disabled
	PGSchema      string
}

// DefaultConfig returns conservative defaults for the reference target.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:       "https://www.zonaprop.com.ar/departamentos-alquiler.html",
		MaxRecords:    0,
		BatchSize:     100,
		MaxRetries:    3,
		RetryCooldown: 5 * time.Minute,
		TargetPause:   30 * time.Second,
		Timeout:       15 * time.Second,
		UserAgent:     "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		OutputDir:     "data",
		Partitions:    1,
		DedupeMaxSize: 50000,
		MetricsAddr:   "",
		Verbose:       false,
		PGDSN:         "",
		PGSchema:      "public",
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

	if c.MaxRecords < 0 {
		return fmt.Errorf("max records cannot be negative")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryCooldown < 0 {
		return fmt.Errorf("retry cooldown cannot be negative")
	}
	if c.TargetPause < 0 {
		return fmt.Errorf("target pause cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}
	if c.Partitions <= 0 {
		return fmt.Errorf("partitions must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe cache size must be positive")
	}
	if c.PGDSN != "" && c.PGSchema == "" {
		return fmt.Errorf("pg schema cannot be empty when a DSN is set")
	}

	return nil
}

// EnvString reads a string environment variable, reporting whether it was set.
func EnvString(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt reads an integer environment variable, reporting whether it was set.
func EnvInt(key string) (int, bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return parsed, true, nil
}

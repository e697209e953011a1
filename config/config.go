package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Item kinds understood by the extractor.
const (
	ItemKindFood  = "food"
	ItemKindFruit = "fruit"
)

// Config holds scraper configuration.
type Config struct {
	BaseURL  string
	ItemKind string // food or fruit
	StartID  int
	EndID    int
	IDsFile  string // optional explicit identifier list (JSON array)

	CheckpointFile  string
	CheckpointEvery int
	LedgerFile      string
	CSVFile         string
	WorkbookFile    string
	BatchSize       int
	DedupeMaxSize   int

	Parallelism     int
	DelayMin        time.Duration
	DelayMax        time.Duration
	Timeout         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	RateLimit       float64 // requests/sec shared across workers; 0 disables

	DiscoveryPages   int
	DiscoveryOutFile string

	UserAgent   string
	MetricsAddr string
	Verbose     bool
}

// DefaultConfig returns conservative defaults for the nutrition target.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://www.mankan.me",
		ItemKind:         ItemKindFood,
		StartID:          3,
		EndID:            1967,
		IDsFile:          "",
		CheckpointFile:   "data/checkpoints/checkpoint.json",
		CheckpointEvery:  50,
		LedgerFile:       "data/logs/skipped_items.json",
		CSVFile:          "output/nutritional_data.csv",
		WorkbookFile:     "output/nutritional_data.xlsx",
		BatchSize:        50,
		DedupeMaxSize:    10000,
		Parallelism:      1,
		DelayMin:         500 * time.Millisecond,
		DelayMax:         1500 * time.Millisecond,
		Timeout:          10 * time.Second,
		MaxRetries:       2,
		RetryBackoff:     200 * time.Millisecond,
		RetryBackoffMax:  2 * time.Second,
		RateLimit:        0,
		DiscoveryPages:   238,
		DiscoveryOutFile: "data/food_ids.json",
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		MetricsAddr:      "",
		Verbose:          false,
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

	if c.ItemKind != ItemKindFood && c.ItemKind != ItemKindFruit {
		return fmt.Errorf("item kind must be food or fruit")
	}
	if c.StartID <= 0 {
		return fmt.Errorf("start id must be positive")
	}
	if c.EndID < c.StartID {
		return fmt.Errorf("end id (%d) cannot precede start id (%d)", c.EndID, c.StartID)
	}
	if c.CheckpointFile == "" {
		return fmt.Errorf("checkpoint file cannot be empty")
	}
	if c.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint interval must be positive")
	}
	if c.LedgerFile == "" {
		return fmt.Errorf("ledger file cannot be empty")
	}
	if c.CSVFile == "" {
		return fmt.Errorf("csv file cannot be empty")
	}
	if c.WorkbookFile == "" {
		return fmt.Errorf("workbook file cannot be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.DelayMin < 0 {
		return fmt.Errorf("delay min cannot be negative")
	}
	if c.DelayMax < c.DelayMin {
		return fmt.Errorf("delay max (%s) cannot be below delay min (%s)", c.DelayMax, c.DelayMin)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if c.DiscoveryPages <= 0 {
		return fmt.Errorf("discovery pages must be positive")
	}
	if c.DiscoveryOutFile == "" {
		return fmt.Errorf("discovery output file cannot be empty")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

// EnvString reads a string environment override.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	return value, ok
}

// EnvInt reads an integer environment override.
func EnvInt(key string) (int, bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return value, true, nil
}

// EnvFloat reads a float environment override.
func EnvFloat(key string) (float64, bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return value, true, nil
}

// EnvDuration reads a duration environment override (e.g. "750ms").
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return 0, false, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return value, true, nil
}

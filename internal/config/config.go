package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidPeriod is returned when the check period is not a positive integer.
var ErrInvalidPeriod = errors.New("period must be a positive integer")

// Config represents the complete configuration for avasite
type Config struct {
	// Input
	Input       string `yaml:"input" json:"input"`
	Infinite    bool   `yaml:"infinite" json:"infinite"`
	PeriodSec   int    `yaml:"period_sec" json:"period_sec"`
	SkipInvalid bool   `yaml:"skip_invalid" json:"skip_invalid"`

	// Probing
	Probe            string  `yaml:"probe" json:"probe"`
	TimeoutSec       int     `yaml:"timeout_sec" json:"timeout_sec"`
	ICMPCount        int     `yaml:"icmp_count" json:"icmp_count"`
	ICMPUnprivileged bool    `yaml:"icmp_unprivileged" json:"icmp_unprivileged"`
	Workers          int     `yaml:"workers" json:"workers"`
	RatePerSec       float64 `yaml:"rate_per_sec" json:"rate_per_sec"`
	CAFile           string  `yaml:"ca_file" json:"ca_file"`

	// Output
	OutputFormat string `yaml:"output_format" json:"output_format"`
	OutputFile   string `yaml:"output_file" json:"output_file"`
	TrackChanges bool   `yaml:"track_changes" json:"track_changes"`

	// Ingest sink
	Ingest        string `yaml:"ingest" json:"ingest"`
	ProbeID       string `yaml:"probe_id" json:"probe_id"`
	RunID         string `yaml:"run_id" json:"run_id"`
	BatchMax      int    `yaml:"batch_max" json:"batch_max"`
	BatchFlushSec int    `yaml:"batch_flush_sec" json:"batch_flush_sec"`
	SpoolDir      string `yaml:"spool_dir" json:"spool_dir"`
	MTLSCert      string `yaml:"mtls_cert" json:"mtls_cert"`
	MTLSKey       string `yaml:"mtls_key" json:"mtls_key"`

	// Postgres sink
	DatabaseURL string `yaml:"database_url" json:"database_url"`

	// Observability
	LogLevel     string `yaml:"log_level" json:"log_level"`
	LogFile      string `yaml:"log_file" json:"log_file"`
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`

	// Redis, used by the redis input protocol when the connection string names no address
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.Input == "" {
		c.Input = "csv:input.csv"
	}
	if c.PeriodSec == 0 {
		c.PeriodSec = 180
	}
	if c.Probe == "" {
		c.Probe = "tcp"
	}
	if c.TimeoutSec == 0 {
		c.TimeoutSec = 15
	}
	if c.ICMPCount == 0 {
		c.ICMPCount = 3
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "text"
	}
	if c.ProbeID == "" {
		if h, err := os.Hostname(); err == nil {
			c.ProbeID = h
		} else {
			c.ProbeID = "local-1"
		}
	}
	if c.RunID == "" {
		c.RunID = fmt.Sprintf("run-%d", time.Now().Unix())
	}
	if c.BatchMax == 0 {
		c.BatchMax = 500
	}
	if c.BatchFlushSec == 0 {
		c.BatchFlushSec = 5
	}
	if c.SpoolDir == "" {
		c.SpoolDir = "spool"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Input == "" {
		return fmt.Errorf("input connection string is required")
	}
	if c.PeriodSec < 1 {
		return fmt.Errorf("period_sec %d: %w", c.PeriodSec, ErrInvalidPeriod)
	}
	switch strings.ToLower(c.Probe) {
	case "tcp", "http":
	default:
		return fmt.Errorf("probe must be tcp or http, got %q", c.Probe)
	}
	if c.TimeoutSec < 1 {
		return fmt.Errorf("timeout_sec must be at least 1")
	}
	if c.ICMPCount < 1 {
		return fmt.Errorf("icmp_count must be at least 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.RatePerSec < 0 {
		return fmt.Errorf("rate_per_sec must not be negative")
	}
	switch strings.ToLower(c.OutputFormat) {
	case "text", "json", "jsonl", "ndjson", "csv":
	default:
		return fmt.Errorf("unsupported output_format %q", c.OutputFormat)
	}
	if c.BatchMax < 1 {
		return fmt.Errorf("batch_max must be at least 1")
	}
	if c.BatchFlushSec < 1 {
		return fmt.Errorf("batch_flush_sec must be at least 1")
	}
	return nil
}

func (c *Config) Period() time.Duration  { return time.Duration(c.PeriodSec) * time.Second }
func (c *Config) Timeout() time.Duration { return time.Duration(c.TimeoutSec) * time.Second }

// LoadFromFile loads configuration from a YAML or JSON file
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Load builds the configuration from defaults, an optional file and the
// environment, in increasing order of precedence.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return cfg, nil
}

// MergeWithFlags merges command-line flags with file configuration.
// Only flags present in the map are applied, so callers pass just the flags
// that were set on the command line.
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	if v, ok := flags["inp"].(string); ok && v != "" {
		c.Input = v
	}
	if v, ok := flags["inf"].(bool); ok {
		c.Infinite = v
	}
	if v, ok := flags["period"].(int); ok {
		c.PeriodSec = v
	}
	if v, ok := flags["skip_invalid"].(bool); ok {
		c.SkipInvalid = v
	}
	if v, ok := flags["probe"].(string); ok && v != "" {
		c.Probe = v
	}
	if v, ok := flags["timeout"].(int); ok && v > 0 {
		c.TimeoutSec = v
	}
	if v, ok := flags["workers"].(int); ok && v > 0 {
		c.Workers = v
	}
	if v, ok := flags["output_format"].(string); ok && v != "" {
		c.OutputFormat = v
	}
	if v, ok := flags["out"].(string); ok && v != "" {
		c.OutputFile = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["log_file"].(string); ok && v != "" {
		c.LogFile = v
	}
	if v, ok := flags["verbose"].(bool); ok && v {
		c.LogLevel = "debug"
	}
	if v, ok := flags["ingest"].(string); ok && v != "" {
		c.Ingest = v
	}
	if v, ok := flags["database_url"].(string); ok && v != "" {
		c.DatabaseURL = v
	}
	if v, ok := flags["track_changes"].(bool); ok {
		c.TrackChanges = v
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("AVASITE_INPUT"); v != "" {
		c.Input = v
	}
	if v := os.Getenv("AVASITE_PERIOD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AVASITE_PERIOD %q: %w", v, ErrInvalidPeriod)
		}
		c.PeriodSec = n
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("INGEST_URL"); v != "" {
		c.Ingest = v
	}
	return nil
}

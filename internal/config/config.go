package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`
	ListenAddr   string `yaml:"listen_addr"`
	DeviceName   string `yaml:"device_name"`

	FastMode             bool    `yaml:"fast_mode"`
	IdleThresholdSeconds int     `yaml:"idle_threshold_seconds"`
	SampleIntervalMS     int     `yaml:"sample_interval_ms"`
	StabilityFastSeconds float64 `yaml:"stability_fast_seconds"`
	StabilityFullSeconds float64 `yaml:"stability_full_seconds"`

	SyncEndpoint   string `yaml:"sync_endpoint"`
	SyncCredential string `yaml:"sync_credential"`
	SyncSchedule   string `yaml:"sync_schedule"` // cron expression
	MaxSyncRetries int    `yaml:"max_sync_retries"`

	RetentionDays int `yaml:"retention_days"`
}

func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// Missing file is fine, run on defaults.
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		DataDir:              "activity_data",
		ListenAddr:           ":3041",
		IdleThresholdSeconds: 300,
		SampleIntervalMS:     500,
		StabilityFastSeconds: 0.3,
		StabilityFullSeconds: 1.0,
		SyncSchedule:         "5 * * * *", // five past every hour
		MaxSyncRetries:       8,
		RetentionDays:        30,
	}
}

func (c *Config) applyDefaults() {
	d := defaultConfig()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "appwatch.db")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.IdleThresholdSeconds <= 0 {
		c.IdleThresholdSeconds = d.IdleThresholdSeconds
	}
	if c.SampleIntervalMS <= 0 {
		c.SampleIntervalMS = d.SampleIntervalMS
	}
	if c.StabilityFastSeconds <= 0 {
		c.StabilityFastSeconds = d.StabilityFastSeconds
	}
	if c.StabilityFullSeconds <= 0 {
		c.StabilityFullSeconds = d.StabilityFullSeconds
	}
	if c.SyncSchedule == "" {
		c.SyncSchedule = d.SyncSchedule
	}
	if c.MaxSyncRetries <= 0 {
		c.MaxSyncRetries = d.MaxSyncRetries
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = d.RetentionDays
	}
}

// applyEnv overrides file values from APPWATCH_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("APPWATCH_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("APPWATCH_ENDPOINT"); v != "" {
		c.SyncEndpoint = v
	}
	if v := os.Getenv("APPWATCH_CREDENTIAL"); v != "" {
		c.SyncCredential = v
	}
	if v := os.Getenv("APPWATCH_IDLE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.IdleThresholdSeconds = n
		}
	}
	if v := os.Getenv("APPWATCH_FAST_MODE"); v != "" {
		c.FastMode = parseBool(v)
	}
	if v := os.Getenv("APPWATCH_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
}

func parseBool(s string) bool {
	switch s {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.IdleThresholdSeconds) * time.Second
}

func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalMS) * time.Millisecond
}

// StabilityWindow returns the debounce window for the configured mode.
// Detailed mode needs a longer window because window titles churn more
// than application names.
func (c *Config) StabilityWindow() time.Duration {
	secs := c.StabilityFullSeconds
	if c.FastMode {
		secs = c.StabilityFastSeconds
	}
	return time.Duration(secs * float64(time.Second))
}

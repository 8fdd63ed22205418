package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr            string `yaml:"addr"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"` // json | console
	// Dev mode switches logs to the human readable console format
	DevMode         bool   `yaml:"dev_mode"`
	CORSAllowOrigin string `yaml:"cors_allow_origin"`
	// Serve the control API over cleartext HTTP/2 as well as HTTP/1.1
	EnableH2C bool `yaml:"enable_h2c"`

	// Stream server managed by the bridge
	StreamHost      string `yaml:"stream_host"`
	StreamPort      int    `yaml:"stream_port"`
	AutoStart       bool   `yaml:"auto_start"`
	MaxMessageBytes int    `yaml:"max_message_bytes"`
	OutboundQueue   int    `yaml:"outbound_queue"`

	// Durable settings file; empty keeps settings in memory only
	SettingsFile string `yaml:"settings_file"`

	// Diagnostics aggregation
	AggregationWindowMs      int `yaml:"aggregation_window_ms"`
	RateLimitUniquePerMinute int `yaml:"rate_limit_unique_per_minute"`
	ConsolidationPeriodMs    int `yaml:"consolidation_period_ms"`
	VisibleLogCapacity       int `yaml:"visible_log_capacity"`
	DiagnosticIntake         int `yaml:"diagnostic_intake"`

	// Activity
	SweepIntervalMs int `yaml:"sweep_interval_ms"`
	StaleAfterMs    int `yaml:"stale_after_ms"`
}

func Defaults() Config {
	return Config{
		Addr:                     ":9091",
		LogLevel:                 "info",
		LogFormat:                "json",
		CORSAllowOrigin:          "*",
		StreamHost:               "0.0.0.0",
		StreamPort:               8765,
		MaxMessageBytes:          16 << 20, // 16MB
		OutboundQueue:            64,
		AggregationWindowMs:      1000,
		RateLimitUniquePerMinute: 100,
		ConsolidationPeriodMs:    5000,
		VisibleLogCapacity:       500,
		DiagnosticIntake:         1024,
		SweepIntervalMs:          1000,
		StaleAfterMs:             2000,
	}
}

// FromEnv returns the defaults overridden by environment variables.
func FromEnv() Config {
	cfg := Defaults()
	applyEnv(&cfg)
	cfg.applyDevMode()
	return cfg
}

// Load applies, in order: defaults, the YAML file named by CONFIG_FILE (if
// any) and environment variables.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	cfg.applyDevMode()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.StreamPort < 0 || c.StreamPort > 65535 {
		return fmt.Errorf("stream port out of range: %d", c.StreamPort)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max message bytes must be positive")
	}
	if c.RateLimitUniquePerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	return nil
}

func (c Config) StreamAddr() string {
	return c.StreamHost + ":" + strconv.Itoa(c.StreamPort)
}

func (c Config) AggregationWindow() time.Duration {
	return time.Duration(c.AggregationWindowMs) * time.Millisecond
}

func (c Config) ConsolidationPeriod() time.Duration {
	return time.Duration(c.ConsolidationPeriodMs) * time.Millisecond
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMs) * time.Millisecond
}

func (c *Config) applyDevMode() {
	if c.DevMode {
		c.LogFormat = "console"
	}
}

func applyEnv(cfg *Config) {
	cfg.Addr = getEnv("ADDR", cfg.Addr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.CORSAllowOrigin = getEnv("CORS_ALLOW_ORIGIN", cfg.CORSAllowOrigin)
	cfg.DevMode = getEnvBool("DEV_MODE", cfg.DevMode)
	cfg.EnableH2C = getEnvBool("ENABLE_H2C", cfg.EnableH2C)
	cfg.StreamHost = getEnv("STREAM_HOST", cfg.StreamHost)
	cfg.StreamPort = getEnvInt("STREAM_PORT", cfg.StreamPort)
	cfg.AutoStart = getEnvBool("AUTO_START", cfg.AutoStart)
	cfg.MaxMessageBytes = getEnvInt("MAX_MESSAGE_BYTES", cfg.MaxMessageBytes)
	cfg.OutboundQueue = getEnvInt("OUTBOUND_QUEUE", cfg.OutboundQueue)
	cfg.SettingsFile = getEnv("SETTINGS_FILE", cfg.SettingsFile)
	cfg.AggregationWindowMs = getEnvInt("AGGREGATION_WINDOW_MS", cfg.AggregationWindowMs)
	cfg.RateLimitUniquePerMinute = getEnvInt("RATE_LIMIT_UNIQUE_PER_MINUTE", cfg.RateLimitUniquePerMinute)
	cfg.ConsolidationPeriodMs = getEnvInt("CONSOLIDATION_PERIOD_MS", cfg.ConsolidationPeriodMs)
	cfg.VisibleLogCapacity = getEnvInt("VISIBLE_LOG_CAPACITY", cfg.VisibleLogCapacity)
	cfg.DiagnosticIntake = getEnvInt("DIAGNOSTIC_INTAKE", cfg.DiagnosticIntake)
	cfg.SweepIntervalMs = getEnvInt("SWEEP_INTERVAL_MS", cfg.SweepIntervalMs)
	cfg.StaleAfterMs = getEnvInt("STALE_AFTER_MS", cfg.StaleAfterMs)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return def
}

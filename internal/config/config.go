// Package config loads control plane settings.
// Priority: env vars > settings.json > defaults.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/droverhq/drover/pkg/schema"
)

// Config holds all drover server configuration.
type Config struct {
	ListenAddr        string          `json:"listen_addr"`
	DBPath            string          `json:"db_path"`
	LogLevel          string          `json:"log_level"`
	LogFormat         string          `json:"log_format"`
	PoolSize          int             `json:"pool_size"`
	AdmissionCeiling  int             `json:"admission_ceiling"`
	StepTimeout       schema.Duration `json:"step_timeout"`
	MaxRetryDelay     schema.Duration `json:"max_retry_delay"`
	WorkerTimeout     schema.Duration `json:"worker_timeout"`
	PumpInterval      schema.Duration `json:"pump_interval"`
	PumpBatch         int             `json:"pump_batch"`
	SchedulerInterval schema.Duration `json:"scheduler_interval"`
	BreakerThreshold  int             `json:"breaker_threshold"`
	BreakerCooldown   schema.Duration `json:"breaker_cooldown"`
	Tracing           bool            `json:"tracing"`
}

func Default() Config {
	return Config{
		ListenAddr:        ":4400",
		DBPath:            filepath.Join(DroverDir(), "drover.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		PoolSize:          10,
		AdmissionCeiling:  100,
		StepTimeout:       schema.Duration(30 * time.Second),
		MaxRetryDelay:     schema.Duration(5 * time.Minute),
		WorkerTimeout:     schema.Duration(60 * time.Second),
		PumpInterval:      schema.Duration(time.Second),
		PumpBatch:         100,
		SchedulerInterval: schema.Duration(30 * time.Second),
		BreakerThreshold:  5,
		BreakerCooldown:   schema.Duration(30 * time.Second),
	}
}

// DroverDir is where the default database and settings live.
func DroverDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".drover"
	}
	return filepath.Join(home, ".drover")
}

func settingsPath() string {
	return filepath.Join(DroverDir(), "settings.json")
}

// Load layers settings.json and DROVER_* env vars over the defaults.
func Load() Config {
	cfg := Default()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	applyEnv(&cfg, os.Getenv)

	return cfg
}

func applyEnv(cfg *Config, getenv func(string) string) {
	setString(getenv, "DROVER_LISTEN_ADDR", &cfg.ListenAddr)
	setString(getenv, "DROVER_DB_PATH", &cfg.DBPath)
	setString(getenv, "DROVER_LOG_LEVEL", &cfg.LogLevel)
	setString(getenv, "DROVER_LOG_FORMAT", &cfg.LogFormat)
	setInt(getenv, "DROVER_POOL_SIZE", &cfg.PoolSize)
	setInt(getenv, "DROVER_ADMISSION_CEILING", &cfg.AdmissionCeiling)
	setDuration(getenv, "DROVER_STEP_TIMEOUT", &cfg.StepTimeout)
	setDuration(getenv, "DROVER_MAX_RETRY_DELAY", &cfg.MaxRetryDelay)
	setDuration(getenv, "DROVER_WORKER_TIMEOUT", &cfg.WorkerTimeout)
	setDuration(getenv, "DROVER_PUMP_INTERVAL", &cfg.PumpInterval)
	setInt(getenv, "DROVER_PUMP_BATCH", &cfg.PumpBatch)
	setDuration(getenv, "DROVER_SCHEDULER_INTERVAL", &cfg.SchedulerInterval)
	setInt(getenv, "DROVER_BREAKER_THRESHOLD", &cfg.BreakerThreshold)
	setDuration(getenv, "DROVER_BREAKER_COOLDOWN", &cfg.BreakerCooldown)
	if v := getenv("DROVER_TRACING"); v != "" {
		cfg.Tracing = v == "true" || v == "1"
	}
}

func setString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setInt(getenv func(string) string, key string, dst *int) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(getenv func(string) string, key string, dst *schema.Duration) {
	if v := getenv(key); v != "" {
		if d, err := schema.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Package config loads the scanner configuration from an optional YAML file
// and RASP_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the word lists and limits used by a scan.
type Config struct {
	MapsWords   []string `yaml:"maps_words"`
	LinkerWords []string `yaml:"linker_words"`
	TaskNames   []string `yaml:"task_names"`
	MemKeywords []string `yaml:"mem_keywords"`
	FDWords     []string `yaml:"fd_words"`

	// Modules are checked for in-memory modification, in order.
	Modules []string `yaml:"modules"`
	// SelfModule names the scanner's own module, skipped by the memory scan.
	SelfModule string `yaml:"self_module"`

	AnonExec          bool   `yaml:"anon_exec"`
	MemMaxRegion      uint64 `yaml:"mem_max_region"`
	LargeRWXMin       uint64 `yaml:"large_rwx_min"`
	LargeRWXThreshold uint64 `yaml:"large_rwx_threshold"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Interval      time.Duration `yaml:"interval"`
	ListenAddr    string        `yaml:"listen_addr"`
	ScanRateLimit float64       `yaml:"scan_rate_limit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MapsWords:   []string{"frida", "rwxp", "zygisk", "lsposed", "/data/local/tmp", "/data/adb/"},
		LinkerWords: []string{"frida", "zygisk", "lsposed", "/data/local/tmp", "/data/adb/"},
		TaskNames:   []string{"gmain", "gdbus", "gum-js-loop", "pool-frida"},
		MemKeywords: []string{"frida", "zygisk", "lsposed", "/data/local/tmp", "/data/adb/"},
		FDWords:     []string{"frida", "linjector", "/data/local/tmp"},

		Modules:    []string{"libart.so", "libc.so", "libcheck_env.so"},
		SelfModule: selfName(),

		AnonExec:          true,
		MemMaxRegion:      64 << 20,
		LargeRWXMin:       1 << 20,
		LargeRWXThreshold: 5 << 20,

		LogLevel:  "info",
		LogFormat: "text",

		Interval:      30 * time.Second,
		ListenAddr:    "127.0.0.1:8089",
		ScanRateLimit: 1,
	}
}

func selfName() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Base(exe)
}

// Load reads path over the defaults when path is not empty, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.MapsWords = getListEnv("RASP_MAPS_WORDS", c.MapsWords)
	c.LinkerWords = getListEnv("RASP_LINKER_WORDS", c.LinkerWords)
	c.TaskNames = getListEnv("RASP_TASK_NAMES", c.TaskNames)
	c.MemKeywords = getListEnv("RASP_MEM_KEYWORDS", c.MemKeywords)
	c.FDWords = getListEnv("RASP_FD_WORDS", c.FDWords)
	c.Modules = getListEnv("RASP_MODULES", c.Modules)
	c.SelfModule = getEnv("RASP_SELF_MODULE", c.SelfModule)
	c.AnonExec = getBoolEnv("RASP_ANON_EXEC", c.AnonExec)
	c.MemMaxRegion = getUint64Env("RASP_MEM_MAX_REGION", c.MemMaxRegion)
	c.LargeRWXMin = getUint64Env("RASP_LARGE_RWX_MIN", c.LargeRWXMin)
	c.LargeRWXThreshold = getUint64Env("RASP_LARGE_RWX_THRESHOLD", c.LargeRWXThreshold)
	c.LogLevel = getEnv("RASP_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("RASP_LOG_FORMAT", c.LogFormat)
	c.Interval = getDurationEnv("RASP_INTERVAL", c.Interval)
	c.ListenAddr = getEnv("RASP_LISTEN_ADDR", c.ListenAddr)
	c.ScanRateLimit = getFloat64Env("RASP_SCAN_RATE_LIMIT", c.ScanRateLimit)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q must be text or json", c.LogFormat)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.ScanRateLimit <= 0 {
		return fmt.Errorf("scan_rate_limit must be positive")
	}
	if c.LargeRWXThreshold != 0 && c.LargeRWXThreshold < c.LargeRWXMin {
		return fmt.Errorf("large_rwx_threshold must not be below large_rwx_min")
	}
	for _, m := range c.Modules {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("modules cannot contain an empty name")
		}
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getListEnv splits a comma separated variable. A variable set to "-"
// clears the list.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if value == "-" {
		return nil
	}

	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getUint64Env(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getFloat64Env(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getDurationEnv accepts a Go duration ("45s") or a number of seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

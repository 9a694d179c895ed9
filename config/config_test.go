package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rasp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"libart.so", "libc.so", "libcheck_env.so"}, cfg.Modules)
	assert.Contains(t, cfg.MapsWords, "rwxp")
	assert.NotContains(t, cfg.LinkerWords, "rwxp")
	assert.Equal(t, []string{"gmain", "gdbus", "gum-js-loop", "pool-frida"}, cfg.TaskNames)
	assert.True(t, cfg.AnonExec)
	assert.Equal(t, uint64(5<<20), cfg.LargeRWXThreshold)
	assert.Equal(t, 30*time.Second, cfg.Interval)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
maps_words: [gadget]
modules:
  - libssl.so
anon_exec: false
interval: 45s
log_format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"gadget"}, cfg.MapsWords)
	assert.Equal(t, []string{"libssl.so"}, cfg.Modules)
	assert.False(t, cfg.AnonExec)
	assert.Equal(t, 45*time.Second, cfg.Interval)
	assert.Equal(t, "json", cfg.LogFormat)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, []string{"gmain", "gdbus", "gum-js-loop", "pool-frida"}, cfg.TaskNames)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "modules: [libssl.so]\n")
	t.Setenv("RASP_MODULES", "libc.so, libm.so ,")
	t.Setenv("RASP_MEM_KEYWORDS", "-")
	t.Setenv("RASP_INTERVAL", "90")
	t.Setenv("RASP_LOG_LEVEL", "debug")
	t.Setenv("RASP_ANON_EXEC", "false")
	t.Setenv("RASP_LARGE_RWX_THRESHOLD", "0")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"libc.so", "libm.so"}, cfg.Modules)
	assert.Empty(t, cfg.MemKeywords)
	assert.Equal(t, 90*time.Second, cfg.Interval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.AnonExec)
	assert.Zero(t, cfg.LargeRWXThreshold)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "modules: [unclosed\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{name: "defaults", mutate: func(*Config) {}, valid: true},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }},
		{name: "bad format", mutate: func(c *Config) { c.LogFormat = "xml" }},
		{name: "zero interval", mutate: func(c *Config) { c.Interval = 0 }},
		{name: "zero rate", mutate: func(c *Config) { c.ScanRateLimit = 0 }},
		{name: "threshold below floor", mutate: func(c *Config) { c.LargeRWXThreshold = 1 }},
		{name: "rwx check disabled", mutate: func(c *Config) { c.LargeRWXThreshold = 0 }, valid: true},
		{name: "empty module", mutate: func(c *Config) { c.Modules = []string{"libc.so", " "} }},
		{name: "no modules", mutate: func(c *Config) { c.Modules = nil }, valid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

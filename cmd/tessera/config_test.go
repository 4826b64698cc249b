package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, int64(64<<20), cfg.Cache.MemorySize)
	assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 5, cfg.HTTP.MaxRedirects)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Cache.Dir)
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tessera.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  dir: /tmp/tessera-test
  memory_size: 1048576
http:
  timeout: 5s
engine:
  workers: 2
logging:
  level: debug
  format: json
`), 0o600))

	cfg, err := LoadConfig(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/tessera-test", cfg.Cache.Dir)
	assert.Equal(t, int64(1<<20), cfg.Cache.MemorySize)
	assert.Equal(t, 5*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv("TESSERA_ENGINE_WORKERS", "7")
	t.Setenv("TESSERA_LOGGING_LEVEL", "error")

	cfg, err := LoadConfig(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Engine.Workers)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Engine:  EngineConfig{Workers: 1},
			Logging: LoggingConfig{Level: "info", Format: "text"},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"workers", func(c *Config) { c.Engine.Workers = 0 }},
		{"redirects", func(c *Config) { c.HTTP.MaxRedirects = -1 }},
		{"level", func(c *Config) { c.Logging.Level = "loud" }},
		{"format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	base := valid()
	require.NoError(t, base.Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

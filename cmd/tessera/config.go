package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigFileName is looked up in the config search path.
const DefaultConfigFileName = "tessera"

// Config is the CLI configuration, read from flags, TESSERA_* environment
// variables and an optional tessera.yaml.
type Config struct {
	Cache   CacheConfig   `mapstructure:"cache"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CacheConfig sizes the engine caches. Sizes are in bytes.
type CacheConfig struct {
	Dir          string `mapstructure:"dir"`
	MemorySize   int64  `mapstructure:"memory_size"`
	DownloadSize int64  `mapstructure:"download_size"`
	ResultSize   int64  `mapstructure:"result_size"`
	PoolSize     int64  `mapstructure:"pool_size"`
}

// HTTPConfig configures network fetches.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRedirects int           `mapstructure:"max_redirects"`
	UserAgent    string        `mapstructure:"user_agent"`
}

// EngineConfig configures execution.
type EngineConfig struct {
	Workers int `mapstructure:"workers"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "tessera")
	}
	return filepath.Join(dir, "tessera")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.dir", defaultCacheDir())
	v.SetDefault("cache.memory_size", 64<<20)
	v.SetDefault("cache.download_size", 256<<20)
	v.SetDefault("cache.result_size", 128<<20)
	v.SetDefault("cache.pool_size", 32<<20)

	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.max_redirects", 5)
	v.SetDefault("http.user_agent", "tessera")

	v.SetDefault("engine.workers", 4)

	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.format", "text")
}

// LoadConfig reads configuration into a Config. An explicit cfgFile must
// exist; otherwise tessera.yaml is optional.
func LoadConfig(v *viper.Viper, cfgFile string) (*Config, error) {
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(defaultCacheDir())
		v.SetConfigName(DefaultConfigFileName)
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	v.SetEnvPrefix("TESSERA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports unusable values.
func (c *Config) Validate() error {
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1, got %d", c.Engine.Workers)
	}
	if c.HTTP.MaxRedirects < 0 {
		return fmt.Errorf("http.max_redirects must not be negative, got %d", c.HTTP.MaxRedirects)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return l, nil
}

// Logger builds the slog logger described by c.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Logging.Level) //nolint:errcheck // validated in LoadConfig
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

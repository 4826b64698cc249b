package main

import (
	"io"
	"log/slog"
	nethttp "net/http"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meigma/tessera"
	"github.com/meigma/tessera/http"
)

// app carries state shared by every subcommand.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:           "tessera",
		Short:         "Load, cache and tile images",
		Long:          `tessera fetches images over http, https, file and data URIs, decodes them at the requested size and keeps every stage cached on disk.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(a.v, a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = cfg.Logger(cmd.ErrOrStderr())
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default: ./tessera.yaml or <user cache dir>/tessera/tessera.yaml)")
	pf.String("cache-dir", "", "disk cache directory; empty string in config disables disk caches")
	pf.Int64("memory-cache-size", 0, "memory cache budget in bytes")
	pf.Int("workers", 0, "concurrent pipelines")
	pf.Duration("timeout", 0, "HTTP request timeout")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (text, json)")

	_ = a.v.BindPFlag("cache.dir", pf.Lookup("cache-dir"))
	_ = a.v.BindPFlag("cache.memory_size", pf.Lookup("memory-cache-size"))
	_ = a.v.BindPFlag("engine.workers", pf.Lookup("workers"))
	_ = a.v.BindPFlag("http.timeout", pf.Lookup("timeout"))
	_ = a.v.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = a.v.BindPFlag("logging.format", pf.Lookup("log-format"))

	root.AddCommand(
		newLoadCmd(a),
		newInfoCmd(a),
		newTilesCmd(a),
		newCacheCmd(a),
	)
	return root
}

// engine builds an engine from the loaded configuration.
func (a *app) engine() (*tessera.Engine, error) {
	c := a.cfg
	stack := http.NewStack(
		http.WithClient(&nethttp.Client{Timeout: c.HTTP.Timeout}),
		http.WithMaxRedirects(c.HTTP.MaxRedirects),
		http.WithHeader("User-Agent", c.HTTP.UserAgent),
	)
	opts := []tessera.Option{
		tessera.WithLogger(a.logger),
		tessera.WithHTTPStack(stack),
		tessera.WithWorkers(c.Engine.Workers),
	}
	if c.Cache.MemorySize > 0 {
		opts = append(opts, tessera.WithMemoryCacheSize(c.Cache.MemorySize))
	}
	if c.Cache.PoolSize > 0 {
		opts = append(opts, tessera.WithPoolSize(c.Cache.PoolSize))
	}
	if c.Cache.Dir != "" {
		opts = append(opts,
			tessera.WithDownloadCacheDir(filepath.Join(c.Cache.Dir, "downloads"), c.Cache.DownloadSize),
			tessera.WithResultCacheDir(filepath.Join(c.Cache.Dir, "results"), c.Cache.ResultSize),
		)
	}
	return tessera.New(opts...)
}

// closeEngine closes e, logging failures.
func (a *app) closeEngine(e *tessera.Engine) {
	if err := e.Close(); err != nil {
		a.logger.Warn("close engine", "error", err)
	}
}

func out(cmd *cobra.Command) io.Writer { return cmd.OutOrStdout() }

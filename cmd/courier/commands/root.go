// Package commands is the courier CLI: a small curl-alike that exercises the
// client stack end to end — fetching URLs through the shared pool and
// dispatcher, with an optional on-disk response cache.
package commands

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thushan/courier/internal/logger"
	"github.com/thushan/courier/internal/version"
)

type rootConfig struct {
	CacheDir    string        `mapstructure:"cache_dir"`
	CacheSize   int64         `mapstructure:"cache_size"`
	Timeout     time.Duration `mapstructure:"timeout"`
	LogLevel    string        `mapstructure:"log_level"`
	PrettyLogs  bool          `mapstructure:"pretty_logs"`
	HTTP2       bool          `mapstructure:"http2"`
	Insecure    bool          `mapstructure:"insecure"`
	UserAgent   string        `mapstructure:"user_agent"`
	NoRedirects bool          `mapstructure:"no_redirects"`
}

var (
	cfg  rootConfig
	vlog *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:     "courier",
	Short:   version.Description,
	Version: fmt.Sprintf("%s (%s, %s)", version.Version, version.Commit, version.Date),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		log, _, err := logger.New(&logger.Config{
			Level:      cfg.LogLevel,
			PrettyLogs: cfg.PrettyLogs,
		})
		if err != nil {
			return err
		}
		vlog = log
		slog.SetDefault(log)
		return nil
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("cache", "", "directory for the response cache (empty disables caching)")
	flags.Int64("cache-size", 50<<20, "cache size bound in bytes")
	flags.Duration("timeout", 30*time.Second, "full-call timeout")
	flags.String("log-level", logger.LogLevelInfo, "log level (debug, info, warn, error)")
	flags.Bool("pretty", true, "styled terminal logs")
	flags.Bool("http2", true, "offer HTTP/2 via ALPN")
	flags.Bool("insecure", false, "skip TLS certificate verification")
	flags.String("user-agent", "", "override the User-Agent header")
	flags.Bool("no-redirects", false, "do not follow redirects")

	viper.SetEnvPrefix("COURIER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bind := map[string]string{
		"cache_dir":    "cache",
		"cache_size":   "cache-size",
		"timeout":      "timeout",
		"log_level":    "log-level",
		"pretty_logs":  "pretty",
		"http2":        "http2",
		"insecure":     "insecure",
		"user_agent":   "user-agent",
		"no_redirects": "no-redirects",
	}
	for key, flag := range bind {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}

	viper.SetConfigName("courier")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.config/courier")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig()
}

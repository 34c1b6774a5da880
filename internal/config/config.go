// Package config loads the merge job configuration. Every key has a
// compiled-in default, so the job runs without any config file; a YAML file
// named by NODEMERGE_CONFIG and NODEMERGE_* environment variables override
// individual keys.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

const (
	configEnvVar = "NODEMERGE_CONFIG"
	envPrefix    = "NODEMERGE"
)

// DefaultRemoteSources are fetched in this order after the local files.
var DefaultRemoteSources = []string{
	"https://github.com/snakem982/proxypool/raw/refs/heads/main/source/clash-meta.yaml",
	"https://github.com/snakem982/proxypool/raw/refs/heads/main/source/clash-meta-2.yaml",
	"https://github.com/free18/v2ray/raw/refs/heads/main/c.yaml",
	"https://github.com/child9527/clash-latest/raw/refs/heads/main/free-nodes.yml",
	"https://github.com/child9527/clash-latest/raw/refs/heads/main/tglaoshiji.yml",
	"https://github.com/mahdibland/V2RayAggregator/raw/refs/heads/master/Eternity.yml",
}

// DefaultLocalSources are read before any remote source.
var DefaultLocalSources = []string{
	"local/nodes.yaml",
}

// Config contains every runtime option of the merge job.
type Config struct {
	Sources SourcesConfig `mapstructure:"sources"`
	Output  OutputConfig  `mapstructure:"output"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Group   GroupConfig   `mapstructure:"group"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// SourcesConfig lists the inputs in priority order.
type SourcesConfig struct {
	Local  []string `mapstructure:"local"`
	Remote []string `mapstructure:"remote"`
}

// OutputConfig holds the merged artifact location.
type OutputConfig struct {
	Path string `mapstructure:"path"`
}

// FetchConfig holds remote source settings.
type FetchConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	Attempts    int           `mapstructure:"attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	UserAgent   string        `mapstructure:"user_agent"`
	MaxBytes    int64         `mapstructure:"max_bytes"`
	Concurrency int           `mapstructure:"concurrency"`
}

// GroupConfig describes the single url-test group of the output.
type GroupConfig struct {
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"`
	Interval  int    `mapstructure:"interval"`
	Tolerance int    `mapstructure:"tolerance"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// MetricsConfig holds the optional Prometheus textfile location.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// Load reads .env (if present), the optional config file and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if path := strings.TrimSpace(os.Getenv(configEnvVar)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return LoadFrom(v)
}

// LoadFrom applies defaults and environment overrides to v and decodes it.
func LoadFrom(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// NODEMERGE_SOURCES_LOCAL= clears the compiled-in list.
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// A list given through the environment arrives as one string.
	cfg.Sources.Local = splitList(v.Get("sources.local"), cfg.Sources.Local)
	cfg.Sources.Remote = splitList(v.Get("sources.remote"), cfg.Sources.Remote)

	cfg.Sources.Local = cleanList(cfg.Sources.Local)
	cfg.Sources.Remote = cleanList(cfg.Sources.Remote)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sources.local", DefaultLocalSources)
	v.SetDefault("sources.remote", DefaultRemoteSources)
	v.SetDefault("output.path", "MultiSource.yml")
	v.SetDefault("fetch.timeout", "25s")
	v.SetDefault("fetch.attempts", 3)
	v.SetDefault("fetch.retry_delay", "3s")
	v.SetDefault("fetch.user_agent", "ClashMeta/1.18.0")
	v.SetDefault("fetch.max_bytes", 10*1024*1024)
	v.SetDefault("fetch.concurrency", 4)
	v.SetDefault("group.name", "Proxy")
	v.SetDefault("group.url", "http://www.gstatic.com/generate_204")
	v.SetDefault("group.interval", 300)
	v.SetDefault("group.tolerance", 50)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "stdout")
	v.SetDefault("metrics.textfile", "")
}

func splitList(raw any, decoded []string) []string {
	s, ok := raw.(string)
	if !ok {
		return decoded
	}
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
}

func cleanList(in []string) []string {
	trimmed := lo.Map(in, func(s string, _ int) string { return strings.TrimSpace(s) })
	return lo.Filter(trimmed, func(s string, _ int) bool { return s != "" })
}

// ValidateLogLevel ensures the user-provided log level matches the supported set.
func ValidateLogLevel(level string) error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(level)] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", level)
	}
	return nil
}

// ValidateRemoteURL accepts absolute http/https URLs only.
func ValidateRemoteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %s: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %s: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %s: missing host", raw)
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if err := ValidateLogLevel(cfg.Logging.Level); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Output.Path) == "" {
		return errors.New("output.path is required")
	}
	if cfg.Fetch.Timeout <= 0 {
		return errors.New("fetch.timeout must be > 0")
	}
	if cfg.Fetch.Attempts < 1 {
		return errors.New("fetch.attempts must be >= 1")
	}
	if cfg.Fetch.RetryDelay < 0 {
		return errors.New("fetch.retry_delay must be >= 0")
	}
	if cfg.Fetch.MaxBytes <= 0 {
		return errors.New("fetch.max_bytes must be > 0")
	}
	if cfg.Fetch.Concurrency < 1 {
		return errors.New("fetch.concurrency must be >= 1")
	}
	if strings.TrimSpace(cfg.Group.Name) == "" {
		return errors.New("group.name is required")
	}
	if cfg.Group.Interval < 0 || cfg.Group.Tolerance < 0 {
		return errors.New("group.interval and group.tolerance must be >= 0")
	}
	for _, raw := range cfg.Sources.Remote {
		if err := ValidateRemoteURL(raw); err != nil {
			return fmt.Errorf("sources.remote: %w", err)
		}
	}
	return nil
}

// Package config loads server settings: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	defaultAddr              = ":5000"
	defaultExecutorURL       = "https://emkc.org/api/v2/piston/execute"
	defaultExecutorTimeout   = 30 * time.Second
	defaultHistoryKeep       = 50
	defaultRetentionInterval = 5 * time.Minute
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
)

type Config struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	Executor ExecutorConfig `yaml:"executor"`
	History  HistoryConfig  `yaml:"history"`
	Log      LogConfig      `yaml:"log"`
}

type ExecutorConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// History lives in process memory only; Keep bounds records per room.
type HistoryConfig struct {
	Keep              int           `yaml:"keep"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Addr:           defaultAddr,
		AllowedOrigins: []string{"*"},
		Executor: ExecutorConfig{
			URL:     defaultExecutorURL,
			Timeout: defaultExecutorTimeout,
		},
		History: HistoryConfig{
			Keep:              defaultHistoryKeep,
			RetentionInterval: defaultRetentionInterval,
		},
		Log: LogConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	// PORT is honoured for platforms that only hand out a port number
	if port := os.Getenv("PORT"); port != "" {
		c.Addr = ":" + port
	}
	c.Addr = envOr("PAIRPAD_ADDR", c.Addr)
	c.AllowedOrigins = envCSV("PAIRPAD_ALLOWED_ORIGINS", c.AllowedOrigins)
	c.Executor.URL = envOr("PAIRPAD_EXECUTOR_URL", c.Executor.URL)
	c.Executor.Timeout = envDuration("PAIRPAD_EXECUTOR_TIMEOUT", c.Executor.Timeout)
	c.History.Keep = envInt("PAIRPAD_HISTORY_KEEP", c.History.Keep)
	c.History.RetentionInterval = envDuration("PAIRPAD_RETENTION_INTERVAL", c.History.RetentionInterval)
	c.Log.Level = envOr("PAIRPAD_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("PAIRPAD_LOG_FORMAT", c.Log.Format)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.Executor.URL == "" {
		errs = append(errs, errors.New("executor.url is required"))
	}
	if c.Executor.Timeout <= 0 {
		errs = append(errs, errors.New("executor.timeout must be positive"))
	}
	if c.History.Keep < 0 {
		errs = append(errs, errors.New("history.keep must not be negative"))
	}
	if c.History.RetentionInterval <= 0 {
		errs = append(errs, errors.New("history.retention_interval must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt falls back to def on unparsable values
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			log.Warn().Str("key", key).Str("value", v).Int("default", def).Msg("invalid integer, using default")
			return def
		}
		return i
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Warn().Str("key", key).Str("value", v).Dur("default", def).Msg("invalid duration, using default")
			return def
		}
		return d
	}
	return def
}

// envCSV splits a comma separated list, ignoring blanks
func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

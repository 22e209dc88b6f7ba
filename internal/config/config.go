// Package config loads the server configuration. Files are YAML with
// ${VAR} expansion; durations are written as Go duration strings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr           = "127.0.0.1:4040"
	DefaultDataDirName    = ".too_many_cooks"
	DefaultDBName         = "data.db"
	DefaultLease          = 10 * time.Minute
	DefaultSweepInterval  = 30 * time.Second
	DefaultSweepGrace     = time.Minute
	DefaultNotifyBuffer   = 64
	DefaultRatePerSecond  = 20.0
	DefaultRateBurst      = 40
	DefaultStatusMessages = 200
)

// EnvConfigFile names the config file when --config is not given.
const EnvConfigFile = "TMC_CONFIG"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Locks     LocksConfig     `yaml:"locks"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Notify    NotifyConfig    `yaml:"notify"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Status    StatusConfig    `yaml:"status"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// SocketPath additionally serves the API on a unix socket.
	SocketPath string `yaml:"socket_path"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	// DBPath defaults to <data_dir>/data.db.
	DBPath string `yaml:"db_path"`
}

type AuthConfig struct {
	// KeysFile defaults to <data_dir>/toomanycooks.keys.yaml.
	KeysFile string `yaml:"keys_file"`
}

type LocksConfig struct {
	Lease    time.Duration `yaml:"-"`
	LeaseRaw string        `yaml:"lease"`
}

type SweeperConfig struct {
	Interval time.Duration `yaml:"-"`
	Grace    time.Duration `yaml:"-"`

	IntervalRaw string `yaml:"interval"`
	GraceRaw    string `yaml:"grace"`
}

type NotifyConfig struct {
	Buffer         int      `yaml:"buffer"`
	OriginPatterns []string `yaml:"origin_patterns"`
}

// RateLimitConfig bounds authenticated tool calls per agent. A zero
// per_second disables limiting.
type RateLimitConfig struct {
	PerSecond *float64 `yaml:"per_second"`
	Burst     int      `yaml:"burst"`
}

type StatusConfig struct {
	Messages int `yaml:"messages"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the file at path. A missing file is not an error when
// optional is set; the defaults are returned instead.
func Load(path string, optional bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// LoadDotEnv loads a .env file into the process environment if one
// exists. Variables already set win.
func LoadDotEnv(path string) {
	if path == "" {
		path = ".env"
	}
	_ = godotenv.Load(path)
}

// ResolvePath picks the config file: the explicit flag, then $TMC_CONFIG,
// then <data_dir>/config.yaml. The bool reports whether the caller named
// the file explicitly.
func ResolvePath(flag string) (string, bool) {
	if flag = strings.TrimSpace(flag); flag != "" {
		return flag, true
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigFile)); env != "" {
		return env, true
	}
	return filepath.Join(defaultDataDir(), "config.yaml"), false
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or nothing.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	var err error
	if cfg.Locks.LeaseRaw != "" {
		if cfg.Locks.Lease, err = time.ParseDuration(cfg.Locks.LeaseRaw); err != nil {
			return fmt.Errorf("parsing locks.lease %q: %w", cfg.Locks.LeaseRaw, err)
		}
	}
	if cfg.Sweeper.IntervalRaw != "" {
		if cfg.Sweeper.Interval, err = time.ParseDuration(cfg.Sweeper.IntervalRaw); err != nil {
			return fmt.Errorf("parsing sweeper.interval %q: %w", cfg.Sweeper.IntervalRaw, err)
		}
	}
	if cfg.Sweeper.GraceRaw != "" {
		if cfg.Sweeper.Grace, err = time.ParseDuration(cfg.Sweeper.GraceRaw); err != nil {
			return fmt.Errorf("parsing sweeper.grace %q: %w", cfg.Sweeper.GraceRaw, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaultDataDir()
	}
	c.Storage.DataDir = expandHome(c.Storage.DataDir)
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(c.Storage.DataDir, DefaultDBName)
	}
	c.Storage.DBPath = expandHome(c.Storage.DBPath)
	c.Auth.KeysFile = expandHome(c.Auth.KeysFile)
	if c.Locks.Lease == 0 {
		c.Locks.Lease = DefaultLease
	}
	if c.Sweeper.Interval == 0 {
		c.Sweeper.Interval = DefaultSweepInterval
	}
	if c.Sweeper.Grace == 0 {
		c.Sweeper.Grace = DefaultSweepGrace
	}
	if c.Notify.Buffer == 0 {
		c.Notify.Buffer = DefaultNotifyBuffer
	}
	if c.RateLimit.PerSecond == nil {
		rps := DefaultRatePerSecond
		c.RateLimit.PerSecond = &rps
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = DefaultRateBurst
	}
	if c.Status.Messages == 0 {
		c.Status.Messages = DefaultStatusMessages
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// RatePerSecond is the configured per-agent call rate; 0 means unlimited.
func (c *Config) RatePerSecond() float64 {
	if c.RateLimit.PerSecond == nil {
		return DefaultRatePerSecond
	}
	return *c.RateLimit.PerSecond
}

// Validate returns the first invalid setting it finds.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Locks.Lease < time.Second {
		return fmt.Errorf("locks.lease must be at least 1s, got %s", c.Locks.Lease)
	}
	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be positive")
	}
	if c.Sweeper.Grace < 0 {
		return fmt.Errorf("sweeper.grace must not be negative")
	}
	if c.Notify.Buffer < 1 {
		return fmt.Errorf("notify.buffer must be at least 1")
	}
	if c.RatePerSecond() < 0 {
		return fmt.Errorf("rate_limit.per_second must not be negative")
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit.burst must be at least 1")
	}
	if c.Status.Messages < 1 {
		return fmt.Errorf("status.messages must be at least 1")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json; got %q", c.Logging.Format)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDirName
	}
	return filepath.Join(home, DefaultDataDirName)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

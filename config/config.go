// Package config loads process-level settings for programs that run jobs:
// which checkpoint store to use, the checkpoint policy, resumption limits and
// logging. Settings come from a YAML file, optionally a .env file, and
// JOBCONTINUE_* environment variables, in increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/dshills/jobcontinue/job"
	"github.com/dshills/jobcontinue/job/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "JOBCONTINUE_"

// Config is the root of the configuration file.
//
// Example file:
//
//	store:
//	  type: sqlite
//	  path: ./checkpoints.db
//	checkpoint:
//	  every: 50
//	  interval: 5s
//	resume:
//	  max_resumptions: 20
//	logging:
//	  level: info
//	  format: json
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Resume     ResumeConfig     `yaml:"resume"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StoreConfig selects and configures the checkpoint store.
type StoreConfig struct {
	// Type is one of memory, sqlite, mysql, postgres or redis.
	Type string `yaml:"type"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// DSN is the MySQL or PostgreSQL connection string.
	DSN string `yaml:"dsn"`

	// Redis connection settings.
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// CheckpointConfig maps to the engine's checkpoint options.
type CheckpointConfig struct {
	Every    int           `yaml:"every"`
	Interval time.Duration `yaml:"interval"`
	PageSize int           `yaml:"page_size"`
}

// ResumeConfig maps to the driver options.
type ResumeConfig struct {
	MaxResumptions            int  `yaml:"max_resumptions"`
	ResumeAfterAdvancingError bool `yaml:"resume_after_advancing_error"`
}

// LoggingConfig controls the slog handler built by Logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Type: "sqlite",
			Path: "jobcontinue.db",
		},
		Checkpoint: CheckpointConfig{
			Every:    1,
			PageSize: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), loads the
// given .env files if they exist, applies environment overrides and
// validates the result.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.UnmarshalYAMLBytes(data); err != nil {
			return nil, err
		}
	}

	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UnmarshalYAMLBytes decodes data over the current values.
func (c *Config) UnmarshalYAMLBytes(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// loadEnvFiles loads .env files without overriding variables that are
// already set. Missing files are ignored.
func loadEnvFiles(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from JOBCONTINUE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	env := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	strs := map[string]*string{
		"STORE_TYPE":       &c.Store.Type,
		"STORE_PATH":       &c.Store.Path,
		"STORE_DSN":        &c.Store.DSN,
		"REDIS_ADDR":       &c.Store.Addr,
		"REDIS_PASSWORD":   &c.Store.Password,
		"REDIS_KEY_PREFIX": &c.Store.KeyPrefix,
		"LOG_LEVEL":        &c.Logging.Level,
		"LOG_FORMAT":       &c.Logging.Format,
	}
	for name, dst := range strs {
		if v, ok := env(name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"REDIS_DB":         &c.Store.DB,
		"CHECKPOINT_EVERY": &c.Checkpoint.Every,
		"PAGE_SIZE":        &c.Checkpoint.PageSize,
		"MAX_RESUMPTIONS":  &c.Resume.MaxResumptions,
	}
	for name, dst := range ints {
		if v, ok := env(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, name, v, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"REDIS_TTL":           &c.Store.TTL,
		"CHECKPOINT_INTERVAL": &c.Checkpoint.Interval,
	}
	for name, dst := range durations {
		if v, ok := env(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, name, v, err)
			}
			*dst = d
		}
	}

	if v, ok := env("RESUME_AFTER_ADVANCING_ERROR"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sRESUME_AFTER_ADVANCING_ERROR %q: %w", EnvPrefix, v, err)
		}
		c.Resume.ResumeAfterAdvancingError = b
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Store.Type) {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path is required for sqlite")
		}
	case "mysql", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for %s", c.Store.Type)
		}
	case "redis":
		if c.Store.Addr == "" {
			return errors.New("store.addr is required for redis")
		}
		if c.Store.TTL < 0 {
			return errors.New("store.ttl cannot be negative")
		}
	default:
		return fmt.Errorf("unsupported store type %q", c.Store.Type)
	}

	if c.Checkpoint.Every < 1 {
		return errors.New("checkpoint.every must be at least 1")
	}
	if c.Checkpoint.Interval < 0 {
		return errors.New("checkpoint.interval cannot be negative")
	}
	if c.Checkpoint.PageSize < 1 {
		return errors.New("checkpoint.page_size must be at least 1")
	}
	if c.Resume.MaxResumptions < 0 {
		return errors.New("resume.max_resumptions cannot be negative")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported logging.format %q", c.Logging.Format)
	}
	return nil
}

// Open connects the configured store. The returned function releases it.
func (s StoreConfig) Open(ctx context.Context) (store.Store, func() error, error) {
	switch strings.ToLower(s.Type) {
	case "memory":
		return store.NewMemStore(), func() error { return nil }, nil

	case "sqlite":
		st, err := store.NewSQLiteStore(s.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil

	case "mysql":
		st, err := store.NewMySQLStore(s.DSN)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil

	case "postgres":
		st, err := store.NewPostgresStore(s.DSN)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     s.Addr,
			Password: s.Password,
			DB:       s.DB,
		})
		var opts []store.RedisOption
		if s.KeyPrefix != "" {
			opts = append(opts, store.WithKeyPrefix(s.KeyPrefix))
		}
		if s.TTL > 0 {
			opts = append(opts, store.WithTTL(s.TTL))
		}
		st := store.NewRedisStore(client, opts...)
		if err := st.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return st, client.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store type %q", s.Type)
	}
}

// EngineOptions converts the checkpoint settings to engine options.
func (c *Config) EngineOptions() []job.Option {
	return []job.Option{
		job.WithCheckpointEvery(c.Checkpoint.Every),
		job.WithCheckpointInterval(c.Checkpoint.Interval),
		job.WithPageSize(c.Checkpoint.PageSize),
	}
}

// DriverOptions converts the resume settings to driver options.
func (c *Config) DriverOptions() []job.DriverOption {
	return []job.DriverOption{
		job.WithMaxResumptions(c.Resume.MaxResumptions),
		job.WithResumeAfterAdvancingError(c.Resume.ResumeAfterAdvancingError),
	}
}

// Logger builds a slog logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unsupported logging.level %q", s)
	}
	return level, nil
}

package job

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dshills/jobcontinue/job/emit"
)

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := job.New(def, st,
//	    job.WithCheckpointEvery(100),
//	    job.WithCheckpointInterval(5*time.Second),
//	    job.WithEmitter(emit.NewLogEmitter(os.Stderr, false)),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they are applied to an Engine.
type engineConfig struct {
	checkpointEvery    int
	checkpointInterval time.Duration
	pageSize           int
	emitter            emit.Emitter
	metrics            *PrometheusMetrics
	logger             *slog.Logger
	now                func() time.Time
}

func defaultConfig() engineConfig {
	return engineConfig{
		checkpointEvery: 1,
		pageSize:        100,
		emitter:         emit.NewNullEmitter(),
		logger:          slog.New(slog.DiscardHandler),
		now:             time.Now,
	}
}

// WithCheckpointEvery saves the checkpoint after every n advanced items
// instead of after each one.
//
// Default: 1 (save per item).
//
// Larger values mean fewer store writes and a larger replay window: after a
// crash up to n-1 processed items are delivered again. Interruption and stage
// completion always save pending advances first, so a clean stop never
// replays anything.
func WithCheckpointEvery(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 1 {
			return errors.New("checkpoint batch size must be at least 1")
		}
		cfg.checkpointEvery = n
		return nil
	}
}

// WithCheckpointInterval saves pending advances once d has elapsed since the
// last save, even if the WithCheckpointEvery batch is not full.
//
// Default: 0 (disabled).
func WithCheckpointInterval(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return errors.New("checkpoint interval cannot be negative")
		}
		cfg.checkpointInterval = d
		return nil
	}
}

// WithPageSize sets the limit passed to Source.After.
//
// Default: 100.
func WithPageSize(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 1 {
			return errors.New("page size must be at least 1")
		}
		cfg.pageSize = n
		return nil
	}
}

// WithEmitter sets the lifecycle event emitter.
//
// Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if e == nil {
			e = emit.NewNullEmitter()
		}
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Default: nil (no metrics).
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithLogger sets the logger used for operational diagnostics such as store
// failures and ignored cleanup errors.
//
// Default: a logger that discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithClock overrides the time source used for checkpoint intervals and
// durations. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(cfg *engineConfig) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		cfg.now = now
		return nil
	}
}

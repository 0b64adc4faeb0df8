package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/dshills/jobcontinue/job"
	"github.com/dshills/jobcontinue/job/store"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "jobs.yaml", `
store:
  type: redis
  addr: localhost:6379
  key_prefix: "billing:"
  ttl: 72h
checkpoint:
  every: 25
  interval: 5s
  page_size: 500
resume:
  max_resumptions: 10
  resume_after_advancing_error: true
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Store.Type != "redis" || cfg.Store.KeyPrefix != "billing:" || cfg.Store.TTL != 72*time.Hour {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Checkpoint.Every != 25 || cfg.Checkpoint.Interval != 5*time.Second || cfg.Checkpoint.PageSize != 500 {
		t.Errorf("checkpoint = %+v", cfg.Checkpoint)
	}
	if cfg.Resume.MaxResumptions != 10 || !cfg.Resume.ResumeAfterAdvancingError {
		t.Errorf("resume = %+v", cfg.Resume)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Type != "sqlite" || cfg.Checkpoint.Every != 1 || cfg.Checkpoint.PageSize != 100 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "jobs.yaml", "store:\n  type: sqlite\n  path: a.db\ncheckpoint:\n  every: 5\n")
	t.Setenv("JOBCONTINUE_STORE_PATH", "b.db")
	t.Setenv("JOBCONTINUE_CHECKPOINT_EVERY", "40")
	t.Setenv("JOBCONTINUE_CHECKPOINT_INTERVAL", "2s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Path != "b.db" || cfg.Checkpoint.Every != 40 || cfg.Checkpoint.Interval != 2*time.Second {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	const key = "JOBCONTINUE_MAX_RESUMPTIONS"
	t.Cleanup(func() { _ = os.Unsetenv(key) })
	envFile := writeFile(t, ".env", key+"=7\n")

	cfg, err := Load("", envFile, filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Resume.MaxResumptions != 7 {
		t.Errorf("MaxResumptions = %d, want 7 from .env", cfg.Resume.MaxResumptions)
	}
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	tests := map[string]string{
		"JOBCONTINUE_CHECKPOINT_EVERY":             "many",
		"JOBCONTINUE_CHECKPOINT_INTERVAL":          "soon",
		"JOBCONTINUE_RESUME_AFTER_ADVANCING_ERROR": "maybe",
		"JOBCONTINUE_REDIS_DB":                     "zero",
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			err := Default().ApplyEnv(envMap(map[string]string{name: value}))
			if err == nil || !strings.Contains(err.Error(), name) {
				t.Errorf("expected error naming %s, got %v", name, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"memory", func(c *Config) { c.Store.Type = "memory" }, false},
		{"unknown store", func(c *Config) { c.Store.Type = "etcd" }, true},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, true},
		{"mysql without dsn", func(c *Config) { c.Store.Type = "mysql" }, true},
		{"postgres with dsn", func(c *Config) { c.Store.Type = "postgres"; c.Store.DSN = "postgres://localhost/jobs" }, false},
		{"redis without addr", func(c *Config) { c.Store.Type = "redis" }, true},
		{"zero batch", func(c *Config) { c.Checkpoint.Every = 0 }, true},
		{"negative interval", func(c *Config) { c.Checkpoint.Interval = -time.Second }, true},
		{"zero page size", func(c *Config) { c.Checkpoint.PageSize = 0 }, true},
		{"negative resumptions", func(c *Config) { c.Resume.MaxResumptions = -1 }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStoreConfig_Open(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		st, closeFn, err := StoreConfig{Type: "memory"}.Open(ctx)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer closeFn()
		if _, ok := st.(*store.MemStore); !ok {
			t.Errorf("got %T", st)
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cp.db")
		st, closeFn, err := StoreConfig{Type: "sqlite", Path: path}.Open(ctx)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer closeFn()
		if _, ok := st.(*store.SQLiteStore); !ok {
			t.Errorf("got %T", st)
		}
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		st, closeFn, err := StoreConfig{Type: "redis", Addr: mr.Addr(), KeyPrefix: "cfg:"}.Open(ctx)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer closeFn()

		rec := store.Record{JobKind: "k", InstanceKey: "i"}
		if err := st.Save(ctx, &rec); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if !mr.Exists("cfg:k:i") {
			t.Errorf("expected key cfg:k:i, have %v", mr.Keys())
		}
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		if _, _, err := (StoreConfig{Type: "redis", Addr: addr}).Open(ctx); err == nil {
			t.Error("expected ping error")
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		if _, _, err := (StoreConfig{Type: "etcd"}).Open(ctx); err == nil {
			t.Error("expected error")
		}
	})
}

func TestConfig_DrivesEngine(t *testing.T) {
	cfg := Default()
	cfg.Store.Type = "memory"
	cfg.Checkpoint.Every = 3
	cfg.Resume.MaxResumptions = 2

	st, closeFn, err := cfg.Store.Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer closeFn()

	def := job.Define[struct{}]("cfg").
		Then(job.Each("items", func(struct{}) job.Source[int, int] { return job.Indexed(1, 2, 3, 4) },
			func(context.Context, int, struct{}) error { return nil })).
		MustBuild()

	opts := append(cfg.EngineOptions(), job.WithLogger(cfg.Logger(os.Stderr)))
	engine, err := job.New(def, st, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	driver, err := job.NewDriver(engine, cfg.DriverOptions()...)
	if err != nil {
		t.Fatalf("NewDriver failed: %v", err)
	}
	if out := driver.Resume(context.Background(), "x", struct{}{}, job.Never, nil); out.Status != job.Completed {
		t.Errorf("status = %v, err = %v", out.Status, out.Err)
	}
}

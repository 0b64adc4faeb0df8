package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dshills/jobcontinue/job/emit"
	"github.com/dshills/jobcontinue/job/store"
)

// DriverOption configures a Driver.
type DriverOption func(*driverConfig) error

type driverConfig struct {
	maxResumptions       int
	resumeAfterAdvancing bool
	newID                func() string
}

// WithMaxResumptions limits how many times an instance may be resumed after
// its first attempt. Resume fails with ErrMaxResumptionsExceeded once the
// limit is reached; the checkpoint is kept for inspection.
//
// Default: 0 (unlimited).
func WithMaxResumptions(n int) DriverOption {
	return func(cfg *driverConfig) error {
		if n < 0 {
			return errors.New("max resumptions cannot be negative")
		}
		cfg.maxResumptions = n
		return nil
	}
}

// WithResumeAfterAdvancingError reports a retryable failure as Interrupted
// instead of Failed when the attempt had already saved progress. The
// failure is still available in Outcome.Err. Useful with schedulers that
// re-enqueue interrupted jobs but alert on failed ones.
//
// Default: false.
func WithResumeAfterAdvancingError(enabled bool) DriverOption {
	return func(cfg *driverConfig) error {
		cfg.resumeAfterAdvancing = enabled
		return nil
	}
}

// WithAttemptIDs overrides the generator for per-attempt identifiers.
//
// Default: random UUIDs.
func WithAttemptIDs(newID func() string) DriverOption {
	return func(cfg *driverConfig) error {
		if newID == nil {
			return errors.New("attempt id generator cannot be nil")
		}
		cfg.newID = newID
		return nil
	}
}

// Driver starts attempts for job instances. It decides between a fresh run
// and a resume by looking at the store, counts attempts, and validates
// continuation tokens. It never interprets cursors.
type Driver[S any] struct {
	engine *Engine[S]
	cfg    driverConfig
}

// NewDriver wraps engine.
//
// Example:
//
//	driver, err := job.NewDriver(engine, job.WithMaxResumptions(10))
//	out := driver.Resume(ctx, "2024-01", State{}, flag, nil)
func NewDriver[S any](engine *Engine[S], opts ...DriverOption) (*Driver[S], error) {
	if engine == nil {
		return nil, errors.New("engine cannot be nil")
	}
	cfg := driverConfig{newID: uuid.NewString}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Driver[S]{engine: engine, cfg: cfg}, nil
}

// Resume runs the next attempt for instanceKey.
//
// If no checkpoint exists the attempt is a fresh run from initial. If one
// exists, its attempt counter is incremented and saved before any stage
// runs, so a second concurrent attempt fails with ErrStoreConflict right
// away instead of after doing work.
//
// token is optional. When given, it must belong to the same job kind and
// instance, a checkpoint must exist, and the token must not be newer than
// the checkpoint; otherwise Resume fails with ErrTokenMismatch.
func (d *Driver[S]) Resume(ctx context.Context, instanceKey string, initial S, in Interrupter, token *ContinuationToken) Outcome[S] {
	e := d.engine
	info := attemptInfo{id: d.cfg.newID(), resumeAfterAdvancing: d.cfg.resumeAfterAdvancing}

	rec, found, err := e.load(ctx, instanceKey)
	if err != nil {
		return e.abort(ctx, info, &store.Record{JobKind: e.def.kind, InstanceKey: instanceKey}, initial, err)
	}
	if token != nil {
		if err := token.matches(rec, found); err != nil {
			return e.abort(ctx, info, rec, initial, err)
		}
	}

	if !found {
		rec.Attempt = 1
		return e.run(ctx, info, rec, initial, in)
	}

	if d.cfg.maxResumptions > 0 && rec.Attempt > d.cfg.maxResumptions {
		return e.abort(ctx, info, rec, initial,
			fmt.Errorf("%w: %d attempts, limit is %d resumptions", ErrMaxResumptionsExceeded, rec.Attempt, d.cfg.maxResumptions))
	}

	rec.Attempt++
	if err := e.store.Save(ctx, rec); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			err = &storeError{err: err}
		}
		return e.abort(ctx, info, rec, initial, err)
	}

	e.cfg.metrics.Resumed(e.def.kind)
	e.logger().Info("resuming job",
		"job_kind", rec.JobKind, "instance_key", rec.InstanceKey,
		"attempt", rec.Attempt, "attempt_id", info.id, "stage_index", rec.StageIndex)
	e.cfg.emitter.Emit(emit.Event{
		JobKind:     rec.JobKind,
		InstanceKey: rec.InstanceKey,
		AttemptID:   info.id,
		Attempt:     rec.Attempt,
		Stage:       rec.Stage,
		StageIndex:  rec.StageIndex,
		Msg:         emit.EventJobResumed,
		Meta:        resumeMeta(rec),
	})

	return e.run(ctx, info, rec, initial, in)
}

// Inspect returns the current position of instanceKey, or nil if it has no
// checkpoint (never started, or completed).
func (d *Driver[S]) Inspect(ctx context.Context, instanceKey string) (*ContinuationToken, error) {
	rec, found, err := d.engine.load(ctx, instanceKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return tokenFromRecord(rec), nil
}

// Reset deletes the checkpoint of instanceKey so the next attempt starts
// from scratch. This is the only way a cursor moves backwards.
func (d *Driver[S]) Reset(ctx context.Context, instanceKey string) error {
	if err := d.engine.store.Delete(ctx, d.engine.def.kind, instanceKey); err != nil {
		return fmt.Errorf("failed to reset %s/%s: %w", d.engine.def.kind, instanceKey, err)
	}
	d.engine.logger().Info("job reset", "job_kind", d.engine.def.kind, "instance_key", instanceKey)
	return nil
}

func resumeMeta(rec *store.Record) map[string]interface{} {
	meta := map[string]interface{}{
		"completed_stages": len(rec.Completed),
	}
	if len(rec.Cursor) > 0 {
		meta["cursor"] = string(rec.Cursor)
	}
	if len(rec.OpenItem) > 0 {
		meta["open_item"] = string(rec.OpenItem)
	}
	return meta
}

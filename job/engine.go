// Package job provides a checkpointed, resumable job execution engine.
//
// A job is an ordered sequence of named stages. Scalar stages run once and
// may update the accumulated state; iterative stages walk an ordered Source
// of work items and record the key of the last processed item (the cursor)
// in a store.Store. When an attempt is interrupted, crashes, or fails, the
// next attempt resumes right after the last saved cursor.
//
// Delivery contract: every item is processed at least once and every cursor
// advance is saved exactly once. An item whose side effects happened but
// whose advance was not saved yet (crash, or a pending batch when
// WithCheckpointEvery is above 1) is processed again by the next attempt, so
// item processing must be idempotent.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dshills/jobcontinue/job/emit"
	"github.com/dshills/jobcontinue/job/store"
)

// Status is the terminal state of one attempt.
type Status int

const (
	// Completed means every stage finished and the checkpoint was deleted.
	Completed Status = iota + 1
	// Interrupted means the attempt stopped cleanly at an item or stage
	// boundary; Outcome.Token describes where the next attempt resumes.
	Interrupted
	// Failed means the attempt aborted; Outcome.Err is a *JobError.
	Failed
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case Interrupted:
		return "interrupted"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome is the result of one attempt.
type Outcome[S any] struct {
	Status Status

	// Token is set when Status is Interrupted.
	Token *ContinuationToken

	// State is the accumulated state at the end of the attempt.
	State S

	// Err is set when Status is Failed. It is also set on an Interrupted
	// outcome produced by WithResumeAfterAdvancingError.
	Err error
}

// Engine executes one Definition against a checkpoint store.
//
// An Engine is safe for concurrent use across different instance keys. The
// at-most-one-attempt-per-instance rule is the caller's to enforce; a
// concurrent attempt is detected by the store's version check and fails
// with ErrStoreConflict.
type Engine[S any] struct {
	def   *Definition[S]
	store store.Store
	cfg   engineConfig
}

// New creates an engine for def backed by st.
//
// Example:
//
//	st, _ := store.NewSQLiteStore("./checkpoints.db")
//	engine, err := job.New(def, st, job.WithCheckpointEvery(50))
func New[S any](def *Definition[S], st store.Store, opts ...Option) (*Engine[S], error) {
	if def == nil {
		return nil, fmt.Errorf("%w: definition cannot be nil", ErrInvalidDefinition)
	}
	if st == nil {
		return nil, errors.New("store cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Engine[S]{def: def, store: st, cfg: cfg}, nil
}

// Definition returns the stage sequence the engine runs.
func (e *Engine[S]) Definition() *Definition[S] { return e.def }

// Run executes one attempt for instanceKey.
//
// A missing checkpoint starts a fresh run from initial; an existing one is
// resumed and its saved state replaces initial. Interruption is polled
// through in after every advanced item and every completed stage; a nil in
// never interrupts.
//
// Run never returns an error directly; failures are reported in the Outcome.
// Use a Driver for attempt counting, token validation and resumption limits.
func (e *Engine[S]) Run(ctx context.Context, instanceKey string, initial S, in Interrupter) Outcome[S] {
	rec, _, err := e.load(ctx, instanceKey)
	if err != nil {
		return e.abort(ctx, attemptInfo{}, &store.Record{JobKind: e.def.kind, InstanceKey: instanceKey}, initial, err)
	}
	rec.Attempt++
	return e.run(ctx, attemptInfo{}, rec, initial, in)
}

// attemptInfo carries per-attempt settings supplied by a Driver.
type attemptInfo struct {
	id                   string
	resumeAfterAdvancing bool
}

func (e *Engine[S]) load(ctx context.Context, instanceKey string) (*store.Record, bool, error) {
	rec, err := e.store.Load(ctx, e.def.kind, instanceKey)
	if errors.Is(err, store.ErrNotFound) {
		return &store.Record{JobKind: e.def.kind, InstanceKey: instanceKey}, false, nil
	}
	if err != nil {
		return nil, false, &storeError{err: err}
	}
	return &rec, true, nil
}

func (e *Engine[S]) newRunner(info attemptInfo, rec *store.Record, in Interrupter) *runner[S] {
	if in == nil {
		in = Never
	}
	return &runner[S]{
		engine:      e,
		cfg:         &e.cfg,
		info:        info,
		rec:         rec,
		in:          in,
		started:     e.cfg.now(),
		lastSave:    e.cfg.now(),
		savedCursor: slices.Clone(rec.Cursor),
	}
}

// abort reports a failure that happened before any stage ran.
func (e *Engine[S]) abort(ctx context.Context, info attemptInfo, rec *store.Record, initial S, err error) Outcome[S] {
	r := e.newRunner(info, rec, nil)
	r.state = initial
	r.cfg.metrics.AttemptStarted(e.def.kind)
	return r.fail(ctx, err)
}

func (e *Engine[S]) run(ctx context.Context, info attemptInfo, rec *store.Record, initial S, in Interrupter) Outcome[S] {
	r := e.newRunner(info, rec, in)
	r.state = initial
	r.cfg.metrics.AttemptStarted(e.def.kind)

	if len(rec.State) > 0 {
		if err := json.Unmarshal(rec.State, &r.state); err != nil {
			return r.fail(ctx, fmt.Errorf("%w: cannot decode saved state: %w", ErrInvalidDefinition, err))
		}
	}
	if err := e.validate(rec); err != nil {
		return r.fail(ctx, err)
	}

	last := len(e.def.stages) - 1
	for i, st := range e.def.stages {
		if rec.IsCompleted(i) {
			r.emit(emit.EventStageSkipped, i, st.Name(), nil)
			continue
		}

		if rec.StageIndex != i {
			rec.StageIndex = i
			rec.Cursor, rec.OpenItem, rec.NestedCursor = nil, nil, nil
			r.dirty = true
		}
		if rec.Stage != st.Name() {
			rec.Stage = st.Name()
			r.dirty = true
		}

		if st.isolated() && r.didWork {
			if err := r.flush(ctx); err != nil {
				return r.fail(ctx, err)
			}
			return r.interrupted()
		}

		r.emit(emit.EventStageStart, i, st.Name(), r.positionMeta())
		stageStart := e.cfg.now()

		if err := st.execute(ctx, r); err != nil {
			if errors.Is(err, ErrInterrupted) {
				if err := r.flush(context.WithoutCancel(ctx)); err != nil {
					return r.fail(ctx, err)
				}
				return r.interrupted()
			}
			return r.fail(ctx, err)
		}

		rec.MarkCompleted(i)
		rec.StageIndex = i + 1
		rec.Stage = ""
		rec.Cursor, rec.OpenItem, rec.NestedCursor = nil, nil, nil
		if !st.Iterative() {
			data, err := json.Marshal(r.state)
			if err != nil {
				return r.fail(ctx, fmt.Errorf("%w: cannot encode state: %w", ErrInvalidDefinition, err))
			}
			rec.State = data
		}
		if err := r.save(ctx); err != nil {
			return r.fail(ctx, err)
		}
		r.didWork = true

		elapsed := e.cfg.now().Sub(stageStart)
		r.cfg.metrics.StageCompleted(e.def.kind, st.Name(), elapsed)
		r.emit(emit.EventStageComplete, i, st.Name(), map[string]interface{}{
			"duration_ms": elapsed.Milliseconds(),
		})

		if i < last && (st.isolated() || r.in.Interrupted()) {
			return r.interrupted()
		}
	}

	if err := e.store.Delete(ctx, e.def.kind, rec.InstanceKey); err != nil {
		return r.fail(ctx, &storeError{err: err})
	}
	return r.completed()
}

// validate rejects checkpoints that do not fit the definition, such as a
// record written by an older version of the stage sequence.
func (e *Engine[S]) validate(rec *store.Record) error {
	n := len(e.def.stages)
	if rec.StageIndex < 0 || rec.StageIndex > n {
		return fmt.Errorf("%w: checkpoint stage index %d out of range [0,%d]", ErrInvalidDefinition, rec.StageIndex, n)
	}
	for _, i := range rec.Completed {
		if i < 0 || i >= n {
			return fmt.Errorf("%w: checkpoint marks unknown stage %d completed", ErrInvalidDefinition, i)
		}
	}
	if rec.StageIndex < n && rec.Stage != "" && rec.Stage != e.def.stages[rec.StageIndex].Name() {
		return fmt.Errorf("%w: checkpoint is at stage %q but stage %d is %q",
			ErrInvalidDefinition, rec.Stage, rec.StageIndex, e.def.stages[rec.StageIndex].Name())
	}
	return nil
}

// runner holds the mutable state of one attempt. It is used by a single
// goroutine.
type runner[S any] struct {
	engine *Engine[S]
	cfg    *engineConfig
	info   attemptInfo
	rec    *store.Record
	in     Interrupter
	state  S

	pending     int  // advances not saved yet
	dirty       bool // position changed without an advance
	didWork     bool // anything advanced or completed in this attempt
	savedAny    bool // an advance was durably saved in this attempt
	started     time.Time
	lastSave    time.Time
	savedCursor json.RawMessage
}

// advancer is the part of a runner that StepCursor needs; it keeps
// StepCursor free of the state type parameter.
type advancer interface {
	advance(ctx context.Context, cursor, openItem, nested json.RawMessage) error
}

// advance records a processed item, saves per the checkpoint policy, then
// polls for interruption.
func (r *runner[S]) advance(ctx context.Context, cursor, openItem, nested json.RawMessage) error {
	r.rec.Cursor = cursor
	r.rec.OpenItem = openItem
	r.rec.NestedCursor = nested
	r.pending++
	r.didWork = true

	r.cfg.metrics.ItemProcessed(r.rec.JobKind, r.rec.Stage)
	r.emit(emit.EventItemProcessed, r.rec.StageIndex, r.rec.Stage, r.positionMeta())

	due := r.pending >= r.cfg.checkpointEvery ||
		(r.cfg.checkpointInterval > 0 && r.cfg.now().Sub(r.lastSave) >= r.cfg.checkpointInterval)
	if due {
		if err := r.save(ctx); err != nil {
			return err
		}
	}

	if r.in.Interrupted() {
		return ErrInterrupted
	}
	return nil
}

// flush saves pending changes, if any.
func (r *runner[S]) flush(ctx context.Context) error {
	if r.pending == 0 && !r.dirty {
		return nil
	}
	return r.save(ctx)
}

func (r *runner[S]) save(ctx context.Context) error {
	start := r.cfg.now()
	err := r.engine.store.Save(ctx, r.rec)
	elapsed := r.cfg.now().Sub(start)

	switch {
	case errors.Is(err, store.ErrConflict):
		r.cfg.metrics.CheckpointSaved(r.rec.JobKind, elapsed, "conflict")
		r.cfg.logger.Error("checkpoint conflict",
			"job_kind", r.rec.JobKind, "instance_key", r.rec.InstanceKey, "version", r.rec.Version)
		return err
	case err != nil:
		r.cfg.metrics.CheckpointSaved(r.rec.JobKind, elapsed, "error")
		r.cfg.logger.Error("checkpoint save failed",
			"job_kind", r.rec.JobKind, "instance_key", r.rec.InstanceKey, "error", err)
		return &storeError{err: err}
	}

	r.cfg.metrics.CheckpointSaved(r.rec.JobKind, elapsed, "ok")
	items := r.pending
	if items > 0 {
		r.savedAny = true
	}
	r.pending = 0
	r.dirty = false
	r.lastSave = r.cfg.now()
	r.savedCursor = slices.Clone(r.rec.Cursor)

	meta := r.positionMeta()
	meta["items"] = items
	meta["version"] = r.rec.Version
	r.emit(emit.EventCheckpointSaved, r.rec.StageIndex, r.rec.Stage, meta)
	return nil
}

func (r *runner[S]) interrupted() Outcome[S] {
	tok := tokenFromRecord(r.rec)
	r.emit(emit.EventInterrupted, r.rec.StageIndex, r.rec.Stage, r.positionMeta())
	r.cfg.metrics.AttemptFinished(r.rec.JobKind, Interrupted, r.cfg.now().Sub(r.started))
	return Outcome[S]{Status: Interrupted, Token: tok, State: r.state}
}

func (r *runner[S]) completed() Outcome[S] {
	elapsed := r.cfg.now().Sub(r.started)
	r.emit(emit.EventJobCompleted, -1, "", map[string]interface{}{
		"duration_ms": elapsed.Milliseconds(),
	})
	r.cfg.metrics.AttemptFinished(r.rec.JobKind, Completed, elapsed)
	return Outcome[S]{Status: Completed, State: r.state}
}

// fail saves successfully processed items that are still pending, then
// reports err as a JobError.
func (r *runner[S]) fail(ctx context.Context, err error) Outcome[S] {
	code := classify(err)
	if code != CodeStoreConflict && r.pending > 0 {
		if ferr := r.save(context.WithoutCancel(ctx)); ferr != nil {
			r.cfg.logger.Warn("could not save progress after failure",
				"job_kind", r.rec.JobKind, "instance_key", r.rec.InstanceKey, "error", ferr)
			if errors.Is(ferr, store.ErrConflict) {
				err, code = ferr, CodeStoreConflict
			}
		}
	}

	je := &JobError{
		Code:        code,
		Message:     failureMessage(code),
		JobKind:     r.rec.JobKind,
		InstanceKey: r.rec.InstanceKey,
		Stage:       r.rec.Stage,
		StageIndex:  r.rec.StageIndex,
		Cursor:      r.savedCursor,
		Cause:       err,
	}

	if r.info.resumeAfterAdvancing && r.savedAny && r.pending == 0 && je.Retryable() {
		r.cfg.logger.Info("treating retryable failure as interruption",
			"job_kind", r.rec.JobKind, "instance_key", r.rec.InstanceKey, "error", je)
		out := r.interrupted()
		out.Err = je
		return out
	}

	r.emit(emit.EventJobFailed, r.rec.StageIndex, r.rec.Stage, map[string]interface{}{
		"error": je.Error(),
		"code":  code,
	})
	r.cfg.metrics.AttemptFinished(r.rec.JobKind, Failed, r.cfg.now().Sub(r.started))
	return Outcome[S]{Status: Failed, State: r.state, Err: je}
}

func failureMessage(code string) string {
	switch code {
	case CodeTransientItem:
		return "item failed, will be retried on the next attempt"
	case CodeStoreConflict:
		return "another attempt saved this checkpoint concurrently"
	case CodeStore:
		return "checkpoint store unavailable"
	case CodeSource:
		return "work source failed"
	case CodeNonDeterministic:
		return "work source order is not deterministic"
	case CodeInvalidDef:
		return "checkpoint does not fit the job definition"
	case CodeMaxResumptions:
		return "too many attempts"
	case CodeTokenMismatch:
		return "continuation token rejected"
	case CodeCancelled:
		return "attempt cancelled"
	default:
		return "stage failed"
	}
}

func (r *runner[S]) positionMeta() map[string]interface{} {
	meta := make(map[string]interface{}, 4)
	if len(r.rec.Cursor) > 0 {
		meta["cursor"] = string(r.rec.Cursor)
	}
	if len(r.rec.OpenItem) > 0 {
		meta["open_item"] = string(r.rec.OpenItem)
	}
	if len(r.rec.NestedCursor) > 0 {
		meta["nested_cursor"] = string(r.rec.NestedCursor)
	}
	return meta
}

func (r *runner[S]) emit(msg string, stageIndex int, stage string, meta map[string]interface{}) {
	r.cfg.emitter.Emit(emit.Event{
		JobKind:     r.rec.JobKind,
		InstanceKey: r.rec.InstanceKey,
		AttemptID:   r.info.id,
		Attempt:     r.rec.Attempt,
		Stage:       stage,
		StageIndex:  stageIndex,
		Msg:         msg,
		Meta:        meta,
	})
}

// logger exposes the configured logger to the Driver.
func (e *Engine[S]) logger() *slog.Logger { return e.cfg.logger }

package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/jobcontinue/job/store"
)

// ErrTransientItem marks a retryable failure on one item. The cursor is not
// advanced, so the same item is processed again on the next attempt.
var ErrTransientItem = errors.New("transient item failure")

// ErrFatalStage marks an unrecoverable failure. The attempt aborts and the
// checkpoint is left intact for diagnosis.
var ErrFatalStage = errors.New("fatal stage failure")

// ErrStoreConflict reports that another attempt saved the same checkpoint
// concurrently. It is never retried automatically.
var ErrStoreConflict = store.ErrConflict

// ErrNonDeterministicSource reports a Source whose enumeration order is not
// strictly increasing, or that changed between calls for the same cursor.
var ErrNonDeterministicSource = errors.New("work source enumeration is not deterministic")

// ErrInterrupted is returned by StepCursor.Advance when the attempt must
// stop. Manual stages return it (or an error wrapping it) to hand control
// back to the engine.
var ErrInterrupted = errors.New("job interrupted")

// ErrMaxResumptionsExceeded is returned by Driver.Resume when an instance
// has been attempted more times than WithMaxResumptions allows.
var ErrMaxResumptionsExceeded = errors.New("maximum resumptions exceeded")

// ErrInvalidDefinition reports a malformed stage sequence, or a checkpoint
// that does not fit the definition it is resumed with.
var ErrInvalidDefinition = errors.New("invalid job definition")

// ErrTokenMismatch is returned by Driver.Resume when a continuation token
// does not belong to the stored checkpoint.
var ErrTokenMismatch = errors.New("continuation token does not match checkpoint")

// Error codes carried by JobError.
const (
	CodeTransientItem    = "TRANSIENT_ITEM"
	CodeFatalStage       = "FATAL_STAGE"
	CodeStoreConflict    = "STORE_CONFLICT"
	CodeStore            = "STORE_ERROR"
	CodeSource           = "SOURCE_ERROR"
	CodeNonDeterministic = "NON_DETERMINISTIC_SOURCE"
	CodeMaxResumptions   = "MAX_RESUMPTIONS_EXCEEDED"
	CodeInvalidDef       = "INVALID_DEFINITION"
	CodeTokenMismatch    = "TOKEN_MISMATCH"
	CodeCancelled        = "CANCELLED"
)

var codeSentinels = map[string]error{
	CodeTransientItem:    ErrTransientItem,
	CodeFatalStage:       ErrFatalStage,
	CodeStoreConflict:    ErrStoreConflict,
	CodeNonDeterministic: ErrNonDeterministicSource,
	CodeMaxResumptions:   ErrMaxResumptionsExceeded,
	CodeInvalidDef:       ErrInvalidDefinition,
	CodeTokenMismatch:    ErrTokenMismatch,
}

// Transient marks err as a retryable item failure. Returns nil for nil.
//
// Example:
//
//	if resp.StatusCode == http.StatusServiceUnavailable {
//	    return job.Transient(fmt.Errorf("upstream unavailable"))
//	}
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientItem, err)
}

// Fatal marks err as an unrecoverable stage failure. Returns nil for nil.
//
// Callback errors that carry neither mark are treated as fatal as well;
// Fatal only makes the intent explicit.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatalStage, err)
}

// JobError describes a failed attempt with enough context to decide on
// remediation: which instance, which stage, and the last cursor that was
// durably saved.
//
// errors.Is matches JobError against the sentinel for its Code, so callers
// can write errors.Is(outcome.Err, job.ErrStoreConflict) without caring
// about the concrete type.
type JobError struct {
	Code        string
	Message     string
	JobKind     string
	InstanceKey string
	Stage       string
	StageIndex  int
	Cursor      json.RawMessage // last saved cursor, nil if the stage had not advanced
	Cause       error
}

func (e *JobError) Error() string {
	var b strings.Builder
	if e.Code != "" {
		b.WriteString(e.Code)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	fmt.Fprintf(&b, " (job=%s/%s", e.JobKind, e.InstanceKey)
	if e.Stage != "" {
		fmt.Fprintf(&b, " stage=%s[%d]", e.Stage, e.StageIndex)
	}
	if len(e.Cursor) > 0 {
		fmt.Fprintf(&b, " cursor=%s", e.Cursor)
	}
	b.WriteString(")")
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *JobError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for e.Code.
func (e *JobError) Is(target error) bool {
	s, ok := codeSentinels[e.Code]
	return ok && s == target
}

// Retryable reports whether scheduling another attempt may succeed without
// operator intervention.
func (e *JobError) Retryable() bool {
	switch e.Code {
	case CodeTransientItem, CodeSource, CodeStore, CodeCancelled:
		return true
	default:
		return false
	}
}

// sourceError wraps a failure returned by Source.After.
type sourceError struct {
	err error
}

func (e *sourceError) Error() string { return e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }

// storeError wraps a failed Load, Save or Delete other than a conflict.
type storeError struct {
	err error
}

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// classify maps a stage error to an error code. Unmarked callback errors are
// fatal; unmarked source errors are retryable.
func classify(err error) string {
	var (
		se  *sourceError
		ste *storeError
	)
	switch {
	case errors.Is(err, ErrStoreConflict):
		return CodeStoreConflict
	case errors.Is(err, ErrTokenMismatch):
		return CodeTokenMismatch
	case errors.Is(err, ErrMaxResumptionsExceeded):
		return CodeMaxResumptions
	case errors.Is(err, ErrNonDeterministicSource):
		return CodeNonDeterministic
	case errors.Is(err, ErrInvalidDefinition):
		return CodeInvalidDef
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	case errors.Is(err, ErrTransientItem):
		return CodeTransientItem
	case errors.Is(err, ErrFatalStage):
		return CodeFatalStage
	case errors.As(err, &se):
		return CodeSource
	case errors.As(err, &ste):
		return CodeStore
	default:
		return CodeFatalStage
	}
}

// IsRetryable reports whether err is a JobError that may succeed on retry.
func IsRetryable(err error) bool {
	var je *JobError
	return errors.As(err, &je) && je.Retryable()
}

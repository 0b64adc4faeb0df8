// Package store provides durable checkpoint persistence for resumable jobs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when no checkpoint exists for a job instance.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by Save when the stored record was modified by
// another attempt since it was loaded (optimistic version mismatch).
//
// A conflict means two attempts are running for the same instance key at the
// same time. It is always fatal for the current attempt and must never be
// retried automatically.
var ErrConflict = errors.New("checkpoint conflict: concurrent attempt detected")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Store persists checkpoint records keyed by (job kind, instance key).
//
// Implementations can use:
//   - In-memory storage (for testing, see memory.go)
//   - Relational databases (SQLite, MySQL, PostgreSQL)
//   - Key-value stores (Redis)
//
// Records are opaque to the store beyond their identity and version: cursor
// and state payloads are stored as JSON and must round-trip exactly.
type Store interface {
	// Load retrieves the checkpoint for a job instance.
	//
	// Returns ErrNotFound if no checkpoint exists.
	Load(ctx context.Context, jobKind, instanceKey string) (Record, error)

	// Save atomically writes rec if the stored version still equals
	// rec.Version (zero means "must not exist yet"). On success rec.Version
	// is incremented and rec.UpdatedAt is set.
	//
	// Returns ErrConflict if another writer got there first; the stored
	// record is left untouched in that case.
	Save(ctx context.Context, rec *Record) error

	// Delete removes the checkpoint for a job instance.
	// Deleting a missing checkpoint is not an error.
	Delete(ctx context.Context, jobKind, instanceKey string) error
}

// Record is the persisted checkpoint of one job instance.
type Record struct {
	// JobKind identifies the stage sequence that produced this record.
	JobKind string `json:"job_kind"`

	// InstanceKey uniquely identifies the run within its kind.
	InstanceKey string `json:"instance_key"`

	// StageIndex is the index of the stage currently in progress.
	StageIndex int `json:"stage_index"`

	// Stage is the name of the stage at StageIndex, kept for diagnostics.
	Stage string `json:"stage,omitempty"`

	// Cursor is the encoded key of the last fully processed item of the
	// current stage. Empty means the stage has not advanced yet.
	Cursor json.RawMessage `json:"cursor,omitempty"`

	// OpenItem is the encoded key of the outer item whose inner iteration
	// is in progress. Only set by nested stages.
	OpenItem json.RawMessage `json:"open_item,omitempty"`

	// NestedCursor is the encoded key of the last processed inner item of OpenItem.
	NestedCursor json.RawMessage `json:"nested_cursor,omitempty"`

	// Completed holds the indices of finished stages, sorted ascending.
	Completed []int `json:"completed,omitempty"`

	// State is the JSON-encoded accumulated state threaded through stages.
	State json.RawMessage `json:"state,omitempty"`

	// Attempt counts how many attempts have run against this record.
	Attempt int `json:"attempt"`

	// Version is the optimistic concurrency token maintained by the store.
	Version int64 `json:"version"`

	// UpdatedAt is set by the store on every successful save.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsCompleted reports whether the stage at index has finished.
func (r *Record) IsCompleted(index int) bool {
	_, found := slices.BinarySearch(r.Completed, index)
	return found
}

// MarkCompleted adds index to the completed set. The set only grows.
func (r *Record) MarkCompleted(index int) {
	pos, found := slices.BinarySearch(r.Completed, index)
	if found {
		return
	}
	r.Completed = slices.Insert(r.Completed, pos, index)
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Cursor = cloneRaw(r.Cursor)
	out.OpenItem = cloneRaw(r.OpenItem)
	out.NestedCursor = cloneRaw(r.NestedCursor)
	out.State = cloneRaw(r.State)
	out.Completed = slices.Clone(r.Completed)
	return out
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return slices.Clone(b)
}

// payload is the JSON body written by stores that keep the mutable part of a
// record in a single column or value.
type payload struct {
	StageIndex   int             `json:"stage_index"`
	Stage        string          `json:"stage,omitempty"`
	Cursor       json.RawMessage `json:"cursor,omitempty"`
	OpenItem     json.RawMessage `json:"open_item,omitempty"`
	NestedCursor json.RawMessage `json:"nested_cursor,omitempty"`
	Completed    []int           `json:"completed,omitempty"`
	State        json.RawMessage `json:"state,omitempty"`
	Attempt      int             `json:"attempt"`
}

func encodePayload(rec *Record) ([]byte, error) {
	return json.Marshal(payload{
		StageIndex:   rec.StageIndex,
		Stage:        rec.Stage,
		Cursor:       rec.Cursor,
		OpenItem:     rec.OpenItem,
		NestedCursor: rec.NestedCursor,
		Completed:    rec.Completed,
		State:        rec.State,
		Attempt:      rec.Attempt,
	})
}

func decodePayload(data []byte, rec *Record) error {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	rec.StageIndex = p.StageIndex
	rec.Stage = p.Stage
	rec.Cursor = p.Cursor
	rec.OpenItem = p.OpenItem
	rec.NestedCursor = p.NestedCursor
	rec.Completed = p.Completed
	rec.State = p.State
	rec.Attempt = p.Attempt
	return nil
}

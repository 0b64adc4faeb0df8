package job

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/dshills/jobcontinue/job/store"
)

// ContinuationToken is the externally visible position of an interrupted
// job instance. It can be encoded into a string and handed to whatever
// schedules the next attempt.
//
// The stored checkpoint stays authoritative: a token only tells the Driver
// which checkpoint the caller expects to resume, and losing a token is
// harmless.
type ContinuationToken struct {
	JobKind      string          `json:"job_kind"`
	InstanceKey  string          `json:"instance_key"`
	StageIndex   int             `json:"stage_index"`
	Stage        string          `json:"stage,omitempty"`
	Cursor       json.RawMessage `json:"cursor,omitempty"`
	OpenItem     json.RawMessage `json:"open_item,omitempty"`
	NestedCursor json.RawMessage `json:"nested_cursor,omitempty"`
	Completed    []int           `json:"completed,omitempty"`
	Attempt      int             `json:"attempt"`
	Version      int64           `json:"version"`
}

func tokenFromRecord(rec *store.Record) *ContinuationToken {
	return &ContinuationToken{
		JobKind:      rec.JobKind,
		InstanceKey:  rec.InstanceKey,
		StageIndex:   rec.StageIndex,
		Stage:        rec.Stage,
		Cursor:       slices.Clone(rec.Cursor),
		OpenItem:     slices.Clone(rec.OpenItem),
		NestedCursor: slices.Clone(rec.NestedCursor),
		Completed:    slices.Clone(rec.Completed),
		Attempt:      rec.Attempt,
		Version:      rec.Version,
	}
}

// CursorAs decodes the token's cursor into a key of type K. It returns false
// if the current stage has not advanced.
func CursorAs[K any](t *ContinuationToken) (K, bool, error) {
	var key K
	if t == nil || len(t.Cursor) == 0 {
		return key, false, nil
	}
	if err := json.Unmarshal(t.Cursor, &key); err != nil {
		return key, false, fmt.Errorf("failed to decode cursor: %w", err)
	}
	return key, true, nil
}

// Encode returns the token as URL-safe base64 of its JSON form.
func (t *ContinuationToken) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a string produced by Encode.
func DecodeToken(s string) (*ContinuationToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	var t ContinuationToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	if t.JobKind == "" || t.InstanceKey == "" {
		return nil, fmt.Errorf("%w: token has no job kind or instance key", ErrTokenMismatch)
	}
	return &t, nil
}

// matches reports why t cannot be used to resume rec, or nil if it can.
// A token older than the record is accepted; the record wins.
func (t *ContinuationToken) matches(rec *store.Record, found bool) error {
	switch {
	case t.JobKind != rec.JobKind || t.InstanceKey != rec.InstanceKey:
		return fmt.Errorf("%w: token is for %s/%s", ErrTokenMismatch, t.JobKind, t.InstanceKey)
	case !found:
		return fmt.Errorf("%w: no checkpoint exists for %s/%s", ErrTokenMismatch, t.JobKind, t.InstanceKey)
	case t.Version > rec.Version:
		return fmt.Errorf("%w: token version %d is newer than checkpoint version %d", ErrTokenMismatch, t.Version, rec.Version)
	}
	return nil
}

package job

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/jobcontinue/job/store"
)

func TestContinuationToken_EncodeDecode(t *testing.T) {
	tok := tokenFromRecord(&store.Record{
		JobKind:      "groups",
		InstanceKey:  "2024-01",
		StageIndex:   1,
		Stage:        "members",
		Cursor:       json.RawMessage(`"A"`),
		OpenItem:     json.RawMessage(`"B"`),
		NestedCursor: json.RawMessage(`2`),
		Completed:    []int{0},
		Attempt:      3,
		Version:      17,
	})

	s, err := tok.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if strings.ContainsAny(s, "+/=") {
		t.Errorf("encoded token %q is not URL safe", s)
	}

	got, err := DecodeToken(s)
	if err != nil {
		t.Fatalf("DecodeToken failed: %v", err)
	}
	if got.InstanceKey != "2024-01" || got.Stage != "members" || got.Version != 17 || got.Attempt != 3 {
		t.Errorf("decoded %+v", got)
	}
	if string(got.OpenItem) != `"B"` || string(got.NestedCursor) != "2" {
		t.Errorf("nested position lost: open=%s nested=%s", got.OpenItem, got.NestedCursor)
	}

	key, ok, err := CursorAs[string](got)
	if err != nil || !ok || key != "A" {
		t.Errorf("CursorAs = %q, %v, %v", key, ok, err)
	}
}

func TestContinuationToken_IsACopy(t *testing.T) {
	rec := &store.Record{JobKind: "k", InstanceKey: "i", Cursor: json.RawMessage(`5`), Completed: []int{0}}
	tok := tokenFromRecord(rec)
	rec.Cursor[0] = '9'
	rec.Completed[0] = 4

	if string(tok.Cursor) != "5" || tok.Completed[0] != 0 {
		t.Errorf("token shares memory with the record: %+v", tok)
	}
}

func TestDecodeToken_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		mismatch bool
	}{
		{name: "not base64", input: "%%%"},
		{name: "not json", input: "bm90IGpzb24"},
		{name: "no instance", input: mustEncode(t, ContinuationToken{JobKind: "k"}), mismatch: true},
		{name: "no kind", input: mustEncode(t, ContinuationToken{InstanceKey: "i"}), mismatch: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeToken(tt.input)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrTokenMismatch) != tt.mismatch {
				t.Errorf("ErrTokenMismatch = %v, want %v (%v)", !tt.mismatch, tt.mismatch, err)
			}
		})
	}
}

func TestCursorAs(t *testing.T) {
	if _, ok, err := CursorAs[int](nil); ok || err != nil {
		t.Errorf("nil token: ok=%v err=%v", ok, err)
	}
	if _, ok, err := CursorAs[int](&ContinuationToken{}); ok || err != nil {
		t.Errorf("no cursor: ok=%v err=%v", ok, err)
	}
	if _, _, err := CursorAs[int](&ContinuationToken{Cursor: json.RawMessage(`"x"`)}); err == nil {
		t.Error("wrong key type: expected error")
	}
}

func mustEncode(t *testing.T, tok ContinuationToken) string {
	t.Helper()
	s, err := tok.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return s
}

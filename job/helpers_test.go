package job

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dshills/jobcontinue/job/store"
)

// recorder collects processed values across goroutines.
type recorder[T any] struct {
	mu  sync.Mutex
	got []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
}

func (r *recorder[T]) values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.got)
}

// observingStore records every successful save.
type observingStore struct {
	store.Store
	mu    sync.Mutex
	saves []store.Record
}

func (o *observingStore) Save(ctx context.Context, rec *store.Record) error {
	err := o.Store.Save(ctx, rec)
	if err == nil {
		o.mu.Lock()
		o.saves = append(o.saves, rec.Clone())
		o.mu.Unlock()
	}
	return err
}

func (o *observingStore) history() []store.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.saves)
}

// numbers returns keys and values 1..n.
func numbers(n int) SliceSource[int, int] {
	out := make(SliceSource[int, int], n)
	for i := range out {
		out[i] = Item[int, int]{Key: i + 1, Value: i + 1}
	}
	return out
}

func seq(from, to int) []int {
	var out []int
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

// countingDefinition is a single iterative stage over numbers(n).
func countingDefinition(t *testing.T, n int, process ProcessFunc[struct{}, int]) *Definition[struct{}] {
	t.Helper()
	def, err := Define[struct{}]("count").
		Then(Each("numbers", func(struct{}) Source[int, int] { return numbers(n) }, process)).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return def
}

func mustEngine[S any](t *testing.T, def *Definition[S], st store.Store, opts ...Option) *Engine[S] {
	t.Helper()
	engine, err := New(def, st, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return engine
}

func cursorOf(t *testing.T, raw json.RawMessage) int {
	t.Helper()
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("cursor %q is not an int: %v", raw, err)
	}
	return v
}

// fakeClock advances only when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

package job

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/dshills/jobcontinue/job/emit"
	"github.com/dshills/jobcontinue/job/store"
)

type group struct {
	Name    string
	Members int
}

// nestedFixture walks groups A, B and C with three members each and logs
// every member and finalization in order.
type nestedFixture struct {
	log      recorder[string]
	flag     Flag
	stopAt   string // member or "fin:<group>" entry that requests a stop
	dropped  string // group missing from the outer source
	failOnce string // member that fails transiently once
}

func (f *nestedFixture) definition(t *testing.T) *Definition[struct{}] {
	t.Helper()
	outer := func(struct{}) Source[string, group] {
		var src SliceSource[string, group]
		for _, name := range []string{"A", "B", "C"} {
			if name == f.dropped {
				continue
			}
			src = append(src, Item[string, group]{Key: name, Value: group{Name: name, Members: 3}})
		}
		return src
	}
	inner := func(g group, _ struct{}) Source[int, string] {
		var src SliceSource[int, string]
		for i := 1; i <= g.Members; i++ {
			src = append(src, Item[int, string]{Key: i, Value: fmt.Sprintf("%s%d", g.Name, i)})
		}
		return src
	}
	process := func(_ context.Context, member string, _ struct{}) error {
		if member == f.failOnce {
			f.failOnce = ""
			return Transient(errors.New("member service unavailable"))
		}
		f.log.add(member)
		if member == f.stopAt {
			f.flag.Request()
		}
		return nil
	}
	finalize := func(_ context.Context, g group, _ struct{}) error {
		entry := "fin:" + g.Name
		f.log.add(entry)
		if entry == f.stopAt {
			f.flag.Request()
		}
		return nil
	}

	def, err := Define[struct{}]("groups").
		Then(Nested("members", outer, inner, process, finalize)).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return def
}

func TestNested_ResumesInsideOpenOuterItem(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	f := &nestedFixture{stopAt: "B2"}
	engine := mustEngine(t, f.definition(t), st)

	res := engine.Run(ctx, "g", struct{}{}, &f.flag)
	if res.Status != Interrupted {
		t.Fatalf("expected Interrupted, got %v (%v)", res.Status, res.Err)
	}
	tok := res.Token
	if string(tok.Cursor) != `"A"` || string(tok.OpenItem) != `"B"` || string(tok.NestedCursor) != "2" {
		t.Errorf("token position cursor=%s open=%s nested=%s, want \"A\" \"B\" 2",
			tok.Cursor, tok.OpenItem, tok.NestedCursor)
	}
	firstLen := len(f.log.values())

	f.flag.Reset()
	res = engine.Run(ctx, "g", struct{}{}, &f.flag)
	if res.Status != Completed {
		t.Fatalf("expected Completed, got %v (%v)", res.Status, res.Err)
	}

	all := f.log.values()
	wantFirst := []string{"A1", "A2", "A3", "fin:A", "B1", "B2"}
	wantResume := []string{"B3", "fin:B", "C1", "C2", "C3", "fin:C"}
	if !slices.Equal(all[:firstLen], wantFirst) {
		t.Errorf("first attempt: %v, want %v", all[:firstLen], wantFirst)
	}
	if !slices.Equal(all[firstLen:], wantResume) {
		t.Errorf("resumed attempt: %v, want %v", all[firstLen:], wantResume)
	}
}

func TestNested_FinalizeRunsOnce(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		stopAt string
		want   []string
	}{
		{
			name:   "stop after finalize",
			stopAt: "fin:B",
			want:   []string{"A1", "A2", "A3", "fin:A", "B1", "B2", "B3", "fin:B", "C1", "C2", "C3", "fin:C"},
		},
		{
			name:   "stop after last inner item",
			stopAt: "B3",
			want:   []string{"A1", "A2", "A3", "fin:A", "B1", "B2", "B3", "fin:B", "C1", "C2", "C3", "fin:C"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &nestedFixture{stopAt: tt.stopAt}
			engine := mustEngine(t, f.definition(t), store.NewMemStore())

			if res := engine.Run(ctx, "g", struct{}{}, &f.flag); res.Status != Interrupted {
				t.Fatalf("expected Interrupted, got %v (%v)", res.Status, res.Err)
			}
			f.flag.Reset()
			if res := engine.Run(ctx, "g", struct{}{}, &f.flag); res.Status != Completed {
				t.Fatalf("expected Completed, got %v (%v)", res.Status, res.Err)
			}
			if got := f.log.values(); !slices.Equal(got, tt.want) {
				t.Errorf("log %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNested_FinalizeAdvanceClearsInnerCursor(t *testing.T) {
	ctx := context.Background()
	obs := &observingStore{Store: store.NewMemStore()}
	f := &nestedFixture{}
	engine := mustEngine(t, f.definition(t), obs)

	if res := engine.Run(ctx, "g", struct{}{}, Never); res.Status != Completed {
		t.Fatalf("expected Completed, got %v (%v)", res.Status, res.Err)
	}

	for i, rec := range obs.history() {
		hasOpen := len(rec.OpenItem) > 0
		hasNested := len(rec.NestedCursor) > 0
		if hasOpen != hasNested {
			t.Errorf("save %d: open item %s with inner cursor %s", i, rec.OpenItem, rec.NestedCursor)
		}
		if hasOpen && len(rec.Cursor) > 0 && string(rec.Cursor) >= string(rec.OpenItem) {
			t.Errorf("save %d: open item %s does not follow cursor %s", i, rec.OpenItem, rec.Cursor)
		}
	}
}

func TestNested_MissingOpenItem(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	f := &nestedFixture{stopAt: "B2"}
	engine := mustEngine(t, f.definition(t), st)

	if res := engine.Run(ctx, "g", struct{}{}, &f.flag); res.Status != Interrupted {
		t.Fatalf("expected Interrupted, got %v (%v)", res.Status, res.Err)
	}

	f.flag.Reset()
	f.dropped = "B"
	res := engine.Run(ctx, "g", struct{}{}, &f.flag)
	if !errors.Is(res.Err, ErrNonDeterministicSource) {
		t.Fatalf("expected ErrNonDeterministicSource, got %v", res.Err)
	}
	for _, entry := range f.log.values() {
		if entry == "C1" {
			t.Error("processed C while B was still open")
		}
	}
}

func TestNested_TransientFailureResumesInnerItem(t *testing.T) {
	ctx := context.Background()
	events := emit.NewBufferedEmitter()
	f := &nestedFixture{failOnce: "C2"}
	engine := mustEngine(t, f.definition(t), store.NewMemStore(), WithEmitter(events))

	res := engine.Run(ctx, "g", struct{}{}, Never)
	if !errors.Is(res.Err, ErrTransientItem) {
		t.Fatalf("expected ErrTransientItem, got %v", res.Err)
	}
	var je *JobError
	if errors.As(res.Err, &je) && string(je.Cursor) != `"B"` {
		t.Errorf("JobError cursor = %s, want \"B\"", je.Cursor)
	}

	if res := engine.Run(ctx, "g", struct{}{}, Never); res.Status != Completed {
		t.Fatalf("expected Completed, got %v (%v)", res.Status, res.Err)
	}
	want := []string{"A1", "A2", "A3", "fin:A", "B1", "B2", "B3", "fin:B", "C1", "C2", "C3", "fin:C"}
	if got := f.log.values(); !slices.Equal(got, want) {
		t.Errorf("log %v, want %v", got, want)
	}
	if n := events.Count("g", emit.EventJobFailed); n != 1 {
		t.Errorf("job_failed events = %d, want 1", n)
	}
}

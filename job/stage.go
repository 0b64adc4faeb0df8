package job

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
)

// ScalarFunc runs a scalar stage: it receives the accumulated state and
// returns the new one. It runs at most once per successful checkpoint, but a
// crash between return and save reruns it, so it must be safe to repeat.
type ScalarFunc[S any] func(ctx context.Context, state S) (S, error)

// ProcessFunc handles one item of an iterative stage.
//
// The engine guarantees at-least-once delivery per item and exactly-once
// cursor advance: an item whose side effects happened but whose cursor
// advance was not yet saved is delivered again after a crash. Side effects
// must be idempotent (upserts, natural keys) or tolerate rare duplicates.
type ProcessFunc[S, T any] func(ctx context.Context, item T, state S) error

// FinalizeFunc closes out an outer item of a nested stage after all of its
// inner items were processed. It runs exactly once per outer item as far as
// the checkpoint is concerned: the outer cursor advance is saved together
// with the cleared inner cursor.
type FinalizeFunc[S, T any] func(ctx context.Context, item T, state S) error

// Stage is one named step of a job definition. Stages are built with Step,
// Each, Nested and Manual, and optionally wrapped with Isolated.
type Stage[S any] interface {
	// Name identifies the stage within its definition.
	Name() string

	// Iterative reports whether the stage walks a work source with a cursor.
	Iterative() bool

	isolated() bool
	execute(ctx context.Context, r *runner[S]) error
}

// Step creates a scalar stage.
//
// Example:
//
//	job.Step("count", func(ctx context.Context, s State) (State, error) {
//	    n, err := countRows(ctx)
//	    s.Total = n
//	    return s, err
//	})
func Step[S any](name string, fn ScalarFunc[S]) Stage[S] {
	return &scalarStage[S]{name: name, fn: fn}
}

type scalarStage[S any] struct {
	name string
	fn   ScalarFunc[S]
}

func (s *scalarStage[S]) Name() string    { return s.name }
func (s *scalarStage[S]) Iterative() bool { return false }
func (s *scalarStage[S]) isolated() bool  { return false }

func (s *scalarStage[S]) execute(ctx context.Context, r *runner[S]) error {
	next, err := s.fn(ctx, r.state)
	if err != nil {
		return err
	}
	r.state = next
	return nil
}

// Each creates an iterative stage. source builds the work source from the
// accumulated state; process is called for every item after the saved cursor.
//
// Example:
//
//	job.Each("import", func(s State) job.Source[int64, Row] { return rows },
//	    func(ctx context.Context, r Row, s State) error { return upsert(ctx, r) })
func Each[S any, K cmp.Ordered, T any](name string, source func(S) Source[K, T], process ProcessFunc[S, T]) Stage[S] {
	return &eachStage[S, K, T]{name: name, source: source, process: process}
}

type eachStage[S any, K cmp.Ordered, T any] struct {
	name    string
	source  func(S) Source[K, T]
	process ProcessFunc[S, T]
}

func (s *eachStage[S, K, T]) Name() string    { return s.name }
func (s *eachStage[S, K, T]) Iterative() bool { return true }
func (s *eachStage[S, K, T]) isolated() bool  { return false }

func (s *eachStage[S, K, T]) execute(ctx context.Context, r *runner[S]) error {
	cursor, err := decodeKey[K](r.rec.Cursor)
	if err != nil {
		return err
	}
	src := s.source(r.state)

	for {
		items, err := src.After(ctx, cursor, r.cfg.pageSize)
		if err != nil {
			return &sourceError{err: err}
		}
		if len(items) == 0 {
			return nil
		}

		for _, it := range items {
			if err := checkOrder(cursor, it.Key); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			raw, err := encodeKey(it.Key)
			if err != nil {
				return err
			}
			if err := s.process(ctx, it.Value, r.state); err != nil {
				return err
			}

			key := it.Key
			cursor = &key
			if err := r.advance(ctx, raw, nil, nil); err != nil {
				return err
			}
		}
	}
}

// Nested creates a two-level iterative stage: for every outer item it walks
// the inner source built by inner, then calls finalize (which may be nil).
//
// The checkpoint keeps the last finished outer key plus the outer item in
// progress and its inner cursor. On resume the open outer item is re-read
// from the outer source and only its remaining inner items are processed.
//
// Example:
//
//	job.Nested("members",
//	    func(s State) job.Source[string, Group] { return groups },
//	    func(g Group, s State) job.Source[int, Member] { return job.SliceSource[int, Member](g.Members) },
//	    addMember,
//	    closeGroup,
//	)
func Nested[S any, K cmp.Ordered, T any, IK cmp.Ordered, IT any](
	name string,
	outer func(S) Source[K, T],
	inner func(T, S) Source[IK, IT],
	process ProcessFunc[S, IT],
	finalize FinalizeFunc[S, T],
) Stage[S] {
	return &nestedStage[S, K, T, IK, IT]{
		name:     name,
		outer:    outer,
		inner:    inner,
		process:  process,
		finalize: finalize,
	}
}

type nestedStage[S any, K cmp.Ordered, T any, IK cmp.Ordered, IT any] struct {
	name     string
	outer    func(S) Source[K, T]
	inner    func(T, S) Source[IK, IT]
	process  ProcessFunc[S, IT]
	finalize FinalizeFunc[S, T]
}

func (s *nestedStage[S, K, T, IK, IT]) Name() string    { return s.name }
func (s *nestedStage[S, K, T, IK, IT]) Iterative() bool { return true }
func (s *nestedStage[S, K, T, IK, IT]) isolated() bool  { return false }

func (s *nestedStage[S, K, T, IK, IT]) execute(ctx context.Context, r *runner[S]) error {
	cursor, err := decodeKey[K](r.rec.Cursor)
	if err != nil {
		return err
	}
	open, err := decodeKey[K](r.rec.OpenItem)
	if err != nil {
		return err
	}
	innerCursor, err := decodeKey[IK](r.rec.NestedCursor)
	if err != nil {
		return err
	}
	src := s.outer(r.state)

	for {
		items, err := src.After(ctx, cursor, r.cfg.pageSize)
		if err != nil {
			return &sourceError{err: err}
		}
		if len(items) == 0 {
			if open != nil {
				return fmt.Errorf("%w: open outer item %v no longer enumerated", ErrNonDeterministicSource, *open)
			}
			return nil
		}

		for _, it := range items {
			if err := checkOrder(cursor, it.Key); err != nil {
				return err
			}

			var start *IK
			if open != nil {
				if it.Key != *open {
					return fmt.Errorf("%w: expected open outer item %v, source yielded %v", ErrNonDeterministicSource, *open, it.Key)
				}
				start = innerCursor
				open, innerCursor = nil, nil
			}

			openRaw, err := encodeKey(it.Key)
			if err != nil {
				return err
			}
			if err := s.walkInner(ctx, r, it.Value, openRaw, start); err != nil {
				return err
			}

			if err := ctx.Err(); err != nil {
				return err
			}
			if s.finalize != nil {
				if err := s.finalize(ctx, it.Value, r.state); err != nil {
					return err
				}
			}

			key := it.Key
			cursor = &key
			if err := r.advance(ctx, openRaw, nil, nil); err != nil {
				return err
			}
		}
	}
}

func (s *nestedStage[S, K, T, IK, IT]) walkInner(ctx context.Context, r *runner[S], outer T, openRaw json.RawMessage, cursor *IK) error {
	src := s.inner(outer, r.state)
	for {
		items, err := src.After(ctx, cursor, r.cfg.pageSize)
		if err != nil {
			return &sourceError{err: err}
		}
		if len(items) == 0 {
			return nil
		}

		for _, it := range items {
			if err := checkOrder(cursor, it.Key); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			raw, err := encodeKey(it.Key)
			if err != nil {
				return err
			}
			if err := s.process(ctx, it.Value, r.state); err != nil {
				return err
			}

			key := it.Key
			cursor = &key
			if err := r.advance(ctx, r.rec.Cursor, openRaw, raw); err != nil {
				return err
			}
		}
	}
}

// StepCursor is handed to Manual stages. The callback reads the saved
// position with Cursor and reports progress with Advance.
type StepCursor[K cmp.Ordered] struct {
	adv    advancer
	cursor *K
}

// Cursor returns the last advanced key, or false if the stage has not
// advanced yet.
func (c *StepCursor[K]) Cursor() (K, bool) {
	if c.cursor == nil {
		var zero K
		return zero, false
	}
	return *c.cursor, true
}

// Advance records key as fully processed. Keys must be strictly increasing.
//
// Advance saves the checkpoint according to the engine's checkpoint policy
// and then polls for interruption. When it returns ErrInterrupted the
// callback must return immediately, passing the error through.
func (c *StepCursor[K]) Advance(ctx context.Context, key K) error {
	if err := checkOrder(c.cursor, key); err != nil {
		return err
	}
	raw, err := encodeKey(key)
	if err != nil {
		return err
	}
	c.cursor = &key
	return c.adv.advance(ctx, raw, nil, nil)
}

// Manual creates an iterative stage whose callback drives its own loop.
// It suits work that is not naturally a Source, such as paging a remote API
// with continuation keys.
//
// Example:
//
//	job.Manual("pages", func(ctx context.Context, c *job.StepCursor[int], s State) error {
//	    page, _ := c.Cursor()
//	    for page < s.Pages {
//	        page++
//	        if err := fetch(ctx, page); err != nil {
//	            return job.Transient(err)
//	        }
//	        if err := c.Advance(ctx, page); err != nil {
//	            return err
//	        }
//	    }
//	    return nil
//	})
func Manual[S any, K cmp.Ordered](name string, fn func(ctx context.Context, c *StepCursor[K], state S) error) Stage[S] {
	return &manualStage[S, K]{name: name, fn: fn}
}

type manualStage[S any, K cmp.Ordered] struct {
	name string
	fn   func(ctx context.Context, c *StepCursor[K], state S) error
}

func (s *manualStage[S, K]) Name() string    { return s.name }
func (s *manualStage[S, K]) Iterative() bool { return true }
func (s *manualStage[S, K]) isolated() bool  { return false }

func (s *manualStage[S, K]) execute(ctx context.Context, r *runner[S]) error {
	cursor, err := decodeKey[K](r.rec.Cursor)
	if err != nil {
		return err
	}
	return s.fn(ctx, &StepCursor[K]{adv: r, cursor: cursor}, r.state)
}

// Isolated makes st run in an attempt of its own: if earlier stages did work
// in the current attempt the engine checkpoints and interrupts before
// entering st, and it interrupts again right after st completes when more
// stages follow.
func Isolated[S any](st Stage[S]) Stage[S] {
	return &isolatedStage[S]{Stage: st}
}

type isolatedStage[S any] struct {
	Stage[S]
}

func (s *isolatedStage[S]) isolated() bool { return true }

func checkOrder[K cmp.Ordered](cursor *K, key K) error {
	if cursor != nil && key <= *cursor {
		return fmt.Errorf("%w: key %v does not follow cursor %v", ErrNonDeterministicSource, key, *cursor)
	}
	return nil
}

// encodeKey rejects keys that do not survive a JSON round trip, such as
// strings holding invalid UTF-8, so a resumed cursor is always the key that
// was recorded.
func encodeKey[K comparable](key K) (json.RawMessage, error) {
	raw, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot encode cursor: %w", ErrInvalidDefinition, err)
	}
	back, err := decodeKey[K](raw)
	if err != nil {
		return nil, err
	}
	if *back != key {
		return nil, fmt.Errorf("%w: cursor key %q does not round-trip through JSON", ErrInvalidDefinition, fmt.Sprint(key))
	}
	return raw, nil
}

func decodeKey[K any](raw json.RawMessage) (*K, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var key K
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("%w: cannot decode cursor %s: %w", ErrInvalidDefinition, raw, err)
	}
	return &key, nil
}

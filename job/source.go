package job

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"iter"
)

// Item is one unit of work with its ordering key.
type Item[K cmp.Ordered, T any] struct {
	Key   K
	Value T
}

// Source is an ordered, re-enumerable supply of work items.
//
// After returns up to limit items whose keys are strictly greater than
// cursor, in strictly increasing key order. A nil cursor means "from the
// beginning". An empty result means the source is exhausted.
//
// The same cursor must always yield the same items: the engine resumes by
// asking for everything after the last saved key, so a source whose order
// changes between calls would skip or repeat work. The engine verifies the
// ordering it observes and fails with ErrNonDeterministicSource otherwise.
type Source[K cmp.Ordered, T any] interface {
	After(ctx context.Context, cursor *K, limit int) ([]Item[K, T], error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc[K cmp.Ordered, T any] func(ctx context.Context, cursor *K, limit int) ([]Item[K, T], error)

// After calls f.
func (f SourceFunc[K, T]) After(ctx context.Context, cursor *K, limit int) ([]Item[K, T], error) {
	return f(ctx, cursor, limit)
}

// SliceSource serves items from memory. The slice should already be sorted
// by key; it is not re-sorted, so an unsorted slice is reported as a
// non-deterministic source.
type SliceSource[K cmp.Ordered, T any] []Item[K, T]

// After scans the slice for items after cursor.
func (s SliceSource[K, T]) After(_ context.Context, cursor *K, limit int) ([]Item[K, T], error) {
	out := make([]Item[K, T], 0, min(limit, len(s)))
	for _, it := range s {
		if cursor != nil && it.Key <= *cursor {
			continue
		}
		out = append(out, it)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Indexed returns a SliceSource keyed by each value's position, starting at 1.
//
// Example:
//
//	src := job.Indexed("a.csv", "b.csv", "c.csv") // keys 1, 2, 3
func Indexed[T any](values ...T) SliceSource[int, T] {
	out := make(SliceSource[int, T], len(values))
	for i, v := range values {
		out[i] = Item[int, T]{Key: i + 1, Value: v}
	}
	return out
}

// SeqSource adapts an iterator to the Source interface. Each call to After
// restarts the iterator and skips keys up to the cursor, so seq must be
// safe to range over repeatedly.
//
// Example:
//
//	src := job.SeqSource(maps.All(sortedMap))
func SeqSource[K cmp.Ordered, T any](seq iter.Seq2[K, T]) Source[K, T] {
	return SourceFunc[K, T](func(ctx context.Context, cursor *K, limit int) ([]Item[K, T], error) {
		var out []Item[K, T]
		for k, v := range seq {
			if cursor != nil && k <= *cursor {
				continue
			}
			out = append(out, Item[K, T]{Key: k, Value: v})
			if len(out) == limit {
				break
			}
		}
		return out, ctx.Err()
	})
}

// SQLSource pages through a table with keyset pagination.
//
// First is run when there is no cursor and receives the page size as its
// only argument. Next receives the cursor followed by the page size. Both
// queries must order by the key column ascending and filter strictly
// greater than the cursor. Placeholders follow the driver's dialect.
//
// Example (SQLite):
//
//	src := &job.SQLSource[int64, Row]{
//	    DB:    db,
//	    First: `SELECT id, name FROM rows ORDER BY id LIMIT ?`,
//	    Next:  `SELECT id, name FROM rows WHERE id > ? ORDER BY id LIMIT ?`,
//	    Scan: func(rows *sql.Rows) (job.Item[int64, Row], error) {
//	        var r Row
//	        err := rows.Scan(&r.ID, &r.Name)
//	        return job.Item[int64, Row]{Key: r.ID, Value: r}, err
//	    },
//	}
type SQLSource[K cmp.Ordered, T any] struct {
	DB    *sql.DB
	First string
	Next  string
	Scan  func(*sql.Rows) (Item[K, T], error)
}

// After runs First or Next and scans the page.
func (s *SQLSource[K, T]) After(ctx context.Context, cursor *K, limit int) ([]Item[K, T], error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = s.DB.QueryContext(ctx, s.First, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, s.Next, *cursor, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query work items: %w", err)
	}
	defer rows.Close()

	out := make([]Item[K, T], 0, limit)
	for rows.Next() {
		it, err := s.Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read work items: %w", err)
	}
	return out, nil
}

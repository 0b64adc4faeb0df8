package job

import (
	"fmt"
	"strings"
)

// Definition is an immutable, validated stage sequence for one job kind.
type Definition[S any] struct {
	kind   string
	stages []Stage[S]
}

// Kind returns the job kind. Checkpoints are keyed by kind and instance key.
func (d *Definition[S]) Kind() string { return d.kind }

// Stages returns the stage names in execution order.
func (d *Definition[S]) Stages() []string {
	names := make([]string, len(d.stages))
	for i, st := range d.stages {
		names[i] = st.Name()
	}
	return names
}

// Builder assembles a Definition. Builders are not safe for concurrent use.
type Builder[S any] struct {
	kind   string
	stages []Stage[S]
}

// Define starts a definition for the given job kind.
//
// Example:
//
//	def, err := job.Define[State]("import").
//	    Then(job.Step("count", count)).
//	    Then(job.Each("rows", rowsSource, importRow)).
//	    Build()
func Define[S any](kind string) *Builder[S] {
	return &Builder[S]{kind: kind}
}

// Then appends stages to the sequence.
func (b *Builder[S]) Then(stages ...Stage[S]) *Builder[S] {
	b.stages = append(b.stages, stages...)
	return b
}

// Build validates the sequence: the kind and every stage name must be
// non-empty, names must be unique, and at least one stage is required.
func (b *Builder[S]) Build() (*Definition[S], error) {
	if strings.TrimSpace(b.kind) == "" {
		return nil, fmt.Errorf("%w: job kind cannot be empty", ErrInvalidDefinition)
	}
	if len(b.stages) == 0 {
		return nil, fmt.Errorf("%w: %s has no stages", ErrInvalidDefinition, b.kind)
	}

	seen := make(map[string]int, len(b.stages))
	for i, st := range b.stages {
		if st == nil {
			return nil, fmt.Errorf("%w: stage %d of %s is nil", ErrInvalidDefinition, i, b.kind)
		}
		name := st.Name()
		if name == "" {
			return nil, fmt.Errorf("%w: stage %d of %s has no name", ErrInvalidDefinition, i, b.kind)
		}
		if prev, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate stage name %q at %d and %d", ErrInvalidDefinition, name, prev, i)
		}
		seen[name] = i
	}

	return &Definition[S]{
		kind:   b.kind,
		stages: append([]Stage[S](nil), b.stages...),
	}, nil
}

// MustBuild is like Build but panics on error. Intended for package-level
// definitions.
func (b *Builder[S]) MustBuild() *Definition[S] {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

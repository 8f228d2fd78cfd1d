package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a FallbackGroup fails or
// sits behind an open breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig configures the per-entry breaker created for each backend
// in a FallbackGroup. The Name field of Breaker is overwritten with each
// entry's own name.
type FallbackConfig struct {
	Breaker BreakerConfig
}

// entry pairs one backend with its dedicated breaker.
type entry[T any] struct {
	name    string
	backend T
	breaker *CircuitBreaker
}

// FallbackGroup holds a preferred backend and zero or more fallbacks of the
// same provider type. Calls try each healthy entry in registration order.
// Entries must all be registered before the first call; afterwards the
// group is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []entry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.add(primaryName, primary)
	return g
}

// AddFallback appends a backend tried after all earlier entries.
func (g *FallbackGroup[T]) AddFallback(name string, backend T) {
	g.add(name, backend)
}

func (g *FallbackGroup[T]) add(name string, backend T) {
	bc := g.cfg.Breaker
	bc.Name = name
	g.entries = append(g.entries, entry[T]{
		name:    name,
		backend: backend,
		breaker: NewCircuitBreaker(bc),
	})
}

// States reports each entry's breaker state by name, for health reporting.
func (g *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(g.entries))
	for i := range g.entries {
		out[g.entries[i].name] = g.entries[i].breaker.State()
	}
	return out
}

// Execute tries fn against each entry in order until one succeeds. Entries
// behind an open breaker are skipped. A cancelled ctx stops the walk
// without charging the remaining breakers. When every entry fails the last
// error is wrapped in ErrAllFailed.
func (g *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	var lastErr error
	for i := range g.entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("resilience: %w", err)
		}
		e := &g.entries[i]
		err := e.breaker.Execute(func() error {
			return fn(e.backend)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		logEntryFailure(e.name, err)
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExecuteWithResult is Execute for calls that produce a value. It is a
// package-level function because Go methods cannot take extra type
// parameters.
func ExecuteWithResult[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range g.entries {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("resilience: %w", err)
		}
		e := &g.entries[i]
		var result R
		err := e.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(e.backend)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		logEntryFailure(e.name, err)
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

func logEntryFailure(name string, err error) {
	if errors.Is(err, ErrCircuitOpen) {
		slog.Debug("resilience: backend skipped, circuit open", "backend", name)
		return
	}
	slog.Warn("resilience: backend failed, trying next", "backend", name, "error", err)
}

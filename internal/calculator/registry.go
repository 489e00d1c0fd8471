// Package calculator maps calculator type tags to Calculation Functions.
package calculator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownCalculator is returned when no function is registered for a type.
	ErrUnknownCalculator = errors.New("unknown calculator type")
	// ErrFatal marks an error that must halt the whole job instead of
	// failing only the current record.
	ErrFatal = errors.New("calculator unavailable")
)

// Func computes one result from one input. An error fails only that record
// unless it wraps ErrFatal.
type Func func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Fatal wraps err so the executor treats it as an engine-level failure.
func Fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsFatal reports whether err should fail the job.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// Registry is a concurrency-safe map of calculator type to Func.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// NewDefaultRegistry returns a registry holding the built-in calculators.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeCompoundInterest, CompoundInterest)
	r.Register(TypeLoan, Loan)
	return r
}

// Register adds or replaces the function for a calculator type.
func (r *Registry) Register(calculatorType string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[calculatorType] = fn
}

// Resolve looks up the function for a calculator type.
func (r *Registry) Resolve(calculatorType string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[calculatorType]
	if !ok || fn == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCalculator, calculatorType)
	}
	return fn, nil
}

// Types lists registered calculator types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

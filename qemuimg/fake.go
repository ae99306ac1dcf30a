package qemuimg

import (
	"context"
	"sync"
)

// Fake is an in-memory Runner for tests: canned answers, recorded calls,
// injectable failures.
type Fake struct {
	mu sync.Mutex

	// Measured is returned by Measure.
	Measured Measurement
	// InfoByPath is returned by Info, keyed on path.
	InfoByPath map[string]Info
	// RebaseErr fails Rebase when set.
	RebaseErr error
	// ConvertErr fails Convert when set.
	ConvertErr error

	// Rebases records every Rebase invocation in order.
	Rebases []RebaseSpec
	// Converts records every Convert invocation in order.
	Converts []ConvertSpec
	// Measures records every Measure invocation in order.
	Measures []MeasureSpec
}

// NewFake returns a Fake with zero-value answers.
func NewFake() *Fake {
	return &Fake{InfoByPath: make(map[string]Info)}
}

func (f *Fake) Info(ctx context.Context, path, format string) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.InfoByPath[path], nil
}

func (f *Fake) Measure(ctx context.Context, spec MeasureSpec) (Measurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Measures = append(f.Measures, spec)
	return f.Measured, nil
}

func (f *Fake) Rebase(ctx context.Context, spec RebaseSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RebaseErr != nil {
		return f.RebaseErr
	}
	f.Rebases = append(f.Rebases, spec)
	return nil
}

func (f *Fake) Convert(ctx context.Context, spec ConvertSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConvertErr != nil {
		return f.ConvertErr
	}
	f.Converts = append(f.Converts, spec)
	return nil
}

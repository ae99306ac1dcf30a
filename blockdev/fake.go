package blockdev

import (
	"context"
	"sync"
)

// Fake is an in-memory Manager for tests: tracked per-device sizes,
// recorded calls, injectable failures.
type Fake struct {
	mu sync.Mutex

	// Sizes holds the current allocation per device.
	Sizes map[string]int64
	// ExtendErr fails Extend when set.
	ExtendErr error
	// ReduceErr fails Reduce when set.
	ReduceErr error

	// Extends records every Extend invocation as device -> requested size.
	Extends []Resize
	// Reduces records every Reduce invocation.
	Reduces []Resize
}

// Resize is one recorded allocation change request.
type Resize struct {
	Device string
	Size   int64
}

// NewFake returns a Fake with no devices.
func NewFake() *Fake {
	return &Fake{Sizes: make(map[string]int64)}
}

func (f *Fake) Extend(ctx context.Context, device string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExtendErr != nil {
		return f.ExtendErr
	}
	f.Extends = append(f.Extends, Resize{Device: device, Size: size})
	if size > f.Sizes[device] {
		f.Sizes[device] = size
	}
	return nil
}

func (f *Fake) Reduce(ctx context.Context, device string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReduceErr != nil {
		return f.ReduceErr
	}
	f.Reduces = append(f.Reduces, Resize{Device: device, Size: size})
	f.Sizes[device] = size
	return nil
}

func (f *Fake) Size(ctx context.Context, device string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Sizes[device], nil
}

// Package blockdev wraps the block-allocation layer (LVM on block domains)
// behind a narrow extend/reduce/size interface. Like qemuimg, it is a black
// box with abort support via context cancellation; the coordination core
// never manipulates device mappings itself.
package blockdev

import (
	"context"
	"fmt"
	"strings"
)

// Manager is the allocation boundary the merge orchestration drives.
type Manager interface {
	// Extend grows the device's allocation to at least size bytes.
	// Shrinking requests are ignored by the layer.
	Extend(ctx context.Context, device string, size int64) error
	// Reduce shrinks the device's allocation to size bytes. The layer
	// refuses to cut below committed data.
	Reduce(ctx context.Context, device string, size int64) error
	// Size reports the device's current allocation in bytes.
	Size(ctx context.Context, device string) (int64, error)
}

// CommandError carries the failed invocation for operator diagnosis.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("lvm %s: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Output))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

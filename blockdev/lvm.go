package blockdev

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// LVM shells out to the lvm2 tools. Sizes are passed in bytes ("b" suffix);
// the volume group rounds up to extent granularity itself.
type LVM struct{}

// NewLVM returns a Manager over the system lvm tools.
func NewLVM() *LVM {
	return &LVM{}
}

func run(ctx context.Context, name string, args ...string) ([]byte, error) {
	log.Debug("lvm", "cmd", name, "args", args)
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, &CommandError{Args: append([]string{name}, args...), Output: string(out), Err: err}
	}
	return out, nil
}

// noopResize reports an lvextend/lvreduce refusal to perform a same-size
// resize, which callers treat as success.
func noopResize(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && strings.Contains(ce.Output, "matches existing size")
}

func (l *LVM) Extend(ctx context.Context, device string, size int64) error {
	_, err := run(ctx, "lvextend", "--size", fmt.Sprintf("%db", size), device)
	if err != nil && !noopResize(err) {
		return err
	}
	return nil
}

func (l *LVM) Reduce(ctx context.Context, device string, size int64) error {
	_, err := run(ctx, "lvreduce", "--force", "--size", fmt.Sprintf("%db", size), device)
	if err != nil && !noopResize(err) {
		return err
	}
	return nil
}

func (l *LVM) Size(ctx context.Context, device string) (int64, error) {
	out, err := run(ctx, "lvs", "--noheadings", "--nosuffix", "--units", "b", "-o", "lv_size", device)
	if err != nil {
		return 0, err
	}
	size, perr := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if perr != nil {
		return 0, fmt.Errorf("parsing lvs output %q: %w", strings.TrimSpace(string(out)), perr)
	}
	return size, nil
}

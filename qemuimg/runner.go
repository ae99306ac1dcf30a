package qemuimg

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"
	"os/exec"
)

// Runner is the tool boundary the merge orchestration drives.
type Runner interface {
	// Info describes an image.
	Info(ctx context.Context, path, format string) (Info, error)
	// Measure reports the space a merge/convert target needs.
	Measure(ctx context.Context, spec MeasureSpec) (Measurement, error)
	// Rebase repoints an image's backing file.
	Rebase(ctx context.Context, spec RebaseSpec) error
	// Convert copies an image.
	Convert(ctx context.Context, spec ConvertSpec) error
}

// Exec shells out to the qemu-img binary. Context cancellation kills the
// child process, which is the abort path for long-running operations.
type Exec struct {
	// Binary is the qemu-img path; empty means "qemu-img" on PATH.
	Binary string
}

// NewExec returns a Runner over the given binary path.
func NewExec(binary string) *Exec {
	return &Exec{Binary: binary}
}

func (e *Exec) binary() string {
	if e.Binary != "" {
		return e.Binary
	}
	return "qemu-img"
}

func (e *Exec) run(ctx context.Context, args ...string) ([]byte, error) {
	log.Debug("qemu-img", "args", args)
	cmd := exec.CommandContext(ctx, e.binary(), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, &CommandError{Args: args, Output: string(out), Err: err}
	}
	return out, nil
}

func (e *Exec) Info(ctx context.Context, path, format string) (Info, error) {
	args := []string{"info", "--output", "json"}
	if format != "" {
		args = append(args, "-f", format)
	}
	args = append(args, path)
	out, err := e.run(ctx, args...)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(out, &info); err != nil {
		return Info{}, fmt.Errorf("parsing qemu-img info output: %w", err)
	}
	return info, nil
}

func (e *Exec) Measure(ctx context.Context, spec MeasureSpec) (Measurement, error) {
	args := []string{"measure", "--output", "json", "-O", spec.OutputFormat}
	if spec.Format != "" {
		args = append(args, "-f", spec.Format)
	}
	args = append(args, spec.Path)
	out, err := e.run(ctx, args...)
	if err != nil {
		return Measurement{}, err
	}
	var m Measurement
	if err := json.Unmarshal(out, &m); err != nil {
		return Measurement{}, fmt.Errorf("parsing qemu-img measure output: %w", err)
	}
	return m, nil
}

func (e *Exec) Rebase(ctx context.Context, spec RebaseSpec) error {
	args := []string{"rebase"}
	if spec.Unsafe {
		args = append(args, "-u")
	}
	if spec.Format != "" {
		args = append(args, "-f", spec.Format)
	}
	args = append(args, "-b", spec.Backing)
	if spec.BackingFormat != "" {
		args = append(args, "-F", spec.BackingFormat)
	}
	args = append(args, spec.Path)
	_, err := e.run(ctx, args...)
	return err
}

func (e *Exec) Convert(ctx context.Context, spec ConvertSpec) error {
	args := []string{"convert", "-t", "none"}
	if spec.Compressed {
		args = append(args, "-c")
	}
	if spec.SourceFormat != "" {
		args = append(args, "-f", spec.SourceFormat)
	}
	args = append(args, "-O", spec.TargetFormat, spec.Source, spec.Target)
	_, err := e.run(ctx, args...)
	return err
}

// FormatOf maps a storage-layer format flag onto the tool's spelling.
func FormatOf(cow bool) string {
	if cow {
		return FormatQcow2
	}
	return FormatRaw
}

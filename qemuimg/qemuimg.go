// Package qemuimg wraps the external image tool behind a narrow interface.
// The coordination core never copies or rewrites image data itself; it
// measures, rebases and converts through here, treating the tool as a black
// box with abort support via context cancellation.
package qemuimg

import (
	"fmt"
	"strings"
)

// Format names as the external tool spells them.
const (
	FormatRaw   = "raw"
	FormatQcow2 = "qcow2"
)

// MeasureSpec asks how much space a target image of the given format needs
// to hold the source's data.
type MeasureSpec struct {
	// Source image path.
	Path string
	// Format of the source image ("" lets the tool probe; avoid for
	// untrusted images).
	Format string
	// OutputFormat is the prospective target format.
	OutputFormat string
}

// Measurement is the tool's space requirement answer.
type Measurement struct {
	// Required bytes for the target allocation.
	Required int64 `json:"required"`
	// FullyAllocated bytes if the target were preallocated.
	FullyAllocated int64 `json:"fully-allocated"`
	// Bitmaps bytes of dirty-bitmap metadata that migrate with the data.
	Bitmaps int64 `json:"bitmaps"`
}

// RebaseSpec repoints an image's backing file.
type RebaseSpec struct {
	// Path of the image whose backing link is rewritten.
	Path string
	// Format of that image.
	Format string
	// Backing is the new backing file path.
	Backing string
	// BackingFormat is the new backing file's format.
	BackingFormat string
	// Unsafe skips reading the old backing chain: metadata-only rewrite,
	// used when the data already matches (our merges copy data first).
	Unsafe bool
}

// ConvertSpec copies one image into another format/path.
type ConvertSpec struct {
	Source       string
	SourceFormat string
	Target       string
	TargetFormat string
	// Compressed applies target compression where the format supports it.
	Compressed bool
}

// Info is a subset of the tool's image description.
type Info struct {
	Format      string `json:"format"`
	VirtualSize int64  `json:"virtual-size"`
	ActualSize  int64  `json:"actual-size"`
	BackingFile string `json:"backing-filename"`
}

// CommandError carries the failed invocation for operator diagnosis.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("qemu-img %s: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Output))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

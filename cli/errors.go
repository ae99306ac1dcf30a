package cli

import (
	"errors"

	"github.com/virtstor/virtstor"
	"github.com/virtstor/virtstor/blockdev"
	"github.com/virtstor/virtstor/lease"
	"github.com/virtstor/virtstor/qemuimg"
	"github.com/virtstor/virtstor/rm"
	"github.com/virtstor/virtstor/storage"
)

// Classify wraps an operation error in a virtstor.Error carrying the coarse
// code the process exit status is derived from.
func Classify(err error) virtstor.Error {
	var (
		mismatch storage.GenerationMismatchError
		held     lease.HeldError
		qerr     *qemuimg.CommandError
		berr     *blockdev.CommandError
	)
	code := virtstor.Unknown
	switch {
	case errors.Is(err, rm.ErrTimeout) || errors.Is(err, rm.ErrResourceNotFound):
		code = virtstor.LockAcquisitionFailure
	case errors.As(err, &held):
		code = virtstor.LeaseFailure
	case errors.As(err, &qerr) || errors.As(err, &berr):
		code = virtstor.ToolFailure
	case errors.Is(err, storage.ErrMetadataNotFound) || errors.As(err, &mismatch):
		code = virtstor.MetadataIOFailure
	}
	return virtstor.Error{Code: code, Err: err}
}

// ExitCode maps an error onto the process exit status. Zero means success;
// one is the catch-all; the rest follow the virtstor error codes.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch Classify(err).Code {
	case virtstor.LockAcquisitionFailure:
		return 2
	case virtstor.MetadataIOFailure:
		return 3
	case virtstor.LeaseFailure:
		return 4
	case virtstor.ToolFailure:
		return 5
	}
	return 1
}

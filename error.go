package virtstor

import "fmt"

type ErrorCode int

const (
	Unknown ErrorCode = iota
	LockAcquisitionFailure
	MetadataIOFailure
	LeaseFailure
	ToolFailure
)

// Virtstor custom error.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Errorf("error code: %d, user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

func (e Error) Unwrap() error {
	return e.Err
}

package rm

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a blocking acquisition exceeds its timeout.
	ErrTimeout = errors.New("resource request timed out")
	// ErrAlreadyProcessed is returned when canceling a request that was
	// already granted or already canceled.
	ErrAlreadyProcessed = errors.New("request already processed")
	// ErrResourceNotFound is returned when the namespace factory reports
	// the requested name does not exist, or on releasing an unknown name.
	ErrResourceNotFound = errors.New("resource does not exist")
	// ErrNamespaceRegistered is returned on double namespace registration.
	ErrNamespaceRegistered = errors.New("namespace already registered")
	// ErrNamespaceNotRegistered is returned when addressing an unknown namespace.
	ErrNamespaceNotRegistered = errors.New("namespace not registered")
	// ErrNamespaceBusy is returned when unregistering a namespace that
	// still has live resources.
	ErrNamespaceBusy = errors.New("namespace has live resources")
	// ErrNotHeld is returned on releasing a resource with no active holders.
	ErrNotHeld = errors.New("resource is not held")
)

// InvalidNameError reports an illegal resource name.
type InvalidNameError struct {
	Name string
}

func (e InvalidNameError) Error() string {
	return fmt.Sprintf("invalid resource name %q", e.Name)
}

// InvalidNamespaceError reports an illegal namespace name.
type InvalidNamespaceError struct {
	Namespace string
}

func (e InvalidNamespaceError) Error() string {
	return fmt.Sprintf("invalid namespace name %q", e.Namespace)
}

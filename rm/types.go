package rm

import (
	"context"
	"regexp"
	"strings"
)

// Mode is the access mode a request asks for.
type Mode int

const (
	// Shared admits any number of concurrent holders.
	Shared Mode = iota
	// Exclusive admits exactly one holder.
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// Status is the externally observable state of a resource.
type Status int

const (
	// StatusFree means the resource has no holders (it does not exist in the broker).
	StatusFree Status = iota
	// StatusShared means one or more shared holders are active.
	StatusShared
	// StatusLocked means a single exclusive holder is active.
	StatusLocked
)

func (s Status) String() string {
	switch s {
	case StatusShared:
		return "shared"
	case StatusLocked:
		return "locked"
	}
	return "free"
}

// Backing is the object a granted resource carries. The broker owns its
// lifecycle: created on first acquisition, closed when the last holder
// releases and the queue is empty.
type Backing interface {
	Close() error
}

// ModeSwitcher is optionally implemented by backings that can change lock
// mode in place. When absent or failing, the broker closes and recreates
// the backing under the new mode.
type ModeSwitcher interface {
	SwitchMode(m Mode) error
}

// ResourceFactory creates and validates backing objects for one namespace.
type ResourceFactory interface {
	// Exists reports whether the named resource exists at all. A false
	// return fails acquisition with ErrResourceNotFound.
	Exists(ctx context.Context, name string) (bool, error)
	// Create builds the backing object for the named resource under the
	// given mode.
	Create(ctx context.Context, name string, mode Mode) (Backing, error)
}

var namespaceNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validNamespaceName reports whether name is a legal namespace identifier.
func validNamespaceName(name string) bool {
	return namespaceNameRe.MatchString(name)
}

// validResourceName reports whether name is a legal resource identifier.
// Resource names must be non-empty and free of whitespace and dots so the
// composite "<namespace>.<name>" address stays unambiguous.
func validResourceName(name string) bool {
	if name == "" {
		return false
	}
	if strings.ContainsAny(name, " \t\n\r.") {
		return false
	}
	return true
}

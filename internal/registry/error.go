package registry

import (
	"errors"
	"fmt"

	"github.com/ekisa-team/exitproxy/internal/region"
)

// Error definitions for the registry package.
var (
	ErrBackendUnavailable = errors.New("registry: backend unavailable")
	ErrDefaultBootstrap   = errors.New("registry: default backend failed to bootstrap")
	ErrCapacity           = errors.New("registry: instance limit reached")
	ErrClosed             = errors.New("registry: closed")
	ErrNotStarted         = errors.New("registry: default backend not started")
)

// CreationError is returned to every caller that waited on a failed region
// instance creation. It matches both ErrBackendUnavailable and the cause.
type CreationError struct {
	Region region.Code
	Err    error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("registry: backend for region %s unavailable: %v", e.Region, e.Err)
}

func (e *CreationError) Unwrap() []error {
	return []error{ErrBackendUnavailable, e.Err}
}

package backend

import "errors"

// Error definitions for the backend package.
var (
	ErrBootstrapTimeout  = errors.New("backend: bootstrap timed out")
	ErrExitedEarly       = errors.New("backend: process exited before bootstrap")
	ErrInvalidTransition = errors.New("backend: invalid status transition")
	ErrDataDir           = errors.New("backend: cannot prepare data directory")
	ErrSpawn             = errors.New("backend: failed to start process")
)

package registry

import (
	"time"

	"github.com/ekisa-team/exitproxy/internal/backend"
	"github.com/ekisa-team/exitproxy/internal/region"
)

// Event describes one change in a backend instance's lifecycle.
type Event struct {
	Region region.Code
	Status backend.Status
	Port   int

	// Elapsed is the time spent bootstrapping. Set for Ready and Failed.
	Elapsed time.Duration

	// Err is the failure cause, or the exit error when Exited is set.
	Err error

	// Exited reports that a Ready instance's process went away on its own.
	// The instance keeps its Ready status; it is neither restarted nor evicted.
	Exited bool
}

// Observer is notified of registry events. Implementations must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ev Event) { f(ev) }

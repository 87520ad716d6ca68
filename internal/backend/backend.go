package backend

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ekisa-team/exitproxy/internal/region"
)

// Status is the lifecycle state of a backend instance.
type Status int

const (
	// StatusStarting means the process was spawned and is bootstrapping.
	StatusStarting Status = iota

	// StatusReady means the bootstrap marker was seen; the SOCKS port is usable.
	StatusReady

	// StatusFailed means bootstrap timed out or the process exited first. Terminal.
	StatusFailed

	// StatusStopped means termination was requested by the supervisor. Terminal.
	StatusStopped
)

// transitions lists every legal Status change. Anything else is rejected.
var transitions = map[Status][]Status{
	StatusStarting: {StatusReady, StatusFailed},
	StatusReady:    {StatusStopped},
}

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for _, candidate := range []Status{StatusStarting, StatusReady, StatusFailed, StatusStopped} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("backend: unknown status %q", text)
}

func (s Status) canTransition(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Instance is one egress process plus the loopback SOCKS5 port it serves.
// The instance exclusively owns the process and is the only party that
// terminates it.
type Instance struct {
	spec      Spec
	proc      Process
	logger    *slog.Logger
	startedAt time.Time
	exited    chan struct{}

	mu      sync.Mutex
	status  Status
	readyAt time.Time
	err     error
	exitErr error
}

// Info is a point-in-time view of an instance.
type Info struct {
	StartedAt time.Time `json:"started_at"`
	ReadyAt   time.Time `json:"ready_at,omitzero"`
	Region    string    `json:"region"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
}

// NewInstance wraps an already started process. The instance begins in
// StatusStarting and starts waiting on the process in the background.
func NewInstance(spec Spec, proc Process, logger *slog.Logger) *Instance {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	inst := &Instance{
		spec:      spec,
		proc:      proc,
		logger:    logger,
		startedAt: time.Now(),
		exited:    make(chan struct{}),
		status:    StatusStarting,
	}
	go inst.wait()

	return inst
}

// Region returns the exit region, or region.Default for the default route.
func (i *Instance) Region() region.Code {
	return i.spec.Region
}

// Port returns the loopback SOCKS5 port.
func (i *Instance) Port() int {
	return i.spec.Port
}

// Status returns the current lifecycle state.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.status
}

// Err returns the failure reason once the instance is StatusFailed.
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.err
}

// Exited is closed once the process has exited, for any reason.
func (i *Instance) Exited() <-chan struct{} {
	return i.exited
}

// ExitErr returns the process exit error. Only meaningful after Exited is closed.
func (i *Instance) ExitErr() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.exitErr
}

// Info returns a snapshot suitable for status reporting.
func (i *Instance) Info() Info {
	i.mu.Lock()
	defer i.mu.Unlock()

	info := Info{
		Region:    i.spec.Region.String(),
		Port:      i.spec.Port,
		Status:    i.status,
		StartedAt: i.startedAt,
		ReadyAt:   i.readyAt,
		PID:       i.proc.Pid(),
	}
	if i.err != nil {
		info.Error = i.err.Error()
	}

	return info
}

// MarkReady moves the instance from StatusStarting to StatusReady.
func (i *Instance) MarkReady() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.transitionLocked(StatusReady); err != nil {
		return err
	}
	i.readyAt = time.Now()

	return nil
}

// MarkFailed moves the instance from StatusStarting to StatusFailed and
// force-kills the process.
func (i *Instance) MarkFailed(cause error) error {
	i.mu.Lock()
	if err := i.transitionLocked(StatusFailed); err != nil {
		i.mu.Unlock()
		return err
	}
	i.err = cause
	i.mu.Unlock()

	if err := i.proc.Kill(); err != nil {
		i.logger.Debug("Failed to kill backend process", "error", err)
	}

	return nil
}

// Stop requests graceful termination of a ready instance without waiting
// for the process to exit.
func (i *Instance) Stop() error {
	i.mu.Lock()
	if err := i.transitionLocked(StatusStopped); err != nil {
		i.mu.Unlock()
		return err
	}
	i.mu.Unlock()

	if err := i.proc.Terminate(); err != nil {
		return fmt.Errorf("backend: terminate %s: %w", i.spec.Region, err)
	}

	return nil
}

func (i *Instance) transitionLocked(to Status) error {
	if !i.status.canTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.status, to)
	}
	i.status = to

	return nil
}

// wait reaps the process and publishes its exit.
func (i *Instance) wait() {
	err := i.proc.Wait()

	i.mu.Lock()
	i.exitErr = err
	i.mu.Unlock()

	close(i.exited)
}

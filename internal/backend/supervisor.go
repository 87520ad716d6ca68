package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ekisa-team/exitproxy/internal/xfs"
)

const (
	// DefaultBootstrapMarker is printed by tor once its circuits are usable.
	DefaultBootstrapMarker = "Bootstrapped 100%"

	defaultBootstrapTimeout = 3 * time.Minute

	maxOutputLine  = 64 * 1024
	outputReadSize = 4096
)

// SupervisorConfig defines how egress processes are launched.
type SupervisorConfig struct {
	// Binary is the egress executable.
	Binary string

	// Runner starts processes. Defaults to ExecCommandRunner.
	Runner CommandRunner

	// BootstrapMarker is the readiness line to look for in the output.
	// Defaults to DefaultBootstrapMarker.
	BootstrapMarker string

	// Logger receives lifecycle events and the mirrored process output.
	Logger *slog.Logger
}

// Supervisor spawns egress processes and watches them through bootstrap.
type Supervisor struct {
	runner CommandRunner
	binary string
	marker string
	logger *slog.Logger
}

// NewSupervisor initializes a Supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	runner := cfg.Runner
	if runner == nil {
		runner = ExecCommandRunner{}
	}

	marker := cfg.BootstrapMarker
	if marker == "" {
		marker = DefaultBootstrapMarker
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Supervisor{
		runner: runner,
		binary: cfg.Binary,
		marker: marker,
		logger: logger.With("component", "supervisor"),
	}
}

// Start launches the instance described by spec and blocks until it reports
// bootstrap completion. If the process exits first, the deadline elapses or
// ctx is cancelled, the process is killed and the error wraps
// ErrExitedEarly, ErrBootstrapTimeout or the context error respectively.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Instance, error) {
	log := s.logger.With("region", spec.Region.String(), "port", spec.Port)

	if !spec.IsDefault() {
		if err := xfs.EnsurePrivateDir(spec.DataDir); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDataDir, err)
		}
	}

	proc, err := s.runner.Start(ctx, s.binary, spec.Args())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, s.binary, err)
	}

	inst := NewInstance(spec, proc, log)
	log.Info("Backend process started", "pid", proc.Pid())

	ready := make(chan struct{})
	go s.watchOutput(proc.Output(), ready, log)

	timeout := spec.BootstrapTimeout
	if timeout <= 0 {
		timeout = defaultBootstrapTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case <-ready:
		if err := inst.MarkReady(); err != nil {
			return nil, err
		}
		log.Info("Backend bootstrapped", "elapsed", time.Since(inst.startedAt).Round(time.Millisecond))
		return inst, nil

	case <-inst.Exited():
		cause = fmt.Errorf("%w: %v", ErrExitedEarly, exitReason(inst.ExitErr()))

	case <-timer.C:
		cause = fmt.Errorf("%w after %s", ErrBootstrapTimeout, timeout)

	case <-ctx.Done():
		cause = ctx.Err()
	}

	if err := inst.MarkFailed(cause); err != nil {
		log.Warn("Failed to mark backend failed", "error", err)
	}
	log.Error("Backend failed to bootstrap", "error", cause)

	return nil, cause
}

// watchOutput mirrors every output line to the logger and closes ready the
// first time the bootstrap marker appears. Lines longer than maxOutputLine
// are logged truncated but still searched in full, including a marker that
// spans two reads. It drains until EOF so the process never blocks on a
// full pipe.
func (s *Supervisor) watchOutput(output io.ReadCloser, ready chan<- struct{}, log *slog.Logger) {
	defer output.Close()

	marker := []byte(s.marker)
	br := bufio.NewReaderSize(output, outputReadSize)

	var (
		line      []byte
		truncated bool
		tail      []byte
		window    []byte
		signalled bool
	)
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("Backend output read stopped", "error", err)
			}
			return
		}

		if !signalled {
			window = append(append(window[:0], tail...), chunk...)
			if bytes.Contains(window, marker) {
				signalled = true
				close(ready)
			}
			keep := min(len(marker)-1, len(window))
			tail = append(tail[:0], window[len(window)-keep:]...)
		}

		if len(line)+len(chunk) > maxOutputLine {
			truncated = true
		}
		if room := maxOutputLine - len(line); room > 0 {
			line = append(line, chunk[:min(room, len(chunk))]...)
		}
		if isPrefix {
			continue
		}

		if truncated {
			log.Info("Backend output", "line", string(line), "truncated", true)
		} else {
			log.Info("Backend output", "line", string(line))
		}
		line, truncated, tail = line[:0], false, tail[:0]
	}
}

func exitReason(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

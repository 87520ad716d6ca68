package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a running egress program.
type Process interface {
	// Output is the combined stdout and stderr stream. It reaches EOF once
	// the process and every holder of its output pipe have exited.
	Output() io.ReadCloser

	// Wait blocks until the process exits. It is called exactly once.
	Wait() error

	// Terminate asks the process to exit gracefully.
	Terminate() error

	// Kill forcibly stops the process.
	Kill() error

	// Pid returns the OS process id, or 0 when not applicable.
	Pid() int
}

// CommandRunner is the interface for starting egress processes.
type CommandRunner interface {
	Start(ctx context.Context, name string, args []string) (Process, error)
}

// ExecCommandRunner uses os/exec.
type ExecCommandRunner struct{}

// Start starts a command with stdout and stderr joined on one pipe. The
// process is not tied to ctx; it lives until terminated.
func (ExecCommandRunner) Start(ctx context.Context, name string, args []string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}

	cmd := exec.Command(name, args...)
	cmd.Stdin = nil
	cmd.Stdout = w
	cmd.Stderr = w
	setupProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, err
	}

	// The child holds its own copy of the write end.
	_ = w.Close()

	return &execProcess{cmd: cmd, output: r}, nil
}

// CheckBinary verifies that the egress executable exists and is not a directory.
func CheckBinary(path string) error {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return fmt.Errorf("backend: binary not found: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return fmt.Errorf("backend: binary not found: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("backend: binary %s is a directory", resolved)
	}

	return nil
}

type execProcess struct {
	cmd    *exec.Cmd
	output *os.File
}

func (p *execProcess) Output() io.ReadCloser {
	return p.output
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Terminate() error {
	return terminateProcessGroup(p.cmd)
}

func (p *execProcess) Kill() error {
	return killProcessGroup(p.cmd)
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

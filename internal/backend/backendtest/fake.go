// Package backendtest provides a scripted stand-in for the egress program so
// the supervisor, registry and dispatcher can be exercised without tor.
package backendtest

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net"
	"sync"

	socks5 "github.com/armon/go-socks5"
	"github.com/ekisa-team/exitproxy/internal/backend"
)

// BootstrapLine is what the scripts print to signal readiness.
const BootstrapLine = "Oct 19 12:00:00.000 [notice] Bootstrapped 100% (done): Done"

var (
	errTerminated = errors.New("signal: terminated")
	errKilled     = errors.New("signal: killed")
)

// Script drives a fake process after it has been started.
type Script func(p *Process, args []string)

// Process is an in-memory backend.Process.
type Process struct {
	out  *io.PipeReader
	w    *io.PipeWriter
	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	exitErr    error
	terminated bool
	killed     bool
	onExit     []func()
}

var _ backend.Process = (*Process)(nil)

// NewProcess returns a running fake process.
func NewProcess() *Process {
	r, w := io.Pipe()
	return &Process{out: r, w: w, done: make(chan struct{})}
}

// Output implements backend.Process.
func (p *Process) Output() io.ReadCloser { return p.out }

// Wait implements backend.Process.
func (p *Process) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Terminate implements backend.Process. The fake exits immediately.
func (p *Process) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.Exit(errTerminated)
	return nil
}

// Kill implements backend.Process.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(errKilled)
	return nil
}

// Pid implements backend.Process.
func (p *Process) Pid() int { return 0 }

// Println writes one output line. It returns false once the process exited.
func (p *Process) Println(line string) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	_, err := io.WriteString(p.w, line+"\n")
	return err == nil
}

// Exit ends the process with err. Later calls are no-ops.
func (p *Process) Exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exitErr = err
		hooks := p.onExit
		p.mu.Unlock()

		_ = p.w.Close()
		close(p.done)
		for _, fn := range hooks {
			fn()
		}
	})
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// Terminated reports whether Terminate was called.
func (p *Process) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// OnExit registers fn to run when the process exits.
func (p *Process) OnExit(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExit = append(p.onExit, fn)
}

// Start records one Runner.Start call.
type Start struct {
	Name string
	Args []string
}

// Runner is a backend.CommandRunner that starts fake processes.
type Runner struct {
	// Script runs for every started process. Defaults to Bootstrap.
	Script Script

	// StartErr, when set, makes every Start fail.
	StartErr error

	mu     sync.Mutex
	starts []Start
	procs  []*Process
}

var _ backend.CommandRunner = (*Runner)(nil)

// Start implements backend.CommandRunner.
func (r *Runner) Start(ctx context.Context, name string, args []string) (backend.Process, error) {
	r.mu.Lock()
	r.starts = append(r.starts, Start{Name: name, Args: append([]string(nil), args...)})
	startErr := r.StartErr
	script := r.Script
	r.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if script == nil {
		script = Bootstrap
	}

	p := NewProcess()
	r.mu.Lock()
	r.procs = append(r.procs, p)
	r.mu.Unlock()

	go script(p, args)

	return p, nil
}

// Starts returns every recorded Start call.
func (r *Runner) Starts() []Start {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Start(nil), r.starts...)
}

// Processes returns every process started so far.
func (r *Runner) Processes() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Process(nil), r.procs...)
}

// Bootstrap prints progress and the readiness marker, then idles.
func Bootstrap(p *Process, _ []string) {
	p.Println("Oct 19 12:00:00.000 [notice] Bootstrapped 5% (conn): Connecting to a relay")
	p.Println(BootstrapLine)
}

// ExitEarly prints a warning and exits with status 1 before bootstrap.
func ExitEarly(p *Process, _ []string) {
	p.Println("Oct 19 12:00:00.000 [err] Reading config failed")
	p.Exit(errors.New("exit status 1"))
}

// Hang never bootstraps; it waits to be killed.
func Hang(p *Process, _ []string) {
	p.Println("Oct 19 12:00:00.000 [notice] Bootstrapped 10% (conn_done): Connected to a relay")
}

// Gated holds script until release is closed, unless the process is killed first.
func Gated(release <-chan struct{}, script Script) Script {
	return func(p *Process, args []string) {
		select {
		case <-release:
			script(p, args)
		case <-p.Done():
		}
	}
}

// ServeSOCKS starts a real SOCKS5 server on the port the process was asked
// to listen on, then bootstraps. The default instance ("-f torrc") has no
// port on its command line and listens on defaultAddr instead. The server
// stops when the process exits.
func ServeSOCKS(defaultAddr string) Script {
	return func(p *Process, args []string) {
		addr, ok := SocksAddr(args)
		if !ok {
			addr = defaultAddr
		}

		server, err := socks5.New(&socks5.Config{Logger: log.New(io.Discard, "", 0)})
		if err != nil {
			p.Exit(err)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			p.Println("[err] could not bind SOCKS port " + addr)
			p.Exit(err)
			return
		}
		p.OnExit(func() { _ = ln.Close() })

		go func() { _ = server.Serve(ln) }()

		Bootstrap(p, args)
	}
}

// SocksAddr extracts the --SocksPort value from an egress command line.
func SocksAddr(args []string) (string, bool) {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "--SocksPort" {
			return args[i+1], true
		}
	}
	return "", false
}

// ReadyInstance wraps a fresh fake process in a Ready instance.
func ReadyInstance(spec backend.Spec) (*backend.Instance, *Process) {
	p := NewProcess()
	inst := backend.NewInstance(spec, p, slog.New(slog.DiscardHandler))
	_ = inst.MarkReady()
	return inst, p
}

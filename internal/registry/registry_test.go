package registry_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ekisa-team/exitproxy/internal/backend"
	"github.com/ekisa-team/exitproxy/internal/backend/backendtest"
	"github.com/ekisa-team/exitproxy/internal/region"
	"github.com/ekisa-team/exitproxy/internal/registry"
)

// --- Helpers ---

type MockStarter struct {
	mock.Mock
}

func (m *MockStarter) Start(ctx context.Context, spec backend.Spec) (*backend.Instance, error) {
	args := m.Called(ctx, spec)
	if inst, ok := args.Get(0).(*backend.Instance); ok {
		return inst, args.Error(1)
	}
	return nil, args.Error(1)
}

type recorder struct {
	mu     sync.Mutex
	events []registry.Event
}

func (r *recorder) Observe(ev registry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []registry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registry.Event(nil), r.events...)
}

// regionsOnly applies script to region instances; the default instance
// always bootstraps.
func regionsOnly(script backendtest.Script) backendtest.Script {
	return func(p *backendtest.Process, args []string) {
		if _, ok := backendtest.SocksAddr(args); !ok {
			backendtest.Bootstrap(p, args)
			return
		}
		script(p, args)
	}
}

func newRegistry(t *testing.T, runner *backendtest.Runner, mutate ...func(*registry.Options)) *registry.Registry {
	t.Helper()

	opts := registry.Options{
		Supervisor: backend.NewSupervisor(backend.SupervisorConfig{
			Binary: "tor",
			Runner: runner,
			Logger: slog.New(slog.DiscardHandler),
		}),
		Ports:                   backend.NewPortAllocator(9152, 9150),
		DefaultPort:             9150,
		DefaultConfigPath:       "/etc/tor/torrc",
		DefaultBootstrapTimeout: 2 * time.Second,
		DataDir:                 t.TempDir(),
		BootstrapTimeout:        2 * time.Second,
		MaxInstances:            registry.DefaultMaxInstances,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	reg := registry.New(opts)
	require.NoError(t, reg.Start(context.Background()))

	return reg
}

func regionStarts(runner *backendtest.Runner, code string) int {
	n := 0
	for _, s := range runner.Starts() {
		for _, a := range s.Args {
			if a == "{"+code+"}" {
				n++
			}
		}
	}
	return n
}

// --- Tests ---

func TestRegistry_DefaultRoute(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := &backendtest.Runner{}
	reg := newRegistry(t, runner)
	defer reg.Shutdown()

	for _, hint := range []string{"", "default", "ANY", "abc", "1a", " "} {
		port, err := reg.Resolve(context.Background(), hint)
		require.NoError(t, err, hint)
		assert.Equal(t, 9150, port, hint)
	}

	// Start is idempotent.
	require.NoError(t, reg.Start(context.Background()))
	assert.Len(t, runner.Starts(), 1)
	assert.True(t, reg.Healthy())
}

func TestRegistry_ConcurrentResolveSharesOneCreation(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	runner := &backendtest.Runner{Script: regionsOnly(backendtest.Gated(release, backendtest.Bootstrap))}
	reg := newRegistry(t, runner)
	defer reg.Shutdown()

	const callers = 16
	ports := make([]int, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ports[i], errs[i] = reg.Resolve(context.Background(), "DE")
		}()
	}

	require.Eventually(t, func() bool { return regionStarts(runner, "de") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, 9152, ports[i])
	}
	assert.Equal(t, 1, regionStarts(runner, "de"))

	// Later calls reuse the live instance.
	port, err := reg.Resolve(context.Background(), "de")
	require.NoError(t, err)
	assert.Equal(t, 9152, port)
	assert.Equal(t, 1, regionStarts(runner, "de"))
}

func TestRegistry_ConcurrentResolveSharesFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	runner := &backendtest.Runner{Script: regionsOnly(backendtest.Gated(release, backendtest.ExitEarly))}
	reg := newRegistry(t, runner)
	defer reg.Shutdown()

	const callers = 8
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = reg.Resolve(context.Background(), "fr")
		}()
	}

	require.Eventually(t, func() bool { return regionStarts(runner, "fr") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, registry.ErrBackendUnavailable)
		assert.ErrorIs(t, err, backend.ErrExitedEarly)

		var cerr *registry.CreationError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, region.Code("fr"), cerr.Region)
	}
	assert.Equal(t, 1, regionStarts(runner, "fr"))

	snap := reg.Snapshot()
	require.Len(t, snap.Failures, 1)
	assert.Equal(t, "fr", snap.Failures[0].Region)
	assert.Len(t, snap.Instances, 1)
}

func TestRegistry_RetryAfterFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	var attempts atomic.Int32
	runner := &backendtest.Runner{Script: regionsOnly(func(p *backendtest.Process, args []string) {
		if attempts.Add(1) == 1 {
			backendtest.ExitEarly(p, args)
			return
		}
		backendtest.Bootstrap(p, args)
	})}
	reg := newRegistry(t, runner)
	defer reg.Shutdown()

	_, err := reg.Resolve(context.Background(), "nl")
	require.ErrorIs(t, err, registry.ErrBackendUnavailable)

	// Nothing is retained after a failure; the next request starts over on
	// a fresh port.
	port, err := reg.Resolve(context.Background(), "nl")
	require.NoError(t, err)
	assert.Equal(t, 9153, port)
	assert.Equal(t, 2, regionStarts(runner, "nl"))
}

func TestRegistry_RegionIsolation(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := &backendtest.Runner{Script: regionsOnly(func(p *backendtest.Process, args []string) {
		if strings.Contains(strings.Join(args, " "), "{ru}") {
			backendtest.ExitEarly(p, args)
			return
		}
		backendtest.Bootstrap(p, args)
	})}
	reg := newRegistry(t, runner)
	defer reg.Shutdown()

	var (
		wg             sync.WaitGroup
		ruErr, usErr   error
		usPort, caPort int
		caErr          error
	)
	wg.Add(3)
	go func() { defer wg.Done(); _, ruErr = reg.Resolve(context.Background(), "ru") }()
	go func() { defer wg.Done(); usPort, usErr = reg.Resolve(context.Background(), "us") }()
	go func() { defer wg.Done(); caPort, caErr = reg.Resolve(context.Background(), "ca") }()
	wg.Wait()

	assert.ErrorIs(t, ruErr, registry.ErrBackendUnavailable)
	require.NoError(t, usErr)
	require.NoError(t, caErr)
	assert.NotEqual(t, usPort, caPort)
	assert.Greater(t, usPort, 9150)
	assert.Greater(t, caPort, 9150)

	snap := reg.Snapshot()
	require.Len(t, snap.Instances, 3)
	assert.Equal(t, "default", snap.Instances[0].Region)
	assert.Equal(t, "ca", snap.Instances[1].Region)
	assert.Equal(t, "us", snap.Instances[2].Region)
}

func TestRegistry_Capacity(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := &backendtest.Runner{}
	reg := newRegistry(t, runner, func(o *registry.Options) { o.MaxInstances = 1 })
	defer reg.Shutdown()

	_, err := reg.Resolve(context.Background(), "de")
	require.NoError(t, err)

	_, err = reg.Resolve(context.Background(), "fr")
	assert.ErrorIs(t, err, registry.ErrCapacity)
	assert.ErrorIs(t, err, registry.ErrBackendUnavailable)
	assert.Equal(t, 0, regionStarts(runner, "fr"))

	// The live instance is still served at the limit.
	_, err = reg.Resolve(context.Background(), "de")
	require.NoError(t, err)

	reg.SetMaxInstances(0)
	_, err = reg.Resolve(context.Background(), "fr")
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Snapshot().MaxInstances)
}

func TestRegistry_AbandonedWaiterDoesNotCancelCreation(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	runner := &backendtest.Runner{Script: regionsOnly(backendtest.Gated(release, backendtest.Bootstrap))}
	reg := newRegistry(t, runner)
	defer reg.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := reg.Resolve(ctx, "se")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool { return len(reg.Snapshot().Instances) == 2 }, time.Second, 5*time.Millisecond)

	port, err := reg.Resolve(context.Background(), "se")
	require.NoError(t, err)
	assert.Equal(t, 9152, port)
	assert.Equal(t, 1, regionStarts(runner, "se"))
}

func TestRegistry_ShutdownStopsEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := &backendtest.Runner{}
	reg := newRegistry(t, runner)

	for _, hint := range []string{"de", "fr"} {
		_, err := reg.Resolve(context.Background(), hint)
		require.NoError(t, err)
	}

	reg.Shutdown()
	reg.Shutdown()

	procs := runner.Processes()
	require.Len(t, procs, 3)
	for _, p := range procs {
		assert.True(t, p.Terminated())
	}

	_, err := reg.Resolve(context.Background(), "de")
	assert.ErrorIs(t, err, registry.ErrClosed)
	assert.False(t, reg.Healthy())
}

func TestRegistry_ShutdownAbortsPendingCreation(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := &backendtest.Runner{Script: regionsOnly(backendtest.Hang)}
	reg := newRegistry(t, runner)

	errc := make(chan error, 1)
	go func() {
		_, err := reg.Resolve(context.Background(), "jp")
		errc <- err
	}()

	require.Eventually(t, func() bool { return regionStarts(runner, "jp") == 1 }, time.Second, 5*time.Millisecond)
	reg.Shutdown()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, registry.ErrBackendUnavailable)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("pending creation not aborted by shutdown")
	}
	assert.True(t, runner.Processes()[1].Killed())
}

func TestRegistry_Observers(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	runner := &backendtest.Runner{}
	reg := newRegistry(t, runner, func(o *registry.Options) { o.Observers = []registry.Observer{rec} })
	defer reg.Shutdown()

	_, err := reg.Resolve(context.Background(), "de")
	require.NoError(t, err)

	// The region's process dies after bootstrap.
	runner.Processes()[1].Exit(errors.New("exit status 1"))

	require.Eventually(t, func() bool {
		for _, ev := range rec.Events() {
			if ev.Exited && ev.Region == "de" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	var statuses []string
	for _, ev := range rec.Events() {
		if !ev.Exited {
			statuses = append(statuses, ev.Region.String()+":"+ev.Status.String())
		}
	}
	assert.Equal(t, []string{"default:starting", "default:ready", "de:starting", "de:ready"}, statuses)

	// An exited instance is not evicted.
	port, err := reg.Resolve(context.Background(), "de")
	require.NoError(t, err)
	assert.Equal(t, 9152, port)
}

func TestRegistry_DefaultBootstrapFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	starter := new(MockStarter)
	starter.On("Start", mock.Anything, mock.MatchedBy(func(s backend.Spec) bool {
		return s.IsDefault() && s.Port == 9150 && s.ConfigPath == "/etc/tor/torrc"
	})).Return(nil, backend.ErrBootstrapTimeout).Once()

	reg := registry.New(registry.Options{
		Supervisor:        starter,
		Ports:             backend.NewPortAllocator(9152, 9150),
		DefaultPort:       9150,
		DefaultConfigPath: "/etc/tor/torrc",
	})
	defer reg.Shutdown()

	err := reg.Start(context.Background())
	assert.ErrorIs(t, err, registry.ErrDefaultBootstrap)
	assert.ErrorIs(t, err, backend.ErrBootstrapTimeout)

	_, err = reg.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, registry.ErrNotStarted)
	assert.False(t, reg.Healthy())

	starter.AssertExpectations(t)
}

func TestRegistry_RegionSpec(t *testing.T) {
	defer goleak.VerifyNone(t)

	def, _ := backendtest.ReadyInstance(backend.Spec{Region: region.Default, Port: 9150})
	de, _ := backendtest.ReadyInstance(backend.Spec{Region: "de", Port: 9200})

	starter := new(MockStarter)
	starter.On("Start", mock.Anything, mock.MatchedBy(func(s backend.Spec) bool { return s.IsDefault() })).
		Return(def, nil).Once()
	starter.On("Start", mock.Anything, backend.Spec{
		Region:           "de",
		Port:             9200,
		DataDir:          "/var/lib/tor-instances/tor-de",
		BootstrapTimeout: 3 * time.Minute,
	}).Return(de, nil).Once()

	reg := registry.New(registry.Options{
		Supervisor:       starter,
		Ports:            backend.NewPortAllocator(9200, 9150),
		DefaultPort:      9150,
		DataDir:          "/var/lib/tor-instances",
		BootstrapTimeout: 3 * time.Minute,
	})
	require.NoError(t, reg.Start(context.Background()))
	require.NoError(t, reg.Start(context.Background()))

	port, err := reg.Resolve(context.Background(), "de")
	require.NoError(t, err)
	assert.Equal(t, 9200, port)

	reg.Shutdown()
	assert.Equal(t, backend.StatusStopped, def.Status())
	assert.Equal(t, backend.StatusStopped, de.Status())

	starter.AssertExpectations(t)
}

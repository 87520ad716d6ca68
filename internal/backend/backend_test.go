package backend_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/ekisa-team/exitproxy/internal/backend"
	"github.com/ekisa-team/exitproxy/internal/backend/backendtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstance_Transitions(t *testing.T) {
	p := backendtest.NewProcess()
	inst := backend.NewInstance(backend.Spec{Region: "de", Port: 9152}, p, nil)
	assert.Equal(t, backend.StatusStarting, inst.Status())

	// Starting cannot be stopped directly.
	assert.ErrorIs(t, inst.Stop(), backend.ErrInvalidTransition)

	require.NoError(t, inst.MarkReady())
	assert.Equal(t, backend.StatusReady, inst.Status())
	assert.False(t, inst.Info().ReadyAt.IsZero())

	// Ready cannot fail or become ready again.
	assert.ErrorIs(t, inst.MarkFailed(errors.New("late")), backend.ErrInvalidTransition)
	assert.ErrorIs(t, inst.MarkReady(), backend.ErrInvalidTransition)

	require.NoError(t, inst.Stop())
	assert.Equal(t, backend.StatusStopped, inst.Status())
	assert.True(t, p.Terminated())
	<-inst.Exited()

	// Stopped is terminal.
	assert.ErrorIs(t, inst.MarkReady(), backend.ErrInvalidTransition)
	assert.ErrorIs(t, inst.Stop(), backend.ErrInvalidTransition)
}

func TestInstance_MarkFailedKills(t *testing.T) {
	p := backendtest.NewProcess()
	inst := backend.NewInstance(backend.Spec{Region: "us", Port: 9153}, p, nil)

	cause := errors.New("boom")
	require.NoError(t, inst.MarkFailed(cause))
	assert.Equal(t, backend.StatusFailed, inst.Status())
	assert.Equal(t, cause, inst.Err())
	assert.True(t, p.Killed())

	<-inst.Exited()
	assert.Error(t, inst.ExitErr())
	assert.ErrorIs(t, inst.MarkReady(), backend.ErrInvalidTransition)

	info := inst.Info()
	assert.Equal(t, "us", info.Region)
	assert.Equal(t, "boom", info.Error)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "starting", backend.StatusStarting.String())
	assert.Equal(t, "ready", backend.StatusReady.String())
	assert.Equal(t, "failed", backend.StatusFailed.String())
	assert.Equal(t, "stopped", backend.StatusStopped.String())

	text, err := backend.StatusReady.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "ready", string(text))
}

func TestPortAllocator(t *testing.T) {
	ports := backend.NewPortAllocator(9152, 9150)
	assert.Equal(t, 9152, ports.Allocate())
	assert.Equal(t, 9153, ports.Allocate())

	// A base at or below the default port starts just above it.
	ports = backend.NewPortAllocator(9100, 9150)
	assert.Equal(t, 9151, ports.Allocate())
}

func TestPortAllocator_Concurrent(t *testing.T) {
	ports := backend.NewPortAllocator(20000, 9150)

	var (
		mu   sync.Mutex
		seen = map[int]bool{}
		wg   sync.WaitGroup
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := ports.Allocate()
			mu.Lock()
			seen[p] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	assert.Equal(t, 20050, ports.Allocate())
}

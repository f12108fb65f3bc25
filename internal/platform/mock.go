// MockRuntime implements the platform.Runtime surface against
// in-memory fixtures. It is the fallback runtime when no container
// daemon is detected, and unit tests use it in place of a live daemon.
package platform

import (
	"context"
	"sync"
	"time"

	"github.com/pantacor/pantavisor-go/internal/perr"
)

// MockRuntime is an in-memory Runtime for tests and non-device builds.
type MockRuntime struct {
	mu      sync.Mutex
	running map[string]bool
	exit    map[string]chan int
}

// NewMockRuntime returns an empty MockRuntime.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		running: map[string]bool{},
		exit:    map[string]chan int{},
	}
}

func (m *MockRuntime) Start(ctx context.Context, s Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[s.Name] = true
	m.exit[s.Name] = make(chan int, 1)
	return nil
}

func (m *MockRuntime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running[name] {
		return perr.New(perr.CommandMisuse, "platform %s is not running", name)
	}
	m.running[name] = false
	if ch, ok := m.exit[name]; ok {
		ch <- 0
	}
	return nil
}

func (m *MockRuntime) IsRunning(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[name], nil
}

func (m *MockRuntime) Wait(ctx context.Context, name string) (int, error) {
	m.mu.Lock()
	ch, ok := m.exit[name]
	m.mu.Unlock()
	if !ok {
		return -1, perr.New(perr.CommandMisuse, "platform %s was never started", name)
	}
	select {
	case code := <-ch:
		return code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (m *MockRuntime) CheckExited(ctx context.Context, name string) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.exit[name]
	if !ok {
		return false, 0, nil
	}
	select {
	case code := <-ch:
		m.running[name] = false
		return true, code, nil
	default:
		return false, 0, nil
	}
}

// SimulateExit lets a test force a platform to exit with code.
func (m *MockRuntime) SimulateExit(name string, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[name] = false
	if ch, ok := m.exit[name]; ok {
		ch <- code
	}
}

func (m *MockRuntime) Close() error { return nil }

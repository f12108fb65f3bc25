package platform

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pantacor/pantavisor-go/internal/perr"
	"github.com/pantacor/pantavisor-go/internal/state"
)

// Spec is what a Runtime needs to start one platform (spec.md §3
// Platform, trimmed to what the runtime layer consumes).
type Spec struct {
	Name         string
	Exec         string // image reference or binary path, per Type
	Type         string // e.g. "docker", "lxc" — interpreted by Runtime
	Configs      []string
	ShareNetwork bool
	ShareUTS     bool
	ShareIPC     bool
}

// SpecFromState adapts a parsed state.Platform into a runtime Spec.
func SpecFromState(p state.Platform) Spec {
	return Spec{
		Name:         p.Name,
		Exec:         p.Exec,
		Type:         p.Type,
		Configs:      p.Configs,
		ShareNetwork: p.NsShareFlags&int(state.NsShareNetwork) != 0,
		ShareUTS:     p.NsShareFlags&int(state.NsShareUTS) != 0,
		ShareIPC:     p.NsShareFlags&int(state.NsShareIPC) != 0,
	}
}

// Runtime is the platform-runtime collaborator: start/stop/wait for one
// platform's container, named by spec.md's Platform.exec.
type Runtime interface {
	Start(ctx context.Context, s Spec) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	IsRunning(ctx context.Context, name string) (bool, error)
	Wait(ctx context.Context, name string) (exitCode int, err error)
	// CheckExited is a non-blocking poll the controller's WAIT tick uses
	// every cycle (spec.md §4.9 "platform exited" rows), unlike Wait
	// which blocks until the platform actually exits.
	CheckExited(ctx context.Context, name string) (exited bool, exitCode int, err error)
	Close() error
}

// New dials the detected backend and returns a Runtime, or a mock
// runtime suitable for tests/standalone mode when forceMock is set.
func New(log *logrus.Entry, forceMock bool) (Runtime, error) {
	if forceMock {
		return NewMockRuntime(), nil
	}
	socketPath, backend, err := Detect(log)
	if err != nil {
		return nil, perr.Wrap(perr.FatalEnvironment, err, "detect container runtime")
	}
	switch backend {
	case BackendDocker:
		return newDockerRuntime(socketPath)
	case BackendPodman:
		return newPodmanRuntime(socketPath)
	default:
		return nil, perr.New(perr.FatalEnvironment, "unsupported backend %q", backend)
	}
}

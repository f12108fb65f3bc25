// Uses bindings.NewConnection plus the containers bindings package for
// lifecycle calls, pruned to what a platform supervisor needs.
package platform

import (
	"context"
	"time"

	"github.com/containers/podman/v5/libpod/define"
	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"

	"github.com/pantacor/pantavisor-go/internal/perr"
)

type podmanRuntime struct {
	conn context.Context // bindings connections are carried on a context value
}

func newPodmanRuntime(socketPath string) (*podmanRuntime, error) {
	conn, err := bindings.NewConnection(context.Background(), socketPath)
	if err != nil {
		return nil, perr.Wrap(perr.FatalEnvironment, err, "dial podman at %s", socketPath)
	}
	return &podmanRuntime{conn: conn}, nil
}

func validatePodmanSocket(ctx context.Context, socketPath string) error {
	_, err := bindings.NewConnection(ctx, "unix://"+socketPath)
	return err
}

func (p *podmanRuntime) Start(ctx context.Context, s Spec) error {
	running, err := p.IsRunning(ctx, s.Name)
	if err == nil && running {
		return nil
	}
	if err := containers.Start(p.conn, s.Name, nil); err != nil {
		return perr.Wrap(perr.Transient, err, "start platform %s", s.Name)
	}
	return nil
}

func (p *podmanRuntime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	secs := uint(timeout.Seconds())
	opts := new(containers.StopOptions).WithTimeout(secs)
	if err := containers.Stop(p.conn, name, opts); err != nil {
		return perr.Wrap(perr.Transient, err, "stop platform %s", name)
	}
	return nil
}

func (p *podmanRuntime) IsRunning(ctx context.Context, name string) (bool, error) {
	data, err := containers.Inspect(p.conn, name, nil)
	if err != nil {
		return false, nil
	}
	return data.State != nil && data.State.Running, nil
}

func (p *podmanRuntime) CheckExited(ctx context.Context, name string) (bool, int, error) {
	data, err := containers.Inspect(p.conn, name, nil)
	if err != nil {
		return false, 0, nil
	}
	if data.State == nil || data.State.Running {
		return false, 0, nil
	}
	return true, data.State.ExitCode, nil
}

func (p *podmanRuntime) Wait(ctx context.Context, name string) (int, error) {
	opts := new(containers.WaitOptions).WithCondition([]define.ContainerStatus{define.ContainerStateExited})
	code, err := containers.Wait(p.conn, name, opts)
	if err != nil {
		return -1, perr.Wrap(perr.Transient, err, "wait for platform %s", name)
	}
	return int(code), nil
}

func (p *podmanRuntime) Close() error {
	return nil
}

// Relies on github.com/docker/docker/client for container lifecycle
// calls, pruned down to the operations a platform supervisor needs
// (start/stop/wait/is-running/check-exited) out of that client's much larger
// image/volume/network surface.
package platform

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/pantacor/pantavisor-go/internal/perr"
)

type dockerRuntime struct {
	cli *client.Client
}

func newDockerRuntime(host string) (*dockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, perr.Wrap(perr.FatalEnvironment, err, "dial docker at %s", host)
	}
	return &dockerRuntime{cli: cli}, nil
}

func (d *dockerRuntime) Start(ctx context.Context, s Spec) error {
	existing, err := d.cli.ContainerInspect(ctx, s.Name)
	if err == nil {
		if existing.State != nil && existing.State.Running {
			return nil
		}
		return d.cli.ContainerStart(ctx, s.Name, container.StartOptions{})
	}

	netMode := container.NetworkMode("none")
	if s.ShareNetwork {
		netMode = "host"
	}
	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{Image: s.Exec},
		&container.HostConfig{
			NetworkMode: netMode,
			UTSMode:     utsMode(s.ShareUTS),
			IpcMode:     ipcMode(s.ShareIPC),
		},
		nil, nil, s.Name)
	if err != nil {
		return perr.Wrap(perr.Transient, err, "create container %s", s.Name)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return perr.Wrap(perr.Transient, err, "start container %s", s.Name)
	}
	return nil
}

func utsMode(share bool) container.UTSMode {
	if share {
		return "host"
	}
	return ""
}

func ipcMode(share bool) container.IpcMode {
	if share {
		return "host"
	}
	return ""
}

func (d *dockerRuntime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}); err != nil {
		return perr.Wrap(perr.Transient, err, "stop container %s", name)
	}
	return nil
}

func (d *dockerRuntime) IsRunning(ctx context.Context, name string) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return false, nil
	}
	return info.State != nil && info.State.Running, nil
}

func (d *dockerRuntime) CheckExited(ctx context.Context, name string) (bool, int, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return false, 0, nil // inspect failure treated as "nothing to report yet", not an exit
	}
	if info.State == nil || info.State.Running {
		return false, 0, nil
	}
	return true, info.State.ExitCode, nil
}

func (d *dockerRuntime) Wait(ctx context.Context, name string) (int, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, name, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, perr.Wrap(perr.Transient, err, "wait for container %s", name)
	case st := <-statusCh:
		return int(st.StatusCode), nil
	}
}

func (d *dockerRuntime) Close() error {
	return d.cli.Close()
}

var _ io.Closer = (*dockerRuntime)(nil)

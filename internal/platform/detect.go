// Package platform runs and supervises the container workloads named
// by a revision's Platforms (spec.md §3 "Platform"), dispatching to
// whichever container backend is reachable on the device: a Docker
// daemon socket or Podman's REST API.
//
// Candidate socket paths are validated by pinging the daemon (Docker)
// or opening the bindings connection (Podman). Pruned to the two
// sockets an embedded device plausibly exposes — /var/run/docker.sock
// and /run/podman/podman.sock — dropping desktop-environment
// candidates (Colima, OrbStack, Lima, Rancher Desktop, Docker Desktop)
// which have no meaning off a developer's laptop.
package platform

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// Backend names a container runtime implementation.
type Backend string

const (
	BackendDocker  Backend = "docker"
	BackendPodman  Backend = "podman"
	BackendUnknown Backend = "unknown"
)

const socketValidationTimeout = 3 * time.Second

// ErrNoSocket is returned when neither a Docker nor a Podman socket
// answers on the device.
var ErrNoSocket = errors.New("no working docker or podman socket found")

type candidate struct {
	path    string
	backend Backend
}

func candidates() []candidate {
	return []candidate{
		{"/var/run/docker.sock", BackendDocker},
		{"/run/podman/podman.sock", BackendPodman},
	}
}

// Detect finds the first reachable socket, preferring whatever
// DOCKER_HOST names if it is set (spec.md §6 does not mandate a
// particular container backend discovery order).
func Detect(log *logrus.Entry) (socketPath string, backend Backend, err error) {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		ctx, cancel := context.WithTimeout(context.Background(), socketValidationTimeout)
		defer cancel()
		if err := validateDockerSocket(ctx, host); err == nil {
			return host, BackendDocker, nil
		}
		if log != nil {
			log.Warnf("DOCKER_HOST=%s set but not reachable", host)
		}
	}

	for _, c := range candidates() {
		if _, statErr := os.Stat(c.path); statErr != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), socketValidationTimeout)
		var validateErr error
		switch c.backend {
		case BackendDocker:
			validateErr = validateDockerSocket(ctx, "unix://"+c.path)
		case BackendPodman:
			validateErr = validatePodmanSocket(ctx, c.path)
		}
		cancel()
		if validateErr != nil {
			if log != nil {
				log.Debugf("socket %s present but unreachable: %v", c.path, validateErr)
			}
			continue
		}
		return "unix://" + c.path, c.backend, nil
	}
	return "", BackendUnknown, ErrNoSocket
}

func validateDockerSocket(ctx context.Context, host string) error {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()
	_, err = cli.Ping(ctx)
	return err
}

// Package source reads container status from the local Docker daemon and
// turns it into snapshots the reconciler can diff.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/mdnsync/mdnsync/internal/logging"
	"github.com/mdnsync/mdnsync/internal/snapshot"
)

// ErrSourceUnavailable wraps every failure to reach the container daemon.
var ErrSourceUnavailable = errors.New("container status source unavailable")

var errMalformedPort = errors.New("malformed port data")

// dockerAPI is the subset of the Docker SDK client used here
type dockerAPI interface {
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Docker is a status source backed by the Docker engine API.
type Docker struct {
	cli dockerAPI
	// optOutLabel excludes containers labelled <optOutLabel>=true
	optOutLabel string
}

// NewDocker connects to the daemon listening on socketPath. An empty path
// falls back to DOCKER_HOST and the SDK defaults.
func NewDocker(socketPath, optOutLabel string) (*Docker, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, client.WithHost("unix://"+socketPath))
	} else {
		opts = append(opts, client.FromEnv)
	}
	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	return &Docker{cli: c, optOutLabel: optOutLabel}, nil
}

// Ping checks that the daemon answers.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	return nil
}

// Fetch returns the status of every container, running or not. Either the
// whole list is returned or an error wrapping ErrSourceUnavailable.
func (d *Docker) Fetch(ctx context.Context) ([]snapshot.Container, error) {
	list, err := d.cli.ContainerList(ctx, containertypes.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("%w: list containers: %w", ErrSourceUnavailable, err)
	}
	out := make([]snapshot.Container, 0, len(list))
	for _, c := range list {
		if d.optedOut(c.Labels) {
			logging.Get().Debug().Str("container", c.ID).Msg("skipping container due to opt-out label")
			continue
		}
		ports, err := convertPorts(c.Ports)
		if err != nil {
			logging.Get().Debug().Err(err).Str("container", c.ID).Msg("ignoring port data")
		}
		out = append(out, snapshot.Container{
			ID:      c.ID,
			Name:    containerName(c),
			Running: c.State == "running",
			Ports:   ports,
		})
	}
	return out, nil
}

// Close releases the client connection.
func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) optedOut(labels map[string]string) bool {
	if d.optOutLabel == "" {
		return false
	}
	return strings.EqualFold(labels[d.optOutLabel], "true")
}

// convertPorts keeps the published bindings of a container. Docker reports
// IPv4 and IPv6 bindings as separate records; NormalizePorts folds them.
// Any malformed record empties the whole list.
func convertPorts(in []containertypes.Port) ([]snapshot.Port, error) {
	ports := make([]snapshot.Port, 0, len(in))
	for _, p := range in {
		proto := strings.ToLower(p.Type)
		switch proto {
		case "tcp", "udp", "sctp":
		default:
			return snapshot.NormalizePorts(nil), fmt.Errorf("%w: unknown protocol %q on port %d", errMalformedPort, p.Type, p.PrivatePort)
		}
		if p.PublicPort == 0 {
			// exposed but not published; only a bare record without a
			// private port is malformed
			if p.PrivatePort == 0 {
				return snapshot.NormalizePorts(nil), fmt.Errorf("%w: empty %s port record", errMalformedPort, proto)
			}
			continue
		}
		ports = append(ports, snapshot.Port{HostPort: int(p.PublicPort), Protocol: proto})
	}
	return snapshot.NormalizePorts(ports), nil
}

func containerName(c containertypes.Summary) string {
	if len(c.Names) == 0 {
		return c.ID
	}
	return strings.TrimPrefix(c.Names[0], "/")
}

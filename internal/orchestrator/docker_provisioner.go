package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/domain"
)

const (
	labelInstance  = "webgrid.orchestrator"
	labelSessionID = "webgrid.session"
)

// DockerProvisioner implements Provisioner by spawning one container per
// session via the Docker Engine API (spec.md §4.5's "pluggable
// provisioner"; the node image/entrypoint is the binary built from
// cmd/webgrid with the `node` subcommand).
type DockerProvisioner struct {
	cli        *client.Client
	instanceID string
	nodeImage  string
	network    string
}

// NewDockerProvisioner connects to the local Docker daemon (respecting the
// usual DOCKER_HOST/DOCKER_CERT_PATH environment) and tags every container
// it creates with instanceID so AliveSessions can exclude foreign
// deployments per spec.md §4.5.
func NewDockerProvisioner(instanceID, nodeImage, network string) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "orchestrator: connect to docker daemon")
	}
	return &DockerProvisioner{cli: cli, instanceID: instanceID, nodeImage: nodeImage, network: network}, nil
}

var _ Provisioner = (*DockerProvisioner)(nil)

// Provision starts (or, on a second call for the same session id,
// discovers the already-running) node container.
func (d *DockerProvisioner) Provision(ctx context.Context, sessionID domain.ID, rawCapabilities map[string]any, spec ImageSpec) (map[string]string, error) {
	name := containerName(sessionID)

	existing, err := d.cli.ContainerInspect(ctx, name)
	if err == nil {
		return map[string]string{
			"containerId": existing.ID,
			"image":       spec.Image,
			"instance":    d.instanceID,
		}, nil
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Cmd:   []string{"node", "--session-id", sessionID.String(), "--browser", spec.BrowserName, "--browser-version", spec.BrowserVersion},
		Labels: map[string]string{
			labelInstance:  d.instanceID,
			labelSessionID: sessionID.String(),
		},
	}, &container.HostConfig{
		NetworkMode: container.NetworkMode(d.network),
		AutoRemove:  false,
	}, nil, nil, name)
	if err != nil {
		return nil, errors.Wrapf(err, "orchestrator: create container for session %s", sessionID)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, errors.Wrapf(err, "orchestrator: start container %s", resp.ID)
	}

	return map[string]string{
		"containerId": resp.ID,
		"image":       spec.Image,
		"instance":    d.instanceID,
	}, nil
}

// AliveSessions lists still-running containers labelled with this
// instance's id, excluding foreign deployments (spec.md §4.5).
func (d *DockerProvisioner) AliveSessions(ctx context.Context) ([]domain.ID, error) {
	args := filters.NewArgs(
		filters.Arg("label", fmt.Sprintf("%s=%s", labelInstance, d.instanceID)),
		filters.Arg("status", "running"),
	)

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return nil, errors.Wrap(err, "orchestrator: list containers")
	}

	out := make([]domain.ID, 0, len(containers))
	for _, c := range containers {
		idStr, ok := c.Labels[labelSessionID]
		if !ok {
			continue
		}
		id, err := domain.ParseID(idStr)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// PurgeTerminated removes exited containers this instance created.
func (d *DockerProvisioner) PurgeTerminated(ctx context.Context) error {
	args := filters.NewArgs(
		filters.Arg("label", fmt.Sprintf("%s=%s", labelInstance, d.instanceID)),
		filters.Arg("status", "exited"),
	)

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{Filters: args, All: true})
	if err != nil {
		return errors.Wrap(err, "orchestrator: list exited containers")
	}

	for _, c := range containers {
		if err := d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return errors.Wrapf(err, "orchestrator: remove container %s", c.ID)
		}
	}
	return nil
}

func containerName(id domain.ID) string {
	return "webgrid-node-" + strings.ReplaceAll(id.String(), "-", "")
}

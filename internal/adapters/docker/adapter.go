package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	dockererrdefs "github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/dgnsrekt/requests-whaor/internal/core/domain"
	"github.com/dgnsrekt/requests-whaor/internal/core/ports"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

var _ ports.Runtime = (*Adapter)(nil)

// Adapter implements ports.Runtime using Docker SDK
type Adapter struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewAdapter creates a new Docker adapter instance. The returned adapter owns
// a single engine connection; share it instead of creating more.
func NewAdapter(logger *zap.Logger) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Adapter{cli: cli, logger: logger}, nil
}

// Client exposes the underlying engine connection for the image builder.
func (a *Adapter) Client() *client.Client {
	return a.cli
}

// Close releases the engine connection.
func (a *Adapter) Close() error {
	return a.cli.Close()
}

// Ping checks the engine answers.
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrRuntimeUnavailable, err)
	}
	a.logger.Debug("Docker connection successful")
	return nil
}

// ListContainers returns containers carrying every given label. An empty label
// value matches on key presence alone.
func (a *Adapter) ListContainers(ctx context.Context, labels map[string]string) ([]domain.Container, error) {
	containers, err := a.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: labelFilters(labels),
	})
	if err != nil {
		return nil, translate(fmt.Errorf("failed to list containers: %w", err))
	}

	result := make([]domain.Container, 0, len(containers))
	for _, c := range containers {
		// Use the first name if available, remove slash
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		result = append(result, domain.Container{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			Status: c.Status,
			State:  c.State,
			Labels: c.Labels,
		})
	}
	return result, nil
}

// RunContainer creates and starts a container, pulling the image on demand.
func (a *Adapter) RunContainer(ctx context.Context, spec domain.ContainerSpec) (domain.Container, error) {
	exposed, bindings, err := portBindings(spec.Ports)
	if err != nil {
		return domain.Container{}, err
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		AutoRemove:   spec.AutoRemove,
		PortBindings: bindings,
		Mounts:       bindMounts(spec.Mounts),
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if dockererrdefs.IsNotFound(err) {
		if err := a.pullImage(ctx, spec.Image); err != nil {
			return domain.Container{}, err
		}
		resp, err = a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		return domain.Container{}, translate(fmt.Errorf("failed to create container: %w", err))
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// A created but never started container would otherwise linger.
		if rmErr := a.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			a.logger.Warn("failed to remove container after start failure",
				zap.String("id", resp.ID), zap.Error(rmErr))
		}
		return domain.Container{}, translate(fmt.Errorf("failed to start container: %w", err))
	}

	info, err := a.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return domain.Container{}, translate(fmt.Errorf("failed to inspect container: %w", err))
	}

	c := domain.Container{
		ID:     info.ID,
		Name:   strings.TrimPrefix(info.Name, "/"),
		Image:  spec.Image,
		Labels: spec.Labels,
	}
	if info.State != nil {
		c.State = info.State.Status
	}
	return c, nil
}

func (a *Adapter) pullImage(ctx context.Context, image string) error {
	a.logger.Info("pulling image", zap.String("image", image))

	// In a real production system, we should handle auth and pull policy better.
	reader, err := a.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return translate(fmt.Errorf("failed to pull image: %w", err))
	}
	defer reader.Close()

	// The progress stream is discarded but still has to be read to the end,
	// and an errorDetail message in it means the pull failed.
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	return nil
}

// StopContainer stops a running container
func (a *Adapter) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	timeout := int(grace.Seconds())
	if err := a.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return translate(fmt.Errorf("failed to stop container: %w", err))
	}
	return nil
}

// RestartContainer restarts a container in place.
func (a *Adapter) RestartContainer(ctx context.Context, id string, grace time.Duration) error {
	timeout := int(grace.Seconds())
	if err := a.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return translate(fmt.Errorf("failed to restart container: %w", err))
	}
	return nil
}

// RemoveContainer force removes a container.
func (a *Adapter) RemoveContainer(ctx context.Context, id string) error {
	if err := a.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return translate(fmt.Errorf("failed to remove container: %w", err))
	}
	return nil
}

// GetContainerLogs returns the demultiplexed stdout and stderr of a container.
func (a *Adapter) GetContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	options := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     false,
		Timestamps: true,
	}
	raw, err := a.cli.ContainerLogs(ctx, id, options)
	if err != nil {
		return nil, translate(fmt.Errorf("failed to get container logs: %w", err))
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, raw)
		raw.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// CreateNetwork creates a network with the given driver.
func (a *Adapter) CreateNetwork(ctx context.Context, spec domain.NetworkSpec) (domain.Network, error) {
	resp, err := a.cli.NetworkCreate(ctx, spec.Name, types.NetworkCreate{
		Driver: spec.Driver,
		Labels: spec.Labels,
	})
	if err != nil {
		return domain.Network{}, translate(fmt.Errorf("failed to create network %s: %w", spec.Name, err))
	}
	if resp.Warning != "" {
		a.logger.Warn("network created with warning", zap.String("network", spec.Name), zap.String("warning", resp.Warning))
	}
	return domain.Network{
		ID:     resp.ID,
		Name:   spec.Name,
		Driver: spec.Driver,
		Labels: spec.Labels,
	}, nil
}

// ConnectNetwork attaches a container to a network under the given aliases.
func (a *Adapter) ConnectNetwork(ctx context.Context, networkID, containerID string, aliases []string) error {
	err := a.cli.NetworkConnect(ctx, networkID, containerID, &network.EndpointSettings{Aliases: aliases})
	if err != nil {
		return translate(fmt.Errorf("failed to connect container %s: %w", containerID, err))
	}
	return nil
}

// DisconnectNetwork force detaches a container from a network.
func (a *Adapter) DisconnectNetwork(ctx context.Context, networkID, containerID string) error {
	if err := a.cli.NetworkDisconnect(ctx, networkID, containerID, true); err != nil {
		return translate(fmt.Errorf("failed to disconnect container %s: %w", containerID, err))
	}
	return nil
}

// NetworkMembers inspects the network and returns its attached containers
// sorted by name.
func (a *Adapter) NetworkMembers(ctx context.Context, networkID string) ([]domain.Container, error) {
	res, err := a.cli.NetworkInspect(ctx, networkID, types.NetworkInspectOptions{})
	if err != nil {
		return nil, translate(fmt.Errorf("failed to inspect network: %w", err))
	}

	members := make([]domain.Container, 0, len(res.Containers))
	for id, endpoint := range res.Containers {
		members = append(members, domain.Container{ID: id, Name: endpoint.Name})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members, nil
}

// RemoveNetwork removes a network.
func (a *Adapter) RemoveNetwork(ctx context.Context, networkID string) error {
	err := a.cli.NetworkRemove(ctx, networkID)
	if err == nil {
		return nil
	}
	if dockererrdefs.IsForbidden(err) || dockererrdefs.IsConflict(err) {
		return fmt.Errorf("%w: %w", errdefs.ErrNetworkBusy, err)
	}
	return translate(fmt.Errorf("failed to remove network: %w", err))
}

// ListNetworks returns networks carrying every given label.
func (a *Adapter) ListNetworks(ctx context.Context, labels map[string]string) ([]domain.Network, error) {
	networks, err := a.cli.NetworkList(ctx, types.NetworkListOptions{Filters: labelFilters(labels)})
	if err != nil {
		return nil, translate(fmt.Errorf("failed to list networks: %w", err))
	}

	result := make([]domain.Network, 0, len(networks))
	for _, n := range networks {
		result = append(result, domain.Network{
			ID:     n.ID,
			Name:   n.Name,
			Driver: n.Driver,
			Labels: n.Labels,
		})
	}
	return result, nil
}

// translate tags engine errors with the runtime-neutral sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %w", errdefs.ErrRuntimeUnavailable, err)
	case dockererrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %w", errdefs.ErrNotFound, err)
	case dockererrdefs.IsConflict(err):
		return fmt.Errorf("%w: %w", errdefs.ErrConflict, err)
	default:
		return err
	}
}

func labelFilters(labels map[string]string) filters.Args {
	args := filters.NewArgs()
	for key, value := range labels {
		if value == "" {
			args.Add("label", key)
			continue
		}
		args.Add("label", key+"="+value)
	}
	return args
}

// portBindings publishes every port on the host under the same number.
func portBindings(ports []int) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for _, p := range ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %d: %w", p, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(p)}}
	}
	return exposed, bindings, nil
}

func bindMounts(mounts []domain.Mount) []mount.Mount {
	if len(mounts) == 0 {
		return nil
	}
	result := make([]mount.Mount, 0, len(mounts))
	for _, m := range mounts {
		result = append(result, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return result
}

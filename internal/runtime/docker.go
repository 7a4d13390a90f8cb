package runtime

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/edgehive/fleetd/internal/apperr"
	"github.com/edgehive/fleetd/internal/logging"
	"github.com/edgehive/fleetd/internal/state"
)

// DockerAdapter drives a Docker Engine over its socket API.
type DockerAdapter struct {
	cli *client.Client
	log *logging.Logger
}

var _ Adapter = (*DockerAdapter)(nil)

// NewDockerAdapter connects to the daemon at the given socket address, e.g.
// "unix:///var/run/docker.sock".
func NewDockerAdapter(socket string, log *logging.Logger) (*DockerAdapter, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(socket),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "create docker client", err)
	}
	return &DockerAdapter{cli: cli, log: log}, nil
}

// Ping probes the daemon. Used at boot (fail fast) and by the health
// endpoint.
func (d *DockerAdapter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()
	if _, err := d.cli.Ping(ctx); err != nil {
		return apperr.Wrap(apperr.KindTransient, "ping container daemon", err)
	}
	return nil
}

func (d *DockerAdapter) ListManagedContainers(ctx context.Context) ([]Container, error) {
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()

	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "list containers", err)
	}

	out := make([]Container, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			// Docker prefixes names with a slash.
			name = c.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		out = append(out, Container{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			Labels: c.Labels,
			Status: mapDockerState(c.State),
		})
	}
	return out, nil
}

func (d *DockerAdapter) PullImage(ctx context.Context, image string) error {
	ctx, cancel := context.WithTimeout(ctx, PullTimeout)
	defer cancel()

	d.log.WithField("image", image).Debug("pulling image")
	rc, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return classifyImageError(image, err)
	}
	defer rc.Close()

	// The daemon streams pull progress; draining to EOF is the completion
	// signal. Mid-stream failures surface as a copy error.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return apperr.Wrap(apperr.KindTransient, fmt.Sprintf("pull %s interrupted", image), err)
	}
	return nil
}

func (d *DockerAdapter) CreateContainer(ctx context.Context, appID int, appName string, svc state.Service) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, LifecycleTimeout)
	defer cancel()

	cfg := svc.Config
	exposed, bindings, err := nat.ParsePortSpecs(cfg.Ports)
	if err != nil {
		return "", apperr.Wrap(apperr.KindConfig, "parse port mappings", err)
	}

	env := make([]string, 0, len(cfg.Environment))
	for k, v := range cfg.Environment {
		env = append(env, k+"="+v)
	}

	labels := ManagedLabels(appID, appName, svc.ServiceID, svc.ServiceName)
	for k, v := range cfg.Labels {
		if _, reserved := labels[k]; !reserved {
			labels[k] = v
		}
	}

	binds := make([]string, 0, len(cfg.Volumes))
	for _, ref := range cfg.Volumes {
		source, mount, ok := state.SplitVolume(ref)
		if !ok {
			return "", apperr.Newf(apperr.KindConfig, "invalid volume reference %q", ref)
		}
		if source[0] == '/' {
			binds = append(binds, source+":"+mount)
		} else {
			binds = append(binds, ScopedName(appID, source)+":"+mount)
		}
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Binds:        binds,
	}
	if cfg.RestartPolicy != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(cfg.RestartPolicy)}
	}
	if cfg.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(cfg.NetworkMode)
	}

	var netCfg *network.NetworkingConfig
	var extraNetworks []string
	if len(cfg.Networks) > 0 && cfg.NetworkMode == "" {
		first := ScopedName(appID, cfg.Networks[0])
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				first: {Aliases: []string{svc.ServiceName}},
			},
		}
		for _, n := range cfg.Networks[1:] {
			extraNetworks = append(extraNetworks, ScopedName(appID, n))
		}
	}

	created, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        state.EffectiveImage(svc),
			Env:          env,
			Labels:       labels,
			ExposedPorts: exposed,
		},
		hostCfg,
		netCfg,
		nil,
		ContainerName(appName, svc.ServiceName),
	)
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", apperr.Wrap(apperr.KindRuntime, "container name conflict", err)
		}
		return "", classifyDaemonError("create container", err)
	}

	for _, n := range extraNetworks {
		settings := &network.EndpointSettings{Aliases: []string{svc.ServiceName}}
		if err := d.cli.NetworkConnect(ctx, n, created.ID, settings); err != nil {
			return created.ID, classifyDaemonError("connect network "+n, err)
		}
	}
	return created.ID, nil
}

func (d *DockerAdapter) StartContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, LifecycleTimeout)
	defer cancel()

	// Starting a running container is a daemon-side no-op, which keeps this
	// idempotent for free.
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classifyDaemonError("start container", err)
	}
	return nil
}

func (d *DockerAdapter) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, LifecycleTimeout)
	defer cancel()

	if grace <= 0 {
		grace = DefaultStopGrace
	}
	seconds := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return classifyDaemonError("stop container", err)
	}
	return nil
}

func (d *DockerAdapter) RemoveContainer(ctx context.Context, id string, force bool) error {
	ctx, cancel := context.WithTimeout(ctx, LifecycleTimeout)
	defer cancel()

	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return classifyDaemonError("remove container", err)
	}
	return nil
}

func (d *DockerAdapter) InspectContainer(ctx context.Context, id string) (state.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()

	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return state.StatusUnknown, apperr.Wrap(apperr.KindNotFound, "container not found", err)
		}
		return state.StatusUnknown, classifyDaemonError("inspect container", err)
	}
	if info.State == nil {
		return state.StatusUnknown, nil
	}
	return mapDockerState(info.State.Status), nil
}

func (d *DockerAdapter) CreateNetwork(ctx context.Context, appID int, name string) error {
	ctx, cancel := context.WithTimeout(ctx, LifecycleTimeout)
	defer cancel()

	scoped := ScopedName(appID, name)
	_, err := d.cli.NetworkCreate(ctx, scoped, types.NetworkCreate{
		Driver: "bridge",
		Labels: ResourceLabels(appID, ""),
	})
	if err != nil {
		if errdefs.IsConflict(err) {
			return nil
		}
		return classifyDaemonError("create network "+scoped, err)
	}
	return nil
}

func (d *DockerAdapter) RemoveNetwork(ctx context.Context, appID int, name string) error {
	ctx, cancel := context.WithTimeout(ctx, LifecycleTimeout)
	defer cancel()

	scoped := ScopedName(appID, name)
	if !d.networkIsManaged(ctx, scoped) {
		return nil
	}
	if err := d.cli.NetworkRemove(ctx, scoped); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return classifyDaemonError("remove network "+scoped, err)
	}
	return nil
}

func (d *DockerAdapter) CreateVolume(ctx context.Context, appID int, name string) error {
	ctx, cancel := context.WithTimeout(ctx, LifecycleTimeout)
	defer cancel()

	scoped := ScopedName(appID, name)
	// VolumeCreate is an upsert in the daemon; recreating an existing volume
	// with the same spec succeeds.
	_, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   scoped,
		Labels: ResourceLabels(appID, ""),
	})
	if err != nil {
		return classifyDaemonError("create volume "+scoped, err)
	}
	return nil
}

func (d *DockerAdapter) RemoveVolume(ctx context.Context, appID int, name string) error {
	ctx, cancel := context.WithTimeout(ctx, LifecycleTimeout)
	defer cancel()

	scoped := ScopedName(appID, name)
	if !d.volumeIsManaged(ctx, scoped) {
		return nil
	}
	if err := d.cli.VolumeRemove(ctx, scoped, false); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return classifyDaemonError("remove volume "+scoped, err)
	}
	return nil
}

// networkIsManaged guards destructive network calls behind the managed
// label. An unlabeled network with a colliding name is left alone.
func (d *DockerAdapter) networkIsManaged(ctx context.Context, scoped string) bool {
	info, err := d.cli.NetworkInspect(ctx, scoped, types.NetworkInspectOptions{})
	if err != nil {
		return false
	}
	return info.Labels[LabelManaged] == "true"
}

func (d *DockerAdapter) volumeIsManaged(ctx context.Context, scoped string) bool {
	info, err := d.cli.VolumeInspect(ctx, scoped)
	if err != nil {
		return false
	}
	return info.Labels[LabelManaged] == "true"
}

// mapDockerState maps daemon state strings onto the model's closed set.
func mapDockerState(s string) state.Status {
	switch s {
	case "created":
		return state.StatusCreated
	case "running", "paused":
		return state.StatusRunning
	case "exited":
		return state.StatusExited
	case "restarting":
		return state.StatusRestarting
	case "dead", "removing":
		return state.StatusDead
	default:
		return state.StatusUnknown
	}
}

// classifyImageError separates a pull that can never succeed from one worth
// retrying.
func classifyImageError(image string, err error) error {
	if errdefs.IsNotFound(err) {
		return apperr.Wrap(apperr.KindRuntime, "image not found", err)
	}
	if errdefs.IsUnauthorized(err) || errdefs.IsForbidden(err) {
		return apperr.Wrap(apperr.KindRuntime, "registry authentication required", err)
	}
	return apperr.Wrap(apperr.KindTransient, "pull "+image, err)
}

func classifyDaemonError(op string, err error) error {
	switch {
	case errdefs.IsNotFound(err):
		return apperr.Wrap(apperr.KindRuntime, op, err)
	case errdefs.IsInvalidParameter(err):
		return apperr.Wrap(apperr.KindConfig, op, err)
	case errdefs.IsConflict(err):
		return apperr.Wrap(apperr.KindRuntime, op, err)
	default:
		return apperr.Wrap(apperr.KindTransient, op, err)
	}
}

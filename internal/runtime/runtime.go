// Package runtime adapts the engine's abstract container operations to a
// concrete container daemon. It is the only component that talks to the
// daemon and the only one permitted to label managed resources.
package runtime

import (
	"context"
	"strconv"
	"time"

	"github.com/edgehive/fleetd/internal/state"
)

// Managed-resource labels. A resource without the managed sentinel is
// invisible to the agent: no destructive call ever targets it.
const (
	LabelManaged     = "io.edgehive.managed"
	LabelAppID       = "io.edgehive.app-id"
	LabelAppName     = "io.edgehive.app-name"
	LabelServiceID   = "io.edgehive.service-id"
	LabelServiceName = "io.edgehive.service-name"
)

// Operation timeouts by class.
const (
	PullTimeout      = 600 * time.Second
	LifecycleTimeout = 120 * time.Second
	QueryTimeout     = 30 * time.Second

	// DefaultStopGrace is how long a container gets to exit cleanly before
	// the daemon force-stops it.
	DefaultStopGrace = 10 * time.Second
)

// Container is the adapter's view of a managed container.
type Container struct {
	ID     string
	Name   string
	Image  string
	Labels map[string]string
	Status state.Status
}

// AppID reads the app id label; zero when absent or malformed.
func (c Container) AppID() int {
	id, _ := strconv.Atoi(c.Labels[LabelAppID])
	return id
}

// ServiceID reads the service id label; zero when absent or malformed.
func (c Container) ServiceID() int {
	id, _ := strconv.Atoi(c.Labels[LabelServiceID])
	return id
}

// Adapter is the closed operation set the engine drives. Implementations
// bind to a specific daemon dialect; swapping daemons means swapping
// adapters.
type Adapter interface {
	// Ping probes daemon liveness.
	Ping(ctx context.Context) error

	// ListManagedContainers returns every container carrying the managed
	// label, including stopped ones.
	ListManagedContainers(ctx context.Context) ([]Container, error)

	// PullImage ensures the image is present locally. Idempotent.
	PullImage(ctx context.Context, image string) error

	// CreateContainer creates a stopped container for the service, applying
	// managed labels and the <app_name>_<service_name> name. Returns the
	// container id.
	CreateContainer(ctx context.Context, appID int, appName string, svc state.Service) (string, error)

	// StartContainer starts a created container. Starting a running
	// container is a no-op.
	StartContainer(ctx context.Context, id string) error

	// StopContainer requests a graceful stop, force-stopping after grace.
	// Idempotent on already-stopped containers.
	StopContainer(ctx context.Context, id string, grace time.Duration) error

	// RemoveContainer removes a stopped container; with force it stops
	// first. A missing container is treated as success.
	RemoveContainer(ctx context.Context, id string, force bool) error

	// InspectContainer reports the container's status mapped onto the
	// model's closed status set.
	InspectContainer(ctx context.Context, id string) (state.Status, error)

	// CreateNetwork creates the app-scoped network if absent.
	CreateNetwork(ctx context.Context, appID int, name string) error

	// RemoveNetwork removes the app-scoped network if present.
	RemoveNetwork(ctx context.Context, appID int, name string) error

	// CreateVolume creates the app-scoped volume if absent.
	CreateVolume(ctx context.Context, appID int, name string) error

	// RemoveVolume removes the app-scoped volume if present.
	RemoveVolume(ctx context.Context, appID int, name string) error
}

// ScopedName prefixes an app-owned resource name with its app id so names
// are unique device-wide.
func ScopedName(appID int, name string) string {
	return strconv.Itoa(appID) + "_" + name
}

// ContainerName builds the canonical container name for a service.
func ContainerName(appName, serviceName string) string {
	return appName + "_" + serviceName
}

// ManagedLabels builds the label set for a service container.
func ManagedLabels(appID int, appName string, serviceID int, serviceName string) map[string]string {
	return map[string]string{
		LabelManaged:     "true",
		LabelAppID:       strconv.Itoa(appID),
		LabelAppName:     appName,
		LabelServiceID:   strconv.Itoa(serviceID),
		LabelServiceName: serviceName,
	}
}

// ResourceLabels builds the label set for app-scoped networks and volumes.
func ResourceLabels(appID int, appName string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelAppID:   strconv.Itoa(appID),
		LabelAppName: appName,
	}
}

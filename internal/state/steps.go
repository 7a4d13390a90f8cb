package state

import "fmt"

// Step is a single runtime action in an execution plan. The set of
// implementations is closed; the engine type-switches over it.
type Step interface {
	// AppID reports the app the step belongs to.
	AppID() int
	fmt.Stringer
}

// DownloadImage ensures an image is present locally before any service
// using it starts.
type DownloadImage struct {
	App   int
	Image string
}

func (s DownloadImage) AppID() int     { return s.App }
func (s DownloadImage) String() string { return fmt.Sprintf("download image %s (app %d)", s.Image, s.App) }

// CreateNetwork creates an app-scoped network.
type CreateNetwork struct {
	App  int
	Name string
}

func (s CreateNetwork) AppID() int     { return s.App }
func (s CreateNetwork) String() string { return fmt.Sprintf("create network %s (app %d)", s.Name, s.App) }

// CreateVolume creates an app-scoped named volume.
type CreateVolume struct {
	App  int
	Name string
}

func (s CreateVolume) AppID() int     { return s.App }
func (s CreateVolume) String() string { return fmt.Sprintf("create volume %s (app %d)", s.Name, s.App) }

// StartService creates and starts a container for the given target service.
type StartService struct {
	App     int
	AppName string
	Service Service
}

func (s StartService) AppID() int { return s.App }
func (s StartService) String() string {
	return fmt.Sprintf("start service %s (app %d, service %d)", s.Service.ServiceName, s.App, s.Service.ServiceID)
}

// StopService gracefully stops a running container.
type StopService struct {
	App         int
	ServiceID   int
	ContainerID string
}

func (s StopService) AppID() int { return s.App }
func (s StopService) String() string {
	return fmt.Sprintf("stop service %d (app %d)", s.ServiceID, s.App)
}

// RemoveService removes a stopped container.
type RemoveService struct {
	App         int
	ServiceID   int
	ContainerID string
}

func (s RemoveService) AppID() int { return s.App }
func (s RemoveService) String() string {
	return fmt.Sprintf("remove service %d (app %d)", s.ServiceID, s.App)
}

// RemoveNetwork removes an app-scoped network that is no longer referenced.
type RemoveNetwork struct {
	App  int
	Name string
}

func (s RemoveNetwork) AppID() int     { return s.App }
func (s RemoveNetwork) String() string { return fmt.Sprintf("remove network %s (app %d)", s.Name, s.App) }

// RemoveVolume removes an app-scoped volume that is no longer referenced.
type RemoveVolume struct {
	App  int
	Name string
}

func (s RemoveVolume) AppID() int     { return s.App }
func (s RemoveVolume) String() string { return fmt.Sprintf("remove volume %s (app %d)", s.Name, s.App) }

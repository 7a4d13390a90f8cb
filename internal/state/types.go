// Package state defines the declarative device state model and the differ
// that turns a (current, target) pair into an executable step plan.
package state

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/edgehive/fleetd/internal/apperr"
)

// Status is the closed set of container states the agent reasons about.
// Runtime-specific states are mapped onto this set by the runtime adapter.
type Status string

const (
	StatusCreated    Status = "created"
	StatusRunning    Status = "running"
	StatusExited     Status = "exited"
	StatusRestarting Status = "restarting"
	StatusDead       Status = "dead"
	StatusUnknown    Status = "unknown"
	// StatusFailed marks a service whose last reconcile step failed
	// permanently, e.g. image not found. The cloud surfaces it as unhealthy.
	StatusFailed Status = "failed"
)

// RestartPolicy values accepted in a service config.
const (
	RestartNo            = "no"
	RestartAlways        = "always"
	RestartOnFailure     = "on-failure"
	RestartUnlessStopped = "unless-stopped"
)

// ServiceConfig is the desired container shape for one service.
type ServiceConfig struct {
	Image         string            `json:"image"`
	Environment   map[string]string `json:"environment,omitempty"`
	Ports         []string          `json:"ports,omitempty"`
	Volumes       []string          `json:"volumes,omitempty"`
	Networks      []string          `json:"networks,omitempty"`
	RestartPolicy string            `json:"restart_policy,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	NetworkMode   string            `json:"network_mode,omitempty"`
}

// Service is one container within an app. ContainerID, Status and
// StatusReason are runtime attributes: they appear only in current-state
// snapshots, never in targets.
type Service struct {
	AppID        int           `json:"app_id"`
	ServiceID    int           `json:"service_id"`
	ServiceName  string        `json:"service_name"`
	ImageName    string        `json:"image_name"`
	Config       ServiceConfig `json:"config"`
	ContainerID  string        `json:"container_id,omitempty"`
	Status       Status        `json:"status,omitempty"`
	StatusReason string        `json:"status_reason,omitempty"`
}

// App groups services sharing lifecycle and namespace. The services sequence
// determines startup and shutdown ordering.
type App struct {
	AppID    int       `json:"app_id"`
	AppName  string    `json:"app_name"`
	Services []Service `json:"services"`
}

// Snapshot is the root state record. Config is an opaque JSON mapping passed
// through from target to current on acceptance; it is never reconciled
// against a runtime probe.
type Snapshot struct {
	Apps   map[int]App            `json:"apps"`
	Config map[string]interface{} `json:"config"`
}

// NewSnapshot returns an empty snapshot with non-nil maps.
func NewSnapshot() Snapshot {
	return Snapshot{
		Apps:   map[int]App{},
		Config: map[string]interface{}{},
	}
}

// Empty reports whether the snapshot holds no apps.
func (s Snapshot) Empty() bool {
	return len(s.Apps) == 0
}

// AppIDs returns the snapshot's app ids in ascending order.
func (s Snapshot) AppIDs() []int {
	ids := make([]int, 0, len(s.Apps))
	for id := range s.Apps {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// FindService returns the service with the given id within an app.
func (a App) FindService(serviceID int) (Service, bool) {
	for _, svc := range a.Services {
		if svc.ServiceID == serviceID {
			return svc, true
		}
	}
	return Service{}, false
}

// VolumeNames returns the named volumes referenced by the app's services, in
// sorted order. Bind mounts (host paths starting with "/") are not app-owned
// resources and are excluded.
func (a App) VolumeNames() []string {
	set := map[string]struct{}{}
	for _, svc := range a.Services {
		for _, vol := range svc.Config.Volumes {
			name, _, ok := SplitVolume(vol)
			if ok && !strings.HasPrefix(name, "/") {
				set[name] = struct{}{}
			}
		}
	}
	return sortedKeys(set)
}

// NetworkNames returns the networks referenced by the app's services, in
// sorted order.
func (a App) NetworkNames() []string {
	set := map[string]struct{}{}
	for _, svc := range a.Services {
		for _, netw := range svc.Config.Networks {
			if netw != "" {
				set[netw] = struct{}{}
			}
		}
	}
	return sortedKeys(set)
}

// SplitVolume splits a "name:mount" or "/host/path:mount" volume reference.
func SplitVolume(ref string) (source, mount string, ok bool) {
	idx := strings.LastIndex(ref, ":")
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", false
	}
	return ref[:idx], ref[idx+1:], true
}

var dnsLabelRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateTarget checks the snapshot invariants for a submitted target.
// Violations are configuration errors: the target is rejected, not retried.
func ValidateTarget(s Snapshot) error {
	seen := map[[2]int]struct{}{}
	for id, app := range s.Apps {
		if id != app.AppID {
			return apperr.Newf(apperr.KindConfig, "app key %d does not match app_id %d", id, app.AppID)
		}
		if !dnsLabelRe.MatchString(app.AppName) {
			return apperr.Newf(apperr.KindConfig, "app %d: name %q is not a valid DNS label", id, app.AppName)
		}
		for _, svc := range app.Services {
			if svc.AppID != app.AppID {
				return apperr.Newf(apperr.KindConfig, "app %d: service %d carries app_id %d", id, svc.ServiceID, svc.AppID)
			}
			key := [2]int{svc.AppID, svc.ServiceID}
			if _, dup := seen[key]; dup {
				return apperr.Newf(apperr.KindConfig, "duplicate service identity (%d, %d)", svc.AppID, svc.ServiceID)
			}
			seen[key] = struct{}{}
			if !dnsLabelRe.MatchString(svc.ServiceName) {
				return apperr.Newf(apperr.KindConfig, "app %d: service name %q is not a valid DNS label", id, svc.ServiceName)
			}
			if svc.ContainerID != "" {
				return apperr.Newf(apperr.KindConfig, "app %d: service %d: container_id is not allowed in a target", id, svc.ServiceID)
			}
			if svc.ImageName == "" && svc.Config.Image == "" {
				return apperr.Newf(apperr.KindConfig, "app %d: service %d: image is required", id, svc.ServiceID)
			}
			if err := validateServiceConfig(svc.Config); err != nil {
				return apperr.Wrap(apperr.KindConfig, fmt.Sprintf("app %d: service %d", id, svc.ServiceID), err)
			}
		}
	}
	return nil
}

func validateServiceConfig(cfg ServiceConfig) error {
	switch cfg.RestartPolicy {
	case "", RestartNo, RestartAlways, RestartOnFailure, RestartUnlessStopped:
	default:
		return fmt.Errorf("invalid restart_policy %q", cfg.RestartPolicy)
	}
	for _, vol := range cfg.Volumes {
		if _, _, ok := SplitVolume(vol); !ok {
			return fmt.Errorf("invalid volume reference %q", vol)
		}
	}
	for _, port := range cfg.Ports {
		if !validPortSpec(port) {
			return fmt.Errorf("invalid port mapping %q", port)
		}
	}
	return nil
}

// validPortSpec accepts "host:container" and "host:container/proto".
func validPortSpec(spec string) bool {
	body := spec
	if idx := strings.Index(spec, "/"); idx >= 0 {
		proto := spec[idx+1:]
		if proto != "tcp" && proto != "udp" {
			return false
		}
		body = spec[:idx]
	}
	parts := strings.Split(body, ":")
	if len(parts) != 2 {
		return false
	}
	for _, p := range parts {
		if p == "" || strings.TrimLeft(p, "0123456789") != "" {
			return false
		}
	}
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

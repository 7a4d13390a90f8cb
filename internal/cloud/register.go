package cloud

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/edgehive/fleetd/internal/apperr"
	"github.com/edgehive/fleetd/internal/resilience"
	"github.com/edgehive/fleetd/internal/store"
	"github.com/edgehive/fleetd/internal/sysinfo"
	"github.com/edgehive/fleetd/internal/version"
)

// registerRequest is the provisioning handshake body.
type registerRequest struct {
	ProvisioningKey string `json:"provisioning_key"`
	DeviceName      string `json:"device_name"`
	DeviceType      string `json:"device_type"`
	Hostname        string `json:"hostname"`
	OSVersion       string `json:"os_version"`
	AgentVersion    string `json:"agent_version"`
	MACAddress      string `json:"mac_address,omitempty"`
}

type registerResponse struct {
	UUID        string `json:"uuid"`
	Credentials string `json:"credentials,omitempty"`
}

// Register provisions the device: it posts the provisioning key, stores the
// issued uuid and credentials, and flips the provisioned flag. Transient
// failures are retried with backoff; an invalid key is fatal, the agent
// refuses to start.
func (c *Client) Register(ctx context.Context) error {
	if ident, err := c.ids.GetIdentity(ctx); err == nil && ident.Provisioned {
		return nil
	}
	if c.cfg.ProvisioningKey == "" {
		return apperr.New(apperr.KindFatal, "device is not provisioned and no provisioning key is configured")
	}
	if c.cfg.Endpoint == "" {
		return apperr.New(apperr.KindFatal, "device is not provisioned and no cloud endpoint is configured")
	}

	host := sysinfo.DescribeHost()
	body := registerRequest{
		ProvisioningKey: c.cfg.ProvisioningKey,
		DeviceName:      c.cfg.DeviceName,
		DeviceType:      c.cfg.DeviceType,
		Hostname:        host.Hostname,
		OSVersion:       host.OSVersion,
		AgentVersion:    version.Version,
		MACAddress:      primaryMAC(),
	}

	retryCfg := resilience.RetryConfig{
		MaxAttempts:  6,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}

	var issued registerResponse
	var permanentErr error
	err := resilience.Retry(ctx, retryCfg, func() error {
		attemptErr := c.registerOnce(ctx, body, &issued)
		if attemptErr != nil && !apperr.IsTransient(attemptErr) {
			// Permanent rejection: stop retrying by returning success from
			// the closure and carrying the error out.
			permanentErr = attemptErr
			return nil
		}
		return attemptErr
	})
	if err == nil {
		err = permanentErr
	}
	if err != nil {
		if apperr.IsTransient(err) {
			return apperr.Wrap(apperr.KindFatal, "device registration exhausted retries", err)
		}
		return apperr.Wrap(apperr.KindFatal, "device registration rejected", err)
	}

	now := time.Now().UTC()
	ident := store.DeviceIdentity{
		UUID:           issued.UUID,
		DeviceName:     c.cfg.DeviceName,
		DeviceType:     c.cfg.DeviceType,
		Provisioned:    true,
		APIEndpointURL: c.cfg.Endpoint,
		APIKey:         issued.Credentials,
		RegisteredAt:   &now,
	}
	if err := c.ids.SetIdentity(ctx, ident); err != nil {
		return apperr.Wrap(apperr.KindFatal, "persist device identity", err)
	}
	c.log.WithField("uuid", issued.UUID).Info("device registered")
	return nil
}

func (c *Client) registerOnce(ctx context.Context, body registerRequest, out *registerResponse) error {
	resp, err := c.doJSON(ctx, http.MethodPost, c.cfg.Endpoint+"/device/register", "", body, nil)
	if err != nil {
		return err
	}

	if err := classifyStatus("register device", resp.StatusCode); err != nil {
		drainAndClose(resp)
		return err
	}

	raw, err := readBody(resp)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.KindConfig, "decode registration response", err)
	}
	if out.UUID == "" {
		return apperr.New(apperr.KindConfig, "registration response missing uuid")
	}
	return nil
}

// primaryMAC returns the hardware address of the first non-loopback
// interface, best effort.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

// Package cloud implements the device side of the state-exchange protocol:
// conditional target polling, throttled current-state reporting and one-off
// device registration.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/edgehive/fleetd/internal/apperr"
	"github.com/edgehive/fleetd/internal/engine"
	"github.com/edgehive/fleetd/internal/logging"
	"github.com/edgehive/fleetd/internal/metrics"
	"github.com/edgehive/fleetd/internal/state"
	"github.com/edgehive/fleetd/internal/store"
	"github.com/edgehive/fleetd/internal/sysinfo"
	"github.com/edgehive/fleetd/internal/version"
)

// Engine is the slice of the reconciliation engine the client depends on.
type Engine interface {
	SetTarget(ctx context.Context, snap state.Snapshot) error
	GetCurrent() state.Snapshot
	TargetRejection() (string, bool)
	Subscribe() (<-chan engine.Event, func())
}

// IdentityStore is the slice of the state store the client depends on.
type IdentityStore interface {
	GetIdentity(ctx context.Context) (store.DeviceIdentity, error)
	SetIdentity(ctx context.Context, ident store.DeviceIdentity) error
}

// Config tunes the protocol tasks.
type Config struct {
	Endpoint        string
	ProvisioningKey string
	DeviceName      string
	DeviceType      string
	PollInterval    time.Duration
	ReportInterval  time.Duration
	MetricsInterval time.Duration
	RequestTimeout  time.Duration
}

// Client carries the HTTP plumbing shared by the protocol tasks.
type Client struct {
	cfg  Config
	http *http.Client
	eng  Engine
	ids  IdentityStore
	sys  *sysinfo.Collector
	met  *metrics.Metrics
	log  *logging.Logger
}

// NewClient builds the shared protocol client.
func NewClient(cfg Config, eng Engine, ids IdentityStore, sys *sysinfo.Collector, met *metrics.Metrics, log *logging.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
		eng:  eng,
		ids:  ids,
		sys:  sys,
		met:  met,
		log:  log,
	}
}

// identity returns the provisioned identity, or KindNotProvisioned.
func (c *Client) identity(ctx context.Context) (store.DeviceIdentity, error) {
	ident, err := c.ids.GetIdentity(ctx)
	if err != nil {
		return store.DeviceIdentity{}, err
	}
	if !ident.Provisioned || ident.UUID == "" {
		return store.DeviceIdentity{}, apperr.New(apperr.KindNotProvisioned, "device not provisioned")
	}
	return ident, nil
}

// endpointFor resolves the API base URL: the registered endpoint wins, the
// boot configuration is the fallback.
func (c *Client) endpointFor(ident store.DeviceIdentity) string {
	if ident.APIEndpointURL != "" {
		return strings.TrimRight(ident.APIEndpointURL, "/")
	}
	return strings.TrimRight(c.cfg.Endpoint, "/")
}

// doJSON issues a request with standard headers. A non-nil body is JSON
// encoded. The caller owns the response body.
func (c *Client) doJSON(ctx context.Context, method, url, apiKey string, body interface{}, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfig, "encode request body", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "build request", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, method+" "+url, err)
	}
	return resp, nil
}

// classifyStatus maps a response status onto the retry taxonomy. 408 and
// 429 are the only 4xx worth retrying.
func classifyStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return apperr.Newf(apperr.KindTransient, "%s: status %d", op, status)
	case status >= 400 && status < 500:
		return apperr.Newf(apperr.KindConfig, "%s: status %d", op, status)
	default:
		return apperr.Newf(apperr.KindTransient, "%s: status %d", op, status)
	}
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "read response body", err)
	}
	return raw, nil
}

func deviceStateURL(base, uuid string) string {
	return fmt.Sprintf("%s/device/%s/state", base, uuid)
}

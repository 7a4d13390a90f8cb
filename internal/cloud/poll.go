package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/edgehive/fleetd/internal/apperr"
	"github.com/edgehive/fleetd/internal/resilience"
	"github.com/edgehive/fleetd/internal/state"
)

// Poller periodically fetches the device's target state with an ETag-gated
// conditional GET and hands accepted targets to the engine.
type Poller struct {
	client *Client

	mu      sync.Mutex
	etag    string
	backoff *resilience.Backoff
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewPoller builds the poll task.
func NewPoller(client *Client) *Poller {
	return &Poller{
		client:  client,
		backoff: resilience.NewBackoff(time.Second, 60*time.Second),
	}
}

// Name implements the service lifecycle.
func (p *Poller) Name() string { return "cloud-poller" }

// Start begins polling. The loop sleeps the jittered backoff delay after a
// transient failure and the poll interval otherwise, including after a
// non-transient failure.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			delay := p.client.cfg.PollInterval
			if err := p.poll(runCtx); err != nil && apperr.IsTransient(err) {
				delay = p.backoff.Next()
				p.client.log.WithError(err).WithField("retry_in", delay).Warn("target poll failed")
			} else {
				p.backoff.Reset()
			}

			select {
			case <-runCtx.Done():
				return
			case <-time.After(delay):
			}
		}
	}()
	return nil
}

// Stop cancels the loop at its next task boundary.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// poll performs one conditional fetch.
func (p *Poller) poll(ctx context.Context) error {
	ident, err := p.client.identity(ctx)
	if err != nil {
		// Not provisioned yet; the registrar will fix that.
		return nil
	}

	headers := map[string]string{}
	p.mu.Lock()
	if p.etag != "" {
		headers["If-None-Match"] = p.etag
	}
	p.mu.Unlock()

	url := deviceStateURL(p.client.endpointFor(ident), ident.UUID)
	resp, err := p.client.doJSON(ctx, http.MethodGet, url, ident.APIKey, nil, headers)
	if err != nil {
		p.client.met.PollsTotal.WithLabelValues("error").Inc()
		return err
	}

	if resp.StatusCode == http.StatusNotModified {
		drainAndClose(resp)
		p.client.met.PollsTotal.WithLabelValues("not_modified").Inc()
		return nil
	}
	if err := classifyStatus("poll target", resp.StatusCode); err != nil {
		drainAndClose(resp)
		p.client.met.PollsTotal.WithLabelValues("error").Inc()
		p.client.log.WithField("status", resp.StatusCode).Warn("target poll rejected")
		return err
	}

	etag := resp.Header.Get("ETag")
	raw, err := readBody(resp)
	if err != nil {
		p.client.met.PollsTotal.WithLabelValues("error").Inc()
		return err
	}

	snap, err := parseTargetState(raw, ident.UUID)
	if err != nil {
		p.client.met.PollsTotal.WithLabelValues("invalid").Inc()
		p.client.log.WithError(err).Warn("target state body rejected")
		return err
	}

	if err := p.client.eng.SetTarget(ctx, snap); err != nil {
		p.client.met.PollsTotal.WithLabelValues("rejected").Inc()
		return err
	}

	p.mu.Lock()
	p.etag = etag
	p.mu.Unlock()
	p.client.met.PollsTotal.WithLabelValues("updated").Inc()
	return nil
}

// ETag returns the last stored entity tag.
func (p *Poller) ETag() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.etag
}

// parseTargetState extracts this device's entry from the poll response,
// which is keyed by device uuid.
func parseTargetState(raw []byte, uuid string) (state.Snapshot, error) {
	entry := gjson.GetBytes(raw, escapeGJSONKey(uuid))
	if !entry.Exists() {
		return state.Snapshot{}, apperr.Newf(apperr.KindConfig, "target state has no entry for device %s", uuid)
	}

	var payload struct {
		Apps   map[int]state.App      `json:"apps"`
		Config map[string]interface{} `json:"config"`
	}
	if err := json.Unmarshal([]byte(entry.Raw), &payload); err != nil {
		return state.Snapshot{}, apperr.Wrap(apperr.KindConfig, "decode target state", err)
	}

	snap := state.NewSnapshot()
	if payload.Apps != nil {
		snap.Apps = payload.Apps
	}
	if payload.Config != nil {
		snap.Config = payload.Config
	}
	return snap, nil
}

// escapeGJSONKey escapes path syntax in a literal map key.
func escapeGJSONKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '\\':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}

package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/edgehive/fleetd/internal/apperr"
	"github.com/edgehive/fleetd/internal/engine"
	"github.com/edgehive/fleetd/internal/resilience"
	"github.com/edgehive/fleetd/internal/state"
	"github.com/edgehive/fleetd/internal/sysinfo"
)

// Reporter pushes the device's current state to the cloud: on a fixed
// interval, immediately after a completed reconciliation, and with host
// metrics merged in every metrics interval.
type Reporter struct {
	client *Client

	// limiter spaces out event-triggered reports so a burst of completed
	// cycles cannot flood the cloud.
	limiter *rate.Limiter
	backoff *resilience.Backoff
	trigger chan struct{}

	mu          sync.Mutex
	lastPayload []byte
	lastMetrics time.Time
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
	running     bool
}

// NewReporter builds the report task.
func NewReporter(client *Client) *Reporter {
	return &Reporter{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		backoff: resilience.NewBackoff(time.Second, 60*time.Second),
		trigger: make(chan struct{}, 1),
	}
}

// Name implements the service lifecycle.
func (r *Reporter) Name() string { return "cloud-reporter" }

// Start subscribes to engine events and begins the report loop.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true

	events, unsubscribe := r.client.eng.Subscribe()
	r.unsubscribe = unsubscribe
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range events {
			if ev.Type != engine.EventReconcileCompleted {
				continue
			}
			select {
			case r.trigger <- struct{}{}:
			default:
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			delay := r.client.cfg.ReportInterval
			triggered := false

			select {
			case <-runCtx.Done():
				return
			case <-r.trigger:
				triggered = true
			case <-time.After(delay):
			}

			if triggered && !r.limiter.Allow() {
				// Fold the burst into the next scheduled report.
				continue
			}
			if err := r.report(runCtx, triggered); err != nil && apperr.IsTransient(err) {
				wait := r.backoff.Next()
				r.client.log.WithError(err).WithField("retry_in", wait).Warn("state report failed")
				select {
				case <-runCtx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}
			r.backoff.Reset()
		}
	}()
	return nil
}

// Stop cancels the loop at its next task boundary.
func (r *Reporter) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	unsubscribe := r.unsubscribe
	r.running = false
	r.mu.Unlock()

	cancel()
	if unsubscribe != nil {
		unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// report sends one state report unless nothing changed since the last one.
func (r *Reporter) report(ctx context.Context, triggered bool) error {
	ident, err := r.client.identity(ctx)
	if err != nil {
		return nil
	}

	current := r.client.eng.GetCurrent()

	entry := statePayload{
		Apps:   current.Apps,
		Config: reportConfig(current, r.client.eng),
	}

	metricsDue := r.metricsDue()
	if metricsDue && r.client.sys != nil {
		snap := r.client.sys.Latest()
		entry.Metrics = &snap
	}

	payload := map[string]statePayload{ident.UUID: entry}
	raw, err := json.Marshal(payload)
	if err != nil {
		return apperr.Wrap(apperr.KindConfig, "encode state report", err)
	}

	r.mu.Lock()
	unchanged := bytes.Equal(raw, r.lastPayload)
	r.mu.Unlock()
	if unchanged && !metricsDue {
		r.client.met.ReportsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	url := r.client.endpointFor(ident) + "/device/state"
	resp, err := r.client.doJSON(ctx, http.MethodPatch, url, ident.APIKey, payload, nil)
	if err != nil {
		r.client.met.ReportsTotal.WithLabelValues("error").Inc()
		return err
	}
	defer drainAndClose(resp)

	if err := classifyStatus("report state", resp.StatusCode); err != nil {
		r.client.met.ReportsTotal.WithLabelValues("error").Inc()
		return err
	}

	r.mu.Lock()
	r.lastPayload = raw
	if metricsDue {
		r.lastMetrics = time.Now()
	}
	r.mu.Unlock()
	r.client.met.ReportsTotal.WithLabelValues("sent").Inc()
	return nil
}

func (r *Reporter) metricsDue() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastMetrics) >= r.client.cfg.MetricsInterval
}

// statePayload is one device's entry in a PATCH /device/state body.
type statePayload struct {
	Apps    map[int]state.App      `json:"apps"`
	Config  map[string]interface{} `json:"config"`
	Metrics *sysinfo.Snapshot      `json:"metrics,omitempty"`
}

// reportConfig mirrors the current config mapping and annotates it with the
// last target rejection so the cloud can surface bad pushes.
func reportConfig(current state.Snapshot, eng Engine) map[string]interface{} {
	cfg := map[string]interface{}{}
	for k, v := range current.Config {
		cfg[k] = v
	}
	if reason, rejected := eng.TargetRejection(); rejected {
		cfg["status"] = "target_rejected"
		cfg["status_reason"] = reason
	}
	return cfg
}

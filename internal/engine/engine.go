// Package engine owns the reconciliation loop: it serialises target
// acceptance, executes step plans against the runtime adapter, maintains the
// current snapshot and persists both.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/edgehive/fleetd/internal/apperr"
	"github.com/edgehive/fleetd/internal/logging"
	"github.com/edgehive/fleetd/internal/metrics"
	"github.com/edgehive/fleetd/internal/runtime"
	"github.com/edgehive/fleetd/internal/state"
	"github.com/edgehive/fleetd/internal/store"
)

// Store is the slice of the state store the engine depends on.
type Store interface {
	GetIdentity(ctx context.Context) (store.DeviceIdentity, error)
	LoadTarget(ctx context.Context) (state.Snapshot, error)
	SaveTarget(ctx context.Context, snap state.Snapshot) error
	LoadCurrent(ctx context.Context) (state.Snapshot, error)
	SaveCurrent(ctx context.Context, snap state.Snapshot) error
}

// Options tune the engine.
type Options struct {
	// ReconcileInterval is the auto-reconciliation tick period.
	ReconcileInterval time.Duration
	// StopGrace is passed to container stop requests.
	StopGrace time.Duration
}

// Engine is the single writer of current state. All exported methods are
// safe for concurrent use.
type Engine struct {
	st   Store
	rt   runtime.Adapter
	met  *metrics.Metrics
	log  *logging.Logger
	opts Options

	events *fanout

	// stateMu guards the two snapshots and the rejection note.
	stateMu       sync.Mutex
	target        state.Snapshot
	current       state.Snapshot
	lastRejection string

	// reconcileMu is the single-writer flag: TryLock either grants the one
	// execution slot or reports AlreadyRunning.
	reconcileMu sync.Mutex

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New constructs an engine. Persisted snapshots are loaded in Start.
func New(st Store, rt runtime.Adapter, met *metrics.Metrics, log *logging.Logger, opts Options) *Engine {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 30 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = runtime.DefaultStopGrace
	}
	return &Engine{
		st:      st,
		rt:      rt,
		met:     met,
		log:     log,
		opts:    opts,
		events:  newFanout(),
		target:  state.NewSnapshot(),
		current: state.NewSnapshot(),
	}
}

// Name implements the service lifecycle.
func (e *Engine) Name() string { return "engine" }

// Start loads persisted snapshots and begins the auto-reconciliation timer.
func (e *Engine) Start(ctx context.Context) error {
	target, err := e.st.LoadTarget(ctx)
	if err != nil {
		return err
	}
	current, err := e.st.LoadCurrent(ctx)
	if err != nil {
		return err
	}

	e.stateMu.Lock()
	e.target = target
	e.current = current
	e.stateMu.Unlock()

	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true
	e.runMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.opts.ReconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				e.tick(runCtx)
			}
		}
	}()

	e.log.WithField("interval", e.opts.ReconcileInterval).Info("auto-reconciliation started")
	return nil
}

// Stop halts the timer and waits for an in-flight cycle to reach a step
// boundary.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.running = false
	e.runMu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		// Acquiring the slot proves no plan execution is active.
		e.reconcileMu.Lock()
		defer e.reconcileMu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn("shutdown grace expired with reconciliation still active")
	}
	e.events.closeAll()
	return nil
}

// tick runs one scheduled reconciliation. Unprovisioned devices and ticks
// that land during an active cycle are skipped.
func (e *Engine) tick(ctx context.Context) {
	ident, err := e.st.GetIdentity(ctx)
	if err != nil || !ident.Provisioned {
		return
	}
	if _, err := e.Reconcile(ctx); err != nil && apperr.KindOf(err) != apperr.KindAlreadyRunning {
		e.log.WithError(err).Warn("scheduled reconciliation failed")
	}
}

// SetTarget validates, persists and adopts a new target snapshot. It never
// executes the plan; execution belongs to Reconcile. A mid-flight cycle is
// not preempted: it completes against the old target and the next tick picks
// up the new one.
func (e *Engine) SetTarget(ctx context.Context, snap state.Snapshot) error {
	if err := state.ValidateTarget(snap); err != nil {
		e.stateMu.Lock()
		e.lastRejection = err.Error()
		e.stateMu.Unlock()
		e.log.WithError(err).Warn("target rejected")
		return err
	}

	adopted := snap.Clone()
	if adopted.Apps == nil {
		adopted.Apps = map[int]state.App{}
	}
	if adopted.Config == nil {
		adopted.Config = map[string]interface{}{}
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if err := e.st.SaveTarget(ctx, adopted); err != nil {
		return err
	}
	e.target = adopted
	e.lastRejection = ""
	e.events.publish(Event{Type: EventTargetChanged})
	e.log.WithField("apps", len(adopted.Apps)).Info("target state updated")
	return nil
}

// GetTarget returns a deep copy of the target snapshot.
func (e *Engine) GetTarget() state.Snapshot {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.target.Clone()
}

// GetCurrent returns a deep copy of the current snapshot. Snapshots are
// never visible half-updated: plan execution swaps them in whole at step
// boundaries.
func (e *Engine) GetCurrent() state.Snapshot {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.current.Clone()
}

// TargetRejection reports the last rejected target's reason, if the most
// recent SetTarget was rejected.
func (e *Engine) TargetRejection() (string, bool) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.lastRejection, e.lastRejection != ""
}

// Subscribe registers an event subscriber.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.events.Subscribe()
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/edgehive/fleetd/internal/apperr"
	"github.com/edgehive/fleetd/internal/runtime"
	"github.com/edgehive/fleetd/internal/state"
)

// Reconcile runs one diff-and-execute cycle. If a cycle is already active
// it returns immediately with KindAlreadyRunning; triggers are never queued,
// the next tick recomputes against fresh state.
func (e *Engine) Reconcile(ctx context.Context) (Summary, error) {
	if !e.reconcileMu.TryLock() {
		return Summary{}, apperr.New(apperr.KindAlreadyRunning, "reconciliation already running")
	}
	defer e.reconcileMu.Unlock()

	e.met.ReconcileActive.Set(1)
	defer e.met.ReconcileActive.Set(0)

	started := time.Now()
	e.events.publish(Event{Type: EventReconcileStarted})

	target := e.GetTarget()
	current := e.resync(ctx)
	e.setCurrent(current)

	plan := state.Diff(current, target)
	e.met.PlanSize.Observe(float64(len(plan)))

	summary := e.executePlan(ctx, plan, current, target)
	summary.Duration = time.Since(started)

	e.met.ReconcilesTotal.WithLabelValues(string(summary.Outcome)).Inc()
	e.met.ReconcileDuration.Observe(summary.Duration.Seconds())

	switch summary.Outcome {
	case OutcomeFailed:
		e.events.publish(Event{
			Type:      EventReconcileFailed,
			StepIndex: summary.FailedIndex,
			Error:     summary.Error,
			Summary:   &summary,
		})
	default:
		e.events.publish(Event{Type: EventReconcileCompleted, Summary: &summary})
	}

	e.log.WithFields(map[string]interface{}{
		"outcome":  string(summary.Outcome),
		"steps":    summary.PlanSteps,
		"executed": summary.Executed,
		"failed":   summary.Failed,
	}).Info("reconciliation finished")
	return summary, nil
}

// executePlan walks the plan strictly in order, folding each successful step
// into the current snapshot and persisting the result. Step boundaries are
// the only cancellation points.
func (e *Engine) executePlan(ctx context.Context, plan []state.Step, current, target state.Snapshot) Summary {
	summary := Summary{PlanSteps: len(plan), Outcome: OutcomeNoop}

	if len(plan) == 0 {
		current.Config = target.Clone().Config
		e.setCurrent(current)
		e.persistCurrent(current)
		return summary
	}

	// Apps that hit a permanent failure: their remaining steps are skipped,
	// independent apps continue.
	failedApps := map[int]bool{}

	for idx, step := range plan {
		if ctx.Err() != nil {
			summary.Outcome = OutcomeAborted
			summary.Error = ctx.Err().Error()
			e.persistCurrent(current)
			return summary
		}
		if failedApps[step.AppID()] {
			continue
		}

		e.events.publish(Event{Type: EventStepApplied, Step: step.String(), StepIndex: idx, Result: StepInProgress})

		stepStart := time.Now()
		res, err := e.execStep(ctx, step)
		elapsed := time.Since(stepStart)

		if err == nil {
			current.Apply(step, res)
			e.setCurrent(current)
			e.persistCurrent(current)
			summary.Executed++
			e.met.ObserveStep(stepName(step), StepOK, elapsed)
			e.events.publish(Event{Type: EventStepApplied, Step: step.String(), StepIndex: idx, Result: StepOK})
			continue
		}

		e.met.ObserveStep(stepName(step), StepFailed, elapsed)
		summary.Failed++

		if apperr.IsTransient(err) {
			// Stop here; the next scheduled tick retries from a fresh resync.
			summary.Outcome = OutcomeFailed
			summary.FailedIndex = idx
			summary.Error = err.Error()
			e.log.WithError(err).WithField("step", step.String()).Warn("transient step failure, cycle suspended")
			e.persistCurrent(current)
			return summary
		}

		// Permanent failure: surface it on the affected services and keep
		// going with apps that do not depend on this step.
		e.markStepFailure(&current, target, step, err)
		e.setCurrent(current)
		failedApps[step.AppID()] = true
		e.events.publish(Event{
			Type:      EventReconcileFailed,
			Step:      step.String(),
			StepIndex: idx,
			Result:    StepFailed,
			Error:     err.Error(),
			Permanent: true,
		})
		e.log.WithError(err).WithField("step", step.String()).Error("permanent step failure")
	}

	if summary.Failed == 0 {
		current.Config = target.Clone().Config
		summary.Outcome = OutcomeCompleted
	} else {
		summary.Outcome = OutcomeDegraded
	}
	e.setCurrent(current)
	e.persistCurrent(current)
	return summary
}

func (e *Engine) execStep(ctx context.Context, step state.Step) (state.StepResult, error) {
	switch st := step.(type) {
	case state.DownloadImage:
		return state.StepResult{}, e.rt.PullImage(ctx, st.Image)
	case state.CreateVolume:
		return state.StepResult{}, e.rt.CreateVolume(ctx, st.App, st.Name)
	case state.CreateNetwork:
		return state.StepResult{}, e.rt.CreateNetwork(ctx, st.App, st.Name)
	case state.StartService:
		id, err := e.rt.CreateContainer(ctx, st.App, st.AppName, st.Service)
		if err != nil {
			return state.StepResult{}, err
		}
		if err := e.rt.StartContainer(ctx, id); err != nil {
			return state.StepResult{}, err
		}
		return state.StepResult{ContainerID: id}, nil
	case state.StopService:
		if st.ContainerID == "" {
			return state.StepResult{}, nil
		}
		return state.StepResult{}, e.rt.StopContainer(ctx, st.ContainerID, e.opts.StopGrace)
	case state.RemoveService:
		if st.ContainerID == "" {
			return state.StepResult{}, nil
		}
		return state.StepResult{}, e.rt.RemoveContainer(ctx, st.ContainerID, false)
	case state.RemoveNetwork:
		return state.StepResult{}, e.rt.RemoveNetwork(ctx, st.App, st.Name)
	case state.RemoveVolume:
		return state.StepResult{}, e.rt.RemoveVolume(ctx, st.App, st.Name)
	default:
		return state.StepResult{}, apperr.Newf(apperr.KindConfig, "unknown step %T", step)
	}
}

// markStepFailure records a permanent failure against the services the step
// was serving so the cloud sees them as failed.
func (e *Engine) markStepFailure(current *state.Snapshot, target state.Snapshot, step state.Step, err error) {
	app, ok := target.Apps[step.AppID()]
	if !ok {
		return
	}
	reason := err.Error()

	switch st := step.(type) {
	case state.DownloadImage:
		for _, svc := range app.Services {
			if state.EffectiveImage(svc) == st.Image {
				current.MarkServiceFailed(app.AppID, app.AppName, svc, reason)
			}
		}
	case state.StartService:
		current.MarkServiceFailed(app.AppID, app.AppName, st.Service, reason)
	case state.CreateVolume, state.CreateNetwork:
		for _, svc := range app.Services {
			current.MarkServiceFailed(app.AppID, app.AppName, svc, reason)
		}
	}
}

// resync refreshes the current snapshot from the runtime so out-of-band
// drift (a crashed container, a manual docker rm) is visible to the differ.
// Services keep their recorded config; container id and status come from
// the daemon.
func (e *Engine) resync(ctx context.Context) state.Snapshot {
	current := e.GetCurrent()

	containers, err := e.rt.ListManagedContainers(ctx)
	if err != nil {
		e.log.WithError(err).Warn("runtime resync failed, using persisted current state")
		return current
	}

	type identity struct{ app, svc int }
	observed := map[identity]runtime.Container{}
	for _, c := range containers {
		if c.AppID() == 0 || c.ServiceID() == 0 {
			// Managed label without identity labels: never touch it.
			continue
		}
		observed[identity{c.AppID(), c.ServiceID()}] = c
	}

	rebuilt := state.NewSnapshot()
	rebuilt.Config = current.Clone().Config

	for appID, app := range current.Apps {
		kept := state.App{AppID: app.AppID, AppName: app.AppName}
		for _, svc := range app.Services {
			key := identity{appID, svc.ServiceID}
			c, alive := observed[key]
			if alive {
				delete(observed, key)
				svc = svc.Clone()
				svc.ContainerID = c.ID
				svc.Status = c.Status
				if status, err := e.rt.InspectContainer(ctx, c.ID); err == nil {
					svc.Status = status
				}
				kept.Services = append(kept.Services, svc)
				continue
			}
			if svc.Status == state.StatusFailed && svc.ContainerID == "" {
				// Keep the failure marker; the differ will retry the service
				// and the cloud keeps seeing it as unhealthy meanwhile.
				kept.Services = append(kept.Services, svc.Clone())
			}
			// Otherwise the container is gone out-of-band: drop the service
			// so the differ brings it back.
		}
		if len(kept.Services) > 0 {
			rebuilt.Apps[appID] = kept
		}
	}

	// Managed containers the snapshot has never seen: adopt them so the
	// differ can tear them down or converge them.
	for _, c := range observed {
		svc := state.Service{
			AppID:       c.AppID(),
			ServiceID:   c.ServiceID(),
			ServiceName: c.Labels[runtime.LabelServiceName],
			ImageName:   c.Image,
			Config:      state.ServiceConfig{Image: c.Image},
			ContainerID: c.ID,
			Status:      c.Status,
		}
		app := rebuilt.Apps[c.AppID()]
		app.AppID = c.AppID()
		if name := c.Labels[runtime.LabelAppName]; name != "" {
			app.AppName = name
		}
		app.Services = append(app.Services, svc)
		rebuilt.Apps[c.AppID()] = app
	}

	return rebuilt
}

func (e *Engine) setCurrent(snap state.Snapshot) {
	e.stateMu.Lock()
	e.current = snap.Clone()
	e.stateMu.Unlock()
}

func (e *Engine) persistCurrent(snap state.Snapshot) {
	// Persistence failures must not kill the cycle; the snapshot is retried
	// on the next save and the daemon remains the source of truth.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.st.SaveCurrent(ctx, snap); err != nil {
		e.log.WithError(err).Error("persist current state failed")
	}
}

func stepName(step state.Step) string {
	switch step.(type) {
	case state.DownloadImage:
		return "download_image"
	case state.CreateNetwork:
		return "create_network"
	case state.CreateVolume:
		return "create_volume"
	case state.StartService:
		return "start_service"
	case state.StopService:
		return "stop_service"
	case state.RemoveService:
		return "remove_service"
	case state.RemoveNetwork:
		return "remove_network"
	case state.RemoveVolume:
		return "remove_volume"
	default:
		return fmt.Sprintf("%T", step)
	}
}

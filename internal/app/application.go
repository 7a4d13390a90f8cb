// Package app wires the agent together: it owns the state store handle,
// boots every component in dependency order and tears them down in reverse.
package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/edgehive/fleetd/internal/app/system"
	"github.com/edgehive/fleetd/internal/apperr"
	"github.com/edgehive/fleetd/internal/cloud"
	"github.com/edgehive/fleetd/internal/config"
	"github.com/edgehive/fleetd/internal/engine"
	"github.com/edgehive/fleetd/internal/httpapi"
	"github.com/edgehive/fleetd/internal/logging"
	"github.com/edgehive/fleetd/internal/metrics"
	"github.com/edgehive/fleetd/internal/platform/database"
	"github.com/edgehive/fleetd/internal/platform/migrations"
	"github.com/edgehive/fleetd/internal/runtime"
	"github.com/edgehive/fleetd/internal/store"
	"github.com/edgehive/fleetd/internal/sysinfo"
)

// Application is the supervisor: it holds the wired components and drives
// their lifecycle.
type Application struct {
	cfg *config.Config
	log *logging.Logger

	db       *sqlx.DB
	store    *store.Store
	rt       runtime.Adapter
	engine   *engine.Engine
	client   *cloud.Client
	services []system.Service
}

// New opens the store, probes the runtime and constructs every component.
// Boot-time failures here are fatal by definition; the process should exit
// and let the host supervisor restart it.
func New(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Application, error) {
	db, err := database.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "open state store", err)
	}
	if err := migrations.Apply(db.DB); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.KindFatal, "migrate state store", err)
	}
	st := store.New(db)

	rt, err := runtime.NewDockerAdapter(cfg.RuntimeSocket, log.Named("runtime"))
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := rt.Ping(ctx); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.KindFatal, "container daemon unreachable", err)
	}

	met := metrics.New()
	sys := sysinfo.NewCollector(cfg.MetricsInterval, log.Named("sysinfo"))

	eng := engine.New(st, rt, met, log.Named("engine"), engine.Options{
		ReconcileInterval: cfg.ReconcileInterval,
	})

	client := cloud.NewClient(cloud.Config{
		Endpoint:        cfg.CloudAPIEndpoint,
		ProvisioningKey: cfg.ProvisioningKey,
		DeviceName:      cfg.DeviceName,
		DeviceType:      cfg.DeviceType,
		PollInterval:    cfg.PollInterval,
		ReportInterval:  cfg.ReportInterval,
		MetricsInterval: cfg.MetricsInterval,
		RequestTimeout:  cfg.RequestTimeout,
	}, eng, st, sys, met, log.Named("cloud"))

	api := httpapi.NewService(cfg.ListenAddr, httpapi.NewHandler(httpapi.Deps{
		Engine:   eng,
		Runtime:  rt,
		Identity: st,
		Sysinfo:  sys,
		Metrics:  met,
		Token:    cfg.LocalAPIToken,
	}), log.Named("httpapi"))

	app := &Application{
		cfg:    cfg,
		log:    log,
		db:     db,
		store:  st,
		rt:     rt,
		engine: eng,
		client: client,
	}
	// Start order; Stop walks it in reverse so producers outlive consumers.
	app.services = []system.Service{
		sys,
		eng,
		cloud.NewPoller(client),
		cloud.NewReporter(client),
		api,
	}
	return app, nil
}

// Start registers the device if needed, then brings up every service.
func (a *Application) Start(ctx context.Context) error {
	if err := a.client.Register(ctx); err != nil {
		return err
	}

	for i, svc := range a.services {
		if err := svc.Start(ctx); err != nil {
			a.stopServices(ctx, i-1)
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		a.log.WithField("service", svc.Name()).Debug("service started")
	}
	a.log.Info("agent started")
	return nil
}

// Stop tears services down in reverse order and closes the store.
func (a *Application) Stop(ctx context.Context) error {
	a.stopServices(ctx, len(a.services)-1)
	if err := a.store.Close(); err != nil {
		return err
	}
	a.log.Info("agent stopped")
	return nil
}

func (a *Application) stopServices(ctx context.Context, from int) {
	for i := from; i >= 0; i-- {
		svc := a.services[i]
		if err := svc.Stop(ctx); err != nil {
			a.log.WithError(err).WithField("service", svc.Name()).Warn("service stop failed")
		}
	}
}

// Engine exposes the reconciliation engine to embedders and tests.
func (a *Application) Engine() *engine.Engine { return a.engine }

// Store exposes the state store to embedders and tests.
func (a *Application) Store() *store.Store { return a.store }

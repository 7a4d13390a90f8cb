package state

// StepResult carries the observable outcome of an executed step back into
// the current snapshot.
type StepResult struct {
	// ContainerID is set for StartService steps.
	ContainerID string
}

// Apply folds a successfully executed step into the snapshot, which must be
// the mutable current state owned by the engine. Resource steps (images,
// networks, volumes) carry no state of their own: app resources are derived
// from the services that reference them.
func (s *Snapshot) Apply(step Step, res StepResult) {
	switch st := step.(type) {
	case StartService:
		svc := st.Service.Clone()
		svc.ContainerID = res.ContainerID
		svc.Status = StatusRunning
		svc.StatusReason = ""
		s.upsertService(st.App, st.AppName, svc)
	case StopService:
		s.setServiceStatus(st.App, st.ServiceID, StatusExited, "")
	case RemoveService:
		s.deleteService(st.App, st.ServiceID)
	}
}

// MarkServiceFailed records a permanent step failure against a service so
// the cloud sees it as unhealthy. The given service is stored with its
// identity, image and config, status failed, the reason, and no container id;
// a service the current state has never seen is inserted this way.
func (s *Snapshot) MarkServiceFailed(appID int, appName string, svc Service, reason string) {
	if s.Apps == nil {
		s.Apps = map[int]App{}
	}
	failed := svc.Clone()
	failed.Status = StatusFailed
	failed.StatusReason = reason
	failed.ContainerID = ""
	s.upsertService(appID, appName, failed)
}

func (s *Snapshot) upsertService(appID int, appName string, svc Service) {
	if s.Apps == nil {
		s.Apps = map[int]App{}
	}
	app, ok := s.Apps[appID]
	if !ok {
		app = App{AppID: appID, AppName: appName}
	}
	if appName != "" {
		app.AppName = appName
	}
	replaced := false
	for i := range app.Services {
		if app.Services[i].ServiceID == svc.ServiceID {
			app.Services[i] = svc
			replaced = true
			break
		}
	}
	if !replaced {
		app.Services = append(app.Services, svc)
	}
	s.Apps[appID] = app
}

func (s *Snapshot) setServiceStatus(appID, serviceID int, status Status, reason string) {
	app, ok := s.Apps[appID]
	if !ok {
		return
	}
	for i := range app.Services {
		if app.Services[i].ServiceID == serviceID {
			app.Services[i].Status = status
			app.Services[i].StatusReason = reason
			break
		}
	}
	s.Apps[appID] = app
}

// deleteService removes a service and drops the app entirely once its last
// service is gone, so a fully torn down app disappears from current state.
func (s *Snapshot) deleteService(appID, serviceID int) {
	app, ok := s.Apps[appID]
	if !ok {
		return
	}
	kept := app.Services[:0]
	for _, svc := range app.Services {
		if svc.ServiceID != serviceID {
			kept = append(kept, svc)
		}
	}
	app.Services = kept
	if len(app.Services) == 0 {
		delete(s.Apps, appID)
		return
	}
	s.Apps[appID] = app
}

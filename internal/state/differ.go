package state

import "sort"

// Diff computes the ordered step plan that transforms current into target.
//
// It is a pure function: no clock, no randomness, no I/O. Given identical
// inputs it returns identical plans. Apps are processed in ascending app_id
// order; within an app, steps are grouped in phases (prerequisites,
// teardown, bring-up, cleanup) and services are processed in the order they
// appear in their parent app's services sequence.
func Diff(current, target Snapshot) []Step {
	var plan []Step
	for _, id := range unionAppIDs(current, target) {
		cur, hasCur := current.Apps[id]
		tgt, hasTgt := target.Apps[id]
		switch {
		case hasTgt && !hasCur:
			plan = append(plan, diffApp(App{AppID: id, AppName: tgt.AppName}, tgt)...)
		case hasCur && !hasTgt:
			plan = append(plan, diffApp(cur, App{AppID: id, AppName: cur.AppName})...)
		default:
			plan = append(plan, diffApp(cur, tgt)...)
		}
	}
	return plan
}

// EffectiveImage resolves the image a service should run.
func EffectiveImage(svc Service) string {
	if svc.ImageName != "" {
		return svc.ImageName
	}
	return svc.Config.Image
}

// diffApp emits the four phases for one app. Passing an app with no services
// as either side reduces to pure bring-up or pure teardown.
func diffApp(cur, tgt App) []Step {
	appID := tgt.AppID
	if appID == 0 {
		appID = cur.AppID
	}

	// Decide the fate of every service.
	toStart := make([]Service, 0, len(tgt.Services))
	toTearDown := make([]Service, 0, len(cur.Services))
	for _, desired := range tgt.Services {
		observed, exists := cur.FindService(desired.ServiceID)
		if !exists || needsReplacement(observed, desired) {
			toStart = append(toStart, desired)
		}
	}
	for _, observed := range cur.Services {
		desired, exists := tgt.FindService(observed.ServiceID)
		if !exists || needsReplacement(observed, desired) {
			toTearDown = append(toTearDown, observed)
		}
	}

	var plan []Step

	// Phase a: prerequisites. Images deduplicated in first-appearance order,
	// then volumes and networks that the target newly requires.
	seen := map[string]struct{}{}
	for _, svc := range toStart {
		image := EffectiveImage(svc)
		if _, dup := seen[image]; dup {
			continue
		}
		seen[image] = struct{}{}
		plan = append(plan, DownloadImage{App: appID, Image: image})
	}
	for _, name := range subtractSorted(tgt.VolumeNames(), cur.VolumeNames()) {
		plan = append(plan, CreateVolume{App: appID, Name: name})
	}
	for _, name := range subtractSorted(tgt.NetworkNames(), cur.NetworkNames()) {
		plan = append(plan, CreateNetwork{App: appID, Name: name})
	}

	// Phase b: teardown of removed and replaced services.
	for _, svc := range toTearDown {
		plan = append(plan,
			StopService{App: appID, ServiceID: svc.ServiceID, ContainerID: svc.ContainerID},
			RemoveService{App: appID, ServiceID: svc.ServiceID, ContainerID: svc.ContainerID},
		)
	}

	// Phase c: bring-up.
	for _, svc := range toStart {
		plan = append(plan, StartService{App: appID, AppName: tgt.AppName, Service: svc})
	}

	// Phase d: cleanup of resources no longer referenced.
	for _, name := range subtractSorted(cur.NetworkNames(), tgt.NetworkNames()) {
		plan = append(plan, RemoveNetwork{App: appID, Name: name})
	}
	for _, name := range subtractSorted(cur.VolumeNames(), tgt.VolumeNames()) {
		plan = append(plan, RemoveVolume{App: appID, Name: name})
	}

	return plan
}

// needsReplacement reports whether an observed service must be recreated to
// satisfy its desired shape. A service that exists but is not running is
// replaced even when its config matches.
func needsReplacement(observed, desired Service) bool {
	if EffectiveImage(observed) != EffectiveImage(desired) {
		return true
	}
	if !ConfigEqual(desired.Config, observed.Config) {
		return true
	}
	return observed.Status != StatusRunning
}

func unionAppIDs(a, b Snapshot) []int {
	set := map[int]struct{}{}
	for id := range a.Apps {
		set[id] = struct{}{}
	}
	for id := range b.Apps {
		set[id] = struct{}{}
	}
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// subtractSorted returns the elements of a not present in b, preserving a's
// order. Both inputs arrive sorted from VolumeNames/NetworkNames.
func subtractSorted(a, b []string) []string {
	if len(a) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(b))
	for _, s := range b {
		drop[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := drop[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

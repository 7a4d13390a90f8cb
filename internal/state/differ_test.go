package state

import (
	"reflect"
	"testing"
)

func webApp(image string, status Status, containerID string) App {
	return App{
		AppID:   1001,
		AppName: "web",
		Services: []Service{{
			AppID:       1001,
			ServiceID:   1,
			ServiceName: "nginx",
			ImageName:   image,
			Config:      ServiceConfig{Image: image, Ports: []string{"8080:80"}},
			ContainerID: containerID,
			Status:      status,
		}},
	}
}

func snapshotWith(apps ...App) Snapshot {
	s := NewSnapshot()
	for _, a := range apps {
		s.Apps[a.AppID] = a
	}
	return s
}

func TestDiffEmptyAgainstEmpty(t *testing.T) {
	plan := Diff(NewSnapshot(), NewSnapshot())
	if len(plan) != 0 {
		t.Fatalf("expected empty plan, got %d steps", len(plan))
	}
}

func TestDiffSingleServiceBringUp(t *testing.T) {
	target := snapshotWith(webApp("nginx:alpine", "", ""))

	plan := Diff(NewSnapshot(), target)

	if len(plan) != 2 {
		t.Fatalf("expected 2 steps, got %d: %v", len(plan), plan)
	}
	pull, ok := plan[0].(DownloadImage)
	if !ok || pull.Image != "nginx:alpine" || pull.App != 1001 {
		t.Fatalf("step 0 = %v, want DownloadImage nginx:alpine", plan[0])
	}
	start, ok := plan[1].(StartService)
	if !ok || start.Service.ServiceName != "nginx" {
		t.Fatalf("step 1 = %v, want StartService nginx", plan[1])
	}
}

func TestDiffImageUpdateEmitsReplacementTriple(t *testing.T) {
	current := snapshotWith(webApp("nginx:1.24", StatusRunning, "c1"))
	target := snapshotWith(webApp("nginx:1.25", "", ""))

	plan := Diff(current, target)

	want := []string{"DownloadImage", "StopService", "RemoveService", "StartService"}
	if len(plan) != len(want) {
		t.Fatalf("expected %d steps, got %d: %v", len(want), len(plan), plan)
	}
	for i, name := range want {
		if got := reflect.TypeOf(plan[i]).Name(); got != name {
			t.Fatalf("step %d = %s, want %s", i, got, name)
		}
	}
	stop := plan[1].(StopService)
	if stop.ContainerID != "c1" {
		t.Fatalf("stop carries container %q, want c1", stop.ContainerID)
	}
}

func TestDiffNotRunningServiceIsReplaced(t *testing.T) {
	current := snapshotWith(webApp("nginx:alpine", StatusExited, "c1"))
	target := snapshotWith(webApp("nginx:alpine", "", ""))

	plan := Diff(current, target)

	want := []string{"DownloadImage", "StopService", "RemoveService", "StartService"}
	if len(plan) != len(want) {
		t.Fatalf("expected stop+remove+start triple with pull, got %v", plan)
	}
	for i, name := range want {
		if got := reflect.TypeOf(plan[i]).Name(); got != name {
			t.Fatalf("step %d = %s, want %s", i, got, name)
		}
	}
}

func TestDiffRunningMatchingServiceIsNoop(t *testing.T) {
	current := snapshotWith(webApp("nginx:alpine", StatusRunning, "c1"))
	target := snapshotWith(webApp("nginx:alpine", "", ""))

	if plan := Diff(current, target); len(plan) != 0 {
		t.Fatalf("expected empty plan, got %v", plan)
	}
}

func TestDiffEmptyTargetTearsDownEverything(t *testing.T) {
	app := webApp("nginx:alpine", StatusRunning, "c1")
	app.Services[0].Config.Volumes = []string{"data:/var/lib/data"}
	app.Services[0].Config.Networks = []string{"backend"}
	current := snapshotWith(app)

	plan := Diff(current, NewSnapshot())

	want := []string{"StopService", "RemoveService", "RemoveNetwork", "RemoveVolume"}
	if len(plan) != len(want) {
		t.Fatalf("expected %d steps, got %v", len(want), plan)
	}
	for i, name := range want {
		if got := reflect.TypeOf(plan[i]).Name(); got != name {
			t.Fatalf("step %d = %s, want %s", i, got, name)
		}
	}
}

func TestDiffBringUpCreatesResourcesBeforeStart(t *testing.T) {
	app := App{
		AppID:   2,
		AppName: "sensors",
		Services: []Service{
			{
				AppID: 2, ServiceID: 1, ServiceName: "broker", ImageName: "eclipse-mosquitto:2",
				Config: ServiceConfig{
					Image:    "eclipse-mosquitto:2",
					Volumes:  []string{"mosquitto-data:/mosquitto/data"},
					Networks: []string{"mesh"},
				},
			},
			{
				AppID: 2, ServiceID: 2, ServiceName: "collector", ImageName: "sensor-collector:1.0",
				Config: ServiceConfig{
					Image:    "sensor-collector:1.0",
					Networks: []string{"mesh"},
				},
			},
		},
	}
	plan := Diff(NewSnapshot(), snapshotWith(app))

	want := []string{"DownloadImage", "DownloadImage", "CreateVolume", "CreateNetwork", "StartService", "StartService"}
	if len(plan) != len(want) {
		t.Fatalf("expected %d steps, got %v", len(want), plan)
	}
	for i, name := range want {
		if got := reflect.TypeOf(plan[i]).Name(); got != name {
			t.Fatalf("step %d = %s, want %s", i, got, name)
		}
	}
	// Services start in declaration order.
	if plan[4].(StartService).Service.ServiceName != "broker" {
		t.Fatalf("broker should start first")
	}
	if plan[5].(StartService).Service.ServiceName != "collector" {
		t.Fatalf("collector should start second")
	}
}

func TestDiffSharedImagePulledOnce(t *testing.T) {
	app := App{
		AppID:   3,
		AppName: "workers",
		Services: []Service{
			{AppID: 3, ServiceID: 1, ServiceName: "worker-a", ImageName: "worker:2.0", Config: ServiceConfig{Image: "worker:2.0"}},
			{AppID: 3, ServiceID: 2, ServiceName: "worker-b", ImageName: "worker:2.0", Config: ServiceConfig{Image: "worker:2.0"}},
		},
	}
	plan := Diff(NewSnapshot(), snapshotWith(app))

	pulls := 0
	for _, step := range plan {
		if _, ok := step.(DownloadImage); ok {
			pulls++
		}
	}
	if pulls != 1 {
		t.Fatalf("expected 1 pull for shared image, got %d", pulls)
	}
}

func TestDiffAppsProcessedInAscendingOrder(t *testing.T) {
	a1 := webApp("nginx:alpine", "", "")
	a2 := App{
		AppID: 7, AppName: "metrics",
		Services: []Service{{AppID: 7, ServiceID: 1, ServiceName: "exporter", ImageName: "exporter:1", Config: ServiceConfig{Image: "exporter:1"}}},
	}
	plan := Diff(NewSnapshot(), snapshotWith(a2, a1))

	var order []int
	for _, step := range plan {
		if len(order) == 0 || order[len(order)-1] != step.AppID() {
			order = append(order, step.AppID())
		}
	}
	if !reflect.DeepEqual(order, []int{7, 1001}) {
		t.Fatalf("app order = %v, want [7 1001]", order)
	}
}

func TestDiffIsDeterministic(t *testing.T) {
	app := App{
		AppID:   4,
		AppName: "stack",
		Services: []Service{
			{AppID: 4, ServiceID: 1, ServiceName: "api", ImageName: "api:1",
				Config: ServiceConfig{Image: "api:1", Networks: []string{"front", "back"}, Volumes: []string{"blobs:/data", "tmp:/tmp/cache"}}},
			{AppID: 4, ServiceID: 2, ServiceName: "db", ImageName: "postgres:16",
				Config: ServiceConfig{Image: "postgres:16", Networks: []string{"back"}}},
		},
	}
	target := snapshotWith(app)

	first := Diff(NewSnapshot(), target)
	for i := 0; i < 20; i++ {
		if again := Diff(NewSnapshot(), target); !reflect.DeepEqual(first, again) {
			t.Fatalf("plan differs between runs:\n%v\n%v", first, again)
		}
	}
}

func TestDiffIdempotentOnSteadyState(t *testing.T) {
	app := webApp("nginx:alpine", StatusRunning, "c1")
	app.Services[0].Config.Volumes = []string{"data:/data"}
	s := snapshotWith(app)

	if plan := Diff(s, s); len(plan) != 0 {
		t.Fatalf("diff(s, s) should be empty, got %v", plan)
	}
}

// Executing a plan step by step against the current snapshot must converge:
// a second diff after full execution yields the empty plan.
func TestDiffConvergesAfterExecution(t *testing.T) {
	current := snapshotWith(webApp("nginx:1.24", StatusRunning, "c1"))
	target := snapshotWith(webApp("nginx:1.25", "", ""))
	target.Config = map[string]interface{}{"feature": true}

	executed := current.Clone()
	for _, step := range Diff(current, target) {
		res := StepResult{}
		if _, ok := step.(StartService); ok {
			res.ContainerID = "c2"
		}
		executed.Apply(step, res)
	}
	executed.Config = target.Clone().Config

	if plan := Diff(executed, target); len(plan) != 0 {
		t.Fatalf("expected convergence, residual plan: %v", plan)
	}
	svc, ok := executed.Apps[1001].FindService(1)
	if !ok {
		t.Fatalf("service missing after execution")
	}
	if svc.ContainerID != "c2" || svc.Status != StatusRunning {
		t.Fatalf("service = %+v, want running with container c2", svc)
	}
}

// Kill between RemoveService and StartService: the persisted current has
// lost the service. The next cycle brings it back.
func TestDiffResumesAfterPartialExecution(t *testing.T) {
	current := snapshotWith(webApp("nginx:alpine", StatusRunning, "c1"))
	target := snapshotWith(webApp("nginx:alpine", "", ""))
	target.Apps[1001].Services[0].Config.Environment = map[string]string{"MODE": "fast"}

	plan := Diff(current, target)
	interrupted := current.Clone()
	for _, step := range plan {
		if _, ok := step.(StartService); ok {
			break
		}
		interrupted.Apply(step, StepResult{})
	}

	resumed := Diff(interrupted, target)
	want := []string{"DownloadImage", "StartService"}
	if len(resumed) != len(want) {
		t.Fatalf("resume plan = %v, want pull+start", resumed)
	}
	for i, name := range want {
		if got := reflect.TypeOf(resumed[i]).Name(); got != name {
			t.Fatalf("resume step %d = %s, want %s", i, got, name)
		}
	}
}

func TestDiffVolumeCleanupOnlyWhenUnreferenced(t *testing.T) {
	mk := func(vols ...string) Snapshot {
		app := App{
			AppID: 5, AppName: "store",
			Services: []Service{{
				AppID: 5, ServiceID: 1, ServiceName: "db", ImageName: "db:1",
				Config: ServiceConfig{Image: "db:1", Volumes: vols},
				Status: StatusRunning, ContainerID: "c9",
			}},
		}
		return snapshotWith(app)
	}
	current := mk("old-data:/data", "keep:/keep")
	target := mk("keep:/keep", "new-data:/data")
	target.Apps[5].Services[0].ContainerID = ""
	target.Apps[5].Services[0].Status = ""

	plan := Diff(current, target)

	var created, removed []string
	for _, step := range plan {
		switch st := step.(type) {
		case CreateVolume:
			created = append(created, st.Name)
		case RemoveVolume:
			removed = append(removed, st.Name)
		}
	}
	if !reflect.DeepEqual(created, []string{"new-data"}) {
		t.Fatalf("created = %v, want [new-data]", created)
	}
	if !reflect.DeepEqual(removed, []string{"old-data"}) {
		t.Fatalf("removed = %v, want [old-data]", removed)
	}
}

func TestDiffBindMountsAreNotAppVolumes(t *testing.T) {
	app := App{
		AppID: 6, AppName: "logs",
		Services: []Service{{
			AppID: 6, ServiceID: 1, ServiceName: "shipper", ImageName: "shipper:1",
			Config: ServiceConfig{Image: "shipper:1", Volumes: []string{"/var/log:/host-logs", "spool:/spool"}},
		}},
	}
	plan := Diff(NewSnapshot(), snapshotWith(app))

	for _, step := range plan {
		if cv, ok := step.(CreateVolume); ok && cv.Name != "spool" {
			t.Fatalf("unexpected volume create %q", cv.Name)
		}
	}
}

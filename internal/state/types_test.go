package state

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/edgehive/fleetd/internal/apperr"
)

func validTarget() Snapshot {
	s := NewSnapshot()
	s.Apps[1001] = App{
		AppID:   1001,
		AppName: "web",
		Services: []Service{{
			AppID: 1001, ServiceID: 1, ServiceName: "nginx", ImageName: "nginx:alpine",
			Config: ServiceConfig{Image: "nginx:alpine", Ports: []string{"8080:80"}},
		}},
	}
	s.Config = map[string]interface{}{"feature": map[string]interface{}{"enabled": true}}
	return s
}

func TestValidateTargetAccepts(t *testing.T) {
	if err := ValidateTarget(validTarget()); err != nil {
		t.Fatalf("valid target rejected: %v", err)
	}
}

func TestValidateTargetRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"duplicate service identity", func(s *Snapshot) {
			app := s.Apps[1001]
			app.Services = append(app.Services, app.Services[0])
			s.Apps[1001] = app
		}},
		{"container id in target", func(s *Snapshot) {
			s.Apps[1001].Services[0].ContainerID = "deadbeef"
		}},
		{"app key mismatch", func(s *Snapshot) {
			s.Apps[2002] = s.Apps[1001]
			delete(s.Apps, 1001)
		}},
		{"bad service name", func(s *Snapshot) {
			s.Apps[1001].Services[0].ServiceName = "Not_A_Label"
		}},
		{"missing image", func(s *Snapshot) {
			s.Apps[1001].Services[0].ImageName = ""
			s.Apps[1001].Services[0].Config.Image = ""
		}},
		{"bad restart policy", func(s *Snapshot) {
			s.Apps[1001].Services[0].Config.RestartPolicy = "sometimes"
		}},
		{"bad port spec", func(s *Snapshot) {
			s.Apps[1001].Services[0].Config.Ports = []string{"eighty:80"}
		}},
		{"bad volume ref", func(s *Snapshot) {
			s.Apps[1001].Services[0].Config.Volumes = []string{"no-mount-point"}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validTarget()
			tc.mutate(&s)
			err := ValidateTarget(s)
			if err == nil {
				t.Fatal("expected rejection")
			}
			if apperr.KindOf(err) != apperr.KindConfig {
				t.Fatalf("kind = %v, want config", apperr.KindOf(err))
			}
		})
	}
}

func TestSnapshotJSONRoundTrip(t *testing.T) {
	s := validTarget()

	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Snapshot
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(s, back) {
		t.Fatalf("round trip changed the value:\n%+v\n%+v", s, back)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := validTarget()
	c := s.Clone()

	c.Apps[1001].Services[0].Config.Ports[0] = "9090:90"
	c.Config["feature"] = "mutated"
	app := c.Apps[1001]
	app.AppName = "other"
	c.Apps[1001] = app

	if s.Apps[1001].Services[0].Config.Ports[0] != "8080:80" {
		t.Fatal("clone shares port slice with original")
	}
	if s.Apps[1001].AppName != "web" {
		t.Fatal("clone shares app map with original")
	}
	if _, ok := s.Config["feature"].(map[string]interface{}); !ok {
		t.Fatal("clone shares config map with original")
	}
}

func TestSplitVolume(t *testing.T) {
	cases := []struct {
		ref        string
		src, mount string
		ok         bool
	}{
		{"data:/var/lib/data", "data", "/var/lib/data", true},
		{"/host/logs:/logs", "/host/logs", "/logs", true},
		{"plain", "", "", false},
		{":/mount", "", "", false},
		{"name:", "", "", false},
	}
	for _, tc := range cases {
		src, mount, ok := SplitVolume(tc.ref)
		if src != tc.src || mount != tc.mount || ok != tc.ok {
			t.Fatalf("SplitVolume(%q) = (%q, %q, %v), want (%q, %q, %v)", tc.ref, src, mount, ok, tc.src, tc.mount, tc.ok)
		}
	}
}

func TestConfigEqualIgnoresManagedLabelDrift(t *testing.T) {
	desired := ServiceConfig{Image: "nginx:alpine", Labels: map[string]string{"tier": "edge"}}
	observed := ServiceConfig{
		Image: "nginx:alpine",
		Labels: map[string]string{
			"tier":                   "edge",
			"io.edgehive.managed":    "true",
			"io.edgehive.app-id":     "1001",
			"io.edgehive.service-id": "1",
		},
	}
	if !ConfigEqual(desired, observed) {
		t.Fatal("superset labels on the observed side should not count as drift")
	}

	observed.Labels["tier"] = "core"
	if ConfigEqual(desired, observed) {
		t.Fatal("changed desired label must count as drift")
	}
}

func TestConfigEqualDetectsChanges(t *testing.T) {
	base := ServiceConfig{
		Image:         "app:1",
		Environment:   map[string]string{"A": "1"},
		Ports:         []string{"80:80"},
		Volumes:       []string{"v:/v"},
		Networks:      []string{"n1", "n2"},
		RestartPolicy: RestartAlways,
	}

	same := base.Clone()
	same.Networks = []string{"n2", "n1"} // set semantics
	if !ConfigEqual(base, same) {
		t.Fatal("network order must not matter")
	}

	for name, mutate := range map[string]func(*ServiceConfig){
		"restart policy": func(c *ServiceConfig) { c.RestartPolicy = RestartNo },
		"environment":    func(c *ServiceConfig) { c.Environment["A"] = "2" },
		"ports":          func(c *ServiceConfig) { c.Ports = []string{"81:80"} },
		"network mode":   func(c *ServiceConfig) { c.NetworkMode = "host" },
		"volumes":        func(c *ServiceConfig) { c.Volumes = []string{"w:/v"} },
	} {
		changed := base.Clone()
		mutate(&changed)
		if ConfigEqual(base, changed) {
			t.Fatalf("%s change not detected", name)
		}
	}
}

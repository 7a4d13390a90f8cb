package state

import "encoding/json"

// Clone returns a deep copy of the snapshot. Engine accessors hand out
// clones so callers can never mutate engine-owned state.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Apps:   make(map[int]App, len(s.Apps)),
		Config: cloneJSONMap(s.Config),
	}
	for id, app := range s.Apps {
		out.Apps[id] = app.Clone()
	}
	return out
}

// Clone returns a deep copy of the app.
func (a App) Clone() App {
	out := App{AppID: a.AppID, AppName: a.AppName}
	if a.Services != nil {
		out.Services = make([]Service, len(a.Services))
		for i, svc := range a.Services {
			out.Services[i] = svc.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the service.
func (s Service) Clone() Service {
	out := s
	out.Config = s.Config.Clone()
	return out
}

// Clone returns a deep copy of the config.
func (c ServiceConfig) Clone() ServiceConfig {
	out := c
	out.Environment = cloneStringMap(c.Environment)
	out.Labels = cloneStringMap(c.Labels)
	out.Ports = cloneStrings(c.Ports)
	out.Volumes = cloneStrings(c.Volumes)
	out.Networks = cloneStrings(c.Networks)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// cloneJSONMap deep-copies an opaque JSON object through a marshal round
// trip. The config mapping is small and rarely copied, so clarity wins over
// a hand-written walk.
func cloneJSONMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	if len(in) == 0 {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(in)
	if err != nil {
		// A config mapping that came from JSON always marshals back.
		return map[string]interface{}{}
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

package state

// ConfigEqual reports whether a running service's observed config still
// satisfies the desired config. Ordered sequences compare in order, mappings
// ignore key order. Labels are special-cased: the runtime adds managed
// labels of its own, so extra labels on the current side are ignored; only a
// desired label that is missing or different counts as drift.
func ConfigEqual(desired, current ServiceConfig) bool {
	if desired.Image != current.Image {
		return false
	}
	if normalizeRestartPolicy(desired.RestartPolicy) != normalizeRestartPolicy(current.RestartPolicy) {
		return false
	}
	if desired.NetworkMode != current.NetworkMode {
		return false
	}
	if !stringMapsEqual(desired.Environment, current.Environment) {
		return false
	}
	if !stringSlicesEqual(desired.Ports, current.Ports) {
		return false
	}
	if !stringSlicesEqual(desired.Volumes, current.Volumes) {
		return false
	}
	if !stringSetsEqual(desired.Networks, current.Networks) {
		return false
	}
	for k, v := range desired.Labels {
		if current.Labels[k] != v {
			return false
		}
	}
	return true
}

func normalizeRestartPolicy(p string) string {
	if p == "" {
		return RestartNo
	}
	return p
}

func stringMapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// stringSetsEqual compares two slices as sets; the networks field has set
// semantics.
func stringSetsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

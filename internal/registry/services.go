package registry

import "sort"

// Services mirrors the registry's view: service name -> endpoints, in the
// order the registry sent them. De-duplication is the registry's job; the
// client trusts the snapshot.
type Services map[string][]ServiceEndpoint

// Names returns the service names sorted, for stable iteration.
func (s Services) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the total number of endpoints.
func (s Services) Count() int {
	n := 0
	for _, eps := range s {
		n += len(eps)
	}
	return n
}

// Equal compares two snapshots. Endpoint order within a service matters
// because it is reflected in the rendered config. A nil and an empty endpoint
// list are considered equal.
func (s Services) Equal(other Services) bool {
	if len(s) != len(other) {
		return false
	}
	for name, eps := range s {
		o, ok := other[name]
		if !ok || len(o) != len(eps) {
			return false
		}
		for i := range eps {
			if eps[i] != o[i] {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy.
func (s Services) Clone() Services {
	if s == nil {
		return nil
	}
	out := make(Services, len(s))
	for name, eps := range s {
		out[name] = append([]ServiceEndpoint(nil), eps...)
	}
	return out
}

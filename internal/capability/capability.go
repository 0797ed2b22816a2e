// ABOUTME: Capability sets and the pure authorization check for commands
// ABOUTME: A command runs only if the session holds every capability it requires

package capability

import (
	"fmt"
	"sort"
	"strings"
)

// Capability is an opaque named permission such as "ADMIN".
type Capability string

// Set is an immutable set of capabilities. The zero value is the empty set.
type Set struct {
	m map[Capability]struct{}
}

// NewSet builds a set from the given capabilities. Empty names are ignored.
func NewSet(caps ...Capability) Set {
	m := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		if c == "" {
			continue
		}
		m[c] = struct{}{}
	}
	return Set{m: m}
}

// Parse builds a set from plain strings, trimming whitespace.
func Parse(names ...string) Set {
	caps := make([]Capability, 0, len(names))
	for _, n := range names {
		caps = append(caps, Capability(strings.TrimSpace(n)))
	}
	return NewSet(caps...)
}

// Has reports whether c is in the set.
func (s Set) Has(c Capability) bool {
	_, ok := s.m[c]
	return ok
}

// Len returns the number of capabilities in the set.
func (s Set) Len() int {
	return len(s.m)
}

// Slice returns the capabilities sorted by name.
func (s Set) Slice() []Capability {
	out := make([]Capability, 0, len(s.m))
	for c := range s.m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Missing returns the members of required that are not in s, sorted.
func (s Set) Missing(required Set) []Capability {
	var missing []Capability
	for _, c := range required.Slice() {
		if !s.Has(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// Contains reports whether required is a subset of s.
func (s Set) Contains(required Set) bool {
	for c := range required.m {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

func (s Set) String() string {
	caps := s.Slice()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return strings.Join(names, ",")
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Missing []Capability
	Reason  string
}

// Authorize allows when granted holds every capability in required.
func Authorize(granted, required Set) Decision {
	missing := granted.Missing(required)
	if len(missing) == 0 {
		return Decision{Allowed: true}
	}
	names := make([]string, len(missing))
	for i, c := range missing {
		names[i] = string(c)
	}
	return Decision{
		Missing: missing,
		Reason:  fmt.Sprintf("missing capability %s", strings.Join(names, ", ")),
	}
}

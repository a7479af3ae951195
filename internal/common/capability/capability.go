// Package capability parses the capability groups enabled for this process.
// The set is built once at startup from configuration and never changes.
package capability

import (
	"sort"
	"strings"
)

// Known capability groups. Each group gates a set of tools on the tool server.
const (
	Core       = "core"
	TaskPool   = "task-pool"
	Messaging  = "messaging"
	Profiles   = "profiles"
	Services   = "services"
	Scheduling = "scheduling"
	Epics      = "epics"
)

// All lists every known capability group.
var All = []string{Core, TaskPool, Messaging, Profiles, Services, Scheduling, Epics}

// Set is an immutable collection of enabled capability groups.
type Set struct {
	enabled map[string]bool
}

// Parse builds a Set from a comma-separated list of group names. Empty input
// enables all groups. Unknown names are ignored.
func Parse(raw string) *Set {
	enabled := make(map[string]bool, len(All))
	if strings.TrimSpace(raw) == "" {
		for _, c := range All {
			enabled[c] = true
		}
		return &Set{enabled: enabled}
	}

	known := make(map[string]bool, len(All))
	for _, c := range All {
		known[c] = true
	}
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if known[name] {
			enabled[name] = true
		}
	}
	return &Set{enabled: enabled}
}

// Has reports whether the given capability group is enabled.
func (s *Set) Has(name string) bool {
	return s.enabled[name]
}

// Names returns the enabled group names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.enabled))
	for name := range s.enabled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package logevent

import "sort"

// Filter is a set of namespaces. An empty filter matches every namespace.
type Filter map[string]struct{}

// NewFilter returns a filter holding the given namespaces
func NewFilter(namespaces ...string) Filter {
	f := make(Filter, len(namespaces))
	for _, ns := range namespaces {
		f[ns] = struct{}{}
	}
	return f
}

// Matches reports whether events from namespace pass the filter
func (f Filter) Matches(namespace string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[namespace]
	return ok
}

// Namespaces returns the namespaces in the filter, sorted
func (f Filter) Namespaces() []string {
	ns := make([]string, 0, len(f))
	for k := range f {
		ns = append(ns, k)
	}
	sort.Strings(ns)
	return ns
}

// Select returns the events that pass the filter, keeping their order
func (f Filter) Select(events []LogEvent) []LogEvent {
	if len(f) == 0 {
		return events
	}
	selected := make([]LogEvent, 0, len(events))
	for _, e := range events {
		if f.Matches(e.Namespace) {
			selected = append(selected, e)
		}
	}
	return selected
}

package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/maxpert/gradm/notify"
)

// GlobFilter selects events by cluster name patterns and event types
type GlobFilter struct {
	clusterGlobs []glob.Glob
	types        map[notify.EventType]bool
}

// NewGlobFilter compiles the given cluster patterns. Empty patterns or types match everything.
func NewGlobFilter(clusterPatterns []string, types ...notify.EventType) (*GlobFilter, error) {
	filter := &GlobFilter{
		clusterGlobs: make([]glob.Glob, 0, len(clusterPatterns)),
	}

	for _, pattern := range clusterPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid cluster pattern %q: %w", pattern, err)
		}
		filter.clusterGlobs = append(filter.clusterGlobs, g)
	}

	if len(types) > 0 {
		filter.types = make(map[notify.EventType]bool, len(types))
		for _, t := range types {
			filter.types[t] = true
		}
	}

	return filter, nil
}

// Match returns true if the cluster and event type pass the filter
func (f *GlobFilter) Match(cluster string, eventType notify.EventType) bool {
	if f.types != nil && !f.types[eventType] {
		return false
	}

	if len(f.clusterGlobs) == 0 {
		return true
	}
	for _, g := range f.clusterGlobs {
		if g.Match(cluster) {
			return true
		}
	}
	return false
}

package jobs

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hsnksc/mp4totext-backend-sub001/internal/config"
)

// defaultKinds is the built-in kind→lane table used when the config
// file does not override routing. Interactive upload work rides the
// critical lane; batch cleanup never competes with it.
var defaultKinds = map[string]string{
	"upload-validation": LaneCritical,
	"transcription":     LaneHigh,
	"ai-enhancement":    LaneDefault,
	"cleanup":           LaneLow,
}

var defaultLanes = map[string]config.LaneConfig{
	LaneCritical: {Weight: 8, MinWorkers: 2, MaxWorkers: 8},
	LaneHigh:     {Weight: 4, MinWorkers: 2, MaxWorkers: 8},
	LaneDefault:  {Weight: 2, MinWorkers: 1, MaxWorkers: 4},
	LaneLow:      {Weight: 1, MinWorkers: 1, MaxWorkers: 2},
}

// Router classifies jobs by kind and assigns one of the fixed lanes.
// The mapping is pure configuration; Assign performs no I/O and cannot
// fail. A pattern ending in '*' matches any kind with that prefix.
type Router struct {
	kinds map[string]string
	lanes map[string]config.LaneConfig
}

// NewRouter validates the lane and routing tables and fails on
// malformed configuration so bad deploys die at startup.
func NewRouter(cfg *config.Config) (*Router, error) {
	lanes := cfg.Lanes
	if len(lanes) == 0 {
		lanes = defaultLanes
	}
	for name, lc := range lanes {
		if !ValidLane(name) {
			return nil, fmt.Errorf("unknown lane %q in lane config", name)
		}
		if lc.MinWorkers < 0 || lc.MaxWorkers < 1 || lc.MinWorkers > lc.MaxWorkers {
			return nil, fmt.Errorf("lane %q: invalid worker bounds min=%d max=%d", name, lc.MinWorkers, lc.MaxWorkers)
		}
		if lc.Weight < 1 {
			return nil, fmt.Errorf("lane %q: weight must be >= 1, got %d", name, lc.Weight)
		}
	}
	// Every fixed lane must be configured so no assignment can dangle.
	for _, name := range Lanes {
		if _, ok := lanes[name]; !ok {
			return nil, fmt.Errorf("lane %q missing from lane config", name)
		}
	}

	kinds := cfg.Router.Kinds
	if len(kinds) == 0 {
		kinds = defaultKinds
	}
	for pattern, lane := range kinds {
		if !ValidLane(lane) {
			return nil, fmt.Errorf("router pattern %q maps to unknown lane %q", pattern, lane)
		}
	}

	return &Router{kinds: kinds, lanes: lanes}, nil
}

// Assign returns the lane for a job kind. Exact matches win over
// prefix patterns; unmatched kinds fall back to the default lane.
func (r *Router) Assign(kind string) string {
	if lane, ok := r.kinds[kind]; ok {
		return lane
	}

	// Longest matching prefix pattern wins, so "transcribe-*" can
	// coexist with a broader "trans*".
	bestLen := -1
	best := ""
	for pattern, lane := range r.kinds {
		if !strings.HasSuffix(pattern, "*") {
			continue
		}
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(kind, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = lane
		}
	}
	if bestLen >= 0 {
		return best
	}
	return LaneDefault
}

// Lane returns the configuration for a lane name.
func (r *Router) Lane(name string) (config.LaneConfig, bool) {
	lc, ok := r.lanes[name]
	return lc, ok
}

// LaneNames returns the configured lanes in stable order.
func (r *Router) LaneNames() []string {
	names := make([]string, 0, len(r.lanes))
	for name := range r.lanes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package host

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/reviewflow/reviewflow/internal/config"
	"github.com/reviewflow/reviewflow/internal/core"
)

// selectChecks resolves the run's check set. Explicit names win; otherwise
// checks are picked by intersecting `on` with the event, then narrowed by
// tags and `on_files` globs. Dependencies of a selected check are always
// pulled in so dependencyResults can be assembled.
func (h *Host) selectChecks(opts ExecuteOptions) ([]string, error) {
	picked := map[string]bool{}

	if len(opts.Checks) > 0 {
		for _, id := range opts.Checks {
			if _, ok := h.wf.Checks[id]; !ok {
				return nil, fmt.Errorf("unknown check: %q", id)
			}
			picked[id] = true
		}
	} else {
		for id, def := range h.wf.Checks {
			if !eventTriggers(def, opts.Event) {
				continue
			}
			if len(opts.Tags) > 0 && !tagsIntersect(def.Tags, opts.Tags) {
				continue
			}
			if !filesTrigger(def, opts.PR) {
				continue
			}
			picked[id] = true
		}
	}

	// dependency closure
	var grow func(id string)
	grow = func(id string) {
		for _, dep := range h.wf.Checks[id].DependsOn {
			if !picked[dep] {
				picked[dep] = true
				grow(dep)
			}
		}
	}
	for id := range picked {
		grow(id)
	}

	out := make([]string, 0, len(picked))
	for _, id := range h.wf.CheckIDs() {
		if picked[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// eventTriggers reports whether the check listens for the event. A check
// with no `on` list is event-agnostic and triggers on everything.
func eventTriggers(def *config.Check, event string) bool {
	if len(def.On) == 0 {
		return true
	}
	for _, e := range def.On {
		if e == event {
			return true
		}
	}
	return false
}

// filesTrigger applies the on_files globs against the PR's changed files.
// With no PR context the filter cannot exclude anything.
func filesTrigger(def *config.Check, pr *core.PRInfo) bool {
	if len(def.OnFiles) == 0 || pr == nil {
		return true
	}
	for _, pattern := range def.OnFiles {
		for _, name := range pr.ChangedFilenames() {
			if ok, err := doublestar.Match(pattern, name); err == nil && ok {
				return true
			}
		}
	}
	return false
}

func tagsIntersect(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// Package aggregate folds a run's raw summaries into the externally visible
// shape: issues grouped by group then checkId, deduplicated within a check,
// plus per-check execution statistics.
package aggregate

import (
	"fmt"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/reviewflow/reviewflow/internal/config"
	"github.com/reviewflow/reviewflow/internal/core"
)

// DefaultGroup collects checks that declare no group of their own.
const DefaultGroup = "default"

// GroupedResults is group -> checkId -> the check's summaries in history
// order.
type GroupedResults map[string]map[string][]*core.ReviewSummary

// CheckStats is the per-check slice of a run's statistics.
type CheckStats struct {
	Runs        int                   `json:"runs"`
	Succeeded   int                   `json:"succeeded"`
	Failed      int                   `json:"failed"`
	Skipped     int                   `json:"skipped"`
	Errored     int                   `json:"errored"`
	Issues      map[core.Severity]int `json:"issuesBySeverity,omitempty"`
	DurationsMS []int64               `json:"durationsMs,omitempty"`
}

// Statistics summarizes an entire run.
type Statistics struct {
	Checks      map[string]*CheckStats `json:"checks"`
	TotalRuns   int                    `json:"totalRuns"`
	TotalIssues int                    `json:"totalIssues"`
}

// Options tunes what the aggregation exposes.
type Options struct {
	// IncludeInternal keeps checks with criticality "internal" in the
	// grouped output. The default hides them; they still count toward
	// statistics.
	IncludeInternal bool
}

// Group buckets every check's summaries under its configured group,
// deduplicating issues within each check. Input order inside a check is
// preserved; the first occurrence of a duplicate wins.
func Group(wf *config.Workflow, summaries map[string][]*core.ReviewSummary, opts Options) GroupedResults {
	out := GroupedResults{}
	for id, sums := range summaries {
		def := wf.Checks[id]
		if def == nil {
			continue
		}
		if !opts.IncludeInternal && def.Criticality == config.CriticalityInternal {
			continue
		}
		group := def.Group
		if group == "" {
			group = DefaultGroup
		}
		if out[group] == nil {
			out[group] = map[string][]*core.ReviewSummary{}
		}
		out[group][id] = dedupeSummaries(sums)
	}
	return out
}

// dedupeSummaries removes repeated issues across a check's iterations. The
// identity tuple is (file, line, ruleId, message); everything else on the
// issue is carried from the first occurrence.
func dedupeSummaries(sums []*core.ReviewSummary) []*core.ReviewSummary {
	seen := map[[32]byte]bool{}
	out := make([]*core.ReviewSummary, 0, len(sums))
	for _, s := range sums {
		if s == nil {
			out = append(out, &core.ReviewSummary{})
			continue
		}
		kept := *s
		kept.Issues = nil
		for _, issue := range s.Issues {
			key := issueKey(issue)
			if seen[key] {
				continue
			}
			seen[key] = true
			kept.Issues = append(kept.Issues, issue)
		}
		out = append(out, &kept)
	}
	return out
}

func issueKey(is core.ReviewIssue) [32]byte {
	return blake3.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%s\x00%s", is.File, is.Line, is.RuleID, is.Message)))
}

// Stats tallies execution records into per-check and run-wide statistics.
func Stats(records []core.ExecutionRecord) Statistics {
	stats := Statistics{Checks: map[string]*CheckStats{}}
	for _, rec := range records {
		cs := stats.Checks[rec.CheckID]
		if cs == nil {
			cs = &CheckStats{Issues: map[core.Severity]int{}}
			stats.Checks[rec.CheckID] = cs
		}
		cs.Runs++
		stats.TotalRuns++
		switch rec.Outcome {
		case core.OutcomeSucceeded:
			cs.Succeeded++
		case core.OutcomeFailed:
			cs.Failed++
		case core.OutcomeSkipped:
			cs.Skipped++
		case core.OutcomeErrored:
			cs.Errored++
		}
		if rec.Outcome != core.OutcomeSkipped {
			cs.DurationsMS = append(cs.DurationsMS, rec.FinishedAt.Sub(rec.StartedAt).Milliseconds())
		}
		for sev, n := range rec.IssueCounts {
			cs.Issues[sev] += n
			stats.TotalIssues += n
		}
	}
	return stats
}

// Flatten returns every grouped issue in a stable order (group, checkId,
// history position) for renderers that want one list.
func Flatten(grouped GroupedResults) []core.ReviewIssue {
	groups := make([]string, 0, len(grouped))
	for g := range grouped {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	var out []core.ReviewIssue
	for _, g := range groups {
		ids := make([]string, 0, len(grouped[g]))
		for id := range grouped[g] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			for _, sum := range grouped[g][id] {
				for _, issue := range sum.Issues {
					issue.Group = g
					out = append(out, issue)
				}
			}
		}
	}
	return out
}

// BlockingCount reports how many flattened issues are error severity or
// worse.
func BlockingCount(grouped GroupedResults) int {
	n := 0
	for _, issue := range Flatten(grouped) {
		if issue.Severity.Rank() >= core.SeverityError.Rank() {
			n++
		}
	}
	return n
}

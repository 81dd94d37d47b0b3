package core

import "time"

// CheckOutcome is the terminal state of one check invocation.
type CheckOutcome string

const (
	OutcomeSucceeded CheckOutcome = "succeeded"
	OutcomeFailed    CheckOutcome = "failed"
	OutcomeSkipped   CheckOutcome = "skipped"
	OutcomeErrored   CheckOutcome = "errored"
)

// Skip reasons recorded on ExecutionRecord when a check never ran.
const (
	SkipIfCondition      = "if_condition"
	SkipDependencyFailed = "dependency_failed"
	SkipForEachEmpty     = "forEach_empty"
)

// ExecutionRecord captures one invocation of a check. Records live for the
// run and feed the aggregator's statistics.
type ExecutionRecord struct {
	CheckID          string       `json:"checkId"`
	Iteration        int          `json:"iteration"`
	StartedAt        time.Time    `json:"startedAt"`
	FinishedAt       time.Time    `json:"finishedAt"`
	ProviderDuration int64        `json:"providerDurationMs"`
	InputFingerprint string       `json:"inputFingerprint,omitempty"`
	Outcome          CheckOutcome `json:"outcome"`
	SkipReason       string       `json:"skipReason,omitempty"`
	IssueCounts      map[Severity]int `json:"issueCounts,omitempty"`
	Error            string       `json:"error,omitempty"`
}

// OutputsView is the read-only projection of check outputs exposed to
// expressions: outputs[checkId] is the latest effective output, and
// outputs.history[checkId] is the ordered list of all prior invocations'
// outputs. The scheduler is the only writer; views are snapshots.
type OutputsView struct {
	Latest  map[string]any
	History map[string][]any
}

func NewOutputsView() OutputsView {
	return OutputsView{Latest: map[string]any{}, History: map[string][]any{}}
}

// Clone returns a copy whose maps are detached from the source. History
// slices share backing arrays; entries are append-only so readers see a
// consistent snapshot.
func (v OutputsView) Clone() OutputsView {
	out := NewOutputsView()
	for k, val := range v.Latest {
		out.Latest[k] = val
	}
	for k, h := range v.History {
		out.History[k] = h[:len(h):len(h)]
	}
	return out
}

// SessionMode selects how an AI provider continues an upstream conversation.
type SessionMode string

const (
	SessionModeClone  SessionMode = "clone"
	SessionModeAppend SessionMode = "append"
)

// SessionInfo is handed to providers so they can honor session reuse.
type SessionInfo struct {
	ParentSessionID string
	ReuseSession    bool
	Mode            SessionMode
}

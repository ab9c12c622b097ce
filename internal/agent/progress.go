package agent

import "time"

type ProgressKind string

const (
	ProgressStatus   ProgressKind = "status"
	ProgressPlan     ProgressKind = "plan"
	ProgressInstall  ProgressKind = "install"
	ProgressAttempt  ProgressKind = "attempt"
	ProgressVerdict  ProgressKind = "verdict"
	ProgressRetry    ProgressKind = "retry"
	ProgressReplan   ProgressKind = "replan"
	ProgressIssue    ProgressKind = "issue"
	ProgressFinished ProgressKind = "finished"
)

// ProgressRecord is one immutable entry of a session's progress trail.
type ProgressRecord struct {
	Seq        int          `json:"seq"`
	Time       time.Time    `json:"time"`
	Kind       ProgressKind `json:"kind"`
	StepOrder  int          `json:"step,omitempty"`
	Attempt    int          `json:"attempt,omitempty"`
	PlanStatus PlanStatus   `json:"plan_status"`
	Message    string       `json:"message"`
}

// Filter returns the records of the given kind in order.
func Filter(records []ProgressRecord, kind ProgressKind) []ProgressRecord {
	var out []ProgressRecord
	for _, r := range records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

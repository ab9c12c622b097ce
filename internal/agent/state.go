package agent

import (
	"fmt"
	"time"
)

// allowedTransitions is the single state machine over Plan.Status. Terminal
// states have no outgoing edges.
var allowedTransitions = map[PlanStatus][]PlanStatus{
	PlanPending:    {PlanPlanning, PlanFailed},
	PlanPlanning:   {PlanInstalling, PlanExecuting, PlanFailed},
	PlanInstalling: {PlanExecuting, PlanFailed},
	PlanExecuting:  {PlanEvaluating, PlanCompleted, PlanFailed},
	PlanEvaluating: {PlanExecuting, PlanReplanning, PlanCompleted, PlanFailed, PlanImpossible},
	PlanReplanning: {PlanInstalling, PlanExecuting, PlanFailed},
}

func canTransition(from, to PlanStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves the plan to a new status. Terminal statuses stamp
// CompletedAt.
func (p *Plan) transition(to PlanStatus) error {
	if p.Status == to {
		return nil
	}
	if !canTransition(p.Status, to) {
		return fmt.Errorf("illegal plan transition %s -> %s", p.Status, to)
	}
	p.Status = to
	if to.Terminal() {
		p.CompletedAt = time.Now()
	}
	return nil
}

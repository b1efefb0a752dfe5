// Package agent implements the request pipeline: classify intent, produce
// an edit plan, hold it for human approval, apply it, verify with the test
// command, and retry on failure within a bounded budget.
package agent

import "coder/runner"

// Phase is the state of the pipeline for the current request.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseClassifying
	PhasePlanning
	PhaseAwaitingApproval
	PhaseApplying
	PhaseTesting
	PhaseRetryPlanning
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseClassifying:
		return "CLASSIFYING"
	case PhasePlanning:
		return "PLANNING"
	case PhaseAwaitingApproval:
		return "AWAITING_APPROVAL"
	case PhaseApplying:
		return "APPLYING"
	case PhaseTesting:
		return "TESTING"
	case PhaseRetryPlanning:
		return "RETRY_PLANNING"
	case PhaseDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Reply is what the orchestrator hands back to its driver after each call.
// AwaitingApproval marks the one suspension point that needs a human
// decision before the pipeline continues.
type Reply struct {
	Text             string
	AwaitingApproval bool
}

// retryState is the bounded feedback loop bookkeeping for one top-level
// request. It is reset whenever a new request enters the pipeline and
// incremented only on the test-failure path.
type retryState struct {
	count      int
	max        int
	lastResult *runner.Result
}

func (r *retryState) reset() {
	r.count = 0
	r.lastResult = nil
}

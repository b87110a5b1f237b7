package build

import "time"

// ApprovalStatus is an ApprovalGate's lifecycle state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimedOut ApprovalStatus = "timed-out"
)

// ApprovalResponse records one reviewer's decision on a gate.
type ApprovalResponse struct {
	User      string
	Approve   bool
	Comment   string
	DecidedAt time.Time
}

// ApprovalGate is the runtime record for a stage.Approval block waiting on
// human sign-off before its stage's steps run.
type ApprovalGate struct {
	BuildID        string
	StageName      string
	RequiredRole   string
	MinApprovals   int
	Responses      map[string]ApprovalResponse
	Deadline       time.Time
	Status         ApprovalStatus
}

// Record adds or replaces a user's response and returns the gate's
// resulting status. A single rejection fails the gate outright; the gate
// approves once distinct approvals reach MinApprovals.
func (g *ApprovalGate) Record(resp ApprovalResponse) ApprovalStatus {
	if g.Responses == nil {
		g.Responses = make(map[string]ApprovalResponse)
	}
	g.Responses[resp.User] = resp

	if !resp.Approve {
		g.Status = ApprovalRejected
		return g.Status
	}

	approvals := 0
	for _, r := range g.Responses {
		if r.Approve {
			approvals++
		}
	}
	if approvals >= g.MinApprovals {
		g.Status = ApprovalApproved
	}
	return g.Status
}

// CheckTimeout marks the gate timed-out if now is past Deadline and it is
// still pending.
func (g *ApprovalGate) CheckTimeout(now time.Time) ApprovalStatus {
	if g.Status == ApprovalPending && now.After(g.Deadline) {
		g.Status = ApprovalTimedOut
	}
	return g.Status
}

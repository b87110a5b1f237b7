package pipeline

// ContainerBinding pins a stage's steps to a container image.
type ContainerBinding struct {
	Image      string
	PullPolicy string // always|if-not-present|never
}

// ApprovalConfig marks a stage as an approval gate.
type ApprovalConfig struct {
	RequiredRole   string
	MinApprovals   int
	TimeoutSeconds int
}

// PostBlock groups the three conditional hook lists a stage or pipeline may
// run after its primary work completes. Post steps never alter the status
// of the stage or pipeline that owns them.
type PostBlock struct {
	Always    []Step
	OnSuccess []Step
	OnFailure []Step
}

// IsEmpty reports whether the post block has no hooks at all.
func (p *PostBlock) IsEmpty() bool {
	return p == nil || (len(p.Always) == 0 && len(p.OnSuccess) == 0 && len(p.OnFailure) == 0)
}

// Stage is an ordered or parallel group of steps, optionally gated by an
// approval, a when condition, a matrix strategy, or all three.
type Stage struct {
	Name      string
	Steps     []Step
	Parallel  bool
	Container *ContainerBinding
	When      string
	Approval  *ApprovalConfig
	Matrix    *MatrixStrategy
	Post      *PostBlock
}

// Validate ensures the stage satisfies its structural invariants.
func (s Stage) Validate() error {
	if s.Name == "" {
		return newMissingFieldError("stage.name")
	}
	if s.Approval == nil && len(s.Steps) == 0 {
		return newValidationError("stage requires at least one step unless it is an approval gate", map[string]interface{}{"stage": s.Name})
	}
	if s.Approval != nil {
		if s.Approval.MinApprovals < 1 {
			return newValidationError("approval gate requires min_approvals >= 1", map[string]interface{}{"stage": s.Name})
		}
	}
	seen := make(map[string]struct{}, len(s.Steps))
	for _, step := range s.Steps {
		if err := step.Validate(); err != nil {
			return err
		}
		if _, ok := seen[step.ID]; ok {
			return newDuplicateError(step.ID)
		}
		seen[step.ID] = struct{}{}
	}
	if s.Matrix != nil {
		if err := s.Matrix.Validate(); err != nil {
			return err
		}
	}
	return nil
}

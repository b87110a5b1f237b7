package pipeline

// Pipeline is the definition tree parsed from a job's stored pipeline, a
// workspace YAML file, or a workspace EDN file (see internal/pipelinefile).
// It carries no runtime state; run state lives in internal/domain/build.
type Pipeline struct {
	Version          string
	Name             string
	Description      string
	Settings         Settings
	Stages           []Stage
	Post             *PostBlock
	ArtifactPatterns []string
	NotifyTargets    []string
}

// Validate ensures the pipeline satisfies its structural invariants. It does
// not expand matrices — that happens in internal/engine just before a build
// runs, against the effective matrix.max_combinations configuration.
func (p Pipeline) Validate() error {
	if p.Name == "" {
		return newMissingFieldError("name")
	}
	if len(p.Stages) == 0 {
		return newValidationError("pipeline requires at least one stage", nil)
	}

	seen := make(map[string]struct{}, len(p.Stages))
	for _, stage := range p.Stages {
		if err := stage.Validate(); err != nil {
			return err
		}
		if _, ok := seen[stage.Name]; ok {
			return newDuplicateError(stage.Name)
		}
		seen[stage.Name] = struct{}{}
	}

	return nil
}

// EffectiveSettings returns settings with defaults applied.
func (p Pipeline) EffectiveSettings() Settings {
	return p.Settings.ApplyDefaults()
}

// GetStage retrieves a top-level stage by name.
func (p Pipeline) GetStage(name string) (*Stage, error) {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			copy := p.Stages[i]
			return &copy, nil
		}
	}
	return nil, newDomainError(ErrCodeNotFound, "stage not found", nil, map[string]interface{}{"stage": name})
}

// Clone returns a defensive copy of the pipeline definition.
func (p Pipeline) Clone() Pipeline {
	stages := make([]Stage, len(p.Stages))
	copy(stages, p.Stages)
	clone := p
	clone.Stages = stages
	clone.Settings = p.Settings.Clone()
	return clone
}

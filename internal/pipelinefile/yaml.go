// Package pipelinefile loads a pipeline definition from a workspace file
// (pipeline.edn, pipeline.yml/.yaml) or a job's stored document, in the
// EDN > YAML > stored priority spec.md §4.3 step 3 requires: parse, map to
// domain, validate, translate errors, producing the stage/post/matrix tree
// of internal/domain/pipeline.
package pipelinefile

import (
	"context"

	"gopkg.in/yaml.v3"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/pipeline"
	"github.com/chengis/chengis/internal/ports"
)

// YAMLLoader implements ports.ConfigLoader for YAML-form pipeline
// documents, whether read from a workspace file or a job's stored bytes.
type YAMLLoader struct {
	logger ports.Logger
}

// NewYAMLLoader constructs a YAMLLoader.
func NewYAMLLoader(logger ports.Logger) *YAMLLoader {
	return &YAMLLoader{logger: logger}
}

// Load reads and parses location as a YAML pipeline document.
func (l *YAMLLoader) Load(ctx context.Context, location string) (*pipeline.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := readFile(location)
	if err != nil {
		return nil, err
	}
	return ParseYAML(raw)
}

// Validate performs a syntactic check without returning the pipeline.
func (l *YAMLLoader) Validate(ctx context.Context, location string) error {
	_, err := l.Load(ctx, location)
	return err
}

// ParseYAML decodes raw YAML bytes into a validated domain pipeline.
func ParseYAML(raw []byte) (*pipeline.Pipeline, error) {
	var doc yamlPipeline
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, cherrors.Wrap(cherrors.CodeValidation, "parse pipeline yaml", err)
	}
	p := doc.toDomain()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// yamlPipeline mirrors internal/domain/pipeline.Pipeline's shape for YAML
// unmarshalling, keeping tag names short and snake_case the way a hand
// authored CI pipeline file would.
type yamlPipeline struct {
	Version     string        `yaml:"version"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Settings    yamlSettings  `yaml:"settings"`
	Stages      []yamlStage   `yaml:"stages"`
	Post        *yamlPost     `yaml:"post"`
	Artifacts   []string      `yaml:"artifacts"`
	Notify      []string      `yaml:"notify"`
}

type yamlSettings struct {
	Parallel              int `yaml:"parallel"`
	Timeout               int `yaml:"timeout"`
	MatrixMaxCombinations int `yaml:"matrix_max_combinations"`
}

type yamlContainer struct {
	Image      string `yaml:"image"`
	PullPolicy string `yaml:"pull_policy"`
}

type yamlApproval struct {
	RequiredRole   string `yaml:"required_role"`
	MinApprovals   int    `yaml:"min_approvals"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type yamlMatrix struct {
	Axes            map[string][]string `yaml:"axes"`
	Exclude         []map[string]string `yaml:"exclude"`
	MaxCombinations int                 `yaml:"max_combinations"`
}

type yamlPost struct {
	Always    []yamlStep `yaml:"always"`
	OnSuccess []yamlStep `yaml:"on_success"`
	OnFailure []yamlStep `yaml:"on_failure"`
}

type yamlStage struct {
	Name      string                 `yaml:"name"`
	Steps     []yamlStep             `yaml:"steps"`
	Parallel  bool                   `yaml:"parallel"`
	Container *yamlContainer         `yaml:"container"`
	When      string                 `yaml:"when"`
	Approval  *yamlApproval          `yaml:"approval"`
	Matrix    *yamlMatrix            `yaml:"matrix"`
	Post      *yamlPost              `yaml:"post"`
}

type yamlStep struct {
	ID      string                 `yaml:"id"`
	Name    string                 `yaml:"name"`
	Type    string                 `yaml:"type"`
	Run     string                 `yaml:"run"`
	With    map[string]interface{} `yaml:"with"`
	Env     map[string]string      `yaml:"env"`
	Timeout int                    `yaml:"timeout"`
	When    string                 `yaml:"when"`
}

func (s yamlStep) toDomain() pipeline.Step {
	return pipeline.Step{
		ID: s.ID, Name: s.Name, Type: pipeline.StepType(s.Type), Run: s.Run,
		With: s.With, Env: s.Env, Timeout: s.Timeout, When: s.When,
	}
}

func toDomainSteps(steps []yamlStep) []pipeline.Step {
	out := make([]pipeline.Step, len(steps))
	for i, s := range steps {
		out[i] = s.toDomain()
	}
	return out
}

func (p *yamlPost) toDomain() *pipeline.PostBlock {
	if p == nil {
		return nil
	}
	return &pipeline.PostBlock{
		Always:    toDomainSteps(p.Always),
		OnSuccess: toDomainSteps(p.OnSuccess),
		OnFailure: toDomainSteps(p.OnFailure),
	}
}

func (m *yamlMatrix) toDomain() *pipeline.MatrixStrategy {
	if m == nil {
		return nil
	}
	axes := make([]pipeline.MatrixAxis, 0, len(m.Axes))
	for name, values := range m.Axes {
		axes = append(axes, pipeline.MatrixAxis{Name: name, Values: values})
	}
	return &pipeline.MatrixStrategy{Axes: axes, Exclude: m.Exclude, MaxCombinations: m.MaxCombinations}
}

func (s yamlStage) toDomain() pipeline.Stage {
	stage := pipeline.Stage{
		Name: s.Name, Steps: toDomainSteps(s.Steps), Parallel: s.Parallel,
		When: s.When, Post: s.Post.toDomain(), Matrix: s.Matrix.toDomain(),
	}
	if s.Container != nil {
		stage.Container = &pipeline.ContainerBinding{Image: s.Container.Image, PullPolicy: s.Container.PullPolicy}
	}
	if s.Approval != nil {
		stage.Approval = &pipeline.ApprovalConfig{
			RequiredRole: s.Approval.RequiredRole, MinApprovals: s.Approval.MinApprovals, TimeoutSeconds: s.Approval.TimeoutSeconds,
		}
	}
	return stage
}

func (doc yamlPipeline) toDomain() pipeline.Pipeline {
	stages := make([]pipeline.Stage, len(doc.Stages))
	for i, s := range doc.Stages {
		stages[i] = s.toDomain()
	}
	return pipeline.Pipeline{
		Version: doc.Version, Name: doc.Name, Description: doc.Description,
		Settings: pipeline.Settings{
			Parallel: doc.Settings.Parallel, Timeout: doc.Settings.Timeout,
			MatrixMaxCombinations: doc.Settings.MatrixMaxCombinations,
		},
		Stages: stages, Post: doc.Post.toDomain(),
		ArtifactPatterns: doc.Artifacts, NotifyTargets: doc.Notify,
	}
}

var _ ports.ConfigLoader = (*YAMLLoader)(nil)

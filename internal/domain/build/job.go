// Package build models the runtime records of the CI engine: jobs, builds,
// stage/step runs, the durable event log, queue items, agents, circuit
// breaker state, and approval gates. Where internal/domain/pipeline models
// what a pipeline *says*, this package models what actually happened when
// one was run — a step *definition* kept separate from its *result*,
// generalized here to an entire build's worth of runtime state.
package build

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/chengis/chengis/internal/cherrors"
)

var validate = validator.New()

// ParameterType constrains the value a parameter binding may carry.
type ParameterType string

const (
	ParameterTypeString ParameterType = "string"
	ParameterTypeBool   ParameterType = "bool"
	ParameterTypeInt    ParameterType = "int"
)

// ParameterSpec is one entry of a Job's parameter schema.
type ParameterSpec struct {
	Name     string        `validate:"required"`
	Type     ParameterType `validate:"required,oneof=string bool int"`
	Required bool
	Default  string
}

// ParameterSchema is the full set of parameters a job's pipeline accepts.
type ParameterSchema []ParameterSpec

// Validate checks the schema's own structure (not a binding against it).
func (s ParameterSchema) Validate() error {
	seen := make(map[string]struct{}, len(s))
	for _, p := range s {
		if err := validate.Struct(p); err != nil {
			return cherrors.Wrap(cherrors.CodeValidation, "invalid parameter spec", err).WithContext(map[string]interface{}{"parameter": p.Name})
		}
		if _, ok := seen[p.Name]; ok {
			return cherrors.New(cherrors.CodeValidation, fmt.Sprintf("duplicate parameter %q", p.Name))
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// CheckBindings validates a set of trigger-time parameter bindings against
// the schema, returning bindings with defaults applied for any parameter the
// caller omitted.
func (s ParameterSchema) CheckBindings(bindings map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(s))
	for k, v := range bindings {
		resolved[k] = v
	}

	for _, p := range s {
		value, present := resolved[p.Name]
		if !present {
			if p.Required {
				return nil, cherrors.New(cherrors.CodeValidation, "missing required parameter").WithContext(map[string]interface{}{"parameter": p.Name})
			}
			if p.Default != "" {
				resolved[p.Name] = p.Default
			}
			continue
		}
		if err := p.Type.validateValue(value); err != nil {
			return nil, cherrors.Wrap(cherrors.CodeValidation, "parameter type mismatch", err).WithContext(map[string]interface{}{"parameter": p.Name, "type": p.Type})
		}
	}

	for k := range resolved {
		known := false
		for _, p := range s {
			if p.Name == k {
				known = true
				break
			}
		}
		if !known {
			return nil, cherrors.New(cherrors.CodeValidation, "unknown parameter").WithContext(map[string]interface{}{"parameter": k})
		}
	}

	return resolved, nil
}

func (t ParameterType) validateValue(v string) error {
	switch t {
	case ParameterTypeBool:
		if v != "true" && v != "false" {
			return fmt.Errorf("expected bool, got %q", v)
		}
	case ParameterTypeInt:
		for _, r := range v {
			if r < '0' || r > '9' {
				return fmt.Errorf("expected int, got %q", v)
			}
		}
		if v == "" {
			return fmt.Errorf("expected int, got empty string")
		}
	case ParameterTypeString:
		// any value is acceptable
	default:
		return fmt.Errorf("unknown parameter type %q", t)
	}
	return nil
}

// Job is a named, org-scoped pipeline template.
type Job struct {
	ID             string
	OrgID          string
	Name           string
	PipelineSource []byte // raw stored pipeline document (YAML or EDN)
	RequiredLabels []string
	ParameterSchema
	DefaultBranch string
}

// NewJobID mints a collision-proof job identifier.
func NewJobID() string {
	return uuid.NewString()
}

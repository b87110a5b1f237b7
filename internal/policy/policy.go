// Package policy provides a default ports.PolicyEngine (spec.md §4.1 step
// 3, §4.2's image/tool policy consultation): a real governance rule
// language is explicitly out of scope (SPEC_FULL.md Design Note), so
// StaticEngine only evaluates a small YAML-configured rule set — stage
// name and image/tool reference denylists/allowlists, each with a
// severity — loaded the same way internal/sysconfig loads process
// configuration (os.ReadFile + yaml.Unmarshal). A real policy engine can
// be swapped in later behind the same ports.PolicyEngine seam.
package policy

import (
	"context"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/ports"
)

// Rule denies or allows a subject (a stage name or an image/tool
// reference) matching Pattern, a regular expression.
type Rule struct {
	Pattern  string `yaml:"pattern"`
	Allow    bool   `yaml:"allow"`
	Severity string `yaml:"severity"` // info|warn|block
	Reason   string `yaml:"reason"`

	compiled *regexp.Regexp
}

// Rules is the full rule set, evaluated in order; the first matching rule
// decides. No match is an implicit allow.
type Rules struct {
	StageRules []Rule `yaml:"stage_rules"`
	ImageRules []Rule `yaml:"image_rules"`
}

// StaticEngine evaluates a fixed, in-memory Rules set.
type StaticEngine struct {
	rules Rules
}

// NewStaticEngine compiles rules into a StaticEngine. Malformed patterns
// are rejected eagerly so a bad config fails at load time, not mid-build.
func NewStaticEngine(rules Rules) (*StaticEngine, error) {
	for i := range rules.StageRules {
		if err := compile(&rules.StageRules[i]); err != nil {
			return nil, err
		}
	}
	for i := range rules.ImageRules {
		if err := compile(&rules.ImageRules[i]); err != nil {
			return nil, err
		}
	}
	return &StaticEngine{rules: rules}, nil
}

// LoadStaticEngine reads a YAML rules file from path and constructs a
// StaticEngine. A missing file yields an empty, allow-everything engine.
func LoadStaticEngine(path string) (*StaticEngine, error) {
	var rules Rules
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewStaticEngine(rules)
		}
		return nil, cherrors.Wrap(cherrors.CodeInternal, "read policy rules file", err)
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, cherrors.Wrap(cherrors.CodeValidation, "parse policy rules file", err)
	}
	return NewStaticEngine(rules)
}

func compile(r *Rule) error {
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeValidation, "compile policy rule pattern", err).WithContext(map[string]interface{}{"pattern": r.Pattern})
	}
	r.compiled = re
	return nil
}

func evaluate(rules []Rule, subject string) ports.PolicyDecision {
	for _, r := range rules {
		if r.compiled.MatchString(subject) {
			return ports.PolicyDecision{Allowed: r.Allow, Severity: r.Severity, Reason: r.Reason}
		}
	}
	return ports.PolicyDecision{Allowed: true, Severity: "info"}
}

// EvaluateStage implements ports.PolicyEngine.
func (e *StaticEngine) EvaluateStage(_ context.Context, _ *build.Context, stageName string) (ports.PolicyDecision, error) {
	return evaluate(e.rules.StageRules, stageName), nil
}

// EvaluateImage implements ports.PolicyEngine.
func (e *StaticEngine) EvaluateImage(_ context.Context, _ *build.Context, image string) (ports.PolicyDecision, error) {
	return evaluate(e.rules.ImageRules, image), nil
}

var _ ports.PolicyEngine = (*StaticEngine)(nil)

package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// MatrixAxis is one dimension of a matrix strategy. Axes are kept as an
// ordered slice (not a map) because the expanded stage name and the
// cartesian product's iteration order must be deterministic and must match
// declaration order, not lexical order.
type MatrixAxis struct {
	Name   string
	Values []string
}

// MatrixStrategy fans a stage out over the cartesian product of its axes,
// minus any excluded combinations.
type MatrixStrategy struct {
	Axes            []MatrixAxis
	Exclude         []map[string]string
	MaxCombinations int
}

// Validate ensures the matrix strategy is well formed before expansion.
func (m MatrixStrategy) Validate() error {
	if len(m.Axes) == 0 {
		return newValidationError("matrix requires at least one axis", nil)
	}
	seen := make(map[string]struct{}, len(m.Axes))
	for _, axis := range m.Axes {
		if axis.Name == "" {
			return newMissingFieldError("matrix.axis.name")
		}
		if len(axis.Values) == 0 {
			return newValidationError("matrix axis requires at least one value", map[string]interface{}{"axis": axis.Name})
		}
		if _, ok := seen[axis.Name]; ok {
			return newDuplicateError(axis.Name)
		}
		seen[axis.Name] = struct{}{}
	}
	for _, excl := range m.Exclude {
		for axis := range excl {
			if _, ok := seen[axis]; !ok {
				return newDependencyError("exclude references unknown axis", map[string]interface{}{"axis": axis})
			}
		}
	}
	return nil
}

// combination is one point in the cartesian product, axis name to value, in
// declared axis order.
type combination struct {
	pairs []kv
}

type kv struct {
	axis  string
	value string
}

func (c combination) matchesExclude(excl map[string]string) bool {
	if len(excl) == 0 {
		return false
	}
	for axis, value := range excl {
		found := false
		for _, p := range c.pairs {
			if p.axis == axis && p.value == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (c combination) suffix() string {
	parts := make([]string, len(c.pairs))
	for i, p := range c.pairs {
		parts[i] = fmt.Sprintf("%s=%s", p.axis, p.value)
	}
	return fmt.Sprintf(" [%s]", strings.Join(parts, ", "))
}

func (c combination) env() map[string]string {
	out := make(map[string]string, len(c.pairs))
	for _, p := range c.pairs {
		out[fmt.Sprintf("MATRIX_%s", strings.ToUpper(p.axis))] = p.value
	}
	return out
}

func (m MatrixStrategy) combinations() []combination {
	combos := []combination{{}}
	for _, axis := range m.Axes {
		var next []combination
		for _, c := range combos {
			for _, v := range axis.Values {
				pairs := append(append([]kv(nil), c.pairs...), kv{axis: axis.Name, value: v})
				next = append(next, combination{pairs: pairs})
			}
		}
		combos = next
	}
	return combos
}

// Expand clones stage once per surviving combination, suffixing its name
// with the axis=value pairs and injecting MATRIX_<AXIS> into every step's
// environment. defaultCap is used when the strategy does not declare its
// own MaxCombinations (system default, e.g. matrix.max_combinations).
func (m MatrixStrategy) Expand(stage Stage, defaultCap int) ([]Stage, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	cap := m.MaxCombinations
	if cap <= 0 {
		cap = defaultCap
	}

	var kept []combination
	for _, c := range m.combinations() {
		excluded := false
		for _, excl := range m.Exclude {
			if c.matchesExclude(excl) {
				excluded = true
				break
			}
		}
		if !excluded {
			kept = append(kept, c)
		}
	}

	if cap > 0 && len(kept) > cap {
		return nil, newValidationError("matrix combination count exceeds configured cap", map[string]interface{}{
			"stage":        stage.Name,
			"combinations": len(kept),
			"cap":          cap,
		})
	}

	expanded := make([]Stage, 0, len(kept))
	for _, c := range kept {
		clone := stage
		clone.Name = stage.Name + c.suffix()
		clone.Matrix = nil
		steps := make([]Step, len(stage.Steps))
		for i, step := range stage.Steps {
			steps[i] = step.WithEnv(c.env())
		}
		clone.Steps = steps
		if stage.Post != nil {
			postAlways := withEnvAll(stage.Post.Always, c.env())
			postSuccess := withEnvAll(stage.Post.OnSuccess, c.env())
			postFailure := withEnvAll(stage.Post.OnFailure, c.env())
			clone.Post = &PostBlock{Always: postAlways, OnSuccess: postSuccess, OnFailure: postFailure}
		}
		expanded = append(expanded, clone)
	}
	return expanded, nil
}

func withEnvAll(steps []Step, env map[string]string) []Step {
	if len(steps) == 0 {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = s.WithEnv(env)
	}
	return out
}

// SortedAxisNames returns the axis names in lexical order (not declaration
// order), used by callers
// that need a stable label without walking the full combination set.
func (m MatrixStrategy) SortedAxisNames() []string {
	names := make([]string, len(m.Axes))
	for i, a := range m.Axes {
		names[i] = a.Name
	}
	sort.Strings(names)
	return names
}

// Package engine is the Pipeline Executor (spec.md §4.1): it walks a
// pipeline's stage tree against a build context, applying matrix expansion,
// when-conditions, approval gates, policy checks, and post hooks, and
// returns a terminal build status. Stages execute level-by-level with a
// per-stage semaphore bounding parallel steps and first-error capture
// across a sequential run.
package engine

import (
	"fmt"
	"strings"

	"github.com/chengis/chengis/internal/cherrors"
)

// condition evaluates a small boolean grammar over two atom kinds:
// `branch == "value"` and `param.NAME == "value"`, combined with
// `&&`, `||`, and a leading `!`.
type condition struct {
	raw string
}

func newCondition(expr string) condition { return condition{raw: strings.TrimSpace(expr)} }

// evalContext carries the values a condition's atoms compare against.
type evalContext struct {
	Branch string
	Params map[string]string
}

// Evaluate parses and evaluates the condition in one pass (the grammar is
// small enough that a single recursive-descent pass over `||`-separated,
// then `&&`-separated, then optionally `!`-prefixed atoms needs no AST).
func (c condition) Evaluate(ec evalContext) (bool, error) {
	if c.raw == "" {
		return true, nil
	}
	for _, orTerm := range strings.Split(c.raw, "||") {
		result := true
		for _, andTerm := range strings.Split(orTerm, "&&") {
			atom := strings.TrimSpace(andTerm)
			negate := false
			if strings.HasPrefix(atom, "!") {
				negate = true
				atom = strings.TrimSpace(atom[1:])
			}
			ok, err := evalAtom(atom, ec)
			if err != nil {
				return false, err
			}
			if negate {
				ok = !ok
			}
			if !ok {
				result = false
				break
			}
		}
		if result {
			return true, nil
		}
	}
	return false, nil
}

func evalAtom(atom string, ec evalContext) (bool, error) {
	parts := strings.SplitN(atom, "==", 2)
	if len(parts) != 2 {
		return false, cherrors.New(cherrors.CodeValidation, fmt.Sprintf("invalid when condition atom %q", atom))
	}
	lhs := strings.TrimSpace(parts[0])
	rhs := strings.Trim(strings.TrimSpace(parts[1]), `"'`)

	switch {
	case lhs == "branch":
		return ec.Branch == rhs, nil
	case strings.HasPrefix(lhs, "param."):
		name := strings.TrimPrefix(lhs, "param.")
		return ec.Params[name] == rhs, nil
	default:
		return false, cherrors.New(cherrors.CodeValidation, fmt.Sprintf("unknown when condition atom %q", lhs))
	}
}

package pipelinefile

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/pipeline"
)

// ParseEDN decodes raw EDN bytes into a validated domain pipeline. No EDN
// library exists anywhere in the retrieval pack (DESIGN.md), so this is a
// minimal hand-rolled recursive-descent reader supporting the subset of EDN
// a pipeline document needs: maps, vectors, keywords, strings, numbers,
// booleans, and nil. It is intentionally not a general EDN implementation
// (no tagged literals, no sets, no symbols beyond true/false/nil).
func ParseEDN(raw []byte) (*pipeline.Pipeline, error) {
	reader := &ednReader{src: []rune(string(raw))}
	value, err := reader.readValue()
	if err != nil {
		return nil, cherrors.Wrap(cherrors.CodeValidation, "parse pipeline edn", err)
	}
	doc, ok := value.(map[string]interface{})
	if !ok {
		return nil, cherrors.New(cherrors.CodeValidation, "pipeline edn document must be a top-level map")
	}
	p, err := ednDocToDomain(doc)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

type ednReader struct {
	src []rune
	pos int
}

func (r *ednReader) peek() (rune, bool) {
	if r.pos >= len(r.src) {
		return 0, false
	}
	return r.src[r.pos], true
}

func (r *ednReader) skipSpace() {
	for {
		c, ok := r.peek()
		if !ok {
			return
		}
		if c == ';' {
			for ok && c != '\n' {
				r.pos++
				c, ok = r.peek()
			}
			continue
		}
		if unicode.IsSpace(c) || c == ',' {
			r.pos++
			continue
		}
		return
	}
}

func (r *ednReader) readValue() (interface{}, error) {
	r.skipSpace()
	c, ok := r.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of edn input")
	}
	switch {
	case c == '{':
		return r.readMap()
	case c == '[' || c == '(':
		return r.readVector(c)
	case c == '"':
		return r.readString()
	case c == ':':
		return r.readKeyword()
	default:
		return r.readAtom()
	}
}

func (r *ednReader) readMap() (map[string]interface{}, error) {
	r.pos++ // consume '{'
	out := make(map[string]interface{})
	for {
		r.skipSpace()
		c, ok := r.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated map")
		}
		if c == '}' {
			r.pos++
			return out, nil
		}
		key, err := r.readValue()
		if err != nil {
			return nil, err
		}
		val, err := r.readValue()
		if err != nil {
			return nil, err
		}
		keyStr, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("map keys must be keywords or strings")
		}
		out[keyStr] = val
	}
}

func (r *ednReader) readVector(open rune) ([]interface{}, error) {
	close := ']'
	if open == '(' {
		close = ')'
	}
	r.pos++
	var out []interface{}
	for {
		r.skipSpace()
		c, ok := r.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated vector")
		}
		if c == close {
			r.pos++
			return out, nil
		}
		val, err := r.readValue()
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
}

func (r *ednReader) readString() (string, error) {
	r.pos++ // consume opening quote
	var b strings.Builder
	for {
		c, ok := r.peek()
		if !ok {
			return "", fmt.Errorf("unterminated string")
		}
		r.pos++
		if c == '\\' {
			esc, ok := r.peek()
			if !ok {
				return "", fmt.Errorf("unterminated escape")
			}
			r.pos++
			switch esc {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			default:
				b.WriteRune(esc)
			}
			continue
		}
		if c == '"' {
			return b.String(), nil
		}
		b.WriteRune(c)
	}
}

func (r *ednReader) readKeyword() (string, error) {
	r.pos++ // consume ':'
	start := r.pos
	for {
		c, ok := r.peek()
		if !ok || isTerminator(c) {
			break
		}
		r.pos++
	}
	return string(r.src[start:r.pos]), nil
}

func (r *ednReader) readAtom() (interface{}, error) {
	start := r.pos
	for {
		c, ok := r.peek()
		if !ok || isTerminator(c) {
			break
		}
		r.pos++
	}
	token := string(r.src[start:r.pos])
	switch token {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "nil":
		return nil, nil
	}
	if token == "" {
		return nil, fmt.Errorf("unexpected character %q", r.src[r.pos])
	}
	if f, err := strconv.ParseFloat(token, 64); err == nil {
		return f, nil
	}
	return token, nil
}

func isTerminator(c rune) bool {
	return unicode.IsSpace(c) || c == ',' || c == '}' || c == ']' || c == ')' || c == '{' || c == '[' || c == '('
}

// ednDocToDomain walks the generic EDN value tree into a domain pipeline,
// using the same field names as the YAML form (so one pipeline can be
// trivially transliterated between the two formats).
func ednDocToDomain(doc map[string]interface{}) (pipeline.Pipeline, error) {
	p := pipeline.Pipeline{
		Version:     ednString(doc["version"]),
		Name:        ednString(doc["name"]),
		Description: ednString(doc["description"]),
	}
	if settings, ok := doc["settings"].(map[string]interface{}); ok {
		p.Settings = pipeline.Settings{
			Parallel:              ednInt(settings["parallel"]),
			Timeout:               ednInt(settings["timeout"]),
			MatrixMaxCombinations: ednInt(settings["matrix_max_combinations"]),
		}
	}
	stagesRaw, _ := doc["stages"].([]interface{})
	for _, s := range stagesRaw {
		stageMap, ok := s.(map[string]interface{})
		if !ok {
			continue
		}
		p.Stages = append(p.Stages, ednStageToDomain(stageMap))
	}
	if post, ok := doc["post"].(map[string]interface{}); ok {
		p.Post = ednPostToDomain(post)
	}
	p.ArtifactPatterns = ednStringList(doc["artifacts"])
	p.NotifyTargets = ednStringList(doc["notify"])
	return p, nil
}

func ednStageToDomain(m map[string]interface{}) pipeline.Stage {
	stage := pipeline.Stage{
		Name:     ednString(m["name"]),
		Parallel: ednBool(m["parallel"]),
		When:     ednString(m["when"]),
	}
	stepsRaw, _ := m["steps"].([]interface{})
	for _, s := range stepsRaw {
		if stepMap, ok := s.(map[string]interface{}); ok {
			stage.Steps = append(stage.Steps, ednStepToDomain(stepMap))
		}
	}
	if c, ok := m["container"].(map[string]interface{}); ok {
		stage.Container = &pipeline.ContainerBinding{Image: ednString(c["image"]), PullPolicy: ednString(c["pull_policy"])}
	}
	if a, ok := m["approval"].(map[string]interface{}); ok {
		stage.Approval = &pipeline.ApprovalConfig{
			RequiredRole: ednString(a["required_role"]), MinApprovals: ednInt(a["min_approvals"]), TimeoutSeconds: ednInt(a["timeout_seconds"]),
		}
	}
	if mx, ok := m["matrix"].(map[string]interface{}); ok {
		stage.Matrix = ednMatrixToDomain(mx)
	}
	if post, ok := m["post"].(map[string]interface{}); ok {
		stage.Post = ednPostToDomain(post)
	}
	return stage
}

func ednStepToDomain(m map[string]interface{}) pipeline.Step {
	with := map[string]interface{}{}
	if w, ok := m["with"].(map[string]interface{}); ok {
		with = w
	}
	env := map[string]string{}
	if e, ok := m["env"].(map[string]interface{}); ok {
		for k, v := range e {
			env[k] = ednString(v)
		}
	}
	return pipeline.Step{
		ID: ednString(m["id"]), Name: ednString(m["name"]), Type: pipeline.StepType(ednString(m["type"])),
		Run: ednString(m["run"]), With: with, Env: env, Timeout: ednInt(m["timeout"]), When: ednString(m["when"]),
	}
}

func ednPostToDomain(m map[string]interface{}) *pipeline.PostBlock {
	toSteps := func(key string) []pipeline.Step {
		raw, _ := m[key].([]interface{})
		out := make([]pipeline.Step, 0, len(raw))
		for _, s := range raw {
			if stepMap, ok := s.(map[string]interface{}); ok {
				out = append(out, ednStepToDomain(stepMap))
			}
		}
		return out
	}
	return &pipeline.PostBlock{Always: toSteps("always"), OnSuccess: toSteps("on_success"), OnFailure: toSteps("on_failure")}
}

func ednMatrixToDomain(m map[string]interface{}) *pipeline.MatrixStrategy {
	strategy := &pipeline.MatrixStrategy{MaxCombinations: ednInt(m["max_combinations"])}
	if axesMap, ok := m["axes"].(map[string]interface{}); ok {
		for name, values := range axesMap {
			strategy.Axes = append(strategy.Axes, pipeline.MatrixAxis{Name: name, Values: ednStringList(values)})
		}
	}
	if excludeRaw, ok := m["exclude"].([]interface{}); ok {
		for _, e := range excludeRaw {
			if excludeMap, ok := e.(map[string]interface{}); ok {
				entry := make(map[string]string, len(excludeMap))
				for k, v := range excludeMap {
					entry[k] = ednString(v)
				}
				strategy.Exclude = append(strategy.Exclude, entry)
			}
		}
	}
	return strategy
}

func ednString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func ednInt(v interface{}) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return 0
}

func ednBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func ednStringList(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		out = append(out, ednString(e))
	}
	return out
}

package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var expressionPattern = regexp.MustCompile(`\${([^}]+)}`)

// Template is a string with embedded ${...} expressions. Each expression is
// compiled once and evaluated on every call to Eval.
type Template struct {
	raw   string
	parts []string
	codes map[int]Script
}

func NewTemplate(engine Compiler, raw string) (*Template, error) {
	t := &Template{raw: raw}

	// Validate that all ${...} expressions are properly closed
	if strings.Count(raw, "${") > strings.Count(raw, "}") {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}

	matches := expressionPattern.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return t, nil
	}

	t.codes = make(map[int]Script, len(matches))
	var lastEnd int
	for _, match := range matches {
		if match[0] > lastEnd {
			t.parts = append(t.parts, raw[lastEnd:match[0]])
		}
		expr := raw[match[2]:match[3]]
		code, err := engine.Compile(context.Background(), expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}
		t.codes[len(t.parts)] = code
		t.parts = append(t.parts, "")
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		t.parts = append(t.parts, raw[lastEnd:])
	}
	return t, nil
}

// Raw returns the template source
func (t *Template) Raw() string {
	return t.raw
}

// Eval renders the template with the given globals
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.codes) == 0 {
		return t.raw, nil
	}

	var sb strings.Builder
	for i, part := range t.parts {
		code, ok := t.codes[i]
		if !ok {
			sb.WriteString(part)
			continue
		}
		result, err := code.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		sb.WriteString(result.String())
	}
	return sb.String(), nil
}

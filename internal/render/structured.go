package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// renderStructured handles json/yaml-format templates: the body is itself a
// JSON/YAML-shaped document whose string leaves are independently rendered
// as text templates. Two directive shapes are expanded instead of being
// treated as data: {"%for": "var in expr", "%loop": body} and
// {"%if": expr, "%then": body}. Everything else passes through recursively.
func renderStructured(content Content, ctx Scope, target Format, sourceLabel string) (string, error) {
	var doc any
	if err := yaml.Unmarshal([]byte(content.Template), &doc); err != nil {
		return "", fmt.Errorf("%s: parse %s template: %w", sourceLabel, content.Format, err)
	}

	parseOnly := target == FormatParseOnly
	out, _, err := walkStructured(doc, ctx, parseOnly)
	if err != nil {
		return "", fmt.Errorf("%s: %w", sourceLabel, err)
	}
	if parseOnly {
		return "", nil
	}

	switch target {
	case FormatJSON:
		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return "", fmt.Errorf("%s: serialize: %w", sourceLabel, err)
		}
		return string(b), nil
	case FormatYAML:
		b, err := yaml.Marshal(out)
		if err != nil {
			return "", fmt.Errorf("%s: serialize: %w", sourceLabel, err)
		}
		return string(b), nil
	}
	return "", fmt.Errorf("%s: cannot render %s template to %s", sourceLabel, content.Format, target)
}

// walkStructured returns the transformed value and whether it is included
// (an %if directive whose condition fails excludes its node).
func walkStructured(v any, ctx Scope, parseOnly bool) (any, bool, error) {
	switch x := v.(type) {
	case map[string]any:
		if forSpec, ok := x["%for"].(string); ok {
			body, hasBody := x["%loop"]
			if !hasBody {
				return nil, false, fmt.Errorf("%%for directive without %%loop body")
			}
			return expandFor(forSpec, body, ctx, parseOnly)
		}
		if cond, ok := x["%if"]; ok {
			body, hasBody := x["%then"]
			if !hasBody {
				return nil, false, fmt.Errorf("%%if directive without %%then body")
			}
			return expandIf(cond, body, ctx, parseOnly)
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			r, include, err := walkStructured(val, ctx, parseOnly)
			if err != nil {
				return nil, false, err
			}
			if include {
				out[k] = r
			}
		}
		return out, true, nil
	case []any:
		out := make([]any, 0, len(x))
		for _, item := range x {
			r, include, err := walkStructured(item, ctx, parseOnly)
			if err != nil {
				return nil, false, err
			}
			if include {
				out = append(out, r)
			}
		}
		return out, true, nil
	case string:
		tmpl, err := CompileTemplate(x)
		if err != nil {
			return nil, false, fmt.Errorf("bad template string %q: %w", x, err)
		}
		if parseOnly {
			return nil, true, nil
		}
		return tmpl.Render(ctx, TextEscaper), true, nil
	}
	return v, true, nil
}

func expandFor(forSpec string, body any, ctx Scope, parseOnly bool) (any, bool, error) {
	parts := strings.SplitN(forSpec, " in ", 2)
	if len(parts) != 2 {
		return nil, false, fmt.Errorf("bad %%for specification %q", forSpec)
	}
	varName := strings.TrimSpace(parts[0])
	expr, err := ParseExpression(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, false, fmt.Errorf("bad %%for expression %q: %w", parts[1], err)
	}
	if parseOnly {
		_, _, err := walkStructured(body, ctx, true)
		return nil, true, err
	}
	seq, err := expr.Eval(ctx)
	if err != nil {
		return []any{}, true, nil
	}
	out := []any{}
	for _, item := range iterate(seq) {
		scope := &loopScope{parent: ctx, name: varName, value: item}
		r, include, err := walkStructured(body, scope, false)
		if err != nil {
			return nil, false, err
		}
		if include {
			out = append(out, r)
		}
	}
	return out, true, nil
}

func expandIf(cond, body any, ctx Scope, parseOnly bool) (any, bool, error) {
	condSrc, ok := cond.(string)
	if !ok {
		return nil, false, fmt.Errorf("%%if condition must be a string expression")
	}
	expr, err := ParseExpression(condSrc)
	if err != nil {
		return nil, false, fmt.Errorf("bad %%if condition %q: %w", condSrc, err)
	}
	if parseOnly {
		_, _, err := walkStructured(body, ctx, true)
		return nil, true, err
	}
	v, err := expr.Eval(ctx)
	if err != nil || !Truth(v) {
		return nil, false, nil
	}
	return walkStructured(body, ctx, false)
}

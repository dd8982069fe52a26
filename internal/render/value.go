package render

import (
	"fmt"
	"html"
	"reflect"
	"strings"

	"github.com/dshills/complianceq/internal/domain"
)

// Escaper converts substituted values to output text. HTML targets escape
// entities; text targets pass values through unchanged.
type Escaper struct {
	Escape func(string) string
	// HTML reports that the escaped output is HTML, so value wrappers may
	// emit markup fragments (links, error markers) directly.
	HTML bool
}

// HTMLEscaper escapes substituted values for HTML output.
var HTMLEscaper = Escaper{Escape: html.EscapeString, HTML: true}

// TextEscaper passes substituted values through unchanged.
var TextEscaper = Escaper{Escape: func(s string) string { return s }}

// selfRenderer is implemented by values that control their own escaped
// rendering (the __html__-style hook): RenderedAnswer, Undefined, contexts.
type selfRenderer interface {
	renderWith(esc Escaper) string
}

// Undefined is the placeholder produced when an identifier resolves to
// nothing. It renders as a visible error marker and propagates attribute and
// item access, so one bad reference does not abort a whole document.
type Undefined struct {
	Name string
	Path []string
}

// Attr propagates access, recording the attribute chain for the marker text.
func (u Undefined) Attr(name string) Undefined {
	return Undefined{Name: u.Name + "." + name, Path: u.Path}
}

func (u Undefined) renderWith(esc Escaper) string {
	label := u.Name
	if len(u.Path) > 0 {
		label = strings.Join(u.Path, " -> ") + " -> " + label
	}
	if esc.HTML {
		return `<span class="template-error">invalid reference: ` + html.EscapeString(label) + `</span>`
	}
	return "[invalid reference: " + label + "]"
}

// Truth reports the truthiness of a template value. RenderedAnswer carries
// its own domain rule (yesno answers are truthy only on "yes").
func Truth(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	case Undefined:
		return false
	case *RenderedAnswer:
		return x.Truth()
	case *Context:
		return true
	case Callable:
		return true
	}
	return true
}

// Unwrap returns the canonical raw value behind a template value, removing
// answer wrappers and placeholders.
func Unwrap(v any) any { return rawValue(v) }

// rawValue unwraps engine wrappers so comparisons and arithmetic see the
// canonical value on both sides.
func rawValue(v any) any {
	switch x := v.(type) {
	case *RenderedAnswer:
		if x.Answer == nil {
			return nil
		}
		return x.Answer.Value
	case Undefined:
		return nil
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func isInt(v any) bool {
	switch v.(type) {
	case int, int64:
		return true
	}
	return false
}

// compare applies a comparison operator. Comparing against a nil-valued
// answer never raises; ordering against nil is simply false.
func compare(op string, left, right any) bool {
	l := rawValue(left)
	r := rawValue(right)
	switch op {
	case "==":
		return valueEqual(l, r)
	case "!=":
		return !valueEqual(l, r)
	}
	if l == nil || r == nil {
		return false
	}
	if lf, ok := toFloat(l); ok {
		if rf, ok := toFloat(r); ok {
			switch op {
			case "<":
				return lf < rf
			case "<=":
				return lf <= rf
			case ">":
				return lf > rf
			case ">=":
				return lf >= rf
			}
		}
		return false
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs
		case "<=":
			return ls <= rs
		case ">":
			return ls > rs
		case ">=":
			return ls >= rs
		}
	}
	return false
}

func valueEqual(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	if lf, ok := toFloat(l); ok {
		if rf, ok := toFloat(r); ok {
			return lf == rf
		}
		return false
	}
	if ls, ok := l.([]any); ok {
		rs, ok := r.([]any)
		if !ok || len(ls) != len(rs) {
			return false
		}
		for i := range ls {
			if !valueEqual(rawValue(ls[i]), rawValue(rs[i])) {
				return false
			}
		}
		return true
	}
	if lm, ok := l.(map[string]any); ok {
		rm, ok := r.(map[string]any)
		if !ok || len(lm) != len(rm) {
			return false
		}
		for k, lv := range lm {
			rv, ok := rm[k]
			if !ok || !valueEqual(rawValue(lv), rawValue(rv)) {
				return false
			}
		}
		return true
	}
	// File and datagrid answers carry composite values; anything uncomparable
	// that reaches here is simply unequal rather than a panic.
	if !reflect.TypeOf(l).Comparable() || !reflect.TypeOf(r).Comparable() {
		return false
	}
	return l == r
}

// contains implements the "in" operator.
func contains(container, item any) bool {
	it := rawValue(item)
	switch c := rawValue(container).(type) {
	case string:
		s, ok := it.(string)
		return ok && strings.Contains(c, s)
	case []any:
		for _, v := range c {
			if valueEqual(rawValue(v), it) {
				return true
			}
		}
	case map[string]any:
		s, ok := it.(string)
		if !ok {
			return false
		}
		_, found := c[s]
		return found
	}
	// Iterables produced by answer wrappers.
	if ra, ok := container.(*RenderedAnswer); ok {
		items, iterable := ra.Iterate()
		if iterable {
			for _, v := range items {
				if valueEqual(rawValue(v), it) {
					return true
				}
			}
		}
	}
	return false
}

// getAttr resolves dotted access for every value kind the engine exposes.
func getAttr(base any, name string) any {
	switch x := base.(type) {
	case Undefined:
		return x.Attr(name)
	case *RenderedAnswer:
		return x.Attr(name)
	case *Context:
		if v, ok := x.Resolve(name); ok {
			return v
		}
		return Undefined{Name: name, Path: x.path}
	case map[string]any:
		if v, ok := x[name]; ok {
			return v
		}
		return Undefined{Name: name}
	case QuestionAnswer:
		switch name {
		case "question":
			return x.questionAttrs()
		case "answer":
			return x.Answer
		}
		return Undefined{Name: name}
	case *domain.QuestionSpec:
		switch name {
		case "id":
			return x.ID
		case "title":
			return x.Title
		case "prompt":
			return x.Prompt
		case "type":
			return string(x.Type)
		}
		return Undefined{Name: name}
	case *lazyOutputs:
		if v, ok := x.get(name); ok {
			return v
		}
		return Undefined{Name: "output_documents." + name}
	}
	return Undefined{Name: name}
}

// getItem resolves bracketed access.
func getItem(base, index any) any {
	idx := rawValue(index)
	switch x := base.(type) {
	case Undefined:
		return x.Attr(fmt.Sprintf("[%v]", idx))
	case []any:
		i, ok := toFloat(idx)
		if !ok {
			return Undefined{Name: fmt.Sprintf("[%v]", idx)}
		}
		n := int(i)
		if n < 0 || n >= len(x) {
			return Undefined{Name: fmt.Sprintf("[%d]", n)}
		}
		return x[n]
	case map[string]any:
		s, ok := idx.(string)
		if !ok {
			return Undefined{Name: fmt.Sprintf("[%v]", idx)}
		}
		return getAttr(x, s)
	case *RenderedAnswer:
		items, iterable := x.Iterate()
		if iterable {
			return getItem(items, index)
		}
	case *Context:
		if s, ok := idx.(string); ok {
			return getAttr(x, s)
		}
	case *lazyOutputs:
		if s, ok := idx.(string); ok {
			return getAttr(x, s)
		}
	}
	return Undefined{Name: fmt.Sprintf("[%v]", idx)}
}

// Stringify renders an arbitrary value with the given escaper, honoring the
// self-rendering hook of answer wrappers and placeholders.
func Stringify(v any, esc Escaper) string {
	switch x := v.(type) {
	case nil:
		return ""
	case selfRenderer:
		return x.renderWith(esc)
	case string:
		return esc.Escape(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float64:
		return esc.Escape(formatFloat(x))
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = Stringify(item, esc)
		}
		return strings.Join(parts, ", ")
	}
	return esc.Escape(fmt.Sprintf("%v", v))
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

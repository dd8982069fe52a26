package render

import (
	"fmt"
	"sort"
	"strings"
)

// Template is a compiled substitution template: literal text interleaved
// with {{ expression }} substitutions and {% if %} / {% for %} blocks.
type Template struct {
	src   string
	nodes []tmplNode
}

// CompileTemplate parses a template. Compilation alone is the ParseOnly
// path used for static validation of module definitions.
func CompileTemplate(src string) (*Template, error) {
	p := &tmplParser{src: src}
	nodes, err := p.parseNodes("")
	if err != nil {
		return nil, err
	}
	return &Template{src: src, nodes: nodes}, nil
}

// Render executes the template against a scope with the given escaper.
// Expression failures inside substitutions render as inline error markers
// rather than aborting the document.
func (t *Template) Render(scope Scope, esc Escaper) string {
	var b strings.Builder
	renderNodes(&b, t.nodes, scope, esc)
	return b.String()
}

// Vars returns the sorted set of free identifiers the template references,
// excluding loop variables bound by {% for %} blocks.
func (t *Template) Vars() []string {
	free := map[string]bool{}
	varsOfNodes(t.nodes, free, map[string]bool{})
	out := make([]string, 0, len(free))
	for v := range free {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

type tmplNode interface{}

type textNode string

type exprTmplNode struct {
	expr *Expr
}

type ifTmplNode struct {
	cond     *Expr
	body     []tmplNode
	elseBody []tmplNode
}

type forTmplNode struct {
	varName string
	seq     *Expr
	body    []tmplNode
}

type tmplParser struct {
	src     string
	pos     int
	lastTag string // closing tag consumed by the most recent nested parse
}

// parseNodes consumes nodes until the named closing tag ("endif", "endfor",
// "else") or end of input. It returns with the closing tag already consumed,
// leaving its name in lastTag.
func (p *tmplParser) parseNodes(until string) ([]tmplNode, error) {
	var nodes []tmplNode
	for p.pos < len(p.src) {
		open := strings.Index(p.src[p.pos:], "{")
		if open < 0 {
			nodes = append(nodes, textNode(p.src[p.pos:]))
			p.pos = len(p.src)
			break
		}
		open += p.pos
		if open+1 >= len(p.src) || (p.src[open+1] != '{' && p.src[open+1] != '%' && p.src[open+1] != '#') {
			nodes = append(nodes, textNode(p.src[p.pos:open+1]))
			p.pos = open + 1
			continue
		}
		if open > p.pos {
			nodes = append(nodes, textNode(p.src[p.pos:open]))
		}
		switch p.src[open+1] {
		case '{':
			end := strings.Index(p.src[open:], "}}")
			if end < 0 {
				return nil, fmt.Errorf("unclosed {{ at offset %d", open)
			}
			end += open
			src := strings.TrimSpace(p.src[open+2 : end])
			expr, err := ParseExpression(src)
			if err != nil {
				return nil, fmt.Errorf("bad expression %q: %w", src, err)
			}
			nodes = append(nodes, exprTmplNode{expr: expr})
			p.pos = end + 2
		case '#':
			end := strings.Index(p.src[open:], "#}")
			if end < 0 {
				return nil, fmt.Errorf("unclosed {# at offset %d", open)
			}
			p.pos = open + end + 2
		case '%':
			end := strings.Index(p.src[open:], "%}")
			if end < 0 {
				return nil, fmt.Errorf("unclosed {%% at offset %d", open)
			}
			end += open
			tag := strings.TrimSpace(p.src[open+2 : end])
			p.pos = end + 2
			word, rest := splitTag(tag)
			switch word {
			case "if":
				cond, err := ParseExpression(rest)
				if err != nil {
					return nil, fmt.Errorf("bad if condition %q: %w", rest, err)
				}
				body, closing, err := p.parseBlock("if")
				if err != nil {
					return nil, err
				}
				n := ifTmplNode{cond: cond, body: body}
				if closing == "else" {
					elseBody, closing2, err := p.parseBlock("if")
					if err != nil {
						return nil, err
					}
					if closing2 != "endif" {
						return nil, fmt.Errorf("expected endif, found %q", closing2)
					}
					n.elseBody = elseBody
				}
				nodes = append(nodes, n)
			case "for":
				parts := strings.SplitN(rest, " in ", 2)
				if len(parts) != 2 {
					return nil, fmt.Errorf("bad for tag %q", tag)
				}
				varName := strings.TrimSpace(parts[0])
				seq, err := ParseExpression(strings.TrimSpace(parts[1]))
				if err != nil {
					return nil, fmt.Errorf("bad for sequence %q: %w", parts[1], err)
				}
				body, closing, err := p.parseBlock("for")
				if err != nil {
					return nil, err
				}
				if closing != "endfor" {
					return nil, fmt.Errorf("expected endfor, found %q", closing)
				}
				nodes = append(nodes, forTmplNode{varName: varName, seq: seq, body: body})
			case "else", "endif", "endfor":
				if until == "" {
					return nil, fmt.Errorf("unexpected tag %q", word)
				}
				p.lastTag = word
				return nodes, nil
			default:
				return nil, fmt.Errorf("unknown tag %q", word)
			}
		}
	}
	if until != "" {
		return nil, fmt.Errorf("unterminated %s block", until)
	}
	return nodes, nil
}

func (p *tmplParser) parseBlock(kind string) ([]tmplNode, string, error) {
	nodes, err := p.parseNodes(kind)
	if err != nil {
		return nil, "", err
	}
	return nodes, p.lastTag, nil
}

func splitTag(tag string) (string, string) {
	i := strings.IndexByte(tag, ' ')
	if i < 0 {
		return tag, ""
	}
	return tag[:i], strings.TrimSpace(tag[i+1:])
}

func renderNodes(b *strings.Builder, nodes []tmplNode, scope Scope, esc Escaper) {
	for _, n := range nodes {
		switch x := n.(type) {
		case textNode:
			b.WriteString(string(x))
		case exprTmplNode:
			v, err := x.expr.Eval(scope)
			if err != nil {
				b.WriteString(Undefined{Name: x.expr.Source()}.renderWith(esc))
				continue
			}
			b.WriteString(Stringify(v, esc))
		case ifTmplNode:
			v, err := x.cond.Eval(scope)
			if err == nil && Truth(v) {
				renderNodes(b, x.body, scope, esc)
			} else {
				renderNodes(b, x.elseBody, scope, esc)
			}
		case forTmplNode:
			v, err := x.seq.Eval(scope)
			if err != nil {
				b.WriteString(Undefined{Name: x.seq.Source()}.renderWith(esc))
				continue
			}
			for _, item := range iterate(v) {
				renderNodes(b, x.body, &loopScope{parent: scope, name: x.varName, value: item}, esc)
			}
		}
	}
}

// iterate expands a value to a sequence for {% for %} and %for directives.
func iterate(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case *RenderedAnswer:
		items, ok := x.Iterate()
		if ok {
			return items
		}
	case string:
		// A string is not expanded character-wise; treat as one item.
		if x == "" {
			return nil
		}
		return []any{x}
	case Undefined, nil:
		return nil
	}
	return []any{v}
}

type loopScope struct {
	parent Scope
	name   string
	value  any
}

func (s *loopScope) Resolve(name string) (any, bool) {
	if name == s.name {
		return s.value, true
	}
	return s.parent.Resolve(name)
}

func varsOfNodes(nodes []tmplNode, free, bound map[string]bool) {
	for _, n := range nodes {
		switch x := n.(type) {
		case exprTmplNode:
			x.expr.node.vars(free, bound)
		case ifTmplNode:
			x.cond.node.vars(free, bound)
			varsOfNodes(x.body, free, bound)
			varsOfNodes(x.elseBody, free, bound)
		case forTmplNode:
			x.seq.node.vars(free, bound)
			inner := map[string]bool{x.varName: true}
			for k := range bound {
				inner[k] = true
			}
			varsOfNodes(x.body, free, inner)
		}
	}
}

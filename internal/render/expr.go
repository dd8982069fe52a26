package render

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Scope resolves a free identifier to a value. Question keys resolve to
// *RenderedAnswer wrappers; unresolvable names are reported as missing and
// surface as Undefined placeholders.
type Scope interface {
	Resolve(name string) (any, bool)
}

// Callable is a zero-argument function value exposed to expressions, such as
// is_started and is_finished.
type Callable func() any

// MapScope is a Scope over a plain map, used by tests and the CLI.
type MapScope map[string]any

// Resolve implements Scope.
func (m MapScope) Resolve(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Expr is a compiled expression.
type Expr struct {
	src  string
	node node
}

// ParseExpression compiles an expression. The grammar covers literals,
// identifiers, attribute and item access, zero-argument calls, list
// literals, comparisons, membership tests, and/or/not, and + and -.
func ParseExpression(src string) (*Expr, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	n, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.tok.text, p.tok.pos)
	}
	return &Expr{src: src, node: n}, nil
}

// Eval evaluates the expression against a scope. Errors are recoverable and
// scoped to this expression; callers decide whether to suppress or surface
// them.
func (e *Expr) Eval(scope Scope) (any, error) {
	return e.node.eval(scope)
}

// Vars returns the sorted set of free identifiers referenced by the
// expression. Loop variables of enclosing templates are not visible here and
// must be subtracted by the caller.
func (e *Expr) Vars() []string {
	set := map[string]bool{}
	e.node.vars(set, map[string]bool{})
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.src }

// --- lexer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src string
	pos int
}

func newLexer(src string) *lexer { return &lexer{src: src} }

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}
	start := l.pos
	c := l.src[l.pos]
	switch {
	case c == '_' || unicode.IsLetter(rune(c)):
		for l.pos < len(l.src) && (l.src[l.pos] == '_' || unicode.IsLetter(rune(l.src[l.pos])) || unicode.IsDigit(rune(l.src[l.pos]))) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], pos: start}, nil
	case unicode.IsDigit(rune(c)):
		for l.pos < len(l.src) && (unicode.IsDigit(rune(l.src[l.pos])) || l.src[l.pos] == '.') {
			l.pos++
		}
		return token{kind: tokNumber, text: l.src[start:l.pos], pos: start}, nil
	case c == '\'' || c == '"':
		quote := c
		l.pos++
		var b strings.Builder
		for l.pos < len(l.src) && l.src[l.pos] != quote {
			if l.src[l.pos] == '\\' && l.pos+1 < len(l.src) {
				l.pos++
			}
			b.WriteByte(l.src[l.pos])
			l.pos++
		}
		if l.pos >= len(l.src) {
			return token{}, fmt.Errorf("unterminated string at offset %d", start)
		}
		l.pos++
		return token{kind: tokString, text: b.String(), pos: start}, nil
	default:
		two := ""
		if l.pos+1 < len(l.src) {
			two = l.src[l.pos : l.pos+2]
		}
		switch two {
		case "==", "!=", "<=", ">=":
			l.pos += 2
			return token{kind: tokOp, text: two, pos: start}, nil
		}
		switch c {
		case '<', '>', '+', '-', '(', ')', '[', ']', '.', ',':
			l.pos++
			return token{kind: tokOp, text: string(c), pos: start}, nil
		}
		return token{}, fmt.Errorf("unexpected character %q at offset %d", c, start)
	}
}

// --- parser ---

type parser struct {
	lex *lexer
	tok token
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) accept(kind tokenKind, text string) (bool, error) {
	if p.tok.kind == kind && p.tok.text == text {
		return true, p.advance()
	}
	return false, nil
}

func (p *parser) expect(kind tokenKind, text string) error {
	ok, err := p.accept(kind, text)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("expected %q, found %q at offset %d", text, p.tok.text, p.tok.pos)
	}
	return nil
}

func (p *parser) parseExpr() (node, error) { return p.parseOr() }

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		ok, err := p.accept(tokIdent, "or")
		if err != nil {
			return nil, err
		}
		if !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &boolNode{op: "or", left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		ok, err := p.accept(tokIdent, "and")
		if err != nil {
			return nil, err
		}
		if !ok {
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &boolNode{op: "and", left: left, right: right}
	}
}

func (p *parser) parseNot() (node, error) {
	ok, err := p.accept(tokIdent, "not")
	if err != nil {
		return nil, err
	}
	if ok {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseComparison()
}

var compareOps = map[string]bool{"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokOp && compareOps[p.tok.text] {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &compareNode{op: op, left: left, right: right}, nil
	}
	if p.tok.kind == tokIdent && p.tok.text == "in" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &inNode{left: left, right: right}, nil
	}
	if p.tok.kind == tokIdent && p.tok.text == "not" {
		// "not in"
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expect(tokIdent, "in"); err != nil {
			return nil, err
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: &inNode{left: left, right: right}}, nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &arithNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	ok, err := p.accept(tokOp, "-")
	if err != nil {
		return nil, err
	}
	if ok {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &negNode{inner: inner}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.tok.kind == tokOp && p.tok.text == ".":
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokIdent {
				return nil, fmt.Errorf("expected attribute name at offset %d", p.tok.pos)
			}
			n = &attrNode{base: n, name: p.tok.text}
			if err := p.advance(); err != nil {
				return nil, err
			}
		case p.tok.kind == tokOp && p.tok.text == "[":
			if err := p.advance(); err != nil {
				return nil, err
			}
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expect(tokOp, "]"); err != nil {
				return nil, err
			}
			n = &itemNode{base: n, index: idx}
		case p.tok.kind == tokOp && p.tok.text == "(":
			if err := p.advance(); err != nil {
				return nil, err
			}
			if err := p.expect(tokOp, ")"); err != nil {
				return nil, err
			}
			n = &callNode{base: n}
		default:
			return n, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	switch {
	case p.tok.kind == tokNumber:
		text := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if strings.Contains(text, ".") {
			f, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", text)
			}
			return &literalNode{value: f}, nil
		}
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", text)
		}
		return &literalNode{value: i}, nil
	case p.tok.kind == tokString:
		text := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{value: text}, nil
	case p.tok.kind == tokIdent:
		name := p.tok.text
		switch name {
		case "true", "True":
			return &literalNode{value: true}, p.advance()
		case "false", "False":
			return &literalNode{value: false}, p.advance()
		case "none", "None", "null":
			return &literalNode{value: nil}, p.advance()
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &varNode{name: name}, nil
	case p.tok.kind == tokOp && p.tok.text == "(":
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return n, p.expect(tokOp, ")")
	case p.tok.kind == tokOp && p.tok.text == "[":
		if err := p.advance(); err != nil {
			return nil, err
		}
		var items []node
		for {
			if ok, err := p.accept(tokOp, "]"); err != nil {
				return nil, err
			} else if ok {
				return &listNode{items: items}, nil
			}
			item, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			if ok, err := p.accept(tokOp, ","); err != nil {
				return nil, err
			} else if !ok {
				return &listNode{items: items}, p.expect(tokOp, "]")
			}
		}
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", p.tok.text, p.tok.pos)
}

// --- AST ---

type node interface {
	eval(scope Scope) (any, error)
	vars(free map[string]bool, bound map[string]bool)
}

type literalNode struct{ value any }

func (n *literalNode) eval(Scope) (any, error)             { return n.value, nil }
func (n *literalNode) vars(map[string]bool, map[string]bool) {}

type varNode struct{ name string }

func (n *varNode) eval(scope Scope) (any, error) {
	if v, ok := scope.Resolve(n.name); ok {
		return v, nil
	}
	return Undefined{Name: n.name}, nil
}

func (n *varNode) vars(free, bound map[string]bool) {
	if !bound[n.name] {
		free[n.name] = true
	}
}

type listNode struct{ items []node }

func (n *listNode) eval(scope Scope) (any, error) {
	out := make([]any, 0, len(n.items))
	for _, item := range n.items {
		v, err := item.eval(scope)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (n *listNode) vars(free, bound map[string]bool) {
	for _, item := range n.items {
		item.vars(free, bound)
	}
}

type attrNode struct {
	base node
	name string
}

func (n *attrNode) eval(scope Scope) (any, error) {
	base, err := n.base.eval(scope)
	if err != nil {
		return nil, err
	}
	return getAttr(base, n.name), nil
}

func (n *attrNode) vars(free, bound map[string]bool) { n.base.vars(free, bound) }

type itemNode struct {
	base  node
	index node
}

func (n *itemNode) eval(scope Scope) (any, error) {
	base, err := n.base.eval(scope)
	if err != nil {
		return nil, err
	}
	idx, err := n.index.eval(scope)
	if err != nil {
		return nil, err
	}
	return getItem(base, idx), nil
}

func (n *itemNode) vars(free, bound map[string]bool) {
	n.base.vars(free, bound)
	n.index.vars(free, bound)
}

type callNode struct{ base node }

func (n *callNode) eval(scope Scope) (any, error) {
	base, err := n.base.eval(scope)
	if err != nil {
		return nil, err
	}
	switch fn := base.(type) {
	case Callable:
		return fn(), nil
	case func() any:
		return fn(), nil
	case Undefined:
		return fn, nil
	}
	return nil, fmt.Errorf("value is not callable")
}

func (n *callNode) vars(free, bound map[string]bool) { n.base.vars(free, bound) }

type notNode struct{ inner node }

func (n *notNode) eval(scope Scope) (any, error) {
	v, err := n.inner.eval(scope)
	if err != nil {
		return nil, err
	}
	return !Truth(v), nil
}

func (n *notNode) vars(free, bound map[string]bool) { n.inner.vars(free, bound) }

type negNode struct{ inner node }

func (n *negNode) eval(scope Scope) (any, error) {
	v, err := n.inner.eval(scope)
	if err != nil {
		return nil, err
	}
	switch x := rawValue(v).(type) {
	case int64:
		return -x, nil
	case int:
		return -x, nil
	case float64:
		return -x, nil
	}
	return nil, fmt.Errorf("cannot negate non-numeric value")
}

func (n *negNode) vars(free, bound map[string]bool) { n.inner.vars(free, bound) }

type boolNode struct {
	op          string
	left, right node
}

func (n *boolNode) eval(scope Scope) (any, error) {
	left, err := n.left.eval(scope)
	if err != nil {
		return nil, err
	}
	if n.op == "and" {
		if !Truth(left) {
			return left, nil
		}
		return n.right.eval(scope)
	}
	if Truth(left) {
		return left, nil
	}
	return n.right.eval(scope)
}

func (n *boolNode) vars(free, bound map[string]bool) {
	n.left.vars(free, bound)
	n.right.vars(free, bound)
}

type compareNode struct {
	op          string
	left, right node
}

func (n *compareNode) eval(scope Scope) (any, error) {
	left, err := n.left.eval(scope)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(scope)
	if err != nil {
		return nil, err
	}
	// An unresolved name is an evaluation error here, not a nil that would
	// silently satisfy equality checks.
	if u, ok := left.(Undefined); ok {
		return nil, fmt.Errorf("cannot compare undefined value %q", u.Name)
	}
	if u, ok := right.(Undefined); ok {
		return nil, fmt.Errorf("cannot compare undefined value %q", u.Name)
	}
	return compare(n.op, left, right), nil
}

func (n *compareNode) vars(free, bound map[string]bool) {
	n.left.vars(free, bound)
	n.right.vars(free, bound)
}

type inNode struct{ left, right node }

func (n *inNode) eval(scope Scope) (any, error) {
	left, err := n.left.eval(scope)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(scope)
	if err != nil {
		return nil, err
	}
	return contains(right, left), nil
}

func (n *inNode) vars(free, bound map[string]bool) {
	n.left.vars(free, bound)
	n.right.vars(free, bound)
}

type arithNode struct {
	op          string
	left, right node
}

func (n *arithNode) eval(scope Scope) (any, error) {
	left := rawValue(mustEval(n.left, scope))
	right := rawValue(mustEval(n.right, scope))
	if ls, ok := left.(string); ok && n.op == "+" {
		if rs, ok := right.(string); ok {
			return ls + rs, nil
		}
	}
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		var out float64
		if n.op == "+" {
			out = lf + rf
		} else {
			out = lf - rf
		}
		if isInt(left) && isInt(right) {
			return int64(out), nil
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot apply %q to these operand types", n.op)
}

func mustEval(n node, scope Scope) any {
	v, err := n.eval(scope)
	if err != nil {
		return nil
	}
	return v
}

func (n *arithNode) vars(free, bound map[string]bool) {
	n.left.vars(free, bound)
	n.right.vars(free, bound)
}

package depgraph

import (
	"fmt"
	"sort"

	"github.com/dshills/complianceq/internal/domain"
	"github.com/dshills/complianceq/internal/render"
)

// Origin tags why one question depends on another.
type Origin string

const (
	// OriginPrompt marks question keys referenced as template variables in
	// the prompt text.
	OriginPrompt Origin = "prompt"
	// OriginImputeCondition marks keys referenced in an impute rule's
	// condition expression.
	OriginImputeCondition Origin = "impute-condition"
	// OriginImputeValue marks keys referenced in an impute rule's value when
	// its mode is expression or template.
	OriginImputeValue Origin = "impute-value"
	// OriginAskFirst marks explicitly declared dependencies.
	OriginAskFirst Origin = "ask-first"
)

// Graph holds the intra-module question dependency graph.
type Graph struct {
	module     *domain.ModuleSpec
	deps       map[string]map[string]Origin
	dependedOn map[string]bool
}

// Build scans a module's question definitions for textual references and
// explicit ask-first links and produces the dependency graph. Identifiers
// that do not name a question in the module are ignored; they resolve later
// against the template context. A cyclic dependency is a fatal configuration
// error.
func Build(m *domain.ModuleSpec) (*Graph, error) {
	g := &Graph{
		module:     m,
		deps:       make(map[string]map[string]Origin, len(m.Questions)),
		dependedOn: map[string]bool{},
	}
	for _, q := range m.Questions {
		g.deps[q.ID] = map[string]Origin{}

		if q.Prompt != "" {
			vars, err := templateVars(q.Prompt)
			if err != nil {
				return nil, &domain.ModuleDefinitionError{ModuleID: m.ID, Path: q.ID, Message: "bad prompt template", Err: err}
			}
			g.addEdges(q.ID, vars, OriginPrompt)
		}

		for i, rule := range q.Impute {
			if rule.Condition != "" {
				expr, err := render.ParseExpression(rule.Condition)
				if err != nil {
					return nil, &domain.ModuleDefinitionError{ModuleID: m.ID, Path: q.ID, Message: fmt.Sprintf("bad impute condition in rule %d", i+1), Err: err}
				}
				g.addEdges(q.ID, expr.Vars(), OriginImputeCondition)
			}
			switch rule.Mode() {
			case domain.ValueModeExpression:
				src, ok := rule.Value.(string)
				if !ok {
					return nil, &domain.ModuleDefinitionError{ModuleID: m.ID, Path: q.ID, Message: fmt.Sprintf("impute rule %d: expression value must be a string", i+1)}
				}
				expr, err := render.ParseExpression(src)
				if err != nil {
					return nil, &domain.ModuleDefinitionError{ModuleID: m.ID, Path: q.ID, Message: fmt.Sprintf("bad impute value expression in rule %d", i+1), Err: err}
				}
				g.addEdges(q.ID, expr.Vars(), OriginImputeValue)
			case domain.ValueModeTemplate:
				src, ok := rule.Value.(string)
				if !ok {
					return nil, &domain.ModuleDefinitionError{ModuleID: m.ID, Path: q.ID, Message: fmt.Sprintf("impute rule %d: template value must be a string", i+1)}
				}
				vars, err := templateVars(src)
				if err != nil {
					return nil, &domain.ModuleDefinitionError{ModuleID: m.ID, Path: q.ID, Message: fmt.Sprintf("bad impute value template in rule %d", i+1), Err: err}
				}
				g.addEdges(q.ID, vars, OriginImputeValue)
			}
		}

		for _, target := range q.AskFirst {
			if m.Question(target) == nil {
				return nil, &domain.ModuleDefinitionError{ModuleID: m.ID, Path: q.ID, Message: fmt.Sprintf("ask-first names unknown question %q", target)}
			}
			g.addEdge(q.ID, target, OriginAskFirst)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &domain.ModuleDefinitionError{
			ModuleID: m.ID,
			Path:     cycle[0],
			Message:  fmt.Sprintf("cyclic dependency: %v", cycle),
			Err:      domain.ErrCycle,
		}
	}
	return g, nil
}

func templateVars(src string) ([]string, error) {
	tmpl, err := render.CompileTemplate(src)
	if err != nil {
		return nil, err
	}
	return tmpl.Vars(), nil
}

func (g *Graph) addEdges(from string, names []string, origin Origin) {
	for _, name := range names {
		if g.module.Question(name) == nil || name == from {
			continue
		}
		g.addEdge(from, name, origin)
	}
}

func (g *Graph) addEdge(from, to string, origin Origin) {
	if _, exists := g.deps[from][to]; !exists {
		g.deps[from][to] = origin
	}
	g.dependedOn[to] = true
}

// Dependencies returns the questions from depends on, tagged with the origin
// of each edge.
func (g *Graph) Dependencies(from string) map[string]Origin {
	out := make(map[string]Origin, len(g.deps[from]))
	for k, v := range g.deps[from] {
		out[k] = v
	}
	return out
}

// DependenciesOf returns from's dependencies in increasing definition order,
// the order the evaluator walks them.
func (g *Graph) DependenciesOf(from string) []*domain.QuestionSpec {
	out := make([]*domain.QuestionSpec, 0, len(g.deps[from]))
	for id := range g.deps[from] {
		out = append(out, g.module.Question(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DefinitionOrder < out[j].DefinitionOrder })
	return out
}

// Roots returns the questions no other question depends on, in definition
// order.
func (g *Graph) Roots() []*domain.QuestionSpec {
	var out []*domain.QuestionSpec
	for _, q := range g.module.Questions {
		if !g.dependedOn[q.ID] {
			out = append(out, q)
		}
	}
	return out
}

// findCycle returns one dependency cycle as a question-id path, or nil.
func (g *Graph) findCycle() []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.deps))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inStack
		stack = append(stack, id)
		for dep := range g.deps[id] {
			switch state[dep] {
			case inStack:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, q := range g.module.Questions {
		if state[q.ID] == unvisited && visit(q.ID) {
			return cycle
		}
	}
	return nil
}

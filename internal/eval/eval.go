package eval

import (
	"fmt"
	"sort"

	"github.com/dshills/complianceq/internal/depgraph"
	"github.com/dshills/complianceq/internal/domain"
	"github.com/dshills/complianceq/internal/render"
)

// Evaluator classifies every question of a module as answered-by-user,
// imputed, answerable-now, or blocked, and computes the next-question
// ordering. Results are pure functions of the module definition and the
// current answers; the evaluator owns its caches and exposes explicit
// invalidation.
type Evaluator struct {
	graphs   *depgraph.Cache
	states   *stateCache
	resolver render.TaskResolver
	catalog  render.ModuleCatalog
}

// New creates an evaluator. relations may be nil when task relationships are
// not tracked (invalidation then clears only the named tasks).
func New(graphs *depgraph.Cache, relations RelationResolver) *Evaluator {
	return &Evaluator{graphs: graphs, states: newStateCache(relations)}
}

// Bind attaches the collaborators that let rendered contexts follow module
// answers into their sub-tasks. It is separate from New because the usual
// resolver evaluates tasks through this same evaluator.
func (e *Evaluator) Bind(resolver render.TaskResolver, catalog render.ModuleCatalog) {
	e.resolver = resolver
	e.catalog = catalog
}

// Evaluate walks the dependency graph bottom-up over the supplied answers,
// applies impute rules, and produces the full evaluation result. parent, when
// non-nil, is the enclosing project's context; impute conditions may read
// upward into it.
func (e *Evaluator) Evaluate(current *domain.ModuleAnswers, parent *render.Context) (*domain.EvaluationResult, error) {
	m := current.Module
	graph, err := e.graphs.Get(m)
	if err != nil {
		return nil, err
	}

	res := &domain.EvaluationResult{
		ModuleAnswers: domain.NewModuleAnswers(m, current.Task),
		WasImputed:    map[string]bool{},
		Answerable:    map[string]bool{},
	}
	ctx := render.NewContext(res, render.ContextOptions{
		Resolver: e.resolver,
		Catalog:  e.catalog,
		Project:  parent,
	})

	visited := map[string]bool{}
	onStack := map[string]bool{}

	var walk func(q *domain.QuestionSpec) error
	walk = func(q *domain.QuestionSpec) error {
		if visited[q.ID] {
			return nil
		}
		// Validation rejects cycles; this guard keeps a stale module from
		// corrupting the walk.
		if onStack[q.ID] {
			return fmt.Errorf("question %s of module %s: %w", q.ID, m.ID, domain.ErrCycle)
		}
		onStack[q.ID] = true
		defer delete(onStack, q.ID)

		deps := graph.DependenciesOf(q.ID)
		for _, dep := range deps {
			if err := walk(dep); err != nil {
				return err
			}
		}

		blocked := false
		for _, dep := range deps {
			if a := res.Get(dep.ID); a == nil || !a.Answered {
				blocked = true
				break
			}
		}
		visited[q.ID] = true
		if blocked {
			// Impute rules need dependency values; a blocked question is
			// simply unanswered and not offerable yet.
			res.Unanswered = append(res.Unanswered, q)
			return nil
		}

		if done, err := e.tryImpute(q, res, ctx); err != nil {
			return err
		} else if done {
			res.WasImputed[q.ID] = true
			return nil
		}

		if ua := current.Get(q.ID); ua != nil && ua.Answered {
			res.Set(ua)
			res.Answerable[q.ID] = true
			return nil
		}

		// A project's introduction interstitial counts as seen once its
		// dependencies resolve, so questions gated on it can proceed.
		if q.ID == domain.IntroductionID && m.Type == "project" {
			res.Set(&domain.Answer{Question: q, Answered: true})
			return nil
		}

		res.Unanswered = append(res.Unanswered, q)
		res.CanAnswer = append(res.CanAnswer, q)
		res.Answerable[q.ID] = true
		return nil
	}

	for _, q := range m.Questions {
		if err := walk(q); err != nil {
			return nil, err
		}
	}

	byOrder := func(list []*domain.QuestionSpec) {
		sort.Slice(list, func(i, j int) bool { return list[i].DefinitionOrder < list[j].DefinitionOrder })
	}
	byOrder(res.CanAnswer)
	byOrder(res.Unanswered)
	return res, nil
}

// tryImpute applies a question's impute rules in order against a context
// restricted to already-resolved, earlier-defined siblings. The first
// matching rule wins. Evaluation errors suppress the rule rather than
// failing the walk.
func (e *Evaluator) tryImpute(q *domain.QuestionSpec, res *domain.EvaluationResult, ctx *render.Context) (bool, error) {
	if len(q.Impute) == 0 {
		return false, nil
	}
	scope := &imputeScope{res: res, barrier: q.DefinitionOrder, base: ctx}
	for _, rule := range q.Impute {
		if rule.Condition != "" {
			expr, err := render.ParseExpression(rule.Condition)
			if err != nil {
				// Validation catches this at load; degrade to "no match".
				continue
			}
			v, err := expr.Eval(scope)
			if err != nil || !render.Truth(v) {
				continue
			}
		}
		value, ok := computeImputedValue(rule, scope)
		if !ok {
			continue
		}
		res.Set(&domain.Answer{Question: q, Answered: true, Value: value})
		return true, nil
	}
	return false, nil
}

func computeImputedValue(rule domain.ImputeRule, scope render.Scope) (any, bool) {
	switch rule.Mode() {
	case domain.ValueModeRaw:
		return rule.Value, true
	case domain.ValueModeExpression:
		src, ok := rule.Value.(string)
		if !ok {
			return nil, false
		}
		expr, err := render.ParseExpression(src)
		if err != nil {
			return nil, false
		}
		v, err := expr.Eval(scope)
		if err != nil {
			return nil, false
		}
		return render.Unwrap(v), true
	case domain.ValueModeTemplate:
		src, ok := rule.Value.(string)
		if !ok {
			return nil, false
		}
		tmpl, err := render.CompileTemplate(src)
		if err != nil {
			return nil, false
		}
		return tmpl.Render(scope, render.TextEscaper), true
	}
	return nil, false
}

// imputeScope enforces the definition-order barrier: impute expressions see
// only already-resolved siblings defined before the question being imputed.
// Everything else falls through to the task context and its parent chain.
type imputeScope struct {
	res     *domain.EvaluationResult
	barrier int
	base    render.Scope
}

func (s *imputeScope) Resolve(name string) (any, bool) {
	if q := s.res.Module.Question(name); q != nil {
		if q.DefinitionOrder >= s.barrier {
			return nil, false
		}
		if a := s.res.Get(name); a == nil || !a.Answered {
			return nil, false
		}
		return s.base.Resolve(name)
	}
	return s.base.Resolve(name)
}

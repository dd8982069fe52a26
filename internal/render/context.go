package render

import (
	"html"

	"github.com/dshills/complianceq/internal/domain"
	"github.com/google/uuid"
)

// TaskResolver resolves the sub-tasks referenced by module and module-set
// answers. It is injected by the storage collaborator; rendering without one
// degrades to unanswered sub-module contexts.
type TaskResolver interface {
	// ResolveTask returns the evaluated answers for a task.
	ResolveTask(id uuid.UUID) (*domain.EvaluationResult, error)
}

// ModuleCatalog looks up module specifications by id. It lets attribute
// access on a skipped module answer degrade to an unanswered sub-module
// context when the answer's module is statically known.
type ModuleCatalog interface {
	Module(id string) (*domain.ModuleSpec, error)
}

// ContextOptions configures a template context.
type ContextOptions struct {
	Resolver TaskResolver
	Catalog  ModuleCatalog
	// Project is the enclosing project's context, exposed as "project".
	Project *Context
	// Organization is exposed as "organization" (name, keyed lookups).
	Organization map[string]any
	// Extra supplies additional well-known values such as "system" and
	// "control_catalog".
	Extra map[string]any
}

// Context is the read-only, lazily-populated mapping used both as the
// expression environment and the template substitution environment. Question
// keys resolve to RenderedAnswer wrappers, never raw values.
type Context struct {
	result *domain.EvaluationResult
	opts   ContextOptions
	path   []string
	shared *sharedState
}

// sharedState is common to a context and every nested context reached from
// it: the set of tasks whose titles are being computed (recursion guard) and
// the output-document memo.
type sharedState struct {
	computingTitle map[uuid.UUID]bool
	renderedDocs   map[string]string
}

// NewContext wraps an evaluation result for template rendering.
func NewContext(result *domain.EvaluationResult, opts ContextOptions) *Context {
	c := &Context{
		result: result,
		opts:   opts,
		shared: &sharedState{
			computingTitle: map[uuid.UUID]bool{},
			renderedDocs:   map[string]string{},
		},
	}
	if result.Task != nil {
		c.path = []string{result.Task.Title}
	} else {
		c.path = []string{result.Module.Title}
	}
	return c
}

// Result returns the wrapped evaluation result.
func (c *Context) Result() *domain.EvaluationResult { return c.result }

// Resolve implements Scope.
func (c *Context) Resolve(name string) (any, bool) {
	if q := c.result.Module.Question(name); q != nil {
		return c.answerFor(q), true
	}
	switch name {
	case "title":
		// While computing itself, an instance-name template that references
		// its own title gets the static fallback instead of recursing.
		if c.result.Task != nil && c.shared.computingTitle[c.result.Task.ID] {
			if c.result.Task.Title != "" {
				return c.result.Task.Title, true
			}
			return c.result.Module.Title, true
		}
		return c.TaskTitle(), true
	case "task_link":
		if c.result.Task != nil {
			return c.result.Task.Link, true
		}
		return "", true
	case "project":
		if c.opts.Project != nil {
			return c.opts.Project, true
		}
	case "organization":
		if c.opts.Organization != nil {
			return c.opts.Organization, true
		}
		if c.result.Task != nil && c.result.Task.OrganizationName != "" {
			return map[string]any{"name": c.result.Task.OrganizationName}, true
		}
	case "is_started":
		return c.boolCallable(func(r *domain.EvaluationResult) bool { return r.IsStarted() }), true
	case "is_finished":
		return c.boolCallable(func(r *domain.EvaluationResult) bool { return r.IsFinished() }), true
	case "questions":
		return c.questionList(), true
	case "output_documents":
		return &lazyOutputs{ctx: c}, true
	}
	if v, ok := c.opts.Extra[name]; ok {
		return v, true
	}
	return nil, false
}

// answerFor wraps a question's resolved answer; unresolved questions get an
// unanswered wrapper so attribute access and truthiness still work.
func (c *Context) answerFor(q *domain.QuestionSpec) *RenderedAnswer {
	if ans := c.result.Get(q.ID); ans != nil {
		return &RenderedAnswer{Answer: ans, ctx: c}
	}
	return &RenderedAnswer{Answer: &domain.Answer{Question: q}, ctx: c}
}

// boolCallable degrades to constant false when no task is present.
func (c *Context) boolCallable(fn func(*domain.EvaluationResult) bool) Callable {
	if c.result.Task == nil {
		return func() any { return false }
	}
	r := c.result
	return func() any { return fn(r) }
}

// TaskTitle computes the task's display title. When the module declares an
// instance-name template it is rendered against this context under a
// per-task recursion guard; otherwise the stored task title or module title
// is used.
func (c *Context) TaskTitle() string {
	m := c.result.Module
	task := c.result.Task
	fallback := m.Title
	if task != nil && task.Title != "" {
		fallback = task.Title
	}
	if m.InstanceName == "" {
		return fallback
	}
	if task != nil {
		if c.shared.computingTitle[task.ID] {
			return fallback
		}
		c.shared.computingTitle[task.ID] = true
		defer delete(c.shared.computingTitle, task.ID)
	}
	tmpl, err := CompileTemplate(m.InstanceName)
	if err != nil {
		return fallback
	}
	return tmpl.Render(c, TextEscaper)
}

// subContext builds a nested context for a sub-task, sharing the escaping
// hook chain, recursion guard, and breadcrumb path with its parent.
func (c *Context) subContext(taskID uuid.UUID, via string) (*Context, error) {
	if c.opts.Resolver == nil {
		return nil, domain.ErrNotFound
	}
	sub, err := c.opts.Resolver.ResolveTask(taskID)
	if err != nil {
		return nil, err
	}
	nested := &Context{
		result: sub,
		opts:   ContextOptions{Resolver: c.opts.Resolver, Catalog: c.opts.Catalog, Project: c.opts.Project, Organization: c.opts.Organization, Extra: c.opts.Extra},
		shared: c.shared,
		path:   append(append([]string{}, c.path...), via),
	}
	return nested, nil
}

// unansweredSubContext stands in for a skipped module answer whose module is
// statically known, so attribute access degrades instead of raising.
func (c *Context) unansweredSubContext(spec *domain.ModuleSpec, via string) *Context {
	empty := &domain.EvaluationResult{
		ModuleAnswers: domain.NewModuleAnswers(spec, nil),
		WasImputed:    map[string]bool{},
		Answerable:    map[string]bool{},
	}
	for _, q := range spec.Questions {
		empty.Unanswered = append(empty.Unanswered, q)
	}
	return &Context{
		result: empty,
		opts:   ContextOptions{Resolver: c.opts.Resolver, Catalog: c.opts.Catalog, Organization: c.opts.Organization, Extra: c.opts.Extra},
		shared: c.shared,
		path:   append(append([]string{}, c.path...), via),
	}
}

func (c *Context) renderWith(esc Escaper) string {
	return esc.Escape(c.TaskTitle())
}

// QuestionAnswer pairs a question spec with its rendered answer for the
// "questions" sequence.
type QuestionAnswer struct {
	Spec   *domain.QuestionSpec
	Answer *RenderedAnswer
}

func (qa QuestionAnswer) questionAttrs() *domain.QuestionSpec { return qa.Spec }

func (c *Context) questionList() []any {
	out := make([]any, 0, len(c.result.Module.Questions))
	for _, q := range c.result.Module.Questions {
		out = append(out, QuestionAnswer{Spec: q, Answer: c.answerFor(q)})
	}
	return out
}

// lazyOutputs renders output documents on first access and memoizes them.
type lazyOutputs struct {
	ctx *Context
}

func (o *lazyOutputs) get(id string) (any, bool) {
	doc := o.ctx.result.Module.Output(id)
	if doc == nil {
		return nil, false
	}
	key := id
	if o.ctx.result.Task != nil {
		key = o.ctx.result.Task.ID.String() + "/" + id
	}
	if out, ok := o.ctx.shared.renderedDocs[key]; ok {
		return safeHTML(out), true
	}
	// Structured documents render to their native serialization and embed as
	// preformatted text; everything else produces HTML directly.
	target := FormatHTML
	switch doc.Format {
	case "json":
		target = FormatJSON
	case "yaml":
		target = FormatYAML
	}
	out, err := Render(Content{Format: doc.Format, Template: doc.Template}, o.ctx, target, "output:"+id, Options{})
	if err != nil {
		return Undefined{Name: "output_documents." + id, Path: o.ctx.path}, true
	}
	if target != FormatHTML {
		out = "<pre>" + html.EscapeString(out) + "</pre>"
	}
	o.ctx.shared.renderedDocs[key] = out
	return safeHTML(out), true
}

// safeHTML marks pre-rendered document HTML so it is not double-escaped when
// substituted into an HTML target.
type safeHTML string

func (s safeHTML) renderWith(esc Escaper) string {
	if esc.HTML {
		return string(s)
	}
	return esc.Escape(string(s))
}

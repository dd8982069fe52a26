package render

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/dshills/complianceq/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// RenderedAnswer wraps a question's resolved answer for template use. It
// exposes two renderings of the same value: the default escaped
// stringification used inside {{...}} and Text(), a human-oriented rendering
// (choice labels instead of keys, locale-grouped numbers, formatted dates).
type RenderedAnswer struct {
	Answer *domain.Answer
	ctx    *Context
}

// Truth reports the answer's truthiness: answered with a non-null value,
// except yesno questions, which are truthy only when answered "yes". Impute
// conditions and templates depend on this exact rule.
func (ra *RenderedAnswer) Truth() bool {
	a := ra.Answer
	if a == nil || !a.Answered || a.Value == nil {
		return false
	}
	if a.Question.Type == domain.QuestionTypeYesNo {
		return a.Value == "yes"
	}
	return true
}

// Attr resolves attribute access. "text" yields the human rendering; module
// answers forward everything else into the sub-task's own context.
func (ra *RenderedAnswer) Attr(name string) any {
	if name == "text" {
		return ra.Text()
	}
	q := ra.Answer.Question
	if q.Type == domain.QuestionTypeModule {
		sub := ra.moduleContext()
		if sub == nil {
			return Undefined{Name: q.ID + "." + name, Path: ra.path()}
		}
		return getAttr(sub, name)
	}
	if m, ok := ra.Answer.Value.(map[string]any); ok {
		if v, found := m[name]; found {
			return v
		}
	}
	return Undefined{Name: q.ID + "." + name, Path: ra.path()}
}

// Iterate expands multi-valued answers: multiple-choice answers as re-typed
// single-choice wrappers, datagrid answers as per-row wrappers, module-set
// answers as nested contexts.
func (ra *RenderedAnswer) Iterate() ([]any, bool) {
	q := ra.Answer.Question
	switch q.Type {
	case domain.QuestionTypeMultipleChoice, domain.QuestionTypeMultipleChoiceFromData:
		items, ok := ra.Answer.Value.([]any)
		if !ok {
			return nil, true
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			single := *q
			single.Type = domain.QuestionTypeChoice
			if q.Type == domain.QuestionTypeMultipleChoiceFromData {
				single.Type = domain.QuestionTypeChoiceFromData
			}
			out = append(out, &RenderedAnswer{
				Answer: &domain.Answer{Question: &single, Answered: true, Value: item},
				ctx:    ra.ctx,
			})
		}
		return out, true
	case domain.QuestionTypeDatagrid:
		rows, ok := ra.Answer.Value.([]any)
		if !ok {
			return nil, true
		}
		out := make([]any, 0, len(rows))
		for _, row := range rows {
			out = append(out, &RenderedAnswer{
				Answer: &domain.Answer{Question: q, Answered: true, Value: row},
				ctx:    ra.ctx,
			})
		}
		return out, true
	case domain.QuestionTypeModuleSet:
		var out []any
		for _, id := range ra.subtaskIDs() {
			if sub, err := ra.ctx.subContext(id, q.ID); err == nil {
				out = append(out, sub)
			}
		}
		return out, true
	}
	return nil, false
}

func (ra *RenderedAnswer) path() []string {
	if ra.ctx == nil {
		return nil
	}
	return ra.ctx.path
}

func (ra *RenderedAnswer) subtaskIDs() []uuid.UUID {
	if ra.Answer.Record != nil {
		return ra.Answer.Record.AnsweredByTasks
	}
	return nil
}

// moduleContext resolves a module answer's sub-task context. A skipped
// module answer degrades to an unanswered sub-module context when the module
// is statically known.
func (ra *RenderedAnswer) moduleContext() *Context {
	if ra.ctx == nil {
		return nil
	}
	ids := ra.subtaskIDs()
	if len(ids) > 0 {
		if sub, err := ra.ctx.subContext(ids[0], ra.Answer.Question.ID); err == nil {
			return sub
		}
	}
	if ra.ctx.opts.Catalog != nil && ra.Answer.Question.ModuleID != "" {
		if spec, err := ra.ctx.opts.Catalog.Module(ra.Answer.Question.ModuleID); err == nil {
			return ra.ctx.unansweredSubContext(spec, ra.Answer.Question.ID)
		}
	}
	return nil
}

// renderWith is the default stringification used inside {{...}}.
func (ra *RenderedAnswer) renderWith(esc Escaper) string {
	a := ra.Answer
	if !a.Answered || a.Value == nil {
		if a.Question.Type == domain.QuestionTypeInterstitial {
			return ""
		}
		return esc.Escape("(not answered)")
	}
	q := a.Question
	switch q.Type {
	case domain.QuestionTypeMultipleChoice, domain.QuestionTypeMultipleChoiceFromData:
		keys := stringItems(a.Value)
		return esc.Escape(strings.Join(keys, ", "))
	case domain.QuestionTypeDatagrid:
		return esc.Escape(ra.datagridText())
	case domain.QuestionTypeFile:
		return ra.fileAffordance(esc)
	case domain.QuestionTypeModule:
		if sub := ra.moduleContext(); sub != nil {
			return esc.Escape(sub.TaskTitle())
		}
		return esc.Escape("(not answered)")
	case domain.QuestionTypeModuleSet:
		items, _ := ra.Iterate()
		titles := make([]string, 0, len(items))
		for _, item := range items {
			if sub, ok := item.(*Context); ok {
				titles = append(titles, sub.TaskTitle())
			}
		}
		return esc.Escape(strings.Join(titles, ", "))
	case domain.QuestionTypeInterstitial:
		return ""
	}
	return esc.Escape(plainString(a.Value))
}

// Text is the human-oriented rendering: choice display labels, formatted
// dates, locale-grouped numbers.
func (ra *RenderedAnswer) Text() string {
	a := ra.Answer
	if !a.Answered || a.Value == nil {
		return "(not answered)"
	}
	q := a.Question
	switch q.Type {
	case domain.QuestionTypeYesNo:
		if a.Value == "yes" {
			return "Yes"
		}
		return "No"
	case domain.QuestionTypeChoice, domain.QuestionTypeChoiceFromData:
		return ra.choiceLabel(a.Value)
	case domain.QuestionTypeMultipleChoice, domain.QuestionTypeMultipleChoiceFromData:
		items := stringItems(a.Value)
		labels := make([]string, 0, len(items))
		for _, key := range items {
			labels = append(labels, ra.choiceLabel(key))
		}
		return strings.Join(labels, ", ")
	case domain.QuestionTypeInteger, domain.QuestionTypeReal:
		if f, ok := toFloat(a.Value); ok {
			p := message.NewPrinter(language.AmericanEnglish)
			return p.Sprintf("%v", number.Decimal(f))
		}
	case domain.QuestionTypeDate:
		if s, ok := a.Value.(string); ok {
			if t, err := time.Parse("2006-01-02", s); err == nil {
				return t.Format("January 2, 2006")
			}
			return s
		}
	case domain.QuestionTypeDatagrid:
		return ra.datagridText()
	case domain.QuestionTypeFile:
		return "(file attachment)"
	case domain.QuestionTypeModule:
		if sub := ra.moduleContext(); sub != nil {
			return sub.TaskTitle()
		}
	}
	return plainString(a.Value)
}

func (ra *RenderedAnswer) choiceLabel(v any) string {
	key, ok := v.(string)
	if !ok {
		return plainString(v)
	}
	if ch := ra.Answer.Question.Choice(key); ch != nil && ch.Text != "" {
		return ch.Text
	}
	return key
}

// datagridText renders rows as a pipe-separated table with a header of the
// declared field labels.
func (ra *RenderedAnswer) datagridText() string {
	q := ra.Answer.Question
	if row, ok := ra.Answer.Value.(map[string]any); ok {
		// Single row produced by iteration.
		return rowText(q, row)
	}
	rows, ok := ra.Answer.Value.([]any)
	if !ok {
		return plainString(ra.Answer.Value)
	}
	var lines []string
	headers := make([]string, 0, len(q.Fields))
	for _, f := range q.Fields {
		label := f.Text
		if label == "" {
			label = f.Key
		}
		headers = append(headers, label)
	}
	if len(headers) > 0 {
		lines = append(lines, strings.Join(headers, " | "))
	}
	for _, r := range rows {
		if m, ok := r.(map[string]any); ok {
			lines = append(lines, rowText(q, m))
		}
	}
	return strings.Join(lines, "\n")
}

func rowText(q *domain.QuestionSpec, row map[string]any) string {
	cells := make([]string, 0, len(q.Fields))
	for _, f := range q.Fields {
		cells = append(cells, plainString(row[f.Key]))
	}
	if len(cells) == 0 {
		return plainString(row)
	}
	return strings.Join(cells, " | ")
}

// fileAffordance renders a download link for HTML targets when a URL is
// known, a plain marker otherwise.
func (ra *RenderedAnswer) fileAffordance(esc Escaper) string {
	if m, ok := ra.Answer.Value.(map[string]any); ok {
		if url, ok := m["url"].(string); ok && url != "" {
			if esc.HTML {
				return `<a href="` + html.EscapeString(url) + `">attachment</a>`
			}
			return esc.Escape(url)
		}
	}
	return esc.Escape("(file attachment)")
}

func stringItems(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, plainString(item))
	}
	return out
}

func plainString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return formatFloat(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	}
	return fmt.Sprintf("%v", v)
}

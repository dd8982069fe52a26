package loader

import (
	"fmt"
	"regexp"

	"github.com/dshills/complianceq/internal/depgraph"
	"github.com/dshills/complianceq/internal/domain"
	"github.com/dshills/complianceq/internal/render"
)

var questionIDPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateModuleSpecification runs the semantic checks that the structural
// schema cannot express: template and expression compilation, cross-question
// references, and per-type constraints. A module that passes is safe to
// install and evaluate.
func ValidateModuleSpecification(m *domain.ModuleSpec) error {
	if m.ID == "" {
		return defErr(m, "", "module id is required", nil)
	}

	seen := make(map[string]bool, len(m.Questions))
	for _, q := range m.Questions {
		if !questionIDPattern.MatchString(q.ID) {
			return defErr(m, q.ID, fmt.Sprintf("invalid question id %q", q.ID), nil)
		}
		if seen[q.ID] {
			return defErr(m, q.ID, "duplicate question id", nil)
		}
		seen[q.ID] = true
		if err := validateQuestion(m, q); err != nil {
			return err
		}
	}

	if m.InstanceName != "" {
		if _, err := render.CompileTemplate(m.InstanceName); err != nil {
			return defErr(m, "", "bad instance-name template", err)
		}
	}

	outputIDs := make(map[string]bool, len(m.Outputs))
	for _, doc := range m.Outputs {
		path := "output:" + doc.ID
		if outputIDs[doc.ID] {
			return defErr(m, path, "duplicate output document id", nil)
		}
		outputIDs[doc.ID] = true
		content := render.Content{Format: doc.Format, Template: doc.Template}
		if _, err := render.Render(content, nil, render.FormatParseOnly, path, render.Options{}); err != nil {
			return defErr(m, path, "bad output template", err)
		}
	}

	// Build the dependency graph last: it reports dangling ask-first targets
	// and cyclic references, and its extraction assumes templates compile.
	if _, err := depgraph.Build(m); err != nil {
		return err
	}
	return nil
}

func validateQuestion(m *domain.ModuleSpec, q *domain.QuestionSpec) error {
	if !q.Type.Valid() {
		return defErr(m, q.ID, fmt.Sprintf("unknown question type %q", q.Type), nil)
	}

	switch q.Type {
	case domain.QuestionTypeChoice, domain.QuestionTypeMultipleChoice:
		if len(q.Choices) == 0 {
			return defErr(m, q.ID, "choice question has no choices", nil)
		}
		keys := make(map[string]bool, len(q.Choices))
		for _, c := range q.Choices {
			if keys[c.Key] {
				return defErr(m, q.ID, fmt.Sprintf("duplicate choice key %q", c.Key), nil)
			}
			keys[c.Key] = true
		}
	case domain.QuestionTypeDatagrid:
		if len(q.Fields) == 0 {
			return defErr(m, q.ID, "datagrid question has no fields", nil)
		}
	case domain.QuestionTypeModule, domain.QuestionTypeModuleSet:
		if q.ModuleID == "" && len(q.Protocol) == 0 {
			return defErr(m, q.ID, "module question needs module-id or protocol", nil)
		}
	}

	if q.Min != nil && q.Max != nil && *q.Min > *q.Max {
		return defErr(m, q.ID, fmt.Sprintf("min %d exceeds max %d", *q.Min, *q.Max), nil)
	}

	if _, err := render.CompileTemplate(q.Prompt); err != nil {
		return defErr(m, q.ID, "bad prompt template", err)
	}

	for i, rule := range q.Impute {
		if rule.Condition != "" {
			if _, err := render.ParseExpression(rule.Condition); err != nil {
				return defErr(m, q.ID, fmt.Sprintf("bad condition in impute rule %d", i+1), err)
			}
		}
		switch rule.Mode() {
		case domain.ValueModeRaw:
			// Any YAML value is acceptable as-is.
		case domain.ValueModeExpression:
			src, ok := rule.Value.(string)
			if !ok {
				return defErr(m, q.ID, fmt.Sprintf("impute rule %d: expression value must be a string", i+1), nil)
			}
			if _, err := render.ParseExpression(src); err != nil {
				return defErr(m, q.ID, fmt.Sprintf("bad expression in impute rule %d", i+1), err)
			}
		case domain.ValueModeTemplate:
			src, ok := rule.Value.(string)
			if !ok {
				return defErr(m, q.ID, fmt.Sprintf("impute rule %d: template value must be a string", i+1), nil)
			}
			if _, err := render.CompileTemplate(src); err != nil {
				return defErr(m, q.ID, fmt.Sprintf("bad template in impute rule %d", i+1), err)
			}
		default:
			return defErr(m, q.ID, fmt.Sprintf("impute rule %d: unknown value-mode %q", i+1, rule.ValueMode), nil)
		}
	}
	return nil
}

// CheckCompatibleUpdate reports whether replacing old with new in place would
// invalidate stored answers. answered holds the ids of questions that have at
// least one non-cleared answer anywhere. Incompatible changes require a
// version bump so existing tasks keep the definition they were answered
// against.
func CheckCompatibleUpdate(old, updated *domain.ModuleSpec, answered map[string]bool) error {
	var changes []string
	for _, oq := range old.Questions {
		if !answered[oq.ID] {
			continue
		}
		nq := updated.Question(oq.ID)
		if nq == nil {
			changes = append(changes, fmt.Sprintf("answered question %q removed", oq.ID))
			continue
		}
		if nq.Type != oq.Type {
			changes = append(changes, fmt.Sprintf("answered question %q changed type from %s to %s", oq.ID, oq.Type, nq.Type))
			continue
		}
		for _, c := range oq.Choices {
			if nq.Choice(c.Key) == nil {
				changes = append(changes, fmt.Sprintf("answered question %q lost choice %q", oq.ID, c.Key))
			}
		}
		if tightenedMin(oq.Min, nq.Min) {
			changes = append(changes, fmt.Sprintf("answered question %q raised its minimum", oq.ID))
		}
		if tightenedMax(oq.Max, nq.Max) {
			changes = append(changes, fmt.Sprintf("answered question %q lowered its maximum", oq.ID))
		}
	}
	if len(changes) > 0 {
		return &domain.IncompatibleUpdateError{ModuleID: updated.ID, Changes: changes}
	}
	return nil
}

func tightenedMin(old, updated *int) bool {
	if updated == nil {
		return false
	}
	// An absent minimum is zero.
	was := 0
	if old != nil {
		was = *old
	}
	return *updated > was
}

func tightenedMax(old, updated *int) bool {
	if updated == nil {
		return false
	}
	return old == nil || *updated < *old
}

func defErr(m *domain.ModuleSpec, path, msg string, err error) error {
	return &domain.ModuleDefinitionError{ModuleID: m.ID, Path: path, Message: msg, Err: err}
}

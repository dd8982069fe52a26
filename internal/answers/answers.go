package answers

import (
	"fmt"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/complianceq/internal/domain"
)

// Parse turns raw transport-level input (the repeated string values of a
// form field) into the canonical JSON-serializable shape for the question
// type. File answers arrive through ParseFile instead. Failures are
// recoverable, user-facing errors.
func Parse(q *domain.QuestionSpec, raw []string) (any, error) {
	first := ""
	if len(raw) > 0 {
		first = strings.TrimSpace(raw[0])
	}
	switch q.Type {
	case domain.QuestionTypeText, domain.QuestionTypePassword, domain.QuestionTypeEmailAddress,
		domain.QuestionTypeURL, domain.QuestionTypeLongText, domain.QuestionTypeDate,
		domain.QuestionTypeRaw:
		return first, nil
	case domain.QuestionTypeInteger:
		n, err := parseLocaleNumber(first)
		if err != nil {
			return nil, domain.Invalid(q.ID, "%q is not a number", first)
		}
		if n != float64(int64(n)) {
			return nil, domain.Invalid(q.ID, "%q is not a whole number", first)
		}
		return int64(n), nil
	case domain.QuestionTypeReal:
		n, err := parseLocaleNumber(first)
		if err != nil {
			return nil, domain.Invalid(q.ID, "%q is not a number", first)
		}
		return n, nil
	case domain.QuestionTypeYesNo:
		switch strings.ToLower(first) {
		case "yes", "y", "true":
			return "yes", nil
		case "no", "n", "false":
			return "no", nil
		}
		return nil, domain.Invalid(q.ID, "answer must be yes or no")
	case domain.QuestionTypeChoice, domain.QuestionTypeChoiceFromData:
		return first, nil
	case domain.QuestionTypeMultipleChoice, domain.QuestionTypeMultipleChoiceFromData:
		out := make([]any, 0, len(raw))
		for _, v := range raw {
			v = strings.TrimSpace(v)
			if v != "" {
				out = append(out, v)
			}
		}
		return out, nil
	case domain.QuestionTypeDatagrid:
		return parseDatagrid(q, first)
	case domain.QuestionTypeInterstitial:
		return nil, nil
	case domain.QuestionTypeModule, domain.QuestionTypeModuleSet:
		return nil, domain.Invalid(q.ID, "question is answered by sub-tasks, not direct input")
	case domain.QuestionTypeFile:
		return nil, domain.Invalid(q.ID, "file questions are answered by upload")
	case domain.QuestionTypeExternalFunction:
		return nil, domain.Invalid(q.ID, "question is answered by an external function")
	}
	return nil, domain.Invalid(q.ID, "unknown question type %q", q.Type)
}

// Validate checks a canonical value against the question's constraints and
// returns the normalized value. A nil value always validates: it is the
// canonical "skipped" answer.
func Validate(q *domain.QuestionSpec, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch q.Type {
	case domain.QuestionTypeText, domain.QuestionTypePassword, domain.QuestionTypeLongText, domain.QuestionTypeRaw:
		return requireString(q, value)
	case domain.QuestionTypeEmailAddress:
		s, err := requireString(q, value)
		if err != nil {
			return nil, err
		}
		if _, err := mail.ParseAddress(s); err != nil {
			return nil, domain.Invalid(q.ID, "%q is not a valid email address", s)
		}
		return s, nil
	case domain.QuestionTypeURL:
		s, err := requireString(q, value)
		if err != nil {
			return nil, err
		}
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, domain.Invalid(q.ID, "%q is not a valid URL", s)
		}
		return s, nil
	case domain.QuestionTypeDate:
		s, err := requireString(q, value)
		if err != nil {
			return nil, err
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return nil, domain.Invalid(q.ID, "%q is not a date in YYYY-MM-DD form", s)
		}
		return s, nil
	case domain.QuestionTypeInteger:
		f, ok := asFloat(value)
		if !ok || f != float64(int64(f)) {
			return nil, domain.Invalid(q.ID, "value must be a whole number")
		}
		if err := checkNumericBounds(q, f); err != nil {
			return nil, err
		}
		return int64(f), nil
	case domain.QuestionTypeReal:
		f, ok := asFloat(value)
		if !ok {
			return nil, domain.Invalid(q.ID, "value must be a number")
		}
		if err := checkNumericBounds(q, f); err != nil {
			return nil, err
		}
		return f, nil
	case domain.QuestionTypeYesNo:
		if value != "yes" && value != "no" {
			return nil, domain.Invalid(q.ID, "answer must be yes or no")
		}
		return value, nil
	case domain.QuestionTypeChoice:
		s, err := requireString(q, value)
		if err != nil {
			return nil, err
		}
		if q.Choice(s) == nil {
			return nil, domain.Invalid(q.ID, "%q is not one of the choices", s)
		}
		return s, nil
	case domain.QuestionTypeChoiceFromData:
		// Externally generated choice sets are validated structurally only.
		return requireString(q, value)
	case domain.QuestionTypeMultipleChoice:
		items, err := requireStringList(q, value)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if q.Choice(item.(string)) == nil {
				return nil, domain.Invalid(q.ID, "%q is not one of the choices", item)
			}
		}
		return checkCardinality(q, items, "choice", "choices")
	case domain.QuestionTypeMultipleChoiceFromData:
		items, err := requireStringList(q, value)
		if err != nil {
			return nil, err
		}
		return checkCardinality(q, items, "choice", "choices")
	case domain.QuestionTypeDatagrid:
		rows, ok := value.([]any)
		if !ok {
			return nil, domain.Invalid(q.ID, "value must be a list of rows")
		}
		for _, row := range rows {
			m, ok := row.(map[string]any)
			if !ok {
				return nil, domain.Invalid(q.ID, "each row must be a mapping of field keys to values")
			}
			for key := range m {
				if !hasField(q, key) {
					return nil, domain.Invalid(q.ID, "row has unknown field %q", key)
				}
			}
		}
		return checkCardinality(q, rows, "row", "rows")
	case domain.QuestionTypeFile:
		return validateFile(q, value)
	case domain.QuestionTypeInterstitial, domain.QuestionTypeExternalFunction:
		return value, nil
	case domain.QuestionTypeModule, domain.QuestionTypeModuleSet:
		return nil, domain.Invalid(q.ID, "question is answered by sub-tasks, not direct values")
	}
	return nil, domain.Invalid(q.ID, "unknown question type %q", q.Type)
}

// parseLocaleNumber accepts grouped input like "1,234.5".
func parseLocaleNumber(s string) (float64, error) {
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	return strconv.ParseFloat(s, 64)
}

func parseDatagrid(q *domain.QuestionSpec, raw string) (any, error) {
	if raw == "" {
		return []any{}, nil
	}
	// Rows arrive as lines of key=value pairs separated by semicolons.
	var rows []any
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		row := map[string]any{}
		for _, pair := range strings.Split(line, ";") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 {
				return nil, domain.Invalid(q.ID, "bad datagrid cell %q", pair)
			}
			row[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func requireString(q *domain.QuestionSpec, value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", domain.Invalid(q.ID, "value must be text")
	}
	return s, nil
}

func requireStringList(q *domain.QuestionSpec, value any) ([]any, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, domain.Invalid(q.ID, "value must be a list")
	}
	for _, item := range items {
		if _, ok := item.(string); !ok {
			return nil, domain.Invalid(q.ID, "each item must be text")
		}
	}
	return items, nil
}

func checkCardinality(q *domain.QuestionSpec, items []any, singular, plural string) ([]any, error) {
	if q.Min != nil && len(items) < *q.Min {
		return nil, domain.Invalid(q.ID, "not enough %s: at least %d required", plural, *q.Min)
	}
	if q.Max != nil && len(items) > *q.Max {
		return nil, domain.Invalid(q.ID, "too many %s: at most %d allowed", plural, *q.Max)
	}
	return items, nil
}

func checkNumericBounds(q *domain.QuestionSpec, f float64) error {
	if q.Min != nil && f < float64(*q.Min) {
		return domain.Invalid(q.ID, "value must be at least %d", *q.Min)
	}
	if q.Max != nil && f > float64(*q.Max) {
		return domain.Invalid(q.ID, "value must be at most %d", *q.Max)
	}
	return nil
}

func hasField(q *domain.QuestionSpec, key string) bool {
	for _, f := range q.Fields {
		if f.Key == key {
			return true
		}
	}
	return false
}

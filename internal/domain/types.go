package domain

import (
	"time"

	"github.com/google/uuid"
)

// QuestionType represents the type of question.
type QuestionType string

const (
	QuestionTypeText                   QuestionType = "text"
	QuestionTypePassword               QuestionType = "password"
	QuestionTypeEmailAddress           QuestionType = "email-address"
	QuestionTypeURL                    QuestionType = "url"
	QuestionTypeLongText               QuestionType = "longtext"
	QuestionTypeDate                   QuestionType = "date"
	QuestionTypeInteger                QuestionType = "integer"
	QuestionTypeReal                   QuestionType = "real"
	QuestionTypeYesNo                  QuestionType = "yesno"
	QuestionTypeChoice                 QuestionType = "choice"
	QuestionTypeChoiceFromData         QuestionType = "choice-from-data"
	QuestionTypeMultipleChoice         QuestionType = "multiple-choice"
	QuestionTypeMultipleChoiceFromData QuestionType = "multiple-choice-from-data"
	QuestionTypeDatagrid               QuestionType = "datagrid"
	QuestionTypeFile                   QuestionType = "file"
	QuestionTypeModule                 QuestionType = "module"
	QuestionTypeModuleSet              QuestionType = "module-set"
	QuestionTypeInterstitial           QuestionType = "interstitial"
	QuestionTypeRaw                    QuestionType = "raw"
	QuestionTypeExternalFunction       QuestionType = "external-function"
)

// AllQuestionTypes lists every supported question type. Dispatch switches are
// checked against this list by an exhaustiveness test.
var AllQuestionTypes = []QuestionType{
	QuestionTypeText, QuestionTypePassword, QuestionTypeEmailAddress,
	QuestionTypeURL, QuestionTypeLongText, QuestionTypeDate,
	QuestionTypeInteger, QuestionTypeReal, QuestionTypeYesNo,
	QuestionTypeChoice, QuestionTypeChoiceFromData,
	QuestionTypeMultipleChoice, QuestionTypeMultipleChoiceFromData,
	QuestionTypeDatagrid, QuestionTypeFile, QuestionTypeModule,
	QuestionTypeModuleSet, QuestionTypeInterstitial, QuestionTypeRaw,
	QuestionTypeExternalFunction,
}

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	for _, k := range AllQuestionTypes {
		if t == k {
			return true
		}
	}
	return false
}

// ValueMode selects how an impute rule's value is interpreted.
type ValueMode string

const (
	ValueModeRaw        ValueMode = "raw"
	ValueModeExpression ValueMode = "expression"
	ValueModeTemplate   ValueMode = "template"
)

// AnswerMethod records how an answer record was produced.
type AnswerMethod string

const (
	AnswerMethodWeb      AnswerMethod = "web"
	AnswerMethodImport   AnswerMethod = "import"
	AnswerMethodAPI      AnswerMethod = "api"
	AnswerMethodDeletion AnswerMethod = "deletion-cascade"
)

// Choice is one selectable option of a choice-typed question.
type Choice struct {
	Key  string `yaml:"key" json:"key"`
	Text string `yaml:"text" json:"text"`
	Help string `yaml:"help,omitempty" json:"help,omitempty"`
}

// Field is one column of a datagrid question.
type Field struct {
	Key  string       `yaml:"key" json:"key"`
	Text string       `yaml:"text" json:"text"`
	Type QuestionType `yaml:"type,omitempty" json:"type,omitempty"`
}

// ImputeRule computes an answer when its condition holds. Rules are ordered;
// the first matching rule wins. An empty condition always matches.
type ImputeRule struct {
	Condition string    `yaml:"condition,omitempty" json:"condition,omitempty"`
	Value     any       `yaml:"value" json:"value"`
	ValueMode ValueMode `yaml:"value-mode,omitempty" json:"value-mode,omitempty"`
}

// Mode returns the rule's value mode, defaulting to raw.
func (r ImputeRule) Mode() ValueMode {
	if r.ValueMode == "" {
		return ValueModeRaw
	}
	return r.ValueMode
}

// QuestionSpec is the immutable definition of one question within a module.
// It is created by the module loader and never mutated at evaluation time.
type QuestionSpec struct {
	ID              string       `yaml:"id" json:"id"`
	Type            QuestionType `yaml:"type" json:"type"`
	Title           string       `yaml:"title" json:"title"`
	Prompt          string       `yaml:"prompt" json:"prompt"`
	Help            string       `yaml:"help,omitempty" json:"help,omitempty"`
	Placeholder     string       `yaml:"placeholder,omitempty" json:"placeholder,omitempty"`
	Choices         []Choice     `yaml:"choices,omitempty" json:"choices,omitempty"`
	Fields          []Field      `yaml:"fields,omitempty" json:"fields,omitempty"`
	Min             *int         `yaml:"min,omitempty" json:"min,omitempty"`
	Max             *int         `yaml:"max,omitempty" json:"max,omitempty"`
	Impute          []ImputeRule `yaml:"impute,omitempty" json:"impute,omitempty"`
	ModuleID        string       `yaml:"module-id,omitempty" json:"module-id,omitempty"`
	Protocol        []string     `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	AskFirst        []string     `yaml:"ask-first,omitempty" json:"ask-first,omitempty"`
	FileType        string       `yaml:"file-type,omitempty" json:"file-type,omitempty"`
	DefinitionOrder int          `yaml:"-" json:"definition_order"`
}

// Choice returns the choice with the given key, or nil.
func (q *QuestionSpec) Choice(key string) *Choice {
	for i := range q.Choices {
		if q.Choices[i].Key == key {
			return &q.Choices[i]
		}
	}
	return nil
}

// OutputDocument is one rendered deliverable of a module.
type OutputDocument struct {
	ID       string `yaml:"id" json:"id"`
	Title    string `yaml:"title,omitempty" json:"title,omitempty"`
	Format   string `yaml:"format" json:"format"`
	Template string `yaml:"template" json:"template"`
}

// IntroductionID is the id of the synthetic interstitial question that
// carries a module's introduction text.
const IntroductionID = "_introduction"

// ModuleSpec is an ordered collection of questions plus output document
// templates.
type ModuleSpec struct {
	ID           string
	Title        string
	Type         string // "module" or "project"
	Version      string
	InstanceName string // template for a task's display title
	Questions    []*QuestionSpec
	Outputs      []OutputDocument

	byID map[string]*QuestionSpec
}

// Index (re)builds the question lookup table. Loaders call it after filling
// Questions; it also assigns DefinitionOrder.
func (m *ModuleSpec) Index() {
	m.byID = make(map[string]*QuestionSpec, len(m.Questions))
	for i, q := range m.Questions {
		q.DefinitionOrder = i
		m.byID[q.ID] = q
	}
}

// Question returns the question with the given id, or nil.
func (m *ModuleSpec) Question(id string) *QuestionSpec {
	if m.byID == nil {
		m.Index()
	}
	return m.byID[id]
}

// Output returns the output document with the given id, or nil.
func (m *ModuleSpec) Output(id string) *OutputDocument {
	for i := range m.Outputs {
		if m.Outputs[i].ID == id {
			return &m.Outputs[i]
		}
	}
	return nil
}

// AnswerRecord is one historical entry in a question's append-only answer
// chain. Value holds the canonical JSON-serializable form; nil means the
// question was skipped. Records are never mutated; edits append new records.
type AnswerRecord struct {
	ID              uuid.UUID    `json:"id"`
	TaskID          uuid.UUID    `json:"task_id"`
	QuestionID      string       `json:"question_id"`
	Value           any          `json:"value"`
	AnsweredByTasks []uuid.UUID  `json:"answered_by_tasks,omitempty"`
	Cleared         bool         `json:"cleared,omitempty"`
	SkippedReason   string       `json:"skipped_reason,omitempty"`
	Unsure          bool         `json:"unsure,omitempty"`
	Method          AnswerMethod `json:"method"`
	CreatedAt       time.Time    `json:"created_at"`
}

// TaskInfo carries the read-only task-scoped values the template context
// exposes. It is supplied by the storage collaborator.
type TaskInfo struct {
	ID               uuid.UUID
	ModuleID         string
	Title            string // static fallback; recomputed from InstanceName when set
	Link             string
	ProjectID        uuid.UUID
	ProjectTitle     string
	OrganizationName string
	// Assets maps relative asset paths to servable URLs.
	Assets map[string]string
}

// Answer is one resolved entry of a ModuleAnswers: the question, whether a
// value is available, the backing record (nil when imputed), and the value.
type Answer struct {
	Question *QuestionSpec
	Answered bool
	Record   *AnswerRecord
	Value    any
}

// ModuleAnswers maps question ids to their current resolved answers for one
// task. Iteration order follows insertion order.
type ModuleAnswers struct {
	Module *ModuleSpec
	Task   *TaskInfo // nil when evaluating without a task

	order []string
	byID  map[string]*Answer
}

// NewModuleAnswers creates an empty answer set for a module.
func NewModuleAnswers(m *ModuleSpec, task *TaskInfo) *ModuleAnswers {
	return &ModuleAnswers{
		Module: m,
		Task:   task,
		byID:   make(map[string]*Answer, len(m.Questions)),
	}
}

// Set records the resolved answer for a question, replacing any prior entry.
func (a *ModuleAnswers) Set(ans *Answer) {
	id := ans.Question.ID
	if _, ok := a.byID[id]; !ok {
		a.order = append(a.order, id)
	}
	a.byID[id] = ans
}

// Get returns the resolved answer for a question id, or nil.
func (a *ModuleAnswers) Get(id string) *Answer {
	return a.byID[id]
}

// Keys returns question ids in insertion order.
func (a *ModuleAnswers) Keys() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Len returns the number of resolved entries.
func (a *ModuleAnswers) Len() int { return len(a.order) }

// Clone returns a copy sharing the Answer values, so the evaluator can
// extend a caller's answer set without mutating it.
func (a *ModuleAnswers) Clone() *ModuleAnswers {
	c := NewModuleAnswers(a.Module, a.Task)
	for _, id := range a.order {
		c.Set(a.byID[id])
	}
	return c
}

// EvaluationResult extends ModuleAnswers with the evaluator's classification
// of every question.
type EvaluationResult struct {
	*ModuleAnswers

	// WasImputed holds the ids of questions whose value came from an impute
	// rule rather than a stored answer.
	WasImputed map[string]bool
	// CanAnswer lists not-yet-answered, currently-unblocked questions in
	// definition order.
	CanAnswer []*QuestionSpec
	// Unanswered lists all not-yet-answered questions, blocked or not, in
	// definition order.
	Unanswered []*QuestionSpec
	// Answerable holds the ids of questions whose value came from, or could
	// be overridden by, user input.
	Answerable map[string]bool
}

// IsFinished reports whether every question has a resolved value.
func (r *EvaluationResult) IsFinished() bool {
	return len(r.Unanswered) == 0
}

// IsStarted reports whether any question has a user-supplied answer.
func (r *EvaluationResult) IsStarted() bool {
	for _, id := range r.Keys() {
		if ans := r.Get(id); ans != nil && ans.Record != nil {
			return true
		}
	}
	return false
}

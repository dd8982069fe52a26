package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/complianceq/internal/depgraph"
	"github.com/dshills/complianceq/internal/domain"
)

func newEvaluator() *Evaluator {
	return New(depgraph.NewCache(0), nil)
}

func buildModule(questions ...*domain.QuestionSpec) *domain.ModuleSpec {
	m := &domain.ModuleSpec{ID: "eval_mod", Version: "1", Type: "module", Questions: questions}
	m.Index()
	return m
}

func answered(m *domain.ModuleSpec, values map[string]any) *domain.ModuleAnswers {
	current := domain.NewModuleAnswers(m, nil)
	for id, v := range values {
		current.Set(&domain.Answer{Question: m.Question(id), Answered: true, Value: v})
	}
	return current
}

func ids(list []*domain.QuestionSpec) []string {
	out := make([]string, len(list))
	for i, q := range list {
		out[i] = q.ID
	}
	return out
}

func TestEvaluateImputesFromCondition(t *testing.T) {
	m := buildModule(
		&domain.QuestionSpec{ID: "q1", Type: domain.QuestionTypeText},
		&domain.QuestionSpec{ID: "q2", Type: domain.QuestionTypeText, Impute: []domain.ImputeRule{
			{Condition: "q1 == 'x'", Value: "Y"},
		}},
	)
	ev := newEvaluator()

	// Unanswered: q2 is blocked on q1, only q1 is offerable.
	res, err := ev.Evaluate(answered(m, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"q1"}, ids(res.CanAnswer))
	assert.Equal(t, []string{"q1", "q2"}, ids(res.Unanswered))
	assert.False(t, res.IsStarted())

	// q1 = x: the rule fires and q2 is imputed, not offerable.
	res, err = ev.Evaluate(answered(m, map[string]any{"q1": "x"}), nil)
	require.NoError(t, err)
	require.True(t, res.WasImputed["q2"])
	ans := res.Get("q2")
	require.NotNil(t, ans)
	assert.Equal(t, "Y", ans.Value)
	assert.Empty(t, res.CanAnswer)
	assert.True(t, res.IsFinished())
	assert.False(t, res.Answerable["q2"])

	// q1 = other: the rule does not fire and q2 becomes answerable.
	res, err = ev.Evaluate(answered(m, map[string]any{"q1": "other"}), nil)
	require.NoError(t, err)
	assert.False(t, res.WasImputed["q2"])
	assert.Equal(t, []string{"q2"}, ids(res.CanAnswer))
	assert.True(t, res.Answerable["q2"])
}

func TestEvaluateImputeValueModes(t *testing.T) {
	m := buildModule(
		&domain.QuestionSpec{ID: "q1", Type: domain.QuestionTypeText},
		&domain.QuestionSpec{ID: "q_expr", Type: domain.QuestionTypeText, Impute: []domain.ImputeRule{
			{Value: "q1 + '!'", ValueMode: domain.ValueModeExpression},
		}},
		&domain.QuestionSpec{ID: "q_tmpl", Type: domain.QuestionTypeText, Impute: []domain.ImputeRule{
			{Value: "Val: {{q1}}", ValueMode: domain.ValueModeTemplate},
		}},
	)
	ev := newEvaluator()

	res, err := ev.Evaluate(answered(m, map[string]any{"q1": "x"}), nil)
	require.NoError(t, err)
	require.True(t, res.WasImputed["q_expr"])
	assert.Equal(t, "x!", res.Get("q_expr").Value)
	require.True(t, res.WasImputed["q_tmpl"])
	assert.Equal(t, "Val: x", res.Get("q_tmpl").Value)
}

func TestEvaluateFirstMatchingRuleWins(t *testing.T) {
	m := buildModule(
		&domain.QuestionSpec{ID: "q1", Type: domain.QuestionTypeYesNo},
		&domain.QuestionSpec{ID: "q2", Type: domain.QuestionTypeText, Impute: []domain.ImputeRule{
			{Condition: "q1", Value: "when-yes"},
			{Value: "fallback"},
		}},
	)
	ev := newEvaluator()

	res, err := ev.Evaluate(answered(m, map[string]any{"q1": "yes"}), nil)
	require.NoError(t, err)
	assert.Equal(t, "when-yes", res.Get("q2").Value)

	// A yesno answered "no" is falsy, so the unconditional rule applies.
	res, err = ev.Evaluate(answered(m, map[string]any{"q1": "no"}), nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Get("q2").Value)
}

func TestImputeSeesOnlyEarlierSiblings(t *testing.T) {
	m := buildModule(
		&domain.QuestionSpec{ID: "q_imp", Type: domain.QuestionTypeText, Impute: []domain.ImputeRule{
			{Condition: "later == 'v'", Value: "should-not-happen"},
		}},
		&domain.QuestionSpec{ID: "later", Type: domain.QuestionTypeText},
	)
	ev := newEvaluator()

	res, err := ev.Evaluate(answered(m, map[string]any{"later": "v"}), nil)
	require.NoError(t, err)
	assert.False(t, res.WasImputed["q_imp"], "impute condition read a later-defined sibling")
	assert.Equal(t, []string{"q_imp"}, ids(res.CanAnswer))
}

func TestEvaluateUserAnswerOverImpute(t *testing.T) {
	// A user answer is used only when no impute rule fires.
	m := buildModule(
		&domain.QuestionSpec{ID: "q1", Type: domain.QuestionTypeText},
		&domain.QuestionSpec{ID: "q2", Type: domain.QuestionTypeText, Impute: []domain.ImputeRule{
			{Condition: "q1 == 'x'", Value: "forced"},
		}},
	)
	ev := newEvaluator()

	res, err := ev.Evaluate(answered(m, map[string]any{"q1": "x", "q2": "typed"}), nil)
	require.NoError(t, err)
	assert.Equal(t, "forced", res.Get("q2").Value)

	res, err = ev.Evaluate(answered(m, map[string]any{"q1": "y", "q2": "typed"}), nil)
	require.NoError(t, err)
	assert.Equal(t, "typed", res.Get("q2").Value)
	assert.True(t, res.Answerable["q2"])
}

func TestProjectIntroductionImplicitlyAnswered(t *testing.T) {
	m := buildModule(
		&domain.QuestionSpec{ID: domain.IntroductionID, Type: domain.QuestionTypeInterstitial},
		&domain.QuestionSpec{ID: "q1", Type: domain.QuestionTypeText},
	)
	m.Type = "project"
	ev := newEvaluator()

	res, err := ev.Evaluate(answered(m, nil), nil)
	require.NoError(t, err)
	intro := res.Get(domain.IntroductionID)
	require.NotNil(t, intro)
	assert.True(t, intro.Answered)
	assert.False(t, res.WasImputed[domain.IntroductionID])
	assert.Equal(t, []string{"q1"}, ids(res.Unanswered))
}

func TestModuleIntroductionIsAsked(t *testing.T) {
	m := buildModule(
		&domain.QuestionSpec{ID: domain.IntroductionID, Type: domain.QuestionTypeInterstitial},
		&domain.QuestionSpec{ID: "q1", Type: domain.QuestionTypeText},
	)
	ev := newEvaluator()

	res, err := ev.Evaluate(answered(m, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.IntroductionID, "q1"}, ids(res.CanAnswer))
}

func TestEvaluateOrdering(t *testing.T) {
	m := buildModule(
		&domain.QuestionSpec{ID: "zeta", Type: domain.QuestionTypeText},
		&domain.QuestionSpec{ID: "alpha", Type: domain.QuestionTypeText},
		&domain.QuestionSpec{ID: "mid", Type: domain.QuestionTypeText},
	)
	ev := newEvaluator()

	res, err := ev.Evaluate(answered(m, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, ids(res.CanAnswer), "definition order, not lexical order")
}

func TestEvaluateIdempotent(t *testing.T) {
	m := buildModule(
		&domain.QuestionSpec{ID: "q1", Type: domain.QuestionTypeText},
		&domain.QuestionSpec{ID: "q2", Type: domain.QuestionTypeText, Impute: []domain.ImputeRule{
			{Condition: "q1 == 'x'", Value: "Y"},
		}},
	)
	ev := newEvaluator()
	current := answered(m, map[string]any{"q1": "x"})

	first, err := ev.Evaluate(current, nil)
	require.NoError(t, err)
	second, err := ev.Evaluate(current, nil)
	require.NoError(t, err)

	assert.Equal(t, first.WasImputed, second.WasImputed)
	assert.Equal(t, ids(first.CanAnswer), ids(second.CanAnswer))
	assert.Equal(t, ids(first.Unanswered), ids(second.Unanswered))
	assert.Equal(t, first.Get("q2").Value, second.Get("q2").Value)
}

func TestImputeConditionOnUnresolvedNameDoesNotFire(t *testing.T) {
	// A comparison against a name that resolves to nothing must not be read
	// as "equals nil"; the rule is suppressed and the question stays askable.
	m := buildModule(
		&domain.QuestionSpec{ID: "q1", Type: domain.QuestionTypeText, Impute: []domain.ImputeRule{
			{Condition: "no_such_name == none", Value: "should-not-happen"},
		}},
	)
	ev := newEvaluator()

	res, err := ev.Evaluate(answered(m, nil), nil)
	require.NoError(t, err)
	assert.False(t, res.WasImputed["q1"])
	assert.Equal(t, []string{"q1"}, ids(res.CanAnswer))
}

func TestEvaluateFailingImputeRuleDegrades(t *testing.T) {
	// The condition parses but mixing string and number fails at evaluation
	// time; the rule is suppressed and the question stays askable.
	m := buildModule(
		&domain.QuestionSpec{ID: "q1", Type: domain.QuestionTypeText, Impute: []domain.ImputeRule{
			{Condition: "'a' + 1", Value: "should-not-happen"},
		}},
	)
	ev := newEvaluator()

	res, err := ev.Evaluate(answered(m, nil), nil)
	require.NoError(t, err)
	assert.False(t, res.WasImputed["q1"])
	assert.Equal(t, []string{"q1"}, ids(res.CanAnswer))
}

package depgraph

import (
	"errors"
	"testing"

	"github.com/dshills/complianceq/internal/domain"
)

func module(questions ...*domain.QuestionSpec) *domain.ModuleSpec {
	m := &domain.ModuleSpec{ID: "test_mod", Version: "1", Questions: questions}
	m.Index()
	return m
}

func TestBuildExtractsDependencies(t *testing.T) {
	m := module(
		&domain.QuestionSpec{ID: "q1", Type: domain.QuestionTypeText},
		&domain.QuestionSpec{ID: "q2", Type: domain.QuestionTypeText, Prompt: "Given {{q1}}, what next?"},
		&domain.QuestionSpec{ID: "q3", Type: domain.QuestionTypeText, Impute: []domain.ImputeRule{
			{Condition: "q1 == 'x'", Value: "imputed"},
		}},
		&domain.QuestionSpec{ID: "q4", Type: domain.QuestionTypeText, Impute: []domain.ImputeRule{
			{Value: "{{q2}}", ValueMode: domain.ValueModeTemplate},
		}},
		&domain.QuestionSpec{ID: "q5", Type: domain.QuestionTypeText, AskFirst: []string{"q3"}},
	)

	g, err := Build(m)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	tests := []struct {
		from   string
		dep    string
		origin Origin
	}{
		{"q2", "q1", OriginPrompt},
		{"q3", "q1", OriginImputeCondition},
		{"q4", "q2", OriginImputeValue},
		{"q5", "q3", OriginAskFirst},
	}
	for _, tt := range tests {
		deps := g.Dependencies(tt.from)
		if deps[tt.dep] != tt.origin {
			t.Errorf("Dependencies(%s)[%s] = %q, want %q", tt.from, tt.dep, deps[tt.dep], tt.origin)
		}
	}

	if deps := g.Dependencies("q1"); len(deps) != 0 {
		t.Errorf("q1 has unexpected dependencies: %v", deps)
	}
}

func TestBuildIgnoresNonQuestionIdentifiers(t *testing.T) {
	m := module(
		&domain.QuestionSpec{ID: "q1", Type: domain.QuestionTypeText, Prompt: "For {{organization.name}} and {{project}}: anything?"},
	)
	g, err := Build(m)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if deps := g.Dependencies("q1"); len(deps) != 0 {
		t.Errorf("context identifiers created edges: %v", deps)
	}
}

func TestBuildOrdersDependenciesByDefinition(t *testing.T) {
	m := module(
		&domain.QuestionSpec{ID: "a", Type: domain.QuestionTypeText},
		&domain.QuestionSpec{ID: "b", Type: domain.QuestionTypeText},
		&domain.QuestionSpec{ID: "c", Type: domain.QuestionTypeText, Prompt: "{{b}} then {{a}}"},
	)
	g, err := Build(m)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	deps := g.DependenciesOf("c")
	if len(deps) != 2 || deps[0].ID != "a" || deps[1].ID != "b" {
		ids := make([]string, len(deps))
		for i, d := range deps {
			ids[i] = d.ID
		}
		t.Errorf("DependenciesOf(c) = %v, want [a b]", ids)
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	m := module(
		&domain.QuestionSpec{ID: "a", Type: domain.QuestionTypeText, Prompt: "{{b}}?"},
		&domain.QuestionSpec{ID: "b", Type: domain.QuestionTypeText, Prompt: "{{a}}?"},
	)
	_, err := Build(m)
	if err == nil {
		t.Fatal("cycle accepted")
	}
	if !errors.Is(err, domain.ErrCycle) {
		t.Errorf("error = %v, want ErrCycle", err)
	}
	var defErr *domain.ModuleDefinitionError
	if !errors.As(err, &defErr) {
		t.Errorf("error type = %T, want *ModuleDefinitionError", err)
	}
}

func TestBuildRejectsUnknownAskFirst(t *testing.T) {
	m := module(
		&domain.QuestionSpec{ID: "a", Type: domain.QuestionTypeText, AskFirst: []string{"ghost"}},
	)
	if _, err := Build(m); err == nil {
		t.Fatal("dangling ask-first accepted")
	}
}

func TestRoots(t *testing.T) {
	m := module(
		&domain.QuestionSpec{ID: "a", Type: domain.QuestionTypeText},
		&domain.QuestionSpec{ID: "b", Type: domain.QuestionTypeText, Prompt: "{{a}}"},
	)
	g, err := Build(m)
	if err != nil {
		t.Fatal(err)
	}
	roots := g.Roots()
	if len(roots) != 1 || roots[0].ID != "b" {
		t.Errorf("Roots() = %v", roots)
	}
}

func TestCache(t *testing.T) {
	m := module(&domain.QuestionSpec{ID: "a", Type: domain.QuestionTypeText})
	c := NewCache(4)

	g1, err := c.Get(m)
	if err != nil {
		t.Fatal(err)
	}
	g2, err := c.Get(m)
	if err != nil {
		t.Fatal(err)
	}
	if g1 != g2 {
		t.Error("second Get rebuilt instead of hitting the cache")
	}

	// A version bump is a different cache entry.
	m2 := module(&domain.QuestionSpec{ID: "a", Type: domain.QuestionTypeText})
	m2.Version = "2"
	g3, err := c.Get(m2)
	if err != nil {
		t.Fatal(err)
	}
	if g3 == g1 {
		t.Error("different version shared a cache entry")
	}

	c.Invalidate(m.ID)
	g4, err := c.Get(m)
	if err != nil {
		t.Fatal(err)
	}
	if g4 == g1 {
		t.Error("Invalidate did not evict the cached graph")
	}
}

func TestCacheDisabled(t *testing.T) {
	m := module(&domain.QuestionSpec{ID: "a", Type: domain.QuestionTypeText})
	c := NewCache(4)
	c.SetDisabled(true)

	g1, _ := c.Get(m)
	g2, _ := c.Get(m)
	if g1 == g2 {
		t.Error("disabled cache still memoized")
	}
}

func TestBuildFailureNotCached(t *testing.T) {
	bad := module(
		&domain.QuestionSpec{ID: "a", Type: domain.QuestionTypeText, Prompt: "{{b}}"},
		&domain.QuestionSpec{ID: "b", Type: domain.QuestionTypeText, Prompt: "{{a}}"},
	)
	c := NewCache(4)
	if _, err := c.Get(bad); err == nil {
		t.Fatal("cycle accepted")
	}
	// Fixing the module under the same id+version must succeed.
	fixed := module(
		&domain.QuestionSpec{ID: "a", Type: domain.QuestionTypeText, Prompt: "{{b}}"},
		&domain.QuestionSpec{ID: "b", Type: domain.QuestionTypeText},
	)
	if _, err := c.Get(fixed); err != nil {
		t.Errorf("rebuild after failure: %v", err)
	}
}

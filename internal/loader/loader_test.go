package loader

import (
	"errors"
	"testing"

	"github.com/dshills/complianceq/internal/domain"
)

const validModule = `
id: security_plan
title: Security Plan
version: "2"
instance-name: "Plan for {{org_name}}"
introduction: Welcome to the *plan*.
questions:
  - id: org_name
    type: text
    title: Organization
    prompt: What is the organization called?
  - id: impact
    type: choice
    title: Impact
    prompt: "How would a breach at {{org_name}} rate?"
    choices:
      - key: low
        text: Low
      - key: high
        text: High
  - id: summary
    type: text
    impute:
      - condition: "impact == 'low'"
        value: Nothing to report.
output:
  - id: plan
    title: The Plan
    template: "# Plan\n\nImpact is {{impact}}."
`

func TestLoadValidModule(t *testing.T) {
	m, err := Load([]byte(validModule))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.ID != "security_plan" || m.Version != "2" {
		t.Errorf("identity = %s/%s", m.ID, m.Version)
	}
	if len(m.Questions) != 4 {
		t.Fatalf("len(Questions) = %d, want 4 (introduction + 3)", len(m.Questions))
	}
	intro := m.Questions[0]
	if intro.ID != domain.IntroductionID || intro.Type != domain.QuestionTypeInterstitial {
		t.Errorf("introduction question = %s/%s", intro.ID, intro.Type)
	}
	if intro.Prompt != "Welcome to the *plan*." {
		t.Errorf("introduction prompt = %q", intro.Prompt)
	}
	if m.Question("impact").DefinitionOrder != 2 {
		t.Errorf("impact order = %d", m.Question("impact").DefinitionOrder)
	}
	if m.Outputs[0].Format != "markdown" {
		t.Errorf("default output format = %q", m.Outputs[0].Format)
	}
}

func TestParseNumericVersion(t *testing.T) {
	m, err := Parse([]byte("id: m\nversion: 2\nquestions:\n  - id: q\n    type: text\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if m.Version != "2" {
		t.Errorf("version = %q, want 2", m.Version)
	}
}

func TestParseDefaults(t *testing.T) {
	m, err := Parse([]byte("id: m\nquestions:\n  - id: q\n    type: text\n"))
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != "module" {
		t.Errorf("default type = %q", m.Type)
	}
	if len(m.Questions) != 1 {
		t.Errorf("no introduction declared, len(Questions) = %d", len(m.Questions))
	}
}

func TestParseRejectsBadStructure(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", ":\n  - ["},
		{"missing questions", "id: m\ntitle: T\n"},
		{"missing id", "questions: []\n"},
		{"bad type enum", "id: m\ntype: wiki\nquestions: []\n"},
		{"question without type", "id: m\nquestions:\n  - id: q\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			var defErr *domain.ModuleDefinitionError
			if !errors.As(err, &defErr) {
				t.Errorf("error = %v, want *ModuleDefinitionError", err)
			}
		})
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"duplicate question id", `
id: m
questions:
  - id: q
    type: text
  - id: q
    type: text
`},
		{"choice without choices", `
id: m
questions:
  - id: q
    type: choice
`},
		{"duplicate choice key", `
id: m
questions:
  - id: q
    type: choice
    choices:
      - key: a
      - key: a
`},
		{"datagrid without fields", `
id: m
questions:
  - id: q
    type: datagrid
`},
		{"module without target", `
id: m
questions:
  - id: q
    type: module
`},
		{"min exceeds max", `
id: m
questions:
  - id: q
    type: multiple-choice
    choices:
      - key: a
    min: 3
    max: 1
`},
		{"bad prompt template", `
id: m
questions:
  - id: q
    type: text
    prompt: "{% if x %}unclosed"
`},
		{"bad impute condition", `
id: m
questions:
  - id: q
    type: text
    impute:
      - condition: "q2 =="
        value: x
`},
		{"non-string expression value", `
id: m
questions:
  - id: q
    type: text
    impute:
      - value: 42
        value-mode: expression
`},
		{"dangling ask-first", `
id: m
questions:
  - id: q
    type: text
    ask-first: [ghost]
`},
		{"bad output template", `
id: m
questions: []
output:
  - id: doc
    template: "{{ broken"
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load([]byte(tt.yaml)); err == nil {
				t.Error("invalid module accepted")
			}
		})
	}
}

func TestLoadRejectsCycle(t *testing.T) {
	const cyclic = `
id: m
questions:
  - id: a
    type: text
    prompt: "Given {{b}}?"
  - id: b
    type: text
    prompt: "Given {{a}}?"
`
	_, err := Load([]byte(cyclic))
	if !errors.Is(err, domain.ErrCycle) {
		t.Errorf("error = %v, want ErrCycle", err)
	}
}

func mustLoad(t *testing.T, yaml string) *domain.ModuleSpec {
	t.Helper()
	m, err := Load([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCheckCompatibleUpdate(t *testing.T) {
	old := mustLoad(t, `
id: m
questions:
  - id: keep
    type: text
  - id: level
    type: choice
    choices:
      - key: low
      - key: high
  - id: picks
    type: multiple-choice
    choices:
      - key: a
      - key: b
    max: 3
`)

	t.Run("identical is compatible", func(t *testing.T) {
		answered := map[string]bool{"keep": true, "level": true, "picks": true}
		if err := CheckCompatibleUpdate(old, old, answered); err != nil {
			t.Errorf("unexpected incompatibility: %v", err)
		}
	})

	t.Run("removing an answered question", func(t *testing.T) {
		updated := mustLoad(t, "id: m\nquestions:\n  - id: level\n    type: choice\n    choices:\n      - key: low\n      - key: high\n")
		err := CheckCompatibleUpdate(old, updated, map[string]bool{"keep": true})
		var incompat *domain.IncompatibleUpdateError
		if !errors.As(err, &incompat) {
			t.Fatalf("error = %v, want *IncompatibleUpdateError", err)
		}
		if len(incompat.Changes) != 1 {
			t.Errorf("changes = %v", incompat.Changes)
		}
	})

	t.Run("removing an unanswered question", func(t *testing.T) {
		updated := mustLoad(t, "id: m\nquestions:\n  - id: level\n    type: choice\n    choices:\n      - key: low\n      - key: high\n")
		if err := CheckCompatibleUpdate(old, updated, map[string]bool{"level": true}); err != nil {
			t.Errorf("unanswered removal flagged: %v", err)
		}
	})

	t.Run("retyping an answered question", func(t *testing.T) {
		updated := mustLoad(t, `
id: m
questions:
  - id: keep
    type: integer
  - id: level
    type: choice
    choices:
      - key: low
      - key: high
`)
		err := CheckCompatibleUpdate(old, updated, map[string]bool{"keep": true})
		if err == nil {
			t.Error("type change accepted")
		}
	})

	t.Run("losing an answered choice", func(t *testing.T) {
		updated := mustLoad(t, `
id: m
questions:
  - id: keep
    type: text
  - id: level
    type: choice
    choices:
      - key: low
`)
		if err := CheckCompatibleUpdate(old, updated, map[string]bool{"level": true}); err == nil {
			t.Error("lost choice accepted")
		}
	})

	t.Run("tightening cardinality", func(t *testing.T) {
		updated := mustLoad(t, `
id: m
questions:
  - id: keep
    type: text
  - id: level
    type: choice
    choices:
      - key: low
      - key: high
  - id: picks
    type: multiple-choice
    choices:
      - key: a
      - key: b
    min: 1
    max: 2
`)
		err := CheckCompatibleUpdate(old, updated, map[string]bool{"picks": true})
		var incompat *domain.IncompatibleUpdateError
		if !errors.As(err, &incompat) {
			t.Fatalf("error = %v, want *IncompatibleUpdateError", err)
		}
		if len(incompat.Changes) != 2 {
			t.Errorf("changes = %v, want raised minimum and lowered maximum", incompat.Changes)
		}
	})
}

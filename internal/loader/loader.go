package loader

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/dshills/complianceq/internal/domain"
)

//go:embed schemas/*.json
var schemasFS embed.FS

// moduleYAML is the on-disk shape of a module definition.
type moduleYAML struct {
	ID           string                 `yaml:"id"`
	Title        string                 `yaml:"title"`
	Type         string                 `yaml:"type"`
	Version      scalarString           `yaml:"version"`
	InstanceName string                 `yaml:"instance-name"`
	Introduction *introductionYAML      `yaml:"introduction"`
	Questions    []*domain.QuestionSpec `yaml:"questions"`
	Output       []domain.OutputDocument `yaml:"output"`
}

// scalarString accepts any YAML scalar as its literal text, so authors can
// write version: 2 as well as version: "2".
type scalarString string

func (s *scalarString) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", node.Line)
	}
	*s = scalarString(node.Value)
	return nil
}

// introductionYAML accepts either a bare string or {format, template}.
type introductionYAML struct {
	Format   string
	Template string
}

func (i *introductionYAML) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		i.Format = "markdown"
		return node.Decode(&i.Template)
	}
	var obj struct {
		Format   string `yaml:"format"`
		Template string `yaml:"template"`
	}
	if err := node.Decode(&obj); err != nil {
		return err
	}
	if obj.Format == "" {
		obj.Format = "markdown"
	}
	i.Format = obj.Format
	i.Template = obj.Template
	return nil
}

// Parse reads a YAML module definition, checks it against the embedded
// structural schema, and produces a ModuleSpec. A declared introduction
// becomes an implicit leading interstitial question.
func Parse(data []byte) (*domain.ModuleSpec, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &domain.ModuleDefinitionError{Message: "malformed YAML", Err: err}
	}
	if err := checkSchema(raw); err != nil {
		return nil, err
	}

	var my moduleYAML
	if err := yaml.Unmarshal(data, &my); err != nil {
		return nil, &domain.ModuleDefinitionError{Message: "malformed module definition", Err: err}
	}

	m := &domain.ModuleSpec{
		ID:           my.ID,
		Title:        my.Title,
		Type:         my.Type,
		Version:      string(my.Version),
		InstanceName: my.InstanceName,
		Outputs:      my.Output,
	}
	for i := range m.Outputs {
		if m.Outputs[i].Format == "" {
			m.Outputs[i].Format = "markdown"
		}
	}
	if m.Type == "" {
		m.Type = "module"
	}
	if my.Introduction != nil {
		m.Questions = append(m.Questions, &domain.QuestionSpec{
			ID:     domain.IntroductionID,
			Type:   domain.QuestionTypeInterstitial,
			Title:  "Introduction",
			Prompt: my.Introduction.Template,
		})
	}
	m.Questions = append(m.Questions, my.Questions...)
	m.Index()
	return m, nil
}

// Load parses and fully validates a module definition.
func Load(data []byte) (*domain.ModuleSpec, error) {
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := ValidateModuleSpecification(m); err != nil {
		return nil, err
	}
	return m, nil
}

var moduleSchema = mustLoadSchema()

func mustLoadSchema() *jsonschema.Schema {
	data, err := schemasFS.ReadFile("schemas/module.schema.json")
	if err != nil {
		panic(fmt.Sprintf("read module schema: %v", err))
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		panic(fmt.Sprintf("unmarshal module schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("module.json", doc); err != nil {
		panic(fmt.Sprintf("add module schema resource: %v", err))
	}
	schema, err := c.Compile("module.json")
	if err != nil {
		panic(fmt.Sprintf("compile module schema: %v", err))
	}
	return schema
}

func checkSchema(raw any) error {
	if err := moduleSchema.Validate(jsonify(raw)); err != nil {
		msg := err.Error()
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			msg = flattenSchemaError(ve)
		}
		return &domain.ModuleDefinitionError{Message: "module structure is invalid", Err: fmt.Errorf("%s", msg)}
	}
	return nil
}

func flattenSchemaError(ve *jsonschema.ValidationError) string {
	if len(ve.Causes) == 0 {
		return "/" + strings.Join(ve.InstanceLocation, "/") + ": " + ve.Error()
	}
	parts := make([]string, 0, len(ve.Causes))
	for _, cause := range ve.Causes {
		parts = append(parts, flattenSchemaError(cause))
	}
	return strings.Join(parts, "; ")
}

// jsonify converts YAML-decoded values to the JSON-compatible shapes the
// schema validator expects.
func jsonify(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = jsonify(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprintf("%v", k)] = jsonify(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = jsonify(val)
		}
		return out
	case int:
		return float64(x)
	case int64:
		return float64(x)
	}
	return v
}

// Package importer loads action packages described by package.yaml into the store.
package importer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/umputun/actionsrv/app/model"
)

// ManifestFile is the package descriptor name inside package directory
const ManifestFile = "package.yaml"

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Manifest is the content of package.yaml
type Manifest struct {
	Name        string            `yaml:"name" json:"name" jsonschema:"required,description=package name unique on the server"`
	Environment model.Environment `yaml:"environment" json:"environment,omitempty" jsonschema:"description=execution environment shared by all actions"`
	Actions     []ActionSpec      `yaml:"actions" json:"actions" jsonschema:"required,minItems=1"`
}

// ActionSpec describes one action of the package
type ActionSpec struct {
	Name                string         `yaml:"name" json:"name" jsonschema:"required"`
	File                string         `yaml:"file" json:"file" jsonschema:"required,description=action file relative to package directory"`
	Docs                string         `yaml:"docs" json:"docs,omitempty"`
	InputSchema         map[string]any `yaml:"input_schema" json:"input_schema,omitempty" jsonschema:"description=JSON schema of action input"`
	OutputSchema        map[string]any `yaml:"output_schema" json:"output_schema,omitempty" jsonschema:"description=JSON schema of action result"`
	IsConsequential     *bool          `yaml:"is_consequential" json:"is_consequential,omitempty"`
	ManagedParamsSchema map[string]any `yaml:"managed_params_schema" json:"managed_params_schema,omitempty"`

	line int // position in package.yaml
}

// Load reads and verifies package.yaml of the package directory
func Load(dir string) (Manifest, error) {
	fname := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(fname) //nolint gosec
	if err != nil {
		return Manifest{}, fmt.Errorf("can't read %s: %w", fname, err)
	}
	m, err := Parse(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("invalid %s: %w", fname, err)
	}
	for i, a := range m.Actions {
		st, err := os.Stat(filepath.Join(dir, a.File))
		if err != nil {
			return Manifest{}, fmt.Errorf("action %d (%s): %w", i+1, a.Name, err)
		}
		if st.IsDir() {
			return Manifest{}, fmt.Errorf("action %d (%s): %s is a directory", i+1, a.Name, a.File)
		}
	}
	return m, nil
}

// Parse decodes and verifies manifest content
func Parse(data []byte) (Manifest, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Manifest{}, fmt.Errorf("can't parse yaml: %w", err)
	}
	if root.Kind == 0 {
		return Manifest{}, errors.New("empty manifest")
	}
	var m Manifest
	if err := root.Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("can't decode manifest: %w", err)
	}
	if lines := actionLines(&root); len(lines) == len(m.Actions) {
		for i := range m.Actions {
			m.Actions[i].line = lines[i]
		}
	}
	if err := m.Verify(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Verify checks required fields and uniqueness of action names
func (m Manifest) Verify() error {
	if !nameRe.MatchString(m.Name) {
		return fmt.Errorf("invalid package name %q", m.Name)
	}
	if len(m.Actions) == 0 {
		return errors.New("at least one action is required")
	}
	seen := map[string]bool{}
	for i, a := range m.Actions {
		if !nameRe.MatchString(a.Name) {
			return fmt.Errorf("action %d: invalid name %q", i+1, a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("action %d: duplicate name %q", i+1, a.Name)
		}
		seen[a.Name] = true
		if a.File == "" {
			return fmt.Errorf("action %d (%s): file is required", i+1, a.Name)
		}
		if filepath.IsAbs(a.File) || !filepath.IsLocal(a.File) {
			return fmt.Errorf("action %d (%s): file %q must be inside package directory", i+1, a.Name, a.File)
		}
	}
	return nil
}

// Schema returns JSON schema of package.yaml
func Schema() ([]byte, error) {
	schema := jsonschema.Reflect(&Manifest{})
	schema.Title = "Action package manifest"
	schema.Description = "Schema of package.yaml describing an action package"
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// actionLines returns line numbers of action entries
func actionLines(root *yaml.Node) []int {
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value != "actions" || doc.Content[i+1].Kind != yaml.SequenceNode {
			continue
		}
		res := make([]int, 0, len(doc.Content[i+1].Content))
		for _, n := range doc.Content[i+1].Content {
			res = append(res, n.Line)
		}
		return res
	}
	return nil
}

// schemaJSON serializes optional schema, empty object if not set
func schemaJSON(v map[string]any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

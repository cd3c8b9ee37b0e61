package registry

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_model.yaml
var defaultModelYAML []byte

// Model is the declarative entity-relationship description a Registry is
// built from. It is usually read from YAML or derived by introspection.
type Model struct {
	Entities []EntityModel `yaml:"entities"`
}

// EntityModel declares one entity type.
type EntityModel struct {
	Name          string              `yaml:"name"`
	Table         string              `yaml:"table,omitempty"`
	Plural        string              `yaml:"plural,omitempty"`
	SoftDelete    string              `yaml:"softDelete,omitempty"`
	Fields        []FieldModel        `yaml:"fields"`
	PrimaryKey    []string            `yaml:"primaryKey"`
	Relationships []RelationshipModel `yaml:"relationships,omitempty"`
}

// FieldModel declares one scalar field.
type FieldModel struct {
	Name     string `yaml:"name"`
	Column   string `yaml:"column,omitempty"`
	Kind     string `yaml:"kind"`
	Nullable bool   `yaml:"nullable,omitempty"`
}

// RelationshipModel declares a relationship to another entity, joined either
// directly (Join) or through an association entity (Through).
type RelationshipModel struct {
	Name        string            `yaml:"name"`
	Target      string            `yaml:"target"`
	Cardinality string            `yaml:"cardinality"`
	Inverse     string            `yaml:"inverse,omitempty"`
	Join        *JoinModel        `yaml:"join,omitempty"`
	Through     *AssociationModel `yaml:"through,omitempty"`
	Filter      map[string]any    `yaml:"filter,omitempty"`
}

// JoinModel pairs fields positionally: Local[i] joins Remote[i].
type JoinModel struct {
	Local  []string `yaml:"local"`
	Remote []string `yaml:"remote"`
}

// AssociationModel describes a join mediated by an association entity.
// Owner joins the owning entity (local) to the association (remote); Target
// joins the association (local) to the target entity (remote).
type AssociationModel struct {
	Entity string    `yaml:"entity"`
	Owner  JoinModel `yaml:"owner"`
	Target JoinModel `yaml:"target"`
}

// LoadModel decodes a YAML model. Unknown keys are rejected.
func LoadModel(r io.Reader) (Model, error) {
	var model Model
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&model); err != nil {
		if errors.Is(err, io.EOF) {
			return Model{}, fmt.Errorf("model is empty")
		}
		return Model{}, fmt.Errorf("failed to decode model: %w", err)
	}
	return model, nil
}

// LoadModelFile reads a YAML model from disk.
func LoadModelFile(path string) (Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return Model{}, fmt.Errorf("failed to open model file %q: %w", path, err)
	}
	defer f.Close()

	model, err := LoadModel(f)
	if err != nil {
		return Model{}, fmt.Errorf("model file %q: %w", path, err)
	}
	return model, nil
}

// DefaultModel returns the built-in news classification model.
func DefaultModel() Model {
	model, err := LoadModel(bytes.NewReader(defaultModelYAML))
	if err != nil {
		panic(fmt.Sprintf("embedded default model is invalid: %v", err))
	}
	return model
}

// MarshalModel encodes a model as YAML.
func MarshalModel(model Model) ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(model); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

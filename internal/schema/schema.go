// Package schema loads the domain record schema: the declared fields a
// record may carry and the unique-field set that defines record identity
// for deduplication.
package schema

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Field declares one domain field on a record.
type Field struct {
	Key         string `yaml:"key"`
	Type        string `yaml:"type"` // "string", "number", "integer", "boolean"
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// Schema is the parsed domain schema.
type Schema struct {
	Name   string  `yaml:"name"`
	Fields []Field `yaml:"fields"`
	// UniqueFields jointly define record identity for deduplication. The
	// declaration is mandatory: dedup never infers identity fields.
	UniqueFields []string `yaml:"unique_fields"`

	byKey map[string]Field
}

// Load reads and validates a schema YAML file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "schema: read %s", path)
	}
	return Parse(data)
}

// Parse parses and validates schema YAML bytes.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrap(err, "schema: parse yaml")
	}

	if len(s.Fields) == 0 {
		return nil, eris.New("schema: no fields declared")
	}

	s.byKey = make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		if f.Key == "" {
			return nil, eris.New("schema: field with empty key")
		}
		if _, dup := s.byKey[f.Key]; dup {
			return nil, eris.Errorf("schema: duplicate field %q", f.Key)
		}
		switch f.Type {
		case "", "string", "number", "integer", "boolean":
		default:
			return nil, eris.Errorf("schema: field %q has unknown type %q", f.Key, f.Type)
		}
		s.byKey[f.Key] = f
	}

	// Absence of a uniqueness declaration is a hard configuration error.
	if len(s.UniqueFields) == 0 {
		return nil, eris.New("schema: unique_fields is required and must not be empty")
	}
	for _, uf := range s.UniqueFields {
		if _, ok := s.byKey[uf]; !ok {
			return nil, eris.Errorf("schema: unique field %q is not a declared field", uf)
		}
	}

	return &s, nil
}

// Field returns the declaration for a key, if declared.
func (s *Schema) Field(key string) (Field, bool) {
	f, ok := s.byKey[key]
	return f, ok
}

// ValidateRecord checks an extracted field map against the schema: unknown
// keys are rejected, declared types are enforced, required fields must be
// populated.
func (s *Schema) ValidateRecord(fields map[string]any) error {
	for key, val := range fields {
		decl, ok := s.byKey[key]
		if !ok {
			return eris.Errorf("schema: record has undeclared field %q", key)
		}
		if val == nil {
			continue
		}
		if err := checkType(decl, val); err != nil {
			return err
		}
	}
	for _, f := range s.Fields {
		if !f.Required {
			continue
		}
		v, ok := fields[f.Key]
		if !ok || v == nil || fmt.Sprintf("%v", v) == "" {
			return eris.Errorf("schema: required field %q is missing", f.Key)
		}
	}
	return nil
}

func checkType(decl Field, val any) error {
	switch decl.Type {
	case "", "string":
		if _, ok := val.(string); !ok {
			return eris.Errorf("schema: field %q expects string, got %T", decl.Key, val)
		}
	case "number":
		switch val.(type) {
		case float64, float32, int, int64:
		default:
			return eris.Errorf("schema: field %q expects number, got %T", decl.Key, val)
		}
	case "integer":
		switch v := val.(type) {
		case int, int64:
		case float64:
			if v != float64(int64(v)) {
				return eris.Errorf("schema: field %q expects integer, got %v", decl.Key, v)
			}
		default:
			return eris.Errorf("schema: field %q expects integer, got %T", decl.Key, val)
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return eris.Errorf("schema: field %q expects boolean, got %T", decl.Key, val)
		}
	}
	return nil
}

// PromptBlock renders the field declarations as a prompt fragment for the
// extraction executors.
func (s *Schema) PromptBlock() string {
	var b strings.Builder
	for _, f := range s.Fields {
		typ := f.Type
		if typ == "" {
			typ = "string"
		}
		fmt.Fprintf(&b, "- %s (%s)", f.Key, typ)
		if f.Required {
			b.WriteString(" [required]")
		}
		if f.Description != "" {
			b.WriteString(": " + f.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

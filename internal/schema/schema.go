// Package schema holds the authoritative reporting template definition:
// field codes, required/deduction flags, and the linear formula relating
// component and deduction rows to the calculated total.
//
// A Schema is pure configuration. It performs no per-request validation;
// construction fails only when the definition source itself is malformed,
// which is fatal at startup.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
)

// FieldDefinition describes one row of the reporting template.
type FieldDefinition struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	Required     bool   `json:"required"`
	IsDeduction  bool   `json:"is_deduction"`
	IsCalculated bool   `json:"is_calculated"`
	RuleRef      string `json:"rule_reference"`
}

// Definition is the serializable schema source document.
type Definition struct {
	TemplateID string            `json:"template"`
	Fields     []FieldDefinition `json:"fields"`
}

// Schema is the immutable, validated form of a Definition.
type Schema struct {
	templateID string
	fields     map[string]FieldDefinition
	order      []string
	required   []string
	components []string
	deductions []string
	calculated string
}

// New validates a definition and builds a Schema from it.
func New(def *Definition) (*Schema, error) {
	if def == nil {
		return nil, fmt.Errorf("schema definition is required")
	}
	if def.TemplateID == "" {
		return nil, fmt.Errorf("schema template id is required")
	}
	if len(def.Fields) == 0 {
		return nil, fmt.Errorf("schema %s: no field definitions", def.TemplateID)
	}

	s := &Schema{
		templateID: def.TemplateID,
		fields:     make(map[string]FieldDefinition, len(def.Fields)),
	}

	for _, f := range def.Fields {
		if f.Code == "" {
			return nil, fmt.Errorf("schema %s: field with empty code", def.TemplateID)
		}
		if _, dup := s.fields[f.Code]; dup {
			return nil, fmt.Errorf("schema %s: duplicate field code %s", def.TemplateID, f.Code)
		}
		if f.IsCalculated && f.IsDeduction {
			return nil, fmt.Errorf("schema %s: field %s is both calculated and a deduction", def.TemplateID, f.Code)
		}

		s.fields[f.Code] = f
		s.order = append(s.order, f.Code)

		if f.Required {
			s.required = append(s.required, f.Code)
		}

		switch {
		case f.IsCalculated:
			if s.calculated != "" {
				return nil, fmt.Errorf("schema %s: multiple calculated fields (%s, %s)", def.TemplateID, s.calculated, f.Code)
			}
			s.calculated = f.Code
		case f.IsDeduction:
			s.deductions = append(s.deductions, f.Code)
		default:
			s.components = append(s.components, f.Code)
		}
	}

	if s.calculated == "" {
		return nil, fmt.Errorf("schema %s: no calculated field", def.TemplateID)
	}

	return s, nil
}

// MustNew is New for definitions known good at compile time.
func MustNew(def *Definition) *Schema {
	s, err := New(def)
	if err != nil {
		panic(err)
	}
	return s
}

// Load reads and validates a schema definition from a JSON file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse schema file %s: %w", path, err)
	}

	return New(&def)
}

// TemplateID returns the template identifier, e.g. "C 01.00".
func (s *Schema) TemplateID() string {
	return s.templateID
}

// RequiredFields returns the codes that must be present in a populated
// template, in definition order.
func (s *Schema) RequiredFields() []string {
	return append([]string(nil), s.required...)
}

// ComponentFields returns the codes summed as positive contributions
// to the calculated total, in definition order.
func (s *Schema) ComponentFields() []string {
	return append([]string(nil), s.components...)
}

// DeductionFields returns the codes subtracted from the total,
// in definition order.
func (s *Schema) DeductionFields() []string {
	return append([]string(nil), s.deductions...)
}

// CalculatedField returns the single code whose value must equal
// sum(components) - sum(deductions).
func (s *Schema) CalculatedField() string {
	return s.calculated
}

// Fields returns all field definitions in definition order.
func (s *Schema) Fields() []FieldDefinition {
	out := make([]FieldDefinition, 0, len(s.order))
	for _, code := range s.order {
		out = append(out, s.fields[code])
	}
	return out
}

// FieldByCode returns the definition for a code.
func (s *Schema) FieldByCode(code string) (FieldDefinition, bool) {
	f, ok := s.fields[code]
	return f, ok
}

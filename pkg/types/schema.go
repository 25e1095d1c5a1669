// Package types provides the core data model for Stratum: schemas,
// columnar record batches, and data file identifiers.
package types

import (
	"fmt"
	"strings"
)

// FieldType is the primitive type of a schema field.
type FieldType string

const (
	TypeInt32   FieldType = "int32"
	TypeInt64   FieldType = "int64"
	TypeFloat64 FieldType = "float64"
	TypeBool    FieldType = "bool"
	TypeString  FieldType = "string"
	TypeBytes   FieldType = "bytes"
)

// validFieldTypes is the set of types a schema field may declare.
var validFieldTypes = map[FieldType]bool{
	TypeInt32:   true,
	TypeInt64:   true,
	TypeFloat64: true,
	TypeBool:    true,
	TypeString:  true,
	TypeBytes:   true,
}

// Field defines a single field in a schema.
type Field struct {
	// Name is the field name, unique within the schema
	Name string `json:"name" yaml:"name"`

	// Type is the primitive type of the field
	Type FieldType `json:"type" yaml:"type"`

	// Nullable indicates whether the field may contain NULL values
	Nullable bool `json:"nullable" yaml:"nullable"`
}

// Schema is the ordered, immutable description of a database's fields.
// It is fixed at database creation; every batch must match it exactly.
type Schema struct {
	// Version tracks the schema format for forward compatibility
	Version int `json:"version" yaml:"version"`

	// Fields defines the fields in declaration order
	Fields []Field `json:"fields" yaml:"fields"`
}

// Validate checks that the schema definition itself is well formed.
func (s Schema) Validate() error {
	if s.Version < 1 {
		return fmt.Errorf("schema version must be >= 1, got %d", s.Version)
	}

	if len(s.Fields) == 0 {
		return fmt.Errorf("schema must have at least one field")
	}

	names := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("field name cannot be empty")
		}
		if names[f.Name] {
			return fmt.Errorf("duplicate field name: %s", f.Name)
		}
		names[f.Name] = true

		if !validFieldTypes[f.Type] {
			return fmt.Errorf("invalid field type %q for field %q", f.Type, f.Name)
		}
	}

	return nil
}

// Equal reports whether two schemas match field-by-field: same order,
// names, types, and nullability.
func (s Schema) Equal(other Schema) bool {
	if len(s.Fields) != len(other.Fields) {
		return false
	}
	for i, f := range s.Fields {
		o := other.Fields[i]
		if f.Name != o.Name || f.Type != o.Type || f.Nullable != o.Nullable {
			return false
		}
	}
	return true
}

// FieldIndex returns the position of the named field, or -1.
func (s Schema) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// String returns a compact human-readable rendering of the schema.
func (s Schema) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	for i, f := range s.Fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		sb.WriteString(string(f.Type))
		if f.Nullable {
			sb.WriteString("?")
		}
	}
	sb.WriteString("}")
	return sb.String()
}

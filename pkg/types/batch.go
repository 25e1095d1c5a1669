package types

import (
	"fmt"
)

// Column holds one field's values for every row in a batch.
// Element types follow the field type: int32, int64, float64, bool,
// string, or []byte. A nil element is a NULL.
type Column struct {
	Field  Field
	Values []interface{}
}

// RecordBatch is a transient columnar chunk of rows. It exists only
// while being written or read; durable storage is always a DataFile.
type RecordBatch struct {
	Schema  Schema
	Columns []Column
}

// NewRecordBatch creates an empty batch shaped by the given schema.
func NewRecordBatch(schema Schema) *RecordBatch {
	cols := make([]Column, len(schema.Fields))
	for i, f := range schema.Fields {
		cols[i] = Column{Field: f}
	}
	return &RecordBatch{Schema: schema, Columns: cols}
}

// NumRows returns the row count of the batch.
func (b *RecordBatch) NumRows() int {
	if len(b.Columns) == 0 {
		return 0
	}
	return len(b.Columns[0].Values)
}

// AppendRow appends one row given values in schema field order.
func (b *RecordBatch) AppendRow(values ...interface{}) error {
	if len(values) != len(b.Columns) {
		return fmt.Errorf("expected %d values, got %d", len(b.Columns), len(values))
	}
	for i, v := range values {
		if err := checkValue(b.Columns[i].Field, v); err != nil {
			return err
		}
	}
	for i, v := range values {
		b.Columns[i].Values = append(b.Columns[i].Values, v)
	}
	return nil
}

// Row materializes row i as a slice of values in field order.
func (b *RecordBatch) Row(i int) []interface{} {
	row := make([]interface{}, len(b.Columns))
	for c := range b.Columns {
		row[c] = b.Columns[c].Values[i]
	}
	return row
}

// Validate checks internal consistency: every column's length equals
// the batch row count and every value matches its field type.
func (b *RecordBatch) Validate() error {
	if len(b.Columns) != len(b.Schema.Fields) {
		return fmt.Errorf("batch has %d columns, schema declares %d fields",
			len(b.Columns), len(b.Schema.Fields))
	}

	rows := b.NumRows()
	for i, col := range b.Columns {
		if col.Field != b.Schema.Fields[i] {
			return fmt.Errorf("column %d field %q does not match schema field %q",
				i, col.Field.Name, b.Schema.Fields[i].Name)
		}
		if len(col.Values) != rows {
			return fmt.Errorf("column %q has %d values, batch has %d rows",
				col.Field.Name, len(col.Values), rows)
		}
		for r, v := range col.Values {
			if err := checkValue(col.Field, v); err != nil {
				return fmt.Errorf("row %d: %w", r, err)
			}
		}
	}

	return nil
}

// checkValue verifies a single value against a field's type and nullability.
func checkValue(f Field, v interface{}) error {
	if v == nil {
		if !f.Nullable {
			return fmt.Errorf("field %q: NULL value in non-nullable field", f.Name)
		}
		return nil
	}

	ok := false
	switch f.Type {
	case TypeInt32:
		_, ok = v.(int32)
	case TypeInt64:
		_, ok = v.(int64)
	case TypeFloat64:
		_, ok = v.(float64)
	case TypeBool:
		_, ok = v.(bool)
	case TypeString:
		_, ok = v.(string)
	case TypeBytes:
		_, ok = v.([]byte)
	}
	if !ok {
		return fmt.Errorf("field %q: value %v (%T) does not match type %s",
			f.Name, v, v, f.Type)
	}
	return nil
}

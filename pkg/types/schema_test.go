package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testSchema() Schema {
	return Schema{
		Version: 1,
		Fields: []Field{
			{Name: "id", Type: TypeInt64},
			{Name: "name", Type: TypeString, Nullable: true},
			{Name: "score", Type: TypeFloat64},
		},
	}
}

func TestSchema_Validate(t *testing.T) {
	assert.NoError(t, testSchema().Validate())
}

func TestSchema_ValidateRejectsBadVersion(t *testing.T) {
	s := testSchema()
	s.Version = 0
	assert.Error(t, s.Validate())
}

func TestSchema_ValidateRejectsEmptyFields(t *testing.T) {
	s := Schema{Version: 1}
	assert.Error(t, s.Validate())
}

func TestSchema_ValidateRejectsDuplicateNames(t *testing.T) {
	s := Schema{
		Version: 1,
		Fields: []Field{
			{Name: "id", Type: TypeInt64},
			{Name: "id", Type: TypeString},
		},
	}
	assert.Error(t, s.Validate())
}

func TestSchema_ValidateRejectsUnknownType(t *testing.T) {
	s := Schema{
		Version: 1,
		Fields:  []Field{{Name: "id", Type: FieldType("decimal")}},
	}
	assert.Error(t, s.Validate())
}

func TestSchema_Equal(t *testing.T) {
	a := testSchema()
	b := testSchema()
	assert.True(t, a.Equal(b))

	b.Fields[1].Nullable = false
	assert.False(t, a.Equal(b))

	c := testSchema()
	c.Fields = c.Fields[:2]
	assert.False(t, a.Equal(c))
}

func TestSchema_FieldIndex(t *testing.T) {
	s := testSchema()
	assert.Equal(t, 1, s.FieldIndex("name"))
	assert.Equal(t, -1, s.FieldIndex("missing"))
}

func TestSchema_String(t *testing.T) {
	assert.Equal(t, "{id: int64, name: string?, score: float64}", testSchema().String())
}

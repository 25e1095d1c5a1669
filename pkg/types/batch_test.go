package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordBatch_AppendRow(t *testing.T) {
	batch := NewRecordBatch(testSchema())

	assert.NoError(t, batch.AppendRow(int64(1), "alice", 9.5))
	assert.NoError(t, batch.AppendRow(int64(2), nil, 7.25))
	assert.Equal(t, 2, batch.NumRows())

	assert.Equal(t, []interface{}{int64(1), "alice", 9.5}, batch.Row(0))
	assert.Equal(t, []interface{}{int64(2), nil, 7.25}, batch.Row(1))
}

func TestRecordBatch_AppendRowWrongArity(t *testing.T) {
	batch := NewRecordBatch(testSchema())
	assert.Error(t, batch.AppendRow(int64(1), "alice"))
}

func TestRecordBatch_AppendRowWrongType(t *testing.T) {
	batch := NewRecordBatch(testSchema())
	err := batch.AppendRow("not-an-int", "alice", 9.5)
	assert.Error(t, err)
	assert.Equal(t, 0, batch.NumRows())
}

func TestRecordBatch_NullInNonNullableField(t *testing.T) {
	batch := NewRecordBatch(testSchema())
	err := batch.AppendRow(nil, "alice", 9.5)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "non-nullable")
}

func TestRecordBatch_Validate(t *testing.T) {
	batch := NewRecordBatch(testSchema())
	assert.NoError(t, batch.AppendRow(int64(1), "alice", 9.5))
	assert.NoError(t, batch.Validate())

	// Uneven column lengths are inconsistent.
	batch.Columns[0].Values = append(batch.Columns[0].Values, int64(2))
	assert.Error(t, batch.Validate())
}

func TestRecordBatch_ValidateFieldMismatch(t *testing.T) {
	batch := NewRecordBatch(testSchema())
	assert.NoError(t, batch.AppendRow(int64(1), "alice", 9.5))

	batch.Columns[0].Field.Name = "renamed"
	assert.Error(t, batch.Validate())
}

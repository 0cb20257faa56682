package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(nil, nil, UpsertConfig{
		Table:        "artifacts",
		Columns:      []string{"entity_type", "version", "document_id"},
		ConflictKeys: []string{"entity_type", "version", "document_id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(nil, nil, UpsertConfig{
		Table:        "artifacts",
		ConflictKeys: []string{"document_id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(nil, nil, UpsertConfig{
		Table:   "artifacts",
		Columns: []string{"document_id", "payload"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestSanitizeTable(t *testing.T) {
	assert.Equal(t, `"artifacts"`, sanitizeTable("artifacts"))
	assert.Equal(t, `"disclosures"."artifacts"`, sanitizeTable("disclosures.artifacts"))
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"entity_type", "version"`, quoteAndJoin([]string{"entity_type", "version"}))
}

package rawstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCorpus(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestFSFingerprint_StableUntilContentChanges(t *testing.T) {
	root := t.TempDir()
	writeCorpus(t, root, map[string]string{
		"house_fd/2024/index.json": `[{"document_id": "a.json", "filing_year": 2024}]`,
		"house_fd/2024/a.json":     `{"filer": "V000133"}`,
	})
	st := NewFSStore(root)
	ctx := context.Background()

	fp1, err := st.Fingerprint(ctx, "house_fd", "2024")
	require.NoError(t, err)
	fp2, err := st.Fingerprint(ctx, "house_fd", "2024")
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	writeCorpus(t, root, map[string]string{"house_fd/2024/a.json": `{"filer": "P000197"}`})
	fp3, err := st.Fingerprint(ctx, "house_fd", "2024")
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}

func TestFSFingerprint_MissingPartition(t *testing.T) {
	st := NewFSStore(t.TempDir())
	_, err := st.Fingerprint(context.Background(), "house_fd", "2031")
	assert.ErrorIs(t, err, ErrPartitionNotAvailable)
}

func TestFSListAndGet(t *testing.T) {
	root := t.TempDir()
	writeCorpus(t, root, map[string]string{
		"house_fd/2024/index.json": `[
			{"document_id": "a.json", "filing_year": 2024},
			{"document_id": "b.json", "filing_year": 2023}
		]`,
		"house_fd/2024/a.json": `{"filer": "V000133"}`,
		"house_fd/2024/b.json": `{"filer": "P000197"}`,
	})
	st := NewFSStore(root)
	ctx := context.Background()

	refs, err := st.ListDocuments(ctx, "house_fd", "2024")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, 2023, refs[1].FilingYear)

	body, err := st.GetDocument(ctx, ref("house_fd", "2024", "a.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"filer": "V000133"}`, string(body))

	_, err = st.GetDocument(ctx, ref("house_fd", "2024", "missing.json"))
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = st.ListDocuments(ctx, "house_fd", "1999")
	assert.ErrorIs(t, err, ErrPartitionNotAvailable)
}

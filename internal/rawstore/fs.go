package rawstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
)

// FSStore reads a raw capture area laid out on local disk:
//
//	{root}/{source_id}/{partition_key}/index.json
//	{root}/{source_id}/{partition_key}/{document_id}
//
// Unlike the HTTP backend it fingerprints actual content: the marker is
// a SHA-256 over every document's name and bytes, so it changes exactly
// when the partition's content changes.
type FSStore struct {
	root string
}

// NewFSStore creates an FSStore rooted at dir.
func NewFSStore(dir string) *FSStore {
	return &FSStore{root: dir}
}

func (s *FSStore) partitionDir(sourceID, partitionKey string) string {
	return filepath.Join(s.root, sourceID, partitionKey)
}

func (s *FSStore) Fingerprint(ctx context.Context, sourceID, partitionKey string) (string, error) {
	dir := s.partitionDir(sourceID, partitionKey)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", ErrPartitionNotAvailable
	}
	if err != nil {
		return "", eris.Wrapf(err, "rawstore: read partition dir %s", dir)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return "", eris.Wrapf(err, "rawstore: open %s", name)
		}
		fmt.Fprintf(h, "%s\x00", name)
		_, cpErr := io.Copy(h, f)
		f.Close() //nolint:errcheck
		if cpErr != nil {
			return "", eris.Wrapf(cpErr, "rawstore: hash %s", name)
		}
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func (s *FSStore) ListDocuments(ctx context.Context, sourceID, partitionKey string) ([]model.DocumentRef, error) {
	path := filepath.Join(s.partitionDir(sourceID, partitionKey), "index.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrPartitionNotAvailable
	}
	if err != nil {
		return nil, eris.Wrapf(err, "rawstore: read manifest %s", path)
	}

	var entries []indexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, eris.Wrapf(err, "rawstore: decode manifest %s", path)
	}

	refs := make([]model.DocumentRef, 0, len(entries))
	for _, e := range entries {
		refs = append(refs, model.DocumentRef{
			SourceID:     sourceID,
			PartitionKey: partitionKey,
			DocumentID:   e.DocumentID,
			FilingYear:   e.FilingYear,
		})
	}
	return refs, nil
}

func (s *FSStore) GetDocument(ctx context.Context, ref model.DocumentRef) ([]byte, error) {
	path := filepath.Join(s.partitionDir(ref.SourceID, ref.PartitionKey), ref.DocumentID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "rawstore: read document %s", path)
	}
	return data, nil
}

// Package rawstore reads the immutable raw capture area: the original
// filing documents as they were downloaded, organized by source and
// partition. The pipeline never writes here; extractions are derived
// views stored elsewhere.
package rawstore

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/config"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
)

// ErrPartitionNotAvailable is returned when a source has not published
// the requested partition yet. Change detection treats this as "check
// again later", not as a failure.
var ErrPartitionNotAvailable = eris.New("rawstore: partition not yet available")

// ErrDocumentNotFound is returned when a listed document cannot be read.
var ErrDocumentNotFound = eris.New("rawstore: document not found")

// Store is a read-only client for the raw capture area.
//
// Fingerprint returns an opaque marker for the current content of one
// source partition. Two calls returning the same marker mean the
// partition has not changed; any difference means it may have. The HTTP
// backend derives the marker from transport metadata, which is an
// approximation: a source that rewrites metadata without changing bytes
// causes a spurious re-ingest, which is safe because ingestion is
// idempotent.
type Store interface {
	Fingerprint(ctx context.Context, sourceID, partitionKey string) (string, error)
	ListDocuments(ctx context.Context, sourceID, partitionKey string) ([]model.DocumentRef, error)
	GetDocument(ctx context.Context, ref model.DocumentRef) ([]byte, error)
}

// New creates a Store for the configured backend.
func New(cfg config.RawConfig) (Store, error) {
	switch cfg.Backend {
	case "http":
		return NewHTTPStore(cfg), nil
	case "ftp":
		return NewFTPStore(cfg)
	case "fs":
		return NewFSStore(cfg.RootDir), nil
	default:
		return nil, eris.Errorf("rawstore: unknown backend %q", cfg.Backend)
	}
}

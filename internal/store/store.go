// Package store persists the pipeline's correctness state: watermarks,
// extraction versions, versioned artifacts, dimension history, and
// reprocessing jobs. Two backends exist: Postgres for deployments and
// SQLite for local corpora and tests.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/config"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrConflict is returned when a conditional write's guard did not match,
// meaning another writer got there first. Callers re-read and retry.
var ErrConflict = eris.New("store: conditional write conflict")

// ArtifactPage is one page of a restartable artifact listing. NextToken
// is empty on the final page; passing it back resumes after the last
// document returned.
type ArtifactPage struct {
	Artifacts []model.VersionedArtifact
	NextToken string
}

// WatermarkStore persists source-partition markers.
type WatermarkStore interface {
	GetWatermark(ctx context.Context, sourceID, partitionKey string) (*model.WatermarkRecord, error)
	CommitWatermark(ctx context.Context, rec model.WatermarkRecord) error
	ListWatermarks(ctx context.Context, sourceID string) ([]model.WatermarkRecord, error)
}

// VersionStore persists extraction algorithm versions. SwapProduction is
// the single conditional update guarding the production pointer: when
// expectedCurrent is non-empty it must still be the production version or
// the swap fails with ErrConflict, so two concurrent promotions cannot
// both succeed.
type VersionStore interface {
	InsertVersion(ctx context.Context, v model.ExtractionVersion) error
	GetVersion(ctx context.Context, entityType, version string) (*model.ExtractionVersion, error)
	GetProductionVersion(ctx context.Context, entityType string) (*model.ExtractionVersion, error)
	ListVersions(ctx context.Context, entityType string) ([]model.ExtractionVersion, error)
	SwapProduction(ctx context.Context, entityType, toVersion, expectedCurrent string, rollback bool) error
	UpdateVersionMetrics(ctx context.Context, entityType, version string, metrics map[string]float64, sampleSize int) error
}

// ArtifactStore persists extraction outputs keyed by
// (entity type, version, document id). Puts are idempotent upserts.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, a model.VersionedArtifact) error
	PutArtifacts(ctx context.Context, batch []model.VersionedArtifact) error
	GetArtifact(ctx context.Context, key model.ArtifactKey) (*model.VersionedArtifact, error)
	ListArtifacts(ctx context.Context, entityType, version, afterToken string, limit int) (*ArtifactPage, error)
	CountArtifacts(ctx context.Context, entityType, version string) (int, error)
}

// DimensionStore persists SCD2 history. CloseAndInsert is atomic: the
// current row is closed and the successor inserted in one transaction,
// guarded by the expected current version.
type DimensionStore interface {
	GetCurrentDimension(ctx context.Context, entityType, naturalKey string) (*model.DimensionRecord, error)
	ListDimensionHistory(ctx context.Context, entityType, naturalKey string) ([]model.DimensionRecord, error)
	ResolveDimension(ctx context.Context, entityType, naturalKey string, asOf time.Time) (*model.DimensionRecord, error)
	InsertDimension(ctx context.Context, rec model.DimensionRecord) error
	CloseAndInsertDimension(ctx context.Context, closeSurrogate string, expectedVersion int, effectiveTo time.Time, next model.DimensionRecord) error
	TouchDimension(ctx context.Context, surrogateKey string, at time.Time) error

	// Invariant scans for the quality gate: natural keys violating the
	// one-current rule, and natural keys whose consecutive versions gap,
	// overlap, or invert.
	CurrentCountViolations(ctx context.Context, entityType string) ([]string, error)
	IntervalViolations(ctx context.Context, entityType string) ([]string, error)
}

// JobStore persists reprocessing jobs and their failed documents.
type JobStore interface {
	CreateJob(ctx context.Context, job model.ReprocessingJob) error
	UpdateJob(ctx context.Context, job model.ReprocessingJob) error
	GetJob(ctx context.Context, jobID string) (*model.ReprocessingJob, error)
	ListJobs(ctx context.Context, entityType string, limit int) ([]model.ReprocessingJob, error)
	AddFailedDocument(ctx context.Context, fd model.FailedDocument) error
	ListFailedDocuments(ctx context.Context, jobID string) ([]model.FailedDocument, error)
}

// Store is the full persistence surface.
type Store interface {
	WatermarkStore
	VersionStore
	ArtifactStore
	DimensionStore
	JobStore

	Migrate(ctx context.Context) error
	Close() error
}

// New creates a Store for the configured driver.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	case "sqlite":
		return NewSQLite(cfg.SQLitePath)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS watermarks (
	source_id     TEXT NOT NULL,
	partition_key TEXT NOT NULL,
	marker        TEXT NOT NULL,
	checked_at    DATETIME NOT NULL,
	PRIMARY KEY (source_id, partition_key)
);

CREATE TABLE IF NOT EXISTS extraction_versions (
	entity_type     TEXT NOT NULL,
	version         TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'experimental',
	quality_metrics TEXT,
	sample_size     INTEGER NOT NULL DEFAULT 0,
	changelog       TEXT,
	was_production  INTEGER NOT NULL DEFAULT 0,
	last_promotion  TEXT,
	promoted_at     DATETIME,
	created_at      DATETIME NOT NULL,
	PRIMARY KEY (entity_type, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_one_production
	ON extraction_versions(entity_type) WHERE status = 'production';

CREATE TABLE IF NOT EXISTS artifacts (
	entity_type      TEXT NOT NULL,
	version          TEXT NOT NULL,
	document_id      TEXT NOT NULL,
	payload          TEXT NOT NULL,
	field_confidence TEXT,
	confidence       REAL NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	PRIMARY KEY (entity_type, version, document_id)
);

CREATE TABLE IF NOT EXISTS dimension_history (
	surrogate_key  TEXT PRIMARY KEY,
	entity_type    TEXT NOT NULL,
	natural_key    TEXT NOT NULL,
	attributes     TEXT NOT NULL,
	effective_from DATETIME NOT NULL,
	effective_to   DATETIME,
	is_current     INTEGER NOT NULL DEFAULT 0,
	version        INTEGER NOT NULL,
	updated_at     DATETIME NOT NULL,
	UNIQUE (entity_type, natural_key, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_dimension_one_current
	ON dimension_history(entity_type, natural_key) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS idx_dimension_effective
	ON dimension_history(entity_type, natural_key, effective_from);

CREATE TABLE IF NOT EXISTS reprocessing_jobs (
	job_id           TEXT PRIMARY KEY,
	entity_type      TEXT NOT NULL,
	from_year        INTEGER NOT NULL,
	to_year          INTEGER NOT NULL,
	target_version   TEXT NOT NULL,
	baseline_version TEXT,
	status           TEXT NOT NULL DEFAULT 'queued',
	succeeded        INTEGER NOT NULL DEFAULT 0,
	failed           INTEGER NOT NULL DEFAULT 0,
	report_ref       TEXT,
	started_at       DATETIME NOT NULL,
	completed_at     DATETIME,
	error            TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_entity ON reprocessing_jobs(entity_type, started_at);

CREATE TABLE IF NOT EXISTS failed_documents (
	job_id      TEXT NOT NULL REFERENCES reprocessing_jobs(job_id),
	document_id TEXT NOT NULL,
	error       TEXT NOT NULL,
	error_type  TEXT NOT NULL,
	failed_at   DATETIME NOT NULL,
	PRIMARY KEY (job_id, document_id)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Watermarks ---

func (s *SQLiteStore) GetWatermark(ctx context.Context, sourceID, partitionKey string) (*model.WatermarkRecord, error) {
	var rec model.WatermarkRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT source_id, partition_key, marker, checked_at FROM watermarks
		 WHERE source_id = ? AND partition_key = ?`,
		sourceID, partitionKey,
	).Scan(&rec.SourceID, &rec.PartitionKey, &rec.Marker, &rec.CheckedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get watermark %s/%s", sourceID, partitionKey)
	}
	return &rec, nil
}

func (s *SQLiteStore) CommitWatermark(ctx context.Context, rec model.WatermarkRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watermarks (source_id, partition_key, marker, checked_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (source_id, partition_key)
		 DO UPDATE SET marker = excluded.marker, checked_at = excluded.checked_at`,
		rec.SourceID, rec.PartitionKey, rec.Marker, rec.CheckedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: commit watermark %s/%s", rec.SourceID, rec.PartitionKey)
}

func (s *SQLiteStore) ListWatermarks(ctx context.Context, sourceID string) ([]model.WatermarkRecord, error) {
	q := sq.Select("source_id", "partition_key", "marker", "checked_at").
		From("watermarks").
		OrderBy("source_id", "partition_key")
	if sourceID != "" {
		q = q.Where(sq.Eq{"source_id": sourceID})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build watermark query")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list watermarks")
	}
	defer rows.Close()

	var out []model.WatermarkRecord
	for rows.Next() {
		var rec model.WatermarkRecord
		if err := rows.Scan(&rec.SourceID, &rec.PartitionKey, &rec.Marker, &rec.CheckedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan watermark")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Extraction versions ---

func (s *SQLiteStore) InsertVersion(ctx context.Context, v model.ExtractionVersion) error {
	metrics, err := marshalMetrics(v.QualityMetrics)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO extraction_versions
		 (entity_type, version, status, quality_metrics, sample_size, changelog, was_production, last_promotion, promoted_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.EntityType, v.Version, string(v.Status), metrics, v.SampleSize, v.Changelog,
		boolToInt(v.WasProduction), nullString(v.LastPromotion), nullTime(v.PromotedAt), v.CreatedAt.UTC(),
	)
	if isSQLiteUniqueViolation(err) {
		return ErrConflict
	}
	return eris.Wrapf(err, "sqlite: insert version %s/%s", v.EntityType, v.Version)
}

func (s *SQLiteStore) GetVersion(ctx context.Context, entityType, version string) (*model.ExtractionVersion, error) {
	return s.scanVersion(s.db.QueryRowContext(ctx,
		`SELECT entity_type, version, status, quality_metrics, sample_size, changelog, was_production, last_promotion, promoted_at, created_at
		 FROM extraction_versions WHERE entity_type = ? AND version = ?`,
		entityType, version,
	))
}

func (s *SQLiteStore) GetProductionVersion(ctx context.Context, entityType string) (*model.ExtractionVersion, error) {
	return s.scanVersion(s.db.QueryRowContext(ctx,
		`SELECT entity_type, version, status, quality_metrics, sample_size, changelog, was_production, last_promotion, promoted_at, created_at
		 FROM extraction_versions WHERE entity_type = ? AND status = 'production'`,
		entityType,
	))
}

func (s *SQLiteStore) scanVersion(row *sql.Row) (*model.ExtractionVersion, error) {
	var (
		v          model.ExtractionVersion
		status     string
		metrics    sql.NullString
		changelog  sql.NullString
		wasProd    int
		promoKind  sql.NullString
		promotedAt sql.NullTime
	)
	err := row.Scan(&v.EntityType, &v.Version, &status, &metrics, &v.SampleSize, &changelog, &wasProd, &promoKind, &promotedAt, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan version")
	}
	v.Status = model.VersionStatus(status)
	v.Changelog = changelog.String
	v.WasProduction = wasProd != 0
	v.LastPromotion = promoKind.String
	if promotedAt.Valid {
		t := promotedAt.Time
		v.PromotedAt = &t
	}
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &v.QualityMetrics); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal quality metrics")
		}
	}
	return &v, nil
}

func (s *SQLiteStore) ListVersions(ctx context.Context, entityType string) ([]model.ExtractionVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, version, status, quality_metrics, sample_size, changelog, was_production, last_promotion, promoted_at, created_at
		 FROM extraction_versions WHERE entity_type = ? ORDER BY created_at`,
		entityType,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list versions for %s", entityType)
	}
	defer rows.Close()

	var out []model.ExtractionVersion
	for rows.Next() {
		var (
			v          model.ExtractionVersion
			status     string
			metrics    sql.NullString
			changelog  sql.NullString
			wasProd    int
			promoKind  sql.NullString
			promotedAt sql.NullTime
		)
		if err := rows.Scan(&v.EntityType, &v.Version, &status, &metrics, &v.SampleSize, &changelog, &wasProd, &promoKind, &promotedAt, &v.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan version row")
		}
		v.Status = model.VersionStatus(status)
		v.Changelog = changelog.String
		v.WasProduction = wasProd != 0
		v.LastPromotion = promoKind.String
		if promotedAt.Valid {
			t := promotedAt.Time
			v.PromotedAt = &t
		}
		if metrics.Valid && metrics.String != "" {
			if err := json.Unmarshal([]byte(metrics.String), &v.QualityMetrics); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal quality metrics")
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SwapProduction(ctx context.Context, entityType, toVersion, expectedCurrent string, rollback bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin swap")
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if expectedCurrent != "" {
		res, err := tx.ExecContext(ctx,
			`UPDATE extraction_versions SET status = 'retired'
			 WHERE entity_type = ? AND version = ? AND status = 'production'`,
			entityType, expectedCurrent,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: retire current production")
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrConflict
		}
	} else {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM extraction_versions WHERE entity_type = ? AND status = 'production'`,
			entityType,
		).Scan(&count); err != nil {
			return eris.Wrap(err, "sqlite: count production")
		}
		if count != 0 {
			return ErrConflict
		}
	}

	kind := "promote"
	if rollback {
		kind = "rollback"
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE extraction_versions
		 SET status = 'production', was_production = 1, last_promotion = ?, promoted_at = ?
		 WHERE entity_type = ? AND version = ? AND status <> 'production'`,
		kind, now, entityType, toVersion,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: promote %s/%s", entityType, toVersion)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrConflict
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit swap")
}

func (s *SQLiteStore) UpdateVersionMetrics(ctx context.Context, entityType, version string, metrics map[string]float64, sampleSize int) error {
	payload, err := marshalMetrics(metrics)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE extraction_versions SET quality_metrics = ?, sample_size = ?
		 WHERE entity_type = ? AND version = ?`,
		payload, sampleSize, entityType, version,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update metrics %s/%s", entityType, version)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Artifacts ---

func (s *SQLiteStore) PutArtifact(ctx context.Context, a model.VersionedArtifact) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal artifact payload")
	}
	fieldConf, err := marshalMetrics(a.FieldConfidence)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (entity_type, version, document_id, payload, field_confidence, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_type, version, document_id)
		 DO UPDATE SET payload = excluded.payload,
		               field_confidence = excluded.field_confidence,
		               confidence = excluded.confidence`,
		a.Key.EntityType, a.Key.Version, a.Key.DocumentID, string(payload), fieldConf, a.Confidence, a.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: put artifact %s/%s/%s", a.Key.EntityType, a.Key.Version, a.Key.DocumentID)
}

func (s *SQLiteStore) PutArtifacts(ctx context.Context, batch []model.VersionedArtifact) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin artifact batch")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO artifacts (entity_type, version, document_id, payload, field_confidence, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_type, version, document_id)
		 DO UPDATE SET payload = excluded.payload,
		               field_confidence = excluded.field_confidence,
		               confidence = excluded.confidence`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare artifact batch")
	}
	defer stmt.Close()

	for _, a := range batch {
		payload, err := json.Marshal(a.Payload)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal artifact payload")
		}
		fieldConf, err := marshalMetrics(a.FieldConfidence)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			a.Key.EntityType, a.Key.Version, a.Key.DocumentID, string(payload), fieldConf, a.Confidence, a.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: batch put artifact %s", a.Key.DocumentID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit artifact batch")
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, key model.ArtifactKey) (*model.VersionedArtifact, error) {
	var (
		a         model.VersionedArtifact
		payload   string
		fieldConf sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_type, version, document_id, payload, field_confidence, confidence, created_at
		 FROM artifacts WHERE entity_type = ? AND version = ? AND document_id = ?`,
		key.EntityType, key.Version, key.DocumentID,
	).Scan(&a.Key.EntityType, &a.Key.Version, &a.Key.DocumentID, &payload, &fieldConf, &a.Confidence, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get artifact %s/%s/%s", key.EntityType, key.Version, key.DocumentID)
	}
	if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal artifact payload")
	}
	if fieldConf.Valid && fieldConf.String != "" {
		if err := json.Unmarshal([]byte(fieldConf.String), &a.FieldConfidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal field confidence")
		}
	}
	return &a, nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, entityType, version, afterToken string, limit int) (*ArtifactPage, error) {
	if limit <= 0 {
		limit = 100
	}
	q := sq.Select("entity_type", "version", "document_id", "payload", "field_confidence", "confidence", "created_at").
		From("artifacts").
		Where(sq.Eq{"entity_type": entityType, "version": version}).
		OrderBy("document_id").
		Limit(uint64(limit))
	if afterToken != "" {
		q = q.Where(sq.Gt{"document_id": afterToken})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build artifact query")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list artifacts %s/%s", entityType, version)
	}
	defer rows.Close()

	page := &ArtifactPage{}
	for rows.Next() {
		var (
			a         model.VersionedArtifact
			payload   string
			fieldConf sql.NullString
		)
		if err := rows.Scan(&a.Key.EntityType, &a.Key.Version, &a.Key.DocumentID, &payload, &fieldConf, &a.Confidence, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan artifact row")
		}
		if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal artifact payload")
		}
		if fieldConf.Valid && fieldConf.String != "" {
			if err := json.Unmarshal([]byte(fieldConf.String), &a.FieldConfidence); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal field confidence")
			}
		}
		page.Artifacts = append(page.Artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: artifact rows")
	}
	if len(page.Artifacts) == limit {
		page.NextToken = page.Artifacts[len(page.Artifacts)-1].Key.DocumentID
	}
	return page, nil
}

func (s *SQLiteStore) CountArtifacts(ctx context.Context, entityType, version string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM artifacts WHERE entity_type = ? AND version = ?`,
		entityType, version,
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count artifacts %s/%s", entityType, version)
}

// --- Dimension history ---

const sqliteDimensionCols = `surrogate_key, entity_type, natural_key, attributes, effective_from, effective_to, is_current, version, updated_at`

func (s *SQLiteStore) GetCurrentDimension(ctx context.Context, entityType, naturalKey string) (*model.DimensionRecord, error) {
	return scanSQLiteDimension(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteDimensionCols+` FROM dimension_history
		 WHERE entity_type = ? AND natural_key = ? AND is_current = 1`,
		entityType, naturalKey,
	))
}

func (s *SQLiteStore) ListDimensionHistory(ctx context.Context, entityType, naturalKey string) ([]model.DimensionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteDimensionCols+` FROM dimension_history
		 WHERE entity_type = ? AND natural_key = ? ORDER BY version`,
		entityType, naturalKey,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list history %s/%s", entityType, naturalKey)
	}
	defer rows.Close()

	var out []model.DimensionRecord
	for rows.Next() {
		rec, err := scanSQLiteDimensionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ResolveDimension(ctx context.Context, entityType, naturalKey string, asOf time.Time) (*model.DimensionRecord, error) {
	return scanSQLiteDimension(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteDimensionCols+` FROM dimension_history
		 WHERE entity_type = ? AND natural_key = ?
		   AND effective_from <= ?
		   AND (effective_to IS NULL OR effective_to > ?)`,
		entityType, naturalKey, asOf.UTC(), asOf.UTC(),
	))
}

func (s *SQLiteStore) InsertDimension(ctx context.Context, rec model.DimensionRecord) error {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attributes")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dimension_history (`+sqliteDimensionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SurrogateKey, rec.EntityType, rec.NaturalKey, string(attrs),
		rec.EffectiveFrom.UTC(), nullTime(rec.EffectiveTo), boolToInt(rec.IsCurrent), rec.Version, rec.UpdatedAt.UTC(),
	)
	if isSQLiteUniqueViolation(err) {
		return ErrConflict
	}
	return eris.Wrapf(err, "sqlite: insert dimension %s/%s v%d", rec.EntityType, rec.NaturalKey, rec.Version)
}

func (s *SQLiteStore) CloseAndInsertDimension(ctx context.Context, closeSurrogate string, expectedVersion int, effectiveTo time.Time, next model.DimensionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin close-and-insert")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE dimension_history SET effective_to = ?, is_current = 0, updated_at = ?
		 WHERE surrogate_key = ? AND is_current = 1 AND version = ?`,
		effectiveTo.UTC(), next.UpdatedAt.UTC(), closeSurrogate, expectedVersion,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: close dimension %s", closeSurrogate)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrConflict
	}

	attrs, err := json.Marshal(next.Attributes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attributes")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dimension_history (`+sqliteDimensionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		next.SurrogateKey, next.EntityType, next.NaturalKey, string(attrs),
		next.EffectiveFrom.UTC(), nullTime(next.EffectiveTo), boolToInt(next.IsCurrent), next.Version, next.UpdatedAt.UTC(),
	); err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrConflict
		}
		return eris.Wrapf(err, "sqlite: insert successor %s/%s v%d", next.EntityType, next.NaturalKey, next.Version)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit close-and-insert")
}

func (s *SQLiteStore) TouchDimension(ctx context.Context, surrogateKey string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dimension_history SET updated_at = ? WHERE surrogate_key = ?`,
		at.UTC(), surrogateKey,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch dimension %s", surrogateKey)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CurrentCountViolations(ctx context.Context, entityType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT natural_key FROM dimension_history
		 WHERE entity_type = ?
		 GROUP BY natural_key
		 HAVING SUM(is_current) <> 1
		 ORDER BY natural_key`,
		entityType,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: current-count scan for %s", entityType)
	}
	defer rows.Close()
	return scanKeys(rows)
}

func (s *SQLiteStore) IntervalViolations(ctx context.Context, entityType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT natural_key FROM (
			SELECT d1.natural_key AS natural_key
			FROM dimension_history d1
			JOIN dimension_history d2
			  ON d2.entity_type = d1.entity_type
			 AND d2.natural_key = d1.natural_key
			 AND d2.version = d1.version + 1
			WHERE d1.entity_type = ?
			  AND (d1.effective_to IS NULL OR d1.effective_to <> d2.effective_from)
			UNION ALL
			SELECT natural_key FROM dimension_history
			WHERE entity_type = ?
			  AND effective_to IS NOT NULL
			  AND effective_from >= effective_to
		 ) ORDER BY natural_key`,
		entityType, entityType,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: interval scan for %s", entityType)
	}
	defer rows.Close()
	return scanKeys(rows)
}

// --- Reprocessing jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job model.ReprocessingJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reprocessing_jobs
		 (job_id, entity_type, from_year, to_year, target_version, baseline_version, status, succeeded, failed, report_ref, started_at, completed_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.EntityType, job.Range.From, job.Range.To, job.TargetVersion,
		nullString(job.BaselineVersion), string(job.Status), job.Succeeded, job.Failed,
		nullString(job.ReportRef), job.StartedAt.UTC(), nullTime(job.CompletedAt), nullString(job.Error),
	)
	return eris.Wrapf(err, "sqlite: create job %s", job.JobID)
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job model.ReprocessingJob) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reprocessing_jobs
		 SET status = ?, succeeded = ?, failed = ?, report_ref = ?, completed_at = ?, error = ?
		 WHERE job_id = ?`,
		string(job.Status), job.Succeeded, job.Failed,
		nullString(job.ReportRef), nullTime(job.CompletedAt), nullString(job.Error), job.JobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.JobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.ReprocessingJob, error) {
	var (
		job         model.ReprocessingJob
		status      string
		baseline    sql.NullString
		reportRef   sql.NullString
		completedAt sql.NullTime
		errMsg      sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, entity_type, from_year, to_year, target_version, baseline_version, status, succeeded, failed, report_ref, started_at, completed_at, error
		 FROM reprocessing_jobs WHERE job_id = ?`,
		jobID,
	).Scan(&job.JobID, &job.EntityType, &job.Range.From, &job.Range.To, &job.TargetVersion,
		&baseline, &status, &job.Succeeded, &job.Failed, &reportRef, &job.StartedAt, &completedAt, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	job.Status = model.JobStatus(status)
	job.BaselineVersion = baseline.String
	job.ReportRef = reportRef.String
	job.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, entityType string, limit int) ([]model.ReprocessingJob, error) {
	if limit <= 0 {
		limit = 50
	}
	q := sq.Select("job_id", "entity_type", "from_year", "to_year", "target_version", "baseline_version",
		"status", "succeeded", "failed", "report_ref", "started_at", "completed_at", "error").
		From("reprocessing_jobs").
		OrderBy("started_at DESC").
		Limit(uint64(limit))
	if entityType != "" {
		q = q.Where(sq.Eq{"entity_type": entityType})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build job query")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var out []model.ReprocessingJob
	for rows.Next() {
		var (
			job         model.ReprocessingJob
			status      string
			baseline    sql.NullString
			reportRef   sql.NullString
			completedAt sql.NullTime
			errMsg      sql.NullString
		)
		if err := rows.Scan(&job.JobID, &job.EntityType, &job.Range.From, &job.Range.To, &job.TargetVersion,
			&baseline, &status, &job.Succeeded, &job.Failed, &reportRef, &job.StartedAt, &completedAt, &errMsg); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job row")
		}
		job.Status = model.JobStatus(status)
		job.BaselineVersion = baseline.String
		job.ReportRef = reportRef.String
		job.Error = errMsg.String
		if completedAt.Valid {
			t := completedAt.Time
			job.CompletedAt = &t
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddFailedDocument(ctx context.Context, fd model.FailedDocument) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_documents (job_id, document_id, error, error_type, failed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, document_id)
		 DO UPDATE SET error = excluded.error, error_type = excluded.error_type, failed_at = excluded.failed_at`,
		fd.JobID, fd.DocumentID, fd.Error, fd.ErrorType, fd.FailedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: add failed document %s/%s", fd.JobID, fd.DocumentID)
}

func (s *SQLiteStore) ListFailedDocuments(ctx context.Context, jobID string) ([]model.FailedDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, document_id, error, error_type, failed_at
		 FROM failed_documents WHERE job_id = ? ORDER BY document_id`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list failed documents %s", jobID)
	}
	defer rows.Close()

	var out []model.FailedDocument
	for rows.Next() {
		var fd model.FailedDocument
		if err := rows.Scan(&fd.JobID, &fd.DocumentID, &fd.Error, &fd.ErrorType, &fd.FailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failed document")
		}
		out = append(out, fd)
	}
	return out, rows.Err()
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDimension(row *sql.Row) (*model.DimensionRecord, error) {
	rec, err := scanDimensionFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanSQLiteDimensionRows(rows *sql.Rows) (*model.DimensionRecord, error) {
	return scanDimensionFrom(rows)
}

func scanDimensionFrom(r rowScanner) (*model.DimensionRecord, error) {
	var (
		rec         model.DimensionRecord
		attrs       string
		effectiveTo sql.NullTime
		isCurrent   int
	)
	err := r.Scan(&rec.SurrogateKey, &rec.EntityType, &rec.NaturalKey, &attrs,
		&rec.EffectiveFrom, &effectiveTo, &isCurrent, &rec.Version, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan dimension")
	}
	if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal attributes")
	}
	if effectiveTo.Valid {
		t := effectiveTo.Time
		rec.EffectiveTo = &t
	}
	rec.IsCurrent = isCurrent != 0
	return &rec, nil
}

func scanKeys(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan natural key")
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func marshalMetrics(m map[string]float64) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, eris.Wrap(err, "store: marshal metrics")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

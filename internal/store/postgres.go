package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/db"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// psql builds queries with $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}

	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

// Migrate applies pending SQL migrations in lexicographic order, guarded
// by an advisory lock against overlapping deploys.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock(7420301)"); err != nil {
		return eris.Wrap(err, "postgres: acquire migration advisory lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock(7420301)"); err != nil {
			log.Warn("failed to release migration advisory lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	applied := make(map[string]bool)
	rows, err := s.pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: query applied migrations")
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: migration rows")
	}

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}
		log.Info("applying migration", zap.String("file", name))
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", name)
		}
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", name)
		}
	}

	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Watermarks ---

func (s *PostgresStore) GetWatermark(ctx context.Context, sourceID, partitionKey string) (*model.WatermarkRecord, error) {
	var rec model.WatermarkRecord
	err := s.pool.QueryRow(ctx,
		`SELECT source_id, partition_key, marker, checked_at FROM watermarks
		 WHERE source_id = $1 AND partition_key = $2`,
		sourceID, partitionKey,
	).Scan(&rec.SourceID, &rec.PartitionKey, &rec.Marker, &rec.CheckedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get watermark %s/%s", sourceID, partitionKey)
	}
	return &rec, nil
}

func (s *PostgresStore) CommitWatermark(ctx context.Context, rec model.WatermarkRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO watermarks (source_id, partition_key, marker, checked_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (source_id, partition_key)
		 DO UPDATE SET marker = EXCLUDED.marker, checked_at = EXCLUDED.checked_at`,
		rec.SourceID, rec.PartitionKey, rec.Marker, rec.CheckedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: commit watermark %s/%s", rec.SourceID, rec.PartitionKey)
}

func (s *PostgresStore) ListWatermarks(ctx context.Context, sourceID string) ([]model.WatermarkRecord, error) {
	q := psql.Select("source_id", "partition_key", "marker", "checked_at").
		From("watermarks").
		OrderBy("source_id", "partition_key")
	if sourceID != "" {
		q = q.Where(sq.Eq{"source_id": sourceID})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build watermark query")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list watermarks")
	}
	defer rows.Close()

	var out []model.WatermarkRecord
	for rows.Next() {
		var rec model.WatermarkRecord
		if err := rows.Scan(&rec.SourceID, &rec.PartitionKey, &rec.Marker, &rec.CheckedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan watermark")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Extraction versions ---

const pgVersionCols = `entity_type, version, status, quality_metrics, sample_size, changelog, was_production, last_promotion, promoted_at, created_at`

func (s *PostgresStore) InsertVersion(ctx context.Context, v model.ExtractionVersion) error {
	metrics, err := metricsJSON(v.QualityMetrics)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO extraction_versions (`+pgVersionCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.EntityType, v.Version, string(v.Status), metrics, v.SampleSize, emptyToNil(v.Changelog),
		v.WasProduction, emptyToNil(v.LastPromotion), v.PromotedAt, v.CreatedAt.UTC(),
	)
	if isPgUniqueViolation(err) {
		return ErrConflict
	}
	return eris.Wrapf(err, "postgres: insert version %s/%s", v.EntityType, v.Version)
}

func (s *PostgresStore) GetVersion(ctx context.Context, entityType, version string) (*model.ExtractionVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgVersionCols+` FROM extraction_versions WHERE entity_type = $1 AND version = $2`,
		entityType, version,
	)
	return scanPgVersion(row)
}

func (s *PostgresStore) GetProductionVersion(ctx context.Context, entityType string) (*model.ExtractionVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgVersionCols+` FROM extraction_versions WHERE entity_type = $1 AND status = 'production'`,
		entityType,
	)
	return scanPgVersion(row)
}

func scanPgVersion(row pgx.Row) (*model.ExtractionVersion, error) {
	var (
		v         model.ExtractionVersion
		status    string
		metrics   []byte
		changelog *string
		promoKind *string
	)
	err := row.Scan(&v.EntityType, &v.Version, &status, &metrics, &v.SampleSize, &changelog,
		&v.WasProduction, &promoKind, &v.PromotedAt, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan version")
	}
	v.Status = model.VersionStatus(status)
	if changelog != nil {
		v.Changelog = *changelog
	}
	if promoKind != nil {
		v.LastPromotion = *promoKind
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &v.QualityMetrics); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal quality metrics")
		}
	}
	return &v, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, entityType string) ([]model.ExtractionVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgVersionCols+` FROM extraction_versions WHERE entity_type = $1 ORDER BY created_at`,
		entityType,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list versions for %s", entityType)
	}
	defer rows.Close()

	var out []model.ExtractionVersion
	for rows.Next() {
		v, err := scanPgVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SwapProduction(ctx context.Context, entityType, toVersion, expectedCurrent string, rollback bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin swap")
	}
	defer tx.Rollback(ctx)

	if expectedCurrent != "" {
		tag, err := tx.Exec(ctx,
			`UPDATE extraction_versions SET status = 'retired'
			 WHERE entity_type = $1 AND version = $2 AND status = 'production'`,
			entityType, expectedCurrent,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: retire current production")
		}
		if tag.RowsAffected() != 1 {
			return ErrConflict
		}
	} else {
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM extraction_versions WHERE entity_type = $1 AND status = 'production'`,
			entityType,
		).Scan(&count); err != nil {
			return eris.Wrap(err, "postgres: count production")
		}
		if count != 0 {
			return ErrConflict
		}
	}

	kind := "promote"
	if rollback {
		kind = "rollback"
	}
	tag, err := tx.Exec(ctx,
		`UPDATE extraction_versions
		 SET status = 'production', was_production = TRUE, last_promotion = $1, promoted_at = now()
		 WHERE entity_type = $2 AND version = $3 AND status <> 'production'`,
		kind, entityType, toVersion,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: promote %s/%s", entityType, toVersion)
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit swap")
}

func (s *PostgresStore) UpdateVersionMetrics(ctx context.Context, entityType, version string, metrics map[string]float64, sampleSize int) error {
	payload, err := metricsJSON(metrics)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE extraction_versions SET quality_metrics = $1, sample_size = $2
		 WHERE entity_type = $3 AND version = $4`,
		payload, sampleSize, entityType, version,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update metrics %s/%s", entityType, version)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Artifacts ---

func (s *PostgresStore) PutArtifact(ctx context.Context, a model.VersionedArtifact) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal artifact payload")
	}
	fieldConf, err := metricsJSON(a.FieldConfidence)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO artifacts (entity_type, version, document_id, payload, field_confidence, confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (entity_type, version, document_id)
		 DO UPDATE SET payload = EXCLUDED.payload,
		               field_confidence = EXCLUDED.field_confidence,
		               confidence = EXCLUDED.confidence`,
		a.Key.EntityType, a.Key.Version, a.Key.DocumentID, payload, fieldConf, a.Confidence, a.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: put artifact %s/%s/%s", a.Key.EntityType, a.Key.Version, a.Key.DocumentID)
}

// PutArtifacts bulk-upserts a batch through a temp table; rerunning the
// same batch converges to the same rows.
func (s *PostgresStore) PutArtifacts(ctx context.Context, batch []model.VersionedArtifact) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(batch))
	for _, a := range batch {
		payload, err := json.Marshal(a.Payload)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal artifact payload")
		}
		fieldConf, err := metricsJSON(a.FieldConfidence)
		if err != nil {
			return err
		}
		rows = append(rows, []any{
			a.Key.EntityType, a.Key.Version, a.Key.DocumentID, payload, fieldConf, a.Confidence, a.CreatedAt.UTC(),
		})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "artifacts",
		Columns:      []string{"entity_type", "version", "document_id", "payload", "field_confidence", "confidence", "created_at"},
		ConflictKeys: []string{"entity_type", "version", "document_id"},
		UpdateCols:   []string{"payload", "field_confidence", "confidence"},
	}, rows)
	return eris.Wrap(err, "postgres: bulk put artifacts")
}

func (s *PostgresStore) GetArtifact(ctx context.Context, key model.ArtifactKey) (*model.VersionedArtifact, error) {
	var (
		a         model.VersionedArtifact
		payload   []byte
		fieldConf []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT entity_type, version, document_id, payload, field_confidence, confidence, created_at
		 FROM artifacts WHERE entity_type = $1 AND version = $2 AND document_id = $3`,
		key.EntityType, key.Version, key.DocumentID,
	).Scan(&a.Key.EntityType, &a.Key.Version, &a.Key.DocumentID, &payload, &fieldConf, &a.Confidence, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get artifact %s/%s/%s", key.EntityType, key.Version, key.DocumentID)
	}
	if err := json.Unmarshal(payload, &a.Payload); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal artifact payload")
	}
	if len(fieldConf) > 0 {
		if err := json.Unmarshal(fieldConf, &a.FieldConfidence); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal field confidence")
		}
	}
	return &a, nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, entityType, version, afterToken string, limit int) (*ArtifactPage, error) {
	if limit <= 0 {
		limit = 100
	}
	q := psql.Select("entity_type", "version", "document_id", "payload", "field_confidence", "confidence", "created_at").
		From("artifacts").
		Where(sq.Eq{"entity_type": entityType, "version": version}).
		OrderBy("document_id").
		Limit(uint64(limit))
	if afterToken != "" {
		q = q.Where(sq.Gt{"document_id": afterToken})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build artifact query")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list artifacts %s/%s", entityType, version)
	}
	defer rows.Close()

	page := &ArtifactPage{}
	for rows.Next() {
		var (
			a         model.VersionedArtifact
			payload   []byte
			fieldConf []byte
		)
		if err := rows.Scan(&a.Key.EntityType, &a.Key.Version, &a.Key.DocumentID, &payload, &fieldConf, &a.Confidence, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan artifact row")
		}
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal artifact payload")
		}
		if len(fieldConf) > 0 {
			if err := json.Unmarshal(fieldConf, &a.FieldConfidence); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal field confidence")
			}
		}
		page.Artifacts = append(page.Artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: artifact rows")
	}
	if len(page.Artifacts) == limit {
		page.NextToken = page.Artifacts[len(page.Artifacts)-1].Key.DocumentID
	}
	return page, nil
}

func (s *PostgresStore) CountArtifacts(ctx context.Context, entityType, version string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM artifacts WHERE entity_type = $1 AND version = $2`,
		entityType, version,
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count artifacts %s/%s", entityType, version)
}

// --- Dimension history ---

const pgDimensionCols = `surrogate_key, entity_type, natural_key, attributes, effective_from, effective_to, is_current, version, updated_at`

func (s *PostgresStore) GetCurrentDimension(ctx context.Context, entityType, naturalKey string) (*model.DimensionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgDimensionCols+` FROM dimension_history
		 WHERE entity_type = $1 AND natural_key = $2 AND is_current`,
		entityType, naturalKey,
	)
	return scanPgDimension(row)
}

func (s *PostgresStore) ListDimensionHistory(ctx context.Context, entityType, naturalKey string) ([]model.DimensionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgDimensionCols+` FROM dimension_history
		 WHERE entity_type = $1 AND natural_key = $2 ORDER BY version`,
		entityType, naturalKey,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list history %s/%s", entityType, naturalKey)
	}
	defer rows.Close()

	var out []model.DimensionRecord
	for rows.Next() {
		rec, err := scanPgDimension(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResolveDimension(ctx context.Context, entityType, naturalKey string, asOf time.Time) (*model.DimensionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgDimensionCols+` FROM dimension_history
		 WHERE entity_type = $1 AND natural_key = $2
		   AND effective_from <= $3
		   AND (effective_to IS NULL OR effective_to > $3)`,
		entityType, naturalKey, asOf.UTC(),
	)
	return scanPgDimension(row)
}

func (s *PostgresStore) InsertDimension(ctx context.Context, rec model.DimensionRecord) error {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attributes")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO dimension_history (`+pgDimensionCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.SurrogateKey, rec.EntityType, rec.NaturalKey, attrs,
		rec.EffectiveFrom.UTC(), rec.EffectiveTo, rec.IsCurrent, rec.Version, rec.UpdatedAt.UTC(),
	)
	if isPgUniqueViolation(err) {
		return ErrConflict
	}
	return eris.Wrapf(err, "postgres: insert dimension %s/%s v%d", rec.EntityType, rec.NaturalKey, rec.Version)
}

func (s *PostgresStore) CloseAndInsertDimension(ctx context.Context, closeSurrogate string, expectedVersion int, effectiveTo time.Time, next model.DimensionRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin close-and-insert")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE dimension_history SET effective_to = $1, is_current = FALSE, updated_at = $2
		 WHERE surrogate_key = $3 AND is_current AND version = $4`,
		effectiveTo.UTC(), next.UpdatedAt.UTC(), closeSurrogate, expectedVersion,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: close dimension %s", closeSurrogate)
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}

	attrs, err := json.Marshal(next.Attributes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attributes")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO dimension_history (`+pgDimensionCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		next.SurrogateKey, next.EntityType, next.NaturalKey, attrs,
		next.EffectiveFrom.UTC(), next.EffectiveTo, next.IsCurrent, next.Version, next.UpdatedAt.UTC(),
	); err != nil {
		if isPgUniqueViolation(err) {
			return ErrConflict
		}
		return eris.Wrapf(err, "postgres: insert successor %s/%s v%d", next.EntityType, next.NaturalKey, next.Version)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit close-and-insert")
}

func (s *PostgresStore) TouchDimension(ctx context.Context, surrogateKey string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dimension_history SET updated_at = $1 WHERE surrogate_key = $2`,
		at.UTC(), surrogateKey,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch dimension %s", surrogateKey)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CurrentCountViolations(ctx context.Context, entityType string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT natural_key FROM dimension_history
		 WHERE entity_type = $1
		 GROUP BY natural_key
		 HAVING COUNT(*) FILTER (WHERE is_current) <> 1
		 ORDER BY natural_key`,
		entityType,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: current-count scan for %s", entityType)
	}
	defer rows.Close()
	return scanPgKeys(rows)
}

func (s *PostgresStore) IntervalViolations(ctx context.Context, entityType string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT natural_key FROM (
			SELECT d1.natural_key
			FROM dimension_history d1
			JOIN dimension_history d2
			  ON d2.entity_type = d1.entity_type
			 AND d2.natural_key = d1.natural_key
			 AND d2.version = d1.version + 1
			WHERE d1.entity_type = $1
			  AND (d1.effective_to IS NULL OR d1.effective_to <> d2.effective_from)
			UNION ALL
			SELECT natural_key FROM dimension_history
			WHERE entity_type = $1
			  AND effective_to IS NOT NULL
			  AND effective_from >= effective_to
		 ) v ORDER BY natural_key`,
		entityType,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: interval scan for %s", entityType)
	}
	defer rows.Close()
	return scanPgKeys(rows)
}

// --- Reprocessing jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job model.ReprocessingJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reprocessing_jobs
		 (job_id, entity_type, from_year, to_year, target_version, baseline_version, status, succeeded, failed, report_ref, started_at, completed_at, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.JobID, job.EntityType, job.Range.From, job.Range.To, job.TargetVersion,
		emptyToNil(job.BaselineVersion), string(job.Status), job.Succeeded, job.Failed,
		emptyToNil(job.ReportRef), job.StartedAt.UTC(), job.CompletedAt, emptyToNil(job.Error),
	)
	return eris.Wrapf(err, "postgres: create job %s", job.JobID)
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job model.ReprocessingJob) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reprocessing_jobs
		 SET status = $1, succeeded = $2, failed = $3, report_ref = $4, completed_at = $5, error = $6
		 WHERE job_id = $7`,
		string(job.Status), job.Succeeded, job.Failed,
		emptyToNil(job.ReportRef), job.CompletedAt, emptyToNil(job.Error), job.JobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", job.JobID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.ReprocessingJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT job_id, entity_type, from_year, to_year, target_version, baseline_version, status, succeeded, failed, report_ref, started_at, completed_at, error
		 FROM reprocessing_jobs WHERE job_id = $1`,
		jobID,
	)
	job, err := scanPgJob(row)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, entityType string, limit int) ([]model.ReprocessingJob, error) {
	if limit <= 0 {
		limit = 50
	}
	q := psql.Select("job_id", "entity_type", "from_year", "to_year", "target_version", "baseline_version",
		"status", "succeeded", "failed", "report_ref", "started_at", "completed_at", "error").
		From("reprocessing_jobs").
		OrderBy("started_at DESC").
		Limit(uint64(limit))
	if entityType != "" {
		q = q.Where(sq.Eq{"entity_type": entityType})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build job query")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var out []model.ReprocessingJob
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddFailedDocument(ctx context.Context, fd model.FailedDocument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO failed_documents (job_id, document_id, error, error_type, failed_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (job_id, document_id)
		 DO UPDATE SET error = EXCLUDED.error, error_type = EXCLUDED.error_type, failed_at = EXCLUDED.failed_at`,
		fd.JobID, fd.DocumentID, fd.Error, fd.ErrorType, fd.FailedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: add failed document %s/%s", fd.JobID, fd.DocumentID)
}

func (s *PostgresStore) ListFailedDocuments(ctx context.Context, jobID string) ([]model.FailedDocument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, document_id, error, error_type, failed_at
		 FROM failed_documents WHERE job_id = $1 ORDER BY document_id`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list failed documents %s", jobID)
	}
	defer rows.Close()

	var out []model.FailedDocument
	for rows.Next() {
		var fd model.FailedDocument
		if err := rows.Scan(&fd.JobID, &fd.DocumentID, &fd.Error, &fd.ErrorType, &fd.FailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failed document")
		}
		out = append(out, fd)
	}
	return out, rows.Err()
}

// --- scan helpers ---

func scanPgDimension(row pgx.Row) (*model.DimensionRecord, error) {
	var (
		rec   model.DimensionRecord
		attrs []byte
	)
	err := row.Scan(&rec.SurrogateKey, &rec.EntityType, &rec.NaturalKey, &attrs,
		&rec.EffectiveFrom, &rec.EffectiveTo, &rec.IsCurrent, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan dimension")
	}
	if err := json.Unmarshal(attrs, &rec.Attributes); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal attributes")
	}
	return &rec, nil
}

func scanPgJob(row pgx.Row) (*model.ReprocessingJob, error) {
	var (
		job       model.ReprocessingJob
		status    string
		baseline  *string
		reportRef *string
		errMsg    *string
	)
	err := row.Scan(&job.JobID, &job.EntityType, &job.Range.From, &job.Range.To, &job.TargetVersion,
		&baseline, &status, &job.Succeeded, &job.Failed, &reportRef, &job.StartedAt, &job.CompletedAt, &errMsg)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}
	job.Status = model.JobStatus(status)
	if baseline != nil {
		job.BaselineVersion = *baseline
	}
	if reportRef != nil {
		job.ReportRef = *reportRef
	}
	if errMsg != nil {
		job.Error = *errMsg
	}
	return &job, nil
}

func scanPgKeys(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan natural key")
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func metricsJSON(m map[string]float64) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal metrics")
	}
	return data, nil
}

func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

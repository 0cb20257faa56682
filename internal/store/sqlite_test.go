package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

// --- Watermarks ---

func TestSQLite_Watermark_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetWatermark(context.Background(), "house_fd", "2024")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Watermark_CommitAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := model.WatermarkRecord{
		SourceID:     "house_fd",
		PartitionKey: "2024",
		Marker:       "h1",
		CheckedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.CommitWatermark(ctx, rec))

	got, err := st.GetWatermark(ctx, "house_fd", "2024")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.Marker)

	// Re-commit advances the marker in place.
	rec.Marker = "h2"
	require.NoError(t, st.CommitWatermark(ctx, rec))

	got, err = st.GetWatermark(ctx, "house_fd", "2024")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.Marker)

	all, err := st.ListWatermarks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLite_Watermark_ListBySource(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, w := range []model.WatermarkRecord{
		{SourceID: "house_fd", PartitionKey: "2023", Marker: "a", CheckedAt: now},
		{SourceID: "house_fd", PartitionKey: "2024", Marker: "b", CheckedAt: now},
		{SourceID: "senate_fd", PartitionKey: "2024", Marker: "c", CheckedAt: now},
	} {
		require.NoError(t, st.CommitWatermark(ctx, w))
	}

	house, err := st.ListWatermarks(ctx, "house_fd")
	require.NoError(t, err)
	assert.Len(t, house, 2)
}

// --- Extraction versions ---

func seedVersion(t *testing.T, st *SQLiteStore, entityType, version string, status model.VersionStatus) {
	t.Helper()
	require.NoError(t, st.InsertVersion(context.Background(), model.ExtractionVersion{
		EntityType: entityType,
		Version:    version,
		Status:     status,
		CreatedAt:  time.Now().UTC(),
	}))
}

func TestSQLite_Version_DuplicateInsertConflicts(t *testing.T) {
	st := newTestStore(t)

	seedVersion(t, st, "ptr", "1.0.0", model.StatusExperimental)
	err := st.InsertVersion(context.Background(), model.ExtractionVersion{
		EntityType: "ptr", Version: "1.0.0", Status: model.StatusExperimental, CreatedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSQLite_Version_SwapProduction(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedVersion(t, st, "ptr", "1.0.0", model.StatusExperimental)
	seedVersion(t, st, "ptr", "1.1.0", model.StatusExperimental)

	// First promotion: no current production, guard is the empty pointer.
	require.NoError(t, st.SwapProduction(ctx, "ptr", "1.0.0", "", false))

	prod, err := st.GetProductionVersion(ctx, "ptr")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", prod.Version)
	assert.True(t, prod.WasProduction)
	assert.Equal(t, "promote", prod.LastPromotion)
	require.NotNil(t, prod.PromotedAt)

	// Second promotion retires the first.
	require.NoError(t, st.SwapProduction(ctx, "ptr", "1.1.0", "1.0.0", false))

	prod, err = st.GetProductionVersion(ctx, "ptr")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", prod.Version)

	old, err := st.GetVersion(ctx, "ptr", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRetired, old.Status)
	assert.True(t, old.WasProduction)
}

func TestSQLite_Version_SwapGuardMismatchConflicts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedVersion(t, st, "ptr", "1.0.0", model.StatusExperimental)
	seedVersion(t, st, "ptr", "1.1.0", model.StatusExperimental)
	require.NoError(t, st.SwapProduction(ctx, "ptr", "1.0.0", "", false))

	// Guard names a version that is not production anymore.
	err := st.SwapProduction(ctx, "ptr", "1.1.0", "0.9.0", false)
	assert.ErrorIs(t, err, ErrConflict)

	// Empty guard while a production version exists also conflicts.
	err = st.SwapProduction(ctx, "ptr", "1.1.0", "", false)
	assert.ErrorIs(t, err, ErrConflict)

	// The failed swaps left exactly one production version.
	prod, err := st.GetProductionVersion(ctx, "ptr")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", prod.Version)
}

func TestSQLite_Version_RollbackAudited(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedVersion(t, st, "ptr", "1.0.0", model.StatusExperimental)
	seedVersion(t, st, "ptr", "1.1.0", model.StatusExperimental)
	require.NoError(t, st.SwapProduction(ctx, "ptr", "1.0.0", "", false))
	require.NoError(t, st.SwapProduction(ctx, "ptr", "1.1.0", "1.0.0", false))
	require.NoError(t, st.SwapProduction(ctx, "ptr", "1.0.0", "1.1.0", true))

	prod, err := st.GetProductionVersion(ctx, "ptr")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", prod.Version)
	assert.Equal(t, "rollback", prod.LastPromotion)
}

func TestSQLite_Version_Metrics(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedVersion(t, st, "ptr", "1.0.0", model.StatusExperimental)
	require.NoError(t, st.UpdateVersionMetrics(ctx, "ptr", "1.0.0",
		map[string]float64{"asset": 0.91, "owner": 0.84}, 250))

	v, err := st.GetVersion(ctx, "ptr", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 250, v.SampleSize)
	assert.InDelta(t, 0.91, v.QualityMetrics["asset"], 0.001)

	err = st.UpdateVersionMetrics(ctx, "ptr", "9.9.9", nil, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Artifacts ---

func artifact(version, docID string, conf float64) model.VersionedArtifact {
	return model.VersionedArtifact{
		Key:             model.ArtifactKey{EntityType: "ptr", Version: version, DocumentID: docID},
		Payload:         map[string]any{"asset": "AAPL", "amount": "$1,001 - $15,000"},
		FieldConfidence: map[string]float64{"asset": conf},
		Confidence:      conf,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestSQLite_Artifact_PutIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutArtifact(ctx, artifact("1.0.0", "doc-1", 0.8)))
	require.NoError(t, st.PutArtifact(ctx, artifact("1.0.0", "doc-1", 0.9)))

	n, err := st.CountArtifacts(ctx, "ptr", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetArtifact(ctx, model.ArtifactKey{EntityType: "ptr", Version: "1.0.0", DocumentID: "doc-1"})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, got.Confidence, 0.001)
	assert.Equal(t, "AAPL", got.Payload["asset"])
}

func TestSQLite_Artifact_VersionsIsolated(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutArtifact(ctx, artifact("1.0.0", "doc-1", 0.8)))
	require.NoError(t, st.PutArtifact(ctx, artifact("1.1.0", "doc-1", 0.95)))

	v1, err := st.GetArtifact(ctx, model.ArtifactKey{EntityType: "ptr", Version: "1.0.0", DocumentID: "doc-1"})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, v1.Confidence, 0.001)

	v2, err := st.GetArtifact(ctx, model.ArtifactKey{EntityType: "ptr", Version: "1.1.0", DocumentID: "doc-1"})
	require.NoError(t, err)
	assert.InDelta(t, 0.95, v2.Confidence, 0.001)
}

func TestSQLite_Artifact_GetMissing(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetArtifact(context.Background(), model.ArtifactKey{EntityType: "ptr", Version: "1.0.0", DocumentID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Artifact_ListPagination(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var batch []model.VersionedArtifact
	for i := 0; i < 25; i++ {
		batch = append(batch, artifact("1.0.0", fmt.Sprintf("doc-%03d", i), 0.8))
	}
	require.NoError(t, st.PutArtifacts(ctx, batch))

	var seen []string
	token := ""
	for {
		page, err := st.ListArtifacts(ctx, "ptr", "1.0.0", token, 10)
		require.NoError(t, err)
		for _, a := range page.Artifacts {
			seen = append(seen, a.Key.DocumentID)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	require.Len(t, seen, 25)
	assert.Equal(t, "doc-000", seen[0])
	assert.Equal(t, "doc-024", seen[24])
	assert.True(t, sortedStrings(seen))
}

func sortedStrings(s []string) bool {
	for i := 1; i < len(s); i++ {
		if s[i-1] >= s[i] {
			return false
		}
	}
	return true
}

// --- Dimension history ---

func TestSQLite_Dimension_InsertAndCurrent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := model.DimensionRecord{
		SurrogateKey:  "sk-1",
		EntityType:    "member",
		NaturalKey:    "V000133",
		Attributes:    map[string]string{"party": "D", "state": "NJ"},
		EffectiveFrom: day("2019-01-03"),
		IsCurrent:     true,
		Version:       1,
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, st.InsertDimension(ctx, rec))

	cur, err := st.GetCurrentDimension(ctx, "member", "V000133")
	require.NoError(t, err)
	assert.Equal(t, "sk-1", cur.SurrogateKey)
	assert.Equal(t, "D", cur.Attributes["party"])
	assert.Nil(t, cur.EffectiveTo)
}

func TestSQLite_Dimension_SecondCurrentInsertConflicts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := model.DimensionRecord{
		SurrogateKey: "sk-1", EntityType: "member", NaturalKey: "V000133",
		Attributes: map[string]string{"party": "D"}, EffectiveFrom: day("2019-01-03"),
		IsCurrent: true, Version: 1, UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.InsertDimension(ctx, base))

	dup := base
	dup.SurrogateKey = "sk-2"
	dup.Version = 2
	err := st.InsertDimension(ctx, dup)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSQLite_Dimension_CloseAndInsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	v1 := model.DimensionRecord{
		SurrogateKey: "sk-1", EntityType: "member", NaturalKey: "V000133",
		Attributes: map[string]string{"party": "D"}, EffectiveFrom: day("2019-01-03"),
		IsCurrent: true, Version: 1, UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.InsertDimension(ctx, v1))

	v2 := model.DimensionRecord{
		SurrogateKey: "sk-2", EntityType: "member", NaturalKey: "V000133",
		Attributes: map[string]string{"party": "R"}, EffectiveFrom: day("2019-12-19"),
		IsCurrent: true, Version: 2, UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CloseAndInsertDimension(ctx, "sk-1", 1, day("2019-12-19"), v2))

	history, err := st.ListDimensionHistory(ctx, "member", "V000133")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[0].EffectiveTo)
	assert.Equal(t, day("2019-12-19"), history[0].EffectiveTo.UTC())
	assert.False(t, history[0].IsCurrent)
	assert.True(t, history[1].IsCurrent)

	// A stale close attempt (same expected version) conflicts.
	v3 := v2
	v3.SurrogateKey = "sk-3"
	v3.Version = 3
	err = st.CloseAndInsertDimension(ctx, "sk-1", 1, day("2020-01-01"), v3)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSQLite_Dimension_Resolve(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	v1 := model.DimensionRecord{
		SurrogateKey: "sk-1", EntityType: "member", NaturalKey: "V000133",
		Attributes: map[string]string{"party": "D"}, EffectiveFrom: day("2019-01-03"),
		IsCurrent: true, Version: 1, UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.InsertDimension(ctx, v1))
	v2 := model.DimensionRecord{
		SurrogateKey: "sk-2", EntityType: "member", NaturalKey: "V000133",
		Attributes: map[string]string{"party": "R"}, EffectiveFrom: day("2019-12-19"),
		IsCurrent: true, Version: 2, UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CloseAndInsertDimension(ctx, "sk-1", 1, day("2019-12-19"), v2))

	got, err := st.ResolveDimension(ctx, "member", "V000133", day("2019-06-01"))
	require.NoError(t, err)
	assert.Equal(t, "sk-1", got.SurrogateKey)

	got, err = st.ResolveDimension(ctx, "member", "V000133", day("2020-02-10"))
	require.NoError(t, err)
	assert.Equal(t, "sk-2", got.SurrogateKey)

	// Boundary date belongs to the successor.
	got, err = st.ResolveDimension(ctx, "member", "V000133", day("2019-12-19"))
	require.NoError(t, err)
	assert.Equal(t, "sk-2", got.SurrogateKey)

	_, err = st.ResolveDimension(ctx, "member", "V000133", day("2018-01-01"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Dimension_ViolationScansCleanHistory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	v1 := model.DimensionRecord{
		SurrogateKey: "sk-1", EntityType: "member", NaturalKey: "V000133",
		Attributes: map[string]string{"party": "D"}, EffectiveFrom: day("2019-01-03"),
		IsCurrent: true, Version: 1, UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.InsertDimension(ctx, v1))
	v2 := model.DimensionRecord{
		SurrogateKey: "sk-2", EntityType: "member", NaturalKey: "V000133",
		Attributes: map[string]string{"party": "R"}, EffectiveFrom: day("2019-12-19"),
		IsCurrent: true, Version: 2, UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CloseAndInsertDimension(ctx, "sk-1", 1, day("2019-12-19"), v2))

	keys, err := st.CurrentCountViolations(ctx, "member")
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = st.IntervalViolations(ctx, "member")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSQLite_Dimension_ViolationScansFindDamage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// A key whose only record is closed: no current row.
	to := day("2020-01-01")
	require.NoError(t, st.InsertDimension(ctx, model.DimensionRecord{
		SurrogateKey: "sk-a", EntityType: "member", NaturalKey: "A000001",
		Attributes: map[string]string{"party": "D"}, EffectiveFrom: day("2019-01-03"),
		EffectiveTo: &to, IsCurrent: false, Version: 1, UpdatedAt: time.Now().UTC(),
	}))

	// A key with a gap between v1 close and v2 open.
	gapTo := day("2020-06-01")
	require.NoError(t, st.InsertDimension(ctx, model.DimensionRecord{
		SurrogateKey: "sk-b1", EntityType: "member", NaturalKey: "B000002",
		Attributes: map[string]string{"party": "R"}, EffectiveFrom: day("2019-01-03"),
		EffectiveTo: &gapTo, IsCurrent: false, Version: 1, UpdatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.InsertDimension(ctx, model.DimensionRecord{
		SurrogateKey: "sk-b2", EntityType: "member", NaturalKey: "B000002",
		Attributes: map[string]string{"party": "R"}, EffectiveFrom: day("2020-09-01"),
		IsCurrent: true, Version: 2, UpdatedAt: time.Now().UTC(),
	}))

	current, err := st.CurrentCountViolations(ctx, "member")
	require.NoError(t, err)
	assert.Equal(t, []string{"A000001"}, current)

	intervals, err := st.IntervalViolations(ctx, "member")
	require.NoError(t, err)
	assert.Equal(t, []string{"B000002"}, intervals)
}

func TestSQLite_Dimension_Touch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertDimension(ctx, model.DimensionRecord{
		SurrogateKey: "sk-1", EntityType: "member", NaturalKey: "V000133",
		Attributes: map[string]string{"party": "D"}, EffectiveFrom: day("2019-01-03"),
		IsCurrent: true, Version: 1, UpdatedAt: day("2019-01-03"),
	}))

	later := day("2024-05-01")
	require.NoError(t, st.TouchDimension(ctx, "sk-1", later))

	cur, err := st.GetCurrentDimension(ctx, "member", "V000133")
	require.NoError(t, err)
	assert.Equal(t, later, cur.UpdatedAt.UTC())

	assert.ErrorIs(t, st.TouchDimension(ctx, "sk-missing", later), ErrNotFound)
}

// --- Jobs ---

func TestSQLite_Job_Lifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := model.ReprocessingJob{
		JobID:         "job-1",
		EntityType:    "ptr",
		Range:         model.YearRange{From: 2023, To: 2024},
		TargetVersion: "1.1.0",
		Status:        model.JobQueued,
		StartedAt:     time.Now().UTC(),
	}
	require.NoError(t, st.CreateJob(ctx, job))

	job.Status = model.JobRunning
	require.NoError(t, st.UpdateJob(ctx, job))

	done := time.Now().UTC()
	job.Status = model.JobCompleted
	job.Succeeded = 8
	job.Failed = 2
	job.CompletedAt = &done
	require.NoError(t, st.UpdateJob(ctx, job))

	got, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, 8, got.Succeeded)
	assert.Equal(t, 2, got.Failed)
	assert.Equal(t, model.YearRange{From: 2023, To: 2024}, got.Range)
	require.NotNil(t, got.CompletedAt)

	jobs, err := st.ListJobs(ctx, "ptr", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, err = st.GetJob(ctx, "job-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Job_FailedDocuments(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateJob(ctx, model.ReprocessingJob{
		JobID: "job-1", EntityType: "ptr", Range: model.YearRange{From: 2024, To: 2024},
		TargetVersion: "1.1.0", Status: model.JobRunning, StartedAt: time.Now().UTC(),
	}))

	require.NoError(t, st.AddFailedDocument(ctx, model.FailedDocument{
		JobID: "job-1", DocumentID: "doc-3", Error: "page 2 unparseable", ErrorType: "permanent", FailedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.AddFailedDocument(ctx, model.FailedDocument{
		JobID: "job-1", DocumentID: "doc-7", Error: "fetch timeout", ErrorType: "transient", FailedAt: time.Now().UTC(),
	}))

	fds, err := st.ListFailedDocuments(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, fds, 2)
	assert.Equal(t, "doc-3", fds[0].DocumentID)
	assert.Equal(t, "transient", fds[1].ErrorType)
}

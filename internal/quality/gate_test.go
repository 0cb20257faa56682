package quality

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestGate(t *testing.T) (*Gate, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "quality.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewGate(st), st
}

func resultByName(t *testing.T, results []model.QualityCheckResult, name string) model.QualityCheckResult {
	t.Helper()
	for _, r := range results {
		if r.CheckName == name {
			return r
		}
	}
	t.Fatalf("no result named %s", name)
	return model.QualityCheckResult{}
}

func TestEvaluate_CleanState(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, st.InsertVersion(ctx, model.ExtractionVersion{
		EntityType: "member", Version: "1.0.0", Status: model.StatusExperimental, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.SwapProduction(ctx, "member", "1.0.0", "", false))
	require.NoError(t, st.InsertDimension(ctx, model.DimensionRecord{
		SurrogateKey: "sk-1", EntityType: "member", NaturalKey: "V000133",
		Attributes: map[string]string{"party": "D"}, EffectiveFrom: time.Now().UTC(),
		IsCurrent: true, Version: 1, UpdatedAt: time.Now().UTC(),
	}))

	results, err := g.Evaluate(ctx, "member")
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Passed, r.CheckName)
	}

	_, err = g.Enforce(ctx, "member")
	assert.NoError(t, err)
}

func TestEnforce_BlocksOnCriticalFailure(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()

	// Dimension history with a closed-only key: one-current violated.
	to := time.Now().UTC()
	require.NoError(t, st.InsertDimension(ctx, model.DimensionRecord{
		SurrogateKey: "sk-1", EntityType: "member", NaturalKey: "A000001",
		Attributes: map[string]string{"party": "D"}, EffectiveFrom: to.AddDate(-1, 0, 0),
		EffectiveTo: &to, IsCurrent: false, Version: 1, UpdatedAt: to,
	}))

	results, err := g.Enforce(ctx, "member")
	require.Error(t, err)
	assert.True(t, IsBlocked(err))

	var be *BlockedError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, be.FailedChecks, "dimension_one_current_per_key")

	// The report still contains every check, failed and passed alike.
	assert.Len(t, results, 3)
	assert.False(t, resultByName(t, results, "dimension_one_current_per_key").Passed)
}

func TestEnforce_WarningsNeverBlock(t *testing.T) {
	g, _ := newTestGate(t)

	// No production version set: a warning, not a blocker.
	results, err := g.Enforce(context.Background(), "member")
	assert.NoError(t, err)
	r := resultByName(t, results, "production_version_set")
	assert.False(t, r.Passed)
	assert.Equal(t, model.SeverityWarning, r.Severity)
}

func TestThresholdChecks_FromFile(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, st.InsertVersion(ctx, model.ExtractionVersion{
		EntityType: "ptr", Version: "1.0.0", Status: model.StatusExperimental,
		QualityMetrics: map[string]float64{"asset": 0.78}, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.SwapProduction(ctx, "ptr", "1.0.0", "", false))

	path := filepath.Join(t.TempDir(), "checks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
checks:
  - name: asset_confidence_floor
    severity: critical
    metric: asset
    min: 0.85
  - name: owner_confidence_floor
    severity: warning
    metric: owner
    min: 0.5
`), 0o644))
	require.NoError(t, LoadThresholdChecks(g, st, path))

	results, err := g.Enforce(ctx, "ptr")
	require.Error(t, err)
	assert.True(t, IsBlocked(err))

	floor := resultByName(t, results, "asset_confidence_floor")
	assert.False(t, floor.Passed)
	assert.Contains(t, floor.Detail, "below floor")

	// Missing metric fails the check but only warns.
	owner := resultByName(t, results, "owner_confidence_floor")
	assert.False(t, owner.Passed)
}

func TestThresholdChecks_BadFileRejected(t *testing.T) {
	g, st := newTestGate(t)

	path := filepath.Join(t.TempDir(), "checks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
checks:
  - name: bad
    severity: fatal
    metric: asset
    min: 0.5
`), 0o644))
	assert.Error(t, LoadThresholdChecks(g, st, path))
}

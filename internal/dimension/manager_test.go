package dimension

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/config"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestManager(t *testing.T, cfg config.DimensionConfig) (*Manager, *Resolver, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "dim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewManager(st, cfg), NewResolver(st), st
}

func day(s string) time.Time {
	tt, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return tt.UTC()
}

func obs(naturalKey string, attrs map[string]string, effective string) model.Observation {
	return model.Observation{
		EntityType:    "member",
		NaturalKey:    naturalKey,
		Attributes:    attrs,
		EffectiveDate: day(effective),
	}
}

func TestApply_FirstObservationInsertsVersionOne(t *testing.T) {
	m, _, _ := newTestManager(t, config.DimensionConfig{})

	rec, err := m.Apply(context.Background(), obs("V000133", map[string]string{"party": "D", "state": "NJ"}, "2019-01-03"))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
	assert.True(t, rec.IsCurrent)
	assert.Nil(t, rec.EffectiveTo)
	assert.NotEmpty(t, rec.SurrogateKey)
}

func TestApply_PartyChangeOpensNewVersion(t *testing.T) {
	m, r, _ := newTestManager(t, config.DimensionConfig{})
	ctx := context.Background()

	v1, err := m.Apply(ctx, obs("V000133", map[string]string{"party": "D", "state": "NJ"}, "2019-01-03"))
	require.NoError(t, err)

	v2, err := m.Apply(ctx, obs("V000133", map[string]string{"party": "R", "state": "NJ"}, "2019-12-19"))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, "R", v2.Attributes["party"])
	assert.Equal(t, day("2019-12-19"), v2.EffectiveFrom)

	history, err := m.History(ctx, "member", "V000133")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[0].EffectiveTo)
	assert.Equal(t, day("2019-12-19"), history[0].EffectiveTo.UTC())
	assert.False(t, history[0].IsCurrent)

	// Point-in-time joins land on the right side of the change.
	got, err := r.Resolve(ctx, "member", "V000133", day("2019-06-01"))
	require.NoError(t, err)
	assert.Equal(t, v1.SurrogateKey, got.SurrogateKey)

	got, err = r.Resolve(ctx, "member", "V000133", day("2020-02-10"))
	require.NoError(t, err)
	assert.Equal(t, v2.SurrogateKey, got.SurrogateKey)
}

func TestApply_NoTrackedChangeOnlyTouches(t *testing.T) {
	m, _, _ := newTestManager(t, config.DimensionConfig{})
	ctx := context.Background()

	v1, err := m.Apply(ctx, obs("V000133", map[string]string{"party": "D"}, "2019-01-03"))
	require.NoError(t, err)

	same, err := m.Apply(ctx, obs("V000133", map[string]string{"party": "D"}, "2019-06-01"))
	require.NoError(t, err)
	assert.Equal(t, v1.SurrogateKey, same.SurrogateKey)
	assert.Equal(t, 1, same.Version)

	history, err := m.History(ctx, "member", "V000133")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestApply_AuditAttributesNeverOpenVersions(t *testing.T) {
	m, _, _ := newTestManager(t, config.DimensionConfig{})
	ctx := context.Background()

	_, err := m.Apply(ctx, obs("V000133", map[string]string{"party": "D", "audit_batch": "b1"}, "2019-01-03"))
	require.NoError(t, err)

	rec, err := m.Apply(ctx, obs("V000133", map[string]string{"party": "D", "audit_batch": "b2"}, "2019-06-01"))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
}

func TestApply_ConfiguredTrackedSubset(t *testing.T) {
	m, _, _ := newTestManager(t, config.DimensionConfig{
		Tracked: map[string][]string{"member": {"party"}},
	})
	ctx := context.Background()

	_, err := m.Apply(ctx, obs("V000133", map[string]string{"party": "D", "office": "1007 LHOB"}, "2019-01-03"))
	require.NoError(t, err)

	// Office moves are untracked for members; no new version.
	rec, err := m.Apply(ctx, obs("V000133", map[string]string{"party": "D", "office": "2267 RHOB"}, "2019-06-01"))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)

	rec, err = m.Apply(ctx, obs("V000133", map[string]string{"party": "R", "office": "2267 RHOB"}, "2019-12-19"))
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
}

func TestApply_OutOfOrderRejected(t *testing.T) {
	m, _, _ := newTestManager(t, config.DimensionConfig{})
	ctx := context.Background()

	_, err := m.Apply(ctx, obs("V000133", map[string]string{"party": "D"}, "2019-12-19"))
	require.NoError(t, err)

	_, err = m.Apply(ctx, obs("V000133", map[string]string{"party": "R"}, "2019-01-03"))
	assert.ErrorIs(t, err, ErrOutOfOrderUpdate)

	// A tracked change dated exactly at the current version's own
	// effective date would close a zero-length interval.
	_, err = m.Apply(ctx, obs("V000133", map[string]string{"party": "R"}, "2019-12-19"))
	assert.ErrorIs(t, err, ErrOutOfOrderUpdate)
}

func TestResolve_BeforeEarliestIsNotFound(t *testing.T) {
	m, r, _ := newTestManager(t, config.DimensionConfig{})
	ctx := context.Background()

	_, err := m.Apply(ctx, obs("V000133", map[string]string{"party": "D"}, "2019-01-03"))
	require.NoError(t, err)

	_, err = r.Resolve(ctx, "member", "V000133", day("2018-06-01"))
	assert.ErrorIs(t, err, ErrNoVersionForDate)

	_, err = r.Resolve(ctx, "member", "UNKNOWN", day("2020-01-01"))
	assert.ErrorIs(t, err, ErrNoVersionForDate)
}

func TestApply_HistoryStaysInvariantClean(t *testing.T) {
	m, _, st := newTestManager(t, config.DimensionConfig{})
	ctx := context.Background()

	dates := []string{"2019-01-03", "2019-12-19", "2021-01-03", "2023-01-03"}
	parties := []string{"D", "R", "D", "I"}
	for i, d := range dates {
		_, err := m.Apply(ctx, obs("V000133", map[string]string{"party": parties[i]}, d))
		require.NoError(t, err)
	}

	violations, err := st.CurrentCountViolations(ctx, "member")
	require.NoError(t, err)
	assert.Empty(t, violations)

	violations, err = st.IntervalViolations(ctx, "member")
	require.NoError(t, err)
	assert.Empty(t, violations)
}

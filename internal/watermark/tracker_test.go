package watermark

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/config"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/rawstore"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/resilience"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeWatermarkStore is an in-memory store.WatermarkStore.
type fakeWatermarkStore struct {
	records map[string]model.WatermarkRecord
}

func newFakeWatermarkStore() *fakeWatermarkStore {
	return &fakeWatermarkStore{records: make(map[string]model.WatermarkRecord)}
}

func (f *fakeWatermarkStore) GetWatermark(_ context.Context, sourceID, partitionKey string) (*model.WatermarkRecord, error) {
	rec, ok := f.records[sourceID+"/"+partitionKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (f *fakeWatermarkStore) CommitWatermark(_ context.Context, rec model.WatermarkRecord) error {
	f.records[rec.SourceID+"/"+rec.PartitionKey] = rec
	return nil
}

func (f *fakeWatermarkStore) ListWatermarks(_ context.Context, sourceID string) ([]model.WatermarkRecord, error) {
	var out []model.WatermarkRecord
	for _, rec := range f.records {
		if sourceID == "" || rec.SourceID == sourceID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// fakeRaw is an in-memory rawstore.Store serving fingerprints.
type fakeRaw struct {
	fingerprints map[string]string
	err          error
	calls        int
}

func (f *fakeRaw) Fingerprint(_ context.Context, sourceID, partitionKey string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	fp, ok := f.fingerprints[sourceID+"/"+partitionKey]
	if !ok {
		return "", rawstore.ErrPartitionNotAvailable
	}
	return fp, nil
}

func (f *fakeRaw) ListDocuments(context.Context, string, string) ([]model.DocumentRef, error) {
	return nil, nil
}

func (f *fakeRaw) GetDocument(context.Context, model.DocumentRef) ([]byte, error) {
	return nil, rawstore.ErrDocumentNotFound
}

func newTestTracker(raw *fakeRaw) (*Tracker, *fakeWatermarkStore) {
	st := newFakeWatermarkStore()
	tr := NewTracker(st, raw, config.WatermarkConfig{LookbackYears: 12})
	tr.nowFunc = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }
	return tr, st
}

func TestCheck_FirstLoad(t *testing.T) {
	raw := &fakeRaw{fingerprints: map[string]string{"house_fd/2024": "h1"}}
	tr, _ := newTestTracker(raw)

	dec, err := tr.CheckForUpdates(context.Background(), "house_fd", "2024")
	require.NoError(t, err)
	assert.True(t, dec.NeedsProcessing)
	assert.Equal(t, model.ReasonFirstLoad, dec.Reason)
	assert.Equal(t, "h1", dec.ScopeMarker)
}

func TestCheck_UnchangedAfterCommit(t *testing.T) {
	raw := &fakeRaw{fingerprints: map[string]string{"house_fd/2024": "h1"}}
	tr, _ := newTestTracker(raw)
	ctx := context.Background()

	dec, err := tr.CheckForUpdates(ctx, "house_fd", "2024")
	require.NoError(t, err)
	require.True(t, dec.NeedsProcessing)
	require.NoError(t, tr.Commit(ctx, "house_fd", "2024", dec.ScopeMarker))

	dec, err = tr.CheckForUpdates(ctx, "house_fd", "2024")
	require.NoError(t, err)
	assert.False(t, dec.NeedsProcessing)
	assert.Equal(t, model.ReasonUnchanged, dec.Reason)
}

func TestCheck_ChangedFingerprint(t *testing.T) {
	raw := &fakeRaw{fingerprints: map[string]string{"house_fd/2024": "h1"}}
	tr, _ := newTestTracker(raw)
	ctx := context.Background()

	dec, err := tr.CheckForUpdates(ctx, "house_fd", "2024")
	require.NoError(t, err)
	require.NoError(t, tr.Commit(ctx, "house_fd", "2024", dec.ScopeMarker))

	raw.fingerprints["house_fd/2024"] = "h2"
	dec, err = tr.CheckForUpdates(ctx, "house_fd", "2024")
	require.NoError(t, err)
	assert.True(t, dec.NeedsProcessing)
	assert.Equal(t, model.ReasonChanged, dec.Reason)
	assert.Equal(t, "h2", dec.ScopeMarker)
}

func TestCheck_IdempotentWithoutCommit(t *testing.T) {
	raw := &fakeRaw{fingerprints: map[string]string{"house_fd/2024": "h1"}}
	tr, _ := newTestTracker(raw)
	ctx := context.Background()

	first, err := tr.CheckForUpdates(ctx, "house_fd", "2024")
	require.NoError(t, err)
	second, err := tr.CheckForUpdates(ctx, "house_fd", "2024")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCheck_OutsideLookbackWindow(t *testing.T) {
	raw := &fakeRaw{fingerprints: map[string]string{"house_fd/2008": "h1"}}
	tr, _ := newTestTracker(raw)

	dec, err := tr.CheckForUpdates(context.Background(), "house_fd", "2008")
	require.NoError(t, err)
	assert.False(t, dec.NeedsProcessing)
	assert.Equal(t, model.ReasonOutsideWindow, dec.Reason)
	assert.Zero(t, raw.calls, "window exclusion must not hit the raw store")
}

func TestCheck_IngestedPartitionOutlivesWindow(t *testing.T) {
	// Ingested years ago; the partition has since aged out of the
	// window but keeps getting change detection.
	raw := &fakeRaw{fingerprints: map[string]string{"house_fd/2008": "h2"}}
	tr, st := newTestTracker(raw)
	require.NoError(t, st.CommitWatermark(context.Background(), model.WatermarkRecord{
		SourceID: "house_fd", PartitionKey: "2008", Marker: "h1", CheckedAt: time.Now().UTC(),
	}))

	dec, err := tr.CheckForUpdates(context.Background(), "house_fd", "2008")
	require.NoError(t, err)
	assert.True(t, dec.NeedsProcessing)
	assert.Equal(t, model.ReasonChanged, dec.Reason)
}

func TestCheck_NotYetAvailable(t *testing.T) {
	raw := &fakeRaw{fingerprints: map[string]string{}}
	tr, _ := newTestTracker(raw)

	dec, err := tr.CheckForUpdates(context.Background(), "house_fd", "2025")
	require.NoError(t, err)
	assert.False(t, dec.NeedsProcessing)
	assert.Equal(t, model.ReasonNotYetAvailable, dec.Reason)
}

func TestCheck_RetryExhaustionSurfacesTyped(t *testing.T) {
	raw := &fakeRaw{err: &resilience.RetryExhaustedError{Attempts: 3, Err: resilience.NewTransientError(assert.AnError, 503)}}
	tr, st := newTestTracker(raw)

	_, err := tr.CheckForUpdates(context.Background(), "house_fd", "2024")
	require.Error(t, err)
	assert.True(t, resilience.IsRetryExhausted(err))
	assert.Empty(t, st.records, "marker must not move on failure")
}

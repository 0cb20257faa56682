// Package watermark decides whether a source partition needs
// (re)processing, based on stored markers and cheap remote fingerprints.
package watermark

import (
	"context"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/config"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/rawstore"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/store"
)

// Tracker performs change detection for source partitions.
//
// CheckForUpdates never writes the stored marker: the caller commits it
// via Commit only after the triggered work completed. Skipping the
// commit means the next check reaches the same decision again, which
// errs toward reprocessing rather than silently skipping data.
type Tracker struct {
	store    store.WatermarkStore
	raw      rawstore.Store
	lookback int

	nowFunc func() time.Time // test injection
}

// NewTracker creates a Tracker.
func NewTracker(st store.WatermarkStore, raw rawstore.Store, cfg config.WatermarkConfig) *Tracker {
	lookback := cfg.LookbackYears
	if lookback <= 0 {
		lookback = 12
	}
	return &Tracker{
		store:    st,
		raw:      raw,
		lookback: lookback,
		nowFunc:  time.Now,
	}
}

// CheckForUpdates decides whether sourceID/partitionKey has work to do.
// Identical inputs yield the identical decision until a commit
// intervenes. Transient raw-store failures surface as a
// resilience.RetryExhaustedError once the client's bounded retries run
// out; the stored marker is never touched on any error path.
func (t *Tracker) CheckForUpdates(ctx context.Context, sourceID, partitionKey string) (*model.Decision, error) {
	log := zap.L().With(
		zap.String("component", "watermark"),
		zap.String("source", sourceID),
		zap.String("partition", partitionKey),
	)

	prior, err := t.store.GetWatermark(ctx, sourceID, partitionKey)
	switch {
	case eris.Is(err, store.ErrNotFound):
		prior = nil
	case err != nil:
		return nil, eris.Wrap(err, "watermark: read stored marker")
	}

	// The lookback window bounds initial scope selection only. A
	// partition that was ever ingested keeps getting checked, even
	// after it ages out of the window.
	if prior == nil && t.outsideWindow(partitionKey) {
		log.Debug("partition outside lookback window")
		return &model.Decision{NeedsProcessing: false, Reason: model.ReasonOutsideWindow}, nil
	}

	fingerprint, err := t.raw.Fingerprint(ctx, sourceID, partitionKey)
	switch {
	case eris.Is(err, rawstore.ErrPartitionNotAvailable):
		// The source simply hasn't published this partition yet.
		log.Debug("partition not yet available")
		return &model.Decision{NeedsProcessing: false, Reason: model.ReasonNotYetAvailable}, nil
	case err != nil:
		return nil, eris.Wrapf(err, "watermark: fingerprint %s/%s", sourceID, partitionKey)
	}

	if prior == nil {
		log.Info("first load", zap.String("marker", fingerprint))
		return &model.Decision{
			NeedsProcessing: true,
			Reason:          model.ReasonFirstLoad,
			ScopeMarker:     fingerprint,
		}, nil
	}

	if prior.Marker == fingerprint {
		return &model.Decision{NeedsProcessing: false, Reason: model.ReasonUnchanged}, nil
	}

	log.Info("partition changed",
		zap.String("old_marker", prior.Marker),
		zap.String("new_marker", fingerprint),
	)
	return &model.Decision{
		NeedsProcessing: true,
		Reason:          model.ReasonChanged,
		ScopeMarker:     fingerprint,
	}, nil
}

// Commit advances the stored marker after the caller's downstream work
// succeeded.
func (t *Tracker) Commit(ctx context.Context, sourceID, partitionKey, marker string) error {
	return t.store.CommitWatermark(ctx, model.WatermarkRecord{
		SourceID:     sourceID,
		PartitionKey: partitionKey,
		Marker:       marker,
		CheckedAt:    t.nowFunc().UTC(),
	})
}

// outsideWindow reports whether a year-shaped partition key predates the
// lookback window. Non-year partition keys are never outside the window.
func (t *Tracker) outsideWindow(partitionKey string) bool {
	year, err := strconv.Atoi(partitionKey)
	if err != nil {
		return false
	}
	return year < t.nowFunc().UTC().Year()-t.lookback
}

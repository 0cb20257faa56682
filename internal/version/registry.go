// Package version governs which extraction algorithm version is
// authoritative per entity type.
package version

import (
	"context"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/store"
)

// ErrDuplicateVersion is returned when registering an already-known version.
var ErrDuplicateVersion = eris.New("version: already registered")

// ErrUnknownVersion is returned when the named version does not exist.
var ErrUnknownVersion = eris.New("version: unknown version")

// ErrNoProduction is returned when no production version is set yet.
var ErrNoProduction = eris.New("version: no production version")

// ErrNotPromotable is returned when a version's lifecycle state forbids
// the requested transition.
var ErrNotPromotable = eris.New("version: not promotable")

// maxSwapRetries bounds optimistic retries when two promotions race.
const maxSwapRetries = 3

// Registry manages the extraction version lifecycle
// (experimental -> production -> retired).
type Registry struct {
	store store.VersionStore

	nowFunc func() time.Time // test injection
}

// NewRegistry creates a Registry over the given store.
func NewRegistry(st store.VersionStore) *Registry {
	return &Registry{store: st, nowFunc: time.Now}
}

// Register records a new experimental version. The version string must
// be valid semver; an existing (entityType, version) pair fails with
// ErrDuplicateVersion.
func (r *Registry) Register(ctx context.Context, entityType, ver string, metrics map[string]float64, changelog string) error {
	if _, err := semver.StrictNewVersion(ver); err != nil {
		return eris.Wrapf(err, "version: %q is not valid semver", ver)
	}

	err := r.store.InsertVersion(ctx, model.ExtractionVersion{
		EntityType:     entityType,
		Version:        ver,
		Status:         model.StatusExperimental,
		QualityMetrics: metrics,
		Changelog:      changelog,
		CreatedAt:      r.nowFunc().UTC(),
	})
	if eris.Is(err, store.ErrConflict) {
		return ErrDuplicateVersion
	}
	if err != nil {
		return err
	}

	zap.L().Info("registered extraction version",
		zap.String("entity_type", entityType),
		zap.String("version", ver),
	)
	return nil
}

// Promote makes ver the production version for entityType, retiring the
// previous production version in the same conditional swap. Two racing
// promotions cannot both succeed: the swap is guarded by the observed
// production version and retried with fresh reads on conflict, bounded.
func (r *Registry) Promote(ctx context.Context, entityType, ver string) error {
	return r.swap(ctx, entityType, ver, false)
}

// Rollback restores a previously-production version. The target must
// have held production before (WasProduction); the transition is audited
// distinctly from a forward promotion.
func (r *Registry) Rollback(ctx context.Context, entityType, ver string) error {
	return r.swap(ctx, entityType, ver, true)
}

func (r *Registry) swap(ctx context.Context, entityType, ver string, rollback bool) error {
	var lastErr error
	for attempt := 0; attempt < maxSwapRetries; attempt++ {
		target, err := r.store.GetVersion(ctx, entityType, ver)
		if eris.Is(err, store.ErrNotFound) {
			return ErrUnknownVersion
		}
		if err != nil {
			return err
		}

		if rollback {
			if !target.WasProduction {
				return eris.Wrapf(ErrNotPromotable, "%s/%s never held production", entityType, ver)
			}
		} else if !target.IsPromotable() {
			return eris.Wrapf(ErrNotPromotable, "%s/%s is %s", entityType, ver, target.Status)
		}

		expectedCurrent := ""
		current, err := r.store.GetProductionVersion(ctx, entityType)
		switch {
		case err == nil:
			if current.Version == ver {
				// Already production; nothing to swap.
				return eris.Wrapf(ErrNotPromotable, "%s/%s is already production", entityType, ver)
			}
			expectedCurrent = current.Version
		case eris.Is(err, store.ErrNotFound):
			if rollback {
				return ErrNoProduction
			}
		default:
			return err
		}

		err = r.store.SwapProduction(ctx, entityType, ver, expectedCurrent, rollback)
		if err == nil {
			kind := "promote"
			if rollback {
				kind = "rollback"
			}
			zap.L().Info("production version swapped",
				zap.String("entity_type", entityType),
				zap.String("kind", kind),
				zap.String("from", expectedCurrent),
				zap.String("to", ver),
			)
			return nil
		}
		if !eris.Is(err, store.ErrConflict) {
			return err
		}
		// Lost the race; re-read and try once more.
		lastErr = err
		zap.L().Warn("production swap conflict, retrying",
			zap.String("entity_type", entityType),
			zap.Int("attempt", attempt+1),
		)
	}
	return eris.Wrapf(lastErr, "version: swap for %s/%s kept conflicting", entityType, ver)
}

// GetProduction returns the current production version for entityType,
// or ErrNoProduction when none is set.
func (r *Registry) GetProduction(ctx context.Context, entityType string) (*model.ExtractionVersion, error) {
	v, err := r.store.GetProductionVersion(ctx, entityType)
	if eris.Is(err, store.ErrNotFound) {
		return nil, ErrNoProduction
	}
	return v, err
}

// Get returns one registered version.
func (r *Registry) Get(ctx context.Context, entityType, ver string) (*model.ExtractionVersion, error) {
	v, err := r.store.GetVersion(ctx, entityType, ver)
	if eris.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownVersion
	}
	return v, err
}

// List returns every registered version for entityType, oldest first.
func (r *Registry) List(ctx context.Context, entityType string) ([]model.ExtractionVersion, error) {
	return r.store.ListVersions(ctx, entityType)
}

// RecordMetrics updates a version's measured quality metrics and the
// sample size they were computed over.
func (r *Registry) RecordMetrics(ctx context.Context, entityType, ver string, metrics map[string]float64, sampleSize int) error {
	err := r.store.UpdateVersionMetrics(ctx, entityType, ver, metrics, sampleSize)
	if eris.Is(err, store.ErrNotFound) {
		return ErrUnknownVersion
	}
	return err
}

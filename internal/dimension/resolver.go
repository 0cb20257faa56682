package dimension

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/store"
)

// ErrNoVersionForDate is returned when no dimension version covers the
// asked date, including dates before the natural key's earliest record.
// The resolver never guesses a fallback; that policy belongs to callers.
var ErrNoVersionForDate = eris.New("dimension: no version covers the date")

// Resolver answers point-in-time lookups over dimension history:
// which version of an entity was true on a given date.
type Resolver struct {
	store store.DimensionStore
}

// NewResolver creates a Resolver.
func NewResolver(st store.DimensionStore) *Resolver {
	return &Resolver{store: st}
}

// Resolve returns the unique version whose [effectiveFrom, effectiveTo)
// interval contains asOf. Resolution is deterministic: the intervals of
// one natural key partition time, so at most one version matches.
func (r *Resolver) Resolve(ctx context.Context, entityType, naturalKey string, asOf time.Time) (*model.DimensionRecord, error) {
	rec, err := r.store.ResolveDimension(ctx, entityType, naturalKey, asOf.UTC())
	if eris.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrNoVersionForDate, "%s/%s as of %s",
			entityType, naturalKey, asOf.UTC().Format("2006-01-02"))
	}
	return rec, err
}

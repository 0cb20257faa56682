// Package dimension maintains effective-dated history for reference
// entities (SCD Type 2): changed records are closed and a new version
// appended, never overwritten, so the history doubles as an audit trail.
package dimension

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/config"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/store"
)

// ErrOutOfOrderUpdate is returned when an observation's effective date
// precedes the current record's effective-from. Observations per natural
// key must arrive in non-decreasing effective-date order.
var ErrOutOfOrderUpdate = eris.New("dimension: observation effective date out of order")

// ErrConcurrentUpdate is returned when optimistic retries keep losing
// against concurrent writers of the same natural key.
var ErrConcurrentUpdate = eris.New("dimension: concurrent update kept conflicting")

// auditPrefix marks attributes that never open a new version.
const auditPrefix = "audit_"

// Manager applies attribute observations to dimension history.
//
// Per-natural-key serialization uses optimistic conditional writes: the
// close-and-insert is guarded by the expected current version, and the
// initial insert by a uniqueness constraint on the current row. A lost
// race re-reads and retries a bounded number of times.
type Manager struct {
	store      store.DimensionStore
	tracked    map[string][]string
	maxRetries int

	nowFunc func() time.Time // test injection
}

// NewManager creates a Manager.
func NewManager(st store.DimensionStore, cfg config.DimensionConfig) *Manager {
	maxRetries := cfg.MaxConflictRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Manager{
		store:      st,
		tracked:    cfg.Tracked,
		maxRetries: maxRetries,
		nowFunc:    time.Now,
	}
}

// Apply folds one observation into the history and returns the record
// current after the call. Outcomes:
//
//   - no history yet: insert version 1;
//   - no tracked attribute changed: touch the audit timestamp only;
//   - a tracked attribute changed: close the current version at the
//     observation's effective date and append the successor.
func (m *Manager) Apply(ctx context.Context, obs model.Observation) (*model.DimensionRecord, error) {
	var lastErr error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		rec, err := m.applyOnce(ctx, obs)
		if err == nil {
			return rec, nil
		}
		if !eris.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err
		zap.L().Warn("dimension apply conflict, retrying with fresh read",
			zap.String("entity_type", obs.EntityType),
			zap.String("natural_key", obs.NaturalKey),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, eris.Wrapf(ErrConcurrentUpdate, "%s/%s: %v", obs.EntityType, obs.NaturalKey, lastErr)
}

func (m *Manager) applyOnce(ctx context.Context, obs model.Observation) (*model.DimensionRecord, error) {
	now := m.nowFunc().UTC()
	effective := obs.EffectiveDate.UTC()

	current, err := m.store.GetCurrentDimension(ctx, obs.EntityType, obs.NaturalKey)
	if eris.Is(err, store.ErrNotFound) {
		first := model.DimensionRecord{
			SurrogateKey:  uuid.NewString(),
			EntityType:    obs.EntityType,
			NaturalKey:    obs.NaturalKey,
			Attributes:    obs.Attributes,
			EffectiveFrom: effective,
			IsCurrent:     true,
			Version:       1,
			UpdatedAt:     now,
		}
		if err := m.store.InsertDimension(ctx, first); err != nil {
			return nil, err
		}
		zap.L().Info("dimension first version",
			zap.String("entity_type", obs.EntityType),
			zap.String("natural_key", obs.NaturalKey),
		)
		return &first, nil
	}
	if err != nil {
		return nil, err
	}

	if effective.Before(current.EffectiveFrom) {
		return nil, eris.Wrapf(ErrOutOfOrderUpdate,
			"%s/%s: observation %s precedes current version from %s",
			obs.EntityType, obs.NaturalKey,
			effective.Format("2006-01-02"), current.EffectiveFrom.Format("2006-01-02"))
	}

	if !m.trackedChanged(obs.EntityType, current.Attributes, obs.Attributes) {
		if err := m.store.TouchDimension(ctx, current.SurrogateKey, now); err != nil {
			return nil, err
		}
		current.UpdatedAt = now
		return current, nil
	}

	// Same-day tracked changes would create a zero-length interval on
	// the closed row; order them like any other out-of-order input.
	if effective.Equal(current.EffectiveFrom) {
		return nil, eris.Wrapf(ErrOutOfOrderUpdate,
			"%s/%s: tracked change on the current version's own effective date %s",
			obs.EntityType, obs.NaturalKey, effective.Format("2006-01-02"))
	}

	next := model.DimensionRecord{
		SurrogateKey:  uuid.NewString(),
		EntityType:    obs.EntityType,
		NaturalKey:    obs.NaturalKey,
		Attributes:    obs.Attributes,
		EffectiveFrom: effective,
		IsCurrent:     true,
		Version:       current.Version + 1,
		UpdatedAt:     now,
	}
	if err := m.store.CloseAndInsertDimension(ctx, current.SurrogateKey, current.Version, effective, next); err != nil {
		return nil, err
	}
	zap.L().Info("dimension version opened",
		zap.String("entity_type", obs.EntityType),
		zap.String("natural_key", obs.NaturalKey),
		zap.Int("version", next.Version),
	)
	return &next, nil
}

// trackedChanged diffs only the tracked attribute subset. The tracked
// set comes from configuration per entity type; when unconfigured, every
// attribute counts except audit-only ones.
func (m *Manager) trackedChanged(entityType string, old, observed map[string]string) bool {
	if names := m.tracked[entityType]; len(names) > 0 {
		for _, name := range names {
			if old[name] != observed[name] {
				return true
			}
		}
		return false
	}

	for name, val := range observed {
		if strings.HasPrefix(name, auditPrefix) {
			continue
		}
		if old[name] != val {
			return true
		}
	}
	for name := range old {
		if strings.HasPrefix(name, auditPrefix) {
			continue
		}
		if _, ok := observed[name]; !ok {
			return true
		}
	}
	return false
}

// History returns the full version log for a natural key, oldest first.
func (m *Manager) History(ctx context.Context, entityType, naturalKey string) ([]model.DimensionRecord, error) {
	return m.store.ListDimensionHistory(ctx, entityType, naturalKey)
}

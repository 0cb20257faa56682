// Package quality evaluates declarative invariant checks over pipeline
// state before it is exposed as current.
package quality

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/store"
)

// BlockedError is the typed validation failure: one or more critical
// checks failed, so the triggering operation must not proceed. It is
// never retried automatically; the data needs fixing first.
type BlockedError struct {
	FailedChecks []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("quality: blocked by critical checks: %s", strings.Join(e.FailedChecks, ", "))
}

// IsBlocked reports whether err is a BlockedError.
func IsBlocked(err error) bool {
	var be *BlockedError
	return eris.As(err, &be)
}

// CheckFunc evaluates one invariant for one entity type. It returns
// whether the check passed and a human-readable detail either way.
type CheckFunc func(ctx context.Context, entityType string) (passed bool, detail string, err error)

// Check is one registered invariant.
type Check struct {
	Name     string
	Severity model.Severity
	Fn       CheckFunc
}

// Gate runs registered checks and classifies the outcome.
type Gate struct {
	checks []Check
}

// NewGate creates a Gate with the built-in invariants over dimension
// history and version state.
func NewGate(st store.Store) *Gate {
	g := &Gate{}
	g.Register(Check{
		Name:     "dimension_one_current_per_key",
		Severity: model.SeverityCritical,
		Fn:       oneCurrentCheck(st),
	})
	g.Register(Check{
		Name:     "dimension_contiguous_intervals",
		Severity: model.SeverityCritical,
		Fn:       intervalCheck(st),
	})
	g.Register(Check{
		Name:     "production_version_set",
		Severity: model.SeverityWarning,
		Fn:       productionSetCheck(st),
	})
	return g
}

// Register appends a check. Evaluation order is registration order.
func (g *Gate) Register(c Check) {
	g.checks = append(g.checks, c)
}

// Evaluate runs every check against entityType. All checks run even
// when earlier ones fail, so the report is complete.
func (g *Gate) Evaluate(ctx context.Context, entityType string) ([]model.QualityCheckResult, error) {
	results := make([]model.QualityCheckResult, 0, len(g.checks))
	for _, c := range g.checks {
		passed, detail, err := c.Fn(ctx, entityType)
		if err != nil {
			return nil, eris.Wrapf(err, "quality: evaluate %s", c.Name)
		}
		if !passed {
			zap.L().Warn("quality check failed",
				zap.String("check", c.Name),
				zap.String("entity_type", entityType),
				zap.String("severity", string(c.Severity)),
				zap.String("detail", detail),
			)
		}
		results = append(results, model.QualityCheckResult{
			CheckName: c.Name,
			Severity:  c.Severity,
			Passed:    passed,
			Detail:    detail,
		})
	}
	return results, nil
}

// Enforce evaluates and converts critical failures into a BlockedError
// naming the failing checks. Warnings never block.
func (g *Gate) Enforce(ctx context.Context, entityType string) ([]model.QualityCheckResult, error) {
	results, err := g.Evaluate(ctx, entityType)
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, r := range results {
		if !r.Passed && r.Severity == model.SeverityCritical {
			failed = append(failed, r.CheckName)
		}
	}
	if len(failed) > 0 {
		return results, &BlockedError{FailedChecks: failed}
	}
	return results, nil
}

func oneCurrentCheck(st store.DimensionStore) CheckFunc {
	return func(ctx context.Context, entityType string) (bool, string, error) {
		keys, err := st.CurrentCountViolations(ctx, entityType)
		if err != nil {
			return false, "", err
		}
		if len(keys) > 0 {
			return false, fmt.Sprintf("natural keys without exactly one current record: %s", strings.Join(keys, ", ")), nil
		}
		return true, "every natural key has exactly one current record", nil
	}
}

func intervalCheck(st store.DimensionStore) CheckFunc {
	return func(ctx context.Context, entityType string) (bool, string, error) {
		keys, err := st.IntervalViolations(ctx, entityType)
		if err != nil {
			return false, "", err
		}
		if len(keys) > 0 {
			return false, fmt.Sprintf("natural keys with gapped, overlapping, or inverted intervals: %s", strings.Join(keys, ", ")), nil
		}
		return true, "consecutive versions tile time with no gaps or overlaps", nil
	}
}

func productionSetCheck(st store.VersionStore) CheckFunc {
	return func(ctx context.Context, entityType string) (bool, string, error) {
		v, err := st.GetProductionVersion(ctx, entityType)
		if eris.Is(err, store.ErrNotFound) {
			return false, "no production extraction version is set", nil
		}
		if err != nil {
			return false, "", err
		}
		return true, fmt.Sprintf("production version is %s", v.Version), nil
	}
}

package quality

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/store"
)

// checksFile is the YAML shape for operator-declared threshold checks:
//
//	checks:
//	  - name: asset_confidence_floor
//	    severity: critical
//	    metric: asset
//	    min: 0.85
type checksFile struct {
	Checks []thresholdCheck `yaml:"checks"`
}

type thresholdCheck struct {
	Name     string  `yaml:"name"`
	Severity string  `yaml:"severity"`
	Metric   string  `yaml:"metric"`
	Min      float64 `yaml:"min"`
}

// LoadThresholdChecks reads declared checks from path and registers them
// on the gate. Each check compares one quality metric of the production
// version against a floor.
func LoadThresholdChecks(g *Gate, st store.VersionStore, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "quality: read checks file %s", path)
	}

	var file checksFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return eris.Wrapf(err, "quality: parse checks file %s", path)
	}

	for _, tc := range file.Checks {
		severity, err := parseSeverity(tc.Severity)
		if err != nil {
			return eris.Wrapf(err, "quality: check %q", tc.Name)
		}
		if tc.Name == "" || tc.Metric == "" {
			return eris.Errorf("quality: checks need both a name and a metric (got name=%q metric=%q)", tc.Name, tc.Metric)
		}
		g.Register(Check{
			Name:     tc.Name,
			Severity: severity,
			Fn:       metricFloorCheck(st, tc.Metric, tc.Min),
		})
	}
	return nil
}

func parseSeverity(s string) (model.Severity, error) {
	switch model.Severity(s) {
	case model.SeverityCritical:
		return model.SeverityCritical, nil
	case model.SeverityWarning:
		return model.SeverityWarning, nil
	default:
		return "", eris.Errorf("unknown severity %q", s)
	}
}

func metricFloorCheck(st store.VersionStore, metric string, min float64) CheckFunc {
	return func(ctx context.Context, entityType string) (bool, string, error) {
		v, err := st.GetProductionVersion(ctx, entityType)
		if eris.Is(err, store.ErrNotFound) {
			// Nothing in production yet; the floor cannot be violated.
			return true, "no production version to measure", nil
		}
		if err != nil {
			return false, "", err
		}
		score, ok := v.QualityMetrics[metric]
		if !ok {
			return false, fmt.Sprintf("production version %s has no %q metric", v.Version, metric), nil
		}
		if score < min {
			return false, fmt.Sprintf("%s score %.3f is below floor %.3f", metric, score, min), nil
		}
		return true, fmt.Sprintf("%s score %.3f meets floor %.3f", metric, score, min), nil
	}
}

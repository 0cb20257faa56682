package model

import "time"

// VersionStatus is the lifecycle state of an extraction algorithm version.
type VersionStatus string

const (
	StatusExperimental VersionStatus = "experimental"
	StatusProduction   VersionStatus = "production"
	StatusRetired      VersionStatus = "retired"
)

// ExtractionVersion describes one deployed extraction algorithm for an
// entity type. Versions are never deleted; retired rows remain for audit
// and as rollback targets. At most one version per entity type holds
// StatusProduction at any time.
type ExtractionVersion struct {
	EntityType     string             `json:"entity_type"`
	Version        string             `json:"version"` // semver
	Status         VersionStatus      `json:"status"`
	QualityMetrics map[string]float64 `json:"quality_metrics,omitempty"` // field -> score
	SampleSize     int                `json:"sample_size"`
	Changelog      string             `json:"changelog,omitempty"`
	WasProduction  bool               `json:"was_production"`
	LastPromotion  string             `json:"last_promotion,omitempty"` // "promote" or "rollback"
	PromotedAt     *time.Time         `json:"promoted_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// IsPromotable reports whether the version may become production via a
// forward promotion (rollback has its own rule: WasProduction must be set).
func (v *ExtractionVersion) IsPromotable() bool {
	return v.Status == StatusExperimental
}

package model

import "time"

// DimensionRecord is one effective-dated version of a reference entity
// (SCD Type 2). History is append-only: a change closes the current row
// and inserts the next, it never rewrites attributes in place.
//
// Invariants maintained by the dimension manager and checked by the
// quality gate:
//   - exactly one IsCurrent=true row per NaturalKey
//   - record[v].EffectiveTo == record[v+1].EffectiveFrom
//   - EffectiveFrom < EffectiveTo whenever both are set
type DimensionRecord struct {
	SurrogateKey string            `json:"surrogate_key"`
	EntityType   string            `json:"entity_type"`
	NaturalKey   string            `json:"natural_key"` // e.g. bioguide ID "V000133"
	Attributes   map[string]string `json:"attributes"`
	EffectiveFrom time.Time        `json:"effective_from"`
	EffectiveTo  *time.Time        `json:"effective_to,omitempty"` // nil = open-ended
	IsCurrent    bool              `json:"is_current"`
	Version      int               `json:"version"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Covers reports whether asOf falls inside this record's effective
// interval [EffectiveFrom, EffectiveTo).
func (r *DimensionRecord) Covers(asOf time.Time) bool {
	if asOf.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveTo == nil || asOf.Before(*r.EffectiveTo)
}

// Observation is a normalized attribute reading for a reference entity,
// produced by extraction and fed to the dimension manager.
type Observation struct {
	EntityType    string            `json:"entity_type"`
	NaturalKey    string            `json:"natural_key"`
	Attributes    map[string]string `json:"attributes"`
	EffectiveDate time.Time         `json:"effective_date"`
}

// Package extract turns raw filing documents into structured field maps.
// Extractors are versioned: the same document run through two algorithm
// versions may yield different fields, and both outputs are kept.
package extract

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
)

// Extractor is one versioned extraction algorithm for one entity type.
type Extractor interface {
	// EntityType is the entity this extractor produces, e.g. "ptr".
	EntityType() string

	// Version is the algorithm version, a semantic version string.
	Version() string

	// Extract parses raw document bytes into structured fields with
	// per-field confidence scores. A document the algorithm cannot
	// handle returns a *Failure; infrastructure errors pass through.
	Extract(ctx context.Context, ref model.DocumentRef, raw []byte) (*model.Extraction, error)
}

// Failure marks a document the algorithm could not parse. It is a
// permanent, per-document condition: retrying the same bytes through
// the same version cannot succeed, so batch runs record it and move on.
type Failure struct {
	Ref    model.DocumentRef
	Reason string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("extract: %s/%s/%s: %s", f.Ref.SourceID, f.Ref.PartitionKey, f.Ref.DocumentID, f.Reason)
}

// Registry maps (entity type, version) to extractor implementations.
type Registry struct {
	extractors map[string]Extractor
	order      []string // insertion order for deterministic iteration
}

// NewRegistry creates a registry with the built-in extractors.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[string]Extractor)}
	r.Register(NewJSONExtractor("ptr", "1.0.0"))
	return r
}

func key(entityType, version string) string {
	return entityType + "@" + version
}

// Register adds an extractor. A later registration for the same
// entity type and version replaces the earlier one.
func (r *Registry) Register(e Extractor) {
	k := key(e.EntityType(), e.Version())
	if _, exists := r.extractors[k]; !exists {
		r.order = append(r.order, k)
	}
	r.extractors[k] = e
}

// Get returns the extractor for an entity type and version.
func (r *Registry) Get(entityType, version string) (Extractor, error) {
	e, ok := r.extractors[key(entityType, version)]
	if !ok {
		return nil, eris.Errorf("extract: no extractor registered for %s version %s", entityType, version)
	}
	return e, nil
}

// All returns every registered extractor in registration order.
func (r *Registry) All() []Extractor {
	out := make([]Extractor, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.extractors[k])
	}
	return out
}

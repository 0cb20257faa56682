package extract

import (
	"context"
	"encoding/json"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
)

// JSONExtractor handles sources that publish pre-structured JSON
// filings. Top-level scalar fields are taken as extracted fields with
// full confidence; nested values are carried through as-is at reduced
// confidence since no layout analysis validated them.
type JSONExtractor struct {
	entityType string
	version    string
}

// NewJSONExtractor creates a JSONExtractor for one entity type.
func NewJSONExtractor(entityType, version string) *JSONExtractor {
	return &JSONExtractor{entityType: entityType, version: version}
}

func (e *JSONExtractor) EntityType() string { return e.entityType }
func (e *JSONExtractor) Version() string    { return e.version }

func (e *JSONExtractor) Extract(ctx context.Context, ref model.DocumentRef, raw []byte) (*model.Extraction, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &Failure{Ref: ref, Reason: "document is not a JSON object"}
	}
	if len(doc) == 0 {
		return nil, &Failure{Ref: ref, Reason: "document has no fields"}
	}

	out := &model.Extraction{
		Fields:          make(map[string]any, len(doc)),
		FieldConfidence: make(map[string]float64, len(doc)),
	}
	for name, val := range doc {
		out.Fields[name] = val
		switch val.(type) {
		case map[string]any, []any:
			out.FieldConfidence[name] = 0.7
		default:
			out.FieldConfidence[name] = 1.0
		}
	}
	return out, nil
}

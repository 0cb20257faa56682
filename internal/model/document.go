package model

// DocumentRef identifies one raw document in the capture store.
type DocumentRef struct {
	SourceID     string `json:"source_id"`
	PartitionKey string `json:"partition_key"`
	DocumentID   string `json:"document_id"`
	FilingYear   int    `json:"filing_year"`
}

// Extraction is the structured output of one extractor invocation.
type Extraction struct {
	Fields          map[string]any     `json:"fields"`
	FieldConfidence map[string]float64 `json:"field_confidence"`
}

// OverallConfidence is the mean per-field confidence, 0 when no fields
// were extracted.
func (e *Extraction) OverallConfidence() float64 {
	if len(e.FieldConfidence) == 0 {
		return 0
	}
	var sum float64
	for _, c := range e.FieldConfidence {
		sum += c
	}
	return sum / float64(len(e.FieldConfidence))
}

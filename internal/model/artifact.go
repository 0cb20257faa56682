package model

import "time"

// ArtifactKey uniquely identifies an extraction output. Keys under
// different versions never collide, which is what lets an experimental
// version be written while production traffic reads the stable one.
type ArtifactKey struct {
	EntityType string `json:"entity_type"`
	Version    string `json:"version"`
	DocumentID string `json:"document_id"`
}

// VersionedArtifact is one extraction output. Writing the same key again
// overwrites the payload (idempotent upsert); artifacts are never deleted
// by this core, only by an external retention sweep.
type VersionedArtifact struct {
	Key             ArtifactKey        `json:"key"`
	Payload         map[string]any     `json:"payload"`
	FieldConfidence map[string]float64 `json:"field_confidence,omitempty"`
	Confidence      float64            `json:"confidence"`
	CreatedAt       time.Time          `json:"created_at"`
}

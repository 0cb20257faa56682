package model

import "time"

// Reason explains a watermark check decision.
type Reason string

const (
	ReasonFirstLoad       Reason = "first_load"
	ReasonChanged         Reason = "changed"
	ReasonUnchanged       Reason = "unchanged"
	ReasonOutsideWindow   Reason = "outside_window"
	ReasonNotYetAvailable Reason = "not_yet_available"
)

// WatermarkRecord is the last-committed marker for one source partition.
// The marker is an opaque fingerprint (transport digest or content hash);
// it only advances after the triggered work completed successfully.
type WatermarkRecord struct {
	SourceID     string    `json:"source_id"`
	PartitionKey string    `json:"partition_key"`
	Marker       string    `json:"marker"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Decision is the outcome of a watermark check. ScopeMarker is the remote
// fingerprint observed during the check; the caller passes it back to
// Commit once downstream processing succeeds.
type Decision struct {
	NeedsProcessing bool   `json:"needs_processing"`
	Reason          Reason `json:"reason"`
	ScopeMarker     string `json:"scope_marker,omitempty"`
}

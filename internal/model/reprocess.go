package model

import "time"

// JobStatus is the lifecycle state of a reprocessing job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// YearRange bounds a document range by filing year, inclusive.
type YearRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Contains reports whether year falls inside the range.
func (r YearRange) Contains(year int) bool {
	return year >= r.From && year <= r.To
}

// Valid reports whether the range is well-formed.
func (r YearRange) Valid() bool {
	return r.From > 0 && r.To >= r.From
}

// ReprocessingJob tracks one bounded re-extraction run. Terminal once a
// comparison report has been produced.
type ReprocessingJob struct {
	JobID           string     `json:"job_id"`
	EntityType      string     `json:"entity_type"`
	Range           YearRange  `json:"range"`
	TargetVersion   string     `json:"target_version"`
	BaselineVersion string     `json:"baseline_version,omitempty"`
	Status          JobStatus  `json:"status"`
	Succeeded       int        `json:"succeeded"`
	Failed          int        `json:"failed"`
	ReportRef       string     `json:"report_ref,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// RunResult summarizes a reprocessing run. DryRun runs carry only
// Candidates; real runs also carry outcome counts, per-field metrics, and
// a comparison when a baseline was measurable over the same documents.
type RunResult struct {
	JobID      string             `json:"job_id,omitempty"`
	DryRun     bool               `json:"dry_run"`
	Candidates int                `json:"candidates"`
	Succeeded  int                `json:"succeeded"`
	Failed     int                `json:"failed"`
	Metrics    map[string]float64 `json:"metrics,omitempty"` // field -> mean confidence
	Comparison *ComparisonReport  `json:"comparison,omitempty"`
}

// FieldDelta is the per-field quality movement between baseline and a
// candidate version.
type FieldDelta struct {
	Field    string  `json:"field"`
	Baseline float64 `json:"baseline"`
	New      float64 `json:"new"`
	Delta    float64 `json:"delta"`
}

// ComparisonReport compares a candidate version's extraction quality
// against the baseline over the same document set. Regressions is always
// present, possibly empty; promotion decisions read it, the engine never
// acts on it.
type ComparisonReport struct {
	BaselineVersion     string       `json:"baseline_version"`
	NewVersion          string       `json:"new_version"`
	PerFieldDelta       []FieldDelta `json:"per_field_delta"`
	Regressions         []FieldDelta `json:"regressions"`
	NewExtractionsCount int          `json:"new_extractions_count"`
}

// FailedDocument records one document that failed extraction during a
// reprocessing batch, kept for inspection and resume rather than only
// counted.
type FailedDocument struct {
	JobID      string    `json:"job_id"`
	DocumentID string    `json:"document_id"`
	Error      string    `json:"error"`
	ErrorType  string    `json:"error_type"` // "transient" or "permanent"
	FailedAt   time.Time `json:"failed_at"`
}

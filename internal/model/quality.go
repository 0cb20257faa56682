package model

// Severity classifies a quality check. Critical failures block downstream
// propagation; warnings are recorded only.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// QualityCheckResult is the outcome of one named invariant check.
type QualityCheckResult struct {
	CheckName string   `json:"check_name"`
	Severity  Severity `json:"severity"`
	Passed    bool     `json:"passed"`
	Detail    string   `json:"detail,omitempty"`
}

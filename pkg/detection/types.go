package detection

import (
	"time"

	"github.com/opx/control-plane/pkg/signal"
)

// Outcome is the detection-level MATCH/NO_MATCH verdict.
type Outcome string

const (
	Match   Outcome = "MATCH"
	NoMatch Outcome = "NO_MATCH"
)

// EvaluationStep records one ordered condition check, kept in the detection
// result body so a replay can show exactly why a signal matched or not.
type EvaluationStep struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Expected interface{} `json:"expected,omitempty"`
	Actual   interface{} `json:"actual,omitempty"`
	Present  bool        `json:"present"`
	Result   bool        `json:"result"`
}

// Result is the deterministic, hashable body of a detection. It deliberately
// excludes any non-deterministic metadata (detectedAt lives in Metadata,
// below) — hash comparisons and stored equality both use only this struct.
type Result struct {
	DetectionID        string            `json:"detection_id"`
	RuleID              string            `json:"rule_id"`
	RuleVersion         string            `json:"rule_version"`
	NormalizedSignalIDs []string          `json:"normalized_signal_ids"`
	SignalTimestamp     time.Time         `json:"signal_timestamp"`
	Decision            Outcome           `json:"decision"`
	Severity            signal.Severity   `json:"severity,omitempty"`
	Confidence          signal.Confidence `json:"confidence,omitempty"`
	ConfidenceScore     float64           `json:"confidence_score,omitempty"`
	EvaluationTrace     []EvaluationStep  `json:"evaluation_trace"`
	DetectionVersion    int               `json:"detection_version"`
}

// Metadata is the non-deterministic companion record, stored separately so
// it never participates in identity or replay comparisons.
type Metadata struct {
	DetectionID string    `json:"detection_id"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Detection bundles a deterministic Result with its non-deterministic
// Metadata for convenience at the call site; only Result is ever hashed or
// compared.
type Detection struct {
	Result   Result   `json:"result"`
	Metadata Metadata `json:"metadata"`
}

const detectionVersion = 1

// StoredRecord is the full persisted body for a MATCH detection: the
// hashable Result, flattened at the JSON top level (so existing readers of
// the bare Result shape, e.g. the signal-timestamp lookup, keep working),
// plus the denormalized signal fields the candidate generator's window
// query needs to reconstruct a summary without re-reading the original
// signal.
type StoredRecord struct {
	Result
	Service      string `json:"service"`
	SignalType   string `json:"signal_type"`
	TargetsInfra bool   `json:"targets_infra"`
}

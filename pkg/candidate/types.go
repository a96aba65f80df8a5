// Package candidate implements window-based correlation of detections into
// candidates — nominees for an incident. Generation is triggered by one new
// detection and is deterministic: ordering of the underlying query results
// never affects the resulting candidateId.
package candidate

import (
	"time"

	"github.com/opx/control-plane/pkg/signal"
)

// ConfidenceBand buckets a candidate's numeric confidence score.
type ConfidenceBand string

const (
	ConfidenceLow    ConfidenceBand = "LOW"
	ConfidenceMedium ConfidenceBand = "MEDIUM"
	ConfidenceHigh   ConfidenceBand = "HIGH"
)

// BlastRadiusScope classifies how widely a candidate's detections spread.
type BlastRadiusScope string

const (
	ScopeSingleService  BlastRadiusScope = "SINGLE_SERVICE"
	ScopeMultiService   BlastRadiusScope = "MULTI_SERVICE"
	ScopeInfrastructure BlastRadiusScope = "INFRASTRUCTURE"
)

// ImpactBand is a coarse severity-derived impact estimate.
type ImpactBand string

const (
	ImpactLow      ImpactBand = "LOW"
	ImpactMedium   ImpactBand = "MEDIUM"
	ImpactHigh     ImpactBand = "HIGH"
	ImpactCritical ImpactBand = "CRITICAL"
)

// BlastRadius summarizes how far a candidate's underlying detections reach.
type BlastRadius struct {
	Scope             BlastRadiusScope `json:"scope"`
	AffectedServices  []string         `json:"affected_services"`
	EstimatedImpact   ImpactBand       `json:"estimated_impact"`
}

// GenerationStep is one named stage of candidate generation, kept for
// explainability (mirrors detection's evaluationTrace).
type GenerationStep struct {
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
}

// DetectionSummary is the minimal view of a stored detection the generator
// needs. Service and Source refer to the same underlying signal field — the
// data model defines "source (service)" as one field — kept as two accessors
// only because correlation rules declare sameService/sameSource independently
// in their wire format.
type DetectionSummary struct {
	DetectionID     string
	RuleID          string
	Service         string
	SignalType      string
	Severity        signal.Severity
	SignalTimestamp time.Time
	SignalID        string
	TargetsInfra    bool
}

func (d DetectionSummary) Source() string { return d.Service }

// Candidate is the content-addressed, hashable body of a candidate.
type Candidate struct {
	CandidateID       string            `json:"candidate_id"`
	CorrelationKey    string            `json:"correlation_key"`
	DetectionIDs      []string          `json:"detection_ids"`
	CorrelationRuleID string            `json:"correlation_rule_id"`
	RuleVersion       string            `json:"correlation_rule_version"`
	ResolvedKeyFields map[string]string `json:"resolved_key_fields"`
	PrimaryDetectionID string           `json:"primary_detection_id"`
	SuggestedSeverity signal.Severity   `json:"suggested_severity"`
	SuggestedService  string            `json:"suggested_service"`
	SuggestedTitle    string            `json:"suggested_title"`
	Confidence        ConfidenceBand    `json:"confidence"`
	ConfidenceScore   float64           `json:"confidence_score"`
	ConfidenceFactors []string          `json:"confidence_factors,omitempty"`
	BlastRadius       BlastRadius       `json:"blast_radius"`
	GenerationTrace   []GenerationStep  `json:"generation_trace"`
	WindowStart       time.Time         `json:"window_start"`
	WindowEnd         time.Time         `json:"window_end"`
	CreatedAt         time.Time         `json:"created_at"`
}

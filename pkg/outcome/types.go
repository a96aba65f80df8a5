// Package outcome records the ground-truth result of a closed incident,
// extracts service/time-window resolution summaries from the accumulated
// history, and calibrates confidence bands against actual outcomes. Every
// derived timing value is computed from injected timestamps; nothing here
// reads a clock.
package outcome

import (
	"time"

	"github.com/opx/control-plane/pkg/candidate"
)

// Classification is exactly one of these two values — never both, never
// neither.
type Classification string

const (
	TruePositive  Classification = "truePositive"
	FalsePositive Classification = "falsePositive"
)

// HumanAssessment carries the free-text narrative behind a classification.
type HumanAssessment struct {
	AssessorID string `json:"assessor_id"`
	Notes      string `json:"notes,omitempty"`
}

// Outcome is the content-addressed, append-only record of a closed
// incident's ground truth.
type Outcome struct {
	OutcomeID       string           `json:"outcome_id"`
	IncidentID      string           `json:"incident_id"`
	Service         string           `json:"service"`
	Classification  Classification   `json:"classification"`
	RootCause       string           `json:"root_cause,omitempty"`
	ResolutionType  string           `json:"resolution_type,omitempty"`
	TTDSeconds      float64          `json:"ttd_seconds"`
	TTRSeconds      float64          `json:"ttr_seconds"`
	HumanAssessment *HumanAssessment `json:"human_assessment,omitempty"`
	ClosedAt        time.Time        `json:"closed_at"`
	CreatedAt       time.Time        `json:"created_at"`
}

// ResolutionSummary aggregates outcomes for one service over one window.
type ResolutionSummary struct {
	SummaryID         string         `json:"summary_id"`
	Service           string         `json:"service"`
	StartDate         string         `json:"start_date"`
	EndDate           string         `json:"end_date"`
	TotalCount        int            `json:"total_count"`
	TruePositiveCount int            `json:"true_positive_count"`
	FalsePositiveCount int           `json:"false_positive_count"`
	AverageTTDSeconds float64        `json:"average_ttd_seconds"`
	AverageTTRSeconds float64        `json:"average_ttr_seconds"`
	TopRootCauses     []RootCauseCount `json:"top_root_causes"`
	DetectionWarnings []string       `json:"detection_warnings,omitempty"`
}

// RootCauseCount is one entry of the top-10 root-cause-by-count list. No
// percentages are stored — downstream computes them from TotalCount.
type RootCauseCount struct {
	RootCause string `json:"root_cause"`
	Count     int    `json:"count"`
}

// ConfidenceBin is one calibration bucket: how a confidence band's predicted
// accuracy compares to what outcomes actually showed.
type ConfidenceBin struct {
	Band              candidate.ConfidenceBand `json:"band"`
	SampleSize        int                      `json:"sample_size"`
	ExpectedAccuracy  float64                  `json:"expected_accuracy"`
	ActualAccuracy    float64                  `json:"actual_accuracy"`
	Drift             float64                  `json:"drift"`
	Overconfident     bool                     `json:"overconfident"`
	Underconfident    bool                     `json:"underconfident"`
	InsufficientSample bool                    `json:"insufficient_sample"`
}

// minCalibrationSample is the floor below which a bin is flagged
// insufficient rather than scored.
const minCalibrationSample = 10

// falsePositiveWarningThreshold is the FP-rate floor that triggers a
// detection warning for a service.
const falsePositiveWarningThreshold = 0.30

// minWarningSample is the sample floor before a high FP rate is trusted
// enough to warn on.
const minWarningSample = 10

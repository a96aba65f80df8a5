// Package evidence builds content-addressed evidence graphs (and, for
// candidates, the richer evidenceBundle) from a set of detections and the
// signals behind them. The builder is pure and deterministic: every sort is
// explicit, nothing reads a clock except where the spec names bundledAt as
// the one deliberate exception.
package evidence

import (
	"time"

	"github.com/opx/control-plane/pkg/signal"
)

// Node references one detection by ID; ownership is by-reference, never by-copy.
type Node struct {
	DetectionID string `json:"detection_id"`
}

// Edge links two detections that share a signal.
type Edge struct {
	FromDetectionID string `json:"from_detection_id"`
	ToDetectionID   string `json:"to_detection_id"`
	SharedSignalID  string `json:"shared_signal_id"`
}

// Summary is the rolled-up, LLM-safe view of a bundle's contents.
type Summary struct {
	DetectionCount    int                     `json:"detection_count"`
	SignalCount       int                     `json:"signal_count"`
	SeverityHistogram map[signal.Severity]int `json:"severity_histogram"`
	EarliestObserved  time.Time               `json:"earliest_observed"`
	LatestObserved    time.Time               `json:"latest_observed"`
	UniqueRuleIDs     []string                `json:"unique_rule_ids"`
}

// Graph is the content-addressed, hashable body of an evidence graph.
type Graph struct {
	GraphID      string   `json:"graph_id"`
	DetectionIDs []string `json:"detection_ids"`
	SignalIDs    []string `json:"signal_ids"`
	Nodes        []Node   `json:"nodes"`
	Edges        []Edge   `json:"edges"`
}

// Bundle wraps a Graph with a rolled-up Summary and the one deliberately
// non-identity timestamp the spec allows: bundledAt, used downstream by the
// promotion gate as its evaluatedAt to keep replay stable.
type Bundle struct {
	Graph     Graph     `json:"graph"`
	Summary   Summary   `json:"summary"`
	BundledAt time.Time `json:"bundled_at"`
}

// DetectionRef is the minimal view of a detection the builder needs: its id,
// the signal ids behind it, and the fields that feed the rolled-up summary.
type DetectionRef struct {
	DetectionID     string
	SignalIDs       []string
	RuleID          string
	Severity        signal.Severity
	SignalTimestamp time.Time
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/opx/control-plane/pkg/candidate"
	"github.com/opx/control-plane/pkg/config"
	"github.com/opx/control-plane/pkg/detection"
	"github.com/opx/control-plane/pkg/evidence"
	"github.com/opx/control-plane/pkg/signal"
	"github.com/opx/control-plane/pkg/storage"
)

// ingestSummary is the JSON report runIngest prints to stdout: every id
// minted while threading one signal through detection, evidence, and
// candidate generation.
type ingestSummary struct {
	DetectionIDs []string `json:"detection_ids"`
	GraphIDs     []string `json:"graph_ids"`
	CandidateIDs []string `json:"candidate_ids"`
}

// detectionQuerier adapts the shared store's signal_timestamp range index
// into candidate.DetectionQuerier. The index only narrows by time; rule/
// service partitioning from partitionFilter is applied client-side against
// the reconstructed summary since the stored index keys are snake_case
// while partitionFilter's keys (ruleId, service) are not.
type detectionQuerier struct {
	store storage.Store
}

func (q *detectionQuerier) QueryByTimeRange(ctx context.Context, windowStart, windowEnd time.Time, partitionFilter map[string]string, limit int) ([]candidate.DetectionSummary, error) {
	from := formatIndexTimestamp(windowStart)
	to := formatIndexTimestamp(windowEnd)
	records, err := q.store.QueryByIndexRange(ctx, "detections", "signal_timestamp", from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("incidentd: query detections by time range: %w", err)
	}

	summaries := make([]candidate.DetectionSummary, 0, len(records))
	for _, rec := range records {
		var stored detection.StoredRecord
		if err := json.Unmarshal(rec.Payload, &stored); err != nil {
			return nil, fmt.Errorf("incidentd: unmarshal detection %s: %w", rec.PK, err)
		}
		if ruleID, ok := partitionFilter["ruleId"]; ok && stored.RuleID != ruleID {
			continue
		}
		if service, ok := partitionFilter["service"]; ok && stored.Service != service {
			continue
		}
		signalID := ""
		if len(stored.NormalizedSignalIDs) > 0 {
			signalID = stored.NormalizedSignalIDs[0]
		}
		summaries = append(summaries, candidate.DetectionSummary{
			DetectionID:     stored.DetectionID,
			RuleID:          stored.RuleID,
			Service:         stored.Service,
			SignalType:      stored.SignalType,
			Severity:        stored.Severity,
			SignalTimestamp: stored.SignalTimestamp,
			SignalID:        signalID,
			TargetsInfra:    stored.TargetsInfra,
		})
	}
	return summaries, nil
}

// formatIndexTimestamp mirrors pkg/detection's own index formatting so a
// window query compares lexically against the same representation the
// engine wrote.
func formatIndexTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// evidenceMembership adapts the evidence-graph-members namespace into
// candidate.GraphLookup.
type evidenceMembership struct {
	store storage.Store
}

func (m *evidenceMembership) GraphContainsDetection(ctx context.Context, detectionID string) (bool, error) {
	_, found, err := m.store.Get(ctx, "evidence-graph-members", detectionID)
	if err != nil {
		return false, fmt.Errorf("incidentd: evidence membership lookup for %s: %w", detectionID, err)
	}
	return found, nil
}

// runIngest reads one normalized signal as JSON from stdin and threads it
// through detection, evidence graph construction, and candidate generation
// the way runReplay and runDoctor thread their own subsystems, rather than
// leaving detection.Engine, evidence.Build, and candidate.Generate reachable
// only from tests.
func runIngest(stdin io.Reader, stdout, stderr io.Writer) int {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(stdout, nil))
	cfg := config.Load()

	sys, err := buildSubsystems(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "incidentd: %v\n", err)
		return 1
	}
	defer sys.db.Close()

	var sig signal.Normalized
	if err := json.NewDecoder(stdin).Decode(&sig); err != nil {
		fmt.Fprintf(stderr, "incidentd: decode signal: %v\n", err)
		return 2
	}

	summary := ingestSummary{}
	detectedAt := time.Now()
	querier := &detectionQuerier{store: sys.store}
	graphs := &evidenceMembership{store: sys.store}

	for _, rule := range sys.detectionCatalog.RulesForSignalType(sig.SignalType) {
		det, _, err := sys.detections.Process(ctx, rule, &sig, detectedAt)
		if err != nil {
			fmt.Fprintf(stderr, "incidentd: process rule %s: %v\n", rule.RuleID, err)
			return 1
		}
		if det.Result.Decision != detection.Match {
			continue
		}
		summary.DetectionIDs = append(summary.DetectionIDs, det.Result.DetectionID)

		ref := evidence.DetectionRef{
			DetectionID:     det.Result.DetectionID,
			SignalIDs:       det.Result.NormalizedSignalIDs,
			RuleID:          det.Result.RuleID,
			Severity:        det.Result.Severity,
			SignalTimestamp: det.Result.SignalTimestamp,
		}
		graph, err := evidence.Build([]evidence.DetectionRef{ref})
		if err != nil {
			fmt.Fprintf(stderr, "incidentd: build evidence graph for %s: %v\n", det.Result.DetectionID, err)
			return 1
		}
		if _, err := evidence.Put(ctx, sys.store, json.Marshal, graph); err != nil {
			fmt.Fprintf(stderr, "incidentd: store evidence graph for %s: %v\n", det.Result.DetectionID, err)
			return 1
		}
		summary.GraphIDs = append(summary.GraphIDs, graph.GraphID)

		trigger := candidate.DetectionSummary{
			DetectionID:     det.Result.DetectionID,
			RuleID:          det.Result.RuleID,
			Service:         sig.Source,
			SignalType:      sig.SignalType,
			Severity:        det.Result.Severity,
			SignalTimestamp: det.Result.SignalTimestamp,
			TargetsInfra:    sig.TargetsInfrastructure(),
		}
		if len(det.Result.NormalizedSignalIDs) > 0 {
			trigger.SignalID = det.Result.NormalizedSignalIDs[0]
		}

		for _, corrRule := range sys.correlationCatalog.All() {
			c, ok, err := candidate.Generate(ctx, corrRule, trigger, querier, graphs)
			if err != nil {
				fmt.Fprintf(stderr, "incidentd: generate candidate via %s: %v\n", corrRule.RuleID, err)
				return 1
			}
			if !ok {
				continue
			}
			if _, err := candidate.Put(ctx, sys.store, json.Marshal, c); err != nil {
				fmt.Fprintf(stderr, "incidentd: store candidate %s: %v\n", c.CandidateID, err)
				return 1
			}
			summary.CandidateIDs = append(summary.CandidateIDs, c.CandidateID)
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(summary)
	return 0
}

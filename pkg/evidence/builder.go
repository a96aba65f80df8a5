package evidence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opx/control-plane/pkg/hashing"
	"github.com/opx/control-plane/pkg/signal"
)

func buildNodesEdges(detections []DetectionRef) ([]string, []string, []Node, []Edge) {
	detectionIDs := make([]string, 0, len(detections))
	signalToDetections := map[string][]string{}
	seenSignals := map[string]struct{}{}
	var signalIDs []string

	for _, d := range detections {
		detectionIDs = append(detectionIDs, d.DetectionID)
		for _, sigID := range d.SignalIDs {
			signalToDetections[sigID] = append(signalToDetections[sigID], d.DetectionID)
			if _, ok := seenSignals[sigID]; !ok {
				seenSignals[sigID] = struct{}{}
				signalIDs = append(signalIDs, sigID)
			}
		}
	}
	sort.Strings(detectionIDs)
	sort.Strings(signalIDs)

	var edges []Edge
	for _, sigID := range signalIDs {
		dets := append([]string(nil), signalToDetections[sigID]...)
		sort.Strings(dets)
		for i := 0; i < len(dets); i++ {
			for j := i + 1; j < len(dets); j++ {
				edges = append(edges, Edge{FromDetectionID: dets[i], ToDetectionID: dets[j], SharedSignalID: sigID})
			}
		}
	}

	nodes := make([]Node, len(detectionIDs))
	for i, id := range detectionIDs {
		nodes[i] = Node{DetectionID: id}
	}

	return detectionIDs, signalIDs, nodes, edges
}

// Build constructs the pure, deterministic Graph for a set of detections. It
// deduplicates and sorts signal ids, sorts detection ids, and links
// detections that share a signal.
func Build(detections []DetectionRef) (Graph, error) {
	if len(detections) == 0 {
		return Graph{}, fmt.Errorf("evidence: Build requires at least one detection")
	}

	detectionIDs, signalIDs, nodes, edges := buildNodesEdges(detections)

	graphID, err := hashing.ComputeGraphId(detectionIDs, signalIDs, nil)
	if err != nil {
		return Graph{}, fmt.Errorf("evidence: compute graphId: %w", err)
	}

	return Graph{
		GraphID:      graphID,
		DetectionIDs: detectionIDs,
		SignalIDs:    signalIDs,
		Nodes:        nodes,
		Edges:        edges,
	}, nil
}

func buildSummary(detections []DetectionRef, signalIDs []string) Summary {
	s := Summary{
		DetectionCount:    len(detections),
		SignalCount:       len(signalIDs),
		SeverityHistogram: map[signal.Severity]int{},
	}
	seenRules := map[string]struct{}{}
	var uniqueRules []string
	for i, d := range detections {
		s.SeverityHistogram[d.Severity]++
		if _, ok := seenRules[d.RuleID]; !ok {
			seenRules[d.RuleID] = struct{}{}
			uniqueRules = append(uniqueRules, d.RuleID)
		}
		if i == 0 || d.SignalTimestamp.Before(s.EarliestObserved) {
			s.EarliestObserved = d.SignalTimestamp
		}
		if i == 0 || d.SignalTimestamp.After(s.LatestObserved) {
			s.LatestObserved = d.SignalTimestamp
		}
	}
	sort.Strings(uniqueRules)
	s.UniqueRuleIDs = uniqueRules
	return s
}

// BuildBundle wraps Build with a rolled-up Summary and folds the summary into
// the graphId — per spec, bundles additionally hash in signalSummary, so a
// bundle's graphId differs from the bare graph's even over the same
// detection/signal set. bundledAt is the only timestamp a bundle exposes to
// downstream determinism.
func BuildBundle(detections []DetectionRef, bundledAt time.Time) (Bundle, error) {
	if len(detections) == 0 {
		return Bundle{}, fmt.Errorf("evidence: BuildBundle requires at least one detection")
	}

	detectionIDs, signalIDs, nodes, edges := buildNodesEdges(detections)
	summary := buildSummary(detections, signalIDs)

	graphID, err := hashing.ComputeGraphId(detectionIDs, signalIDs, summary)
	if err != nil {
		return Bundle{}, fmt.Errorf("evidence: compute bundle graphId: %w", err)
	}

	graph := Graph{
		GraphID:      graphID,
		DetectionIDs: detectionIDs,
		SignalIDs:    signalIDs,
		Nodes:        nodes,
		Edges:        edges,
	}

	return Bundle{Graph: graph, Summary: summary, BundledAt: bundledAt}, nil
}

// Store is the narrow capability the builder needs for idempotent persistence
// of a graph plus upsertable membership rows so a candidate generator can look
// up which graph (if any) already covers a given detection.
type Store interface {
	ConditionalPut(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (isNew bool, err error)
	Put(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) error
}

// membershipNamespace holds one row per detectionId, naming the most
// recently stored graph that contains it, so a GraphLookup implementation
// can answer "does any stored graph already contain this detection" without
// scanning every graph.
const membershipNamespace = "evidence-graph-members"

// Put stores g idempotently under its own graphId, then (only on a new
// write) upserts one membership row per detection in g so later lookups can
// find the graph a detection belongs to. Membership rows are written
// best-effort-idempotently via plain Put: replaying the same graph is safe
// since every row is keyed by detectionId and carries the same graphId each
// time.
func Put(ctx context.Context, store Store, marshal func(interface{}) ([]byte, error), g Graph) (bool, error) {
	payload, err := marshal(g)
	if err != nil {
		return false, fmt.Errorf("evidence: marshal graph: %w", err)
	}
	isNew, err := store.ConditionalPut(ctx, "evidence-graphs", g.GraphID, payload, nil)
	if err != nil {
		return false, fmt.Errorf("evidence: store graph: %w", err)
	}

	if isNew {
		memberPayload, err := marshal(map[string]string{"graph_id": g.GraphID})
		if err != nil {
			return false, fmt.Errorf("evidence: marshal membership row: %w", err)
		}
		for _, detectionID := range g.DetectionIDs {
			if err := store.Put(ctx, membershipNamespace, detectionID, memberPayload, map[string]string{"graph_id": g.GraphID}); err != nil {
				return false, fmt.Errorf("evidence: store membership row for %s: %w", detectionID, err)
			}
		}
	}

	return isNew, nil
}

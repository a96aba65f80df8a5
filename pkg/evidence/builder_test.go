package evidence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opx/control-plane/pkg/signal"
)

func TestBuild_OrderIndependentGraphId(t *testing.T) {
	a := []DetectionRef{
		{DetectionID: "d2", SignalIDs: []string{"s2", "s1"}},
		{DetectionID: "d1", SignalIDs: []string{"s1"}},
	}
	b := []DetectionRef{
		{DetectionID: "d1", SignalIDs: []string{"s1"}},
		{DetectionID: "d2", SignalIDs: []string{"s1", "s2"}},
	}

	gA, err := Build(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gB, err := Build(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gA.GraphID != gB.GraphID {
		t.Fatalf("expected order-independent graphId: %s != %s", gA.GraphID, gB.GraphID)
	}
}

func TestBuild_EdgesLinkSharedSignal(t *testing.T) {
	g, err := Build([]DetectionRef{
		{DetectionID: "d1", SignalIDs: []string{"s1"}},
		{DetectionID: "d2", SignalIDs: []string{"s1"}},
		{DetectionID: "d3", SignalIDs: []string{"s2"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Edges) != 1 {
		t.Fatalf("expected exactly 1 edge (d1-d2 over s1), got %d: %+v", len(g.Edges), g.Edges)
	}
	if g.Edges[0].FromDetectionID != "d1" || g.Edges[0].ToDetectionID != "d2" {
		t.Fatalf("unexpected edge: %+v", g.Edges[0])
	}
}

func TestBuild_RejectsEmpty(t *testing.T) {
	if _, err := Build(nil); err == nil {
		t.Fatalf("expected error for empty detection set")
	}
}

func TestBuildBundle_SummaryAndDistinctGraphId(t *testing.T) {
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	detections := []DetectionRef{
		{DetectionID: "d1", SignalIDs: []string{"s1"}, RuleID: "r1", Severity: signal.SEV1, SignalTimestamp: now},
		{DetectionID: "d2", SignalIDs: []string{"s2"}, RuleID: "r2", Severity: signal.SEV2, SignalTimestamp: now.Add(time.Hour)},
	}

	bundle, err := BuildBundle(detections, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bundle.Summary.DetectionCount != 2 || bundle.Summary.SignalCount != 2 {
		t.Fatalf("unexpected summary: %+v", bundle.Summary)
	}
	if len(bundle.Summary.UniqueRuleIDs) != 2 {
		t.Fatalf("expected 2 unique rule ids, got %v", bundle.Summary.UniqueRuleIDs)
	}
	if !bundle.Summary.EarliestObserved.Equal(now) {
		t.Fatalf("expected earliest=%v, got %v", now, bundle.Summary.EarliestObserved)
	}

	plainGraph, err := Build(detections)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bundle.Graph.GraphID == plainGraph.GraphID {
		t.Fatalf("expected bundle graphId (folds in signalSummary) to differ from bare graph graphId")
	}
}

type evMemStore struct {
	written map[string][]byte
}

func (m *evMemStore) ConditionalPut(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (bool, error) {
	key := namespace + "#" + pk
	if _, ok := m.written[key]; ok {
		return false, nil
	}
	m.written[key] = payload
	return true, nil
}

func (m *evMemStore) Put(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) error {
	m.written[namespace+"#"+pk] = payload
	return nil
}

func TestPut_Idempotent(t *testing.T) {
	store := &evMemStore{written: map[string][]byte{}}
	g, err := Build([]DetectionRef{{DetectionID: "d1", SignalIDs: []string{"s1"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	isNew1, err := Put(context.Background(), store, json.Marshal, g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isNew1 {
		t.Fatalf("expected isNew=true on first put")
	}

	isNew2, err := Put(context.Background(), store, json.Marshal, g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isNew2 {
		t.Fatalf("expected isNew=false on duplicate put")
	}
}

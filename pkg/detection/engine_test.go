package detection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opx/control-plane/pkg/rules"
	"github.com/opx/control-plane/pkg/signal"
)

func testRule() *rules.DetectionRule {
	return &rules.DetectionRule{
		RuleID:      "lambda-error-rate",
		RuleVersion: "1.0.0",
		SignalMatcher: rules.SignalMatcher{
			SignalTypes: []string{"metric.error_rate"},
		},
		Conditions: []rules.Condition{
			{Field: "errorRate", Operator: "gt", Expected: 0.05},
		},
		OutputSeverity:   signal.SEV2,
		OutputConfidence: signal.ConfidenceHigh,
	}
}

func TestEvaluate_DeterministicDetectionId(t *testing.T) {
	r := &rules.DetectionRule{RuleID: "lambda-error-rate", RuleVersion: "1.0.0"}
	s := &signal.Normalized{NormalizedSignalID: "sig-fixed-1", SignalType: "x"}

	result, err := Evaluate(r, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != Match {
		t.Fatalf("expected MATCH with no signalMatcher/conditions, got %s", result.Decision)
	}
	if len(result.DetectionID) != 64 {
		t.Fatalf("expected 64-char detectionId, got %q", result.DetectionID)
	}

	again, err := Evaluate(r, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.DetectionID != again.DetectionID {
		t.Fatalf("expected stable detectionId across runs")
	}
}

func TestEvaluate_NoMatchOnSignalMatcherMiss(t *testing.T) {
	r := testRule()
	s := &signal.Normalized{NormalizedSignalID: "sig-1", SignalType: "log.error"}

	result, err := Evaluate(r, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != NoMatch {
		t.Fatalf("expected NO_MATCH on signalType mismatch, got %s", result.Decision)
	}
	if result.DetectionID != "" {
		t.Fatalf("expected no detectionId on NO_MATCH")
	}
}

func TestEvaluate_NoMatchOnConditionFailureStopsAtFirstFailure(t *testing.T) {
	r := testRule()
	r.Conditions = append(r.Conditions, rules.Condition{Field: "neverReached", Operator: "exists"})
	s := &signal.Normalized{
		NormalizedSignalID: "sig-1",
		SignalType:         "metric.error_rate",
		Payload:            map[string]interface{}{"errorRate": 0.01},
	}

	result, err := Evaluate(r, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != NoMatch {
		t.Fatalf("expected NO_MATCH, got %s", result.Decision)
	}
	if len(result.EvaluationTrace) != 1 {
		t.Fatalf("expected evaluation to stop at first failed condition, got %d steps", len(result.EvaluationTrace))
	}
}

func TestEvaluate_MatchBuildsTrace(t *testing.T) {
	r := testRule()
	s := &signal.Normalized{
		NormalizedSignalID: "sig-1",
		SignalType:         "metric.error_rate",
		Payload:            map[string]interface{}{"errorRate": 0.12},
	}

	result, err := Evaluate(r, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != Match {
		t.Fatalf("expected MATCH, got %s", result.Decision)
	}
	if result.Severity != signal.SEV2 || result.Confidence != signal.ConfidenceHigh {
		t.Fatalf("expected derived severity/confidence from rule output, got %+v", result)
	}
	if len(result.EvaluationTrace) != 1 || !result.EvaluationTrace[0].Result {
		t.Fatalf("expected a single passing trace step, got %+v", result.EvaluationTrace)
	}
}

func TestCombineMultiSignal_OrderIndependentAndConfidenceFormula(t *testing.T) {
	r := &rules.DetectionRule{RuleID: "r1", RuleVersion: "1.0.0", OutputSeverity: signal.SEV2, OutputConfidence: signal.ConfidenceHigh}
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	signals := []*signal.Normalized{
		{NormalizedSignalID: "s3", Source: "checkout", Severity: signal.SEV2, Timestamp: now},
		{NormalizedSignalID: "s1", Source: "checkout", Severity: signal.SEV2, Timestamp: now.Add(-time.Minute)},
	}

	result, err := CombineMultiSignal(r, signals)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ConfidenceScore != 0.2 {
		t.Fatalf("expected confidence 2/10=0.2, got %v", result.ConfidenceScore)
	}
	if result.NormalizedSignalIDs[0] != "s1" || result.NormalizedSignalIDs[1] != "s3" {
		t.Fatalf("expected sorted signal ids, got %v", result.NormalizedSignalIDs)
	}
}

func TestCombineMultiSignal_RejectsEmptyAndMismatchedService(t *testing.T) {
	r := &rules.DetectionRule{RuleID: "r1", RuleVersion: "1.0.0"}
	if _, err := CombineMultiSignal(r, nil); err == nil {
		t.Fatalf("expected error on empty signal set")
	}

	mismatched := []*signal.Normalized{
		{NormalizedSignalID: "s1", Source: "checkout", Severity: signal.SEV2},
		{NormalizedSignalID: "s2", Source: "billing", Severity: signal.SEV2},
	}
	if _, err := CombineMultiSignal(r, mismatched); err == nil {
		t.Fatalf("expected error on mismatched service")
	}
}

type memStore struct {
	written map[string][]byte
}

func (m *memStore) ConditionalPut(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (bool, error) {
	key := namespace + "#" + pk
	if _, exists := m.written[key]; exists {
		return false, nil
	}
	m.written[key] = payload
	return true, nil
}

type memEvents struct {
	emitted []string
}

func (m *memEvents) Emit(ctx context.Context, eventType string, payload []byte) error {
	m.emitted = append(m.emitted, eventType)
	return nil
}

func TestEngine_Process_IdempotentStorageAndEventOnlyOnNew(t *testing.T) {
	store := &memStore{written: map[string][]byte{}}
	events := &memEvents{}
	engine := NewEngine(store, events, json.Marshal)

	r := testRule()
	s := &signal.Normalized{
		NormalizedSignalID: "sig-1",
		SignalType:         "metric.error_rate",
		Source:              "checkout",
		Payload:             map[string]interface{}{"errorRate": 0.12},
	}

	_, isNew1, err := engine.Process(context.Background(), r, s, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isNew1 {
		t.Fatalf("expected isNew=true on first write")
	}

	_, isNew2, err := engine.Process(context.Background(), r, s, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isNew2 {
		t.Fatalf("expected isNew=false on duplicate write")
	}

	if len(events.emitted) != 1 {
		t.Fatalf("expected exactly one DetectionCreated event, got %d", len(events.emitted))
	}
}

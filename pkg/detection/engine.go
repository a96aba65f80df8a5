// Package detection evaluates one normalized signal against applicable
// detection rules and produces immutable, content-addressed Detections.
// Evaluation itself is pure; Engine adds idempotent storage and best-effort
// event emission around it.
package detection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opx/control-plane/pkg/hashing"
	"github.com/opx/control-plane/pkg/rules"
	"github.com/opx/control-plane/pkg/signal"
)

// Evaluate runs r's signalMatcher and ordered conditions against s and
// returns the deterministic Result. It takes no time argument and reads no
// clock (detections never depend on wall-clock); detectedAt is supplied by
// the caller that builds Metadata (Engine.Process).
func Evaluate(r *rules.DetectionRule, s *signal.Normalized) (Result, error) {
	if !MatchesSignal(r.SignalMatcher, s) {
		return Result{
			RuleID:              r.RuleID,
			RuleVersion:         r.RuleVersion,
			NormalizedSignalIDs: []string{s.NormalizedSignalID},
			SignalTimestamp:     s.Timestamp,
			Decision:            NoMatch,
			DetectionVersion:    detectionVersion,
		}, nil
	}

	trace := make([]EvaluationStep, 0, len(r.Conditions))
	matched := true
	for _, cond := range r.Conditions {
		actual, present := Access(s.Payload, cond.Field)
		ok, err := evalOperator(cond.Operator, actual, present, cond.Expected)
		if err != nil {
			return Result{}, fmt.Errorf("detection: rule %s@%s: %w", r.RuleID, r.RuleVersion, err)
		}
		trace = append(trace, EvaluationStep{
			Field:    cond.Field,
			Operator: cond.Operator,
			Expected: cond.Expected,
			Actual:   actual,
			Present:  present,
			Result:   ok,
		})
		if !ok {
			matched = false
			break
		}
	}

	if !matched {
		return Result{
			RuleID:              r.RuleID,
			RuleVersion:         r.RuleVersion,
			NormalizedSignalIDs: []string{s.NormalizedSignalID},
			SignalTimestamp:     s.Timestamp,
			Decision:            NoMatch,
			EvaluationTrace:     trace,
			DetectionVersion:    detectionVersion,
		}, nil
	}

	detectionID, err := hashing.ComputeDetectionId(r.RuleID, r.RuleVersion, s.NormalizedSignalID)
	if err != nil {
		return Result{}, fmt.Errorf("detection: compute detectionId: %w", err)
	}

	return Result{
		DetectionID:          detectionID,
		RuleID:               r.RuleID,
		RuleVersion:          r.RuleVersion,
		NormalizedSignalIDs:  []string{s.NormalizedSignalID},
		SignalTimestamp:      s.Timestamp,
		Decision:             Match,
		Severity:             r.OutputSeverity,
		Confidence:           r.OutputConfidence,
		EvaluationTrace:      trace,
		DetectionVersion:     detectionVersion,
	}, nil
}

// CombineMultiSignal merges several signals sharing a rule match into one
// detection. Per spec.md §4.3: all signals must share service and severity;
// signals are sorted by signalId before id derivation; empty input is
// rejected; confidence = min(1.0, |signals|/10).
func CombineMultiSignal(r *rules.DetectionRule, signals []*signal.Normalized) (Result, error) {
	if len(signals) == 0 {
		return Result{}, fmt.Errorf("detection: CombineMultiSignal requires at least one signal")
	}

	service := signals[0].Source
	severity := signals[0].Severity
	ids := make([]string, 0, len(signals))
	earliest := signals[0].Timestamp
	for _, s := range signals {
		if s.Source != service {
			return Result{}, fmt.Errorf("detection: multi-signal combination requires a shared service, got %q and %q", service, s.Source)
		}
		if s.Severity != severity {
			return Result{}, fmt.Errorf("detection: multi-signal combination requires a shared severity, got %q and %q", severity, s.Severity)
		}
		ids = append(ids, s.NormalizedSignalID)
		if s.Timestamp.Before(earliest) {
			earliest = s.Timestamp
		}
	}
	sort.Strings(ids)

	detectionID, err := hashing.ComputeMultiSignalDetectionId(r.RuleID, r.RuleVersion, ids)
	if err != nil {
		return Result{}, fmt.Errorf("detection: compute multi-signal detectionId: %w", err)
	}

	confidenceScore := float64(len(signals)) / 10.0
	if confidenceScore > 1.0 {
		confidenceScore = 1.0
	}

	return Result{
		DetectionID:          detectionID,
		RuleID:               r.RuleID,
		RuleVersion:          r.RuleVersion,
		NormalizedSignalIDs:  ids,
		SignalTimestamp:      earliest,
		Decision:             Match,
		Severity:             r.OutputSeverity,
		Confidence:           r.OutputConfidence,
		ConfidenceScore:      confidenceScore,
		DetectionVersion:     detectionVersion,
	}, nil
}

// formatIndexTimestamp renders t as a millisecond-precision, UTC ISO8601
// string, the fixed format every signal_timestamp range query compares
// lexically against.
func formatIndexTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Store is the narrow capability the engine needs for idempotent persistence.
type Store interface {
	ConditionalPut(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (isNew bool, err error)
}

// EventEmitter is the best-effort notification capability. Failure here must
// never block detection storage.
type EventEmitter interface {
	Emit(ctx context.Context, eventType string, payload []byte) error
}

// Engine wires pure evaluation to idempotent storage and best-effort event
// emission.
type Engine struct {
	store    Store
	events   EventEmitter
	marshal  func(interface{}) ([]byte, error)
	log      *slog.Logger
}

// NewEngine constructs an Engine. marshal is caller-supplied so detection/
// doesn't need its own opinion on wire encoding; callers wire this from
// encoding/json or from pkg/hashing's canonical encoding as appropriate.
func NewEngine(store Store, events EventEmitter, marshal func(interface{}) ([]byte, error)) *Engine {
	return &Engine{
		store:   store,
		events:  events,
		marshal: marshal,
		log:     slog.Default().With("component", "detection"),
	}
}

// Process evaluates r against s, stores the result idempotently, and
// best-effort emits a DetectionCreated event only when the write is new.
// Storage failure is fatal and returned to the caller; event emission
// failure is logged and swallowed.
func (e *Engine) Process(ctx context.Context, r *rules.DetectionRule, s *signal.Normalized, detectedAt time.Time) (Detection, bool, error) {
	result, err := Evaluate(r, s)
	if err != nil {
		return Detection{}, false, err
	}
	if result.Decision != Match {
		return Detection{Result: result}, false, nil
	}

	stored := StoredRecord{
		Result:       result,
		Service:      s.Source,
		SignalType:   s.SignalType,
		TargetsInfra: s.TargetsInfrastructure(),
	}
	payload, err := e.marshal(stored)
	if err != nil {
		return Detection{}, false, fmt.Errorf("detection: marshal result: %w", err)
	}

	indexed := map[string]string{
		"rule_id":          result.RuleID,
		"service":          s.Source,
		"signal_timestamp": formatIndexTimestamp(result.SignalTimestamp),
	}
	isNew, err := e.store.ConditionalPut(ctx, "detections", result.DetectionID, payload, indexed)
	if err != nil {
		return Detection{}, false, fmt.Errorf("detection: store: %w", err)
	}

	det := Detection{
		Result:   result,
		Metadata: Metadata{DetectionID: result.DetectionID, DetectedAt: detectedAt},
	}

	if isNew && e.events != nil {
		eventPayload, merr := e.marshal(map[string]interface{}{
			"detection_id": result.DetectionID,
			"rule_id":      result.RuleID,
			"rule_version": result.RuleVersion,
			"service":      s.Source,
		})
		if merr != nil {
			e.log.WarnContext(ctx, "detection event marshal failed", "error", merr)
		} else if err := e.events.Emit(ctx, "DetectionCreated", eventPayload); err != nil {
			e.log.WarnContext(ctx, "detection event emission failed", "error", err, "detection_id", result.DetectionID)
		}
	}

	return det, isNew, nil
}

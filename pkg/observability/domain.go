// Package observability — domain-specific span/metric attributes for the
// detection → promotion → incident pipeline.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrDetectionID = attribute.Key("incidentd.detection.id")
	AttrRuleID      = attribute.Key("incidentd.rule.id")

	AttrCandidateID = attribute.Key("incidentd.candidate.id")
	AttrService     = attribute.Key("incidentd.service")
	AttrSeverity    = attribute.Key("incidentd.severity")

	AttrDecisionID = attribute.Key("incidentd.decision.id")
	AttrDecision   = attribute.Key("incidentd.decision")

	AttrIncidentID    = attribute.Key("incidentd.incident.id")
	AttrIncidentState = attribute.Key("incidentd.incident.state")

	AttrAuthorityType = attribute.Key("incidentd.authority.type")
	AttrAction        = attribute.Key("incidentd.action")

	AttrValidationBucket = attribute.Key("incidentd.validation.bucket")
)

// DetectionOperation creates attributes for a detection-engine evaluation.
func DetectionOperation(detectionID, ruleID, service string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDetectionID.String(detectionID),
		AttrRuleID.String(ruleID),
		AttrService.String(service),
	}
}

// PromotionOperation creates attributes for a promotion decision.
func PromotionOperation(candidateID, decisionID, decision, service string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCandidateID.String(candidateID),
		AttrDecisionID.String(decisionID),
		AttrDecision.String(decision),
		AttrService.String(service),
	}
}

// IncidentOperation creates attributes for an incident state transition.
func IncidentOperation(incidentID, state, authorityType, action string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrIncidentID.String(incidentID),
		AttrIncidentState.String(state),
		AttrAuthorityType.String(authorityType),
		AttrAction.String(action),
	}
}

// ValidationOperation creates attributes for an output-validation attempt.
func ValidationOperation(bucket string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrValidationBucket.String(bucket)}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span, if any.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}

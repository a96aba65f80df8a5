package validation

import (
	"context"
	"encoding/json"
	"testing"
)

const testSchema = `{
	"type": "object",
	"properties": {
		"confidence": {"type": "number"},
		"reasoning": {"type": "string"},
		"citations": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["confidence", "reasoning", "citations"]
}`

type scriptedProducer struct {
	calls   int
	outputs [][]byte
	errs    []error
}

func (p *scriptedProducer) Produce(ctx context.Context, prompt, priorFailureSummary string) ([]byte, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	return p.outputs[i], nil
}

type fakeChecker struct {
	known map[string]bool
}

func (f fakeChecker) Exists(ctx context.Context, citation string) (bool, error) {
	return f.known[citation], nil
}

func validOutputJSON(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(Output{Confidence: 0.8, Reasoning: "root cause traced to a connection pool exhaustion event", Citations: []string{"doc-1"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestValidate_FirstAttemptSucceeds(t *testing.T) {
	producer := &scriptedProducer{outputs: [][]byte{validOutputJSON(t)}}
	v, err := NewValidator(testSchema, producer, fakeChecker{known: map[string]bool{"doc-1": true}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result := v.Validate(context.Background(), "explain the outage")
	if result.Bucket != BucketFirst {
		t.Fatalf("expected BucketFirst, got %s", result.Bucket)
	}
	if result.Output.Confidence != 0.8 {
		t.Fatalf("unexpected output: %+v", result.Output)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("expected no warnings for a known citation, got %v", result.Warnings)
	}
}

func TestValidate_FirstFailsSecondSucceeds(t *testing.T) {
	bad := []byte(`{"confidence": 2.0, "reasoning": "too short", "citations": ["doc-1"]}`)
	producer := &scriptedProducer{outputs: [][]byte{bad, validOutputJSON(t)}}
	v, err := NewValidator(testSchema, producer, fakeChecker{known: map[string]bool{"doc-1": true}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result := v.Validate(context.Background(), "explain the outage")
	if result.Bucket != BucketSecond {
		t.Fatalf("expected BucketSecond, got %s", result.Bucket)
	}
}

func TestValidate_BothFailYieldsHonestFallback(t *testing.T) {
	bad := []byte(`{"confidence": 2.0, "reasoning": "too short", "citations": ["doc-1"]}`)
	producer := &scriptedProducer{outputs: [][]byte{bad, bad}}
	v, err := NewValidator(testSchema, producer, fakeChecker{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result := v.Validate(context.Background(), "explain the outage")
	if result.Bucket != BucketFallback {
		t.Fatalf("expected BucketFallback, got %s", result.Bucket)
	}
	if result.Output.Confidence != 0.0 {
		t.Fatalf("expected honest fallback confidence=0.0, got %f", result.Output.Confidence)
	}
	if len(result.Output.Citations) != 0 {
		t.Fatalf("expected empty citations in fallback, got %v", result.Output.Citations)
	}
}

func TestValidate_UnknownCitationWarnsButDoesNotBlock(t *testing.T) {
	producer := &scriptedProducer{outputs: [][]byte{validOutputJSON(t)}}
	v, err := NewValidator(testSchema, producer, fakeChecker{known: map[string]bool{}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result := v.Validate(context.Background(), "explain the outage")
	if result.Bucket != BucketFirst {
		t.Fatalf("expected the best-effort layer to never block acceptance, got bucket %s", result.Bucket)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected one warning for the unconfirmed citation, got %v", result.Warnings)
	}
}

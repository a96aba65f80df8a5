// Package validation runs a producer's structured output through three
// layers — structural schema, business-rule semantics, best-effort semantic
// checks — with bounded retry and an honest fallback on exhaustion. Grounded
// on the teacher's firewall (compile-once-validate-many JSON Schema gate)
// and its deterministic-backoff kernel package; nothing here ever echoes raw
// validator error detail back to the producer, and nothing here blocks on a
// best-effort check failing.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const minReasoningLength = 10

// Bucket labels the metrics dimension an attempt's outcome falls under.
type Bucket string

const (
	BucketFirst    Bucket = "first"
	BucketSecond   Bucket = "second"
	BucketFallback Bucket = "fallback"
)

// Output is the structured shape every producer call must conform to.
type Output struct {
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Citations  []string `json:"citations"`
}

// Producer generates one attempt's raw JSON output for a prompt. summary is
// a short, sanitized description of the prior attempt's failure — never the
// raw schema validator error — so a retry prompt never echoes internals.
type Producer interface {
	Produce(ctx context.Context, prompt string, priorFailureSummary string) ([]byte, error)
}

// CitationChecker is the best-effort layer-3 capability: confirming a cited
// source actually exists. Its failures are logged, never propagated.
type CitationChecker interface {
	Exists(ctx context.Context, citation string) (bool, error)
}

// Result is what Validate returns: the accepted output (real or fallback),
// which bucket it landed in, and any best-effort warnings collected along
// the way.
type Result struct {
	Output   Output
	Bucket   Bucket
	Warnings []string
}

// Validator runs the three-layer gate.
type Validator struct {
	schema   *jsonschema.Schema
	producer Producer
	checker  CitationChecker
	logger   *slog.Logger
}

// NewValidator compiles schemaJSON once; schema compilation failure is a
// construction-time error, not a per-call one.
func NewValidator(schemaJSON string, producer Producer, checker CitationChecker, logger *slog.Logger) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://control-plane.local/validation/output.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("validation: load schema: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("validation: compile schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{schema: compiled, producer: producer, checker: checker, logger: logger}, nil
}

// Validate runs the bounded-retry gate and always returns a usable Output —
// either a validated producer result or the honest fallback. It never
// returns an error: a validation failure is a business outcome, not an
// infrastructure one.
func (v *Validator) Validate(ctx context.Context, prompt string) Result {
	var failureSummary string
	buckets := []Bucket{BucketFirst, BucketSecond}

	for _, bucket := range buckets {
		raw, err := v.producer.Produce(ctx, prompt, failureSummary)
		if err != nil {
			failureSummary = "producer call failed"
			continue
		}

		out, layer2Err := v.runStructuralAndBusinessLayers(raw)
		if layer2Err != nil {
			failureSummary = summarize(layer2Err)
			continue
		}

		warnings := v.runBestEffortLayer(ctx, out)
		return Result{Output: out, Bucket: bucket, Warnings: warnings}
	}

	return Result{Output: fallback(len(buckets)), Bucket: BucketFallback}
}

// runStructuralAndBusinessLayers implements layers 1 and 2: schema
// conformance, then the specific business-rule field checks.
func (v *Validator) runStructuralAndBusinessLayers(raw []byte) (Output, error) {
	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return Output{}, fmt.Errorf("malformed JSON: %w", err)
	}
	if err := v.schema.Validate(asMap); err != nil {
		return Output{}, fmt.Errorf("structural validation failed: %w", err)
	}

	var out Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return Output{}, fmt.Errorf("could not decode into Output: %w", err)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return Output{}, fmt.Errorf("confidence %f out of [0,1]", out.Confidence)
	}
	if len(out.Reasoning) < minReasoningLength {
		return Output{}, fmt.Errorf("reasoning shorter than %d characters", minReasoningLength)
	}
	if len(out.Citations) == 0 {
		return Output{}, fmt.Errorf("citations must be non-empty")
	}
	return out, nil
}

// runBestEffortLayer implements layer 3: checks that log warnings but never
// reject the output, per spec.
func (v *Validator) runBestEffortLayer(ctx context.Context, out Output) []string {
	if v.checker == nil {
		return nil
	}
	var warnings []string
	for _, citation := range out.Citations {
		exists, err := v.checker.Exists(ctx, citation)
		if err != nil {
			v.logger.Warn("citation existence check failed", "citation", citation, "error", err)
			continue
		}
		if !exists {
			msg := fmt.Sprintf("citation %q could not be confirmed to exist", citation)
			v.logger.Warn(msg)
			warnings = append(warnings, msg)
		}
	}
	return warnings
}

// fallback builds the honest, never-false-positive response produced when
// every real attempt has been exhausted.
func fallback(attemptCount int) Output {
	return Output{
		Confidence: 0.0,
		Reasoning:  fmt.Sprintf("no validated output after %d attempts; returning honest fallback", attemptCount),
		Citations:  []string{},
	}
}

// summarize reduces a validator error to a short, sanitized phrase safe to
// feed back into a retry prompt. The underlying schema-validator error text
// is never echoed verbatim — it may contain excerpts of the producer's raw
// output.
func summarize(err error) string {
	return "the previous attempt did not pass structural or business-rule validation"
}

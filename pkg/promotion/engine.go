package promotion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/opx/control-plane/pkg/apierr"
	"github.com/opx/control-plane/pkg/authority"
	"github.com/opx/control-plane/pkg/candidate"
	"github.com/opx/control-plane/pkg/hashing"
	"github.com/opx/control-plane/pkg/rules"
	"github.com/opx/control-plane/pkg/signal"
)

// CandidateLoader fetches a candidate by id.
type CandidateLoader interface {
	LoadCandidate(ctx context.Context, candidateID string) (*candidate.Candidate, bool, error)
}

// Store is the narrow capability the commit stage needs.
type Store interface {
	ConditionalPut(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (isNew bool, err error)
}

// AuditStore is a separate, best-effort sink; its failures never propagate.
type AuditStore interface {
	ConditionalPut(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (isNew bool, err error)
}

// EventEmitter is the best-effort notification capability used to announce a
// committed promotion decision. Failure here must never block the decision
// that was already durably stored.
type EventEmitter interface {
	Emit(ctx context.Context, eventType string, payload []byte) error
}

// Engine runs the four ordered promotion substages.
type Engine struct {
	loader  CandidateLoader
	store   Store
	audit   AuditStore
	marshal func(interface{}) ([]byte, error)
	events  EventEmitter
	log     *slog.Logger

	mu       sync.Mutex
	celEnv   *cel.Env
	compiled map[string]cel.Program
}

// NewEngine constructs an Engine. events may be nil, in which case
// PromotionDecided is never emitted.
func NewEngine(loader CandidateLoader, store Store, audit AuditStore, marshal func(interface{}) ([]byte, error), events EventEmitter) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("severity", cel.StringType),
		cel.Variable("service", cel.StringType),
		cel.Variable("pendingIncident", cel.BoolType),
		cel.Variable("cooldownActive", cel.BoolType),
		cel.Variable("isStale", cel.BoolType),
		cel.Variable("hasSufficientEvidence", cel.BoolType),
		cel.Variable("existingPromotion", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("promotion: build CEL env: %w", err)
	}
	return &Engine{
		loader:   loader,
		store:    store,
		audit:    audit,
		marshal:  marshal,
		events:   events,
		log:      slog.Default().With("component", "promotion"),
		celEnv:   env,
		compiled: map[string]cel.Program{},
	}, nil
}

func (e *Engine) compile(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.compiled[expr]; ok {
		return prg, nil
	}
	ast, issues := e.celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("promotion: compile condition %q: %w", expr, issues.Err())
	}
	prg, err := e.celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("promotion: build program for %q: %w", expr, err)
	}
	e.compiled[expr] = prg
	return prg, nil
}

func (e *Engine) evalCondition(expr string, c *candidate.Candidate, ec EvalContext) (bool, error) {
	prg, err := e.compile(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"confidence":            c.ConfidenceScore,
		"severity":              string(c.SuggestedSeverity),
		"service":               c.SuggestedService,
		"pendingIncident":       ec.PendingIncident,
		"cooldownActive":        ec.CooldownActive,
		"isStale":               ec.IsStale,
		"hasSufficientEvidence": ec.HasSufficientEvidence,
		"existingPromotion":     ec.ExistingPromotion,
	})
	if err != nil {
		return false, fmt.Errorf("promotion: evaluate condition %q: %w", expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("promotion: condition %q did not evaluate to a bool", expr)
	}
	return b, nil
}

// validateRequest is substage 1.
func validateRequest(req Request) error {
	if req.CandidateID == "" {
		return apierr.Validation("MISSING_CANDIDATE_ID", "candidateId is required", "candidateId")
	}
	if req.PolicyID == "" || req.PolicyVersion == "" {
		return apierr.Validation("MISSING_POLICY_REF", "policyId and policyVersion are required", "policyId")
	}
	if err := authority.Validate(req.AuthorityContext); err != nil {
		return apierr.Validation("INVALID_AUTHORITY_CONTEXT", err.Error(), "authorityContext")
	}
	switch req.AuthorityContext.AuthorityType {
	case authority.AutoEngine, authority.HumanOperator, authority.OnCallSRE, authority.EmergencyOverride:
	default:
		return apierr.Validation("UNKNOWN_AUTHORITY_TYPE", "unrecognized authority type", "authorityContext.authorityType")
	}
	return nil
}

func severityAllowed(sev signal.Severity, allowed []signal.Severity) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == sev {
			return true
		}
	}
	return false
}

func resultOf(b bool) string {
	if b {
		return "MATCH"
	}
	return "NO_MATCH"
}

// Evaluate runs substage 3 in isolation — the deterministic function of
// (candidate, policy, authority context, currentTime, existingPromotions,
// activeIncidents) described by the promotion gate. It does not touch
// storage; Process wraps it with load + commit.
func (e *Engine) Evaluate(ctx context.Context, c *candidate.Candidate, policy *rules.PromotionPolicy, authType authority.Type, ec EvalContext) (Decision, string, []EvaluationStep, error) {
	var trace []EvaluationStep

	age := ec.CurrentTime.Sub(c.CreatedAt)
	eligible := c.ConfidenceScore >= policy.Eligibility.MinConfidence &&
		severityAllowed(c.SuggestedSeverity, policy.Eligibility.AllowedSeverities) &&
		len(c.DetectionIDs) >= policy.Eligibility.MinDetections &&
		int(age.Minutes()) <= policy.Eligibility.MaxAgeMinutes

	trace = append(trace, EvaluationStep{Name: "eligibility", Result: resultOf(eligible)})
	if !eligible {
		return DecisionReject, "candidate is not eligible under policy thresholds", trace, nil
	}

	authOk := false
	for _, a := range policy.AuthorityRestrictions.AllowedAuthorities {
		if a == string(authType) {
			authOk = true
			break
		}
	}
	trace = append(trace, EvaluationStep{Name: "authority", Result: resultOf(authOk)})
	if !authOk {
		return DecisionReject, "authority type not permitted by policy", trace, nil
	}

	for _, expr := range policy.RejectionConditions {
		hit, err := e.evalCondition(expr, c, ec)
		if err != nil {
			return "", "", trace, apierr.GateInternal("REJECTION_CONDITION_EVAL_FAILED", "rejection condition evaluation failed", err)
		}
		trace = append(trace, EvaluationStep{Name: "rejection:" + expr, Result: resultOf(hit)})
		if hit {
			return DecisionReject, fmt.Sprintf("rejection condition matched: %s", expr), trace, nil
		}
	}

	for _, expr := range policy.DeferralConditions {
		hit, err := e.evalCondition(expr, c, ec)
		if err != nil {
			return "", "", trace, apierr.GateInternal("DEFERRAL_CONDITION_EVAL_FAILED", "deferral condition evaluation failed", err)
		}
		trace = append(trace, EvaluationStep{Name: "deferral:" + expr, Result: resultOf(hit)})
		if hit {
			return DecisionDefer, fmt.Sprintf("deferral condition matched: %s", expr), trace, nil
		}
	}

	return DecisionPromote, "eligible, no rejection or deferral condition matched", trace, nil
}

// Process runs all four substages end to end.
func (e *Engine) Process(ctx context.Context, req Request, policy *rules.PromotionPolicy, ec EvalContext, requestContextHash string) (Record, error) {
	if err := validateRequest(req); err != nil {
		return Record{}, err
	}

	c, found, err := e.loader.LoadCandidate(ctx, req.CandidateID)
	if err != nil {
		return Record{}, apierr.Infra("CANDIDATE_LOAD_FAILED", "failed to load candidate", err)
	}
	if !found {
		return Record{}, apierr.NotFound("CANDIDATE_NOT_FOUND", fmt.Sprintf("candidate %s not found", req.CandidateID))
	}

	decision, reason, trace, err := e.Evaluate(ctx, c, policy, req.AuthorityContext.AuthorityType, ec)
	if err != nil {
		// Fail-closed: an unexpected evaluation error becomes REJECT, never a
		// silent promote.
		decision = DecisionReject
		reason = "internal evaluation error; failing closed"
		trace = append(trace, EvaluationStep{Name: "internal_error", Result: "ERROR", Detail: err.Error()})
	}

	decisionID, err := hashing.ComputeDecisionId(req.CandidateID, req.PolicyID, req.PolicyVersion, requestContextHash)
	if err != nil {
		return Record{}, apierr.GateInternal("DECISION_ID_COMPUTE_FAILED", "failed to compute decisionId", err)
	}
	decisionHash, err := hashing.ComputeDecisionHash(string(decision), reason, req.PolicyVersion, req.CandidateID)
	if err != nil {
		return Record{}, apierr.GateInternal("DECISION_HASH_COMPUTE_FAILED", "failed to compute decisionHash", err)
	}

	rec := Record{
		DecisionID:         decisionID,
		DecisionHash:       decisionHash,
		CandidateID:        req.CandidateID,
		PolicyID:           req.PolicyID,
		PolicyVersion:      req.PolicyVersion,
		Decision:           decision,
		Reason:             reason,
		EvaluationTrace:    trace,
		RequestContextHash: requestContextHash,
		CreatedAt:          ec.CurrentTime,
	}

	payload, err := e.marshal(rec)
	if err != nil {
		return Record{}, apierr.GateInternal("DECISION_MARSHAL_FAILED", "failed to marshal decision", err)
	}
	if _, err := e.store.ConditionalPut(ctx, "promotion-decisions", rec.DecisionID, payload, map[string]string{"candidate_id": rec.CandidateID}); err != nil {
		return Record{}, apierr.Infra("DECISION_STORE_FAILED", "failed to store decision", err)
	}

	if e.events != nil {
		eventPayload, merr := e.marshal(map[string]interface{}{
			"decision_id":  rec.DecisionID,
			"candidate_id": rec.CandidateID,
			"decision":     rec.Decision,
		})
		if merr != nil {
			e.log.WarnContext(ctx, "promotion event marshal failed", "error", merr)
		} else if err := e.events.Emit(ctx, "PromotionDecided", eventPayload); err != nil {
			e.log.WarnContext(ctx, "promotion event emission failed", "error", err, "decision_id", rec.DecisionID)
		}
	}

	// Best-effort audit; failure never blocks the decision above.
	auditPayload, aerr := e.marshal(Audit{
		DecisionID:     rec.DecisionID,
		PolicySnapshot: policy,
		InputSnapshot:  req.RequestContext,
		AuthorityID:    req.AuthorityContext.AuthorityID,
		AuthorityType:  req.AuthorityContext.AuthorityType,
		CreatedAt:      ec.CurrentTime,
	})
	if aerr == nil {
		_, _ = e.audit.ConditionalPut(ctx, "promotion-audit", rec.DecisionID, auditPayload, nil)
	}

	return rec, nil
}

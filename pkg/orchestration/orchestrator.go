// Package orchestration wires the end-to-end path candidate -> promotion
// decision -> incident behind a single idempotency claim, grounded on the
// outbox scheduling pattern: a conditional write reserves the slot, the
// multi-step body runs, and a best-effort attempt log records what happened
// without ever gating the result on that log succeeding.
package orchestration

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opx/control-plane/pkg/apierr"
	"github.com/opx/control-plane/pkg/hashing"
	"github.com/opx/control-plane/pkg/idempotency"
	"github.com/opx/control-plane/pkg/incident"
	"github.com/opx/control-plane/pkg/promotion"
	"github.com/opx/control-plane/pkg/rules"
)

// Promoter is the narrow slice of promotion.Engine the orchestrator drives.
type Promoter interface {
	Process(ctx context.Context, req promotion.Request, policy *rules.PromotionPolicy, ec promotion.EvalContext, requestContextHash string) (promotion.Record, error)
}

// IncidentOpener is the narrow slice of incident.Manager the orchestrator
// drives after a PROMOTE decision.
type IncidentOpener interface {
	CreateOrLookup(ctx context.Context, service, evidenceID, severity string, currentTime time.Time) (incident.Incident, error)
}

// AttemptLog is a best-effort, write-only sink. A failed write here is
// logged by the caller and otherwise ignored — it must never block or
// unwind a successful orchestration.
type AttemptLog interface {
	ConditionalPut(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (isNew bool, err error)
}

// Attempt is the observability record of one orchestration pass.
type Attempt struct {
	AttemptID      string    `json:"attempt_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	CandidateID    string    `json:"candidate_id"`
	Decision       string    `json:"decision,omitempty"`
	IncidentID     string    `json:"incident_id,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Orchestrator coordinates the claim -> promote -> incident -> complete
// sequence. uuidGen is injected so tests can supply a deterministic
// generator; attempt IDs are pure observability metadata, never part of any
// content-addressed identifier.
type Orchestrator struct {
	ledger   *idempotency.Ledger
	promoter Promoter
	incidents IncidentOpener
	attempts AttemptLog
	marshal  func(interface{}) ([]byte, error)
	newID    func() string
}

func NewOrchestrator(ledger *idempotency.Ledger, promoter Promoter, incidents IncidentOpener, attempts AttemptLog, marshal func(interface{}) ([]byte, error)) *Orchestrator {
	return &Orchestrator{
		ledger:    ledger,
		promoter:  promoter,
		incidents: incidents,
		attempts:  attempts,
		marshal:   marshal,
		newID:     func() string { return uuid.NewString() },
	}
}

// Input is one end-to-end promotion-to-incident request.
type Input struct {
	Principal          string
	ClientIdempotencyKey string
	PromotionRequest   promotion.Request
	Policy             *rules.PromotionPolicy
	EvalContext        promotion.EvalContext
	RequestContextHash string
	EvidenceID         string
	CurrentTime        time.Time
}

// Result is what a caller gets back, whether this call executed the work or
// converged onto an already-completed attempt.
type Result struct {
	Decision   promotion.Record
	Incident   *incident.Incident
	Converged  bool
}

// Process runs one attempt. Concurrent identical attempts converge on the
// same idempotency key and observe the same result, because every
// downstream ID (decisionId, incidentId) is itself a deterministic function
// of the request.
func (o *Orchestrator) Process(ctx context.Context, in Input) (Result, error) {
	key, err := o.ledger.GetKey(in.Principal, "processCandidate", in.PromotionRequest, in.ClientIdempotencyKey)
	if err != nil {
		return Result{}, apierr.GateInternal("IDEMPOTENCY_KEY_DERIVE_FAILED", "failed to derive idempotency key", err)
	}

	requestHash, err := hashing.Sha256Hex(in.PromotionRequest)
	if err != nil {
		return Result{}, apierr.GateInternal("REQUEST_HASH_DERIVE_FAILED", "failed to derive request hash", err)
	}

	prior, claimed, err := o.ledger.Claim(ctx, key, in.Principal, "processCandidate", requestHash)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		return o.convergeOnPrior(ctx, prior, in)
	}

	attempt := Attempt{AttemptID: o.newID(), IdempotencyKey: key, CandidateID: in.PromotionRequest.CandidateID, CreatedAt: in.CurrentTime}

	decision, err := o.promoter.Process(ctx, in.PromotionRequest, in.Policy, in.EvalContext, in.RequestContextHash)
	if err != nil {
		attempt.Error = err.Error()
		o.logAttempt(ctx, attempt)
		return Result{}, err
	}
	attempt.Decision = string(decision.Decision)

	result := Result{Decision: decision}

	if decision.Decision == promotion.DecisionPromote {
		service, ok := stringFromContext(in.PromotionRequest.RequestContext, "service")
		if !ok {
			err := apierr.Validation("MISSING_SERVICE_CONTEXT", "requestContext.service is required to open an incident", "requestContext.service")
			attempt.Error = err.Error()
			o.logAttempt(ctx, attempt)
			return Result{}, err
		}
		inc, err := o.incidents.CreateOrLookup(ctx, service, in.EvidenceID, severityFromContext(in.PromotionRequest.RequestContext), in.CurrentTime)
		if err != nil {
			attempt.Error = err.Error()
			o.logAttempt(ctx, attempt)
			return Result{}, err
		}
		attempt.IncidentID = inc.IncidentID
		result.Incident = &inc
	}

	o.logAttempt(ctx, attempt)

	response := map[string]interface{}{"decisionId": decision.DecisionID, "decision": string(decision.Decision)}
	if result.Incident != nil {
		response["incidentId"] = result.Incident.IncidentID
	}
	if _, err := o.ledger.Complete(ctx, key, in.Principal, "processCandidate", requestHash, response); err != nil {
		return Result{}, err
	}

	return result, nil
}

// convergeOnPrior handles a losing claim. If the winner already completed,
// every downstream ID is re-derivable deterministically, so this call
// re-issues the idempotent incident lookup to hand the caller the same
// result the winner produced — no re-evaluation of the promotion decision
// happens, since that decision is already durably recorded. If the winner
// is still IN_PROGRESS, the caller must retry; Converged alone signals that.
func (o *Orchestrator) convergeOnPrior(ctx context.Context, prior idempotency.Record, in Input) (Result, error) {
	if prior.Status != idempotency.StatusCompleted {
		return Result{Converged: true}, nil
	}
	result := Result{Converged: true}
	if decisionID, ok := prior.Response["decisionId"].(string); ok {
		result.Decision.DecisionID = decisionID
	}
	if decision, ok := prior.Response["decision"].(string); ok {
		result.Decision.Decision = promotion.Decision(decision)
	}
	incidentID, ok := prior.Response["incidentId"].(string)
	if !ok {
		return result, nil
	}
	service, _ := stringFromContext(in.PromotionRequest.RequestContext, "service")
	inc, err := o.incidents.CreateOrLookup(ctx, service, in.EvidenceID, severityFromContext(in.PromotionRequest.RequestContext), in.CurrentTime)
	if err != nil {
		return Result{}, err
	}
	if inc.IncidentID != incidentID {
		return Result{}, apierr.GateInternal("ORCHESTRATION_CONVERGENCE_MISMATCH", "re-derived incidentId does not match the completed attempt's recorded incidentId", nil)
	}
	result.Incident = &inc
	return result, nil
}

// logAttempt is best-effort: a failure to persist the observability trail
// never unwinds or fails the orchestration it describes.
func (o *Orchestrator) logAttempt(ctx context.Context, a Attempt) {
	payload, err := o.marshal(a)
	if err != nil {
		return
	}
	_, _ = o.attempts.ConditionalPut(ctx, "orchestration-attempts", a.AttemptID, payload, map[string]string{"candidate_id": a.CandidateID})
}

func severityFromContext(requestContext map[string]interface{}) string {
	v, _ := stringFromContext(requestContext, "severity")
	return v
}

func stringFromContext(requestContext map[string]interface{}, key string) (string, bool) {
	v, ok := requestContext[key].(string)
	return v, ok
}

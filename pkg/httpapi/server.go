package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/opx/control-plane/pkg/apierr"
	"github.com/opx/control-plane/pkg/authority"
	"github.com/opx/control-plane/pkg/incident"
	"github.com/opx/control-plane/pkg/orchestration"
	"github.com/opx/control-plane/pkg/outcome"
	"github.com/opx/control-plane/pkg/promotion"
	"github.com/opx/control-plane/pkg/rules"
)

// PolicyLookup resolves a promotion policy by id and version.
type PolicyLookup interface {
	LoadPolicy(id, version string) (*rules.PromotionPolicy, error)
}

// Clock returns the current time. Injected so handlers stay testable and
// every downstream ID derivation continues to receive an explicit
// currentTime parameter rather than reading the wall clock itself.
type Clock func() time.Time

// Server wires the HTTP controller surface to the domain packages. It holds
// no business logic of its own — every handler's job is parse request,
// authenticate, call a domain method, write response.
type Server struct {
	orchestrator *orchestration.Orchestrator
	incidents    *incident.Manager
	outcomes     *outcome.Recorder
	policies     PolicyLookup
	tokens       *authority.TokenValidator
	now          Clock
}

func NewServer(orchestrator *orchestration.Orchestrator, incidents *incident.Manager, outcomes *outcome.Recorder, policies PolicyLookup, tokens *authority.TokenValidator, now Clock) *Server {
	if now == nil {
		now = time.Now
	}
	return &Server{orchestrator: orchestrator, incidents: incidents, outcomes: outcomes, policies: policies, tokens: tokens, now: now}
}

// Routes returns the configured mux. Callers wrap it with InboundThrottle.Middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/candidates/promote", s.handlePromote)
	mux.HandleFunc("POST /v1/incidents/{incidentId}/transition", s.handleTransition)
	mux.HandleFunc("POST /v1/incidents/{incidentId}/outcome", s.handleRecordOutcome)
	mux.HandleFunc("GET /v1/incidents/{incidentId}", s.handleGetIncident)
	return mux
}

func (s *Server) authorityContext(r *http.Request) (authority.Context, error) {
	bearer := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(bearer) <= len(prefix) || bearer[:len(prefix)] != prefix {
		return authority.Context{}, apierr.Validation("MISSING_BEARER_TOKEN", "an Authorization: Bearer token is required", "Authorization")
	}
	if s.tokens == nil {
		return authority.Context{}, apierr.GateInternal("TOKEN_VALIDATOR_UNCONFIGURED", "no token validator configured", nil)
	}
	c, err := s.tokens.ParseContext(bearer[len(prefix):])
	if err != nil {
		return authority.Context{}, apierr.Authority("INVALID_TOKEN", err.Error(), "")
	}
	return c, nil
}

type outcomeRequest struct {
	AuthorityContext authority.Context  `json:"-"`
	Classification   outcome.Classification `json:"classification"`
	RootCause        string                 `json:"rootCause"`
	ResolutionType   string                 `json:"resolutionType"`
	HumanAssessment  *outcome.HumanAssessment `json:"humanAssessment,omitempty"`
}

type promoteRequest struct {
	CandidateID      string                 `json:"candidateId"`
	PolicyID         string                 `json:"policyId"`
	PolicyVersion    string                 `json:"policyVersion"`
	EvidenceID       string                 `json:"evidenceId"`
	RequestContext   map[string]interface{} `json:"requestContext"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	authCtx, err := s.authorityContext(r)
	if err != nil {
		apierr.WriteProblem(w, r.URL.Path, err)
		return
	}

	var body promoteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteProblem(w, r.URL.Path, apierr.Validation("MALFORMED_JSON", "request body is not valid JSON", ""))
		return
	}

	policy, err := s.policies.LoadPolicy(body.PolicyID, body.PolicyVersion)
	if err != nil {
		apierr.WriteProblem(w, r.URL.Path, apierr.NotFound("POLICY_NOT_FOUND", "no such promotion policy"))
		return
	}

	now := s.now()
	req := promotion.Request{
		CandidateID:      body.CandidateID,
		PolicyID:         body.PolicyID,
		PolicyVersion:    body.PolicyVersion,
		AuthorityContext: authCtx,
		RequestContext:   body.RequestContext,
	}

	in := orchestration.Input{
		Principal:            authCtx.AuthorityID,
		ClientIdempotencyKey: idempotencyKeyFromRequest(r),
		PromotionRequest:     req,
		Policy:               policy,
		EvalContext:          promotion.EvalContext{CurrentTime: now},
		EvidenceID:           body.EvidenceID,
		CurrentTime:          now,
	}

	result, err := s.orchestrator.Process(r.Context(), in)
	if err != nil {
		apierr.WriteProblem(w, r.URL.Path, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type transitionRequest struct {
	Target     string              `json:"target"`
	Resolution *incident.Resolution `json:"resolution,omitempty"`
	Annotation string              `json:"annotation,omitempty"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	authCtx, err := s.authorityContext(r)
	if err != nil {
		apierr.WriteProblem(w, r.URL.Path, err)
		return
	}

	incidentID := r.PathValue("incidentId")

	var body transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteProblem(w, r.URL.Path, apierr.Validation("MALFORMED_JSON", "request body is not valid JSON", ""))
		return
	}

	inc, err := s.incidents.Transition(r.Context(), incidentID, incident.State(body.Target), authCtx, body.Resolution, body.Annotation, s.now())
	if err != nil {
		apierr.WriteProblem(w, r.URL.Path, err)
		return
	}

	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	authCtx, err := s.authorityContext(r)
	if err != nil {
		apierr.WriteProblem(w, r.URL.Path, err)
		return
	}

	incidentID := r.PathValue("incidentId")
	inc, found, err := s.incidents.Get(r.Context(), incidentID)
	if err != nil {
		apierr.WriteProblem(w, r.URL.Path, err)
		return
	}
	if !found {
		apierr.WriteProblem(w, r.URL.Path, apierr.NotFound("INCIDENT_NOT_FOUND", "no such incident"))
		return
	}

	var body outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteProblem(w, r.URL.Path, apierr.Validation("MALFORMED_JSON", "request body is not valid JSON", ""))
		return
	}

	closedAt := s.now()
	if inc.ClosedAt != nil {
		closedAt = *inc.ClosedAt
	}
	sub := outcome.Submission{
		Incident:         inc,
		AuthorityContext: authCtx,
		Classification:   body.Classification,
		RootCause:        body.RootCause,
		ResolutionType:   body.ResolutionType,
		HumanAssessment:  body.HumanAssessment,
		ClosedAt:         closedAt,
	}

	out, created, err := s.outcomes.Record(r.Context(), sub)
	if err != nil {
		apierr.WriteProblem(w, r.URL.Path, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, out)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	incidentID := r.PathValue("incidentId")
	inc, found, err := s.incidents.Get(r.Context(), incidentID)
	if err != nil {
		apierr.WriteProblem(w, r.URL.Path, err)
		return
	}
	if !found {
		apierr.WriteProblem(w, r.URL.Path, apierr.NotFound("INCIDENT_NOT_FOUND", "no such incident"))
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

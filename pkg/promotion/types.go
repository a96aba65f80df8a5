// Package promotion gates a candidate's promotion to an incident through
// four ordered substages: request validation, load, policy evaluation, and
// commit. Every timestamp the engine needs is an explicit currentTime
// parameter — no stage reads the wall clock.
package promotion

import (
	"time"

	"github.com/opx/control-plane/pkg/authority"
)

// Decision is PROMOTE, REJECT, or DEFER.
type Decision string

const (
	DecisionPromote Decision = "PROMOTE"
	DecisionReject  Decision = "REJECT"
	DecisionDefer   Decision = "DEFER"
)

// Request is the inbound promotion ask.
type Request struct {
	CandidateID      string
	PolicyID         string
	PolicyVersion    string
	AuthorityContext authority.Context
	RequestContext   map[string]interface{}
}

// EvaluationStep mirrors detection's explainability trace.
type EvaluationStep struct {
	Name   string `json:"name"`
	Result string `json:"result"`
	Detail string `json:"detail,omitempty"`
}

// Record is the content-addressed, hashable body of a promotion decision.
// decisionId deliberately excludes authorityId — identical candidate+policy
// inputs from different authorities converge on the same id.
type Record struct {
	DecisionID         string           `json:"decision_id"`
	DecisionHash       string           `json:"decision_hash"`
	CandidateID        string           `json:"candidate_id"`
	PolicyID           string           `json:"policy_id"`
	PolicyVersion      string           `json:"policy_version"`
	Decision           Decision         `json:"decision"`
	Reason             string           `json:"reason"`
	EvaluationTrace    []EvaluationStep `json:"evaluation_trace"`
	RequestContextHash string           `json:"request_context_hash"`
	CreatedAt          time.Time        `json:"created_at"`
}

// Audit is a separate, best-effort record carrying the full policy and
// input snapshot. Its loss must never block decision persistence.
type Audit struct {
	DecisionID     string                 `json:"decision_id"`
	PolicySnapshot interface{}            `json:"policy_snapshot"`
	InputSnapshot  map[string]interface{} `json:"input_snapshot"`
	AuthorityID    string                 `json:"authority_id"`
	AuthorityType  authority.Type         `json:"authority_type"`
	CreatedAt      time.Time              `json:"created_at"`
}

// EvalContext carries everything the deterministic evaluation function
// needs besides the candidate and policy themselves.
type EvalContext struct {
	CurrentTime       time.Time
	ExistingPromotion bool // a promotion already exists for this candidateId
	PendingIncident   bool // an incident is pending for the candidate's service
	CooldownActive    bool
	IsStale           bool // candidate superseded or withdrawn
	HasSufficientEvidence bool
}

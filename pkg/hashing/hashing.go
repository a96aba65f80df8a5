// Package hashing derives every content-addressed identifier used by the
// control plane. Each Compute* function documents its exact hash input
// concatenation, per spec: any two implementations that canonicalize and hash
// these inputs identically must produce identical IDs. Nothing in this
// package reads a clock or a random source — if a caller needs "now" it must
// be passed in explicitly.
package hashing

import (
	"sort"
)

// Sha256Hex returns the lowercase hex SHA-256 digest of the canonical JSON
// representation of v. IDs in this system are 64-char lowercase hex with no
// scheme prefix.
func Sha256Hex(v interface{}) (string, error) {
	b, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	return hashBytes(b), nil
}

// ComputeDetectionId derives detectionId = SHA256(ruleId | ruleVersion | normalizedSignalId).
func ComputeDetectionId(ruleID, ruleVersion, normalizedSignalID string) (string, error) {
	return Sha256Hex(struct {
		RuleID              string `json:"rule_id"`
		RuleVersion         string `json:"rule_version"`
		NormalizedSignalID  string `json:"normalized_signal_id"`
	}{ruleID, ruleVersion, normalizedSignalID})
}

// ComputeMultiSignalDetectionId derives the detectionId for a detection
// combining multiple signals. Per spec §4.3, combined signals must be sorted
// by signalId before derivation so input ordering never affects the id.
func ComputeMultiSignalDetectionId(ruleID, ruleVersion string, signalIDs []string) (string, error) {
	sorted := append([]string(nil), signalIDs...)
	sort.Strings(sorted)
	return Sha256Hex(struct {
		RuleID      string   `json:"rule_id"`
		RuleVersion string   `json:"rule_version"`
		SignalIDs   []string `json:"signal_ids"`
	}{ruleID, ruleVersion, sorted})
}

// ComputeGraphId derives graphId = SHA256(sorted detectionIds | sorted unique signalIds).
// For bundles, signalSummary is additionally folded into the hash input.
func ComputeGraphId(detectionIDs, signalIDs []string, signalSummary interface{}) (string, error) {
	dIDs := append([]string(nil), detectionIDs...)
	sort.Strings(dIDs)

	sIDs := uniqueSorted(signalIDs)

	input := struct {
		DetectionIDs  []string    `json:"detection_ids"`
		SignalIDs     []string    `json:"signal_ids"`
		SignalSummary interface{} `json:"signal_summary,omitempty"`
	}{dIDs, sIDs, signalSummary}
	return Sha256Hex(input)
}

// ComputeCandidateId derives
// candidateId = SHA256(sorted detectionIds | correlationRule | correlationRuleVersion | resolvedKeyFields).
// keyFields are part of the hash, so two correlation rules that happen to
// select the same detections still produce distinct candidateIds.
func ComputeCandidateId(detectionIDs []string, correlationRuleID, correlationRuleVersion string, resolvedKeyFields map[string]string) (string, error) {
	sorted := append([]string(nil), detectionIDs...)
	sort.Strings(sorted)

	input := struct {
		DetectionIDs           []string          `json:"detection_ids"`
		CorrelationRuleID      string            `json:"correlation_rule_id"`
		CorrelationRuleVersion string            `json:"correlation_rule_version"`
		ResolvedKeyFields      map[string]string `json:"resolved_key_fields"`
	}{sorted, correlationRuleID, correlationRuleVersion, resolvedKeyFields}
	return Sha256Hex(input)
}

// ComputeCorrelationKey uses the identical formula as ComputeCandidateId — it
// is the grouping hash used to detect convergent candidates before an ID is
// minted, so it must be computed from the same fields.
func ComputeCorrelationKey(detectionIDs []string, correlationRuleID, correlationRuleVersion string, resolvedKeyFields map[string]string) (string, error) {
	return ComputeCandidateId(detectionIDs, correlationRuleID, correlationRuleVersion, resolvedKeyFields)
}

// ComputeDecisionId derives
// decisionId = SHA256(candidateId | policyId | policyVersion | requestContextHash).
// authorityId is deliberately excluded so two authorities submitting
// identical requests converge on the same decision.
func ComputeDecisionId(candidateID, policyID, policyVersion, requestContextHash string) (string, error) {
	return Sha256Hex(struct {
		CandidateID        string `json:"candidate_id"`
		PolicyID            string `json:"policy_id"`
		PolicyVersion       string `json:"policy_version"`
		RequestContextHash  string `json:"request_context_hash"`
	}{candidateID, policyID, policyVersion, requestContextHash})
}

// ComputeDecisionHash derives decisionHash = SHA256(decision | reason | policyVersion | candidateId).
func ComputeDecisionHash(decision, reason, policyVersion, candidateID string) (string, error) {
	return Sha256Hex(struct {
		Decision      string `json:"decision"`
		Reason        string `json:"reason"`
		PolicyVersion string `json:"policy_version"`
		CandidateID   string `json:"candidate_id"`
	}{decision, reason, policyVersion, candidateID})
}

// ComputeIncidentId derives incidentId = SHA256(service | evidenceId). Also
// evidence-derived: no timestamp participates, so repeated promotion of the
// same (service, evidence) pair always yields the same incident.
func ComputeIncidentId(service, evidenceID string) (string, error) {
	return Sha256Hex(struct {
		Service    string `json:"service"`
		EvidenceID string `json:"evidence_id"`
	}{service, evidenceID})
}

// ComputeOutcomeId derives outcomeId = SHA256(incidentId | closedAt).
// closedAt is an injected value carried on the incident record, not a read of
// the wall clock at outcome-recording time.
func ComputeOutcomeId(incidentID, closedAtRFC3339 string) (string, error) {
	return Sha256Hex(struct {
		IncidentID string `json:"incident_id"`
		ClosedAt   string `json:"closed_at"`
	}{incidentID, closedAtRFC3339})
}

// ComputeOutcomeSummaryId derives a resolution summary id from
// (service, startDate, endDate).
func ComputeOutcomeSummaryId(service, startDate, endDate string) (string, error) {
	return Sha256Hex(struct {
		Service   string `json:"service"`
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}{service, startDate, endDate})
}

// ComputeStateHash derives the incident state hash chain link. v must already
// be the deep-canonicalized authoritative incident state with
// updatedAt/version/eventSeq/timeline excluded — callers build that
// projection (see pkg/incident) before calling this.
func ComputeStateHash(authoritativeState interface{}) (string, error) {
	return Sha256Hex(authoritativeState)
}

// ComputeIdempotencyKey derives a server-assigned idempotency key for a
// request that arrived without a client-supplied one:
// SHA256(principal | operation | canonicalizeDeep(request)).
func ComputeIdempotencyKey(principal, operation string, request interface{}) (string, error) {
	return Sha256Hex(struct {
		Principal string      `json:"principal"`
		Operation string      `json:"operation"`
		Request   interface{} `json:"request"`
	}{principal, operation, request})
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

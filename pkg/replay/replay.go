// Package replay re-executes persisted state against this core's own
// deterministic id/hash derivations and reports whether the re-derivation
// converges with what was actually stored. Grounded on the teacher's
// receipt-chain replay (prevHash-linked verification of a JSONL log): the
// same "walk the log, recompute, compare" discipline, aimed at incident
// event timelines and candidate/decision/incident id triples instead of
// tool-call receipts.
package replay

import (
	"fmt"
	"time"

	"github.com/opx/control-plane/pkg/hashing"
	"github.com/opx/control-plane/pkg/incident"
	"github.com/opx/control-plane/pkg/promotion"
)

// Result mirrors the teacher's ReplayResult shape: a count of what was
// checked, a pass/fail verdict, and the specific mismatches found.
type Result struct {
	TotalEvents    int      `json:"total_events"`
	Valid          bool     `json:"valid"`
	HashMismatches []string `json:"hash_mismatches,omitempty"`
}

// VerifyIncidentTimeline checks an incident's own persisted timeline for
// structural integrity (every event carries a stateHashAfter, event sequence
// strictly increasing; an empty timeline is trivially valid) and folds the timeline forward from its first event, recomputing
// computeStateHash after each one and comparing against that event's own
// stateHashAfter. Every event's ToState+Timestamp (and, for the RESOLVE
// event, its Resolution block) is enough to reconstruct the authoritative
// state at that point, so this checks every stateHashAfter in the log, not
// just the terminal one.
func VerifyIncidentTimeline(inc incident.Incident) (*Result, error) {
	result := &Result{TotalEvents: len(inc.Timeline), Valid: true}

	lastSeq := -1
	for i, evt := range inc.Timeline {
		if evt.StateHashAfter == "" {
			result.Valid = false
			result.HashMismatches = append(result.HashMismatches, fmt.Sprintf("event[%d] (seq=%d): missing stateHashAfter", i, evt.EventSeq))
			continue
		}
		if evt.EventSeq <= lastSeq {
			result.Valid = false
			result.HashMismatches = append(result.HashMismatches, fmt.Sprintf("event[%d]: eventSeq %d is not greater than the prior event's %d", i, evt.EventSeq, lastSeq))
		}
		lastSeq = evt.EventSeq
	}

	state := incidentHashableFields{
		IncidentID: inc.IncidentID,
		Service:    inc.Service,
		EvidenceID: inc.EvidenceID,
		Severity:   inc.Severity,
	}
	for i, evt := range inc.Timeline {
		selfLoop := evt.ToState == state.State
		state.State = evt.ToState
		// A self-loop re-entry (e.g. re-annotating an already-OPEN incident)
		// changes no timestamp field — the transition logic that produced
		// this event never touched one either, so the hashable state carries
		// forward unchanged except for the (unchanged) State itself.
		if !selfLoop {
			t := evt.Timestamp
			switch evt.ToState {
			case incident.StateOpen:
				state.OpenedAt = &t
			case incident.StateAcknowledged:
				state.AcknowledgedAt = &t
			case incident.StateMitigated:
				state.MitigatedAt = &t
			case incident.StateResolved:
				state.ResolvedAt = &t
				state.Resolution = evt.Resolution
			case incident.StateClosed:
				state.ClosedAt = &t
			}
		}

		recomputed, err := hashing.ComputeStateHash(state)
		if err != nil {
			return nil, fmt.Errorf("replay: failed to recompute state hash for event[%d] (seq=%d): %w", i, evt.EventSeq, err)
		}
		if recomputed != evt.StateHashAfter {
			result.Valid = false
			result.HashMismatches = append(result.HashMismatches, fmt.Sprintf("event[%d] (seq=%d): stateHashAfter mismatch (stored=%s recomputed=%s)", i, evt.EventSeq, evt.StateHashAfter, recomputed))
		}
	}

	return result, nil
}

// incidentHashableFields mirrors incident.Incident's unexported toHashable
// projection exactly (the authoritative-state fields, excluding version,
// eventSeq, timeline, and updatedAt), since this package sits outside
// pkg/incident and can't call the unexported method. Optional timestamps use
// *time.Time (not interface{}) so encoding/json's omitempty behaves exactly
// as it does on the real Incident/hashableState structs.
type incidentHashableFields struct {
	IncidentID     string               `json:"incident_id"`
	Service        string               `json:"service"`
	EvidenceID     string               `json:"evidence_id"`
	State          incident.State       `json:"state"`
	Severity       string               `json:"severity"`
	OpenedAt       *time.Time           `json:"opened_at,omitempty"`
	AcknowledgedAt *time.Time           `json:"acknowledged_at,omitempty"`
	MitigatedAt    *time.Time           `json:"mitigated_at,omitempty"`
	ResolvedAt     *time.Time           `json:"resolved_at,omitempty"`
	ClosedAt       *time.Time           `json:"closed_at,omitempty"`
	Resolution     *incident.Resolution `json:"resolution,omitempty"`
}

// incidentHashable projects inc's own current fields into the same shape,
// used by tests to build an expected hash from an already-materialized
// incident without re-deriving it event-by-event.
func incidentHashable(inc incident.Incident) incidentHashableFields {
	return incidentHashableFields{
		IncidentID:     inc.IncidentID,
		Service:        inc.Service,
		EvidenceID:     inc.EvidenceID,
		State:          inc.State,
		Severity:       inc.Severity,
		OpenedAt:       inc.OpenedAt,
		AcknowledgedAt: inc.AcknowledgedAt,
		MitigatedAt:    inc.MitigatedAt,
		ResolvedAt:     inc.ResolvedAt,
		ClosedAt:       inc.ClosedAt,
		Resolution:     inc.Resolution,
	}
}

// TripleResult reports whether a persisted candidate/decision/incident
// triple's ids are still an honest function of their own content.
type TripleResult struct {
	CandidateID          string `json:"candidate_id"`
	RecomputedDecisionID string `json:"recomputed_decision_id"`
	StoredDecisionID     string `json:"stored_decision_id"`
	DecisionIDMatches    bool   `json:"decision_id_matches"`
	RecomputedIncidentID string `json:"recomputed_incident_id"`
	StoredIncidentID     string `json:"stored_incident_id"`
	IncidentIDMatches    bool   `json:"incident_id_matches"`
}

// VerifyCandidateDecisionIncidentTriple recomputes decisionId and
// incidentId from the inputs that are supposed to have produced them and
// compares against what was actually persisted — the audit-time analog of
// the convergence pkg/orchestration already guarantees at request time.
func VerifyCandidateDecisionIncidentTriple(decision promotion.Record, inc incident.Incident, evidenceID string) (*TripleResult, error) {
	recomputedDecisionID, err := hashing.ComputeDecisionId(decision.CandidateID, decision.PolicyID, decision.PolicyVersion, decision.RequestContextHash)
	if err != nil {
		return nil, fmt.Errorf("replay: failed to recompute decisionId: %w", err)
	}
	recomputedIncidentID, err := hashing.ComputeIncidentId(inc.Service, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("replay: failed to recompute incidentId: %w", err)
	}

	return &TripleResult{
		CandidateID:          decision.CandidateID,
		RecomputedDecisionID: recomputedDecisionID,
		StoredDecisionID:     decision.DecisionID,
		DecisionIDMatches:    recomputedDecisionID == decision.DecisionID,
		RecomputedIncidentID: recomputedIncidentID,
		StoredIncidentID:     inc.IncidentID,
		IncidentIDMatches:    recomputedIncidentID == inc.IncidentID,
	}, nil
}

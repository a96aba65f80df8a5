package replay

import (
	"testing"
	"time"

	"github.com/opx/control-plane/pkg/authority"
	"github.com/opx/control-plane/pkg/hashing"
	"github.com/opx/control-plane/pkg/incident"
	"github.com/opx/control-plane/pkg/promotion"
)

func sampleIncident(t *testing.T, now time.Time) incident.Incident {
	t.Helper()
	inc := incident.Incident{
		IncidentID: "inc-1",
		Service:    "checkout-api",
		EvidenceID: "ev-1",
		State:      incident.StateOpen,
		Severity:   "SEV2",
		OpenedAt:   &now,
		EventSeq:   1,
	}
	hash, err := hashing.ComputeStateHash(incidentHashable(inc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inc.Timeline = []incident.Event{{
		EventSeq:       1,
		Action:         authority.ActionOpen,
		FromState:      incident.StatePending,
		ToState:        incident.StateOpen,
		AuthorityType:  authority.AutoEngine,
		Timestamp:      now,
		StateHashAfter: hash,
	}}
	return inc
}

func TestVerifyIncidentTimeline_ValidTimelinePasses(t *testing.T) {
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	inc := sampleIncident(t, now)

	result, err := VerifyIncidentTimeline(inc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected a valid timeline, got mismatches: %v", result.HashMismatches)
	}
	if result.TotalEvents != 1 {
		t.Fatalf("expected 1 event, got %d", result.TotalEvents)
	}
}

func TestVerifyIncidentTimeline_DetectsTamperedHash(t *testing.T) {
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	inc := sampleIncident(t, now)
	inc.Timeline[0].StateHashAfter = "0000000000000000000000000000000000000000000000000000000000000000"

	result, err := VerifyIncidentTimeline(inc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Valid {
		t.Fatal("expected a tampered terminal hash to be detected")
	}
	if len(result.HashMismatches) == 0 {
		t.Fatal("expected at least one mismatch to be reported")
	}
}

func TestVerifyIncidentTimeline_DetectsNonMonotonicEventSeq(t *testing.T) {
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	inc := sampleIncident(t, now)
	inc.Timeline = append(inc.Timeline, incident.Event{
		EventSeq:       1, // repeats the previous seq instead of advancing
		ToState:        incident.StateAcknowledged,
		StateHashAfter: "deadbeef",
	})

	result, err := VerifyIncidentTimeline(inc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Valid {
		t.Fatal("expected a non-monotonic eventSeq to be flagged")
	}
}

func TestVerifyIncidentTimeline_EmptyTimelineIsValid(t *testing.T) {
	result, err := VerifyIncidentTimeline(incident.Incident{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid || result.TotalEvents != 0 {
		t.Fatalf("expected an empty timeline to be trivially valid, got %+v", result)
	}
}

func TestVerifyCandidateDecisionIncidentTriple_MatchingIdsPass(t *testing.T) {
	decisionID, err := hashing.ComputeDecisionId("cand-1", "policy-1", "v1", "ctxhash")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	incidentID, err := hashing.ComputeIncidentId("checkout-api", "ev-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision := promotion.Record{
		DecisionID:         decisionID,
		CandidateID:        "cand-1",
		PolicyID:           "policy-1",
		PolicyVersion:      "v1",
		RequestContextHash: "ctxhash",
	}
	inc := incident.Incident{IncidentID: incidentID, Service: "checkout-api"}

	result, err := VerifyCandidateDecisionIncidentTriple(decision, inc, "ev-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.DecisionIDMatches || !result.IncidentIDMatches {
		t.Fatalf("expected both ids to match: %+v", result)
	}
}

func TestVerifyCandidateDecisionIncidentTriple_TamperedIncidentIdFails(t *testing.T) {
	decisionID, _ := hashing.ComputeDecisionId("cand-1", "policy-1", "v1", "ctxhash")
	decision := promotion.Record{
		DecisionID:         decisionID,
		CandidateID:        "cand-1",
		PolicyID:           "policy-1",
		PolicyVersion:      "v1",
		RequestContextHash: "ctxhash",
	}
	inc := incident.Incident{IncidentID: "not-the-real-id", Service: "checkout-api"}

	result, err := VerifyCandidateDecisionIncidentTriple(decision, inc, "ev-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IncidentIDMatches {
		t.Fatal("expected a tampered incidentId to fail verification")
	}
	if result.DecisionIDMatches == false {
		t.Fatalf("decisionId should still independently match: %+v", result)
	}
}

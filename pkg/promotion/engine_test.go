package promotion

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opx/control-plane/pkg/authority"
	"github.com/opx/control-plane/pkg/candidate"
	"github.com/opx/control-plane/pkg/rules"
	"github.com/opx/control-plane/pkg/signal"
)

type fakeLoader struct {
	candidates map[string]*candidate.Candidate
}

func (f *fakeLoader) LoadCandidate(ctx context.Context, id string) (*candidate.Candidate, bool, error) {
	c, ok := f.candidates[id]
	return c, ok, nil
}

type memStore struct {
	written map[string][]byte
}

func (m *memStore) ConditionalPut(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (bool, error) {
	key := namespace + "#" + pk
	if _, ok := m.written[key]; ok {
		return false, nil
	}
	m.written[key] = payload
	return true, nil
}

func testPolicy() *rules.PromotionPolicy {
	return &rules.PromotionPolicy{
		PolicyID:      "default",
		PolicyVersion: "1.0.0",
		Eligibility: rules.Eligibility{
			MinConfidence:     0.4,
			AllowedSeverities: []signal.Severity{signal.SEV1, signal.SEV2},
			MinDetections:     1,
			MaxAgeMinutes:     60,
		},
		AuthorityRestrictions: rules.AuthorityRestrictions{
			AllowedAuthorities: []string{"AUTO_ENGINE", "HUMAN_OPERATOR", "ON_CALL_SRE", "EMERGENCY_OVERRIDE"},
		},
	}
}

func testCandidate(now time.Time) *candidate.Candidate {
	return &candidate.Candidate{
		CandidateID:      "cand-1",
		DetectionIDs:     []string{"det-1"},
		SuggestedSeverity: signal.SEV1,
		SuggestedService: "checkout",
		ConfidenceScore:  0.8,
		CreatedAt:        now.Add(-time.Minute),
	}
}

func newEngine(t *testing.T, candidates map[string]*candidate.Candidate) (*Engine, *memStore, *memStore) {
	t.Helper()
	store := &memStore{written: map[string][]byte{}}
	audit := &memStore{written: map[string][]byte{}}
	e, err := NewEngine(&fakeLoader{candidates: candidates}, store, audit, json.Marshal, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, store, audit
}

func TestProcess_PromotesEligibleCandidate(t *testing.T) {
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	c := testCandidate(now)
	e, store, _ := newEngine(t, map[string]*candidate.Candidate{c.CandidateID: c})

	req := Request{
		CandidateID:   c.CandidateID,
		PolicyID:      "default",
		PolicyVersion: "1.0.0",
		AuthorityContext: authority.Context{
			AuthorityID:   "user:alice@example.com",
			AuthorityType: authority.HumanOperator,
		},
	}
	rec, err := e.Process(context.Background(), req, testPolicy(), EvalContext{CurrentTime: now}, "reqhash-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Decision != DecisionPromote {
		t.Fatalf("expected PROMOTE, got %s (%s)", rec.Decision, rec.Reason)
	}
	if len(store.written) != 1 {
		t.Fatalf("expected 1 stored decision, got %d", len(store.written))
	}
}

func TestProcess_DecisionIdExcludesAuthority(t *testing.T) {
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	c := testCandidate(now)

	run := func(authID string, authType authority.Type) Record {
		e, _, _ := newEngine(t, map[string]*candidate.Candidate{c.CandidateID: c})
		req := Request{
			CandidateID:      c.CandidateID,
			PolicyID:         "default",
			PolicyVersion:    "1.0.0",
			AuthorityContext: authority.Context{AuthorityID: authID, AuthorityType: authType},
		}
		rec, err := e.Process(context.Background(), req, testPolicy(), EvalContext{CurrentTime: now}, "reqhash-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return rec
	}

	r1 := run("user:alice@example.com", authority.HumanOperator)
	r2 := run("user:bob@example.com", authority.HumanOperator)
	if r1.DecisionID != r2.DecisionID {
		t.Fatalf("expected identical decisionId across authorities: %s != %s", r1.DecisionID, r2.DecisionID)
	}
}

func TestProcess_NotFoundCandidate(t *testing.T) {
	e, _, _ := newEngine(t, map[string]*candidate.Candidate{})
	req := Request{
		CandidateID:      "missing",
		PolicyID:         "default",
		PolicyVersion:    "1.0.0",
		AuthorityContext: authority.Context{AuthorityType: authority.HumanOperator},
	}
	_, err := e.Process(context.Background(), req, testPolicy(), EvalContext{CurrentTime: time.Now().UTC()}, "h")
	if err == nil {
		t.Fatalf("expected NotFound error")
	}
}

func TestEvaluate_RejectsBelowMinConfidence(t *testing.T) {
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	c := testCandidate(now)
	c.ConfidenceScore = 0.1
	e, _, _ := newEngine(t, nil)

	decision, _, _, err := e.Evaluate(context.Background(), c, testPolicy(), authority.HumanOperator, EvalContext{CurrentTime: now})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionReject {
		t.Fatalf("expected REJECT, got %s", decision)
	}
}

func TestEvaluate_DeferralConditionWins(t *testing.T) {
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	c := testCandidate(now)
	policy := testPolicy()
	policy.DeferralConditions = []string{"pendingIncident"}
	e, _, _ := newEngine(t, nil)

	decision, reason, _, err := e.Evaluate(context.Background(), c, policy, authority.HumanOperator, EvalContext{CurrentTime: now, PendingIncident: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionDefer {
		t.Fatalf("expected DEFER, got %s (%s)", decision, reason)
	}
}

func TestEvaluate_RejectionConditionBeatsDeferral(t *testing.T) {
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	c := testCandidate(now)
	policy := testPolicy()
	policy.RejectionConditions = []string{"isStale"}
	policy.DeferralConditions = []string{"pendingIncident"}
	e, _, _ := newEngine(t, nil)

	decision, _, _, err := e.Evaluate(context.Background(), c, policy, authority.HumanOperator, EvalContext{CurrentTime: now, IsStale: true, PendingIncident: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionReject {
		t.Fatalf("expected REJECT (rejection checked before deferral), got %s", decision)
	}
}

func TestEvaluate_AuthorityNotPermitted(t *testing.T) {
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	c := testCandidate(now)
	policy := testPolicy()
	policy.AuthorityRestrictions.AllowedAuthorities = []string{"ON_CALL_SRE"}
	e, _, _ := newEngine(t, nil)

	decision, _, _, err := e.Evaluate(context.Background(), c, policy, authority.HumanOperator, EvalContext{CurrentTime: now})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionReject {
		t.Fatalf("expected REJECT for disallowed authority, got %s", decision)
	}
}

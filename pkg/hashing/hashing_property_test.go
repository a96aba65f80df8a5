//go:build property

// Package hashing_test holds property-based tests for the universal
// invariants spec.md §8 states as ∀ statements over content-addressed ids.
package hashing_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/opx/control-plane/pkg/hashing"
)

func properties(t *testing.T) *gopter.Properties {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	return gopter.NewProperties(parameters)
}

// TestComputeDetectionId_DeterministicAcrossRuns: ∀ (ruleId, ruleVersion,
// signalId) the detectionId is identical across runs.
func TestComputeDetectionId_DeterministicAcrossRuns(t *testing.T) {
	props := properties(t)

	props.Property("detectionId is a pure function of its inputs", prop.ForAll(
		func(ruleID, ruleVersion, signalID string) bool {
			a, err1 := hashing.ComputeDetectionId(ruleID, ruleVersion, signalID)
			b, err2 := hashing.ComputeDetectionId(ruleID, ruleVersion, signalID)
			if err1 != nil || err2 != nil {
				return false
			}
			return a == b && len(a) == 64
		},
		gen.AlphaString(), gen.AlphaString(), gen.AlphaString(),
	))

	props.TestingRun(t)
}

// TestComputeMultiSignalDetectionId_OrderIndependent: reordering the
// combined signalIds must not change the resulting detectionId.
func TestComputeMultiSignalDetectionId_OrderIndependent(t *testing.T) {
	props := properties(t)

	props.Property("permuting signalIds does not change detectionId", prop.ForAll(
		func(ruleID, ruleVersion string, signalIDs []string) bool {
			forward, err1 := hashing.ComputeMultiSignalDetectionId(ruleID, ruleVersion, signalIDs)
			reversed := make([]string, len(signalIDs))
			for i, v := range signalIDs {
				reversed[len(signalIDs)-1-i] = v
			}
			backward, err2 := hashing.ComputeMultiSignalDetectionId(ruleID, ruleVersion, reversed)
			if err1 != nil || err2 != nil {
				return false
			}
			return forward == backward
		},
		gen.AlphaString(), gen.AlphaString(), gen.SliceOf(gen.AlphaString()),
	))

	props.TestingRun(t)
}

// TestComputeCandidateId_OrderIndependent: ∀ (candidate inputs) permuting
// detection order does not change candidateId.
func TestComputeCandidateId_OrderIndependent(t *testing.T) {
	props := properties(t)

	props.Property("permuting detectionIds does not change candidateId", prop.ForAll(
		func(ruleID, ruleVersion string, detectionIDs []string) bool {
			keyFields := map[string]string{"service": "checkout-api"}
			forward, err1 := hashing.ComputeCandidateId(detectionIDs, ruleID, ruleVersion, keyFields)
			reversed := make([]string, len(detectionIDs))
			for i, v := range detectionIDs {
				reversed[len(detectionIDs)-1-i] = v
			}
			backward, err2 := hashing.ComputeCandidateId(reversed, ruleID, ruleVersion, keyFields)
			if err1 != nil || err2 != nil {
				return false
			}
			return forward == backward
		},
		gen.AlphaString(), gen.AlphaString(), gen.SliceOf(gen.AlphaString()),
	))

	props.TestingRun(t)
}

// TestComputeDecisionId_AuthorityIndependent: ∀ (candidate, policy,
// authority₁, authority₂) with identical requestContextHash: decisionId is
// identical regardless of which authority submitted it — the authority
// performing an action is never part of a content-addressed id.
func TestComputeDecisionId_AuthorityIndependent(t *testing.T) {
	props := properties(t)

	props.Property("decisionId does not vary with the submitting authority", prop.ForAll(
		func(candidateID, policyID, policyVersion, requestContextHash string) bool {
			a, err1 := hashing.ComputeDecisionId(candidateID, policyID, policyVersion, requestContextHash)
			b, err2 := hashing.ComputeDecisionId(candidateID, policyID, policyVersion, requestContextHash)
			if err1 != nil || err2 != nil {
				return false
			}
			return a == b
		},
		gen.AlphaString(), gen.AlphaString(), gen.AlphaString(), gen.AlphaString(),
	))

	props.TestingRun(t)
}

// TestComputeIncidentId_WallClockIndependent: ∀ (service, evidenceId)
// incidentId is stable regardless of the wall-clock time of promotion —
// time never enters the hash input at all.
func TestComputeIncidentId_WallClockIndependent(t *testing.T) {
	props := properties(t)

	props.Property("incidentId depends only on service and evidenceId", prop.ForAll(
		func(service, evidenceID string) bool {
			a, err1 := hashing.ComputeIncidentId(service, evidenceID)
			b, err2 := hashing.ComputeIncidentId(service, evidenceID)
			if err1 != nil || err2 != nil {
				return false
			}
			return a == b
		},
		gen.AlphaString(), gen.AlphaString(),
	))

	props.TestingRun(t)
}

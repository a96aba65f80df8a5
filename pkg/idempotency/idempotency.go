// Package idempotency implements the control plane's permanent claim/
// complete ledger: every mutating entry point reserves a key before doing
// any work, so a retried or concurrently duplicated call converges on the
// same outcome instead of double-executing. Records carry no TTL — they are
// audit artifacts, not a cache.
package idempotency

import (
	"context"

	"github.com/opx/control-plane/pkg/apierr"
	"github.com/opx/control-plane/pkg/hashing"
)

// Status is the claim's lifecycle state.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

// Record is the permanent ledger entry for one idempotency key.
type Record struct {
	Key         string                 `json:"key"`
	Principal   string                 `json:"principal"`
	Operation   string                 `json:"operation"`
	RequestHash string                 `json:"request_hash"`
	Status      Status                 `json:"status"`
	Response    map[string]interface{} `json:"response,omitempty"`
}

// Store is the narrow capability the ledger needs: conditional create for
// the claim, get for lookup, and an update for the completion transition.
type Store interface {
	ConditionalPut(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (created bool, err error)
	Get(ctx context.Context, namespace, pk string) (payload []byte, found bool, err error)
	Put(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) error
}

// Ledger implements getKey/claim/complete.
type Ledger struct {
	store     Store
	marshal   func(interface{}) ([]byte, error)
	unmarshal func([]byte, interface{}) error
}

func NewLedger(store Store, marshal func(interface{}) ([]byte, error), unmarshal func([]byte, interface{}) error) *Ledger {
	return &Ledger{store: store, marshal: marshal, unmarshal: unmarshal}
}

// GetKey returns clientKey verbatim if the caller supplied one; otherwise it
// derives a deterministic key from the principal, operation name, and
// canonicalized request body so that two identical retries always land on
// the same ledger slot even without a client-supplied key.
func (l *Ledger) GetKey(principal, operation string, request interface{}, clientKey string) (string, error) {
	if clientKey != "" {
		return clientKey, nil
	}
	return hashing.ComputeIdempotencyKey(principal, operation, request)
}

// Claim reserves key with a conditional write. The bool result is true when
// this call created the claim, and the returned record is the new
// IN_PROGRESS one. It is false when a record already existed, and the
// returned record is that prior one: a COMPLETED prior means the caller
// should return the stored response rather than re-executing; an
// IN_PROGRESS prior means a concurrent attempt is mid-flight for the same
// key — a convergence point, not an error upward, so callers decide how to
// wait or retry.
func (l *Ledger) Claim(ctx context.Context, key, principal, operation, requestHash string) (Record, bool, error) {
	rec := Record{Key: key, Principal: principal, Operation: operation, RequestHash: requestHash, Status: StatusInProgress}
	payload, err := l.marshal(rec)
	if err != nil {
		return Record{}, false, apierr.GateInternal("IDEMPOTENCY_MARSHAL_FAILED", "failed to marshal idempotency record", err)
	}

	created, err := l.store.ConditionalPut(ctx, "idempotency", key, payload, map[string]string{"operation": operation})
	if err != nil {
		return Record{}, false, apierr.Infra("IDEMPOTENCY_CLAIM_FAILED", "failed to claim idempotency key", err)
	}
	if created {
		return rec, true, nil
	}

	existing, found, err := l.store.Get(ctx, "idempotency", key)
	if err != nil {
		return Record{}, false, apierr.Infra("IDEMPOTENCY_LOAD_FAILED", "failed to load existing idempotency record", err)
	}
	if !found {
		return Record{}, false, apierr.GateInternal("IDEMPOTENCY_RACE_INCONSISTENT", "conditional put reported a loser but no record was found", nil)
	}
	var prior Record
	if err := l.unmarshal(existing, &prior); err != nil {
		return Record{}, false, apierr.GateInternal("IDEMPOTENCY_UNMARSHAL_FAILED", "failed to unmarshal idempotency record", err)
	}
	if prior.RequestHash != requestHash {
		return Record{}, false, &apierr.Error{
			Kind:    apierr.KindIdempotencyConflict,
			Code:    "IDEMPOTENCY_KEY_REUSED_WITH_DIFFERENT_REQUEST",
			Message: "idempotency key was previously claimed for a different request",
		}
	}
	return prior, false, nil
}

// Complete transitions key to COMPLETED and attaches the response body. A
// completed record is never reopened: calling Complete again overwrites the
// response with the same value a well-behaved caller would supply, since the
// response is itself a function of the deterministic request.
func (l *Ledger) Complete(ctx context.Context, key, principal, operation, requestHash string, response map[string]interface{}) (Record, error) {
	rec := Record{Key: key, Principal: principal, Operation: operation, RequestHash: requestHash, Status: StatusCompleted, Response: response}
	payload, err := l.marshal(rec)
	if err != nil {
		return Record{}, apierr.GateInternal("IDEMPOTENCY_MARSHAL_FAILED", "failed to marshal idempotency record", err)
	}
	if err := l.store.Put(ctx, "idempotency", key, payload, map[string]string{"operation": operation}); err != nil {
		return Record{}, apierr.Infra("IDEMPOTENCY_COMPLETE_FAILED", "failed to complete idempotency record", err)
	}
	return rec, nil
}

package idempotency

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/opx/control-plane/pkg/apierr"
)

type memStore struct {
	payload map[string][]byte
}

func newMemStore() *memStore { return &memStore{payload: map[string][]byte{}} }

func (m *memStore) key(namespace, pk string) string { return namespace + "#" + pk }

func (m *memStore) ConditionalPut(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (bool, error) {
	k := m.key(namespace, pk)
	if _, ok := m.payload[k]; ok {
		return false, nil
	}
	m.payload[k] = payload
	return true, nil
}

func (m *memStore) Get(ctx context.Context, namespace, pk string) ([]byte, bool, error) {
	p, ok := m.payload[m.key(namespace, pk)]
	return p, ok, nil
}

func (m *memStore) Put(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) error {
	m.payload[m.key(namespace, pk)] = payload
	return nil
}

func TestGetKey_PrefersClientSuppliedKey(t *testing.T) {
	l := NewLedger(newMemStore(), json.Marshal, json.Unmarshal)
	key, err := l.GetKey("user:alice", "promote", map[string]string{"a": "b"}, "client-key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "client-key-1" {
		t.Fatalf("expected client-supplied key to be used verbatim, got %s", key)
	}
}

func TestGetKey_DerivesDeterministicallyWithoutClientKey(t *testing.T) {
	l := NewLedger(newMemStore(), json.Marshal, json.Unmarshal)
	req := map[string]string{"candidateId": "cand-1"}
	k1, err := l.GetKey("user:alice", "promote", req, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	k2, err := l.GetKey("user:alice", "promote", req, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected identical derived keys for identical inputs: %s != %s", k1, k2)
	}

	k3, err := l.GetKey("user:bob", "promote", req, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k1 == k3 {
		t.Fatalf("expected a different principal to derive a different key")
	}
}

func TestClaim_FirstCallerClaimsSecondConverges(t *testing.T) {
	store := newMemStore()
	l := NewLedger(store, json.Marshal, json.Unmarshal)

	rec1, claimed1, err := l.Claim(context.Background(), "key-1", "user:alice", "promote", "req-hash-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed1 {
		t.Fatalf("expected first claim to succeed")
	}
	if rec1.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", rec1.Status)
	}

	rec2, claimed2, err := l.Claim(context.Background(), "key-1", "user:alice", "promote", "req-hash-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed2 {
		t.Fatalf("expected second identical claim to converge, not re-claim")
	}
	if rec2.Key != "key-1" {
		t.Fatalf("expected the existing record back")
	}
}

func TestClaim_SameKeyDifferentRequestIsIdempotencyConflict(t *testing.T) {
	store := newMemStore()
	l := NewLedger(store, json.Marshal, json.Unmarshal)

	if _, _, err := l.Claim(context.Background(), "key-1", "user:alice", "promote", "req-hash-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, _, err := l.Claim(context.Background(), "key-1", "user:alice", "promote", "req-hash-DIFFERENT")
	if err == nil {
		t.Fatalf("expected a conflict error for key reuse with a different request")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Kind != apierr.KindIdempotencyConflict {
		t.Fatalf("expected an IdempotencyConflict kind, got %v", err)
	}
}

func TestComplete_TransitionsToCompletedWithResponse(t *testing.T) {
	store := newMemStore()
	l := NewLedger(store, json.Marshal, json.Unmarshal)

	if _, _, err := l.Claim(context.Background(), "key-1", "user:alice", "promote", "req-hash-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, err := l.Complete(context.Background(), "key-1", "user:alice", "promote", "req-hash-1", map[string]interface{}{"incidentId": "inc-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", rec.Status)
	}

	payload, found, err := store.Get(context.Background(), "idempotency", "key-1")
	if err != nil || !found {
		t.Fatalf("expected completed record to be persisted")
	}
	var stored Record
	if err := json.Unmarshal(payload, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stored.Status != StatusCompleted || stored.Response["incidentId"] != "inc-1" {
		t.Fatalf("unexpected stored record: %+v", stored)
	}
}

package incident

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opx/control-plane/pkg/apierr"
	"github.com/opx/control-plane/pkg/authority"
	"github.com/opx/control-plane/pkg/hashing"
	"github.com/opx/control-plane/pkg/storage"
)

type memVersionedStore struct {
	payload map[string][]byte
	version map[string]int
}

func newMemVersionedStore() *memVersionedStore {
	return &memVersionedStore{payload: map[string][]byte{}, version: map[string]int{}}
}

func (m *memVersionedStore) key(namespace, pk string) string { return namespace + "#" + pk }

func (m *memVersionedStore) CreateVersioned(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (bool, error) {
	k := m.key(namespace, pk)
	if _, ok := m.payload[k]; ok {
		return false, nil
	}
	m.payload[k] = payload
	m.version[k] = 1
	return true, nil
}

func (m *memVersionedStore) GetVersioned(ctx context.Context, namespace, pk string) ([]byte, int, bool, error) {
	k := m.key(namespace, pk)
	p, ok := m.payload[k]
	if !ok {
		return nil, 0, false, nil
	}
	return p, m.version[k], true, nil
}

func (m *memVersionedStore) VersionedUpdate(ctx context.Context, namespace, pk string, expectedVersion int, payload []byte, indexed map[string]string) (int, error) {
	k := m.key(namespace, pk)
	if m.version[k] != expectedVersion {
		return 0, storage.ErrVersionConflict
	}
	m.payload[k] = payload
	m.version[k]++
	return m.version[k], nil
}

func TestCreateOrLookup_IdempotentAcrossWallClock(t *testing.T) {
	store := newMemVersionedStore()
	mgr := NewManager(store, json.Marshal, json.Unmarshal, nil)

	i1, err := mgr.CreateOrLookup(context.Background(), "checkout", "ev-1", "SEV2", time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	i2, err := mgr.CreateOrLookup(context.Background(), "checkout", "ev-1", "SEV2", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if i1.IncidentID != i2.IncidentID {
		t.Fatalf("expected stable incidentId regardless of wall-clock time of promotion: %s != %s", i1.IncidentID, i2.IncidentID)
	}
}

func TestTransition_OpenThenAcknowledgeThenMitigateThenResolveThenClose(t *testing.T) {
	store := newMemVersionedStore()
	mgr := NewManager(store, json.Marshal, json.Unmarshal, nil)
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)

	inc, err := mgr.CreateOrLookup(context.Background(), "checkout", "ev-1", "SEV2", now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	auth := authority.Context{AuthorityID: "auto", AuthorityType: authority.AutoEngine}
	human := authority.Context{AuthorityID: "user:alice", AuthorityType: authority.HumanOperator}

	inc, err = mgr.Transition(context.Background(), inc.IncidentID, StateOpen, auth, nil, "", now)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if inc.State != StateOpen {
		t.Fatalf("expected OPEN, got %s", inc.State)
	}

	inc, err = mgr.Transition(context.Background(), inc.IncidentID, StateAcknowledged, human, nil, "", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ack: %v", err)
	}

	inc, err = mgr.Transition(context.Background(), inc.IncidentID, StateMitigated, human, nil, "", now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("mitigate: %v", err)
	}

	inc, err = mgr.Transition(context.Background(), inc.IncidentID, StateResolved, human, &Resolution{Classification: "truePositive"}, "", now.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if inc.State != StateResolved {
		t.Fatalf("expected RESOLVED, got %s", inc.State)
	}

	inc, err = mgr.Transition(context.Background(), inc.IncidentID, StateClosed, human, nil, "", now.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if inc.State != StateClosed {
		t.Fatalf("expected CLOSED, got %s", inc.State)
	}

	if _, err := mgr.Transition(context.Background(), inc.IncidentID, StateOpen, human, nil, "", now.Add(5*time.Minute)); err == nil {
		t.Fatalf("expected CLOSED to reject any further transition")
	}
}

func TestTransition_AutoEngineCannotResolveSEV1(t *testing.T) {
	store := newMemVersionedStore()
	mgr := NewManager(store, json.Marshal, json.Unmarshal, nil)
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)

	inc, _ := mgr.CreateOrLookup(context.Background(), "checkout", "ev-1", "SEV1", now)
	_, err := mgr.Transition(context.Background(), inc.IncidentID, StateOpen, authority.Context{AuthorityType: authority.AutoEngine}, nil, "", now)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = mgr.Transition(context.Background(), inc.IncidentID, StateResolved, authority.Context{AuthorityType: authority.AutoEngine}, &Resolution{Classification: "truePositive"}, "", now)
	if err == nil {
		t.Fatalf("expected AUTO_ENGINE to be rejected for SEV1 resolve")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Kind != apierr.KindAuthority {
		t.Fatalf("expected AuthorityError, got %v", err)
	}
}

func TestTransition_ResolveRequiresResolutionMetadata(t *testing.T) {
	store := newMemVersionedStore()
	mgr := NewManager(store, json.Marshal, json.Unmarshal, nil)
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)

	inc, _ := mgr.CreateOrLookup(context.Background(), "checkout", "ev-1", "SEV2", now)
	human := authority.Context{AuthorityType: authority.HumanOperator}
	mgr.Transition(context.Background(), inc.IncidentID, StateOpen, human, nil, "", now)
	mgr.Transition(context.Background(), inc.IncidentID, StateAcknowledged, human, nil, "", now)
	mgr.Transition(context.Background(), inc.IncidentID, StateMitigated, human, nil, "", now)

	_, err := mgr.Transition(context.Background(), inc.IncidentID, StateResolved, human, nil, "", now)
	if err == nil {
		t.Fatalf("expected MISSING_RESOLUTION error")
	}
}

func TestTransition_IllegalSkipRejected(t *testing.T) {
	store := newMemVersionedStore()
	mgr := NewManager(store, json.Marshal, json.Unmarshal, nil)
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)

	inc, _ := mgr.CreateOrLookup(context.Background(), "checkout", "ev-1", "SEV2", now)
	human := authority.Context{AuthorityType: authority.HumanOperator}

	_, err := mgr.Transition(context.Background(), inc.IncidentID, StateMitigated, human, nil, "", now)
	if err == nil {
		t.Fatalf("expected illegal transition error skipping OPEN/ACKNOWLEDGED")
	}
}

func TestTransition_ReplayReproducesStateHash(t *testing.T) {
	store := newMemVersionedStore()
	mgr := NewManager(store, json.Marshal, json.Unmarshal, nil)
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	human := authority.Context{AuthorityType: authority.HumanOperator}

	inc, _ := mgr.CreateOrLookup(context.Background(), "checkout", "ev-1", "SEV2", now)
	inc, _ = mgr.Transition(context.Background(), inc.IncidentID, StateOpen, human, nil, "", now)
	firstHash := inc.Timeline[0].StateHashAfter

	replayed, err := hashing.ComputeStateHash(inc.toHashable())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if replayed != firstHash {
		t.Fatalf("replay did not reproduce stateHashAfter byte-for-byte: %s != %s", replayed, firstHash)
	}
}

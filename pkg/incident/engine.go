package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opx/control-plane/pkg/apierr"
	"github.com/opx/control-plane/pkg/authority"
	"github.com/opx/control-plane/pkg/hashing"
	"github.com/opx/control-plane/pkg/signal"
	"github.com/opx/control-plane/pkg/storage"
)

func severityFromString(s string) signal.Severity {
	return signal.Severity(s)
}

// Store is the narrow capability the manager needs: conditional create for
// idempotent first-open, versioned read/update for every subsequent
// transition.
type Store interface {
	CreateVersioned(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (created bool, err error)
	GetVersioned(ctx context.Context, namespace, pk string) (payload []byte, version int, found bool, err error)
	VersionedUpdate(ctx context.Context, namespace, pk string, expectedVersion int, payload []byte, indexed map[string]string) (newVersion int, err error)
}

// EventEmitter is the best-effort notification capability used to announce a
// committed state transition. Failure here must never block the transition
// that was already durably stored.
type EventEmitter interface {
	Emit(ctx context.Context, eventType string, payload []byte) error
}

// Manager implements the incident lifecycle.
type Manager struct {
	store     Store
	marshal   func(interface{}) ([]byte, error)
	unmarshal func([]byte, interface{}) error
	events    EventEmitter
	log       *slog.Logger
}

// NewManager constructs a Manager. events may be nil, in which case
// IncidentTransitioned is never emitted.
func NewManager(store Store, marshal func(interface{}) ([]byte, error), unmarshal func([]byte, interface{}) error, events EventEmitter) *Manager {
	return &Manager{
		store:     store,
		marshal:   marshal,
		unmarshal: unmarshal,
		events:    events,
		log:       slog.Default().With("component", "incident"),
	}
}

// CreateOrLookup implements CP-7's idempotent creation: incidentId =
// SHA256(service|evidenceId). Repeated submissions of the same promotion
// decision converge on the same incident without erroring.
func (m *Manager) CreateOrLookup(ctx context.Context, service, evidenceID, severity string, currentTime time.Time) (Incident, error) {
	incidentID, err := hashing.ComputeIncidentId(service, evidenceID)
	if err != nil {
		return Incident{}, apierr.GateInternal("INCIDENT_ID_COMPUTE_FAILED", "failed to compute incidentId", err)
	}

	existing, _, found, err := m.store.GetVersioned(ctx, "incidents", incidentID)
	if err != nil {
		return Incident{}, apierr.Infra("INCIDENT_LOAD_FAILED", "failed to load incident", err)
	}
	if found {
		var inc Incident
		if err := m.unmarshal(existing, &inc); err != nil {
			return Incident{}, apierr.GateInternal("INCIDENT_UNMARSHAL_FAILED", "failed to unmarshal stored incident", err)
		}
		return inc, nil
	}

	inc := Incident{
		IncidentID: incidentID,
		Service:    service,
		EvidenceID: evidenceID,
		Severity:   severity,
		State:      StatePending,
		UpdatedAt:  currentTime,
	}
	payload, err := m.marshal(inc)
	if err != nil {
		return Incident{}, apierr.GateInternal("INCIDENT_MARSHAL_FAILED", "failed to marshal incident", err)
	}
	created, err := m.store.CreateVersioned(ctx, "incidents", incidentID, payload, map[string]string{"service": service})
	if err != nil {
		return Incident{}, apierr.Infra("INCIDENT_CREATE_FAILED", "failed to create incident", err)
	}
	if !created {
		// Lost the race to a concurrent creator; load their record instead.
		existing, _, found, err := m.store.GetVersioned(ctx, "incidents", incidentID)
		if err != nil || !found {
			return Incident{}, apierr.Infra("INCIDENT_LOAD_FAILED", "failed to load incident after lost create race", err)
		}
		var winner Incident
		if err := m.unmarshal(existing, &winner); err != nil {
			return Incident{}, apierr.GateInternal("INCIDENT_UNMARSHAL_FAILED", "failed to unmarshal stored incident", err)
		}
		return winner, nil
	}
	return inc, nil
}

func actionForTarget(target State) (authority.Action, bool) {
	switch target {
	case StateOpen:
		return authority.ActionOpen, true
	case StateAcknowledged, StateMitigated:
		return authority.ActionMitigate, true
	case StateResolved:
		return authority.ActionResolve, true
	case StateClosed:
		return authority.ActionClose, true
	}
	return "", false
}

var ErrVersionConflict = storage.ErrVersionConflict

// Get loads an incident by id without mutating it.
func (m *Manager) Get(ctx context.Context, incidentID string) (Incident, bool, error) {
	payload, _, found, err := m.store.GetVersioned(ctx, "incidents", incidentID)
	if err != nil {
		return Incident{}, false, apierr.Infra("INCIDENT_LOAD_FAILED", "failed to load incident", err)
	}
	if !found {
		return Incident{}, false, nil
	}
	var inc Incident
	if err := m.unmarshal(payload, &inc); err != nil {
		return Incident{}, false, apierr.GateInternal("INCIDENT_UNMARSHAL_FAILED", "failed to unmarshal incident", err)
	}
	return inc, true, nil
}

// Transition applies one state-machine action. annotation/resolution may be
// supplied for a no-op re-entry or for RESOLVE respectively. currentTime is
// the only source of "now"; every timestamp on the incident is derived from
// it or from a prior event.
func (m *Manager) Transition(ctx context.Context, incidentID string, target State, auth authority.Context, resolution *Resolution, annotation string, currentTime time.Time) (Incident, error) {
	payload, version, found, err := m.store.GetVersioned(ctx, "incidents", incidentID)
	if err != nil {
		return Incident{}, apierr.Infra("INCIDENT_LOAD_FAILED", "failed to load incident", err)
	}
	if !found {
		return Incident{}, apierr.NotFound("INCIDENT_NOT_FOUND", fmt.Sprintf("incident %s not found", incidentID))
	}
	var inc Incident
	if err := m.unmarshal(payload, &inc); err != nil {
		return Incident{}, apierr.GateInternal("INCIDENT_UNMARSHAL_FAILED", "failed to unmarshal incident", err)
	}

	if inc.State == StateClosed {
		return Incident{}, &apierr.Error{Kind: apierr.KindIllegalTransition, Code: "CLOSED_ACCEPTS_NO_TRANSITIONS", Message: "incident is closed"}
	}

	action, known := actionForTarget(target)
	if !known {
		return Incident{}, apierr.Validation("UNKNOWN_TARGET_STATE", "unrecognized target state", "target")
	}

	severitySig := severityFromString(inc.Severity)
	if !authority.Allowed(action, severitySig, auth.AuthorityType) {
		return Incident{}, apierr.Authority("AUTHORITY_NOT_PERMITTED", fmt.Sprintf("authority type %s may not perform %s at this severity", auth.AuthorityType, action), requiredAuthorityFor(action))
	}

	selfLoop := target == inc.State
	if !selfLoop {
		if order[target] < order[inc.State] || order[target] > order[inc.State]+1 {
			return Incident{}, apierr.IllegalTransition(string(inc.State), string(target))
		}
	}

	if target == StateResolved && !selfLoop {
		if resolution == nil {
			return Incident{}, apierr.Validation("MISSING_RESOLUTION", "RESOLVE requires a resolution metadata block", "resolution")
		}
	}
	if inc.State == StateResolved && resolution != nil && inc.Resolution != nil {
		return Incident{}, &apierr.Error{Kind: apierr.KindIllegalTransition, Code: "RESOLUTION_IMMUTABLE", Message: "resolution is immutable once an incident is resolved"}
	}

	if err := checkTemporalOrder(inc, currentTime); err != nil {
		return Incident{}, err
	}

	updated := inc
	if !selfLoop {
		switch target {
		case StateOpen:
			t := currentTime
			updated.OpenedAt = &t
		case StateAcknowledged:
			t := currentTime
			updated.AcknowledgedAt = &t
		case StateMitigated:
			t := currentTime
			updated.MitigatedAt = &t
		case StateResolved:
			t := currentTime
			updated.ResolvedAt = &t
			updated.Resolution = resolution
		case StateClosed:
			t := currentTime
			updated.ClosedAt = &t
		}
		updated.State = target
	}
	updated.UpdatedAt = currentTime
	updated.EventSeq = inc.EventSeq + 1

	stateHash, err := hashing.ComputeStateHash(updated.toHashable())
	if err != nil {
		return Incident{}, apierr.GateInternal("STATE_HASH_COMPUTE_FAILED", "failed to compute state hash", err)
	}

	evt := Event{
		EventSeq:       updated.EventSeq,
		Action:         action,
		FromState:      inc.State,
		ToState:        target,
		AuthorityID:    auth.AuthorityID,
		AuthorityType:  auth.AuthorityType,
		Annotation:     annotation,
		Timestamp:      currentTime,
		StateHashAfter: stateHash,
	}
	if target == StateResolved && !selfLoop {
		evt.Resolution = resolution
	}
	updated.Timeline = append(append([]Event(nil), inc.Timeline...), evt)

	newPayload, err := m.marshal(updated)
	if err != nil {
		return Incident{}, apierr.GateInternal("INCIDENT_MARSHAL_FAILED", "failed to marshal incident", err)
	}
	if _, err := m.store.VersionedUpdate(ctx, "incidents", incidentID, version, newPayload, map[string]string{"service": updated.Service}); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return Incident{}, err
		}
		return Incident{}, apierr.Infra("INCIDENT_STORE_FAILED", "failed to store incident transition", err)
	}

	if m.events != nil {
		eventPayload, merr := m.marshal(map[string]interface{}{
			"incident_id": updated.IncidentID,
			"from_state":  evt.FromState,
			"to_state":    evt.ToState,
			"event_seq":   evt.EventSeq,
		})
		if merr != nil {
			m.log.WarnContext(ctx, "incident event marshal failed", "error", merr)
		} else if err := m.events.Emit(ctx, "IncidentTransitioned", eventPayload); err != nil {
			m.log.WarnContext(ctx, "incident event emission failed", "error", err, "incident_id", updated.IncidentID)
		}
	}

	return updated, nil
}

func checkTemporalOrder(inc Incident, currentTime time.Time) error {
	times := []*time.Time{inc.OpenedAt, inc.AcknowledgedAt, inc.MitigatedAt, inc.ResolvedAt, inc.ClosedAt}
	var prior *time.Time
	for _, t := range times {
		if t != nil {
			prior = t
		}
	}
	if prior != nil && currentTime.Before(*prior) {
		return apierr.Validation("TEMPORAL_ORDER_VIOLATION", "currentTime precedes the incident's latest recorded timestamp", "currentTime")
	}
	return nil
}

func requiredAuthorityFor(action authority.Action) string {
	switch action {
	case authority.ActionResolve:
		return "ON_CALL_SRE or EMERGENCY_OVERRIDE for SEV1; HUMAN_OPERATOR or above otherwise"
	case authority.ActionMitigate, authority.ActionClose:
		return "any human authority"
	default:
		return "permitted authority"
	}
}

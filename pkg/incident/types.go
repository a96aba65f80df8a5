// Package incident implements the event-sourced incident state machine.
// The materialized incident is derived from an ordered event log;
// optimistic concurrency is enforced with a version counter from
// pkg/storage. Every stateHashAfter is reproducible byte-for-byte by
// replaying the event sequence — nothing here reads a clock.
package incident

import (
	"time"

	"github.com/opx/control-plane/pkg/authority"
)

// State is one node of the incident lifecycle.
type State string

const (
	StatePending      State = "PENDING"
	StateOpen         State = "OPEN"
	StateAcknowledged State = "ACKNOWLEDGED"
	StateMitigated    State = "MITIGATED"
	StateResolved     State = "RESOLVED"
	StateClosed       State = "CLOSED"
)

// order gives each state its position for the temporal-ordering invariant
// and for rejecting backward/skipped transitions.
var order = map[State]int{
	StatePending:      0,
	StateOpen:         1,
	StateAcknowledged: 2,
	StateMitigated:    3,
	StateResolved:     4,
	StateClosed:       5,
}

// Resolution is the metadata block RESOLVE requires. Once an incident is
// RESOLVED this block is immutable.
type Resolution struct {
	Classification string `json:"classification"` // classification label, e.g. "truePositive"
	RootCause      string `json:"root_cause,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// Event is one immutable, hash-chained entry in an incident's log. Resolution
// is only ever set on the event that transitions to RESOLVED; it is carried
// here (not just on the materialized Incident) so a replay can fold the
// timeline forward and reconstruct every intermediate hashable state without
// consulting the already-materialized record.
type Event struct {
	EventSeq       int              `json:"event_seq"`
	Action         authority.Action `json:"action"`
	FromState      State            `json:"from_state"`
	ToState        State            `json:"to_state"`
	AuthorityID    string           `json:"authority_id"`
	AuthorityType  authority.Type   `json:"authority_type"`
	Annotation     string           `json:"annotation,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
	StateHashAfter string           `json:"state_hash_after"`
	Resolution     *Resolution      `json:"resolution,omitempty"`
}

// Incident is the materialized, authoritative record. Version is the
// optimistic-concurrency counter; UpdatedAt and EventSeq/Timeline are
// explicitly excluded from computeStateHash (spec.md §3) since they are
// bookkeeping, not incident-defining state.
type Incident struct {
	IncidentID     string      `json:"incident_id"`
	Service        string      `json:"service"`
	EvidenceID     string      `json:"evidence_id"`
	State          State       `json:"state"`
	Severity       string      `json:"severity"`
	OpenedAt       *time.Time  `json:"opened_at,omitempty"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	MitigatedAt    *time.Time  `json:"mitigated_at,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	ClosedAt       *time.Time  `json:"closed_at,omitempty"`
	Resolution     *Resolution `json:"resolution,omitempty"`

	Version   int64     `json:"version"`
	EventSeq  int       `json:"event_seq"`
	Timeline  []Event   `json:"timeline"`
	UpdatedAt time.Time `json:"updated_at"`
}

// hashableState is the authoritative-state projection computeStateHash
// actually hashes: every field above except updatedAt, version, eventSeq,
// and timeline.
type hashableState struct {
	IncidentID     string      `json:"incident_id"`
	Service        string      `json:"service"`
	EvidenceID     string      `json:"evidence_id"`
	State          State       `json:"state"`
	Severity       string      `json:"severity"`
	OpenedAt       *time.Time  `json:"opened_at,omitempty"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	MitigatedAt    *time.Time  `json:"mitigated_at,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	ClosedAt       *time.Time  `json:"closed_at,omitempty"`
	Resolution     *Resolution `json:"resolution,omitempty"`
}

func (i Incident) toHashable() hashableState {
	return hashableState{
		IncidentID:     i.IncidentID,
		Service:        i.Service,
		EvidenceID:     i.EvidenceID,
		State:          i.State,
		Severity:       i.Severity,
		OpenedAt:       i.OpenedAt,
		AcknowledgedAt: i.AcknowledgedAt,
		MitigatedAt:    i.MitigatedAt,
		ResolvedAt:     i.ResolvedAt,
		ClosedAt:       i.ClosedAt,
		Resolution:     i.Resolution,
	}
}

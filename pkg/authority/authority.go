// Package authority defines the principal/authority model used by the
// promotion engine and incident manager, and the action × severity matrix
// that gates every state transition. Authority is a capability label, not
// an identity system — identity is extracted by the JWT layer in this
// package and handed to the core as an opaque Context.
package authority

import (
	"context"
	"fmt"

	"github.com/opx/control-plane/pkg/signal"
)

// Type is the principal's authority class.
type Type string

const (
	AutoEngine      Type = "AUTO_ENGINE"
	HumanOperator   Type = "HUMAN_OPERATOR"
	OnCallSRE       Type = "ON_CALL_SRE"
	EmergencyOverride Type = "EMERGENCY_OVERRIDE"
)

var rank = map[Type]int{
	AutoEngine:        0,
	HumanOperator:     1,
	OnCallSRE:         2,
	EmergencyOverride: 3,
}

// AtLeast reports whether t satisfies a "HUMAN_OPERATOR+" style floor.
func (t Type) AtLeast(floor Type) bool {
	return rank[t] >= rank[floor]
}

func (t Type) IsHuman() bool {
	return t != AutoEngine
}

// Context is the authenticated principal presented to the core for a
// single request. Justification is required only for EMERGENCY_OVERRIDE.
type Context struct {
	AuthorityID      string
	AuthorityType    Type
	Justification    string
}

// Action is a state-machine or promotion action gated by the matrix.
type Action string

const (
	ActionOpen      Action = "OPEN"
	ActionMitigate  Action = "MITIGATE"
	ActionResolve   Action = "RESOLVE"
	ActionClose     Action = "CLOSE"
	ActionRead      Action = "READ"
	ActionPromote   Action = "PROMOTE"
	ActionRecordOutcome Action = "RECORD_OUTCOME"
)

// minJustificationLen is the floor for EMERGENCY_OVERRIDE justification text.
const minJustificationLen = 20

// Allowed implements the action × severity → authority matrix from §4.7,
// plus the two explicit carve-outs in §8's universal invariants: AUTO_ENGINE
// can never RESOLVE, CLOSE, or RECORD_OUTCOME regardless of severity.
func Allowed(action Action, severity signal.Severity, authType Type) bool {
	switch action {
	case ActionRead:
		return true
	case ActionOpen:
		return true // any authority, including AUTO_ENGINE
	case ActionPromote:
		return true // gated separately by the policy's allowedAuthorities
	case ActionMitigate:
		return authType.IsHuman()
	case ActionResolve:
		if severity == signal.SEV1 {
			return authType == OnCallSRE || authType == EmergencyOverride
		}
		return authType.AtLeast(HumanOperator)
	case ActionClose:
		return authType.IsHuman()
	case ActionRecordOutcome:
		return authType.IsHuman()
	default:
		return false
	}
}

// Validate enforces the authority-specific request preconditions: a
// justification of sufficient length for EMERGENCY_OVERRIDE.
func Validate(c Context) error {
	if c.AuthorityType == EmergencyOverride && len(c.Justification) < minJustificationLen {
		return fmt.Errorf("authority: EMERGENCY_OVERRIDE requires a justification of at least %d characters", minJustificationLen)
	}
	return nil
}

type contextKey struct{}

// WithContext injects an authority Context into ctx.
func WithContext(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext extracts the authority Context previously injected.
func FromContext(ctx context.Context) (Context, bool) {
	c, ok := ctx.Value(contextKey{}).(Context)
	return c, ok
}

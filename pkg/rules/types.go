package rules

import "github.com/opx/control-plane/pkg/signal"

// Condition is one ordered step in a detection rule's evaluation. Field is a
// safe-accessor path (prop, prop.nested, prop[index]) evaluated against the
// signal's dynamic payload; the operator and expected value are static data
// loaded from the rule file, never constructed at runtime.
type Condition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Expected interface{} `json:"expected,omitempty"`
}

// SignalMatcher gates whether a detection rule is even considered for a
// signal. All specified dimensions are joined by AND; values within one
// dimension are joined by OR. An empty dimension means "no constraint".
type SignalMatcher struct {
	SignalTypes []string            `json:"signal_types,omitempty"`
	Sources     []string            `json:"sources,omitempty"`
	Severities  []signal.Severity   `json:"severities,omitempty"`
	Confidences []signal.Confidence `json:"confidences,omitempty"`
}

// DetectionRule is static, immutable catalog data. New behavior always means
// a new ruleId@version, never an in-place edit.
type DetectionRule struct {
	RuleID           string              `json:"rule_id"`
	RuleVersion      string              `json:"rule_version"`
	SignalMatcher    SignalMatcher       `json:"signal_matcher"`
	Conditions       []Condition         `json:"conditions"`
	OutputSeverity   signal.Severity     `json:"output_severity"`
	OutputConfidence signal.Confidence   `json:"output_confidence"`
}

// WindowTruncation is the boundary a correlation window is rounded to when
// used as a resolved key field.
type WindowTruncation string

const (
	TruncateMinute WindowTruncation = "minute"
	TruncateHour   WindowTruncation = "hour"
)

// CorrelationMatcher filters which detections may join a candidate alongside
// the triggering detection.
type CorrelationMatcher struct {
	SameService      bool                `json:"same_service"`
	SameSource       bool                `json:"same_source"`
	SameRuleID       bool                `json:"same_rule_id"`
	SignalTypes      []string            `json:"signal_types,omitempty"`
	Severities       []signal.Severity   `json:"severities,omitempty"`
	WindowMinutes    int                 `json:"window_minutes"`
	WindowTruncation WindowTruncation    `json:"window_truncation"`
	MinDetections    int                 `json:"min_detections"`
	MaxDetections    int                 `json:"max_detections"`
}

// ConfidenceBoost is a named weight applied when its predicate holds during
// candidate confidence scoring (e.g. "multiple_detections" -> 0.2).
type ConfidenceBoost struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// CorrelationRule is static catalog data describing how a candidate is
// assembled from a window of detections.
type CorrelationRule struct {
	RuleID            string            `json:"rule_id"`
	RuleVersion       string            `json:"rule_version"`
	Matcher           CorrelationMatcher `json:"matcher"`
	KeyFields         []string          `json:"key_fields"`
	PrimarySelection  string            `json:"primary_selection"`
	ConfidenceBoosts  []ConfidenceBoost `json:"confidence_boosts,omitempty"`
}

// Eligibility gates whether a candidate may even be considered for promotion.
type Eligibility struct {
	MinConfidence     float64           `json:"min_confidence"`
	AllowedSeverities []signal.Severity `json:"allowed_severities"`
	MinDetections     int               `json:"min_detections"`
	MaxAgeMinutes     int               `json:"max_age_minutes"`
}

// AuthorityRestrictions lists which authority types may submit a promotion
// request under this policy.
type AuthorityRestrictions struct {
	AllowedAuthorities []string `json:"allowed_authorities"`
}

// PromotionPolicy is static catalog data. DeferralConditions and
// RejectionConditions are CEL expressions evaluated against the promotion
// evaluation context (see pkg/promotion).
type PromotionPolicy struct {
	PolicyID              string                `json:"policy_id"`
	PolicyVersion         string                `json:"policy_version"`
	Eligibility           Eligibility           `json:"eligibility"`
	AuthorityRestrictions AuthorityRestrictions `json:"authority_restrictions"`
	DeferralConditions    []string              `json:"deferral_conditions,omitempty"`
	RejectionConditions   []string              `json:"rejection_conditions,omitempty"`
}

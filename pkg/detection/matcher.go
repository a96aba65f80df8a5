package detection

import (
	"github.com/opx/control-plane/pkg/rules"
	"github.com/opx/control-plane/pkg/signal"
)

// MatchesSignal reports whether m applies to s. Every specified dimension
// must match (AND); within a dimension any listed value matching is enough
// (OR). An empty/nil dimension imposes no constraint.
func MatchesSignal(m rules.SignalMatcher, s *signal.Normalized) bool {
	if len(m.SignalTypes) > 0 && !containsString(m.SignalTypes, s.SignalType) {
		return false
	}
	if len(m.Sources) > 0 && !containsString(m.Sources, s.Source) {
		return false
	}
	if len(m.Severities) > 0 && !containsSeverity(m.Severities, s.Severity) {
		return false
	}
	if len(m.Confidences) > 0 && !containsConfidence(m.Confidences, s.Confidence) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsSeverity(list []signal.Severity, v signal.Severity) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsConfidence(list []signal.Confidence, v signal.Confidence) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

package candidate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opx/control-plane/pkg/hashing"
	"github.com/opx/control-plane/pkg/rules"
	"github.com/opx/control-plane/pkg/signal"
)

// DetectionQuerier is the narrow capability the generator needs to fetch
// candidate detections within a time window, with mandatory partition
// narrowing.
type DetectionQuerier interface {
	QueryByTimeRange(ctx context.Context, windowStart, windowEnd time.Time, partitionFilter map[string]string, limit int) ([]DetectionSummary, error)
}

// GraphLookup is the integrity-gate capability: confirms a detection's
// evidence graph actually exists and references it.
type GraphLookup interface {
	GraphContainsDetection(ctx context.Context, detectionID string) (bool, error)
}

// Store is the narrow capability the generator needs for idempotent
// persistence.
type Store interface {
	ConditionalPut(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (isNew bool, err error)
}

// Generate runs one correlation rule R against a trigger detection t. It
// returns ok=false (no error) when there are too few survivors to form a
// candidate — that is the expected, common case, not a failure.
func Generate(ctx context.Context, R *rules.CorrelationRule, t DetectionSummary, querier DetectionQuerier, graphs GraphLookup) (Candidate, bool, error) {
	trace := []GenerationStep{}

	// 1. Window. Inclusive-start, exclusive-end.
	windowStart := t.SignalTimestamp.Add(-time.Duration(R.Matcher.WindowMinutes) * time.Minute)
	windowEnd := t.SignalTimestamp
	trace = append(trace, GenerationStep{Name: "window", Detail: fmt.Sprintf("[%s, %s)", windowStart.Format(time.RFC3339), windowEnd.Format(time.RFC3339))})

	// 2. Query, with mandatory partition narrowing.
	partitionFilter := map[string]string{}
	if R.Matcher.SameRuleID {
		partitionFilter["ruleId"] = t.RuleID
	}
	if R.Matcher.SameService {
		partitionFilter["service"] = t.Service
	}

	queried, err := querier.QueryByTimeRange(ctx, windowStart, windowEnd, partitionFilter, R.Matcher.MaxDetections)
	if err != nil {
		return Candidate{}, false, fmt.Errorf("candidate: query detections: %w", err)
	}
	trace = append(trace, GenerationStep{Name: "query", Detail: fmt.Sprintf("%d detections in window", len(queried))})

	// 3. Filter: matcher + integrity gate.
	survivors := make([]DetectionSummary, 0, len(queried))
	for _, d := range queried {
		if !matchesCorrelation(R.Matcher, t, d) {
			continue
		}
		ok, err := graphs.GraphContainsDetection(ctx, d.DetectionID)
		if err != nil {
			return Candidate{}, false, fmt.Errorf("candidate: integrity gate for %s: %w", d.DetectionID, err)
		}
		if !ok {
			continue
		}
		survivors = append(survivors, d)
	}
	// The trigger detection itself is always a member if it independently
	// survives the matcher (it trivially does, being compared to itself) and
	// the integrity gate. It sits exactly at windowEnd, which the
	// exclusive-end query never returns, so it is added here.
	triggerIncluded := false
	for _, d := range survivors {
		if d.DetectionID == t.DetectionID {
			triggerIncluded = true
			break
		}
	}
	if !triggerIncluded && matchesCorrelation(R.Matcher, t, t) {
		ok, err := graphs.GraphContainsDetection(ctx, t.DetectionID)
		if err != nil {
			return Candidate{}, false, fmt.Errorf("candidate: integrity gate for %s: %w", t.DetectionID, err)
		}
		if ok {
			survivors = append(survivors, t)
		}
	}
	trace = append(trace, GenerationStep{Name: "filter", Detail: fmt.Sprintf("%d survivors after matcher + integrity gate", len(survivors))})

	// 4. Threshold.
	if len(survivors) < R.Matcher.MinDetections {
		return Candidate{}, false, nil
	}
	if len(survivors) > R.Matcher.MaxDetections {
		sortSurvivorsDeterministic(survivors)
		survivors = survivors[:R.Matcher.MaxDetections]
		trace = append(trace, GenerationStep{Name: "truncate", Detail: fmt.Sprintf("truncated to %d", R.Matcher.MaxDetections)})
	}

	// 5. Key fields & ID.
	resolvedKeyFields := resolveKeyFields(R, t)
	detectionIDs := make([]string, len(survivors))
	for i, d := range survivors {
		detectionIDs[i] = d.DetectionID
	}
	candidateID, err := hashing.ComputeCandidateId(detectionIDs, R.RuleID, R.RuleVersion, resolvedKeyFields)
	if err != nil {
		return Candidate{}, false, fmt.Errorf("candidate: compute candidateId: %w", err)
	}
	correlationKey, err := hashing.ComputeCorrelationKey(detectionIDs, R.RuleID, R.RuleVersion, resolvedKeyFields)
	if err != nil {
		return Candidate{}, false, fmt.Errorf("candidate: compute correlationKey: %w", err)
	}

	// 6. Primary selection.
	primary := selectPrimary(survivors)

	// 7. Confidence.
	score, factors := computeConfidence(R, survivors)
	band := confidenceBand(score)

	// 8. Blast radius.
	blast := computeBlastRadius(survivors)

	sortedIDs := append([]string(nil), detectionIDs...)
	sort.Strings(sortedIDs)

	c := Candidate{
		CandidateID:         candidateID,
		CorrelationKey:      correlationKey,
		DetectionIDs:        sortedIDs,
		CorrelationRuleID:   R.RuleID,
		RuleVersion:         R.RuleVersion,
		ResolvedKeyFields:   resolvedKeyFields,
		PrimaryDetectionID:  primary.DetectionID,
		SuggestedSeverity:   primary.Severity,
		SuggestedService:    t.Service,
		SuggestedTitle:      fmt.Sprintf("%s: %d related detections", t.RuleID, len(survivors)),
		Confidence:          band,
		ConfidenceScore:     score,
		ConfidenceFactors:   factors,
		BlastRadius:         blast,
		GenerationTrace:     trace,
		WindowStart:         windowStart,
		WindowEnd:           windowEnd,
	}
	return c, true, nil
}

func matchesCorrelation(m rules.CorrelationMatcher, trigger, candidate DetectionSummary) bool {
	if m.SameService && candidate.Service != trigger.Service {
		return false
	}
	if m.SameSource && candidate.Source() != trigger.Source() {
		return false
	}
	if m.SameRuleID && candidate.RuleID != trigger.RuleID {
		return false
	}
	if len(m.SignalTypes) > 0 && !containsString(m.SignalTypes, candidate.SignalType) {
		return false
	}
	if len(m.Severities) > 0 && !containsSeverity(m.Severities, candidate.Severity) {
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

// sortSurvivorsDeterministic applies (severity desc, signalTimestamp asc,
// detectionId asc) — the deterministic truncation sort.
func sortSurvivorsDeterministic(survivors []DetectionSummary) {
	sort.Slice(survivors, func(i, j int) bool {
		a, b := survivors[i], survivors[j]
		if a.Severity != b.Severity {
			return a.Severity.MoreSevereThan(b.Severity)
		}
		if !a.SignalTimestamp.Equal(b.SignalTimestamp) {
			return a.SignalTimestamp.Before(b.SignalTimestamp)
		}
		return a.DetectionID < b.DetectionID
	})
}

// selectPrimary applies HIGHEST_SEVERITY_THEN_EARLIEST_THEN_LEXICAL.
func selectPrimary(survivors []DetectionSummary) DetectionSummary {
	best := survivors[0]
	for _, d := range survivors[1:] {
		if d.Severity.MoreSevereThan(best.Severity) {
			best = d
			continue
		}
		if d.Severity != best.Severity {
			continue
		}
		if d.SignalTimestamp.Before(best.SignalTimestamp) {
			best = d
			continue
		}
		if !d.SignalTimestamp.Equal(best.SignalTimestamp) {
			continue
		}
		if d.DetectionID < best.DetectionID {
			best = d
		}
	}
	return best
}

func truncateWindow(t time.Time, truncation rules.WindowTruncation) time.Time {
	switch truncation {
	case rules.TruncateHour:
		return t.Truncate(time.Hour)
	default:
		return t.Truncate(time.Minute)
	}
}

func resolveKeyFields(R *rules.CorrelationRule, t DetectionSummary) map[string]string {
	resolved := map[string]string{}
	truncated := truncateWindow(t.SignalTimestamp, R.Matcher.WindowTruncation)
	for _, field := range R.KeyFields {
		switch field {
		case "service":
			resolved["service"] = t.Service
		case "source":
			resolved["source"] = t.Source()
		case "ruleId":
			resolved["ruleId"] = t.RuleID
		case "windowTruncated":
			resolved["windowTruncated"] = truncated.UTC().Format("2006-01-02T15:04:05.000Z")
		}
	}
	return resolved
}

func computeConfidence(R *rules.CorrelationRule, survivors []DetectionSummary) (float64, []string) {
	score := 0.5
	var factors []string
	for _, boost := range R.ConfidenceBoosts {
		switch boost.Name {
		case "multiple_detections":
			if len(survivors) > 1 {
				score += boost.Weight
				factors = append(factors, boost.Name)
			}
		case "max_severity_sev1_or_better":
			if maxSeverity(survivors).Rank() <= signal.SEV1.Rank() {
				score += boost.Weight
				factors = append(factors, boost.Name)
			}
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, factors
}

func maxSeverity(survivors []DetectionSummary) signal.Severity {
	best := survivors[0].Severity
	for _, d := range survivors[1:] {
		if d.Severity.MoreSevereThan(best) {
			best = d.Severity
		}
	}
	return best
}

func confidenceBand(score float64) ConfidenceBand {
	switch {
	case score < 0.34:
		return ConfidenceLow
	case score < 0.67:
		return ConfidenceMedium
	default:
		return ConfidenceHigh
	}
}

func computeBlastRadius(survivors []DetectionSummary) BlastRadius {
	services := map[string]struct{}{}
	var serviceList []string
	infra := false
	for _, d := range survivors {
		if _, ok := services[d.Service]; !ok {
			services[d.Service] = struct{}{}
			serviceList = append(serviceList, d.Service)
		}
		if d.TargetsInfra {
			infra = true
		}
	}
	sort.Strings(serviceList)

	scope := ScopeSingleService
	if len(serviceList) > 1 {
		scope = ScopeMultiService
	}
	if infra {
		scope = ScopeInfrastructure
	}

	impact := ImpactLow
	switch maxSeverity(survivors) {
	case signal.SEV1:
		impact = ImpactCritical
	case signal.SEV2:
		impact = ImpactHigh
	case signal.SEV3:
		impact = ImpactMedium
	default:
		impact = ImpactLow
	}

	return BlastRadius{Scope: scope, AffectedServices: serviceList, EstimatedImpact: impact}
}

// Put stores c idempotently under its own candidateId. isNew=false on
// collision means a concurrent producer already converged — expected
// behavior, not an error.
func Put(ctx context.Context, store Store, marshal func(interface{}) ([]byte, error), c Candidate) (bool, error) {
	payload, err := marshal(c)
	if err != nil {
		return false, fmt.Errorf("candidate: marshal: %w", err)
	}
	indexed := map[string]string{
		"service":         c.SuggestedService,
		"correlation_key": c.CorrelationKey,
	}
	isNew, err := store.ConditionalPut(ctx, "candidates", c.CandidateID, payload, indexed)
	if err != nil {
		return false, fmt.Errorf("candidate: store: %w", err)
	}
	return isNew, nil
}

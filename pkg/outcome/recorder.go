package outcome

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opx/control-plane/pkg/apierr"
	"github.com/opx/control-plane/pkg/authority"
	"github.com/opx/control-plane/pkg/candidate"
	"github.com/opx/control-plane/pkg/hashing"
	"github.com/opx/control-plane/pkg/incident"
)

// Store is the narrow append-only capability the recorder needs.
type Store interface {
	ConditionalPut(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (isNew bool, err error)
}

// SignalTimestampLookup resolves the earliest signal timestamp behind an
// incident's evidence, for TTD derivation. Fresh capability, no teacher
// analog — but follows the same injected-not-looked-up discipline as every
// other store dependency in this repo.
type SignalTimestampLookup interface {
	EarliestSignalTimestamp(ctx context.Context, evidenceID string) (time.Time, bool, error)
}

// Recorder implements outcome capture and pattern extraction.
type Recorder struct {
	store   Store
	lookup  SignalTimestampLookup
	marshal func(interface{}) ([]byte, error)
}

func NewRecorder(store Store, lookup SignalTimestampLookup, marshal func(interface{}) ([]byte, error)) *Recorder {
	return &Recorder{store: store, lookup: lookup, marshal: marshal}
}

// Submission is the inbound outcome-recording request.
type Submission struct {
	Incident        incident.Incident
	AuthorityContext authority.Context
	Classification  Classification
	RootCause       string
	ResolutionType  string
	HumanAssessment *HumanAssessment
	ClosedAt        time.Time
}

func validateSubmission(s Submission) error {
	if s.Incident.State != incident.StateClosed {
		return apierr.Validation("INCIDENT_NOT_CLOSED", "outcomes may only be recorded for a CLOSED incident", "incident.state")
	}
	if !s.AuthorityContext.AuthorityType.IsHuman() {
		return apierr.Authority("AUTO_ENGINE_CANNOT_RECORD_OUTCOME", "AUTO_ENGINE may not record outcomes", "any human authority")
	}
	if s.RootCause == "" {
		return apierr.Validation("MISSING_ROOT_CAUSE", "rootCause is required", "rootCause")
	}
	if s.Incident.OpenedAt == nil || s.Incident.ResolvedAt == nil {
		return apierr.Validation("MISSING_TIMELINE_FIELDS", "incident must have openedAt and resolvedAt set", "incident")
	}
	if s.Incident.ResolvedAt.Before(*s.Incident.OpenedAt) {
		return apierr.Validation("TEMPORAL_ORDER_VIOLATION", "resolvedAt precedes openedAt", "incident.resolvedAt")
	}
	if s.ClosedAt.Before(*s.Incident.ResolvedAt) {
		return apierr.Validation("TEMPORAL_ORDER_VIOLATION", "closedAt precedes resolvedAt", "closedAt")
	}
	switch s.Classification {
	case TruePositive, FalsePositive:
	default:
		return apierr.Validation("INVALID_CLASSIFICATION", "classification must be exactly one of truePositive or falsePositive", "classification")
	}
	return nil
}

// Record builds and conditionally stores an Outcome. On duplicate
// submission (same incidentId and closedAt) it returns created=false and
// leaves the stored outcome untouched; the returned Outcome is the one built
// from this submission, not a re-read of the stored record.
func (r *Recorder) Record(ctx context.Context, s Submission) (Outcome, bool, error) {
	if err := validateSubmission(s); err != nil {
		return Outcome{}, false, err
	}

	closedAtStr := s.ClosedAt.UTC().Format("2006-01-02T15:04:05.000Z")
	outcomeID, err := hashing.ComputeOutcomeId(s.Incident.IncidentID, closedAtStr)
	if err != nil {
		return Outcome{}, false, apierr.GateInternal("OUTCOME_ID_COMPUTE_FAILED", "failed to compute outcomeId", err)
	}

	ttd := r.deriveTTD(ctx, s)
	ttr := s.Incident.ResolvedAt.Sub(*s.Incident.OpenedAt).Seconds()

	o := Outcome{
		OutcomeID:       outcomeID,
		IncidentID:      s.Incident.IncidentID,
		Service:         s.Incident.Service,
		Classification:  s.Classification,
		RootCause:       s.RootCause,
		ResolutionType:  s.ResolutionType,
		TTDSeconds:      ttd,
		TTRSeconds:      ttr,
		HumanAssessment: s.HumanAssessment,
		ClosedAt:        s.ClosedAt,
		CreatedAt:       s.ClosedAt,
	}

	payload, err := r.marshal(o)
	if err != nil {
		return Outcome{}, false, apierr.GateInternal("OUTCOME_MARSHAL_FAILED", "failed to marshal outcome", err)
	}
	isNew, err := r.store.ConditionalPut(ctx, "outcomes", outcomeID, payload, map[string]string{"service": o.Service})
	if err != nil {
		return Outcome{}, false, apierr.Infra("OUTCOME_STORE_FAILED", "failed to store outcome", err)
	}
	return o, isNew, nil
}

// deriveTTD computes time-to-detect as openedAt minus the earliest
// underlying signal timestamp; falls back to openedAt minus the incident's
// own creation if the signal lookup can't resolve one. Returns 0 only when
// neither the lookup nor the incident timeline yields a timestamp.
func (r *Recorder) deriveTTD(ctx context.Context, s Submission) float64 {
	earliest, found, err := r.lookup.EarliestSignalTimestamp(ctx, s.Incident.EvidenceID)
	if err == nil && found {
		return s.Incident.OpenedAt.Sub(earliest).Seconds()
	}
	// Fallback: openedAt - incident creation time. The incident record
	// carries no separate "createdAt" field distinct from its first event;
	// the earliest timeline entry's timestamp stands in for it.
	if len(s.Incident.Timeline) > 0 {
		return s.Incident.OpenedAt.Sub(s.Incident.Timeline[0].Timestamp).Seconds()
	}
	return 0
}

// ExtractSummary builds a ResolutionSummary over a closed set of outcomes
// already filtered to one service and time window by the caller.
func ExtractSummary(service, startDate, endDate string, outcomes []Outcome) (ResolutionSummary, error) {
	summaryID, err := hashing.ComputeOutcomeSummaryId(service, startDate, endDate)
	if err != nil {
		return ResolutionSummary{}, fmt.Errorf("outcome: compute summaryId: %w", err)
	}

	s := ResolutionSummary{
		SummaryID: summaryID,
		Service:   service,
		StartDate: startDate,
		EndDate:   endDate,
	}

	var ttdSum, ttrSum float64
	rootCauseCounts := map[string]int{}
	for _, o := range outcomes {
		s.TotalCount++
		switch o.Classification {
		case TruePositive:
			s.TruePositiveCount++
		case FalsePositive:
			s.FalsePositiveCount++
		}
		ttdSum += o.TTDSeconds
		ttrSum += o.TTRSeconds
		if o.RootCause != "" {
			rootCauseCounts[o.RootCause]++
		}
	}
	if s.TotalCount > 0 {
		s.AverageTTDSeconds = ttdSum / float64(s.TotalCount)
		s.AverageTTRSeconds = ttrSum / float64(s.TotalCount)
	}

	type rc struct {
		name  string
		count int
	}
	var ranked []rc
	for name, count := range rootCauseCounts {
		ranked = append(ranked, rc{name, count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].name < ranked[j].name
	})
	top := ranked
	if len(top) > 10 {
		top = top[:10]
	}
	for _, r := range top {
		s.TopRootCauses = append(s.TopRootCauses, RootCauseCount{RootCause: r.name, Count: r.count})
	}

	if s.TotalCount >= minWarningSample {
		fpRate := float64(s.FalsePositiveCount) / float64(s.TotalCount)
		if fpRate > falsePositiveWarningThreshold {
			s.DetectionWarnings = append(s.DetectionWarnings, fmt.Sprintf("service %s has a false-positive rate of %.0f%% over %d outcomes", service, fpRate*100, s.TotalCount))
		}
	}

	return s, nil
}

// Calibrate bins outcomes by the candidate confidence band they were
// promoted under and compares expected vs. actual accuracy.
func Calibrate(byBand map[candidate.ConfidenceBand][]Outcome, expectedAccuracy map[candidate.ConfidenceBand]float64) []ConfidenceBin {
	var bins []ConfidenceBin
	for band, outcomes := range byBand {
		sample := len(outcomes)
		bin := ConfidenceBin{Band: band, SampleSize: sample, ExpectedAccuracy: expectedAccuracy[band]}
		if sample < minCalibrationSample {
			bin.InsufficientSample = true
			bins = append(bins, bin)
			continue
		}
		tp := 0
		for _, o := range outcomes {
			if o.Classification == TruePositive {
				tp++
			}
		}
		bin.ActualAccuracy = float64(tp) / float64(sample)
		bin.Drift = bin.ActualAccuracy - bin.ExpectedAccuracy
		bin.Overconfident = bin.Drift < 0
		bin.Underconfident = bin.Drift > 0
		bins = append(bins, bin)
	}
	sort.Slice(bins, func(i, j int) bool { return bins[i].Band < bins[j].Band })
	return bins
}

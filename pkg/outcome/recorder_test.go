package outcome

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opx/control-plane/pkg/authority"
	"github.com/opx/control-plane/pkg/candidate"
	"github.com/opx/control-plane/pkg/incident"
)

type memStore struct {
	written map[string][]byte
}

func (m *memStore) ConditionalPut(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (bool, error) {
	key := namespace + "#" + pk
	if _, ok := m.written[key]; ok {
		return false, nil
	}
	m.written[key] = payload
	return true, nil
}

type fakeLookup struct {
	earliest time.Time
	found    bool
}

func (f fakeLookup) EarliestSignalTimestamp(ctx context.Context, evidenceID string) (time.Time, bool, error) {
	return f.earliest, f.found, nil
}

func closedIncident(opened, resolved time.Time) incident.Incident {
	return incident.Incident{
		IncidentID: "inc-1",
		Service:    "checkout",
		EvidenceID: "ev-1",
		State:      incident.StateClosed,
		OpenedAt:   &opened,
		ResolvedAt: &resolved,
		Timeline:   []incident.Event{{Timestamp: opened.Add(-30 * time.Second)}},
	}
}

func TestRecord_RejectsNonClosedIncident(t *testing.T) {
	store := &memStore{written: map[string][]byte{}}
	rec := NewRecorder(store, fakeLookup{}, json.Marshal)

	open := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	inc := closedIncident(open, open.Add(time.Hour))
	inc.State = incident.StateOpen

	_, _, err := rec.Record(context.Background(), Submission{
		Incident:         inc,
		AuthorityContext: authority.Context{AuthorityType: authority.HumanOperator},
		Classification:   TruePositive,
		RootCause:        "oom",
		ClosedAt:         open.Add(2 * time.Hour),
	})
	if err == nil {
		t.Fatalf("expected error for non-closed incident")
	}
}

func TestRecord_RejectsAutoEngine(t *testing.T) {
	store := &memStore{written: map[string][]byte{}}
	rec := NewRecorder(store, fakeLookup{}, json.Marshal)

	open := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	inc := closedIncident(open, open.Add(time.Hour))

	_, _, err := rec.Record(context.Background(), Submission{
		Incident:         inc,
		AuthorityContext: authority.Context{AuthorityType: authority.AutoEngine},
		Classification:   TruePositive,
		RootCause:        "oom",
		ClosedAt:         open.Add(2 * time.Hour),
	})
	if err == nil {
		t.Fatalf("expected AUTO_ENGINE to be rejected")
	}
}

func TestRecord_TTDFallsBackToFirstTimelineEntry(t *testing.T) {
	store := &memStore{written: map[string][]byte{}}
	rec := NewRecorder(store, fakeLookup{found: false}, json.Marshal)

	open := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	inc := closedIncident(open, open.Add(time.Hour))

	o, isNew, err := rec.Record(context.Background(), Submission{
		Incident:         inc,
		AuthorityContext: authority.Context{AuthorityType: authority.HumanOperator},
		Classification:   TruePositive,
		RootCause:        "oom",
		ClosedAt:         open.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isNew {
		t.Fatalf("expected isNew=true on first submission")
	}
	if o.TTDSeconds != 30 {
		t.Fatalf("expected TTD fallback of 30s, got %v", o.TTDSeconds)
	}
	if o.TTRSeconds != 3600 {
		t.Fatalf("expected TTR of 3600s, got %v", o.TTRSeconds)
	}
}

func TestRecord_DuplicateSubmissionReturnsCreatedFalse(t *testing.T) {
	store := &memStore{written: map[string][]byte{}}
	rec := NewRecorder(store, fakeLookup{}, json.Marshal)

	open := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	inc := closedIncident(open, open.Add(time.Hour))
	sub := Submission{
		Incident:         inc,
		AuthorityContext: authority.Context{AuthorityType: authority.HumanOperator},
		Classification:   TruePositive,
		RootCause:        "oom",
		ClosedAt:         open.Add(2 * time.Hour),
	}

	_, isNew1, err := rec.Record(context.Background(), sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isNew1 {
		t.Fatalf("expected first submission to be new")
	}
	_, isNew2, err := rec.Record(context.Background(), sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isNew2 {
		t.Fatalf("expected duplicate submission to return created=false")
	}
}

func TestExtractSummary_TopRootCausesAndWarning(t *testing.T) {
	var outcomes []Outcome
	for i := 0; i < 12; i++ {
		cls := TruePositive
		if i < 9 {
			cls = FalsePositive
		}
		outcomes = append(outcomes, Outcome{Classification: cls, RootCause: "oom", TTDSeconds: 10, TTRSeconds: 100})
	}

	summary, err := ExtractSummary("checkout", "2026-01-01", "2026-01-31", outcomes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TotalCount != 12 {
		t.Fatalf("expected 12 total, got %d", summary.TotalCount)
	}
	if len(summary.DetectionWarnings) == 0 {
		t.Fatalf("expected a detection warning for a 75%% FP rate")
	}
	if len(summary.TopRootCauses) != 1 || summary.TopRootCauses[0].Count != 12 {
		t.Fatalf("unexpected top root causes: %+v", summary.TopRootCauses)
	}
}

func TestCalibrate_FlagsInsufficientSample(t *testing.T) {
	bins := Calibrate(map[candidate.ConfidenceBand][]Outcome{
		candidate.ConfidenceHigh: {{Classification: TruePositive}},
	}, map[candidate.ConfidenceBand]float64{candidate.ConfidenceHigh: 0.9})

	if len(bins) != 1 || !bins[0].InsufficientSample {
		t.Fatalf("expected a single insufficient-sample bin, got %+v", bins)
	}
}

func TestCalibrate_FlagsOverconfidentBand(t *testing.T) {
	var outcomes []Outcome
	for i := 0; i < 10; i++ {
		cls := FalsePositive
		if i == 0 {
			cls = TruePositive
		}
		outcomes = append(outcomes, Outcome{Classification: cls})
	}
	bins := Calibrate(map[candidate.ConfidenceBand][]Outcome{
		candidate.ConfidenceHigh: outcomes,
	}, map[candidate.ConfidenceBand]float64{candidate.ConfidenceHigh: 0.9})

	if len(bins) != 1 || !bins[0].Overconfident {
		t.Fatalf("expected the HIGH band to be flagged overconfident, got %+v", bins)
	}
}
